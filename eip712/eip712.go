// Package eip712 builds and verifies the typed-data digests behind the
// "exact" scheme's gasless transfer authorization
// (TransferWithAuthorization, EIP-3009 style).
package eip712

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/agentpay/paykit/types"
)

// Domain is the EIP-712 signing domain for a token contract.
type Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address
}

var (
	domainTypeHash = crypto.Keccak256Hash([]byte(
		"EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"))
	transferAuthTypeHash = crypto.Keccak256Hash([]byte(
		"TransferWithAuthorization(address from,address to,uint256 value,uint256 validAfter,uint256 validBefore,bytes32 nonce)"))
)

// DomainSeparator hashes the signing domain per EIP-712.
func DomainSeparator(d Domain) (common.Hash, error) {
	if d.Name == "" || d.Version == "" || d.ChainID == nil {
		return common.Hash{}, errors.New("incomplete signing domain")
	}
	return keccakConcat(
		domainTypeHash.Bytes(),
		crypto.Keccak256([]byte(d.Name)),
		crypto.Keccak256([]byte(d.Version)),
		padBig(d.ChainID),
		padAddress(d.VerifyingContract),
	), nil
}

// AuthorizationDigest builds the final digest a buyer signs for the given
// structured authorization.
func AuthorizationDigest(domain Domain, auth *types.ExactAuthorization) (common.Hash, error) {
	sep, err := DomainSeparator(domain)
	if err != nil {
		return common.Hash{}, err
	}

	value, err := decString(auth.Value)
	if err != nil {
		return common.Hash{}, fmt.Errorf("authorization value: %w", err)
	}
	validAfter, err := decString(auth.ValidAfter)
	if err != nil {
		return common.Hash{}, fmt.Errorf("authorization validAfter: %w", err)
	}
	validBefore, err := decString(auth.ValidBefore)
	if err != nil {
		return common.Hash{}, fmt.Errorf("authorization validBefore: %w", err)
	}
	nonce, err := nonceBytes(auth.Nonce)
	if err != nil {
		return common.Hash{}, fmt.Errorf("authorization nonce: %w", err)
	}

	structHash := keccakConcat(
		transferAuthTypeHash.Bytes(),
		padAddress(common.HexToAddress(auth.From)),
		padAddress(common.HexToAddress(auth.To)),
		padBig(value),
		padBig(validAfter),
		padBig(validBefore),
		nonce[:],
	)

	return crypto.Keccak256Hash(
		[]byte{0x19, 0x01},
		sep.Bytes(),
		structHash.Bytes(),
	), nil
}

// RecoverSigner recovers the address that produced sig over digest. sig must
// be 65 bytes R||S||V; V is normalized from 27/28 if needed.
func RecoverSigner(digest common.Hash, sig []byte) (common.Address, error) {
	if len(sig) != 65 {
		return common.Address{}, errors.New("signature must be 65 bytes")
	}
	s := make([]byte, 65)
	copy(s, sig)
	if s[64] >= 27 {
		s[64] -= 27
	}
	pubKey, err := crypto.SigToPub(digest.Bytes(), s)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover public key: %w", err)
	}
	return crypto.PubkeyToAddress(*pubKey), nil
}

func keccakConcat(parts ...[]byte) common.Hash {
	joined := make([]byte, 0, len(parts)*32)
	for _, p := range parts {
		joined = append(joined, p...)
	}
	return crypto.Keccak256Hash(joined)
}

func padBig(i *big.Int) []byte {
	b := i.Bytes()
	if len(b) > 32 {
		b = b[len(b)-32:]
	}
	out := make([]byte, 32)
	copy(out[32-len(b):], b)
	return out
}

func padAddress(a common.Address) []byte {
	out := make([]byte, 32)
	copy(out[12:], a.Bytes())
	return out
}

func decString(s string) (*big.Int, error) {
	n := new(big.Int)
	if _, ok := n.SetString(s, 10); !ok {
		return nil, fmt.Errorf("invalid decimal integer %q", s)
	}
	return n, nil
}

func nonceBytes(hexStr string) ([32]byte, error) {
	var out [32]byte
	if len(hexStr) >= 2 && hexStr[0:2] == "0x" {
		hexStr = hexStr[2:]
	}
	b, err := hex.DecodeString(hexStr)
	if err != nil {
		return out, err
	}
	if len(b) != 32 {
		return out, fmt.Errorf("nonce must be 32 bytes, got %d", len(b))
	}
	copy(out[:], b)
	return out, nil
}
