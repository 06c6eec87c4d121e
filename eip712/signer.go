package eip712

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/agentpay/paykit/types"
)

// PrivateKeySigner signs exact-scheme authorizations with a locally held
// key. Key storage and encryption-at-rest are the embedder's concern; this
// type only turns a structured message into a signature.
type PrivateKeySigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewPrivateKeySigner parses a hex-encoded private key (with or without the
// 0x prefix).
func NewPrivateKeySigner(hexKey string) (*PrivateKeySigner, error) {
	if len(hexKey) >= 2 && hexKey[0:2] == "0x" {
		hexKey = hexKey[2:]
	}
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return &PrivateKeySigner{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
	}, nil
}

// Address returns the signer's account address.
func (s *PrivateKeySigner) Address() string {
	return s.address.Hex()
}

// SignAuthorization produces the 65-byte hex signature over the typed
// authorization message, using the signing domain advertised in the
// requirements' extra hints.
func (s *PrivateKeySigner) SignAuthorization(ctx context.Context, auth *types.ExactAuthorization, requirements *types.PaymentRequirements) (string, error) {
	domain, err := DomainFromRequirements(requirements)
	if err != nil {
		return "", err
	}

	digest, err := AuthorizationDigest(domain, auth)
	if err != nil {
		return "", err
	}

	sig, err := crypto.Sign(digest.Bytes(), s.key)
	if err != nil {
		return "", fmt.Errorf("sign authorization: %w", err)
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	return hexutil.Encode(sig), nil
}

// DomainFromRequirements assembles the EIP-712 domain from a requirements
// entry: name/version from the extra hints, chain id from the network,
// verifying contract from the asset address.
func DomainFromRequirements(requirements *types.PaymentRequirements) (Domain, error) {
	chainID, ok := types.EVMChainIDs[types.Network(requirements.Network)]
	if !ok {
		return Domain{}, types.NewPayError(types.ErrUnsupportedNetwork,
			fmt.Sprintf("no chain id known for network %s", requirements.Network))
	}

	name, _ := requirements.Extra["name"].(string)
	version, _ := requirements.Extra["version"].(string)
	if name == "" {
		return Domain{}, types.NewPayError(types.ErrProtocol,
			"requirements.extra carries no signing domain name")
	}
	if version == "" {
		version = "1"
	}

	return Domain{
		Name:              name,
		Version:           version,
		ChainID:           big.NewInt(chainID),
		VerifyingContract: common.HexToAddress(requirements.Asset),
	}, nil
}
