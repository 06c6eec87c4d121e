// Package onchain cross-checks settlement claims against chain state, so a
// facilitator's word on a transaction hash can be independently confirmed.
package onchain

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/agentpay/paykit/logger"
	paytypes "github.com/agentpay/paykit/types"
)

// transferTopic is the keccak hash of the canonical ERC-20 Transfer event
// signature, the first topic of every transfer log.
var transferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// ReceiptVerdict is the outcome of matching a receipt against an expected
// payment.
type ReceiptVerdict struct {
	Verified    bool
	Amount      string
	From        string
	To          string
	BlockNumber uint64
	Error       string
}

// Verifier reads receipts from an EVM RPC endpoint.
type Verifier struct {
	client  *ethclient.Client
	network paytypes.Network
	log     logger.Logger
	timeout time.Duration
}

type VerifierOption func(*Verifier)

func WithVerifierLogger(l logger.Logger) VerifierOption {
	return func(v *Verifier) { v.log = l }
}

func WithVerifierTimeout(d time.Duration) VerifierOption {
	return func(v *Verifier) { v.timeout = d }
}

// Dial connects to an RPC endpoint for the given network. An empty rpcURL
// uses the network's default public endpoint from the chain registry.
func Dial(rpcURL string, network paytypes.Network, opts ...VerifierOption) (*Verifier, error) {
	info, ok := network.Info()
	if !ok {
		return nil, paytypes.NewPayError(paytypes.ErrUnsupportedNetwork,
			fmt.Sprintf("network %s has no EVM RPC", network))
	}
	if rpcURL == "" {
		rpcURL = info.RPCURL
	}
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s rpc: %w", network, err)
	}
	v := &Verifier{
		client:  client,
		network: network,
		log:     logger.NoopLogger{},
		timeout: 15 * time.Second,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// NewVerifier wraps an existing client, mainly for tests and embedders that
// manage their own connections.
func NewVerifier(client *ethclient.Client, network paytypes.Network, opts ...VerifierOption) *Verifier {
	v := &Verifier{
		client:  client,
		network: network,
		log:     logger.NoopLogger{},
		timeout: 15 * time.Second,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Close releases the underlying RPC connection.
func (v *Verifier) Close() {
	v.client.Close()
}

// VerifyByTxHash fetches the receipt for txHash and checks that it contains a
// successful Transfer of exactly amount, on asset, to payTo. A missing or
// failed receipt is reported in the verdict, not as a Go error; errors are
// reserved for not being able to ask the chain at all.
func (v *Verifier) VerifyByTxHash(ctx context.Context, txHash, asset, payTo, amount string) (*ReceiptVerdict, error) {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	receipt, err := v.client.TransactionReceipt(ctx, common.HexToHash(txHash))
	if err != nil {
		return nil, fmt.Errorf("fetch receipt %s: %w", txHash, err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return &ReceiptVerdict{
			BlockNumber: receipt.BlockNumber.Uint64(),
			Error:       "transaction reverted",
		}, nil
	}

	want, err := paytypes.ParseBigAmount(amount)
	if err != nil {
		return nil, fmt.Errorf("expected amount: %w", err)
	}

	verdict := v.matchTransfer(receipt, asset, payTo, want)
	v.log.Debug("receipt checked", map[string]any{
		"network":  v.network.String(),
		"txHash":   txHash,
		"verified": verdict.Verified,
	})
	return verdict, nil
}

// matchTransfer scans the receipt's logs for a Transfer on the expected
// token contract paying the expected recipient the expected amount.
func (v *Verifier) matchTransfer(receipt *types.Receipt, asset, payTo string, want *big.Int) *ReceiptVerdict {
	verdict := &ReceiptVerdict{BlockNumber: receipt.BlockNumber.Uint64()}

	assetAddr := common.HexToAddress(asset)
	payToAddr := common.HexToAddress(payTo)

	for _, entry := range receipt.Logs {
		if entry.Address != assetAddr {
			continue
		}
		if len(entry.Topics) != 3 || entry.Topics[0] != transferTopic {
			continue
		}

		to := common.BytesToAddress(entry.Topics[2].Bytes())
		if !strings.EqualFold(to.Hex(), payToAddr.Hex()) {
			continue
		}

		got := new(big.Int).SetBytes(entry.Data)
		from := common.BytesToAddress(entry.Topics[1].Bytes())

		verdict.From = from.Hex()
		verdict.To = to.Hex()
		verdict.Amount = got.String()

		if got.Cmp(want) != 0 {
			verdict.Error = fmt.Sprintf("transfer amount %s does not match expected %s", got, want)
			return verdict
		}
		verdict.Verified = true
		return verdict
	}

	verdict.Error = "no matching transfer in receipt"
	return verdict
}
