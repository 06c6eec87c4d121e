package onchain

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"

	paytypes "github.com/agentpay/paykit/types"
)

const (
	testAsset = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
	testPayTo = "0x1111111111111111111111111111111111111111"
	testFrom  = "0x3333333333333333333333333333333333333333"
)

func transferLog(asset, from, to string, amount *big.Int) *gethtypes.Log {
	return &gethtypes.Log{
		Address: common.HexToAddress(asset),
		Topics: []common.Hash{
			transferTopic,
			common.BytesToHash(common.HexToAddress(from).Bytes()),
			common.BytesToHash(common.HexToAddress(to).Bytes()),
		},
		Data: common.LeftPadBytes(amount.Bytes(), 32),
	}
}

func receiptWith(logs ...*gethtypes.Log) *gethtypes.Receipt {
	return &gethtypes.Receipt{
		Status:      gethtypes.ReceiptStatusSuccessful,
		BlockNumber: big.NewInt(123),
		Logs:        logs,
	}
}

func testVerifier() *Verifier {
	return NewVerifier(nil, paytypes.NetworkBaseSepolia)
}

func TestMatchTransferVerifies(t *testing.T) {
	receipt := receiptWith(transferLog(testAsset, testFrom, testPayTo, big.NewInt(3990000)))

	verdict := testVerifier().matchTransfer(receipt, testAsset, testPayTo, big.NewInt(3990000))
	assert.True(t, verdict.Verified)
	assert.Equal(t, "3990000", verdict.Amount)
	assert.Equal(t, common.HexToAddress(testFrom).Hex(), verdict.From)
	assert.Equal(t, uint64(123), verdict.BlockNumber)
}

func TestMatchTransferWrongAmount(t *testing.T) {
	receipt := receiptWith(transferLog(testAsset, testFrom, testPayTo, big.NewInt(1)))

	verdict := testVerifier().matchTransfer(receipt, testAsset, testPayTo, big.NewInt(3990000))
	assert.False(t, verdict.Verified)
	assert.Contains(t, verdict.Error, "does not match")
}

func TestMatchTransferIgnoresOtherTokensAndRecipients(t *testing.T) {
	otherToken := transferLog("0x9999999999999999999999999999999999999999", testFrom, testPayTo, big.NewInt(3990000))
	otherRecipient := transferLog(testAsset, testFrom, "0x2222222222222222222222222222222222222222", big.NewInt(3990000))
	match := transferLog(testAsset, testFrom, testPayTo, big.NewInt(3990000))
	receipt := receiptWith(otherToken, otherRecipient, match)

	verdict := testVerifier().matchTransfer(receipt, testAsset, testPayTo, big.NewInt(3990000))
	assert.True(t, verdict.Verified)
}

func TestMatchTransferNoMatchingLog(t *testing.T) {
	receipt := receiptWith()

	verdict := testVerifier().matchTransfer(receipt, testAsset, testPayTo, big.NewInt(3990000))
	assert.False(t, verdict.Verified)
	assert.Equal(t, "no matching transfer in receipt", verdict.Error)
}

func TestDialRejectsNonEVMNetwork(t *testing.T) {
	_, err := Dial("http://localhost:8545", paytypes.Network("solana-mainnet"))
	assert.Error(t, err)
	assert.Equal(t, paytypes.ErrUnsupportedNetwork, paytypes.CodeOf(err))
}
