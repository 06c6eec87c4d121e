package wallet

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentpay/paykit/audit"
	"github.com/agentpay/paykit/types"
)

const (
	destA = "0x1111111111111111111111111111111111111111"
	destB = "0x2222222222222222222222222222222222222222"
)

type fakeFunds struct {
	calls   int
	failure error
}

func (f *fakeFunds) Transfer(ctx context.Context, to string, amount decimal.Decimal) (string, error) {
	f.calls++
	if f.failure != nil {
		return "", f.failure
	}
	return fmt.Sprintf("0xtx%d", f.calls), nil
}

func (f *fakeFunds) Address() string { return "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa" }

func newTestWallet(t *testing.T, limits Limits, opts ...Option) (*SecureWallet, *fakeFunds, *audit.Log) {
	t.Helper()
	auditLog, err := audit.New(t.TempDir())
	require.NoError(t, err)
	funds := &fakeFunds{}
	w, err := New(funds, limits, auditLog, opts...)
	require.NoError(t, err)
	return w, funds, auditLog
}

func TestTransferWithinLimits(t *testing.T) {
	w, funds, auditLog := newTestWallet(t, Limits{
		PerTransactionCap: decimal.NewFromInt(100),
		DailyCap:          decimal.NewFromInt(1000),
	})

	res, err := w.Transfer(context.Background(), destA, decimal.NewFromInt(50), TransferOptions{})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "0xtx1", res.TxHash)
	assert.Equal(t, 1, funds.calls)

	report, err := auditLog.Verify("")
	require.NoError(t, err)
	assert.True(t, report.Valid)
}

func TestWhitelistRejectionIsCaseInsensitive(t *testing.T) {
	w, funds, _ := newTestWallet(t, Limits{RequireWhitelist: true})
	require.NoError(t, w.AddToWhitelist("0x1111111111111111111111111111111111111111", "ops"))

	// Same address, different casing, must pass.
	res, err := w.Transfer(context.Background(), "0X1111111111111111111111111111111111111111", decimal.NewFromInt(10), TransferOptions{})
	require.NoError(t, err)
	assert.True(t, res.Success)

	// Unknown destination rejects outright, never queues.
	res, err = w.Transfer(context.Background(), destB, decimal.NewFromInt(10), TransferOptions{})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, types.ErrPolicyViolation, res.Code)
	assert.Empty(t, res.PendingID)
	assert.Equal(t, 1, funds.calls)
	assert.Empty(t, w.PendingTransfers())
}

func TestPerTransactionCapQueuesForApproval(t *testing.T) {
	w, funds, _ := newTestWallet(t, Limits{PerTransactionCap: decimal.NewFromInt(100)})

	res, err := w.Transfer(context.Background(), destA, decimal.NewFromInt(500), TransferOptions{Reason: "bulk buy"})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.NotEmpty(t, res.PendingID)
	assert.Equal(t, 0, funds.calls, "queued transfer must not execute")

	pending := w.PendingTransfers()
	require.Len(t, pending, 1)
	assert.Equal(t, StatusPending, pending[0].Status)

	approved, err := w.Approve(context.Background(), res.PendingID, "admin")
	require.NoError(t, err)
	assert.True(t, approved.Success)
	assert.Equal(t, 1, funds.calls)

	// A terminal record cannot be approved twice.
	_, err = w.Approve(context.Background(), res.PendingID, "admin")
	assert.Error(t, err)
}

func TestApproveStillEnforcesWhitelist(t *testing.T) {
	w, funds, _ := newTestWallet(t, Limits{
		RequireWhitelist:  true,
		PerTransactionCap: decimal.NewFromInt(100),
	})
	require.NoError(t, w.AddToWhitelist(destA, "ops"))

	res, err := w.Transfer(context.Background(), destA, decimal.NewFromInt(500), TransferOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, res.PendingID)

	// Whitelist membership revoked while the transfer waited.
	require.NoError(t, w.RemoveFromWhitelist(destA, "ops"))

	approved, err := w.Approve(context.Background(), res.PendingID, "admin")
	require.NoError(t, err)
	assert.False(t, approved.Success)
	assert.Equal(t, types.ErrPolicyViolation, approved.Code)
	assert.Equal(t, 0, funds.calls)
}

func TestApproveExecutionFailureStaysActionable(t *testing.T) {
	w, funds, _ := newTestWallet(t, Limits{PerTransactionCap: decimal.NewFromInt(10)})

	res, err := w.Transfer(context.Background(), destA, decimal.NewFromInt(50), TransferOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, res.PendingID)

	funds.failure = fmt.Errorf("rpc unavailable")
	approved, err := w.Approve(context.Background(), res.PendingID, "admin")
	require.NoError(t, err)
	assert.False(t, approved.Success)

	// The record returns to pending so an operator can retry it.
	pending := w.PendingTransfers()
	require.Len(t, pending, 1)
	assert.Equal(t, StatusPending, pending[0].Status)

	funds.failure = nil
	approved, err = w.Approve(context.Background(), res.PendingID, "admin")
	require.NoError(t, err)
	assert.True(t, approved.Success)
}

func TestDailyCapQueuesSecondTransfer(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	w, funds, _ := newTestWallet(t, Limits{DailyCap: decimal.NewFromInt(100)}, WithClock(clock))

	res, err := w.Transfer(context.Background(), destA, decimal.NewFromInt(80), TransferOptions{})
	require.NoError(t, err)
	assert.True(t, res.Success)

	res, err = w.Transfer(context.Background(), destA, decimal.NewFromInt(30), TransferOptions{})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.NotEmpty(t, res.PendingID)
	assert.Equal(t, 1, funds.calls)

	// Next calendar day the counter resets.
	now = now.AddDate(0, 0, 1)
	res, err = w.Transfer(context.Background(), destA, decimal.NewFromInt(30), TransferOptions{})
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestRejectIsTerminal(t *testing.T) {
	w, funds, _ := newTestWallet(t, Limits{PerTransactionCap: decimal.NewFromInt(10)})

	res, err := w.Transfer(context.Background(), destA, decimal.NewFromInt(50), TransferOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, res.PendingID)

	require.NoError(t, w.Reject(context.Background(), res.PendingID, "admin", "looks wrong"))
	assert.Equal(t, 0, funds.calls)

	_, err = w.Approve(context.Background(), res.PendingID, "admin")
	assert.Error(t, err, "a rejected transfer never re-enters pending")
}

func TestPendingTransfersExpire(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	w, _, _ := newTestWallet(t, Limits{PerTransactionCap: decimal.NewFromInt(10)},
		WithClock(clock), WithPendingTTL(time.Hour))

	res, err := w.Transfer(context.Background(), destA, decimal.NewFromInt(50), TransferOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, res.PendingID)
	require.Len(t, w.PendingTransfers(), 1)

	now = now.Add(2 * time.Hour)
	assert.Empty(t, w.PendingTransfers())

	_, err = w.Approve(context.Background(), res.PendingID, "admin")
	assert.Error(t, err)
}

func TestInvalidDestinationRejected(t *testing.T) {
	w, _, _ := newTestWallet(t, Limits{})

	_, err := w.Transfer(context.Background(), "not-an-address", decimal.NewFromInt(1), TransferOptions{})
	require.Error(t, err)
	assert.Equal(t, types.ErrProtocol, types.CodeOf(err))

	_, err = w.Transfer(context.Background(), destA, decimal.Zero, TransferOptions{})
	require.Error(t, err)
}
