// Package wallet implements the security policy gate guarding direct
// wallet-held funds movement. Every outbound transfer passes whitelist and
// limit checks, and every decision is written to the audit log as part of
// the state transition itself.
package wallet

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/agentpay/paykit/audit"
	"github.com/agentpay/paykit/logger"
	"github.com/agentpay/paykit/metrics"
	"github.com/agentpay/paykit/types"
)

// Audit actions written by the gate.
const (
	ActionTransferRequested = "transfer_requested"
	ActionTransferExecuted  = "transfer_executed"
	ActionTransferRejected  = "transfer_rejected"
	ActionTransferQueued    = "transfer_queued"
	ActionTransferApproved  = "transfer_approved"
	ActionTransferDenied    = "transfer_denied"
	ActionTransferExpired   = "transfer_expired"
	ActionWhitelistAdded    = "whitelist_added"
	ActionWhitelistRemoved  = "whitelist_removed"
)

// Funds is the underlying transfer executor; paykit never holds signing keys
// itself.
type Funds interface {
	// Transfer moves amount (atomic units) to the destination address and
	// returns the resulting transaction hash.
	Transfer(ctx context.Context, to string, amount decimal.Decimal) (string, error)
	// Address returns the wallet's own address.
	Address() string
}

// Limits is the per-wallet security policy.
type Limits struct {
	PerTransactionCap decimal.Decimal
	DailyCap          decimal.Decimal
	RequireWhitelist  bool
}

// PendingStatus is the lifecycle state of a queued transfer.
type PendingStatus string

const (
	StatusPending  PendingStatus = "pending"
	StatusApproved PendingStatus = "approved"
	StatusRejected PendingStatus = "rejected"
	StatusExecuted PendingStatus = "executed"
)

// PendingTransfer is a transfer deferred into the approval queue because it
// would violate a limit. It never re-enters pending once terminal.
type PendingTransfer struct {
	ID        string          `json:"id"`
	To        string          `json:"to"`
	Amount    decimal.Decimal `json:"amount"`
	Reason    string          `json:"reason,omitempty"`
	Requester string          `json:"requester,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
	Status    PendingStatus   `json:"status"`

	ApprovedBy   string `json:"approvedBy,omitempty"`
	RejectedBy   string `json:"rejectedBy,omitempty"`
	RejectReason string `json:"rejectReason,omitempty"`
	TxHash       string `json:"txHash,omitempty"`
}

// TransferResult is the structured outcome of a transfer request. Callers
// always get one of these, never a bare panic or untyped error: Success
// false with a PendingID means the transfer was queued, Success false with
// a Code means it was rejected outright.
type TransferResult struct {
	Success   bool   `json:"success"`
	TxHash    string `json:"txHash,omitempty"`
	PendingID string `json:"pendingId,omitempty"`
	Code      string `json:"code,omitempty"`
	Error     string `json:"error,omitempty"`
}

// TransferOptions carries optional request metadata.
type TransferOptions struct {
	Reason    string
	Requester string
}

// SecureWallet wraps a funded wallet behind the policy gate. The daily
// counter and pending-transfer table are scoped to this instance; concurrent
// callers on one instance must serialize externally or accept the internal
// mutex as the single-writer point.
type SecureWallet struct {
	funds   Funds
	limits  Limits
	audit   *audit.Log
	log     logger.Logger
	metrics metrics.Recorder
	loc     *time.Location
	now     func() time.Time

	pendingTTL time.Duration

	mu        sync.Mutex
	whitelist map[string]struct{}
	pending   map[string]*PendingTransfer
	day       string
	daySpent  decimal.Decimal
}

type Option func(*SecureWallet)

func WithLogger(l logger.Logger) Option {
	return func(w *SecureWallet) { w.log = l }
}

func WithMetrics(r metrics.Recorder) Option {
	return func(w *SecureWallet) { w.metrics = r }
}

// WithLocation sets the calendar used for the daily-cap reset. Defaults to
// UTC; deployments spanning time zones should pick one deliberately.
func WithLocation(loc *time.Location) Option {
	return func(w *SecureWallet) { w.loc = loc }
}

// WithPendingTTL bounds how long an unapproved transfer stays queued.
func WithPendingTTL(ttl time.Duration) Option {
	return func(w *SecureWallet) { w.pendingTTL = ttl }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(w *SecureWallet) { w.now = now }
}

// New wraps funds behind the policy gate. auditLog must not be nil: the gate
// refuses to operate without its tamper-evident record.
func New(funds Funds, limits Limits, auditLog *audit.Log, opts ...Option) (*SecureWallet, error) {
	if funds == nil {
		return nil, fmt.Errorf("wallet: funds executor is required")
	}
	if auditLog == nil {
		return nil, fmt.Errorf("wallet: audit log is required")
	}

	w := &SecureWallet{
		funds:      funds,
		limits:     limits,
		audit:      auditLog,
		log:        logger.NoopLogger{},
		metrics:    metrics.NoopRecorder{},
		loc:        time.UTC,
		now:        time.Now,
		pendingTTL: 24 * time.Hour,
		whitelist:  make(map[string]struct{}),
		pending:    make(map[string]*PendingTransfer),
		daySpent:   decimal.Zero,
	}
	for _, opt := range opts {
		opt(w)
	}
	w.day = w.dayKey(w.now())
	return w, nil
}

// Transfer evaluates, in fixed order: whitelist membership, per-transaction
// cap, rolling daily total. Whitelist violations reject immediately; cap
// violations queue a PendingTransfer and return its id.
func (w *SecureWallet) Transfer(ctx context.Context, to string, amount decimal.Decimal, opts TransferOptions) (*TransferResult, error) {
	if !common.IsHexAddress(to) {
		return nil, types.NewPayError(types.ErrProtocol, fmt.Sprintf("invalid destination address %q", to))
	}
	if amount.IsNegative() || amount.IsZero() {
		return nil, types.NewPayError(types.ErrProtocol, "transfer amount must be positive")
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	requestID := uuid.NewString()
	if _, err := w.audit.Append(audit.Entry{
		Action:    ActionTransferRequested,
		RequestID: requestID,
		From:      w.funds.Address(),
		To:        to,
		Amount:    amount.String(),
		Metadata:  transferMetadata(opts),
	}); err != nil {
		return nil, err
	}

	// 1. Whitelist: immediate rejection, never queued.
	if w.limits.RequireWhitelist && !w.whitelisted(to) {
		if _, err := w.audit.Append(audit.Entry{
			Action:    ActionTransferRejected,
			RequestID: requestID,
			From:      w.funds.Address(),
			To:        to,
			Amount:    amount.String(),
			Metadata:  map[string]interface{}{"rule": "whitelist"},
		}); err != nil {
			return nil, err
		}
		w.metrics.IncCounter("transfer_rejected", nil)
		return &TransferResult{
			Success: false,
			Code:    types.ErrPolicyViolation,
			Error:   fmt.Sprintf("destination %s is not whitelisted", to),
		}, nil
	}

	// 2. Per-transaction cap: queue for approval.
	if w.limits.PerTransactionCap.IsPositive() && amount.GreaterThan(w.limits.PerTransactionCap) {
		return w.queueLocked(requestID, to, amount, opts, "per_transaction_cap")
	}

	// 3. Rolling daily total, reset on calendar-day change.
	w.rollDayLocked()
	if w.limits.DailyCap.IsPositive() && w.daySpent.Add(amount).GreaterThan(w.limits.DailyCap) {
		return w.queueLocked(requestID, to, amount, opts, "daily_cap")
	}

	return w.executeLocked(ctx, requestID, to, amount, ActionTransferExecuted)
}

// Approve re-executes the stored request bypassing limit checks, but not the
// whitelist check, and transitions the record to executed.
func (w *SecureWallet) Approve(ctx context.Context, id, approver string) (*TransferResult, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	p, err := w.takePendingLocked(id)
	if err != nil {
		return nil, err
	}

	if w.limits.RequireWhitelist && !w.whitelisted(p.To) {
		if _, err := w.audit.Append(audit.Entry{
			Action:    ActionTransferRejected,
			RequestID: id,
			From:      w.funds.Address(),
			To:        p.To,
			Amount:    p.Amount.String(),
			Metadata:  map[string]interface{}{"rule": "whitelist", "approver": approver},
		}); err != nil {
			return nil, err
		}
		return &TransferResult{
			Success: false,
			Code:    types.ErrPolicyViolation,
			Error:   fmt.Sprintf("destination %s is not whitelisted", p.To),
		}, nil
	}

	p.Status = StatusApproved
	p.ApprovedBy = approver
	if _, err := w.audit.Append(audit.Entry{
		Action:    ActionTransferApproved,
		RequestID: id,
		From:      w.funds.Address(),
		To:        p.To,
		Amount:    p.Amount.String(),
		Metadata:  map[string]interface{}{"approver": approver},
	}); err != nil {
		return nil, err
	}

	result, err := w.executeLocked(ctx, id, p.To, p.Amount, ActionTransferExecuted)
	if err != nil {
		return nil, err
	}
	if result.Success {
		p.Status = StatusExecuted
		p.TxHash = result.TxHash
	} else {
		// Execution failed after approval; the request goes back to pending
		// so an operator can retry or reject it.
		p.Status = StatusPending
		p.ApprovedBy = ""
	}
	return result, nil
}

// Reject transitions a pending transfer to rejected without executing it.
// Rejected transfers never re-enter the queue.
func (w *SecureWallet) Reject(ctx context.Context, id, rejecter, reason string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	p, err := w.takePendingLocked(id)
	if err != nil {
		return err
	}

	p.Status = StatusRejected
	p.RejectedBy = rejecter
	p.RejectReason = reason
	if _, err := w.audit.Append(audit.Entry{
		Action:    ActionTransferDenied,
		RequestID: id,
		From:      w.funds.Address(),
		To:        p.To,
		Amount:    p.Amount.String(),
		Metadata:  map[string]interface{}{"rejecter": rejecter, "reason": reason},
	}); err != nil {
		return err
	}
	return nil
}

// AddToWhitelist records an allowed destination. Comparison is
// case-insensitive.
func (w *SecureWallet) AddToWhitelist(address, actor string) error {
	if !common.IsHexAddress(address) {
		return types.NewPayError(types.ErrProtocol, fmt.Sprintf("invalid address %q", address))
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	w.whitelist[strings.ToLower(address)] = struct{}{}
	_, err := w.audit.Append(audit.Entry{
		Action:    ActionWhitelistAdded,
		RequestID: uuid.NewString(),
		To:        address,
		Metadata:  map[string]interface{}{"actor": actor},
	})
	return err
}

// RemoveFromWhitelist drops a destination from the allow-list.
func (w *SecureWallet) RemoveFromWhitelist(address, actor string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	delete(w.whitelist, strings.ToLower(address))
	_, err := w.audit.Append(audit.Entry{
		Action:    ActionWhitelistRemoved,
		RequestID: uuid.NewString(),
		To:        address,
		Metadata:  map[string]interface{}{"actor": actor},
	})
	return err
}

// IsWhitelisted reports allow-list membership, case-insensitively.
func (w *SecureWallet) IsWhitelisted(address string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.whitelisted(address)
}

// PendingTransfers returns a snapshot of the approval queue, evicting
// entries past their deadline first.
func (w *SecureWallet) PendingTransfers() []PendingTransfer {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.evictLocked()
	out := make([]PendingTransfer, 0, len(w.pending))
	for _, p := range w.pending {
		out = append(out, *p)
	}
	return out
}

func (w *SecureWallet) whitelisted(address string) bool {
	_, ok := w.whitelist[strings.ToLower(address)]
	return ok
}

func (w *SecureWallet) queueLocked(requestID, to string, amount decimal.Decimal, opts TransferOptions, rule string) (*TransferResult, error) {
	p := &PendingTransfer{
		ID:        requestID,
		To:        to,
		Amount:    amount,
		Reason:    opts.Reason,
		Requester: opts.Requester,
		CreatedAt: w.now(),
		Status:    StatusPending,
	}
	w.pending[p.ID] = p

	if _, err := w.audit.Append(audit.Entry{
		Action:    ActionTransferQueued,
		RequestID: p.ID,
		From:      w.funds.Address(),
		To:        to,
		Amount:    amount.String(),
		Metadata:  map[string]interface{}{"rule": rule},
	}); err != nil {
		return nil, err
	}

	w.metrics.IncCounter("transfer_queued", nil)
	w.log.Info("transfer queued for approval", map[string]any{
		"pendingId": p.ID,
		"rule":      rule,
		"amount":    amount.String(),
	})
	return &TransferResult{
		Success:   false,
		PendingID: p.ID,
		Code:      types.ErrPolicyViolation,
		Error:     fmt.Sprintf("transfer exceeds %s, queued as %s", rule, p.ID),
	}, nil
}

func (w *SecureWallet) executeLocked(ctx context.Context, requestID, to string, amount decimal.Decimal, action string) (*TransferResult, error) {
	txHash, err := w.funds.Transfer(ctx, to, amount)
	if err != nil {
		w.log.Error("transfer execution failed", map[string]any{
			"requestId": requestID,
			"error":     err.Error(),
		})
		return &TransferResult{
			Success: false,
			Error:   err.Error(),
		}, nil
	}

	w.rollDayLocked()
	w.daySpent = w.daySpent.Add(amount)

	if _, err := w.audit.Append(audit.Entry{
		Action:    action,
		RequestID: requestID,
		From:      w.funds.Address(),
		To:        to,
		Amount:    amount.String(),
		TxHash:    txHash,
	}); err != nil {
		return nil, err
	}

	w.metrics.IncCounter("transfer_executed", nil)
	return &TransferResult{Success: true, TxHash: txHash}, nil
}

// takePendingLocked fetches a pending transfer, evicting expired entries on
// the way. Terminal records are left in place but cannot be re-approved.
func (w *SecureWallet) takePendingLocked(id string) (*PendingTransfer, error) {
	w.evictLocked()
	p, ok := w.pending[id]
	if !ok {
		return nil, types.NewPayError(types.ErrPolicyViolation, fmt.Sprintf("no pending transfer %s", id))
	}
	if p.Status != StatusPending {
		return nil, types.NewPayError(types.ErrPolicyViolation,
			fmt.Sprintf("transfer %s is %s, not pending", id, p.Status))
	}
	return p, nil
}

func (w *SecureWallet) evictLocked() {
	if w.pendingTTL <= 0 {
		return
	}
	cutoff := w.now().Add(-w.pendingTTL)
	for id, p := range w.pending {
		if p.Status == StatusPending && p.CreatedAt.Before(cutoff) {
			delete(w.pending, id)
			// Audit failure here only loses the eviction note, not funds.
			if _, err := w.audit.Append(audit.Entry{
				Action:    ActionTransferExpired,
				RequestID: id,
				To:        p.To,
				Amount:    p.Amount.String(),
			}); err != nil {
				w.log.Error("audit append failed during eviction", map[string]any{
					"pendingId": id,
					"error":     err.Error(),
				})
			}
		}
	}
}

func (w *SecureWallet) rollDayLocked() {
	day := w.dayKey(w.now())
	if day != w.day {
		w.day = day
		w.daySpent = decimal.Zero
	}
}

func (w *SecureWallet) dayKey(t time.Time) string {
	return t.In(w.loc).Format("2006-01-02")
}

func transferMetadata(opts TransferOptions) map[string]interface{} {
	if opts.Reason == "" && opts.Requester == "" {
		return nil
	}
	m := make(map[string]interface{}, 2)
	if opts.Reason != "" {
		m["reason"] = opts.Reason
	}
	if opts.Requester != "" {
		m["requester"] = opts.Requester
	}
	return m
}
