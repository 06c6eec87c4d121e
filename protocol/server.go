package protocol

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/agentpay/paykit/facilitator"
	"github.com/agentpay/paykit/logger"
	"github.com/agentpay/paykit/metrics"
	"github.com/agentpay/paykit/types"
)

// State names one step of the server-side request lifecycle.
type State string

const (
	StateInitial          State = "INITIAL"
	StateNoPaymentHeader  State = "NO_PAYMENT_HEADER"
	StatePaymentRequired  State = "PAYMENT_REQUIRED"
	StateHeaderPresent    State = "PAYMENT_HEADER_PRESENT"
	StateValidated        State = "VALIDATED"
	StateRejected         State = "REJECTED"
	StateVerifying        State = "VERIFYING"
	StateVerified         State = "VERIFIED"
	StateExecuting        State = "EXECUTING"
	StateExecuted         State = "EXECUTED"
	StateExecutionFailed  State = "EXECUTION_FAILED"
	StateSettling         State = "SETTLING"
	StateSettled          State = "SETTLED"
	StateSettlementFailed State = "SETTLEMENT_FAILED"
)

// ServerConfig holds the seller-side parameters every priced request shares.
type ServerConfig struct {
	Network           types.Network
	PayTo             string
	Asset             string
	AssetDecimals     int32
	MaxTimeoutSeconds int

	// SigningName/SigningVersion are advertised in requirements.extra so
	// clients can build the token's signing domain.
	SigningName    string
	SigningVersion string
}

// WorkFunc is the paid-for action. It runs only after verification succeeds,
// and settlement is requested only after it returns without error.
type WorkFunc func(ctx context.Context) (interface{}, error)

// Request is one inbound priced call.
type Request struct {
	Resource      string
	Price         decimal.Decimal
	PaymentHeader string
}

// Outcome is the structured result of one request. Callers can always tell
// "you were not charged" (Settlement nil or work failed before settlement)
// from "you were charged and work is pending/failed" (Pending true).
type Outcome struct {
	State      State
	Trace      []State
	StatusCode int

	// Set on the 402 path.
	Required       *types.PaymentRequiredResponse
	RequiredHeader string

	// Set once verification ran.
	Verify *types.VerifyResult

	// Work output, present whenever execution succeeded, even if settlement
	// later failed.
	Result interface{}

	Settlement     *types.SettleResult
	ResponseHeader string
	Settled        bool
	Pending        bool

	Err *types.PayError
}

// Engine drives the server-side state machine. One Handle call per inbound
// request; the engine itself holds no per-payment state.
type Engine struct {
	cfg      ServerConfig
	registry *facilitator.Registry
	log      logger.Logger
	metrics  metrics.Recorder
}

type EngineOption func(*Engine)

func WithEngineLogger(l logger.Logger) EngineOption {
	return func(e *Engine) { e.log = l }
}

func WithEngineMetrics(m metrics.Recorder) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// NewEngine validates the seller configuration and binds the registry.
func NewEngine(cfg ServerConfig, registry *facilitator.Registry, opts ...EngineOption) (*Engine, error) {
	if cfg.Network == "" {
		return nil, fmt.Errorf("engine: network is required")
	}
	if cfg.PayTo == "" {
		return nil, fmt.Errorf("engine: payTo address is required")
	}
	if cfg.Asset == "" {
		return nil, fmt.Errorf("engine: asset address is required")
	}
	if registry == nil {
		return nil, fmt.Errorf("engine: facilitator registry is required")
	}
	if cfg.MaxTimeoutSeconds <= 0 {
		cfg.MaxTimeoutSeconds = 600
	}

	e := &Engine{
		cfg:      cfg,
		registry: registry,
		log:      logger.NoopLogger{},
		metrics:  metrics.NoopRecorder{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Requirements builds a fresh, self-contained requirements entry for one
// priced request. Price is in human units; the wire amount is the token's
// smallest unit.
func (e *Engine) Requirements(resource string, price decimal.Decimal) *types.PaymentRequiredResponse {
	req := types.PaymentRequirements{
		Scheme:            types.SchemeExact,
		Network:           e.cfg.Network.String(),
		Asset:             e.cfg.Asset,
		Amount:            types.AtomicAmount(price, e.cfg.AssetDecimals),
		PayTo:             e.cfg.PayTo,
		MaxTimeoutSeconds: e.cfg.MaxTimeoutSeconds,
	}
	if e.cfg.SigningName != "" {
		req.Extra = map[string]interface{}{
			"name":    e.cfg.SigningName,
			"version": e.cfg.SigningVersion,
		}
	}
	return &types.PaymentRequiredResponse{
		ProtocolVersion: types.ProtocolVersion,
		Accepts:         []types.PaymentRequirements{req},
		Resource:        resource,
	}
}

// Handle runs one request through the lifecycle. The ordering invariant is
// structural: work executes only after verify succeeds, and settle is only
// reached through the executed branch.
func (e *Engine) Handle(ctx context.Context, req Request, work WorkFunc) *Outcome {
	out := &Outcome{State: StateInitial}
	out.step(StateInitial)

	if req.PaymentHeader == "" {
		out.step(StateNoPaymentHeader)
		return e.paymentRequired(out, req, "")
	}
	out.step(StateHeaderPresent)

	payload, err := DecodePayment(req.PaymentHeader)
	if err != nil {
		return out.reject(http.StatusBadRequest, types.ErrProtocol, err.Error())
	}

	// Local, synchronous validation: reject before any network call.
	if verr := e.validatePayload(payload); verr != nil {
		return out.reject(http.StatusBadRequest, verr.Code, verr.Message)
	}
	out.step(StateValidated)

	requirements := &e.Requirements(req.Resource, req.Price).Accepts[0]

	out.step(StateVerifying)
	start := time.Now()
	verify := e.registry.Verify(ctx, payload, requirements)
	e.metrics.ObserveLatency("engine_verify", time.Since(start), map[string]string{
		"network": requirements.Network, "facilitator": verify.FacilitatorName,
	})
	out.Verify = verify
	if !verify.Valid {
		e.log.Info("payment verification rejected", map[string]any{
			"facilitator": verify.FacilitatorName,
			"reason":      verify.Error,
		})
		rejected := out.reject(http.StatusPaymentRequired, types.ErrSignatureInvalid, verify.Error)
		return e.paymentRequired(rejected, req, verify.Error)
	}
	out.step(StateVerified)

	out.step(StateExecuting)
	result, workErr := work(ctx)
	if workErr != nil {
		out.step(StateExecutionFailed)
		out.StatusCode = http.StatusInternalServerError
		out.Err = types.NewPayError(types.ErrWorkFailed, workErr.Error())
		e.metrics.IncCounter("work_failed", map[string]string{"network": requirements.Network})
		// The buyer is never charged for failed work: settlement is not
		// attempted past this point.
		return out
	}
	out.step(StateExecuted)
	out.Result = result

	out.step(StateSettling)
	settlement := e.registry.Settle(ctx, payload, requirements)
	out.Settlement = settlement

	header, err := EncodeSettlementHeader(&types.SettlementHeader{
		Success:         settlement.Success,
		Transaction:     settlement.Transaction,
		Network:         settlement.Network,
		FacilitatorName: settlement.FacilitatorName,
	})
	if err == nil {
		out.ResponseHeader = header
	}

	if !settlement.Success {
		// Completed work is never discarded over a settlement hiccup: the
		// result still goes back, flagged unsettled.
		out.step(StateSettlementFailed)
		out.StatusCode = http.StatusOK
		out.Pending = true
		out.Err = types.NewPayError(types.ErrSettlementFailed, settlement.Error)
		e.log.Error("settlement failed after successful work", map[string]any{
			"facilitator": settlement.FacilitatorName,
			"error":       settlement.Error,
		})
		return out
	}

	out.step(StateSettled)
	out.StatusCode = http.StatusOK
	out.Settled = true
	e.metrics.IncCounter("request_settled", map[string]string{
		"network": requirements.Network, "facilitator": settlement.FacilitatorName,
	})
	return out
}

// validatePayload rejects version, scheme and network mismatches locally.
func (e *Engine) validatePayload(payload *types.PaymentPayload) *types.PayError {
	if payload.ProtocolVersion != types.ProtocolVersion {
		return types.NewPayError(types.ErrProtocol,
			fmt.Sprintf("unsupported protocol version %d", payload.ProtocolVersion))
	}
	if payload.Scheme != types.SchemeExact {
		return types.NewPayError(types.ErrProtocol,
			fmt.Sprintf("unsupported scheme %q", payload.Scheme))
	}
	if payload.Network != e.cfg.Network.String() {
		return types.NewPayError(types.ErrProtocol,
			fmt.Sprintf("payment network %q does not match server network %q", payload.Network, e.cfg.Network))
	}
	return nil
}

func (e *Engine) paymentRequired(out *Outcome, req Request, reason string) *Outcome {
	required := e.Requirements(req.Resource, req.Price)
	required.Error = reason

	out.step(StatePaymentRequired)
	out.StatusCode = http.StatusPaymentRequired
	out.Required = required
	if header, err := EncodePaymentRequired(required); err == nil {
		out.RequiredHeader = header
	}
	return out
}

func (o *Outcome) step(s State) {
	o.State = s
	o.Trace = append(o.Trace, s)
}

func (o *Outcome) reject(status int, code, message string) *Outcome {
	o.step(StateRejected)
	o.StatusCode = status
	o.Err = types.NewPayError(code, message)
	return o
}
