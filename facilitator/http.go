package facilitator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/agentpay/paykit/logger"
	"github.com/agentpay/paykit/types"
)

const defaultTimeout = 30 * time.Second

// healthTimeout bounds health probes so the fastest strategy joins quickly.
const healthTimeout = 3 * time.Second

// HTTPFacilitator talks to an external backend over the facilitator
// sub-protocol: POST {protocolVersion, paymentPayload, paymentRequirements}
// to /verify and /settle.
//
// Transport failures are classified here, where the real error and status
// code are available: timeouts, connection errors and 5xx responses become
// FACILITATOR_TRANSIENT, 4xx responses FACILITATOR_PERMANENT. Callers never
// re-derive intent from message text.
type HTTPFacilitator struct {
	name        string
	displayName string
	baseURL     string
	networks    []types.Network
	fee         *decimal.Decimal
	client      *http.Client
	log         logger.Logger
}

// HTTPConfig describes one backend endpoint.
type HTTPConfig struct {
	Name        string
	DisplayName string
	BaseURL     string
	Networks    []types.Network
	Timeout     time.Duration

	// Fee is the quoted settlement fee in atomic units; empty means no quote.
	Fee string
}

type HTTPOption func(*HTTPFacilitator)

func WithHTTPClient(c *http.Client) HTTPOption {
	return func(f *HTTPFacilitator) { f.client = c }
}

func WithHTTPLogger(l logger.Logger) HTTPOption {
	return func(f *HTTPFacilitator) { f.log = l }
}

// NewHTTP builds a facilitator client for one backend.
func NewHTTP(cfg HTTPConfig, opts ...HTTPOption) (*HTTPFacilitator, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("facilitator name is required")
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("facilitator %s: base URL is required", cfg.Name)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	f := &HTTPFacilitator{
		name:        cfg.Name,
		displayName: cfg.DisplayName,
		baseURL:     cfg.BaseURL,
		networks:    cfg.Networks,
		client:      &http.Client{Timeout: timeout},
		log:         logger.NoopLogger{},
	}
	if f.displayName == "" {
		f.displayName = cfg.Name
	}
	if cfg.Fee != "" {
		fee, err := decimal.NewFromString(cfg.Fee)
		if err != nil {
			return nil, fmt.Errorf("facilitator %s: invalid fee %q: %w", cfg.Name, cfg.Fee, err)
		}
		f.fee = &fee
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

func (f *HTTPFacilitator) Name() string        { return f.name }
func (f *HTTPFacilitator) DisplayName() string { return f.displayName }

func (f *HTTPFacilitator) SupportedNetworks() []types.Network {
	return f.networks
}

// Verify asks the backend whether the authorization is valid. A decoded
// isValid=false verdict is returned as a result, not an error: the backend
// definitively rejected the payment.
func (f *HTTPFacilitator) Verify(ctx context.Context, payload *types.PaymentPayload, requirements *types.PaymentRequirements) (*types.VerifyResult, error) {
	var resp types.FacilitatorVerifyResponse
	if err := f.post(ctx, "/verify", payload, requirements, &resp); err != nil {
		return nil, err
	}

	return &types.VerifyResult{
		Valid:           resp.IsValid,
		Error:           resp.InvalidReason,
		Payer:           resp.Payer,
		FacilitatorName: f.name,
	}, nil
}

// Settle asks the backend to redeem the authorization on-chain.
func (f *HTTPFacilitator) Settle(ctx context.Context, payload *types.PaymentPayload, requirements *types.PaymentRequirements) (*types.SettleResult, error) {
	var resp types.FacilitatorSettleResponse
	if err := f.post(ctx, "/settle", payload, requirements, &resp); err != nil {
		return nil, err
	}

	network := resp.Network
	if network == "" {
		network = requirements.Network
	}
	return &types.SettleResult{
		Success:         resp.Success,
		Transaction:     resp.Transaction,
		Network:         network,
		Error:           resp.Error,
		FacilitatorName: f.name,
	}, nil
}

// HealthCheck probes the backend with a short bounded timeout and measures
// round-trip latency.
func (f *HTTPFacilitator) HealthCheck(ctx context.Context) HealthResult {
	probeCtx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, f.baseURL+"/health", nil)
	if err != nil {
		return HealthResult{Healthy: false, Error: err.Error()}
	}

	start := time.Now()
	resp, err := f.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		return HealthResult{Healthy: false, Latency: latency, Error: err.Error()}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return HealthResult{
			Healthy: false,
			Latency: latency,
			Error:   fmt.Sprintf("health endpoint returned status %d", resp.StatusCode),
		}
	}
	return HealthResult{Healthy: true, Latency: latency}
}

// GetFee returns the configured fee quote. Backends without a quote report
// an error and sort last under the cheapest strategy.
func (f *HTTPFacilitator) GetFee(ctx context.Context, network types.Network) (decimal.Decimal, error) {
	if f.fee == nil {
		return decimal.Zero, fmt.Errorf("facilitator %s advertises no fee", f.name)
	}
	return *f.fee, nil
}

func (f *HTTPFacilitator) post(ctx context.Context, path string, payload *types.PaymentPayload, requirements *types.PaymentRequirements, out interface{}) error {
	body, err := json.Marshal(&types.FacilitatorRequest{
		ProtocolVersion:     payload.ProtocolVersion,
		PaymentPayload:      *payload,
		PaymentRequirements: *requirements,
	})
	if err != nil {
		return types.NewPayError(types.ErrFacilitatorPermanent,
			fmt.Sprintf("%s: marshal request: %v", f.name, err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return types.NewPayError(types.ErrFacilitatorPermanent,
			fmt.Sprintf("%s: build request: %v", f.name, err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		// Timeouts, refused connections, DNS failures: the next candidate
		// may succeed.
		return types.NewPayError(types.ErrFacilitatorTransient,
			fmt.Sprintf("%s: %v", f.name, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		drained, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return types.NewPayError(types.ErrFacilitatorTransient,
			fmt.Sprintf("%s: status %d: %s", f.name, resp.StatusCode, string(drained)))
	}
	if resp.StatusCode != http.StatusOK {
		drained, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return types.NewPayError(types.ErrFacilitatorPermanent,
			fmt.Sprintf("%s: status %d: %s", f.name, resp.StatusCode, string(drained)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return types.NewPayError(types.ErrFacilitatorTransient,
			fmt.Sprintf("%s: decode response: %v", f.name, err))
	}
	return nil
}

var (
	_ Facilitator = (*HTTPFacilitator)(nil)
	_ FeeProvider = (*HTTPFacilitator)(nil)
)
