package protocol

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/agentpay/paykit/logger"
	"github.com/agentpay/paykit/types"
)

// Signer turns a structured authorization into a wire signature. The buyer's
// key never passes through the protocol layer.
type Signer interface {
	Address() string
	SignAuthorization(ctx context.Context, auth *types.ExactAuthorization, requirements *types.PaymentRequirements) (string, error)
}

// SpendPolicy bounds what the client will sign without asking anyone.
// A zero MaxPerCall or MaxDailyCalls disables that bound.
type SpendPolicy struct {
	MaxPerCall    decimal.Decimal
	MaxDailyCalls int
}

// Client builds payment proofs for 402 challenges, under a local spend
// policy. It pays only on its target network, where its funds live. Safe
// for concurrent use.
type Client struct {
	signer  Signer
	network types.Network
	policy  SpendPolicy
	log     logger.Logger
	http    *http.Client
	now     func() time.Time

	mu       sync.Mutex
	day      string
	dayCalls int
}

type ClientOption func(*Client)

func WithClientLogger(l logger.Logger) ClientOption {
	return func(c *Client) { c.log = l }
}

func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) { c.http = h }
}

// WithClientClock overrides the time source. Tests only.
func WithClientClock(now func() time.Time) ClientOption {
	return func(c *Client) { c.now = now }
}

// NewClient binds a signer to its target network under a spend policy.
func NewClient(signer Signer, network types.Network, policy SpendPolicy, opts ...ClientOption) (*Client, error) {
	if signer == nil {
		return nil, fmt.Errorf("client: signer is required")
	}
	if !network.IsEVM() {
		return nil, types.NewPayError(types.ErrUnsupportedNetwork,
			fmt.Sprintf("client: unknown target network %q", network))
	}
	if policy.MaxPerCall.IsNegative() {
		return nil, fmt.Errorf("client: max per-call spend cannot be negative")
	}
	if policy.MaxDailyCalls < 0 {
		return nil, fmt.Errorf("client: max daily calls cannot be negative")
	}

	c := &Client{
		signer:  signer,
		network: network,
		policy:  policy,
		log:     logger.NoopLogger{},
		http:    &http.Client{Timeout: 30 * time.Second},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// BuildPayment selects a compatible requirements entry, checks it against the
// spend policy, and returns the signed payment header value. Policy runs
// before the signer is ever consulted, so a rejected call costs nothing.
func (c *Client) BuildPayment(ctx context.Context, required *types.PaymentRequiredResponse) (string, error) {
	req, err := c.selectRequirements(required)
	if err != nil {
		return "", err
	}

	amount, err := types.ParseAtomicAmount(req.Amount)
	if err != nil {
		return "", types.NewPayError(types.ErrProtocol, fmt.Sprintf("bad amount in requirements: %v", err))
	}

	if err := c.checkPolicy(req, amount); err != nil {
		return "", err
	}

	auth, err := c.buildAuthorization(req)
	if err != nil {
		return "", err
	}

	sig, err := c.signer.SignAuthorization(ctx, auth, req)
	if err != nil {
		return "", fmt.Errorf("sign payment: %w", err)
	}

	c.recordCall()

	exact, err := json.Marshal(&types.ExactPayload{
		Signature:     sig,
		Authorization: *auth,
	})
	if err != nil {
		return "", fmt.Errorf("marshal exact payload: %w", err)
	}

	payload := &types.PaymentPayload{
		ProtocolVersion: types.ProtocolVersion,
		Scheme:          req.Scheme,
		Network:         req.Network,
		Payload:         base64.StdEncoding.EncodeToString(exact),
	}
	header, err := EncodePayment(payload)
	if err != nil {
		return "", err
	}

	c.log.Debug("payment built", map[string]any{
		"network": req.Network,
		"amount":  req.Amount,
		"payTo":   req.PayTo,
	})
	return header, nil
}

// Do issues req, and if the server answers 402 with requirements, signs a
// payment and resubmits exactly once. A second 402 is returned as-is; the
// client never loops.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		if err != nil {
			return nil, fmt.Errorf("read request body: %w", err)
		}
		req.Body = io.NopCloser(bytes.NewReader(body))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusPaymentRequired {
		return resp, nil
	}

	required, err := c.requirementsFromResponse(resp)
	resp.Body.Close()
	if err != nil {
		return nil, err
	}

	header, err := c.BuildPayment(req.Context(), required)
	if err != nil {
		return nil, err
	}

	retry := req.Clone(req.Context())
	if body != nil {
		retry.Body = io.NopCloser(bytes.NewReader(body))
	}
	retry.Header.Set(HeaderPayment, header)
	return c.http.Do(retry)
}

// selectRequirements picks the accepts entry matching the client's target
// network and scheme. A challenge that only offers other networks is
// rejected: the buyer's funds are not there.
func (c *Client) selectRequirements(required *types.PaymentRequiredResponse) (*types.PaymentRequirements, error) {
	if required == nil || len(required.Accepts) == 0 {
		return nil, types.NewPayError(types.ErrProtocol, "no payment requirements offered")
	}
	if required.ProtocolVersion != types.ProtocolVersion {
		return nil, types.NewPayError(types.ErrProtocol,
			fmt.Sprintf("unsupported protocol version %d", required.ProtocolVersion))
	}
	for i := range required.Accepts {
		req := &required.Accepts[i]
		if req.Scheme != types.SchemeExact {
			continue
		}
		if req.Network != c.network.String() {
			continue
		}
		return req, nil
	}
	return nil, types.NewPayError(types.ErrUnsupportedNetwork,
		fmt.Sprintf("no %q entry for network %s in requirements", types.SchemeExact, c.network))
}

func (c *Client) checkPolicy(req *types.PaymentRequirements, amount decimal.Decimal) error {
	if !c.policy.MaxPerCall.IsZero() && amount.GreaterThan(c.policy.MaxPerCall) {
		c.log.Warn("payment over per-call policy", map[string]any{
			"amount": req.Amount,
			"max":    c.policy.MaxPerCall.String(),
		})
		return types.NewPayError(types.ErrPolicyViolation,
			fmt.Sprintf("amount %s exceeds per-call limit %s", req.Amount, c.policy.MaxPerCall))
	}

	if c.policy.MaxDailyCalls > 0 {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.rollDayLocked()
		if c.dayCalls >= c.policy.MaxDailyCalls {
			return types.NewPayError(types.ErrPolicyViolation,
				fmt.Sprintf("daily call limit %d reached", c.policy.MaxDailyCalls))
		}
	}
	return nil
}

func (c *Client) recordCall() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollDayLocked()
	c.dayCalls++
}

// rollDayLocked resets the daily counter on the client's local calendar day.
func (c *Client) rollDayLocked() {
	day := c.now().Format("2006-01-02")
	if day != c.day {
		c.day = day
		c.dayCalls = 0
	}
}

// buildAuthorization fills the time window and a fresh random nonce.
// validAfter is backdated to tolerate clock skew between buyer and chain.
func (c *Client) buildAuthorization(req *types.PaymentRequirements) (*types.ExactAuthorization, error) {
	nonce := make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	now := c.now()
	timeout := req.MaxTimeoutSeconds
	if timeout <= 0 {
		timeout = 600
	}

	return &types.ExactAuthorization{
		From:        c.signer.Address(),
		To:          req.PayTo,
		Value:       req.Amount,
		ValidAfter:  strconv.FormatInt(now.Add(-60*time.Second).Unix(), 10),
		ValidBefore: strconv.FormatInt(now.Add(time.Duration(timeout)*time.Second).Unix(), 10),
		Nonce:       "0x" + hex.EncodeToString(nonce),
	}, nil
}

// requirementsFromResponse reads the challenge from the header when present,
// falling back to the response body.
func (c *Client) requirementsFromResponse(resp *http.Response) (*types.PaymentRequiredResponse, error) {
	if header := resp.Header.Get(HeaderPaymentRequired); header != "" {
		return DecodePaymentRequired(header)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read 402 body: %w", err)
	}
	return NormalizeRequirements(body)
}
