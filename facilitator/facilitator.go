// Package facilitator provides the uniform interface over pluggable external
// verify/settle backends, plus the registry that orders them by strategy and
// walks them with failover semantics.
package facilitator

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/agentpay/paykit/types"
)

// HealthResult is the outcome of a bounded health probe.
type HealthResult struct {
	Healthy bool          `json:"healthy"`
	Latency time.Duration `json:"latency"`
	Error   string        `json:"error,omitempty"`
}

// Facilitator is one external verify/settle backend. Implementations must be
// stateless with respect to individual payments: no payment-specific mutable
// state may survive a call.
type Facilitator interface {
	Name() string
	DisplayName() string
	SupportedNetworks() []types.Network

	Verify(ctx context.Context, payload *types.PaymentPayload, requirements *types.PaymentRequirements) (*types.VerifyResult, error)
	Settle(ctx context.Context, payload *types.PaymentPayload, requirements *types.PaymentRequirements) (*types.SettleResult, error)
	HealthCheck(ctx context.Context) HealthResult
}

// FeeProvider is implemented by facilitators that can quote a settlement fee,
// used by the cheapest selection strategy. Backends without a quote are
// treated as infinitely expensive and sort last.
type FeeProvider interface {
	GetFee(ctx context.Context, network types.Network) (decimal.Decimal, error)
}

// SupportsNetwork reports whether f serves the given network.
func SupportsNetwork(f Facilitator, network types.Network) bool {
	for _, n := range f.SupportedNetworks() {
		if n == network {
			return true
		}
	}
	return false
}
