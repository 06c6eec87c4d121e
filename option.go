package paykit

import (
	"github.com/agentpay/paykit/logger"
	"github.com/agentpay/paykit/metrics"
)

// Option customizes a Kit at construction time.
type Option func(*Kit)

// WithLogger replaces the default zap logger.
func WithLogger(l logger.Logger) Option {
	return func(k *Kit) { k.log = l }
}

// WithMetrics replaces the default recorder.
func WithMetrics(m metrics.Recorder) Option {
	return func(k *Kit) { k.metrics = m }
}
