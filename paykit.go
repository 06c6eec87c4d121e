// Package paykit is the embedding surface: one constructor that wires the
// facilitator registry, the payment engine and the audit log from a single
// configuration object. Agents that need the buyer side or a guarded wallet
// build those from the same kit.
package paykit

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/agentpay/paykit/audit"
	"github.com/agentpay/paykit/config"
	"github.com/agentpay/paykit/facilitator"
	"github.com/agentpay/paykit/logger"
	"github.com/agentpay/paykit/metrics"
	"github.com/agentpay/paykit/protocol"
	"github.com/agentpay/paykit/types"
	"github.com/agentpay/paykit/wallet"
)

// Kit bundles the server-side components built from one Config.
type Kit struct {
	cfg      *config.Config
	log      logger.Logger
	metrics  metrics.Recorder
	registry *facilitator.Registry
	engine   *protocol.Engine
	auditLog *audit.Log
}

// New assembles a Kit from validated configuration. Options override the
// ambient pieces (logger, metrics); everything else comes from cfg.
func New(cfg *config.Config, opts ...Option) (*Kit, error) {
	if cfg == nil {
		return nil, fmt.Errorf("paykit: config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	k := &Kit{cfg: cfg}
	for _, opt := range opts {
		opt(k)
	}
	if k.log == nil {
		k.log = logger.NewZapLogger(cfg.Log.Level)
	}
	if k.metrics == nil {
		if cfg.Metrics.Enabled {
			k.metrics = metrics.NewPrometheusRecorder()
		} else {
			k.metrics = metrics.NoopRecorder{}
		}
	}

	registry, err := facilitator.NewRegistry(selectionFromConfig(cfg),
		facilitator.WithRegistryLogger(k.log),
		facilitator.WithRegistryMetrics(k.metrics),
	)
	if err != nil {
		return nil, err
	}
	k.registry = registry

	engine, err := protocol.NewEngine(protocol.ServerConfig{
		Network:           types.Network(cfg.Server.Network),
		PayTo:             cfg.Server.PayTo,
		Asset:             cfg.Server.Asset,
		AssetDecimals:     cfg.Server.AssetDecimals,
		MaxTimeoutSeconds: cfg.Server.MaxTimeoutSeconds,
		SigningName:       cfg.Server.SigningName,
		SigningVersion:    cfg.Server.SigningVersion,
	}, registry,
		protocol.WithEngineLogger(k.log),
		protocol.WithEngineMetrics(k.metrics),
	)
	if err != nil {
		return nil, err
	}
	k.engine = engine

	auditLog, err := audit.New(cfg.Audit.Dir, audit.WithLogger(k.log))
	if err != nil {
		return nil, fmt.Errorf("paykit: open audit log: %w", err)
	}
	k.auditLog = auditLog

	return k, nil
}

// Engine exposes the request lifecycle driver.
func (k *Kit) Engine() *protocol.Engine { return k.engine }

// Registry exposes the facilitator front for health checks and reselection.
func (k *Kit) Registry() *facilitator.Registry { return k.registry }

// Audit exposes the tamper-evident event log.
func (k *Kit) Audit() *audit.Log { return k.auditLog }

// Logger exposes the kit's logger so embedders can share it.
func (k *Kit) Logger() logger.Logger { return k.log }

// NewSecureWallet builds a policy-guarded wallet over funds, sharing the
// kit's audit log so wallet decisions land in the same chain.
func (k *Kit) NewSecureWallet(funds wallet.Funds) (*wallet.SecureWallet, error) {
	limits := wallet.Limits{
		RequireWhitelist: k.cfg.Wallet.RequireWhitelist,
	}
	if v := k.cfg.Wallet.PerTransactionCap; v != "" {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return nil, fmt.Errorf("paykit: per-transaction cap: %w", err)
		}
		limits.PerTransactionCap = d
	}
	if v := k.cfg.Wallet.DailyCap; v != "" {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return nil, fmt.Errorf("paykit: daily cap: %w", err)
		}
		limits.DailyCap = d
	}

	opts := []wallet.Option{
		wallet.WithLogger(k.log),
		wallet.WithMetrics(k.metrics),
	}
	if k.cfg.Wallet.PendingTTL > 0 {
		opts = append(opts, wallet.WithPendingTTL(k.cfg.Wallet.PendingTTL))
	}

	w, err := wallet.New(funds, limits, k.auditLog, opts...)
	if err != nil {
		return nil, err
	}
	for _, addr := range k.cfg.Wallet.Whitelist {
		if err := w.AddToWhitelist(addr, "config"); err != nil {
			return nil, err
		}
	}
	return w, nil
}

// NewClient builds a buyer-side client bound to signer under policy, paying
// on the kit's configured network and sharing the kit's logger.
func (k *Kit) NewClient(signer protocol.Signer, policy protocol.SpendPolicy) (*protocol.Client, error) {
	return protocol.NewClient(signer, types.Network(k.cfg.Server.Network), policy,
		protocol.WithClientLogger(k.log))
}

// selectionFromConfig maps the configured backends into the registry's
// selection shape.
func selectionFromConfig(cfg *config.Config) facilitator.Selection {
	backends := make(map[string]facilitator.HTTPConfig, len(cfg.Facilitators.Backends))
	for name, b := range cfg.Facilitators.Backends {
		networks := make([]types.Network, 0, len(b.Networks))
		for _, n := range b.Networks {
			networks = append(networks, types.Network(n))
		}
		backends[name] = facilitator.HTTPConfig{
			Name:        name,
			DisplayName: b.DisplayName,
			BaseURL:     b.BaseURL,
			Networks:    networks,
			Timeout:     b.Timeout,
			Fee:         b.Fee,
		}
	}
	return facilitator.Selection{
		Primary:   cfg.Facilitators.Primary,
		Fallbacks: cfg.Facilitators.Fallbacks,
		Strategy:  facilitator.Strategy(cfg.Facilitators.Strategy),
		Backends:  backends,
	}
}
