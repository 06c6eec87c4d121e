package facilitator

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/agentpay/paykit/logger"
	"github.com/agentpay/paykit/metrics"
	"github.com/agentpay/paykit/types"
)

// Strategy orders candidate facilitators for a verify/settle call.
type Strategy string

const (
	StrategyFailover   Strategy = "failover"
	StrategyCheapest   Strategy = "cheapest"
	StrategyFastest    Strategy = "fastest"
	StrategyRandom     Strategy = "random"
	StrategyRoundRobin Strategy = "roundrobin"
)

// ParseStrategy validates a strategy name from configuration.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyFailover, StrategyCheapest, StrategyFastest, StrategyRandom, StrategyRoundRobin:
		return Strategy(s), nil
	case "":
		return StrategyFailover, nil
	default:
		return "", fmt.Errorf("unknown facilitator strategy %q", s)
	}
}

// Selection is the process-wide facilitator configuration, set at startup
// and mutable only via Registry.SetSelection.
type Selection struct {
	Primary   string
	Fallbacks []string
	Strategy  Strategy
	Backends  map[string]HTTPConfig
}

// Builder constructs a facilitator instance from its backend config.
// Overridable for tests.
type Builder func(cfg HTTPConfig) (Facilitator, error)

// Registry is the uniform front over all configured backends. Instances are
// lazily constructed and cached by name; changing the selection invalidates
// the cache.
//
// Ordering probes (cheapest, fastest) fan out concurrently, but execution of
// verify/settle across the ordered candidates is strictly sequential: two
// backends are never attempted concurrently for the same payload.
type Registry struct {
	log     logger.Logger
	metrics metrics.Recorder
	build   Builder

	mu        sync.Mutex
	selection Selection
	cache     map[string]Facilitator
	rrIndex   uint64
}

type RegistryOption func(*Registry)

func WithRegistryLogger(l logger.Logger) RegistryOption {
	return func(r *Registry) { r.log = l }
}

func WithRegistryMetrics(m metrics.Recorder) RegistryOption {
	return func(r *Registry) { r.metrics = m }
}

// WithBuilder swaps the facilitator constructor, used by tests to inject
// fakes.
func WithBuilder(b Builder) RegistryOption {
	return func(r *Registry) { r.build = b }
}

// NewRegistry validates the selection and prepares the instance cache.
func NewRegistry(sel Selection, opts ...RegistryOption) (*Registry, error) {
	r := &Registry{
		log:     logger.NoopLogger{},
		metrics: metrics.NoopRecorder{},
		build: func(cfg HTTPConfig) (Facilitator, error) {
			return NewHTTP(cfg)
		},
		cache: make(map[string]Facilitator),
	}
	for _, opt := range opts {
		opt(r)
	}
	if err := r.setSelection(sel); err != nil {
		return nil, err
	}
	return r, nil
}

// Get returns the facilitator instance for name, creating and caching it on
// first use with its per-backend config from the active selection.
func (r *Registry) Get(name string) (Facilitator, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getLocked(name)
}

func (r *Registry) getLocked(name string) (Facilitator, error) {
	if f, ok := r.cache[name]; ok {
		return f, nil
	}
	cfg, ok := r.selection.Backends[name]
	if !ok {
		return nil, types.NewPayError(types.ErrConfig, fmt.Sprintf("facilitator %q is not configured", name))
	}
	cfg.Name = name
	f, err := r.build(cfg)
	if err != nil {
		return nil, err
	}
	r.cache[name] = f
	return f, nil
}

// SetSelection replaces the active selection and clears cached instances so
// the new configuration takes effect on next use.
func (r *Registry) SetSelection(sel Selection) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.setSelection(sel)
}

func (r *Registry) setSelection(sel Selection) error {
	if sel.Strategy == "" {
		sel.Strategy = StrategyFailover
	}
	if _, err := ParseStrategy(string(sel.Strategy)); err != nil {
		return err
	}
	if sel.Primary == "" {
		return types.NewPayError(types.ErrConfig, "facilitator selection needs a primary")
	}
	if _, ok := sel.Backends[sel.Primary]; !ok {
		return types.NewPayError(types.ErrConfig, fmt.Sprintf("primary facilitator %q has no backend config", sel.Primary))
	}
	for _, name := range sel.Fallbacks {
		if _, ok := sel.Backends[name]; !ok {
			return types.NewPayError(types.ErrConfig, fmt.Sprintf("fallback facilitator %q has no backend config", name))
		}
	}
	r.selection = sel
	r.cache = make(map[string]Facilitator)
	return nil
}

// Verify walks the strategy-ordered candidates for the payload's network.
// The first valid verdict wins. A definitive rejection stops the search
// immediately: retrying a bad signature elsewhere cannot fix it. Transient
// transport failures move on to the next candidate.
func (r *Registry) Verify(ctx context.Context, payload *types.PaymentPayload, requirements *types.PaymentRequirements) *types.VerifyResult {
	candidates, err := r.candidates(ctx, types.Network(requirements.Network))
	if err != nil {
		return &types.VerifyResult{Valid: false, Error: err.Error(), FacilitatorName: "none"}
	}
	if len(candidates) == 0 {
		return &types.VerifyResult{
			Valid:           false,
			Error:           fmt.Sprintf("no facilitator supports network %s", requirements.Network),
			FacilitatorName: "none",
		}
	}

	lastErr := ""
	for _, f := range candidates {
		start := time.Now()
		res, err := f.Verify(ctx, payload, requirements)
		r.metrics.ObserveLatency("verify", time.Since(start), map[string]string{
			"network": requirements.Network, "facilitator": f.Name(),
		})
		if err != nil {
			lastErr = err.Error()
			if types.IsPermanent(err) {
				r.log.Warn("verify failed permanently", map[string]any{
					"facilitator": f.Name(), "error": lastErr,
				})
				break
			}
			r.log.Warn("verify failed, trying next candidate", map[string]any{
				"facilitator": f.Name(), "error": lastErr,
			})
			continue
		}
		if res.Valid {
			r.metrics.IncCounter("verify_ok", map[string]string{
				"network": requirements.Network, "facilitator": f.Name(),
			})
			return res
		}
		// The backend evaluated the authorization and rejected it.
		return res
	}

	return &types.VerifyResult{Valid: false, Error: lastErr, FacilitatorName: "none"}
}

// Settle walks the ordered candidates and accepts the first success. A
// decoded failure verdict is surfaced as-is without retrying elsewhere: a
// settlement attempt that partially succeeded must not be repeated blindly.
// Only attempts that produced no verdict at all move to the next candidate.
func (r *Registry) Settle(ctx context.Context, payload *types.PaymentPayload, requirements *types.PaymentRequirements) *types.SettleResult {
	candidates, err := r.candidates(ctx, types.Network(requirements.Network))
	if err != nil {
		return &types.SettleResult{Success: false, Error: err.Error(), FacilitatorName: "none"}
	}
	if len(candidates) == 0 {
		return &types.SettleResult{
			Success:         false,
			Error:           fmt.Sprintf("no facilitator supports network %s", requirements.Network),
			FacilitatorName: "none",
		}
	}

	lastErr := ""
	for _, f := range candidates {
		start := time.Now()
		res, err := f.Settle(ctx, payload, requirements)
		r.metrics.ObserveLatency("settle", time.Since(start), map[string]string{
			"network": requirements.Network, "facilitator": f.Name(),
		})
		if err != nil {
			lastErr = err.Error()
			r.log.Warn("settle produced no verdict, trying next candidate", map[string]any{
				"facilitator": f.Name(), "error": lastErr,
			})
			continue
		}
		if res.Success {
			r.metrics.IncCounter("settle_ok", map[string]string{
				"network": requirements.Network, "facilitator": f.Name(),
			})
		}
		return res
	}

	return &types.SettleResult{Success: false, Error: lastErr, FacilitatorName: "none"}
}

// HealthCheckAll probes every configured backend concurrently.
func (r *Registry) HealthCheckAll(ctx context.Context) map[string]HealthResult {
	r.mu.Lock()
	names := make([]string, 0, len(r.selection.Backends))
	for name := range r.selection.Backends {
		names = append(names, name)
	}
	fs := make(map[string]Facilitator, len(names))
	for _, name := range names {
		f, err := r.getLocked(name)
		if err != nil {
			continue
		}
		fs[name] = f
	}
	r.mu.Unlock()

	results := make(map[string]HealthResult, len(fs))
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for name, f := range fs {
		wg.Add(1)
		go func(name string, f Facilitator) {
			defer wg.Done()
			hr := f.HealthCheck(ctx)
			mu.Lock()
			results[name] = hr
			mu.Unlock()
		}(name, f)
	}
	wg.Wait()
	return results
}

// candidates resolves the configured facilitators that support the network,
// ordered by the active strategy.
func (r *Registry) candidates(ctx context.Context, network types.Network) ([]Facilitator, error) {
	r.mu.Lock()
	names := make([]string, 0, 1+len(r.selection.Fallbacks))
	names = append(names, r.selection.Primary)
	for _, n := range r.selection.Fallbacks {
		if n != r.selection.Primary {
			names = append(names, n)
		}
	}
	strategy := r.selection.Strategy

	var candidates []Facilitator
	for _, name := range names {
		f, err := r.getLocked(name)
		if err != nil {
			r.mu.Unlock()
			return nil, err
		}
		if SupportsNetwork(f, network) {
			candidates = append(candidates, f)
		}
	}
	rr := r.rrIndex
	if strategy == StrategyRoundRobin {
		r.rrIndex++
	}
	r.mu.Unlock()

	switch strategy {
	case StrategyFailover:
		return candidates, nil
	case StrategyCheapest:
		return orderByFee(ctx, candidates, network), nil
	case StrategyFastest:
		return orderByLatency(ctx, candidates), nil
	case StrategyRandom:
		shuffled := append([]Facilitator(nil), candidates...)
		rand.Shuffle(len(shuffled), func(i, j int) {
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		})
		return shuffled, nil
	case StrategyRoundRobin:
		return rotate(candidates, rr), nil
	default:
		return candidates, nil
	}
}

// orderByFee fans fee queries out concurrently, joins, then sorts ascending.
// A candidate without a quote is treated as infinitely expensive.
func orderByFee(ctx context.Context, candidates []Facilitator, network types.Network) []Facilitator {
	type quote struct {
		f   Facilitator
		fee *decimal.Decimal
	}
	quotes := make([]quote, len(candidates))

	var wg sync.WaitGroup
	for i, f := range candidates {
		quotes[i] = quote{f: f}
		provider, ok := f.(FeeProvider)
		if !ok {
			continue
		}
		wg.Add(1)
		go func(i int, p FeeProvider) {
			defer wg.Done()
			fee, err := p.GetFee(ctx, network)
			if err == nil {
				quotes[i].fee = &fee
			}
		}(i, provider)
	}
	wg.Wait()

	sort.SliceStable(quotes, func(i, j int) bool {
		a, b := quotes[i].fee, quotes[j].fee
		if a == nil {
			return false
		}
		if b == nil {
			return true
		}
		return a.LessThan(*b)
	})

	ordered := make([]Facilitator, len(quotes))
	for i, q := range quotes {
		ordered[i] = q.f
	}
	return ordered
}

// orderByLatency probes all candidates concurrently and sorts by round-trip
// time ascending; unhealthy candidates sort last.
func orderByLatency(ctx context.Context, candidates []Facilitator) []Facilitator {
	type probe struct {
		f  Facilitator
		hr HealthResult
	}
	probes := make([]probe, len(candidates))

	var wg sync.WaitGroup
	for i, f := range candidates {
		wg.Add(1)
		go func(i int, f Facilitator) {
			defer wg.Done()
			probes[i] = probe{f: f, hr: f.HealthCheck(ctx)}
		}(i, f)
	}
	wg.Wait()

	sort.SliceStable(probes, func(i, j int) bool {
		a, b := probes[i].hr, probes[j].hr
		if a.Healthy != b.Healthy {
			return a.Healthy
		}
		return a.Latency < b.Latency
	})

	ordered := make([]Facilitator, len(probes))
	for i, p := range probes {
		ordered[i] = p.f
	}
	return ordered
}

func rotate(candidates []Facilitator, index uint64) []Facilitator {
	if len(candidates) == 0 {
		return candidates
	}
	offset := int(index % uint64(len(candidates)))
	rotated := make([]Facilitator, 0, len(candidates))
	rotated = append(rotated, candidates[offset:]...)
	rotated = append(rotated, candidates[:offset]...)
	return rotated
}
