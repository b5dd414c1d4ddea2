package fetch

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/yourorg/remesa-rates/internal/circuitbreaker"
	"github.com/yourorg/remesa-rates/internal/config"
	"github.com/yourorg/remesa-rates/internal/metrics"
	"github.com/yourorg/remesa-rates/internal/model"
	"github.com/yourorg/remesa-rates/internal/otel"
	"go.opentelemetry.io/otel/attribute"
)

// pyDolarBCVTimeout is the shorter deadline of the direct BCV page
const pyDolarBCVTimeout = 3 * time.Second

// Plan is the resolved, priority-ordered adapter list of every category
type Plan struct {
	Official []Adapter
	Parallel []Adapter
	P2P      []Adapter
	Generic  GenericAdapter
}

// ForCategory returns the adapters for c
func (p Plan) ForCategory(c model.Category) []Adapter {
	switch c {
	case model.CategoryOfficial:
		return p.Official
	case model.CategoryParallel:
		return p.Parallel
	case model.CategoryP2P:
		return p.P2P
	}
	return nil
}

// Registry builds adapters by name and owns their circuit breakers
type Registry struct {
	cfg     config.Config
	client  *Client
	metrics *metrics.Metrics

	mu       sync.Mutex
	breakers map[string]*circuitbreaker.CircuitBreaker
}

// NewRegistry creates a registry over the shared client
func NewRegistry(cfg config.Config, client *Client, m *metrics.Metrics) *Registry {
	return &Registry{
		cfg:      cfg,
		client:   client,
		metrics:  m,
		breakers: make(map[string]*circuitbreaker.CircuitBreaker),
	}
}

// Build resolves every configured name. Adapters whose upstream is not configured are skipped.
func (r *Registry) Build(sources config.Sources) (Plan, error) {
	var plan Plan
	var err error

	if plan.Official, err = r.resolve(model.CategoryOfficial, sources.Official); err != nil {
		return Plan{}, err
	}
	if plan.Parallel, err = r.resolve(model.CategoryParallel, sources.Parallel); err != nil {
		return Plan{}, err
	}
	if plan.P2P, err = r.resolve(model.CategoryP2P, sources.P2P); err != nil {
		return Plan{}, err
	}

	generic, err := r.generic(sources.Generic)
	if err != nil {
		return Plan{}, err
	}
	plan.Generic = generic

	logrus.WithFields(logrus.Fields{
		"official": names(plan.Official),
		"parallel": names(plan.Parallel),
		"p2p":      names(plan.P2P),
		"generic":  plan.Generic.Name(),
	}).Info("Source adapters configured")
	return plan, nil
}

func (r *Registry) resolve(category model.Category, list []string) ([]Adapter, error) {
	adapters := make([]Adapter, 0, len(list))
	for _, name := range list {
		if name == config.SourceDerivedFromParallel && category == model.CategoryParallel {
			return nil, fmt.Errorf("adapter %q cannot derive %s from itself", name, category)
		}
		a, err := r.adapter(name)
		if err != nil {
			return nil, err
		}
		if a == nil {
			logrus.WithField("adapter", name).Info("Adapter disabled, upstream URL not configured")
			continue
		}
		g := &guardedAdapter{inner: a, category: category, metrics: r.metrics}
		// derived adapters do no I/O of their own, so there is nothing to protect
		if name != config.SourceDerivedFromParallel {
			g.breaker = r.breaker(name)
		}
		adapters = append(adapters, g)
	}
	if len(adapters) == 0 {
		return nil, fmt.Errorf("no usable adapters for %s", category)
	}
	return adapters, nil
}

// adapter returns nil, nil for a known adapter whose upstream is disabled
func (r *Registry) adapter(name string) (Adapter, error) {
	cfg, c := r.cfg, r.client
	timeout := cfg.AdapterTimeout

	switch name {
	case config.SourceDolarAPIOficial:
		return NewDolarAPIAdapter(c, name, cfg.DolarAPIURL, dolarAPIOficial, "DolarAPI (BCV)", timeout), nil
	case config.SourceDolarAPIParalelo:
		return NewDolarAPIAdapter(c, name, cfg.DolarAPIURL, dolarAPIParalelo, "DolarAPI (Paralelo)", timeout), nil
	case config.SourcePyDolarBCVPage:
		return NewPyDolarAdapter(c, name, cfg.PyDolarURL, "bcv", "BCV Official", model.ConfidenceHigh, minDuration(timeout, pyDolarBCVTimeout), "bcv"), nil
	case config.SourcePyDolarBCV:
		return NewPyDolarAdapter(c, name, cfg.PyDolarURL, "", "Monitor Dolar (BCV)", model.ConfidenceHigh, timeout, "bcv"), nil
	case config.SourcePyDolarParalelo:
		return NewPyDolarAdapter(c, name, cfg.PyDolarURL, "", "Monitor Dolar (Paralelo)", model.ConfidenceHigh, timeout, "enparalelovzla", "paralelo", "dolartoday"), nil
	case config.SourcePyDolarBinance:
		return NewPyDolarAdapter(c, name, cfg.PyDolarURL, "", "Binance P2P API", model.ConfidenceHigh, timeout, "binance"), nil
	case config.SourceExchangeMonitorBCV:
		return NewExchangeMonitorAdapter(c, name, cfg.ExchangeMonitorURL, timeout), nil
	case config.SourceExchangeRateEstBCV:
		return NewExchangeRateAPIVESAdapter(c, name, cfg.ExchangeRateAPIURL, "estimated", model.ConfidenceLow, officialEstimateFactor, timeout), nil
	case config.SourceExchangeRateVES:
		return NewExchangeRateAPIVESAdapter(c, name, cfg.ExchangeRateAPIURL, "ExchangeRate-API", model.ConfidenceMedium, 1, timeout), nil
	case config.SourceBinanceP2P:
		return NewBinanceP2PAdapter(c, name, cfg.BinanceP2PURL, timeout), nil
	case config.SourceRAGSearchBCV, config.SourceRAGSearchParalelo, config.SourceRAGSearchBinance:
		if cfg.RAGSearchURL == "" {
			return nil, nil
		}
		field := map[string]string{
			config.SourceRAGSearchBCV:      "bcv_oficial",
			config.SourceRAGSearchParalelo: "paralelo",
			config.SourceRAGSearchBinance:  "binance_p2p",
		}[name]
		return NewRAGSearchAdapter(c, name, cfg.RAGSearchURL, field, timeout), nil
	case config.SourceDerivedFromParallel:
		return NewDerivedAdapter(name, model.CategoryParallel, cfg.P2PPremium, "Calculated from Paralelo", cfg.AggregateTimeout), nil
	}
	return nil, fmt.Errorf("unknown adapter %q", name)
}

func (r *Registry) generic(name string) (GenericAdapter, error) {
	switch name {
	case config.SourceExchangeRateLatest:
		inner := NewMultiCurrencyAdapter(r.client, name, r.cfg.ExchangeRateAPIURL, r.cfg.FrankfurterURL, r.cfg.AdapterTimeout)
		return &guardedGeneric{inner: inner, breaker: r.breaker(name), metrics: r.metrics}, nil
	}
	return nil, fmt.Errorf("unknown generic adapter %q", name)
}

// breaker returns the shared breaker of an adapter, creating it on first use
func (r *Registry) breaker(name string) *circuitbreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[name]; ok {
		return b
	}
	m := r.metrics
	b := circuitbreaker.New(name, r.cfg.BreakerFailures).
		WithResetDelay(r.cfg.BreakerReset).
		WithStateChangeCallback(func(adapter string, _, to circuitbreaker.State) {
			m.BreakerState(adapter, int(to))
		})
	r.breakers[name] = b
	return b
}

// Breakers returns the status of every breaker sorted by adapter name
func (r *Registry) Breakers() []circuitbreaker.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]circuitbreaker.Snapshot, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ResetBreakers closes every breaker
func (r *Registry) ResetBreakers() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range r.breakers {
		b.Reset()
	}
}

// guardedAdapter adds breaker short-circuiting, metrics and a span around an adapter.
// breaker may be nil.
type guardedAdapter struct {
	inner    Adapter
	category model.Category
	breaker  *circuitbreaker.CircuitBreaker
	metrics  *metrics.Metrics
}

func (g *guardedAdapter) Name() string { return g.inner.Name() }

func (g *guardedAdapter) Fetch(ctx context.Context) *model.RateQuote {
	name, category := g.inner.Name(), string(g.category)

	if g.breaker != nil {
		if err := g.breaker.Allow(); err != nil {
			g.metrics.AdapterSkipped(name, category)
			logrus.WithFields(logrus.Fields{"adapter": name, "category": category}).Debug("Adapter skipped, circuit open")
			return nil
		}
	}

	ctx, span := otel.Tracer().Start(ctx, "adapter.fetch")
	defer span.End()
	span.SetAttributes(
		attribute.String("adapter", name),
		attribute.String("category", category),
	)

	ctx, throttled := withThrottleMark(ctx)
	start := time.Now()
	q := g.inner.Fetch(ctx)
	g.metrics.ObserveAdapter(name, category, q != nil, time.Since(start))
	span.SetAttributes(attribute.Bool("ok", q != nil), attribute.Bool("throttled", throttled.Load()))

	if g.breaker != nil {
		switch {
		case q != nil:
			g.breaker.RecordSuccess()
		case ctx.Err() != nil || throttled.Load():
			// abandoned by the aggregate deadline or refused locally, not the upstream's fault
			g.breaker.Release()
		default:
			g.breaker.RecordFailure("no data")
		}
	}

	if q != nil {
		span.SetAttributes(attribute.Float64("value", q.Value))
	}
	return q
}

type guardedGeneric struct {
	inner   GenericAdapter
	breaker *circuitbreaker.CircuitBreaker
	metrics *metrics.Metrics
}

func (g *guardedGeneric) Name() string { return g.inner.Name() }

func (g *guardedGeneric) FetchRates(ctx context.Context) map[string]float64 {
	name := g.inner.Name()
	if err := g.breaker.Allow(); err != nil {
		g.metrics.AdapterSkipped(name, "GENERIC")
		return nil
	}

	ctx, span := otel.Tracer().Start(ctx, "adapter.fetch_rates")
	defer span.End()
	span.SetAttributes(attribute.String("adapter", name))

	ctx, throttled := withThrottleMark(ctx)
	start := time.Now()
	rates := g.inner.FetchRates(ctx)
	g.metrics.ObserveAdapter(name, "GENERIC", rates != nil, time.Since(start))

	if rates == nil {
		if ctx.Err() != nil || throttled.Load() {
			g.breaker.Release()
		} else {
			g.breaker.RecordFailure("no data")
		}
		return nil
	}
	g.breaker.RecordSuccess()
	span.SetAttributes(attribute.Int("currencies", len(rates)))
	return rates
}

func names(adapters []Adapter) []string {
	out := make([]string, len(adapters))
	for i, a := range adapters {
		out[i] = a.Name()
	}
	return out
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
