package aggregate

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/yourorg/remesa-rates/internal/fetch"
	"github.com/yourorg/remesa-rates/internal/metrics"
	"github.com/yourorg/remesa-rates/internal/model"
	"github.com/yourorg/remesa-rates/internal/otel"
	"github.com/yourorg/remesa-rates/internal/validation"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ErrAggregationFailed is returned when no category and no generic rate could be fetched
var ErrAggregationFailed = errors.New("aggregation failed: every source returned no data")

// DefaultDeadline bounds a whole snapshot build
const DefaultDeadline = 8 * time.Second

// Builder assembles rate snapshots from live adapters
type Builder struct {
	plan      fetch.Plan
	selector  *Selector
	validator *validation.Validator
	metrics   *metrics.Metrics
	deadline  time.Duration
	now       func() time.Time
}

// NewBuilder creates a snapshot builder
func NewBuilder(plan fetch.Plan, selector *Selector, validator *validation.Validator, m *metrics.Metrics) *Builder {
	return &Builder{
		plan:      plan,
		selector:  selector,
		validator: validator,
		metrics:   m,
		deadline:  DefaultDeadline,
		now:       time.Now,
	}
}

// WithDeadline sets the aggregate deadline and returns the builder
func (b *Builder) WithDeadline(d time.Duration) *Builder {
	if d > 0 {
		b.deadline = d
	}
	return b
}

// WithClock replaces the time source used for snapshot timestamps
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.now = now
	return b
}

type categoryResult struct {
	category model.Category
	rate     *model.SelectedRate
}

// BuildSnapshot fetches all categories and the generic rates concurrently under one
// deadline. Categories still pending when it elapses are treated as failed.
// The returned snapshot always has IsFallback=false.
func (b *Builder) BuildSnapshot(ctx context.Context, forceRefresh bool) (*model.RateSnapshot, error) {
	start := time.Now()

	ctx, span := otel.Tracer().Start(ctx, "aggregate.build_snapshot",
		trace.WithAttributes(attribute.Bool("force_refresh", forceRefresh)))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, b.deadline)
	defer cancel()

	refs := newReferences()
	ctx = fetch.WithReferences(ctx, refs)

	results := make(chan categoryResult, len(model.Categories))
	genericCh := make(chan map[string]float64, 1)

	for _, c := range model.Categories {
		go func(c model.Category) {
			r := b.selectCategory(ctx, c)
			refs.resolve(c, r)
			results <- categoryResult{category: c, rate: r}
		}(c)
	}
	go func() {
		genericCh <- b.plan.Generic.FetchRates(ctx)
	}()

	rates := make(map[model.Category]*model.SelectedRate, len(model.Categories))
	var generic map[string]float64
	genericDone := false
	pending := len(model.Categories) + 1

collect:
	for pending > 0 {
		select {
		case r := <-results:
			rates[r.category] = r.rate
			pending--
		case g := <-genericCh:
			generic, genericDone = g, true
			pending--
		case <-ctx.Done():
			break collect
		}
	}

	// keep anything that landed together with the deadline
	for drained := false; !drained && pending > 0; {
		select {
		case r := <-results:
			rates[r.category] = r.rate
			pending--
		case g := <-genericCh:
			generic, genericDone = g, true
			pending--
		default:
			drained = true
		}
	}
	if pending > 0 {
		logrus.WithFields(logrus.Fields{
			"pending":  pending,
			"deadline": b.deadline,
			"generic":  genericDone,
		}).Warn("Aggregate deadline elapsed, treating unresolved sources as failed")
	}

	official := rates[model.CategoryOfficial]
	parallel := rates[model.CategoryParallel]
	p2p := rates[model.CategoryP2P]

	if official == nil && parallel == nil && p2p == nil && len(generic) == 0 {
		b.metrics.ObserveBuild(time.Since(start), ErrAggregationFailed)
		otel.RecordError(ctx, ErrAggregationFailed)
		logrus.WithField("duration", time.Since(start)).Error("Snapshot build failed: no source returned data")
		return nil, ErrAggregationFailed
	}

	if generic == nil {
		generic = map[string]float64{}
	}

	snapshot := &model.RateSnapshot{
		Official:     official,
		Parallel:     parallel,
		P2P:          p2p,
		GenericRates: generic,
		Validation:   b.validator.Validate(official, parallel, p2p),
		Timestamp:    model.NowMillis(b.now()),
		IsFallback:   false,
	}

	b.metrics.ObserveBuild(time.Since(start), nil)
	b.metrics.ObserveValidation(snapshot.Validation)

	fields := logrus.Fields{
		"official":      snapshot.Value(model.CategoryOfficial),
		"parallel":      snapshot.Value(model.CategoryParallel),
		"p2p":           snapshot.Value(model.CategoryP2P),
		"currencies":    len(generic),
		"missing":       snapshot.Missing(),
		"duration":      time.Since(start),
		"force_refresh": forceRefresh,
	}
	logrus.WithFields(fields).Info("Snapshot built")
	if snapshot.Validation.HasAlert() {
		logrus.WithFields(logrus.Fields{
			"officialParallelDeltaPct": snapshot.Validation.OfficialParallelDeltaPct,
			"p2pParallelDeltaPct":      snapshot.Validation.P2PParallelDeltaPct,
		}).Warn(snapshot.Validation.Alert)
	}
	span.SetAttributes(
		attribute.Int("missing_categories", len(snapshot.Missing())),
		attribute.Bool("validation_alert", snapshot.Validation.HasAlert()),
	)
	return snapshot, nil
}

// selectCategory returns nil when the category is exhausted
func (b *Builder) selectCategory(ctx context.Context, c model.Category) *model.SelectedRate {
	ctx, span := otel.Tracer().Start(ctx, "aggregate.select",
		trace.WithAttributes(attribute.String("category", string(c))))
	defer span.End()

	r, err := b.selector.Select(ctx, c, b.plan.ForCategory(c))
	if err != nil {
		b.metrics.CategoryExhausted(c)
		otel.RecordError(ctx, err)
		logrus.WithFields(logrus.Fields{"category": c, "error": err}).Warn("Category exhausted")
		return nil
	}
	b.metrics.ObserveSelection(r)
	span.SetAttributes(
		attribute.String("source", r.Source),
		attribute.String("confidence", string(r.Confidence)),
	)
	return &r
}

// references lets derived adapters wait for another category of the same build
type references struct {
	done map[model.Category]chan struct{}

	mu    sync.Mutex
	rates map[model.Category]*model.SelectedRate
}

func newReferences() *references {
	r := &references{
		done:  make(map[model.Category]chan struct{}, len(model.Categories)),
		rates: make(map[model.Category]*model.SelectedRate, len(model.Categories)),
	}
	for _, c := range model.Categories {
		r.done[c] = make(chan struct{})
	}
	return r
}

func (r *references) resolve(c model.Category, rate *model.SelectedRate) {
	r.mu.Lock()
	r.rates[c] = rate
	r.mu.Unlock()
	close(r.done[c])
}

// Await implements fetch.References
func (r *references) Await(ctx context.Context, c model.Category) *model.SelectedRate {
	ch, ok := r.done[c]
	if !ok {
		return nil
	}
	select {
	case <-ch:
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.rates[c]
	case <-ctx.Done():
		return nil
	}
}
