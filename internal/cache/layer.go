// Package cache serves rate snapshots through a fresh, stale and static degrade chain.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/yourorg/remesa-rates/internal/fallback"
	"github.com/yourorg/remesa-rates/internal/metrics"
	"github.com/yourorg/remesa-rates/internal/model"
	"github.com/yourorg/remesa-rates/internal/types"
	"golang.org/x/sync/singleflight"
)

// ErrInvalidFallback is returned when the static table cannot produce a complete snapshot
var ErrInvalidFallback = errors.New("static fallback snapshot is incomplete")

// Default TTLs
const (
	DefaultFreshTTL = 2 * time.Minute
	DefaultStaleTTL = 24 * time.Hour
)

const refreshKey = "snapshot"

// Tier identifies where a served snapshot came from
type Tier string

// Serving tiers
const (
	TierFresh  Tier = "fresh"
	TierLive   Tier = "live"
	TierStale  Tier = "stale"
	TierStatic Tier = "static"
)

// Builder produces a live snapshot. It fails only when no source returned data.
type Builder interface {
	BuildSnapshot(ctx context.Context, forceRefresh bool) (*model.RateSnapshot, error)
}

// Result is a served snapshot plus its provenance. Snapshot must be treated as read-only.
type Result struct {
	Snapshot *model.RateSnapshot
	Tier     Tier
	StoredAt time.Time
}

// Cached reports whether the snapshot was served from the stored entry
func (r Result) Cached() bool {
	return r.Tier == TierFresh || r.Tier == TierStale
}

// Observer receives every newly built live snapshot
type Observer func(*model.RateSnapshot)

// Status describes the cache for operators
type Status struct {
	HasEntry     bool      `json:"hasEntry"`
	StoredAt     time.Time `json:"storedAt,omitempty"`
	AgeSeconds   float64   `json:"ageSeconds"`
	Fresh        bool      `json:"fresh"`
	Stale        bool      `json:"stale"`
	FreshTTL     string    `json:"freshTtl"`
	StaleTTL     string    `json:"staleTtl"`
	LastTier     Tier      `json:"lastTier,omitempty"`
	Builds       uint64    `json:"builds"`
	BuildErrors  uint64    `json:"buildErrors"`
	FreshHits    uint64    `json:"freshHits"`
	StaleServed  uint64    `json:"staleServed"`
	StaticServed uint64    `json:"staticServed"`
}

type entry struct {
	snapshot *model.RateSnapshot
	storedAt time.Time
}

// Layer holds the single process-wide snapshot entry
type Layer struct {
	builder  Builder
	freshTTL time.Duration
	staleTTL time.Duration
	metrics  *metrics.Metrics
	static   func(time.Time) *model.RateSnapshot
	now      func() time.Time

	group singleflight.Group

	mu        sync.RWMutex
	entry     *entry
	lastTier  Tier
	observers []Observer

	builds       atomic.Uint64
	buildErrors  atomic.Uint64
	freshHits    atomic.Uint64
	staleServed  atomic.Uint64
	staticServed atomic.Uint64
}

// New creates a cache layer in front of b. Non-positive TTLs fall back to the defaults.
func New(b Builder, freshTTL, staleTTL time.Duration, m *metrics.Metrics) *Layer {
	if freshTTL <= 0 {
		freshTTL = DefaultFreshTTL
	}
	if staleTTL <= 0 {
		staleTTL = DefaultStaleTTL
	}
	if staleTTL < freshTTL {
		staleTTL = freshTTL
	}
	return &Layer{
		builder:  b,
		freshTTL: freshTTL,
		staleTTL: staleTTL,
		metrics:  m,
		static:   fallback.Snapshot,
		now:      time.Now,
	}
}

// WithClock replaces the time source
func (l *Layer) WithClock(now func() time.Time) *Layer {
	l.now = now
	return l
}

// WithStatic replaces the terminal snapshot provider
func (l *Layer) WithStatic(static func(time.Time) *model.RateSnapshot) *Layer {
	l.static = static
	return l
}

// OnSnapshot registers an observer for live builds
func (l *Layer) OnSnapshot(o Observer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.observers = append(l.observers, o)
}

// GetRates returns the fresh entry when possible, otherwise builds a new snapshot.
// A failed build degrades to the stale entry and then to the static table.
// An error is returned only when the static table itself is unusable.
func (l *Layer) GetRates(ctx context.Context, forceRefresh bool) (Result, error) {
	if !forceRefresh {
		if e := l.current(); e != nil && l.now().Sub(e.storedAt) < l.freshTTL {
			l.freshHits.Add(1)
			return l.served(Result{Snapshot: e.snapshot, Tier: TierFresh, StoredAt: e.storedAt}), nil
		}
	}

	// Concurrent misses share one build. The build is detached from the
	// requester so an abandoned request does not discard a result others wait on.
	ch := l.group.DoChan(refreshKey, func() (interface{}, error) {
		return l.build(context.WithoutCancel(ctx), forceRefresh)
	})

	var buildErr error
	select {
	case res := <-ch:
		if res.Err == nil {
			return l.served(res.Val.(Result)), nil
		}
		buildErr = res.Err
	case <-ctx.Done():
		buildErr = ctx.Err()
	}
	return l.degrade(buildErr)
}

// Invalidate drops the stored entry
func (l *Layer) Invalidate() {
	l.mu.Lock()
	l.entry = nil
	l.mu.Unlock()
	logrus.Info("Rate cache invalidated")
}

// Status reports the current entry and serving counters
func (l *Layer) Status() Status {
	l.mu.RLock()
	e, last := l.entry, l.lastTier
	l.mu.RUnlock()

	st := Status{
		FreshTTL:     l.freshTTL.String(),
		StaleTTL:     l.staleTTL.String(),
		LastTier:     last,
		Builds:       l.builds.Load(),
		BuildErrors:  l.buildErrors.Load(),
		FreshHits:    l.freshHits.Load(),
		StaleServed:  l.staleServed.Load(),
		StaticServed: l.staticServed.Load(),
	}
	if e != nil {
		age := l.now().Sub(e.storedAt)
		st.HasEntry = true
		st.StoredAt = e.storedAt
		st.AgeSeconds = age.Seconds()
		st.Fresh = age < l.freshTTL
		st.Stale = !st.Fresh && age < l.staleTTL
	}
	return st
}

// Run refreshes the entry every interval until ctx is done
func (l *Layer) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := l.GetRates(ctx, true)
			if err != nil {
				logrus.WithError(err).Error("Background refresh failed")
				continue
			}
			logrus.WithField("tier", res.Tier).Debug("Background refresh completed")
		}
	}
}

func (l *Layer) build(ctx context.Context, forceRefresh bool) (Result, error) {
	l.builds.Add(1)
	snap, err := l.builder.BuildSnapshot(ctx, forceRefresh)
	if err == nil && snap == nil {
		err = errors.New("builder returned no snapshot")
	}
	if err != nil {
		l.buildErrors.Add(1)
		logrus.WithError(err).Warn("Live snapshot build failed")
		return Result{}, err
	}

	now := l.now()
	snap = l.complete(snap, l.current(), now)

	l.mu.Lock()
	l.entry = &entry{snapshot: snap, storedAt: now}
	observers := append([]Observer(nil), l.observers...)
	l.mu.Unlock()

	for _, o := range observers {
		o(snap)
	}
	return Result{Snapshot: snap, Tier: TierLive, StoredAt: now}, nil
}

// complete fills categories and catalogue currencies the build could not produce,
// first from a previous entry still inside the stale window and then from the static table
func (l *Layer) complete(snap *model.RateSnapshot, prev *entry, now time.Time) *model.RateSnapshot {
	missing := snap.Missing()
	gaps := missingCurrencies(snap.GenericRates)
	if len(missing) == 0 && len(gaps) == 0 {
		return snap
	}

	usable := prev != nil && now.Sub(prev.storedAt) < l.staleTTL
	out := snap.Clone()
	for _, c := range missing {
		if usable {
			if r := prev.snapshot.Rate(c); r != nil {
				out = out.WithRate(*r)
				logrus.WithFields(logrus.Fields{"category": c, "source": r.Source}).Info("Category filled from previous snapshot")
				continue
			}
		}
		if r, ok := fallback.Rate(c); ok {
			out = out.WithRate(r)
			logrus.WithField("category", c).Warn("Category filled from static table")
		}
	}

	if len(gaps) == 0 {
		return out
	}
	static := fallback.Rates()
	var fromPrev, fromStatic []string
	for _, code := range gaps {
		if usable {
			if v, ok := prev.snapshot.GenericRates[code]; ok && model.IsPositiveFinite(v) {
				out.GenericRates[code] = v
				fromPrev = append(fromPrev, code)
				continue
			}
		}
		if v, ok := static[code]; ok {
			out.GenericRates[code] = v
			fromStatic = append(fromStatic, code)
		}
	}
	logrus.WithFields(logrus.Fields{
		"from_previous": fromPrev,
		"from_static":   fromStatic,
	}).Warn("Currency rates filled")
	return out
}

// missingCurrencies lists catalogue codes absent from rates or not usable
func missingCurrencies(rates map[string]float64) []string {
	var gaps []string
	for _, c := range types.SupportedCurrencies {
		if !model.IsPositiveFinite(rates[string(c.Code)]) {
			gaps = append(gaps, string(c.Code))
		}
	}
	return gaps
}

func (l *Layer) degrade(cause error) (Result, error) {
	now := l.now()
	if e := l.current(); e != nil && now.Sub(e.storedAt) < l.staleTTL {
		l.staleServed.Add(1)
		logrus.WithFields(logrus.Fields{
			"age":   now.Sub(e.storedAt).Round(time.Second),
			"cause": cause,
		}).Warn("Serving stale snapshot")
		return l.served(Result{Snapshot: e.snapshot, Tier: TierStale, StoredAt: e.storedAt}), nil
	}

	snap := l.static(now)
	if snap == nil || len(snap.Missing()) > 0 {
		return Result{}, fmt.Errorf("%w (after %v)", ErrInvalidFallback, cause)
	}
	for _, c := range model.Categories {
		if !model.IsPositiveFinite(snap.Value(c)) {
			return Result{}, fmt.Errorf("%w: %s is %v", ErrInvalidFallback, c, snap.Value(c))
		}
	}

	l.staticServed.Add(1)
	logrus.WithField("cause", cause).Error("Serving static fallback snapshot")
	return l.served(Result{Snapshot: snap, Tier: TierStatic, StoredAt: now}), nil
}

func (l *Layer) served(r Result) Result {
	l.mu.Lock()
	l.lastTier = r.Tier
	l.mu.Unlock()
	l.metrics.CacheResult(string(r.Tier))
	return r
}

func (l *Layer) current() *entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.entry
}
