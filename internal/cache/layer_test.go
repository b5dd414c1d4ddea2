package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yourorg/remesa-rates/internal/fallback"
	"github.com/yourorg/remesa-rates/internal/model"
	"github.com/yourorg/remesa-rates/internal/types"
)

var errAllFailed = errors.New("all sources failed")

type fakeBuilder struct {
	mu    sync.Mutex
	calls int32
	snap  *model.RateSnapshot
	err   error
	block chan struct{}
}

func (f *fakeBuilder) BuildSnapshot(ctx context.Context, _ bool) (*model.RateSnapshot, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.snap.Clone(), nil
}

func (f *fakeBuilder) set(snap *model.RateSnapshot, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snap, f.err = snap, err
}

func (f *fakeBuilder) Calls() int { return int(atomic.LoadInt32(&f.calls)) }

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func liveSnapshot(official, parallel, p2p float64) *model.RateSnapshot {
	s := &model.RateSnapshot{
		GenericRates: map[string]float64{"USD": 1, "EUR": 0.95},
		Timestamp:    time.Now().UnixMilli(),
	}
	if official > 0 {
		s.Official = &model.SelectedRate{Category: model.CategoryOfficial, Value: official, Source: "BCV", Confidence: model.ConfidenceHigh}
	}
	if parallel > 0 {
		s.Parallel = &model.SelectedRate{Category: model.CategoryParallel, Value: parallel, Source: "Paralelo", Confidence: model.ConfidenceHigh}
	}
	if p2p > 0 {
		s.P2P = &model.SelectedRate{Category: model.CategoryP2P, Value: p2p, Source: "Binance P2P", Confidence: model.ConfidenceHigh}
	}
	return s
}

func newTestLayer(b Builder) (*Layer, *fakeClock) {
	clock := &fakeClock{now: time.Date(2025, 1, 10, 12, 0, 0, 0, time.UTC)}
	return New(b, 2*time.Minute, 24*time.Hour, nil).WithClock(clock.Now), clock
}

func TestFreshHitSkipsBuilder(t *testing.T) {
	b := &fakeBuilder{snap: liveSnapshot(100, 110, 112)}
	l, clock := newTestLayer(b)

	first, err := l.GetRates(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, TierLive, first.Tier)

	clock.Advance(time.Minute)
	second, err := l.GetRates(context.Background(), false)
	require.NoError(t, err)

	assert.Equal(t, TierFresh, second.Tier)
	assert.True(t, second.Cached())
	assert.Equal(t, 1, b.Calls())
	assert.Equal(t, first.Snapshot.Timestamp, second.Snapshot.Timestamp)
}

func TestForceRefreshBypassesFreshEntry(t *testing.T) {
	b := &fakeBuilder{snap: liveSnapshot(100, 110, 112)}
	l, _ := newTestLayer(b)

	_, err := l.GetRates(context.Background(), false)
	require.NoError(t, err)

	b.set(liveSnapshot(101, 111, 113), nil)
	res, err := l.GetRates(context.Background(), true)
	require.NoError(t, err)

	assert.Equal(t, TierLive, res.Tier)
	assert.Equal(t, 2, b.Calls())
	assert.Equal(t, 101.0, res.Snapshot.Official.Value)
}

func TestExpiredEntryIsRebuilt(t *testing.T) {
	b := &fakeBuilder{snap: liveSnapshot(100, 110, 112)}
	l, clock := newTestLayer(b)

	_, err := l.GetRates(context.Background(), false)
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	res, err := l.GetRates(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, TierLive, res.Tier)
	assert.Equal(t, 2, b.Calls())
}

func TestStaleEntryServedWhenBuildFails(t *testing.T) {
	b := &fakeBuilder{snap: liveSnapshot(100, 110, 112)}
	l, clock := newTestLayer(b)

	stored, err := l.GetRates(context.Background(), false)
	require.NoError(t, err)

	b.set(nil, errAllFailed)
	clock.Advance(3 * time.Hour)

	res, err := l.GetRates(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, TierStale, res.Tier)
	assert.False(t, res.Snapshot.IsFallback)
	assert.Equal(t, stored.Snapshot.Timestamp, res.Snapshot.Timestamp)
	assert.Equal(t, 100.0, res.Snapshot.Official.Value)
}

func TestStaticServedWhenNothingUsable(t *testing.T) {
	b := &fakeBuilder{err: errAllFailed}
	l, _ := newTestLayer(b)

	for i := 0; i < 2; i++ {
		res, err := l.GetRates(context.Background(), false)
		require.NoError(t, err)
		assert.Equal(t, TierStatic, res.Tier)
		assert.True(t, res.Snapshot.IsFallback)
		for _, c := range model.Categories {
			assert.Greater(t, res.Snapshot.Value(c), 0.0, c)
		}
		assert.Equal(t, fallback.Alert, res.Snapshot.Validation.Alert)
	}

	// static snapshots are never stored, so every call retries live
	assert.Equal(t, 2, b.Calls())
	assert.False(t, l.Status().HasEntry)
}

func TestStaticServedAfterStaleWindow(t *testing.T) {
	b := &fakeBuilder{snap: liveSnapshot(100, 110, 112)}
	l, clock := newTestLayer(b)

	_, err := l.GetRates(context.Background(), false)
	require.NoError(t, err)

	b.set(nil, errAllFailed)
	clock.Advance(25 * time.Hour)

	res, err := l.GetRates(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, TierStatic, res.Tier)
	assert.True(t, res.Snapshot.IsFallback)
}

func TestInvalidStaticTable(t *testing.T) {
	b := &fakeBuilder{err: errAllFailed}
	l, _ := newTestLayer(b)
	l.WithStatic(func(time.Time) *model.RateSnapshot { return nil })

	_, err := l.GetRates(context.Background(), false)
	assert.ErrorIs(t, err, ErrInvalidFallback)

	l.WithStatic(func(now time.Time) *model.RateSnapshot {
		s := fallback.Snapshot(now)
		s.P2P.Value = 0
		return s
	})
	_, err = l.GetRates(context.Background(), false)
	assert.ErrorIs(t, err, ErrInvalidFallback)
}

func TestPartialSnapshotCompletedFromPreviousEntry(t *testing.T) {
	b := &fakeBuilder{snap: liveSnapshot(100, 110, 112)}
	l, clock := newTestLayer(b)

	_, err := l.GetRates(context.Background(), false)
	require.NoError(t, err)

	partial := liveSnapshot(101, 111, 0)
	partial.GenericRates = map[string]float64{}
	b.set(partial, nil)
	clock.Advance(5 * time.Minute)

	res, err := l.GetRates(context.Background(), false)
	require.NoError(t, err)
	require.NotNil(t, res.Snapshot.P2P)
	assert.Equal(t, 112.0, res.Snapshot.P2P.Value)
	assert.Equal(t, "Binance P2P", res.Snapshot.P2P.Source)
	assert.Equal(t, 101.0, res.Snapshot.Official.Value)
	assert.Equal(t, 0.95, res.Snapshot.GenericRates["EUR"])
	assert.False(t, res.Snapshot.IsFallback)
}

func TestPartialSnapshotCompletedFromStaticTable(t *testing.T) {
	b := &fakeBuilder{snap: liveSnapshot(100, 0, 0)}
	l, _ := newTestLayer(b)

	res, err := l.GetRates(context.Background(), false)
	require.NoError(t, err)

	assert.Empty(t, res.Snapshot.Missing())
	assert.Equal(t, "BCV", res.Snapshot.Official.Source)
	assert.Equal(t, fallback.Source, res.Snapshot.Parallel.Source)
	assert.Equal(t, model.ConfidenceLow, res.Snapshot.Parallel.Confidence)
	assert.Equal(t, fallback.Source, res.Snapshot.P2P.Source)
	assert.False(t, res.Snapshot.IsFallback)
}

func TestMissingCurrenciesFilledPerCode(t *testing.T) {
	full := liveSnapshot(100, 110, 112)
	full.GenericRates = map[string]float64{"USD": 1, "EUR": 0.95, "MXN": 18.2, "COP": 4100}
	b := &fakeBuilder{snap: full}
	l, clock := newTestLayer(b)

	_, err := l.GetRates(context.Background(), false)
	require.NoError(t, err)

	// currency source down, EUR still answered by the secondary lookup
	partial := liveSnapshot(101, 111, 113)
	partial.GenericRates = map[string]float64{"USD": 1, "EUR": 0.91}
	b.set(partial, nil)
	clock.Advance(5 * time.Minute)

	res, err := l.GetRates(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, TierLive, res.Tier)

	rates := res.Snapshot.GenericRates
	assert.Equal(t, 0.91, rates["EUR"])
	assert.Equal(t, 18.2, rates["MXN"])
	assert.Equal(t, 4100.0, rates["COP"])
	assert.Equal(t, fallback.Rates()["GTQ"], rates["GTQ"])
	for _, c := range types.SupportedCurrencies {
		assert.Greater(t, rates[string(c.Code)], 0.0, c.Code)
	}

	converted, err := res.Snapshot.Convert(100, "USD", "MXN")
	require.NoError(t, err)
	assert.Equal(t, 1820.0, converted)
	assert.False(t, res.Snapshot.IsFallback)
}

func TestMissingCurrenciesFromStaticAfterStaleWindow(t *testing.T) {
	full := liveSnapshot(100, 110, 112)
	full.GenericRates = map[string]float64{"USD": 1, "MXN": 18.2}
	b := &fakeBuilder{snap: full}
	l, clock := newTestLayer(b)

	_, err := l.GetRates(context.Background(), false)
	require.NoError(t, err)

	partial := liveSnapshot(101, 111, 113)
	partial.GenericRates = map[string]float64{"USD": 1, "EUR": 0.91}
	b.set(partial, nil)
	clock.Advance(25 * time.Hour)

	res, err := l.GetRates(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, fallback.Rates()["MXN"], res.Snapshot.GenericRates["MXN"])
	assert.Equal(t, 0.91, res.Snapshot.GenericRates["EUR"])
}

func TestConcurrentMissesShareOneBuild(t *testing.T) {
	b := &fakeBuilder{snap: liveSnapshot(100, 110, 112), block: make(chan struct{})}
	l, _ := newTestLayer(b)

	const callers = 10
	var wg sync.WaitGroup
	results := make(chan Result, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := l.GetRates(context.Background(), false)
			assert.NoError(t, err)
			results <- res
		}()
	}

	require.Eventually(t, func() bool { return b.Calls() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(b.block)
	wg.Wait()
	close(results)

	assert.Equal(t, 1, b.Calls())
	for res := range results {
		assert.Equal(t, 100.0, res.Snapshot.Official.Value)
	}
}

func TestCancelledCallerDegrades(t *testing.T) {
	b := &fakeBuilder{snap: liveSnapshot(100, 110, 112), block: make(chan struct{})}
	l, _ := newTestLayer(b)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	res, err := l.GetRates(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, TierStatic, res.Tier)

	// the detached build still lands in the cache
	close(b.block)
	require.Eventually(t, func() bool { return l.Status().HasEntry }, time.Second, 5*time.Millisecond)

	res, err = l.GetRates(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, TierFresh, res.Tier)
}

func TestObserverReceivesLiveSnapshots(t *testing.T) {
	b := &fakeBuilder{snap: liveSnapshot(100, 110, 112)}
	l, _ := newTestLayer(b)

	var seen []*model.RateSnapshot
	l.OnSnapshot(func(s *model.RateSnapshot) { seen = append(seen, s) })

	_, err := l.GetRates(context.Background(), false)
	require.NoError(t, err)
	_, err = l.GetRates(context.Background(), false)
	require.NoError(t, err)

	require.Len(t, seen, 1)
	assert.Equal(t, 110.0, seen[0].Parallel.Value)
}

func TestInvalidateAndStatus(t *testing.T) {
	b := &fakeBuilder{snap: liveSnapshot(100, 110, 112)}
	l, clock := newTestLayer(b)

	st := l.Status()
	assert.False(t, st.HasEntry)
	assert.Equal(t, "2m0s", st.FreshTTL)

	_, err := l.GetRates(context.Background(), false)
	require.NoError(t, err)
	clock.Advance(3 * time.Minute)

	b.set(nil, errAllFailed)
	_, err = l.GetRates(context.Background(), false)
	require.NoError(t, err)

	st = l.Status()
	assert.True(t, st.HasEntry)
	assert.False(t, st.Fresh)
	assert.True(t, st.Stale)
	assert.Equal(t, 180.0, st.AgeSeconds)
	assert.Equal(t, TierStale, st.LastTier)
	assert.Equal(t, uint64(2), st.Builds)
	assert.Equal(t, uint64(1), st.BuildErrors)
	assert.Equal(t, uint64(1), st.StaleServed)

	l.Invalidate()
	assert.False(t, l.Status().HasEntry)

	res, err := l.GetRates(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, TierStatic, res.Tier)
}

func TestRunRefreshesUntilCancelled(t *testing.T) {
	b := &fakeBuilder{snap: liveSnapshot(100, 110, 112)}
	l := New(b, time.Hour, 24*time.Hour, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.Run(ctx, 10*time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool { return b.Calls() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("refresher did not stop")
	}
}
