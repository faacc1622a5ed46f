package policy

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/faredown/bargain/internal/circuitbreaker"
	"github.com/faredown/bargain/internal/core"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// FAKES
// ============================================================================

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 10, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeCache struct {
	mu      sync.Mutex
	policy  *Policy
	getErr  error
	puts    int
	deletes int
}

func (f *fakeCache) Get(ctx context.Context) (*Policy, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	if f.policy == nil {
		return nil, ErrNotCached
	}
	return f.policy, nil
}

func (f *fakeCache) Put(ctx context.Context, p *Policy) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.policy = p
	f.puts++
	return nil
}

func (f *fakeCache) Delete(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.policy = nil
	f.deletes++
	return nil
}

type fakeSource struct {
	calls atomic.Int32
	load  func(ctx context.Context) (*Policy, error)
}

func (f *fakeSource) LoadActive(ctx context.Context) (*Policy, error) {
	f.calls.Add(1)
	return f.load(ctx)
}

func versioned(v string) *Policy {
	p := Default()
	p.Version = v
	return p
}

func staticSource(p *Policy) *fakeSource {
	return &fakeSource{load: func(context.Context) (*Policy, error) { return p, nil }}
}

// ============================================================================
// TTL
// ============================================================================

func TestStore_ServesFromMemoryWithinTTL(t *testing.T) {
	clock := newFakeClock()
	src := staticSource(versioned("v7"))
	store := NewStore(nil, src, Options{Now: clock.Now})

	first := store.LoadPolicy(context.Background())
	clock.Advance(4 * time.Minute)
	second := store.LoadPolicy(context.Background())

	assert.Same(t, first, second, "same reference within TTL")
	assert.Equal(t, int32(1), src.calls.Load(), "durable store queried once")
	assert.Equal(t, SourceDurable, store.LastSource())
}

func TestStore_RefreshesOnceAfterTTL(t *testing.T) {
	clock := newFakeClock()
	src := staticSource(versioned("v7"))
	store := NewStore(nil, src, Options{Now: clock.Now})

	store.LoadPolicy(context.Background())
	clock.Advance(5*time.Minute + time.Second)
	store.LoadPolicy(context.Background())
	store.LoadPolicy(context.Background())

	assert.Equal(t, int32(2), src.calls.Load(), "exactly one refresh after expiry")
}

// ============================================================================
// FALLBACK CHAIN
// ============================================================================

func TestStore_FastCacheHitSkipsDurable(t *testing.T) {
	cache := &fakeCache{policy: versioned("cached")}
	src := staticSource(versioned("durable"))
	store := NewStore(cache, src, Options{})

	p := store.LoadPolicy(context.Background())

	assert.Equal(t, "cached", p.Version)
	assert.Equal(t, int32(0), src.calls.Load())
	assert.Equal(t, SourceFastCache, store.LastSource())
}

func TestStore_DurableHitWarmsFastCache(t *testing.T) {
	cache := &fakeCache{}
	store := NewStore(cache, staticSource(versioned("v9")), Options{})

	p := store.LoadPolicy(context.Background())

	assert.Equal(t, "v9", p.Version)
	assert.Equal(t, 1, cache.puts)
	require.NotNil(t, cache.policy)
	assert.Equal(t, "v9", cache.policy.Version)
}

func TestStore_InvalidCachedPolicyFallsThrough(t *testing.T) {
	bad := Default()
	bad.MaxRounds = 0
	cache := &fakeCache{policy: bad}
	store := NewStore(cache, staticSource(versioned("v2")), Options{})

	assert.Equal(t, "v2", store.LoadPolicy(context.Background()).Version)
}

func TestStore_NoRecordUsesDefault(t *testing.T) {
	clock := newFakeClock()
	src := &fakeSource{load: func(context.Context) (*Policy, error) { return nil, ErrNoActivePolicy }}
	store := NewStore(nil, src, Options{Now: clock.Now})

	p := store.LoadPolicy(context.Background())
	assert.Equal(t, DefaultVersion, p.Version)
	assert.Equal(t, SourceDefault, store.LastSource())

	// an empty table is a healthy answer: the full TTL applies
	clock.Advance(time.Minute)
	store.LoadPolicy(context.Background())
	assert.Equal(t, int32(1), src.calls.Load())
}

func TestStore_FailureDegradesAndRetriesAfterFailureTTL(t *testing.T) {
	clock := newFakeClock()
	src := &fakeSource{load: func(context.Context) (*Policy, error) {
		return nil, errors.New("connection refused")
	}}
	store := NewStore(&fakeCache{getErr: errors.New("redis down")}, src, Options{Now: clock.Now})

	p := store.LoadPolicy(context.Background())
	require.NotNil(t, p)
	assert.Equal(t, DefaultVersion, p.Version)

	clock.Advance(10 * time.Second)
	store.LoadPolicy(context.Background())
	assert.Equal(t, int32(1), src.calls.Load(), "degraded default cached")

	clock.Advance(DefaultFailureTTL)
	store.LoadPolicy(context.Background())
	assert.Equal(t, int32(2), src.calls.Load(), "retried after failure TTL")
}

func TestStore_NoBackendsUsesDefault(t *testing.T) {
	store := NewStore(nil, nil, Options{})
	assert.Nil(t, store.Peek())
	assert.Equal(t, SourceNone, store.LastSource())

	p := store.LoadPolicy(context.Background())
	assert.Equal(t, DefaultVersion, p.Version)
	assert.Same(t, p, store.Peek())
}

func TestStore_FetchTimeoutBoundsDurableRead(t *testing.T) {
	src := &fakeSource{load: func(ctx context.Context) (*Policy, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	store := NewStore(nil, src, Options{FetchTimeout: 20 * time.Millisecond})

	start := time.Now()
	p := store.LoadPolicy(context.Background())

	assert.Equal(t, DefaultVersion, p.Version)
	assert.Less(t, time.Since(start), time.Second)
}

func TestStore_CancelledCallerDoesNotDegradeSharedPolicy(t *testing.T) {
	src := &fakeSource{load: func(ctx context.Context) (*Policy, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return versioned("v7"), nil
	}}
	breaker := circuitbreaker.New(circuitbreaker.Config{Name: "policy", FailureThreshold: 1})
	store := NewStore(nil, src, Options{Breaker: breaker})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	first := store.LoadPolicy(ctx)
	second := store.LoadPolicy(context.Background())

	assert.Equal(t, "v7", first.Version, "refresh is detached from the caller")
	assert.Equal(t, "v7", second.Version)
	assert.Equal(t, SourceDurable, store.LastSource())
	assert.Equal(t, int32(1), src.calls.Load())
	assert.Equal(t, circuitbreaker.StateClosed, breaker.State())
}

func TestStore_FailureSeenByCancelledCallerIsNotCached(t *testing.T) {
	var healthy atomic.Bool
	src := &fakeSource{load: func(context.Context) (*Policy, error) {
		if healthy.Load() {
			return versioned("v7"), nil
		}
		return nil, errors.New("connection refused")
	}}
	store := NewStore(nil, src, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := store.LoadPolicy(ctx)
	assert.Equal(t, DefaultVersion, p.Version)
	assert.Nil(t, store.Peek(), "degraded default not cached for a departed caller")

	healthy.Store(true)
	p = store.LoadPolicy(context.Background())
	assert.Equal(t, "v7", p.Version)
	assert.Equal(t, int32(2), src.calls.Load())
}

// ============================================================================
// CIRCUIT BREAKER
// ============================================================================

func TestStore_OpenBreakerSkipsDurable(t *testing.T) {
	clock := newFakeClock()
	src := &fakeSource{load: func(context.Context) (*Policy, error) {
		return nil, errors.New("timeout")
	}}
	breaker := circuitbreaker.New(circuitbreaker.Config{Name: "policy-source", FailureThreshold: 2, CoolDown: time.Hour})
	store := NewStore(nil, src, Options{Now: clock.Now, Breaker: breaker})

	for i := 0; i < 4; i++ {
		store.LoadPolicy(context.Background())
		clock.Advance(DefaultFailureTTL + time.Second)
	}

	assert.Equal(t, circuitbreaker.StateOpen, breaker.State())
	assert.Equal(t, int32(2), src.calls.Load(), "open breaker rejects further reads")
	assert.Equal(t, DefaultVersion, store.Peek().Version)
}

func TestStore_NoRecordDoesNotTripBreaker(t *testing.T) {
	clock := newFakeClock()
	src := &fakeSource{load: func(context.Context) (*Policy, error) { return nil, ErrNoActivePolicy }}
	breaker := circuitbreaker.New(circuitbreaker.Config{Name: "policy-source", FailureThreshold: 1})
	store := NewStore(nil, src, Options{Now: clock.Now, Breaker: breaker})

	store.LoadPolicy(context.Background())
	clock.Advance(DefaultTTL + time.Second)
	store.LoadPolicy(context.Background())

	assert.Equal(t, circuitbreaker.StateClosed, breaker.State())
	assert.Equal(t, int32(2), src.calls.Load())
}

// ============================================================================
// INVALIDATION, METRICS, CONCURRENCY
// ============================================================================

func TestStore_InvalidateForcesDurableReload(t *testing.T) {
	cache := &fakeCache{}
	current := versioned("v1")
	var mu sync.Mutex
	src := &fakeSource{load: func(context.Context) (*Policy, error) {
		mu.Lock()
		defer mu.Unlock()
		return current, nil
	}}
	store := NewStore(cache, src, Options{})

	assert.Equal(t, "v1", store.LoadPolicy(context.Background()).Version)

	mu.Lock()
	current = versioned("v2")
	mu.Unlock()
	store.Invalidate(context.Background())

	assert.Nil(t, store.Peek())
	assert.Equal(t, 1, cache.deletes)
	assert.Equal(t, "v2", store.LoadPolicy(context.Background()).Version)
}

func TestStore_CountsRefreshesBySource(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	clock := newFakeClock()
	store := NewStore(nil, staticSource(versioned("v1")), Options{Now: clock.Now, Refreshes: m.Refreshes})

	store.LoadPolicy(context.Background())
	store.LoadPolicy(context.Background())

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Refreshes.WithLabelValues(string(SourceDurable))))
}

func TestStore_ConcurrentLoadsSeeCompletePolicies(t *testing.T) {
	clock := newFakeClock()
	store := NewStore(nil, staticSource(versioned("v1")), Options{Now: clock.Now, TTL: time.Nanosecond})

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				p := store.LoadPolicy(context.Background())
				rule := p.RuleFor(core.ProductHotel)
				assert.True(t, rule.MinMarginUsd.Equal(decimal.NewFromInt(4)))
				clock.Advance(time.Millisecond)
			}
		}()
	}
	wg.Wait()
}
