package policy

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/faredown/bargain/internal/circuitbreaker"
	"github.com/prometheus/client_golang/prometheus"
)

// ErrNotCached is returned by FastCache.Get on a miss.
var ErrNotCached = errors.New("policy not cached")

// FastCache is the shared low-latency policy cache (Redis in production).
// It stores the parsed policy without expiry; the Store enforces the TTL.
type FastCache interface {
	Get(ctx context.Context) (*Policy, error)
	Put(ctx context.Context, p *Policy) error
	Delete(ctx context.Context) error
}

// ErrNoActivePolicy is returned by Source.LoadActive when no active record
// exists. The store treats it as "use the default", not as a failure.
var ErrNoActivePolicy = errors.New("no active policy")

// Source is the durable policy store.
type Source interface {
	LoadActive(ctx context.Context) (*Policy, error)
}

// Origin reports where a cached policy came from.
type Origin string

const (
	SourceNone      Origin = "none"
	SourceFastCache Origin = "fast_cache"
	SourceDurable   Origin = "durable"
	SourceDefault   Origin = "default"
)

// Options tune the Store. Zero values take the defaults below.
type Options struct {
	// TTL is how long a loaded policy is served from memory.
	TTL time.Duration
	// FailureTTL is how long the default policy is served after a failed
	// refresh before the durable store is tried again.
	FailureTTL time.Duration
	// FetchTimeout bounds the whole refresh (fast cache + durable read).
	FetchTimeout time.Duration
	// Breaker, if set, guards the durable read.
	Breaker *circuitbreaker.CircuitBreaker
	// Refreshes, if set, counts refreshes by source.
	Refreshes *prometheus.CounterVec
	// Now overrides the clock.
	Now func() time.Time
}

const (
	DefaultTTL          = 5 * time.Minute
	DefaultFailureTTL   = 30 * time.Second
	DefaultFetchTimeout = 150 * time.Millisecond
)

type entry struct {
	policy   *Policy
	source   Origin
	loadedAt time.Time
	ttl      time.Duration
}

// Store serves the active policy from memory, refreshing it from the fast
// cache, then the durable store, then the built-in default. Reads never
// block; concurrent refreshes may race and the last one wins, which is
// harmless because every candidate is a complete, immutable Policy.
type Store struct {
	cache   FastCache
	source  Source
	opts    Options
	current atomic.Pointer[entry]
}

// NewStore creates a store. cache and source may be nil.
func NewStore(cache FastCache, source Source, opts Options) *Store {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.FailureTTL <= 0 {
		opts.FailureTTL = DefaultFailureTTL
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = DefaultFetchTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{cache: cache, source: source, opts: opts}
}

// LoadPolicy returns the active policy. It never fails: any fetch or parse
// error is logged and the built-in default is returned instead.
func (s *Store) LoadPolicy(ctx context.Context) *Policy {
	now := s.opts.Now()
	if e := s.current.Load(); e != nil && now.Sub(e.loadedAt) < e.ttl {
		return e.policy
	}

	e, failed := s.refresh(ctx, now)
	if failed && ctx.Err() != nil {
		// a caller that gave up must not pin the default for everyone else
		return e.policy
	}
	s.current.Store(e)
	if s.opts.Refreshes != nil {
		s.opts.Refreshes.WithLabelValues(string(e.source)).Inc()
	}
	return e.policy
}

// Peek returns the cached policy, possibly expired, or nil if nothing has
// been loaded. It never triggers a refresh.
func (s *Store) Peek() *Policy {
	if e := s.current.Load(); e != nil {
		return e.policy
	}
	return nil
}

// LastSource reports where the cached policy came from.
func (s *Store) LastSource() Origin {
	if e := s.current.Load(); e != nil {
		return e.source
	}
	return SourceNone
}

// Invalidate drops the in-memory policy and the fast-cache entry so the next
// LoadPolicy re-reads the durable store.
func (s *Store) Invalidate(ctx context.Context) {
	s.current.Store(nil)
	if s.cache == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, s.opts.FetchTimeout)
	defer cancel()
	if err := s.cache.Delete(ctx); err != nil {
		slog.Warn("[PolicyStore] Failed to clear fast cache", "error", err)
	}
	slog.Info("[PolicyStore] Policy cache invalidated")
}

// refresh reports whether it degraded to the default because a backend
// failed. It runs detached from the caller's cancellation: the result is
// shared, so one request going away must not decide it.
func (s *Store) refresh(ctx context.Context, now time.Time) (*entry, bool) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.FetchTimeout)
	defer cancel()

	failed := false

	if s.cache != nil {
		p, err := s.cache.Get(ctx)
		switch {
		case errors.Is(err, ErrNotCached):
		case err != nil:
			failed = true
			slog.Warn("[PolicyStore] Fast cache read failed", "error", err)
		default:
			verr := p.Validate()
			if verr == nil {
				return &entry{policy: p, source: SourceFastCache, loadedAt: now, ttl: s.opts.TTL}, false
			}
			slog.Warn("[PolicyStore] Discarding invalid policy from fast cache", "error", verr)
		}
	}

	if s.source != nil {
		p, err := s.loadDurable(ctx)
		switch {
		case errors.Is(err, ErrNoActivePolicy):
			slog.Info("[PolicyStore] No active policy record, using default")
		case err != nil:
			failed = true
			slog.Warn("[PolicyStore] Durable policy read failed, using default", "error", err)
		default:
			s.warm(ctx, p)
			slog.Info("[PolicyStore] Loaded policy from durable store", "version", p.Version)
			return &entry{policy: p, source: SourceDurable, loadedAt: now, ttl: s.opts.TTL}, false
		}
	}

	ttl := s.opts.TTL
	if failed {
		ttl = s.opts.FailureTTL
	}
	return &entry{policy: Default(), source: SourceDefault, loadedAt: now, ttl: ttl}, failed
}

func (s *Store) loadDurable(ctx context.Context) (*Policy, error) {
	if s.opts.Breaker == nil {
		return s.source.LoadActive(ctx)
	}
	var p *Policy
	var missing bool
	err := s.opts.Breaker.Execute(ctx, func(ctx context.Context) error {
		var lerr error
		p, lerr = s.source.LoadActive(ctx)
		if errors.Is(lerr, ErrNoActivePolicy) {
			// an empty table is a healthy answer, not a breaker failure
			missing = true
			return nil
		}
		return lerr
	})
	if missing {
		return nil, ErrNoActivePolicy
	}
	return p, err
}

func (s *Store) warm(ctx context.Context, p *Policy) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Put(ctx, p); err != nil {
		slog.Warn("[PolicyStore] Failed to warm fast cache", "error", err)
	}
}
