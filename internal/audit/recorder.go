package audit

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/faredown/bargain/internal/core"
	"github.com/faredown/bargain/internal/negotiation"
	"github.com/shopspring/decimal"
)

type job struct {
	session core.Session
	outcome *negotiation.Outcome
	at      time.Time
}

// Recorder persists negotiation outcomes off the request path. It implements
// negotiation.Observer; a full queue drops the record rather than blocking.
type Recorder struct {
	store   Store
	timeout time.Duration
	queue   chan job

	mu      sync.RWMutex
	closed  bool
	wg      sync.WaitGroup
	dropped atomic.Int64
	written atomic.Int64
}

// NewRecorder starts one background writer.
func NewRecorder(store Store, buffer int, writeTimeout time.Duration) *Recorder {
	if buffer <= 0 {
		buffer = 1024
	}
	if writeTimeout <= 0 {
		writeTimeout = 2 * time.Second
	}
	r := &Recorder{
		store:   store,
		timeout: writeTimeout,
		queue:   make(chan job, buffer),
	}
	r.wg.Add(1)
	go r.worker()
	return r
}

func (r *Recorder) Observe(s core.Session, o *negotiation.Outcome) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- job{session: s, outcome: o, at: time.Now().UTC()}:
	default:
		r.dropped.Add(1)
		slog.Warn("[Audit] Queue full, dropping record", "session_id", s.SessionID)
	}
}

// Dropped is the number of records lost to a full queue.
func (r *Recorder) Dropped() int64 { return r.dropped.Load() }

// Written is the number of outcomes fully persisted.
func (r *Recorder) Written() int64 { return r.written.Load() }

// Close stops accepting records and waits for the queue to drain.
func (r *Recorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *Recorder) worker() {
	defer r.wg.Done()
	for j := range r.queue {
		r.persist(j)
	}
}

func (r *Recorder) persist(j job) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	o := j.outcome
	e := Event{
		SessionID: j.session.SessionID,
		ElapsedMs: o.Elapsed.Milliseconds(),
		CreatedAt: j.at,
	}
	if o.Signed() {
		if err := r.store.SaveCapsule(ctx, j.session.SessionID, o.Decision); err != nil {
			slog.Error("[Audit] Failed to store capsule", "session_id", j.session.SessionID, "error", err)
			return
		}
		e.EventType = EventOfferDecided
		e.Outcome = string(o.Chosen.Type)
		e.CounterPrice = decimal.NullDecimal{Decimal: o.Chosen.Price, Valid: true}
	} else {
		e.EventType = EventOfferAborted
		e.Outcome = "aborted"
		if o.Abort != nil {
			e.Reason = string(o.Abort.Reason)
		}
	}

	if err := r.store.SaveEvent(ctx, e); err != nil {
		slog.Error("[Audit] Failed to store event", "session_id", j.session.SessionID, "error", err)
		return
	}
	r.written.Add(1)
}
