// Package negotiation composes the policy store, feasibility generator,
// scoring engine and capsule signer into one bounded-latency decision per
// request.
//
// A request either ends SIGNED with a capsule or ABORTED with a reason. The
// latency guardrail wins over availability: a decision that would arrive
// late is discarded, never returned.
package negotiation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/faredown/bargain/internal/capsule"
	"github.com/faredown/bargain/internal/core"
	"github.com/faredown/bargain/internal/offerability"
	"github.com/faredown/bargain/internal/policy"
	"github.com/faredown/bargain/internal/scoring"
	"github.com/shopspring/decimal"
)

// PolicyLoader supplies the active policy. LoadPolicy never fails.
type PolicyLoader interface {
	LoadPolicy(ctx context.Context) *policy.Policy
	Peek() *policy.Policy
}

// CandidateBuilder lays out the feasible set for a session.
type CandidateBuilder interface {
	Build(p *policy.Policy, s core.Session) *offerability.FeasibleSet
}

// Ranker scores candidates, best first.
type Ranker interface {
	ScoreCandidates(actions []core.CandidateAction, s core.Session) []core.ScoredAction
	ModelName() string
}

// DecisionSigner turns a payload into a signed capsule.
type DecisionSigner interface {
	SignCapsule(payload any) (*capsule.SignedDecision, error)
}

// Observer is told about every finished negotiation. It must not block.
type Observer interface {
	Observe(s core.Session, o *Outcome)
}

// Orchestrator is safe for concurrent use.
type Orchestrator struct {
	policies  PolicyLoader
	generator CandidateBuilder
	ranker    Ranker
	signer    DecisionSigner
	metrics   *Metrics

	// Observer, if set, receives every outcome (signed or aborted).
	Observer Observer
	// Now overrides the clock used for elapsed-time checks.
	Now func() time.Time
}

// NewOrchestrator wires the pipeline. metrics may be nil.
func NewOrchestrator(policies PolicyLoader, generator CandidateBuilder, ranker Ranker, signer DecisionSigner, metrics *Metrics) *Orchestrator {
	return &Orchestrator{
		policies:  policies,
		generator: generator,
		ranker:    ranker,
		signer:    signer,
		metrics:   metrics,
		Now:       time.Now,
	}
}

type result struct {
	outcome *Outcome
	err     error
}

// progress is the trace shared between the pipeline goroutine and the
// caller, which reads it when the guardrail fires.
type progress struct {
	mu    sync.Mutex
	trace []State
}

func (p *progress) advance(s State) {
	p.mu.Lock()
	p.trace = append(p.trace, s)
	p.mu.Unlock()
}

func (p *progress) snapshot() []State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]State(nil), p.trace...)
}

// Negotiate runs one request through the state machine.
func (o *Orchestrator) Negotiate(ctx context.Context, s core.Session) (*Outcome, error) {
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSession, err)
	}

	start := o.Now()
	budget := o.initialBudget()
	prog := &progress{trace: []State{StateStart}}

	// Buffered so an abandoned pipeline can always deliver and exit.
	results := make(chan result, 1)
	budgets := make(chan time.Duration, 1)
	go func() {
		out, err := o.pipeline(ctx, s, start, budget, prog, budgets)
		results <- result{outcome: out, err: err}
	}()

	timer := time.NewTimer(budget)
	defer timer.Stop()

	for {
		select {
		case r := <-results:
			return o.finish(s, start, r.outcome, r.err)

		case b := <-budgets:
			remaining := b - o.Now().Sub(start)
			if remaining <= 0 {
				return o.finish(s, start, o.abort(s, start, prog.snapshot(), ReasonLatencyBudgetExceeded), nil)
			}
			timer.Reset(remaining)

		case <-timer.C:
			return o.finish(s, start, o.abort(s, start, prog.snapshot(), ReasonLatencyBudgetExceeded), nil)

		case <-ctx.Done():
			o.metrics.record("cancelled", "", o.Now().Sub(start).Seconds())
			return nil, fmt.Errorf("negotiation %s: %w", s.SessionID, ctx.Err())
		}
	}
}

// initialBudget is the guardrail in force before the policy is loaded: the
// cached policy's, or the default's on a cold start.
func (o *Orchestrator) initialBudget() time.Duration {
	if p := o.policies.Peek(); p != nil {
		return p.LatencyBudget()
	}
	return policy.Default().LatencyBudget()
}

func (o *Orchestrator) pipeline(
	ctx context.Context,
	s core.Session,
	start time.Time,
	budget time.Duration,
	prog *progress,
	budgets chan<- time.Duration,
) (*Outcome, error) {
	late := func() bool { return o.Now().Sub(start) > budget }
	abort := func(reason AbortReason) (*Outcome, error) {
		return o.abort(s, start, prog.snapshot(), reason), nil
	}

	// START -> POLICY_LOADED
	pol := o.policies.LoadPolicy(ctx)
	prog.advance(StatePolicyLoaded)
	if b := pol.LatencyBudget(); b != budget {
		budget = b
		budgets <- b
	}
	if late() {
		return abort(ReasonLatencyBudgetExceeded)
	}
	if s.CurrentRound() > pol.MaxRounds {
		return abort(ReasonMaxRoundsExceeded)
	}

	// POLICY_LOADED -> CANDIDATES_BUILT
	fs := o.generator.Build(pol, s)
	o.metrics.candidates(len(fs.Actions))
	if fs.Empty() {
		return abort(ReasonNoFeasiblePrice)
	}
	prog.advance(StateCandidatesBuilt)
	if late() {
		return abort(ReasonLatencyBudgetExceeded)
	}

	// CANDIDATES_BUILT -> SCORED
	chosen, ok := o.choose(fs, s)
	if !ok {
		return abort(ReasonNoFeasiblePrice)
	}
	prog.advance(StateScored)
	if late() {
		return abort(ReasonLatencyBudgetExceeded)
	}

	if !fs.Contains(chosen.Price) {
		if pol.NeverLoss {
			return nil, fmt.Errorf("%w: price %s outside [%s, %s] for session %s",
				ErrNeverLossViolation, chosen.Price, fs.MinPrice, fs.MaxPrice, s.SessionID)
		}
		slog.Warn("[Negotiation] Chosen price outside feasible band", "session_id", s.SessionID, "price", chosen.Price.String())
	}

	// SCORED -> SIGNED
	decision, err := o.signer.SignCapsule(DecisionPayload{
		SessionID:     s.SessionID,
		CanonicalKey:  s.CanonicalKey,
		ProductType:   fs.ProductType,
		Round:         s.CurrentRound(),
		Action:        chosen,
		UserOffer:     s.UserOffer,
		MinPrice:      fs.MinPrice,
		MaxPrice:      fs.MaxPrice,
		HoldMinutes:   fs.Rule.HoldMinutes,
		PolicyVersion: pol.Version,
		Model:         o.modelFor(chosen),
	})
	if err != nil {
		return nil, fmt.Errorf("session %s: %w", s.SessionID, err)
	}
	if late() {
		return abort(ReasonLatencyBudgetExceeded)
	}
	prog.advance(StateSigned)

	return &Outcome{
		State:         StateSigned,
		Decision:      decision,
		Chosen:        &chosen,
		PolicyVersion: pol.Version,
		Trace:         prog.snapshot(),
		Elapsed:       o.Now().Sub(start),
	}, nil
}

// choose accepts a user offer that clears the floor, otherwise returns the
// best-ranked counter-offer.
func (o *Orchestrator) choose(fs *offerability.FeasibleSet, s core.Session) (core.ScoredAction, bool) {
	if s.UserOffer != nil && s.UserOffer.GreaterThanOrEqual(fs.MinPrice) {
		price := decimal.Min(*s.UserOffer, fs.MaxPrice)
		profit := price.Sub(s.TrueCostUsd)
		return core.ScoredAction{
			CandidateAction: core.CandidateAction{
				Type:       core.ActionAccept,
				Price:      price,
				Confidence: 1,
			},
			AcceptanceProbability: 1,
			ExpectedProfit:        profit,
			Score:                 profit,
		}, true
	}
	return scoring.PickBest(o.ranker.ScoreCandidates(fs.Actions, s))
}

func (o *Orchestrator) modelFor(a core.ScoredAction) string {
	if a.Type == core.ActionAccept {
		return "user-offer"
	}
	return o.ranker.ModelName()
}

func (o *Orchestrator) abort(s core.Session, start time.Time, trace []State, reason AbortReason) *Outcome {
	elapsed := o.Now().Sub(start)
	return &Outcome{
		State: StateAborted,
		Abort: &Abort{
			Reason:    reason,
			SessionID: s.SessionID,
			LastState: trace[len(trace)-1],
			ElapsedMs: elapsed.Milliseconds(),
		},
		Trace:   append(trace, StateAborted),
		Elapsed: elapsed,
	}
}

func (o *Orchestrator) finish(s core.Session, start time.Time, out *Outcome, err error) (*Outcome, error) {
	seconds := o.Now().Sub(start).Seconds()
	if err != nil {
		o.metrics.record("error", "", seconds)
		slog.Error("[Negotiation] Request failed", "session_id", s.SessionID, "error", err)
		return nil, err
	}

	if out.Abort != nil {
		o.metrics.record("aborted", string(out.Abort.Reason), seconds)
		slog.Info("[Negotiation] Aborted",
			"session_id", s.SessionID,
			"reason", out.Abort.Reason,
			"last_state", out.Abort.LastState,
			"elapsed_ms", out.Abort.ElapsedMs,
		)
	} else {
		o.metrics.record("signed", "", seconds)
		slog.Debug("[Negotiation] Signed",
			"session_id", s.SessionID,
			"capsule_id", out.Decision.CapsuleID,
			"action", out.Chosen.Type,
			"price", out.Chosen.Price.StringFixed(2),
		)
	}

	if o.Observer != nil {
		o.Observer.Observe(s, out)
	}
	return out, nil
}
