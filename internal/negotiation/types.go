package negotiation

import (
	"errors"
	"time"

	"github.com/faredown/bargain/internal/capsule"
	"github.com/faredown/bargain/internal/core"
	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidSession is returned for a structurally invalid session.
	ErrInvalidSession = errors.New("invalid negotiation session")
	// ErrNeverLossViolation is returned if a chosen price left the feasible
	// band. It indicates a bug, never a business outcome.
	ErrNeverLossViolation = errors.New("never-loss invariant violated")
)

// State is a step of the per-request state machine.
type State string

const (
	StateStart           State = "START"
	StatePolicyLoaded    State = "POLICY_LOADED"
	StateCandidatesBuilt State = "CANDIDATES_BUILT"
	StateScored          State = "SCORED"
	StateSigned          State = "SIGNED"
	StateAborted         State = "ABORTED"
)

// AbortReason explains an ABORTED outcome.
type AbortReason string

const (
	ReasonNoFeasiblePrice       AbortReason = "NO_FEASIBLE_PRICE"
	ReasonLatencyBudgetExceeded AbortReason = "LATENCY_BUDGET_EXCEEDED"
	ReasonMaxRoundsExceeded     AbortReason = "MAX_ROUNDS_EXCEEDED"
)

// Abort is the descriptor returned instead of a decision.
type Abort struct {
	Reason    AbortReason `json:"reason"`
	SessionID string      `json:"session_id"`
	// LastState is the last state reached before aborting.
	LastState State `json:"last_state"`
	ElapsedMs int64 `json:"elapsed_ms"`
}

// Outcome is the result of one negotiation: exactly one of Decision and
// Abort is set.
type Outcome struct {
	State         State                   `json:"state"`
	Decision      *capsule.SignedDecision `json:"decision,omitempty"`
	Abort         *Abort                  `json:"abort,omitempty"`
	Chosen        *core.ScoredAction      `json:"-"`
	PolicyVersion string                  `json:"policy_version,omitempty"`
	Trace         []State                 `json:"trace"`
	Elapsed       time.Duration           `json:"-"`
}

// Signed reports whether the outcome carries a decision.
func (o *Outcome) Signed() bool {
	return o != nil && o.State == StateSigned && o.Decision != nil
}

// DecisionPayload is the content signed into the capsule.
type DecisionPayload struct {
	SessionID     string            `json:"session_id"`
	CanonicalKey  string            `json:"canonical_key"`
	ProductType   core.ProductType  `json:"product_type"`
	Round         int               `json:"round"`
	Action        core.ScoredAction `json:"action"`
	UserOffer     *decimal.Decimal  `json:"user_offer,omitempty"`
	MinPrice      decimal.Decimal   `json:"min_price"`
	MaxPrice      decimal.Decimal   `json:"max_price"`
	HoldMinutes   int               `json:"hold_minutes,omitempty"`
	PolicyVersion string            `json:"policy_version"`
	Model         string            `json:"model"`
}
