// Package scoring ranks candidate actions by expected profit. The model is
// the single swap point for a learned propensity model.
package scoring

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/faredown/bargain/internal/core"
)

// Engine scores and ranks candidates with a Model.
type Engine struct {
	model Model
}

// NewEngine returns an engine using m, or HeuristicModel when m is nil.
func NewEngine(m Model) *Engine {
	if m == nil {
		m = HeuristicModel{}
	}
	return &Engine{model: m}
}

// ModelName identifies the model behind this engine.
func (e *Engine) ModelName() string {
	return e.model.Name()
}

const (
	probabilityPlaces = 6
	profitPlaces      = 4
)

type ranked struct {
	action core.CandidateAction
	est    Estimate
}

// ScoreCandidates returns the actions enriched and ordered by expected profit
// descending. Ordering uses the model's unrounded values; equal values keep
// their input order. The reported probability and profit are rounded.
func (e *Engine) ScoreCandidates(actions []core.CandidateAction, s core.Session) []core.ScoredAction {
	rs := make([]ranked, len(actions))
	for i, a := range actions {
		rs[i] = ranked{action: a, est: e.model.Score(a, s)}
	}
	sort.SliceStable(rs, func(i, j int) bool {
		return rs[i].est.ExpectedProfit.GreaterThan(rs[j].est.ExpectedProfit)
	})

	scored := make([]core.ScoredAction, len(rs))
	for i, r := range rs {
		profit := r.est.ExpectedProfit.Round(profitPlaces)
		scored[i] = core.ScoredAction{
			CandidateAction:       r.action,
			AcceptanceProbability: decimal.NewFromFloat(r.est.AcceptanceProbability).Round(probabilityPlaces).InexactFloat64(),
			ExpectedProfit:        profit,
			Score:                 profit,
		}
	}
	return scored
}

// PickBest returns the top-ranked action; ok is false for an empty ranking.
func PickBest(ranked []core.ScoredAction) (best core.ScoredAction, ok bool) {
	if len(ranked) == 0 {
		return core.ScoredAction{}, false
	}
	return ranked[0], true
}
