package scoring

import (
	"github.com/faredown/bargain/internal/core"
	"github.com/shopspring/decimal"
)

// Estimate is a model's view of one candidate, at full precision. The engine
// ranks on these values and rounds only what it reports.
type Estimate struct {
	AcceptanceProbability float64
	ExpectedProfit        decimal.Decimal
}

// Model estimates how likely a shopper is to take a candidate and what it is
// worth. Implementations must be deterministic and safe for concurrent use.
type Model interface {
	Name() string
	Score(action core.CandidateAction, session core.Session) Estimate
}

var (
	minAcceptance = decimal.RequireFromString("0.1")
	maxAcceptance = decimal.RequireFromString("0.9")
	baseAccept    = decimal.RequireFromString("0.5")
	discountBoost = decimal.NewFromInt(2)
)

// HeuristicModel rewards deeper discounts and penalises margin:
//
//	p = clamp(0.5 + 2*discountPct - profit/displayed, 0.1, 0.9)
//	expectedProfit = profit * p
type HeuristicModel struct{}

func (HeuristicModel) Name() string { return "heuristic-v1" }

func (HeuristicModel) Score(a core.CandidateAction, s core.Session) Estimate {
	displayed := s.DisplayedPriceUsd
	if !displayed.IsPositive() {
		return Estimate{AcceptanceProbability: minAcceptance.InexactFloat64()}
	}
	discountPct := displayed.Sub(a.Price).Div(displayed)
	profit := a.Price.Sub(s.TrueCostUsd)

	p := baseAccept.Add(discountBoost.Mul(discountPct)).Sub(profit.Div(displayed))
	p = decimal.Min(decimal.Max(p, minAcceptance), maxAcceptance)

	return Estimate{
		AcceptanceProbability: p.InexactFloat64(),
		ExpectedProfit:        profit.Mul(p),
	}
}
