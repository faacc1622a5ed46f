// Package offerability computes the band of prices the platform may counter
// with and lays out the candidate counter-offers inside it.
//
// Every candidate satisfies max(trueCost+minMargin, minFloor) <= price <=
// displayed. When that band is empty the set is empty and the caller must
// report "no viable offer".
package offerability

import (
	"github.com/faredown/bargain/internal/core"
	"github.com/faredown/bargain/internal/policy"
	"github.com/shopspring/decimal"
)

const (
	// PricePoints is the number of evenly spaced price points per band.
	PricePoints = 6

	baseConfidence = 0.70
	confidenceStep = 0.05
)

// FeasibleSet is the admissible band for one session and the candidates
// generated inside it, ordered from the floor upward.
type FeasibleSet struct {
	ProductType    core.ProductType       `json:"product_type"`
	MinPrice       decimal.Decimal        `json:"min_price"`
	MaxPrice       decimal.Decimal        `json:"max_price"`
	MaxDiscountUsd decimal.Decimal        `json:"max_discount_usd"`
	Rule           policy.PriceRule       `json:"rule"`
	Actions        []core.CandidateAction `json:"actions"`
}

// Empty reports whether no candidate could be generated.
func (fs *FeasibleSet) Empty() bool {
	return len(fs.Actions) == 0
}

// Contains reports whether price lies inside the band.
func (fs *FeasibleSet) Contains(price decimal.Decimal) bool {
	return price.GreaterThanOrEqual(fs.MinPrice) && price.LessThanOrEqual(fs.MaxPrice)
}

// Generator builds feasible sets. It is stateless.
type Generator struct{}

func NewGenerator() *Generator {
	return &Generator{}
}

// BuildFeasibleSet returns only the candidate actions.
func (g *Generator) BuildFeasibleSet(p *policy.Policy, s core.Session) []core.CandidateAction {
	return g.Build(p, s).Actions
}

// Build computes the band and its candidates.
func (g *Generator) Build(p *policy.Policy, s core.Session) *FeasibleSet {
	pt := s.Product()
	rule := p.RuleFor(pt)

	minPrice := decimal.Max(s.TrueCostUsd.Add(rule.MinMarginUsd), s.MinFloor)
	maxPrice := s.DisplayedPriceUsd

	fs := &FeasibleSet{
		ProductType:    pt,
		MinPrice:       minPrice,
		MaxPrice:       maxPrice,
		MaxDiscountUsd: s.DisplayedPriceUsd.Mul(rule.MaxDiscountPct).Round(2),
		Rule:           rule,
	}
	if minPrice.GreaterThan(maxPrice) {
		return fs
	}

	n := PricePoints
	step := maxPrice.Sub(minPrice).Div(decimal.NewFromInt(int64(n)))

	fs.Actions = make([]core.CandidateAction, 0, n)
	for i := 0; i < n; i++ {
		price, ok := snap(minPrice.Add(step.Mul(decimal.NewFromInt(int64(i)))), minPrice, maxPrice)
		if !ok {
			continue
		}
		fs.Actions = append(fs.Actions, core.CandidateAction{
			Type:       core.ActionCounterOffer,
			Price:      price,
			Confidence: baseConfidence + confidenceStep*float64(i),
		})
	}
	return fs
}

// snap rounds raw to cents without leaving [lo, hi]. Half-up rounding can
// push a point just past either bound when the bounds carry sub-cent
// precision; those points are rounded toward the inside instead, and dropped
// if no cent value fits.
func snap(raw, lo, hi decimal.Decimal) (decimal.Decimal, bool) {
	price := raw.Round(2)
	if price.LessThan(lo) {
		price = raw.RoundCeil(2)
	}
	if price.GreaterThan(hi) {
		price = raw.RoundFloor(2)
	}
	if price.LessThan(lo) || price.GreaterThan(hi) {
		return decimal.Decimal{}, false
	}
	return price, true
}
