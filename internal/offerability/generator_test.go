package offerability

import (
	"testing"

	"github.com/faredown/bargain/internal/core"
	"github.com/faredown/bargain/internal/policy"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func prices(actions []core.CandidateAction) []string {
	out := make([]string, len(actions))
	for i, a := range actions {
		out[i] = a.Price.StringFixed(2)
	}
	return out
}

func hotelSession() core.Session {
	return core.Session{
		SessionID:         "sess-1",
		CanonicalKey:      "hotel:BOM:2025-10-01",
		DisplayedPriceUsd: d("200"),
		TrueCostUsd:       d("150"),
		MinFloor:          d("0"),
	}
}

func TestBuild_HotelScenario(t *testing.T) {
	fs := NewGenerator().Build(policy.Default(), hotelSession())

	assert.Equal(t, core.ProductHotel, fs.ProductType)
	assert.True(t, fs.MinPrice.Equal(d("154")), "min price %s", fs.MinPrice)
	assert.True(t, fs.MaxPrice.Equal(d("200")))
	assert.True(t, fs.MaxDiscountUsd.Equal(d("40")))
	assert.Equal(t,
		[]string{"154.00", "161.67", "169.33", "177.00", "184.67", "192.33"},
		prices(fs.Actions))

	for i, a := range fs.Actions {
		assert.Equal(t, core.ActionCounterOffer, a.Type)
		assert.InDelta(t, 0.70+0.05*float64(i), a.Confidence, 1e-9)
	}
}

func TestBuild_BareKeyIsItsOwnProduct(t *testing.T) {
	s := hotelSession()
	s.CanonicalKey = "HOTEL"

	fs := NewGenerator().Build(policy.Default(), s)
	assert.Equal(t, core.ProductHotel, fs.ProductType)
	assert.True(t, fs.MinPrice.Equal(d("154")), "hotel margin of 4 applies, got %s", fs.MinPrice)
}

func TestBuild_UnknownProductUsesFlightRule(t *testing.T) {
	s := hotelSession()
	s.CanonicalKey = "cruise:MED:7N"

	fs := NewGenerator().Build(policy.Default(), s)
	assert.Equal(t, core.ProductType("cruise"), fs.ProductType)
	assert.True(t, fs.MinPrice.Equal(d("156")), "flight margin of 6 applies")
}

func TestBuild_FloorDominatesMargin(t *testing.T) {
	s := hotelSession()
	s.MinFloor = d("180")

	fs := NewGenerator().Build(policy.Default(), s)
	assert.True(t, fs.MinPrice.Equal(d("180")))
	assert.Equal(t, "180.00", prices(fs.Actions)[0])
}

func TestBuild_EmptyBand(t *testing.T) {
	s := hotelSession()
	s.TrueCostUsd = d("197")

	fs := NewGenerator().Build(policy.Default(), s)
	assert.True(t, fs.Empty())
	assert.Empty(t, NewGenerator().BuildFeasibleSet(policy.Default(), s))
}

func TestBuild_DegenerateBand(t *testing.T) {
	s := hotelSession()
	s.TrueCostUsd = d("196")

	actions := NewGenerator().BuildFeasibleSet(policy.Default(), s)
	require.Len(t, actions, PricePoints)
	for _, a := range actions {
		assert.True(t, a.Price.Equal(d("200")))
	}
}

func TestBuild_SubCentBoundsStayInside(t *testing.T) {
	s := core.Session{
		SessionID:         "sess-2",
		CanonicalKey:      "flight:DEL-BOM",
		DisplayedPriceUsd: d("100.019"),
		TrueCostUsd:       d("94.001"),
	}

	fs := NewGenerator().Build(policy.Default(), s)
	require.False(t, fs.Empty())
	for _, a := range fs.Actions {
		assert.True(t, fs.Contains(a.Price), "%s outside [%s, %s]", a.Price, fs.MinPrice, fs.MaxPrice)
		assert.True(t, a.Price.Equal(a.Price.Round(2)))
	}
}

func TestSnap_DropsPointWhenNoCentFits(t *testing.T) {
	_, ok := snap(d("10.005"), d("10.001"), d("10.009"))
	assert.False(t, ok)

	p, ok := snap(d("10.004"), d("10.001"), d("10.019"))
	require.True(t, ok)
	assert.True(t, p.Equal(d("10.01")))
}

// ============================================================================
// PROPERTIES
// ============================================================================

func TestBuild_NeverLossProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 300
	properties := gopter.NewProperties(parameters)
	gen0 := NewGenerator()
	pol := policy.Default()
	products := []string{"flight", "hotel", "sightseeing", "cruise"}

	properties.Property("every candidate respects the floor and the displayed price", prop.ForAll(
		func(displayedCents, costCents, floorCents int64, product int) bool {
			s := core.Session{
				SessionID:         "prop",
				CanonicalKey:      products[product] + ":X",
				DisplayedPriceUsd: decimal.New(displayedCents, -2),
				TrueCostUsd:       decimal.New(costCents, -2),
				MinFloor:          decimal.New(floorCents, -2),
			}
			rule := pol.RuleFor(s.Product())
			floor := decimal.Max(s.TrueCostUsd.Add(rule.MinMarginUsd), s.MinFloor)

			fs := gen0.Build(pol, s)
			if floor.GreaterThan(s.DisplayedPriceUsd) {
				return fs.Empty()
			}
			for _, a := range fs.Actions {
				if a.Price.LessThan(s.TrueCostUsd.Add(rule.MinMarginUsd)) ||
					a.Price.LessThan(s.MinFloor) ||
					a.Price.GreaterThan(s.DisplayedPriceUsd) {
					return false
				}
			}
			return len(fs.Actions) <= PricePoints
		},
		gen.Int64Range(1, 500000),
		gen.Int64Range(0, 500000),
		gen.Int64Range(0, 500000),
		gen.IntRange(0, len(products)-1),
	))

	properties.Property("floor equal to cost plus margin is admissible", prop.ForAll(
		func(costCents int64) bool {
			cost := decimal.New(costCents, -2)
			s := core.Session{
				SessionID:         "prop",
				CanonicalKey:      "hotel:X",
				DisplayedPriceUsd: cost.Add(d("50")),
				TrueCostUsd:       cost,
				MinFloor:          cost.Add(d("4")),
			}
			fs := gen0.Build(pol, s)
			return !fs.Empty() && fs.Actions[0].Price.Equal(cost.Add(d("4")))
		},
		gen.Int64Range(0, 1000000),
	))

	properties.Property("generation is deterministic", prop.ForAll(
		func(displayedCents, costCents int64) bool {
			s := core.Session{
				SessionID:         "prop",
				CanonicalKey:      "flight:X",
				DisplayedPriceUsd: decimal.New(displayedCents, -2),
				TrueCostUsd:       decimal.New(costCents, -2),
			}
			a := gen0.BuildFeasibleSet(pol, s)
			b := gen0.BuildFeasibleSet(pol, s)
			if len(a) != len(b) {
				return false
			}
			for i := range a {
				if !a[i].Price.Equal(b[i].Price) || a[i].Confidence != b[i].Confidence {
					return false
				}
			}
			return true
		},
		gen.Int64Range(1, 200000),
		gen.Int64Range(0, 200000),
	))

	properties.TestingRun(t)
}
