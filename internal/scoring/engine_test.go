package scoring

import (
	"testing"

	"github.com/faredown/bargain/internal/core"
	"github.com/faredown/bargain/internal/offerability"
	"github.com/faredown/bargain/internal/policy"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func hotelSession() core.Session {
	return core.Session{
		SessionID:         "sess-1",
		CanonicalKey:      "hotel:BOM:2025-10-01",
		DisplayedPriceUsd: d("200"),
		TrueCostUsd:       d("150"),
	}
}

func counter(price string) core.CandidateAction {
	return core.CandidateAction{Type: core.ActionCounterOffer, Price: d(price)}
}

func TestHeuristicModel_Formula(t *testing.T) {
	m := HeuristicModel{}
	s := hotelSession()

	est := m.Score(counter("177"), s)
	assert.InDelta(t, 0.595, est.AcceptanceProbability, 1e-9)
	assert.True(t, est.ExpectedProfit.Equal(d("16.065")), "got %s", est.ExpectedProfit)
}

func TestHeuristicModel_Clamps(t *testing.T) {
	m := HeuristicModel{}
	s := hotelSession()

	low := m.Score(counter("200"), s) // 0.5 + 0 - 0.25
	assert.InDelta(t, 0.25, low.AcceptanceProbability, 1e-9)

	high := m.Score(counter("154"), s) // 0.94 before clamping
	assert.InDelta(t, 0.9, high.AcceptanceProbability, 1e-9)
	assert.True(t, high.ExpectedProfit.Equal(d("3.6")))

	s.TrueCostUsd = d("0")
	floor := m.Score(counter("200"), s) // 0.5 - 1.0
	assert.InDelta(t, 0.1, floor.AcceptanceProbability, 1e-9)
}

func TestEngine_HotelScenarioRanking(t *testing.T) {
	s := hotelSession()
	actions := offerability.NewGenerator().BuildFeasibleSet(policy.Default(), s)
	require.Len(t, actions, 6)

	ranked := NewEngine(nil).ScoreCandidates(actions, s)
	require.Len(t, ranked, 6)

	for i := 1; i < len(ranked); i++ {
		assert.True(t, ranked[i-1].Score.GreaterThanOrEqual(ranked[i].Score))
	}
	for _, r := range ranked {
		assert.GreaterOrEqual(t, r.AcceptanceProbability, 0.1)
		assert.LessOrEqual(t, r.AcceptanceProbability, 0.9)
		assert.True(t, r.Score.Equal(r.ExpectedProfit))
	}

	best, ok := PickBest(ranked)
	require.True(t, ok)
	assert.Equal(t, "184.67", best.Price.StringFixed(2))
	assert.True(t, best.Price.GreaterThanOrEqual(d("154")))
	assert.True(t, best.Price.LessThanOrEqual(d("200")))
}

type constModel struct{}

func (constModel) Name() string { return "const" }
func (constModel) Score(core.CandidateAction, core.Session) Estimate {
	return Estimate{AcceptanceProbability: 0.5, ExpectedProfit: decimal.NewFromInt(1)}
}

func TestEngine_TiesKeepInputOrder(t *testing.T) {
	actions := []core.CandidateAction{counter("10"), counter("11"), counter("12")}
	e := NewEngine(constModel{})

	ranked := e.ScoreCandidates(actions, hotelSession())
	assert.Equal(t, "const", e.ModelName())
	for i, r := range ranked {
		assert.True(t, r.Price.Equal(actions[i].Price))
	}
}

type finePrecisionModel struct{}

func (finePrecisionModel) Name() string { return "fine" }
func (finePrecisionModel) Score(a core.CandidateAction, _ core.Session) Estimate {
	// both profits round to 1.0000
	ep := d("1.00001")
	if a.Price.Equal(d("11")) {
		ep = d("1.00004")
	}
	return Estimate{AcceptanceProbability: 0.3333333333, ExpectedProfit: ep}
}

func TestEngine_RanksOnUnroundedProfit(t *testing.T) {
	actions := []core.CandidateAction{counter("10"), counter("11")}

	ranked := NewEngine(finePrecisionModel{}).ScoreCandidates(actions, hotelSession())
	require.Len(t, ranked, 2)
	assert.Equal(t, "11", ranked[0].Price.String(), "sub-rounding difference still decides the order")
	assert.True(t, ranked[0].ExpectedProfit.Equal(d("1")), "reported profit is rounded, got %s", ranked[0].ExpectedProfit)
	assert.True(t, ranked[0].Score.Equal(ranked[0].ExpectedProfit))
	assert.Equal(t, 0.333333, ranked[0].AcceptanceProbability)
}

func TestPickBest_Empty(t *testing.T) {
	_, ok := PickBest(nil)
	assert.False(t, ok)
	assert.Empty(t, NewEngine(nil).ScoreCandidates(nil, hotelSession()))
}

func TestEngine_DeterministicProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)
	gen0 := offerability.NewGenerator()
	engine := NewEngine(nil)
	pol := policy.Default()

	properties.Property("pipeline output is identical across runs", prop.ForAll(
		func(displayedCents, costCents int64) bool {
			s := core.Session{
				SessionID:         "prop",
				CanonicalKey:      "sightseeing:X",
				DisplayedPriceUsd: decimal.New(displayedCents, -2),
				TrueCostUsd:       decimal.New(costCents, -2),
			}
			a, okA := PickBest(engine.ScoreCandidates(gen0.BuildFeasibleSet(pol, s), s))
			b, okB := PickBest(engine.ScoreCandidates(gen0.BuildFeasibleSet(pol, s), s))
			if okA != okB {
				return false
			}
			return !okA || (a.Price.Equal(b.Price) && a.Score.Equal(b.Score) &&
				a.AcceptanceProbability == b.AcceptanceProbability)
		},
		gen.Int64Range(1, 300000),
		gen.Int64Range(0, 300000),
	))

	properties.TestingRun(t)
}
