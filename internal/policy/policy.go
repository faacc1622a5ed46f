// Package policy loads and caches the active negotiation policy: margin
// floors, discount caps, round limits and latency guardrails.
//
// A *Policy is immutable once constructed. Refreshes build a new value and
// swap it in by reference, so a reader holding the old pointer keeps a
// consistent view.
package policy

import (
	"fmt"
	"time"

	"github.com/faredown/bargain/internal/core"
	"github.com/shopspring/decimal"
)

// DefaultVersion tags the hard-coded fallback policy.
const DefaultVersion = "builtin-default"

// Policy is the active negotiation ruleset.
type Policy struct {
	Version          string                        `json:"version"`
	NeverLoss        bool                          `json:"never_loss"`
	MaxRounds        int                           `json:"max_rounds"`
	ResponseBudgetMs int                           `json:"response_budget_ms"`
	PriceRules       map[core.ProductType]PriceRule `json:"price_rules"`
	Guardrails       Guardrails                    `json:"guardrails"`
}

// PriceRule bounds the counter-offers for one product type.
type PriceRule struct {
	MinMarginUsd   decimal.Decimal `json:"min_margin_usd"`
	MaxDiscountPct decimal.Decimal `json:"max_discount_pct"`
	HoldMinutes    int             `json:"hold_minutes,omitempty"`
}

// Guardrails are the hard safety limits applied by the orchestrator.
type Guardrails struct {
	AbortIfLatencyMsOver int `json:"abort_if_latency_ms_over"`
}

// Default returns the hard-coded policy used when neither the fast cache nor
// the durable store can supply one.
func Default() *Policy {
	return &Policy{
		Version:          DefaultVersion,
		NeverLoss:        true,
		MaxRounds:        3,
		ResponseBudgetMs: 300,
		PriceRules:       defaultRules(),
		Guardrails:       Guardrails{AbortIfLatencyMsOver: 280},
	}
}

func defaultRules() map[core.ProductType]PriceRule {
	return map[core.ProductType]PriceRule{
		core.ProductFlight: {
			MinMarginUsd:   decimal.RequireFromString("6.00"),
			MaxDiscountPct: decimal.RequireFromString("0.15"),
			HoldMinutes:    10,
		},
		core.ProductHotel: {
			MinMarginUsd:   decimal.RequireFromString("4.00"),
			MaxDiscountPct: decimal.RequireFromString("0.20"),
			HoldMinutes:    15,
		},
		core.ProductSightseeing: {
			MinMarginUsd:   decimal.RequireFromString("3.00"),
			MaxDiscountPct: decimal.RequireFromString("0.25"),
			HoldMinutes:    5,
		},
	}
}

// RuleFor returns the rule for a product type, falling back to the flight
// rule for unrecognized types.
func (p *Policy) RuleFor(pt core.ProductType) PriceRule {
	if rule, ok := p.PriceRules[pt]; ok {
		return rule
	}
	return p.PriceRules[core.ProductFlight]
}

// LatencyBudget is the elapsed time after which a negotiation is abandoned.
func (p *Policy) LatencyBudget() time.Duration {
	ms := p.Guardrails.AbortIfLatencyMsOver
	if ms <= 0 {
		ms = p.ResponseBudgetMs
	}
	return time.Duration(ms) * time.Millisecond
}

// Validate checks that the policy parameters are within acceptable bounds.
func (p *Policy) Validate() error {
	if p.MaxRounds <= 0 {
		return fmt.Errorf("max_rounds must be positive, got %d", p.MaxRounds)
	}
	if p.ResponseBudgetMs <= 0 {
		return fmt.Errorf("response_budget_ms must be positive, got %d", p.ResponseBudgetMs)
	}
	if p.Guardrails.AbortIfLatencyMsOver < 0 {
		return fmt.Errorf("abort_if_latency_ms_over must not be negative, got %d", p.Guardrails.AbortIfLatencyMsOver)
	}
	if _, ok := p.PriceRules[core.ProductFlight]; !ok {
		return fmt.Errorf("price_rules must include %q", core.ProductFlight)
	}
	for pt, rule := range p.PriceRules {
		if rule.MinMarginUsd.IsNegative() {
			return fmt.Errorf("price_rules.%s.min_margin_usd must not be negative, got %s", pt, rule.MinMarginUsd)
		}
		if rule.MaxDiscountPct.IsNegative() || rule.MaxDiscountPct.GreaterThan(decimal.NewFromInt(1)) {
			return fmt.Errorf("price_rules.%s.max_discount_pct must be between 0 and 1, got %s", pt, rule.MaxDiscountPct)
		}
	}
	return nil
}
