package policy

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/faredown/bargain/internal/core"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v2"
)

// dslDocument mirrors the YAML stored in ai.policies.dsl_yaml. Pointer fields
// distinguish "absent" from an explicit zero so absent values can be taken
// from Default(). Sections the negotiation core does not read
// (supplier_overrides, promo_rules, ...) are ignored.
type dslDocument struct {
	Version string `yaml:"version"`
	Global  struct {
		NeverLoss        *bool `yaml:"never_loss"`
		MaxRounds        *int  `yaml:"max_rounds"`
		ResponseBudgetMs *int  `yaml:"response_budget_ms"`
	} `yaml:"global"`
	PriceRules map[string]dslPriceRule `yaml:"price_rules"`
	Guardrails struct {
		AbortIfLatencyMsOver *int `yaml:"abort_if_latency_ms_over"`
	} `yaml:"guardrails"`
}

type dslPriceRule struct {
	MinMarginUsd   *float64 `yaml:"min_margin_usd"`
	MaxDiscountPct *float64 `yaml:"max_discount_pct"`
	HoldMinutes    *int     `yaml:"hold_minutes"`
}

// ParseDSL decodes a YAML policy document, fills absent fields from
// Default() and validates the result.
func ParseDSL(doc []byte) (*Policy, error) {
	if len(bytes.TrimSpace(doc)) == 0 {
		return nil, errors.New("policy dsl: empty document")
	}

	var d dslDocument
	if err := yaml.Unmarshal(doc, &d); err != nil {
		return nil, fmt.Errorf("policy dsl: %w", err)
	}

	p := Default()
	p.Version = d.Version
	if d.Global.NeverLoss != nil {
		p.NeverLoss = *d.Global.NeverLoss
	}
	if d.Global.MaxRounds != nil {
		p.MaxRounds = *d.Global.MaxRounds
	}
	if d.Global.ResponseBudgetMs != nil {
		p.ResponseBudgetMs = *d.Global.ResponseBudgetMs
	}
	if d.Guardrails.AbortIfLatencyMsOver != nil {
		p.Guardrails.AbortIfLatencyMsOver = *d.Guardrails.AbortIfLatencyMsOver
	}

	for name, r := range d.PriceRules {
		pt := core.NormalizeProductType(name)
		if pt == "" {
			return nil, errors.New("policy dsl: price_rules has an empty product key")
		}
		rule, ok := p.PriceRules[pt]
		if !ok {
			rule = p.PriceRules[core.ProductFlight]
		}
		if r.MinMarginUsd != nil {
			rule.MinMarginUsd = decimal.NewFromFloat(*r.MinMarginUsd)
		}
		if r.MaxDiscountPct != nil {
			rule.MaxDiscountPct = decimal.NewFromFloat(*r.MaxDiscountPct)
		}
		if r.HoldMinutes != nil {
			rule.HoldMinutes = *r.HoldMinutes
		}
		p.PriceRules[pt] = rule
	}

	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("policy dsl: %w", err)
	}
	return p, nil
}
