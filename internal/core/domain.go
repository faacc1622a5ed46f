// Package core holds the data model shared by the negotiation pipeline:
// the inbound session, the candidate actions produced for it, and their
// scored form. Values here are request-scoped; nothing is cached or persisted.
package core

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

// ProductType identifies the product line a session belongs to.
type ProductType string

const (
	ProductFlight      ProductType = "flight"
	ProductHotel       ProductType = "hotel"
	ProductSightseeing ProductType = "sightseeing"
)

// NormalizeProductType lowercases and trims a product type name.
func NormalizeProductType(s string) ProductType {
	return ProductType(strings.ToLower(strings.TrimSpace(s)))
}

// ProductTypeFromKey returns the product type encoded as the prefix of a
// canonical key ("hotel:BOM:2025-10-01" -> "hotel"). A key without a ':'
// is all prefix ("HOTEL" -> "hotel").
func ProductTypeFromKey(canonicalKey string) ProductType {
	prefix, _, _ := strings.Cut(canonicalKey, ":")
	return NormalizeProductType(prefix)
}

// ActionType is the kind of move the engine answers with.
type ActionType string

const (
	ActionCounterOffer ActionType = "counter_offer"
	ActionAccept       ActionType = "accept"
)

// Session is a single bargaining context, built by the booking flow for each
// negotiation request. The core never mutates or stores it.
type Session struct {
	SessionID         string          `json:"session_id"`
	CanonicalKey      string          `json:"canonical_key"`
	ProductType       ProductType     `json:"product_type,omitempty"`
	DisplayedPriceUsd decimal.Decimal `json:"displayed_price_usd"`
	TrueCostUsd       decimal.Decimal `json:"true_cost_usd"`
	MinFloor          decimal.Decimal `json:"min_floor"`

	// Round is the 1-based bargaining round; zero is treated as round 1.
	Round int `json:"round,omitempty"`
	// UserOffer is the shopper's bid for this round, if any.
	UserOffer *decimal.Decimal `json:"user_offer,omitempty"`
}

// Product returns the session's product type. The canonical key prefix is
// authoritative; the explicit ProductType field only applies when that
// prefix is empty (":BOM", "").
func (s Session) Product() ProductType {
	if pt := ProductTypeFromKey(s.CanonicalKey); pt != "" {
		return pt
	}
	return NormalizeProductType(string(s.ProductType))
}

// CurrentRound returns Round, treating an unset round as the first.
func (s Session) CurrentRound() int {
	if s.Round <= 0 {
		return 1
	}
	return s.Round
}

// Validate reports the first structural problem with the session.
func (s Session) Validate() error {
	switch {
	case strings.TrimSpace(s.SessionID) == "":
		return errors.New("session_id is required")
	case strings.TrimSpace(s.CanonicalKey) == "":
		return errors.New("canonical_key is required")
	case !s.DisplayedPriceUsd.IsPositive():
		return errors.New("displayed_price_usd must be positive")
	case s.TrueCostUsd.IsNegative():
		return errors.New("true_cost_usd must not be negative")
	case s.MinFloor.IsNegative():
		return errors.New("min_floor must not be negative")
	case s.UserOffer != nil && s.UserOffer.IsNegative():
		return errors.New("user_offer must not be negative")
	}
	return nil
}

// CandidateAction is one admissible counter-offer. Confidence is a
// generation-time seed in [0,1]; final ranking belongs to the scoring engine.
type CandidateAction struct {
	Type       ActionType      `json:"type"`
	Price      decimal.Decimal `json:"price"`
	Confidence float64         `json:"confidence"`
}

// ScoredAction is a CandidateAction enriched by the scoring model.
type ScoredAction struct {
	CandidateAction
	AcceptanceProbability float64         `json:"acceptance_probability"`
	ExpectedProfit        decimal.Decimal `json:"expected_profit"`
	Score                 decimal.Decimal `json:"score"`
}
