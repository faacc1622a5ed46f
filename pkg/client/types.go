package client

import "encoding/json"

// OfferRequest is one bargaining round. Money travels as decimal strings.
type OfferRequest struct {
	SessionID         string `json:"session_id"`
	CanonicalKey      string `json:"canonical_key"`
	ProductType       string `json:"product_type,omitempty"`
	DisplayedPriceUsd string `json:"displayed_price_usd"`
	TrueCostUsd       string `json:"true_cost_usd"`
	MinFloor          string `json:"min_floor,omitempty"`
	Round             int    `json:"round,omitempty"`
	UserOffer         string `json:"user_offer,omitempty"`
}

// Decision is a signed capsule as issued by the engine. Payload is kept raw
// so it can be passed back for verification byte for byte.
type Decision struct {
	CapsuleID   string          `json:"capsule_id"`
	Payload     json.RawMessage `json:"payload"`
	Digest      string          `json:"digest"`
	Signature   string          `json:"signature"`
	Algorithm   string          `json:"algorithm"`
	PublicKeyID string          `json:"public_key_id"`
	PublicKey   string          `json:"public_key,omitempty"`
	Timestamp   string          `json:"timestamp"`
}

// Terms is the part of a decision payload the booking flow acts on.
type Terms struct {
	SessionID     string `json:"session_id"`
	PolicyVersion string `json:"policy_version"`
	HoldMinutes   int    `json:"hold_minutes"`
	Action        struct {
		Type  string `json:"type"`
		Price string `json:"price"`
	} `json:"action"`
}

// Terms decodes the decision payload.
func (d *Decision) Terms() (*Terms, error) {
	var t Terms
	if err := json.Unmarshal(d.Payload, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// Abort explains why no offer was made.
type Abort struct {
	Reason    string `json:"reason"`
	SessionID string `json:"session_id"`
	LastState string `json:"last_state"`
	ElapsedMs int64  `json:"elapsed_ms"`
}

// OfferResult carries either a decision or an abort.
type OfferResult struct {
	Decision *Decision `json:"decision,omitempty"`
	Trace    []string  `json:"trace,omitempty"`
	Abort    *Abort    `json:"-"`
}

func (r *OfferResult) Aborted() bool { return r.Abort != nil }

type Verification struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}
