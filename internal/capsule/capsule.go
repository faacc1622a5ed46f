// Package capsule turns a negotiation decision into a tamper-evident
// envelope: canonicalize the payload, digest it, sign the digest.
//
// The canonical form (RFC 8785) and the digest encoding are the contract
// downstream verifiers depend on; signers can change underneath them.
package capsule

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrSigningFailed wraps every failure to produce a signed decision.
var ErrSigningFailed = errors.New("signing failed")

// Verification errors. A decision that is merely forged or tampered with is
// reported as (false, nil), not as one of these.
var (
	ErrUnknownKey        = errors.New("unknown key id")
	ErrAlgorithmMismatch = errors.New("algorithm does not match key")
	ErrMalformedCapsule  = errors.New("malformed capsule")
)

// SignedDecision is the envelope handed back to callers.
type SignedDecision struct {
	CapsuleID   string          `json:"capsule_id"`
	Payload     json.RawMessage `json:"payload"`
	Digest      string          `json:"digest"`
	Signature   string          `json:"signature"`
	Algorithm   string          `json:"algorithm"`
	PublicKeyID string          `json:"public_key_id"`
	PublicKey   string          `json:"public_key,omitempty"`
	Timestamp   string          `json:"timestamp"`
}

// SignedAt parses Timestamp.
func (d *SignedDecision) SignedAt() (time.Time, error) {
	return time.Parse(time.RFC3339Nano, d.Timestamp)
}

// CapsuleSigner produces SignedDecisions with one Signer.
type CapsuleSigner struct {
	signer Signer
	// Now overrides the signing clock.
	Now func() time.Time
}

func NewCapsuleSigner(signer Signer) *CapsuleSigner {
	return &CapsuleSigner{signer: signer, Now: time.Now}
}

// Signer returns the underlying signer.
func (c *CapsuleSigner) Signer() Signer { return c.signer }

// SignCapsule canonicalizes payload, signs its digest and stamps the
// envelope with the signing time. It never returns a partial decision.
func (c *CapsuleSigner) SignCapsule(payload any) (*SignedDecision, error) {
	if c.signer == nil {
		return nil, fmt.Errorf("%w: no signer configured", ErrSigningFailed)
	}
	canonical, err := Canonicalize(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSigningFailed, err)
	}
	digest := Digest(canonical)
	sig, err := c.signer.SignDigest(digest)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSigningFailed, err)
	}

	return &SignedDecision{
		CapsuleID:   uuid.NewString(),
		Payload:     json.RawMessage(canonical),
		Digest:      digest,
		Signature:   sig,
		Algorithm:   c.signer.Algorithm(),
		PublicKeyID: c.signer.KeyID(),
		PublicKey:   c.signer.PublicKey(),
		Timestamp:   c.Now().UTC().Format(time.RFC3339Nano),
	}, nil
}

// Verify checks a decision against this signer's key.
func (c *CapsuleSigner) Verify(d *SignedDecision) (bool, error) {
	return NewVerifier(c.signer).Verify(d)
}

// Verifier checks decisions against a set of known signers, selected by key
// id. It lets a deployment accept capsules from retired keys.
type Verifier struct {
	signers map[string]Signer
}

func NewVerifier(signers ...Signer) *Verifier {
	v := &Verifier{signers: make(map[string]Signer, len(signers))}
	for _, s := range signers {
		if s != nil {
			v.signers[s.KeyID()] = s
		}
	}
	return v
}

// Verify returns false for a digest or signature mismatch and an error when
// the decision cannot be checked at all (unknown key, malformed payload).
func (v *Verifier) Verify(d *SignedDecision) (bool, error) {
	if d == nil {
		return false, fmt.Errorf("%w: nil decision", ErrMalformedCapsule)
	}
	s, ok := v.signers[d.PublicKeyID]
	if !ok {
		return false, fmt.Errorf("%w %q", ErrUnknownKey, d.PublicKeyID)
	}
	if d.Algorithm != s.Algorithm() {
		return false, fmt.Errorf("%w: %q for key %q (%s)", ErrAlgorithmMismatch, d.Algorithm, d.PublicKeyID, s.Algorithm())
	}
	match, err := digestMatches(d)
	if err != nil || !match {
		return false, err
	}
	return s.VerifyDigest(d.Digest, d.Signature), nil
}

// VerifyWithPublicKey checks an Ed25519 decision using only the public key.
func VerifyWithPublicKey(d *SignedDecision, publicKeyHex string) (bool, error) {
	if d == nil {
		return false, fmt.Errorf("%w: nil decision", ErrMalformedCapsule)
	}
	if d.Algorithm != AlgorithmEd25519 {
		return false, fmt.Errorf("%w: %q cannot be verified with a public key", ErrAlgorithmMismatch, d.Algorithm)
	}
	pub, err := ParsePublicKey(publicKeyHex)
	if err != nil {
		return false, err
	}
	match, err := digestMatches(d)
	if err != nil || !match {
		return false, err
	}
	return VerifyEd25519(pub, d.Digest, d.Signature)
}

func digestMatches(d *SignedDecision) (bool, error) {
	canonical, err := Canonicalize(d.Payload)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrMalformedCapsule, err)
	}
	return Digest(canonical) == d.Digest, nil
}
