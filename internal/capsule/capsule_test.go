package capsule

import (
	"encoding/json"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("0123456789abcdef-test-secret")

func newEd25519(t *testing.T) *Ed25519Signer {
	t.Helper()
	s, err := NewEd25519Signer(testSecret, "bargain-2025-10")
	require.NoError(t, err)
	return s
}

// ============================================================================
// CANONICALIZATION
// ============================================================================

func TestCanonicalize_KeyOrderIndependent(t *testing.T) {
	a := map[string]any{"session_id": "s1", "price": "184.67", "nested": map[string]any{"b": 1, "a": 2}}
	b := json.RawMessage(`{"nested":{"a":2,"b":1},"price":"184.67","session_id":"s1"}`)
	c := []byte(`{ "price" : "184.67", "session_id":"s1", "nested": {"b":1,"a":2} }`)

	ca, err := Canonicalize(a)
	require.NoError(t, err)
	cb, err := Canonicalize(b)
	require.NoError(t, err)
	cc, err := Canonicalize(c)
	require.NoError(t, err)

	assert.Equal(t, `{"nested":{"a":2,"b":1},"price":"184.67","session_id":"s1"}`, string(ca))
	assert.Equal(t, ca, cb)
	assert.Equal(t, ca, cc)
}

func TestCanonicalize_Rejects(t *testing.T) {
	_, err := Canonicalize(math.NaN())
	assert.Error(t, err)

	_, err = Canonicalize(json.RawMessage(`{"a":`))
	assert.Error(t, err)
}

func TestDigest_Hex(t *testing.T) {
	assert.Equal(t,
		"015abd7f5cc57a2dd94b7590f04ad8084273905ee33ec5cebeae62276a97f862",
		Digest([]byte(`{"a":1}`)))
}

// ============================================================================
// SIGNERS
// ============================================================================

func TestEd25519Signer_DeterministicDerivation(t *testing.T) {
	a := newEd25519(t)
	b := newEd25519(t)
	assert.Equal(t, a.PublicKey(), b.PublicKey(), "same secret and key id give the same key")

	other, err := NewEd25519Signer(testSecret, "bargain-2026-01")
	require.NoError(t, err)
	assert.NotEqual(t, a.PublicKey(), other.PublicKey(), "key id separates keys")
	assert.NotContains(t, a.PublicKey(), string(testSecret))
}

func TestEd25519Signer_Rejects(t *testing.T) {
	_, err := NewEd25519Signer([]byte("short"), "k")
	assert.Error(t, err)
	_, err = NewEd25519Signer(testSecret, "")
	assert.Error(t, err)

	s := newEd25519(t)
	_, err = s.SignDigest("")
	assert.Error(t, err)
	assert.False(t, s.VerifyDigest("abc", "zz-not-hex"))
}

func TestKeyedDigestSigner_SignVerify(t *testing.T) {
	s, err := NewKeyedDigestSigner(testSecret, "legacy")
	require.NoError(t, err)
	assert.Empty(t, s.PublicKey())

	sig, err := s.SignDigest("abc123")
	require.NoError(t, err)
	assert.Len(t, sig, 64)
	assert.True(t, s.VerifyDigest("abc123", sig))
	assert.False(t, s.VerifyDigest("abc124", sig))

	other, err := NewKeyedDigestSigner([]byte("another-secret"), "legacy")
	require.NoError(t, err)
	assert.False(t, other.VerifyDigest("abc123", sig))
}

// ============================================================================
// CAPSULES
// ============================================================================

type decision struct {
	SessionID string `json:"session_id"`
	Price     string `json:"price"`
	Round     int    `json:"round"`
}

func TestSignCapsule_Envelope(t *testing.T) {
	signer := NewCapsuleSigner(newEd25519(t))
	fixed := time.Date(2025, 10, 1, 8, 30, 0, 0, time.FixedZone("IST", 5*3600+1800))
	signer.Now = func() time.Time { return fixed }

	d, err := signer.SignCapsule(decision{SessionID: "s1", Price: "184.67", Round: 1})
	require.NoError(t, err)

	assert.NotEmpty(t, d.CapsuleID)
	assert.Equal(t, `{"price":"184.67","round":1,"session_id":"s1"}`, string(d.Payload))
	assert.Equal(t, Digest(d.Payload), d.Digest)
	assert.Equal(t, AlgorithmEd25519, d.Algorithm)
	assert.Equal(t, "bargain-2025-10", d.PublicKeyID)
	assert.Equal(t, "2025-10-01T03:00:00Z", d.Timestamp, "signing time in UTC")
	assert.NotContains(t, string(d.Payload), string(testSecret))

	at, err := d.SignedAt()
	require.NoError(t, err)
	assert.True(t, at.Equal(fixed))

	ok, err := signer.Verify(d)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSignCapsule_InsertionOrderGivesSameSignature(t *testing.T) {
	signer := NewCapsuleSigner(newEd25519(t))

	a, err := signer.SignCapsule(map[string]any{"session_id": "s1", "price": "177.00", "type": "counter_offer"})
	require.NoError(t, err)
	b, err := signer.SignCapsule(json.RawMessage(`{"type":"counter_offer","price":"177.00","session_id":"s1"}`))
	require.NoError(t, err)

	assert.Equal(t, a.Digest, b.Digest)
	assert.Equal(t, a.Signature, b.Signature)
	assert.NotEqual(t, a.CapsuleID, b.CapsuleID)
}

func TestSignCapsule_FailureIsFatal(t *testing.T) {
	signer := NewCapsuleSigner(newEd25519(t))
	d, err := signer.SignCapsule(map[string]any{"bad": make(chan int)})
	assert.Nil(t, d)
	assert.True(t, errors.Is(err, ErrSigningFailed))

	d, err = NewCapsuleSigner(nil).SignCapsule(decision{})
	assert.Nil(t, d)
	assert.ErrorIs(t, err, ErrSigningFailed)
}

func TestVerify_DetectsTampering(t *testing.T) {
	signer := NewCapsuleSigner(newEd25519(t))
	d, err := signer.SignCapsule(decision{SessionID: "s1", Price: "184.67"})
	require.NoError(t, err)

	tampered := *d
	tampered.Payload = json.RawMessage(strings.Replace(string(d.Payload), "184.67", "100.00", 1))
	ok, err := signer.Verify(&tampered)
	require.NoError(t, err)
	assert.False(t, ok, "payload change breaks the digest")

	forged := tampered
	forged.Digest = Digest(forged.Payload)
	ok, err = signer.Verify(&forged)
	require.NoError(t, err)
	assert.False(t, ok, "recomputed digest does not match the signature")

	// reformatting the payload is not tampering
	reordered := *d
	reordered.Payload = json.RawMessage(`{ "session_id": "s1", "round": 0, "price": "184.67" }`)
	ok, err = signer.Verify(&reordered)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerifyWithPublicKey(t *testing.T) {
	ed := newEd25519(t)
	d, err := NewCapsuleSigner(ed).SignCapsule(decision{SessionID: "s9", Price: "161.67"})
	require.NoError(t, err)

	ok, err := VerifyWithPublicKey(d, ed.PublicKey())
	require.NoError(t, err)
	assert.True(t, ok)

	other, err := NewEd25519Signer([]byte("a-completely-different-secret"), "bargain-2025-10")
	require.NoError(t, err)
	ok, err = VerifyWithPublicKey(d, other.PublicKey())
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = VerifyWithPublicKey(d, "not-hex")
	assert.Error(t, err)
}

func TestVerifier_MultipleKeys(t *testing.T) {
	legacy, err := NewKeyedDigestSigner(testSecret, "legacy-v0")
	require.NoError(t, err)
	current := newEd25519(t)

	old, err := NewCapsuleSigner(legacy).SignCapsule(decision{SessionID: "old"})
	require.NoError(t, err)
	fresh, err := NewCapsuleSigner(current).SignCapsule(decision{SessionID: "new"})
	require.NoError(t, err)

	v := NewVerifier(current, legacy)
	for _, d := range []*SignedDecision{old, fresh} {
		ok, err := v.Verify(d)
		require.NoError(t, err)
		assert.True(t, ok, d.PublicKeyID)
	}

	_, err = VerifyWithPublicKey(old, current.PublicKey())
	assert.ErrorIs(t, err, ErrAlgorithmMismatch, "keyed digests need the secret")

	unknown := *fresh
	unknown.PublicKeyID = "retired"
	_, err = v.Verify(&unknown)
	assert.ErrorIs(t, err, ErrUnknownKey)

	mismatched := *fresh
	mismatched.Algorithm = AlgorithmKeyedDigest
	_, err = v.Verify(&mismatched)
	assert.ErrorIs(t, err, ErrAlgorithmMismatch)

	broken := *fresh
	broken.Payload = []byte(`{"session_id":`)
	_, err = v.Verify(&broken)
	assert.ErrorIs(t, err, ErrMalformedCapsule)
}

func TestNewSigner_ByAlgorithm(t *testing.T) {
	secret := []byte("factory-secret-0123456789")

	ed, err := NewSigner(AlgorithmEd25519, secret, "k1")
	require.NoError(t, err)
	assert.Equal(t, AlgorithmEd25519, ed.Algorithm())
	assert.NotEmpty(t, ed.PublicKey())

	keyed, err := NewSigner(AlgorithmKeyedDigest, secret, "k1")
	require.NoError(t, err)
	assert.Equal(t, AlgorithmKeyedDigest, keyed.Algorithm())
	assert.Empty(t, keyed.PublicKey())

	_, err = NewSigner("ecdsa-p256", secret, "k1")
	assert.Error(t, err)
}
