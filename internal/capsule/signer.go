package capsule

import (
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	AlgorithmEd25519     = "ed25519"
	AlgorithmKeyedDigest = "sha256-keyed"

	minSecretLen = 16
	hkdfSalt     = "bargain-capsule-v1"
)

// Signer signs capsule digests. Implementations never expose the secret.
type Signer interface {
	Algorithm() string
	KeyID() string
	// PublicKey is the hex verification key, empty for symmetric signers.
	PublicKey() string
	SignDigest(digest string) (string, error)
	VerifyDigest(digest, signature string) bool
}

// ============================================================================
// ED25519
// ============================================================================

// Ed25519Signer derives an Ed25519 key pair from the provisioned secret with
// HKDF-SHA256 so the same secret and key id always yield the same key.
type Ed25519Signer struct {
	keyID string
	priv  ed25519.PrivateKey
	pub   ed25519.PublicKey
}

func NewEd25519Signer(secret []byte, keyID string) (*Ed25519Signer, error) {
	if len(secret) < minSecretLen {
		return nil, fmt.Errorf("signing secret must be at least %d bytes", minSecretLen)
	}
	if keyID == "" {
		return nil, errors.New("signing key id is required")
	}

	r := hkdf.New(sha256.New, secret, []byte(hkdfSalt), []byte(keyID))
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(r, seed); err != nil {
		return nil, fmt.Errorf("derive signing key: %w", err)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Ed25519Signer{
		keyID: keyID,
		priv:  priv,
		pub:   priv.Public().(ed25519.PublicKey),
	}, nil
}

func (s *Ed25519Signer) Algorithm() string { return AlgorithmEd25519 }
func (s *Ed25519Signer) KeyID() string     { return s.keyID }
func (s *Ed25519Signer) PublicKey() string { return hex.EncodeToString(s.pub) }

func (s *Ed25519Signer) SignDigest(digest string) (string, error) {
	if digest == "" {
		return "", errors.New("empty digest")
	}
	return hex.EncodeToString(ed25519.Sign(s.priv, []byte(digest))), nil
}

func (s *Ed25519Signer) VerifyDigest(digest, signature string) bool {
	ok, err := VerifyEd25519(s.pub, digest, signature)
	return err == nil && ok
}

// VerifyEd25519 checks a hex signature over digest with a public key. It
// needs no secret material.
func VerifyEd25519(pub ed25519.PublicKey, digest, signature string) (bool, error) {
	if len(pub) != ed25519.PublicKeySize {
		return false, fmt.Errorf("public key must be %d bytes, got %d", ed25519.PublicKeySize, len(pub))
	}
	sig, err := hex.DecodeString(signature)
	if err != nil {
		return false, fmt.Errorf("decode signature: %w", err)
	}
	if len(sig) != ed25519.SignatureSize {
		return false, nil
	}
	return ed25519.Verify(pub, []byte(digest), sig), nil
}

// ParsePublicKey decodes a hex Ed25519 public key.
func ParsePublicKey(s string) (ed25519.PublicKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	if len(b) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key must be %d bytes, got %d", ed25519.PublicKeySize, len(b))
	}
	return ed25519.PublicKey(b), nil
}

// ============================================================================
// KEYED DIGEST (legacy)
// ============================================================================

// KeyedDigestSigner computes sha256(digest + secret). Only holders of the
// secret can verify; it is kept so capsules issued before the move to
// Ed25519 still verify.
type KeyedDigestSigner struct {
	keyID  string
	secret []byte
}

func NewKeyedDigestSigner(secret []byte, keyID string) (*KeyedDigestSigner, error) {
	if len(secret) == 0 {
		return nil, errors.New("signing secret is required")
	}
	if keyID == "" {
		return nil, errors.New("signing key id is required")
	}
	return &KeyedDigestSigner{keyID: keyID, secret: append([]byte(nil), secret...)}, nil
}

func (s *KeyedDigestSigner) Algorithm() string { return AlgorithmKeyedDigest }
func (s *KeyedDigestSigner) KeyID() string     { return s.keyID }
func (s *KeyedDigestSigner) PublicKey() string { return "" }

func (s *KeyedDigestSigner) SignDigest(digest string) (string, error) {
	if digest == "" {
		return "", errors.New("empty digest")
	}
	h := sha256.New()
	h.Write([]byte(digest))
	h.Write(s.secret)
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (s *KeyedDigestSigner) VerifyDigest(digest, signature string) bool {
	want, err := s.SignDigest(digest)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(want), []byte(signature)) == 1
}

// NewSigner builds the signer for a configured algorithm name.
func NewSigner(algorithm string, secret []byte, keyID string) (Signer, error) {
	switch algorithm {
	case AlgorithmEd25519:
		return NewEd25519Signer(secret, keyID)
	case AlgorithmKeyedDigest:
		return NewKeyedDigestSigner(secret, keyID)
	default:
		return nil, fmt.Errorf("unsupported signing algorithm %q", algorithm)
	}
}
