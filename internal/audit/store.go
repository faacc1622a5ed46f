// Package audit persists what the negotiation core decided: every signed
// capsule and one event row per negotiation, signed or aborted.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/faredown/bargain/internal/capsule"
	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when no capsule exists for a session.
var ErrNotFound = errors.New("capsule not found")

const (
	EventOfferDecided = "offer_decided"
	EventOfferAborted = "offer_aborted"
)

// Event is one row of ai.bargain_events.
type Event struct {
	SessionID    string
	EventType    string
	Outcome      string
	Reason       string
	CounterPrice decimal.NullDecimal
	ElapsedMs    int64
	CreatedAt    time.Time
}

// Store is the persistence surface the recorder and the API need.
type Store interface {
	SaveCapsule(ctx context.Context, sessionID string, d *capsule.SignedDecision) error
	SaveEvent(ctx context.Context, e Event) error
	LatestCapsule(ctx context.Context, sessionID string) (*capsule.SignedDecision, error)
}

// PostgresStore writes to the ai.offer_capsules and ai.bargain_events tables.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const (
	insertCapsuleSQL = `INSERT INTO ai.offer_capsules (capsule_id, session_id, payload, digest, signature, algorithm, public_key_id, signed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (capsule_id) DO NOTHING`

	insertEventSQL = `INSERT INTO ai.bargain_events (session_id, event_type, outcome, reason, counter_price, elapsed_ms, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`

	latestCapsuleSQL = `SELECT capsule_id, payload, digest, signature, algorithm, public_key_id, signed_at
FROM ai.offer_capsules WHERE session_id = $1 ORDER BY signed_at DESC LIMIT 1`
)

func (s *PostgresStore) SaveCapsule(ctx context.Context, sessionID string, d *capsule.SignedDecision) error {
	signedAt, err := d.SignedAt()
	if err != nil {
		return fmt.Errorf("capsule %s: bad timestamp: %w", d.CapsuleID, err)
	}
	_, err = s.db.ExecContext(ctx, insertCapsuleSQL,
		d.CapsuleID, sessionID, []byte(d.Payload), d.Digest, d.Signature, d.Algorithm, d.PublicKeyID, signedAt)
	if err != nil {
		return fmt.Errorf("insert capsule %s: %w", d.CapsuleID, err)
	}
	return nil
}

func (s *PostgresStore) SaveEvent(ctx context.Context, e Event) error {
	var reason sql.NullString
	if e.Reason != "" {
		reason = sql.NullString{String: e.Reason, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, insertEventSQL,
		e.SessionID, e.EventType, e.Outcome, reason, e.CounterPrice, e.ElapsedMs, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert bargain event for %s: %w", e.SessionID, err)
	}
	return nil
}

func (s *PostgresStore) LatestCapsule(ctx context.Context, sessionID string) (*capsule.SignedDecision, error) {
	var (
		d        capsule.SignedDecision
		payload  []byte
		signedAt time.Time
	)
	err := s.db.QueryRowContext(ctx, latestCapsuleSQL, sessionID).Scan(
		&d.CapsuleID, &payload, &d.Digest, &d.Signature, &d.Algorithm, &d.PublicKeyID, &signedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query capsule for %s: %w", sessionID, err)
	}
	d.Payload = json.RawMessage(payload)
	d.Timestamp = signedAt.UTC().Format(time.RFC3339Nano)
	return &d, nil
}
