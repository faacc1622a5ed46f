package policy

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

const activePolicyQuery = `SELECT id, version, dsl_yaml FROM ai.policies WHERE active = true ORDER BY id DESC LIMIT 1`

// PostgresSource reads the most recent active policy row from ai.policies.
type PostgresSource struct {
	db *sql.DB
}

func NewPostgresSource(db *sql.DB) *PostgresSource {
	return &PostgresSource{db: db}
}

// LoadActive returns ErrNoActivePolicy when the table holds no active row.
func (s *PostgresSource) LoadActive(ctx context.Context) (*Policy, error) {
	var (
		id      int64
		version sql.NullString
		dsl     string
	)
	err := s.db.QueryRowContext(ctx, activePolicyQuery).Scan(&id, &version, &dsl)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoActivePolicy
	}
	if err != nil {
		return nil, fmt.Errorf("query active policy: %w", err)
	}

	p, err := ParseDSL([]byte(dsl))
	if err != nil {
		return nil, fmt.Errorf("policy %d: %w", id, err)
	}
	// The column wins over the document's own version field.
	if v := strings.TrimSpace(version.String); version.Valid && v != "" {
		p.Version = v
	}
	if p.Version == "" {
		p.Version = fmt.Sprintf("policy-%d", id)
	}
	return p, nil
}
