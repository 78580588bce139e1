package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"document-bridge/internal/config"
	"document-bridge/internal/models"
)

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool    *pgxpool.Pool
	timeout time.Duration
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, cfg config.PostgresConfig) (*Store, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	// The claim transaction stays open while side effects run on other connections.
	if pcfg.MaxConns < 4 {
		pcfg.MaxConns = 4
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool, timeout: cfg.OperationTimeout}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := s.op(ctx)
	defer cancel()
	if err := s.pool.Ping(ctx); err != nil {
		return transient("ping", err)
	}
	return nil
}

// op bounds a single store operation by the configured timeout.
func (s *Store) op(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

const invalidTextRepresentation = "22P02"

// transient wraps a driver error so callers can tell it apart from validation
// and not-found failures.
func transient(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, models.ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == invalidTextRepresentation {
		// A request id that is not a UUID can never match a row.
		return fmt.Errorf("%s: %w: %s", op, models.ErrValidation, pgErr.Message)
	}
	return fmt.Errorf("%s: %w: %w", op, models.ErrTransient, err)
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time.UTC()
		return &v
	}
	return nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
