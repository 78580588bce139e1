package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// ClaimState describes the processing log row after it was locked and counted.
type ClaimState struct {
	Attempts int
	// Fresh is true when the row was created by this claim.
	Fresh bool
}

// ClaimDecision tells ClaimStatusFile what to do with the row once fn returns.
type ClaimDecision int

const (
	// Retain keeps the row (with its incremented counter) for the next attempt.
	Retain ClaimDecision = iota
	// Release deletes the row.
	Release
)

// ClaimStatusFile locks the processing log row for name, creating it with
// attempts=1 or incrementing it, and runs fn while the lock is held. The row
// is then kept or deleted according to fn's decision inside the same
// transaction. The transaction commits even when fn fails so the counter
// survives; fn's error is returned afterwards.
//
// The lock is held for as long as fn runs, so the context is not bounded by
// the store operation timeout.
func (s *Store) ClaimStatusFile(ctx context.Context, name string, fn func(ClaimState) (ClaimDecision, error)) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return transient("begin tx", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	state, err := lockOrCreateClaim(ctx, tx, name)
	if err != nil {
		return err
	}

	decision, fnErr := fn(state)

	switch decision {
	case Release:
		if _, err := tx.Exec(ctx, `DELETE FROM document_processing_log WHERE status_file_name = $1`, name); err != nil {
			return transient("delete processing log", err)
		}
	case Retain:
	default:
		return fmt.Errorf("unknown claim decision %d", decision)
	}

	if err := tx.Commit(ctx); err != nil {
		return transient("commit", err)
	}
	return fnErr
}

func lockOrCreateClaim(ctx context.Context, tx pgx.Tx, name string) (ClaimState, error) {
	var attempts int
	err := tx.QueryRow(ctx, `
		SELECT attempts FROM document_processing_log WHERE status_file_name = $1 FOR UPDATE
	`, name).Scan(&attempts)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		tag, err := tx.Exec(ctx, `
			INSERT INTO document_processing_log (status_file_name, attempts, updated_at)
			VALUES ($1, 1, NOW())
			ON CONFLICT (status_file_name) DO NOTHING
		`, name)
		if err != nil {
			return ClaimState{}, transient("insert processing log", err)
		}
		if tag.RowsAffected() == 1 {
			return ClaimState{Attempts: 1, Fresh: true}, nil
		}
		// Lost the insert race; lock the winner's row instead.
		if err := tx.QueryRow(ctx, `
			SELECT attempts FROM document_processing_log WHERE status_file_name = $1 FOR UPDATE
		`, name).Scan(&attempts); err != nil {
			return ClaimState{}, transient("lock processing log", err)
		}
	case err != nil:
		return ClaimState{}, transient("lock processing log", err)
	}

	attempts++
	if _, err := tx.Exec(ctx, `
		UPDATE document_processing_log SET attempts = $2, updated_at = NOW() WHERE status_file_name = $1
	`, name, attempts); err != nil {
		return ClaimState{}, transient("increment processing log", err)
	}
	return ClaimState{Attempts: attempts}, nil
}
