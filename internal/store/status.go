package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"document-bridge/internal/models"
)

// AddRequestStatus appends a status event to the request's history and moves
// the request's visible status only when the event is not older than the
// latest one already applied.
func (s *Store) AddRequestStatus(ctx context.Context, ev models.StatusEvent) (models.StatusEventRecord, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.StatusEventRecord{}, transient("begin tx", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	var latest pgtype.Timestamptz
	err = tx.QueryRow(ctx, `
		SELECT status_generated_at FROM client_request WHERE request_id = $1 FOR UPDATE
	`, ev.RequestID).Scan(&latest)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.StatusEventRecord{}, models.NotFoundf("request %q", ev.RequestID)
	}
	if err != nil {
		return models.StatusEventRecord{}, transient("lock request", err)
	}

	rec := models.StatusEventRecord{
		ID:          uuid.New().String(),
		RequestID:   ev.RequestID,
		StatusCode:  ev.StatusCode,
		Message:     ev.Message,
		GeneratedAt: ev.GeneratedAt.UTC(),
		CreatedAt:   time.Now().UTC(),
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO request_status_history (id, request_id, status_code, message, generated_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, rec.ID, rec.RequestID, rec.StatusCode, rec.Message, rec.GeneratedAt, rec.CreatedAt); err != nil {
		return models.StatusEventRecord{}, transient("insert status history", err)
	}

	if !latest.Valid || !rec.GeneratedAt.Before(latest.Time) {
		if _, err := tx.Exec(ctx, `
			UPDATE client_request SET status = $2, status_generated_at = $3 WHERE request_id = $1
		`, rec.RequestID, rec.StatusCode, rec.GeneratedAt); err != nil {
			return models.StatusEventRecord{}, transient("update request status", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return models.StatusEventRecord{}, transient("commit", err)
	}
	return rec, nil
}

// DeleteStatusRecord removes one history entry and recomputes the request's
// visible status from what remains, falling back to the registration status.
func (s *Store) DeleteStatusRecord(ctx context.Context, id string) error {
	ctx, cancel := s.op(ctx)
	defer cancel()

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return transient("begin tx", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	var requestID string
	err = tx.QueryRow(ctx, `DELETE FROM request_status_history WHERE id = $1 RETURNING request_id`, id).Scan(&requestID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	if err != nil {
		return transient("delete status record", err)
	}

	status := models.StatusRegistered
	var generatedAt pgtype.Timestamptz
	err = tx.QueryRow(ctx, `
		SELECT status_code, generated_at FROM request_status_history
		WHERE request_id = $1 ORDER BY generated_at DESC, created_at DESC LIMIT 1
	`, requestID).Scan(&status, &generatedAt)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return transient("query latest status", err)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE client_request SET status = $2, status_generated_at = $3 WHERE request_id = $1
	`, requestID, status, generatedAt); err != nil {
		return transient("restore request status", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return transient("commit", err)
	}
	return nil
}

// UpdateStatusFilePath records where the originating status file was archived.
func (s *Store) UpdateStatusFilePath(ctx context.Context, id, path string) error {
	ctx, cancel := s.op(ctx)
	defer cancel()

	tag, err := s.pool.Exec(ctx, `UPDATE request_status_history SET file_path = $2 WHERE id = $1`, id, path)
	if err != nil {
		return transient("update status file path", err)
	}
	if tag.RowsAffected() == 0 {
		return models.NotFoundf("status record %q", id)
	}
	return nil
}

// ListStatusHistory returns a request's status events, oldest first.
func (s *Store) ListStatusHistory(ctx context.Context, requestID string) ([]models.StatusEventRecord, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT id, request_id, status_code, message, generated_at, created_at, file_path
		FROM request_status_history WHERE request_id = $1
		ORDER BY generated_at, created_at
	`, requestID)
	if err != nil {
		return nil, transient("list status history", err)
	}
	defer rows.Close()

	var out []models.StatusEventRecord
	for rows.Next() {
		var rec models.StatusEventRecord
		var path pgtype.Text
		if err := rows.Scan(&rec.ID, &rec.RequestID, &rec.StatusCode, &rec.Message, &rec.GeneratedAt, &rec.CreatedAt, &path); err != nil {
			return nil, transient("scan status history", err)
		}
		rec.FilePath = textPtr(path)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, transient("list status history", err)
	}
	return out, nil
}

// AddStatusFileError records a status file that failed processing.
func (s *Store) AddStatusFileError(ctx context.Context, fileName, filePath, message string) error {
	ctx, cancel := s.op(ctx)
	defer cancel()

	if _, err := s.pool.Exec(ctx, `
		INSERT INTO status_file_error (file_name, file_path, message, created_at) VALUES ($1, $2, $3, NOW())
	`, fileName, filePath, message); err != nil {
		return transient("insert status file error", err)
	}
	return nil
}

// ListStatusFileErrors returns the most recent file errors.
func (s *Store) ListStatusFileErrors(ctx context.Context, limit int) ([]models.StatusFileError, error) {
	if limit <= 0 {
		limit = 100
	}
	ctx, cancel := s.op(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT id, file_name, file_path, message, created_at
		FROM status_file_error ORDER BY created_at DESC, id DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, transient("list status file errors", err)
	}
	defer rows.Close()

	var out []models.StatusFileError
	for rows.Next() {
		var e models.StatusFileError
		if err := rows.Scan(&e.ID, &e.FileName, &e.FilePath, &e.Message, &e.CreatedAt); err != nil {
			return nil, transient("scan status file error", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, transient("list status file errors", err)
	}
	return out, nil
}
