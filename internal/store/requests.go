package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"document-bridge/internal/models"
)

// GetClientConfiguration loads a single client's routing configuration.
func (s *Store) GetClientConfiguration(ctx context.Context, clientID string) (models.ClientConfiguration, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()

	var c models.ClientConfiguration
	err := s.pool.QueryRow(ctx, `
		SELECT client_id, is_enabled, service_endpoint, response_exchange, response_routing_key
		FROM client_configuration WHERE client_id = $1
	`, clientID).Scan(&c.ClientID, &c.Enabled, &c.ServiceEndpoint, &c.Exchange, &c.RoutingKey)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ClientConfiguration{}, models.NotFoundf("client %q", clientID)
	}
	if err != nil {
		return models.ClientConfiguration{}, transient("query client configuration", err)
	}
	return c, nil
}

// ListEnabledClients returns every enabled client ordered by id.
func (s *Store) ListEnabledClients(ctx context.Context) ([]models.ClientConfiguration, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT client_id, is_enabled, service_endpoint, response_exchange, response_routing_key
		FROM client_configuration WHERE is_enabled ORDER BY client_id
	`)
	if err != nil {
		return nil, transient("list clients", err)
	}
	defer rows.Close()

	var out []models.ClientConfiguration
	for rows.Next() {
		var c models.ClientConfiguration
		if err := rows.Scan(&c.ClientID, &c.Enabled, &c.ServiceEndpoint, &c.Exchange, &c.RoutingKey); err != nil {
			return nil, transient("scan client", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, transient("list clients", err)
	}
	return out, nil
}

// BatchExists reports whether a batch marker with this id was registered.
func (s *Store) BatchExists(ctx context.Context, batchID string) (bool, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()

	var exists bool
	if err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM client_request_batch WHERE batch_id = $1)
	`, batchID).Scan(&exists); err != nil {
		return false, transient("query batch", err)
	}
	return exists, nil
}

// RequestExists reports whether any of the request ids has a record.
func (s *Store) RequestExists(ctx context.Context, requestIDs []string) (bool, error) {
	if len(requestIDs) == 0 {
		return false, nil
	}
	ctx, cancel := s.op(ctx)
	defer cancel()

	var exists bool
	if err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM client_request WHERE request_id = ANY($1))
	`, requestIDs).Scan(&exists); err != nil {
		return false, transient("query requests", err)
	}
	return exists, nil
}

// RegisterRequest inserts the batch marker (if any) and one record per document
// in a single transaction. beforeCommit runs inside the transaction; an error
// from it aborts the whole registration.
func (s *Store) RegisterRequest(ctx context.Context, req models.Request, status string, beforeCommit func() error) error {
	ctx, cancel := s.op(ctx)
	defer cancel()

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return transient("begin tx", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	now := time.Now().UTC()
	if req.Batched() {
		if _, err := tx.Exec(ctx, `
			INSERT INTO client_request_batch (batch_id, client_id, created_at) VALUES ($1, $2, $3)
		`, req.BatchID, req.ClientID, now); err != nil {
			return transient("insert batch", err)
		}
	}

	batch := &pgx.Batch{}
	for _, d := range req.Documents {
		batch.Queue(`
			INSERT INTO client_request (request_id, batch_id, created_at, file_id, document_type, command, client_id, status)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, d.RequestID, emptyToNil(req.BatchID), now, d.FileID, d.DocumentType, req.Command, req.ClientID, status)
	}
	br := tx.SendBatch(ctx, batch)
	for _, d := range req.Documents {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return transient(fmt.Sprintf("insert request %s", d.RequestID), err)
		}
	}
	if err := br.Close(); err != nil {
		return transient("insert requests", err)
	}

	if beforeCommit != nil {
		if err := beforeCommit(); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return transient("commit", err)
	}
	return nil
}

// GetRoutingByFileID resolves the request and notification destination for a file id.
func (s *Store) GetRoutingByFileID(ctx context.Context, fileID int64) (models.Routing, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()

	var r models.Routing
	err := s.pool.QueryRow(ctx, `
		SELECT r.request_id, r.client_id, c.response_exchange, c.response_routing_key
		FROM client_request r
		JOIN client_configuration c ON r.client_id = c.client_id
		WHERE r.file_id = $1
		ORDER BY r.created_at DESC
		LIMIT 1
	`, fileID).Scan(&r.RequestID, &r.ClientID, &r.Exchange, &r.RoutingKey)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Routing{}, models.NotFoundf("no request registered for file id %d", fileID)
	}
	if err != nil {
		return models.Routing{}, transient("query routing", err)
	}
	return r, nil
}

// GetRequest fetches a request record by id.
func (s *Store) GetRequest(ctx context.Context, requestID string) (models.RequestRecord, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()

	var rec models.RequestRecord
	var batch, artifact pgtype.Text
	var statusAt, artifactAt pgtype.Timestamptz
	err := s.pool.QueryRow(ctx, `
		SELECT request_id, batch_id, created_at, file_id, document_type, command, client_id, status,
		       status_generated_at, document_id, document_created_at
		FROM client_request WHERE request_id = $1
	`, requestID).Scan(&rec.RequestID, &batch, &rec.CreatedAt, &rec.FileID, &rec.DocumentType, &rec.Command,
		&rec.ClientID, &rec.Status, &statusAt, &artifact, &artifactAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.RequestRecord{}, models.NotFoundf("request %q", requestID)
	}
	if err != nil {
		return models.RequestRecord{}, transient("scan request", err)
	}
	rec.BatchID = textPtr(batch)
	rec.ArtifactID = textPtr(artifact)
	rec.StatusGeneratedAt = timePtr(statusAt)
	rec.ArtifactCreatedAt = timePtr(artifactAt)
	return rec, nil
}

// UpdateArtifactID sets or clears the external artifact reference of a request.
func (s *Store) UpdateArtifactID(ctx context.Context, requestID string, artifactID *string, createdAt *time.Time) error {
	ctx, cancel := s.op(ctx)
	defer cancel()

	tag, err := s.pool.Exec(ctx, `
		UPDATE client_request SET document_id = $2, document_created_at = $3 WHERE request_id = $1
	`, requestID, artifactID, createdAt)
	if err != nil {
		return transient("update artifact id", err)
	}
	if tag.RowsAffected() == 0 {
		return models.NotFoundf("request %q", requestID)
	}
	return nil
}
