package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"document-bridge/internal/models"
)

// ParkMessage archives a message and its headers; it returns the archive id.
func (s *Store) ParkMessage(ctx context.Context, m models.ParkedMessage) (string, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()

	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.MessageID == "" {
		m.MessageID = uuid.New().String()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return "", transient("begin tx", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	if _, err := tx.Exec(ctx, `
		INSERT INTO amqp_parking (id, message_id, created_at, original_exchange, original_routing_key, content_type, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, m.ID, m.MessageID, m.CreatedAt, m.OriginalExchange, m.OriginalRoutingKey, m.ContentType, m.Payload); err != nil {
		return "", transient("insert parked message", err)
	}
	for name, value := range m.Headers {
		if _, err := tx.Exec(ctx, `
			INSERT INTO amqp_parking_header (parking_id, name, value) VALUES ($1, $2, $3)
		`, m.ID, name, value); err != nil {
			return "", transient("insert parked header", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return "", transient("commit", err)
	}
	return m.ID, nil
}

// ListParkedMessages returns archived messages, newest first, without headers.
func (s *Store) ListParkedMessages(ctx context.Context, limit int) ([]models.ParkedMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	ctx, cancel := s.op(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT id, message_id, created_at, original_exchange, original_routing_key, content_type, payload
		FROM amqp_parking ORDER BY created_at DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, transient("list parked messages", err)
	}
	defer rows.Close()

	var out []models.ParkedMessage
	for rows.Next() {
		var m models.ParkedMessage
		if err := rows.Scan(&m.ID, &m.MessageID, &m.CreatedAt, &m.OriginalExchange, &m.OriginalRoutingKey, &m.ContentType, &m.Payload); err != nil {
			return nil, transient("scan parked message", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, transient("list parked messages", err)
	}
	return out, nil
}

// GetParkedMessage loads one archived message with its headers.
func (s *Store) GetParkedMessage(ctx context.Context, id string) (models.ParkedMessage, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()

	var m models.ParkedMessage
	err := s.pool.QueryRow(ctx, `
		SELECT id, message_id, created_at, original_exchange, original_routing_key, content_type, payload
		FROM amqp_parking WHERE id = $1
	`, id).Scan(&m.ID, &m.MessageID, &m.CreatedAt, &m.OriginalExchange, &m.OriginalRoutingKey, &m.ContentType, &m.Payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ParkedMessage{}, models.NotFoundf("parked message %q", id)
	}
	if err != nil {
		return models.ParkedMessage{}, transient("query parked message", err)
	}

	rows, err := s.pool.Query(ctx, `SELECT name, value FROM amqp_parking_header WHERE parking_id = $1`, id)
	if err != nil {
		return models.ParkedMessage{}, transient("query parked headers", err)
	}
	defer rows.Close()
	m.Headers = map[string]string{}
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return models.ParkedMessage{}, transient("scan parked header", err)
		}
		m.Headers[name] = value
	}
	if err := rows.Err(); err != nil {
		return models.ParkedMessage{}, transient("query parked headers", err)
	}
	return m, nil
}

// DeleteParkedMessage removes an archived message and its headers.
func (s *Store) DeleteParkedMessage(ctx context.Context, id string) error {
	ctx, cancel := s.op(ctx)
	defer cancel()

	tag, err := s.pool.Exec(ctx, `DELETE FROM amqp_parking WHERE id = $1`, id)
	if err != nil {
		return transient("delete parked message", err)
	}
	if tag.RowsAffected() == 0 {
		return models.NotFoundf("parked message %q", id)
	}
	return nil
}
