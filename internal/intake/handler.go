package intake

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"document-bridge/internal/files"
	"document-bridge/internal/models"
	"document-bridge/internal/queue"
	"document-bridge/internal/telemetry"
)

// Store is the persistence the registration handler needs.
type Store interface {
	ExistenceStore
	GetClientConfiguration(ctx context.Context, clientID string) (models.ClientConfiguration, error)
	RegisterRequest(ctx context.Context, req models.Request, status string, beforeCommit func() error) error
}

// Handler registers inbound document requests.
type Handler struct {
	store      Store
	guard      *Guard
	schema     *jsonschema.Schema
	requestDir string
}

// NewHandler builds a handler that writes doc_create payloads into requestDir.
func NewHandler(st Store, requestDir string) (*Handler, error) {
	sch, err := compileRequestSchema()
	if err != nil {
		return nil, err
	}
	return &Handler{store: st, guard: NewGuard(st), schema: sch, requestDir: requestDir}, nil
}

// Decode validates body against the request schema and decodes it.
func (h *Handler) Decode(body []byte) (models.Request, error) {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return models.Request{}, models.Validationf("cannot convert message payload: %v", err)
	}
	if err := h.schema.Validate(inst); err != nil {
		return models.Request{}, models.Validationf("payload does not match request schema: %v", err)
	}
	var req models.Request
	if err := json.Unmarshal(body, &req); err != nil {
		return models.Request{}, models.Validationf("cannot convert message payload: %v", err)
	}
	return req, nil
}

// Handle processes one message from the registration queue.
func (h *Handler) Handle(ctx context.Context, msg queue.Message) error {
	req, err := h.Decode(msg.Body)
	if err != nil {
		telemetry.RequestsRejected.Inc()
		return err
	}
	annotate(ctx, req)

	if err := h.Register(ctx, req); err != nil {
		telemetry.RequestsRejected.Inc()
		log.Error().Err(err).Str("message_id", msg.ID).Str("correlation_id", req.CorrelationID).Msg("registration failed")
		return err
	}
	return nil
}

// Register checks the command, the client and idempotency, then stores the
// request. A request that already exists is logged and skipped.
func (h *Handler) Register(ctx context.Context, req models.Request) error {
	switch req.Command {
	case models.CommandCreate, models.CommandRegister:
	default:
		return models.Validationf("incorrect command in the message: %q", req.Command)
	}

	client, err := h.store.GetClientConfiguration(ctx, req.ClientID)
	if err != nil {
		return fmt.Errorf("load client %s: %w", req.ClientID, err)
	}
	if !client.Enabled {
		return models.Validationf("client %q is disabled", req.ClientID)
	}

	exists, err := h.guard.Exists(ctx, req)
	if err != nil {
		return err
	}
	if exists {
		telemetry.RequestsDuplicate.Inc()
		log.Warn().Str("batch_id", req.BatchID).Str("request_id", req.Documents[0].RequestID).Msg("client request already exists, ignoring")
		return nil
	}

	var (
		writePayload func() error
		payloadPath  string
		written      bool
	)
	if req.Command == models.CommandCreate {
		payloadPath = PayloadPath(h.requestDir, req.Documents[0].FileID)
		writePayload = func() error {
			if err := files.WriteFile(payloadPath, []byte(req.Payload)); err != nil {
				return fmt.Errorf("store payload: %w", err)
			}
			written = true
			return nil
		}
	}

	if err := h.store.RegisterRequest(ctx, req, models.StatusRegistered, writePayload); err != nil {
		if written {
			// No row references the payload once the commit is lost.
			if rmErr := os.Remove(payloadPath); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
				log.Error().Err(rmErr).Str("path", payloadPath).Msg("cannot remove payload of failed registration")
			}
		}
		return fmt.Errorf("register request: %w", err)
	}
	telemetry.RequestsRegistered.Inc()
	log.Info().Str("batch_id", req.BatchID).Int("documents", len(req.Documents)).Str("command", req.Command).Msg("request registered")
	return nil
}

// PayloadPath is where the payload of a doc_create request is written.
func PayloadPath(dir string, fileID int64) string {
	return filepath.Join(dir, fmt.Sprintf("request_%d.xml", fileID))
}

func annotate(ctx context.Context, req models.Request) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		attribute.String("command", req.Command),
		attribute.String("client_id", req.ClientID),
		attribute.Int("documents", len(req.Documents)),
	)
	if req.CorrelationID != "" {
		span.SetAttributes(attribute.String("correlation_id", req.CorrelationID))
	}
	if req.Batched() {
		span.SetAttributes(attribute.String("batch_id", req.BatchID))
	}
	for i, d := range req.Documents {
		span.SetAttributes(attribute.String(fmt.Sprintf("request_id_%d", i), d.RequestID))
	}
}
