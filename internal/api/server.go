package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"document-bridge/internal/models"
	"document-bridge/internal/queue"
	"document-bridge/internal/ratelimit"
	"document-bridge/internal/telemetry"
)

// Store is the read and maintenance surface the operator API needs.
type Store interface {
	Ping(ctx context.Context) error
	ListEnabledClients(ctx context.Context) ([]models.ClientConfiguration, error)
	GetRequest(ctx context.Context, requestID string) (models.RequestRecord, error)
	ListStatusHistory(ctx context.Context, requestID string) ([]models.StatusEventRecord, error)
	ListParkedMessages(ctx context.Context, limit int) ([]models.ParkedMessage, error)
	GetParkedMessage(ctx context.Context, id string) (models.ParkedMessage, error)
	DeleteParkedMessage(ctx context.Context, id string) error
	ListStatusFileErrors(ctx context.Context, limit int) ([]models.StatusFileError, error)
}

// Publisher sends a replayed message back to the broker.
type Publisher interface {
	Publish(ctx context.Context, exchange, key string, msg queue.Message) error
}

// Limiter throttles replays.
type Limiter interface {
	Take(ctx context.Context, key string) (ratelimit.Decision, error)
}

// Server wires HTTP handlers for the operator API.
type Server struct {
	store     Store
	publisher Publisher
	limiter   Limiter
}

// New constructs the API server. limiter may be nil.
func New(st Store, pub Publisher, limiter Limiter) *Server {
	return &Server{
		store:     st,
		publisher: pub,
		limiter:   limiter,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := s.store.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Get("/clients", s.handleClients)
	r.Get("/requests/{id}", s.handleGetRequest)
	r.Get("/parking", s.handleParking)
	r.Get("/parking/{id}", s.handleGetParked)
	r.Post("/parking/{id}/replay", s.handleReplay)
	r.Delete("/parking/{id}", s.handleDiscard)
	r.Get("/status-file-errors", s.handleFileErrors)
	return r
}

func (s *Server) handleClients(w http.ResponseWriter, r *http.Request) {
	clients, err := s.store.ListEnabledClients(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": clients})
}

type requestResponse struct {
	Request models.RequestRecord       `json:"request"`
	History []models.StatusEventRecord `json:"history"`
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := uuid.Parse(id); err != nil {
		writeError(w, models.Validationf("request id %q is not a uuid", id))
		return
	}
	rec, err := s.store.GetRequest(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	history, err := s.store.ListStatusHistory(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, requestResponse{Request: rec, History: history})
}

func (s *Server) handleParking(w http.ResponseWriter, r *http.Request) {
	items, err := s.store.ListParkedMessages(r.Context(), limitParam(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleGetParked(w http.ResponseWriter, r *http.Request) {
	m, err := s.store.GetParkedMessage(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// handleReplay republishes an archived message to where it originally came
// from and removes it from the archive.
func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	if s.limiter != nil {
		d, err := s.limiter.Take(ctx, operatorFromRequest(r))
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !d.Allowed {
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	m, err := s.store.GetParkedMessage(ctx, id)
	if err != nil {
		writeError(w, err)
		return
	}
	if m.OriginalExchange == "" && m.OriginalRoutingKey == "" {
		http.Error(w, "message has no origin to replay to", http.StatusConflict)
		return
	}

	headers := make(map[string]any, len(m.Headers))
	for k, v := range m.Headers {
		if brokerHeader(k) {
			continue
		}
		headers[k] = v
	}
	if err := s.publisher.Publish(ctx, m.OriginalExchange, m.OriginalRoutingKey, queue.Message{
		ID:          m.MessageID,
		ContentType: m.ContentType,
		Headers:     headers,
		Body:        m.Payload,
	}); err != nil {
		log.Error().Err(err).Str("parking_id", id).Msg("replay publish failed")
		http.Error(w, "replay failed", http.StatusBadGateway)
		return
	}
	if err := s.store.DeleteParkedMessage(ctx, id); err != nil {
		log.Error().Err(err).Str("parking_id", id).Msg("replayed message could not be removed from the archive")
		writeError(w, err)
		return
	}
	log.Info().Str("parking_id", id).Str("exchange", m.OriginalExchange).Str("routing_key", m.OriginalRoutingKey).Msg("parked message replayed")
	writeJSON(w, http.StatusOK, map[string]string{"status": "replayed"})
}

func (s *Server) handleDiscard(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteParkedMessage(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleFileErrors(w http.ResponseWriter, r *http.Request) {
	items, err := s.store.ListStatusFileErrors(r.Context(), limitParam(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// brokerHeader reports whether the broker owns a header; its archived text
// form cannot be published back.
func brokerHeader(name string) bool {
	for _, p := range []string{"x-death", "x-first-death-", "x-last-death-"} {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

func limitParam(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 || n > 1000 {
		return 100
	}
	return n
}

func operatorFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Operator"); v != "" {
		return v
	}
	return "default"
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, models.ErrValidation):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		log.Error().Err(err).Msg("api request failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
