package intake

import (
	"context"

	"document-bridge/internal/models"
)

// ExistenceStore answers whether a batch or request was already registered.
type ExistenceStore interface {
	BatchExists(ctx context.Context, batchID string) (bool, error)
	RequestExists(ctx context.Context, requestIDs []string) (bool, error)
}

// Guard decides whether an inbound request was already registered.
type Guard struct {
	store ExistenceStore
}

func NewGuard(st ExistenceStore) *Guard {
	return &Guard{store: st}
}

// Exists reports whether req was registered before. A batched request is
// judged by its batch id alone; otherwise any known document id counts.
func (g *Guard) Exists(ctx context.Context, req models.Request) (bool, error) {
	if err := validateShape(req); err != nil {
		return false, err
	}
	if req.Batched() {
		return g.store.BatchExists(ctx, req.BatchID)
	}
	ids := make([]string, 0, len(req.Documents))
	for _, d := range req.Documents {
		ids = append(ids, d.RequestID)
	}
	return g.store.RequestExists(ctx, ids)
}

func validateShape(req models.Request) error {
	if len(req.Documents) == 0 {
		return models.Validationf("request has no documents")
	}
	if !req.Batched() && len(req.Documents) > 1 {
		return models.Validationf("request without batch id must carry exactly one document, got %d", len(req.Documents))
	}
	return nil
}
