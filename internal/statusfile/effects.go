package statusfile

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"document-bridge/internal/docstore"
	"document-bridge/internal/models"
	"document-bridge/internal/telemetry"
)

// Effect is what the side-effect sequence produced for one request. Fields are
// filled in as each step succeeds so a partial sequence can be unwound too.
type Effect struct {
	RequestID    string
	StatusID     string
	ArtifactID   string
	ArtifactPath string
	artifactSet  bool
}

// effectStack holds the effects of one processing unit, unwound newest first.
type effectStack struct {
	entries []*Effect
}

func (s *effectStack) push(e *Effect) {
	s.entries = append(s.entries, e)
}

// produced returns the effects in the order they were pushed.
func (s *effectStack) produced() []Effect {
	out := make([]Effect, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, *e)
	}
	return out
}

// unwind reverses every recorded effect. Each step logs its own failure and
// the unwind carries on.
func (s *effectStack) unwind(ctx context.Context, d deps) {
	for i := len(s.entries) - 1; i >= 0; i-- {
		e := s.entries[i]
		logger := log.With().Str("request_id", e.RequestID).Str("status_id", e.StatusID).Str("artifact_id", e.ArtifactID).Logger()

		if e.ArtifactID != "" {
			if err := d.artifacts.Delete(ctx, e.ArtifactID); err != nil {
				logger.Error().Err(err).Msg("compensation: cannot delete uploaded document")
			}
		}
		if e.artifactSet {
			if err := d.store.UpdateArtifactID(ctx, e.RequestID, nil, nil); err != nil {
				logger.Error().Err(err).Msg("compensation: cannot reset document id on request")
			}
		}
		if e.StatusID != "" {
			if err := d.store.DeleteStatusRecord(ctx, e.StatusID); err != nil {
				logger.Error().Err(err).Msg("compensation: cannot delete status record")
			}
		}
		telemetry.Compensations.Inc()
	}
	s.entries = nil
}

// applyAll runs the side-effect sequence for every distinct file id in doc.
// If any request fails, everything done so far in this unit is unwound and the
// error is returned.
func applyAll(ctx context.Context, d deps, doc Document, withArtifacts bool) ([]Effect, error) {
	stack := &effectStack{}
	seen := make(map[int64]bool, len(doc.FileIDs))
	for _, fileID := range doc.FileIDs {
		if seen[fileID] {
			log.Debug().Int64("file_id", fileID).Msg("request already processed in this file")
			continue
		}
		seen[fileID] = true

		if err := apply(ctx, d, doc, fileID, withArtifacts, stack); err != nil {
			stack.unwind(ctx, d)
			return nil, err
		}
	}
	return stack.produced(), nil
}

func apply(ctx context.Context, d deps, doc Document, fileID int64, withArtifact bool, stack *effectStack) error {
	routing, err := d.store.GetRoutingByFileID(ctx, fileID)
	if err != nil {
		return fmt.Errorf("resolve request for file id %d: %w", fileID, err)
	}

	n := models.Notification{
		RequestID:       routing.RequestID,
		StatusCode:      doc.Status,
		Message:         doc.Message,
		StatusCreatedAt: doc.Timestamp,
	}
	e := &Effect{RequestID: routing.RequestID}
	pushed := false

	if withArtifact {
		path := ArtifactPath(d.documentDir, fileID)
		ref, err := d.artifacts.Upload(ctx, path)
		if err != nil {
			return fmt.Errorf("upload document for request %s: %w", routing.RequestID, err)
		}
		if ref.ID == "" {
			return fmt.Errorf("upload document for request %s: %w", routing.RequestID, docstore.ErrArtifactMissing)
		}
		e.ArtifactID, e.ArtifactPath = ref.ID, path
		stack.push(e)
		pushed = true

		created := ref.CreatedAt
		n.DocumentID = ref.ID
		n.DocumentCreatedAt = &created
	}

	rec, err := d.store.AddRequestStatus(ctx, models.StatusEvent{
		RequestID:   routing.RequestID,
		StatusCode:  doc.Status,
		Message:     doc.Message,
		GeneratedAt: doc.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("record status for request %s: %w", routing.RequestID, err)
	}
	e.StatusID = rec.ID
	if !pushed {
		stack.push(e)
	}

	if withArtifact {
		id := e.ArtifactID
		created := *n.DocumentCreatedAt
		if err := d.store.UpdateArtifactID(ctx, routing.RequestID, &id, &created); err != nil {
			return fmt.Errorf("store document id for request %s: %w", routing.RequestID, err)
		}
		e.artifactSet = true
	}

	if err := d.notifier.Notify(ctx, routing, rec.ID, n); err != nil {
		return fmt.Errorf("notify request %s: %w", routing.RequestID, err)
	}
	return nil
}

// ArtifactPath is where the production system drops the document for a file id.
func ArtifactPath(documentDir string, fileID int64) string {
	return filepath.Join(documentDir, fmt.Sprintf("%d.pdf", fileID))
}
