package statusfile

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"document-bridge/internal/docstore"
	"document-bridge/internal/files"
	"document-bridge/internal/models"
	"document-bridge/internal/store"
	"document-bridge/internal/telemetry"
)

// ErrAttemptsExhausted is returned when a printed status file ran out of
// attempts waiting for its documents.
var ErrAttemptsExhausted = errors.New("printed documents did not arrive in time")

// Store is the persistence the status pipeline needs.
type Store interface {
	GetRoutingByFileID(ctx context.Context, fileID int64) (models.Routing, error)
	AddRequestStatus(ctx context.Context, ev models.StatusEvent) (models.StatusEventRecord, error)
	UpdateArtifactID(ctx context.Context, requestID string, artifactID *string, createdAt *time.Time) error
	DeleteStatusRecord(ctx context.Context, id string) error
	UpdateStatusFilePath(ctx context.Context, id, path string) error
	AddStatusFileError(ctx context.Context, fileName, filePath, message string) error
	ClaimStatusFile(ctx context.Context, name string, fn func(store.ClaimState) (store.ClaimDecision, error)) error
}

// ArtifactStore keeps uploaded documents.
type ArtifactStore interface {
	Upload(ctx context.Context, path string) (docstore.ArtifactRef, error)
	Delete(ctx context.Context, id string) error
}

// Notifier publishes one status notification.
type Notifier interface {
	Notify(ctx context.Context, routing models.Routing, statusID string, n models.Notification) error
}

type deps struct {
	store       Store
	artifacts   ArtifactStore
	notifier    Notifier
	documentDir string
}

// Outcome says whether a status file is finished.
type Outcome int

const (
	// Done means every request in the file was processed; the file can be archived.
	Done Outcome = iota
	// NotYet means the file stays in the input location for a later run.
	NotYet
)

// Result is what processing one status file produced.
type Result struct {
	Status   string
	Outcome  Outcome
	Produced []Effect
}

// Processor applies status files.
type Processor struct {
	deps        deps
	maxAttempts int
}

func NewProcessor(st Store, artifacts ArtifactStore, n Notifier, documentDir string, maxAttempts int) *Processor {
	return &Processor{
		deps: deps{
			store:       st,
			artifacts:   artifacts,
			notifier:    n,
			documentDir: documentDir,
		},
		maxAttempts: maxAttempts,
	}
}

// Process parses the status file at path and applies it.
func (p *Processor) Process(ctx context.Context, path string) (Result, error) {
	doc, err := ReadDocument(path)
	if err != nil {
		return Result{}, err
	}
	res, err := regimeFor(doc.Status).apply(ctx, p, filepath.Base(path), doc)
	res.Status = doc.Status
	return res, err
}

// regime is the processing strategy chosen once per file from its status code.
type regime interface {
	apply(ctx context.Context, p *Processor, name string, doc Document) (Result, error)
}

func regimeFor(status string) regime {
	if status == models.StatusPrinted {
		return deferredRegime{}
	}
	return immediateRegime{}
}

// immediateRegime applies the side effects straight away.
type immediateRegime struct{}

func (immediateRegime) apply(ctx context.Context, p *Processor, _ string, doc Document) (Result, error) {
	produced, err := applyAll(ctx, p.deps, doc, false)
	if err != nil {
		return Result{}, err
	}
	return Result{Outcome: Done, Produced: produced}, nil
}

// deferredRegime waits, under a claim on the file name, until every printed
// document referenced by the file has landed.
type deferredRegime struct{}

func (deferredRegime) apply(ctx context.Context, p *Processor, name string, doc Document) (Result, error) {
	res := Result{Outcome: NotYet}
	err := p.deps.store.ClaimStatusFile(ctx, name, func(claim store.ClaimState) (store.ClaimDecision, error) {
		logger := log.With().Str("file", name).Int("attempt", claim.Attempts).Logger()

		if claim.Fresh {
			logger.Info().Msg("printed status file seen for the first time, deferring")
			return store.Retain, nil
		}

		if missing := p.missingArtifacts(doc); len(missing) > 0 {
			if claim.Attempts >= p.maxAttempts {
				telemetry.PrintedDocumentFailed.Inc()
				return store.Release, fmt.Errorf("%w: %d attempts, missing %v", ErrAttemptsExhausted, claim.Attempts, missing)
			}
			logger.Info().Strs("missing", missing).Msg("printed documents not all present yet")
			return store.Retain, nil
		}

		produced, err := applyAll(ctx, p.deps, doc, true)
		if err != nil {
			return store.Release, err
		}
		res = Result{Outcome: Done, Produced: produced}
		return store.Release, nil
	})
	if err != nil {
		return Result{}, err
	}
	return res, nil
}

func (p *Processor) missingArtifacts(doc Document) []string {
	var missing []string
	for _, id := range doc.FileIDs {
		path := ArtifactPath(p.deps.documentDir, id)
		if !files.Readable(path) {
			missing = append(missing, filepath.Base(path))
		}
	}
	return missing
}
