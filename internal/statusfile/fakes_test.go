package statusfile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"document-bridge/internal/docstore"
	"document-bridge/internal/models"
	"document-bridge/internal/store"
)

type memStore struct {
	mu        sync.Mutex
	routing   map[int64]models.Routing
	statuses  map[string]models.StatusEventRecord
	artifacts map[string]string
	claims    map[string]int
	paths     map[string]string
	fileErrs  []models.StatusFileError
	seq       int

	failResetFor  string
	failDeleteFor string
}

func newMemStore() *memStore {
	return &memStore{
		routing:   map[int64]models.Routing{},
		statuses:  map[string]models.StatusEventRecord{},
		artifacts: map[string]string{},
		claims:    map[string]int{},
		paths:     map[string]string{},
	}
}

func (m *memStore) addRoute(fileID int64, requestID, client string) {
	m.routing[fileID] = models.Routing{RequestID: requestID, ClientID: client, Exchange: "ex." + client, RoutingKey: "rk." + client}
}

func (m *memStore) GetRoutingByFileID(_ context.Context, fileID int64) (models.Routing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.routing[fileID]
	if !ok {
		return models.Routing{}, models.NotFoundf("file id %d", fileID)
	}
	return r, nil
}

func (m *memStore) AddRequestStatus(_ context.Context, ev models.StatusEvent) (models.StatusEventRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	rec := models.StatusEventRecord{
		ID:          fmt.Sprintf("st-%d", m.seq),
		RequestID:   ev.RequestID,
		StatusCode:  ev.StatusCode,
		Message:     ev.Message,
		GeneratedAt: ev.GeneratedAt,
		CreatedAt:   time.Now(),
	}
	m.statuses[rec.ID] = rec
	return rec, nil
}

func (m *memStore) UpdateArtifactID(_ context.Context, requestID string, id *string, _ *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id == nil {
		if requestID == m.failResetFor {
			return errors.New("reset refused")
		}
		delete(m.artifacts, requestID)
		return nil
	}
	m.artifacts[requestID] = *id
	return nil
}

func (m *memStore) DeleteStatusRecord(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.statuses[id]; ok && rec.RequestID == m.failDeleteFor {
		return errors.New("delete refused")
	}
	delete(m.statuses, id)
	return nil
}

func (m *memStore) UpdateStatusFilePath(_ context.Context, id, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.statuses[id]; !ok {
		return models.NotFoundf("status %q", id)
	}
	m.paths[id] = path
	return nil
}

func (m *memStore) AddStatusFileError(_ context.Context, name, path, msg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fileErrs = append(m.fileErrs, models.StatusFileError{FileName: name, FilePath: path, Message: msg})
	return nil
}

// ClaimStatusFile mirrors the Postgres claim: create with 1 or increment, then
// keep or delete the row as fn decides, committing even when fn fails.
func (m *memStore) ClaimStatusFile(_ context.Context, name string, fn func(store.ClaimState) (store.ClaimDecision, error)) error {
	m.mu.Lock()
	attempts, ok := m.claims[name]
	state := store.ClaimState{Attempts: 1, Fresh: true}
	if ok {
		state = store.ClaimState{Attempts: attempts + 1}
	}
	m.claims[name] = state.Attempts
	m.mu.Unlock()

	decision, err := fn(state)
	if decision == store.Release {
		m.mu.Lock()
		delete(m.claims, name)
		m.mu.Unlock()
	}
	return err
}

type memArtifacts struct {
	mu         sync.Mutex
	objects    map[string]string
	seq        int
	failOn     int
	emptyIDs   bool
	deleted    []string
	failDelete map[string]bool
}

func newMemArtifacts() *memArtifacts {
	return &memArtifacts{objects: map[string]string{}}
}

func (a *memArtifacts) Upload(_ context.Context, path string) (docstore.ArtifactRef, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.seq++
	if a.failOn == a.seq {
		return docstore.ArtifactRef{}, errors.New("s3 unavailable")
	}
	if a.emptyIDs {
		return docstore.ArtifactRef{CreatedAt: time.Now()}, nil
	}
	id := fmt.Sprintf("doc-%d", a.seq)
	a.objects[id] = path
	return docstore.ArtifactRef{ID: id, CreatedAt: time.Date(2024, 3, 1, 11, 0, 0, 0, time.UTC)}, nil
}

func (a *memArtifacts) Delete(_ context.Context, id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.deleted = append(a.deleted, id)
	if a.failDelete[id] {
		return errors.New("delete refused")
	}
	delete(a.objects, id)
	return nil
}

type sentNotification struct {
	routing  models.Routing
	statusID string
	body     models.Notification
}

var errBrokerDown = errors.New("broker down")

type memNotifier struct {
	mu     sync.Mutex
	calls  int
	failOn int
	sent   []sentNotification
}

func (n *memNotifier) Notify(_ context.Context, r models.Routing, statusID string, body models.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls++
	if n.failOn == n.calls {
		return errBrokerDown
	}
	n.sent = append(n.sent, sentNotification{routing: r, statusID: statusID, body: body})
	return nil
}

func writeStatusFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write status file: %v", err)
	}
	return path
}

func writeArtifacts(t *testing.T, dir string, ids ...int64) {
	t.Helper()
	for _, id := range ids {
		if err := os.WriteFile(ArtifactPath(dir, id), []byte("%PDF-1.4"), 0o644); err != nil {
			t.Fatalf("write artifact: %v", err)
		}
	}
}
