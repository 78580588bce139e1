package intake

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"document-bridge/internal/models"
	"document-bridge/internal/queue"
)

type memStore struct {
	clients   map[string]models.ClientConfiguration
	batches   map[string]bool
	records   map[string]models.RequestRecord
	failAfter bool
}

func newMemStore() *memStore {
	return &memStore{
		clients: map[string]models.ClientConfiguration{
			"c1":  {ClientID: "c1", Enabled: true},
			"off": {ClientID: "off", Enabled: false},
		},
		batches: map[string]bool{},
		records: map[string]models.RequestRecord{},
	}
}

func (m *memStore) BatchExists(_ context.Context, batchID string) (bool, error) {
	return m.batches[batchID], nil
}

func (m *memStore) RequestExists(_ context.Context, ids []string) (bool, error) {
	for _, id := range ids {
		if _, ok := m.records[id]; ok {
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) GetClientConfiguration(_ context.Context, clientID string) (models.ClientConfiguration, error) {
	c, ok := m.clients[clientID]
	if !ok {
		return models.ClientConfiguration{}, models.NotFoundf("client %q", clientID)
	}
	return c, nil
}

// RegisterRequest stages everything and only applies it once beforeCommit succeeds.
func (m *memStore) RegisterRequest(_ context.Context, req models.Request, status string, beforeCommit func() error) error {
	staged := map[string]models.RequestRecord{}
	for _, d := range req.Documents {
		if _, ok := m.records[d.RequestID]; ok {
			return errors.New("duplicate key")
		}
		staged[d.RequestID] = models.RequestRecord{RequestID: d.RequestID, FileID: d.FileID, Command: req.Command, ClientID: req.ClientID, Status: status}
	}
	if beforeCommit != nil {
		if err := beforeCommit(); err != nil {
			return err
		}
	}
	if m.failAfter {
		return errors.New("commit failed")
	}
	if req.Batched() {
		m.batches[req.BatchID] = true
	}
	for id, r := range staged {
		m.records[id] = r
	}
	return nil
}

func TestGuardBatchBeforeAndAfterRegistration(t *testing.T) {
	st := newMemStore()
	g := NewGuard(st)
	req := models.Request{
		Command:   models.CommandRegister,
		BatchID:   "b1",
		ClientID:  "c1",
		Documents: []models.Document{{RequestID: "r1", FileID: 1}, {RequestID: "r2", FileID: 2}},
	}

	exists, err := g.Exists(context.Background(), req)
	if err != nil || exists {
		t.Fatalf("expected not existing before registration, got %v %v", exists, err)
	}
	if err := st.RegisterRequest(context.Background(), req, models.StatusRegistered, nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	exists, err = g.Exists(context.Background(), req)
	if err != nil || !exists {
		t.Fatalf("expected existing after registration, got %v %v", exists, err)
	}

	// Batch identity is independent of document ids.
	other := req
	other.Documents = []models.Document{{RequestID: "fresh", FileID: 9}}
	if exists, _ := g.Exists(context.Background(), other); !exists {
		t.Fatalf("expected batch id alone to decide existence")
	}
}

func TestGuardSingleDocument(t *testing.T) {
	st := newMemStore()
	st.records["r1"] = models.RequestRecord{RequestID: "r1"}
	g := NewGuard(st)

	exists, err := g.Exists(context.Background(), models.Request{Documents: []models.Document{{RequestID: "r1"}}})
	if err != nil || !exists {
		t.Fatalf("expected r1 to exist, got %v %v", exists, err)
	}
	exists, err = g.Exists(context.Background(), models.Request{Documents: []models.Document{{RequestID: "r2"}}})
	if err != nil || exists {
		t.Fatalf("expected r2 not to exist, got %v %v", exists, err)
	}
}

func TestGuardValidation(t *testing.T) {
	g := NewGuard(newMemStore())
	if _, err := g.Exists(context.Background(), models.Request{}); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("expected validation error for empty documents, got %v", err)
	}
	two := models.Request{Documents: []models.Document{{RequestID: "a"}, {RequestID: "b"}}}
	if _, err := g.Exists(context.Background(), two); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("expected validation error for unbatched multi-document request, got %v", err)
	}
}

func TestHandleCreateWritesPayload(t *testing.T) {
	st := newMemStore()
	dir := t.TempDir()
	h, err := NewHandler(st, dir)
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}

	body := []byte(`{"command":"doc_create","batchId":null,"clientId":"c1","documents":[{"requestId":"0f8b6f3e-6a4d-4c1e-9a57-2f1d7c3b9e01","fileId":42,"documentType":"MR"}],"payload":"<Batch/>"}`)
	if err := h.Handle(context.Background(), queue.Message{ID: "m1", Body: body}); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if len(st.records) != 1 {
		t.Fatalf("expected one record, got %d", len(st.records))
	}
	if rec := st.records["0f8b6f3e-6a4d-4c1e-9a57-2f1d7c3b9e01"]; rec.Status != models.StatusRegistered || rec.FileID != 42 {
		t.Fatalf("unexpected record %+v", rec)
	}
	got, err := os.ReadFile(filepath.Join(dir, "request_42.xml"))
	if err != nil || string(got) != "<Batch/>" {
		t.Fatalf("expected payload file, got %q err=%v", got, err)
	}

	// Redelivery is tolerated.
	if err := h.Handle(context.Background(), queue.Message{ID: "m1", Body: body}); err != nil {
		t.Fatalf("duplicate delivery should be acked, got %v", err)
	}
	if len(st.records) != 1 {
		t.Fatalf("duplicate must not register twice")
	}
}

func TestHandleRegisterDoesNotWritePayload(t *testing.T) {
	st := newMemStore()
	dir := t.TempDir()
	h, err := NewHandler(st, dir)
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	body := []byte(`{"command":"doc_register","clientId":"c1","documents":[{"requestId":"9d3a7e52-0c6b-4f18-8e2a-6b1f4d9c7a30","fileId":9}]}`)
	if err := h.Handle(context.Background(), queue.Message{Body: body}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "request_9.xml")); !os.IsNotExist(err) {
		t.Fatalf("doc_register must not write a payload file")
	}
}

func TestHandleRejects(t *testing.T) {
	st := newMemStore()
	h, err := NewHandler(st, t.TempDir())
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	cases := map[string]string{
		"malformed":       `{"command":`,
		"request id":      `{"command":"doc_register","clientId":"c1","documents":[{"requestId":"r1","fileId":1}]}`,
		"schema":          `{"command":"doc_create","documents":[]}`,
		"bad command":     `{"command":"doc_delete","clientId":"c1","documents":[{"requestId":"0f8b6f3e-6a4d-4c1e-9a57-2f1d7c3b9e01","fileId":1}]}`,
		"disabled client": `{"command":"doc_register","clientId":"off","documents":[{"requestId":"0f8b6f3e-6a4d-4c1e-9a57-2f1d7c3b9e01","fileId":1}]}`,
		"unbatched multi": `{"command":"doc_register","clientId":"c1","documents":[{"requestId":"0f8b6f3e-6a4d-4c1e-9a57-2f1d7c3b9e01","fileId":1},{"requestId":"5b2e9c14-81f0-4a7d-b3c6-0d4e8f6a1c22","fileId":2}]}`,
	}
	for name, body := range cases {
		if err := h.Handle(context.Background(), queue.Message{Body: []byte(body)}); !errors.Is(err, models.ErrValidation) {
			t.Fatalf("%s: expected validation error, got %v", name, err)
		}
	}
	err = h.Handle(context.Background(), queue.Message{Body: []byte(`{"command":"doc_register","clientId":"ghost","documents":[{"requestId":"0f8b6f3e-6a4d-4c1e-9a57-2f1d7c3b9e01","fileId":1}]}`)})
	if !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected not found for unknown client, got %v", err)
	}
	if len(st.records) != 0 {
		t.Fatalf("rejected requests must not be registered")
	}
}

func TestPayloadWriteFailureAbortsRegistration(t *testing.T) {
	st := newMemStore()
	h, err := NewHandler(st, filepath.Join(t.TempDir(), "missing"))
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	body := []byte(`{"command":"doc_create","clientId":"c1","documents":[{"requestId":"0f8b6f3e-6a4d-4c1e-9a57-2f1d7c3b9e01","fileId":42}],"payload":"x"}`)
	if err := h.Handle(context.Background(), queue.Message{Body: body}); err == nil {
		t.Fatalf("expected payload write failure")
	}
	if len(st.records) != 0 {
		t.Fatalf("expected no record after aborted registration")
	}
}

func TestCommitFailureRemovesPayload(t *testing.T) {
	st := newMemStore()
	st.failAfter = true
	dir := t.TempDir()
	h, err := NewHandler(st, dir)
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	body := []byte(`{"command":"doc_create","clientId":"c1","documents":[{"requestId":"0f8b6f3e-6a4d-4c1e-9a57-2f1d7c3b9e01","fileId":42}],"payload":"<Batch/>"}`)
	if err := h.Handle(context.Background(), queue.Message{Body: body}); err == nil {
		t.Fatalf("expected commit failure")
	}
	if _, err := os.Stat(filepath.Join(dir, "request_42.xml")); !os.IsNotExist(err) {
		t.Fatalf("expected payload removed after failed commit, stat err=%v", err)
	}
	if len(st.records) != 0 {
		t.Fatalf("expected no record after failed commit")
	}
}
