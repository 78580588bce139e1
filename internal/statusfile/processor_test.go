package statusfile

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"document-bridge/internal/docstore"
	"document-bridge/internal/telemetry"
)

type fixture struct {
	store     *memStore
	artifacts *memArtifacts
	notifier  *memNotifier
	proc      *Processor
	inputDir  string
	docDir    string
}

func newFixture(t *testing.T, maxAttempts int) *fixture {
	t.Helper()
	f := &fixture{
		store:     newMemStore(),
		artifacts: newMemArtifacts(),
		notifier:  &memNotifier{},
		inputDir:  t.TempDir(),
		docDir:    t.TempDir(),
	}
	f.proc = NewProcessor(f.store, f.artifacts, f.notifier, f.docDir, maxAttempts)
	return f
}

func TestImmediateStatusNotifiesClient(t *testing.T) {
	f := newFixture(t, 7)
	f.store.addRoute(42, "r1", "c1")
	path := writeStatusFile(t, f.inputDir, "s.xml", statusXML("AA", "2024-03-01T10:15:00", "42"))

	res, err := f.proc.Process(context.Background(), path)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.Outcome != Done || res.Status != "AA" {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(f.notifier.sent) != 1 {
		t.Fatalf("expected one notification, got %d", len(f.notifier.sent))
	}
	got := f.notifier.sent[0]
	if got.body.RequestID != "r1" || got.routing.Exchange != "ex.c1" || got.routing.RoutingKey != "rk.c1" {
		t.Fatalf("unexpected notification %+v", got)
	}
	if got.body.DocumentID != "" || got.body.DocumentCreatedAt != nil {
		t.Fatalf("immediate status must not carry a document: %+v", got.body)
	}
	if got.statusID != res.Produced[0].StatusID {
		t.Fatalf("message id %q should be the status record id %q", got.statusID, res.Produced[0].StatusID)
	}
	if len(f.artifacts.objects) != 0 {
		t.Fatalf("immediate status must not upload")
	}
}

func TestDuplicateFileIDsProcessedOnce(t *testing.T) {
	f := newFixture(t, 7)
	f.store.addRoute(42, "r1", "c1")
	path := writeStatusFile(t, f.inputDir, "s.xml", statusXML("AA", "2024-03-01T10:15:00", "42", "42"))

	res, err := f.proc.Process(context.Background(), path)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(res.Produced) != 1 || len(f.notifier.sent) != 1 || len(f.store.statuses) != 1 {
		t.Fatalf("duplicate id processed twice: %+v", res)
	}
}

func TestUnknownFileIDFailsFile(t *testing.T) {
	f := newFixture(t, 7)
	f.store.addRoute(1, "r1", "c1")
	path := writeStatusFile(t, f.inputDir, "s.xml", statusXML("AA", "2024-03-01T10:15:00", "1", "99"))

	if _, err := f.proc.Process(context.Background(), path); err == nil {
		t.Fatalf("expected error for unknown file id")
	}
	if len(f.store.statuses) != 0 {
		t.Fatalf("status of r1 should have been compensated")
	}
}

func TestDeferredFirstAttemptHasNoSideEffects(t *testing.T) {
	f := newFixture(t, 7)
	f.store.addRoute(42, "r1", "c1")
	writeArtifacts(t, f.docDir, 42)
	path := writeStatusFile(t, f.inputDir, "p.xml", statusXML("PP", "2024-03-01T10:15:00", "42"))

	res, err := f.proc.Process(context.Background(), path)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.Outcome != NotYet {
		t.Fatalf("first sighting must defer, got %+v", res)
	}
	if len(f.artifacts.objects) != 0 || len(f.store.statuses) != 0 || len(f.notifier.sent) != 0 {
		t.Fatalf("side effects on first attempt")
	}
	if f.store.claims["p.xml"] != 1 {
		t.Fatalf("expected claim with one attempt, got %d", f.store.claims["p.xml"])
	}
}

func TestDeferredSecondAttemptUploads(t *testing.T) {
	f := newFixture(t, 7)
	f.store.addRoute(42, "r1", "c1")
	writeArtifacts(t, f.docDir, 42)
	path := writeStatusFile(t, f.inputDir, "p.xml", statusXML("PP", "2024-03-01T10:15:00", "42"))
	ctx := context.Background()

	if _, err := f.proc.Process(ctx, path); err != nil {
		t.Fatalf("first: %v", err)
	}
	res, err := f.proc.Process(ctx, path)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if res.Outcome != Done || len(res.Produced) != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	e := res.Produced[0]
	if e.ArtifactID == "" || e.ArtifactPath != ArtifactPath(f.docDir, 42) {
		t.Fatalf("unexpected effect %+v", e)
	}
	if f.store.artifacts["r1"] != e.ArtifactID {
		t.Fatalf("artifact id not stored on request")
	}
	n := f.notifier.sent[0].body
	if n.DocumentID != e.ArtifactID || n.DocumentCreatedAt == nil {
		t.Fatalf("notification missing document: %+v", n)
	}
	if _, ok := f.store.claims["p.xml"]; ok {
		t.Fatalf("claim should be released after success")
	}
}

func TestDeferredWaitsForMissingArtifacts(t *testing.T) {
	f := newFixture(t, 7)
	f.store.addRoute(1, "r1", "c1")
	f.store.addRoute(2, "r2", "c1")
	writeArtifacts(t, f.docDir, 1)
	path := writeStatusFile(t, f.inputDir, "p.xml", statusXML("PP", "2024-03-01T10:15:00", "1", "2"))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := f.proc.Process(ctx, path)
		if err != nil {
			t.Fatalf("attempt %d: %v", i+1, err)
		}
		if res.Outcome != NotYet {
			t.Fatalf("attempt %d should wait", i+1)
		}
	}
	if len(f.artifacts.objects) != 0 || f.store.claims["p.xml"] != 3 {
		t.Fatalf("unexpected state: uploads=%d attempts=%d", len(f.artifacts.objects), f.store.claims["p.xml"])
	}
}

func TestDeferredCeilingFailsOnce(t *testing.T) {
	f := newFixture(t, 3)
	f.store.addRoute(42, "r1", "c1")
	path := writeStatusFile(t, f.inputDir, "p.xml", statusXML("PP", "2024-03-01T10:15:00", "42"))
	ctx := context.Background()
	before := testutil.ToFloat64(telemetry.PrintedDocumentFailed)

	for i := 0; i < 2; i++ {
		if _, err := f.proc.Process(ctx, path); err != nil {
			t.Fatalf("attempt %d: %v", i+1, err)
		}
	}
	_, err := f.proc.Process(ctx, path)
	if !errors.Is(err, ErrAttemptsExhausted) {
		t.Fatalf("expected ErrAttemptsExhausted, got %v", err)
	}
	if got := testutil.ToFloat64(telemetry.PrintedDocumentFailed) - before; got != 1 {
		t.Fatalf("expected gauge +1, got %v", got)
	}
	if _, ok := f.store.claims["p.xml"]; ok {
		t.Fatalf("claim should be deleted at the ceiling")
	}
}

func TestNthNotifyFailureCompensates(t *testing.T) {
	f := newFixture(t, 7)
	for i, id := range []int64{1, 2, 3} {
		f.store.addRoute(id, []string{"r1", "r2", "r3"}[i], "c1")
	}
	writeArtifacts(t, f.docDir, 1, 2, 3)
	f.notifier.failOn = 3
	path := writeStatusFile(t, f.inputDir, "p.xml", statusXML("PP", "2024-03-01T10:15:00", "1", "2", "3"))
	ctx := context.Background()
	before := testutil.ToFloat64(telemetry.Compensations)

	if _, err := f.proc.Process(ctx, path); err != nil {
		t.Fatalf("first: %v", err)
	}
	if _, err := f.proc.Process(ctx, path); err == nil {
		t.Fatalf("expected notify failure")
	}
	if len(f.artifacts.objects) != 0 {
		t.Fatalf("uploads left behind: %v", f.artifacts.objects)
	}
	if len(f.artifacts.deleted) != 3 {
		t.Fatalf("expected 3 deletions, got %v", f.artifacts.deleted)
	}
	if len(f.store.statuses) != 0 {
		t.Fatalf("status records left behind: %d", len(f.store.statuses))
	}
	if len(f.store.artifacts) != 0 {
		t.Fatalf("artifact ids not reset: %v", f.store.artifacts)
	}
	if got := testutil.ToFloat64(telemetry.Compensations) - before; got != 3 {
		t.Fatalf("expected 3 compensations, got %v", got)
	}
	if _, ok := f.store.claims["p.xml"]; ok {
		t.Fatalf("claim should be released after failure")
	}
}

func TestUploadFailureCompensatesEarlierRequests(t *testing.T) {
	f := newFixture(t, 7)
	f.store.addRoute(1, "r1", "c1")
	f.store.addRoute(2, "r2", "c1")
	writeArtifacts(t, f.docDir, 1, 2)
	f.artifacts.failOn = 2
	path := writeStatusFile(t, f.inputDir, "p.xml", statusXML("PP", "2024-03-01T10:15:00", "1", "2"))
	ctx := context.Background()

	_, _ = f.proc.Process(ctx, path)
	if _, err := f.proc.Process(ctx, path); err == nil {
		t.Fatalf("expected upload failure")
	}
	if len(f.artifacts.objects) != 0 || len(f.store.statuses) != 0 || len(f.store.artifacts) != 0 {
		t.Fatalf("first request not compensated")
	}
}

func TestEmptyArtifactIDIsFailure(t *testing.T) {
	f := newFixture(t, 7)
	f.store.addRoute(42, "r1", "c1")
	writeArtifacts(t, f.docDir, 42)
	f.artifacts.emptyIDs = true
	path := writeStatusFile(t, f.inputDir, "p.xml", statusXML("PP", "2024-03-01T10:15:00", "42"))
	ctx := context.Background()

	_, _ = f.proc.Process(ctx, path)
	_, err := f.proc.Process(ctx, path)
	if !errors.Is(err, docstore.ErrArtifactMissing) {
		t.Fatalf("expected ErrArtifactMissing, got %v", err)
	}
	if len(f.store.statuses) != 0 || len(f.notifier.sent) != 0 {
		t.Fatalf("nothing should be recorded for an empty artifact id")
	}
}

func TestCompensationContinuesPastFailedSteps(t *testing.T) {
	f := newFixture(t, 7)
	for i, id := range []int64{1, 2, 3} {
		f.store.addRoute(id, []string{"r1", "r2", "r3"}[i], "c1")
	}
	writeArtifacts(t, f.docDir, 1, 2, 3)
	f.notifier.failOn = 3
	f.artifacts.failDelete = map[string]bool{"doc-2": true}
	f.store.failResetFor = "r2"
	f.store.failDeleteFor = "r2"
	path := writeStatusFile(t, f.inputDir, "p.xml", statusXML("PP", "2024-03-01T10:15:00", "1", "2", "3"))
	ctx := context.Background()
	before := testutil.ToFloat64(telemetry.Compensations)

	if _, err := f.proc.Process(ctx, path); err != nil {
		t.Fatalf("first: %v", err)
	}
	_, err := f.proc.Process(ctx, path)
	if !errors.Is(err, errBrokerDown) {
		t.Fatalf("expected the notify error, got %v", err)
	}

	if len(f.artifacts.deleted) != 3 {
		t.Fatalf("every upload should be attempted, got %v", f.artifacts.deleted)
	}
	if _, ok := f.artifacts.objects["doc-1"]; ok {
		t.Fatalf("first request's upload survived")
	}
	if _, ok := f.artifacts.objects["doc-3"]; ok {
		t.Fatalf("third request's upload survived")
	}
	if _, ok := f.store.artifacts["r1"]; ok {
		t.Fatalf("first request's artifact id not reset")
	}
	if _, ok := f.store.artifacts["r3"]; ok {
		t.Fatalf("third request's artifact id not reset")
	}
	for _, rec := range f.store.statuses {
		if rec.RequestID != "r2" {
			t.Fatalf("status record of %s survived", rec.RequestID)
		}
	}
	if len(f.store.statuses) != 1 {
		t.Fatalf("expected only the refused status record left, got %d", len(f.store.statuses))
	}
	if got := testutil.ToFloat64(telemetry.Compensations) - before; got != 3 {
		t.Fatalf("expected 3 compensations, got %v", got)
	}
}
