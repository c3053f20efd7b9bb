package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/opensafely-core/job-runner/internal/controller"
	"github.com/opensafely-core/job-runner/internal/dispatcher"
	"github.com/opensafely-core/job-runner/internal/job"
	"github.com/opensafely-core/job-runner/internal/store"
)

const testProjectYAML = `
actions:
  generate_cohort:
    run: "cohortextractor:latest generate_cohort"
    outputs:
      highly_sensitive:
        cohort: output/input.csv
`

// fakeFetcher is a gitfetch.Fetcher stand-in that never touches a network,
// so the Sync Loop's expansion path can run against a fixed project.yaml.
type fakeFetcher struct {
	commit  string
	project []byte
	err     error
}

func (f *fakeFetcher) ResolveCommit(_ context.Context, _, _ string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.commit, nil
}

func (f *fakeFetcher) FetchFile(_ context.Context, _, _, _ string) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.project, nil
}

// captureDispatcher records every dispatched event instead of delivering it,
// so tests can assert on what the Sync Loop pushed without running an HTTP
// server on the receiving end.
type captureDispatcher struct {
	mu     sync.Mutex
	events []*dispatcher.Event
}

func (d *captureDispatcher) Dispatch(event *dispatcher.Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, event)
	return nil
}

func (d *captureDispatcher) Stats() dispatcher.Stats { return dispatcher.Stats{} }
func (d *captureDispatcher) Close(_ context.Context) error { return nil }

func (d *captureDispatcher) payloads(t *testing.T) []map[string]any {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]map[string]any, 0, len(d.events))
	for _, e := range d.events {
		out = append(out, e.Payload.Data)
	}
	return out
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// jobServerStub serves `/api/v2/job-requests/active/` with a fixed set of
// JobRequests and records the bearer token it was called with.
func jobServerStub(t *testing.T, requests []*job.JobRequest) (*httptest.Server, *string) {
	t.Helper()
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"results": requests})
	}))
	t.Cleanup(srv.Close)
	return srv, &gotAuth
}

func newJobRequest(id, backend string) *job.JobRequest {
	return &job.JobRequest{
		ID:      id,
		Backend: backend,
		Workspace: job.Workspace{
			Name:    "test-workspace",
			RepoURL: "https://example.invalid/org/repo.git",
			Branch:  "main",
		},
		Action:           "run_all",
		RequestedActions: []string{"generate_cohort"},
		CreatedAt:        time.Now().UTC(),
	}
}

func TestLoop_Tick_ExpandsAndPushesStatus(t *testing.T) {
	s := newTestStore(t)
	fetcher := &fakeFetcher{commit: "abc123", project: []byte(testProjectYAML)}
	rap := controller.NewRAPService(s, fetcher)

	req := newJobRequest("jr-1", "tpp")
	srv, gotAuth := jobServerStub(t, []*job.JobRequest{req})

	client := NewClient(srv.URL, map[string]string{"tpp": "pull-token"})
	capture := &captureDispatcher{}
	loop := NewLoop(s, rap, client, capture, []string{"tpp"}, srv.URL, map[string]string{"tpp": "sign-key"})

	if err := loop.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	if *gotAuth != "Bearer pull-token" {
		t.Errorf("expected pull to carry backend token, got %q", *gotAuth)
	}

	if _, err := s.GetJobRequest(context.Background(), "jr-1"); err != nil {
		t.Fatalf("GetJobRequest: %v", err)
	}

	jobs, err := rap.StatusForRequest(context.Background(), "jr-1")
	if err != nil {
		t.Fatalf("StatusForRequest: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("expected 1 job to have been expanded, got %d", len(jobs))
	}
	if jobs[0].Commit != "abc123" {
		t.Errorf("expected the expanded job to carry the resolved commit, got %q", jobs[0].Commit)
	}

	payloads := capture.payloads(t)
	if len(payloads) != 1 {
		t.Fatalf("expected 1 status push, got %d", len(payloads))
	}
	if _, present := payloads[0]["outputs"]; present {
		t.Errorf("expected raw outputs content to never cross the push boundary, got %v", payloads[0]["outputs"])
	}
	if _, present := payloads[0]["output_patterns"]; !present {
		t.Errorf("expected output_patterns in place of outputs, got %v", payloads[0])
	}
}

func TestLoop_Tick_IsIdempotentAcrossTicks(t *testing.T) {
	s := newTestStore(t)
	fetcher := &fakeFetcher{commit: "abc123", project: []byte(testProjectYAML)}
	rap := controller.NewRAPService(s, fetcher)

	req := newJobRequest("jr-2", "tpp")
	srv, _ := jobServerStub(t, []*job.JobRequest{req})

	client := NewClient(srv.URL, map[string]string{"tpp": "pull-token"})
	capture := &captureDispatcher{}
	loop := NewLoop(s, rap, client, capture, []string{"tpp"}, srv.URL, map[string]string{"tpp": "sign-key"})

	ctx := context.Background()
	if err := loop.Tick(ctx); err != nil {
		t.Fatalf("first Tick: %v", err)
	}
	if err := loop.Tick(ctx); err != nil {
		t.Fatalf("second Tick: %v", err)
	}

	jobs, err := rap.StatusForRequest(ctx, "jr-2")
	if err != nil {
		t.Fatalf("StatusForRequest: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("expected the job request to expand exactly once across repeated ticks, got %d jobs", len(jobs))
	}
}

func TestLoop_Tick_UnresolvableBranchMarksExpandedAnyway(t *testing.T) {
	s := newTestStore(t)
	fetcher := &fakeFetcher{err: fmt.Errorf("branch not found")}
	rap := controller.NewRAPService(s, fetcher)

	req := newJobRequest("jr-3", "tpp")
	srv, _ := jobServerStub(t, []*job.JobRequest{req})

	client := NewClient(srv.URL, map[string]string{"tpp": "pull-token"})
	capture := &captureDispatcher{}
	loop := NewLoop(s, rap, client, capture, []string{"tpp"}, srv.URL, map[string]string{"tpp": "sign-key"})

	if err := loop.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	pending, err := s.UnexpandedJobRequests(context.Background(), "tpp")
	if err != nil {
		t.Fatalf("UnexpandedJobRequests: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("expected a non-retriable expansion failure to still be marked expanded, got %d still pending", len(pending))
	}
}

func TestLoop_Tick_MultipleBackendsAreIndependent(t *testing.T) {
	s := newTestStore(t)
	fetcher := &fakeFetcher{commit: "abc123", project: []byte(testProjectYAML)}
	rap := controller.NewRAPService(s, fetcher)

	tppReq := newJobRequest("jr-tpp", "tpp")
	emisReq := newJobRequest("jr-emis", "emis")

	tppSrv, _ := jobServerStub(t, []*job.JobRequest{tppReq})
	emisSrv, _ := jobServerStub(t, []*job.JobRequest{emisReq})

	// Two backends polling two different job-server instances is unrealistic
	// in production (one job-server, many backends) but exercises the loop's
	// per-backend independence: a failure fetching for one backend must not
	// block the other.
	capture := &captureDispatcher{}
	loop := &Loop{
		store:      s,
		rap:        rap,
		dispatcher: capture,
		backends:   []string{"tpp", "emis"},
		source:     "test",
		signingKeys: map[string]string{"tpp": "k1", "emis": "k2"},
	}
	loop.client = NewClient(tppSrv.URL, map[string]string{"tpp": "t1"})

	// syncBackend always calls through l.client, so point both backends at
	// their own client by calling syncBackend once per backend, swapping the
	// client in between, instead of trying to give one Client two base URLs.
	loop.client = NewClient(tppSrv.URL, map[string]string{"tpp": "t1"})
	if err := loop.syncBackend(context.Background(), "tpp"); err != nil {
		t.Fatalf("syncBackend(tpp): %v", err)
	}
	loop.client = NewClient(emisSrv.URL, map[string]string{"emis": "t2"})
	if err := loop.syncBackend(context.Background(), "emis"); err != nil {
		t.Fatalf("syncBackend(emis): %v", err)
	}

	for _, id := range []string{"jr-tpp", "jr-emis"} {
		if _, err := s.GetJobRequest(context.Background(), id); err != nil {
			t.Errorf("expected %s to be stored: %v", id, err)
		}
	}
}

func TestClient_ActiveJobRequests_ExhaustedRetriesReturnsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, map[string]string{"tpp": "token"})
	_, err := client.ActiveJobRequests(context.Background(), "tpp")
	if err == nil {
		t.Fatal("expected an error from a server that always 500s")
	}
}
