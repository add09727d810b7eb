package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/clipferry/backend/internal/config"
	"github.com/clipferry/backend/internal/health"
	"github.com/clipferry/backend/internal/pipeline"
	ws "github.com/clipferry/backend/internal/websocket"
)

type stubPublisher struct{}

func (stubPublisher) Status(context.Context, *pipeline.Job, pipeline.State) {}
func (stubPublisher) Publish(context.Context, *pipeline.Job) error          { return nil }

func apiSnapshot(workDir string) *config.Snapshot {
	return &config.Snapshot{
		WorkDir:          workDir,
		CommandPrefix:    "!",
		PassiveDetection: true,
		BatchProcessing:  true,
		MaxMessageURLs:   3,
		QueueCapacity:    4,
		Limits: config.Limits{
			MaxFileBytes: 10 << 20,
			MaxDuration:  10 * time.Minute,
		},
		Platforms: []config.PlatformProfile{
			{Name: "youtube", Domains: []string{"youtube.com", "youtu.be"}, Enabled: true, UseYtdlp: true},
		},
	}
}

func newTestServer(t *testing.T) (*httptest.Server, *pipeline.Service) {
	t.Helper()

	snap := apiSnapshot(t.TempDir())
	store := config.NewStore(func() *config.Snapshot { return snap })
	queue := pipeline.NewQueue(snap.QueueCapacity)

	// Handlers never start workers; a nil scheduler keeps the test focused
	// on the HTTP surface.
	service := pipeline.NewService(store, queue, nil, stubPublisher{})

	checker := health.NewChecker("sh", "sh", "sh")
	router := NewRouter(service, nil, checker, ws.NewHub())

	srv := httptest.NewServer(router.Handler())
	t.Cleanup(srv.Close)
	return srv, service
}

func postIntake(t *testing.T, srv *httptest.Server, body string) *http.Response {
	t.Helper()
	payload, _ := json.Marshal(map[string]string{
		"body":   body,
		"room":   "!room",
		"event":  "$evt",
		"sender": "@user",
	})
	resp, err := http.Post(srv.URL+"/intake/message", "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("POST /intake/message: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID header")
	}

	var body struct {
		Status string          `json:"status"`
		Checks map[string]bool `json:"checks"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "ok" {
		t.Errorf("status = %s, want ok", body.Status)
	}
	if len(body.Checks) != 3 {
		t.Errorf("checks = %v, want 3 entries", body.Checks)
	}
}

func TestIntakeAdmitsJob(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postIntake(t, srv, "https://youtu.be/dQw4w9WgXcQ")
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}

	var body struct {
		Jobs []struct {
			ID    string `json:"id"`
			State string `json:"state"`
		} `json:"jobs"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if len(body.Jobs) != 1 {
		t.Fatalf("jobs = %d, want 1", len(body.Jobs))
	}
	if body.Jobs[0].State != "queued" {
		t.Errorf("state = %s, want queued", body.Jobs[0].State)
	}
}

func TestIntakeReportsRejections(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postIntake(t, srv, "https://vimeo.com/12345")
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}

	var body struct {
		Jobs       []json.RawMessage `json:"jobs"`
		Rejections []struct {
			Code string `json:"code"`
		} `json:"rejections"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if len(body.Rejections) != 1 || body.Rejections[0].Code != "NOT_WHITELISTED" {
		t.Errorf("rejections = %+v", body.Rejections)
	}
}

func TestIntakeRejectsBadRequests(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Post(srv.URL+"/intake/message", "application/json", bytes.NewReader([]byte("{not json")))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("garbage body: status = %d, want 400", resp.StatusCode)
	}

	resp2 := postIntake(t, srv, "")
	if resp2.StatusCode != http.StatusBadRequest {
		t.Errorf("empty body field: status = %d, want 400", resp2.StatusCode)
	}
}

func TestJobLookup(t *testing.T) {
	srv, service := newTestServer(t)

	resp := postIntake(t, srv, "https://youtu.be/dQw4w9WgXcQ")
	var admitted struct {
		Jobs []struct {
			ID string `json:"id"`
		} `json:"jobs"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&admitted); err != nil {
		t.Fatal(err)
	}
	id := admitted.Jobs[0].ID

	lookup, err := http.Get(srv.URL + "/jobs/" + id)
	if err != nil {
		t.Fatal(err)
	}
	defer lookup.Body.Close()
	if lookup.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", lookup.StatusCode)
	}

	var view struct {
		ID       string `json:"id"`
		State    string `json:"state"`
		Platform string `json:"platform"`
	}
	if err := json.NewDecoder(lookup.Body).Decode(&view); err != nil {
		t.Fatal(err)
	}
	if view.ID != id || view.State != "queued" || view.Platform != "youtube" {
		t.Errorf("view = %+v", view)
	}

	if job, ok := service.Job(id); !ok || job.ID != id {
		t.Error("service lookup should agree with the handler")
	}

	missing, err := http.Get(srv.URL + "/jobs/does-not-exist")
	if err != nil {
		t.Fatal(err)
	}
	defer missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Errorf("unknown job: status = %d, want 404", missing.StatusCode)
	}
}

func TestCancelEndpoint(t *testing.T) {
	srv, service := newTestServer(t)

	resp := postIntake(t, srv, "https://youtu.be/dQw4w9WgXcQ")
	var admitted struct {
		Jobs []struct {
			ID string `json:"id"`
		} `json:"jobs"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&admitted); err != nil {
		t.Fatal(err)
	}
	id := admitted.Jobs[0].ID

	cancel, err := http.Post(srv.URL+"/jobs/"+id+"/cancel", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer cancel.Body.Close()
	if cancel.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", cancel.StatusCode)
	}

	job, ok := service.Job(id)
	if !ok || !job.IsCancelled() {
		t.Error("job should be marked cancelled")
	}

	missing, err := http.Post(srv.URL+"/jobs/nope/cancel", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Errorf("unknown job: status = %d, want 404", missing.StatusCode)
	}
}

func TestRecentWithoutHistory(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/jobs")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var body struct {
		Jobs []json.RawMessage `json:"jobs"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Jobs == nil {
		t.Error("jobs should be an empty list, not null")
	}
	if len(body.Jobs) != 0 {
		t.Errorf("jobs = %d, want 0 without a history store", len(body.Jobs))
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}
