package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"prototype-queue/internal/config"
	"prototype-queue/internal/models"
	"prototype-queue/internal/queue"
	"prototype-queue/internal/ratelimit"
	"prototype-queue/internal/store"
)

type testEnv struct {
	srv *httptest.Server
	mgr *queue.Manager
	mr  *miniredis.Miniredis
}

func newTestEnv(t *testing.T, capacity int) *testEnv {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := store.NewWithClient(client, "test:")
	mgr := queue.NewManager(st, config.Config{RetentionWindow: time.Hour}, queue.WithLogger(logger))

	var limiter *ratelimit.TokenBucket
	if capacity > 0 {
		limiter = ratelimit.NewTokenBucket(client, "test:", capacity, 0.001, time.Minute)
	}
	srv := httptest.NewServer(New(mgr, limiter, logger).Router())
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, mgr: mgr, mr: mr}
}

func (e *testEnv) do(t *testing.T, method, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, r)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	out := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestEnqueueAndGet(t *testing.T) {
	env := newTestEnv(t, 0)

	resp, body := env.do(t, http.MethodPost, "/jobs", `{"owner_id":"u1","correlation_id":"c1","payload":"a todo app"}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202 got %d", resp.StatusCode)
	}
	if body["status"] != string(models.StatusPending) || body["owner_id"] != "u1" {
		t.Fatalf("unexpected job view %v", body)
	}
	id, _ := body["id"].(string)

	resp, body = env.do(t, http.MethodGet, "/jobs/"+id, "")
	if resp.StatusCode != http.StatusOK || body["id"] != id {
		t.Fatalf("get job: %d %v", resp.StatusCode, body)
	}

	resp, _ = env.do(t, http.MethodGet, "/jobs/does-not-exist", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 got %d", resp.StatusCode)
	}
}

func TestEnqueueValidation(t *testing.T) {
	env := newTestEnv(t, 0)

	if resp, _ := env.do(t, http.MethodPost, "/jobs", `{"owner_id":"u1"}`); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing payload: expected 400 got %d", resp.StatusCode)
	}
	if resp, _ := env.do(t, http.MethodPost, "/jobs", `not json`); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad json: expected 400 got %d", resp.StatusCode)
	}
}

func TestEnqueueRateLimited(t *testing.T) {
	env := newTestEnv(t, 1)

	if resp, _ := env.do(t, http.MethodPost, "/jobs", `{"owner_id":"u1","payload":"x"}`); resp.StatusCode != http.StatusAccepted {
		t.Fatalf("first enqueue: expected 202 got %d", resp.StatusCode)
	}
	resp, _ := env.do(t, http.MethodPost, "/jobs", `{"owner_id":"u1","payload":"y"}`)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429 got %d", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}
	if resp, _ := env.do(t, http.MethodPost, "/jobs", `{"owner_id":"u2","payload":"z"}`); resp.StatusCode != http.StatusAccepted {
		t.Fatalf("other owner: expected 202 got %d", resp.StatusCode)
	}
}

func TestCancel(t *testing.T) {
	env := newTestEnv(t, 0)
	_, body := env.do(t, http.MethodPost, "/jobs", `{"owner_id":"u1","payload":"x"}`)
	id, _ := body["id"].(string)

	resp, _ := env.do(t, http.MethodPost, "/jobs/"+id+"/cancel", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 got %d", resp.StatusCode)
	}
	resp, _ = env.do(t, http.MethodPost, "/jobs/"+id+"/cancel", "")
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("second cancel: expected 409 got %d", resp.StatusCode)
	}
	resp, _ = env.do(t, http.MethodPost, "/jobs/missing/cancel", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing job: expected 404 got %d", resp.StatusCode)
	}

	_, stats := env.do(t, http.MethodGet, "/stats", "")
	if stats["queue_length"] != float64(0) {
		t.Fatalf("cancelled job should leave the queue, stats=%v", stats)
	}
}

func TestListFilters(t *testing.T) {
	env := newTestEnv(t, 0)
	env.do(t, http.MethodPost, "/jobs", `{"owner_id":"u1","payload":"a"}`)
	env.do(t, http.MethodPost, "/jobs", `{"owner_id":"u1","payload":"b"}`)
	env.do(t, http.MethodPost, "/jobs", `{"owner_id":"u2","payload":"c"}`)

	_, body := env.do(t, http.MethodGet, "/jobs?owner_id=u1", "")
	if jobs, _ := body["jobs"].([]any); len(jobs) != 2 {
		t.Fatalf("expected 2 jobs for u1, got %v", body["jobs"])
	}
	_, body = env.do(t, http.MethodGet, "/jobs?limit=1", "")
	if jobs, _ := body["jobs"].([]any); len(jobs) != 1 {
		t.Fatalf("expected limit to apply, got %v", body["jobs"])
	}
	if resp, _ := env.do(t, http.MethodGet, "/jobs?status=bogus", ""); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown status: expected 400 got %d", resp.StatusCode)
	}
}

func TestCleanupEndpoint(t *testing.T) {
	env := newTestEnv(t, 0)
	_, body := env.do(t, http.MethodPost, "/jobs", `{"owner_id":"u1","payload":"x"}`)
	id, _ := body["id"].(string)
	env.do(t, http.MethodPost, "/jobs/"+id+"/cancel", "")

	_, body = env.do(t, http.MethodPost, "/admin/cleanup", "")
	if body["removed"] != float64(0) {
		t.Fatalf("job within retention must survive, got %v", body)
	}
}

func TestHistoryWithoutAuditTrail(t *testing.T) {
	env := newTestEnv(t, 0)
	resp, body := env.do(t, http.MethodGet, "/jobs/anything/history", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 got %d", resp.StatusCode)
	}
	if events, ok := body["events"].([]any); !ok || len(events) != 0 {
		t.Fatalf("expected empty events, got %v", body)
	}
}

func TestStoreUnavailable(t *testing.T) {
	env := newTestEnv(t, 0)
	if resp, _ := env.do(t, http.MethodGet, "/healthz", ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz: expected 200 got %d", resp.StatusCode)
	}

	env.mr.Close()
	if resp, _ := env.do(t, http.MethodGet, "/healthz", ""); resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("healthz: expected 503 got %d", resp.StatusCode)
	}
	if resp, _ := env.do(t, http.MethodPost, "/jobs", `{"owner_id":"u1","payload":"x"}`); resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("enqueue: expected 503 got %d", resp.StatusCode)
	}
}
