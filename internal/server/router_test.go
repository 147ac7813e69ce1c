package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"expbot/internal/delivery"
	"expbot/internal/manager"
	"expbot/internal/store/sqlite"
)

const testBotSecret = "shh-bot-secret"

type nopQueue struct{ jobs []delivery.Job }

func (q *nopQueue) Enqueue(job delivery.Job) bool {
	q.jobs = append(q.jobs, job)
	return true
}

func newTestServer(t *testing.T) (*httptest.Server, *nopQueue) {
	t.Helper()
	st, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := st.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("schema: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	q := &nopQueue{}
	mgr := manager.New(st, q, nil)
	srv := httptest.NewServer(NewRouter(mgr, "", testBotSecret).Handler())
	t.Cleanup(srv.Close)
	return srv, q
}

func doJSON(t *testing.T, method, url string, headers map[string]string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func registerUser(t *testing.T, srv *httptest.Server, platformID int64) string {
	t.Helper()
	resp, out := doJSON(t, http.MethodPost, srv.URL+"/api/register",
		map[string]string{"X-Bot-Secret": testBotSecret},
		map[string]any{"platform_user_id": platformID, "chat_id": platformID + 1, "display_name": "tester"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("register status %d: %v", resp.StatusCode, out)
	}
	key, _ := out["api_key"].(string)
	if key == "" {
		t.Fatalf("register returned no api_key: %v", out)
	}
	return key
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, out := doJSON(t, http.MethodGet, srv.URL+"/healthz", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if out["status"] != "ok" {
		t.Fatalf("unexpected body: %v", out)
	}
}

func TestRegisterValidateNotify(t *testing.T) {
	srv, q := newTestServer(t)
	key := registerUser(t, srv, 100)

	// Bearer form
	resp, out := doJSON(t, http.MethodGet, srv.URL+"/api/validate",
		map[string]string{"Authorization": "Bearer " + key}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("validate status %d: %v", resp.StatusCode, out)
	}
	user, _ := out["user"].(map[string]any)
	if user["display_name"] != "tester" {
		t.Fatalf("unexpected user: %v", out)
	}

	// X-API-Key form
	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/api/notify",
		map[string]string{"X-API-Key": key},
		map[string]any{"message": "done", "metadata": map[string]any{"acc": 0.9}})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("notify status %d", resp.StatusCode)
	}
	if len(q.jobs) != 1 || q.jobs[0].Message != "done" {
		t.Fatalf("expected one enqueued job, got %v", q.jobs)
	}

	resp, out = doJSON(t, http.MethodPost, srv.URL+"/api/notify",
		map[string]string{"X-API-Key": key},
		map[string]any{"message": ""})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty message should be 400, got %d: %v", resp.StatusCode, out)
	}
}

func TestAuthRejections(t *testing.T) {
	srv, _ := newTestServer(t)
	key := registerUser(t, srv, 200)

	cases := []struct {
		name    string
		url     string
		headers map[string]string
	}{
		{"no key", srv.URL + "/api/validate", nil},
		{"bad key", srv.URL + "/api/validate", map[string]string{"X-API-Key": "exp_AAAAAAAAAAAAAAAAAAAAAA"}},
		{"malformed key", srv.URL + "/api/validate", map[string]string{"X-API-Key": "nope"}},
		{"bad bot secret", srv.URL + "/api/user/status?platform_user_id=200", map[string]string{"X-Bot-Secret": "wrong"}},
	}
	for _, tc := range cases {
		resp, _ := doJSON(t, http.MethodGet, tc.url, tc.headers, nil)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", tc.name, resp.StatusCode)
		}
	}

	// Revoke kills the old key from the next request on.
	resp, out := doJSON(t, http.MethodPost, srv.URL+"/api/revoke",
		map[string]string{"X-Bot-Secret": testBotSecret},
		map[string]any{"platform_user_id": 200})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("revoke status %d: %v", resp.StatusCode, out)
	}
	newKey, _ := out["api_key"].(string)
	if newKey == "" || newKey == key {
		t.Fatalf("revoke must mint a fresh key, got %q", newKey)
	}
	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/api/validate",
		map[string]string{"X-API-Key": key}, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("old key should be dead, got %d", resp.StatusCode)
	}
	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/api/validate",
		map[string]string{"X-API-Key": newKey}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("new key should work, got %d", resp.StatusCode)
	}
}

func TestProcessEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)
	key := registerUser(t, srv, 300)
	auth := map[string]string{"X-API-Key": key}

	resp, out := doJSON(t, http.MethodPost, srv.URL+"/api/process/start", auth,
		map[string]any{"name": "train", "metadata": map[string]any{"epochs": 3}})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start status %d: %v", resp.StatusCode, out)
	}
	pid, _ := out["process_id"].(string)
	if pid == "" {
		t.Fatalf("start returned no process_id: %v", out)
	}

	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/api/process/heartbeat", auth,
		map[string]any{"process_id": pid})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("heartbeat status %d", resp.StatusCode)
	}

	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/api/process/heartbeat", auth,
		map[string]any{"process_id": pid, "metadata": map[string]any{"step": 42}})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("heartbeat with metadata status %d", resp.StatusCode)
	}

	resp, out = doJSON(t, http.MethodPost, srv.URL+"/api/process/heartbeat", auth,
		map[string]any{"process_id": "no-such-process"})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown process should be 404, got %d: %v", resp.StatusCode, out)
	}

	resp, out = doJSON(t, http.MethodPost, srv.URL+"/api/process/end", auth,
		map[string]any{"process_id": pid, "status": "completed"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("end status %d: %v", resp.StatusCode, out)
	}
	if _, ok := out["duration_seconds"].(float64); !ok {
		t.Fatalf("end missing duration_seconds: %v", out)
	}

	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/api/process/end", auth,
		map[string]any{"process_id": pid, "status": "completed"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("double end should be 400, got %d", resp.StatusCode)
	}

	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/api/process/start", auth,
		map[string]any{"process_id": "fixed", "name": "a"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start fixed id status %d", resp.StatusCode)
	}
	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/api/process/end", auth,
		map[string]any{"process_id": "fixed", "status": "running"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("non-terminal status should be 400, got %d", resp.StatusCode)
	}
}

func TestUserStatusAndMute(t *testing.T) {
	srv, q := newTestServer(t)
	key := registerUser(t, srv, 400)
	botAuth := map[string]string{"X-Bot-Secret": testBotSecret}

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/user/mute", botAuth,
		map[string]any{"platform_user_id": 400})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("mute status %d", resp.StatusCode)
	}

	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/api/notify",
		map[string]string{"X-API-Key": key}, map[string]any{"message": "silent"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("muted notify should still be 200, got %d", resp.StatusCode)
	}
	if len(q.jobs) != 0 {
		t.Fatalf("muted user must not enqueue, got %v", q.jobs)
	}

	resp, out := doJSON(t, http.MethodGet,
		fmt.Sprintf("%s/api/user/status?platform_user_id=%d", srv.URL, 400), botAuth, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %v", resp.StatusCode, out)
	}
	st, _ := out["status"].(map[string]any)
	if st["muted"] != true {
		t.Fatalf("expected muted=true, got %v", st)
	}
	masked, _ := st["api_key"].(string)
	if masked == key || len(masked) >= len(key) {
		t.Fatalf("status must not expose the full key, got %q", masked)
	}

	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/api/user/unmute", botAuth,
		map[string]any{"platform_user_id": 400})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unmute status %d", resp.StatusCode)
	}
	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/api/notify",
		map[string]string{"X-API-Key": key}, map[string]any{"message": "loud"})
	if resp.StatusCode != http.StatusOK || len(q.jobs) != 1 {
		t.Fatalf("unmuted notify should enqueue, status %d jobs %v", resp.StatusCode, q.jobs)
	}

	resp, _ = doJSON(t, http.MethodGet,
		srv.URL+"/api/user/status?platform_user_id=99999", botAuth, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown user should be 404, got %d", resp.StatusCode)
	}
}
