package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/osiriscare/agent-deployer/internal/config"
	"github.com/osiriscare/agent-deployer/internal/credentials"
	"github.com/osiriscare/agent-deployer/internal/deploy"
	"github.com/osiriscare/agent-deployer/internal/history"
)

// steps satisfies every deploy step interface. block, when set, holds the
// preparation step until closed.
type steps struct {
	mu       sync.Mutex
	block    chan struct{}
	password string
	stopErr  error
}

func (s *steps) Check(ctx context.Context, cfg *config.Config) error {
	if s.block != nil {
		<-s.block
	}
	return nil
}

func (s *steps) Acquire(ctx context.Context, destDir string, cfg *config.Config) (string, error) {
	return destDir + "/" + cfg.BinaryName, nil
}

func (s *steps) Provision(cfg *config.Config) error { return nil }

func (s *steps) Materialize(cfg *config.Config, binaryPath string) (string, error) {
	s.mu.Lock()
	s.password = cfg.Admin.Password
	s.mu.Unlock()
	return cfg.ConfigFile(), nil
}

func (s *steps) Register(ctx context.Context, binaryPath, configPath string, cfg *config.Config) error {
	return nil
}

func (s *steps) Start(ctx context.Context) error                      { return nil }
func (s *steps) Stop(ctx context.Context) error                       { return s.stopErr }
func (s *steps) Restart(ctx context.Context) error                    { return nil }
func (s *steps) Verify(ctx context.Context, cfg *config.Config) error { return nil }

type runs struct{ list []history.Run }

func (r runs) List(limit int) ([]history.Run, error) {
	if limit < len(r.list) {
		return r.list[:limit], nil
	}
	return r.list, nil
}

type secrets map[string]string

func (s secrets) Lookup(org, username string) (string, error) {
	pw, ok := s[credentials.Account(org, username)]
	if !ok {
		return "", credentials.ErrNotFound
	}
	return pw, nil
}

func newTestServer(t *testing.T, st *steps) (*Server, *deploy.Orchestrator) {
	t.Helper()
	home := t.TempDir()
	o := deploy.NewWith(home, st, st, st, st, st, st, st)
	return New(context.Background(), o, home), o
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func waitIdle(t *testing.T, o *deploy.Orchestrator) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for o.Running() {
		if time.Now().After(deadline) {
			t.Fatal("deployment did not finish")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestGetStatus(t *testing.T) {
	s, _ := newTestServer(t, &steps{})
	w := do(t, s.Handler(), http.MethodGet, "/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var got struct {
		Message string                     `json:"message"`
		Running bool                       `json:"running"`
		Steps   map[string]json.RawMessage `json:"steps"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Message != "Ready" || got.Running {
		t.Fatalf("unexpected status: %s", w.Body)
	}
	if len(got.Steps) != len(deploy.Steps()) {
		t.Fatalf("expected %d steps, got %s", len(deploy.Steps()), w.Body)
	}
	if !strings.Contains(string(got.Steps["verification"]), `"pending"`) {
		t.Fatalf("verification should be pending: %s", got.Steps["verification"])
	}
}

func TestPostDeployBusy(t *testing.T) {
	st := &steps{block: make(chan struct{})}
	s, o := newTestServer(t, st)
	h := s.Handler()

	w := do(t, h, http.MethodPost, "/deploy", "organization: \"Acme IR\"\nadmin: {password: pw}\n")
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body)
	}

	w = do(t, h, http.MethodPost, "/deploy", `{"organization":"Acme IR","admin":{"password":"pw"}}`)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", w.Code, w.Body)
	}
	if !strings.Contains(w.Body.String(), `"busy"`) {
		t.Fatalf("expected busy kind in body: %s", w.Body)
	}

	close(st.block)
	waitIdle(t, o)
	if o.Snapshot().Progress != 1.0 {
		t.Fatalf("deployment should complete: %+v", o.Snapshot())
	}
}

func TestPostDeployInvalid(t *testing.T) {
	s, o := newTestServer(t, &steps{})
	h := s.Handler()

	w := do(t, h, http.MethodPost, "/deploy", "organization: Acme\nbindings:\n  control: {address: 0.0.0.0, port: 8889}\n")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body)
	}
	w = do(t, h, http.MethodPost, "/deploy", "organization: [")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed body, got %d", w.Code)
	}
	if o.Snapshot().RunID != "" {
		t.Fatal("invalid requests must not start a run")
	}
}

func TestPostDeployWithoutPassword(t *testing.T) {
	t.Setenv("DEPLOYER_ADMIN_PASSWORD", "")
	st := &steps{}
	s, o := newTestServer(t, st)
	s.Secrets = secrets{}

	w := do(t, s.Handler(), http.MethodPost, "/deploy", `organization: "Acme IR"`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body)
	}
	if !strings.Contains(w.Body.String(), "admin password is required") {
		t.Fatalf("expected password error in body: %s", w.Body)
	}
	if o.Snapshot().RunID != "" || o.Running() {
		t.Fatal("a deploy without a password must not start a run")
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.password != "" {
		t.Fatal("no config should be materialized")
	}
}

func TestPostDeployUsesStoredPassword(t *testing.T) {
	st := &steps{}
	s, o := newTestServer(t, st)
	s.Secrets = secrets{credentials.Account("Acme IR", "admin"): "from-keyring"}

	w := do(t, s.Handler(), http.MethodPost, "/deploy", `organization: "Acme IR"`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body)
	}
	waitIdle(t, o)

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.password != "from-keyring" {
		t.Fatalf("expected stored password, got %q", st.password)
	}
}

func TestPostEmergency(t *testing.T) {
	s, o := newTestServer(t, &steps{})
	w := do(t, s.Handler(), http.MethodPost, "/emergency", "")
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body)
	}
	var got map[string]string
	json.Unmarshal(w.Body.Bytes(), &got)
	if got["username"] != "admin" || got["password"] == "" {
		t.Fatalf("emergency response should carry the credential: %s", w.Body)
	}
	waitIdle(t, o)
}

func TestServiceStop(t *testing.T) {
	st := &steps{}
	s, _ := newTestServer(t, st)
	h := s.Handler()

	if w := do(t, h, http.MethodPost, "/service/stop", ""); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	st.stopErr = errors.New("launchctl unload failed")
	w := do(t, h, http.MethodPost, "/service/stop", "")
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "service_install_failed") {
		t.Fatalf("unexpected body: %s", w.Body)
	}

	if w := do(t, h, http.MethodPost, "/service/restart", ""); w.Code != http.StatusOK {
		t.Fatalf("restart: expected 200, got %d", w.Code)
	}
}

func TestGetRuns(t *testing.T) {
	s, _ := newTestServer(t, &steps{})
	h := s.Handler()

	if w := do(t, h, http.MethodGet, "/runs", ""); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without history, got %d", w.Code)
	}

	s.Runs = runs{list: []history.Run{{ID: "b", Status: "failed"}, {ID: "a", Status: "succeeded"}}}
	w := do(t, h, http.MethodGet, "/runs?limit=1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var got []history.Run
	json.Unmarshal(w.Body.Bytes(), &got)
	if len(got) != 1 || got[0].ID != "b" {
		t.Fatalf("unexpected runs: %s", w.Body)
	}

	if w := do(t, h, http.MethodGet, "/runs?limit=zero", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", w.Code)
	}
}

func TestGetEvents(t *testing.T) {
	s, _ := newTestServer(t, &steps{})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /events: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("unexpected content type %q", ct)
	}

	scanner := bufio.NewScanner(resp.Body)
	var event, data string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event:") {
			event = strings.TrimPrefix(line, "event:")
		}
		if strings.HasPrefix(line, "data:") {
			data = strings.TrimPrefix(line, "data:")
			break
		}
	}
	if event != "state" {
		t.Fatalf("expected state event, got %q", event)
	}
	if !strings.Contains(data, `"message":"Ready"`) {
		t.Fatalf("unexpected event data: %s", data)
	}
}
