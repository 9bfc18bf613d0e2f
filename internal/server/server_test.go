package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"conveyor/internal/config"
	"conveyor/internal/db"
	"conveyor/internal/domain"
	"conveyor/internal/engine"
	"conveyor/internal/migrate"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default("conveyor")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	if _, err := e.InitPipeline(context.Background(), cfg.Pipeline.ID, "", "tester"); err != nil {
		t.Fatalf("init pipeline: %v", err)
	}
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v1",
		Auth:     AuthConfig{AllowLegacyAgentHeader: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Agent-Id", "tester")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func TestItemClaimAndMoveFlow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/pipelines/conveyor/items", map[string]any{
		"id":    "WI-010",
		"title": "Ship feature",
		"type":  "feature",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create item status %d: %s", res.StatusCode, string(data))
	}
	var created domain.WorkItem
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal item: %v", err)
	}
	if created.Stage != "intake" {
		t.Fatalf("new item should start in intake, got %s", created.Stage)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/items/WI-010/move", map[string]any{
		"from": "intake", "to": "ready",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("move status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/items/WI-010/claim", map[string]any{
		"agent_id": "agentA",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("claim status %d: %s", res.StatusCode, string(data))
	}

	// contested claim maps to 409 with the engine's code
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/items/WI-010/claim", map[string]any{
		"agent_id": "agentB",
	}, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("contested claim status %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if envelope.Error.Code != "already_claimed" {
		t.Fatalf("expected already_claimed, got %q", envelope.Error.Code)
	}
}

func TestMoveErrorsMapToStatuses(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	doJSON(t, client, http.MethodPost, srv.URL+"/v1/pipelines/conveyor/items", map[string]any{
		"id": "WI-err", "title": "bad moves",
	}, nil)

	// illegal transition -> 422
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/items/WI-err/move", map[string]any{
		"from": "intake", "to": "done",
	}, nil)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("invalid transition status %d: %s", res.StatusCode, string(data))
	}

	// stale caller -> 409
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/items/WI-err/move", map[string]any{
		"from": "ready", "to": "build",
	}, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("stale state status %d: %s", res.StatusCode, string(data))
	}

	// unknown item -> 404
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/items/nope/move", map[string]any{
		"from": "intake", "to": "ready",
	}, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("missing item status %d: %s", res.StatusCode, string(data))
	}
}

func TestGraphCheckEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	for _, id := range []string{"A", "B"} {
		doJSON(t, client, http.MethodPost, srv.URL+"/v1/pipelines/conveyor/items", map[string]any{
			"id": id, "title": "item " + id,
		}, nil)
	}
	doJSON(t, client, http.MethodPost, srv.URL+"/v1/items/B/deps", map[string]any{
		"depends_on": []string{"A"},
	}, nil)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/pipelines/conveyor/graph/check", map[string]any{
		"edges": []map[string]string{{"item_id": "A", "depends_on": "B"}},
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("graph check status %d: %s", res.StatusCode, string(data))
	}
	var check struct {
		Valid  bool       `json:"valid"`
		Cycles [][]string `json:"cycles"`
	}
	if err := json.Unmarshal(data, &check); err != nil {
		t.Fatalf("unmarshal check: %v", err)
	}
	if check.Valid || len(check.Cycles) != 1 {
		t.Fatalf("expected one cycle, got %+v", check)
	}
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/v1/pipelines", nil)
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", res.StatusCode)
	}

	// health stays open
	res, err = srv.Client().Get(srv.URL + "/v1/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", res.StatusCode)
	}
}
