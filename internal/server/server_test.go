package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"actionline/internal/config"
	"actionline/internal/db"
	"actionline/internal/domain"
	"actionline/internal/engine"
	"actionline/internal/interpret"
	"actionline/internal/migrate"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, auth AuthConfig) (*testServer, func()) {
	t.Helper()
	return newTestServerWithConfig(t, config.Default(), auth)
}

func newTestServerWithConfig(t *testing.T, cfg *config.Config, auth AuthConfig) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	e.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	e.Views = interpret.New(e.Repo)
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: auth})
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

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details,omitempty"`
	} `json:"error"`
}

func decodeError(t *testing.T, data []byte) errorEnvelope {
	t.Helper()
	var env errorEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("decode error envelope: %v (%s)", err, string(data))
	}
	return env
}

func TestComposeResolveToggleFlow(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{AllowAnonymous: true})
	defer cleanup()
	client := srv.Client()

	putRes, data := doJSON(t, client, http.MethodPut, srv.URL+"/v0/records/rec-42", map[string]any{
		"kind":   "requirement",
		"label":  "Login must be audited",
		"fields": map[string]any{"status": "ready"},
	}, nil)
	if putRes.StatusCode != http.StatusOK {
		t.Fatalf("put record status %d: %s", putRes.StatusCode, string(data))
	}

	composeRes, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/contexts/ctx-1/compose", map[string]any{
		"action": map[string]any{
			"context_type":   "board",
			"type":           "TASK",
			"field_bindings": []map[string]any{{"field_key": "title"}},
		},
		"field_values": []map[string]any{{"field_name": "title", "value": "Audit login"}},
		"references": []map[string]any{
			{"source_record_id": "rec-42", "target_field_key": "status", "mode": "static"},
		},
	}, map[string]string{"X-Actor-Id": "alice"})
	if composeRes.StatusCode != http.StatusCreated {
		t.Fatalf("compose status %d: %s", composeRes.StatusCode, string(data))
	}
	var composed ComposeResponse
	if err := json.Unmarshal(data, &composed); err != nil {
		t.Fatalf("unmarshal compose response: %v", err)
	}
	if len(composed.Events) != 2 || composed.Events[0].Type != domain.EventActionDeclared {
		t.Fatalf("unexpected events: %+v", composed.Events)
	}
	if composed.Events[0].ActorID == nil || *composed.Events[0].ActorID != "alice" {
		t.Fatalf("actor header not recorded: %+v", composed.Events[0].ActorID)
	}
	if len(composed.References) != 1 {
		t.Fatalf("expected 1 reference, got %d", len(composed.References))
	}
	if composed.View == nil {
		t.Fatalf("expected a view in the compose response")
	}
	refID := composed.References[0].ID
	actionID := composed.Action.ID

	detailRes, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/actions/"+actionID, nil, nil)
	if detailRes.StatusCode != http.StatusOK {
		t.Fatalf("get action status %d: %s", detailRes.StatusCode, string(data))
	}
	var detail ActionDetailResponse
	if err := json.Unmarshal(data, &detail); err != nil {
		t.Fatalf("unmarshal detail: %v", err)
	}
	if detail.Action.ID != actionID || len(detail.Events) != 2 || len(detail.References) != 1 {
		t.Fatalf("unexpected detail: %+v", detail)
	}

	// Drift the record, then resolve the static reference.
	if res, body := doJSON(t, client, http.MethodPut, srv.URL+"/v0/records/rec-42", map[string]any{
		"kind":   "requirement",
		"fields": map[string]any{"status": "blocked"},
	}, nil); res.StatusCode != http.StatusOK {
		t.Fatalf("update record status %d: %s", res.StatusCode, string(body))
	}

	resolveRes, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/references/"+refID+"/resolve", nil, nil)
	if resolveRes.StatusCode != http.StatusOK {
		t.Fatalf("resolve status %d: %s", resolveRes.StatusCode, string(data))
	}
	var resolution ResolutionResponse
	if err := json.Unmarshal(data, &resolution); err != nil {
		t.Fatalf("unmarshal resolution: %v", err)
	}
	if string(resolution.Value) != `"ready"` || !resolution.Drift {
		t.Fatalf("static resolve must return the snapshot with drift, got %s drift=%v", resolution.Value, resolution.Drift)
	}

	toggleRes, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/references/"+refID+"/toggle", map[string]any{}, nil)
	if toggleRes.StatusCode != http.StatusOK {
		t.Fatalf("toggle status %d: %s", toggleRes.StatusCode, string(data))
	}
	var toggled ReferenceResponse
	if err := json.Unmarshal(data, &toggled); err != nil {
		t.Fatalf("unmarshal toggle: %v", err)
	}
	if toggled.Mode != domain.RefModeDynamic {
		t.Fatalf("toggle must flip to dynamic, got %s", toggled.Mode)
	}

	resolveRes, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/references/"+refID+"/resolve", nil, nil)
	if resolveRes.StatusCode != http.StatusOK {
		t.Fatalf("resolve after toggle status %d: %s", resolveRes.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &resolution); err != nil {
		t.Fatalf("unmarshal resolution: %v", err)
	}
	if string(resolution.Value) != `"blocked"` || resolution.Drift {
		t.Fatalf("dynamic resolve must follow live value, got %s drift=%v", resolution.Value, resolution.Drift)
	}

	viewRes, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/actions/"+actionID+"/view", nil, nil)
	if viewRes.StatusCode != http.StatusOK {
		t.Fatalf("view status %d: %s", viewRes.StatusCode, string(data))
	}
	var view domain.ActionView
	if err := json.Unmarshal(data, &view); err != nil {
		t.Fatalf("unmarshal view: %v", err)
	}
	if string(view.Fields["title"]) != `"Audit login"` {
		t.Fatalf("unexpected view fields: %v", view.Fields)
	}
}

func TestErrorEnvelopes(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{AllowAnonymous: true})
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/contexts/ctx-1/compose", map[string]any{
		"action": map[string]any{"context_type": "board", "type": "legacy_task"},
	}, nil)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("guardrail status %d: %s", res.StatusCode, string(data))
	}
	if env := decodeError(t, data); env.Error.Code != "guardrail_violation" {
		t.Fatalf("expected guardrail_violation, got %s", env.Error.Code)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/contexts/ctx-1/compose", map[string]any{
		"action": map[string]any{
			"context_type":   "board",
			"type":           "TASK",
			"field_bindings": []map[string]any{{"field_key": "title"}},
		},
		"field_values": []map[string]any{{"field_name": "priority", "value": 1}},
	}, nil)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("binding status %d: %s", res.StatusCode, string(data))
	}
	if env := decodeError(t, data); env.Error.Code != "field_binding_violation" {
		t.Fatalf("expected field_binding_violation, got %s", env.Error.Code)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/actions/nope", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("missing action status %d: %s", res.StatusCode, string(data))
	}
	if env := decodeError(t, data); env.Error.Code != "not_found" {
		t.Fatalf("expected not_found, got %s", env.Error.Code)
	}

	// Malformed body goes through the validation override.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/contexts/ctx-1/compose", map[string]any{
		"action": map[string]any{"context_type": "board"},
	}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing type status %d: %s", res.StatusCode, string(data))
	}
}

func TestDuplicateReferenceConflict(t *testing.T) {
	cfg := config.Default()
	cfg.References.UniqueLinks = true
	srv, cleanup := newTestServerWithConfig(t, cfg, AuthConfig{AllowAnonymous: true})
	defer cleanup()
	client := srv.Client()

	if res, body := doJSON(t, client, http.MethodPut, srv.URL+"/v0/records/rec-1", map[string]any{
		"kind":   "requirement",
		"fields": map[string]any{"status": "ready"},
	}, nil); res.StatusCode != http.StatusOK {
		t.Fatalf("put record status %d: %s", res.StatusCode, string(body))
	}

	// Same link twice inside one composition.
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/contexts/ctx-1/compose", map[string]any{
		"action": map[string]any{"context_type": "board", "type": "TASK"},
		"references": []map[string]any{
			{"source_record_id": "rec-1", "target_field_key": "status"},
			{"source_record_id": "rec-1", "target_field_key": "status"},
		},
	}, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("in-batch duplicate status %d: %s", res.StatusCode, string(data))
	}
	if env := decodeError(t, data); env.Error.Code != "duplicate_reference" {
		t.Fatalf("expected duplicate_reference, got %s", env.Error.Code)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/contexts/ctx-1/compose", map[string]any{
		"action": map[string]any{"context_type": "board", "type": "TASK"},
		"references": []map[string]any{
			{"source_record_id": "rec-1", "target_field_key": "status"},
		},
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("compose status %d: %s", res.StatusCode, string(data))
	}
	var composed ComposeResponse
	if err := json.Unmarshal(data, &composed); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	// A second link against the stored one.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/actions/"+composed.Action.ID+"/references", map[string]any{
		"references": []map[string]any{
			{"source_record_id": "rec-1", "target_field_key": "status"},
		},
	}, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("stored duplicate status %d: %s", res.StatusCode, string(data))
	}
	if env := decodeError(t, data); env.Error.Code != "duplicate_reference" {
		t.Fatalf("expected duplicate_reference, got %s", env.Error.Code)
	}
}

func TestAuthModes(t *testing.T) {
	secret := "test-secret"
	srv, cleanup := newTestServer(t, AuthConfig{JWTSecret: secret})
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/records", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status %d: %s", res.StatusCode, string(data))
	}

	// Health stays open.
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", res.StatusCode)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "alice",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	authz := map[string]string{"Authorization": "Bearer " + signed}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/contexts/ctx-1/compose", map[string]any{
		"action": map[string]any{"context_type": "board", "type": "TASK"},
	}, authz)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("jwt compose status %d: %s", res.StatusCode, string(data))
	}
	var composed ComposeResponse
	if err := json.Unmarshal(data, &composed); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if composed.Events[0].ActorID == nil || *composed.Events[0].ActorID != "alice" {
		t.Fatalf("jwt subject must become the actor, got %+v", composed.Events[0].ActorID)
	}

	// Mint an API key over JWT auth, then use it.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/apikeys", map[string]any{
		"actor_id": "bot-1",
		"name":     "ci",
	}, authz)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create apikey status %d: %s", res.StatusCode, string(data))
	}
	var key APIKeyResponse
	if err := json.Unmarshal(data, &key); err != nil {
		t.Fatalf("unmarshal key: %v", err)
	}
	if key.Key == "" {
		t.Fatalf("raw key must be returned on creation")
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/contexts/ctx-1/compose", map[string]any{
		"action": map[string]any{"context_type": "board", "type": "TASK"},
	}, map[string]string{"X-Api-Key": key.Key})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("apikey compose status %d: %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &composed); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if composed.Events[0].ActorID == nil || *composed.Events[0].ActorID != "bot-1" {
		t.Fatalf("api key actor must be recorded, got %+v", composed.Events[0].ActorID)
	}

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/records", nil, map[string]string{"X-Api-Key": "bogus"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bogus key status %d", res.StatusCode)
	}
}

func TestEventLogPagination(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{AllowAnonymous: true})
	defer cleanup()
	client := srv.Client()

	for i := 0; i < 3; i++ {
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/contexts/ctx-1/compose", map[string]any{
			"action": map[string]any{"context_type": "board", "type": "TASK"},
		}, nil)
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("compose %d status %d: %s", i, res.StatusCode, string(data))
		}
	}

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/contexts/ctx-1/events?limit=2", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	var page PaginatedEventsResponse
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal page: %v", err)
	}
	if len(page.Items) != 2 || page.NextCursor == "" {
		t.Fatalf("expected a full page with a cursor, got %d items cursor %q", len(page.Items), page.NextCursor)
	}
	if page.Items[0].ID <= page.Items[1].ID {
		t.Fatalf("log tail must be newest first: %d then %d", page.Items[0].ID, page.Items[1].ID)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/contexts/ctx-1/events?limit=2&cursor="+page.NextCursor, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("second page status %d: %s", res.StatusCode, string(data))
	}
	var next PaginatedEventsResponse
	if err := json.Unmarshal(data, &next); err != nil {
		t.Fatalf("unmarshal second page: %v", err)
	}
	if len(next.Items) == 0 || next.Items[0].ID >= page.Items[1].ID {
		t.Fatalf("cursor must continue past the first page: %+v", next.Items)
	}
}
