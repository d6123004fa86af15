package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"collabline/internal/config"
	"collabline/internal/db"
	"collabline/internal/domain"
	"collabline/internal/engine"
	"collabline/internal/migrate"
	"collabline/internal/notify"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
}

func (s *testServer) Client() *http.Client { return s.client }

func newTestServer(t *testing.T, opts ...func(*Config)) *testServer {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default())
	for _, id := range []string{"owner", "u1", "u2"} {
		if _, err := e.UpsertUser(context.Background(), id, "User "+id, ""); err != nil {
			t.Fatalf("seed user %s: %v", id, err)
		}
	}
	cfg := Config{
		Engine: e,
		Log:    zerolog.Nop(),
		Auth: AuthConfig{
			JWTSecret:      testSecret,
			AllowDevHeader: true,
			DevLogin:       true,
		},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	handler, err := New(cfg)
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		srv.Close()
		conn.Close()
	})
	return &testServer{URL: srv.URL + "/v1", Engine: e, client: srv.Client()}
}

func as(userID string) map[string]string {
	return map[string]string{legacyUserHeader: userID}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = bytes.NewReader(nil)
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
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

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal %s: %v", string(data), err)
	}
	return out
}

func expectStatus(t *testing.T, res *http.Response, data []byte, want int) {
	t.Helper()
	if res.StatusCode != want {
		t.Fatalf("%s %s: status %d, want %d: %s", res.Request.Method, res.Request.URL.Path, res.StatusCode, want, string(data))
	}
}

type errorEnvelope struct {
	Error apiErrorBody `json:"error"`
}

func createProject(t *testing.T, srv *testServer) domain.Project {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/projects", map[string]any{
		"title":        "Community garden",
		"project_type": "collaborative",
	}, as("owner"))
	expectStatus(t, res, data, http.StatusCreated)
	return decode[domain.Project](t, data)
}

func TestRequiresAuthentication(t *testing.T) {
	srv := newTestServer(t)

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/projects", nil, nil)
	expectStatus(t, res, data, http.StatusUnauthorized)
	if env := decode[errorEnvelope](t, data); env.Error.Code != "unauthorized" {
		t.Fatalf("expected unauthorized code, got %+v", env.Error)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/health", nil, nil)
	expectStatus(t, res, data, http.StatusOK)

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/projects", nil, map[string]string{"Authorization": "Bearer nope"})
	expectStatus(t, res, data, http.StatusUnauthorized)
}

func TestLegacyHeaderDisabled(t *testing.T) {
	srv := newTestServer(t, func(c *Config) { c.Auth.AllowDevHeader = false })
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/me", nil, as("owner"))
	expectStatus(t, res, data, http.StatusUnauthorized)
}

func TestApplyAndDecideOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()
	p := createProject(t, srv)
	base := srv.URL + "/projects/" + p.ID + "/applications"

	res, data := doJSON(t, client, http.MethodPost, base, map[string]any{"message": "I can water plants"}, as("u1"))
	expectStatus(t, res, data, http.StatusCreated)
	submitted := decode[engine.Result](t, data)
	if submitted.Application.Status != domain.ApplicationPending {
		t.Fatalf("expected pending application, got %+v", submitted.Application)
	}

	res, data = doJSON(t, client, http.MethodPost, base, nil, as("u1"))
	expectStatus(t, res, data, http.StatusConflict)
	if env := decode[errorEnvelope](t, data); env.Error.Details["reason"] != domain.ReasonDuplicateApplication {
		t.Fatalf("expected duplicate_application, got %+v", env.Error)
	}

	res, data = doJSON(t, client, http.MethodPost, base, nil, as("owner"))
	expectStatus(t, res, data, http.StatusConflict)
	if env := decode[errorEnvelope](t, data); env.Error.Details["reason"] != domain.ReasonSelfApplication {
		t.Fatalf("expected self_application, got %+v", env.Error)
	}

	decision := base + "/" + submitted.Application.ID + "/decision"
	res, data = doJSON(t, client, http.MethodPost, decision, map[string]any{"action": "accept"}, as("u2"))
	expectStatus(t, res, data, http.StatusForbidden)

	res, data = doJSON(t, client, http.MethodPost, decision, map[string]any{"action": "maybe"}, as("owner"))
	expectStatus(t, res, data, http.StatusBadRequest)

	res, data = doJSON(t, client, http.MethodPost, decision, map[string]any{"action": "accept"}, as("owner"))
	expectStatus(t, res, data, http.StatusOK)
	decided := decode[engine.Result](t, data)
	if decided.Application.Status != domain.ApplicationAccepted {
		t.Fatalf("expected accepted, got %+v", decided.Application)
	}
	if decided.Target.Project == nil || !decided.Target.Project.Collaborators.Has("u1") {
		t.Fatalf("expected u1 to be a collaborator, got %+v", decided.Target.Project)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/notifications?all=true", nil, as("u1"))
	expectStatus(t, res, data, http.StatusOK)
	page := decode[notify.Page](t, data)
	found := false
	for _, n := range page.Items {
		if n.Type == domain.NotificationApplicationAccepted {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected application_accepted notification, got %+v", page.Items)
	}

	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/projects/"+p.ID+"/collaborators/u1", nil, as("u1"))
	expectStatus(t, res, data, http.StatusOK)
	left := decode[domain.Project](t, data)
	if left.Collaborators.Has("u1") {
		t.Fatalf("expected u1 removed, got %+v", left.Collaborators)
	}
}

func TestDecideFromNotificationOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()
	p := createProject(t, srv)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/projects/"+p.ID+"/applications", nil, as("u1"))
	expectStatus(t, res, data, http.StatusCreated)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/notifications", nil, as("owner"))
	expectStatus(t, res, data, http.StatusOK)
	page := decode[notify.Page](t, data)
	if len(page.Items) != 1 || page.Items[0].Type != domain.NotificationApplication {
		t.Fatalf("expected one application notification, got %+v", page.Items)
	}
	n := page.Items[0]

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/notifications/"+n.ID+"/decision", map[string]any{"action": "reject"}, as("u2"))
	expectStatus(t, res, data, http.StatusForbidden)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/notifications/"+n.ID+"/decision", map[string]any{"action": "reject"}, as("owner"))
	expectStatus(t, res, data, http.StatusOK)
	if got := decode[engine.Result](t, data); got.Application.Status != domain.ApplicationRejected {
		t.Fatalf("expected rejected, got %+v", got.Application)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/notifications", nil, as("owner"))
	expectStatus(t, res, data, http.StatusOK)
	if page := decode[notify.Page](t, data); len(page.Items) != 0 {
		t.Fatalf("expected empty pending inbox, got %+v", page.Items)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/notifications/"+n.ID+"/reconcile", map[string]any{"outcome": "accepted"}, as("owner"))
	expectStatus(t, res, data, http.StatusConflict)
}

func TestMissionApplicationOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/missions", map[string]any{"title": "Build shed"}, as("owner"))
	expectStatus(t, res, data, http.StatusCreated)
	m := decode[domain.Mission](t, data)
	base := srv.URL + "/missions/" + m.ID + "/applications"

	res, data = doJSON(t, client, http.MethodPost, base, nil, as("u1"))
	expectStatus(t, res, data, http.StatusCreated)
	first := decode[engine.Result](t, data)
	res, data = doJSON(t, client, http.MethodPost, base, nil, as("u2"))
	expectStatus(t, res, data, http.StatusCreated)
	second := decode[engine.Result](t, data)

	res, data = doJSON(t, client, http.MethodPost, base+"/"+first.Application.ID+"/decision", map[string]any{"action": "accept"}, as("owner"))
	expectStatus(t, res, data, http.StatusOK)

	res, data = doJSON(t, client, http.MethodPost, base+"/"+second.Application.ID+"/decision", map[string]any{"action": "accept"}, as("owner"))
	expectStatus(t, res, data, http.StatusConflict)
	if env := decode[errorEnvelope](t, data); env.Error.Details["reason"] != domain.ReasonMissionAssigned {
		t.Fatalf("expected mission_assigned, got %+v", env.Error)
	}

	res, data = doJSON(t, client, http.MethodGet, base, nil, as("owner"))
	expectStatus(t, res, data, http.StatusOK)
	if apps := decode[domain.Applications](t, data); len(apps) != 2 {
		t.Fatalf("expected two applications, got %+v", apps)
	}

	res, data = doJSON(t, client, http.MethodGet, base, nil, as("u1"))
	expectStatus(t, res, data, http.StatusForbidden)
}

func TestValidationErrorsAreBadRequest(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/projects", map[string]any{}, as("owner"))
	expectStatus(t, res, data, http.StatusBadRequest)

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/projects/missing", nil, as("owner"))
	expectStatus(t, res, data, http.StatusNotFound)
	if env := decode[errorEnvelope](t, data); env.Error.Code != "not_found" {
		t.Fatalf("expected not_found code, got %+v", env.Error)
	}
}

func TestDevLoginIssuesJWT(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/auth/dev/login", map[string]any{"user_id": "u9", "name": "Nine"}, nil)
	expectStatus(t, res, data, http.StatusOK)
	login := decode[DevLoginResponse](t, data)
	if login.Token == "" || login.User.Name != "Nine" {
		t.Fatalf("unexpected login response %+v", login)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/me", nil, map[string]string{"Authorization": "Bearer " + login.Token})
	expectStatus(t, res, data, http.StatusOK)
	me := decode[WhoAmIResponse](t, data)
	if me.UserID != "u9" || me.Source != "jwt" || me.User == nil {
		t.Fatalf("unexpected whoami %+v", me)
	}
}

func TestDevLoginDisabled(t *testing.T) {
	srv := newTestServer(t, func(c *Config) { c.Auth.DevLogin = false })
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/auth/dev/login", map[string]any{"user_id": "u9"}, nil)
	if res.StatusCode == http.StatusOK {
		t.Fatalf("expected dev login to be unavailable: %s", string(data))
	}
}

func TestAPIKeyAuthentication(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/me/api-keys", map[string]any{"name": "laptop"}, as("u1"))
	expectStatus(t, res, data, http.StatusCreated)
	created := decode[CreatedAPIKeyResponse](t, data)
	if !strings.HasPrefix(created.Key, engine.APIKeyPrefix) {
		t.Fatalf("unexpected key %q", created.Key)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/me", nil, map[string]string{"X-Api-Key": created.Key})
	expectStatus(t, res, data, http.StatusOK)
	if me := decode[WhoAmIResponse](t, data); me.UserID != "u1" || me.Source != "api_key" {
		t.Fatalf("unexpected whoami %+v", me)
	}

	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/me/api-keys/"+created.ID, nil, as("u2"))
	expectStatus(t, res, data, http.StatusNotFound)

	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/me/api-keys/"+created.ID, nil, as("u1"))
	expectStatus(t, res, data, http.StatusNoContent)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/me", nil, map[string]string{"X-Api-Key": created.Key})
	expectStatus(t, res, data, http.StatusUnauthorized)
}

func TestEventsEndpoint(t *testing.T) {
	srv := newTestServer(t)
	p := createProject(t, srv)

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/events?project_id="+p.ID, nil, as("owner"))
	expectStatus(t, res, data, http.StatusOK)
	events := decode[[]EventResponse](t, data)
	if len(events) == 0 || events[0].Type != "project.created" {
		t.Fatalf("expected project.created event, got %+v", events)
	}
	if events[0].Payload["title"] != "Community garden" {
		t.Fatalf("expected decoded payload, got %+v", events[0].Payload)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/events?project_id="+p.ID, nil, as("u1"))
	expectStatus(t, res, data, http.StatusForbidden)
}

func TestRateLimit(t *testing.T) {
	srv := newTestServer(t, func(c *Config) {
		c.RateLimit = RateLimitConfig{RequestsPerSecond: 1, Burst: 1}
	})
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/me", nil, as("u1"))
	expectStatus(t, res, data, http.StatusOK)

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/me", nil, as("u1"))
	expectStatus(t, res, data, http.StatusTooManyRequests)
	if env := decode[errorEnvelope](t, data); env.Error.Code != "rate_limited" {
		t.Fatalf("expected rate_limited, got %+v", env.Error)
	}

	// Limits are per principal.
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/me", nil, as("u2"))
	expectStatus(t, res, data, http.StatusOK)
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t)
	createProject(t, srv)
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/metrics", nil, nil)
	expectStatus(t, res, data, http.StatusOK)
	if !strings.Contains(string(data), "collabline_http_requests_total") {
		t.Fatalf("expected http metrics, got %s", string(data))
	}
}

func TestWebhookDispatch(t *testing.T) {
	srv := newTestServer(t)
	var (
		mu        sync.Mutex
		received  []webhookEvent
		signature string
	)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var evt webhookEvent
		_ = json.Unmarshal(body, &evt)
		mu.Lock()
		received = append(received, evt)
		signature = r.Header.Get("X-Collabline-Signature")
		mu.Unlock()
		if sig := "sha256=" + signPayload("hook-secret", body); sig != r.Header.Get("X-Collabline-Signature") {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	d := NewWebhookDispatcher(srv.Engine, []config.WebhookConfig{{
		URL:    hook.URL,
		Events: []string{"application.submitted"},
		Secret: "hook-secret",
	}}, zerolog.Nop())
	ctx := context.Background()
	d.DispatchAll(ctx)

	p := createProject(t, srv)
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/projects/"+p.ID+"/applications", nil, as("u1"))
	expectStatus(t, res, data, http.StatusCreated)
	d.DispatchAll(ctx)
	d.DispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 {
		t.Fatalf("expected one delivery, got %+v", received)
	}
	if received[0].Type != "application.submitted" || received[0].ProjectID != p.ID {
		t.Fatalf("unexpected delivery %+v", received[0])
	}
	if !strings.HasPrefix(signature, "sha256=") {
		t.Fatalf("expected signature header, got %q", signature)
	}
}
