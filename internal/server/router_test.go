package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"portal-gateway/backend/internal/app"
	"portal-gateway/backend/internal/health"
	"portal-gateway/backend/internal/metrics"
	"portal-gateway/backend/internal/secrets"
	"portal-gateway/backend/internal/session/repository"
	"portal-gateway/backend/internal/upstream/upstreamtest"
)

type gateway struct {
	handler http.Handler
	app     *app.App
	fake    *upstreamtest.Fake
	repo    *repository.MemoryRepository
}

type gatewayOption func(*app.Options, *Options)

func withSecrets(c *secrets.Client) gatewayOption {
	return func(a *app.Options, _ *Options) { a.Secrets = c }
}

func withMaxBody(n int64) gatewayOption {
	return func(_ *app.Options, o *Options) { o.MaxBodyBytes = n }
}

func newGateway(t *testing.T, opts ...gatewayOption) *gateway {
	t.Helper()
	fake := upstreamtest.New(t)
	fake.AddUser("ada@example.com", "pw", "u1")
	repo := repository.NewMemoryRepository()
	m := metrics.New()

	appOpts := app.Options{
		Repository:      repo,
		Upstream:        fake.Client(t),
		Metrics:         m,
		Logger:          zerolog.Nop(),
		RefreshInterval: time.Hour,
	}
	routerOpts := Options{
		Health:  health.NewHandler(nil),
		Metrics: m.Handler(),
		Logger:  zerolog.Nop(),
	}
	for _, o := range opts {
		o(&appOpts, &routerOpts)
	}
	a := app.New(appOpts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Shutdown(ctx)
	})
	return &gateway{handler: NewRouter(a, routerOpts), app: a, fake: fake, repo: repo}
}

func (g *gateway) do(t *testing.T, method, target, body string, cookie *http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if cookie != nil {
		req.AddCookie(cookie)
	}
	rec := httptest.NewRecorder()
	g.handler.ServeHTTP(rec, req)
	return rec
}

func sessionCookie(t *testing.T, rec *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, c := range rec.Result().Cookies() {
		if c.Name == SessionCookie {
			return c
		}
	}
	t.Fatalf("no %s cookie in response", SessionCookie)
	return nil
}

func (g *gateway) login(t *testing.T) *http.Cookie {
	t.Helper()
	rec := g.do(t, http.MethodPost, "/api/auth/login", `{"email":"ada@example.com","password":"pw"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return sessionCookie(t, rec)
}

func TestLogin(t *testing.T) {
	g := newGateway(t)
	rec := g.do(t, http.MethodPost, "/api/auth/login", `{"email":"ada@example.com","password":"pw"}`, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Logged in as u1.", rec.Body.String())
	c := sessionCookie(t, rec)
	assert.NotEmpty(t, c.Value)
	assert.Equal(t, "/", c.Path)
	assert.True(t, c.HttpOnly)
	assert.Equal(t, http.SameSiteLaxMode, c.SameSite)
	assert.False(t, c.Secure)

	_, ok := g.repo.Get(c.Value)
	assert.True(t, ok)
	assert.True(t, g.app.Scheduler.Running(c.Value))
}

func TestLogin_Failures(t *testing.T) {
	g := newGateway(t)
	testCases := []struct {
		name string
		body string
		want int
	}{
		{"wrong password", `{"email":"ada@example.com","password":"nope"}`, http.StatusUnauthorized},
		{"unknown user", `{"email":"eve@example.com","password":"pw"}`, http.StatusUnauthorized},
		{"missing password", `{"email":"ada@example.com"}`, http.StatusBadRequest},
		{"not json", `email=ada`, http.StatusBadRequest},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rec := g.do(t, http.MethodPost, "/api/auth/login", tc.body, nil)
			assert.Equal(t, tc.want, rec.Code)
			assert.Empty(t, rec.Result().Cookies())
		})
	}
}

func TestLogin_UpstreamProtocolErrorIsBadGateway(t *testing.T) {
	g := newGateway(t)
	g.fake.Handle("auth/login", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"auth":"only-one"}`))
	})
	rec := g.do(t, http.MethodPost, "/api/auth/login", `{"email":"ada@example.com","password":"pw"}`, nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestProtectedRoutes_UniformUnauthorized(t *testing.T) {
	g := newGateway(t)
	routes := []struct{ method, path string }{
		{http.MethodPost, "/api/auth/logout"},
		{http.MethodPost, "/api/auth/logout_all"},
		{http.MethodGet, "/api/auth/whoami"},
		{http.MethodGet, "/api/auth/me"},
		{http.MethodGet, "/api/runners"},
		{http.MethodGet, "/api/proxy/vms"},
		{http.MethodDelete, "/api/proxy/vms/1"},
		{http.MethodGet, "/api/secrets/list?runner_id=r&environment_id=e"},
	}
	for _, rt := range routes {
		for _, cookie := range []*http.Cookie{nil, {Name: SessionCookie, Value: "forged"}} {
			rec := g.do(t, rt.method, rt.path, "", cookie)
			assert.Equal(t, http.StatusUnauthorized, rec.Code, "%s %s", rt.method, rt.path)
			assert.Equal(t, unauthorizedMessage, strings.TrimSpace(rec.Body.String()))
		}
	}
}

func TestWhoAmI(t *testing.T) {
	g := newGateway(t)
	c := g.login(t)

	rec := g.do(t, http.MethodGet, "/api/auth/whoami", "", c)
	require.Equal(t, http.StatusOK, rec.Code)
	var body whoamiResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "u1", body.UserID)
	assert.Greater(t, body.Expires, uint64(time.Now().Unix()))
}

func TestWhoAmI_MissingYouIsBadGateway(t *testing.T) {
	g := newGateway(t)
	c := g.login(t)
	g.fake.Handle("whoami", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"role":"user"}`))
	})
	rec := g.do(t, http.MethodGet, "/api/auth/whoami", "", c)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestMe(t *testing.T) {
	g := newGateway(t)
	c := g.login(t)

	rec := g.do(t, http.MethodGet, "/api/auth/me", "", c)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"user_id":"u1","email":"ada@example.com"}`, rec.Body.String())

	g.fake.Handle("account/me", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	})
	rec = g.do(t, http.MethodGet, "/api/auth/me", "", c)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"user_id":"Unknown","email":"Unknown"}`, rec.Body.String())
}

func TestRunners(t *testing.T) {
	g := newGateway(t)
	c := g.login(t)

	rec := g.do(t, http.MethodGet, "/api/runners", "", c)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"data":[{"id":"r1","owner":"u1"}]}`, rec.Body.String())

	g.fake.Handle("runners", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusNotFound)
	})
	rec = g.do(t, http.MethodGet, "/api/runners", "", c)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

type echo struct {
	Method      string `json:"method"`
	Path        string `json:"path"`
	Query       string `json:"query"`
	ContentType string `json:"content_type"`
	Body        string `json:"body"`
	UserID      string `json:"user_id"`
}

func TestProxy_ForwardsJSON(t *testing.T) {
	g := newGateway(t)
	c := g.login(t)

	rec := g.do(t, http.MethodPost, "/api/proxy/nodes/42?limit=5&page=2", "{ \"name\" : \"vm-1\" }", c)
	require.Equal(t, http.StatusOK, rec.Code)
	var got echo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, echo{
		Method:      http.MethodPost,
		Path:        "nodes/42",
		Query:       "limit=5&page=2",
		ContentType: "application/json",
		Body:        `{"name":"vm-1"}`,
		UserID:      "u1",
	}, got)
}

func TestProxy_ForwardsRawBytes(t *testing.T) {
	g := newGateway(t)
	c := g.login(t)

	rec := g.do(t, http.MethodPut, "/api/proxy/files/a.txt", "plain text, not json", c)
	require.Equal(t, http.StatusOK, rec.Code)
	var got echo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "application/octet-stream", got.ContentType)
	assert.Equal(t, "plain text, not json", got.Body)
	assert.Empty(t, got.Query)
}

func TestProxy_RelaysStatusAndContentType(t *testing.T) {
	g := newGateway(t)
	c := g.login(t)
	g.fake.Handle("teapot", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/x-tea")
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("short and stout"))
	})

	rec := g.do(t, http.MethodGet, "/api/proxy/teapot", "", c)
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, "text/x-tea", rec.Header().Get("Content-Type"))
	assert.Equal(t, "short and stout", rec.Body.String())
}

func TestProxy_UnsupportedMethod(t *testing.T) {
	g := newGateway(t)
	c := g.login(t)
	rec := g.do(t, "PROPFIND", "/api/proxy/vms", "", c)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestProxy_BodyTooLarge(t *testing.T) {
	g := newGateway(t, withMaxBody(8))
	c := g.login(t)
	rec := g.do(t, http.MethodPost, "/api/proxy/vms", strings.Repeat("x", 64), c)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestProxy_RefreshesExpiredAccessToken(t *testing.T) {
	g := newGateway(t)
	g.fake.SetTTL(-time.Minute, time.Hour)
	c := g.login(t)
	g.fake.SetTTL(5*time.Minute, time.Hour)

	rec := g.do(t, http.MethodGet, "/api/proxy/vms", "", c)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.GreaterOrEqual(t, g.fake.Hits("auth/refresh"), 1)
}

func TestProxy_UpstreamDown(t *testing.T) {
	g := newGateway(t)
	c := g.login(t)
	g.fake.Handle("down", func(w http.ResponseWriter, r *http.Request) {
		hj, ok := w.(http.Hijacker)
		if !ok {
			return
		}
		if conn, _, err := hj.Hijack(); err == nil {
			_ = conn.Close()
		}
	})

	rec := g.do(t, http.MethodGet, "/api/proxy/down", "", c)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "unreachable")
}

func TestLogout(t *testing.T) {
	g := newGateway(t)
	c := g.login(t)

	rec := g.do(t, http.MethodPost, "/api/auth/logout", "", c)
	require.Equal(t, http.StatusOK, rec.Code)
	cleared := sessionCookie(t, rec)
	assert.Empty(t, cleared.Value)
	assert.Less(t, cleared.MaxAge, 0)
	assert.Contains(t, rec.Header().Get("Set-Cookie"), "Max-Age=0")

	assert.False(t, g.app.Scheduler.Running(c.Value))
	rec = g.do(t, http.MethodGet, "/api/auth/me", "", c)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLogoutAll(t *testing.T) {
	g := newGateway(t)
	first := g.login(t)
	second := g.login(t)

	rec := g.do(t, http.MethodPost, "/api/auth/logout_all", "", first)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"revoked":2}`, rec.Body.String())

	for _, c := range []*http.Cookie{first, second} {
		rec := g.do(t, http.MethodGet, "/api/auth/me", "", c)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	}
	assert.Zero(t, g.app.Scheduler.Active())
}

func TestHealthAndMetrics(t *testing.T) {
	g := newGateway(t)
	g.login(t)

	rec := g.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = g.do(t, http.MethodGet, "/readyz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = g.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "gateway_refresh_tasks_active")
	assert.Contains(t, rec.Body.String(), `gateway_session_events_total{type="login"} 1`)
}
