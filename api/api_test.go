package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/crmgate/guard"
	"github.com/jmcleod/crmgate/identity"
	"github.com/jmcleod/crmgate/internal/metrics"
	"github.com/jmcleod/crmgate/session"
	"github.com/jmcleod/crmgate/storage/memory"
)

type stubVerifier map[string]identity.Claims

func (s stubVerifier) VerifyAccessToken(_ context.Context, token string) (identity.Claims, error) {
	c, ok := s[token]
	if !ok {
		return identity.Claims{}, identity.ErrInvalidToken
	}
	return c, nil
}

var exp = time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestGateway(t *testing.T, logs *bytes.Buffer, opts ...Option) *Gateway {
	t.Helper()
	if logs == nil {
		logs = &bytes.Buffer{}
	}
	logger := slog.New(slog.NewJSONHandler(logs, nil))
	v := guard.NewValidator(stubVerifier{
		"admin":  {Username: "ola", Groups: []string{"ADMIN"}, ExpiresAt: exp},
		"branch": {Username: "anna", Groups: []string{"BRANCH"}, ExpiresAt: exp},
	}, memory.NewRepository())
	mw := guard.NewMiddleware(v, guard.WithLogger(logger))
	opts = append([]Option{WithLogger(logger), WithVersion("1.2.3")}, opts...)
	return New(v, mw, opts...)
}

func do(h http.Handler, method, path, token string) *httptest.ResponseRecorder {
	r := httptest.NewRequest(method, path, nil)
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func TestHealth(t *testing.T) {
	var logs bytes.Buffer
	h := newTestGateway(t, &logs).Router()
	w := do(h, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp HealthResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, HealthResponse{Status: "ok", Version: "1.2.3"}, resp)
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.NotContains(t, logs.String(), `"path":"/health"`, "health checks are not logged")
}

func TestSessionEndpoint(t *testing.T) {
	h := newTestGateway(t, nil).Router()

	w := do(h, http.MethodGet, "/api/session", "branch")
	require.Equal(t, http.StatusOK, w.Code)
	var resp SessionResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.True(t, resp.IsValid)
	assert.Equal(t, "BRANCH", resp.UserRole)
	assert.Equal(t, "anna", resp.Username)
	assert.True(t, exp.Equal(resp.ExpiresAt))
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))

	w = do(h, http.MethodGet, "/api/session", "forged")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"isValid":false}`, w.Body.String())
}

func TestClearSession(t *testing.T) {
	var logs bytes.Buffer
	h := newTestGateway(t, &logs).Router()
	w := do(h, http.MethodDelete, "/api/session", "")
	require.Equal(t, http.StatusNoContent, w.Code)

	cleared := map[string]bool{}
	for _, c := range w.Result().Cookies() {
		assert.Equal(t, -1, c.MaxAge, c.Name)
		cleared[c.Name] = true
	}
	assert.True(t, cleared[guard.DefaultTokenCookie])
	for _, name := range session.MirroredCookies {
		assert.True(t, cleared[name], name)
	}
	assert.Contains(t, logs.String(), `"event":"session_cleared"`)
}

func TestGuardedPages(t *testing.T) {
	var logs bytes.Buffer
	h := newTestGateway(t, &logs).Router()

	w := do(h, http.MethodGet, "/dashboard", "")
	assert.Equal(t, http.StatusTemporaryRedirect, w.Code)
	assert.Equal(t, "/login?redirect=%2Fdashboard", w.Header().Get("Location"))

	w = do(h, http.MethodGet, "/login", "branch")
	assert.Equal(t, http.StatusTemporaryRedirect, w.Code)
	assert.Equal(t, "/costs", w.Header().Get("Location"))

	w = do(h, http.MethodGet, "/dashboard", "admin")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "<h1>/dashboard</h1>")
	assert.Contains(t, w.Body.String(), "role: ADMIN")

	assert.Contains(t, logs.String(), `"component":"http"`)
	assert.Contains(t, logs.String(), `"request_id"`)
}

func TestUpstreamProxy(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("frontend " + r.URL.Path))
	}))
	defer upstream.Close()
	u, err := url.Parse(upstream.URL)
	require.NoError(t, err)

	h := newTestGateway(t, nil, WithUpstream(u)).Router()
	w := do(h, http.MethodGet, "/costs/2024", "branch")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "frontend /costs/2024", w.Body.String())

	var role string
	for _, c := range w.Result().Cookies() {
		if c.Name == session.CookieRole {
			role = c.Value
		}
	}
	assert.Equal(t, "BRANCH", role)
}

func TestUpstreamUnavailable(t *testing.T) {
	upstream := httptest.NewServer(http.NotFoundHandler())
	u, err := url.Parse(upstream.URL)
	require.NoError(t, err)
	upstream.Close()

	h := newTestGateway(t, nil, WithUpstream(u)).Router()
	w := do(h, http.MethodGet, "/costs", "branch")
	assert.Equal(t, http.StatusBadGateway, w.Code)
	var body ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "frontend unavailable", body.Error)
	assert.NotEmpty(t, body.RequestID)
}

func TestMapProxyError(t *testing.T) {
	status, _ := mapProxyError(context.Canceled)
	assert.Equal(t, statusClientClosed, status)
	status, _ = mapProxyError(fmt.Errorf("dial: %w", context.DeadlineExceeded))
	assert.Equal(t, http.StatusGatewayTimeout, status)
	status, msg := mapProxyError(errors.New("connection refused"))
	assert.Equal(t, http.StatusBadGateway, status)
	assert.Equal(t, "frontend unavailable", msg)
}

func TestMetricsEndpoint(t *testing.T) {
	m := metrics.New()
	h := newTestGateway(t, nil, WithMetrics(m)).Router()
	do(h, http.MethodGet, "/dashboard", "")

	w := do(h, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "go_goroutines"))

	h = newTestGateway(t, nil).Router()
	assert.Equal(t, http.StatusNotFound, do(h, http.MethodGet, "/metrics", "").Code)
}

func TestDocs(t *testing.T) {
	h := newTestGateway(t, nil).Router()
	w := do(h, http.MethodGet, "/openapi.yaml", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "/api/session")

	w = do(h, http.MethodGet, "/docs", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "/openapi.yaml")
}

func TestSecurityHeaders(t *testing.T) {
	h := SecurityHeaders(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/costs", nil))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Contains(t, w.Header().Get("Permissions-Policy"), "geolocation=(self)")
	assert.Empty(t, w.Header().Get("Cache-Control"))
	assert.Empty(t, w.Header().Get("Strict-Transport-Security"))

	w = httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/api/session", nil)
	r.Header.Set("X-Forwarded-Proto", "https")
	h.ServeHTTP(w, r)
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
	assert.NotEmpty(t, w.Header().Get("Strict-Transport-Security"))
}
