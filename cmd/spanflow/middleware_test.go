package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/grpc/codes"
	"google.golang.org/protobuf/proto"

	"github.com/BaSui01/spanflow/config"
	"github.com/BaSui01/spanflow/internal/auth"
	"github.com/BaSui01/spanflow/internal/metrics"
	"github.com/BaSui01/spanflow/tracing/otlp"
	"github.com/BaSui01/spanflow/types"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func TestSecurityHeaders(t *testing.T) {
	w := httptest.NewRecorder()
	SecurityHeaders()(okHandler).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "strict-origin-when-cross-origin", w.Header().Get("Referrer-Policy"))
	assert.Equal(t, "default-src 'none'", w.Header().Get("Content-Security-Policy"))
}

func TestChain_RequestIDVisibleDownstream(t *testing.T) {
	var seen string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	})

	handler := Chain(inner, SecurityHeaders(), RequestID())

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/test", nil))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
	assert.Equal(t, w.Header().Get("X-Request-ID"), seen)

	r := httptest.NewRequest(http.MethodGet, "/test", nil)
	r.Header.Set("X-Request-ID", "req-client")
	handler.ServeHTTP(httptest.NewRecorder(), r)
	assert.Equal(t, "req-client", seen)
}

func TestRecovery(t *testing.T) {
	panicky := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { panic("boom") })
	handler := Recovery(zap.NewNop())(panicky)

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/traces", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, otlp.ContentTypeProtobuf, w.Header().Get("Content-Type"))

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/usage", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "application/json")
}

// =============================================================================
// 🔐 Authenticate
// =============================================================================

var (
	testOrg     = uuid.MustParse("8f1c4f8e-2d7a-4a53-9a0c-1f6c7b9b2e11")
	testProject = uuid.MustParse("0c5d2a34-67b1-4c3e-8e2f-5a9d4b1c7e22")
)

func newTestAuth(t *testing.T) *auth.Authenticator {
	t.Helper()
	a, err := auth.New(config.JWTConfig{}, []config.APIKeyConfig{
		{Key: "secret-key", OrganizationID: testOrg.String(), ProjectID: testProject.String()},
	}, zap.NewNop())
	require.NoError(t, err)
	return a
}

func TestAuthenticate(t *testing.T) {
	var gotOrg uuid.UUID
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotOrg, _ = types.OrganizationID(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	handler := Authenticate(newTestAuth(t), skipAuthPaths, zap.NewNop())(inner)

	tests := []struct {
		name       string
		path       string
		header     string
		value      string
		wantStatus int
	}{
		{"api key header", "/v1/traces", "X-API-Key", "secret-key", http.StatusOK},
		{"api key scheme", "/api/v1/usage", "Authorization", "ApiKey secret-key", http.StatusOK},
		{"wrong key", "/v1/traces", "X-API-Key", "nope", http.StatusUnauthorized},
		{"missing", "/api/v1/usage", "", "", http.StatusUnauthorized},
		{"health path skipped", "/health", "", "", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				r.Header.Set(tt.header, tt.value)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, r)
			assert.Equal(t, tt.wantStatus, w.Code)
		})
	}

	r := httptest.NewRequest(http.MethodPost, "/v1/traces", nil)
	r.Header.Set("X-API-Key", "secret-key")
	handler.ServeHTTP(httptest.NewRecorder(), r)
	assert.Equal(t, testOrg, gotOrg)
}

func TestAuthenticate_OTLPRejectionIsStatusProto(t *testing.T) {
	handler := Authenticate(newTestAuth(t), skipAuthPaths, zap.NewNop())(okHandler)

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/traces", nil))

	require.Equal(t, http.StatusUnauthorized, w.Code)
	var st status.Status
	require.NoError(t, proto.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, int32(codes.Unauthenticated), st.GetCode())
	assert.Equal(t, "missing credentials", st.GetMessage())
}

func TestAuthenticate_APIRejectionIsJSON(t *testing.T) {
	handler := Authenticate(newTestAuth(t), skipAuthPaths, zap.NewNop())(okHandler)

	r := httptest.NewRequest(http.MethodGet, "/api/v1/usage", nil)
	r.Header.Set("Authorization", "ApiKey wrong")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	require.Equal(t, http.StatusUnauthorized, w.Code)
	var body struct {
		Success bool `json:"success"`
		Error   struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.False(t, body.Success)
	assert.Equal(t, string(types.ErrUnauthorized), body.Error.Code)
	assert.Equal(t, "invalid credentials", body.Error.Message)
}

// =============================================================================
// 🚦 OrgRateLimiter
// =============================================================================

func TestOrgRateLimiter_PerOrganization(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	handler := OrgRateLimiter(ctx, 0.5, 1, zap.NewNop())(okHandler)

	send := func(org uuid.UUID) *httptest.ResponseRecorder {
		r := httptest.NewRequest(http.MethodPost, "/v1/traces", nil)
		r = r.WithContext(types.WithOrganizationID(r.Context(), org))
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)
		return w
	}

	a, b := uuid.New(), uuid.New()
	assert.Equal(t, http.StatusOK, send(a).Code)

	limited := send(a)
	assert.Equal(t, http.StatusTooManyRequests, limited.Code)
	assert.Equal(t, "2", limited.Header().Get("Retry-After"))
	assert.Equal(t, otlp.ContentTypeProtobuf, limited.Header().Get("Content-Type"))

	assert.Equal(t, http.StatusOK, send(b).Code, "other organizations have their own bucket")
}

func TestOrgRateLimiter_FallsBackToIP(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	handler := OrgRateLimiter(ctx, 1, 1, zap.NewNop())(okHandler)

	send := func(addr string) int {
		r := httptest.NewRequest(http.MethodGet, "/health", nil)
		r.RemoteAddr = addr
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)
		return w.Code
	}

	assert.Equal(t, http.StatusOK, send("10.0.0.1:1234"))
	assert.Equal(t, http.StatusTooManyRequests, send("10.0.0.1:5678"))
	assert.Equal(t, http.StatusOK, send("10.0.0.2:1234"))
}

// =============================================================================
// 🌍 CORS / normalizePath
// =============================================================================

func TestCORS(t *testing.T) {
	handler := CORS([]string{"https://app.example.com"})(okHandler)

	r := httptest.NewRequest(http.MethodOptions, "/v1/traces", nil)
	r.Header.Set("Origin", "https://app.example.com")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://app.example.com", w.Header().Get("Access-Control-Allow-Origin"))

	r = httptest.NewRequest(http.MethodPost, "/v1/traces", nil)
	r.Header.Set("Origin", "https://evil.example.com")
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, r)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORS_NoOriginsConfigured(t *testing.T) {
	handler := CORS(nil)(okHandler)

	r := httptest.NewRequest(http.MethodOptions, "/v1/traces", nil)
	r.Header.Set("Origin", "https://app.example.com")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"/v1/traces", "/v1/traces"},
		{"/api/v1/usage", "/api/v1/usage"},
		{"/api/v1/traces/4bf92f3577b34da6a3ce929d0e0e4736", "/api/v1/traces/:id"},
		{"/api/v1/orgs/8f1c4f8e-2d7a-4a53-9a0c-1f6c7b9b2e11/usage", "/api/v1/orgs/:id/usage"},
		{"/api/v1/pages/42", "/api/v1/pages/:id"},
		{"/unknown/static", "/unknown/static"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, normalizePath(tt.in), tt.in)
	}
}

func TestMetricsMiddleware(t *testing.T) {
	reg := prometheus.NewRegistry()
	origReg, origGatherer := prometheus.DefaultRegisterer, prometheus.DefaultGatherer
	prometheus.DefaultRegisterer, prometheus.DefaultGatherer = reg, reg
	t.Cleanup(func() {
		prometheus.DefaultRegisterer, prometheus.DefaultGatherer = origReg, origGatherer
	})

	collector := metrics.NewCollector("spanflow_mwtest", zap.NewNop())
	handler := MetricsMiddleware(collector)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte("ok"))
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/traces/4bf92f3577b34da6a3ce929d0e0e4736", nil))
	assert.Equal(t, http.StatusAccepted, w.Code)

	families, err := reg.Gather()
	require.NoError(t, err)
	var found bool
	for _, mf := range families {
		if mf.GetName() != "spanflow_mwtest_http_requests_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			labels := map[string]string{}
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			if labels["path"] == "/api/v1/traces/:id" {
				found = true
				assert.Equal(t, float64(1), m.GetCounter().GetValue())
			}
		}
	}
	assert.True(t, found, "request counter keyed by normalized path")
}
