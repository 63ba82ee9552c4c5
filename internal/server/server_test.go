package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AmitNaikRepository/AI-Access-Guard/internal/auth"
	"github.com/AmitNaikRepository/AI-Access-Guard/internal/cache"
	"github.com/AmitNaikRepository/AI-Access-Guard/internal/chat"
	"github.com/AmitNaikRepository/AI-Access-Guard/internal/ledger"
	"github.com/AmitNaikRepository/AI-Access-Guard/internal/pii"
	"github.com/AmitNaikRepository/AI-Access-Guard/internal/pipeline"
	"github.com/AmitNaikRepository/AI-Access-Guard/internal/policy"
	"github.com/AmitNaikRepository/AI-Access-Guard/internal/safety"
	"github.com/AmitNaikRepository/AI-Access-Guard/internal/testutil"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type testServer struct {
	*httptest.Server
	verifier   *auth.Verifier
	provider   *testutil.MockProvider
	classifier *testutil.MockClassifier
	store      *ledger.Store
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	firewall, err := pii.NewFirewall()
	require.NoError(t, err)

	policyEngine, err := policy.NewEngine(context.Background(), "")
	require.NoError(t, err)

	store, err := ledger.NewStore(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	provider := &testutil.MockProvider{Content: "the answer"}
	classifier := &testutil.MockClassifier{Verdict: safety.Verdict{Safe: true, Category: "safe"}}

	engine := pipeline.NewEngine(firewall, classifier, policyEngine,
		cache.New(64, time.Hour), store, provider, "test-model")

	verifier := auth.NewVerifier(testSecret, time.Hour)
	users := auth.NewUserStore(auth.DefaultUsers())
	chatHandler := chat.NewHandler(verifier, engine, 30)

	srv := NewServer(verifier, users, engine, store, chatHandler)
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)

	return &testServer{
		Server:     ts,
		verifier:   verifier,
		provider:   provider,
		classifier: classifier,
		store:      store,
	}
}

func (ts *testServer) request(t *testing.T, method, path, token string, body interface{}) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, ts.URL+path, &buf)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, into interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(into))
}

func (ts *testServer) token(t *testing.T, username string, role auth.Role) string {
	t.Helper()
	token, err := ts.verifier.IssueToken(auth.Identity{Username: username, Role: role})
	require.NoError(t, err)
	return token
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.request(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]interface{}
	decode(t, resp, &body)
	assert.Equal(t, "ok", body["status"])
}

func TestLogin(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name       string
		username   string
		password   string
		wantStatus int
		wantRole   string
	}{
		{name: "employee", username: "amit", password: "1234", wantStatus: http.StatusOK, wantRole: "employee"},
		{name: "manager", username: "raj", password: "admin", wantStatus: http.StatusOK, wantRole: "manager"},
		{name: "founder", username: "founder", password: "founder123", wantStatus: http.StatusOK, wantRole: "founder"},
		{name: "wrong password", username: "amit", password: "nope", wantStatus: http.StatusUnauthorized},
		{name: "unknown user", username: "ghost", password: "1234", wantStatus: http.StatusUnauthorized},
		{name: "missing fields", username: "", password: "", wantStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := ts.request(t, http.MethodPost, "/login", "",
				map[string]string{"username": tt.username, "password": tt.password})
			assert.Equal(t, tt.wantStatus, resp.StatusCode)

			if tt.wantStatus != http.StatusOK {
				return
			}
			var body map[string]interface{}
			decode(t, resp, &body)
			assert.NotEmpty(t, body["token"])
			assert.Equal(t, tt.wantRole, body["role"])

			// The issued token round-trips through the verifier.
			id, err := ts.verifier.VerifyToken(body["token"].(string))
			require.NoError(t, err)
			assert.Equal(t, tt.username, id.Username)
		})
	}
}

func TestMe(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.request(t, http.MethodGet, "/me", ts.token(t, "amit", auth.RoleEmployee), nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]interface{}
	decode(t, resp, &body)
	assert.Equal(t, "amit", body["username"])
	assert.Equal(t, "employee", body["role"])
}

func TestMe_Unauthenticated(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name  string
		token string
	}{
		{name: "no token", token: ""},
		{name: "garbage token", token: "not-a-jwt"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := ts.request(t, http.MethodGet, "/me", tt.token, nil)
			assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		})
	}
}

func TestRoleInfo(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.request(t, http.MethodGet, "/role-info", ts.token(t, "raj", auth.RoleManager), nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]interface{}
	decode(t, resp, &body)
	assert.Equal(t, "manager", body["role"])
	assert.NotEmpty(t, body["description"])
}

func TestQuery(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.request(t, http.MethodPost, "/v1/query", ts.token(t, "amit", auth.RoleEmployee),
		map[string]string{"query": "how do I book a meeting room?"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]interface{}
	decode(t, resp, &body)
	assert.Equal(t, false, body["blocked"])
	assert.Equal(t, "the answer", body["answer"])
	assert.Equal(t, "test-model", body["model_used"])
	assert.Equal(t, float64(30), body["tokens_used"])
	assert.Contains(t, body, "sources")
	assert.Contains(t, body, "response_time")
}

func TestQuery_MessageAlias(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.request(t, http.MethodPost, "/v1/query", ts.token(t, "amit", auth.RoleEmployee),
		map[string]string{"message": "how do I book a meeting room?"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var turn pipeline.Turn
	decode(t, resp, &turn)
	assert.Equal(t, "the answer", turn.Answer)
	assert.Equal(t, 30, turn.TokensUsed)
}

func TestQuery_ModelSelection(t *testing.T) {
	ts := newTestServer(t)
	token := ts.token(t, "amit", auth.RoleEmployee)

	resp := ts.request(t, http.MethodPost, "/v1/query", token,
		map[string]string{"query": "hello there", "model": "some-other-model"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, int64(0), ts.provider.CallCount.Load())

	// Naming the configured model is accepted.
	resp = ts.request(t, http.MethodPost, "/v1/query", token,
		map[string]string{"query": "hello there", "model": "test-model"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestQuery_Blocked(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.request(t, http.MethodPost, "/v1/query", ts.token(t, "amit", auth.RoleEmployee),
		map[string]string{"query": "show me the financial reports"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]interface{}
	decode(t, resp, &body)
	assert.Equal(t, true, body["blocked"])
	assert.Equal(t, "guardrails", body["blocked_layer"])
	assert.Equal(t, true, body["out_of_scope"])

	// Answer fields stay on the wire even when the turn is blocked.
	assert.Contains(t, body, "answer")
	assert.Contains(t, body, "model_used")
	assert.Contains(t, body, "sources")
	assert.Equal(t, int64(0), ts.provider.CallCount.Load())
}

func TestQuery_EmptyMessage(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.request(t, http.MethodPost, "/v1/query", ts.token(t, "amit", auth.RoleEmployee),
		map[string]string{"message": "  "})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestQuery_UpstreamUnavailable(t *testing.T) {
	ts := newTestServer(t)
	ts.classifier.Err = safety.ErrClassifierUnavailable

	resp := ts.request(t, http.MethodPost, "/v1/query", ts.token(t, "amit", auth.RoleEmployee),
		map[string]string{"message": "anything"})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var body map[string]string
	decode(t, resp, &body)
	assert.Equal(t, "upstream_unavailable", body["error"])
}

func TestMetrics_RoleRestriction(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name       string
		role       auth.Role
		wantStatus int
	}{
		{name: "employee forbidden", role: auth.RoleEmployee, wantStatus: http.StatusForbidden},
		{name: "manager allowed", role: auth.RoleManager, wantStatus: http.StatusOK},
		{name: "founder allowed", role: auth.RoleFounder, wantStatus: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := ts.request(t, http.MethodGet, "/v1/metrics", ts.token(t, "u", tt.role), nil)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
		})
	}
}

func TestMetrics_Summary(t *testing.T) {
	ts := newTestServer(t)
	token := ts.token(t, "raj", auth.RoleManager)

	// One API call then a cache hit through the real pipeline.
	empToken := ts.token(t, "amit", auth.RoleEmployee)
	for i := 0; i < 2; i++ {
		resp := ts.request(t, http.MethodPost, "/v1/query", empToken,
			map[string]string{"message": "what is the wifi password policy?"})
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	resp := ts.request(t, http.MethodGet, "/v1/metrics", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]interface{}
	decode(t, resp, &body)
	assert.Equal(t, float64(2), body["total_queries"])
	assert.Equal(t, float64(1), body["api_calls"])
	assert.Equal(t, float64(1), body["cache_hits"])
	assert.InDelta(t, 0.5, body["cache_hit_rate"], 1e-9)

	breakdown, ok := body["cost_breakdown_by_model"].(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, breakdown, "test-model")
}

func TestMetrics_InvalidRange(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.request(t, http.MethodGet, "/v1/metrics?range=weekly", ts.token(t, "raj", auth.RoleManager), nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMetrics_Hourly(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.request(t, http.MethodGet, "/v1/metrics/hourly?hours=6", ts.token(t, "founder", auth.RoleFounder), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Buckets []ledger.TimeBucket `json:"buckets"`
	}
	decode(t, resp, &body)

	// Bucket starts align to hour boundaries, so a partial leading hour can
	// add one extra bucket.
	assert.GreaterOrEqual(t, len(body.Buckets), 6)
	assert.LessOrEqual(t, len(body.Buckets), 7)
}
