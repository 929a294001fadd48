package api

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jordanhubbard/holly/internal/guardrails"
	"github.com/jordanhubbard/holly/internal/lifecycle"
	"github.com/jordanhubbard/holly/internal/locks"
	"github.com/jordanhubbard/holly/internal/metrics"
	"github.com/jordanhubbard/holly/internal/store"
	"github.com/jordanhubbard/holly/internal/vcs"
	"github.com/jordanhubbard/holly/pkg/models"
)

type testServer struct {
	handler http.Handler
	vcs     *vcs.Memory
	metrics *metrics.Metrics
}

func newTestServer(t *testing.T, cfg Config, opts ...Option) *testServer {
	t.Helper()
	v, err := guardrails.NewValidator(guardrails.DefaultPolicy())
	require.NoError(t, err)

	lc := lifecycle.DefaultConfig()
	lc.Retry = lifecycle.RetryConfig{Attempts: 2, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}
	mem := vcs.NewMemory()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	ctrl, err := lifecycle.New(lifecycle.Deps{
		Store:      store.NewMemory(),
		VCS:        mem,
		Locks:      locks.NewRegistry(),
		Guardrails: v,
		Metrics:    m,
	}, lc)
	require.NoError(t, err)

	opts = append([]Option{WithMetrics(m, reg)}, opts...)
	return &testServer{handler: NewServer(ctrl, cfg, opts...).SetupRoutes(), vcs: mem, metrics: m}
}

func (ts *testServer) do(t *testing.T, method, path string, body any, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	ts.handler.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func mediumPlan() map[string]any {
	return map[string]any{
		"user_id":           "user-1",
		"trigger_type":      "self_detected",
		"problem_statement": "Summary report rounds totals twice",
		"solution_approach": "Round once at the end",
		"risk_level":        "medium",
		"files_changed":     []string{"internal/report/summary.go"},
		"lines_changed":     20,
	}
}

// openPR drives a medium-risk improvement to pr_created through the API.
func (ts *testServer) openPR(t *testing.T) *models.Improvement {
	t.Helper()
	w := ts.do(t, http.MethodPost, "/api/v1/improvements", mediumPlan())
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	imp := decode[models.Improvement](t, w)

	w = ts.do(t, http.MethodPost, "/api/v1/improvements/"+imp.ID+"/analyze",
		map[string]any{"llm_confidence": 0.6, "predicted_test_coverage": 60})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res := decode[AnalyzeResponse](t, w)
	require.Equal(t, models.ActionPendingReview, res.Decision.Action)

	w = ts.do(t, http.MethodPost, "/api/v1/improvements/"+imp.ID+"/code",
		map[string]any{"code_changes": map[string]string{"internal/report/summary.go": "package report\n"}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	out := decode[models.Improvement](t, w)
	require.Equal(t, models.StatusPRCreated, out.Status)
	return &out
}

func TestImprovementFlow(t *testing.T) {
	ts := newTestServer(t, Config{})
	imp := ts.openPR(t)

	w := ts.do(t, http.MethodPost, "/api/v1/improvements/"+imp.ID+"/approve", map[string]string{"actor": "alice"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	merged := decode[models.Improvement](t, w)
	assert.Equal(t, models.StatusMerged, merged.Status)
	assert.Equal(t, "alice", merged.ReviewedBy)

	w = ts.do(t, http.MethodPost, "/api/v1/improvements/"+imp.ID+"/deployment", map[string]any{"success": true, "url": "https://prod"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	deployed := decode[models.Improvement](t, w)
	assert.Equal(t, models.StatusDeployed, deployed.Status)
	assert.Equal(t, "https://prod", deployed.DeploymentURL)

	w = ts.do(t, http.MethodGet, "/api/v1/improvements/"+imp.ID+"/events", nil)
	require.Equal(t, http.StatusOK, w.Code)
	events := decode[[]models.AuditEvent](t, w)
	require.NotEmpty(t, events)
	assert.Equal(t, models.StatusDeployed, events[len(events)-1].ToStatus)

	w = ts.do(t, http.MethodGet, "/api/v1/improvements?status=deployed", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]models.Improvement](t, w), 1)

	w = ts.do(t, http.MethodGet, "/api/v1/insights", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, 1.0, testutil.ToFloat64(
		ts.metrics.HTTPRequestsTotal.WithLabelValues(http.MethodPost, "POST /api/v1/improvements/{id}/approve", "200")))
}

func TestErrorMapping(t *testing.T) {
	ts := newTestServer(t, Config{})

	t.Run("validation", func(t *testing.T) {
		plan := mediumPlan()
		delete(plan, "user_id")
		w := ts.do(t, http.MethodPost, "/api/v1/improvements", plan)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		body := decode[map[string]any](t, w)
		assert.Contains(t, body["fields"], "UserID")
	})

	t.Run("unknown field", func(t *testing.T) {
		plan := mediumPlan()
		plan["surprise"] = true
		w := ts.do(t, http.MethodPost, "/api/v1/improvements", plan)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("not found", func(t *testing.T) {
		w := ts.do(t, http.MethodGet, "/api/v1/improvements/nope", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("guardrail", func(t *testing.T) {
		plan := mediumPlan()
		plan["files_changed"] = []string{".github/workflows/ci.yml"}
		plan["risk_level"] = "high"
		w := ts.do(t, http.MethodPost, "/api/v1/improvements", plan)
		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
		body := decode[map[string]any](t, w)
		assert.Equal(t, "plan", body["stage"])
		assert.NotEmpty(t, body["violations"])
	})

	t.Run("invalid transition", func(t *testing.T) {
		w := ts.do(t, http.MethodPost, "/api/v1/improvements", mediumPlan())
		imp := decode[models.Improvement](t, w)
		w = ts.do(t, http.MethodPost, "/api/v1/improvements/"+imp.ID+"/approve", nil)
		assert.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("collaborator", func(t *testing.T) {
		imp := ts.openPR(t)
		ts.vcs.FailNext(vcs.OpMergePR, vcs.Permanent(errors.New("branch protection")))
		w := ts.do(t, http.MethodPost, "/api/v1/improvements/"+imp.ID+"/approve", nil)
		assert.Equal(t, http.StatusBadGateway, w.Code)
	})

	t.Run("bad list filters", func(t *testing.T) {
		for _, q := range []string{"status=bogus", "trigger_type=bogus", "limit=-1", "limit=x"} {
			w := ts.do(t, http.MethodGet, "/api/v1/improvements?"+q, nil)
			assert.Equal(t, http.StatusBadRequest, w.Code, q)
		}
	})

	t.Run("reject needs a reason", func(t *testing.T) {
		imp := ts.openPR(t)
		w := ts.do(t, http.MethodPost, "/api/v1/improvements/"+imp.ID+"/reject", map[string]string{})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func signToken(t *testing.T, secret, subject string, method jwt.SigningMethod) string {
	t.Helper()
	tok := jwt.NewWithClaims(method, jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	s, err := tok.SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func TestApproveWithJWT(t *testing.T) {
	ts := newTestServer(t, Config{JWTSecret: "s3cret"})
	imp := ts.openPR(t)
	path := "/api/v1/improvements/" + imp.ID + "/approve"

	w := ts.do(t, http.MethodPost, path, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = ts.do(t, http.MethodPost, path, nil, "Authorization", "Bearer "+signToken(t, "wrong", "mallory", jwt.SigningMethodHS256))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = ts.do(t, http.MethodPost, path, map[string]string{"actor": "mallory"},
		"Authorization", "Bearer "+signToken(t, "s3cret", "bob", jwt.SigningMethodHS256))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "bob", decode[models.Improvement](t, w).ReviewedBy)
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestGitHubWebhook(t *testing.T) {
	const secret = "hook"
	ts := newTestServer(t, Config{WebhookSecret: secret})
	imp := ts.openPR(t)
	require.NoError(t, ts.vcs.SetPRState(imp.PRNumber, vcs.StateMerged))

	send := func(event string, payload any, sig func([]byte) string) *httptest.ResponseRecorder {
		body, err := json.Marshal(payload)
		require.NoError(t, err)
		req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/github", bytes.NewReader(body))
		req.Header.Set("X-GitHub-Event", event)
		req.Header.Set("X-Hub-Signature-256", sig(body))
		w := httptest.NewRecorder()
		ts.handler.ServeHTTP(w, req)
		return w
	}
	valid := func(b []byte) string { return sign(secret, b) }
	closed := GitHubWebhookPayload{
		Action:      "closed",
		PullRequest: &GitHubPullRequest{Number: imp.PRNumber, Merged: true, Head: &GitHubRef{Ref: imp.BranchName}},
	}

	w := send("pull_request", closed, func(b []byte) string { return sign("other", b) })
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = send("ping", map[string]string{}, valid)
	assert.Equal(t, http.StatusOK, w.Code)

	w = send("issues", map[string]string{"action": "opened"}, valid)
	assert.Equal(t, http.StatusAccepted, w.Code)

	other := closed
	other.PullRequest = &GitHubPullRequest{Number: 999, Head: &GitHubRef{Ref: "feature/unrelated"}}
	w = send("pull_request", other, valid)
	assert.Equal(t, http.StatusAccepted, w.Code)

	w = send("pull_request", closed, valid)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, models.StatusMerged, decode[models.Improvement](t, w).Status)
}

func TestVerifyGitHubSignature(t *testing.T) {
	body := []byte(`{"action":"closed"}`)
	assert.True(t, verifyGitHubSignature(body, sign("k", body), "k"))
	assert.False(t, verifyGitHubSignature(body, strings.TrimPrefix(sign("k", body), "sha256="), "k"))
	assert.False(t, verifyGitHubSignature(body, sign("k", []byte("{}")), "k"))
}

func TestHealthAndMetrics(t *testing.T) {
	ts := newTestServer(t, Config{}, WithHealthCheck("nats", func(context.Context) error { return errors.New("disconnected") }))

	w := ts.do(t, http.MethodGet, "/api/v1/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	h := decode[health](t, w)
	assert.Equal(t, "degraded", h.Status)
	assert.Equal(t, "disconnected", h.Dependencies["nats"])

	w = ts.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "holly_http_requests_total")
}
