package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"labgate/internal/access"
	"labgate/internal/apperr"
	"labgate/internal/audit"
	"labgate/internal/lifecycle"
	"labgate/internal/metrics"
	"labgate/internal/profile"
	"labgate/internal/registry"
)

const testSecret = "test-secret"

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeAccess struct {
	mu         sync.Mutex
	calls      []string
	examID     int64
	resolveErr error
	result     *access.Access
	opErr      error
}

func (f *fakeAccess) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeAccess) ResolveAccess(_ context.Context, token string) (*access.Access, error) {
	f.record("access:" + token)
	if f.resolveErr != nil {
		return nil, f.resolveErr
	}
	return f.result, nil
}

func (f *fakeAccess) ResolveExamAccess(_ context.Context, assignmentID int64, token string) (*access.Access, error) {
	f.record("exam:" + token)
	f.mu.Lock()
	f.examID = assignmentID
	f.mu.Unlock()
	if f.resolveErr != nil {
		return nil, f.resolveErr
	}
	return f.result, nil
}

func (f *fakeAccess) StartEnrollmentContainer(context.Context, int64) (*access.Access, error) {
	f.record("start")
	if f.opErr != nil {
		return nil, f.opErr
	}
	return f.result, nil
}

func (f *fakeAccess) StopEnrollmentContainer(context.Context, int64) error {
	f.record("stop")
	return f.opErr
}

func (f *fakeAccess) TeardownEnrollment(context.Context, int64) error {
	f.record("teardown")
	return f.opErr
}

func (f *fakeAccess) EndSession(_ context.Context, key string) error {
	f.record("end:" + key)
	return f.opErr
}

type fakeExpiry struct {
	terminated int
	endErr     error
	ended      []int64
}

func (f *fakeExpiry) CheckExpired(context.Context) (int, error) {
	return f.terminated, nil
}

func (f *fakeExpiry) EndExamSession(_ context.Context, id int64) error {
	f.ended = append(f.ended, id)
	return f.endErr
}

type fakeRelay struct {
	mu   sync.Mutex
	keys []string
}

func (f *fakeRelay) Serve(w http.ResponseWriter, _ *http.Request, key string) {
	f.mu.Lock()
	f.keys = append(f.keys, key)
	f.mu.Unlock()
	w.WriteHeader(http.StatusSwitchingProtocols)
}

type fakeProber struct {
	ready bool
	calls int
}

func (f *fakeProber) IsReady(context.Context, string) bool {
	f.calls++
	return f.ready
}

// fakeStates reports running for any key not listed.
type fakeStates map[string]lifecycle.State

func (f fakeStates) Status(_ context.Context, name string) (lifecycle.State, string, error) {
	if s, ok := f[name]; ok {
		return s, "", nil
	}
	return lifecycle.StateRunning, "", nil
}

type fixture struct {
	server   *Server
	access   *fakeAccess
	expiry   *fakeExpiry
	relay    *fakeRelay
	prober   *fakeProber
	registry *registry.Registry
	states   fakeStates
	metrics  *metrics.Metrics
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()

	f := &fixture{
		access: &fakeAccess{result: &access.Access{
			SessionKey:     "lms-3-7",
			RedirectTarget: access.RedirectTarget("lms-3-7", "vnc.html"),
			ContainerID:    "c1",
		}},
		expiry:   &fakeExpiry{},
		relay:    &fakeRelay{},
		prober:   &fakeProber{ready: true},
		states:   fakeStates{},
		metrics:  metrics.New(),
	}
	f.registry = registry.New(registry.Config{Checker: f.states})
	cfg := Config{
		Access:    f.access,
		Expiry:    f.expiry,
		Sessions:  f.registry,
		Relay:     f.relay,
		Prober:    f.prober,
		Profiles:  profile.NewHolder(nil),
		Metrics:   f.metrics,
		JWTSecret: testSecret,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	f.server = New(cfg)
	return f
}

func (f *fixture) do(req *http.Request) *httptest.ResponseRecorder {
	// A cancellable context keeps httputil.ReverseProxy from falling back to
	// CloseNotify, which httptest.ResponseRecorder does not implement.
	ctx, cancel := context.WithCancel(req.Context())
	defer cancel()
	req = req.WithContext(ctx)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func operatorToken(t *testing.T, role, secret string) string {
	t.Helper()
	claims := Claims{
		UserID: "u-1",
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func apiRequest(t *testing.T, method, path string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	req.Header.Set("Authorization", "Bearer "+operatorToken(t, RoleProfessor, testSecret))
	return req
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) *apperr.Error {
	t.Helper()
	var body struct {
		Error *apperr.Error `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.NotNil(t, body.Error)
	return body.Error
}

func TestAccessRedirectsToViewer(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(httptest.NewRequest(http.MethodGet, "/access/tok-A", nil))

	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t,
		"/desktop/lms-3-7/vnc.html?autoconnect=true&path=desktop%2Flms-3-7%2Fwebsockify&resize=remote",
		rec.Header().Get("Location"))
	assert.Equal(t, []string{"access:tok-A"}, f.access.calls)
}

func TestAccessErrorsRenderUserMessage(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"invalid token", apperr.ErrInvalidToken, http.StatusNotFound, "INVALID_TOKEN"},
		{"not started", apperr.Clone(apperr.ErrNotStarted, "exam starts at 2026-01-01 09:00 UTC"), http.StatusForbidden, "NOT_STARTED"},
		{"ended", apperr.ErrEnded, http.StatusGone, "ENDED"},
		{"submitted", apperr.ErrAlreadySubmitted, http.StatusConflict, "ALREADY_SUBMITTED"},
		{"runtime", apperr.Wrap(errors.New("docker daemon unreachable"), apperr.ErrRuntimeUnavailable, ""), http.StatusServiceUnavailable, "RUNTIME_UNAVAILABLE"},
		{"untyped", errors.New("pq: connection reset"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			f.access.resolveErr = tt.err

			rec := f.do(httptest.NewRequest(http.MethodGet, "/access/tok", nil))

			require.Equal(t, tt.status, rec.Code)
			got := decodeError(t, rec)
			assert.Equal(t, tt.code, got.Code)
			assert.NotEmpty(t, got.Message)
			assert.NotContains(t, rec.Body.String(), "docker daemon")
			assert.NotContains(t, rec.Body.String(), "pq:")
		})
	}
}

func TestExamAccessParsesAssignment(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(httptest.NewRequest(http.MethodGet, "/exam/42/tok-B", nil))
	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, int64(42), f.access.examID)

	rec = f.do(httptest.NewRequest(http.MethodGet, "/exam/abc/tok-B", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", decodeError(t, rec).Code)
}

func TestReadyOnlyProbesRegisteredSessions(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(httptest.NewRequest(http.MethodGet, "/ready/lms-3-7", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ready":false}`, rec.Body.String())
	assert.Zero(t, f.prober.calls)

	f.registry.Register("lms-3-7", registry.Handle{ContainerID: "c1", Kind: lifecycle.KindRegular})
	rec = f.do(httptest.NewRequest(http.MethodGet, "/ready/lms-3-7", nil))
	assert.JSONEq(t, `{"ready":true}`, rec.Body.String())
	assert.Equal(t, 1, f.prober.calls)
}

func TestDesktopWebsocketGoesToRelay(t *testing.T) {
	f := newFixture(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/desktop/exam-9-7/websockify", nil)
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	f.do(req)

	assert.Equal(t, []string{"exam-9-7"}, f.relay.keys)
}

func TestDesktopProxiesViewerAssets(t *testing.T) {
	var gotPath string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_, _ = io.WriteString(w, "<html>viewer</html>")
	}))
	defer upstream.Close()

	f := newFixture(t, func(cfg *Config) {
		cfg.Upstream = func(string, *profile.Profile) string { return upstream.URL }
	})

	rec := f.do(httptest.NewRequest(http.MethodGet, "/desktop/lms-3-7/vnc.html", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)

	f.registry.Register("lms-3-7", registry.Handle{ContainerID: "c1", Kind: lifecycle.KindRegular})
	rec = f.do(httptest.NewRequest(http.MethodGet, "/desktop/lms-3-7/vnc.html?autoconnect=true", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "<html>viewer</html>", rec.Body.String())
	assert.Equal(t, "/vnc.html", gotPath)
	assert.Empty(t, f.relay.keys)
}

func TestDesktopProxyUpstreamDown(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.Upstream = func(string, *profile.Profile) string { return "http://127.0.0.1:1" }
	})
	f.registry.Register("lms-3-7", registry.Handle{ContainerID: "c1"})

	rec := f.do(httptest.NewRequest(http.MethodGet, "/desktop/lms-3-7/app.js", nil))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestOperatorAuth(t *testing.T) {
	tests := []struct {
		name   string
		header string
		status int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"not bearer", "Basic abc", http.StatusUnauthorized},
		{"bad signature", "Bearer " + operatorToken(t, RoleAdmin, "other-secret"), http.StatusUnauthorized},
		{"student", "Bearer " + operatorToken(t, RoleStudent, testSecret), http.StatusForbidden},
		{"professor", "Bearer " + operatorToken(t, RoleProfessor, testSecret), http.StatusOK},
		{"admin", "Bearer " + operatorToken(t, RoleAdmin, testSecret), http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := f.do(req)
			assert.Equal(t, tt.status, rec.Code)
		})
	}
}

func TestOperatorAuthDisabledWithoutSecret(t *testing.T) {
	f := newFixture(t, func(cfg *Config) { cfg.JWTSecret = "" })

	rec := f.do(apiRequest(t, http.MethodGet, "/api/sessions"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestListSessions(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(apiRequest(t, http.MethodGet, "/api/sessions"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"data":[]}`, rec.Body.String())

	f.registry.Register("lms-3-7", registry.Handle{ContainerID: "c1", Kind: lifecycle.KindRegular, BackingID: 5})
	f.registry.Register("exam-9-7", registry.Handle{ContainerID: "c2", Kind: lifecycle.KindExam, BackingID: 1})
	f.registry.Register("lms-3-8", registry.Handle{ContainerID: "c3", Kind: lifecycle.KindRegular, BackingID: 6})
	f.states["lms-3-7"] = lifecycle.StateStopped
	f.states["lms-3-8"] = lifecycle.StateMissing

	rec = f.do(apiRequest(t, http.MethodGet, "/api/sessions"))
	var body struct {
		Data []struct {
			Key    string `json:"key"`
			Status string `json:"status"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Data, 2)
	assert.Equal(t, "exam-9-7", body.Data[0].Key)
	assert.Equal(t, "running", body.Data[0].Status)
	assert.Equal(t, "lms-3-7", body.Data[1].Key)
	assert.Equal(t, "stopped", body.Data[1].Status)
}

func TestOperatorSessionRoutes(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(apiRequest(t, http.MethodDelete, "/api/sessions/lms-3-7"))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	f.registry.Register("lms-3-7", registry.Handle{ContainerID: "c1"})
	rec = f.do(apiRequest(t, http.MethodGet, "/api/sessions/lms-3-7/ready"))
	assert.JSONEq(t, `{"ready":true}`, rec.Body.String())

	f.access.opErr = apperr.Clone(apperr.ErrNotFound, "session not found")
	rec = f.do(apiRequest(t, http.MethodDelete, "/api/sessions/nope"))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	assert.Equal(t, []string{"end:lms-3-7", "end:nope"}, f.access.calls)
}

func TestOperatorEnrollmentRoutes(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(apiRequest(t, http.MethodPost, "/api/enrollments/5/start"))
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Data access.Access `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "lms-3-7", body.Data.SessionKey)

	rec = f.do(apiRequest(t, http.MethodPost, "/api/enrollments/5/stop"))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(apiRequest(t, http.MethodDelete, "/api/enrollments/5/container"))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(apiRequest(t, http.MethodPost, "/api/enrollments/x/start"))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "VALIDATION_ERROR", decodeError(t, rec).Code)

	assert.Equal(t, []string{"start", "stop", "teardown"}, f.access.calls)
}

func TestOperatorExpiryRoutes(t *testing.T) {
	f := newFixture(t, nil)
	f.expiry.terminated = 2

	rec := f.do(apiRequest(t, http.MethodPost, "/api/exams/check-expired"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"data":{"terminated":2}}`, rec.Body.String())

	rec = f.do(apiRequest(t, http.MethodPost, "/api/exam-sessions/11/end"))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	f.expiry.endErr = apperr.Clone(apperr.ErrNotFound, "exam session not found")
	rec = f.do(apiRequest(t, http.MethodPost, "/api/exam-sessions/12/end"))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	assert.Equal(t, []int64{11, 12}, f.expiry.ended)
}

func TestOperatorAudit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	logger, err := audit.NewLogger(path)
	require.NoError(t, err)
	require.NoError(t, logger.Log(audit.Entry{Event: audit.EventSessionCreated, SessionKey: "lms-3-7"}))
	require.NoError(t, logger.Log(audit.Entry{Event: audit.EventSessionEnded, SessionKey: "lms-3-7"}))
	require.NoError(t, logger.Close())

	f := newFixture(t, func(cfg *Config) { cfg.AuditPath = path })

	rec := f.do(apiRequest(t, http.MethodGet, "/api/audit?limit=1"))
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Data []audit.Entry `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Data, 1)
	assert.Equal(t, audit.EventSessionEnded, body.Data[0].Event)

	rec = f.do(apiRequest(t, http.MethodGet, "/api/audit?limit=-3"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"data":{"status":"ok","sessions":0}}`, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = f.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `labgate_http_request_duration_seconds_count{method="GET",path="/health",status="200"} 1`))
}
