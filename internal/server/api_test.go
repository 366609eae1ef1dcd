package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vesaa/talonwatch/internal/config"
	"github.com/vesaa/talonwatch/internal/hub"
	"github.com/vesaa/talonwatch/internal/instrument"
	"github.com/vesaa/talonwatch/internal/models"
	"github.com/vesaa/talonwatch/internal/store"
	"github.com/vesaa/talonwatch/internal/traffic"
	"github.com/vesaa/talonwatch/internal/uptime"
)

var t0 = time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)

type env struct {
	engine  *gin.Engine
	store   *store.Store
	traffic *traffic.Accountant
	clock   *quartz.Mock
	auth    *Auth
}

func newEnv(t *testing.T) *env {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st, err := store.OpenSQLite(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	clock := quartz.NewMock(t)
	clock.Set(t0)

	cfg := &config.Config{OfflineAfterMinutes: 2, BillingAnchorDay: 1, NotifyOffline: true}
	reg := prometheus.NewRegistry()
	metrics := instrument.New(reg)
	acct := traffic.New(st, nil)
	auth := NewAuth("test-secret", "admin", "pw", clock)
	h := hub.New(hub.Options{Store: st, Traffic: acct, Clock: clock, Metrics: metrics})

	srv := New(Options{
		Config:   cfg,
		Store:    st,
		Traffic:  acct,
		Uptime:   uptime.NewService(st, clock),
		Hub:      h,
		Auth:     auth,
		Gatherer: reg,
		Clock:    clock,
	})
	r := gin.New()
	srv.RegisterControlRoutes(r)
	srv.RegisterDataRoutes(r)
	return &env{engine: r, store: st, traffic: acct, clock: clock, auth: auth}
}

func (e *env) do(t *testing.T, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.engine.ServeHTTP(rec, req)
	return rec
}

func (e *env) token(t *testing.T) string {
	t.Helper()
	tok, err := e.auth.GenerateJWT("admin")
	require.NoError(t, err)
	return tok
}

func (e *env) machine(t *testing.T, name string, lastSeen *time.Time) uint {
	t.Helper()
	m := &models.Machine{Name: name, AgentKeyHash: "x", LastSeenAt: lastSeen}
	require.NoError(t, e.store.CreateMachine(context.Background(), m))
	return m.ID
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestLogin(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	rec := e.do(t, http.MethodPost, "/api/login", map[string]string{"username": "admin", "password": "nope"}, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = e.do(t, http.MethodPost, "/api/login", map[string]string{"username": "admin"}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, http.MethodPost, "/api/login", map[string]string{"username": "admin", "password": "pw"}, "")
	require.Equal(t, http.StatusOK, rec.Code)
	tok := decode(t, rec)["token"].(string)

	assert.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/api/machines", nil, tok).Code)
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	assert.Equal(t, http.StatusUnauthorized, e.do(t, http.MethodGet, "/api/machines", nil, "").Code)
	assert.Equal(t, http.StatusUnauthorized, e.do(t, http.MethodGet, "/api/machines", nil, "garbage").Code)

	tok := e.token(t)
	e.clock.Set(t0.Add(TokenTTL + time.Minute))
	assert.Equal(t, http.StatusUnauthorized, e.do(t, http.MethodGet, "/api/machines", nil, tok).Code, "expired")

	assert.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/api/health", nil, "").Code)
	assert.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/healthz", nil, "").Code)
}

func TestMachinesDerivedOnline(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	recent, stale := t0.Add(-time.Minute), t0.Add(-time.Hour)
	e.machine(t, "fresh", &recent)
	e.machine(t, "quiet", &stale)

	rec := e.do(t, http.MethodGet, "/api/machines", nil, e.token(t))
	require.Equal(t, http.StatusOK, rec.Code)
	data := decode(t, rec)["data"].([]any)
	require.Len(t, data, 2)
	assert.Equal(t, true, data[0].(map[string]any)["derivedOnline"])
	assert.Equal(t, false, data[1].(map[string]any)["derivedOnline"])
	_, leaked := data[0].(map[string]any)["machine"].(map[string]any)["agentKeyHash"]
	assert.False(t, leaked)
}

func TestMachineRoutesValidateID(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	tok := e.token(t)

	for _, suffix := range []string{"metrics", "uptime", "traffic"} {
		assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodGet, "/api/machines/abc/"+suffix, nil, tok).Code)
		assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodGet, "/api/machines/99/"+suffix, nil, tok).Code)
	}
}

func TestMachineMetricsUptimeTraffic(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	tok := e.token(t)
	id := e.machine(t, "edge", nil)

	for i := 0; i < 5; i++ {
		require.NoError(t, e.store.InsertSample(ctx, &models.MetricSample{
			MachineID: id, At: t0.Add(-time.Duration(i) * time.Minute), MemTotal: 1, DiskTotal: 1,
		}))
	}
	_, err := e.traffic.Account(ctx, id, t0.Add(-time.Minute), 100, 10)
	require.NoError(t, err)
	_, err = e.traffic.Account(ctx, id, t0, 400, 30)
	require.NoError(t, err)

	rec := e.do(t, http.MethodGet, "/api/machines/"+itoa(id)+"/metrics?limit=2", nil, tok)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["data"], 2)

	rec = e.do(t, http.MethodGet, "/api/machines/"+itoa(id)+"/uptime?hours=1&bucketMinutes=60", nil, tok)
	require.Equal(t, http.StatusOK, rec.Code)
	up := decode(t, rec)["data"].(map[string]any)
	assert.InDelta(t, 1.0, up["upPct"], 1e-9)

	rec = e.do(t, http.MethodGet, "/api/machines/"+itoa(id)+"/traffic", nil, tok)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	cur := body["current"].(map[string]any)
	assert.Equal(t, "2025-03-01", cur["month"])
	assert.EqualValues(t, 300, cur["rxBytes"])
	assert.EqualValues(t, 20, cur["txBytes"])
	assert.Len(t, body["history"], 1)
}

func TestSettingsRoundTrip(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	tok := e.token(t)

	rec := e.do(t, http.MethodGet, "/api/settings", nil, tok)
	require.Equal(t, http.StatusOK, rec.Code)
	eff := decode(t, rec)["effective"].(map[string]any)
	assert.EqualValues(t, 2, eff[config.SettingOfflineAfterMinutes])
	assert.Equal(t, true, eff[config.SettingNotifyOffline])

	rec = e.do(t, http.MethodPut, "/api/settings", map[string]string{config.SettingBillingAnchorDay: "32"}, tok)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = e.do(t, http.MethodPut, "/api/settings", map[string]string{"unknown": "1"}, tok)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, http.MethodPut, "/api/settings", map[string]string{
		config.SettingOfflineAfterMinutes: "10",
		config.SettingNotifyOffline:       "false",
	}, tok)
	require.Equal(t, http.StatusOK, rec.Code)
	eff = decode(t, rec)["effective"].(map[string]any)
	assert.EqualValues(t, 10, eff[config.SettingOfflineAfterMinutes])
	assert.Equal(t, false, eff[config.SettingNotifyOffline])
}

func TestPrometheusEndpoint(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	rec := e.do(t, http.MethodGet, "/metrics", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "talonwatch_agents_connected")
}

func TestViewerSocketAuth(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	srv := httptest.NewServer(e.engine)
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/ui"

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(url+"?token="+e.token(t), nil)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var hello map[string]any
	require.NoError(t, conn.ReadJSON(&hello))
	assert.Equal(t, map[string]any{"type": "hello", "userId": "admin"}, hello)
}

func TestRetentionPruneOnce(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	for _, age := range []time.Duration{time.Hour, 40 * 24 * time.Hour} {
		require.NoError(t, e.store.InsertSample(ctx, &models.MetricSample{MachineID: 1, At: t0.Add(-age), MemTotal: 1, DiskTotal: 1}))
	}
	metrics := instrument.New(nil)
	r := &Retention{Pruner: e.store, Clock: e.clock, Days: 30, Metrics: metrics}
	n, err := r.PruneOnce(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	left, err := e.store.LatestSamples(ctx, 1, 10)
	require.NoError(t, err)
	assert.Len(t, left, 1)
}

func itoa(id uint) string {
	return strconv.FormatUint(uint64(id), 10)
}
