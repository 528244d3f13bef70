package handler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kz-records/internal/config"
	"github.com/kz-records/internal/domain"
	"github.com/kz-records/internal/metrics"
	"github.com/kz-records/internal/ratelimit"
	"github.com/kz-records/internal/validate"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeService struct {
	mu         sync.Mutex
	available  bool
	maps       []string
	stats      domain.Statistics
	records    map[string][]domain.LeaderboardRecord
	recordsErr error
	panicOn    string
	rejected   []string
	recordsFor []string
	clearCalls int
	defaultMap string
}

func newFakeService() *fakeService {
	return &fakeService{
		available:  true,
		maps:       []string{"kz_beach", "kz_grotto"},
		stats:      domain.Statistics{TotalRecords: 1234, TotalPlayers: 56, TotalMaps: 2},
		records:    make(map[string][]domain.LeaderboardRecord),
		defaultMap: "kz_grotto",
	}
}

func (f *fakeService) DefaultMap() string { return f.defaultMap }

func (f *fakeService) ValidateMap(_ context.Context, _ domain.Client, raw string) (string, error) {
	if !validate.MapName(raw) {
		f.mu.Lock()
		f.rejected = append(f.rejected, raw)
		f.mu.Unlock()
		return "", domain.ErrInvalidMap
	}
	return strings.TrimSpace(raw), nil
}

func (f *fakeService) MapRecords(ctx context.Context, client domain.Client, mapName string) ([]domain.LeaderboardRecord, error) {
	f.mu.Lock()
	f.recordsFor = append(f.recordsFor, mapName)
	f.mu.Unlock()
	if f.recordsErr != nil {
		return []domain.LeaderboardRecord{}, f.recordsErr
	}
	if _, err := f.ValidateMap(ctx, client, mapName); err != nil {
		return []domain.LeaderboardRecord{}, err
	}
	if records, ok := f.records[mapName]; ok {
		return records, nil
	}
	return []domain.LeaderboardRecord{}, nil
}

func (f *fakeService) MapInfo(ctx context.Context, client domain.Client, mapName string) (domain.MapInfo, error) {
	records, err := f.MapRecords(ctx, client, mapName)
	if err != nil {
		return domain.MapInfo{}, err
	}
	info := domain.MapInfo{MapName: mapName, HasRecords: len(records) > 0, TotalRecords: len(records)}
	if len(records) > 0 {
		top := records[0]
		info.TopRecord = &top
	}
	return info, nil
}

func (f *fakeService) GetMaps(context.Context) []string { return f.maps }

func (f *fakeService) GetStatistics(context.Context) domain.Statistics {
	if f.panicOn == "stats" {
		panic("boom")
	}
	return f.stats
}

func (f *fakeService) Available(context.Context) bool { return f.available }

func (f *fakeService) ClearCache(context.Context) error {
	f.clearCalls++
	return nil
}

type testEnv struct {
	svc     *fakeService
	metrics *metrics.Metrics
	router  http.Handler
}

func newTestEnv(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()

	cfg := config.DefaultConfig()
	if mutate != nil {
		mutate(cfg)
	}

	svc := newFakeService()
	reg := prometheus.NewRegistry()
	m := metrics.NewWithRegistry(reg, reg)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	h := NewHandler(svc, nil, Limiters{
		API:  ratelimit.New(100),
		Page: ratelimit.New(100),
	}, cfg, logger,
		WithMetrics(m),
		WithClock(func() time.Time { return time.Unix(1700000000, 0) }),
	)
	return &testEnv{svc: svc, metrics: m, router: h.Router()}
}

func (e *testEnv) do(t *testing.T, method, target string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	req.RemoteAddr = "203.0.113.7:51234"
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

type envelope struct {
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data"`
	Error     string          `json:"error"`
	Timestamp int64           `json:"timestamp"`
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return env
}

func TestAPIDefaultsToStats(t *testing.T) {
	e := newTestEnv(t, nil)

	rec := e.do(t, "GET", "/api", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	env := decode(t, rec)
	assert.True(t, env.Success)
	assert.Equal(t, int64(1700000000), env.Timestamp)

	var stats domain.Statistics
	require.NoError(t, json.Unmarshal(env.Data, &stats))
	assert.Equal(t, e.svc.stats, stats)
}

func TestAPIMaps(t *testing.T) {
	e := newTestEnv(t, nil)

	for _, target := range []string{"/api?endpoint=maps", "/api/maps"} {
		rec := e.do(t, "GET", target, nil)
		require.Equal(t, http.StatusOK, rec.Code, target)

		var maps []string
		require.NoError(t, json.Unmarshal(decode(t, rec).Data, &maps))
		assert.Equal(t, []string{"kz_beach", "kz_grotto"}, maps)
	}
}

func TestAPIRecords(t *testing.T) {
	e := newTestEnv(t, nil)
	e.svc.records["kz_grotto"] = []domain.LeaderboardRecord{
		{SteamID: "76561198000000001", PlayerName: "first", Time: 65.5, FormattedTime: "1:05.500", Date: 1700000000, Place: 1},
	}

	rec := e.do(t, "GET", "/api?endpoint=records&map=kz_grotto", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, `"SteamID":"76561198000000001"`)
	assert.Contains(t, body, `"place":1`)

	var data domain.MapRecords
	require.NoError(t, json.Unmarshal(decode(t, rec).Data, &data))
	assert.Equal(t, "kz_grotto", data.Map)
	assert.Equal(t, 1, data.Count)
	assert.Equal(t, "1:05.500", data.Records[0].FormattedTime)
}

func TestAPIRecordsEmptyListIsArray(t *testing.T) {
	e := newTestEnv(t, nil)

	rec := e.do(t, "GET", "/api/records?map=kz_empty", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"records":[]`)
}

func TestAPIMapInfo(t *testing.T) {
	e := newTestEnv(t, nil)
	e.svc.records["kz_grotto"] = []domain.LeaderboardRecord{
		{SteamID: "76561198000000001", PlayerName: "first", Place: 1},
		{SteamID: "76561198000000002", PlayerName: "second", Place: 2},
	}

	rec := e.do(t, "GET", "/api?endpoint=map_info&map=kz_grotto", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var info domain.MapInfo
	require.NoError(t, json.Unmarshal(decode(t, rec).Data, &info))
	assert.Equal(t, "kz_grotto", info.MapName)
	assert.True(t, info.HasRecords)
	assert.Equal(t, 2, info.TotalRecords)
	require.NotNil(t, info.TopRecord)
	assert.Equal(t, "first", info.TopRecord.PlayerName)

	rec = e.do(t, "GET", "/api?endpoint=map_info&map=kz_empty", nil)
	assert.Contains(t, rec.Body.String(), `"top_record":null`)
}

func TestAPIInvalidMap(t *testing.T) {
	e := newTestEnv(t, nil)

	for _, target := range []string{
		"/api?endpoint=records",
		"/api?endpoint=records&map=",
		"/api?endpoint=records&map=1%3B%20DROP%20TABLE%20Maps",
		"/api?endpoint=map_info&map=union_select",
	} {
		rec := e.do(t, "GET", target, nil)
		require.Equal(t, http.StatusBadRequest, rec.Code, target)

		env := decode(t, rec)
		assert.False(t, env.Success)
		assert.Equal(t, "Invalid map parameter", env.Error)
	}

	assert.Equal(t, []string{"1; DROP TABLE Maps", "union_select"}, e.svc.rejected)
	assert.Empty(t, e.svc.recordsFor)
}

func TestAPIRecordsRateLimitedByService(t *testing.T) {
	e := newTestEnv(t, nil)
	e.svc.recordsErr = domain.ErrRateLimited

	rec := e.do(t, "GET", "/api?endpoint=records&map=kz_grotto", nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "Too many requests", decode(t, rec).Error)
}

func TestAPIUnknownEndpoint(t *testing.T) {
	e := newTestEnv(t, nil)

	rec := e.do(t, "GET", "/api?endpoint=players", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Unknown API endpoint: players", decode(t, rec).Error)
}

func TestAPIGateOrder(t *testing.T) {
	e := newTestEnv(t, func(cfg *config.Config) {
		cfg.RateLimit.API = config.Budget{MaxRequests: 1, Window: time.Minute}
	})
	e.svc.available = false

	rec := e.do(t, "GET", "/api?endpoint=stats", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "Database connection unavailable", decode(t, rec).Error)

	rec = e.do(t, "GET", "/api?endpoint=stats", nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "Too many requests", decode(t, rec).Error)

	rec = e.do(t, "GET", "/metrics", nil)
	assert.Contains(t, rec.Body.String(), `kz_rate_limit_rejected_total{boundary="api"} 1`)
}

func TestAPIRecoversPanics(t *testing.T) {
	e := newTestEnv(t, nil)
	e.svc.panicOn = "stats"

	rec := e.do(t, "GET", "/api?endpoint=stats", nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	env := decode(t, rec)
	assert.False(t, env.Success)
	assert.Equal(t, "Internal server error", env.Error)
	assert.NotContains(t, rec.Body.String(), "boom")
}

func TestAPIRecordsRequestMetrics(t *testing.T) {
	e := newTestEnv(t, nil)

	e.do(t, "GET", "/api?endpoint=maps", nil)
	e.do(t, "GET", "/api?endpoint=nope", nil)

	body := e.do(t, "GET", "/metrics", nil).Body.String()
	assert.Contains(t, body, `kz_http_requests_total{endpoint="maps",status="200"} 1`)
	assert.Contains(t, body, `kz_http_requests_total{endpoint="unknown",status="404"} 1`)
}

func TestHealthAndReady(t *testing.T) {
	e := newTestEnv(t, nil)

	assert.Equal(t, http.StatusOK, e.do(t, "GET", "/health", nil).Code)
	assert.Equal(t, http.StatusOK, e.do(t, "GET", "/ready", nil).Code)

	e.svc.available = false
	assert.Equal(t, http.StatusServiceUnavailable, e.do(t, "GET", "/ready", nil).Code)
}

func TestAdminClearCache(t *testing.T) {
	e := newTestEnv(t, nil)
	rec := e.do(t, "POST", "/admin/cache/clear", nil)
	assert.NotEqual(t, http.StatusOK, rec.Code)
	assert.Zero(t, e.svc.clearCalls)

	e = newTestEnv(t, func(cfg *config.Config) {
		cfg.Admin.Token = "s3cret"
	})

	rec = e.do(t, "POST", "/admin/cache/clear", http.Header{AdminTokenHeader: {"wrong"}})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Zero(t, e.svc.clearCalls)

	rec = e.do(t, "POST", "/admin/cache/clear", http.Header{AdminTokenHeader: {"s3cret"}})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, e.svc.clearCalls)
}

func TestClientFromRequest(t *testing.T) {
	req := httptest.NewRequest("GET", "/api?endpoint=stats", nil)
	req.RemoteAddr = "198.51.100.4:4000"
	req.Header.Set("User-Agent", "browser")

	client := clientFromRequest(req)
	assert.Equal(t, "198.51.100.4", client.IP)
	assert.Equal(t, "browser", client.UserAgent)
	assert.Equal(t, "/api?endpoint=stats", client.RequestURI)

	req.RemoteAddr = ""
	req.Header.Del("User-Agent")
	client = clientFromRequest(req)
	assert.Equal(t, "unknown", client.IP)
	assert.Equal(t, "unknown", client.UserAgent)
}
