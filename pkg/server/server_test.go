package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"xypriss/pkg/apperror"
	"xypriss/pkg/cache"
	"xypriss/pkg/config"
	"xypriss/pkg/events"
	"xypriss/pkg/logger"
	"xypriss/pkg/middleware"
	"xypriss/pkg/precompiler"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	logger.Init("error")
}

func testConfig() *config.Config {
	return &config.Config{
		App:    config.AppConfig{Name: "test-app", Version: "0.0.0-test", Environment: "development"},
		Server: config.ServerConfig{Host: "127.0.0.1", Port: 18080},
		Log:    config.LogConfig{Level: "error"},
	}
}

func TestNew_BuildsServerWithDiagnosticRoutes(t *testing.T) {
	cfg := testConfig()
	srv, err := New(cfg)
	require.NoError(t, err)
	require.NotNil(t, srv)
	assert.NotNil(t, srv.Cache)
	assert.NotNil(t, srv.Pool)
	assert.NotNil(t, srv.PreCompiler)
	assert.Nil(t, srv.Supervisor)
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Server.Port = -1
	_, err := New(cfg)
	require.Error(t, err)
}

func TestNew_ClusterEnabledWithoutSecretFails(t *testing.T) {
	cfg := testConfig()
	cfg.Cluster.Enabled = true
	cfg.Cluster.Workers = "2"
	t.Setenv("XYPRISS_CLUSTER_SECRET", "")
	_, err := New(cfg)
	require.Error(t, err)
}

func TestServeHTTP_HealthEndpoint(t *testing.T) {
	srv, err := New(testConfig())
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/__xypriss/health", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServeHTTP_ReadyEndpointBeforeRunIsNotReady(t *testing.T) {
	srv, err := New(testConfig())
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/__xypriss/ready", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServeHTTP_StatsEndpointReturnsJSON(t *testing.T) {
	srv, err := New(testConfig())
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/__xypriss/stats", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
}

func TestServeHTTP_NotFoundRoute(t *testing.T) {
	srv, err := New(testConfig())
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/does-not-exist", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServeHTTP_MethodNotAllowedSetsAllowHeader(t *testing.T) {
	srv, err := New(testConfig())
	require.NoError(t, err)
	require.NoError(t, srv.Handle(http.MethodGet, "/widgets", func(ctx *middleware.Context) error {
		ctx.Writer.WriteHeader(http.StatusOK)
		ctx.MarkResponseStarted()
		return nil
	}))

	req := httptest.NewRequest(http.MethodPost, "/widgets", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, "GET", rec.Header().Get("Allow"))
}

func TestServeHTTP_RegisteredRouteRunsThroughChain(t *testing.T) {
	srv, err := New(testConfig())
	require.NoError(t, err)
	require.NoError(t, srv.Handle(http.MethodGet, "/widgets/:id", func(ctx *middleware.Context) error {
		assert.Equal(t, "42", ctx.Param("id"))
		ctx.Writer.WriteHeader(http.StatusOK)
		ctx.MarkResponseStarted()
		_, _ = ctx.Writer.Write([]byte("ok"))
		return nil
	}))

	req := httptest.NewRequest(http.MethodGet, "/widgets/42", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Correlation-Id"))
}

func TestServeHTTP_HandlerErrorUsesDefaultErrorResponder(t *testing.T) {
	srv, err := New(testConfig())
	require.NoError(t, err)
	require.NoError(t, srv.Handle(http.MethodGet, "/boom", func(ctx *middleware.Context) error {
		return apperror.New(apperror.CodeBadRequest, "bad input")
	}))

	req := httptest.NewRequest(http.MethodGet, "/boom", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStop_WithoutRunIsNoop(t *testing.T) {
	srv, err := New(testConfig())
	require.NoError(t, err)
	assert.NoError(t, srv.Stop())
}

func preCompiledConfig() *config.Config {
	cfg := testConfig()
	cfg.PreCompiler = config.PreCompilerConfig{
		Enabled:               true,
		LearningPeriod:        0,
		OptimizationThreshold: 1,
		MaxCompiledRoutes:     10,
		CooldownPeriod:        time.Millisecond,
		HysteresisLowWater:    0.1,
	}
	return cfg
}

func TestServeHTTP_BasicTierStillResolvesCompiledRoute(t *testing.T) {
	srv, err := New(preCompiledConfig())
	require.NoError(t, err)
	require.NoError(t, srv.Handle(http.MethodGet, "/hot", func(ctx *middleware.Context) error {
		ctx.Writer.WriteHeader(http.StatusOK)
		ctx.MarkResponseStarted()
		return nil
	}))

	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodGet, "/hot", nil)
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	srv.PreCompiler.Evaluate()

	route, ok := srv.PreCompiler.Lookup(http.MethodGet, "/hot")
	require.True(t, ok, "expected /hot to be promoted after the evaluation sweep")
	assert.Equal(t, precompiler.LevelBasic, route.Level)

	req := httptest.NewRequest(http.MethodGet, "/hot", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	// Correlation id is registered at PriorityHigh so it still runs on the
	// fast path; the point of this test is that the route still resolves
	// correctly once compiled, not that every header disappears.
	assert.NotEmpty(t, rec.Header().Get("X-Correlation-Id"))
}

func TestServeHTTP_UltraTierServesPrecomputedTemplate(t *testing.T) {
	srv, err := New(preCompiledConfig())
	require.NoError(t, err)

	handlerCalls := 0
	require.NoError(t, srv.Handle(http.MethodGet, "/ultra", func(ctx *middleware.Context) error {
		handlerCalls++
		ctx.Writer.WriteHeader(http.StatusOK)
		ctx.MarkResponseStarted()
		return nil
	}))
	srv.PreCompiler.RegisterGenerator(constantGenerator{template: []byte(`{"ok":true}`)})

	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodGet, "/ultra", nil)
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
	}
	handlerCalls = 0 // only count calls after compilation

	srv.PreCompiler.Evaluate() // -> basic
	time.Sleep(5 * time.Millisecond)
	srv.PreCompiler.Evaluate() // -> advanced, once sustained past CooldownPeriod
	srv.PreCompiler.Evaluate() // -> ultra, once error rate is low and a generator exists

	route, ok := srv.PreCompiler.Lookup(http.MethodGet, "/ultra")
	require.True(t, ok)
	require.Equal(t, precompiler.LevelUltra, route.Level)

	req := httptest.NewRequest(http.MethodGet, "/ultra", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `{"ok":true}`, rec.Body.String())
	assert.Equal(t, "ultra", rec.Header().Get("X-XyPriss-Compiled"))
	assert.Equal(t, 0, handlerCalls, "expected the ultra tier to bypass the handler entirely")
}

type constantGenerator struct {
	template []byte
}

func (g constantGenerator) Priority() int { return 1 }

func (g constantGenerator) Generate(method, pattern string) ([]byte, precompiler.CachePolicy, bool) {
	return g.template, precompiler.CachePolicy{TTL: time.Minute}, true
}

func TestSubscribeAdminBroadcast_FlushCacheClearsEntries(t *testing.T) {
	srv, err := New(testConfig())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, srv.Cache.Set(ctx, "k", []byte("v"), time.Minute))
	got, err := srv.Cache.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, []byte("v"), got)

	srv.Bus.Publish(events.New(events.TypeAdminBroadcast, "test", events.AdminBroadcastPayload{Command: "flush_cache"}))

	require.Eventually(t, func() bool {
		_, err := srv.Cache.Get(ctx, "k")
		return errors.Is(err, cache.ErrKeyNotFound)
	}, time.Second, time.Millisecond, "expected flush_cache broadcast to clear the cache")
}

func TestSubscribeAdminBroadcast_UnknownCommandIsIgnored(t *testing.T) {
	srv, err := New(testConfig())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, srv.Cache.Set(ctx, "k", []byte("v"), time.Minute))

	srv.Bus.Publish(events.New(events.TypeAdminBroadcast, "test", events.AdminBroadcastPayload{Command: "rotate_log"}))

	// Give the subscriber goroutine a chance to process and ignore it, then
	// confirm the cache entry survived.
	time.Sleep(20 * time.Millisecond)
	got, err := srv.Cache.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)
}
