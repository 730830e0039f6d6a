// Package server composes the Router, Middleware Chain, Response Cache,
// Worker Pool, Request Pre-Compiler, Port Arbiter, and (optionally)
// Cluster Supervisor into one HTTP front-end: the Server Core of §4.7.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"xypriss/pkg/apperror"
	"xypriss/pkg/cache"
	"xypriss/pkg/cluster"
	"xypriss/pkg/config"
	"xypriss/pkg/events"
	"xypriss/pkg/logger"
	"xypriss/pkg/metrics"
	"xypriss/pkg/middleware"
	"xypriss/pkg/portarbiter"
	"xypriss/pkg/precompiler"
	"xypriss/pkg/router"
	"xypriss/pkg/telemetry"
	"xypriss/pkg/workerpool"
)

// Server is the application server assembled around a Config: it owns the
// Router and the global middleware Chain, the shared Response Cache and
// Worker Pool, the Request Pre-Compiler, and — when cluster mode is
// enabled — a Cluster Supervisor overseeing worker processes.
type Server struct {
	cfg *config.Config

	routeMu   sync.RWMutex
	router    *router.Router
	chain     *middleware.Chain
	fastChain *middleware.Chain
	registrar func(*Server) error

	Cache       cache.Cache
	Pool        *workerpool.WorkerPool
	PreCompiler *precompiler.PreCompiler
	Bus         *events.Bus
	Supervisor  *cluster.Supervisor

	metrics   *metrics.Metrics
	telemetry *telemetry.Provider

	httpServer *http.Server
	listener   *portarbiter.ListenSocket
	startedAt  time.Time
	ready      *atomic.Bool
}

// Option configures optional Server behavior at construction time.
type Option func(*Server)

// WithRoutes records register to be replayed against a fresh Router and
// Chain whenever Reload runs, so a RELOAD IPC message (or SIGHUP) can
// rebuild routing without restarting the process.
func WithRoutes(register func(*Server) error) Option {
	return func(s *Server) { s.registrar = register }
}

// New assembles a Server around cfg without binding any socket or starting
// any background loop; call Run to actually serve.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, apperror.Wrap(err, apperror.CodeInvalidConfig, "invalid configuration")
	}

	bus := events.NewBus()

	cacheOpts := cache.FromConfig(&cfg.Cache, bus)
	cacheStore, err := cache.New(cacheOpts)
	if err != nil {
		return nil, apperror.Wrap(err, apperror.CodeInvalidConfig, "failed to initialize cache")
	}

	pool := workerpool.NewWorkerPool(cfg.WorkerPool)
	pc := precompiler.New(&cfg.PreCompiler, bus)

	m := metrics.InitMetrics(cfg.Metrics.Namespace, cfg.Metrics.Subsystem)
	m.SetServiceInfo(cfg.App.Version, cfg.App.Environment)

	defaultChain := buildChain()
	s := &Server{
		cfg:         cfg,
		router:      router.New(),
		chain:       defaultChain,
		fastChain:   defaultChain.Filter(middleware.PriorityHigh),
		Cache:       cacheStore,
		Pool:        pool,
		PreCompiler: pc,
		Bus:         bus,
		metrics:     m,
		ready:       new(atomic.Bool),
	}

	for _, opt := range opts {
		opt(s)
	}
	s.fastChain = s.chain.Filter(middleware.PriorityHigh)

	s.registerDiagnosticRoutes()
	if s.registrar != nil {
		if err := s.registrar(s); err != nil {
			return nil, err
		}
	}

	if cfg.Cluster.Enabled {
		secret, err := clusterSecretFromEnv()
		if err != nil {
			return nil, err
		}
		binary, err := os.Executable()
		if err != nil {
			return nil, apperror.Wrap(err, apperror.CodeInvalidConfig, "failed to resolve own executable path for cluster spawn")
		}
		spawn := cluster.ExecSpawner(binary, []string{"worker"}, nil, secret)
		s.Supervisor = cluster.New(cfg.Cluster, bus, spawn)
	}

	s.subscribeAdminBroadcast()

	return s, nil
}

// buildChain assembles the default global middleware stack in the order
// the teacher's interceptor chain favored: recovery first so nothing else
// can crash the worker, then observability, then request shaping.
func buildChain() *middleware.Chain {
	chain := middleware.NewChain()
	chain.Use(middleware.PriorityCritical, middleware.Recovery())
	chain.Use(middleware.PriorityHigh, middleware.CorrelationID(newCorrelationID))
	chain.Use(middleware.PriorityHigh, middleware.Tracing())
	chain.Use(middleware.PriorityNormal, middleware.Metrics())
	chain.Use(middleware.PriorityNormal, middleware.Logging())
	chain.Use(middleware.PriorityLow, middleware.Validation())
	return chain
}

func newCorrelationID() string {
	return uuid.NewString()
}

// clusterSecretFromEnv reads the shared cluster IPC secret from the
// environment. It is never accepted as a CLI flag or config file value so
// it cannot leak into process listings or checked-in config.
func clusterSecretFromEnv() ([]byte, error) {
	v := os.Getenv("XYPRISS_CLUSTER_SECRET")
	if v == "" {
		return nil, apperror.New(apperror.CodeInvalidConfig, "cluster.enabled requires XYPRISS_CLUSTER_SECRET in the environment")
	}
	return []byte(v), nil
}

// Handle registers a route on the server's Router.
func (s *Server) Handle(method, pattern string, handler router.Handler, mws ...middleware.Middleware) error {
	s.routeMu.RLock()
	defer s.routeMu.RUnlock()
	return s.router.Handle(method, pattern, handler, mws...)
}

// Mount attaches every route of sub under prefix.
func (s *Server) Mount(prefix string, sub *router.Router) error {
	s.routeMu.RLock()
	defer s.routeMu.RUnlock()
	return s.router.Mount(prefix, sub)
}

// Use registers global middleware, run for every request ahead of any
// route-specific middleware the route itself was registered with.
func (s *Server) Use(priority middleware.Priority, mw middleware.Middleware) {
	s.routeMu.Lock()
	defer s.routeMu.Unlock()
	s.chain.Use(priority, mw)
	s.fastChain = s.chain.Filter(middleware.PriorityHigh)
}

// Reload rebuilds the Router and Middleware Chain from scratch, replays
// the registrar supplied via WithRoutes against them, and swaps them into
// place under a write lock — the hot-reload path spec §5 describes and
// the cluster RELOAD IPC message (and SIGHUP) trigger.
func (s *Server) Reload() error {
	if s.registrar == nil {
		return apperror.New(apperror.CodeInvalidConfig, "reload requested but no route registrar was configured")
	}

	staged := &Server{
		cfg:         s.cfg,
		router:      router.New(),
		chain:       buildChain(),
		Cache:       s.Cache,
		Pool:        s.Pool,
		PreCompiler: s.PreCompiler,
		Bus:         s.Bus,
		Supervisor:  s.Supervisor,
		metrics:     s.metrics,
		telemetry:   s.telemetry,
		httpServer:  s.httpServer,
		listener:    s.listener,
		startedAt:   s.startedAt,
		ready:       s.ready,
	}
	staged.registerDiagnosticRoutes()

	if err := s.registrar(staged); err != nil {
		return apperror.Wrap(err, apperror.CodeInvalidConfig, "failed to rebuild routes during reload")
	}
	staged.fastChain = staged.chain.Filter(middleware.PriorityHigh)

	s.routeMu.Lock()
	s.router = staged.router
	s.chain = staged.chain
	s.fastChain = staged.fastChain
	s.routeMu.Unlock()

	logger.Log.Info("routes and middleware chain reloaded")
	return nil
}

// ServeHTTP implements http.Handler by resolving the route, building the
// per-request Context, and running it through the global chain composed
// in front of the route's own middleware and handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.routeMu.RLock()
	rtr, chain, fastChain := s.router, s.chain, s.fastChain
	s.routeMu.RUnlock()

	route, params, allowed, outcome := rtr.Lookup(r.Method, r.URL.Path)
	ctx := middleware.NewContext(w, r, patternOf(route), params)

	switch outcome {
	case router.NotFound:
		middleware.NotFoundResponder(w)
		return
	case router.MethodNotAllowed:
		middleware.MethodNotAllowedResponder(w, allowed)
		return
	}

	compiled, isCompiled := s.PreCompiler.Lookup(r.Method, route.Pattern)

	// Ultra tier: serve the precomputed template directly, bypassing the
	// handler and non-critical middleware entirely. Still run the
	// critical- and high-priority chain (panic recovery, correlation id, tracing) so
	// an ultra response is observable the same way a normal one is.
	if isCompiled && compiled.Level >= precompiler.LevelUltra && compiled.Template != nil {
		served := false
		handler := fastChain.Then(func(ctx *middleware.Context) error {
			ctx.Writer.Header().Set("Content-Type", "application/json")
			ctx.Writer.Header().Set("X-XyPriss-Compiled", "ultra")
			ctx.Writer.WriteHeader(http.StatusOK)
			ctx.MarkResponseStarted()
			_, werr := ctx.Writer.Write(compiled.Template)
			served = true
			return werr
		})
		if err := handler(ctx); err != nil {
			ctx.SetError(err)
			if !served {
				middleware.DefaultErrorResponder(ctx, err)
			}
		}
		s.PreCompiler.RecordRequest(r.Method, route.Pattern, ctx.Elapsed(), ctx.Err() != nil)
		return
	}

	final := route.Handler
	if len(route.Middlewares) > 0 {
		routeChain := middleware.NewChain()
		for _, mw := range route.Middlewares {
			routeChain.Use(middleware.PriorityNormal, mw)
		}
		final = routeChain.Then(final)
	}

	// Basic/advanced tiers skip non-essential (normal/low priority) global
	// middleware for a known-hot route; the route's own middleware and
	// handler still run in full.
	activeChain := chain
	if isCompiled && compiled.Level >= precompiler.LevelBasic {
		activeChain = fastChain
	}

	handler := activeChain.Then(final)
	if err := handler(ctx); err != nil {
		ctx.SetError(err)
		middleware.DefaultErrorResponder(ctx, err)
	}

	s.PreCompiler.RecordRequest(r.Method, route.Pattern, ctx.Elapsed(), ctx.Err() != nil)
}

func patternOf(route *router.Route) string {
	if route == nil {
		return ""
	}
	return route.Pattern
}

// Run binds the configured port, starts the cluster supervisor (if
// enabled) and the metrics/tracing side-channels, serves until a shutdown
// signal or fatal server error arrives, and then drains gracefully.
func (s *Server) Run() error {
	if err := s.InitSideChannels(); err != nil {
		return err
	}

	errCh, err := s.Serve()
	if err != nil {
		return err
	}

	return s.waitForShutdown(errCh)
}

// InitSideChannels starts telemetry, the Prometheus exporter, and the
// cluster supervisor (when configured). Callers that drive their own
// event loop instead of Run — the cluster worker entrypoint — call this
// once before Serve.
func (s *Server) InitSideChannels() error {
	ctx := context.Background()

	if s.cfg.Tracing.Enabled {
		tp, err := telemetry.Init(ctx, telemetry.Config{
			Enabled:     s.cfg.Tracing.Enabled,
			Endpoint:    s.cfg.Tracing.Endpoint,
			ServiceName: s.cfg.Tracing.ServiceName,
			Version:     s.cfg.App.Version,
			Environment: s.cfg.App.Environment,
			SampleRate:  s.cfg.Tracing.SampleRate,
		})
		if err != nil {
			logger.Log.Warn("failed to init telemetry", "error", err.Error())
		} else {
			s.telemetry = tp
		}
	}

	if s.cfg.Metrics.Enabled {
		go func() {
			logger.Log.Info("starting metrics server", "port", s.cfg.Metrics.Port, "path", s.cfg.Metrics.Path)
			if err := metrics.StartMetricsServer(s.cfg.Metrics.Port); err != nil {
				logger.Log.Error("metrics server failed", "error", err.Error())
			}
		}()
	}

	if s.Supervisor != nil {
		if err := s.Supervisor.Start(); err != nil {
			return err
		}
	}

	return nil
}

// Serve binds the configured listener and starts accepting connections in
// the background, returning a channel that receives at most one fatal
// serve error. It does not install signal handling; Run layers that on
// top, and the cluster worker entrypoint drives its own event loop
// instead.
func (s *Server) Serve() (chan error, error) {
	listener, err := portarbiter.Acquire(s.cfg.Server.Host, s.cfg.Server.Port, portarbiter.Options{
		AutoSwitch: portarbiter.AutoSwitchOptions{
			Enabled:     s.cfg.Server.AutoPortSwitch.Enabled,
			RangeLo:     s.cfg.Server.AutoPortSwitch.PortRangeLo,
			RangeHi:     s.cfg.Server.AutoPortSwitch.PortRangeHi,
			Strategy:    portarbiter.Strategy(s.cfg.Server.AutoPortSwitch.Strategy),
			MaxAttempts: s.cfg.Server.AutoPortSwitch.MaxAttempts,
		},
	})
	if err != nil {
		return nil, err
	}
	s.listener = listener

	var handler http.Handler = s
	if s.cfg.Server.EnableH2C {
		h2s := &http2.Server{}
		handler = h2c.NewHandler(s, h2s)
	}

	s.httpServer = &http.Server{
		Handler:      handler,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
		IdleTimeout:  s.cfg.Server.IdleTimeout,
	}

	s.startedAt = time.Now()
	s.ready.Store(true)

	errCh := make(chan error, 1)
	go func() {
		logger.Log.Info("starting server",
			"service", s.cfg.App.Name, "host", listener.Host, "port", listener.Port,
			"environment", s.cfg.App.Environment, "version", s.cfg.App.Version)
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	return errCh, nil
}

// BoundPort returns the port actually bound by Serve, which may differ
// from the configured port when auto port-switching kicked in.
func (s *Server) BoundPort() int {
	if s.listener == nil {
		return 0
	}
	return s.listener.Port
}

// Shutdown drains in-flight requests and releases every owned resource.
// Exported so the cluster worker entrypoint can trigger it from an IPC
// SHUTDOWN frame instead of an OS signal.
func (s *Server) Shutdown() error {
	return s.shutdown()
}

func (s *Server) waitForShutdown(errCh chan error) error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	reload := make(chan os.Signal, 1)
	signal.Notify(reload, syscall.SIGHUP)

	for {
		select {
		case err := <-errCh:
			return err
		case sig := <-reload:
			logger.Log.Info("received reload signal", "signal", sig.String())
			if err := s.Reload(); err != nil {
				logger.Log.Warn("route reload failed", "error", err.Error())
			}
			if s.Supervisor != nil {
				if err := s.Supervisor.Reload(""); err != nil {
					logger.Log.Warn("cluster reload failed", "error", err.Error())
				}
			}
		case sig := <-quit:
			logger.Log.Info("received shutdown signal", "signal", sig.String())
			return s.shutdown()
		}
	}
}

func (s *Server) shutdown() error {
	s.ready.Store(false)

	timeout := s.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		logger.Log.Warn("forcing server close", "error", err.Error())
		_ = s.httpServer.Close()
	}

	if s.Supervisor != nil {
		_ = s.Supervisor.Shutdown(ctx)
	}

	s.PreCompiler.Close()
	s.Pool.Close()
	if err := s.Cache.Close(); err != nil {
		logger.Log.Warn("failed to close cache", "error", err.Error())
	}
	s.Bus.Close()

	if s.telemetry != nil {
		if err := s.telemetry.Shutdown(ctx); err != nil {
			logger.Log.Warn("failed to shutdown telemetry", "error", err.Error())
		}
	}

	logger.Log.Info("server stopped")
	return nil
}

// Stop forces an immediate close, bypassing the graceful drain in
// shutdown. The `server stop` command does not call it; it signals the
// server process instead.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Close()
}

// subscribeAdminBroadcast listens for TypeAdminBroadcast events — the
// in-process fan-out of a supervisor WORK_BROADCAST command (EXP-7) — and
// dispatches the commands this server core understands. Unknown commands
// are logged and ignored so new admin verbs can be added without breaking
// older worker binaries.
func (s *Server) subscribeAdminBroadcast() {
	ch, _ := s.Bus.Subscribe(events.TypeAdminBroadcast, events.PriorityHigh, 16)
	go func() {
		for e := range ch {
			payload, ok := e.Payload.(events.AdminBroadcastPayload)
			if !ok {
				continue
			}
			switch payload.Command {
			case "flush_cache":
				if err := s.Cache.Clear(context.Background()); err != nil {
					logger.Log.Warn("admin broadcast flush_cache failed", "error", err.Error())
				}
			default:
				logger.Log.Debug("unhandled admin broadcast command", "command", payload.Command)
			}
		}
	}()
}

// registerDiagnosticRoutes wires the operational endpoints of §4.7/EXP-7:
// liveness, readiness, aggregate stats, and the Prometheus exposition
// endpoint is mounted separately by StartMetricsServer on its own port.
func (s *Server) registerDiagnosticRoutes() {
	_ = s.router.Handle(http.MethodGet, "/__xypriss/health", func(ctx *middleware.Context) error {
		writeJSON(ctx, http.StatusOK, map[string]string{"status": "ok"})
		return nil
	})

	_ = s.router.Handle(http.MethodGet, "/__xypriss/ready", func(ctx *middleware.Context) error {
		if !s.ready.Load() {
			writeJSON(ctx, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
			return nil
		}
		writeJSON(ctx, http.StatusOK, map[string]string{"status": "ready"})
		return nil
	})

	_ = s.router.Handle(http.MethodGet, "/__xypriss/stats", func(ctx *middleware.Context) error {
		writeJSON(ctx, http.StatusOK, s.statsSnapshot(ctx.Context()))
		return nil
	})
}

// statsPayload is the JSON body served at /__xypriss/stats.
type statsPayload struct {
	UptimeSeconds float64                  `json:"uptimeSeconds"`
	Routes        int                      `json:"routes"`
	Cache         *cache.Stats             `json:"cache,omitempty"`
	WorkerPool    workerpool.CombinedStats `json:"workerPool"`
	PreCompiler   []precompiler.RouteStats `json:"preCompiler"`
	Cluster       *cluster.Stats           `json:"cluster,omitempty"`
}

func (s *Server) statsSnapshot(ctx context.Context) statsPayload {
	payload := statsPayload{
		UptimeSeconds: time.Since(s.startedAt).Seconds(),
		Routes:        len(s.router.Routes()),
		WorkerPool:    s.Pool.Stats(),
		PreCompiler:   s.PreCompiler.Stats(),
	}
	if cacheStats, err := s.Cache.Stats(ctx); err == nil {
		payload.Cache = cacheStats
	} else {
		logger.Log.Warn("failed to collect cache stats", "error", err.Error())
	}
	if s.Supervisor != nil {
		st := s.Supervisor.Stats()
		payload.Cluster = &st
	}
	return payload
}

func writeJSON(ctx *middleware.Context, status int, body any) {
	ctx.Writer.Header().Set("Content-Type", "application/json")
	ctx.Writer.WriteHeader(status)
	ctx.MarkResponseStarted()
	if err := json.NewEncoder(ctx.Writer).Encode(body); err != nil {
		logger.Log.Error("failed to encode diagnostic response", "error", err.Error())
	}
}
