// Package precompiler observes request traffic and promotes hot routes to
// a compiled fast-dispatch path that bypasses unnecessary middleware and,
// at the highest tier, serves a precomputed response template directly.
//
// The sliding-window counters are the same fixed-window-with-cleanup-loop
// shape historically used for request throttling in this codebase,
// repurposed here from limiting requests to counting and ranking them.
package precompiler

import (
	"sort"
	"sync"
	"time"

	"xypriss/pkg/config"
	"xypriss/pkg/events"
	"xypriss/pkg/logger"
)

// evaluationInterval is how often the promotion/demotion sweep runs.
const evaluationInterval = 5 * time.Second

func routeKey(method, pattern string) string {
	return method + " " + pattern
}

// PreCompiler tracks per-route traffic and maintains the set of currently
// compiled routes. It never blocks the request path: RecordRequest only
// appends to an in-memory window, and Lookup only reads the current
// compiled-route map.
type PreCompiler struct {
	cfg *config.PreCompilerConfig
	bus *events.Bus

	mu       sync.RWMutex
	windows  map[string]*routeWindow
	compiled map[string]*CompiledRoute

	genMu      sync.RWMutex
	generators []registeredGenerator

	startedAt time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
	closed bool
}

// New creates a PreCompiler and starts its background evaluation loop.
// bus may be nil, in which case promotion/demotion events are not
// published. Close must be called to stop the loop.
func New(cfg *config.PreCompilerConfig, bus *events.Bus) *PreCompiler {
	if cfg == nil {
		cfg = &config.PreCompilerConfig{}
	}

	pc := &PreCompiler{
		cfg:       cfg,
		bus:       bus,
		windows:   make(map[string]*routeWindow),
		compiled:  make(map[string]*CompiledRoute),
		startedAt: time.Now(),
		stopCh:    make(chan struct{}),
	}

	if cfg.Enabled {
		pc.wg.Add(1)
		go pc.evaluationLoop()
	}

	return pc
}

// RegisterGenerator adds a ResponseGenerator consulted when a route
// reaches LevelAdvanced without a precomputed template.
func (pc *PreCompiler) RegisterGenerator(g ResponseGenerator) {
	pc.genMu.Lock()
	defer pc.genMu.Unlock()

	pc.generators = append(pc.generators, registeredGenerator{generator: g, priority: g.Priority()})
	sort.SliceStable(pc.generators, func(i, j int) bool {
		return pc.generators[i].priority > pc.generators[j].priority
	})
}

// RecordRequest folds a completed request's outcome into its route's
// sliding window. Safe to call from any number of concurrent handlers.
func (pc *PreCompiler) RecordRequest(method, pattern string, latency time.Duration, isError bool) {
	if !pc.cfg.Enabled {
		return
	}

	key := routeKey(method, pattern)

	pc.mu.RLock()
	w, ok := pc.windows[key]
	pc.mu.RUnlock()

	if !ok {
		pc.mu.Lock()
		w, ok = pc.windows[key]
		if !ok {
			w = newRouteWindow()
			pc.windows[key] = w
		}
		pc.mu.Unlock()
	}

	w.record(latency, isError)
}

// Lookup returns the current compiled route for (method, pattern), if any.
func (pc *PreCompiler) Lookup(method, pattern string) (*CompiledRoute, bool) {
	pc.mu.RLock()
	defer pc.mu.RUnlock()

	route, ok := pc.compiled[routeKey(method, pattern)]
	return route, ok
}

// Stats returns a snapshot of every currently-tracked route's sliding
// window statistics, used by the /__xypriss/stats endpoint.
func (pc *PreCompiler) Stats() []RouteStats {
	pc.mu.RLock()
	keys := make([]string, 0, len(pc.windows))
	windows := make(map[string]*routeWindow, len(pc.windows))
	for k, w := range pc.windows {
		keys = append(keys, k)
		windows[k] = w
	}
	pc.mu.RUnlock()

	sort.Strings(keys)

	stats := make([]RouteStats, 0, len(keys))
	for _, key := range keys {
		method, pattern := splitRouteKey(key)
		windows[key].prune()
		stats = append(stats, windows[key].snapshot(method, pattern))
	}
	return stats
}

// Evaluate forces an immediate promotion/demotion sweep instead of waiting
// for the next evaluationInterval tick. Exposed for callers (tests, and the
// CLI's diagnostic surface) that need a deterministic point to observe
// promotion without sleeping past the ticker.
func (pc *PreCompiler) Evaluate() {
	pc.evaluate()
}

// Close stops the evaluation loop.
func (pc *PreCompiler) Close() {
	pc.mu.Lock()
	if pc.closed {
		pc.mu.Unlock()
		return
	}
	pc.closed = true
	pc.mu.Unlock()

	close(pc.stopCh)
	pc.wg.Wait()
}

func (pc *PreCompiler) evaluationLoop() {
	defer pc.wg.Done()

	ticker := time.NewTicker(evaluationInterval)
	defer ticker.Stop()

	for {
		select {
		case <-pc.stopCh:
			return
		case <-ticker.C:
			pc.evaluate()
		}
	}
}

func (pc *PreCompiler) evaluate() {
	if time.Since(pc.startedAt) < pc.cfg.LearningPeriod {
		return
	}

	pc.mu.RLock()
	windows := make(map[string]*routeWindow, len(pc.windows))
	for k, w := range pc.windows {
		windows[k] = w
	}
	pc.mu.RUnlock()

	type candidate struct {
		key       string
		method    string
		pattern   string
		frequency float64
		stats     RouteStats
	}

	candidates := make([]candidate, 0, len(windows))
	for key, w := range windows {
		w.prune()
		method, pattern := splitRouteKey(key)
		freq := w.frequencyPerMinute()
		stats := w.snapshot(method, pattern)

		if pc.bus != nil {
			pc.bus.Publish(events.New(events.TypeRouteStatsUpdated, "precompiler", events.RouteStatsPayload{
				Pattern:      pattern,
				HitsInWindow: stats.HitsInWindow,
				WindowStart:  time.Now().Add(-windowDuration),
			}))
		}

		candidates = append(candidates, candidate{key: key, method: method, pattern: pattern, frequency: freq, stats: stats})
	}

	threshold := pc.cfg.OptimizationThreshold
	lowWater := pc.cfg.HysteresisLowWater
	if lowWater <= 0 {
		lowWater = threshold * 0.5
	}

	sort.Slice(candidates, func(i, j int) bool {
		scoreI := candidates[i].frequency * float64(candidates[i].stats.AvgLatency())
		scoreJ := candidates[j].frequency * float64(candidates[j].stats.AvgLatency())
		return scoreI > scoreJ
	})

	maxRoutes := pc.cfg.MaxCompiledRoutes
	if maxRoutes <= 0 {
		maxRoutes = len(candidates)
	}

	pc.mu.Lock()
	defer pc.mu.Unlock()

	promotedThisRound := make(map[string]bool, maxRoutes)

	for i, c := range candidates {
		if i >= maxRoutes || c.frequency < threshold {
			break
		}
		promotedThisRound[c.key] = true
		pc.promoteLocked(c.key, c.method, c.pattern, c.frequency, c.stats, threshold)
	}

	for key, route := range pc.compiled {
		if promotedThisRound[key] {
			continue
		}
		pc.considerDemotionLocked(key, route, windows[key], lowWater)
	}
}

func (pc *PreCompiler) promoteLocked(key, method, pattern string, frequency float64, stats RouteStats, threshold float64) {
	route, exists := pc.compiled[key]
	now := time.Now()

	if !exists {
		route = &CompiledRoute{
			Method:         method,
			Pattern:        pattern,
			Level:          LevelBasic,
			PromotedAt:     now,
			levelEnteredAt: now,
		}
		pc.compiled[key] = route
		pc.publishPromotion(pattern, LevelNone, LevelBasic)
		return
	}

	route.belowLowWaterSince = time.Time{}

	sustainedFor := pc.cfg.CooldownPeriod
	if pc.cfg.AggressiveOptimization {
		sustainedFor = sustainedFor / 2
	}

	switch route.Level {
	case LevelBasic:
		aggressiveThreshold := threshold * 2
		if pc.cfg.AggressiveOptimization {
			aggressiveThreshold = threshold * 1.5
		}
		if frequency >= aggressiveThreshold && now.Sub(route.levelEnteredAt) >= sustainedFor {
			from := route.Level
			route.Level = LevelAdvanced
			route.levelEnteredAt = now
			pc.publishPromotion(pattern, from, LevelAdvanced)
		}
	case LevelAdvanced:
		if stats.ErrorRate <= 0.01 {
			if template, policy, ok := pc.generateTemplate(method, pattern); ok {
				from := route.Level
				route.Level = LevelUltra
				route.Template = template
				route.Policy = policy
				route.levelEnteredAt = now
				pc.publishPromotion(pattern, from, LevelUltra)
			}
		}
	case LevelUltra:
		if stats.ErrorRate > 0.05 {
			// Response shape stopped being repeatable; fall back one tier
			// rather than keep serving a stale template.
			from := route.Level
			route.Level = LevelAdvanced
			route.Template = nil
			route.levelEnteredAt = now
			pc.publishDemotion(pattern, from, LevelAdvanced)
		}
	}
}

func (pc *PreCompiler) considerDemotionLocked(key string, route *CompiledRoute, w *routeWindow, lowWater float64) {
	var frequency float64
	if w != nil {
		frequency = w.frequencyPerMinute()
	}

	if frequency >= lowWater {
		route.belowLowWaterSince = time.Time{}
		return
	}

	now := time.Now()
	if route.belowLowWaterSince.IsZero() {
		route.belowLowWaterSince = now
		return
	}

	if now.Sub(route.belowLowWaterSince) >= pc.cfg.CooldownPeriod {
		delete(pc.compiled, key)
		pc.publishDemotion(route.Pattern, route.Level, LevelNone)
	}
}

func (pc *PreCompiler) generateTemplate(method, pattern string) ([]byte, CachePolicy, bool) {
	pc.genMu.RLock()
	defer pc.genMu.RUnlock()

	for _, rg := range pc.generators {
		if template, policy, ok := rg.generator.Generate(method, pattern); ok {
			return template, policy, true
		}
	}
	return nil, CachePolicy{}, false
}

func (pc *PreCompiler) publishPromotion(pattern string, from, to Level) {
	logger.Log.Info("route promoted", "pattern", pattern, "from", from.String(), "to", to.String())
	if pc.bus == nil {
		return
	}
	pc.bus.Publish(events.New(events.TypeRoutePromoted, "precompiler", events.RoutePromotionPayload{
		Pattern:  pattern,
		FromTier: from.String(),
		ToTier:   to.String(),
	}))
}

func (pc *PreCompiler) publishDemotion(pattern string, from, to Level) {
	logger.Log.Info("route demoted", "pattern", pattern, "from", from.String(), "to", to.String())
	if pc.bus == nil {
		return
	}
	pc.bus.Publish(events.New(events.TypeRouteDemoted, "precompiler", events.RoutePromotionPayload{
		Pattern:  pattern,
		FromTier: from.String(),
		ToTier:   to.String(),
	}))
}

func splitRouteKey(key string) (method, pattern string) {
	for i := 0; i < len(key); i++ {
		if key[i] == ' ' {
			return key[:i], key[i+1:]
		}
	}
	return key, ""
}
