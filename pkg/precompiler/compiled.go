package precompiler

import "time"

// Level is a compiled route's optimization tier.
type Level int

const (
	// LevelNone means the route is observed but not yet compiled.
	LevelNone Level = iota
	// LevelBasic bypasses unnecessary middleware for a known-hot route.
	LevelBasic
	// LevelAdvanced additionally short-circuits repeated routing/cache-key
	// computation for sustained high-traffic routes.
	LevelAdvanced
	// LevelUltra serves a precomputed response template directly, bypassing
	// the handler entirely, for routes with a low error rate and a
	// repeatable response shape.
	LevelUltra
)

// String renders a Level as the lowercase name used in logs and events.
func (l Level) String() string {
	switch l {
	case LevelBasic:
		return "basic"
	case LevelAdvanced:
		return "advanced"
	case LevelUltra:
		return "ultra"
	default:
		return "none"
	}
}

// CachePolicy describes how freshly an ultra-tier precomputed template
// should be refreshed, derived from the route's observed response
// freshness rather than a fixed configuration value.
type CachePolicy struct {
	TTL        time.Duration
	Revalidate bool
}

// CompiledRoute is the pre-compiler's output for a single (method, pattern)
// pair once it has crossed a promotion threshold.
type CompiledRoute struct {
	Method  string
	Pattern string
	Level   Level

	// Template holds the ultra-tier precomputed response body, set by a
	// ResponseGenerator. Nil below LevelUltra.
	Template []byte
	Policy   CachePolicy

	PromotedAt    time.Time
	levelEnteredAt time.Time
	belowLowWaterSince time.Time
}

// ResponseGenerator produces a precomputed response template for a route
// once it has reached LevelAdvanced and is a candidate for LevelUltra. The
// highest-priority generator that returns ok=true wins.
type ResponseGenerator interface {
	// Generate attempts to build a template for method/pattern. ok is false
	// if this generator has nothing to offer for the route.
	Generate(method, pattern string) (template []byte, policy CachePolicy, ok bool)
	// Priority orders generators; higher runs first.
	Priority() int
}

type registeredGenerator struct {
	generator ResponseGenerator
	priority  int
}
