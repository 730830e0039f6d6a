package middleware

import "sort"

// HandlerFunc is the terminal step of a middleware chain: the route
// handler itself.
type HandlerFunc func(*Context) error

// Next continues the chain. Calling it runs every remaining middleware and
// finally the handler; not calling it short-circuits the request.
type Next func() error

// Middleware is one step in the chain. It receives the shared Context and
// a Next to continue the chain, or returns without calling Next to
// short-circuit.
type Middleware func(ctx *Context, next Next) error

// Priority controls ordering when multiple middlewares are registered:
// higher-priority middleware runs first. Within a priority, registration
// order is preserved.
type Priority int

const (
	PriorityLow      Priority = 0
	PriorityNormal   Priority = 10
	PriorityHigh     Priority = 20
	PriorityCritical Priority = 30
)

type registeredMiddleware struct {
	mw       Middleware
	priority Priority
	order    int
}

// Chain is an ordered, priority-ranked list of middleware. It is built up
// with Use and compiled into a single HandlerFunc with Then.
type Chain struct {
	entries []registeredMiddleware
	nextOrd int
}

// NewChain creates an empty Chain.
func NewChain() *Chain {
	return &Chain{}
}

// Use registers mw at the given priority. Registration order is preserved
// for middleware sharing a priority.
func (c *Chain) Use(priority Priority, mw Middleware) *Chain {
	c.entries = append(c.entries, registeredMiddleware{mw: mw, priority: priority, order: c.nextOrd})
	c.nextOrd++
	return c
}

// Filter returns a new Chain containing only the entries registered at or
// above min, preserving their relative order. Used by the pre-compiler's
// basic/advanced fast path to skip non-essential middleware for hot routes
// while still running critical steps like panic recovery.
func (c *Chain) Filter(min Priority) *Chain {
	out := &Chain{}
	for _, e := range c.sorted() {
		if e.priority >= min {
			out.entries = append(out.entries, registeredMiddleware{mw: e.mw, priority: e.priority, order: out.nextOrd})
			out.nextOrd++
		}
	}
	return out
}

// sorted returns entries ordered by descending priority, registration
// order preserved within a priority (sort.SliceStable).
func (c *Chain) sorted() []registeredMiddleware {
	out := make([]registeredMiddleware, len(c.entries))
	copy(out, c.entries)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].priority > out[j].priority
	})
	return out
}

// Then composes the chain around a terminal handler, the same
// right-to-left closure composition the gRPC interceptor chain used,
// generalized here to func(*Context, Next) error steps.
func (c *Chain) Then(final HandlerFunc) HandlerFunc {
	h := final
	for _, entry := range reverse(c.sorted()) {
		mw := entry.mw
		current := h
		h = func(ctx *Context) error {
			return mw(ctx, func() error {
				return current(ctx)
			})
		}
	}
	return h
}

func reverse(entries []registeredMiddleware) []registeredMiddleware {
	out := make([]registeredMiddleware, len(entries))
	for i, e := range entries {
		out[len(entries)-1-i] = e
	}
	return out
}
