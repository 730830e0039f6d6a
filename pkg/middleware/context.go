// Package middleware implements the server's request middleware chain: an
// ordered list of priority-ranked steps that run before a route's handler,
// each able to short-circuit, mutate the request context, or hand off to
// the next step.
package middleware

import (
	"context"
	"net/http"
	"net/url"
	"time"
)

// Context is the single-writer per-request state threaded through the
// middleware chain and into the final handler. Unlike a generic
// map[string]any bag, its well-known fields (Method, Path, Params, Query)
// are typed; arbitrary extension values set by one middleware for a later
// one go through the embedded context.Context via Set/Value, the same
// mechanism net/http itself uses for request-scoped values.
type Context struct {
	Request *http.Request
	Writer  http.ResponseWriter

	Method  string
	Path    string
	Pattern string // the route pattern that matched, e.g. "/users/:id"
	Params  map[string]string
	Query   url.Values

	StartTime     time.Time
	CorrelationID string

	ctx            context.Context
	responseStarted bool
	err            error
}

// NewContext builds a Context for an incoming request. Params is supplied
// by the router once it resolves the matching route.
func NewContext(w http.ResponseWriter, r *http.Request, pattern string, params map[string]string) *Context {
	if params == nil {
		params = map[string]string{}
	}
	return &Context{
		Request:       r,
		Writer:        w,
		Method:        r.Method,
		Path:          r.URL.Path,
		Pattern:       pattern,
		Params:        params,
		Query:         r.URL.Query(),
		StartTime:     time.Now(),
		CorrelationID: r.Header.Get("X-Correlation-Id"),
		ctx:           r.Context(),
	}
}

// Context returns the request-scoped context.Context carrying any values
// set by earlier middleware, plus the inbound request's deadline and
// cancellation.
func (c *Context) Context() context.Context {
	return c.ctx
}

// Set attaches a value to the context for later middleware/handler stages.
func (c *Context) Set(key, value any) {
	c.ctx = context.WithValue(c.ctx, key, value)
	c.Request = c.Request.WithContext(c.ctx)
}

// Value reads a value previously attached with Set.
func (c *Context) Value(key any) any {
	return c.ctx.Value(key)
}

// Deadline reports the inbound request's deadline, if any.
func (c *Context) Deadline() (time.Time, bool) {
	return c.ctx.Deadline()
}

// Param returns a captured path parameter, or "" if absent.
func (c *Context) Param(name string) string {
	return c.Params[name]
}

// Elapsed reports how long has passed since the request started.
func (c *Context) Elapsed() time.Duration {
	return time.Since(c.StartTime)
}

// MarkResponseStarted records that a response has begun writing.
// Middleware must not mutate Context fields after this point.
func (c *Context) MarkResponseStarted() {
	c.responseStarted = true
}

// ResponseStarted reports whether a response has begun writing.
func (c *Context) ResponseStarted() bool {
	return c.responseStarted
}

// SetError records the error that terminated the chain, for inspection by
// an error-handling middleware that runs after the one that produced it.
func (c *Context) SetError(err error) {
	c.err = err
}

// Err returns the error recorded by SetError, if any.
func (c *Context) Err() error {
	return c.err
}
