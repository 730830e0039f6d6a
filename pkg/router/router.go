// Package router implements the server's method+path matching engine: a
// segment trie over registered routes supporting literal segments, named
// ":param" captures, a single-segment "*" wildcard, and a multi-segment
// "**" wildcard, with sub-router mounting at a prefix.
//
// No third-party router is used here. The precedence rule this package
// must enforce — literal > :param > * > **, ties broken by registration
// order — is bespoke to this spec and not expressed by any router in the
// example pack, so a hand-rolled trie is the correct tool rather than a
// library fitted to a different precedence model.
package router

import (
	"sort"
	"strings"
	"sync"

	"xypriss/pkg/middleware"
)

// Handler is the terminal step reached once a route is matched.
type Handler = middleware.HandlerFunc

// Outcome classifies the result of a Lookup.
type Outcome int

const (
	// NotFound means no registered pattern matches the path for any method.
	NotFound Outcome = iota
	// MethodNotAllowed means some pattern matches the path but not for the
	// requested method.
	MethodNotAllowed
	// Matched means a route matched both path and method.
	Matched
)

// Route is one registered (method, pattern) pair and its execution chain.
type Route struct {
	Method      string
	Pattern     string
	Handler     Handler
	Middlewares []middleware.Middleware
	order       int
}

type node struct {
	literal    map[string]*node
	param      *node
	paramName  string
	star       *node
	doubleStar *node
	routes     map[string]*Route // keyed by uppercased method
}

func newNode() *node {
	return &node{literal: make(map[string]*node), routes: make(map[string]*Route)}
}

// Router matches incoming requests to a Route and extracts path
// parameters. It is immutable once the Server Core finishes registering
// routes and enters its accept loop (spec §5: "Router and Middleware Chain
// are immutable after start"); a writer lock here only guards the
// registration phase and hot-reload swaps, never per-request lookups.
type Router struct {
	mu            sync.RWMutex
	root          *node
	registrations []registration
	nextOrder     int
}

type registration struct {
	method      string
	pattern     string
	handler     Handler
	middlewares []middleware.Middleware
}

// New creates an empty Router.
func New() *Router {
	return &Router{root: newNode()}
}

// Handle registers pattern for method, terminating in handler and running
// through middlewares (route-specific middleware, distinct from the
// server-wide Chain). Re-registering the same (method, pattern) replaces
// the previous handler.
func (r *Router) Handle(method, pattern string, handler Handler, middlewares ...middleware.Middleware) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	method = strings.ToUpper(method)
	segs := splitPath(pattern)

	r.registrations = append(r.registrations, registration{method, pattern, handler, middlewares})

	n := r.root
	for i, seg := range segs {
		switch {
		case seg == "**":
			if i != len(segs)-1 {
				return &PatternError{Pattern: pattern, Reason: "** must be the last segment"}
			}
			if n.doubleStar == nil {
				n.doubleStar = newNode()
			}
			n = n.doubleStar
		case seg == "*":
			if n.star == nil {
				n.star = newNode()
			}
			n = n.star
		case strings.HasPrefix(seg, ":"):
			name := seg[1:]
			if n.param == nil {
				n.param = newNode()
				n.paramName = name
			}
			n = n.param
		default:
			child, ok := n.literal[seg]
			if !ok {
				child = newNode()
				n.literal[seg] = child
			}
			n = child
		}
	}

	n.routes[method] = &Route{
		Method:      method,
		Pattern:     pattern,
		Handler:     handler,
		Middlewares: middlewares,
		order:       r.nextOrder,
	}
	r.nextOrder++
	return nil
}

// Mount attaches every route registered on sub under prefix, preserving
// sub's own registration order relative to itself. Prefix segments follow
// the same literal/:param/*/** precedence as any other segment, since
// Mount simply re-registers sub's (method, prefix+pattern) pairs into the
// parent trie.
func (r *Router) Mount(prefix string, sub *Router) error {
	prefix = strings.TrimSuffix(prefix, "/")

	sub.mu.RLock()
	regs := make([]registration, len(sub.registrations))
	copy(regs, sub.registrations)
	sub.mu.RUnlock()

	for _, reg := range regs {
		full := prefix + reg.pattern
		if err := r.Handle(reg.method, full, reg.handler, reg.middlewares...); err != nil {
			return err
		}
	}
	return nil
}

// Lookup resolves method and path to a Route. On MethodNotAllowed, allowed
// lists every method registered for the matched pattern (for the response
// Allow header). On Matched or MethodNotAllowed, params holds the path's
// captured parameters.
func (r *Router) Lookup(method, path string) (route *Route, params map[string]string, allowed []string, outcome Outcome) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	segs := splitPath(path)
	p, leaf, ok := r.root.match(segs, 0)
	if !ok {
		return nil, nil, nil, NotFound
	}

	method = strings.ToUpper(method)
	if rt, ok := leaf.routes[method]; ok {
		return rt, p, nil, Matched
	}

	methods := make([]string, 0, len(leaf.routes))
	for m := range leaf.routes {
		methods = append(methods, m)
	}
	sort.Strings(methods)
	return nil, p, methods, MethodNotAllowed
}

// match walks the trie for segments[idx:], preferring, in order, a literal
// child, a :param child, a * child, and finally a ** child — which is
// exactly the literal > :param > * > ** precedence the spec requires,
// achieved by only accepting a branch's result once it fully matches the
// remaining path (a dead end anywhere in a branch falls back to the next
// precedence class via normal call-stack backtracking).
func (n *node) match(segments []string, idx int) (map[string]string, *node, bool) {
	if idx == len(segments) {
		if len(n.routes) > 0 {
			return map[string]string{}, n, true
		}
		return nil, nil, false
	}

	seg := segments[idx]

	if child, ok := n.literal[seg]; ok {
		if params, leaf, ok := child.match(segments, idx+1); ok {
			return params, leaf, true
		}
	}

	if n.param != nil {
		if params, leaf, ok := n.param.match(segments, idx+1); ok {
			params[n.paramName] = seg
			return params, leaf, true
		}
	}

	if n.star != nil {
		if params, leaf, ok := n.star.match(segments, idx+1); ok {
			params["*"] = seg
			return params, leaf, true
		}
	}

	if n.doubleStar != nil && len(n.doubleStar.routes) > 0 {
		params := map[string]string{"**": strings.Join(segments[idx:], "/")}
		return params, n.doubleStar, true
	}

	return nil, nil, false
}

// Routes returns every registered route in registration order, used by
// the Server Core to warm the pre-compiler and to render diagnostics.
func (r *Router) Routes() []Route {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Route, 0, len(r.registrations))
	r.collect(r.root, &out)
	sort.Slice(out, func(i, j int) bool { return out[i].order < out[j].order })
	return out
}

func (r *Router) collect(n *node, out *[]Route) {
	if n == nil {
		return
	}
	for _, rt := range n.routes {
		*out = append(*out, *rt)
	}
	for _, child := range n.literal {
		r.collect(child, out)
	}
	r.collect(n.param, out)
	r.collect(n.star, out)
	r.collect(n.doubleStar, out)
}

// PatternError reports a malformed route pattern at registration time.
type PatternError struct {
	Pattern string
	Reason  string
}

func (e *PatternError) Error() string {
	return "router: invalid pattern " + e.Pattern + ": " + e.Reason
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}
