package router

import (
	"net/http"
	"testing"

	"xypriss/pkg/middleware"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouter_DoubleStarWildcard(t *testing.T) {
	r := New()
	require.NoError(t, r.Handle(http.MethodGet, "/api/**", func(*middleware.Context) error { return nil }))

	route, params, _, outcome := r.Lookup(http.MethodGet, "/api/v1/users/42")
	require.Equal(t, Matched, outcome)
	require.NotNil(t, route)
	assert.Equal(t, "v1/users/42", params["**"])
}

func TestRouter_LiteralBeatsParam(t *testing.T) {
	r := New()
	require.NoError(t, r.Handle(http.MethodGet, "/u/:id", func(*middleware.Context) error { return nil }))
	require.NoError(t, r.Handle(http.MethodGet, "/u/me", func(*middleware.Context) error { return nil }))

	route, params, _, outcome := r.Lookup(http.MethodGet, "/u/me")
	require.Equal(t, Matched, outcome)
	assert.Equal(t, "/u/me", route.Pattern)
	assert.Empty(t, params)
}

func TestRouter_ParamBeatsStar(t *testing.T) {
	r := New()
	require.NoError(t, r.Handle(http.MethodGet, "/files/*", func(*middleware.Context) error { return nil }))
	require.NoError(t, r.Handle(http.MethodGet, "/files/:name", func(*middleware.Context) error { return nil }))

	route, params, _, outcome := r.Lookup(http.MethodGet, "/files/report.pdf")
	require.Equal(t, Matched, outcome)
	assert.Equal(t, "/files/:name", route.Pattern)
	assert.Equal(t, "report.pdf", params["name"])
}

func TestRouter_StarBeatsDoubleStar(t *testing.T) {
	r := New()
	require.NoError(t, r.Handle(http.MethodGet, "/a/**", func(*middleware.Context) error { return nil }))
	require.NoError(t, r.Handle(http.MethodGet, "/a/*", func(*middleware.Context) error { return nil }))

	route, params, _, outcome := r.Lookup(http.MethodGet, "/a/one")
	require.Equal(t, Matched, outcome)
	assert.Equal(t, "/a/*", route.Pattern)
	assert.Equal(t, "one", params["*"])

	route, params, _, outcome = r.Lookup(http.MethodGet, "/a/one/two")
	require.Equal(t, Matched, outcome)
	assert.Equal(t, "/a/**", route.Pattern)
	assert.Equal(t, "one/two", params["**"])
}

func TestRouter_NotFound(t *testing.T) {
	r := New()
	require.NoError(t, r.Handle(http.MethodGet, "/known", func(*middleware.Context) error { return nil }))

	_, _, _, outcome := r.Lookup(http.MethodGet, "/unknown")
	assert.Equal(t, NotFound, outcome)
}

func TestRouter_MethodNotAllowed(t *testing.T) {
	r := New()
	require.NoError(t, r.Handle(http.MethodGet, "/only-get", func(*middleware.Context) error { return nil }))

	_, _, allowed, outcome := r.Lookup(http.MethodPost, "/only-get")
	require.Equal(t, MethodNotAllowed, outcome)
	assert.Equal(t, []string{"GET"}, allowed)
}

func TestRouter_Mount(t *testing.T) {
	sub := New()
	require.NoError(t, sub.Handle(http.MethodGet, "/:id", func(*middleware.Context) error { return nil }))

	parent := New()
	require.NoError(t, parent.Mount("/users", sub))

	route, params, _, outcome := parent.Lookup(http.MethodGet, "/users/7")
	require.Equal(t, Matched, outcome)
	assert.Equal(t, "/users/:id", route.Pattern)
	assert.Equal(t, "7", params["id"])
}

func TestRouter_CaseInsensitiveMethod(t *testing.T) {
	r := New()
	require.NoError(t, r.Handle("get", "/x", func(*middleware.Context) error { return nil }))

	_, _, _, outcome := r.Lookup("GET", "/x")
	assert.Equal(t, Matched, outcome)
}

func TestRouter_Routes(t *testing.T) {
	r := New()
	require.NoError(t, r.Handle(http.MethodGet, "/first", func(*middleware.Context) error { return nil }))
	require.NoError(t, r.Handle(http.MethodGet, "/second", func(*middleware.Context) error { return nil }))

	routes := r.Routes()
	require.Len(t, routes, 2)
	assert.Equal(t, "/first", routes[0].Pattern)
	assert.Equal(t, "/second", routes[1].Pattern)
}
