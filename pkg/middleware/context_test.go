package middleware

import (
	"net/http/httptest"
	"testing"
)

func TestNewContext_ParamsDefaulted(t *testing.T) {
	r := httptest.NewRequest("GET", "/users", nil)
	w := httptest.NewRecorder()

	ctx := NewContext(w, r, "/users", nil)
	if ctx.Params == nil {
		t.Error("expected Params to default to an empty map, not nil")
	}
	if ctx.Param("missing") != "" {
		t.Errorf("expected empty string for missing param, got %q", ctx.Param("missing"))
	}
}

func TestContext_SetAndValue(t *testing.T) {
	type key struct{}
	ctx := newTestContext()

	ctx.Set(key{}, "hello")
	if got := ctx.Value(key{}); got != "hello" {
		t.Errorf("Value() = %v, want hello", got)
	}
}

func TestContext_MarkResponseStarted(t *testing.T) {
	ctx := newTestContext()
	if ctx.ResponseStarted() {
		t.Error("expected ResponseStarted to be false initially")
	}
	ctx.MarkResponseStarted()
	if !ctx.ResponseStarted() {
		t.Error("expected ResponseStarted to be true after MarkResponseStarted")
	}
}

func TestContext_SetAndGetError(t *testing.T) {
	ctx := newTestContext()
	if ctx.Err() != nil {
		t.Error("expected no error initially")
	}

	sentinel := errTest("boom")
	ctx.SetError(sentinel)
	if ctx.Err() != error(sentinel) {
		t.Errorf("Err() = %v, want %v", ctx.Err(), sentinel)
	}
}

type errTest string

func (e errTest) Error() string { return string(e) }
