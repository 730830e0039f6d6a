package middleware

import (
	"errors"
	"net/http/httptest"
	"testing"

	"xypriss/pkg/logger"
)

func init() {
	logger.Init("error")
}

func TestRecovery_CatchesPanic(t *testing.T) {
	chain := NewChain()
	chain.Use(PriorityCritical, Recovery())

	handler := chain.Then(func(ctx *Context) error {
		panic("boom")
	})

	err := handler(newTestContext())
	if err == nil {
		t.Fatal("expected Recovery to convert the panic into an error")
	}
}

func TestRecovery_PassesThroughNormalError(t *testing.T) {
	chain := NewChain()
	chain.Use(PriorityCritical, Recovery())

	sentinel := errors.New("handler failed")
	handler := chain.Then(func(ctx *Context) error {
		return sentinel
	})

	if err := handler(newTestContext()); err != sentinel {
		t.Errorf("expected sentinel error to pass through, got %v", err)
	}
}

func TestLogging_DoesNotAlterFlow(t *testing.T) {
	chain := NewChain()
	chain.Use(PriorityHigh, Logging())

	called := false
	handler := chain.Then(func(ctx *Context) error {
		called = true
		return nil
	})

	if err := handler(newTestContext()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Error("expected handler to run")
	}
}

type validatableBody struct {
	valid bool
}

func (b validatableBody) Validate() error {
	if !b.valid {
		return errors.New("invalid body")
	}
	return nil
}

func TestValidation_RejectsInvalidBody(t *testing.T) {
	chain := NewChain()
	chain.Use(PriorityHigh, Validation())

	ctx := newTestContext()
	WithDecodedBody(ctx, validatableBody{valid: false})

	handler := chain.Then(func(ctx *Context) error { return nil })
	if err := handler(ctx); err == nil {
		t.Error("expected validation error")
	}
}

func TestValidation_AllowsValidBody(t *testing.T) {
	chain := NewChain()
	chain.Use(PriorityHigh, Validation())

	ctx := newTestContext()
	WithDecodedBody(ctx, validatableBody{valid: true})

	handler := chain.Then(func(ctx *Context) error { return nil })
	if err := handler(ctx); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestValidation_NoBodyAttached(t *testing.T) {
	chain := NewChain()
	chain.Use(PriorityHigh, Validation())

	handler := chain.Then(func(ctx *Context) error { return nil })
	if err := handler(newTestContext()); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestCorrelationID_GeneratesWhenMissing(t *testing.T) {
	chain := NewChain()
	chain.Use(PriorityCritical, CorrelationID(func() string { return "generated-id" }))

	ctx := newTestContext()
	handler := chain.Then(func(ctx *Context) error { return nil })
	handler(ctx)

	if ctx.CorrelationID != "generated-id" {
		t.Errorf("CorrelationID = %q, want generated-id", ctx.CorrelationID)
	}
	if got := ctx.Writer.Header().Get("X-Correlation-Id"); got != "generated-id" {
		t.Errorf("header X-Correlation-Id = %q, want generated-id", got)
	}
}

func TestCorrelationID_PreservesExisting(t *testing.T) {
	r := httptest.NewRequest("GET", "/x", nil)
	r.Header.Set("X-Correlation-Id", "existing-id")
	w := httptest.NewRecorder()
	ctx := NewContext(w, r, "/x", nil)

	chain := NewChain()
	chain.Use(PriorityCritical, CorrelationID(func() string { return "generated-id" }))

	handler := chain.Then(func(ctx *Context) error { return nil })
	handler(ctx)

	if ctx.CorrelationID != "existing-id" {
		t.Errorf("CorrelationID = %q, want existing-id", ctx.CorrelationID)
	}
}

func TestContentLengthLimit_RejectsOversized(t *testing.T) {
	r := httptest.NewRequest("POST", "/x", nil)
	r.ContentLength = 2048
	w := httptest.NewRecorder()
	ctx := NewContext(w, r, "/x", nil)

	chain := NewChain()
	chain.Use(PriorityCritical, ContentLengthLimit(1024))

	handler := chain.Then(func(ctx *Context) error { return nil })
	if err := handler(ctx); err == nil {
		t.Error("expected content length limit error")
	}
}

func TestContentLengthLimit_AllowsWithinLimit(t *testing.T) {
	r := httptest.NewRequest("POST", "/x", nil)
	r.ContentLength = 512
	w := httptest.NewRecorder()
	ctx := NewContext(w, r, "/x", nil)

	chain := NewChain()
	chain.Use(PriorityCritical, ContentLengthLimit(1024))

	handler := chain.Then(func(ctx *Context) error { return nil })
	if err := handler(ctx); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
