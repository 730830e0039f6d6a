package middleware

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"xypriss/pkg/apperror"
)

func TestDefaultErrorResponder_AppError(t *testing.T) {
	r := httptest.NewRequest("GET", "/x", nil)
	w := httptest.NewRecorder()
	ctx := NewContext(w, r, "/x", nil)

	DefaultErrorResponder(ctx, apperror.New(apperror.CodeNotFound, "route not found"))

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}

	var body errorBody
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if body.Error.Code != string(apperror.CodeNotFound) {
		t.Errorf("code = %s, want %s", body.Error.Code, apperror.CodeNotFound)
	}
}

func TestDefaultErrorResponder_WrapsPlainError(t *testing.T) {
	r := httptest.NewRequest("GET", "/x", nil)
	w := httptest.NewRecorder()
	ctx := NewContext(w, r, "/x", nil)

	DefaultErrorResponder(ctx, errors.New("boom"))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
}

func TestDefaultErrorResponder_SkipsIfResponseStarted(t *testing.T) {
	r := httptest.NewRequest("GET", "/x", nil)
	w := httptest.NewRecorder()
	ctx := NewContext(w, r, "/x", nil)
	ctx.MarkResponseStarted()

	DefaultErrorResponder(ctx, errors.New("too late"))

	if w.Code != http.StatusOK {
		t.Errorf("expected no status written, got %d", w.Code)
	}
}

func TestMethodNotAllowedResponder_SetsAllowHeader(t *testing.T) {
	w := httptest.NewRecorder()
	MethodNotAllowedResponder(w, []string{"GET", "POST"})

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want %d", w.Code, http.StatusMethodNotAllowed)
	}
	allow := w.Header().Values("Allow")
	if len(allow) != 2 {
		t.Errorf("Allow header values = %v, want 2 entries", allow)
	}
}
