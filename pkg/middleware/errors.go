package middleware

import (
	"encoding/json"
	"net/http"

	"xypriss/pkg/apperror"
	"xypriss/pkg/logger"
)

// ErrorResponder writes an error to the client. It is the last line of
// defense when no error-handling middleware upstream caught the error.
type ErrorResponder func(ctx *Context, err error)

// errorBody is the JSON shape written by DefaultErrorResponder.
type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Field   string `json:"field,omitempty"`
	} `json:"error"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// DefaultErrorResponder converts err to an apperror.Error (wrapping it as
// a HandlerError if it isn't one already), writes the matching HTTP
// status, and renders a small JSON body. It never panics and never writes
// more than one response.
func DefaultErrorResponder(ctx *Context, err error) {
	if ctx.ResponseStarted() {
		logger.Log.Error("error occurred after response started, cannot write error body",
			"method", ctx.Method, "path", ctx.Path, "error", err.Error())
		return
	}

	appErr := apperror.AsAppError(err)
	status := appErr.HTTPStatus()

	body := errorBody{}
	body.Error.Code = string(appErr.Code)
	body.Error.Message = appErr.Message
	body.Error.Field = appErr.Field
	body.CorrelationID = ctx.CorrelationID

	ctx.Writer.Header().Set("Content-Type", "application/json")
	ctx.Writer.WriteHeader(status)
	ctx.MarkResponseStarted()

	if encodeErr := json.NewEncoder(ctx.Writer).Encode(body); encodeErr != nil {
		logger.Log.Error("failed to encode error response", "error", encodeErr.Error())
	}
}

// NotFoundResponder writes the default 404 body for an unmatched route.
func NotFoundResponder(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusNotFound)
	json.NewEncoder(w).Encode(map[string]string{"error": "not found"})
}

// MethodNotAllowedResponder writes the default 405 body, including the
// Allow header listing the methods the path does accept.
func MethodNotAllowedResponder(w http.ResponseWriter, allowed []string) {
	for _, m := range allowed {
		w.Header().Add("Allow", m)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusMethodNotAllowed)
	json.NewEncoder(w).Encode(map[string]string{"error": "method not allowed"})
}
