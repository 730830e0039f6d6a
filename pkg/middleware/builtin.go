package middleware

import (
	"fmt"
	"strconv"
	"time"

	"xypriss/pkg/logger"
	"xypriss/pkg/metrics"
	"xypriss/pkg/telemetry"
)

// Recovery recovers from a panic in any later middleware or handler,
// converting it into a HandlerError so it flows through the normal error
// path instead of crashing the worker.
func Recovery() Middleware {
	return func(ctx *Context, next Next) (err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Log.Error("panic recovered in middleware chain",
					"method", ctx.Method, "path", ctx.Path, "panic", fmt.Sprint(r))
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return next()
	}
}

// Logging logs one line per completed request: method, path, duration,
// and outcome.
func Logging() Middleware {
	return func(ctx *Context, next Next) error {
		start := time.Now()
		err := next()
		duration := time.Since(start)

		log := logger.WithCorrelationID(ctx.CorrelationID)
		if err != nil {
			log.Error("request failed",
				"method", ctx.Method, "path", ctx.Path, "pattern", ctx.Pattern,
				"duration_ms", duration.Milliseconds(), "error", err.Error())
		} else {
			log.Info("request completed",
				"method", ctx.Method, "path", ctx.Path, "pattern", ctx.Pattern,
				"duration_ms", duration.Milliseconds())
		}

		return err
	}
}

// Metrics records request count, duration, and in-flight gauge for
// Prometheus scraping.
func Metrics() Middleware {
	m := metrics.Get()
	tracker := metrics.NewRequestTracker(m.RequestsInFlight)

	return func(ctx *Context, next Next) error {
		tracker.Start(ctx.Pattern)
		defer tracker.End(ctx.Pattern)

		start := time.Now()
		err := next()
		duration := time.Since(start)

		status := "200"
		if err != nil {
			status = "500"
		}
		m.RecordRequest(ctx.Method, ctx.Pattern, status, duration)

		return err
	}
}

// Tracing starts a span for the request, ending it when the chain
// completes and recording the outcome.
func Tracing() Middleware {
	return func(ctx *Context, next Next) error {
		spanCtx, span := telemetry.StartSpan(ctx.Context(), ctx.Method+" "+ctx.Pattern)
		defer span.End()

		c := spanCtx
		ctx.ctx = c
		ctx.Request = ctx.Request.WithContext(c)

		err := next()
		if err != nil {
			telemetry.SetError(spanCtx, err)
		}
		return err
	}
}

// decodedBodyKey is the context key a handler or body-decoding middleware
// uses to publish the decoded request body for Validation to inspect.
type decodedBodyKey struct{}

// Validatable is implemented by decoded request bodies that can check
// their own well-formedness.
type Validatable interface {
	Validate() error
}

// WithDecodedBody attaches a decoded request body to ctx so a later
// Validation middleware (or the handler) can retrieve it.
func WithDecodedBody(ctx *Context, body any) {
	ctx.Set(decodedBodyKey{}, body)
}

// Validation runs Validate() on a decoded body previously attached with
// WithDecodedBody, if present. Routes whose handler decodes its own body
// without publishing it are unaffected.
func Validation() Middleware {
	return func(ctx *Context, next Next) error {
		if body := ctx.Value(decodedBodyKey{}); body != nil {
			if v, ok := body.(Validatable); ok {
				if err := v.Validate(); err != nil {
					return err
				}
			}
		}
		return next()
	}
}

// CorrelationID ensures every request carries a correlation ID, generating
// one when the caller did not supply X-Correlation-Id.
func CorrelationID(generate func() string) Middleware {
	return func(ctx *Context, next Next) error {
		if ctx.CorrelationID == "" {
			ctx.CorrelationID = generate()
		}
		ctx.Writer.Header().Set("X-Correlation-Id", ctx.CorrelationID)
		return next()
	}
}

// ContentLengthLimit short-circuits with a PayloadTooLarge-flavored error
// when the request body exceeds maxBytes, without buffering the body.
func ContentLengthLimit(maxBytes int64) Middleware {
	return func(ctx *Context, next Next) error {
		if ctx.Request.ContentLength > maxBytes {
			return &payloadTooLargeError{limit: maxBytes, got: ctx.Request.ContentLength}
		}
		return next()
	}
}

type payloadTooLargeError struct {
	limit int64
	got   int64
}

func (e *payloadTooLargeError) Error() string {
	return "payload of " + strconv.FormatInt(e.got, 10) + " bytes exceeds limit of " + strconv.FormatInt(e.limit, 10)
}
