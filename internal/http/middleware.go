package http

import (
	"bytes"
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/robertarktes/seat-allocation/internal/domain"
	"github.com/robertarktes/seat-allocation/internal/idempotency"
	"github.com/robertarktes/seat-allocation/internal/observability"
	"github.com/robertarktes/seat-allocation/internal/rateLimit"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
)

// AgentHeader carries the id of the calling agent.
const AgentHeader = "X-Agent-Id"

type ctxKey int

const loggerKey ctxKey = iota

func RequestIDMiddleware(next http.Handler) http.Handler {
	return middleware.RequestID(next)
}

func LoggerMiddleware(logger observability.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			entry := logger.WithField("request_id", middleware.GetReqID(r.Context()))
			ctx := context.WithValue(r.Context(), loggerKey, entry)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func loggerFrom(ctx context.Context) observability.Logger {
	if l, ok := ctx.Value(loggerKey).(observability.Logger); ok {
		return l
	}
	return observability.NewNopLogger()
}

// MetricsMiddleware counts requests by route pattern, so path parameters do
// not explode the label set.
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		observability.RequestsTotal.WithLabelValues(route, strconv.Itoa(ww.Status()), r.Method).Inc()
	})
}

func TracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := otel.Tracer("http").Start(ctx, r.Method+" "+r.URL.Path)
		defer span.End()

		span.SetAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.url", r.URL.String()),
		)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RateLimitMiddleware throttles per agent and per client address.
func RateLimitMiddleware(rl *rateLimit.RateLimiter, perAgent, perIP int, window time.Duration) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				ip = r.RemoteAddr
			}
			allow := func(scope, id string, rate int) bool {
				ok, err := rl.Allow(r.Context(), scope, id, rate, window)
				if err != nil {
					writeError(w, r, errors.Mark(errors.Wrap(err, "rate limit"), domain.ErrServiceUnavailable))
					return false
				}
				if !ok {
					writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "RateLimitExceeded", Message: "rate limit exceeded"})
				}
				return ok
			}
			if !allow("ip", ip, perIP) {
				return
			}
			if agent := r.Header.Get(AgentHeader); agent != "" && !allow("agent", agent, perAgent) {
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// IdempotencyMiddleware replays the stored response of a POST that carries a
// known Idempotency-Key. Keys are scoped by agent and path. Server errors are
// not stored so the request can be retried.
func IdempotencyMiddleware(idemp *idempotency.Idempotency) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				next.ServeHTTP(w, r)
				return
			}
			header := r.Header.Get("Idempotency-Key")
			if header == "" {
				next.ServeHTTP(w, r)
				return
			}
			if len(header) < 16 {
				writeError(w, r, errors.Wrap(domain.ErrArgument, "invalid Idempotency-Key"))
				return
			}
			key := r.Header.Get(AgentHeader) + ":" + r.URL.Path + ":" + header

			stored, err := idemp.Begin(r.Context(), key)
			if err != nil {
				if !errors.Is(err, domain.ErrAlreadyInUse) {
					err = errors.Mark(err, domain.ErrServiceUnavailable)
				}
				writeError(w, r, err)
				return
			}
			if stored != nil {
				w.Header().Set("Content-Type", stored.ContentType)
				w.Header().Set("Idempotent-Replayed", "true")
				w.WriteHeader(stored.Status)
				_, _ = w.Write(stored.Body)
				return
			}

			var body bytes.Buffer
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			ww.Tee(&body)
			next.ServeHTTP(ww, r)

			// the request context may already be canceled
			ctx := context.WithoutCancel(r.Context())
			status := ww.Status()
			if status >= http.StatusInternalServerError {
				if err := idemp.Abort(ctx, key); err != nil {
					loggerFrom(ctx).WithError(err).Warn("release idempotency key")
				}
				return
			}
			if err := idemp.Complete(ctx, key, idempotency.Response{
				Status:      status,
				ContentType: ww.Header().Get("Content-Type"),
				Body:        body.Bytes(),
			}); err != nil {
				loggerFrom(ctx).WithError(err).Warn("store idempotent response")
			}
		})
	}
}
