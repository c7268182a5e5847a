package opshttp

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/txkillswitch/internal/log"
)

const requestIDHeader = "X-Request-Id"

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (w *statusRecorder) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusRecorder) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(p)
	w.bytes += int64(n)
	return n, err
}

// pprof streams profiles
func (w *statusRecorder) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// accessLog puts a request-scoped logger in the context and logs every
// request except probes once the response is written. The route pattern is
// copied onto the otelhttp span.
func accessLog(base log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			reqID := r.Header.Get(requestIDHeader)
			if reqID == "" || len(reqID) > 64 {
				reqID = uuid.NewString()
			}
			w.Header().Set(requestIDHeader, reqID)

			L := base.With(
				"request_id", reqID,
				"network.peer.address", r.RemoteAddr,
				"http.request.method", r.Method,
				"url.path", r.URL.Path,
			)
			ctx := log.WithContext(r.Context(), L)
			r = r.WithContext(ctx)

			rec := &statusRecorder{ResponseWriter: w}
			next.ServeHTTP(rec, r)

			status := rec.status
			if status == 0 {
				status = http.StatusOK
			}
			route := ""
			if rc := chi.RouteContext(ctx); rc != nil {
				route = rc.RoutePattern()
			}
			if route == "" {
				route = "unmatched"
			}

			if span := trace.SpanFromContext(ctx); span.IsRecording() {
				span.SetAttributes(
					attribute.String("http.route", route),
					attribute.String("request_id", reqID),
				)
				span.SetName(r.Method + " " + route)
			}

			if strings.HasPrefix(r.URL.Path, "/-/") {
				return
			}
			L.Debug(ctx, "http request",
				"http.route", route,
				"http.response.status_code", status,
				"http.response.body.size", rec.bytes,
				"http.server.request.duration", time.Since(start).Seconds(),
			)
		})
	}
}
