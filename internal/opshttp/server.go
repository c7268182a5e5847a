// Package opshttp is the read-only ops listener: health, readiness,
// Prometheus metrics, a JSON status snapshot and optional pprof. It never
// exposes a way to change the governor's state.
package opshttp

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/keithlinneman/txkillswitch/internal/health"
	"github.com/keithlinneman/txkillswitch/internal/log"
	"github.com/keithlinneman/txkillswitch/internal/xerrors"
)

// NewHandler builds the ops router. Start serves it.
func NewHandler(L log.Logger, opts *Options) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(accessLog(L))
	r.Use(func(next http.Handler) http.Handler { return requireNonPublicNetwork(L, next) })
	if opts.Limiter != nil {
		r.Use(opts.Limiter.Middleware)
	}
	if opts.HTTPMetrics != nil {
		r.Use(opts.HTTPMetrics)
	}

	r.Get("/-/healthy", health.HealthzHandler(opts.Health))
	r.Get("/-/ready", health.ReadyzHandler(opts.Readiness))

	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}
	if opts.Status != nil {
		r.Get("/api/status", statusHandler(L, opts.Status))
	}
	if opts.EnablePprof {
		r.Mount("/debug", middleware.Profiler())
	}

	return otelhttp.NewHandler(r, "ops",
		otelhttp.WithFilter(func(req *http.Request) bool {
			// probes and scrapes would drown the tick spans
			return req.URL.Path != "/metrics" && !strings.HasPrefix(req.URL.Path, "/-/")
		}),
		otelhttp.WithSpanNameFormatter(func(_ string, req *http.Request) string {
			return req.Method + " " + req.URL.Path
		}),
	)
}

func statusHandler(L log.Logger, status func() any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(status()); err != nil {
			L.Warn(r.Context(), "encode status failed", "err", err)
		}
	}
}

// Start serves the ops listener in the background.
// Returns stop(ctx) for graceful shutdown
func Start(ctx context.Context, L log.Logger, opts *Options) (func(context.Context) error, error) {
	addr := opts.Addr
	if addr == "" {
		addr = DefaultAddr
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           NewHandler(L, opts),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		// pprof profile collection needs longer than the other routes
		WriteTimeout:   60 * time.Second,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 20,
		BaseContext:    func(net.Listener) context.Context { return ctx },
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, xerrors.Wrapf(err, "could not listen for ops listener on addr=%v", addr)
	}

	go func() {
		L.Info(ctx, "ops http server listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			L.Error(ctx, err, "ops http server error")
		}
	}()

	var once sync.Once
	stop := func(sctx context.Context) (retErr error) {
		once.Do(func() {
			L.Info(sctx, "ops http server shutting down")
			c, cancel := context.WithTimeout(sctx, 5*time.Second)
			defer cancel()
			retErr = srv.Shutdown(c)
		})
		return retErr
	}
	return stop, nil
}
