package opshttp

import (
	"net/http"

	"github.com/keithlinneman/txkillswitch/internal/health"
	"github.com/keithlinneman/txkillswitch/internal/ratelimit"
)

const DefaultAddr = "127.0.0.1:9000"

type Options struct {
	// Addr is host:port, empty means DefaultAddr
	Addr string

	Metrics http.Handler
	// HTTPMetrics instruments the routes, e.g. (*metrics.Metrics).Middleware
	HTTPMetrics func(http.Handler) http.Handler
	EnablePprof bool

	Health    health.Probe
	Readiness health.Probe

	// Status is rendered as JSON on /api/status, nil disables the route
	Status func() any

	// Limiter rejects clients over their request budget with 429, nil disables
	Limiter *ratelimit.IPLimiter
}
