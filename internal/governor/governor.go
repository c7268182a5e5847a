// Package governor decides, once per tick, whether the measured rate breaches
// the limit, and drives the service controller and the operator-facing
// status lines from that decision.
//
// Step is the pure state machine. Governor owns a State, performs the
// actions Step returns, and keeps a snapshot for the ops listener. Runner
// samples and ticks on a fixed cadence.
package governor

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/txkillswitch/internal/log"
	"github.com/keithlinneman/txkillswitch/internal/rate"
	"github.com/keithlinneman/txkillswitch/internal/service"
	"github.com/keithlinneman/txkillswitch/internal/xerrors"
)

// Metrics is implemented by the metrics package.
type Metrics interface {
	ObserveTick(rate uint64, breached bool, at time.Time)
	IncStateTransition(breached bool)
	ObserveControllerRun(action string, ok bool, seconds float64)
	IncReports()
}

type Options struct {
	Config     Config
	Controller service.Controller

	// Out receives the status lines, defaults to os.Stdout
	Out     io.Writer
	Logger  log.Logger
	Metrics Metrics
	// Clock defaults to the wall clock
	Clock clock.Clock
}

// Status is a point-in-time view of the governor for the ops listener.
type Status struct {
	Rate      uint64 `json:"rate"`
	RateLimit uint64 `json:"rate_limit"`
	Breached  bool   `json:"breached"`
	// SampleFailed is set when the last rate was the unmeasurable sentinel
	SampleFailed bool `json:"sample_failed"`

	Ticks         uint64 `json:"ticks"`
	ReportCounter uint64 `json:"report_counter"`
	StateCounter  uint64 `json:"state_counter"`

	LastTick       time.Time `json:"last_tick"`
	LastTransition time.Time `json:"last_transition"`
	LastEnforce    time.Time `json:"last_enforce"`

	ControllerRuns      uint64 `json:"controller_runs"`
	ControllerFailures  uint64 `json:"controller_failures"`
	LastControllerError string `json:"last_controller_error,omitempty"`
}

type Governor struct {
	cfg     Config
	ctrl    service.Controller
	out     io.Writer
	logger  log.Logger
	metrics Metrics
	clock   clock.Clock

	// ticks are sequential, mu only guards against concurrent Status readers
	mu     sync.RWMutex
	state  State
	status Status
}

func New(opts *Options) (*Governor, error) {
	if opts.Controller == nil {
		return nil, xerrors.New("governor requires a service controller")
	}
	g := &Governor{
		cfg:     opts.Config,
		ctrl:    opts.Controller,
		out:     opts.Out,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		clock:   opts.Clock,
		state:   NewState(opts.Config),
	}
	if g.out == nil {
		g.out = os.Stdout
	}
	if g.logger == nil {
		g.logger = log.Nop()
	}
	if g.clock == nil {
		g.clock = clock.New()
	}
	g.status = Status{
		RateLimit:     g.cfg.RateLimit,
		ReportCounter: g.state.ReportCounter,
	}
	return g, nil
}

// Tick feeds one rate sample through the state machine and performs the
// resulting actions. Controller failures are logged, never returned: the
// new breach state is kept either way.
func (g *Governor) Tick(ctx context.Context, r uint64) Actions {
	next, act := Step(g.State(), r, g.cfg)
	now := g.clock.Now()

	if act.Changed {
		g.println("State changed at rate: %d", r)
		g.logger.Info(ctx, "breach state changed",
			"rate", r,
			"rate_limit", g.cfg.RateLimit,
			"breached", act.Breached,
		)
		if g.metrics != nil {
			g.metrics.IncStateTransition(act.Breached)
		}
	}

	var ctrlErr error
	if act.Enforce {
		ctrlErr = g.enforce(ctx, act.Breached)
	}

	if act.Report {
		g.println("Current rate: %d", r)
		if g.metrics != nil {
			g.metrics.IncReports()
		}
	}

	if g.metrics != nil {
		g.metrics.ObserveTick(r, act.Breached, now)
	}

	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		attribute.Int64("txks.rate", clampInt64(r)),
		attribute.Bool("txks.breached", act.Breached),
		attribute.Bool("txks.changed", act.Changed),
		attribute.Bool("txks.enforce", act.Enforce),
		attribute.Bool("txks.report", act.Report),
	)
	if ctrlErr != nil {
		span.RecordError(ctrlErr)
		span.SetStatus(codes.Error, "service command failed")
	}

	g.mu.Lock()
	g.state = next
	s := &g.status
	s.Rate = r
	s.Breached = next.Breached
	s.SampleFailed = r == rate.Sentinel
	s.Ticks++
	s.ReportCounter = next.ReportCounter
	s.StateCounter = next.StateCounter
	s.LastTick = now
	if act.Changed {
		s.LastTransition = now
	}
	if act.Enforce {
		s.LastEnforce = now
		s.ControllerRuns++
		if ctrlErr != nil {
			s.ControllerFailures++
			s.LastControllerError = ctrlErr.Error()
		} else {
			s.LastControllerError = ""
		}
	}
	g.mu.Unlock()

	return act
}

func (g *Governor) enforce(ctx context.Context, breaching bool) error {
	action := service.Action(breaching)
	start := g.clock.Now()
	err := g.ctrl.Apply(ctx, breaching)
	elapsed := g.clock.Since(start)

	if g.metrics != nil {
		g.metrics.ObserveControllerRun(action, err == nil, elapsed.Seconds())
	}
	if err == nil {
		g.logger.Debug(ctx, "service state asserted", "action", action, "duration", elapsed.String())
		return nil
	}

	kv := []any{"action", action, "duration", elapsed.String()}
	var ce *service.CommandError
	if xerrors.As(err, &ce) {
		kv = append(kv,
			"cmdline", ce.Cmdline,
			"exit_code", ce.ExitCode,
			"stdout", ce.Stdout,
			"stderr", ce.Stderr,
		)
	}
	g.logger.Error(ctx, err, "service command failed", kv...)
	return err
}

func (g *Governor) println(format string, args ...any) {
	if _, err := fmt.Fprintf(g.out, format+"\n", args...); err != nil {
		g.logger.Warn(context.Background(), "writing status line failed", "err", err)
	}
}

// State returns the current state machine value.
func (g *Governor) State() State {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.state
}

// Status returns a copy of the latest snapshot.
func (g *Governor) Status() Status {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.status
}

// LastTick is the time of the most recent tick, zero before the first.
func (g *Governor) LastTick() time.Time {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.status.LastTick
}

func (g *Governor) Config() Config { return g.cfg }

func clampInt64(v uint64) int64 {
	if v > 1<<63-1 {
		return 1<<63 - 1
	}
	return int64(v)
}
