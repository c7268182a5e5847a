package governor

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/txkillswitch/internal/log"
)

const DefaultCheckInterval = 60 * time.Second

// Sampler is implemented by *rate.Sampler.
type Sampler interface {
	Sample(ctx context.Context) uint64
}

type RunnerOptions struct {
	Sampler  Sampler
	Governor *Governor
	Interval time.Duration

	Logger log.Logger
	Clock  clock.Clock
	Tracer trace.Tracer

	// OnTick is called after every tick on the runner goroutine.
	OnTick func(Actions)
}

// Runner drives sample then tick on a fixed cadence. Ticks never overlap:
// a slow controller delays the next tick instead of running concurrently.
// The tick after a slow one may follow it sooner than Interval, because the
// ticker event queued meanwhile fires straight away.
type Runner struct {
	sampler  Sampler
	gov      *Governor
	interval time.Duration
	logger   log.Logger
	clock    clock.Clock
	tracer   trace.Tracer
	onTick   func(Actions)
}

func NewRunner(opts *RunnerOptions) *Runner {
	r := &Runner{
		sampler:  opts.Sampler,
		gov:      opts.Governor,
		interval: opts.Interval,
		logger:   opts.Logger,
		clock:    opts.Clock,
		tracer:   opts.Tracer,
		onTick:   opts.OnTick,
	}
	if r.interval <= 0 {
		r.interval = DefaultCheckInterval
	}
	if r.logger == nil {
		r.logger = log.Nop()
	}
	if r.clock == nil {
		r.clock = clock.New()
	}
	if r.tracer == nil {
		r.tracer = otel.Tracer("github.com/keithlinneman/txkillswitch/internal/governor")
	}
	return r
}

// Run ticks immediately, then every interval, until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	cfg := r.gov.Config()
	r.logger.Info(ctx, "governor starting",
		"check_interval", r.interval.String(),
		"rate_limit", cfg.RateLimit,
		"report_every", cfg.ReportInterval,
		"ensure_every", cfg.EnsureInterval,
	)

	ticker := r.clock.Ticker(r.interval)
	defer ticker.Stop()

	r.tickOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info(ctx, "governor stopping",
				"reason", ctx.Err(),
				"ticks", r.gov.Status().Ticks,
			)
			return ctx.Err()
		case <-ticker.C:
			r.tickOnce(ctx)
		}
	}
}

func (r *Runner) tickOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	ctx, span := r.tracer.Start(ctx, "governor.tick")
	defer span.End()

	act := r.gov.Tick(ctx, r.sampler.Sample(ctx))
	if r.onTick != nil {
		r.onTick(act)
	}
}
