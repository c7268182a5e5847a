package health

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/keithlinneman/txkillswitch/internal/xerrors"
)

// Probe is evaluated at request time
// nil = OK non-nil = FAIL with reason.
type Probe interface{ Check(context.Context) error }

// CheckFunc adapts a function into a Probe.
type CheckFunc func(context.Context) error

func (f CheckFunc) Check(ctx context.Context) error { return f(ctx) }

// All is AND: passes only if all probes pass; returns the first error.
func All(ps ...Probe) CheckFunc {
	return func(ctx context.Context) error {
		for _, p := range ps {
			if p == nil {
				continue
			}
			if err := p.Check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

// Started fails until last reports a non-zero time.
func Started(last func() time.Time) CheckFunc {
	return func(context.Context) error {
		if last().IsZero() {
			return xerrors.New("first tick not completed")
		}
		return nil
	}
}

// Fresh fails when the time reported by last is older than maxAge. Before
// the first tick the age is measured from when the probe was created, so a
// first tick stuck in the service controller also fails it.
func Fresh(last func() time.Time, maxAge time.Duration, clk clock.Clock) CheckFunc {
	if clk == nil {
		clk = clock.New()
	}
	created := clk.Now()
	return func(context.Context) error {
		t := last()
		if t.IsZero() {
			t = created
		}
		if age := clk.Since(t); age > maxAge {
			return xerrors.Newf("last tick %s ago exceeds %s", age.Truncate(time.Second), maxAge)
		}
		return nil
	}
}

// StaleAfter is the liveness budget for a loop ticking every interval:
// three missed ticks plus a minute of slack for a slow service command.
func StaleAfter(interval time.Duration) time.Duration {
	return 3*interval + time.Minute
}

// ShutdownGate flips readiness to false during drain/shutdown.
type ShutdownGate struct {
	draining atomic.Bool
	reason   atomic.Value
}

func (g *ShutdownGate) Set(reason string) {
	g.draining.Store(true)
	g.reason.Store(reason)
}
func (g *ShutdownGate) Clear() {
	g.draining.Store(false)
	g.reason.Store("")
}
func (g *ShutdownGate) Probe() CheckFunc {
	return func(context.Context) error {
		if !g.draining.Load() {
			return nil
		}
		r, _ := g.reason.Load().(string)
		if r == "" {
			r = "draining"
		}
		return xerrors.New(r)
	}
}
