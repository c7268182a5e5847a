package governor

// Config is the validated, immutable tick configuration.
type Config struct {
	// RateLimit in bytes/s; breached when the rate is strictly greater
	RateLimit uint64
	// ReportInterval is the number of ticks between "Current rate" lines
	ReportInterval uint64
	// EnsureInterval is the number of ticks of unchanged state after which
	// the controller is re-run
	EnsureInterval uint64
}

// State is threaded through Step. The zero value is not the initial state,
// use NewState.
type State struct {
	Breached      bool
	ReportCounter uint64
	StateCounter  uint64
}

// NewState primes the report counter so the first tick always reports.
func NewState(cfg Config) State {
	return State{ReportCounter: cfg.ReportInterval}
}

// Actions is what a tick decided. The caller performs them in order:
// Changed line, Enforce, Report line.
type Actions struct {
	Rate     uint64
	Breached bool
	// Changed is a breach state transition
	Changed bool
	// Enforce means run the controller for Breached
	Enforce bool
	// Report means print the current rate
	Report bool
}

// Step advances the state machine by one tick. It has no side effects.
func Step(s State, rate uint64, cfg Config) (State, Actions) {
	breached := rate > cfg.RateLimit
	a := Actions{
		Rate:     rate,
		Breached: breached,
		Changed:  breached != s.Breached,
	}

	if a.Changed {
		s.ReportCounter = 0
	}
	if a.Changed || s.StateCounter >= cfg.EnsureInterval {
		s.StateCounter = 0
		a.Enforce = true
		s.Breached = breached
	}
	if s.ReportCounter >= cfg.ReportInterval {
		s.ReportCounter = 0
		a.Report = true
	}

	s.ReportCounter++
	s.StateCounter++
	return s, a
}
