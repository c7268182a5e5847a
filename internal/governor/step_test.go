package governor

import (
	"math"
	"reflect"
	"testing"

	"pgregory.net/rapid"
)

// run feeds rates through Step and returns the actions per tick
func run(cfg Config, rates []uint64) []Actions {
	s := NewState(cfg)
	out := make([]Actions, 0, len(rates))
	for _, r := range rates {
		var a Actions
		s, a = Step(s, r, cfg)
		out = append(out, a)
	}
	return out
}

func indices(acts []Actions, pick func(Actions) bool) []int {
	var idx []int
	for i, a := range acts {
		if pick(a) {
			idx = append(idx, i)
		}
	}
	return idx
}

func enforced(a Actions) bool { return a.Enforce }
func reported(a Actions) bool { return a.Report }

func repeat(v uint64, n int) []uint64 {
	out := make([]uint64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func TestNewState(t *testing.T) {
	s := NewState(Config{ReportInterval: 7, EnsureInterval: 3})
	if s != (State{ReportCounter: 7}) {
		t.Fatalf("initial state = %+v", s)
	}
}

func TestStep_ScenarioA(t *testing.T) {
	cfg := Config{RateLimit: 1000, ReportInterval: 10, EnsureInterval: 2}
	acts := run(cfg, []uint64{500, 500, 1500, 1500, 1500})

	if got := indices(acts, enforced); !reflect.DeepEqual(got, []int{2, 4}) {
		t.Fatalf("controller ticks = %v, want [2 4]", got)
	}
	if !acts[2].Changed || !acts[2].Breached || !acts[4].Breached {
		t.Fatalf("actions = %+v", acts)
	}
	if got := indices(acts, func(a Actions) bool { return a.Changed }); !reflect.DeepEqual(got, []int{2}) {
		t.Fatalf("transitions = %v, want [2]", got)
	}
}

func TestStep_ScenarioB_SentinelAlwaysBreaches(t *testing.T) {
	cfg := Config{RateLimit: math.MaxUint64 - 1, ReportInterval: 1, EnsureInterval: 5}
	acts := run(cfg, []uint64{math.MaxUint64})
	if !acts[0].Breached || !acts[0].Changed || !acts[0].Enforce {
		t.Fatalf("sentinel should force a breach: %+v", acts[0])
	}
}

func TestStep_ScenarioC_ReportCadence(t *testing.T) {
	cfg := Config{RateLimit: 1000, ReportInterval: 3, EnsureInterval: 100}
	acts := run(cfg, repeat(10, 10))
	if got := indices(acts, reported); !reflect.DeepEqual(got, []int{0, 3, 6, 9}) {
		t.Fatalf("report ticks = %v, want [0 3 6 9]", got)
	}
}

func TestStep_ScenarioC_TransitionResetsReport(t *testing.T) {
	cfg := Config{RateLimit: 1000, ReportInterval: 3, EnsureInterval: 100}
	// breach at tick 4 resets the report counter, next report at 7
	rates := []uint64{10, 10, 10, 10, 5000, 5000, 5000, 5000, 5000, 5000, 5000}
	acts := run(cfg, rates)
	if got := indices(acts, reported); !reflect.DeepEqual(got, []int{0, 3, 7, 10}) {
		t.Fatalf("report ticks = %v, want [0 3 7 10]", got)
	}
	if acts[4].Report {
		t.Fatal("the transition tick itself does not report")
	}
}

func TestStep_Hysteresis(t *testing.T) {
	cfg := Config{RateLimit: 100, ReportInterval: 1000, EnsureInterval: 4}
	rates := append([]uint64{500}, repeat(500, 12)...)
	acts := run(cfg, rates)
	if got := indices(acts, enforced); !reflect.DeepEqual(got, []int{0, 4, 8, 12}) {
		t.Fatalf("controller ticks = %v, want [0 4 8 12]", got)
	}
}

func TestStep_CompliantStartFirstEnforceAfterInterval(t *testing.T) {
	cfg := Config{RateLimit: 100, ReportInterval: 1000, EnsureInterval: 3}
	acts := run(cfg, repeat(1, 7))
	if got := indices(acts, enforced); !reflect.DeepEqual(got, []int{3, 6}) {
		t.Fatalf("controller ticks = %v, want [3 6]", got)
	}
	for _, a := range acts {
		if a.Changed || a.Breached {
			t.Fatalf("compliant traffic should not transition: %+v", a)
		}
	}
}

func TestStep_ZeroIntervals(t *testing.T) {
	cfg := Config{RateLimit: 100}
	acts := run(cfg, repeat(1, 3))
	for i, a := range acts {
		if !a.Enforce || !a.Report {
			t.Fatalf("tick %d: zero intervals act every tick, got %+v", i, a)
		}
	}
}

func TestStep_LimitIsExclusive(t *testing.T) {
	_, a := Step(NewState(Config{RateLimit: 100}), 100, Config{RateLimit: 100})
	if a.Breached {
		t.Fatal("rate equal to the limit is not a breach")
	}
	_, a = Step(NewState(Config{RateLimit: 100}), 101, Config{RateLimit: 100})
	if !a.Breached {
		t.Fatal("rate above the limit is a breach")
	}
}

func TestStep_Pure(t *testing.T) {
	cfg := Config{RateLimit: 10, ReportInterval: 2, EnsureInterval: 2}
	s := State{Breached: true, ReportCounter: 1, StateCounter: 1}
	s1, a1 := Step(s, 5, cfg)
	s2, a2 := Step(s, 5, cfg)
	if s1 != s2 || a1 != a2 {
		t.Fatal("Step must be deterministic")
	}
	if s != (State{Breached: true, ReportCounter: 1, StateCounter: 1}) {
		t.Fatal("Step must not mutate its input")
	}
}

// the controller runs on every transition and every EnsureInterval ticks of
// stable state, and reports follow ReportInterval from the last reset
func TestStep_CadenceProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		cfg := Config{
			RateLimit:      1000,
			ReportInterval: rapid.Uint64Range(1, 12).Draw(t, "report"),
			EnsureInterval: rapid.Uint64Range(1, 12).Draw(t, "ensure"),
		}
		breaches := rapid.SliceOfN(rapid.Bool(), 1, 200).Draw(t, "breaches")

		s := NewState(cfg)
		wasBreached := false
		lastEnforce := 0
		lastReportReset := -int(cfg.ReportInterval)

		for i, b := range breaches {
			r := uint64(10)
			if b {
				r = 5000
			}
			var a Actions
			s, a = Step(s, r, cfg)

			changed := b != wasBreached
			if a.Changed != changed {
				t.Fatalf("tick %d: changed = %v, want %v", i, a.Changed, changed)
			}
			wantEnforce := changed || uint64(i-lastEnforce) >= cfg.EnsureInterval
			if a.Enforce != wantEnforce {
				t.Fatalf("tick %d: enforce = %v, want %v", i, a.Enforce, wantEnforce)
			}
			if a.Enforce {
				lastEnforce = i
				wasBreached = b
			}

			if changed {
				lastReportReset = i
			}
			wantReport := uint64(i-lastReportReset) >= cfg.ReportInterval
			if a.Report != wantReport {
				t.Fatalf("tick %d: report = %v, want %v", i, a.Report, wantReport)
			}
			if a.Report {
				lastReportReset = i
			}

			if s.Breached != wasBreached {
				t.Fatalf("tick %d: state breached = %v, want %v", i, s.Breached, wasBreached)
			}
			if s.ReportCounter < 1 || s.ReportCounter > cfg.ReportInterval {
				t.Fatalf("tick %d: report counter %d outside [1, %d]", i, s.ReportCounter, cfg.ReportInterval)
			}
			if s.StateCounter < 1 || s.StateCounter > cfg.EnsureInterval {
				t.Fatalf("tick %d: state counter %d outside [1, %d]", i, s.StateCounter, cfg.EnsureInterval)
			}
		}
	})
}
