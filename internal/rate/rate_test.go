package rate

import (
	"context"
	"errors"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"

	"pgregory.net/rapid"

	"github.com/keithlinneman/txkillswitch/internal/log"
)

// test helpers

type fakeMetrics struct {
	mu       sync.Mutex
	failures map[string]int
}

func (f *fakeMetrics) IncSampleFailure(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures == nil {
		f.failures = map[string]int{}
	}
	f.failures[reason]++
}

// recordingLogger counts Error calls, everything else is dropped
type recordingLogger struct {
	log.Logger
	errs []error
}

func (r *recordingLogger) Error(_ context.Context, err error, _ string, _ ...any) {
	r.errs = append(r.errs, err)
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", p, err)
	}
	return p
}

type fixture struct {
	dir    string
	rx     string
	tx     string
	uptime string
}

func newFixture(t *testing.T, rx, tx, uptime string) fixture {
	t.Helper()
	dir := t.TempDir()
	return fixture{
		dir:    dir,
		rx:     writeFile(t, dir, "rx_bytes", rx),
		tx:     writeFile(t, dir, "tx_bytes", tx),
		uptime: writeFile(t, dir, "uptime", uptime),
	}
}

// Sample

func TestSample_TxOnly(t *testing.T) {
	f := newFixture(t, "999999\n", "360000\n", "3600.42 7000.10\n")
	s := NewSampler(&Options{Sources: Sources{TxPath: f.tx}, UptimePath: f.uptime})

	if got := s.Sample(context.Background()); got != 100 {
		t.Fatalf("rate = %d, want 100", got)
	}
}

func TestSample_RxPlusTx(t *testing.T) {
	f := newFixture(t, "1000\n", "2000\n", "10.99 1.00\n")
	s := NewSampler(&Options{Sources: Sources{RxPath: f.rx, TxPath: f.tx}, UptimePath: f.uptime})

	// (1000+2000)/10, fractional seconds ignored
	if got := s.Sample(context.Background()); got != 300 {
		t.Fatalf("rate = %d, want 300", got)
	}
}

func TestSample_FloorDivision(t *testing.T) {
	f := newFixture(t, "", "10\n", "3.00 0.00\n")
	s := NewSampler(&Options{Sources: Sources{TxPath: f.tx}, UptimePath: f.uptime})

	if got := s.Sample(context.Background()); got != 3 {
		t.Fatalf("rate = %d, want 3", got)
	}
}

func TestSample_ZeroUptime_ReturnsRawBytes(t *testing.T) {
	f := newFixture(t, "", "4242\n", "0.37 0.10\n")
	s := NewSampler(&Options{Sources: Sources{TxPath: f.tx}, UptimePath: f.uptime})

	for i := 0; i < 3; i++ {
		if got := s.Sample(context.Background()); got != 4242 {
			t.Fatalf("rate = %d, want raw byte count 4242", got)
		}
	}
}

func TestSample_MissingCounter_ReturnsSentinel(t *testing.T) {
	f := newFixture(t, "", "", "100.00 1.00\n")
	m := &fakeMetrics{}
	rl := &recordingLogger{Logger: log.Nop()}
	s := NewSampler(&Options{
		Sources:    Sources{TxPath: filepath.Join(f.dir, "missing")},
		UptimePath: f.uptime,
		Logger:     rl,
		Metrics:    m,
	})

	if got := s.Sample(context.Background()); got != Sentinel {
		t.Fatalf("rate = %d, want Sentinel", got)
	}
	if len(rl.errs) != 1 {
		t.Fatalf("logged %d errors, want 1", len(rl.errs))
	}
	if !errors.Is(rl.errs[0], fs.ErrNotExist) {
		t.Fatalf("logged error should carry the cause, got %v", rl.errs[0])
	}
	if m.failures["tx_read"] != 1 {
		t.Fatalf("failures = %v, want tx_read=1", m.failures)
	}
}

func TestSample_Failures(t *testing.T) {
	tests := []struct {
		name       string
		tx         string
		uptime     string
		wantReason string
	}{
		{"garbage counter", "lots\n", "10.00 1.00\n", "tx_parse"},
		{"negative counter", "-5\n", "10.00 1.00\n", "tx_parse"},
		{"empty counter", "", "10.00 1.00\n", "tx_parse"},
		{"uptime without separator", "100\n", "10 1\n", "uptime_parse"},
		{"empty uptime", "100\n", "", "uptime_parse"},
		{"garbage uptime", "100\n", "abc.12 1.00\n", "uptime_parse"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			m := &fakeMetrics{}
			s := NewSampler(&Options{
				Sources:    Sources{TxPath: writeFile(t, dir, "tx", tt.tx)},
				UptimePath: writeFile(t, dir, "uptime", tt.uptime),
				Metrics:    m,
			})
			if got := s.Sample(context.Background()); got != Sentinel {
				t.Fatalf("rate = %d, want Sentinel", got)
			}
			if m.failures[tt.wantReason] != 1 {
				t.Fatalf("failures = %v, want %s=1", m.failures, tt.wantReason)
			}
		})
	}
}

func TestSample_MissingUptime(t *testing.T) {
	f := newFixture(t, "", "100\n", "")
	m := &fakeMetrics{}
	s := NewSampler(&Options{
		Sources:    Sources{TxPath: f.tx},
		UptimePath: filepath.Join(f.dir, "nope"),
		Metrics:    m,
	})
	if got := s.Sample(context.Background()); got != Sentinel {
		t.Fatalf("rate = %d, want Sentinel", got)
	}
	if m.failures["uptime_read"] != 1 {
		t.Fatalf("failures = %v", m.failures)
	}
}

func TestSample_NoSources(t *testing.T) {
	m := &fakeMetrics{}
	s := NewSampler(&Options{Metrics: m})
	if got := s.Sample(context.Background()); got != Sentinel {
		t.Fatalf("rate = %d, want Sentinel", got)
	}
	if m.failures["counters_config"] != 1 {
		t.Fatalf("failures = %v", m.failures)
	}
}

func TestSample_RecoversAfterTransientFailure(t *testing.T) {
	f := newFixture(t, "", "500\n", "5.00 1.00\n")
	calls := 0
	s := NewSampler(&Options{
		Sources:    Sources{TxPath: f.tx},
		UptimePath: f.uptime,
		ReadFile: func(name string) ([]byte, error) {
			calls++
			if calls == 1 {
				return nil, fs.ErrNotExist
			}
			return os.ReadFile(name)
		},
	})

	if got := s.Sample(context.Background()); got != Sentinel {
		t.Fatalf("first sample = %d, want Sentinel", got)
	}
	if got := s.Sample(context.Background()); got != 100 {
		t.Fatalf("second sample = %d, want 100", got)
	}
}

func TestSample_SumSaturates(t *testing.T) {
	maxStr := strconv.FormatUint(math.MaxUint64, 10)
	f := newFixture(t, maxStr+"\n", "10\n", "1.00 0.00\n")
	s := NewSampler(&Options{Sources: Sources{RxPath: f.rx, TxPath: f.tx}, UptimePath: f.uptime})

	if got := s.Sample(context.Background()); got != math.MaxUint64 {
		t.Fatalf("rate = %d, want saturation at MaxUint64", got)
	}
}

// Measure

func TestMeasure_ReportsParts(t *testing.T) {
	f := newFixture(t, "70\n", "30\n", "4.50 0.00\n")
	s := NewSampler(&Options{Sources: Sources{RxPath: f.rx, TxPath: f.tx}, UptimePath: f.uptime})

	m, err := s.Measure(context.Background())
	if err != nil {
		t.Fatalf("Measure: %v", err)
	}
	if m.Bytes != 100 || m.UptimeSeconds != 4 || m.Rate != 25 {
		t.Fatalf("measurement = %+v", m)
	}
}

func TestMeasure_ErrorIsSourceError(t *testing.T) {
	f := newFixture(t, "x\n", "", "4.50 0.00\n")
	s := NewSampler(&Options{Sources: Sources{RxPath: f.rx}, UptimePath: f.uptime})

	_, err := s.Measure(context.Background())
	var se *SourceError
	if !errors.As(err, &se) {
		t.Fatalf("err = %T, want *SourceError", err)
	}
	if se.Source != "rx" || se.Op != "parse" || se.Path != f.rx {
		t.Fatalf("SourceError = %+v", se)
	}
}

// parsing

func TestParseCounter(t *testing.T) {
	tests := []struct {
		in      string
		want    uint64
		wantErr bool
	}{
		{"0", 0, false},
		{"123\n", 123, false},
		{"123 \t\r\n", 123, false},
		{"18446744073709551615\n", math.MaxUint64, false},
		{"18446744073709551616\n", 0, true},
		{" 12", 0, true},
		{"1e3", 0, true},
		{"", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseCounter([]byte(tt.in))
		if (err != nil) != tt.wantErr {
			t.Fatalf("ParseCounter(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Fatalf("ParseCounter(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestParseUptime(t *testing.T) {
	tests := []struct {
		in      string
		want    uint64
		wantErr bool
	}{
		{"350735.47 234388.90\n", 350735, false},
		{"0.01 0.00\n", 0, false},
		{"12.5", 12, false},
		{"12 5\n", 0, true},
		{".5 1.0", 0, true},
		{"-1.00 1.00", 0, true},
		{"   ", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseUptime([]byte(tt.in))
		if (err != nil) != tt.wantErr {
			t.Fatalf("ParseUptime(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Fatalf("ParseUptime(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

// InterfaceSources

func TestInterfaceSources(t *testing.T) {
	s := InterfaceSources("", "eth0", true, false)
	if s.RxPath != "/sys/class/net/eth0/statistics/rx_bytes" || s.TxPath != "" {
		t.Fatalf("sources = %+v", s)
	}

	s = InterfaceSources("/host/sys", "wg0", true, true)
	if s.TxPath != "/host/sys/class/net/wg0/statistics/tx_bytes" {
		t.Fatalf("tx path = %q", s.TxPath)
	}
	if InterfaceSources("/sys", "eth0", false, false).Empty() != true {
		t.Fatal("no directions should yield empty sources")
	}
}

// properties

func TestCompute_FloorProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		b := rapid.Uint64().Draw(t, "bytes")
		u := rapid.Uint64Min(1).Draw(t, "uptime")

		got := Compute(b, u)
		if got != b/u {
			t.Fatalf("Compute(%d, %d) = %d, want %d", b, u, got, b/u)
		}
		// floor: got*u <= b < (got+1)*u, checked without overflow
		if got > b/u || b-got*u >= u {
			t.Fatalf("Compute(%d, %d) = %d is not the floor", b, u, got)
		}
	})
}

func TestCompute_ZeroUptimeDeterministic(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		b := rapid.Uint64().Draw(t, "bytes")
		if Compute(b, 0) != b || Compute(b, 0) != Compute(b, 1) {
			t.Fatalf("Compute(%d, 0) should equal the raw byte count", b)
		}
	})
}

func TestSample_FileRoundTripProperty(t *testing.T) {
	dir := t.TempDir()
	rapid.Check(t, func(rt *rapid.T) {
		b := rapid.Uint64().Draw(rt, "bytes")
		u := rapid.Uint64Range(1, math.MaxUint32).Draw(rt, "uptime")

		tx := filepath.Join(dir, "tx")
		up := filepath.Join(dir, "uptime")
		if err := os.WriteFile(tx, []byte(strconv.FormatUint(b, 10)+"\n"), 0o644); err != nil {
			rt.Fatalf("write: %v", err)
		}
		if err := os.WriteFile(up, []byte(strconv.FormatUint(u, 10)+".99 0.00\n"), 0o644); err != nil {
			rt.Fatalf("write: %v", err)
		}

		s := NewSampler(&Options{Sources: Sources{TxPath: tx}, UptimePath: up})
		if got := s.Sample(context.Background()); got != b/u {
			rt.Fatalf("Sample = %d, want %d", got, b/u)
		}
	})
}
