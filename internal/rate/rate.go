// Package rate turns the kernel's cumulative interface byte counters into an
// average bytes/second figure since boot.
//
// Sample never fails. Any read or parse problem is logged and the sampler
// returns Sentinel, which every sane limit is below, so an unreadable counter
// is treated as a breach rather than as zero traffic.
package rate

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/keithlinneman/txkillswitch/internal/log"
	"github.com/keithlinneman/txkillswitch/internal/xerrors"
)

const (
	// Sentinel is returned when the rate cannot be measured.
	Sentinel uint64 = math.MaxUint64

	DefaultUptimePath = "/proc/uptime"
	DefaultSysfsRoot  = "/sys"
)

// Sources names the counter files to sum. At least one must be set.
type Sources struct {
	RxPath string
	TxPath string
}

func (s Sources) Empty() bool { return s.RxPath == "" && s.TxPath == "" }

// InterfaceSources derives the sysfs statistics paths for iface.
func InterfaceSources(sysfsRoot, iface string, rx, tx bool) Sources {
	if sysfsRoot == "" {
		sysfsRoot = DefaultSysfsRoot
	}
	dir := filepath.Join(sysfsRoot, "class", "net", iface, "statistics")
	var s Sources
	if rx {
		s.RxPath = filepath.Join(dir, "rx_bytes")
	}
	if tx {
		s.TxPath = filepath.Join(dir, "tx_bytes")
	}
	return s
}

// Metrics is implemented by the metrics package.
type Metrics interface {
	IncSampleFailure(reason string)
}

type Options struct {
	Sources    Sources
	UptimePath string
	Logger     log.Logger
	Metrics    Metrics

	// ReadFile defaults to os.ReadFile
	ReadFile func(name string) ([]byte, error)
}

// Measurement is one successful reading.
type Measurement struct {
	Bytes         uint64
	UptimeSeconds uint64
	Rate          uint64
}

type Sampler struct {
	sources    Sources
	uptimePath string
	logger     log.Logger
	metrics    Metrics
	readFile   func(string) ([]byte, error)
}

func NewSampler(opts *Options) *Sampler {
	s := &Sampler{
		sources:    opts.Sources,
		uptimePath: opts.UptimePath,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		readFile:   opts.ReadFile,
	}
	if s.uptimePath == "" {
		s.uptimePath = DefaultUptimePath
	}
	if s.logger == nil {
		s.logger = log.Nop()
	}
	if s.readFile == nil {
		s.readFile = os.ReadFile
	}
	return s
}

// Sample returns the average rate since boot, or Sentinel if it cannot be measured.
func (s *Sampler) Sample(ctx context.Context) uint64 {
	m, err := s.Measure(ctx)
	if err != nil {
		reason := "unknown"
		var se *SourceError
		if xerrors.As(err, &se) {
			reason = se.Reason()
		}
		s.logger.Error(ctx, err, "rate sample failed, assuming breach",
			"reason", reason,
			"rate", Sentinel,
		)
		if s.metrics != nil {
			s.metrics.IncSampleFailure(reason)
		}
		return Sentinel
	}
	s.logger.Debug(ctx, "rate sampled",
		"bytes", m.Bytes,
		"uptime_seconds", m.UptimeSeconds,
		"rate", m.Rate,
	)
	return m.Rate
}

// Measure reads every configured source once. Errors are *SourceError.
func (s *Sampler) Measure(ctx context.Context) (Measurement, error) {
	if s.sources.Empty() {
		return Measurement{}, &SourceError{Source: "counters", Op: "config", Err: xerrors.New("no counter sources configured")}
	}

	var total uint64
	for _, src := range []struct{ name, path string }{
		{"rx", s.sources.RxPath},
		{"tx", s.sources.TxPath},
	} {
		if src.path == "" {
			continue
		}
		n, err := s.readCounter(src.name, src.path)
		if err != nil {
			return Measurement{}, err
		}
		total = addSaturating(total, n)
	}

	raw, err := s.readFile(s.uptimePath)
	if err != nil {
		return Measurement{}, &SourceError{Source: "uptime", Path: s.uptimePath, Op: "read", Err: err}
	}
	up, err := ParseUptime(raw)
	if err != nil {
		return Measurement{}, &SourceError{Source: "uptime", Path: s.uptimePath, Op: "parse", Err: err}
	}

	return Measurement{Bytes: total, UptimeSeconds: up, Rate: Compute(total, up)}, nil
}

func (s *Sampler) readCounter(name, path string) (uint64, error) {
	raw, err := s.readFile(path)
	if err != nil {
		return 0, &SourceError{Source: name, Path: path, Op: "read", Err: err}
	}
	n, err := ParseCounter(raw)
	if err != nil {
		return 0, &SourceError{Source: name, Path: path, Op: "parse", Err: err}
	}
	return n, nil
}

// Compute is floor(bytes/uptime). An uptime of zero counts as one second so
// the first second after boot yields the raw byte count instead of a division by zero.
func Compute(bytes, uptimeSeconds uint64) uint64 {
	if uptimeSeconds == 0 {
		return bytes
	}
	return bytes / uptimeSeconds
}

// ParseCounter parses a sysfs byte counter: a base-10 integer with optional trailing whitespace.
func ParseCounter(raw []byte) (uint64, error) {
	v := strings.TrimRight(string(raw), " \t\r\n")
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, xerrors.Wrapf(err, "invalid counter value %q", v)
	}
	return n, nil
}

// ParseUptime returns the whole seconds of /proc/uptime ("<secs>.<frac> <idle>").
func ParseUptime(raw []byte) (uint64, error) {
	fields := strings.Fields(string(raw))
	if len(fields) == 0 {
		return 0, xerrors.New("empty uptime")
	}
	whole, _, ok := strings.Cut(fields[0], ".")
	if !ok {
		return 0, xerrors.Newf("unexpected uptime format %q: missing fractional part", fields[0])
	}
	n, err := strconv.ParseUint(whole, 10, 64)
	if err != nil {
		return 0, xerrors.Wrapf(err, "invalid uptime seconds %q", whole)
	}
	return n, nil
}

func addSaturating(a, b uint64) uint64 {
	if a > math.MaxUint64-b {
		return math.MaxUint64
	}
	return a + b
}
