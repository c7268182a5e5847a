package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-units"
	"gopkg.in/yaml.v3"

	"github.com/keithlinneman/txkillswitch/internal/governor"
	"github.com/keithlinneman/txkillswitch/internal/log"
	"github.com/keithlinneman/txkillswitch/internal/rate"
	"github.com/keithlinneman/txkillswitch/internal/service"
)

const EnvPrefix = "TXKS_"

type App struct {
	ConfigFile string

	Interface     string
	RateLimit     string
	CheckInterval int
	ReportEvery   int
	EnsureEvery   int
	RX            bool
	TX            bool
	RXPath        string
	TXPath        string
	SysfsRoot     string
	UptimePath    string

	Service  string
	Sudo     bool
	StartCmd string
	StopCmd  string

	AdminAddr   string
	EnablePprof bool

	LogJSON           bool
	LogLevel          string
	StacktraceLevel   string
	IncludeErrorLinks bool
	MaxErrorLinks     int

	EnableTracing bool
	OTLPEndpoint  string
	TraceSample   float64

	EnablePyroscope bool
	PyroServer      string
	PyroTenantID    string
}

// Aliases maps each short flag to the long flag it shares a value with.
var Aliases = map[string]string{
	"i": "interface",
	"l": "rate-limit",
	"c": "check-interval",
	"r": "report-every",
	"e": "ensure-every",
	"s": "service",
}

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *flag.FlagSet, c *App) {
	fs.StringVar(&c.ConfigFile, "config", "", "optional YAML file keyed by long flag name")

	fs.StringVar(&c.Interface, "interface", "", "network interface to monitor")
	fs.StringVar(&c.RateLimit, "rate-limit", "", "average bytes/s above which the service is stopped (e.g. 125000 or 10MB)")
	fs.IntVar(&c.CheckInterval, "check-interval", 60, "seconds between samples (>=1)")
	fs.IntVar(&c.ReportEvery, "report-every", 10, "ticks between \"Current rate\" lines")
	fs.IntVar(&c.EnsureEvery, "ensure-every", 5, "ticks of unchanged state before the service command is re-run")
	fs.BoolVar(&c.RX, "rx", false, "count received bytes")
	fs.BoolVar(&c.TX, "tx", false, "count transmitted bytes")
	fs.StringVar(&c.RXPath, "rx-path", "", "explicit rx byte counter file (implies -rx)")
	fs.StringVar(&c.TXPath, "tx-path", "", "explicit tx byte counter file (implies -tx)")
	fs.StringVar(&c.SysfsRoot, "sysfs-root", rate.DefaultSysfsRoot, "sysfs mount point")
	fs.StringVar(&c.UptimePath, "uptime-path", rate.DefaultUptimePath, "uptime file")

	fs.StringVar(&c.Service, "service", "", "systemd unit to stop when breaching and start when compliant")
	fs.BoolVar(&c.Sudo, "sudo", false, "run systemctl through sudo")
	fs.StringVar(&c.StartCmd, "start-cmd", "", "command line run when compliant (overrides -service)")
	fs.StringVar(&c.StopCmd, "stop-cmd", "", "command line run when breaching (overrides -service)")

	fs.StringVar(&c.AdminAddr, "admin-addr", "127.0.0.1:9000", "ops listener host:port, empty disables it")
	fs.BoolVar(&c.EnablePprof, "enable-pprof", false, "serve pprof on the ops listener")

	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.BoolVar(&c.IncludeErrorLinks, "include-error-links", true, "Include error links in log messages")
	fs.IntVar(&c.MaxErrorLinks, "max-error-links", 5, "max error chain depth (1..64)")

	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")

	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")

	for short, long := range Aliases {
		f := fs.Lookup(long)
		fs.Var(f.Value, short, "alias for -"+long)
	}
}

// explicit returns the long names of flags given on the command line.
func explicit(fs *flag.FlagSet) map[string]bool {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[longName(f.Name)] = true })
	return set
}

func longName(name string) string {
	if long, ok := Aliases[name]; ok {
		return long
	}
	return name
}

func envKey(prefix, name string) string {
	return prefix + strings.ReplaceAll(strings.ToUpper(name), "-", "_")
}

// FillFromEnv sets any flag not explicitly passed on the CLI from
// environment variables. Flag "foo-bar" maps to PREFIX_FOO_BAR.
// Precedence: cli flag > env var > default. Values that do not parse are
// returned joined, naming the variable.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) error {
	cli := explicit(fs)

	var errs []error
	fs.VisitAll(func(f *flag.Flag) {
		if _, alias := Aliases[f.Name]; alias {
			return
		}
		key := envKey(prefix, f.Name)
		envVal, envSet := os.LookupEnv(key)
		if !envSet {
			return
		}
		if cli[f.Name] {
			if logf != nil {
				logf("flag -%s: cli value %q overrides env %s=%q", f.Name, f.Value.String(), key, envVal)
			}
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, envVal); err != nil {
			_ = fs.Set(f.Name, prev)
			errs = append(errs, fmt.Errorf("invalid %s=%q: %w", key, envVal, err))
		}
	})
	return errors.Join(errs...)
}

// FillFromFile applies a YAML mapping of long flag names to scalar values,
// skipping flags already set on the CLI or in the environment. Unknown keys
// and invalid values are errors.
func FillFromFile(fs *flag.FlagSet, path, envPrefix string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	cli := explicit(fs)
	keys := make([]string, 0, len(doc))
	for k := range doc {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var errs []error
	for _, name := range keys {
		if _, alias := Aliases[name]; alias || name == "config" || fs.Lookup(name) == nil {
			errs = append(errs, fmt.Errorf("config file %s: unknown option %q", path, name))
			continue
		}
		if cli[name] {
			continue
		}
		if _, ok := os.LookupEnv(envKey(envPrefix, name)); ok {
			continue
		}
		val, err := scalar(doc[name])
		if err != nil {
			errs = append(errs, fmt.Errorf("config file %s: option %q: %w", path, name, err))
			continue
		}
		if err := fs.Set(name, val); err != nil {
			errs = append(errs, fmt.Errorf("config file %s: option %q: %w", path, name, err))
		}
	}
	return errors.Join(errs...)
}

func scalar(v any) (string, error) {
	switch t := v.(type) {
	case nil:
		return "", nil
	case string:
		return t, nil
	case bool, int, int64, uint64, float64:
		return fmt.Sprint(t), nil
	default:
		return "", fmt.Errorf("expected a scalar value, got %T", v)
	}
}

// ParseRateLimit accepts a plain byte count or a decimal human size like "10MB".
func ParseRateLimit(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty rate limit")
	}
	if n, err := strconv.ParseUint(s, 10, 64); err == nil {
		return n, nil
	}
	n, err := units.FromHumanSize(s)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("negative rate limit %q", s)
	}
	return uint64(n), nil
}

// Validate checks that config values are within expected ranges and formats.
// Returns an error describing all invalid fields, or nil if all valid.
func Validate(c App) error {
	var errs []error

	// Sampling
	if c.RateLimit == "" {
		errs = append(errs, errors.New("RATE_LIMIT is required (-rate-limit / -l)"))
	} else if _, err := ParseRateLimit(c.RateLimit); err != nil {
		errs = append(errs, fmt.Errorf("invalid RATE_LIMIT %q: %w", c.RateLimit, err))
	}
	if c.CheckInterval < 1 {
		errs = append(errs, fmt.Errorf("invalid CHECK_INTERVAL %d (must be >= 1)", c.CheckInterval))
	}
	if c.ReportEvery < 0 {
		errs = append(errs, fmt.Errorf("invalid REPORT_EVERY %d (must be >= 0)", c.ReportEvery))
	}
	if c.EnsureEvery < 0 {
		errs = append(errs, fmt.Errorf("invalid ENSURE_EVERY %d (must be >= 0)", c.EnsureEvery))
	}

	// Counters
	rx := c.RX || c.RXPath != ""
	tx := c.TX || c.TXPath != ""
	if !rx && !tx {
		errs = append(errs, errors.New("at least one of RX or TX must be counted (-rx, -tx)"))
	}
	if c.NeedsInterface() {
		if c.Interface == "" {
			errs = append(errs, errors.New("INTERFACE is required unless every counted direction has an explicit path"))
		} else if strings.ContainsAny(c.Interface, "/\x00") || c.Interface == "." || c.Interface == ".." {
			errs = append(errs, fmt.Errorf("invalid INTERFACE %q", c.Interface))
		}
	}
	if c.UptimePath == "" {
		errs = append(errs, errors.New("UPTIME_PATH must not be empty"))
	}

	// Controller
	switch {
	case (c.StartCmd == "") != (c.StopCmd == ""):
		errs = append(errs, errors.New("START_CMD and STOP_CMD must be set together"))
	case c.StartCmd != "":
		for name, line := range map[string]string{"START_CMD": c.StartCmd, "STOP_CMD": c.StopCmd} {
			if _, err := service.ParseCommand(line); err != nil {
				errs = append(errs, fmt.Errorf("invalid %s %q: %w", name, line, err))
			}
		}
	case c.Service == "":
		errs = append(errs, errors.New("SERVICE is required unless START_CMD and STOP_CMD are set"))
	default:
		if _, _, err := service.SystemdCommands(c.Service, c.Sudo); err != nil {
			errs = append(errs, fmt.Errorf("invalid SERVICE %q: %w", c.Service, err))
		}
	}

	// Ops listener
	if c.AdminAddr != "" {
		if _, _, err := net.SplitHostPort(c.AdminAddr); err != nil {
			errs = append(errs, fmt.Errorf("ADMIN_ADDR must be host:port (got %q): %v", c.AdminAddr, err))
		}
	}

	// Log levels
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err))
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			errs = append(errs, fmt.Errorf("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err))
		}
	}

	// Tracing sample
	if c.TraceSample < 0 || c.TraceSample > 1 {
		errs = append(errs, fmt.Errorf("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample))
	}

	// Pyroscope (URL and scheme)
	if c.EnablePyroscope {
		if c.PyroServer == "" {
			errs = append(errs, errors.New("PYRO_SERVER required when ENABLE_PYROSCOPE=true"))
		} else if u, err := url.Parse(c.PyroServer); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER must be a URL (got %q)", c.PyroServer))
		}
	}

	// OTLP tracing (grpc exporter wants host:port, no scheme)
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			errs = append(errs, errors.New("OTLP_ENDPOINT required when ENABLE_TRACING=true"))
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err))
		}
	}

	// Error link limits
	if c.IncludeErrorLinks {
		if c.MaxErrorLinks < 1 || c.MaxErrorLinks > 64 {
			errs = append(errs, fmt.Errorf("MAX_ERROR_LINKS must be 1..64 (got %d)", c.MaxErrorLinks))
		}
	}

	return errors.Join(errs...)
}

// NeedsInterface reports whether a counted direction has no explicit path
// and must be read from the interface's sysfs statistics.
func (c App) NeedsInterface() bool {
	return (c.RX && c.RXPath == "") || (c.TX && c.TXPath == "")
}

// Settings is the immutable runtime form of a validated App.
type Settings struct {
	Interface  string
	SysfsRoot  string
	Sources    rate.Sources
	UptimePath string

	Governor      governor.Config
	CheckInterval time.Duration

	Start service.Command
	Stop  service.Command
	// Unit is empty when explicit command lines are used
	Unit string

	AdminAddr string
}

// Resolve converts a validated App into Settings and checks that every
// source file can be opened.
func Resolve(c App) (Settings, error) {
	limit, err := ParseRateLimit(c.RateLimit)
	if err != nil {
		return Settings{}, fmt.Errorf("invalid RATE_LIMIT %q: %w", c.RateLimit, err)
	}
	s := Settings{
		Interface:  c.Interface,
		SysfsRoot:  c.SysfsRoot,
		UptimePath: c.UptimePath,
		Governor: governor.Config{
			RateLimit:      limit,
			ReportInterval: nonNegative(c.ReportEvery),
			EnsureInterval: nonNegative(c.EnsureEvery),
		},
		CheckInterval: time.Duration(c.CheckInterval) * time.Second,
		AdminAddr:     c.AdminAddr,
	}
	if s.SysfsRoot == "" {
		s.SysfsRoot = rate.DefaultSysfsRoot
	}

	derived := rate.InterfaceSources(s.SysfsRoot, c.Interface, c.RX, c.TX)
	s.Sources = rate.Sources{RxPath: firstNonEmpty(c.RXPath, derived.RxPath), TxPath: firstNonEmpty(c.TXPath, derived.TxPath)}

	if c.StartCmd != "" {
		if s.Start, err = service.ParseCommand(c.StartCmd); err != nil {
			return Settings{}, fmt.Errorf("invalid START_CMD: %w", err)
		}
		if s.Stop, err = service.ParseCommand(c.StopCmd); err != nil {
			return Settings{}, fmt.Errorf("invalid STOP_CMD: %w", err)
		}
	} else {
		if s.Start, s.Stop, err = service.SystemdCommands(c.Service, c.Sudo); err != nil {
			return Settings{}, fmt.Errorf("invalid SERVICE: %w", err)
		}
		s.Unit = c.Service
	}

	var errs []error
	for _, p := range []string{s.Sources.RxPath, s.Sources.TxPath, s.UptimePath} {
		if p == "" {
			continue
		}
		if err := readable(p); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return Settings{}, err
	}
	return s, nil
}

func readable(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("source not readable: %w", err)
	}
	return f.Close()
}

func nonNegative(n int) uint64 {
	if n < 0 {
		return 0
	}
	return uint64(n)
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
