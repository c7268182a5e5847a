package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/keithlinneman/txkillswitch/internal/cfg"
	"github.com/keithlinneman/txkillswitch/internal/governor"
	"github.com/keithlinneman/txkillswitch/internal/health"
	"github.com/keithlinneman/txkillswitch/internal/log"
	"github.com/keithlinneman/txkillswitch/internal/metrics"
	"github.com/keithlinneman/txkillswitch/internal/netif"
	"github.com/keithlinneman/txkillswitch/internal/opshttp"
	"github.com/keithlinneman/txkillswitch/internal/otelx"
	"github.com/keithlinneman/txkillswitch/internal/prof"
	"github.com/keithlinneman/txkillswitch/internal/rate"
	"github.com/keithlinneman/txkillswitch/internal/ratelimit"
	"github.com/keithlinneman/txkillswitch/internal/service"
	v "github.com/keithlinneman/txkillswitch/internal/version"
)

const (
	exitOK         = 0
	exitValidation = 1
	exitUsage      = 2
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run returns once ctx is cancelled or startup fails. stdout carries only
// the rate lines, everything else goes to stderr.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	vi := v.Get()

	var conf cfg.App
	var showVersion bool

	// Parse config from flags, env and the optional file
	fs := flag.NewFlagSet(v.AppName, flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfg.Register(fs, &conf)
	fs.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitUsage
	}
	if fs.NArg() > 0 {
		fmt.Fprintf(stderr, "unexpected arguments: %v\n", fs.Args())
		fs.Usage()
		return exitUsage
	}

	if showVersion {
		fmt.Fprintln(stdout, vi.String())
		return exitOK
	}

	logf := func(format string, args ...any) {
		fmt.Fprintf(stderr, format+"\n", args...)
	}
	if err := cfg.FillFromEnv(fs, cfg.EnvPrefix, logf); err != nil {
		fmt.Fprintln(stderr, "config error:", err)
		fs.Usage()
		return exitValidation
	}
	if conf.ConfigFile != "" {
		if err := cfg.FillFromFile(fs, conf.ConfigFile, cfg.EnvPrefix); err != nil {
			fmt.Fprintln(stderr, "config error:", err)
			return exitValidation
		}
	}

	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(stderr, "config error:", err)
		fs.Usage()
		return exitValidation
	}

	// Setup logging, stdout is reserved for the rate lines
	lvl, _ := log.ParseLevel(conf.LogLevel)
	var stackLvl slog.Leveler
	if conf.StacktraceLevel != "" {
		l, _ := log.ParseLevel(conf.StacktraceLevel)
		stackLvl = l
	}
	instanceID := uuid.NewString()
	L, err := log.New(&log.Options{
		App:               v.AppName,
		Version:           vi.Version,
		InstanceID:        instanceID,
		Level:             lvl,
		StacktraceLevel:   stackLvl,
		JSONFormat:        conf.LogJSON,
		MaxErrorLinks:     conf.MaxErrorLinks,
		IncludeErrorLinks: conf.IncludeErrorLinks,
		Writer:            stderr,
	})
	if err != nil {
		fmt.Fprintln(stderr, "logger init error:", err)
		return exitValidation
	}
	defer L.Sync()
	ctx = log.WithContext(ctx, L)

	// the interface only matters when a counter path is derived from it
	if conf.Interface != "" {
		info, err := netif.Lookup(conf.SysfsRoot, conf.Interface)
		switch {
		case err != nil && conf.NeedsInterface():
			L.Error(ctx, err, "interface lookup failed", "sysfs_root", conf.SysfsRoot)
			return exitValidation
		case err != nil:
			L.Warn(ctx, "interface lookup failed, counters come from explicit paths",
				"interface", conf.Interface,
				"sysfs_root", conf.SysfsRoot,
				"err", err.Error(),
			)
		default:
			logInterface(ctx, L, info)
		}
	}

	settings, err := cfg.Resolve(conf)
	if err != nil {
		L.Error(ctx, err, "config resolve failed")
		return exitValidation
	}

	L.Info(ctx, "initializing application",
		"commit", vi.Commit,
		"build_id", vi.BuildId,
		"go_version", vi.GoVersion,
		"rx_path", settings.Sources.RxPath,
		"tx_path", settings.Sources.TxPath,
		"uptime_path", settings.UptimePath,
		"rate_limit", settings.Governor.RateLimit,
		"check_interval", settings.CheckInterval.String(),
		"report_every", settings.Governor.ReportInterval,
		"ensure_every", settings.Governor.EnsureInterval,
		"start_cmd", settings.Start.Line,
		"stop_cmd", settings.Stop.Line,
		"admin_addr", settings.AdminAddr,
		"enable_pprof", conf.EnablePprof,
		"enable_tracing", conf.EnableTracing,
		"enable_pyroscope", conf.EnablePyroscope,
	)

	m := metrics.New()
	m.SetBuildInfoFromVersion(&vi)
	m.SetRateLimit(settings.Governor.RateLimit)

	// Setup pyroscope profiling
	stopProf, err := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       v.AppName,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags: map[string]string{
			"app":         v.AppName,
			"version":     vi.Version,
			"commit":      vi.Commit,
			"instance_id": instanceID,
			"source":      "go-agent",
		},
		OnActive: m.SetProfilingActive,
	})
	if err != nil {
		L.Error(ctx, err, "pyroscope start failed", "pyro_server", conf.PyroServer)
	}
	defer stopProf()

	// Setup otel for tracing
	// Insecure is true because we are only writing to a collector on localhost
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:    conf.EnableTracing,
		Endpoint:   conf.OTLPEndpoint,
		Insecure:   true,
		Sample:     conf.TraceSample,
		Service:    v.AppName,
		Version:    vi.Version,
		InstanceID: instanceID,
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed")
		shutdownOTEL = func(context.Context) error { return nil }
	}

	ctrl, err := service.NewCommandController(&service.Options{
		Start:  settings.Start,
		Stop:   settings.Stop,
		Logger: L.With("component", "service"),
	})
	if err != nil {
		L.Error(ctx, err, "service controller setup failed")
		return exitValidation
	}

	gov, err := governor.New(&governor.Options{
		Config:     settings.Governor,
		Controller: ctrl,
		Out:        stdout,
		Logger:     L.With("component", "governor"),
		Metrics:    m,
	})
	if err != nil {
		L.Error(ctx, err, "governor setup failed")
		return exitValidation
	}

	sampler := rate.NewSampler(&rate.Options{
		Sources:    settings.Sources,
		UptimePath: settings.UptimePath,
		Logger:     L.With("component", "rate"),
		Metrics:    m,
	})

	// setup toggle for shutdown, readiness needs the first tick and an open gate
	var gate health.ShutdownGate
	readiness := health.All(gate.Probe(), health.Started(gov.LastTick))
	liveness := health.Fresh(gov.LastTick, health.StaleAfter(settings.CheckInterval), clock.New())

	opsStop := func(context.Context) error { return nil }
	if settings.AdminAddr != "" {
		limiter := ratelimit.New(ctx,
			ratelimit.WithOnDenied(func(string) {
				m.IncRateLimitDenied()
			}),
			// only log the first time an ip is denied each time it is cleaned from the bucket
			ratelimit.WithOnFirstDenied(func(ip string) {
				L.Warn(ctx, "ops rate limit triggered", "ip", ip)
			}),
			ratelimit.WithOnCapacity(func() {
				L.Warn(ctx, "ops rate limit capacity reached, rejecting new clients until some are evicted")
			}),
		)

		// the ops listener is read only and rejects public peers in middleware
		opsStop, err = opshttp.Start(ctx, L.With("component", "ops"), &opshttp.Options{
			Addr:        settings.AdminAddr,
			Metrics:     m.Handler(),
			HTTPMetrics: m.Middleware,
			EnablePprof: conf.EnablePprof,
			Health:      liveness,
			Readiness:   readiness,
			Status:      func() any { return gov.Status() },
			Limiter:     limiter,
		})
		if err != nil {
			L.Error(ctx, err, "failed to start ops http listener")
			return exitValidation
		}
	}

	runner := governor.NewRunner(&governor.RunnerOptions{
		Sampler:  sampler,
		Governor: gov,
		Interval: settings.CheckInterval,
		Logger:   L.With("component", "runner"),
	})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = runner.Run(ctx)
	}()

	// notify systemd that we started successfully if started under systemd
	if err := notifySystemd("READY=1"); err != nil {
		L.Debug(ctx, "systemd readiness not sent", "reason", err.Error())
	}

	// wait for ctrl+c / sigterm
	<-ctx.Done()
	L.Info(context.Background(), "shutdown signal received")
	gate.Set("draining")
	_ = notifySystemd("STOPPING=1")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	select {
	case <-done:
	case <-shutdownCtx.Done():
		L.Warn(context.Background(), "governor did not stop before the shutdown deadline")
	}

	if err := opsStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "ops http server shutdown")
	}
	if err := shutdownOTEL(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "otel shutdown")
	}

	L.Info(context.Background(), "shutdown complete", "ticks", gov.Status().Ticks)
	return exitOK
}

func logInterface(ctx context.Context, L log.Logger, info *netif.Info) {
	L.Info(ctx, "monitoring interface",
		"interface", info.Name,
		"operstate", info.OperState,
		"address", info.Address,
		"mtu", info.MTU,
		"speed_mbps", info.SpeedMbps,
	)
	if !info.Up() {
		L.Warn(ctx, "interface is not up, counters may not move", "interface", info.Name, "operstate", info.OperState)
	}
}

func notifySystemd(state string) error {
	// systemd will set NOTIFY_SOCKET to a unix socket path if we were started under systemd with type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return errors.New("NOTIFY_SOCKET not set")
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	if _, err := conn.Write([]byte(state)); err != nil {
		_ = conn.Close()
		return fmt.Errorf("systemd notify failed: write failed: %w", err)
	}
	if err := conn.Close(); err != nil {
		return fmt.Errorf("systemd notify failed: close failed: %w", err)
	}
	return nil
}
