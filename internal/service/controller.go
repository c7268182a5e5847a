// Package service starts and stops the managed service.
//
// A Controller is told the target breach state, not an action: breaching
// means stop, compliant means start. Implementations must be idempotent
// because the governor re-asserts a stable state periodically.
package service

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
	"time"

	"github.com/keithlinneman/txkillswitch/internal/log"
	"github.com/keithlinneman/txkillswitch/internal/xerrors"
)

type Controller interface {
	Apply(ctx context.Context, breaching bool) error
}

// Action names the command a target state maps to.
func Action(breaching bool) string {
	if breaching {
		return "stop"
	}
	return "start"
}

// Result is what a finished process left behind.
type Result struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

// RunFunc executes cmd. err is non-nil only when the process could not be
// started or waited on; a non-zero exit is reported in Result.
type RunFunc func(ctx context.Context, cmd Command) (Result, error)

type Options struct {
	// Start runs when compliant, Stop when breaching
	Start Command
	Stop  Command

	Logger log.Logger
	// Run defaults to ExecRun
	Run RunFunc
}

// CommandController runs one of two command lines.
type CommandController struct {
	start  Command
	stop   Command
	logger log.Logger
	run    RunFunc
}

func NewCommandController(opts *Options) (*CommandController, error) {
	if opts.Start.Path == "" || opts.Stop.Path == "" {
		return nil, xerrors.New("both start and stop commands are required")
	}
	c := &CommandController{
		start:  opts.Start,
		stop:   opts.Stop,
		logger: opts.Logger,
		run:    opts.Run,
	}
	if c.logger == nil {
		c.logger = log.Nop()
	}
	if c.run == nil {
		c.run = ExecRun
	}
	return c, nil
}

// SystemdCommands builds the systemctl start and stop lines for unit.
func SystemdCommands(unit string, sudo bool) (start, stop Command, err error) {
	if unit == "" {
		return Command{}, Command{}, xerrors.New("service name is empty")
	}
	if len(strings.Fields(unit)) != 1 {
		return Command{}, Command{}, xerrors.Newf("invalid service name %q", unit)
	}
	prefix := "systemctl"
	if sudo {
		prefix = "sudo systemctl"
	}
	if start, err = ParseCommand(prefix + " start " + unit); err != nil {
		return Command{}, Command{}, err
	}
	if stop, err = ParseCommand(prefix + " stop " + unit); err != nil {
		return Command{}, Command{}, err
	}
	return start, stop, nil
}

// NewSystemd controls unit with systemctl, optionally through sudo.
func NewSystemd(unit string, sudo bool, opts *Options) (*CommandController, error) {
	start, stop, err := SystemdCommands(unit, sudo)
	if err != nil {
		return nil, err
	}
	o := Options{}
	if opts != nil {
		o = *opts
	}
	o.Start, o.Stop = start, stop
	return NewCommandController(&o)
}

// CommandFor returns the command that Apply would run for the target state.
func (c *CommandController) CommandFor(breaching bool) Command {
	if breaching {
		return c.stop
	}
	return c.start
}

func (c *CommandController) Apply(ctx context.Context, breaching bool) error {
	cmd := c.CommandFor(breaching)
	c.logger.Debug(ctx, "running service command", "action", Action(breaching), "cmdline", cmd.Line)

	res, err := c.run(ctx, cmd)
	if err != nil {
		return &CommandError{Cmdline: cmd.Line, ExitCode: -1, Err: err}
	}
	if res.ExitCode != 0 {
		return &CommandError{
			Cmdline:  cmd.Line,
			ExitCode: res.ExitCode,
			Stdout:   string(res.Stdout),
			Stderr:   string(res.Stderr),
			Err:      xerrors.Newf("exit status %d", res.ExitCode),
		}
	}
	return nil
}

// ExecRun runs cmd with os/exec, capturing both output streams.
func ExecRun(ctx context.Context, cmd Command) (Result, error) {
	var stdout, stderr bytes.Buffer
	ec := exec.CommandContext(ctx, cmd.Path, cmd.Args...)
	ec.Stdout = &stdout
	ec.Stderr = &stderr
	ec.WaitDelay = 5 * time.Second

	err := ec.Run()
	res := Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if err == nil {
		return res, nil
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		res.ExitCode = ee.ExitCode()
		if res.ExitCode < 0 {
			// killed by a signal, usually ctx cancellation
			return res, xerrors.Wrapf(err, "run %s", cmd.Path)
		}
		return res, nil
	}
	return res, xerrors.Wrapf(err, "start %s", cmd.Path)
}
