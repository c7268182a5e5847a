package service

import (
	"fmt"
	"strings"
)

// CommandError is returned by a controller whose command could not be
// started or exited non-zero. ExitCode is -1 when the process never ran.
type CommandError struct {
	Cmdline  string
	ExitCode int
	Stdout   string
	Stderr   string
	Err      error
}

func (e *CommandError) Error() string {
	if e.ExitCode < 0 {
		return fmt.Sprintf("failed to execute command %q: %v", e.Cmdline, e.Err)
	}
	msg := fmt.Sprintf("command %q failed: exit status %d", e.Cmdline, e.ExitCode)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + firstLine(s)
	}
	return msg
}

func (e *CommandError) Unwrap() error { return e.Err }

// Spawned reports whether the process started at all.
func (e *CommandError) Spawned() bool { return e.ExitCode >= 0 }

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
