package service

import (
	"context"
	"errors"
	"os/exec"
	"reflect"
	"strings"
	"testing"
)

func TestParseCommand(t *testing.T) {
	c, err := ParseCommand("  sudo   systemctl stop\tnginx \n")
	if err != nil {
		t.Fatalf("ParseCommand: %v", err)
	}
	if c.Path != "sudo" || !reflect.DeepEqual(c.Args, []string{"systemctl", "stop", "nginx"}) {
		t.Fatalf("command = %+v", c)
	}
	if c.Line != "sudo systemctl stop nginx" {
		t.Fatalf("line = %q", c.Line)
	}

	if _, err := ParseCommand(" \t\n"); err == nil {
		t.Fatal("whitespace-only command should fail")
	}
}

func TestNewSystemd_Commands(t *testing.T) {
	tests := []struct {
		sudo      bool
		wantStart string
		wantStop  string
	}{
		{false, "systemctl start transmission", "systemctl stop transmission"},
		{true, "sudo systemctl start transmission", "sudo systemctl stop transmission"},
	}
	for _, tt := range tests {
		c, err := NewSystemd("transmission", tt.sudo, nil)
		if err != nil {
			t.Fatalf("NewSystemd: %v", err)
		}
		if got := c.CommandFor(false).Line; got != tt.wantStart {
			t.Fatalf("compliant command = %q, want %q", got, tt.wantStart)
		}
		if got := c.CommandFor(true).Line; got != tt.wantStop {
			t.Fatalf("breaching command = %q, want %q", got, tt.wantStop)
		}
	}

	if _, err := NewSystemd("", false, nil); err == nil {
		t.Fatal("empty unit should fail")
	}
	if _, _, err := SystemdCommands("two words", false); err == nil {
		t.Fatal("unit with whitespace should fail")
	}
}

func TestNewCommandController_RequiresBoth(t *testing.T) {
	start, _ := ParseCommand("true")
	if _, err := NewCommandController(&Options{Start: start}); err == nil {
		t.Fatal("missing stop command should fail")
	}
}

func TestAction(t *testing.T) {
	if Action(true) != "stop" || Action(false) != "start" {
		t.Fatal("breaching maps to stop, compliant to start")
	}
}

// fakeService is a unit whose state only changes through its commands
type fakeService struct {
	running bool
	calls   []string
}

func (f *fakeService) run(_ context.Context, cmd Command) (Result, error) {
	f.calls = append(f.calls, cmd.Line)
	switch cmd.Args[len(cmd.Args)-2] {
	case "start":
		f.running = true
	case "stop":
		f.running = false
	}
	return Result{}, nil
}

func TestApply_Idempotent(t *testing.T) {
	svc := &fakeService{running: true}
	c, err := NewSystemd("unit", false, &Options{Run: svc.run})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := c.Apply(ctx, true); err != nil {
			t.Fatalf("Apply(breaching) #%d: %v", i, err)
		}
	}
	if svc.running {
		t.Fatal("service should be stopped after breaching")
	}
	for i := 0; i < 2; i++ {
		if err := c.Apply(ctx, false); err != nil {
			t.Fatalf("Apply(compliant) #%d: %v", i, err)
		}
	}
	if !svc.running {
		t.Fatal("service should be running after compliant")
	}
	if len(svc.calls) != 4 {
		t.Fatalf("calls = %v", svc.calls)
	}
}

func TestApply_NonZeroExit(t *testing.T) {
	run := func(context.Context, Command) (Result, error) {
		return Result{ExitCode: 5, Stdout: []byte("out\n"), Stderr: []byte("Unit nope.service not found.\nmore\n")}, nil
	}
	c, _ := NewSystemd("nope", true, &Options{Run: run})

	err := c.Apply(context.Background(), true)
	var ce *CommandError
	if !errors.As(err, &ce) {
		t.Fatalf("err = %T, want *CommandError", err)
	}
	if ce.Cmdline != "sudo systemctl stop nope" || ce.ExitCode != 5 || !ce.Spawned() {
		t.Fatalf("CommandError = %+v", ce)
	}
	if ce.Stdout != "out\n" {
		t.Fatalf("stdout = %q", ce.Stdout)
	}
	if !strings.HasSuffix(err.Error(), "exit status 5: Unit nope.service not found.") {
		t.Fatalf("message = %q", err.Error())
	}
}

func TestApply_SpawnFailure(t *testing.T) {
	boom := errors.New("exec: not found")
	run := func(context.Context, Command) (Result, error) { return Result{}, boom }
	c, _ := NewSystemd("x", false, &Options{Run: run})

	err := c.Apply(context.Background(), false)
	var ce *CommandError
	if !errors.As(err, &ce) || ce.Spawned() {
		t.Fatalf("err = %v, want unspawned CommandError", err)
	}
	if !errors.Is(err, boom) {
		t.Fatal("CommandError should unwrap to the spawn error")
	}
	if !strings.HasPrefix(err.Error(), `failed to execute command "systemctl start x"`) {
		t.Fatalf("message = %q", err.Error())
	}
}

func requireBinary(t *testing.T, name string) {
	t.Helper()
	if _, err := exec.LookPath(name); err != nil {
		t.Skipf("%s not in PATH", name)
	}
}

func TestExecRun_RealProcesses(t *testing.T) {
	requireBinary(t, "true")
	requireBinary(t, "false")

	ok, _ := ParseCommand("true")
	fail, _ := ParseCommand("false")
	c, err := NewCommandController(&Options{Start: ok, Stop: fail})
	if err != nil {
		t.Fatal(err)
	}

	if err := c.Apply(context.Background(), false); err != nil {
		t.Fatalf("true: %v", err)
	}
	err = c.Apply(context.Background(), true)
	var ce *CommandError
	if !errors.As(err, &ce) || ce.ExitCode != 1 {
		t.Fatalf("false: err = %v", err)
	}
}

func TestExecRun_CapturesOutput(t *testing.T) {
	requireBinary(t, "sh")

	cmd := Command{Line: "sh -c ...", Path: "sh", Args: []string{"-c", "echo hi; echo oops >&2; exit 3"}}
	res, err := ExecRun(context.Background(), cmd)
	if err != nil {
		t.Fatalf("ExecRun: %v", err)
	}
	if res.ExitCode != 3 || string(res.Stdout) != "hi\n" || string(res.Stderr) != "oops\n" {
		t.Fatalf("result = %+v", res)
	}
}

func TestExecRun_MissingBinary(t *testing.T) {
	cmd, _ := ParseCommand("/nonexistent/txks-binary arg")
	if _, err := ExecRun(context.Background(), cmd); err == nil {
		t.Fatal("expected spawn error")
	}
}
