// Package exec wraps os/exec so that every external command the LTM shells
// out to (gce-xfstests, tar, xz) is logged uniformly and can be swapped out
// for a fake in tests via a context-installed Runner.
package exec

import (
	"bytes"
	"context"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/tytso/xfstests-bld/go/sklog"
)

// Command describes a single external process invocation.
type Command struct {
	Name string
	Args []string
	Env  []string
	Dir  string

	// InheritPath appends the parent process's PATH to Env.
	InheritPath bool
	// InheritEnv appends the rest of the parent process's environment to Env.
	InheritEnv bool

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

type contextKeyType string

const runnerContextKey contextKeyType = "exec.Runner"

// Runner executes a Command. The default runner shells out via os/exec;
// tests may install a fake with WithRunner.
type Runner interface {
	Run(ctx context.Context, cmd *Command) error
}

type osRunner struct{}

func (osRunner) Run(ctx context.Context, cmd *Command) error {
	c := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	c.Dir = cmd.Dir

	env := append([]string{}, cmd.Env...)
	if cmd.InheritPath {
		env = append(env, "PATH="+os.Getenv("PATH"))
	}
	if cmd.InheritEnv {
		env = append(env, os.Environ()...)
	}
	if len(env) > 0 {
		c.Env = env
	}

	c.Stdin = cmd.Stdin
	c.Stdout = squashWriters(cmd.Stdout)
	c.Stderr = squashWriters(cmd.Stderr)

	sklog.Infof("exec: %s %s", cmd.Name, strings.Join(cmd.Args, " "))
	return c.Run()
}

// squashWriters returns w, or io.Discard if w is nil, so callers never need
// a nil check before writing.
func squashWriters(w io.Writer) io.Writer {
	if w == nil {
		return io.Discard
	}
	return w
}

// WithRunner installs a Runner into ctx, overriding the default os/exec
// behavior. Used by tests to capture or fake command execution.
func WithRunner(ctx context.Context, r Runner) context.Context {
	return context.WithValue(ctx, runnerContextKey, r)
}

func runnerFromContext(ctx context.Context) Runner {
	if r, ok := ctx.Value(runnerContextKey).(Runner); ok {
		return r
	}
	return osRunner{}
}

// Run executes cmd, returning its combined error (non-zero exit, failure to
// start, etc). stdout/stderr are captured into cmd.Stdout/cmd.Stderr when
// set.
func Run(ctx context.Context, cmd *Command) error {
	return runnerFromContext(ctx).Run(ctx, cmd)
}

// RunSimple runs name with args, inheriting the environment, and returns
// its combined stdout+stderr as a string. Convenience wrapper used by
// components that just want to capture command output (e.g. probing a
// tool's version).
func RunSimple(ctx context.Context, name string, args ...string) (string, error) {
	var buf bytes.Buffer
	err := Run(ctx, &Command{
		Name:        name,
		Args:        args,
		InheritPath: true,
		InheritEnv:  true,
		Stdout:      &buf,
		Stderr:      &buf,
	})
	return buf.String(), err
}

// CommandCollector is a fake Runner that records every Command it is asked
// to run, without executing anything. Install with WithRunner in tests.
type CommandCollector struct {
	Commands []Command
	// RunFn, if set, is invoked for each command after recording it, and its
	// error is returned from Run.
	RunFn func(cmd *Command) error
}

// Run implements Runner.
func (c *CommandCollector) Run(_ context.Context, cmd *Command) error {
	c.Commands = append(c.Commands, *cmd)
	if c.RunFn != nil {
		return c.RunFn(cmd)
	}
	return nil
}
