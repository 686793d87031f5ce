// Package netadmin shells out to wg, wg-quick, and ip the same way
// bamgate's agent.configureTUN does, but off the caller's goroutine and
// with idempotency-benign failures suppressed so that worker loops (which
// call this hundreds of times a minute across all tenants) never block the
// goroutine that owns a sensor or pile up log noise for routing state that
// already matches the desired state.
package netadmin

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
)

// idempotentStderrSubstrings are stderr fragments that indicate the
// requested change is already in effect (or trivially inapplicable), per
// spec.md §4.A. A command that fails with one of these is treated as
// successful by RunQuiet.
var idempotentStderrSubstrings = []string{
	"No such file or directory",
	"No such process",
	"File exists",
	"RTNETLINK answers: File exists",
	"FIB table does not exist",
	"Cannot find device",
	"not found in table",
}

// Runner executes shell commands used to manage WireGuard tunnels and
// policy-based routing. Production code uses DefaultRunner(); tests inject
// a FakeRunner that records invocations without touching the host.
type Runner interface {
	// Run executes name with args and merged environment, off the caller's
	// goroutine. It returns the combined stdout+stderr output and an error
	// if the command exited non-zero.
	Run(ctx context.Context, name string, args ...string) (string, error)

	// RunQuiet is like Run but suppresses logging and treats a failure whose
	// stderr contains any of idempotentStderrSubstrings as success.
	RunQuiet(ctx context.Context, name string, args ...string) (ok bool, output string)

	// RunWithStdin is like Run but writes stdin to the child process's
	// standard input, for commands like `wg pubkey` that read their input
	// that way rather than via an argument.
	RunWithStdin(ctx context.Context, stdin string, name string, args ...string) (string, error)
}

// realRunner is the production Runner, shelling out via os/exec.
type realRunner struct {
	log *slog.Logger
}

// DefaultRunner returns a Runner that executes real child processes.
func DefaultRunner(logger *slog.Logger) Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &realRunner{log: logger.With("component", "netadmin")}
}

// mergedEnviron returns os.Environ() with the fixed WireGuard userspace
// variables and a deterministic PATH appended, so `wg-quick up` behaves the
// same regardless of the parent process's environment.
func mergedEnviron() []string {
	env := os.Environ()
	env = append(env,
		"WG_QUICK_USERSPACE_IMPLEMENTATION=boringtun",
		"WG_ENDPOINT_RESOLUTION_RETRIES=2",
		"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
	)
	return env
}

// runOffGoroutine runs the command on a dedicated goroutine and waits for
// its result over a channel, so a hung child process only blocks the
// caller (typically a single sensor worker), never a shared dispatcher.
func runOffGoroutine(ctx context.Context, name string, args []string) (string, error) {
	return runOffGoroutineWithStdin(ctx, "", name, args)
}

// runOffGoroutineWithStdin is runOffGoroutine, additionally feeding stdin to
// the child process before closing its standard input.
func runOffGoroutineWithStdin(ctx context.Context, stdin string, name string, args []string) (string, error) {
	type result struct {
		out string
		err error
	}
	ch := make(chan result, 1)

	go func() {
		cmd := exec.CommandContext(ctx, name, args...)
		cmd.Env = mergedEnviron()
		if stdin != "" {
			cmd.Stdin = strings.NewReader(stdin)
		}
		out, err := cmd.CombinedOutput()
		ch <- result{out: string(out), err: err}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case r := <-ch:
		return r.out, r.err
	}
}

func (r *realRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	out, err := runOffGoroutine(ctx, name, args)
	if err != nil {
		r.log.Warn("command failed", "cmd", name, "args", args, "error", err, "output", strings.TrimSpace(out))
		return out, fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(out))
	}
	r.log.Debug("command ok", "cmd", name, "args", args)
	return out, nil
}

func (r *realRunner) RunQuiet(ctx context.Context, name string, args ...string) (bool, string) {
	out, err := runOffGoroutine(ctx, name, args)
	if err == nil {
		return true, out
	}
	if isIdempotentFailure(out) {
		return true, out
	}
	return false, out
}

func (r *realRunner) RunWithStdin(ctx context.Context, stdin string, name string, args ...string) (string, error) {
	out, err := runOffGoroutineWithStdin(ctx, stdin, name, args)
	if err != nil {
		r.log.Warn("command failed", "cmd", name, "args", args, "error", err, "output", strings.TrimSpace(out))
		return out, fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(out))
	}
	r.log.Debug("command ok", "cmd", name, "args", args)
	return out, nil
}

func isIdempotentFailure(output string) bool {
	for _, substr := range idempotentStderrSubstrings {
		if strings.Contains(output, substr) {
			return true
		}
	}
	return false
}

// FakeRunner is a Runner for tests. It records every invocation and
// resolves canned outputs keyed by the joined command line ("name arg1
// arg2 ..."); an unmatched command succeeds with empty output by default.
type FakeRunner struct {
	Calls     []Call
	Responses map[string]Response
}

// Call is a single recorded invocation.
type Call struct {
	Name  string
	Args  []string
	Stdin string // set only for RunWithStdin calls
}

// Response is the canned result for a matched command line.
type Response struct {
	Output string
	Err    error
}

// NewFakeRunner returns an empty FakeRunner ready for use.
func NewFakeRunner() *FakeRunner {
	return &FakeRunner{Responses: make(map[string]Response)}
}

// key builds the lookup key for a command invocation.
func key(name string, args []string) string {
	return name + " " + strings.Join(args, " ")
}

// SetResponse configures the result returned for a given command line.
func (f *FakeRunner) SetResponse(name string, args []string, resp Response) {
	f.Responses[key(name, args)] = resp
}

func (f *FakeRunner) Run(_ context.Context, name string, args ...string) (string, error) {
	f.Calls = append(f.Calls, Call{Name: name, Args: args})
	if resp, ok := f.Responses[key(name, args)]; ok {
		return resp.Output, resp.Err
	}
	return "", nil
}

func (f *FakeRunner) RunQuiet(_ context.Context, name string, args ...string) (bool, string) {
	f.Calls = append(f.Calls, Call{Name: name, Args: args})
	if resp, ok := f.Responses[key(name, args)]; ok {
		if resp.Err == nil {
			return true, resp.Output
		}
		return isIdempotentFailure(resp.Output), resp.Output
	}
	return true, ""
}

func (f *FakeRunner) RunWithStdin(_ context.Context, stdin string, name string, args ...string) (string, error) {
	f.Calls = append(f.Calls, Call{Name: name, Args: args, Stdin: stdin})
	if resp, ok := f.Responses[key(name, args)]; ok {
		return resp.Output, resp.Err
	}
	return "", nil
}
