// Package checks runs shell commands in a source tree and turns their output
// into structured results: build steps, unit test suites, static checks and
// the end-to-end scenario runner.
package checks

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"
)

// DefaultTimeout bounds a check that has no timeout configured.
const DefaultTimeout = 2 * time.Minute

// Result holds the structured output of a check run.
type Result struct {
	CheckName  string       `json:"check_name"`
	Passed     bool         `json:"passed"`
	AutoFixed  bool         `json:"auto_fixed,omitempty"`
	TimedOut   bool         `json:"timed_out,omitempty"`
	ExitCode   int          `json:"exit_code"`
	DurationMs int          `json:"duration_ms"`
	Summary    string       `json:"summary"`
	Findings   []Finding    `json:"findings,omitempty"`
	Tests      *TestSummary `json:"tests,omitempty"`
	Output     string       `json:"output,omitempty"`
}

// CheckConfig describes one command to run.
type CheckConfig struct {
	Name       string
	Command    string
	Parser     string
	Timeout    time.Duration
	Env        map[string]string
	AutoFix    bool
	FixCommand string
}

// CommandRunner abstracts command execution for testability. env holds
// KEY=VALUE pairs added to the inherited environment.
type CommandRunner interface {
	Run(ctx context.Context, dir string, command string, env []string) (stdout string, stderr string, exitCode int, err error)
}

// ExecRunner implements CommandRunner with `sh -c`.
type ExecRunner struct{}

func (e *ExecRunner) Run(ctx context.Context, dir string, command string, env []string) (string, string, int, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}
	cmd.WaitDelay = 2 * time.Second

	var stdoutBuf, stderrBuf strings.Builder
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	err := cmd.Run()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && ctx.Err() == nil {
			return stdoutBuf.String(), stderrBuf.String(), exitErr.ExitCode(), nil
		}
		if ctx.Err() != nil {
			return stdoutBuf.String(), stderrBuf.String(), -1, ctx.Err()
		}
		return stdoutBuf.String(), stderrBuf.String(), -1, fmt.Errorf("exec: %w", err)
	}
	return stdoutBuf.String(), stderrBuf.String(), 0, nil
}

// Runner executes checks and parses their output.
type Runner struct {
	cmd     CommandRunner
	parsers map[string]Parser
}

// NewRunner creates a Runner with the built-in parsers registered.
func NewRunner(cmd CommandRunner) *Runner {
	if cmd == nil {
		cmd = &ExecRunner{}
	}
	r := &Runner{
		cmd:     cmd,
		parsers: make(map[string]Parser),
	}
	r.parsers["eslint"] = &ESLintParser{}
	r.parsers["typescript"] = &TypeScriptParser{}
	r.parsers["vitest"] = &VitestParser{}
	r.parsers["playwright"] = &PlaywrightParser{}
	r.parsers["generic"] = &GenericParser{}
	return r
}

// Register adds or replaces a parser.
func (r *Runner) Register(name string, p Parser) {
	r.parsers[name] = p
}

// HasParser reports whether name is registered.
func (r *Runner) HasParser(name string) bool {
	_, ok := r.parsers[name]
	return ok
}

// Run executes a single check in dir. A check that exceeds its own timeout
// is reported as a failed result with TimedOut set; cancellation of ctx is
// returned as an error.
func (r *Runner) Run(ctx context.Context, dir string, cfg CheckConfig) (*Result, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	result, err := r.runOnce(ctx, dir, cfg.Command, cfg, timeout)
	if err != nil {
		return nil, err
	}

	if !result.Passed && !result.TimedOut && cfg.AutoFix && cfg.FixCommand != "" {
		fixCtx, cancel := context.WithTimeout(ctx, timeout)
		// Fix commands often exit non-zero even when they fixed something.
		_, _, _, _ = r.cmd.Run(fixCtx, dir, cfg.FixCommand, envList(cfg.Env))
		cancel()

		recheck, err := r.runOnce(ctx, dir, cfg.Command, cfg, timeout)
		if err != nil {
			return nil, fmt.Errorf("re-run after fix: %w", err)
		}
		recheck.AutoFixed = true
		return recheck, nil
	}
	return result, nil
}

func (r *Runner) runOnce(ctx context.Context, dir, command string, cfg CheckConfig, timeout time.Duration) (*Result, error) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	stdout, stderr, exitCode, err := r.cmd.Run(runCtx, dir, command, envList(cfg.Env))
	durationMs := int(time.Since(start).Milliseconds())

	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if runCtx.Err() == context.DeadlineExceeded {
			return &Result{
				CheckName:  cfg.Name,
				TimedOut:   true,
				ExitCode:   -1,
				DurationMs: durationMs,
				Summary:    fmt.Sprintf("timeout after %s", timeout),
				Output:     tail(stdout + stderr),
			}, nil
		}
		return nil, fmt.Errorf("run check %q: %w", cfg.Name, err)
	}

	parser, ok := r.parsers[cfg.Parser]
	if !ok {
		parser = r.parsers["generic"]
	}
	parsed := parser.Parse(stdout, stderr, exitCode)

	return &Result{
		CheckName:  cfg.Name,
		Passed:     exitCode == 0 && parsed.Passed,
		ExitCode:   exitCode,
		DurationMs: durationMs,
		Summary:    parsed.Summary,
		Findings:   parsed.Findings,
		Tests:      parsed.Tests,
		Output:     parsed.Output,
	}, nil
}

// envList renders env as sorted KEY=VALUE pairs.
func envList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
