package checks

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// mockCmd records calls and returns configured results.
type mockCmd struct {
	calls   []mockCall
	results []mockResult
	callIdx int
}

type mockCall struct {
	Dir     string
	Command string
	Env     []string
}

type mockResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Err      error
	Block    bool // wait for ctx to be done
}

func (m *mockCmd) Run(ctx context.Context, dir string, command string, env []string) (string, string, int, error) {
	m.calls = append(m.calls, mockCall{Dir: dir, Command: command, Env: env})
	if m.callIdx >= len(m.results) {
		return "", "", 0, nil
	}
	r := m.results[m.callIdx]
	m.callIdx++
	if r.Block {
		<-ctx.Done()
		return "partial", "", -1, ctx.Err()
	}
	return r.Stdout, r.Stderr, r.ExitCode, r.Err
}

func TestRunner_Run_HappyPath(t *testing.T) {
	mock := &mockCmd{results: []mockResult{{Stdout: "all good", ExitCode: 0}}}
	runner := NewRunner(mock)

	result, err := runner.Run(context.Background(), "/tmp/test", CheckConfig{
		Name:    "build",
		Command: "npm run build",
		Parser:  "generic",
		Timeout: 30 * time.Second,
		Env:     map[string]string{"NODE_ENV": "production", "CI": "1"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Passed {
		t.Errorf("expected passed=true, got false")
	}
	if result.CheckName != "build" {
		t.Errorf("expected check_name=build, got %q", result.CheckName)
	}
	if len(mock.calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(mock.calls))
	}
	if mock.calls[0].Dir != "/tmp/test" {
		t.Errorf("expected dir=/tmp/test, got %q", mock.calls[0].Dir)
	}
	if got := strings.Join(mock.calls[0].Env, ","); got != "CI=1,NODE_ENV=production" {
		t.Errorf("env = %q, want sorted pairs", got)
	}
}

func TestRunner_Run_FailedCheck(t *testing.T) {
	mock := &mockCmd{results: []mockResult{{Stdout: "errors found", ExitCode: 1}}}
	runner := NewRunner(mock)

	result, err := runner.Run(context.Background(), "/tmp/test", CheckConfig{Name: "lint", Command: "npm run lint"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Passed {
		t.Errorf("expected passed=false, got true")
	}
	if result.ExitCode != 1 {
		t.Errorf("expected exit_code=1, got %d", result.ExitCode)
	}
	if result.Output != "errors found" {
		t.Errorf("expected output to be kept, got %q", result.Output)
	}
}

func TestRunner_Run_AutoFix(t *testing.T) {
	mock := &mockCmd{
		results: []mockResult{
			{Stdout: "errors found", ExitCode: 1}, // initial run
			{Stdout: "fixed", ExitCode: 0},        // fix command
			{Stdout: "all good", ExitCode: 0},     // re-run
		},
	}
	runner := NewRunner(mock)

	result, err := runner.Run(context.Background(), "/tmp/test", CheckConfig{
		Name:       "lint",
		Command:    "npm run lint",
		AutoFix:    true,
		FixCommand: "npm run lint -- --fix",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Passed || !result.AutoFixed {
		t.Errorf("passed=%v auto_fixed=%v, want both true", result.Passed, result.AutoFixed)
	}
	if len(mock.calls) != 3 {
		t.Fatalf("expected 3 calls (run, fix, re-run), got %d", len(mock.calls))
	}
	if mock.calls[1].Command != "npm run lint -- --fix" {
		t.Errorf("expected fix command, got %q", mock.calls[1].Command)
	}
}

func TestRunner_Run_NoAutoFixWhenPassing(t *testing.T) {
	mock := &mockCmd{results: []mockResult{{ExitCode: 0}}}
	runner := NewRunner(mock)

	_, err := runner.Run(context.Background(), "/tmp/test", CheckConfig{
		Name: "lint", Command: "npm run lint", AutoFix: true, FixCommand: "fix",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(mock.calls) != 1 {
		t.Errorf("expected 1 call (no fix needed), got %d", len(mock.calls))
	}
}

func TestRunner_Run_UnknownParserFallsToGeneric(t *testing.T) {
	mock := &mockCmd{results: []mockResult{{Stdout: "output", ExitCode: 0}}}
	runner := NewRunner(mock)

	result, err := runner.Run(context.Background(), "/tmp/test", CheckConfig{
		Name: "custom", Command: "custom-check", Parser: "unknown-parser",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Summary != "passed (exit code 0)" {
		t.Errorf("expected generic summary, got %q", result.Summary)
	}
}

func TestRunner_Run_CommandError(t *testing.T) {
	mock := &mockCmd{results: []mockResult{{Err: fmt.Errorf("sh: not found")}}}
	runner := NewRunner(mock)

	_, err := runner.Run(context.Background(), "/tmp/test", CheckConfig{Name: "lint", Command: "npm run lint"})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
}

func TestRunner_Run_Timeout(t *testing.T) {
	mock := &mockCmd{results: []mockResult{{Block: true}}}
	runner := NewRunner(mock)

	result, err := runner.Run(context.Background(), "/tmp/test", CheckConfig{
		Name: "e2e", Command: "npx playwright test", Timeout: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.TimedOut || result.Passed {
		t.Errorf("timed_out=%v passed=%v, want timed out and failed", result.TimedOut, result.Passed)
	}
	if !strings.HasPrefix(result.Summary, "timeout after") {
		t.Errorf("summary = %q", result.Summary)
	}
}

func TestRunner_Run_ParentCancelled(t *testing.T) {
	mock := &mockCmd{results: []mockResult{{Block: true}}}
	runner := NewRunner(mock)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := runner.Run(ctx, "/tmp/test", CheckConfig{Name: "build", Command: "npm run build", Timeout: time.Minute})
	if err != context.Canceled {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestRunner_Run_VitestPopulatesTests(t *testing.T) {
	out := `{"numTotalTests":3,"numPassedTests":2,"numFailedTests":1,"numPendingTests":0,"testResults":[]}`
	mock := &mockCmd{results: []mockResult{{Stdout: out, ExitCode: 1}}}
	runner := NewRunner(mock)

	result, err := runner.Run(context.Background(), "/src", CheckConfig{Name: "unit", Command: "npx vitest run --reporter=json", Parser: "vitest"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Tests == nil || result.Tests.Total != 3 || result.Tests.Failed != 1 {
		t.Errorf("tests = %+v, want total 3 failed 1", result.Tests)
	}
}

func TestExecRunner_ExitCodeAndEnv(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "marker"), []byte("x"), 0o644)
	e := &ExecRunner{}

	stdout, _, code, err := e.Run(context.Background(), dir, `ls marker && echo "$GREETING"; exit 3`, []string{"GREETING=hello"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if code != 3 {
		t.Errorf("exit code = %d, want 3", code)
	}
	if !strings.Contains(stdout, "marker") || !strings.Contains(stdout, "hello") {
		t.Errorf("stdout = %q", stdout)
	}
}
