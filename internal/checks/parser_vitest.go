package checks

import (
	"encoding/json"
	"fmt"
	"strings"
)

// VitestParser parses vitest/jest JSON reporter output.
type VitestParser struct{}

type vitestOutput struct {
	NumTotalTests   int                 `json:"numTotalTests"`
	NumPassedTests  int                 `json:"numPassedTests"`
	NumFailedTests  int                 `json:"numFailedTests"`
	NumPendingTests int                 `json:"numPendingTests"`
	NumTodoTests    int                 `json:"numTodoTests"`
	TestResults     []vitestSuiteResult `json:"testResults"`
}

type vitestSuiteResult struct {
	Name             string                  `json:"name"`
	Status           string                  `json:"status"`
	AssertionResults []vitestAssertionResult `json:"assertionResults"`
}

type vitestAssertionResult struct {
	AncestorTitles  []string `json:"ancestorTitles"`
	FullName        string   `json:"fullName"`
	Status          string   `json:"status"`
	FailureMessages []string `json:"failureMessages"`
}

func (p *VitestParser) Parse(stdout string, stderr string, exitCode int) ParseResult {
	var raw vitestOutput
	if err := json.Unmarshal([]byte(jsonPayload(stdout)), &raw); err != nil {
		return ParseResult{
			Passed:  exitCode == 0,
			Summary: fmt.Sprintf("exit code %d (could not parse test JSON)", exitCode),
			Output:  tail(stdout + stderr),
		}
	}

	tests := &TestSummary{
		Total:   raw.NumTotalTests,
		Passed:  raw.NumPassedTests,
		Failed:  raw.NumFailedTests,
		Skipped: raw.NumPendingTests + raw.NumTodoTests,
	}
	for _, suite := range raw.TestResults {
		for _, a := range suite.AssertionResults {
			if a.Status != "failed" {
				continue
			}
			f := TestFailure{
				Suite:    suite.Name,
				Test:     a.FullName,
				Critical: isCritical(append([]string{a.FullName}, a.AncestorTitles...)...),
			}
			if len(a.FailureMessages) > 0 {
				f.Error = a.FailureMessages[0]
			}
			if f.Critical {
				tests.CriticalFailures++
			}
			tests.Failures = append(tests.Failures, f)
		}
	}

	return ParseResult{
		Passed: exitCode == 0 && tests.Failed == 0,
		Summary: fmt.Sprintf("%d passed, %d failed, %d skipped out of %d",
			tests.Passed, tests.Failed, tests.Skipped, tests.Total),
		Tests: tests,
	}
}

// jsonPayload strips any log lines a runner prints before its JSON report.
func jsonPayload(s string) string {
	if i := strings.IndexAny(s, "{["); i > 0 {
		return s[i:]
	}
	return s
}

func tail(s string) string {
	if len(s) > maxOutputLen {
		return "…(truncated)\n" + s[len(s)-maxOutputLen:]
	}
	return s
}
