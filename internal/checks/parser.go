package checks

import "strings"

// Finding is one diagnostic reported by a static check.
type Finding struct {
	File     string `json:"file"`
	Line     int    `json:"line"`
	Column   int    `json:"column,omitempty"`
	Severity string `json:"severity"`
	Rule     string `json:"rule,omitempty"`
	Message  string `json:"message"`
}

// TestFailure is one failing test case.
type TestFailure struct {
	Suite    string `json:"suite"`
	Test     string `json:"test"`
	Error    string `json:"error,omitempty"`
	Critical bool   `json:"critical,omitempty"`
}

// TestSummary holds the counts reported by a test runner.
type TestSummary struct {
	Total            int           `json:"total"`
	Passed           int           `json:"passed"`
	Failed           int           `json:"failed"`
	Skipped          int           `json:"skipped"`
	CriticalFailures int           `json:"critical_failures"`
	Failures         []TestFailure `json:"failures,omitempty"`
}

// ParseResult holds the normalized output from a parser.
type ParseResult struct {
	Passed   bool
	Summary  string
	Findings []Finding
	Tests    *TestSummary
	Output   string
}

// Parser converts raw command output into a ParseResult.
type Parser interface {
	Parse(stdout string, stderr string, exitCode int) ParseResult
}

// CriticalTag marks a test whose failure counts as critical.
const CriticalTag = "@critical"

func isCritical(names ...string) bool {
	for _, n := range names {
		if strings.Contains(n, CriticalTag) {
			return true
		}
	}
	return false
}
