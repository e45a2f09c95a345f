package checks

import (
	"encoding/json"
	"fmt"
)

// PlaywrightParser parses the Playwright JSON reporter output used by the
// end-to-end runner.
type PlaywrightParser struct{}

type playwrightReport struct {
	Suites []playwrightSuite `json:"suites"`
	Stats  struct {
		Expected   int `json:"expected"`
		Unexpected int `json:"unexpected"`
		Skipped    int `json:"skipped"`
		Flaky      int `json:"flaky"`
	} `json:"stats"`
}

type playwrightSuite struct {
	Title  string            `json:"title"`
	File   string            `json:"file"`
	Specs  []playwrightSpec  `json:"specs"`
	Suites []playwrightSuite `json:"suites"`
}

type playwrightSpec struct {
	Title string   `json:"title"`
	OK    bool     `json:"ok"`
	Tags  []string `json:"tags"`
	Tests []struct {
		Status  string `json:"status"`
		Results []struct {
			Status string `json:"status"`
			Error  *struct {
				Message string `json:"message"`
			} `json:"error"`
		} `json:"results"`
	} `json:"tests"`
}

func (p *PlaywrightParser) Parse(stdout string, stderr string, exitCode int) ParseResult {
	var raw playwrightReport
	if err := json.Unmarshal([]byte(jsonPayload(stdout)), &raw); err != nil {
		return ParseResult{
			Passed:  exitCode == 0,
			Summary: fmt.Sprintf("exit code %d (could not parse Playwright JSON)", exitCode),
			Output:  tail(stdout + stderr),
		}
	}

	// Flaky tests failed at least once but passed on a retry.
	tests := &TestSummary{
		Passed:  raw.Stats.Expected + raw.Stats.Flaky,
		Failed:  raw.Stats.Unexpected,
		Skipped: raw.Stats.Skipped,
	}
	tests.Total = tests.Passed + tests.Failed + tests.Skipped

	var walk func(s playwrightSuite, file string)
	walk = func(s playwrightSuite, file string) {
		if s.File != "" {
			file = s.File
		}
		for _, spec := range s.Specs {
			if spec.OK {
				continue
			}
			f := TestFailure{
				Suite:    file,
				Test:     spec.Title,
				Critical: isCritical(append([]string{spec.Title, s.Title}, spec.Tags...)...),
			}
			for _, t := range spec.Tests {
				for _, r := range t.Results {
					if r.Error != nil && f.Error == "" {
						f.Error = r.Error.Message
					}
				}
			}
			if f.Critical {
				tests.CriticalFailures++
			}
			tests.Failures = append(tests.Failures, f)
		}
		for _, child := range s.Suites {
			walk(child, file)
		}
	}
	for _, s := range raw.Suites {
		walk(s, "")
	}

	return ParseResult{
		Passed: exitCode == 0 && tests.Failed == 0,
		Summary: fmt.Sprintf("%d passed, %d failed, %d skipped out of %d",
			tests.Passed, tests.Failed, tests.Skipped, tests.Total),
		Tests: tests,
	}
}
