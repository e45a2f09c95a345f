package checks

import (
	"context"
	"encoding/json"
	"fmt"
)

// SuiteCheckResult is the outcome of one check within a suite run.
type SuiteCheckResult struct {
	Check     string `json:"check"`
	Passed    bool   `json:"passed"`
	AutoFixed bool   `json:"auto_fixed,omitempty"`
	Runs      int    `json:"runs"`
	Summary   string `json:"summary,omitempty"`
}

// SuiteResult is the structured output of a suite run.
type SuiteResult struct {
	Suite    string             `json:"suite"`
	Passed   bool               `json:"passed"`
	Checks   []SuiteCheckResult `json:"checks"`
	Failures map[string]string  `json:"failures,omitempty"`
}

// JSON returns the suite result as indented JSON.
func (s *SuiteResult) JSON() (string, error) {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// FailedChecks returns the names of the checks that did not pass.
func (s *SuiteResult) FailedChecks() []string {
	var out []string
	for _, c := range s.Checks {
		if !c.Passed {
			out = append(out, c.Check)
		}
	}
	return out
}

// SuiteOpts configures a suite run.
type SuiteOpts struct {
	Name     string
	Checks   []CheckConfig
	Continue bool // run all checks even if some fail
}

// RunSuite runs every check in order and returns the combined result along
// with each raw check result.
func (r *Runner) RunSuite(ctx context.Context, dir string, opts SuiteOpts) (*SuiteResult, []*Result, error) {
	suite := &SuiteResult{
		Suite:    opts.Name,
		Passed:   true,
		Failures: make(map[string]string),
	}

	var all []*Result
	for _, chk := range opts.Checks {
		result, err := r.Run(ctx, dir, chk)
		if err != nil {
			return nil, all, fmt.Errorf("run check %q: %w", chk.Name, err)
		}
		all = append(all, result)

		runs := 1
		if result.AutoFixed {
			runs = 2
		}
		suite.Checks = append(suite.Checks, SuiteCheckResult{
			Check:     chk.Name,
			Passed:    result.Passed,
			AutoFixed: result.AutoFixed,
			Runs:      runs,
			Summary:   result.Summary,
		})

		if !result.Passed {
			suite.Passed = false
			suite.Failures[chk.Name] = result.Summary
			if !opts.Continue {
				break
			}
		}
	}
	return suite, all, nil
}
