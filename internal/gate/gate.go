// Package gate turns an end-to-end test report into a pass / warning /
// critical verdict.
package gate

import (
	"encoding/json"
	"fmt"
)

// Verdict is the outcome of a gate evaluation.
type Verdict string

const (
	Pass     Verdict = "pass"
	Warning  Verdict = "warning"
	Critical Verdict = "critical"
)

// Thresholds configures the gate. Rates are fractions in [0,1].
type Thresholds struct {
	PassRate        float64 `yaml:"pass_rate" json:"pass_rate"`
	WarnRate        float64 `yaml:"warn_rate" json:"warn_rate"`
	MaxCriticalWarn int     `yaml:"max_critical_warn" json:"max_critical_warn"`
}

// DefaultThresholds: at least 90% with no critical failures passes, at least
// 80% with up to two critical failures passes with a warning.
func DefaultThresholds() Thresholds {
	return Thresholds{PassRate: 0.90, WarnRate: 0.80, MaxCriticalWarn: 2}
}

// Report is the test-runner output the gate reads.
type Report struct {
	Total            int `json:"total"`
	Passed           int `json:"passed"`
	Failed           int `json:"failed"`
	Skipped          int `json:"skipped"`
	CriticalFailures int `json:"critical_failures"`
}

// PassRate returns passed/total, or 0 for an empty report.
func (r Report) PassRate() float64 {
	if r.Total <= 0 {
		return 0
	}
	return float64(r.Passed) / float64(r.Total)
}

// Result is a gate evaluation.
type Result struct {
	Verdict          Verdict `json:"verdict"`
	PassRate         float64 `json:"pass_rate"`
	CriticalFailures int     `json:"critical_failures"`
	Total            int     `json:"total"`
	Message          string  `json:"message"`
}

// JSON returns the result as indented JSON.
func (r *Result) JSON() (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Blocks reports whether the verdict fails a strict gate.
func (r *Result) Blocks() bool {
	return r.Verdict == Critical
}

// Evaluate applies t to report. An empty report is critical: a verification
// that ran nothing proves nothing.
func Evaluate(report Report, t Thresholds) *Result {
	rate := report.PassRate()
	res := &Result{
		PassRate:         rate,
		CriticalFailures: report.CriticalFailures,
		Total:            report.Total,
	}
	pct := rate * 100

	switch {
	case report.Total <= 0:
		res.Verdict = Critical
		res.Message = "no end-to-end tests were run"
	case rate >= t.PassRate && report.CriticalFailures == 0:
		res.Verdict = Pass
		res.Message = fmt.Sprintf("%.1f%% of %d tests passed", pct, report.Total)
	case rate >= t.WarnRate && report.CriticalFailures <= t.MaxCriticalWarn:
		res.Verdict = Warning
		res.Message = fmt.Sprintf("%.1f%% of %d tests passed, %d critical failures", pct, report.Total, report.CriticalFailures)
	default:
		res.Verdict = Critical
		res.Message = fmt.Sprintf("quality gate failed: %.1f%% of %d tests passed, %d critical failures",
			pct, report.Total, report.CriticalFailures)
	}
	return res
}
