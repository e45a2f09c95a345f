package checks

import (
	"encoding/json"
	"fmt"
)

// ESLintParser parses `eslint --format json` output.
type ESLintParser struct{}

type eslintFile struct {
	FilePath string `json:"filePath"`
	Messages []struct {
		RuleID   string    `json:"ruleId"`
		Severity int       `json:"severity"` // 1=warning, 2=error
		Message  string    `json:"message"`
		Line     int       `json:"line"`
		Column   int       `json:"column"`
		Fix      *struct{} `json:"fix"`
	} `json:"messages"`
}

func (p *ESLintParser) Parse(stdout string, stderr string, exitCode int) ParseResult {
	var files []eslintFile
	if err := json.Unmarshal([]byte(jsonPayload(stdout)), &files); err != nil {
		return ParseResult{
			Passed:  exitCode == 0,
			Summary: fmt.Sprintf("exit code %d (could not parse ESLint JSON)", exitCode),
			Output:  tail(stdout + stderr),
		}
	}

	var errs, warnings, fixable int
	var findings []Finding
	for _, f := range files {
		for _, m := range f.Messages {
			sev := "warning"
			if m.Severity == 2 {
				sev = "error"
				errs++
			} else {
				warnings++
			}
			if m.Fix != nil {
				fixable++
			}
			findings = append(findings, Finding{
				File:     f.FilePath,
				Line:     m.Line,
				Column:   m.Column,
				Severity: sev,
				Rule:     m.RuleID,
				Message:  m.Message,
			})
		}
	}

	return ParseResult{
		Passed:   errs == 0,
		Summary:  fmt.Sprintf("%d errors, %d warnings, %d fixable", errs, warnings, fixable),
		Findings: findings,
	}
}
