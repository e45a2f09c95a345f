package checks

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// TypeScriptParser parses `tsc --noEmit` output.
type TypeScriptParser struct{}

// src/auth.ts(42,5): error TS2345: Argument of type...
var tscLineRe = regexp.MustCompile(`^(.+)\((\d+),(\d+)\):\s+error\s+(TS\d+):\s+(.+)$`)

func (p *TypeScriptParser) Parse(stdout string, stderr string, exitCode int) ParseResult {
	var findings []Finding
	for _, line := range strings.Split(stdout, "\n") {
		m := tscLineRe.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		ln, _ := strconv.Atoi(m[2])
		col, _ := strconv.Atoi(m[3])
		findings = append(findings, Finding{
			File:     m[1],
			Line:     ln,
			Column:   col,
			Severity: "error",
			Rule:     m[4],
			Message:  m[5],
		})
	}

	res := ParseResult{Passed: exitCode == 0, Findings: findings, Summary: "no errors"}
	if !res.Passed {
		res.Summary = fmt.Sprintf("%d errors", len(findings))
		if len(findings) == 0 {
			res.Output = tail(stdout + stderr)
		}
	}
	return res
}
