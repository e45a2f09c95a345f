package stage

import (
	"context"
	"strings"

	"github.com/lucasnoah/handoff/internal/checks"
	"github.com/lucasnoah/handoff/internal/faults"
	"github.com/lucasnoah/handoff/internal/gate"
)

// E2ERunner runs the end-to-end scenario command through a checks.Runner.
// The command receives BASE_URL and E2E_SCENARIOS (comma separated) in its
// environment and must emit a report the configured parser understands.
type E2ERunner struct {
	checker *checks.Runner
	cfg     checks.CheckConfig
	dir     string
}

// NewE2ERunner builds a runner that executes cfg in dir.
func NewE2ERunner(checker *checks.Runner, cfg checks.CheckConfig, dir string) *E2ERunner {
	if cfg.Name == "" {
		cfg.Name = "e2e"
	}
	return &E2ERunner{checker: checker, cfg: cfg, dir: dir}
}

// RunTests runs the scenarios against baseURL. Failing scenarios are not an
// error; only a run that produced no report is.
func (r *E2ERunner) RunTests(ctx context.Context, baseURL string, scenarios []string) (*gate.Report, error) {
	cfg := r.cfg
	cfg.Env = map[string]string{"BASE_URL": baseURL}
	for k, v := range r.cfg.Env {
		cfg.Env[k] = v
	}
	if len(scenarios) > 0 {
		cfg.Env["E2E_SCENARIOS"] = strings.Join(scenarios, ",")
	}

	res, err := r.checker.Run(ctx, r.dir, cfg)
	if err != nil {
		if ctx.Err() != nil {
			return nil, faults.Classify(ctx.Err())
		}
		return nil, faults.Transient(faults.CodeNetwork, err, "e2e runner")
	}
	if res.TimedOut {
		return nil, faults.Transient(faults.CodeTimeout, nil, "e2e runner: %s", res.Summary)
	}
	if res.Tests == nil {
		return nil, faults.Terminal(faults.CodeProviderRejected, nil, "e2e runner produced no test report (exit %d): %s", res.ExitCode, res.Summary)
	}

	return &gate.Report{
		Total:            res.Tests.Total,
		Passed:           res.Tests.Passed,
		Failed:           res.Tests.Failed,
		Skipped:          res.Tests.Skipped,
		CriticalFailures: res.Tests.CriticalFailures,
	}, nil
}
