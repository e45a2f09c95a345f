package stage

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lucasnoah/handoff/internal/artifact"
	"github.com/lucasnoah/handoff/internal/catalog"
	"github.com/lucasnoah/handoff/internal/checks"
	"github.com/lucasnoah/handoff/internal/deploy"
	"github.com/lucasnoah/handoff/internal/faults"
	"github.com/lucasnoah/handoff/internal/logging"
	"github.com/lucasnoah/handoff/internal/notify"
	"github.com/lucasnoah/handoff/internal/pipeline"
)

// Deps are the collaborators the executors call. Artifacts and Recorder are
// optional.
type Deps struct {
	Checker   *checks.Runner
	Deployer  Deployer
	Tests     TestRunner
	Notifier  notify.Notifier
	Preflight PreflightChecker
	Artifacts ArtifactStore
	Recorder  CheckRecorder
	Instances InstanceReader
	Logger    *zap.Logger
}

// Options tune the executors.
type Options struct {
	Build            checks.CheckConfig
	Tests            checks.SuiteOpts
	AcceptanceWindow time.Duration
	PollInterval     time.Duration
	OpsRecipient     string
}

// Engine builds the executors for the default catalog.
type Engine struct {
	deps     Deps
	opts     Options
	logger   *zap.Logger
	progress io.Writer // live progress output; nil = silent
	now      func() time.Time
}

// NewEngine creates a stage engine.
func NewEngine(deps Deps, opts Options) *Engine {
	if opts.Build.Name == "" {
		opts.Build.Name = "build"
	}
	if opts.Tests.Name == "" {
		opts.Tests.Name = "unit"
	}
	if opts.AcceptanceWindow <= 0 {
		opts.AcceptanceWindow = 72 * time.Hour
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 30 * time.Second
	}
	return &Engine{
		deps:   deps,
		opts:   opts,
		logger: logging.OrNop(deps.Logger),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetProgress sets a writer for live progress output (e.g. os.Stderr).
func (e *Engine) SetProgress(w io.Writer) {
	e.progress = w
}

// SetClock overrides the clock (for testing).
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// logf prints a progress line if a progress writer is configured.
func (e *Engine) logf(format string, args ...interface{}) {
	if e.progress != nil {
		fmt.Fprintf(e.progress, "  → "+format+"\n", args...)
	}
}

// Executors returns an executor for every stage of the default catalog.
func (e *Engine) Executors() map[catalog.StageID]Executor {
	return map[catalog.StageID]Executor{
		catalog.Building:           Func(e.runBuild),
		catalog.Testing:            Func(e.runTests),
		catalog.Deploying:          Func(e.runDeploy),
		catalog.Verifying:          Func(e.runVerify),
		catalog.Configuring:        Func(e.runConfigure),
		catalog.Notifying:          Func(e.runNotify),
		catalog.AwaitingAcceptance: Func(e.awaitAcceptance),
		catalog.SignedOff:          Func(e.runSignOff),
		catalog.Recovering:         Func(e.runRecovery),
	}
}

func (e *Engine) record(ctx context.Context, in Input, r *checks.Result) {
	if e.deps.Recorder == nil || r == nil {
		return
	}
	if err := e.deps.Recorder.LogCheckRun(ctx, in.PipelineID, string(in.Stage), r); err != nil {
		e.logger.Warn("record check run", zap.String("pipeline", in.PipelineID), zap.Error(err))
	}
}

// runnerError classifies an error returned by checks.Runner itself (not a
// failing command).
func runnerError(ctx context.Context, err error, what string) error {
	if ctx.Err() != nil {
		return faults.Classify(ctx.Err())
	}
	return faults.Transient(faults.CodeNetwork, err, "%s", what)
}

func (e *Engine) runBuild(ctx context.Context, in Input) (map[string]any, error) {
	dir := in.Config.SourceDir
	// Blocking findings were rejected when the run was validated; only the
	// warnings are carried into the outputs here.
	report, err := e.deps.Preflight.CheckSourceTree(ctx, dir)
	if err != nil {
		return nil, err
	}
	var warnings []string
	for _, w := range report.Warnings() {
		warnings = append(warnings, w.ID)
		e.logger.Warn("pre-flight warning", zap.String("pipeline", in.PipelineID), zap.String("check", w.ID), zap.String("message", w.Message))
	}

	e.logf("%s: running build: %s", in.PipelineID, e.opts.Build.Command)
	res, err := e.deps.Checker.Run(ctx, dir, e.opts.Build)
	if err != nil {
		return nil, runnerError(ctx, err, "build")
	}
	e.record(ctx, in, res)
	if res.TimedOut {
		return nil, faults.Transient(faults.CodeTimeout, nil, "build %s", res.Summary)
	}
	if !res.Passed {
		return nil, faults.Terminal(faults.CodeBuildFailed, nil, "build failed (exit %d): %s", res.ExitCode, res.Summary)
	}
	e.logf("%s: build passed (%dms)", in.PipelineID, res.DurationMs)

	archive, err := artifact.Create(ctx, dir)
	if err != nil {
		if ctx.Err() != nil {
			return nil, faults.Classify(ctx.Err())
		}
		return nil, faults.Terminal(faults.CodeBuildFailed, err, "archive source")
	}
	defer archive.Remove()

	out := map[string]any{
		pipeline.OutBuildDurationMS: res.DurationMs,
		pipeline.OutSourceDigest:    archive.Digest,
	}
	if len(warnings) > 0 {
		out[pipeline.OutPreflightWarnings] = warnings
	}
	if e.deps.Artifacts != nil {
		uri, err := e.deps.Artifacts.Upload(ctx, in.PipelineID, archive)
		if err != nil {
			return nil, err
		}
		e.logf("%s: uploaded source archive to %s", in.PipelineID, uri)
		out[pipeline.OutArtifactURI] = uri
	}
	return out, nil
}

// unitTestReport is the output of the testing stage.
type unitTestReport struct {
	Passed  bool                      `json:"passed"`
	Checks  []checks.SuiteCheckResult `json:"checks"`
	Total   int                       `json:"total"`
	Failed  int                       `json:"failed"`
	Skipped int                       `json:"skipped"`
}

func (e *Engine) runTests(ctx context.Context, in Input) (map[string]any, error) {
	if len(e.opts.Tests.Checks) == 0 {
		e.logf("%s: no unit test checks configured", in.PipelineID)
		return map[string]any{pipeline.OutUnitTests: unitTestReport{Passed: true}}, nil
	}

	e.logf("%s: running unit tests", in.PipelineID)
	suite, results, err := e.deps.Checker.RunSuite(ctx, in.Config.SourceDir, e.opts.Tests)
	for _, r := range results {
		e.record(ctx, in, r)
	}
	if err != nil {
		return nil, runnerError(ctx, err, "unit tests")
	}

	report := unitTestReport{Passed: suite.Passed, Checks: suite.Checks}
	for _, r := range results {
		if r.TimedOut {
			return nil, faults.Transient(faults.CodeTimeout, nil, "unit test check %s %s", r.CheckName, r.Summary)
		}
		if r.Tests != nil {
			report.Total += r.Tests.Total
			report.Failed += r.Tests.Failed
			report.Skipped += r.Tests.Skipped
		}
	}
	if !suite.Passed {
		var parts []string
		for _, name := range suite.FailedChecks() {
			parts = append(parts, name+": "+suite.Failures[name])
		}
		return nil, faults.Terminal(faults.CodeTestsFailed, nil, "unit tests failed: %s", strings.Join(parts, "; "))
	}
	e.logf("%s: unit tests passed (%d tests)", in.PipelineID, report.Total)
	return map[string]any{pipeline.OutUnitTests: report}, nil
}

func (e *Engine) runDeploy(ctx context.Context, in Input) (map[string]any, error) {
	source := pipeline.OutputString(in.Outputs, pipeline.OutArtifactURI)
	if source == "" {
		source = in.Config.SourceDir
	}
	e.logf("%s: deploying %s (attempt %d)", in.PipelineID, in.Config.ProjectName, in.Attempt)

	d, err := e.deps.Deployer.Deploy(ctx, deploy.Request{
		ProjectName:    in.Config.ProjectName,
		SourceLocation: source,
		EnvVars:        in.Config.EnvVars,
	})
	if err != nil {
		return nil, err
	}
	e.logf("%s: deployed %s to %s", in.PipelineID, d.DeploymentID, d.URL)

	out := map[string]any{
		pipeline.OutProductURL:         d.URL,
		pipeline.OutDeploymentID:       d.DeploymentID,
		pipeline.OutProviderProjectID:  d.ProviderProjectID,
		pipeline.OutActiveDeploymentID: d.DeploymentID,
	}
	if d.PreviousDeploymentID != "" {
		out[pipeline.OutPreviousDeploymentID] = d.PreviousDeploymentID
	}
	return out, nil
}

func (e *Engine) runVerify(ctx context.Context, in Input) (map[string]any, error) {
	url := pipeline.OutputString(in.Outputs, pipeline.OutProductURL)
	if url == "" {
		return nil, faults.Configuration(faults.CodeInvalidConfig, "no product URL to verify")
	}
	e.logf("%s: running e2e scenarios against %s", in.PipelineID, url)
	report, err := e.deps.Tests.RunTests(ctx, url, in.Config.Scenarios)
	if err != nil {
		return nil, err
	}
	e.logf("%s: e2e %d/%d passed, %d critical failures", in.PipelineID, report.Passed, report.Total, report.CriticalFailures)
	return map[string]any{pipeline.OutTestReport: report}, nil
}

func (e *Engine) runConfigure(ctx context.Context, in Input) (map[string]any, error) {
	out := map[string]any{}
	if domain := in.Config.Domain; domain != "" {
		projectID := pipeline.OutputString(in.Outputs, pipeline.OutProviderProjectID)
		if projectID == "" {
			return nil, faults.Configuration(faults.CodeInvalidConfig, "no provider project to attach %s to", domain)
		}
		e.logf("%s: attaching domain %s", in.PipelineID, domain)
		if err := e.deps.Deployer.AddDomain(ctx, projectID, domain); err != nil {
			return nil, err
		}
		out[pipeline.OutDomain] = domain
		out[pipeline.OutProductURL] = "https://" + domain
	}

	// Keep the token stable across retries.
	token := pipeline.OutputString(in.Outputs, pipeline.OutAdminToken)
	if token == "" {
		token = uuid.NewString()
	}
	out[pipeline.OutAdminToken] = token
	return out, nil
}

func (e *Engine) runNotify(ctx context.Context, in Input) (map[string]any, error) {
	if in.Config.Recipient == "" {
		e.logf("%s: no recipient configured, skipping notification", in.PipelineID)
		return map[string]any{"notification_sent": false}, nil
	}
	rcpt, err := e.deps.Notifier.Send(ctx, notify.TemplateDeliveryReady, in.Config.Recipient, map[string]any{
		"project_name": in.Config.ProjectName,
		"product_url":  pipeline.OutputString(in.Outputs, pipeline.OutProductURL),
		"admin_token":  pipeline.OutputString(in.Outputs, pipeline.OutAdminToken),
	})
	if err != nil {
		return nil, err
	}
	e.logf("%s: notified %s (%s)", in.PipelineID, in.Config.Recipient, rcpt.MessageID)
	return map[string]any{
		"notification_sent":        true,
		pipeline.OutNotificationID: rcpt.MessageID,
	}, nil
}

// awaitAcceptance polls the instance until the customer accepts or the
// acceptance window, counted from when the stage first started, elapses.
func (e *Engine) awaitAcceptance(ctx context.Context, in Input) (map[string]any, error) {
	started := in.StartedAt
	if started.IsZero() {
		started = e.now()
	}
	deadline := started.Add(e.opts.AcceptanceWindow)
	e.logf("%s: awaiting acceptance until %s", in.PipelineID, deadline.Format(time.RFC3339))

	outputs := in.Outputs
	for {
		if at := pipeline.OutputString(outputs, pipeline.OutAcceptedAt); at != "" {
			return map[string]any{
				pipeline.OutAcceptedAt:     at,
				pipeline.OutAcceptedBy:     pipeline.OutputString(outputs, pipeline.OutAcceptedBy),
				pipeline.OutAcceptanceMode: "customer",
			}, nil
		}
		if !e.now().Before(deadline) {
			e.logf("%s: acceptance window elapsed, auto-accepting", in.PipelineID)
			return map[string]any{
				pipeline.OutAcceptedAt:     e.now().Format(time.RFC3339),
				pipeline.OutAcceptedBy:     "auto",
				pipeline.OutAcceptanceMode: "auto",
			}, nil
		}

		wait := e.opts.PollInterval
		if remaining := deadline.Sub(e.now()); remaining < wait {
			wait = remaining
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, faults.Classify(ctx.Err())
		case <-t.C:
		}

		inst, err := e.deps.Instances.Get(ctx, in.PipelineID)
		if err != nil {
			return nil, faults.Transient(faults.CodeInternal, err, "reload pipeline")
		}
		outputs = inst.Outputs
	}
}

func (e *Engine) runSignOff(ctx context.Context, in Input) (map[string]any, error) {
	now := e.now().Format(time.RFC3339)
	if in.Config.Recipient != "" {
		_, err := e.deps.Notifier.Send(ctx, notify.TemplateDeliverySignedOff, in.Config.Recipient, map[string]any{
			"project_name": in.Config.ProjectName,
			"product_url":  pipeline.OutputString(in.Outputs, pipeline.OutProductURL),
			"accepted_by":  pipeline.OutputString(in.Outputs, pipeline.OutAcceptedBy),
		})
		if err != nil {
			return nil, err
		}
	}
	e.logf("%s: signed off", in.PipelineID)
	return map[string]any{pipeline.OutSignedOffAt: now}, nil
}

// runRecovery rolls back to the previous deployment when there is one and tells
// the ops recipient what happened.
func (e *Engine) runRecovery(ctx context.Context, in Input) (map[string]any, error) {
	out := map[string]any{pipeline.OutRecoveryAction: "none"}
	projectID := pipeline.OutputString(in.Outputs, pipeline.OutProviderProjectID)
	previous := pipeline.OutputString(in.Outputs, pipeline.OutPreviousDeploymentID)
	if projectID != "" && previous != "" {
		e.logf("%s: rolling back to %s after %s failed", in.PipelineID, previous, in.RecoveringFrom)
		if err := e.deps.Deployer.Rollback(ctx, projectID, previous); err != nil {
			return nil, err
		}
		out[pipeline.OutRecoveryAction] = "rolled_back"
		out[pipeline.OutActiveDeploymentID] = previous
	}

	if e.opts.OpsRecipient != "" {
		data := map[string]any{
			"pipeline_id":     in.PipelineID,
			"project_name":    in.Config.ProjectName,
			"failed_stage":    string(in.RecoveringFrom),
			"recovery_action": out[pipeline.OutRecoveryAction],
		}
		if in.LastError != nil {
			data["error_code"] = in.LastError.Code
			data["error_message"] = in.LastError.Message
		}
		if _, err := e.deps.Notifier.Send(ctx, notify.TemplateRecoveryAlert, e.opts.OpsRecipient, data); err != nil {
			e.logger.Warn("recovery alert failed", zap.String("pipeline", in.PipelineID), zap.Error(err))
		}
	}
	return out, nil
}
