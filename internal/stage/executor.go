// Package stage holds the executors that perform each delivery stage's side
// effect. Executors return outputs or a classified error; they never touch
// pipeline state directly.
package stage

import (
	"context"
	"time"

	"github.com/lucasnoah/handoff/internal/artifact"
	"github.com/lucasnoah/handoff/internal/catalog"
	"github.com/lucasnoah/handoff/internal/checks"
	"github.com/lucasnoah/handoff/internal/deploy"
	"github.com/lucasnoah/handoff/internal/gate"
	"github.com/lucasnoah/handoff/internal/pipeline"
	"github.com/lucasnoah/handoff/internal/preflight"
)

// Input is the snapshot an executor runs against.
type Input struct {
	PipelineID     string
	Stage          catalog.StageID
	Attempt        int // 1 for the first attempt
	StartedAt      time.Time
	RecoveringFrom catalog.StageID
	LastError      *pipeline.LastError
	Config         pipeline.RunConfig
	Outputs        map[string]any
}

// NewInput builds the executor input for stage from an instance snapshot.
func NewInput(inst *pipeline.Instance, stage catalog.StageID) Input {
	in := Input{
		PipelineID:     inst.ID,
		Stage:          stage,
		Attempt:        1,
		RecoveringFrom: inst.RecoveringFrom,
		LastError:      inst.LastError,
		Config:         inst.Config,
		Outputs:        inst.Outputs,
	}
	if res := inst.Stage(stage); res != nil {
		in.Attempt = res.RetryCount + 1
		if res.StartedAt != nil {
			in.StartedAt = *res.StartedAt
		}
	}
	return in
}

// Executor performs one stage.
type Executor interface {
	Execute(ctx context.Context, in Input) (map[string]any, error)
}

// Func adapts a function to Executor.
type Func func(ctx context.Context, in Input) (map[string]any, error)

// Execute calls f.
func (f Func) Execute(ctx context.Context, in Input) (map[string]any, error) {
	return f(ctx, in)
}

// Deployer is the deployment provider.
type Deployer interface {
	Deploy(ctx context.Context, req deploy.Request) (*deploy.Deployment, error)
	AddDomain(ctx context.Context, providerProjectID, domain string) error
	Rollback(ctx context.Context, providerProjectID, deploymentID string) error
}

// TestRunner runs end-to-end scenarios against a live URL.
type TestRunner interface {
	RunTests(ctx context.Context, baseURL string, scenarios []string) (*gate.Report, error)
}

// PreflightChecker inspects a source tree. The orchestrator runs it during
// validation; the build stage records its warnings.
type PreflightChecker interface {
	CheckSourceTree(ctx context.Context, dir string) (*preflight.Report, error)
}

// ArtifactStore uploads source archives.
type ArtifactStore interface {
	Upload(ctx context.Context, pipelineID string, a *artifact.Archive) (string, error)
}

// CheckRecorder keeps a history of check runs.
type CheckRecorder interface {
	LogCheckRun(ctx context.Context, pipelineID, stage string, r *checks.Result) error
}

// InstanceReader reads the current instance snapshot.
type InstanceReader interface {
	Get(ctx context.Context, id string) (*pipeline.Instance, error)
}
