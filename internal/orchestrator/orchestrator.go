package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lucasnoah/handoff/internal/catalog"
	"github.com/lucasnoah/handoff/internal/events"
	"github.com/lucasnoah/handoff/internal/faults"
	"github.com/lucasnoah/handoff/internal/gate"
	"github.com/lucasnoah/handoff/internal/logging"
	"github.com/lucasnoah/handoff/internal/pipeline"
	"github.com/lucasnoah/handoff/internal/retry"
	"github.com/lucasnoah/handoff/internal/stage"
)

// Rollbacker is the deployment-provider primitive used by explicit rollbacks.
type Rollbacker interface {
	Rollback(ctx context.Context, providerProjectID, deploymentID string) error
}

// Pinger is a provider whose reachability is checked before a run starts.
type Pinger interface {
	Ping(ctx context.Context) error
}

// DefaultLeaseTTL is how long a driver lease lasts without renewal.
const DefaultLeaseTTL = 30 * time.Second

// Options configure an Orchestrator.
type Options struct {
	Executors  map[catalog.StageID]stage.Executor
	Retry      retry.Policy
	Gate       gate.Thresholds
	StrictGate bool
	// Skip lists stages skipped on every run in addition to the run's own
	// skip list.
	Skip      []catalog.StageID
	Deployer  Rollbacker
	Providers map[string]Pinger
	// Preflight inspects the source tree during validation. A blocking
	// finding rejects the run before an instance exists.
	Preflight stage.PreflightChecker
	// Owner names this process in driver leases. Defaults to
	// host:pid:random.
	Owner    string
	LeaseTTL time.Duration
	Logger   *zap.Logger
}

// Result is what a run hands back to its caller. A failed run is a Result
// with Status failed, not an error, so partial outputs stay inspectable.
type Result struct {
	ID        string              `json:"id"`
	Status    pipeline.Status     `json:"status"`
	Stage     catalog.StageID     `json:"stage"`
	Progress  float64             `json:"progress"`
	Summary   string              `json:"summary"`
	Outputs   map[string]any      `json:"outputs"`
	LastError *pipeline.LastError `json:"last_error,omitempty"`
}

func resultOf(inst *pipeline.Instance) *Result {
	return &Result{
		ID:        inst.ID,
		Status:    inst.Status,
		Stage:     inst.CurrentStage,
		Progress:  inst.Progress,
		Summary:   inst.Summary,
		Outputs:   inst.Outputs,
		LastError: inst.LastError,
	}
}

// Failed reports whether the run ended in failure.
func (r *Result) Failed() bool {
	return r.Status == pipeline.StatusFailed
}

// run is one in-process driver goroutine for an instance.
type run struct {
	cancel context.CancelFunc
	done   chan struct{}
	again  bool
	result *Result
	err    error
}

// Orchestrator drives pipeline instances through the stage catalog. It is the
// only component that decides which stage runs next.
type Orchestrator struct {
	store      *pipeline.Store
	cat        *catalog.Catalog
	executors  map[catalog.StageID]stage.Executor
	policy     retry.Policy
	thresholds gate.Thresholds
	strict     bool
	skip       []catalog.StageID
	deployer   Rollbacker
	providers  map[string]Pinger
	preflight  stage.PreflightChecker
	owner      string
	leaseTTL   time.Duration
	logger     *zap.Logger
	progress   io.Writer // live progress output; nil = silent
	now        func() time.Time

	ctx  context.Context
	stop context.CancelFunc
	mu   sync.Mutex
	runs map[string]*run
	wg   sync.WaitGroup
}

// New creates an Orchestrator over store.
func New(store *pipeline.Store, opts Options) *Orchestrator {
	ctx, stop := context.WithCancel(context.Background())
	th := opts.Gate
	if th == (gate.Thresholds{}) {
		th = gate.DefaultThresholds()
	}
	owner := opts.Owner
	if owner == "" {
		owner = defaultOwner()
	}
	ttl := opts.LeaseTTL
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	return &Orchestrator{
		store:      store,
		cat:        store.Catalog(),
		executors:  opts.Executors,
		policy:     opts.Retry,
		thresholds: th,
		strict:     opts.StrictGate,
		skip:       opts.Skip,
		deployer:   opts.Deployer,
		providers:  opts.Providers,
		preflight:  opts.Preflight,
		owner:      owner,
		leaseTTL:   ttl,
		logger:     logging.OrNop(opts.Logger),
		now:        func() time.Time { return time.Now().UTC() },
		ctx:        ctx,
		stop:       stop,
		runs:       make(map[string]*run),
	}
}

func defaultOwner() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s:%d:%s", host, os.Getpid(), uuid.NewString()[:8])
}

// SetProgress sets a writer for live progress output (e.g. os.Stderr).
func (o *Orchestrator) SetProgress(w io.Writer) {
	o.progress = w
}

// logf prints a progress line if a progress writer is configured.
func (o *Orchestrator) logf(format string, args ...interface{}) {
	if o.progress != nil {
		fmt.Fprintf(o.progress, "  → "+format+"\n", args...)
	}
}

// LeaseTTL returns how long this orchestrator's driver leases last.
func (o *Orchestrator) LeaseTTL() time.Duration {
	return o.leaseTTL
}

// Store returns the state store the orchestrator drives.
func (o *Orchestrator) Store() *pipeline.Store {
	return o.store
}

// Validate checks a run configuration, pre-flights the source tree and
// checks the reachability of every configured provider. Failures are
// configuration errors.
func (o *Orchestrator) Validate(ctx context.Context, cfg pipeline.RunConfig) error {
	if cfg.SourceDir == "" {
		return faults.Configuration(faults.CodeInvalidConfig, "source location is required")
	}
	info, err := os.Stat(cfg.SourceDir)
	if err != nil || !info.IsDir() {
		return faults.Configuration(faults.CodeInvalidConfig, "source location %s is not a directory", cfg.SourceDir)
	}
	for _, id := range cfg.SkipStages {
		def, ok := o.cat.Get(id)
		if !ok {
			return faults.Configuration(faults.CodeInvalidConfig, "unknown stage %q in skip list", id)
		}
		if !def.CanSkip {
			return faults.Configuration(faults.CodeInvalidConfig, "stage %q cannot be skipped", id)
		}
	}
	for _, id := range o.cat.IDs() {
		if _, ok := o.executors[id]; !ok {
			return faults.Configuration(faults.CodeInvalidConfig, "no executor for stage %q", id)
		}
	}
	if o.preflight != nil {
		report, err := o.preflight.CheckSourceTree(ctx, cfg.SourceDir)
		if err != nil {
			if faults.Is(err, faults.KindConfiguration) {
				return err
			}
			return faults.Wrap(faults.KindConfiguration, faults.CodePreflightFailed, err, "pre-flight %s", cfg.SourceDir)
		}
		if err := report.Err(); err != nil {
			return err
		}
	}
	for name, p := range o.providers {
		pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := p.Ping(pctx)
		cancel()
		if err != nil {
			return faults.Wrap(faults.KindConfiguration, faults.CodeInvalidConfig, err, "%s provider unreachable", name)
		}
	}
	return nil
}

func (o *Orchestrator) create(ctx context.Context, cfg pipeline.RunConfig) (*pipeline.Instance, error) {
	if cfg.ProjectName == "" && cfg.SourceDir != "" {
		cfg.ProjectName = filepath.Base(filepath.Clean(cfg.SourceDir))
	}
	cfg.SkipStages = append([]catalog.StageID(nil), cfg.SkipStages...)
	for _, id := range o.skip {
		if !cfg.Skips(id) {
			cfg.SkipStages = append(cfg.SkipStages, id)
		}
	}
	if err := o.Validate(ctx, cfg); err != nil {
		return nil, err
	}
	inst, err := o.store.Create(ctx, "", cfg.ProjectID, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pipeline: %w", err)
	}
	o.logger.Info("pipeline created",
		zap.String("pipeline", inst.ID),
		zap.String("project", cfg.ProjectName),
		zap.String("source", cfg.SourceDir))
	o.logf("created pipeline %s for %s", inst.ID, cfg.ProjectName)
	return inst, nil
}

// Start validates cfg, creates an instance and drives it in the background.
func (o *Orchestrator) Start(ctx context.Context, cfg pipeline.RunConfig) (string, error) {
	inst, err := o.create(ctx, cfg)
	if err != nil {
		return "", err
	}
	o.launch(inst.ID)
	return inst.ID, nil
}

// Run validates cfg, creates an instance and drives it until it completes,
// fails, is paused or is cancelled.
func (o *Orchestrator) Run(ctx context.Context, cfg pipeline.RunConfig) (*Result, error) {
	inst, err := o.create(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return o.Drive(ctx, inst.ID)
}

// launch starts a driver goroutine for id unless one is running. A running
// driver is told to go around again so a resume that races with its exit is
// not lost.
func (o *Orchestrator) launch(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if r, ok := o.runs[id]; ok {
		r.again = true
		return
	}
	ctx, cancel := context.WithCancel(o.ctx)
	r := &run{cancel: cancel, done: make(chan struct{})}
	o.runs[id] = r
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer cancel()
		for {
			res, err := o.Drive(ctx, id)
			o.mu.Lock()
			if r.again && ctx.Err() == nil {
				r.again = false
				o.mu.Unlock()
				continue
			}
			r.result, r.err = res, err
			delete(o.runs, id)
			close(r.done)
			o.mu.Unlock()
			if fe, ok := faults.As(err); ok && fe.Code == faults.CodeLeaseHeld {
				o.logger.Info("pipeline driven elsewhere", zap.String("pipeline", id), zap.Error(err))
			} else if err != nil && !errors.Is(err, context.Canceled) {
				o.logger.Error("pipeline run aborted", zap.String("pipeline", id), zap.Error(err))
			}
			return
		}
	}()
}

// Wait blocks until the in-process run of id ends and returns its result.
// Without an in-process run it returns the current snapshot.
func (o *Orchestrator) Wait(ctx context.Context, id string) (*Result, error) {
	o.mu.Lock()
	r, ok := o.runs[id]
	o.mu.Unlock()
	if ok {
		select {
		case <-r.done:
			if r.err != nil {
				return r.result, r.err
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	inst, err := o.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return resultOf(inst), nil
}

// Running reports whether id has an in-process driver.
func (o *Orchestrator) Running(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.runs[id]
	return ok
}

// RecoverActive relaunches active instances nobody is driving, for use after
// a restart and periodically while serving. Instances this process already
// drives and those leased by another live process are left alone. It
// returns how many were relaunched.
func (o *Orchestrator) RecoverActive(ctx context.Context) (int, error) {
	active, err := o.store.List(ctx, pipeline.StatusActive)
	if err != nil {
		return 0, fmt.Errorf("list active pipelines: %w", err)
	}
	n := 0
	now := o.now()
	for _, inst := range active {
		if o.Running(inst.ID) {
			continue
		}
		if inst.Lease.HeldBy(o.owner, now) {
			o.logger.Debug("pipeline driven elsewhere",
				zap.String("pipeline", inst.ID),
				zap.String("owner", inst.Lease.Owner))
			continue
		}
		o.logger.Info("resuming pipeline",
			zap.String("pipeline", inst.ID),
			zap.String("stage", string(inst.CurrentStage)))
		o.launch(inst.ID)
		n++
	}
	return n, nil
}

// Shutdown stops every driver and waits for them to exit. Interrupted
// instances stay active so RecoverActive can pick them up again.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.stop()
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pause stops the instance from starting new stages. A stage already in
// flight finishes.
func (o *Orchestrator) Pause(ctx context.Context, id string) (*pipeline.Instance, error) {
	inst, err := o.store.Pause(ctx, id)
	if err != nil {
		return nil, err
	}
	o.logger.Info("pipeline paused", zap.String("pipeline", id))
	return inst, nil
}

// Resume reactivates a paused instance and drives it from the first stage
// that is not done.
func (o *Orchestrator) Resume(ctx context.Context, id string) (*pipeline.Instance, error) {
	inst, err := o.store.Resume(ctx, id)
	if err != nil {
		return nil, err
	}
	o.logger.Info("pipeline resumed", zap.String("pipeline", id))
	o.launch(id)
	return inst, nil
}

// Cancel terminates the instance and interrupts its in-flight stage.
func (o *Orchestrator) Cancel(ctx context.Context, id, reason string) (*pipeline.Instance, error) {
	if reason == "" {
		reason = "cancelled by request"
	}
	inst, err := o.store.Cancel(ctx, id, reason)
	if err != nil {
		return nil, err
	}
	o.mu.Lock()
	if r, ok := o.runs[id]; ok {
		r.cancel()
	}
	o.mu.Unlock()
	o.logger.Info("pipeline cancelled", zap.String("pipeline", id), zap.String("reason", reason))
	return inst, nil
}

// Accept records the customer's acceptance of the delivery.
func (o *Orchestrator) Accept(ctx context.Context, id, by string) (*pipeline.Instance, error) {
	inst, err := o.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if inst.Status.Terminal() {
		return nil, faults.InvalidTransition("cannot accept: pipeline is %s", inst.Status)
	}
	if by == "" {
		by = inst.OwnerID
	}
	return o.store.UpdateOutputs(ctx, id, map[string]any{
		pipeline.OutAcceptedAt: o.now().Format(time.RFC3339),
		pipeline.OutAcceptedBy: by,
	})
}

// Rollback asks the deployment provider to restore ref, defaulting to the
// deployment that was live before this pipeline deployed. It does not replay
// the pipeline.
func (o *Orchestrator) Rollback(ctx context.Context, id, ref string) (*pipeline.Instance, error) {
	if o.deployer == nil {
		return nil, faults.Configuration(faults.CodeInvalidConfig, "no deployment provider configured")
	}
	inst, err := o.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if ref == "" {
		ref = pipeline.OutputString(inst.Outputs, pipeline.OutPreviousDeploymentID)
	}
	if ref == "" {
		return nil, faults.Configuration(faults.CodeInvalidConfig, "pipeline %s has no previous deployment to roll back to", id)
	}
	project := pipeline.OutputString(inst.Outputs, pipeline.OutProviderProjectID)
	if project == "" {
		return nil, faults.Configuration(faults.CodeInvalidConfig, "pipeline %s has not deployed yet", id)
	}

	if _, err := o.store.BeginRollback(ctx, id, ref); err != nil {
		return nil, err
	}
	o.logf("%s: rolling back to %s", id, ref)
	rbErr := o.deployer.Rollback(ctx, project, ref)
	// Recorded even when ctx was cancelled during the provider call.
	inst, err = o.store.CompleteRollback(context.WithoutCancel(ctx), id, ref, rbErr)
	if err != nil {
		return nil, err
	}
	if rbErr != nil {
		o.logger.Error("rollback failed", zap.String("pipeline", id), zap.String("ref", ref), zap.Error(rbErr))
		return inst, faults.Classify(rbErr)
	}
	o.logger.Info("rollback completed", zap.String("pipeline", id), zap.String("ref", ref))
	return inst, nil
}

// Drive runs id from its first unfinished stage until the instance is
// terminal or paused, or ctx is done. Stage failures end up in the returned
// Result; the error is reserved for store failures and interruption. Drive
// holds the instance's lease while it runs and fails with LEASE_HELD when
// another process holds it.
func (o *Orchestrator) Drive(ctx context.Context, id string) (*Result, error) {
	inst, err := o.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if inst.Status != pipeline.StatusActive {
		o.finished(inst)
		return resultOf(inst), nil
	}
	if _, err := o.store.Acquire(ctx, id, o.owner, o.leaseTTL); err != nil {
		return nil, err
	}

	dctx, stop := context.WithCancelCause(ctx)
	renewed := make(chan struct{})
	go o.renew(dctx, id, stop, renewed)
	defer func() {
		stop(nil)
		<-renewed
		if err := o.store.Release(context.WithoutCancel(ctx), id, o.owner); err != nil && !faults.Is(err, faults.KindNotFound) {
			o.logger.Warn("release pipeline lease", zap.String("pipeline", id), zap.Error(err))
		}
	}()

	res, err := o.drive(dctx, id)
	if err != nil && ctx.Err() == nil {
		if cause := context.Cause(dctx); cause != nil && !errors.Is(cause, context.Canceled) && !faults.Is(cause, faults.KindCancellation) {
			return res, cause
		}
	}
	return res, err
}

// renew extends the lease on id every third of its TTL until ctx is done. It
// stops the run when the lease was taken over or the instance ended in
// another process.
func (o *Orchestrator) renew(ctx context.Context, id string, stop context.CancelCauseFunc, done chan<- struct{}) {
	defer close(done)
	t := time.NewTicker(o.leaseTTL / 3)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		inst, err := o.store.Acquire(ctx, id, o.owner, o.leaseTTL)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			if fe, ok := faults.As(err); ok && (fe.Code == faults.CodeLeaseHeld || fe.Kind == faults.KindNotFound) {
				o.logger.Warn("pipeline lease lost", zap.String("pipeline", id), zap.Error(err))
				stop(err)
				return
			}
			o.logger.Warn("renew pipeline lease", zap.String("pipeline", id), zap.Error(err))
			continue
		}
		if inst.Status.Terminal() {
			o.logger.Info("pipeline ended elsewhere",
				zap.String("pipeline", id),
				zap.String("status", string(inst.Status)))
			stop(faults.Cancelled)
			return
		}
	}
}

func (o *Orchestrator) drive(ctx context.Context, id string) (*Result, error) {
	for {
		inst, err := o.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if inst.Status != pipeline.StatusActive {
			o.finished(inst)
			return resultOf(inst), nil
		}
		if err := ctx.Err(); err != nil {
			return resultOf(inst), err
		}

		next, reopen, ok := o.next(inst)
		if !ok {
			return resultOf(inst), fmt.Errorf("pipeline %s is active but has no runnable stage", id)
		}
		if reopen {
			if _, err := o.store.Reopen(ctx, id, next); err != nil {
				return nil, err
			}
			o.logf("%s: retrying %s after recovery", id, next)
			continue
		}

		res := inst.Stage(next)
		if res.Status == pipeline.StagePending && inst.Config.Skips(next) {
			if _, err := o.store.SkipStage(ctx, id, next, "skipped by run configuration"); err != nil {
				return nil, err
			}
			o.logf("%s: skipped %s", id, next)
			continue
		}

		if err := o.runStage(ctx, id, next); err != nil {
			if ctx.Err() != nil {
				cur, gerr := o.store.Get(context.Background(), id)
				if gerr != nil {
					return nil, ctx.Err()
				}
				if cur.Status != pipeline.StatusActive {
					o.finished(cur)
					return resultOf(cur), nil
				}
				return resultOf(cur), ctx.Err()
			}
			return nil, err
		}
	}
}

// next picks the stage to run: the failure stage of a routed failure, the
// routed stage itself once recovery finished, or the first unfinished stage on
// the main path. reopen is set when the routed stage must be reopened first.
func (o *Orchestrator) next(inst *pipeline.Instance) (catalog.StageID, bool, bool) {
	if from := inst.RecoveringFrom; from != "" {
		def, _ := o.cat.Get(from)
		if r := inst.Stage(def.FailureStage); r != nil && !r.Status.Done() {
			return def.FailureStage, false, true
		}
		if r := inst.Stage(from); r != nil && r.Status == pipeline.StageFailed {
			return from, true, true
		}
		return from, false, true
	}
	for _, id := range o.cat.MainPath() {
		r := inst.Stage(id)
		if r == nil || !r.Status.Done() {
			return id, false, true
		}
	}
	return "", false, false
}

// runStage starts id and retries it until it completes, fails for good, or
// the instance leaves the active state. Routed failures and terminal
// failures are not errors here; the caller reloads and moves on.
func (o *Orchestrator) runStage(ctx context.Context, id string, sid catalog.StageID) error {
	def, _ := o.cat.Get(sid)
	inst, err := o.store.StartStage(ctx, id, sid)
	if err != nil {
		return err
	}
	o.logger.Info("stage started", zap.String("pipeline", id), zap.String("stage", string(sid)))

	for {
		in := stage.NewInput(inst, sid)
		o.logf("%s: %s (attempt %d)", id, def.Name, in.Attempt)
		out, execErr := o.execute(ctx, def, in)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if execErr == nil {
			inst, err = o.store.CompleteStage(ctx, id, sid, out)
			if err != nil {
				if faults.Is(err, faults.KindInvalidTransition) {
					return nil
				}
				return err
			}
			o.logger.Info("stage completed",
				zap.String("pipeline", id),
				zap.String("stage", string(sid)),
				zap.Float64("progress", inst.Progress))
			if def.QualityGate {
				return o.evaluateGate(ctx, inst, sid)
			}
			return nil
		}

		fe := o.policy.Classified(execErr)
		if fe == nil {
			fe = faults.Classify(execErr)
		}
		retries := inst.Stage(sid).RetryCount
		if fe.Recoverable() && def.CanRetry && retries < def.MaxRetries && !o.policy.ShouldRetry(fe, retries, def.MaxRetries) {
			fe = fe.Final()
		}
		inst, err = o.store.FailStage(ctx, id, sid, fe)
		if err != nil {
			if faults.Is(err, faults.KindInvalidTransition) {
				return nil
			}
			return err
		}
		res := inst.Stage(sid)
		if res.Status != pipeline.StageRetrying {
			o.logger.Error("stage failed",
				zap.String("pipeline", id),
				zap.String("stage", string(sid)),
				zap.String("routed_to", string(inst.CurrentStage)),
				zap.Error(execErr))
			o.logf("%s: %s failed: %v", id, def.Name, execErr)
			return nil
		}

		delay := o.policy.Delay(res.RetryCount)
		o.logger.Warn("stage retrying",
			zap.String("pipeline", id),
			zap.String("stage", string(sid)),
			zap.Int("attempt", res.RetryCount+1),
			zap.Duration("delay", delay),
			zap.Error(execErr))
		o.logf("%s: %s failed, retrying in %s: %v", id, def.Name, delay, execErr)

		if inst.Status != pipeline.StatusActive {
			return nil
		}
		if err := o.policy.Wait(ctx, delay); err != nil {
			return err
		}
		inst, err = o.store.StartStage(ctx, id, sid)
		if err != nil {
			if faults.Is(err, faults.KindInvalidTransition) {
				return nil
			}
			return err
		}
	}
}

// execute invokes the stage executor under the stage timeout. Panics become
// terminal internal errors and timeouts transient ones. An executor that
// ignores its context past the timeout is abandoned and its result dropped.
func (o *Orchestrator) execute(ctx context.Context, def catalog.StageDefinition, in stage.Input) (map[string]any, error) {
	exec, ok := o.executors[def.ID]
	if !ok {
		return nil, faults.Configuration(faults.CodeInvalidConfig, "no executor for stage %q", def.ID)
	}
	sctx := ctx
	if def.Timeout > 0 {
		var cancel context.CancelFunc
		sctx, cancel = context.WithTimeout(ctx, def.Timeout)
		defer cancel()
	}

	type outcome struct {
		out map[string]any
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		var oc outcome
		defer func() {
			if r := recover(); r != nil {
				oc = outcome{err: faults.Terminal(faults.CodeInternal, nil, "stage %s panicked: %v", def.ID, r)}
			}
			done <- oc
		}()
		oc.out, oc.err = exec.Execute(sctx, in)
	}()

	var oc outcome
	select {
	case oc = <-done:
	case <-sctx.Done():
		select {
		case oc = <-done:
		default:
			o.logger.Warn("stage executor ignored cancellation",
				zap.String("pipeline", in.PipelineID),
				zap.String("stage", string(def.ID)))
			oc = outcome{err: sctx.Err()}
		}
	}
	if oc.err != nil && ctx.Err() == nil && errors.Is(sctx.Err(), context.DeadlineExceeded) {
		oc.err = faults.Transient(faults.CodeTimeout, oc.err, "stage %s timed out after %s", def.ID, def.Timeout)
	}
	return oc.out, oc.err
}

// evaluateGate grades the verification report. Critical verdicts are advisory
// unless the gate is strict, in which case the instance fails.
func (o *Orchestrator) evaluateGate(ctx context.Context, inst *pipeline.Instance, sid catalog.StageID) error {
	var report gate.Report
	if _, err := pipeline.DecodeOutput(inst.Outputs, pipeline.OutTestReport, &report); err != nil {
		o.logger.Warn("unreadable test report", zap.String("pipeline", inst.ID), zap.Error(err))
	}
	res := gate.Evaluate(report, o.thresholds)
	if _, err := o.store.UpdateOutputs(ctx, inst.ID, map[string]any{pipeline.OutQualityGate: res}); err != nil {
		return err
	}

	fields := []zap.Field{
		zap.String("pipeline", inst.ID),
		zap.String("verdict", string(res.Verdict)),
		zap.Float64("pass_rate", res.PassRate),
		zap.Int("critical_failures", res.CriticalFailures),
	}
	switch res.Verdict {
	case gate.Pass:
		o.logger.Info("quality gate passed", fields...)
		return nil
	case gate.Warning:
		o.logger.Warn("quality gate passed with warnings", fields...)
		o.logf("%s: quality gate warning: %s", inst.ID, res.Message)
		return nil
	}

	cause := faults.New(faults.KindQualityGate, faults.CodeQualityGateFailed, "%s", res.Message)
	o.logger.Error("quality gate failed", append(fields, zap.Bool("strict", o.strictFor(inst)))...)
	o.logf("%s: %s", inst.ID, res.Message)
	var err error
	if o.strictFor(inst) {
		_, err = o.store.FailInstance(ctx, inst.ID, sid, cause)
	} else {
		_, err = o.store.RecordError(ctx, inst.ID, sid, cause, events.SeverityCritical)
	}
	if faults.Is(err, faults.KindInvalidTransition) {
		return nil
	}
	return err
}

func (o *Orchestrator) strictFor(inst *pipeline.Instance) bool {
	return o.strict || inst.Config.StrictGate
}

func (o *Orchestrator) finished(inst *pipeline.Instance) {
	switch inst.Status {
	case pipeline.StatusCompleted:
		o.logf("%s: delivered (%s)", inst.ID, pipeline.OutputString(inst.Outputs, pipeline.OutProductURL))
	case pipeline.StatusFailed:
		o.logf("%s: %s", inst.ID, inst.Summary)
	case pipeline.StatusPaused:
		o.logf("%s: paused at %s", inst.ID, inst.CurrentStage)
	case pipeline.StatusCancelled:
		o.logf("%s: cancelled", inst.ID)
	}
}
