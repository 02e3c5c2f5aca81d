package executor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"scriptd/internal/config"
	"scriptd/internal/monitor"
	"scriptd/internal/runtime"
	"scriptd/internal/storage"
)

// Store is the persistence the orchestrator needs.
type Store interface {
	GetScript(ctx context.Context, id string) (storage.Script, bool, error)
	CreateExecution(ctx context.Context, scriptID, scriptName string) (string, error)
	UpdateExecution(ctx context.Context, id string, upd storage.ExecutionUpdate) error
}

// Script is the snapshot of a script taken when a run starts.
type Script struct {
	ID      string
	Name    string
	Content string
}

// Options tune how scripts are run.
type Options struct {
	Shell        string
	LineBuffered bool
	ArtifactDir  string
	// StopGrace is how long a cancelled run gets between SIGTERM and SIGKILL.
	StopGrace time.Duration
	// WaitDelay bounds how long output is drained after the shell exited.
	// Zero waits until every holder of the pipes is gone.
	WaitDelay      time.Duration
	SinkTimeout    time.Duration
	MaxOutputBytes int64
	Env            []string
	WorkDir        string
}

// OptionsFromConfig maps the executor config section onto Options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Shell:          cfg.Executor.Shell,
		LineBuffered:   cfg.Executor.LineBuffered,
		ArtifactDir:    cfg.ArtifactDir(),
		StopGrace:      cfg.Executor.StopGrace,
		WaitDelay:      cfg.Executor.WaitDelay,
		SinkTimeout:    cfg.Executor.SinkWriteTimeout,
		MaxOutputBytes: cfg.Executor.MaxOutputBytes,
	}
}

// cancel reasons
const (
	reasonPreempted = "preempted"
	reasonCancelled = "cancelled"
	reasonShutdown  = "shutdown"
)

// Orchestrator runs scripts as child processes, one active run per script.
type Orchestrator struct {
	store     Store
	rt        runtime.Runtime
	opts      Options
	artifacts *ArtifactStore
	registry  *Registry
	mux       *Multiplexer
	metrics   *monitor.Metrics
	tracer    *monitor.Tracer

	wg     sync.WaitGroup
	mu     sync.Mutex // Protects shutdown state
	closed bool
}

// New creates an Orchestrator. metrics and tracer may be nil.
func New(store Store, opts Options, metrics *monitor.Metrics, tracer *monitor.Tracer) (*Orchestrator, error) {
	if opts.Shell == "" {
		opts.Shell = "bash"
	}
	rt, err := runtime.NewRegistry().Get(opts.Shell)
	if err != nil {
		return nil, err
	}
	artifacts, err := NewArtifactStore(opts.ArtifactDir, rt.FileExtension())
	if err != nil {
		return nil, err
	}
	if tracer == nil {
		tracer = monitor.NewTracer()
	}

	return &Orchestrator{
		store:     store,
		rt:        rt,
		opts:      opts,
		artifacts: artifacts,
		registry:  NewRegistry(),
		mux: &Multiplexer{
			MaxBytes:    opts.MaxOutputBytes,
			SendTimeout: opts.SinkTimeout,
			Metrics:     metrics,
		},
		metrics: metrics,
		tracer:  tracer,
	}, nil
}

// Artifacts exposes the artifact store, e.g. for the startup sweep.
func (o *Orchestrator) Artifacts() *ArtifactStore {
	return o.artifacts
}

// ActiveCount returns the number of runs currently registered.
func (o *Orchestrator) ActiveCount() int {
	return o.registry.Len()
}

// IsActive reports whether execID is the current run of its script.
func (o *Orchestrator) IsActive(execID string) bool {
	_, ok := o.registry.Lookup(execID)
	return ok
}

// RunByID looks the script up and runs it. Only a failed lookup is
// returned; everything after that is reported through sink.
func (o *Orchestrator) RunByID(ctx context.Context, scriptID string, sink Sink) error {
	s, found, err := o.store.GetScript(ctx, scriptID)
	if err != nil {
		return &RunError{Op: "get_script", Err: err}
	}
	if !found {
		return ErrScriptNotFound
	}
	o.Run(ctx, Script{ID: s.ID, Name: s.Name, Content: s.Content}, sink)
	return nil
}

// Run executes script to completion on the calling goroutine. Outcomes
// are reported through sink and the store. The run is detached from ctx
// cancellation: a disconnecting observer never stops the script.
func (o *Orchestrator) Run(ctx context.Context, script Script, sink Sink) {
	ctx = context.WithoutCancel(ctx)
	logger := log.With().Str("script_id", script.ID).Logger()
	obs := newObserver(sink, o.opts.SinkTimeout, o.metrics, logger)

	if !o.enter() {
		_ = obs.Send(ctx, Event{Type: EventError, Data: ErrShuttingDown.Error()})
		return
	}
	defer o.wg.Done()

	if prev, ok := o.registry.Take(script.ID); ok {
		o.cancelRun(ctx, prev, reasonPreempted)
	}

	execID, err := o.store.CreateExecution(ctx, script.ID, script.Name)
	if err != nil {
		logger.Error().Err(err).Msg("failed to create execution record")
		o.metrics.RecordError("create_execution")
		_ = obs.Send(ctx, Event{Type: EventError, Data: fmt.Sprintf("failed to create execution record: %v", err)})
		return
	}

	logger = logger.With().Str("exec_id", execID).Str("script_name", script.Name).Logger()
	obs.logger = logger
	logger.Info().Int("script_bytes", len(script.Content)).Msg("execution started")

	ctx, span := o.tracer.StartSpan(ctx, "execute",
		monitor.AttrExecID.String(execID),
		monitor.AttrScriptID.String(script.ID),
		monitor.AttrScriptName.String(script.Name),
	)
	o.execute(ctx, span, script, execID, obs, logger)
}

func (o *Orchestrator) enter() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return false
	}
	o.wg.Add(1)
	return true
}

func (o *Orchestrator) isClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

type drainResult struct {
	out Output
	err error
}

func (o *Orchestrator) execute(ctx context.Context, span trace.Span, script Script, execID string, obs *observer, logger zerolog.Logger) {
	start := time.Now()
	var (
		artifact string
		proc     *Process
		run      *ActiveRun
		owner    bool // run claimed its own finalization
		finished bool // terminal record written
		spanErr  error
	)

	defer func() {
		if rec := recover(); rec != nil {
			spanErr = fmt.Errorf("panic: %v", rec)
			logger.Error().Interface("panic", rec).Bytes("stack", debug.Stack()).Msg("execution panicked")
			if !finished && (run == nil || owner || run.claim()) {
				o.finishFailed(ctx, execID, "panic", spanErr, obs, logger)
				if run != nil {
					run.markFinalized()
				}
			}
		}

		if run != nil {
			o.registry.UnregisterIfCurrent(script.ID, execID)
		}
		if proc != nil {
			if !proc.Exited() {
				if err := proc.Stop(ctx, o.opts.StopGrace); err != nil {
					logger.Warn().Err(err).Msg("failed to stop process")
				}
			}
			proc.CloseStreams()
			o.metrics.ProcessExited()
		}
		if err := o.artifacts.Remove(artifact); err != nil {
			logger.Warn().Err(err).Str("artifact", artifact).Msg("failed to remove script artifact")
		}
		monitor.EndSpan(span, spanErr)
	}()

	if err := o.rt.Validate(script.Content); err != nil {
		spanErr = err
		o.finishFailed(ctx, execID, "validate", err, obs, logger)
		return
	}

	var err error
	artifact, err = o.artifacts.Write(execID, script.Content)
	if err != nil {
		spanErr = err
		o.finishFailed(ctx, execID, "write_artifact", err, obs, logger)
		return
	}

	argv := runtime.Invocation(o.rt, artifact, o.opts.LineBuffered)
	proc, err = Start(Command{Path: argv[0], Args: argv[1:], Env: o.opts.Env, Dir: o.opts.WorkDir})
	if err != nil {
		spanErr = err
		o.finishFailed(ctx, execID, "spawn", err, obs, logger)
		return
	}
	o.metrics.ProcessStarted()
	logger.Debug().Int("pid", proc.PID()).Strs("argv", argv).Msg("process spawned")

	run = newActiveRun(script.ID, execID, proc, artifact)
	if prev, ok := o.registry.PreemptAndRegister(run); ok {
		o.cancelRun(ctx, prev, reasonPreempted)
	}
	// Shutdown may have drained the registry just before we registered.
	if o.isClosed() {
		if taken, ok := o.registry.TakeRun(execID); ok {
			o.cancelRun(ctx, taken, reasonShutdown)
		}
	}

	drained := make(chan drainResult, 1)
	go func() {
		out, err := o.mux.Drain(ctx, proc.Stdout(), proc.Stderr(), obs, execID)
		drained <- drainResult{out: out, err: err}
	}()

	var res drainResult
	select {
	case res = <-drained:
		<-proc.Done()
	case <-proc.Done():
		res = o.awaitDrain(proc, drained, logger)
	}

	exitCode, waitErr := proc.ExitCode()

	owner = run.claim()
	if !owner {
		// Preempted, cancelled or shut down: the canceller owns the record.
		<-run.Finalized()
		logger.Info().Msg("execution cancelled")
		span.SetAttributes(monitor.AttrStatus.String(string(storage.StatusCancelled)))
		_ = obs.Send(ctx, Event{Type: EventStatus, Data: string(storage.StatusCancelled), ExecutionID: execID})
		return
	}

	status := storage.StatusCompleted
	if exitCode != 0 {
		status = storage.StatusFailed
	}
	stderrText := res.out.Stderr
	readErr := errors.Join(res.err, waitErr)
	if readErr != nil {
		status = storage.StatusFailed
		stderrText += readErr.Error()
		spanErr = readErr
	}

	completedAt := time.Now().UTC()
	upd := storage.ExecutionUpdate{
		Status:      &status,
		Output:      &res.out.Stdout,
		Error:       &stderrText,
		ExitCode:    &exitCode,
		CompletedAt: &completedAt,
	}
	perr := storage.WithRetry(ctx, execID, func(ctx context.Context) error {
		return o.store.UpdateExecution(ctx, execID, upd)
	})
	run.markFinalized()
	finished = true

	duration := time.Since(start)
	o.metrics.RecordExecution(string(status), duration)
	o.metrics.RecordSizes(len(script.Content), len(res.out.Stdout), len(res.out.Stderr))
	span.SetAttributes(
		monitor.AttrStatus.String(string(status)),
		monitor.AttrExitCode.Int(exitCode),
		monitor.AttrDurationMS.Int64(duration.Milliseconds()),
	)

	logger.Info().
		Str("status", string(status)).
		Int("exit_code", exitCode).
		Dur("duration", duration).
		Bool("truncated", res.out.Truncated).
		Msg("execution finished")

	switch {
	case perr != nil:
		spanErr = perr
		o.metrics.RecordError("persist")
		logger.Error().Err(perr).Msg("failed to persist execution result")
		_ = obs.Send(ctx, Event{Type: EventError, Data: fmt.Sprintf("failed to persist execution result: %v", perr), ExecutionID: execID})
	case readErr != nil:
		o.metrics.RecordError("read_output")
		_ = obs.Send(ctx, Event{Type: EventError, Data: readErr.Error(), ExecutionID: execID})
	default:
		_ = obs.Send(ctx, Event{Type: EventStatus, Data: string(status), ExecutionID: execID})
	}
}

// awaitDrain collects the drain result after the shell exited. Background
// jobs may keep the pipes open; past WaitDelay they are killed and the
// pipes closed so the run can finish.
func (o *Orchestrator) awaitDrain(proc *Process, drained <-chan drainResult, logger zerolog.Logger) drainResult {
	if o.opts.WaitDelay <= 0 {
		return <-drained
	}
	timer := time.NewTimer(o.opts.WaitDelay)
	defer timer.Stop()
	select {
	case res := <-drained:
		return res
	case <-timer.C:
		logger.Warn().Dur("wait_delay", o.opts.WaitDelay).Msg("output still open after exit, killing process group")
		if err := proc.Kill(); err != nil {
			logger.Warn().Err(err).Msg("failed to kill process group")
		}
		proc.CloseStreams()
		return <-drained
	}
}

// finishFailed marks a run that never reached normal completion as failed
// and reports the error to the observer.
func (o *Orchestrator) finishFailed(ctx context.Context, execID, op string, cause error, obs *observer, logger zerolog.Logger) {
	err := &RunError{ExecID: execID, Op: op, Err: cause}
	logger.Error().Err(cause).Str("op", op).Msg("execution failed")
	o.metrics.RecordError(op)
	o.metrics.RecordExecution(string(storage.StatusFailed), 0)

	status := storage.StatusFailed
	msg := cause.Error()
	completedAt := time.Now().UTC()
	perr := storage.WithRetry(ctx, execID, func(ctx context.Context) error {
		return o.store.UpdateExecution(ctx, execID, storage.ExecutionUpdate{
			Status:      &status,
			Error:       &msg,
			CompletedAt: &completedAt,
		})
	})
	if perr != nil {
		logger.Error().Err(perr).Msg("failed to persist execution failure")
	}
	_ = obs.Send(ctx, Event{Type: EventError, Data: err.Error(), ExecutionID: execID})
}

// cancelRun stops run and marks its record cancelled. It waits for the
// process to exit before writing the record. If the run already claimed
// its own finalization, cancelRun waits for that write instead.
func (o *Orchestrator) cancelRun(ctx context.Context, run *ActiveRun, reason string) {
	logger := log.With().
		Str("exec_id", run.ExecutionID).
		Str("script_id", run.ScriptID).
		Str("reason", reason).
		Logger()

	if !run.claim() {
		<-run.Finalized()
		return
	}
	defer run.markFinalized()

	if reason == reasonPreempted {
		o.metrics.RecordPreemption()
	}

	if err := run.Process.Stop(ctx, o.opts.StopGrace); err != nil {
		logger.Warn().Err(err).Msg("failed to stop process")
	}

	status := storage.StatusCancelled
	completedAt := time.Now().UTC()
	writeCtx := context.WithoutCancel(ctx)
	err := storage.WithRetry(writeCtx, run.ExecutionID, func(ctx context.Context) error {
		return o.store.UpdateExecution(ctx, run.ExecutionID, storage.ExecutionUpdate{
			Status:      &status,
			CompletedAt: &completedAt,
		})
	})
	if err != nil {
		o.metrics.RecordError("persist")
		logger.Error().Err(err).Msg("failed to mark execution cancelled")
	}

	if err := o.artifacts.Remove(run.Artifact); err != nil {
		logger.Warn().Err(err).Msg("failed to remove script artifact")
	}

	o.metrics.RecordExecution(string(storage.StatusCancelled), time.Since(run.StartedAt))
	logger.Info().Msg("execution cancelled")
}

// Cancel stops the active run with the given execution id. It returns
// ErrNotActive if no such run is registered.
func (o *Orchestrator) Cancel(ctx context.Context, execID string) error {
	run, ok := o.registry.TakeRun(execID)
	if !ok {
		return ErrNotActive
	}
	o.cancelRun(ctx, run, reasonCancelled)
	return nil
}

// Shutdown refuses new runs, cancels every active run and waits for all
// run goroutines to return or ctx to expire.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	runs := o.registry.Drain()
	if len(runs) > 0 {
		log.Info().Int("active", len(runs)).Msg("cancelling active executions")
	}

	var g errgroup.Group
	for _, run := range runs {
		g.Go(func() error {
			o.cancelRun(ctx, run, reasonShutdown)
			return nil
		})
	}
	_ = g.Wait()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info().Msg("all executions drained")
		return nil
	case <-ctx.Done():
		log.Warn().Int("active", o.registry.Len()).Msg("timed out waiting for executions to drain")
		return ctx.Err()
	}
}
