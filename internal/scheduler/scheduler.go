// Package scheduler drives task groups through the remediation pipeline
// with a bounded worker pool.
//
// Each group's pipeline (resolve, apply, verify) is synchronous within its
// worker; groups run in parallel across workers. File-level conflicts are
// serialized by the lock manager, not here: the scheduler only bounds
// parallelism and owns the retry/circuit-breaker policy.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/fixd/internal/diag"
	"github.com/fyrsmithlabs/fixd/internal/executor"
	"github.com/fyrsmithlabs/fixd/internal/strategy"
	"github.com/fyrsmithlabs/fixd/internal/verifier"
)

const instrumentationName = "github.com/fyrsmithlabs/fixd/internal/scheduler"

// pausePollInterval is how often a paused worker re-checks the flag.
const pausePollInterval = 100 * time.Millisecond

// StrategyResolver resolves diagnostics to strategies, skipping rules the
// group already tried.
type StrategyResolver interface {
	ResolveExcluding(ctx context.Context, d *diag.Diagnostic, exclude map[string]bool) (*strategy.Strategy, error)
	Invalidate(signature string)
}

// FixApplier applies a transform under lease and checkpoint protection.
type FixApplier interface {
	Apply(ctx context.Context, req *executor.ApplyRequest) (*executor.Application, error)
}

// FixVerifier checks an applied fix against a fresh diagnostic snapshot.
type FixVerifier interface {
	Verify(ctx context.Context, before *diag.Snapshot, signature string, files []string) (*verifier.Result, error)
}

// CheckpointStore is the rollback surface the scheduler needs.
type CheckpointStore interface {
	Restore(ctx context.Context, checkpointID string) error
	Delete(ctx context.Context, checkpointID string) error
}

// OutcomeRecorder feeds terminal outcomes back to the pattern store.
type OutcomeRecorder interface {
	RecordSuccess(ctx context.Context, ruleID string)
	RecordFailure(ctx context.Context, ruleID string)
}

// Config configures the scheduler.
type Config struct {
	// Mode selects worker-pool width and group-batching policy
	// (default: bounded-parallel).
	Mode ExecutionMode

	// Workers is the pool size; 0 derives it from the host
	// (see DeriveWorkerCount).
	Workers int

	// MaxAttempts caps retries per group before the circuit opens
	// (default: 3).
	MaxAttempts int

	// StageTimeout bounds each pipeline stage (default: 5m).
	StageTimeout time.Duration

	// Retry configures backoff between failed attempts.
	Retry *RetryConfig
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Mode:         ModeBoundedParallel,
		MaxAttempts:  3,
		StageTimeout: 5 * time.Minute,
		Retry:        DefaultRetryConfig(),
	}
}

// Deps are the pipeline collaborators a scheduler drives.
type Deps struct {
	Resolver    StrategyResolver
	Applier     FixApplier
	Verifier    FixVerifier
	Checkpoints CheckpointStore
	Recorder    OutcomeRecorder
}

// Scheduler runs task groups to terminal states.
type Scheduler struct {
	config *Config
	deps   Deps
	logger *zap.Logger

	tracer        trace.Tracer
	meter         metric.Meter
	groupCounter  metric.Int64Counter
	groupDuration metric.Float64Histogram

	paused atomic.Bool

	mu     sync.RWMutex
	groups []*TaskGroup
}

// New creates a scheduler.
func New(cfg *Config, deps Deps, logger *zap.Logger) (*Scheduler, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if deps.Resolver == nil {
		return nil, errors.New("resolver is required")
	}
	if deps.Applier == nil {
		return nil, errors.New("applier is required")
	}
	if deps.Verifier == nil {
		return nil, errors.New("verifier is required")
	}
	if deps.Checkpoints == nil {
		return nil, errors.New("checkpoint store is required")
	}
	if deps.Recorder == nil {
		return nil, errors.New("outcome recorder is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeBoundedParallel
	}
	if !cfg.Mode.Valid() {
		return nil, fmt.Errorf("unknown execution mode %q", cfg.Mode)
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.StageTimeout <= 0 {
		cfg.StageTimeout = 5 * time.Minute
	}
	if cfg.Retry == nil {
		cfg.Retry = DefaultRetryConfig()
	}
	cfg.Retry.ApplyDefaults()
	if cfg.Workers <= 0 {
		cfg.Workers = DeriveWorkerCount(logger)
	}

	s := &Scheduler{
		config: cfg,
		deps:   deps,
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
		meter:  otel.Meter(instrumentationName),
	}
	s.initMetrics()
	return s, nil
}

// initMetrics initializes OpenTelemetry metrics.
func (s *Scheduler) initMetrics() {
	var err error

	s.groupCounter, err = s.meter.Int64Counter(
		"fixd.scheduler.groups_total",
		metric.WithDescription("Task groups by terminal state"),
		metric.WithUnit("{group}"),
	)
	if err != nil {
		s.logger.Warn("failed to create group counter", zap.Error(err))
	}

	s.groupDuration, err = s.meter.Float64Histogram(
		"fixd.scheduler.group_duration",
		metric.WithDescription("Wall-clock time per task group"),
		metric.WithUnit("s"),
	)
	if err != nil {
		s.logger.Warn("failed to create duration histogram", zap.Error(err))
	}
}

// Pause stops new assignments. Groups already running finish their current
// pipeline stage.
func (s *Scheduler) Pause() { s.paused.Store(true) }

// Resume lifts a pause.
func (s *Scheduler) Resume() { s.paused.Store(false) }

// Paused reports the pause flag.
func (s *Scheduler) Paused() bool { return s.paused.Load() }

// Status returns a point-in-time view of every group in the current run.
func (s *Scheduler) Status() []Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Status, len(s.groups))
	for i, g := range s.groups {
		out[i] = g.Snapshot()
	}
	return out
}

// Run drives every group to a terminal state. The worker pool size and
// batching policy follow the configured execution mode.
func (s *Scheduler) Run(ctx context.Context, runID string, before *diag.Snapshot, groups []*TaskGroup) error {
	ctx, span := s.tracer.Start(ctx, "scheduler.run")
	defer span.End()
	span.SetAttributes(
		attribute.String("run_id", runID),
		attribute.Int("groups", len(groups)),
		attribute.String("mode", string(s.config.Mode)),
		attribute.Int("workers", s.config.Workers),
	)

	s.mu.Lock()
	s.groups = groups
	s.mu.Unlock()

	if len(groups) == 0 {
		return nil
	}

	workers := s.config.Workers
	if s.config.Mode == ModeSequential {
		workers = 1
	}
	workerPoolSize.Set(float64(workers))

	s.logger.Info("scheduler run starting",
		zap.String("run_id", runID),
		zap.Int("groups", len(groups)),
		zap.String("mode", string(s.config.Mode)),
		zap.Int("workers", workers),
	)

	for _, stage := range s.stages(groups) {
		if err := s.runStage(ctx, runID, before, stage, workers); err != nil {
			return err
		}
	}
	return nil
}

// stages batches groups per the execution mode. Staged mode drains errors
// before warnings; the other modes use one batch.
func (s *Scheduler) stages(groups []*TaskGroup) [][]*TaskGroup {
	if s.config.Mode != ModeStaged {
		return [][]*TaskGroup{groups}
	}

	var errs, warns []*TaskGroup
	for _, g := range groups {
		if g.Diagnostic.Severity == diag.SeverityWarning {
			warns = append(warns, g)
		} else {
			errs = append(errs, g)
		}
	}

	var out [][]*TaskGroup
	if len(errs) > 0 {
		out = append(out, errs)
	}
	if len(warns) > 0 {
		out = append(out, warns)
	}
	return out
}

// runStage drains one batch of groups through the worker pool.
func (s *Scheduler) runStage(ctx context.Context, runID string, before *diag.Snapshot, groups []*TaskGroup, workers int) error {
	// Capacity covers every group re-entering the queue on each retry.
	queue := make(chan *TaskGroup, len(groups)*(s.config.MaxAttempts+1))
	var outstanding atomic.Int64
	outstanding.Store(int64(len(groups)))
	for _, g := range groups {
		queue <- g
	}

	eg, ctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		eg.Go(func() error {
			for {
				var g *TaskGroup
				var ok bool
				select {
				case g, ok = <-queue:
					if !ok {
						return nil
					}
				case <-ctx.Done():
					return ctx.Err()
				}

				// The pause flag is honored only at the pending->assigned
				// boundary; a running group finishes its stage.
				for s.paused.Load() {
					if err := sleep(ctx, pausePollInterval); err != nil {
						return err
					}
				}

				g.setState(StateAssigned)
				terminal := s.process(ctx, runID, before, g)
				if terminal {
					if outstanding.Add(-1) == 0 {
						close(queue)
					}
					continue
				}

				attempts := g.Snapshot().Attempts
				if err := sleep(ctx, s.config.Retry.Backoff(attempts)); err != nil {
					return err
				}
				g.setState(StatePending)
				queue <- g
			}
		})
	}
	return eg.Wait()
}

// process runs one attempt of a group's pipeline and reports whether the
// group reached a terminal state.
func (s *Scheduler) process(ctx context.Context, runID string, before *diag.Snapshot, g *TaskGroup) bool {
	ctx, span := s.tracer.Start(ctx, "scheduler.process")
	defer span.End()
	span.SetAttributes(attribute.String("signature", g.Signature))

	g.mu.Lock()
	g.attempts++
	attempt := g.attempts
	if g.startedAt.IsZero() {
		g.startedAt = time.Now()
	}
	g.mu.Unlock()
	g.setState(StateRunning)

	res, err := s.deps.Resolver.ResolveExcluding(ctx, g.Diagnostic, g.tried())
	if err != nil {
		if errors.Is(err, strategy.ErrNoStrategy) {
			// Nothing (left) to try. If a rule was actually exercised and
			// rolled back, the group failed; otherwise it was never fixable.
			if g.exercised() {
				return s.finish(ctx, g, StateFailed, "strategy tiers exhausted")
			}
			return s.finish(ctx, g, StateUnfixable, "")
		}
		return s.attemptFailed(ctx, g, attempt, fmt.Sprintf("resolution error: %v", err))
	}

	g.mu.Lock()
	g.ruleID = res.RuleID
	g.mu.Unlock()
	span.SetAttributes(attribute.String("rule_id", res.RuleID))

	applyCtx, cancel := context.WithTimeout(ctx, s.config.StageTimeout)
	app, err := s.deps.Applier.Apply(applyCtx, &executor.ApplyRequest{
		RunID:          runID,
		Owner:          g.Signature,
		GroupSignature: g.Signature,
		Files:          g.Files,
		Transform:      res.Transform,
	})
	cancel()
	if err != nil {
		if errors.Is(err, executor.ErrNotApplicable) {
			// Not a failed attempt: nothing was modified. Walk down to the
			// next tier immediately.
			s.logger.Debug("rule not applicable, trying next tier",
				zap.String("signature", g.Signature),
				zap.String("rule_id", res.RuleID),
			)
			g.mu.Lock()
			g.triedRules[res.RuleID] = true
			g.attempts-- // this attempt consumed no budget
			g.mu.Unlock()
			g.setState(StatePending)
			return false
		}
		// Infrastructure failure (lock timeout, checkpoint I/O): the
		// transform was never evaluated, so the retry keeps the same rule.
		return s.attemptFailed(ctx, g, attempt, fmt.Sprintf("apply error: %v", err))
	}

	// The rule counts as tried only once its transform actually ran.
	g.mu.Lock()
	g.everApplied = true
	g.triedRules[res.RuleID] = true
	g.mu.Unlock()

	g.setState(StateVerifying)
	verifyCtx, cancel := context.WithTimeout(ctx, s.config.StageTimeout)
	_, err = s.deps.Verifier.Verify(verifyCtx, before, g.Signature, app.ModifiedFiles)
	cancel()

	if err == nil {
		if derr := s.deps.Checkpoints.Delete(ctx, app.CheckpointID); derr != nil {
			s.logger.Warn("failed to prune checkpoint of completed group",
				zap.String("checkpoint_id", app.CheckpointID),
				zap.Error(derr),
			)
		}
		s.deps.Recorder.RecordSuccess(ctx, res.RuleID)
		return s.finish(ctx, g, StateCompleted, "")
	}

	// Verification failure of any kind: the tree must go back to its
	// checkpointed state before anything else happens.
	if rerr := s.deps.Checkpoints.Restore(ctx, app.CheckpointID); rerr != nil {
		s.logger.Error("rollback failed, tree may hold an unverified fix",
			zap.String("checkpoint_id", app.CheckpointID),
			zap.String("signature", g.Signature),
			zap.Error(rerr),
		)
		return s.finish(ctx, g, StateFailed, fmt.Sprintf("rollback failed: %v", rerr))
	}

	if errors.Is(err, verifier.ErrRegression) {
		s.deps.Recorder.RecordFailure(ctx, res.RuleID)
		s.deps.Resolver.Invalidate(g.Signature)
		g.setState(StateRolledBack)
		s.logger.Warn("fix rolled back",
			zap.String("signature", g.Signature),
			zap.String("rule_id", res.RuleID),
			zap.Int("attempt", attempt),
		)
		if attempt >= s.config.MaxAttempts {
			return s.openCircuit(ctx, g, "attempt cap reached after rollback")
		}
		// Loops back to pending; the tried set steers resolution to the
		// next tier.
		return false
	}

	// Source error or stage timeout: the fix was rolled back but the rule
	// is not charged a failure. Only a regression verdict counts against it.
	return s.attemptFailed(ctx, g, attempt, fmt.Sprintf("verification error: %v", err))
}

// attemptFailed marks a failed attempt and decides between retry and
// opening the circuit.
func (s *Scheduler) attemptFailed(ctx context.Context, g *TaskGroup, attempt int, msg string) bool {
	g.mu.Lock()
	g.lastErr = msg
	g.state = StateFailed
	g.mu.Unlock()

	s.logger.Warn("task group attempt failed",
		zap.String("signature", g.Signature),
		zap.Int("attempt", attempt),
		zap.String("error", msg),
	)

	if attempt >= s.config.MaxAttempts {
		return s.openCircuit(ctx, g, msg)
	}
	return false
}

// openCircuit marks the group skipped for the remainder of the run.
func (s *Scheduler) openCircuit(ctx context.Context, g *TaskGroup, msg string) bool {
	g.mu.Lock()
	g.circuitOpen = true
	g.mu.Unlock()
	return s.finish(ctx, g, StateSkipped, msg)
}

// finish records a terminal state.
func (s *Scheduler) finish(ctx context.Context, g *TaskGroup, state State, msg string) bool {
	g.mu.Lock()
	g.state = state
	if msg != "" {
		g.lastErr = msg
	}
	if !g.startedAt.IsZero() {
		g.duration = time.Since(g.startedAt)
	}
	dur := g.duration
	g.mu.Unlock()

	groupsByState.WithLabelValues(string(state)).Inc()
	if s.groupCounter != nil {
		s.groupCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("state", string(state)),
		))
	}
	if s.groupDuration != nil {
		s.groupDuration.Record(ctx, dur.Seconds(), metric.WithAttributes(
			attribute.String("state", string(state)),
		))
	}

	s.logger.Info("task group finished",
		zap.String("signature", g.Signature),
		zap.String("state", string(state)),
		zap.Duration("duration", dur),
	)
	return true
}

// tried returns a copy of the group's tried-rule set.
func (g *TaskGroup) tried() map[string]bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]bool, len(g.triedRules))
	for k := range g.triedRules {
		out[k] = true
	}
	return out
}

// exercised reports whether any rule destructively ran for this group.
func (g *TaskGroup) exercised() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.everApplied
}
