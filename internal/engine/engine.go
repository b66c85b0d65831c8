// Package engine assembles the remediation pipeline and exposes the
// control surface external collaborators drive: run, pause, resume,
// status.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/fixd/internal/checkpoint"
	"github.com/fyrsmithlabs/fixd/internal/config"
	"github.com/fyrsmithlabs/fixd/internal/diag"
	"github.com/fyrsmithlabs/fixd/internal/executor"
	"github.com/fyrsmithlabs/fixd/internal/feedback"
	"github.com/fyrsmithlabs/fixd/internal/lockmgr"
	"github.com/fyrsmithlabs/fixd/internal/patternstore"
	"github.com/fyrsmithlabs/fixd/internal/report"
	"github.com/fyrsmithlabs/fixd/internal/scheduler"
	"github.com/fyrsmithlabs/fixd/internal/strategy"
	"github.com/fyrsmithlabs/fixd/internal/verifier"
)

const instrumentationName = "github.com/fyrsmithlabs/fixd/internal/engine"

// Engine owns the wired pipeline for the lifetime of the process.
type Engine struct {
	config *config.Config
	logger *zap.Logger
	tracer trace.Tracer

	store     patternstore.Store
	resolver  *strategy.Resolver
	locks     *lockmgr.Manager
	chkpoints checkpoint.Service
	exec      *executor.Executor
	verify    *verifier.Verifier
	sched     *scheduler.Scheduler
	recorder  *feedback.Recorder
	reports   *report.Writer

	mu     sync.Mutex
	closed bool
}

// New wires the pipeline from configuration. The diagnostic source is the
// external build collaborator re-invoked during verification.
func New(cfg *config.Config, source verifier.Source, logger *zap.Logger) (*Engine, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if source == nil {
		return nil, errors.New("diagnostic source is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	store, err := patternstore.Open(&patternstore.Config{
		Path:               cfg.Store.Path,
		CompactionFactor:   cfg.Store.CompactionFactor,
		DefaultConfidence:  0.5,
		ConfidenceDelta:    0.1,
		MinConfidence:      0.05,
		MaxConfidence:      1.0,
		PromoteMinAttempts: 3,
		PromoteRate:        0.9,
		DemoteMinAttempts:  5,
		DemoteRate:         0.5,
	}, logger.Named("patternstore"))
	if err != nil {
		return nil, fmt.Errorf("failed to open pattern store: %w", err)
	}

	resolver, err := strategy.NewResolver(&strategy.Config{
		LearnedThreshold: cfg.Pipeline.LearnedThreshold,
		CacheTTL:         cfg.Store.CacheTTL.Duration(),
	}, store, logger.Named("strategy"))
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to create resolver: %w", err)
	}

	chkpoints, err := checkpoint.NewService(&checkpoint.Config{
		Root: cfg.Checkpoint.Dir,
	}, logger.Named("checkpoint"))
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to create checkpoint service: %w", err)
	}

	locks := lockmgr.NewManager(&lockmgr.Config{
		AcquireTimeout: cfg.Pipeline.LockTimeout.Duration(),
	}, logger.Named("lockmgr"))

	exec, err := executor.New(locks, chkpoints, logger.Named("executor"))
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to create executor: %w", err)
	}

	verify, err := verifier.New(source, logger.Named("verifier"))
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to create verifier: %w", err)
	}

	recorder, err := feedback.NewRecorder(store, logger.Named("feedback"))
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to create feedback recorder: %w", err)
	}

	sched, err := scheduler.New(&scheduler.Config{
		Mode:         scheduler.ExecutionMode(cfg.Pipeline.Mode),
		Workers:      cfg.Pipeline.Workers,
		MaxAttempts:  cfg.Pipeline.MaxAttempts,
		StageTimeout: cfg.Pipeline.StageTimeout.Duration(),
	}, scheduler.Deps{
		Resolver:    resolver,
		Applier:     exec,
		Verifier:    verify,
		Checkpoints: chkpoints,
		Recorder:    recorder,
	}, logger.Named("scheduler"))
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	reports, err := report.NewWriter(cfg.Report.Dir, logger.Named("report"))
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to create report writer: %w", err)
	}

	return &Engine{
		config:    cfg,
		logger:    logger,
		tracer:    otel.Tracer(instrumentationName),
		store:     store,
		resolver:  resolver,
		locks:     locks,
		chkpoints: chkpoints,
		exec:      exec,
		verify:    verify,
		sched:     sched,
		recorder:  recorder,
		reports:   reports,
	}, nil
}

// RunOnce ingests one diagnostic stream, remediates it, and writes the run
// report. Returns the report even when some groups end failed or skipped;
// only infrastructure errors (store corruption, ingest read failure) are
// returned as errors.
func (e *Engine) RunOnce(ctx context.Context, input io.Reader) (*report.Report, error) {
	ctx, span := e.tracer.Start(ctx, "engine.run_once")
	defer span.End()

	if err := e.checkClosed(); err != nil {
		return nil, err
	}

	runID := uuid.New().String()
	started := time.Now().UTC()
	span.SetAttributes(attribute.String("run_id", runID))

	res, err := diag.NewParser(e.logger.Named("diag")).Parse(ctx, input)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "ingest failed")
		return nil, fmt.Errorf("failed to ingest diagnostics: %w", err)
	}

	groups := make([]*scheduler.TaskGroup, 0, len(res.Diagnostics))
	for _, d := range res.Diagnostics {
		groups = append(groups, scheduler.NewTaskGroup(d))
	}

	e.logger.Info("remediation run starting",
		zap.String("run_id", runID),
		zap.Int("groups", len(groups)),
		zap.Int("parse_errors", res.ParseErrors),
	)

	if err := e.sched.Run(ctx, runID, res.Snapshot(), groups); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "scheduler aborted")
		return nil, fmt.Errorf("scheduler run failed: %w", err)
	}

	// Checkpoints of completed groups are pruned inline; what is left
	// belongs to failed/skipped groups and is retained for inspection
	// unless every group completed.
	statuses := e.sched.Status()
	if allCompleted(statuses) {
		if err := e.chkpoints.Prune(ctx, runID); err != nil {
			e.logger.Warn("failed to prune run checkpoints", zap.Error(err))
		}
	}

	summary, err := e.store.Summary(ctx)
	if err != nil {
		e.logger.Warn("failed to read store summary", zap.Error(err))
	}

	rep := &report.Report{
		RunID:        runID,
		StartedAt:    started,
		FinishedAt:   time.Now().UTC(),
		Mode:         e.config.Pipeline.Mode,
		Workers:      e.config.Pipeline.Workers,
		LinesScanned: res.LinesScanned,
		ParseErrors:  res.ParseErrors,
		Diagnostics:  len(res.Diagnostics),
		Groups:       report.FromStatuses(statuses),
		Store:        summary,
	}

	if _, err := e.reports.Write(rep); err != nil {
		e.logger.Error("failed to write run report", zap.Error(err))
	}

	return rep, nil
}

// Pause stops new group assignments; running stages finish first.
func (e *Engine) Pause() { e.sched.Pause() }

// Resume lifts a pause.
func (e *Engine) Resume() { e.sched.Resume() }

// Status reports per-group states and the pattern store summary.
func (e *Engine) Status(ctx context.Context) ([]scheduler.Status, *patternstore.Summary, error) {
	if err := e.checkClosed(); err != nil {
		return nil, nil, err
	}
	summary, err := e.store.Summary(ctx)
	if err != nil {
		return nil, nil, err
	}
	return e.sched.Status(), summary, nil
}

// Close flushes and closes the pipeline.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true

	return errors.Join(
		e.chkpoints.Close(),
		e.store.Close(),
	)
}

func (e *Engine) checkClosed() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return errors.New("engine is closed")
	}
	return nil
}

func allCompleted(statuses []scheduler.Status) bool {
	for _, st := range statuses {
		if st.State != scheduler.StateCompleted {
			return false
		}
	}
	return true
}
