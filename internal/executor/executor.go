// Package executor applies fix transformations under lease and checkpoint
// protection.
//
// The invariant: a file is only ever modified while its lock is held and
// after its pre-modification bytes are snapshotted. Rollback is therefore
// always possible and never races a concurrent worker.
package executor

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/fixd/internal/checkpoint"
	"github.com/fyrsmithlabs/fixd/internal/lockmgr"
	"github.com/fyrsmithlabs/fixd/internal/patternstore"
)

const instrumentationName = "github.com/fyrsmithlabs/fixd/internal/executor"

// ErrNotApplicable means the transform matched nothing in any target file.
// The task group is reported unfixable rather than verified.
var ErrNotApplicable = errors.New("transform not applicable")

// ApplyRequest describes one fix application.
type ApplyRequest struct {
	RunID          string
	Owner          string
	GroupSignature string
	Files          []string
	Transform      patternstore.TransformSpec
}

// Application is the result of a successful apply.
type Application struct {
	// CheckpointID names the pre-modification snapshot for rollback.
	CheckpointID string

	// ModifiedFiles lists the files whose content actually changed.
	ModifiedFiles []string
}

// Executor applies transforms to task groups.
type Executor struct {
	locks       *lockmgr.Manager
	checkpoints checkpoint.Service
	logger      *zap.Logger

	tracer       trace.Tracer
	meter        metric.Meter
	applyCounter metric.Int64Counter
}

// New creates an executor.
func New(locks *lockmgr.Manager, checkpoints checkpoint.Service, logger *zap.Logger) (*Executor, error) {
	if locks == nil {
		return nil, errors.New("lock manager is required")
	}
	if checkpoints == nil {
		return nil, errors.New("checkpoint service is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &Executor{
		locks:       locks,
		checkpoints: checkpoints,
		logger:      logger,
		tracer:      otel.Tracer(instrumentationName),
		meter:       otel.Meter(instrumentationName),
	}

	var err error
	e.applyCounter, err = e.meter.Int64Counter(
		"fixd.executor.applies_total",
		metric.WithDescription("Fix applications by result"),
		metric.WithUnit("{apply}"),
	)
	if err != nil {
		e.logger.Warn("failed to create apply counter", zap.Error(err))
	}

	return e, nil
}

// Apply locks the group's files, snapshots them, and applies the
// transform. On any write failure the snapshot is restored before the
// error returns. A transform that changes no file returns ErrNotApplicable
// with the checkpoint already discarded.
func (e *Executor) Apply(ctx context.Context, req *ApplyRequest) (*Application, error) {
	ctx, span := e.tracer.Start(ctx, "executor.apply")
	defer span.End()

	if req == nil || len(req.Files) == 0 {
		return nil, errors.New("at least one file is required")
	}
	span.SetAttributes(
		attribute.String("run_id", req.RunID),
		attribute.String("group_signature", req.GroupSignature),
		attribute.Int("file_count", len(req.Files)),
		attribute.String("transform_kind", string(req.Transform.Kind)),
	)

	lease, err := e.locks.Acquire(ctx, req.Owner, req.Files)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "lock acquisition failed")
		e.count(ctx, "lock_failed")
		return nil, fmt.Errorf("failed to lock task group: %w", err)
	}
	defer lease.Release()

	cp, err := e.checkpoints.Save(ctx, &checkpoint.SaveRequest{
		RunID:          req.RunID,
		GroupSignature: req.GroupSignature,
		Files:          lease.Paths(),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "checkpoint failed")
		e.count(ctx, "checkpoint_failed")
		return nil, fmt.Errorf("failed to checkpoint task group: %w", err)
	}

	app := &Application{CheckpointID: cp.ID}
	for _, path := range lease.Paths() {
		changed, err := e.applyToFile(path, req.Transform)
		if err != nil {
			// Partial edits must not survive a failed apply.
			if rerr := e.checkpoints.Restore(ctx, cp.ID); rerr != nil {
				e.logger.Error("rollback after failed apply also failed",
					zap.String("checkpoint_id", cp.ID),
					zap.Error(rerr),
				)
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, "apply failed")
			e.count(ctx, "error")
			return nil, fmt.Errorf("failed to apply transform to %s: %w", path, err)
		}
		if changed {
			app.ModifiedFiles = append(app.ModifiedFiles, path)
		}
	}

	if len(app.ModifiedFiles) == 0 {
		if err := e.checkpoints.Delete(ctx, cp.ID); err != nil {
			e.logger.Warn("failed to discard unused checkpoint",
				zap.String("checkpoint_id", cp.ID),
				zap.Error(err),
			)
		}
		e.count(ctx, "not_applicable")
		return nil, fmt.Errorf("%w: group %s", ErrNotApplicable, req.GroupSignature)
	}

	e.count(ctx, "applied")
	e.logger.Debug("transform applied",
		zap.String("group_signature", req.GroupSignature),
		zap.String("checkpoint_id", cp.ID),
		zap.Int("modified_files", len(app.ModifiedFiles)),
	)
	return app, nil
}

func (e *Executor) applyToFile(path string, spec patternstore.TransformSpec) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		return false, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return false, err
	}

	out, changed, err := applyTransform(spec, string(data))
	if err != nil {
		return false, err
	}
	if !changed {
		return false, nil
	}

	if err := os.WriteFile(path, []byte(out), info.Mode().Perm()); err != nil {
		return false, err
	}
	return true, nil
}

func (e *Executor) count(ctx context.Context, result string) {
	if e.applyCounter != nil {
		e.applyCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("result", result),
		))
	}
}
