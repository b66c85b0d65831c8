// Package verifier decides whether an applied fix actually worked.
//
// A fix passes only if the target signature's occurrence count strictly
// decreased and no new signature appeared in any modified file. Anything
// else is a regression and triggers rollback.
package verifier

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/fixd/internal/diag"
)

const instrumentationName = "github.com/fyrsmithlabs/fixd/internal/verifier"

// ErrRegression means the fix did not reduce the target diagnostic, or
// introduced new ones.
var ErrRegression = errors.New("fix verification failed")

// Source produces a fresh diagnostic snapshot scoped to a set of files.
// In production this re-runs the build tool; tests substitute canned
// snapshots.
type Source interface {
	Snapshot(ctx context.Context, files []string) (*diag.Snapshot, error)
}

// Result reports what verification observed.
type Result struct {
	// Removed is how many occurrences of the target signature disappeared.
	Removed int

	// Remaining is the target signature's count after the fix.
	Remaining int

	// NewSignatures lists signatures present after but not before in the
	// modified files. Non-empty means regression.
	NewSignatures []string
}

// Verifier checks applied fixes against a diagnostic source.
type Verifier struct {
	source Source
	logger *zap.Logger

	tracer        trace.Tracer
	meter         metric.Meter
	verifyCounter metric.Int64Counter
}

// New creates a verifier.
func New(source Source, logger *zap.Logger) (*Verifier, error) {
	if source == nil {
		return nil, errors.New("diagnostic source is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	v := &Verifier{
		source: source,
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
		meter:  otel.Meter(instrumentationName),
	}

	var err error
	v.verifyCounter, err = v.meter.Int64Counter(
		"fixd.verifier.verifications_total",
		metric.WithDescription("Fix verifications by outcome"),
		metric.WithUnit("{verification}"),
	)
	if err != nil {
		v.logger.Warn("failed to create verification counter", zap.Error(err))
	}

	return v, nil
}

// Verify re-snapshots the modified files and compares against the
// pre-application state. Returns ErrRegression (with the Result still
// populated) when the fix must be rolled back.
func (v *Verifier) Verify(ctx context.Context, before *diag.Snapshot, signature string, files []string) (*Result, error) {
	ctx, span := v.tracer.Start(ctx, "verifier.verify")
	defer span.End()
	span.SetAttributes(
		attribute.String("signature", signature),
		attribute.Int("file_count", len(files)),
	)

	after, err := v.source.Snapshot(ctx, files)
	if err != nil {
		v.count(ctx, "source_error")
		return nil, fmt.Errorf("failed to re-snapshot diagnostics: %w", err)
	}

	res := &Result{
		Removed:   before.Count(signature) - after.Count(signature),
		Remaining: after.Count(signature),
	}

	for _, file := range files {
		prior := before.SignaturesIn(file)
		for sig := range after.SignaturesIn(file) {
			if !prior[sig] {
				res.NewSignatures = append(res.NewSignatures, sig)
			}
		}
	}
	sort.Strings(res.NewSignatures)

	span.SetAttributes(
		attribute.Int("removed", res.Removed),
		attribute.Int("new_signatures", len(res.NewSignatures)),
	)

	if len(res.NewSignatures) > 0 {
		v.count(ctx, "regression_new")
		return res, fmt.Errorf("%w: %d new signature(s) in modified files", ErrRegression, len(res.NewSignatures))
	}
	if res.Removed <= 0 {
		v.count(ctx, "regression_count")
		return res, fmt.Errorf("%w: signature %s count did not decrease", ErrRegression, signature)
	}

	v.count(ctx, "verified")
	v.logger.Debug("fix verified",
		zap.String("signature", signature),
		zap.Int("removed", res.Removed),
		zap.Int("remaining", res.Remaining),
	)
	return res, nil
}

func (v *Verifier) count(ctx context.Context, outcome string) {
	if v.verifyCounter != nil {
		v.verifyCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("outcome", outcome),
		))
	}
}
