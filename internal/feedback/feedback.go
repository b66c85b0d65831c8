// Package feedback closes the learning loop: terminal task outcomes become
// pattern store records, which drive rule confidence, promotion, and
// demotion on future runs.
package feedback

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/fixd/internal/patternstore"
)

const instrumentationName = "github.com/fyrsmithlabs/fixd/internal/feedback"

// Recorder writes rule outcomes to the pattern store. Built-in generic
// strategies are registered on first use so their track record accumulates
// like any stored rule's.
type Recorder struct {
	store  patternstore.Store
	logger *zap.Logger

	meter         metric.Meter
	recordCounter metric.Int64Counter
}

// NewRecorder creates a recorder backed by the given store.
func NewRecorder(store patternstore.Store, logger *zap.Logger) (*Recorder, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &Recorder{
		store:  store,
		logger: logger,
		meter:  otel.Meter(instrumentationName),
	}

	var err error
	r.recordCounter, err = r.meter.Int64Counter(
		"fixd.feedback.records_total",
		metric.WithDescription("Outcome records written by result"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		r.logger.Warn("failed to create record counter", zap.Error(err))
	}

	return r, nil
}

// RecordSuccess records a verified fix for a rule.
func (r *Recorder) RecordSuccess(ctx context.Context, ruleID string) {
	r.record(ctx, ruleID, patternstore.OutcomeSuccess)
}

// RecordFailure records a rolled-back or failed fix for a rule.
func (r *Recorder) RecordFailure(ctx context.Context, ruleID string) {
	r.record(ctx, ruleID, patternstore.OutcomeFailure)
}

func (r *Recorder) record(ctx context.Context, ruleID string, outcome patternstore.Outcome) {
	if ruleID == "" {
		return
	}

	err := r.store.Record(ctx, ruleID, outcome)
	if errors.Is(err, patternstore.ErrRuleNotFound) {
		// First outcome for a built-in generic strategy: materialize it in
		// the store so its confidence is tracked from here on.
		if rerr := r.registerGeneric(ctx, ruleID); rerr != nil {
			r.logger.Error("failed to register generic rule",
				zap.String("rule_id", ruleID),
				zap.Error(rerr),
			)
			return
		}
		err = r.store.Record(ctx, ruleID, outcome)
	}
	if err != nil {
		r.logger.Error("failed to record rule outcome",
			zap.String("rule_id", ruleID),
			zap.String("outcome", string(outcome)),
			zap.Error(err),
		)
		return
	}

	if r.recordCounter != nil {
		r.recordCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("outcome", string(outcome)),
		))
	}
}

// registerGeneric materializes a built-in strategy as a stored rule.
func (r *Recorder) registerGeneric(ctx context.Context, ruleID string) error {
	code, ok := genericScope(ruleID)
	if !ok {
		return errors.New("rule is neither stored nor a generic strategy")
	}
	// The "builtin/" scope prefix keeps these tracking rules out of normal
	// lookups; the resolver reads them back by ID to gate the built-in
	// table on accumulated confidence.
	return r.store.Put(ctx, &patternstore.FixRule{
		ID:    ruleID,
		Scope: "builtin/" + code,
		Tier:  patternstore.TierGeneric,
		Transform: patternstore.TransformSpec{
			Kind: patternstore.TransformRegexReplace,
		},
		Confidence: 0.3,
	})
}

// genericScope extracts the diagnostic code from a generic rule ID.
func genericScope(ruleID string) (string, bool) {
	const prefix = "generic:"
	if len(ruleID) <= len(prefix) || ruleID[:len(prefix)] != prefix {
		return "", false
	}
	return ruleID[len(prefix):], true
}
