package strategy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/fixd/internal/diag"
	"github.com/fyrsmithlabs/fixd/internal/patternstore"
)

const instrumentationName = "github.com/fyrsmithlabs/fixd/internal/strategy"

// Config configures the resolver.
type Config struct {
	// LearnedThreshold is the minimum confidence for a learned rule to be
	// selected (default: 0.6).
	LearnedThreshold float64

	// CacheTTL bounds how long a resolution is reused (default: 15m).
	CacheTTL time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		LearnedThreshold: 0.6,
		CacheTTL:         15 * time.Minute,
	}
}

// Resolver maps diagnostics to strategies. Resolution tries the cache,
// then stored rules in tier order, then the built-in generic table.
type Resolver struct {
	config *Config
	store  patternstore.Store
	cache  *Cache
	logger *zap.Logger

	tracer          trace.Tracer
	meter           metric.Meter
	resolveCounter  metric.Int64Counter
	resolveDuration metric.Float64Histogram
}

// NewResolver creates a resolver backed by the given store.
func NewResolver(cfg *Config, store patternstore.Store, logger *zap.Logger) (*Resolver, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if store == nil {
		return nil, errors.New("store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.LearnedThreshold <= 0 || cfg.LearnedThreshold > 1 {
		return nil, fmt.Errorf("learned threshold %f out of range", cfg.LearnedThreshold)
	}

	r := &Resolver{
		config: cfg,
		store:  store,
		cache:  NewCache(cfg.CacheTTL),
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
		meter:  otel.Meter(instrumentationName),
	}
	r.initMetrics()
	return r, nil
}

// initMetrics initializes OpenTelemetry metrics.
func (r *Resolver) initMetrics() {
	var err error

	r.resolveCounter, err = r.meter.Int64Counter(
		"fixd.strategy.resolutions_total",
		metric.WithDescription("Strategy resolutions by source tier"),
		metric.WithUnit("{resolution}"),
	)
	if err != nil {
		r.logger.Warn("failed to create resolution counter", zap.Error(err))
	}

	r.resolveDuration, err = r.meter.Float64Histogram(
		"fixd.strategy.resolution_duration",
		metric.WithDescription("Strategy resolution latency"),
		metric.WithUnit("s"),
	)
	if err != nil {
		r.logger.Warn("failed to create resolution histogram", zap.Error(err))
	}
}

// Resolve returns the best strategy for a diagnostic, or ErrNoStrategy.
func (r *Resolver) Resolve(ctx context.Context, d *diag.Diagnostic) (*Strategy, error) {
	return r.ResolveExcluding(ctx, d, nil)
}

// ResolveExcluding resolves while skipping already-tried rules, so a group
// that rolled back walks down the remaining tiers instead of replaying the
// same failed strategy. The cache is bypassed when exclusions are present.
func (r *Resolver) ResolveExcluding(ctx context.Context, d *diag.Diagnostic, exclude map[string]bool) (*Strategy, error) {
	ctx, span := r.tracer.Start(ctx, "strategy.resolve")
	defer span.End()
	span.SetAttributes(
		attribute.String("signature", d.Signature),
		attribute.String("code", d.Code),
		attribute.Int("excluded", len(exclude)),
	)

	start := time.Now()
	s, err := r.resolve(ctx, d, exclude)
	if r.resolveDuration != nil {
		r.resolveDuration.Record(ctx, time.Since(start).Seconds())
	}
	if err != nil {
		span.SetAttributes(attribute.String("result", "none"))
		return nil, err
	}

	span.SetAttributes(
		attribute.String("result", string(s.Tier)),
		attribute.String("source", string(s.Source)),
	)
	if r.resolveCounter != nil {
		r.resolveCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("tier", string(s.Tier)),
			attribute.String("source", string(s.Source)),
		))
	}
	return s, nil
}

func (r *Resolver) resolve(ctx context.Context, d *diag.Diagnostic, exclude map[string]bool) (*Strategy, error) {
	if len(exclude) == 0 {
		if cached, ok := r.cache.Get(d.Signature, d.File); ok {
			return cached, nil
		}
	}

	rules, err := r.store.Lookup(ctx, patternstore.Query{
		Signature: d.Signature,
		Code:      d.Code,
	})
	if err != nil {
		return nil, fmt.Errorf("rule lookup failed: %w", err)
	}

	for _, rule := range rules {
		if exclude[rule.ID] {
			continue
		}
		switch rule.Tier {
		case patternstore.TierFast:
			return r.cacheAndReturn(d, fromRule(rule)), nil
		case patternstore.TierLearned:
			if rule.Confidence >= r.config.LearnedThreshold {
				return r.cacheAndReturn(d, fromRule(rule)), nil
			}
			r.logger.Debug("learned rule below threshold",
				zap.String("rule_id", rule.ID),
				zap.Float64("confidence", rule.Confidence),
			)
		case patternstore.TierGeneric:
			return r.cacheAndReturn(d, fromRule(rule)), nil
		}
	}

	if s, ok := genericStrategy(d); ok && !exclude[s.RuleID] {
		// The feedback recorder materializes built-in strategies as
		// tracking rules; a deactivated one disables its builtin.
		if tracked, err := r.store.Get(ctx, s.RuleID); err == nil {
			if tracked.Deactivated {
				return nil, fmt.Errorf("%w: builtin for %s deactivated", ErrNoStrategy, d.Code)
			}
			s.Confidence = tracked.Confidence
		}
		return r.cacheAndReturn(d, s), nil
	}

	return nil, fmt.Errorf("%w: signature %s code %q", ErrNoStrategy, d.Signature, d.Code)
}

func (r *Resolver) cacheAndReturn(d *diag.Diagnostic, s *Strategy) *Strategy {
	r.cache.Put(d.Signature, d.File, s)
	return s
}

// Invalidate drops any cached resolution for a signature. Called after a
// rollback so the failed strategy is re-evaluated against updated
// confidence instead of replayed from cache.
func (r *Resolver) Invalidate(signature string) {
	r.cache.Invalidate(signature)
}

// fromRule converts a stored rule into a strategy.
func fromRule(rule *patternstore.FixRule) *Strategy {
	return &Strategy{
		RuleID:     rule.ID,
		Tier:       rule.Tier,
		Transform:  rule.Transform,
		Confidence: rule.Confidence,
		Source:     SourceStore,
	}
}
