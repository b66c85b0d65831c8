// Package patternstore persists fix rules and their measured outcomes.
//
// The store is the single source of truth for rule confidence. All
// mutations are linearized through one writer goroutine; reads drain the
// pending write queue first, so a caller always observes its own writes
// (read-after-write consistency, not snapshot isolation).
package patternstore

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/fixd/internal/patternstore"

// maxRecordBytes bounds one persisted record line.
const maxRecordBytes = 1024 * 1024

// Store provides rule lookup and the single-writer update path.
type Store interface {
	// Lookup returns active rules matching the query, ordered by tier
	// then confidence (descending).
	Lookup(ctx context.Context, q Query) ([]*FixRule, error)

	// Get retrieves a rule by ID.
	Get(ctx context.Context, ruleID string) (*FixRule, error)

	// Put creates or replaces a rule.
	Put(ctx context.Context, rule *FixRule) error

	// Record applies an outcome to a rule: attempt/success counters,
	// confidence, and tier promotion or demotion.
	Record(ctx context.Context, ruleID string, outcome Outcome) error

	// Summary returns aggregate counts for status reporting.
	Summary(ctx context.Context) (*Summary, error)

	// Close drains pending writes and closes the record file.
	Close() error
}

// Config configures the pattern store.
type Config struct {
	// Path is the append-and-compact record file.
	Path string

	// CompactionFactor triggers compaction once appended records exceed
	// factor * live rules (default: 4).
	CompactionFactor int

	// DefaultConfidence is the initial confidence for new rules (default: 0.5).
	DefaultConfidence float64

	// ConfidenceDelta is how much one outcome moves confidence (default: 0.1).
	ConfidenceDelta float64

	// MinConfidence / MaxConfidence clamp the confidence range.
	MinConfidence float64
	MaxConfidence float64

	// PromoteMinAttempts and PromoteRate gate learned->fast promotion.
	PromoteMinAttempts int64
	PromoteRate        float64

	// DemoteMinAttempts and DemoteRate gate demotion/deactivation.
	DemoteMinAttempts int64
	DemoteRate        float64
}

// DefaultConfig returns sensible defaults.
func DefaultConfig(path string) *Config {
	return &Config{
		Path:               path,
		CompactionFactor:   4,
		DefaultConfidence:  0.5,
		ConfidenceDelta:    0.1,
		MinConfidence:      0.05,
		MaxConfidence:      1.0,
		PromoteMinAttempts: 3,
		PromoteRate:        0.9,
		DemoteMinAttempts:  5,
		DemoteRate:         0.5,
	}
}

// record is one persisted line in the rule file.
type record struct {
	Rule *FixRule `json:"rule"`
}

// writeOp runs on the writer goroutine; reads enqueue a no-op as a barrier.
type writeOp struct {
	apply func() error
	done  chan error
}

// store implements Store.
type store struct {
	config *Config
	logger *zap.Logger

	tracer        trace.Tracer
	meter         metric.Meter
	lookupCounter metric.Int64Counter
	recordCounter metric.Int64Counter

	mu    sync.RWMutex
	rules map[string]*FixRule

	ops       chan writeOp
	writerEnd chan struct{}
	closeMu   sync.RWMutex
	closed    bool
	closeOnce sync.Once
	closeErr  error

	// Writer-goroutine-owned state.
	file     *os.File
	appended int
}

// Open loads the record file (creating it if absent) and starts the writer.
// An unreadable or invariant-violating file returns ErrStoreCorruption.
func Open(cfg *Config, logger *zap.Logger) (Store, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if cfg.Path == "" {
		return nil, errors.New("store path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.CompactionFactor < 2 {
		cfg.CompactionFactor = 4
	}

	s := &store{
		config: cfg,
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
		meter:  otel.Meter(instrumentationName),
		rules:  make(map[string]*FixRule),
		ops:    make(chan writeOp, 64),

		writerEnd: make(chan struct{}),
	}

	s.initMetrics()

	if err := s.load(); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	f, err := os.OpenFile(cfg.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open record file: %w", err)
	}
	s.file = f

	go s.writer()

	s.updateTierGauges()
	s.logger.Info("pattern store opened",
		zap.String("path", cfg.Path),
		zap.Int("rules", len(s.rules)),
	)

	return s, nil
}

// initMetrics initializes OpenTelemetry metrics.
func (s *store) initMetrics() {
	var err error

	s.lookupCounter, err = s.meter.Int64Counter(
		"fixd.patternstore.lookups_total",
		metric.WithDescription("Total number of rule lookups"),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		s.logger.Warn("failed to create lookup counter", zap.Error(err))
	}

	s.recordCounter, err = s.meter.Int64Counter(
		"fixd.patternstore.records_total",
		metric.WithDescription("Total number of outcome records"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		s.logger.Warn("failed to create record counter", zap.Error(err))
	}
}

// load replays the record file into memory.
func (s *store) load() error {
	f, err := os.Open(s.config.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrStoreCorruption, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxRecordBytes)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var rec record
		if err := json.Unmarshal(line, &rec); err != nil {
			return fmt.Errorf("%w: line %d: %v", ErrStoreCorruption, lineNo, err)
		}
		if rec.Rule == nil {
			return fmt.Errorf("%w: line %d: missing rule", ErrStoreCorruption, lineNo)
		}
		if err := rec.Rule.validate(); err != nil {
			return fmt.Errorf("%w: line %d: %v", ErrStoreCorruption, lineNo, err)
		}

		// Last write wins; the log holds full snapshots.
		s.rules[rec.Rule.ID] = rec.Rule
		s.appended++
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreCorruption, err)
	}

	return nil
}

// writer is the single mutation path. It owns the record file.
func (s *store) writer() {
	defer close(s.writerEnd)
	for op := range s.ops {
		op.done <- op.apply()
	}
}

// enqueue submits an op to the writer and waits for it.
func (s *store) enqueue(ctx context.Context, apply func() error) error {
	op := writeOp{apply: apply, done: make(chan error, 1)}

	s.closeMu.RLock()
	if s.closed {
		s.closeMu.RUnlock()
		return errors.New("store is closed")
	}
	select {
	case s.ops <- op:
		s.closeMu.RUnlock()
	case <-ctx.Done():
		s.closeMu.RUnlock()
		return ctx.Err()
	}

	select {
	case err := <-op.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// barrier drains the pending write queue so a following read observes all
// writes enqueued before it.
func (s *store) barrier(ctx context.Context) error {
	return s.enqueue(ctx, func() error { return nil })
}

// Lookup returns active rules matching the query, ordered by tier then
// confidence.
func (s *store) Lookup(ctx context.Context, q Query) ([]*FixRule, error) {
	ctx, span := s.tracer.Start(ctx, "patternstore.lookup")
	defer span.End()
	span.SetAttributes(
		attribute.String("signature", q.Signature),
		attribute.String("code", q.Code),
	)

	if err := s.barrier(ctx); err != nil {
		return nil, err
	}

	s.mu.RLock()
	var matched []*FixRule
	for _, r := range s.rules {
		if r.Deactivated {
			continue
		}
		if r.Scope == q.Signature || (q.Code != "" && r.Scope == q.Code) {
			matched = append(matched, r.clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].Tier != matched[j].Tier {
			return matched[i].Tier.rank() < matched[j].Tier.rank()
		}
		if matched[i].Confidence != matched[j].Confidence {
			return matched[i].Confidence > matched[j].Confidence
		}
		return matched[i].ID < matched[j].ID
	})

	if s.lookupCounter != nil {
		s.lookupCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.Int("result_count", len(matched)),
		))
	}

	span.SetAttributes(attribute.Int("result_count", len(matched)))
	return matched, nil
}

// Get retrieves a rule by ID.
func (s *store) Get(ctx context.Context, ruleID string) (*FixRule, error) {
	if err := s.barrier(ctx); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rules[ruleID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRuleNotFound, ruleID)
	}
	return r.clone(), nil
}

// Put creates or replaces a rule.
func (s *store) Put(ctx context.Context, rule *FixRule) error {
	ctx, span := s.tracer.Start(ctx, "patternstore.put")
	defer span.End()

	if rule == nil {
		return errors.New("rule is required")
	}
	r := rule.clone()
	if r.Confidence == 0 {
		r.Confidence = s.config.DefaultConfidence
	}
	if err := r.validate(); err != nil {
		return err
	}
	span.SetAttributes(
		attribute.String("rule_id", r.ID),
		attribute.String("tier", string(r.Tier)),
	)

	return s.enqueue(ctx, func() error {
		s.mu.Lock()
		s.rules[r.ID] = r
		s.mu.Unlock()

		if err := s.append(r); err != nil {
			return err
		}
		s.updateTierGauges()
		return nil
	})
}

// Record applies an outcome to a rule. Promotion and demotion run inside
// the same writer op, so the next Lookup observes them.
func (s *store) Record(ctx context.Context, ruleID string, outcome Outcome) error {
	ctx, span := s.tracer.Start(ctx, "patternstore.record")
	defer span.End()
	span.SetAttributes(
		attribute.String("rule_id", ruleID),
		attribute.String("outcome", string(outcome)),
	)

	err := s.enqueue(ctx, func() error {
		s.mu.Lock()
		r, ok := s.rules[ruleID]
		if !ok {
			s.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrRuleNotFound, ruleID)
		}

		r.Attempts++
		r.LastUsed = time.Now()
		switch outcome {
		case OutcomeSuccess:
			r.Successes++
			r.Confidence = min(r.Confidence+s.config.ConfidenceDelta, s.config.MaxConfidence)
		case OutcomeFailure:
			r.Confidence = max(r.Confidence-s.config.ConfidenceDelta, s.config.MinConfidence)
		default:
			s.mu.Unlock()
			return fmt.Errorf("unknown outcome %q", outcome)
		}

		s.applyTierTransitions(r)
		snapshot := r.clone()
		s.mu.Unlock()

		recordOutcomes.WithLabelValues(string(outcome)).Inc()

		if err := s.append(snapshot); err != nil {
			return err
		}
		s.updateTierGauges()
		return nil
	})
	if err != nil {
		return err
	}

	if s.recordCounter != nil {
		s.recordCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("outcome", string(outcome)),
		))
	}
	return nil
}

// applyTierTransitions promotes or demotes a rule per its measured success
// rate. Called with s.mu held by the writer.
func (s *store) applyTierTransitions(r *FixRule) {
	rate := r.SuccessRate()

	if r.Attempts >= s.config.PromoteMinAttempts && rate >= s.config.PromoteRate {
		switch r.Tier {
		case TierLearned:
			r.Tier = TierFast
		case TierGeneric:
			r.Tier = TierLearned
		default:
			return
		}
		tierTransitions.WithLabelValues("promote").Inc()
		s.logger.Info("promoted rule",
			zap.String("rule_id", r.ID),
			zap.String("tier", string(r.Tier)),
			zap.Float64("success_rate", rate),
			zap.Int64("attempts", r.Attempts),
		)
		return
	}

	if r.Attempts >= s.config.DemoteMinAttempts && rate < s.config.DemoteRate {
		if r.Tier == TierFast {
			r.Tier = TierLearned
			tierTransitions.WithLabelValues("demote").Inc()
			s.logger.Warn("demoted rule from fast tier",
				zap.String("rule_id", r.ID),
				zap.Float64("success_rate", rate),
			)
		} else {
			r.Deactivated = true
			tierTransitions.WithLabelValues("deactivate").Inc()
			s.logger.Warn("deactivated rule",
				zap.String("rule_id", r.ID),
				zap.Float64("success_rate", rate),
				zap.Int64("attempts", r.Attempts),
			)
		}
	}
}

// Summary returns aggregate counts.
func (s *store) Summary(ctx context.Context) (*Summary, error) {
	if err := s.barrier(ctx); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	sum := &Summary{ByTier: make(map[Tier]int)}
	for _, r := range s.rules {
		sum.Total++
		if r.Deactivated {
			sum.Deactivated++
			continue
		}
		sum.ByTier[r.Tier]++
	}
	return sum, nil
}

// Close drains pending writes and closes the record file.
func (s *store) Close() error {
	s.closeOnce.Do(func() {
		s.closeMu.Lock()
		s.closed = true
		close(s.ops)
		s.closeMu.Unlock()
		<-s.writerEnd
		if s.file != nil {
			s.closeErr = s.file.Close()
		}
	})
	return s.closeErr
}

// append writes one rule snapshot to the record file and compacts when the
// log has grown past the compaction factor. Runs on the writer goroutine.
func (s *store) append(r *FixRule) error {
	data, err := json.Marshal(record{Rule: r})
	if err != nil {
		return fmt.Errorf("failed to marshal rule %s: %w", r.ID, err)
	}
	data = append(data, '\n')

	if _, err := s.file.Write(data); err != nil {
		return fmt.Errorf("failed to append rule %s: %w", r.ID, err)
	}
	s.appended++

	s.mu.RLock()
	live := len(s.rules)
	s.mu.RUnlock()

	if live > 0 && s.appended > s.config.CompactionFactor*live {
		return s.compact()
	}
	return nil
}

// compact rewrites the record file with one snapshot per live rule.
// Runs on the writer goroutine.
func (s *store) compact() error {
	tmpPath := s.config.Path + ".compact"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create compaction file: %w", err)
	}

	s.mu.RLock()
	ids := make([]string, 0, len(s.rules))
	for id := range s.rules {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	w := bufio.NewWriter(tmp)
	var writeErr error
	for _, id := range ids {
		data, err := json.Marshal(record{Rule: s.rules[id]})
		if err != nil {
			writeErr = err
			break
		}
		data = append(data, '\n')
		if _, err := w.Write(data); err != nil {
			writeErr = err
			break
		}
	}
	count := len(ids)
	s.mu.RUnlock()

	if writeErr == nil {
		writeErr = w.Flush()
	}
	if writeErr == nil {
		writeErr = tmp.Sync()
	}
	if cerr := tmp.Close(); writeErr == nil {
		writeErr = cerr
	}
	if writeErr != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("compaction failed: %w", writeErr)
	}

	if err := os.Rename(tmpPath, s.config.Path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("compaction rename failed: %w", err)
	}

	// Reopen the append handle on the new file.
	_ = s.file.Close()
	f, err := os.OpenFile(s.config.Path, os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("failed to reopen record file after compaction: %w", err)
	}
	s.file = f
	s.appended = count

	s.logger.Debug("compacted pattern store", zap.Int("rules", count))
	return nil
}

// updateTierGauges refreshes the Prometheus tier gauges.
func (s *store) updateTierGauges() {
	s.mu.RLock()
	counts := map[Tier]int{TierFast: 0, TierLearned: 0, TierGeneric: 0}
	deactivated := 0
	for _, r := range s.rules {
		if r.Deactivated {
			deactivated++
			continue
		}
		counts[r.Tier]++
	}
	s.mu.RUnlock()

	for tier, n := range counts {
		rulesByTier.WithLabelValues(string(tier)).Set(float64(n))
	}
	deactivatedRules.Set(float64(deactivated))
}
