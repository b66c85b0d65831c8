package patternstore

import (
	"errors"
	"fmt"
	"time"
)

// Tier is the rule category determining resolution priority.
type Tier string

const (
	// TierFast rules are deterministic and trusted; they bypass further
	// analysis entirely.
	TierFast Tier = "fast"

	// TierLearned rules were promoted from observed outcomes and carry a
	// confidence score.
	TierLearned Tier = "learned"

	// TierGeneric rules are structural heuristics used as a last resort.
	TierGeneric Tier = "generic"
)

// rank orders tiers for lookup: fast before learned before generic.
func (t Tier) rank() int {
	switch t {
	case TierFast:
		return 0
	case TierLearned:
		return 1
	case TierGeneric:
		return 2
	default:
		return 3
	}
}

// Valid reports whether the tier is one of the known values.
func (t Tier) Valid() bool {
	return t.rank() < 3
}

// TransformKind selects how a rule's transformation is applied.
type TransformKind string

const (
	// TransformRegexReplace rewrites every match of Pattern with Replace.
	TransformRegexReplace TransformKind = "regex-replace"

	// TransformDeleteLine removes whole lines matching Pattern.
	TransformDeleteLine TransformKind = "delete-line"

	// TransformInsertTop inserts Text as the first line unless already present.
	TransformInsertTop TransformKind = "insert-top"

	// TransformInsertAfter inserts Text after the first line matching Anchor
	// unless already present.
	TransformInsertAfter TransformKind = "insert-after"
)

// TransformSpec describes a mechanical file transformation. All kinds are
// idempotent: applying a spec to already-fixed content yields the same bytes.
type TransformSpec struct {
	Kind    TransformKind `json:"kind"`
	Pattern string        `json:"pattern,omitempty"`
	Replace string        `json:"replace,omitempty"`
	Text    string        `json:"text,omitempty"`
	Anchor  string        `json:"anchor,omitempty"`
}

// FixRule is a stored, confidence-scored transformation associated with a
// diagnostic scope. Rules are owned by the Store and mutated only through
// its single-writer path.
type FixRule struct {
	ID          string        `json:"id"`
	Scope       string        `json:"scope"`
	Tier        Tier          `json:"tier"`
	Transform   TransformSpec `json:"transform"`
	Confidence  float64       `json:"confidence"`
	Attempts    int64         `json:"attempts"`
	Successes   int64         `json:"successes"`
	LastUsed    time.Time     `json:"last_used,omitzero"`
	Deactivated bool          `json:"deactivated,omitempty"`
}

// SuccessRate returns successes/attempts, or 0 with no attempts.
func (r *FixRule) SuccessRate() float64 {
	if r.Attempts == 0 {
		return 0
	}
	return float64(r.Successes) / float64(r.Attempts)
}

// validate checks rule invariants; violations indicate store corruption
// when found during load.
func (r *FixRule) validate() error {
	if r.ID == "" {
		return errors.New("rule id is empty")
	}
	if r.Scope == "" {
		return fmt.Errorf("rule %s: scope is empty", r.ID)
	}
	if !r.Tier.Valid() {
		return fmt.Errorf("rule %s: unknown tier %q", r.ID, r.Tier)
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		return fmt.Errorf("rule %s: confidence %f out of range", r.ID, r.Confidence)
	}
	if r.Successes > r.Attempts {
		return fmt.Errorf("rule %s: successes %d exceed attempts %d", r.ID, r.Successes, r.Attempts)
	}
	return nil
}

// clone returns a copy so callers never alias store-owned memory.
func (r *FixRule) clone() *FixRule {
	c := *r
	return &c
}

// Outcome is the result of exercising a rule on one task group.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Query identifies the diagnostics a rule lookup is for. Rules match by
// exact signature (signature-bound learned rules) or by error code.
type Query struct {
	Signature string
	Code      string
}

// Summary is an aggregate view of the store for status reporting.
type Summary struct {
	Total       int            `json:"total"`
	ByTier      map[Tier]int   `json:"by_tier"`
	Deactivated int            `json:"deactivated"`
}

// ErrStoreCorruption indicates the persisted record file is unreadable or
// violates invariants. This is the only fatal error in the system: a run
// must abort rather than remediate against an untrusted store.
var ErrStoreCorruption = errors.New("pattern store corruption")

// ErrRuleNotFound indicates a rule ID is unknown.
var ErrRuleNotFound = errors.New("rule not found")
