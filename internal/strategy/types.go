// Package strategy resolves diagnostics to fix strategies through the
// tiered lookup path: fast rules, then learned rules above the confidence
// threshold, then generic structural fallbacks.
package strategy

import (
	"errors"

	"github.com/fyrsmithlabs/fixd/internal/patternstore"
)

// Source records which resolution path produced a strategy.
type Source string

const (
	// SourceStore means the strategy came from a persisted rule.
	SourceStore Source = "store"

	// SourceGeneric means the strategy came from the built-in fallback table.
	SourceGeneric Source = "generic"

	// SourceCache means the strategy was served from the resolution cache.
	SourceCache Source = "cache"
)

// Strategy is a resolved, applicable fix for one diagnostic signature.
type Strategy struct {
	// RuleID identifies the backing rule for outcome recording. Built-in
	// generic strategies carry synthetic IDs so their outcomes are tracked
	// like any other rule's.
	RuleID string

	Tier       patternstore.Tier
	Transform  patternstore.TransformSpec
	Confidence float64
	Source     Source
}

// ErrNoStrategy means no tier produced an applicable strategy; the
// diagnostic is unfixable by the current rule set.
var ErrNoStrategy = errors.New("no applicable strategy")
