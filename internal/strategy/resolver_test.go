package strategy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/fixd/internal/diag"
	"github.com/fyrsmithlabs/fixd/internal/patternstore"
)

func testStore(t *testing.T) patternstore.Store {
	t.Helper()
	s, err := patternstore.Open(
		patternstore.DefaultConfig(filepath.Join(t.TempDir(), "rules.jsonl")),
		zap.NewNop(),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testResolver(t *testing.T, store patternstore.Store) *Resolver {
	t.Helper()
	r, err := NewResolver(DefaultConfig(), store, zap.NewNop())
	require.NoError(t, err)
	return r
}

// writeSourceFile creates a file the cache can digest.
func writeSourceFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "Parser.cs")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func diagFor(file, code, msg string) *diag.Diagnostic {
	return &diag.Diagnostic{
		Signature: diag.Signature(file, code, msg),
		File:      file,
		Lines:     []int{1},
		Code:      code,
		Message:   msg,
		Severity:  diag.SeverityError,
		Language:  "csharp",
	}
}

func storedRule(id, scope string, tier patternstore.Tier, confidence float64) *patternstore.FixRule {
	return &patternstore.FixRule{
		ID:         id,
		Scope:      scope,
		Tier:       tier,
		Confidence: confidence,
		Transform: patternstore.TransformSpec{
			Kind:    patternstore.TransformDeleteLine,
			Pattern: `^\s*using\s+Unused;\s*$`,
		},
	}
}

func TestResolveFastRuleWins(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, storedRule("fast-1", "CS8019", patternstore.TierFast, 0.9)))
	require.NoError(t, store.Put(ctx, storedRule("learned-1", "CS8019", patternstore.TierLearned, 0.95)))

	r := testResolver(t, store)
	file := writeSourceFile(t, "using Unused;\n")

	s, err := r.Resolve(ctx, diagFor(file, "CS8019", "Unnecessary using directive."))
	require.NoError(t, err)
	assert.Equal(t, "fast-1", s.RuleID)
	assert.Equal(t, patternstore.TierFast, s.Tier)
	assert.Equal(t, SourceStore, s.Source)
}

func TestResolveLearnedRespectsThreshold(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, storedRule("weak", "CS8019", patternstore.TierLearned, 0.4)))

	r := testResolver(t, store)
	file := writeSourceFile(t, "using Unused;\n")
	d := diagFor(file, "CS8019", "Unnecessary using directive.")

	// The weak learned rule is skipped; the generic table still fires.
	s, err := r.Resolve(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, patternstore.TierGeneric, s.Tier)
	assert.Equal(t, SourceGeneric, s.Source)

	require.NoError(t, store.Put(ctx, storedRule("strong", "CS8019", patternstore.TierLearned, 0.8)))
	r.Invalidate(d.Signature)

	s, err = r.Resolve(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, "strong", s.RuleID)
}

func TestResolveGenericFallbacks(t *testing.T) {
	store := testStore(t)
	r := testResolver(t, store)
	ctx := context.Background()

	tests := []struct {
		name string
		d    *diag.Diagnostic
		kind patternstore.TransformKind
	}{
		{
			name: "missing using for known type",
			d:    diagFor(writeSourceFile(t, "class C {}\n"), "CS0246", "The type or namespace name 'JsonSerializer' could not be found"),
			kind: patternstore.TransformInsertTop,
		},
		{
			name: "unnecessary using",
			d:    diagFor(writeSourceFile(t, "using System;\n"), "CS8019", "Unnecessary using directive."),
			kind: patternstore.TransformDeleteLine,
		},
		{
			name: "unimplemented interface member",
			d:    diagFor(writeSourceFile(t, "class Parser {}\n"), "CS0535", "'Parser' does not implement interface member 'IParser.Parse(string)'"),
			kind: patternstore.TransformInsertAfter,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := r.Resolve(ctx, tt.d)
			require.NoError(t, err)
			assert.Equal(t, patternstore.TierGeneric, s.Tier)
			assert.Equal(t, tt.kind, s.Transform.Kind)
			assert.Equal(t, "generic:"+tt.d.Code, s.RuleID)
		})
	}
}

func TestResolveNoStrategy(t *testing.T) {
	store := testStore(t)
	r := testResolver(t, store)
	file := writeSourceFile(t, "class C {}\n")

	// An unknown type with no namespace mapping has no generic fix.
	_, err := r.Resolve(context.Background(),
		diagFor(file, "CS0246", "The type or namespace name 'MyInternalWidget' could not be found"))
	assert.ErrorIs(t, err, ErrNoStrategy)

	_, err = r.Resolve(context.Background(),
		diagFor(file, "CS9999", "something inscrutable"))
	assert.ErrorIs(t, err, ErrNoStrategy)
}

func TestResolveCacheHitAndInvalidationOnEdit(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, storedRule("fast-1", "CS8019", patternstore.TierFast, 0.9)))

	r := testResolver(t, store)
	file := writeSourceFile(t, "using Unused;\n")
	d := diagFor(file, "CS8019", "Unnecessary using directive.")

	s, err := r.Resolve(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, SourceStore, s.Source)

	s, err = r.Resolve(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, SourceCache, s.Source, "second resolution is served from cache")

	// Editing the file invalidates the cached resolution.
	require.NoError(t, os.WriteFile(file, []byte("using Other;\n"), 0600))
	s, err = r.Resolve(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, SourceStore, s.Source)
}

func TestCacheTTLExpiry(t *testing.T) {
	c := NewCache(time.Minute)
	now := time.Now()
	c.now = func() time.Time { return now }
	c.digest = func(string) (string, error) { return "d1", nil }

	s := &Strategy{RuleID: "r1", Tier: patternstore.TierFast, Source: SourceStore}
	c.Put("sig", "file.cs", s)

	_, ok := c.Get("sig", "file.cs")
	assert.True(t, ok)

	now = now.Add(2 * time.Minute)
	_, ok = c.Get("sig", "file.cs")
	assert.False(t, ok)
	assert.Zero(t, c.Len(), "expired entries are evicted")
}

func TestCacheSkipsUnreadableFiles(t *testing.T) {
	c := NewCache(time.Minute)
	s := &Strategy{RuleID: "r1", Tier: patternstore.TierFast, Source: SourceStore}
	c.Put("sig", filepath.Join(t.TempDir(), "missing.cs"), s)
	assert.Zero(t, c.Len())
}

func TestResolveExcludingWalksDownTiers(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, storedRule("fast-1", "CS8019", patternstore.TierFast, 0.9)))
	require.NoError(t, store.Put(ctx, storedRule("learned-1", "CS8019", patternstore.TierLearned, 0.8)))

	r := testResolver(t, store)
	file := writeSourceFile(t, "using Unused;\n")
	d := diagFor(file, "CS8019", "Unnecessary using directive.")

	tried := map[string]bool{}
	s, err := r.ResolveExcluding(ctx, d, tried)
	require.NoError(t, err)
	assert.Equal(t, "fast-1", s.RuleID)

	tried[s.RuleID] = true
	s, err = r.ResolveExcluding(ctx, d, tried)
	require.NoError(t, err)
	assert.Equal(t, "learned-1", s.RuleID)

	tried[s.RuleID] = true
	s, err = r.ResolveExcluding(ctx, d, tried)
	require.NoError(t, err)
	assert.Equal(t, "generic:CS8019", s.RuleID)

	tried[s.RuleID] = true
	_, err = r.ResolveExcluding(ctx, d, tried)
	assert.ErrorIs(t, err, ErrNoStrategy)
}

func TestNewResolverValidation(t *testing.T) {
	_, err := NewResolver(DefaultConfig(), nil, zap.NewNop())
	require.Error(t, err)

	store := testStore(t)
	_, err = NewResolver(&Config{LearnedThreshold: 1.5, CacheTTL: time.Minute}, store, zap.NewNop())
	require.Error(t, err)
}
