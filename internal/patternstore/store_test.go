package patternstore

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func openTestStore(t *testing.T) (Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rules.jsonl")
	s, err := Open(DefaultConfig(path), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, path
}

func testRule(id, scope string, tier Tier) *FixRule {
	return &FixRule{
		ID:    id,
		Scope: scope,
		Tier:  tier,
		Transform: TransformSpec{
			Kind:    TransformRegexReplace,
			Pattern: `\bfoo\b`,
			Replace: "bar",
		},
	}
}

func TestPutAndGet(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	rule := testRule("r1", "CS0246", TierLearned)
	require.NoError(t, s.Put(ctx, rule))

	got, err := s.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "CS0246", got.Scope)
	assert.Equal(t, TierLearned, got.Tier)
	assert.Equal(t, 0.5, got.Confidence, "new rules start at default confidence")

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrRuleNotFound)
}

func TestPutRejectsInvalidRule(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	err := s.Put(ctx, &FixRule{ID: "bad", Scope: "CS1", Tier: Tier("bogus")})
	require.Error(t, err)

	err = s.Put(ctx, &FixRule{ID: "", Scope: "CS1", Tier: TierFast})
	require.Error(t, err)
}

func TestLookupOrdering(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	generic := testRule("g1", "CS0246", TierGeneric)
	fast := testRule("f1", "CS0246", TierFast)
	lowLearned := testRule("l1", "CS0246", TierLearned)
	lowLearned.Confidence = 0.6
	highLearned := testRule("l2", "CS0246", TierLearned)
	highLearned.Confidence = 0.9

	for _, r := range []*FixRule{generic, lowLearned, fast, highLearned} {
		require.NoError(t, s.Put(ctx, r))
	}

	rules, err := s.Lookup(ctx, Query{Code: "CS0246"})
	require.NoError(t, err)
	require.Len(t, rules, 4)
	assert.Equal(t, "f1", rules[0].ID)
	assert.Equal(t, "l2", rules[1].ID)
	assert.Equal(t, "l1", rules[2].ID)
	assert.Equal(t, "g1", rules[3].ID)
}

func TestLookupMatchesSignatureOrCode(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	bySig := testRule("sig", "deadbeefdeadbeef", TierLearned)
	byCode := testRule("code", "CS8019", TierGeneric)
	require.NoError(t, s.Put(ctx, bySig))
	require.NoError(t, s.Put(ctx, byCode))

	rules, err := s.Lookup(ctx, Query{Signature: "deadbeefdeadbeef", Code: "CS8019"})
	require.NoError(t, err)
	require.Len(t, rules, 2)

	rules, err = s.Lookup(ctx, Query{Signature: "deadbeefdeadbeef"})
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, "sig", rules[0].ID)

	rules, err = s.Lookup(ctx, Query{Signature: "0000000000000000", Code: "CS9999"})
	require.NoError(t, err)
	assert.Empty(t, rules)
}

func TestRecordPromotesLearnedRule(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, testRule("r1", "CS0246", TierLearned)))

	for i := 0; i < 3; i++ {
		require.NoError(t, s.Record(ctx, "r1", OutcomeSuccess))
	}

	got, err := s.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, TierFast, got.Tier, "3 attempts at 100% success crosses the promotion gate")
	assert.EqualValues(t, 3, got.Attempts)
	assert.EqualValues(t, 3, got.Successes)
	assert.InDelta(t, 0.8, got.Confidence, 1e-9)
	assert.False(t, got.LastUsed.IsZero())
}

func TestRecordPromotesGenericRuleToLearned(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, testRule("g1", "CS8019", TierGeneric)))
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Record(ctx, "g1", OutcomeSuccess))
	}

	got, err := s.Get(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, TierLearned, got.Tier)
}

func TestRecordDemotesFastRule(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, testRule("r1", "CS0246", TierFast)))

	// One success, then failures until the rate drops below the gate.
	require.NoError(t, s.Record(ctx, "r1", OutcomeSuccess))
	for i := 0; i < 4; i++ {
		require.NoError(t, s.Record(ctx, "r1", OutcomeFailure))
	}

	got, err := s.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, TierLearned, got.Tier)
	assert.False(t, got.Deactivated, "fast rules demote before deactivating")
}

func TestRecordDeactivatesLearnedRule(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, testRule("r1", "CS0246", TierLearned)))

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Record(ctx, "r1", OutcomeFailure))
	}

	got, err := s.Get(ctx, "r1")
	require.NoError(t, err)
	assert.True(t, got.Deactivated)

	rules, err := s.Lookup(ctx, Query{Code: "CS0246"})
	require.NoError(t, err)
	assert.Empty(t, rules, "deactivated rules never resolve")
}

func TestRecordUnknownRule(t *testing.T) {
	s, _ := openTestStore(t)
	err := s.Record(context.Background(), "missing", OutcomeSuccess)
	assert.ErrorIs(t, err, ErrRuleNotFound)
}

func TestConfidenceClamps(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	r := testRule("r1", "CS0246", TierLearned)
	r.Confidence = 0.95
	require.NoError(t, s.Put(ctx, r))
	require.NoError(t, s.Record(ctx, "r1", OutcomeSuccess))

	got, err := s.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, 1.0, got.Confidence)
}

func TestPersistenceAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.jsonl")
	ctx := context.Background()

	s, err := Open(DefaultConfig(path), zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, testRule("r1", "CS0246", TierLearned)))
	require.NoError(t, s.Record(ctx, "r1", OutcomeSuccess))
	require.NoError(t, s.Close())

	s2, err := Open(DefaultConfig(path), zap.NewNop())
	require.NoError(t, err)
	defer s2.Close()

	got, err := s2.Get(ctx, "r1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, got.Attempts)
	assert.EqualValues(t, 1, got.Successes)
}

func TestOpenRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("{not json\n"), 0600))

	_, err := Open(DefaultConfig(path), zap.NewNop())
	assert.ErrorIs(t, err, ErrStoreCorruption)
}

func TestOpenRejectsInvariantViolation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.jsonl")
	// Successes exceeding attempts violates a counter invariant.
	line := `{"rule":{"id":"r1","scope":"CS1","tier":"fast","transform":{"kind":"delete-line","pattern":"x"},"confidence":0.5,"attempts":1,"successes":2}}` + "\n"
	require.NoError(t, os.WriteFile(path, []byte(line), 0600))

	_, err := Open(DefaultConfig(path), zap.NewNop())
	assert.ErrorIs(t, err, ErrStoreCorruption)
}

func TestCompactionBoundsLogGrowth(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.jsonl")
	ctx := context.Background()

	cfg := DefaultConfig(path)
	cfg.CompactionFactor = 2
	s, err := Open(cfg, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, s.Put(ctx, testRule("r1", "CS0246", TierLearned)))
	require.NoError(t, s.Put(ctx, testRule("r2", "CS8019", TierLearned)))
	for i := 0; i < 20; i++ {
		require.NoError(t, s.Record(ctx, "r1", OutcomeSuccess))
	}
	require.NoError(t, s.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	lines := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines++
	}
	require.NoError(t, scanner.Err())
	assert.LessOrEqual(t, lines, cfg.CompactionFactor*2+1,
		"log must be rewritten once appends outgrow the live set")

	// The compacted file must still replay cleanly.
	s2, err := Open(cfg, zap.NewNop())
	require.NoError(t, err)
	defer s2.Close()
	got, err := s2.Get(ctx, "r1")
	require.NoError(t, err)
	assert.EqualValues(t, 20, got.Attempts)
}

func TestSummary(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, testRule("f1", "CS1", TierFast)))
	require.NoError(t, s.Put(ctx, testRule("l1", "CS2", TierLearned)))
	deact := testRule("d1", "CS3", TierLearned)
	deact.Deactivated = true
	require.NoError(t, s.Put(ctx, deact))

	sum, err := s.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Total)
	assert.Equal(t, 1, sum.ByTier[TierFast])
	assert.Equal(t, 1, sum.ByTier[TierLearned])
	assert.Equal(t, 1, sum.Deactivated)
}

func TestConcurrentReadersObserveWrites(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	done := make(chan error, 8)
	for g := 0; g < 8; g++ {
		go func(g int) {
			for i := 0; i < 10; i++ {
				id := fmt.Sprintf("r-%d-%d", g, i)
				if err := s.Put(ctx, testRule(id, "CS0246", TierLearned)); err != nil {
					done <- err
					return
				}
				if _, err := s.Get(ctx, id); err != nil {
					done <- fmt.Errorf("own write not visible: %w", err)
					return
				}
			}
			done <- nil
		}(g)
	}
	for g := 0; g < 8; g++ {
		require.NoError(t, <-done)
	}

	sum, err := s.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 80, sum.Total)
}
