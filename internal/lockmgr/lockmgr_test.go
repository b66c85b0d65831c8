package lockmgr

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestAcquireAndRelease(t *testing.T) {
	m := NewManager(DefaultConfig(), zap.NewNop())

	lease, err := m.Acquire(context.Background(), "w1", []string{"b.cs", "a.cs", "a.cs"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a.cs", "b.cs"}, lease.Paths(), "paths are sorted and deduped")

	owner, held := m.Holder("a.cs")
	assert.True(t, held)
	assert.Equal(t, "w1", owner)

	lease.Release()
	lease.Release() // idempotent

	_, held = m.Holder("a.cs")
	assert.False(t, held)
}

func TestAcquireTimeoutReleasesPartial(t *testing.T) {
	m := NewManager(&Config{AcquireTimeout: 50 * time.Millisecond}, zap.NewNop())
	ctx := context.Background()

	blocker, err := m.Acquire(ctx, "w1", []string{"b.cs"})
	require.NoError(t, err)
	defer blocker.Release()

	// w2 grabs a.cs, then times out waiting on b.cs; a.cs must be freed.
	_, err = m.Acquire(ctx, "w2", []string{"a.cs", "b.cs"})
	require.ErrorIs(t, err, ErrLockTimeout)

	_, held := m.Holder("a.cs")
	assert.False(t, held, "partial acquisition must be rolled back on timeout")
}

func TestAcquireHonorsContextCancellation(t *testing.T) {
	m := NewManager(DefaultConfig(), zap.NewNop())

	blocker, err := m.Acquire(context.Background(), "w1", []string{"a.cs"})
	require.NoError(t, err)
	defer blocker.Release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = m.Acquire(ctx, "w2", []string{"a.cs"})
	require.Error(t, err)
}

func TestMutualExclusionUnderContention(t *testing.T) {
	m := NewManager(&Config{AcquireTimeout: 5 * time.Second, Audit: true}, zap.NewNop())
	ctx := context.Background()

	// Workers with overlapping groups hammer a small path set. The audit
	// log proves no two held intervals for the same path overlap.
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			owner := fmt.Sprintf("w%d", w)
			groups := [][]string{
				{"a.cs", "b.cs"},
				{"b.cs", "c.cs"},
				{"a.cs", "c.cs"},
			}
			for i := 0; i < 20; i++ {
				lease, err := m.Acquire(ctx, owner, groups[i%len(groups)])
				if err != nil {
					t.Error(err)
					return
				}
				time.Sleep(time.Millisecond)
				lease.Release()
			}
		}(w)
	}
	wg.Wait()

	byPath := make(map[string][]Interval)
	for _, iv := range m.AuditLog() {
		byPath[iv.Path] = append(byPath[iv.Path], iv)
	}
	require.NotEmpty(t, byPath)

	for path, ivs := range byPath {
		for i := range ivs {
			for j := i + 1; j < len(ivs); j++ {
				a, b := ivs[i], ivs[j]
				overlap := a.AcquiredAt.Before(b.ReleasedAt) && b.AcquiredAt.Before(a.ReleasedAt)
				assert.False(t, overlap,
					"%s held concurrently by %s and %s", path, a.Owner, b.Owner)
			}
		}
	}
}

func TestSortedAcquisitionAvoidsDeadlock(t *testing.T) {
	m := NewManager(&Config{AcquireTimeout: 5 * time.Second}, zap.NewNop())
	ctx := context.Background()

	// Opposite declaration orders for the same pair would deadlock with
	// naive in-order locking.
	done := make(chan error, 2)
	go func() {
		for i := 0; i < 100; i++ {
			lease, err := m.Acquire(ctx, "w1", []string{"x.cs", "y.cs"})
			if err != nil {
				done <- err
				return
			}
			lease.Release()
		}
		done <- nil
	}()
	go func() {
		for i := 0; i < 100; i++ {
			lease, err := m.Acquire(ctx, "w2", []string{"y.cs", "x.cs"})
			if err != nil {
				done <- err
				return
			}
			lease.Release()
		}
		done <- nil
	}()

	for i := 0; i < 2; i++ {
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Fatal("deadlock: workers did not finish")
		}
	}
}

func TestAcquireRequiresPaths(t *testing.T) {
	m := NewManager(nil, nil)
	_, err := m.Acquire(context.Background(), "w1", nil)
	require.Error(t, err)
}
