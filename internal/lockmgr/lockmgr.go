// Package lockmgr serializes file access across concurrent fix workers.
//
// A worker acquires every file of its task group as one lease. Paths are
// always acquired in sorted order, which rules out acquisition cycles
// between workers holding overlapping groups.
package lockmgr

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrLockTimeout means a lease could not be acquired within the deadline.
// Any paths already held by the attempt are released before returning.
var ErrLockTimeout = errors.New("lock acquisition timed out")

// Interval is one audit record: who held a path, and when.
type Interval struct {
	Path       string
	Owner      string
	AcquiredAt time.Time
	ReleasedAt time.Time
}

// Lease is a held set of file locks. Release is idempotent.
type Lease struct {
	mgr     *Manager
	owner   string
	paths   []string
	release sync.Once
}

// Paths returns the locked paths in acquisition order.
func (l *Lease) Paths() []string {
	out := make([]string, len(l.paths))
	copy(out, l.paths)
	return out
}

// Release frees every path in the lease.
func (l *Lease) Release() {
	l.release.Do(func() {
		now := time.Now()
		for _, p := range l.paths {
			l.mgr.unlock(p, l.owner, now)
		}
		l.mgr.logger.Debug("lease released",
			zap.String("owner", l.owner),
			zap.Int("paths", len(l.paths)),
		)
	})
}

// Config configures the lock manager.
type Config struct {
	// AcquireTimeout bounds one lease acquisition (default: 30s).
	AcquireTimeout time.Duration

	// Audit enables the held-interval log used by contention analysis.
	Audit bool
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{AcquireTimeout: 30 * time.Second}
}

// Manager hands out per-file leases.
type Manager struct {
	config *Config
	logger *zap.Logger

	mu    sync.Mutex
	locks map[string]chan struct{} // buffered(1); full = held
	held  map[string]*Interval     // open intervals by path

	auditMu sync.Mutex
	audit   []Interval
}

// NewManager creates a lock manager.
func NewManager(cfg *Config, logger *zap.Logger) *Manager {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		config: cfg,
		logger: logger,
		locks:  make(map[string]chan struct{}),
		held:   make(map[string]*Interval),
	}
}

// Acquire locks every path for the owner, blocking until all are held or
// the deadline passes. On timeout or context cancellation the partial
// acquisition is rolled back and an error returned.
func (m *Manager) Acquire(ctx context.Context, owner string, paths []string) (*Lease, error) {
	if len(paths) == 0 {
		return nil, errors.New("at least one path is required")
	}

	sorted := make([]string, len(paths))
	copy(sorted, paths)
	sort.Strings(sorted)
	sorted = dedupe(sorted)

	ctx, cancel := context.WithTimeout(ctx, m.config.AcquireTimeout)
	defer cancel()

	acquired := make([]string, 0, len(sorted))
	for _, p := range sorted {
		if err := m.lock(ctx, p, owner); err != nil {
			now := time.Now()
			for _, q := range acquired {
				m.unlock(q, owner, now)
			}
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: owner %s waiting on %s", ErrLockTimeout, owner, p)
			}
			return nil, err
		}
		acquired = append(acquired, p)
	}

	return &Lease{mgr: m, owner: owner, paths: acquired}, nil
}

// lock acquires a single path.
func (m *Manager) lock(ctx context.Context, path, owner string) error {
	m.mu.Lock()
	ch, ok := m.locks[path]
	if !ok {
		ch = make(chan struct{}, 1)
		m.locks[path] = ch
	}
	m.mu.Unlock()

	select {
	case ch <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	m.mu.Lock()
	m.held[path] = &Interval{Path: path, Owner: owner, AcquiredAt: time.Now()}
	m.mu.Unlock()
	return nil
}

// unlock releases a single path and closes its audit interval.
func (m *Manager) unlock(path, owner string, at time.Time) {
	m.mu.Lock()
	ch := m.locks[path]
	iv := m.held[path]
	delete(m.held, path)
	m.mu.Unlock()

	if iv != nil && m.config.Audit {
		iv.ReleasedAt = at
		m.auditMu.Lock()
		m.audit = append(m.audit, *iv)
		m.auditMu.Unlock()
	}

	select {
	case <-ch:
	default:
		m.logger.Error("release of unheld lock",
			zap.String("path", path),
			zap.String("owner", owner),
		)
	}
}

// Holder returns the current owner of a path, if held.
func (m *Manager) Holder(path string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	iv, ok := m.held[path]
	if !ok {
		return "", false
	}
	return iv.Owner, true
}

// AuditLog returns the closed held intervals recorded so far.
func (m *Manager) AuditLog() []Interval {
	m.auditMu.Lock()
	defer m.auditMu.Unlock()
	out := make([]Interval, len(m.audit))
	copy(out, m.audit)
	return out
}

func dedupe(sorted []string) []string {
	out := sorted[:0]
	for i, p := range sorted {
		if i == 0 || p != sorted[i-1] {
			out = append(out, p)
		}
	}
	return out
}
