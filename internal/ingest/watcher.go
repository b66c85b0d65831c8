// Package ingest watches a drop directory for build-output files and
// feeds each one to the remediation engine as a run.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ErrWatcherFailed indicates the filesystem watcher failed to initialize.
var ErrWatcherFailed = errors.New("failed to initialize filesystem watcher")

// settleDelay is how long a dropped file must stay quiet before it is
// considered fully written. Build tools stream output; reacting to the
// first write would ingest a truncated log.
const settleDelay = 500 * time.Millisecond

// Drop is one detected build-output file.
type Drop struct {
	// Path is the absolute path of the dropped file.
	Path string

	// Timestamp is when the drop settled.
	Timestamp time.Time
}

// Watcher detects build-output files appearing in a drop directory.
type Watcher struct {
	dir     string
	pattern string
	logger  *zap.Logger

	watcher *fsnotify.Watcher
	drops   chan Drop
	stop    chan struct{}
}

// NewWatcher creates a watcher for the drop directory. Pattern is a glob
// matched against file names (for example "*.log").
func NewWatcher(dir, pattern string, logger *zap.Logger) (*Watcher, error) {
	if dir == "" {
		return nil, errors.New("drop directory is required")
	}
	if pattern == "" {
		pattern = "*.log"
	}
	if _, err := filepath.Match(pattern, "probe"); err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create drop directory: %w", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWatcherFailed, err)
	}

	return &Watcher{
		dir:     dir,
		pattern: pattern,
		logger:  logger,
		watcher: fw,
		drops:   make(chan Drop, 10),
		stop:    make(chan struct{}),
	}, nil
}

// Start begins watching. Events are delivered on Drops() until Stop is
// called or the context is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.watcher.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.dir, err)
	}

	go w.loop(ctx)

	w.logger.Info("watching drop directory",
		zap.String("dir", w.dir),
		zap.String("pattern", w.pattern),
	)
	return nil
}

// Drops returns the channel of settled drop events.
func (w *Watcher) Drops() <-chan Drop {
	return w.drops
}

// Stop shuts the watcher down and closes the drop channel.
func (w *Watcher) Stop() {
	close(w.stop)
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.watcher.Close()
	defer close(w.drops)

	// Pending files and their settle timers.
	pending := make(map[string]*time.Timer)
	settled := make(chan string, 10)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			name := filepath.Base(ev.Name)
			if matched, _ := filepath.Match(w.pattern, name); !matched {
				continue
			}

			// Reset the settle timer on every write.
			path := ev.Name
			if t, ok := pending[path]; ok {
				t.Stop()
			}
			pending[path] = time.AfterFunc(settleDelay, func() {
				select {
				case settled <- path:
				case <-w.stop:
				case <-ctx.Done():
				}
			})

		case path := <-settled:
			delete(pending, path)
			if _, err := os.Stat(path); err != nil {
				w.logger.Warn("dropped file vanished before ingestion",
					zap.String("path", path),
				)
				continue
			}
			w.logger.Debug("build output settled", zap.String("path", path))
			select {
			case w.drops <- Drop{Path: path, Timestamp: time.Now()}:
			case <-w.stop:
				return
			case <-ctx.Done():
				return
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("watcher error", zap.Error(err))
		}
	}
}
