package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/fixd/internal/checkpoint"

// manifestName is the manifest file inside each checkpoint directory.
const manifestName = "manifest.json"

// Service provides snapshot and rollback operations.
type Service interface {
	// Save snapshots the request's files and returns the manifest.
	Save(ctx context.Context, req *SaveRequest) (*Checkpoint, error)

	// Restore writes every snapshotted file back byte-exact, including
	// permission bits.
	Restore(ctx context.Context, checkpointID string) error

	// Get retrieves a checkpoint manifest by ID.
	Get(ctx context.Context, checkpointID string) (*Checkpoint, error)

	// List retrieves the checkpoints of a run, newest first.
	List(ctx context.Context, runID string) ([]*Checkpoint, error)

	// Delete removes a checkpoint and its blobs.
	Delete(ctx context.Context, checkpointID string) error

	// Prune removes all checkpoints of a completed run.
	Prune(ctx context.Context, runID string) error

	// Close closes the service.
	Close() error
}

// Config configures the checkpoint service.
type Config struct {
	// Root is the directory holding checkpoint data (one subdirectory per
	// checkpoint).
	Root string
}

// service implements the Service interface.
type service struct {
	config *Config
	logger *zap.Logger

	// Telemetry
	tracer         trace.Tracer
	meter          metric.Meter
	saveCounter    metric.Int64Counter
	restoreCounter metric.Int64Counter

	mu     sync.RWMutex
	closed bool
}

// NewService creates a checkpoint service rooted at cfg.Root.
func NewService(cfg *Config, logger *zap.Logger) (Service, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if cfg.Root == "" {
		return nil, errors.New("checkpoint root is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	if err := os.MkdirAll(cfg.Root, 0700); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint root: %w", err)
	}

	s := &service{
		config: cfg,
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
		meter:  otel.Meter(instrumentationName),
	}
	s.initMetrics()
	return s, nil
}

// initMetrics initializes OpenTelemetry metrics.
func (s *service) initMetrics() {
	var err error

	s.saveCounter, err = s.meter.Int64Counter(
		"fixd.checkpoint.saves_total",
		metric.WithDescription("Total number of checkpoint saves"),
		metric.WithUnit("{save}"),
	)
	if err != nil {
		s.logger.Warn("failed to create save counter", zap.Error(err))
	}

	s.restoreCounter, err = s.meter.Int64Counter(
		"fixd.checkpoint.restores_total",
		metric.WithDescription("Total number of checkpoint restores"),
		metric.WithUnit("{restore}"),
	)
	if err != nil {
		s.logger.Warn("failed to create restore counter", zap.Error(err))
	}
}

// Save snapshots the request's files.
func (s *service) Save(ctx context.Context, req *SaveRequest) (*Checkpoint, error) {
	ctx, span := s.tracer.Start(ctx, "checkpoint.save")
	defer span.End()

	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	if req == nil || len(req.Files) == 0 {
		return nil, errors.New("at least one file is required")
	}
	span.SetAttributes(
		attribute.String("run_id", req.RunID),
		attribute.Int("file_count", len(req.Files)),
	)

	cp := &Checkpoint{
		ID:             uuid.New().String(),
		RunID:          req.RunID,
		GroupSignature: req.GroupSignature,
		CreatedAt:      time.Now().UTC(),
	}

	dir := filepath.Join(s.config.Root, cp.ID)
	blobDir := filepath.Join(dir, "blobs")
	if err := os.MkdirAll(blobDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}

	for i, path := range req.Files {
		if err := ctx.Err(); err != nil {
			_ = os.RemoveAll(dir)
			return nil, err
		}

		info, err := os.Stat(path)
		if err != nil {
			_ = os.RemoveAll(dir)
			return nil, fmt.Errorf("failed to stat %s: %w", path, err)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			_ = os.RemoveAll(dir)
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}

		blob := fmt.Sprintf("%06d", i)
		if err := os.WriteFile(filepath.Join(blobDir, blob), data, 0600); err != nil {
			_ = os.RemoveAll(dir)
			return nil, fmt.Errorf("failed to write blob for %s: %w", path, err)
		}

		cp.Files = append(cp.Files, FileEntry{
			Path:   path,
			Blob:   blob,
			Mode:   uint32(info.Mode().Perm()),
			Size:   int64(len(data)),
			Digest: fmt.Sprintf("%016x", xxhash.Sum64(data)),
		})
	}

	if err := s.writeManifest(dir, cp); err != nil {
		_ = os.RemoveAll(dir)
		span.RecordError(err)
		span.SetStatus(codes.Error, "manifest write failed")
		return nil, err
	}

	if s.saveCounter != nil {
		s.saveCounter.Add(ctx, 1)
	}
	s.logger.Debug("checkpoint saved",
		zap.String("checkpoint_id", cp.ID),
		zap.String("run_id", cp.RunID),
		zap.Int("files", len(cp.Files)),
	)

	return cp, nil
}

// Restore writes every snapshotted file back byte-exact.
func (s *service) Restore(ctx context.Context, checkpointID string) error {
	ctx, span := s.tracer.Start(ctx, "checkpoint.restore")
	defer span.End()
	span.SetAttributes(attribute.String("checkpoint_id", checkpointID))

	if err := s.checkClosed(); err != nil {
		return err
	}

	cp, err := s.Get(ctx, checkpointID)
	if err != nil {
		return err
	}

	dir := filepath.Join(s.config.Root, cp.ID)
	for _, entry := range cp.Files {
		data, err := os.ReadFile(filepath.Join(dir, "blobs", entry.Blob))
		if err != nil {
			return fmt.Errorf("%w: blob %s unreadable: %v", ErrManifestCorrupt, entry.Blob, err)
		}
		if got := fmt.Sprintf("%016x", xxhash.Sum64(data)); got != entry.Digest {
			return fmt.Errorf("%w: blob %s digest mismatch", ErrManifestCorrupt, entry.Blob)
		}

		if err := os.WriteFile(entry.Path, data, os.FileMode(entry.Mode)); err != nil {
			return fmt.Errorf("failed to restore %s: %w", entry.Path, err)
		}
		// WriteFile only applies the mode on creation.
		if err := os.Chmod(entry.Path, os.FileMode(entry.Mode)); err != nil {
			return fmt.Errorf("failed to restore mode of %s: %w", entry.Path, err)
		}
	}

	if s.restoreCounter != nil {
		s.restoreCounter.Add(ctx, 1)
	}
	s.logger.Info("checkpoint restored",
		zap.String("checkpoint_id", cp.ID),
		zap.String("run_id", cp.RunID),
		zap.Int("files", len(cp.Files)),
	)

	return nil
}

// Get retrieves a checkpoint manifest by ID.
func (s *service) Get(ctx context.Context, checkpointID string) (*Checkpoint, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	if checkpointID == "" {
		return nil, errors.New("checkpoint ID is required")
	}

	data, err := os.ReadFile(filepath.Join(s.config.Root, checkpointID, manifestName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrCheckpointNotFound, checkpointID)
		}
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrManifestCorrupt, err)
	}
	return &cp, nil
}

// List retrieves the checkpoints of a run, newest first.
func (s *service) List(ctx context.Context, runID string) ([]*Checkpoint, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(s.config.Root)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint root: %w", err)
	}

	var out []*Checkpoint
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		cp, err := s.Get(ctx, e.Name())
		if err != nil {
			s.logger.Warn("skipping unreadable checkpoint",
				zap.String("checkpoint_id", e.Name()),
				zap.Error(err),
			)
			continue
		}
		if runID == "" || cp.RunID == runID {
			out = append(out, cp)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// Delete removes a checkpoint and its blobs.
func (s *service) Delete(ctx context.Context, checkpointID string) error {
	if err := s.checkClosed(); err != nil {
		return err
	}
	if checkpointID == "" {
		return errors.New("checkpoint ID is required")
	}

	dir := filepath.Join(s.config.Root, checkpointID)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return fmt.Errorf("%w: %s", ErrCheckpointNotFound, checkpointID)
	}
	return os.RemoveAll(dir)
}

// Prune removes all checkpoints of a completed run.
func (s *service) Prune(ctx context.Context, runID string) error {
	if runID == "" {
		return errors.New("run ID is required")
	}

	cps, err := s.List(ctx, runID)
	if err != nil {
		return err
	}
	for _, cp := range cps {
		if err := s.Delete(ctx, cp.ID); err != nil {
			return err
		}
	}

	s.logger.Debug("pruned run checkpoints",
		zap.String("run_id", runID),
		zap.Int("count", len(cps)),
	)
	return nil
}

// Close closes the service.
func (s *service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *service) checkClosed() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errors.New("checkpoint service is closed")
	}
	return nil
}

// writeManifest persists the manifest atomically.
func (s *service) writeManifest(dir string, cp *Checkpoint) error {
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}

	tmp := filepath.Join(dir, manifestName+".tmp")
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	return os.Rename(tmp, filepath.Join(dir, manifestName))
}
