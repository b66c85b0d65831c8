// Package report emits the structured run report consumed by external
// dashboards and notifiers. The core never formats human-readable output;
// this is machine-readable JSON only.
package report

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/fixd/internal/patternstore"
	"github.com/fyrsmithlabs/fixd/internal/scheduler"
)

// Entry is one task group's outcome.
type Entry struct {
	Signature string          `json:"signature"`
	Code      string          `json:"code"`
	Files     []string        `json:"files"`
	Outcome   scheduler.State `json:"outcome"`
	RuleID    string          `json:"rule_id,omitempty"`
	Attempts  int             `json:"attempts"`
	Duration  time.Duration   `json:"duration_ns"`
	Error     string          `json:"error,omitempty"`
}

// Report is the structured result of one remediation run.
type Report struct {
	RunID      string    `json:"run_id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Mode       string    `json:"mode"`
	Workers    int       `json:"workers"`

	LinesScanned int `json:"lines_scanned"`
	ParseErrors  int `json:"parse_errors"`
	Diagnostics  int `json:"diagnostics"`

	Groups []Entry               `json:"groups"`
	Store  *patternstore.Summary `json:"store,omitempty"`
}

// Counts tallies terminal states for quick inspection.
func (r *Report) Counts() map[scheduler.State]int {
	out := make(map[scheduler.State]int)
	for _, e := range r.Groups {
		out[e.Outcome]++
	}
	return out
}

// FromStatuses builds report entries from scheduler statuses.
func FromStatuses(statuses []scheduler.Status) []Entry {
	out := make([]Entry, 0, len(statuses))
	for _, st := range statuses {
		out = append(out, Entry{
			Signature: st.Signature,
			Code:      st.Code,
			Files:     st.Files,
			Outcome:   st.State,
			RuleID:    st.RuleID,
			Attempts:  st.Attempts,
			Duration:  st.Duration,
			Error:     st.Error,
		})
	}
	return out
}

// Writer persists reports as <run-id>.json under a directory.
type Writer struct {
	dir    string
	logger *zap.Logger
}

// NewWriter creates a report writer.
func NewWriter(dir string, logger *zap.Logger) (*Writer, error) {
	if dir == "" {
		return nil, errors.New("report directory is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create report directory: %w", err)
	}
	return &Writer{dir: dir, logger: logger}, nil
}

// Write persists a report atomically and returns its path.
func (w *Writer) Write(r *Report) (string, error) {
	if r == nil || r.RunID == "" {
		return "", errors.New("report with a run ID is required")
	}

	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal report: %w", err)
	}

	path := filepath.Join(w.dir, r.RunID+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return "", fmt.Errorf("failed to write report: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("failed to finalize report: %w", err)
	}

	w.logger.Info("run report written",
		zap.String("run_id", r.RunID),
		zap.String("path", path),
		zap.Int("groups", len(r.Groups)),
	)
	return path, nil
}
