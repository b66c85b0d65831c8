package scheduler

import (
	"sync"
	"time"

	"github.com/fyrsmithlabs/fixd/internal/diag"
)

// State is a task group's position in the remediation lifecycle.
type State string

const (
	StatePending   State = "pending"
	StateAssigned  State = "assigned"
	StateRunning   State = "running"
	StateVerifying State = "verifying"

	// Terminal states.
	StateCompleted  State = "completed"
	StateRolledBack State = "rolled_back"
	StateFailed     State = "failed"
	StateUnfixable  State = "unfixable"
	StateSkipped    State = "skipped"
)

// Terminal reports whether a state ends the group's run.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateRolledBack, StateFailed, StateUnfixable, StateSkipped:
		return true
	}
	return false
}

// TaskGroup is one signature's worth of work: the deduplicated diagnostic
// plus every file it appears in. Groups are the unit of scheduling; groups
// with disjoint file sets run concurrently.
type TaskGroup struct {
	mu sync.Mutex

	Signature  string
	Diagnostic *diag.Diagnostic
	Files      []string

	state       State
	attempts    int
	triedRules  map[string]bool
	ruleID      string
	everApplied bool
	circuitOpen bool
	lastErr     string
	startedAt   time.Time
	duration    time.Duration
}

// NewTaskGroup builds a pending group from a deduplicated diagnostic.
func NewTaskGroup(d *diag.Diagnostic) *TaskGroup {
	return &TaskGroup{
		Signature:  d.Signature,
		Diagnostic: d,
		Files:      []string{d.File},
		state:      StatePending,
		triedRules: make(map[string]bool),
	}
}

func (g *TaskGroup) setState(s State) {
	g.mu.Lock()
	g.state = s
	g.mu.Unlock()
}

// Status is a point-in-time view of a group for the control surface.
type Status struct {
	Signature   string        `json:"signature"`
	Code        string        `json:"code"`
	Files       []string      `json:"files"`
	State       State         `json:"state"`
	Attempts    int           `json:"attempts"`
	RuleID      string        `json:"rule_id,omitempty"`
	CircuitOpen bool          `json:"circuit_open,omitempty"`
	Error       string        `json:"error,omitempty"`
	Duration    time.Duration `json:"duration"`
}

// Snapshot returns the group's current status.
func (g *TaskGroup) Snapshot() Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Status{
		Signature:   g.Signature,
		Code:        g.Diagnostic.Code,
		Files:       g.Files,
		State:       g.state,
		Attempts:    g.attempts,
		RuleID:      g.ruleID,
		CircuitOpen: g.circuitOpen,
		Error:       g.lastErr,
		Duration:    g.duration,
	}
}

// ExecutionMode selects worker-pool width and group-batching policy.
type ExecutionMode string

const (
	// ModeSequential processes one group at a time.
	ModeSequential ExecutionMode = "sequential"

	// ModeBoundedParallel runs the full worker pool over one queue.
	ModeBoundedParallel ExecutionMode = "bounded-parallel"

	// ModeStaged drains errors before warnings, full pool within a stage,
	// so warning fixes never race stale state left by error fixes.
	ModeStaged ExecutionMode = "staged"
)

// Valid reports whether the mode is one of the known values.
func (m ExecutionMode) Valid() bool {
	switch m {
	case ModeSequential, ModeBoundedParallel, ModeStaged:
		return true
	}
	return false
}
