// Package workflow runs a skill once against a fresh runtime connection.
//
// A workflow run executes in a private directory under the configured temp
// root, never resumes a session, and ends by copying allow-listed artifact
// files out of that directory into ArtifactsDir/<run id>/. Each run is
// recorded in a RunStore and finalized exactly once, as completed or failed.
package workflow

import (
	"errors"
	"slices"
	"time"

	"github.com/deepnoodle-ai/relay/llm"
)

var (
	// ErrRunNotFound is returned when a run does not exist.
	ErrRunNotFound = errors.New("workflow run not found")

	// ErrRunExists is returned when creating a run whose id is taken.
	ErrRunExists = errors.New("workflow run already exists")

	// ErrRunFinalized is returned when finishing a run that already
	// completed or failed.
	ErrRunFinalized = errors.New("workflow run already finalized")

	// ErrSkillNotFound is returned when the requested skill is not loaded.
	ErrSkillNotFound = errors.New("skill not found")
)

// Status is the lifecycle state of a run.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

func (s Status) String() string {
	return string(s)
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusRunning, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether s is completed or failed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Run is one execution of a skill.
type Run struct {
	ID        string `json:"id"`
	SkillName string `json:"skill_name"`
	UserInput string `json:"user_input"`
	Status    Status `json:"status"`

	// ExecutionLog is the folded content of the run's single turn.
	ExecutionLog []llm.ContentBlock `json:"execution_log"`

	// ArtifactPaths are the copied artifact files, in name order.
	ArtifactPaths []string `json:"artifact_paths"`

	// Error is set on failed runs.
	Error string `json:"error,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Copy returns a deep copy of the run.
func (r *Run) Copy() *Run {
	cp := *r
	cp.ExecutionLog = llm.CopyBlocks(r.ExecutionLog)
	cp.ArtifactPaths = slices.Clone(r.ArtifactPaths)
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

// Outcome is the final state written by RunStore.FinishRun.
type Outcome struct {
	Status        Status
	ExecutionLog  []llm.ContentBlock
	ArtifactPaths []string
	Error         string
	CompletedAt   time.Time
}
