package workflow

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/deepnoodle-ai/relay/llm"
)

// RunFilter selects runs in ListRuns.
type RunFilter struct {
	// Status, if set, restricts results to runs in that state.
	Status Status

	// SkillName, if set, restricts results to runs of that skill.
	SkillName string

	Limit  int // Defaults to 12
	Offset int
}

// DefaultListLimit is the page size used when RunFilter.Limit is zero.
const DefaultListLimit = 12

func (f *RunFilter) limit() int {
	if f == nil || f.Limit <= 0 {
		return DefaultListLimit
	}
	return f.Limit
}

func (f *RunFilter) offset() int {
	if f == nil || f.Offset < 0 {
		return 0
	}
	return f.Offset
}

// Validate checks the filter fields.
func (f *RunFilter) Validate() error {
	if f == nil {
		return nil
	}
	if f.Status != "" && !f.Status.Valid() {
		return fmt.Errorf("invalid run status %q", f.Status)
	}
	if f.Limit < 0 {
		return fmt.Errorf("limit must be non-negative")
	}
	if f.Offset < 0 {
		return fmt.Errorf("offset must be non-negative")
	}
	return nil
}

// RunStore persists workflow runs.
type RunStore interface {
	// CreateRun stores a new run. Returns ErrRunExists on a duplicate id.
	CreateRun(ctx context.Context, run *Run) error

	// GetRun returns the run or ErrRunNotFound.
	GetRun(ctx context.Context, id string) (*Run, error)

	// ListRuns returns runs newest first.
	ListRuns(ctx context.Context, filter *RunFilter) ([]*Run, error)

	// FinishRun moves a running run to its terminal state. Returns
	// ErrRunFinalized if the run is no longer running.
	FinishRun(ctx context.Context, id string, outcome Outcome) error
}

// blocksOrEmpty keeps JSON output as [] rather than null.
func blocksOrEmpty(blocks []llm.ContentBlock) []llm.ContentBlock {
	if blocks == nil {
		return []llm.ContentBlock{}
	}
	return blocks
}

func validateOutcome(outcome Outcome) error {
	if !outcome.Status.Terminal() {
		return fmt.Errorf("invalid terminal status %q", outcome.Status)
	}
	return nil
}

// MemoryRunStore is an in-memory RunStore.
type MemoryRunStore struct {
	mu   sync.RWMutex
	runs map[string]*Run
}

// NewMemoryRunStore returns an empty MemoryRunStore.
func NewMemoryRunStore() *MemoryRunStore {
	return &MemoryRunStore{runs: map[string]*Run{}}
}

func (s *MemoryRunStore) CreateRun(ctx context.Context, run *Run) error {
	if run.ID == "" {
		return fmt.Errorf("run id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; ok {
		return ErrRunExists
	}
	cp := run.Copy()
	if cp.Status == "" {
		cp.Status = StatusRunning
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	s.runs[run.ID] = cp
	return nil
}

func (s *MemoryRunStore) GetRun(ctx context.Context, id string) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, ErrRunNotFound
	}
	return run.Copy(), nil
}

func (s *MemoryRunStore) ListRuns(ctx context.Context, filter *RunFilter) ([]*Run, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	var runs []*Run
	for _, run := range s.runs {
		if filter != nil && filter.Status != "" && run.Status != filter.Status {
			continue
		}
		if filter != nil && filter.SkillName != "" && run.SkillName != filter.SkillName {
			continue
		}
		runs = append(runs, run.Copy())
	}
	s.mu.RUnlock()

	sort.Slice(runs, func(i, j int) bool {
		if !runs[i].CreatedAt.Equal(runs[j].CreatedAt) {
			return runs[i].CreatedAt.After(runs[j].CreatedAt)
		}
		return runs[i].ID > runs[j].ID
	})
	offset, limit := filter.offset(), filter.limit()
	if offset >= len(runs) {
		return []*Run{}, nil
	}
	runs = runs[offset:]
	if len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

func (s *MemoryRunStore) FinishRun(ctx context.Context, id string, outcome Outcome) error {
	if err := validateOutcome(outcome); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return ErrRunNotFound
	}
	if run.Status.Terminal() {
		return ErrRunFinalized
	}
	completed := outcome.CompletedAt
	if completed.IsZero() {
		completed = time.Now().UTC()
	}
	run.Status = outcome.Status
	run.ExecutionLog = llm.CopyBlocks(outcome.ExecutionLog)
	run.ArtifactPaths = slices.Clone(outcome.ArtifactPaths)
	run.Error = outcome.Error
	run.CompletedAt = &completed
	return nil
}

var _ RunStore = (*MemoryRunStore)(nil)
