package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository keeps run records in memory. Used when no database
// path is configured.
type MemoryRepository struct {
	mu   sync.RWMutex
	runs map[string]*Run
}

var _ Repository = (*MemoryRepository)(nil)

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{runs: make(map[string]*Run)}
}

// Create inserts a new run record.
func (r *MemoryRepository) Create(ctx context.Context, run *Run) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	if run.Status == "" {
		run.Status = RunStatusRunning
	}

	copied := *run
	r.mu.Lock()
	r.runs[run.ID] = &copied
	r.mu.Unlock()
	return nil
}

// Finish marks a run terminal with its status and exit code.
func (r *MemoryRepository) Finish(ctx context.Context, id, status string, exitCode int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[id]
	if !ok {
		return ErrNotFound
	}
	run.Status = status
	run.ExitCode = exitCode
	run.FinishedAt = time.Now().UTC()
	return nil
}

// Get returns one run by id.
func (r *MemoryRepository) Get(ctx context.Context, id string) (*Run, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	run, ok := r.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *run
	return &copied, nil
}

// ListByAgent returns all runs for an agent, newest first.
func (r *MemoryRepository) ListByAgent(ctx context.Context, agentID string) ([]*Run, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var runs []*Run
	for _, run := range r.runs {
		if run.AgentID == agentID {
			copied := *run
			runs = append(runs, &copied)
		}
	}
	sortNewestFirst(runs)
	return runs, nil
}

// List returns the most recent runs across all agents.
func (r *MemoryRepository) List(ctx context.Context, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 100
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	runs := make([]*Run, 0, len(r.runs))
	for _, run := range r.runs {
		copied := *run
		runs = append(runs, &copied)
	}
	sortNewestFirst(runs)
	if len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

// Close is a no-op for the in-memory repository.
func (r *MemoryRepository) Close() error {
	return nil
}

func sortNewestFirst(runs []*Run) {
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].StartedAt.After(runs[j].StartedAt)
	})
}
