package audit

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// RunRepository persists transformation runs for compliance review.
type RunRepository interface {
	Create(ctx context.Context, r *Run) error
	GetByRunID(ctx context.Context, runID string) (*Run, error)
	List(ctx context.Context, limit, offset int) ([]*Run, int, error)
}

// runRepoMemory is the in-memory repository used when no database is
// configured. Runs are lost on restart.
type runRepoMemory struct {
	mu   sync.RWMutex
	runs map[string]*Run
}

// NewRunRepoMemory creates an in-memory run repository.
func NewRunRepoMemory() RunRepository {
	return &runRepoMemory{runs: make(map[string]*Run)}
}

func (r *runRepoMemory) Create(_ context.Context, run *Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.runs[run.RunID]; exists {
		return fmt.Errorf("audit: run %s already recorded", run.RunID)
	}
	stored := *run
	r.runs[run.RunID] = &stored
	return nil
}

func (r *runRepoMemory) GetByRunID(_ context.Context, runID string) (*Run, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	run, ok := r.runs[runID]
	if !ok {
		return nil, fmt.Errorf("audit: run %s not found", runID)
	}
	found := *run
	return &found, nil
}

func (r *runRepoMemory) List(_ context.Context, limit, offset int) ([]*Run, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	all := make([]*Run, 0, len(r.runs))
	for _, run := range r.runs {
		all = append(all, run)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].RunID < all[j].RunID
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})

	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}

	out := make([]*Run, 0, end-offset)
	for _, run := range all[offset:end] {
		found := *run
		out = append(out, &found)
	}
	return out, total, nil
}
