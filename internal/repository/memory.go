package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/joseph-ayodele/sanskrit-ocr/internal/common"
	"github.com/joseph-ayodele/sanskrit-ocr/internal/entity"
)

// MemoryRepository keeps jobs in process memory. Restarting loses them.
type MemoryRepository struct {
	mu       sync.RWMutex
	jobs     map[string]*entity.Job
	progress map[string]entity.Progress
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		jobs:     make(map[string]*entity.Job),
		progress: make(map[string]entity.Progress),
	}
}

func (r *MemoryRepository) Create(_ context.Context, job *entity.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[job.ID]; ok {
		return common.InputError(fmt.Sprintf("job %s already exists", job.ID), nil)
	}
	r.jobs[job.ID] = job.Clone()
	return nil
}

func (r *MemoryRepository) Update(_ context.Context, job *entity.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[job.ID]; !ok {
		return notFound(job.ID)
	}
	r.jobs[job.ID] = job.Clone()
	return nil
}

func (r *MemoryRepository) Get(_ context.Context, id string) (*entity.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.jobs[id]
	if !ok {
		return nil, notFound(id)
	}
	return job.Clone(), nil
}

func (r *MemoryRepository) List(_ context.Context, filter ListFilter) ([]*entity.Job, error) {
	r.mu.RLock()
	out := make([]*entity.Job, 0, len(r.jobs))
	for _, job := range r.jobs {
		if matchesStatus(job.Status, filter.Statuses) {
			out = append(out, job.Clone())
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (r *MemoryRepository) SaveProgress(_ context.Context, p entity.Progress) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress[p.JobID] = p
	return nil
}

func (r *MemoryRepository) GetProgress(_ context.Context, jobID string) (*entity.Progress, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.progress[jobID]
	if !ok {
		return nil, notFound(jobID)
	}
	return &p, nil
}

func (r *MemoryRepository) HealthCheck(context.Context) error { return nil }

func (r *MemoryRepository) Close() error { return nil }
