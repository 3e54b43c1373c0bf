package repository

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"convert-gateway/constant"
	"convert-gateway/entities"
)

// memoryRepo is the registry backend used when no postgres host is
// configured. It honors the same CAS contract as the gorm implementation.
type memoryRepo struct {
	mu   sync.RWMutex
	jobs map[uuid.UUID]*entities.Job
}

func NewMemoryRepo() JobRepository {
	return &memoryRepo{
		jobs: make(map[uuid.UUID]*entities.Job),
	}
}

func (r *memoryRepo) CreateJob(ctx context.Context, job *entities.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	stored := *job
	r.jobs[job.ID] = &stored
	return nil
}

func (r *memoryRepo) FindJobById(ctx context.Context, id uuid.UUID) (*entities.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	job, ok := r.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *job
	return &copied, nil
}

func (r *memoryRepo) FindJobByDedupKey(ctx context.Context, key string, since time.Time) (*entities.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var newest *entities.Job
	for _, job := range r.jobs {
		if job.DedupKey != key || job.CreatedAt.Before(since) {
			continue
		}
		if !statusIn(job.Status, liveOrDone) {
			continue
		}
		if newest == nil || job.CreatedAt.After(newest.CreatedAt) {
			newest = job
		}
	}
	if newest == nil {
		return nil, ErrNotFound
	}
	copied := *newest
	return &copied, nil
}

func (r *memoryRepo) FindLiveJobByArtifact(ctx context.Context, ref string) (*entities.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, job := range r.jobs {
		if job.InputRef != ref && job.OutputRef != ref {
			continue
		}
		if job.Status == constant.JobStatusPending || job.Status == constant.JobStatusProcessing {
			copied := *job
			return &copied, nil
		}
	}
	return nil, ErrNotFound
}

func (r *memoryRepo) FindJobsDoneBefore(ctx context.Context, cutoff time.Time, limit int) ([]*entities.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*entities.Job
	for _, job := range r.jobs {
		if job.Status != constant.JobStatusDone || !job.UpdatedAt.Before(cutoff) {
			continue
		}
		copied := *job
		out = append(out, &copied)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (r *memoryRepo) Transition(ctx context.Context, id uuid.UUID, from, to constant.JobStatus, fields Fields) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if job.Status != from {
		return ErrConflict
	}

	job.Status = to
	job.UpdatedAt = time.Now()
	if fields.OutputRef != nil {
		job.OutputRef = *fields.OutputRef
	}
	if fields.RetryCount != nil {
		job.RetryCount = *fields.RetryCount
	}
	if fields.LastError != nil {
		job.LastError = *fields.LastError
	}
	return nil
}

func (r *memoryRepo) RequestCancel(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok {
		return ErrNotFound
	}
	job.CancelRequested = true
	job.UpdatedAt = time.Now()
	return nil
}

func statusIn(status constant.JobStatus, set []constant.JobStatus) bool {
	for _, s := range set {
		if s == status {
			return true
		}
	}
	return false
}
