package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"websetdedup/internal/models"
)

// MemoryRepository is an in-process Repository used by tests and by
// single-replica deployments that opt out of Postgres entirely.
type MemoryRepository struct {
	mu    sync.Mutex
	jobs  map[string]models.Job
	items map[string][]models.ItemRecord
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{jobs: make(map[string]models.Job), items: make(map[string][]models.ItemRecord)}
}

func (m *MemoryRepository) CreateJob(ctx context.Context, job models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.jobs[job.JobID]; exists {
		return nil
	}
	if job.RejectionReasons == nil {
		job.RejectionReasons = make(map[string]int64)
	}
	m.jobs[job.JobID] = job
	return nil
}

func (m *MemoryRepository) UpdateJobStatus(ctx context.Context, jobID string, status models.JobStatus, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return fmt.Errorf("unknown job %s", jobID)
	}
	job.Status = status
	job.ErrorMessage = errMsg
	if status == models.JobStatusCompleted || status == models.JobStatusError {
		now := time.Now()
		job.CompletedAt = &now
	}
	m.jobs[jobID] = job
	return nil
}

func (m *MemoryRepository) UpdateJobCursor(ctx context.Context, jobID, cursor string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return fmt.Errorf("unknown job %s", jobID)
	}
	job.NextCursor = cursor
	m.jobs[jobID] = job
	return nil
}

func (m *MemoryRepository) InsertItem(ctx context.Context, rec models.ItemRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.CreatedAt = time.Now()
	m.items[rec.JobID] = append(m.items[rec.JobID], rec)
	return nil
}

func (m *MemoryRepository) IncrementCounters(ctx context.Context, jobID string, status models.ItemStatus, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return fmt.Errorf("unknown job %s", jobID)
	}
	job.TotalItems++
	switch status {
	case models.ItemStatusAccepted:
		job.UniqueItems++
	case models.ItemStatusRejected:
		job.DuplicatesRejected++
		if job.RejectionReasons == nil {
			job.RejectionReasons = make(map[string]int64)
		}
		job.RejectionReasons[reason]++
	}
	m.jobs[jobID] = job
	return nil
}

func (m *MemoryRepository) GetJob(ctx context.Context, jobID string) (models.Job, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	return job, ok, nil
}

func (m *MemoryRepository) ListJobs(ctx context.Context, limit int) ([]models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, j)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryRepository) ListItems(ctx context.Context, jobID string) ([]models.ItemRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.ItemRecord, len(m.items[jobID]))
	copy(out, m.items[jobID])
	return out, nil
}

func (m *MemoryRepository) Close(ctx context.Context) error { return nil }
