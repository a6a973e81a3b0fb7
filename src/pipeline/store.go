package pipeline

import (
	"context"
	"sort"
	"sync"
)

// Store 迁移任务存储接口
type Store interface {
	// CreateJob 创建任务
	CreateJob(ctx context.Context, job *MigrationJob) error
	// GetJob 获取任务，不存在时返回 ErrJobNotFound
	GetJob(ctx context.Context, id string) (*MigrationJob, error)
	// UpdateJob 整体更新任务
	UpdateJob(ctx context.Context, job *MigrationJob) error
	// DeleteJob 删除任务
	DeleteJob(ctx context.Context, id string) error
	// ListJobs 列出任务，按创建时间倒序
	ListJobs(ctx context.Context, filter JobFilter) ([]*MigrationJob, error)
	// Close 关闭存储
	Close() error
}

// MemoryStore 内存存储实现，读写都做深拷贝
type MemoryStore struct {
	jobs map[string]*MigrationJob
	mu   sync.RWMutex
}

// NewMemoryStore 创建内存存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*MigrationJob)}
}

func (s *MemoryStore) CreateJob(ctx context.Context, job *MigrationJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job.Clone()
	return nil
}

func (s *MemoryStore) GetJob(ctx context.Context, id string) (*MigrationJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return job.Clone(), nil
}

func (s *MemoryStore) UpdateJob(ctx context.Context, job *MigrationJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; !ok {
		return ErrJobNotFound
	}
	s.jobs[job.ID] = job.Clone()
	return nil
}

func (s *MemoryStore) DeleteJob(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return ErrJobNotFound
	}
	delete(s.jobs, id)
	return nil
}

func (s *MemoryStore) ListJobs(ctx context.Context, filter JobFilter) ([]*MigrationJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := make([]*MigrationJob, 0, len(s.jobs))
	for _, job := range s.jobs {
		if filter.Status != nil && job.Status != *filter.Status {
			continue
		}
		jobs = append(jobs, job.Clone())
	}
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].ID > jobs[j].ID
		}
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(jobs) {
			return []*MigrationJob{}, nil
		}
		jobs = jobs[filter.Offset:]
	}
	if filter.Limit > 0 && len(jobs) > filter.Limit {
		jobs = jobs[:filter.Limit]
	}
	return jobs, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
