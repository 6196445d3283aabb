// ============================================================================
// Warden Queue - 記憶體存儲
// ============================================================================
//
// Package: internal/queue
// File: memory.go
// Purpose: In-process Store for tests and single-process setups. Jobs do
//          not survive a restart and are not shared between processes.
//
// 數據結構設計:
//   jobs map[JobID]*Job - 主存儲，Job.Status 標識當前狀態
//   queues map[queue][]JobID - 每個佇列的 pending FIFO
//   reserved map[JobID]*Job - 已認領任務索引，用於逾時釋放
//
// 狀態轉換:
//   Pending → Reserved: Claim()
//   Reserved → Done: Complete()
//   Reserved → Pending: Fail() (仍有嘗試次數) 或 reserve timeout
//   Reserved → Failed: Fail() / reserve timeout (嘗試次數用盡)
//
// ============================================================================

package queue

import (
	"context"
	"sync"
	"time"

	"github.com/ChuLiYu/warden/pkg/types"
)

// MemoryStore keeps jobs in maps guarded by one mutex.
type MemoryStore struct {
	mu       sync.Mutex
	jobs     map[types.JobID]*types.Job
	queues   map[string][]types.JobID
	reserved map[types.JobID]*types.Job
	reserve  time.Duration
	now      func() time.Time
}

// NewMemoryStore 建立新的記憶體存儲。reserve 是認領後多久未完成視為遺失。
func NewMemoryStore(reserve time.Duration) *MemoryStore {
	if reserve <= 0 {
		reserve = DefaultReserveTimeout
	}
	return &MemoryStore{
		jobs:     make(map[types.JobID]*types.Job),
		queues:   make(map[string][]types.JobID),
		reserved: make(map[types.JobID]*types.Job),
		reserve:  reserve,
		now:      time.Now,
	}
}

// Push 將新任務加入佇列尾端
func (s *MemoryStore) Push(_ context.Context, job *types.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job.ID == "" {
		job.ID = newJobID()
	}
	if _, exists := s.jobs[job.ID]; exists {
		return ErrDuplicateJob
	}

	now := s.now()
	j := *job
	j.Status = types.StatusPending
	j.Attempts = 0
	j.CreatedAt = now
	if j.AvailableAt.IsZero() {
		j.AvailableAt = now
	}
	s.jobs[j.ID] = &j
	s.queues[j.Queue] = append(s.queues[j.Queue], j.ID)
	*job = j
	return nil
}

// Claim 認領第一個可執行的任務
func (s *MemoryStore) Claim(_ context.Context, queue string, delay time.Duration, tries int) (*types.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.releaseExpired(queue, now, tries)

	ids := s.queues[queue]
	for i, id := range ids {
		job := s.jobs[id]
		if !claimable(job, now, delay) {
			continue
		}
		s.queues[queue] = append(ids[:i:i], ids[i+1:]...)

		reservedAt := now
		job.Status = types.StatusReserved
		job.Attempts++
		job.ReservedAt = &reservedAt
		s.reserved[id] = job

		out := *job
		return &out, nil
	}
	return nil, nil
}

// releaseExpired 釋放逾時未完成的認領 (通常是 worker 被 watchdog 重啟)
func (s *MemoryStore) releaseExpired(queue string, now time.Time, tries int) {
	for id, job := range s.reserved {
		if job.Queue != queue || job.ReservedAt == nil || now.Sub(*job.ReservedAt) < s.reserve {
			continue
		}
		delete(s.reserved, id)
		job.ReservedAt = nil
		if exhausted(job.Attempts, tries) {
			job.Status = types.StatusFailed
			job.LastError = "reservation expired"
			continue
		}
		job.Status = types.StatusPending
		s.queues[queue] = append(s.queues[queue], id)
	}
}

// Complete 將已認領任務標記為完成
func (s *MemoryStore) Complete(_ context.Context, id types.JobID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.reserved[id]
	if !ok {
		return ErrNotReserved
	}
	delete(s.reserved, id)
	job.Status = types.StatusDone
	job.ReservedAt = nil
	return nil
}

// Fail 釋放任務重試，或在嘗試次數用盡時標記 failed
func (s *MemoryStore) Fail(_ context.Context, id types.JobID, cause error, tries int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.reserved[id]
	if !ok {
		return ErrNotReserved
	}
	delete(s.reserved, id)
	job.ReservedAt = nil
	job.LastError = errString(cause)
	if exhausted(job.Attempts, tries) {
		job.Status = types.StatusFailed
		return nil
	}
	job.Status = types.StatusPending
	job.AvailableAt = s.now()
	s.queues[job.Queue] = append(s.queues[job.Queue], id)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id types.JobID) (*types.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	out := *job
	return &out, nil
}

func (s *MemoryStore) Stats(_ context.Context, queue string) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var st Stats
	for _, job := range s.jobs {
		if job.Queue != queue {
			continue
		}
		switch job.Status {
		case types.StatusPending:
			st.Pending++
		case types.StatusReserved:
			st.Reserved++
		case types.StatusDone:
			st.Done++
		case types.StatusFailed:
			st.Failed++
		}
	}
	return st, nil
}

func (s *MemoryStore) Close() error { return nil }
