// ============================================================================
// swarm-pool 批次任務表 - fan-out 任務的共享狀態
// ============================================================================
//
// Package: internal/jobtable
// 文件: job_table.go
// 功能: 每個批次執行 (probe sweep) 一筆記錄，多個 worker 並發追加結果
//
// 任務生命週期:
//   Running
//      ↓ Record() 直到 completed >= total
//   Complete
//
//   Running --Delete()--> (移除) ; worker 收到 ErrJobNotFound 後停止
//
// 保留策略:
//   已完成的任務保留供輪詢，超過 TTL 後由 Evict() 移除。
//   執行中的任務永不清除。
//
// 並發安全:
//   - 一把 sync.RWMutex 保護 map 與其中每筆記錄
//   - Progress() 回傳副本，不回傳指向表內的指標
//
// ============================================================================

package jobtable

import (
	"errors"
	"sync"
	"time"

	"github.com/ChuLiYu/swarm-pool/pkg/types"
	"github.com/google/uuid"
)

var (
	// ErrJobNotFound the job does not exist (never created, evicted or cancelled)
	ErrJobNotFound = errors.New("job not found")
	// ErrInvalidTotal a job must expect at least one unit
	ErrInvalidTotal = errors.New("job total must be positive")
)

// Job is one batch run
type Job struct {
	ID         types.JobID        `json:"id"`
	Kind       string             `json:"kind"`
	Total      int                `json:"total"`
	Completed  int                `json:"completed"`
	Results    []types.UnitResult `json:"results"`
	Status     types.JobStatus    `json:"status"`
	CreatedAt  time.Time          `json:"created_at"`
	UpdatedAt  time.Time          `json:"updated_at"`
	FinishedAt time.Time          `json:"finished_at,omitempty"`
}

// Progress is the poll-style view of a job
type Progress struct {
	ID      types.JobID        `json:"job_id"`
	Kind    string             `json:"kind"`
	Checked int                `json:"checked"`
	Total   int                `json:"total"`
	Percent int                `json:"progress"`
	Results []types.UnitResult `json:"results"`
	Status  types.JobStatus    `json:"status"`
}

// Table holds every live and recently finished job
type Table struct {
	mu   sync.RWMutex
	jobs map[types.JobID]*Job
	now  func() time.Time
}

// New creates an empty job table
func New() *Table {
	return &Table{
		jobs: make(map[types.JobID]*Job),
		now:  time.Now,
	}
}

// Create registers a new running job
//
// Parameters:
//   - kind: free-form job kind ("probe")
//   - total: number of units the job expects
//
// Returns:
//   - types.JobID: the new job's id (uuid)
//   - error: ErrInvalidTotal when total < 1
func (t *Table) Create(kind string, total int) (types.JobID, error) {
	if total < 1 {
		return "", ErrInvalidTotal
	}

	now := t.now()
	job := &Job{
		ID:        types.JobID(uuid.NewString()),
		Kind:      kind,
		Total:     total,
		Results:   make([]types.UnitResult, 0),
		Status:    types.JobRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.jobs[job.ID] = job
	return job.ID, nil
}

// Record appends one unit result and bumps the completed counter
//
// Returns:
//   - error: ErrJobNotFound once the job has been deleted; workers treat
//     this as a cancellation signal
func (t *Table) Record(id types.JobID, result types.UnitResult) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	job, ok := t.jobs[id]
	if !ok {
		return ErrJobNotFound
	}

	now := t.now()
	job.Results = append(job.Results, result)
	job.Completed++
	job.UpdatedAt = now
	if job.Status == types.JobRunning && job.Completed >= job.Total {
		job.Status = types.JobComplete
		job.FinishedAt = now
	}
	return nil
}

// Exists reports whether the job is still in the table
func (t *Table) Exists(id types.JobID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.jobs[id]
	return ok
}

// Progress returns a copy of the job's progress
func (t *Table) Progress(id types.JobID) (Progress, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	job, ok := t.jobs[id]
	if !ok {
		return Progress{}, ErrJobNotFound
	}

	results := make([]types.UnitResult, len(job.Results))
	copy(results, job.Results)

	status := job.Status
	if status == types.JobRunning && job.Completed >= job.Total {
		status = types.JobComplete
	}

	return Progress{
		ID:      job.ID,
		Kind:    job.Kind,
		Checked: job.Completed,
		Total:   job.Total,
		Percent: percent(job.Completed, job.Total),
		Results: results,
		Status:  status,
	}, nil
}

// Delete removes the job. Returns false when it was not present.
func (t *Table) Delete(id types.JobID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.jobs[id]; !ok {
		return false
	}
	delete(t.jobs, id)
	return true
}

// Evict drops finished jobs older than ttl
//
// Returns:
//   - []types.JobID: the evicted ids
func (t *Table) Evict(now time.Time, ttl time.Duration) []types.JobID {
	t.mu.Lock()
	defer t.mu.Unlock()

	var evicted []types.JobID
	for id, job := range t.jobs {
		if job.Status == types.JobRunning {
			continue
		}
		if now.Sub(job.FinishedAt) >= ttl {
			delete(t.jobs, id)
			evicted = append(evicted, id)
		}
	}
	return evicted
}

// Stats counts jobs per status
func (t *Table) Stats() map[string]int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	stats := map[string]int{
		string(types.JobRunning):  0,
		string(types.JobComplete): 0,
	}
	for _, job := range t.jobs {
		stats[string(job.Status)]++
	}
	return stats
}

// Len returns the number of jobs in the table
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.jobs)
}

func percent(done, total int) int {
	if total <= 0 {
		return 0
	}
	if done >= total {
		return 100
	}
	return done * 100 / total
}
