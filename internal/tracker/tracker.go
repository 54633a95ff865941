// ============================================================================
// swarm-pool Worker 狀態追蹤器
// ============================================================================
//
// Package: internal/tracker
// 文件: tracker.go
// 功能: 共用的 worker-id -> status 對照表，以及 driver handle 註冊表
//
// 設計:
//   statuses map[WorkerID]WorkerStatus  - 後寫者為準，以快照讀取
//   handles  map[WorkerID]driver.Driver - 供帶外讀取 (截圖) 的反向參照，
//                                         不代表擁有權
//
// 並發安全:
//   - 一把 RWMutex 保護兩個 map
//   - GetAll 回傳副本，呼叫者不需持鎖即可讀取
//   - Unregister 只把 handle 交給一個呼叫者，確保只關閉一次
//
// 沒有單一 worker 的刪除操作。Reset 清空全部並關閉仍註冊的 handle。
//
// ============================================================================

package tracker

import (
	"log/slog"
	"sync"

	"github.com/ChuLiYu/swarm-pool/internal/driver"
	"github.com/ChuLiYu/swarm-pool/pkg/types"
)

var log = slog.Default()

// Tracker records worker lifecycle state for one run
type Tracker struct {
	mu       sync.RWMutex
	statuses map[types.WorkerID]types.WorkerStatus
	handles  map[types.WorkerID]driver.Driver
}

// New creates an empty tracker
func New() *Tracker {
	return &Tracker{
		statuses: make(map[types.WorkerID]types.WorkerStatus),
		handles:  make(map[types.WorkerID]driver.Driver),
	}
}

// SetStatus overwrites the status of id
func (t *Tracker) SetStatus(id types.WorkerID, status types.WorkerStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.statuses[id] = status
}

// Get returns the status of id
func (t *Tracker) Get(id types.WorkerID) (types.WorkerStatus, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.statuses[id]
	return s, ok
}

// GetAll returns a snapshot of every status
func (t *Tracker) GetAll() map[types.WorkerID]types.WorkerStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[types.WorkerID]types.WorkerStatus, len(t.statuses))
	for id, s := range t.statuses {
		out[id] = s
	}
	return out
}

// Counts returns the number of workers per status kind
func (t *Tracker) Counts() map[types.StatusKind]int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	counts := make(map[types.StatusKind]int)
	for _, s := range t.statuses {
		counts[s.Kind]++
	}
	return counts
}

// Register records d as the live driver of id
func (t *Tracker) Register(id types.WorkerID, d driver.Driver) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handles[id] = d
}

// Lookup returns the live driver of id without taking ownership
func (t *Tracker) Lookup(id types.WorkerID) (driver.Driver, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	d, ok := t.handles[id]
	return d, ok
}

// Unregister removes and returns the driver of id. Only the caller that
// gets ok == true may close it.
func (t *Tracker) Unregister(id types.WorkerID) (driver.Driver, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.handles[id]
	if ok {
		delete(t.handles, id)
	}
	return d, ok
}

// LiveHandles returns the number of registered drivers
func (t *Tracker) LiveHandles() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.handles)
}

// Reset clears every status and closes every registered driver.
// Returns the number of drivers closed.
func (t *Tracker) Reset() int {
	t.mu.Lock()
	handles := t.handles
	t.handles = make(map[types.WorkerID]driver.Driver)
	t.statuses = make(map[types.WorkerID]types.WorkerStatus)
	t.mu.Unlock()

	// close outside the lock; Close may block on the remote session
	for id, d := range handles {
		if err := d.Close(); err != nil {
			log.Warn("Failed to close driver during reset", "worker", id, "error", err)
		}
	}
	return len(handles)
}
