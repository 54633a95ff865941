// ============================================================================
// swarm-pool Session 限流器
// ============================================================================
//
// Package: internal/limiter
// 文件: limiter.go
// 功能: 昂貴 session (瀏覽器 driver) 的計數准入閘門
//
// 每個需要 driver 的 worker 在建立前取得 slot，並在 driver 存活期間持有。
// Build() 在建立失敗或 panic 時釋放 slot，失敗的啟動不會縮小 pool。
//
// ============================================================================

package limiter

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// DefaultCapacity is the number of concurrent sessions allowed when unset
const DefaultCapacity = 5

// Limiter bounds the number of concurrently live sessions
type Limiter struct {
	sem      *semaphore.Weighted
	capacity int
	inUse    atomic.Int64
}

// New creates a limiter. Capacity below 1 falls back to DefaultCapacity.
func New(capacity int) *Limiter {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	return &Limiter{
		sem:      semaphore.NewWeighted(int64(capacity)),
		capacity: capacity,
	}
}

// Acquire blocks until a slot is free or ctx is done.
func (l *Limiter) Acquire(ctx context.Context) error {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("acquire session slot: %w", err)
	}
	l.inUse.Add(1)
	return nil
}

// Release returns one slot. Releasing an unheld slot panics.
func (l *Limiter) Release() {
	l.inUse.Add(-1)
	l.sem.Release(1)
}

// InUse returns the number of slots currently held
func (l *Limiter) InUse() int { return int(l.inUse.Load()) }

// Capacity returns the configured capacity
func (l *Limiter) Capacity() int { return l.capacity }

// Build acquires a slot and runs build while holding it. On success the caller
// owns the slot and must Release it when the built resource is torn down.
// On error or panic the slot is released before returning.
func Build[T any](ctx context.Context, l *Limiter, build func(ctx context.Context) (T, error)) (res T, err error) {
	if err = l.Acquire(ctx); err != nil {
		return res, err
	}

	ok := false
	defer func() {
		if !ok {
			l.Release()
		}
	}()

	res, err = build(ctx)
	if err != nil {
		return res, err
	}
	ok = true
	return res, nil
}
