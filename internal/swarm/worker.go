package swarm

// ============================================================================
// 職責說明：
// 1. 單一 attempt 的完整流程：取得 slot、建立 driver、執行 steps、claim
// 2. 每個離開路徑都釋放 session 與 slot，panic 也不例外
// 3. 成功的 worker 停駐直到 run 被取消
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ChuLiYu/swarm-pool/internal/driver"
	"github.com/ChuLiYu/swarm-pool/internal/limiter"
	"github.com/ChuLiYu/swarm-pool/internal/metrics"
	"github.com/ChuLiYu/swarm-pool/pkg/types"
)

// work runs one attempt end to end. Every exit path releases what the worker
// holds, parked workers included once the run is cancelled. Sessions are
// released before the terminal status is recorded, so a settled run holds
// slots only for its parked workers.
func (r *Run) work(id types.WorkerID) {
	defer r.wg.Done()

	var (
		drv  driver.Driver
		held bool
		done bool
	)

	release := func() {
		if !held {
			return
		}
		held = false
		if d, ok := r.tracker.Unregister(id); ok {
			if err := d.Close(); err != nil {
				log.Warn("Close session failed", "run", r.id, "worker", id, "error", err)
			}
		}
		r.o.limiter.Release()
		r.o.metrics.SetSessionsInUse(r.o.limiter.InUse())
	}
	defer release()

	defer func() {
		if p := recover(); p != nil {
			log.Error("Worker panicked", "run", r.id, "worker", id, "panic", p)
			release()
			if !done {
				r.finish(id, types.Failed(fmt.Sprintf("panic: %v", p)), metrics.OutcomeFailed)
			}
		}
	}()

	if r.targetReached() {
		done = true
		r.finish(id, types.Skipped(reasonTargetReached), metrics.OutcomeSkipped)
		return
	}

	r.tracker.SetStatus(id, types.Launching())

	// 等待 slot 用 admitCtx，建立 driver 用 run ctx
	d, err := limiter.Build(r.admitCtx, r.o.limiter, func(context.Context) (driver.Driver, error) {
		if r.targetReached() {
			return nil, errTargetReached
		}
		return r.o.factory.NewDriver(r.ctx)
	})
	if err != nil {
		done = true
		switch {
		case errors.Is(err, errTargetReached):
			r.finish(id, types.Skipped(reasonTargetReached), metrics.OutcomeSkipped)
		case r.ctx.Err() != nil:
			r.finish(id, types.Skipped(reasonRunStopped), metrics.OutcomeSkipped)
		case r.admitCtx.Err() != nil:
			r.finish(id, types.Skipped(reasonTargetReached), metrics.OutcomeSkipped)
		default:
			log.Warn("Session launch failed", "run", r.id, "worker", id, "error", err)
			r.finish(id, types.Failed(driver.Reason(err)), metrics.OutcomeFailed)
		}
		return
	}

	drv, held = d, true
	r.tracker.Register(id, drv)
	r.o.metrics.SetSessionsInUse(r.o.limiter.InUse())

	sess := &Session{
		Driver: drv,
		Worker: id,
		Label:  r.newLabel(),
		Wait:   r.o.cfg.Wait,
	}

	for _, step := range r.steps {
		r.tracker.SetStatus(id, types.InProgress(step.Stage))
		start := time.Now()
		err := step.Run(r.ctx, sess)
		r.o.metrics.RecordStep(time.Since(start).Seconds())
		if err != nil {
			done = true
			release()
			if r.ctx.Err() != nil {
				r.finish(id, types.Skipped(reasonRunStopped), metrics.OutcomeSkipped)
				return
			}
			log.Info("Worker step failed",
				"run", r.id,
				"worker", id,
				"stage", step.Stage,
				"error", err)
			r.finish(id, types.Failed(driver.Reason(err)), metrics.OutcomeFailed)
			return
		}
	}

	if !r.claim() {
		done = true
		release()
		r.finish(id, types.Skipped(reasonTargetReached), metrics.OutcomeSkipped)
		return
	}

	done = true
	r.finish(id, types.Succeeded(sess.Label), metrics.OutcomeSucceeded)
	log.Info("Worker succeeded", "run", r.id, "worker", id, "label", sess.Label)

	r.park()
}

// park holds the session until the run is cancelled
func (r *Run) park() {
	r.o.metrics.AddParked(1)
	<-r.ctx.Done()

	r.mu.Lock()
	r.parked--
	r.mu.Unlock()
	r.o.metrics.AddParked(-1)
}
