// ============================================================================
// swarm-pool 編排器 - 目標數 + 緩衝 worker 的 session 池
// ============================================================================
//
// Package: internal/swarm
// 文件: swarm.go
// 功能: 啟動 target+buffer 個 worker，各自在獨立 session 上執行一段 UI 流程，
//       成功數達到 target 後不再接受新的成功
//
// Run 生命週期:
//   Start()    - 所有 worker 設為 waiting，啟動 dispatcher goroutine
//   dispatch   - 每個 attempt 一個 worker goroutine，以 rate limiter 錯開
//   worker     - 檢查 target -> slot -> driver -> steps -> claim -> park
//   Stop()     - cancel，所有 worker 關閉 session 後 join
//
//   ┌────────────┐  rate.Wait   ┌──────────┐  limiter.Build  ┌────────┐
//   │ dispatcher │ ───────────> │ worker i │ ──────────────> │ driver │
//   └────────────┘              └──────────┘                 └────────┘
//                                    │ claim() under Run.mu
//                                    ▼
//                        succeeded + parked  |  skipped  |  failed
//
// Buffer 計算:
//   total = target + max(Min, ceil(target * Ratio))   (預設 Min=3, Ratio=0.5)
//
// 成功計數:
//   最終檢查與遞增在同一把鎖內完成 (claim)，成功數不會超過 target。
//   target 已滿後才完成 steps 的 worker 會關閉 session 並標記 skipped。
//
// Slot 准入:
//   worker 在 run 的 admission context 上等待 slot，claim() 在達到 target 時
//   cancel 它。停駐的成功 worker 可能佔滿所有 slot，此時仍在排隊的 worker
//   直接結束為 skipped，不會永久等待。
//
// 停駐 (parked) worker:
//   成功的 worker 保留 session 與 slot 直到 run 被停止，
//   遠端只在連線存在時計入該 session。
//
// ============================================================================

package swarm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/swarm-pool/internal/driver"
	"github.com/ChuLiYu/swarm-pool/internal/limiter"
	"github.com/ChuLiYu/swarm-pool/internal/metrics"
	"github.com/ChuLiYu/swarm-pool/internal/tracker"
	"github.com/ChuLiYu/swarm-pool/pkg/types"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

var log = slog.Default()

var (
	// ErrInvalidTarget target must be at least 1
	ErrInvalidTarget = errors.New("target must be at least 1")
	// ErrEmptySequence a run needs at least one step
	ErrEmptySequence = errors.New("sequence has no steps")
	// ErrNoSession the worker holds no live session
	ErrNoSession = errors.New("worker has no live session")

	errTargetReached = errors.New("target reached")
)

const (
	reasonTargetReached = "target reached"
	reasonRunStopped    = "run stopped"
)

// BufferPolicy sizes the extra attempts launched on top of the target
type BufferPolicy struct {
	Min   int     `yaml:"min"`
	Ratio float64 `yaml:"ratio"`
}

// DefaultBufferPolicy returns max(3, ceil(target*0.5)) extra attempts
func DefaultBufferPolicy() BufferPolicy {
	return BufferPolicy{Min: 3, Ratio: 0.5}
}

// NoBuffer launches exactly target attempts
func NoBuffer() BufferPolicy { return BufferPolicy{} }

// TotalAttempts returns target + max(p.Min, ceil(target*p.Ratio))
func TotalAttempts(target int, p BufferPolicy) int {
	if target < 1 {
		return 0
	}
	extra := int(math.Ceil(float64(target) * p.Ratio))
	if extra < p.Min {
		extra = p.Min
	}
	return target + extra
}

// Config tunes an orchestrator
type Config struct {
	Buffer        BufferPolicy
	Stagger       time.Duration     // minimum spacing between worker launches
	Wait          driver.WaitPolicy // bound for every clickable wait
	DefaultPrefix string            // label prefix when a request has none
	LabelLength   int               // random suffix length
}

// DefaultConfig returns the stock orchestrator settings
func DefaultConfig() Config {
	return Config{
		Buffer:        DefaultBufferPolicy(),
		Stagger:       200 * time.Millisecond,
		Wait:          driver.DefaultWaitPolicy(),
		DefaultPrefix: "bot",
		LabelLength:   8,
	}
}

// Request describes one run
type Request struct {
	Target   int
	Prefix   string
	Sequence []Step
	Buffer   *BufferPolicy // overrides Config.Buffer when set
}

// Orchestrator starts runs that share one session limiter
type Orchestrator struct {
	cfg     Config
	limiter *limiter.Limiter
	factory driver.Factory
	metrics *metrics.Collector
}

// New creates an orchestrator. metrics may be nil.
func New(cfg Config, l *limiter.Limiter, f driver.Factory, m *metrics.Collector) *Orchestrator {
	if cfg.LabelLength <= 0 {
		cfg.LabelLength = 8
	}
	return &Orchestrator{cfg: cfg, limiter: l, factory: f, metrics: m}
}

// Start validates req and launches the run in the background. It never waits
// for any worker. The run ends when ctx is cancelled or Stop is called.
func (o *Orchestrator) Start(ctx context.Context, req Request) (*Run, error) {
	if req.Target < 1 {
		return nil, ErrInvalidTarget
	}
	if len(req.Sequence) == 0 {
		return nil, ErrEmptySequence
	}

	policy := o.cfg.Buffer
	if req.Buffer != nil {
		policy = *req.Buffer
	}
	prefix := req.Prefix
	if prefix == "" {
		prefix = o.cfg.DefaultPrefix
	}

	ctx, cancel := context.WithCancel(ctx)
	admitCtx, admitCancel := context.WithCancel(ctx)
	r := &Run{
		id:          types.RunID(uuid.NewString()),
		target:      req.Target,
		total:       TotalAttempts(req.Target, policy),
		prefix:      prefix,
		steps:       append([]Step(nil), req.Sequence...),
		o:           o,
		tracker:     tracker.New(),
		ctx:         ctx,
		cancel:      cancel,
		admitCtx:    admitCtx,
		admitCancel: admitCancel,
		startedAt:   time.Now(),
		settledCh:   make(chan struct{}),
	}

	for i := 1; i <= r.total; i++ {
		r.tracker.SetStatus(types.WorkerID(i), types.Waiting())
	}

	log.Info("Run started",
		"run", r.id,
		"target", r.target,
		"attempts", r.total)

	r.wg.Add(1)
	go r.dispatch()

	return r, nil
}

// RunStatus is the poll-style view of a run
type RunStatus struct {
	ID            types.RunID                            `json:"id"`
	Target        int                                    `json:"target"`
	TotalAttempts int                                    `json:"total_attempts"`
	Successes     int                                    `json:"successes"`
	Parked        int                                    `json:"parked"`
	Sessions      int                                    `json:"sessions"` // drivers still open
	Workers       map[types.WorkerID]types.WorkerStatus `json:"workers"`
	Counts        map[types.StatusKind]int               `json:"counts"`
	StartedAt     time.Time                              `json:"started_at"`
	Stopped       bool                                   `json:"stopped"`
}

// Run is one orchestration run with its own tracker and success counter
type Run struct {
	id     types.RunID
	target int
	total  int
	prefix string
	steps  []Step
	o      *Orchestrator

	tracker *tracker.Tracker

	mu        sync.Mutex // guards successes and parked
	successes int
	parked    int

	ctx    context.Context
	cancel context.CancelFunc
	// admitCtx gates slot acquisition; cancelled once the target is met
	admitCtx    context.Context
	admitCancel context.CancelFunc

	wg        sync.WaitGroup
	stopOnce  sync.Once
	stopped   atomic.Bool
	startedAt time.Time

	settled   atomic.Int32
	settledAt atomic.Int64 // unix nanos, written before settledCh closes
	settledCh chan struct{}
}

// ID returns the run id
func (r *Run) ID() types.RunID { return r.id }

// Target returns the requested success count
func (r *Run) Target() int { return r.target }

// TotalAttempts returns target plus buffer
func (r *Run) TotalAttempts() int { return r.total }

// Successes returns the success counter
func (r *Run) Successes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.successes
}

// Settled is closed once every worker has reached a terminal status
func (r *Run) Settled() <-chan struct{} { return r.settledCh }

// SettledAt returns when the last worker reached a terminal status
func (r *Run) SettledAt() (time.Time, bool) {
	select {
	case <-r.settledCh:
		return time.Unix(0, r.settledAt.Load()), true
	default:
		return time.Time{}, false
	}
}

// Idle reports whether the run settled at least ttl before now and no worker
// is parked, i.e. it holds no session.
func (r *Run) Idle(now time.Time, ttl time.Duration) bool {
	at, ok := r.SettledAt()
	if !ok || now.Sub(at) < ttl {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.parked == 0
}

// Status returns a snapshot of the run
func (r *Run) Status() RunStatus {
	r.mu.Lock()
	successes, parked := r.successes, r.parked
	r.mu.Unlock()

	return RunStatus{
		ID:            r.id,
		Target:        r.target,
		TotalAttempts: r.total,
		Successes:     successes,
		Parked:        parked,
		Sessions:      r.tracker.LiveHandles(),
		Workers:       r.tracker.GetAll(),
		Counts:        r.tracker.Counts(),
		StartedAt:     r.startedAt,
		Stopped:       r.stopped.Load(),
	}
}

// Screenshot captures the page of a worker that still holds a session
func (r *Run) Screenshot(ctx context.Context, id types.WorkerID) ([]byte, error) {
	d, ok := r.tracker.Lookup(id)
	if !ok {
		return nil, fmt.Errorf("worker %d: %w", id, ErrNoSession)
	}
	return d.Screenshot(ctx)
}

// Stop cancels the run, tears down every session (parked ones included) and
// waits for all workers to exit. Safe to call more than once.
func (r *Run) Stop() {
	r.stopOnce.Do(func() {
		r.stopped.Store(true)
		r.cancel()
		r.wg.Wait()
		log.Info("Run stopped",
			"run", r.id,
			"successes", r.Successes())
	})
}

// Reset stops the run and clears its tracker, closing any handle still
// registered.
func (r *Run) Reset() int {
	r.Stop()
	return r.tracker.Reset()
}

// dispatch launches one worker per attempt, spaced by the stagger
func (r *Run) dispatch() {
	defer r.wg.Done()

	limit := rate.Inf
	if r.o.cfg.Stagger > 0 {
		limit = rate.Every(r.o.cfg.Stagger)
	}
	pacer := rate.NewLimiter(limit, 1)

	for i := 1; i <= r.total; i++ {
		id := types.WorkerID(i)
		if err := pacer.Wait(r.ctx); err != nil {
			for j := i; j <= r.total; j++ {
				r.finish(types.WorkerID(j), types.Skipped(reasonRunStopped), metrics.OutcomeSkipped)
			}
			return
		}

		r.o.metrics.RecordDispatch()
		r.wg.Add(1)
		go r.work(id)
	}
}

// targetReached reports whether the success counter has met the target
func (r *Run) targetReached() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.successes >= r.target
}

// claim atomically checks the target and counts one success
func (r *Run) claim() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.successes >= r.target {
		return false
	}
	r.successes++
	r.parked++
	if r.successes == r.target {
		r.admitCancel()
	}
	return true
}

// finish records a terminal status and closes Settled after the last one
func (r *Run) finish(id types.WorkerID, status types.WorkerStatus, outcome string) {
	r.tracker.SetStatus(id, status)
	r.o.metrics.RecordWorkerOutcome(outcome)
	if int(r.settled.Add(1)) == r.total {
		r.settledAt.Store(time.Now().UnixNano())
		close(r.settledCh)
	}
}

func (r *Run) newLabel() string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")
	n := r.o.cfg.LabelLength
	if n > len(suffix) {
		n = len(suffix)
	}
	return r.prefix + suffix[:n]
}
