// ============================================================================
// swarm-pool 排程器 - 週期性遠端訂單輪詢
// ============================================================================
//
// Package: internal/scheduler
// 文件: scheduler.go
// 功能: 維護週期性遠端任務表，每個 tick 對到期任務下單一次，
//       並依後端提示計算下次可執行時間
//
// 循環:
//   Load()  - 抓取服務目錄、過濾、解析靜態 timer，所有任務立即到期
//   Tick()  - 依序對每個到期任務下單，逐一重新排程
//   Run()   - 重複 Tick 直到 ctx 結束，無到期任務時閒置約 1 秒
//
// 單一訂單失敗 (error 或 panic) 只會讓該任務延後 error backoff，
// 不會中斷循環。
//
// ============================================================================

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/swarm-pool/internal/metrics"
	"github.com/ChuLiYu/swarm-pool/pkg/types"
	"github.com/google/uuid"
)

var log = slog.Default()

var (
	// ErrTransport the order backend could not be reached
	ErrTransport = errors.New("transport error")
	// ErrParse the order backend answered with something unreadable
	ErrParse = errors.New("malformed response")
	// ErrNoEligibleServices nothing left after filtering the catalog
	ErrNoEligibleServices = errors.New("no eligible services")
	// ErrRunning the loop is already active
	ErrRunning = errors.New("scheduler already running")
)

// ServiceInfo is one catalog entry
type ServiceInfo struct {
	ID        int
	Name      string
	Timer     string // "5m", "45s" or empty
	Available bool
}

// OrderRequest is one order sent to the backend
type OrderRequest struct {
	ServiceID     int
	Link          string
	CorrelationID string
	Extra         map[string]string
}

// OrderResponse is the backend answer. NextAvailable is epoch seconds, 0 when absent.
type OrderResponse struct {
	Success       bool
	Message       string
	OrderID       string
	NextAvailable int64
}

// OrderAPI is the remote order backend
type OrderAPI interface {
	FetchCatalog(ctx context.Context) ([]ServiceInfo, error)
	PostOrder(ctx context.Context, req OrderRequest) (OrderResponse, error)
}

// Config tunes the scheduler
type Config struct {
	Link           string
	Extra          map[string]string
	Excluded       []int
	Labels         map[int]string
	Floor          time.Duration // minimum spacing between two orders of one task
	ErrorBackoff   time.Duration
	DefaultSuccess time.Duration // used when the task has no static timer
	DefaultFailure time.Duration
	Idle           time.Duration
	OrderTimeout   time.Duration
}

// DefaultConfig returns the stock scheduler settings
func DefaultConfig() Config {
	return Config{
		Floor:          30 * time.Second,
		ErrorBackoff:   30 * time.Second,
		DefaultSuccess: 300 * time.Second,
		DefaultFailure: 60 * time.Second,
		Idle:           time.Second,
		OrderTimeout:   20 * time.Second,
	}
}

// Status is a poll-style view of the scheduler
type Status struct {
	Running bool                `json:"running"`
	Tasks   []types.ServiceTask `json:"tasks"`
	Orders  int                 `json:"orders"`
}

// Scheduler owns the task table
type Scheduler struct {
	cfg     Config
	api     OrderAPI
	metrics *metrics.Collector

	mu     sync.Mutex
	tasks  map[int]*types.ServiceTask
	orders int

	running atomic.Bool
	now     func() time.Time
}

// New creates a scheduler. metrics may be nil.
func New(cfg Config, api OrderAPI, m *metrics.Collector) *Scheduler {
	return &Scheduler{
		cfg:     cfg,
		api:     api,
		metrics: m,
		tasks:   make(map[int]*types.ServiceTask),
		now:     time.Now,
	}
}

// Load fetches the catalog and replaces the task table with the eligible
// entries. Every loaded task is due immediately.
func (s *Scheduler) Load(ctx context.Context) (int, error) {
	catalog, err := s.api.FetchCatalog(ctx)
	if err != nil {
		return 0, fmt.Errorf("fetch catalog: %w", err)
	}

	excluded := make(map[int]bool, len(s.cfg.Excluded))
	for _, id := range s.cfg.Excluded {
		excluded[id] = true
	}

	tasks := make(map[int]*types.ServiceTask)
	for _, svc := range catalog {
		if svc.ID <= 0 || !svc.Available || excluded[svc.ID] {
			continue
		}
		interval, _ := ParseTimer(svc.Timer)
		tasks[svc.ID] = &types.ServiceTask{
			ID:       svc.ID,
			Label:    s.label(svc),
			Interval: interval,
		}
	}
	if len(tasks) == 0 {
		return 0, ErrNoEligibleServices
	}

	s.mu.Lock()
	s.tasks = tasks
	s.mu.Unlock()

	log.Info("Scheduler catalog loaded", "services", len(tasks), "catalog", len(catalog))
	return len(tasks), nil
}

func (s *Scheduler) label(svc ServiceInfo) string {
	if l, ok := s.cfg.Labels[svc.ID]; ok {
		return l
	}
	if svc.Name != "" {
		return svc.Name
	}
	return fmt.Sprintf("SERVICE_%d", svc.ID)
}

// Tick orders every due task once and returns how many fired
func (s *Scheduler) Tick(ctx context.Context) int {
	now := s.now()

	s.mu.Lock()
	due := make([]types.ServiceTask, 0, len(s.tasks))
	for _, t := range s.tasks {
		if t.Due(now) {
			due = append(due, *t)
		}
	}
	s.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].ID < due[j].ID })

	fired := 0
	for _, task := range due {
		if ctx.Err() != nil {
			break
		}
		resp, err := s.order(ctx, task)
		s.apply(task.ID, s.now(), resp, err)
		fired++
	}
	return fired
}

// order sends one order, turning a panic into an error for this task only
func (s *Scheduler) order(ctx context.Context, task types.ServiceTask) (resp OrderResponse, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("order panicked: %v", p)
		}
	}()

	orderCtx, cancel := context.WithTimeout(ctx, s.cfg.OrderTimeout)
	defer cancel()

	start := time.Now()
	resp, err = s.api.PostOrder(orderCtx, OrderRequest{
		ServiceID:     task.ID,
		Link:          s.cfg.Link,
		CorrelationID: uuid.NewString(),
		Extra:         s.cfg.Extra,
	})

	outcome := metrics.OrderSuccess
	switch {
	case err != nil:
		outcome = metrics.OrderError
	case !resp.Success:
		outcome = metrics.OrderFailure
	}
	s.metrics.RecordOrder(outcome, time.Since(start).Seconds())
	return resp, err
}

// apply records the outcome and moves the task's next eligible time
func (s *Scheduler) apply(id int, now time.Time, resp OrderResponse, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return
	}

	t.Attempts++
	s.orders++
	t.NextEligibleAt = Reschedule(s.cfg, *t, now, resp, err)

	if err != nil {
		t.LastSuccess = false
		t.LastMessage = err.Error()
		log.Warn("Order error",
			"task", t.Label,
			"error", err,
			"next", t.NextEligibleAt.Format(time.TimeOnly))
		return
	}

	t.LastSuccess = resp.Success
	t.LastMessage = resp.Message
	if resp.Success {
		t.LastOrderID = resp.OrderID
		log.Info("Order sent",
			"task", t.Label,
			"order", resp.OrderID,
			"next", t.NextEligibleAt.Format(time.TimeOnly))
		return
	}
	log.Info("Order refused",
		"task", t.Label,
		"message", resp.Message,
		"next", t.NextEligibleAt.Format(time.TimeOnly))
}

// Run ticks until ctx is done. It idles for Config.Idle when nothing was due.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	defer s.running.Store(false)

	log.Info("Scheduler loop started")
	defer log.Info("Scheduler loop stopped")

	idle := time.NewTimer(s.cfg.Idle)
	defer idle.Stop()

	for {
		if ctx.Err() != nil {
			return nil
		}
		if s.Tick(ctx) > 0 {
			continue
		}

		idle.Reset(s.cfg.Idle)
		select {
		case <-ctx.Done():
			return nil
		case <-idle.C:
		}
	}
}

// Running reports whether Run is active
func (s *Scheduler) Running() bool { return s.running.Load() }

// Tasks returns a copy of the task table sorted by id
func (s *Scheduler) Tasks() []types.ServiceTask {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]types.ServiceTask, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Status returns the loop state with a task snapshot
func (s *Scheduler) Status() Status {
	tasks := s.Tasks()
	s.mu.Lock()
	orders := s.orders
	s.mu.Unlock()
	return Status{Running: s.Running(), Tasks: tasks, Orders: orders}
}
