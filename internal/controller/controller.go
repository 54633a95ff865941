// ============================================================================
// swarm-pool 控制器 - 系統核心協調器
// ============================================================================
//
// Package: internal/controller
// 文件: controller.go
// 功能: 持有全域 session 限流器，協調 swarm run、排程器與探測器
//
// 架構設計:
//   - Limiter: 全域 session 上限（所有 run 共用）
//   - Orchestrator: 每次 StartRun 建立一個獨立 run（各自的 tracker 與計數器）
//   - Scheduler: 單一排程迴圈，StartScheduler / StopScheduler 控制
//   - Prober: 批次探測任務，結果記錄在 jobtable
//
// 背景循環 (最多 2 個 Goroutine):
//   1. Evict Loop  - 定期清除已完成且超過 TTL 的批次任務
//   2. Report Loop - 定期將 Status() 原子寫入報告檔（設定 report path 才啟動）
//
// 並發安全:
//   - c.mu 保護 runs map 與排程器狀態
//   - stopCh channel 用於通知背景循環
//   - sync.WaitGroup 確保所有 goroutine 正確退出
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/swarm-pool/internal/driver"
	"github.com/ChuLiYu/swarm-pool/internal/jobtable"
	"github.com/ChuLiYu/swarm-pool/internal/limiter"
	"github.com/ChuLiYu/swarm-pool/internal/metrics"
	"github.com/ChuLiYu/swarm-pool/internal/prober"
	"github.com/ChuLiYu/swarm-pool/internal/report"
	"github.com/ChuLiYu/swarm-pool/internal/scheduler"
	"github.com/ChuLiYu/swarm-pool/internal/swarm"
	"github.com/ChuLiYu/swarm-pool/pkg/types"
)

var log = slog.Default()

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrRunNotFound           = errors.New("run not found")
	ErrSchedulerRunning      = errors.New("scheduler already running")
	ErrMissingBackend        = errors.New("missing backend")
	ErrTargetExceedsCapacity = errors.New("target exceeds session pool capacity")
	ErrStopped               = errors.New("controller stopped")
	ErrAlreadyStarted        = errors.New("controller already started")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Config Controller 配置
type Config struct {
	PoolCapacity   int              // 全域 session 上限
	Swarm          swarm.Config     // run 預設值
	Scheduler      scheduler.Config // 排程器設定
	Prober         prober.Config    // 探測器設定
	JobTTL         time.Duration    // 已完成批次任務保留時間
	EvictInterval  time.Duration    // 清除間隔
	ReportPath     string           // 報告檔路徑（空字串 = 不輸出）
	ReportInterval time.Duration    // 報告輸出間隔
}

// Backends 外部協作者（UI driver、下單後端、代碼檢查器）
type Backends struct {
	Drivers driver.Factory
	Orders  scheduler.OrderAPI
	Checker prober.Checker
}

// RunRequest 啟動一次 swarm run 的參數
type RunRequest struct {
	Target   int
	Prefix   string
	Sequence []swarm.Step
	Buffer   *swarm.BufferPolicy // nil = 使用設定檔的 buffer policy
}

// ProbeRequest 啟動探測任務的參數；Preset 與 Sweeps 擇一
type ProbeRequest struct {
	Preset  string // "5", "6,7", "all" ...
	Sweeps  []prober.Sweep
	Workers int
}

// SessionStatus 全域 session 使用量
type SessionStatus struct {
	InUse    int `json:"in_use"`
	Capacity int `json:"capacity"`
}

// Status 系統狀態快照（CLI 與報告檔使用）
type Status struct {
	Running      bool              `json:"running"`
	Uptime       string            `json:"uptime"`
	Sessions     SessionStatus     `json:"sessions"`
	Runs         []swarm.RunStatus `json:"runs"`
	Scheduler    scheduler.Status  `json:"scheduler"`
	Jobs         map[string]int    `json:"jobs"`
	ActiveProbes int               `json:"active_probes"`
}

// Controller 核心控制器
type Controller struct {
	mu       sync.Mutex
	config   Config
	metrics  *metrics.Collector
	limiter  *limiter.Limiter
	orch     *swarm.Orchestrator
	runs     map[types.RunID]*swarm.Run
	sched    *scheduler.Scheduler
	jobs     *jobtable.Table
	prober   *prober.Prober
	report   *report.Writer[Status]
	ctx      context.Context    // run 與排程器的根 context
	cancel   context.CancelFunc // Stop 時取消
	stopCh   chan struct{}      // 停止訊號
	started  bool
	stopped  bool
	startAt  time.Time
	loopWg   sync.WaitGroup // 等待背景循環退出
	schedCtl *schedulerControl
}

// schedulerControl 排程迴圈的生命週期
type schedulerControl struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewController 建立新的 Controller 實例
//
// 參數：
//   - config: Controller 配置
//   - backends: 三個外部協作者，皆為必填
//   - m: metrics collector，可為 nil
//
// 返回值：
//   - *Controller: Controller 實例
//   - error: 缺少 backend 時回傳 ErrMissingBackend
func NewController(config Config, backends Backends, m *metrics.Collector) (*Controller, error) {
	switch {
	case backends.Drivers == nil:
		return nil, fmt.Errorf("%w: driver factory", ErrMissingBackend)
	case backends.Orders == nil:
		return nil, fmt.Errorf("%w: order api", ErrMissingBackend)
	case backends.Checker == nil:
		return nil, fmt.Errorf("%w: checker", ErrMissingBackend)
	}

	if config.EvictInterval <= 0 {
		config.EvictInterval = time.Minute
	}
	if config.ReportInterval <= 0 {
		config.ReportInterval = 5 * time.Second
	}

	lim := limiter.New(config.PoolCapacity)
	jobs := jobtable.New()
	ctx, cancel := context.WithCancel(context.Background())

	c := &Controller{
		config:  config,
		metrics: m,
		limiter: lim,
		orch:    swarm.New(config.Swarm, lim, backends.Drivers, m),
		runs:    make(map[types.RunID]*swarm.Run),
		sched:   scheduler.New(config.Scheduler, backends.Orders, m),
		jobs:    jobs,
		prober:  prober.New(config.Prober, backends.Checker, jobs, m),
		ctx:     ctx,
		cancel:  cancel,
		stopCh:  make(chan struct{}),
	}
	if config.ReportPath != "" {
		c.report = report.NewWriter[Status](config.ReportPath)
	}
	return c, nil
}

// Start 啟動背景循環
//
// 返回值：
//   - error: 重複啟動或已停止時的錯誤
func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return ErrStopped
	}
	if c.started {
		return ErrAlreadyStarted
	}
	c.started = true
	c.startAt = time.Now()

	c.loopWg.Add(1)
	go c.evictLoop()

	if c.report != nil {
		c.loopWg.Add(1)
		go c.reportLoop()
	}

	log.Info("Controller started",
		"capacity", c.limiter.Capacity(),
		"report", c.config.ReportPath)
	return nil
}

// ============================================================================
// 背景循環
// ============================================================================

// evictLoop 定期清除過期的批次任務與閒置的 run
func (c *Controller) evictLoop() {
	defer c.loopWg.Done()
	ticker := time.NewTicker(c.config.EvictInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			log.Info("Evict loop stopped")
			return

		case now := <-ticker.C:
			c.evict(now)
		}
	}
}

// evict 清除一次，回傳被清除的任務數與 run 數
func (c *Controller) evict(now time.Time) int {
	if c.config.JobTTL <= 0 {
		return 0
	}
	evicted := c.jobs.Evict(now, c.config.JobTTL)
	if len(evicted) > 0 {
		c.metrics.RecordEvicted(len(evicted))
		log.Info("Evicted finished jobs", "count", len(evicted))
	}
	return len(evicted) + c.evictRuns(now)
}

// evictRuns 移除已結束超過 JobTTL 且沒有停駐 worker 的 run
//
// 參數:
//   - now: 判斷保留時間的基準
//
// 返回值:
//   - int: 被移除的 run 數
func (c *Controller) evictRuns(now time.Time) int {
	c.mu.Lock()
	var idle []*swarm.Run
	for id, run := range c.runs {
		if run.Idle(now, c.config.JobTTL) {
			idle = append(idle, run)
			delete(c.runs, id)
		}
	}
	c.mu.Unlock()

	// 已無 worker 持有 session，Stop 只會結束 run 的 context
	for _, run := range idle {
		run.Stop()
	}
	if len(idle) > 0 {
		log.Info("Evicted settled runs", "count", len(idle))
	}
	return len(idle)
}

// reportLoop 定期輸出報告檔
func (c *Controller) reportLoop() {
	defer c.loopWg.Done()
	ticker := time.NewTicker(c.config.ReportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			log.Info("Report loop stopped")
			return

		case <-ticker.C:
			if err := c.writeReport(); err != nil {
				log.Error("Failed to write report", "error", err)
			}
		}
	}
}

// writeReport 執行一次報告輸出
func (c *Controller) writeReport() error {
	if c.report == nil {
		return nil
	}
	if err := c.report.Write(c.Status()); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	return nil
}

// ============================================================================
// Swarm runs
// ============================================================================

// StartRun 啟動一次 run，立即返回 run id
func (c *Controller) StartRun(req RunRequest) (types.RunID, error) {
	if req.Target > c.limiter.Capacity() {
		return "", fmt.Errorf("%w: target %d, capacity %d", ErrTargetExceedsCapacity, req.Target, c.limiter.Capacity())
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return "", ErrStopped
	}

	run, err := c.orch.Start(c.ctx, swarm.Request{
		Target:   req.Target,
		Prefix:   req.Prefix,
		Sequence: req.Sequence,
		Buffer:   req.Buffer,
	})
	if err != nil {
		return "", err
	}
	c.runs[run.ID()] = run
	return run.ID(), nil
}

func (c *Controller) run(id types.RunID) (*swarm.Run, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	run, ok := c.runs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return run, nil
}

// RunStatus 取得 run 狀態
func (c *Controller) RunStatus(id types.RunID) (swarm.RunStatus, error) {
	run, err := c.run(id)
	if err != nil {
		return swarm.RunStatus{}, err
	}
	return run.Status(), nil
}

// WaitRun 等待 run 的所有 worker 進入終止狀態
func (c *Controller) WaitRun(ctx context.Context, id types.RunID) error {
	run, err := c.run(id)
	if err != nil {
		return err
	}
	select {
	case <-run.Settled():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StopRun 停止 run、關閉所有 session，並從列表移除
func (c *Controller) StopRun(id types.RunID) error {
	c.mu.Lock()
	run, ok := c.runs[id]
	delete(c.runs, id)
	c.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	run.Stop()
	c.metrics.SetSessionsInUse(c.limiter.InUse())
	return nil
}

// Screenshot 擷取某個 worker 目前的畫面
func (c *Controller) Screenshot(ctx context.Context, runID types.RunID, worker types.WorkerID) ([]byte, error) {
	run, err := c.run(runID)
	if err != nil {
		return nil, err
	}
	return run.Screenshot(ctx, worker)
}

// Reset 停止所有 run（完整重置 session pool），回傳被重置的 run 數
func (c *Controller) Reset() int {
	c.mu.Lock()
	runs := c.runs
	c.runs = make(map[types.RunID]*swarm.Run)
	c.mu.Unlock()

	var wg sync.WaitGroup
	for _, run := range runs {
		wg.Add(1)
		go func(r *swarm.Run) {
			defer wg.Done()
			r.Reset()
		}(run)
	}
	wg.Wait()

	c.metrics.SetSessionsInUse(c.limiter.InUse())
	log.Info("Session pool reset", "runs", len(runs))
	return len(runs)
}

// ============================================================================
// Scheduler
// ============================================================================

// StartScheduler 載入 catalog 並在背景執行排程迴圈
func (c *Controller) StartScheduler(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return ErrStopped
	}
	if c.schedCtl != nil {
		return ErrSchedulerRunning
	}

	if _, err := c.sched.Load(ctx); err != nil {
		return fmt.Errorf("failed to load catalog: %w", err)
	}

	schedCtx, cancel := context.WithCancel(c.ctx)
	ctl := &schedulerControl{cancel: cancel, done: make(chan struct{})}
	c.schedCtl = ctl

	go func() {
		defer close(ctl.done)
		if err := c.sched.Run(schedCtx); err != nil {
			log.Error("Scheduler loop failed", "error", err)
		}
	}()
	return nil
}

// StopScheduler 停止排程迴圈並等待其退出；未啟動時為 no-op
func (c *Controller) StopScheduler() {
	c.mu.Lock()
	ctl := c.schedCtl
	c.schedCtl = nil
	c.mu.Unlock()

	if ctl == nil {
		return
	}
	ctl.cancel()
	<-ctl.done
}

// SchedulerStatus 取得排程器狀態
func (c *Controller) SchedulerStatus() scheduler.Status {
	return c.sched.Status()
}

// ============================================================================
// Prober
// ============================================================================

// StartProbe 啟動探測任務
func (c *Controller) StartProbe(req ProbeRequest) (types.JobID, error) {
	c.mu.Lock()
	stopped := c.stopped
	c.mu.Unlock()
	if stopped {
		return "", ErrStopped
	}

	sweeps := req.Sweeps
	if req.Preset != "" {
		var err error
		if sweeps, err = prober.SweepsFor(req.Preset); err != nil {
			return "", err
		}
	}
	return c.prober.ProbeSweeps(c.ctx, sweeps, req.Workers)
}

// ProbeProgress 取得探測進度
func (c *Controller) ProbeProgress(id types.JobID) (jobtable.Progress, error) {
	return c.prober.Progress(id)
}

// CancelProbe 取消探測任務
func (c *Controller) CancelProbe(id types.JobID) error {
	if !c.prober.Cancel(id) {
		return fmt.Errorf("%w: %s", jobtable.ErrJobNotFound, id)
	}
	return nil
}

// ============================================================================
// 狀態查詢
// ============================================================================

// Running 回報 Controller 是否已啟動且尚未停止
func (c *Controller) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started && !c.stopped
}

// SchedulerRunning 回報排程迴圈是否運作中
func (c *Controller) SchedulerRunning() bool {
	return c.sched.Running()
}

// Status 取得系統狀態
func (c *Controller) Status() Status {
	c.mu.Lock()
	running := c.started && !c.stopped
	var uptime time.Duration
	if c.started {
		uptime = time.Since(c.startAt).Truncate(time.Second)
	}
	runs := make([]*swarm.Run, 0, len(c.runs))
	for _, r := range c.runs {
		runs = append(runs, r)
	}
	c.mu.Unlock()

	statuses := make([]swarm.RunStatus, 0, len(runs))
	for _, r := range runs {
		statuses = append(statuses, r.Status())
	}
	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].StartedAt.Before(statuses[j].StartedAt)
	})

	return Status{
		Running:      running,
		Uptime:       uptime.String(),
		Sessions:     SessionStatus{InUse: c.limiter.InUse(), Capacity: c.limiter.Capacity()},
		Runs:         statuses,
		Scheduler:    c.sched.Status(),
		Jobs:         c.jobs.Stats(),
		ActiveProbes: c.prober.Active(),
	}
}

// Stop 優雅關閉 Controller
//
// 關閉順序：
//  1. close(stopCh)   → 通知背景循環
//  2. StopScheduler() → 等待排程迴圈退出
//  3. Reset()         → 停止所有 run，關閉所有 session
//  4. prober.Close()  → 取消探測任務（保留紀錄）
//  5. loopWg.Wait()   → 等待背景循環退出
//  6. 最後一次報告輸出
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		log.Info("Controller already stopped")
		return
	}
	c.stopped = true
	c.mu.Unlock()

	log.Info("Stopping controller...")

	close(c.stopCh)
	c.StopScheduler()
	c.Reset()
	c.prober.Close()
	c.cancel()
	c.loopWg.Wait()

	if err := c.writeReport(); err != nil {
		log.Error("Failed to write final report", "error", err)
	}

	log.Info("Controller stopped")
}
