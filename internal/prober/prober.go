// ============================================================================
// swarm-pool 探測器 - 代碼空間掃描
// ============================================================================
//
// Package: internal/prober
// 文件: prober.go
// 功能: 將數字代碼空間切成連續區間，透過 Checker 逐一檢查，
//       結果記錄在批次任務中
//
// 任務流程:
//   ProbeSweeps() - 建立任務 (total = 各 sweep 大小總和)，fan out
//   worker        - 區間內每個代碼: Exists() -> Record()；
//                   任務被刪除後停止
//   Progress()    - floor(checked*100/total)，checked >= total 即完成
//   Cancel()      - 刪除任務記錄，worker 在下一次檢查時停止
//
// ============================================================================

package prober

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ChuLiYu/swarm-pool/internal/jobtable"
	"github.com/ChuLiYu/swarm-pool/internal/metrics"
	"github.com/ChuLiYu/swarm-pool/pkg/types"
	"golang.org/x/sync/errgroup"
)

var log = slog.Default()

// JobKind is the job table kind used for probe jobs
const JobKind = "probe"

var (
	// ErrEmptyRange start must be below end
	ErrEmptyRange = errors.New("empty code range")
	// ErrUnknownPreset the code-type preset is not recognised
	ErrUnknownPreset = errors.New("unknown code preset")
)

// Checker tells whether a code exists on the remote side
type Checker interface {
	Exists(ctx context.Context, code string) (bool, error)
}

// CheckerFunc adapts a function to Checker
type CheckerFunc func(ctx context.Context, code string) (bool, error)

func (f CheckerFunc) Exists(ctx context.Context, code string) (bool, error) { return f(ctx, code) }

// Range is the half-open interval [Start, End)
type Range struct {
	Start int
	End   int
}

// Len returns the number of codes in r
func (r Range) Len() int { return r.End - r.Start }

// Sweep is one code length probed over [Start, End)
type Sweep struct {
	Start  int
	End    int
	Length int
}

// Config tunes the prober
type Config struct {
	MaxWorkers   int
	CheckTimeout time.Duration
}

// DefaultConfig caps workers at 5 with a 2s check timeout
func DefaultConfig() Config {
	return Config{MaxWorkers: 5, CheckTimeout: 2 * time.Second}
}

// Partition splits [start, end) into at most workers contiguous ranges of
// near-equal size. The last range absorbs the remainder. No range is empty.
func Partition(start, end, workers int) []Range {
	n := end - start
	if n <= 0 {
		return nil
	}
	if workers < 1 {
		workers = 1
	}
	if workers > n {
		workers = n
	}

	per := n / workers
	out := make([]Range, 0, workers)
	for w := 0; w < workers; w++ {
		r := Range{Start: start + w*per, End: start + (w+1)*per}
		if w == workers-1 {
			r.End = end
		}
		out = append(out, r)
	}
	return out
}

// FormatCode zero-pads n to length digits
func FormatCode(n, length int) string {
	return fmt.Sprintf("%0*d", length, n)
}

// SweepsFor expands a code-type preset: "5", "6", "7", any comma list of
// those such as "5,7", or "all".
func SweepsFor(preset string) ([]Sweep, error) {
	preset = strings.TrimSpace(preset)
	if preset == "all" {
		preset = "5,6,7"
	}

	var sweeps []Sweep
	for _, part := range strings.Split(preset, ",") {
		switch strings.TrimSpace(part) {
		case "5":
			sweeps = append(sweeps, Sweep{Start: 0, End: 100_000, Length: 5})
		case "6":
			sweeps = append(sweeps, Sweep{Start: 0, End: 1_000_000, Length: 6})
		case "7":
			sweeps = append(sweeps, Sweep{Start: 0, End: 10_000_000, Length: 7})
		default:
			return nil, fmt.Errorf("%w: %q", ErrUnknownPreset, preset)
		}
	}
	return sweeps, nil
}

// Prober runs probe jobs against a checker
type Prober struct {
	cfg     Config
	checker Checker
	jobs    *jobtable.Table
	metrics *metrics.Collector

	mu      sync.Mutex
	cancels map[types.JobID]context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a prober recording into jobs. metrics may be nil.
func New(cfg Config, checker Checker, jobs *jobtable.Table, m *metrics.Collector) *Prober {
	if cfg.MaxWorkers < 1 {
		cfg.MaxWorkers = DefaultConfig().MaxWorkers
	}
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = DefaultConfig().CheckTimeout
	}
	return &Prober{
		cfg:     cfg,
		checker: checker,
		jobs:    jobs,
		metrics: m,
		cancels: make(map[types.JobID]context.CancelFunc),
	}
}

// Probe checks every code of one length in [start, end)
func (p *Prober) Probe(ctx context.Context, start, end, length, workers int) (types.JobID, error) {
	return p.ProbeSweeps(ctx, []Sweep{{Start: start, End: end, Length: length}}, workers)
}

// ProbeSweeps starts one job covering every sweep and returns at once. Each
// sweep is partitioned across workers; at most workers checks run at a time.
// The job outlives ctx and ends when complete or cancelled.
func (p *Prober) ProbeSweeps(ctx context.Context, sweeps []Sweep, workers int) (types.JobID, error) {
	total := 0
	for _, s := range sweeps {
		if s.End <= s.Start {
			return "", fmt.Errorf("%w: [%d, %d)", ErrEmptyRange, s.Start, s.End)
		}
		total += s.End - s.Start
	}
	if total == 0 {
		return "", ErrEmptyRange
	}
	workers = min(max(workers, 1), p.cfg.MaxWorkers)

	id, err := p.jobs.Create(JobKind, total)
	if err != nil {
		return "", err
	}

	jobCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.mu.Lock()
	p.cancels[id] = cancel
	p.mu.Unlock()

	g, gctx := errgroup.WithContext(jobCtx)
	g.SetLimit(workers)

	log.Info("Probe started", "job", id, "total", total, "sweeps", len(sweeps), "workers", workers)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.forget(id)

		for _, s := range sweeps {
			s := s
			for _, r := range Partition(s.Start, s.End, workers) {
				r := r
				g.Go(func() error { return p.scan(gctx, id, r, s.Length) })
			}
		}
		if err := g.Wait(); err != nil && !errors.Is(err, jobtable.ErrJobNotFound) {
			log.Warn("Probe ended early", "job", id, "error", err)
			return
		}
		log.Info("Probe finished", "job", id)
	}()

	return id, nil
}

// scan checks r sequentially. It returns ErrJobNotFound once the job is gone,
// which ends the sibling workers too.
func (p *Prober) scan(ctx context.Context, id types.JobID, r Range, length int) error {
	for n := r.Start; n < r.End; n++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		code := FormatCode(n, length)
		res := p.check(ctx, code)
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := p.jobs.Record(id, res); err != nil {
			return err
		}
		p.metrics.RecordProbe(res.OK)
	}
	return nil
}

// check runs one bounded existence check. Errors count as invalid.
func (p *Prober) check(ctx context.Context, code string) types.UnitResult {
	checkCtx, cancel := context.WithTimeout(ctx, p.cfg.CheckTimeout)
	defer cancel()

	ok, err := p.checker.Exists(checkCtx, code)
	if err != nil {
		return types.UnitResult{Unit: code, OK: false, Detail: err.Error()}
	}
	return types.UnitResult{Unit: code, OK: ok}
}

func (p *Prober) forget(id types.JobID) {
	p.mu.Lock()
	cancel, ok := p.cancels[id]
	delete(p.cancels, id)
	p.mu.Unlock()
	if ok {
		cancel()
	}
}

// Progress returns the job view
func (p *Prober) Progress(id types.JobID) (jobtable.Progress, error) {
	return p.jobs.Progress(id)
}

// Cancel deletes the job record and stops its workers. It reports whether
// the job existed.
func (p *Prober) Cancel(id types.JobID) bool {
	existed := p.jobs.Delete(id)
	p.forget(id)
	if existed {
		log.Info("Probe cancelled", "job", id)
	}
	return existed
}

// Active returns the number of probe jobs still running
func (p *Prober) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.cancels)
}

// Close cancels every running job and waits for its workers. Job records are
// kept for polling.
func (p *Prober) Close() {
	p.mu.Lock()
	for _, cancel := range p.cancels {
		cancel()
	}
	p.mu.Unlock()
	p.wg.Wait()
}
