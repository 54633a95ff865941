// ============================================================================
// swarm-pool 模擬後端
// ============================================================================
//
// Package: internal/sim
// 文件: sim.go
// 功能: UI driver、訂單後端與代碼檢查器的行程內替身，
//       供 CLI demo 與整合測試使用
//
// 每次模擬呼叫都遵循同一模型:
//   - [0, MaxLatency) 的隨機延遲       (遠端往返)
//   - FailureRate 機率回傳錯誤          (不穩定的遠端)
//   - 延遲可被 ctx 中斷，回傳 ctx.Err()
//
// ============================================================================

package sim

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/swarm-pool/internal/driver"
	"github.com/ChuLiYu/swarm-pool/internal/scheduler"
	"github.com/google/uuid"
)

// ErrSimulated is the error injected by FailureRate
var ErrSimulated = errors.New("simulated failure")

// Config tunes the simulation
type Config struct {
	FailureRate float64       // chance in [0, 1] that a call fails
	MaxLatency  time.Duration // upper bound of the random delay
	ValidRate   float64       // chance that a probed code exists
}

// simulate sleeps a random delay then fails with FailureRate
func (c Config) simulate(ctx context.Context) error {
	var delay time.Duration
	if c.MaxLatency > 0 {
		delay = time.Duration(rand.Int63n(int64(c.MaxLatency)))
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
	}

	if rand.Float64() < c.FailureRate {
		return ErrSimulated
	}
	return nil
}

// ============================================================================
// UI driver
// ============================================================================

// Factory builds simulated drivers and counts the live ones
type Factory struct {
	cfg     Config
	created atomic.Int64
	live    atomic.Int64
}

// NewFactory creates a driver factory
func NewFactory(cfg Config) *Factory {
	return &Factory{cfg: cfg}
}

// NewDriver launches a simulated browser session
func (f *Factory) NewDriver(ctx context.Context) (driver.Driver, error) {
	if err := f.cfg.simulate(ctx); err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}
	f.created.Add(1)
	f.live.Add(1)
	return &Driver{f: f, url: "about:blank"}, nil
}

// Created returns how many drivers were built
func (f *Factory) Created() int { return int(f.created.Load()) }

// Live returns how many drivers are not yet closed
func (f *Factory) Live() int { return int(f.live.Load()) }

// Driver is a simulated browser session
type Driver struct {
	f      *Factory
	url    string
	typed  []string
	closed atomic.Bool
}

func (d *Driver) Open(ctx context.Context, url string) error {
	if err := d.f.cfg.simulate(ctx); err != nil {
		return err
	}
	d.url = url
	return nil
}

func (d *Driver) WaitClickable(ctx context.Context, selector string, timeout time.Duration) (driver.Element, error) {
	if d.closed.Load() {
		return nil, fmt.Errorf("wait %s: %w", selector, driver.ErrSessionClosed)
	}
	if err := d.f.cfg.simulate(ctx); err != nil {
		return nil, fmt.Errorf("wait %s: %w", selector, err)
	}
	return selector, nil
}

func (d *Driver) TypeAndSubmit(ctx context.Context, el driver.Element, text string) error {
	if err := d.f.cfg.simulate(ctx); err != nil {
		return err
	}
	d.typed = append(d.typed, text)
	return nil
}

func (d *Driver) Click(ctx context.Context, el driver.Element) error {
	return d.f.cfg.simulate(ctx)
}

func (d *Driver) CurrentURL() string { return d.url }

func (d *Driver) PageText(ctx context.Context) (string, error) {
	return fmt.Sprintf("You're in! %v", d.typed), nil
}

// Screenshot renders a 1x1 PNG
func (d *Driver) Screenshot(ctx context.Context) ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, 1, 1))
	img.Set(0, 0, color.RGBA{R: 70, G: 23, B: 143, A: 255})

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (d *Driver) Close() error {
	if d.closed.CompareAndSwap(false, true) {
		d.f.live.Add(-1)
	}
	return nil
}

// ============================================================================
// Order backend
// ============================================================================

// OrderAPI is a simulated order backend
type OrderAPI struct {
	cfg     Config
	catalog []scheduler.ServiceInfo
	orders  atomic.Int64
	now     func() time.Time
}

// DefaultCatalog is the stock simulated service list
func DefaultCatalog() []scheduler.ServiceInfo {
	return []scheduler.ServiceInfo{
		{ID: 228, Name: "followers", Timer: "10m", Available: true},
		{ID: 229, Name: "views", Timer: "5m", Available: true},
		{ID: 232, Name: "likes", Timer: "45s", Available: true},
		{ID: 235, Name: "shares", Timer: "", Available: true},
		{ID: 236, Name: "favorites", Timer: "2m", Available: false},
	}
}

// NewOrderAPI creates a backend serving catalog. A nil catalog serves DefaultCatalog.
func NewOrderAPI(cfg Config, catalog []scheduler.ServiceInfo) *OrderAPI {
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	return &OrderAPI{cfg: cfg, catalog: catalog, now: time.Now}
}

func (a *OrderAPI) FetchCatalog(ctx context.Context) ([]scheduler.ServiceInfo, error) {
	if err := a.cfg.simulate(ctx); err != nil {
		return nil, fmt.Errorf("%w: %w", scheduler.ErrTransport, err)
	}
	return append([]scheduler.ServiceInfo(nil), a.catalog...), nil
}

// PostOrder answers with one of: transport error, refusal with a wait hint,
// refusal with nextAvailable, or success
func (a *OrderAPI) PostOrder(ctx context.Context, req scheduler.OrderRequest) (scheduler.OrderResponse, error) {
	if err := a.cfg.simulate(ctx); err != nil {
		return scheduler.OrderResponse{}, fmt.Errorf("%w: %w", scheduler.ErrTransport, err)
	}
	a.orders.Add(1)

	switch n := rand.Intn(10); {
	case n < 2:
		wait := 30 + rand.Intn(300)
		return scheduler.OrderResponse{
			Message: fmt.Sprintf("Wait another %d minutes and %d seconds", wait/60, wait%60),
		}, nil
	case n < 3:
		return scheduler.OrderResponse{
			Message:       "Not yet available",
			NextAvailable: a.now().Add(time.Duration(60+rand.Intn(240)) * time.Second).Unix(),
		}, nil
	default:
		return scheduler.OrderResponse{Success: true, OrderID: uuid.NewString()[:8]}, nil
	}
}

// Orders returns how many orders reached the backend
func (a *OrderAPI) Orders() int { return int(a.orders.Load()) }

// ============================================================================
// Code checker
// ============================================================================

// Checker is a simulated existence checker
type Checker struct {
	cfg Config
}

// NewChecker creates a checker
func NewChecker(cfg Config) *Checker {
	return &Checker{cfg: cfg}
}

func (c *Checker) Exists(ctx context.Context, code string) (bool, error) {
	if err := c.cfg.simulate(ctx); err != nil {
		return false, fmt.Errorf("check %s: %w", code, err)
	}
	return rand.Float64() < c.cfg.ValidRate, nil
}
