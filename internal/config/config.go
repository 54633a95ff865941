// ============================================================================
// swarm-pool 配置管理
// ============================================================================
//
// Package: internal/config
// 文件: config.go
// 功能: YAML 配置的預設值、驗證，以及轉換為各 package 的 Config
//
// 載入:
//   Load(path) 以 Default() 為基礎再解析檔案，檔案只需寫出要修改的 key。
//   Duration 使用字串 ("30s")。
//
// 區段:
//   pool, swarm, scheduler, prober, report, metrics, grpc, log, sim
//
// ============================================================================

package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/ChuLiYu/swarm-pool/internal/controller"
	"github.com/ChuLiYu/swarm-pool/internal/driver"
	"github.com/ChuLiYu/swarm-pool/internal/prober"
	"github.com/ChuLiYu/swarm-pool/internal/scheduler"
	"github.com/ChuLiYu/swarm-pool/internal/sim"
	"github.com/ChuLiYu/swarm-pool/internal/swarm"
	"gopkg.in/yaml.v3"
)

// Config represents the complete system configuration structure
type Config struct {
	Pool struct {
		Capacity int `yaml:"capacity"`
	} `yaml:"pool"`

	Swarm struct {
		BufferMin     int           `yaml:"buffer_min"`
		BufferRatio   float64       `yaml:"buffer_ratio"`
		Stagger       time.Duration `yaml:"stagger"`
		DefaultPrefix string        `yaml:"default_prefix"`
		LabelLength   int           `yaml:"label_length"`
		WaitTimeout   time.Duration `yaml:"wait_timeout"`
		WaitRetries   int           `yaml:"wait_retries"`
		WaitPause     time.Duration `yaml:"wait_pause"`
		JoinURL       string        `yaml:"join_url"`
		CodeSelector  string        `yaml:"code_selector"`
		JoinSelector  string        `yaml:"join_selector"`
		NameSelector  string        `yaml:"name_selector"`
	} `yaml:"swarm"`

	Scheduler struct {
		Link           string            `yaml:"link"`
		Extra          map[string]string `yaml:"extra"`
		Excluded       []int             `yaml:"excluded"`
		Labels         map[int]string    `yaml:"labels"`
		Floor          time.Duration     `yaml:"floor"`
		ErrorBackoff   time.Duration     `yaml:"error_backoff"`
		DefaultSuccess time.Duration     `yaml:"default_success"`
		DefaultFailure time.Duration     `yaml:"default_failure"`
		Idle           time.Duration     `yaml:"idle"`
		OrderTimeout   time.Duration     `yaml:"order_timeout"`
	} `yaml:"scheduler"`

	Prober struct {
		MaxWorkers    int           `yaml:"max_workers"`
		CheckTimeout  time.Duration `yaml:"check_timeout"`
		JobTTL        time.Duration `yaml:"job_ttl"`
		EvictInterval time.Duration `yaml:"evict_interval"`
	} `yaml:"prober"`

	Report struct {
		Path     string        `yaml:"path"`
		Interval time.Duration `yaml:"interval"`
	} `yaml:"report"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	GRPC struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"grpc"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"` // text or json
	} `yaml:"log"`

	Sim struct {
		FailureRate float64       `yaml:"failure_rate"`
		MaxLatency  time.Duration `yaml:"max_latency"`
		ValidRate   float64       `yaml:"valid_rate"`
	} `yaml:"sim"`
}

// Default returns the stock configuration
func Default() *Config {
	var c Config

	c.Pool.Capacity = 5

	sw := swarm.DefaultConfig()
	c.Swarm.BufferMin = sw.Buffer.Min
	c.Swarm.BufferRatio = sw.Buffer.Ratio
	c.Swarm.Stagger = sw.Stagger
	c.Swarm.DefaultPrefix = sw.DefaultPrefix
	c.Swarm.LabelLength = sw.LabelLength
	c.Swarm.WaitTimeout = sw.Wait.Timeout
	c.Swarm.WaitRetries = sw.Wait.Retries
	c.Swarm.WaitPause = sw.Wait.Pause
	c.Swarm.JoinURL = "https://join.example.test/"
	c.Swarm.CodeSelector = "#game-input"
	c.Swarm.JoinSelector = "button[type=submit]"
	c.Swarm.NameSelector = "#nickname"

	sc := scheduler.DefaultConfig()
	c.Scheduler.Floor = sc.Floor
	c.Scheduler.ErrorBackoff = sc.ErrorBackoff
	c.Scheduler.DefaultSuccess = sc.DefaultSuccess
	c.Scheduler.DefaultFailure = sc.DefaultFailure
	c.Scheduler.Idle = sc.Idle
	c.Scheduler.OrderTimeout = sc.OrderTimeout

	pc := prober.DefaultConfig()
	c.Prober.MaxWorkers = pc.MaxWorkers
	c.Prober.CheckTimeout = pc.CheckTimeout
	c.Prober.JobTTL = 30 * time.Minute
	c.Prober.EvictInterval = time.Minute

	c.Report.Interval = 5 * time.Second

	c.Metrics.Enabled = true
	c.Metrics.Port = 9090

	c.GRPC.Enabled = true
	c.GRPC.Port = 50051

	c.Log.Level = "info"
	c.Log.Format = "text"

	c.Sim.FailureRate = 0.1
	c.Sim.MaxLatency = 500 * time.Millisecond
	c.Sim.ValidRate = 0.01

	return &c
}

// Load reads path over the defaults and validates the result
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports every bad value at once
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Pool.Capacity >= 1, "pool.capacity must be >= 1, got %d", c.Pool.Capacity)
	check(c.Swarm.BufferMin >= 0, "swarm.buffer_min must be >= 0, got %d", c.Swarm.BufferMin)
	check(c.Swarm.BufferRatio >= 0, "swarm.buffer_ratio must be >= 0, got %v", c.Swarm.BufferRatio)
	check(c.Swarm.Stagger >= 0, "swarm.stagger must be >= 0")
	check(c.Swarm.WaitTimeout > 0, "swarm.wait_timeout must be > 0")
	check(c.Swarm.WaitRetries >= 1, "swarm.wait_retries must be >= 1, got %d", c.Swarm.WaitRetries)
	check(c.Scheduler.Floor > 0, "scheduler.floor must be > 0")
	check(c.Scheduler.ErrorBackoff > 0, "scheduler.error_backoff must be > 0")
	check(c.Scheduler.Idle > 0, "scheduler.idle must be > 0")
	check(c.Scheduler.OrderTimeout > 0, "scheduler.order_timeout must be > 0")
	check(c.Prober.MaxWorkers >= 1, "prober.max_workers must be >= 1, got %d", c.Prober.MaxWorkers)
	check(c.Prober.CheckTimeout > 0, "prober.check_timeout must be > 0")
	check(c.Prober.EvictInterval > 0, "prober.evict_interval must be > 0")
	check(c.Report.Path == "" || c.Report.Interval > 0, "report.interval must be > 0 when report.path is set")
	check(!c.Metrics.Enabled || validPort(c.Metrics.Port), "metrics.port out of range: %d", c.Metrics.Port)
	check(!c.GRPC.Enabled || validPort(c.GRPC.Port), "grpc.port out of range: %d", c.GRPC.Port)
	check(c.Sim.FailureRate >= 0 && c.Sim.FailureRate <= 1, "sim.failure_rate must be within [0, 1]")
	check(c.Sim.ValidRate >= 0 && c.Sim.ValidRate <= 1, "sim.valid_rate must be within [0, 1]")

	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}

	return errors.Join(errs...)
}

func validPort(p int) bool { return p > 0 && p < 65536 }

// SlogLevel parses log.level
func (c *Config) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(c.Log.Level))); err != nil {
		return lvl, fmt.Errorf("log.level: %w", err)
	}
	return lvl, nil
}

// SwarmConfig converts the swarm section
func (c *Config) SwarmConfig() swarm.Config {
	return swarm.Config{
		Buffer:        swarm.BufferPolicy{Min: c.Swarm.BufferMin, Ratio: c.Swarm.BufferRatio},
		Stagger:       c.Swarm.Stagger,
		Wait:          driver.WaitPolicy{Timeout: c.Swarm.WaitTimeout, Retries: c.Swarm.WaitRetries, Pause: c.Swarm.WaitPause},
		DefaultPrefix: c.Swarm.DefaultPrefix,
		LabelLength:   c.Swarm.LabelLength,
	}
}

// JoinSequence builds the stock join flow for a room code
func (c *Config) JoinSequence(code string) []swarm.Step {
	return swarm.JoinSequence(swarm.JoinPage{
		URL:          c.Swarm.JoinURL,
		CodeSelector: c.Swarm.CodeSelector,
		JoinSelector: c.Swarm.JoinSelector,
		NameSelector: c.Swarm.NameSelector,
	}, code)
}

// SchedulerConfig converts the scheduler section
func (c *Config) SchedulerConfig() scheduler.Config {
	return scheduler.Config{
		Link:           c.Scheduler.Link,
		Extra:          c.Scheduler.Extra,
		Excluded:       c.Scheduler.Excluded,
		Labels:         c.Scheduler.Labels,
		Floor:          c.Scheduler.Floor,
		ErrorBackoff:   c.Scheduler.ErrorBackoff,
		DefaultSuccess: c.Scheduler.DefaultSuccess,
		DefaultFailure: c.Scheduler.DefaultFailure,
		Idle:           c.Scheduler.Idle,
		OrderTimeout:   c.Scheduler.OrderTimeout,
	}
}

// ControllerConfig assembles the controller settings
func (c *Config) ControllerConfig() controller.Config {
	return controller.Config{
		PoolCapacity:   c.Pool.Capacity,
		Swarm:          c.SwarmConfig(),
		Scheduler:      c.SchedulerConfig(),
		Prober:         prober.Config{MaxWorkers: c.Prober.MaxWorkers, CheckTimeout: c.Prober.CheckTimeout},
		JobTTL:         c.Prober.JobTTL,
		EvictInterval:  c.Prober.EvictInterval,
		ReportPath:     c.Report.Path,
		ReportInterval: c.Report.Interval,
	}
}

// SimConfig converts the sim section
func (c *Config) SimConfig() sim.Config {
	return sim.Config{
		FailureRate: c.Sim.FailureRate,
		MaxLatency:  c.Sim.MaxLatency,
		ValidRate:   c.Sim.ValidRate,
	}
}
