package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 5, cfg.Pool.Capacity)
	assert.Equal(t, 3, cfg.Swarm.BufferMin)
	assert.Equal(t, 0.5, cfg.Swarm.BufferRatio)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.Floor)
	assert.Equal(t, 300*time.Second, cfg.Scheduler.DefaultSuccess)
	assert.Equal(t, 60*time.Second, cfg.Scheduler.DefaultFailure)
	assert.Equal(t, 2*time.Second, cfg.Prober.CheckTimeout)
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := writeConfig(t, `
pool:
  capacity: 12
swarm:
  stagger: 50ms
  default_prefix: guest
scheduler:
  link: https://example.test/v/1
  excluded: [228]
  labels:
    229: VIEWS
  floor: 45s
log:
  level: debug
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 12, cfg.Pool.Capacity)
	assert.Equal(t, 50*time.Millisecond, cfg.Swarm.Stagger)
	assert.Equal(t, "guest", cfg.Swarm.DefaultPrefix)
	assert.Equal(t, []int{228}, cfg.Scheduler.Excluded)
	assert.Equal(t, "VIEWS", cfg.Scheduler.Labels[229])
	assert.Equal(t, 45*time.Second, cfg.Scheduler.Floor)

	// untouched keys keep their defaults
	assert.Equal(t, 3, cfg.Swarm.BufferMin)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.ErrorBackoff)
	assert.Equal(t, 9090, cfg.Metrics.Port)

	lvl, err := cfg.SlogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, lvl)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "pool: [not, a, map]"))
	assert.ErrorContains(t, err, "parse")

	_, err = Load(writeConfig(t, "pool:\n  capacity: 0\nlog:\n  format: xml\n"))
	require.Error(t, err)
	assert.ErrorContains(t, err, "pool.capacity")
	assert.ErrorContains(t, err, "log.format")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"negative buffer", func(c *Config) { c.Swarm.BufferMin = -1 }, "swarm.buffer_min"},
		{"zero wait retries", func(c *Config) { c.Swarm.WaitRetries = 0 }, "swarm.wait_retries"},
		{"zero floor", func(c *Config) { c.Scheduler.Floor = 0 }, "scheduler.floor"},
		{"report without interval", func(c *Config) { c.Report.Path = "out.json"; c.Report.Interval = 0 }, "report.interval"},
		{"bad metrics port", func(c *Config) { c.Metrics.Port = 70000 }, "metrics.port"},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"failure rate above one", func(c *Config) { c.Sim.FailureRate = 1.5 }, "sim.failure_rate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}
}

func TestConversions(t *testing.T) {
	cfg := Default()
	cfg.Report.Path = "status.json"

	sw := cfg.SwarmConfig()
	assert.Equal(t, 3, sw.Buffer.Min)
	assert.Equal(t, cfg.Swarm.WaitRetries, sw.Wait.Retries)

	cc := cfg.ControllerConfig()
	assert.Equal(t, 5, cc.PoolCapacity)
	assert.Equal(t, "status.json", cc.ReportPath)
	assert.Equal(t, 5, cc.Prober.MaxWorkers)
	assert.Equal(t, 30*time.Minute, cc.JobTTL)

	seq := cfg.JoinSequence("123456")
	require.Len(t, seq, 4)
	assert.Equal(t, "open", seq[0].Stage)
	assert.Equal(t, "click_join", seq[2].Stage)
	assert.Equal(t, "button[type=submit]", cfg.Swarm.JoinSelector)

	assert.Equal(t, 0.1, cfg.SimConfig().FailureRate)
}

func TestShippedConfigMatchesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "configs", "default.yaml"))
	require.NoError(t, err)

	def := Default()
	assert.Equal(t, def.Pool, cfg.Pool)
	assert.Equal(t, def.Swarm, cfg.Swarm)
	assert.Equal(t, def.Prober, cfg.Prober)
	assert.Equal(t, def.Metrics, cfg.Metrics)
	assert.Equal(t, def.GRPC, cfg.GRPC)
	assert.Equal(t, def.Sim, cfg.Sim)
	assert.Equal(t, def.Scheduler.Floor, cfg.Scheduler.Floor)
	assert.Equal(t, def.Scheduler.OrderTimeout, cfg.Scheduler.OrderTimeout)
}
