// ============================================================================
// swarm-pool CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// 文件: cli.go
// 功能: 執行與檢視 session pool 的 Cobra 命令樹
//
// Command Structure:
//   swarm                          # Root command
//   ├── run                        # Start controller on simulated backends
//   │   ├── --target, -n          # Start one swarm run with this target
//   │   ├── --code                # Room code typed by the join flow
//   │   ├── --schedule            # Start the order scheduler
//   │   └── --probe               # Start a probe job ("5", "6,7", "all")
//   ├── status                     # Print config and query gRPC health
//   ├── plan                       # Print attempt math and probe partitions
//   ├── --config, -c               # Config file (default: configs/default.yaml)
//   └── --version
//
// run Command:
//   1. Load config, install the slog handler
//   2. Create and start the Controller
//   3. Start Metrics HTTP server and gRPC health server (if enabled)
//   4. Start the requested run / scheduler / probe
//   5. Print a status line every --status-every
//   6. On SIGINT or SIGTERM stop everything gracefully
//
//   Examples:
//     ./swarm run -n 10 --code 424242
//     ./swarm run --schedule --probe 5 -c custom.yaml
//
// status Command:
//   Prints the effective configuration and asks the health service of a
//   running instance whether the controller and the scheduler are serving.
//
// plan Command:
//   Dry run. Shows how many workers a target dispatches under the buffer
//   policy and how a probe preset is partitioned.
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ChuLiYu/swarm-pool/internal/config"
	"github.com/ChuLiYu/swarm-pool/internal/controller"
	"github.com/ChuLiYu/swarm-pool/internal/metrics"
	"github.com/ChuLiYu/swarm-pool/internal/prober"
	"github.com/ChuLiYu/swarm-pool/internal/server"
	"github.com/ChuLiYu/swarm-pool/internal/sim"
	"github.com/ChuLiYu/swarm-pool/internal/swarm"
	"github.com/ChuLiYu/swarm-pool/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

var configFile string

// BuildCLI assembles the root command
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "swarm",
		Short: "swarm-pool: bounded session pools, order scheduling and code probing",
		Long: `swarm-pool coordinates pools of automated sessions with:
- a global session cap
- target-with-buffer completion
- hint-driven order rescheduling
- partitioned code-space probing`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildPlanCommand())

	return rootCmd
}

// ============================================================================
// run
// ============================================================================

// runOptions are the run command flags
type runOptions struct {
	Target       int
	Prefix       string
	Code         string
	Schedule     bool
	Probe        string
	ProbeWorkers int
	StatusEvery  time.Duration
}

func buildRunCommand() *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the controller on simulated backends",
		Long:  "Start the controller, optionally launching a swarm run, the order scheduler and a probe job",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			setupLogging(cfg, os.Stderr)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runSystem(ctx, cfg, opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().IntVarP(&opts.Target, "target", "n", 0, "start a swarm run with this many successes (0 = none)")
	cmd.Flags().StringVar(&opts.Prefix, "prefix", "", "label prefix (default from config)")
	cmd.Flags().StringVar(&opts.Code, "code", "000000", "room code typed by the join flow")
	cmd.Flags().BoolVar(&opts.Schedule, "schedule", false, "start the order scheduler")
	cmd.Flags().StringVar(&opts.Probe, "probe", "", "probe preset: 5, 6, 7, a comma list, or all")
	cmd.Flags().IntVar(&opts.ProbeWorkers, "probe-workers", 5, "probe worker count")
	cmd.Flags().DurationVar(&opts.StatusEvery, "status-every", 2*time.Second, "status print interval")

	return cmd
}

// runSystem runs until ctx is cancelled
func runSystem(ctx context.Context, cfg *config.Config, opts runOptions, out io.Writer) error {
	reg := prometheus.NewRegistry()
	m := metrics.NewCollector(reg)

	simCfg := cfg.SimConfig()
	backends := controller.Backends{
		Drivers: sim.NewFactory(simCfg),
		Orders:  sim.NewOrderAPI(simCfg, nil),
		Checker: sim.NewChecker(simCfg),
	}

	ctrl, err := controller.NewController(cfg.ControllerConfig(), backends, m)
	if err != nil {
		return fmt.Errorf("failed to create controller: %w", err)
	}
	if err := ctrl.Start(); err != nil {
		return fmt.Errorf("failed to start controller: %w", err)
	}
	defer ctrl.Stop()

	if cfg.Metrics.Enabled {
		srv := metrics.NewServer(cfg.Metrics.Port, reg)
		go func() {
			slog.Info("Starting metrics server", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("Metrics server error", "error", err)
			}
		}()
		defer shutdownHTTP(srv)
	}

	if cfg.GRPC.Enabled {
		lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.GRPC.Port))
		if err != nil {
			return fmt.Errorf("failed to listen on port %d: %w", cfg.GRPC.Port, err)
		}
		hs := server.NewServer(ctrl, 0)
		go func() {
			if err := hs.Serve(lis); err != nil {
				slog.Error("Health server error", "error", err)
			}
		}()
		defer hs.Stop()
	}

	if opts.Target > 0 {
		id, err := ctrl.StartRun(controller.RunRequest{
			Target:   opts.Target,
			Prefix:   opts.Prefix,
			Sequence: cfg.JoinSequence(opts.Code),
		})
		if err != nil {
			return fmt.Errorf("failed to start run: %w", err)
		}
		fmt.Fprintf(out, "✓ Run %s started (target %d)\n", id, opts.Target)
	}

	if opts.Schedule {
		if err := ctrl.StartScheduler(ctx); err != nil {
			return fmt.Errorf("failed to start scheduler: %w", err)
		}
		fmt.Fprintln(out, "✓ Scheduler started")
	}

	if opts.Probe != "" {
		id, err := ctrl.StartProbe(controller.ProbeRequest{Preset: opts.Probe, Workers: opts.ProbeWorkers})
		if err != nil {
			return fmt.Errorf("failed to start probe: %w", err)
		}
		fmt.Fprintf(out, "✓ Probe %s started (preset %s)\n", id, opts.Probe)
	}

	slog.Info("System started successfully")

	every := opts.StatusEvery
	if every <= 0 {
		every = 2 * time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(out, "Received shutdown signal, stopping gracefully...")
			printSummary(out, ctrl.Status())
			return nil
		case <-ticker.C:
			printSummary(out, ctrl.Status())
		}
	}
}

func shutdownHTTP(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Warn("Metrics server shutdown", "error", err)
	}
}

// printSummary writes one status block
func printSummary(out io.Writer, st controller.Status) {
	fmt.Fprintf(out, "📊 sessions %d/%d | runs %d | orders %d | jobs %v | uptime %s\n",
		st.Sessions.InUse, st.Sessions.Capacity, len(st.Runs), st.Scheduler.Orders, st.Jobs, st.Uptime)
	for _, r := range st.Runs {
		fmt.Fprintf(out, "  └─ run %s: %d/%d succeeded, parked %d, succeeded=%d failed=%d skipped=%d\n",
			r.ID, r.Successes, r.Target, r.Parked,
			r.Counts[types.StatusSucceeded], r.Counts[types.StatusFailed], r.Counts[types.StatusSkipped])
	}
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand() *cobra.Command {
	var addr string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show system status",
		Long:  "Display the effective configuration and the health of a running instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			if addr == "" {
				addr = fmt.Sprintf("localhost:%d", cfg.GRPC.Port)
			}
			return showStatus(cmd.Context(), cmd.OutOrStdout(), cfg, addr, timeout)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "health service address (default localhost:<grpc.port>)")
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Second, "health check timeout")

	return cmd
}

func showStatus(ctx context.Context, out io.Writer, cfg *config.Config, addr string, timeout time.Duration) error {
	if ctx == nil {
		ctx = context.Background()
	}

	fmt.Fprintln(out, "\n╔═══════════════════════════════════════════════════════════╗")
	fmt.Fprintln(out, "║           swarm-pool System Status                        ║")
	fmt.Fprintln(out, "╚═══════════════════════════════════════════════════════════╝")
	fmt.Fprintln(out)

	fmt.Fprintln(out, "📋 Configuration:")
	fmt.Fprintf(out, "  ├─ Config File:     %s\n", configFile)
	fmt.Fprintf(out, "  ├─ Pool Capacity:   %d\n", cfg.Pool.Capacity)
	fmt.Fprintf(out, "  ├─ Buffer:          min %d, ratio %.2f\n", cfg.Swarm.BufferMin, cfg.Swarm.BufferRatio)
	fmt.Fprintf(out, "  ├─ Stagger:         %s\n", cfg.Swarm.Stagger)
	fmt.Fprintf(out, "  ├─ Schedule Floor:  %s\n", cfg.Scheduler.Floor)
	fmt.Fprintf(out, "  └─ Probe Workers:   %d (check timeout %s)\n", cfg.Prober.MaxWorkers, cfg.Prober.CheckTimeout)
	fmt.Fprintln(out)

	fmt.Fprintln(out, "📡 Metrics:")
	if cfg.Metrics.Enabled {
		fmt.Fprintf(out, "  └─ Status: ✅ Enabled on http://localhost:%d/metrics\n", cfg.Metrics.Port)
	} else {
		fmt.Fprintln(out, "  └─ Status: ⚠️  Disabled")
	}
	fmt.Fprintln(out)

	fmt.Fprintf(out, "💓 Health (%s):\n", addr)
	for _, svc := range []struct{ name, label string }{
		{"", "Controller"},
		{server.SchedulerService, "Scheduler"},
	} {
		cctx, cancel := context.WithTimeout(ctx, timeout)
		st, err := server.Check(cctx, addr, svc.name)
		cancel()
		if err != nil {
			fmt.Fprintf(out, "  └─ %-10s ❌ unreachable (%v)\n", svc.label, err)
			continue
		}
		mark := "⚠️ "
		if st == healthpb.HealthCheckResponse_SERVING {
			mark = "✅"
		}
		fmt.Fprintf(out, "  └─ %-10s %s %s\n", svc.label, mark, st)
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "═══════════════════════════════════════════════════════════")
	return nil
}

// ============================================================================
// plan
// ============================================================================

func buildPlanCommand() *cobra.Command {
	var target, workers int
	var preset string

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show attempt math and probe partitions without running anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			policy := swarm.BufferPolicy{Min: cfg.Swarm.BufferMin, Ratio: cfg.Swarm.BufferRatio}
			return writePlan(cmd.OutOrStdout(), target, policy, preset, min(workers, cfg.Prober.MaxWorkers))
		},
	}

	cmd.Flags().IntVarP(&target, "target", "n", 10, "swarm target")
	cmd.Flags().StringVar(&preset, "probe", "", "probe preset to partition")
	cmd.Flags().IntVar(&workers, "workers", 5, "probe worker count")

	return cmd
}

func writePlan(out io.Writer, target int, policy swarm.BufferPolicy, preset string, workers int) error {
	total := swarm.TotalAttempts(target, policy)
	fmt.Fprintf(out, "Target %d → %d workers (buffer %d)\n", target, total, total-target)

	if preset == "" {
		return nil
	}
	sweeps, err := prober.SweepsFor(preset)
	if err != nil {
		return err
	}
	for _, s := range sweeps {
		fmt.Fprintf(out, "Sweep length %d: %d codes\n", s.Length, s.End-s.Start)
		for i, r := range prober.Partition(s.Start, s.End, workers) {
			fmt.Fprintf(out, "  ├─ worker %d: %s … %s (%d)\n", i,
				prober.FormatCode(r.Start, s.Length), prober.FormatCode(r.End-1, s.Length), r.Len())
		}
	}
	return nil
}

// ============================================================================
// helpers
// ============================================================================

// loadConfig reads the config file. A missing default file falls back to
// the built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) && path == "configs/default.yaml" {
		return config.Default(), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// setupLogging installs the slog default handler from the log section
func setupLogging(cfg *config.Config, w io.Writer) *slog.Logger {
	lvl, err := cfg.SlogLevel()
	if err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}

	var h slog.Handler
	if cfg.Log.Format == "json" {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}

	logger := slog.New(h)
	slog.SetDefault(logger)
	return logger
}
