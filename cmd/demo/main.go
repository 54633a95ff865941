package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ChuLiYu/swarm-pool/internal/config"
	"github.com/ChuLiYu/swarm-pool/internal/controller"
	"github.com/ChuLiYu/swarm-pool/internal/prober"
	"github.com/ChuLiYu/swarm-pool/internal/sim"
	"github.com/ChuLiYu/swarm-pool/pkg/types"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: go run cmd/demo/main.go <swarm|probe|schedule>")
		os.Exit(1)
	}

	mode := os.Args[1]
	cfg, err := loadConfig("configs/default.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	// demo 模式下讓 pool 足夠大
	cfg.Pool.Capacity = max(cfg.Pool.Capacity, 10)
	cfg.Swarm.Stagger = 50 * time.Millisecond

	simCfg := cfg.SimConfig()
	ctrl, err := controller.NewController(cfg.ControllerConfig(), controller.Backends{
		Drivers: sim.NewFactory(simCfg),
		Orders:  sim.NewOrderAPI(simCfg, nil),
		Checker: sim.NewChecker(simCfg),
	}, nil)
	if err != nil {
		log.Fatalf("Failed to create controller: %v", err)
	}

	if err := ctrl.Start(); err != nil {
		log.Fatalf("Failed to start controller: %v", err)
	}

	fmt.Printf("✓ Controller started (mode: %s)\n", mode)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch mode {
	case "swarm":
		demoSwarm(ctx, ctrl, cfg)
	case "probe":
		demoProbe(ctx, ctrl)
	case "schedule":
		demoSchedule(ctx, ctrl)
	default:
		fmt.Printf("Unknown mode %q\n", mode)
	}

	ctrl.Stop()
	fmt.Println("✓ Controller stopped")
}

// demoSwarm 啟動 target=8 的 run，直到全部 worker 結束
func demoSwarm(ctx context.Context, ctrl *controller.Controller, cfg *config.Config) {
	const target = 8

	id, err := ctrl.StartRun(controller.RunRequest{Target: target, Prefix: "demo", Sequence: cfg.JoinSequence("424242")})
	if err != nil {
		log.Fatalf("Failed to start run: %v", err)
	}
	fmt.Printf("✓ Run %s: target %d\n", id, target)
	fmt.Printf("💡 Press Ctrl+C to stop early\n\n")

	waitCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- ctrl.WaitRun(waitCtx, id) }()

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case err := <-done:
			st, _ := ctrl.RunStatus(id)
			fmt.Printf("\n📊 Run settled (err=%v):\n", err)
			fmt.Printf("  Workers:   %d\n", st.TotalAttempts)
			fmt.Printf("  Succeeded: %d\n", st.Counts[types.StatusSucceeded])
			fmt.Printf("  Failed:    %d\n", st.Counts[types.StatusFailed])
			fmt.Printf("  Skipped:   %d\n", st.Counts[types.StatusSkipped])
			fmt.Printf("  Parked:    %d\n", st.Parked)
			for wid, ws := range st.Workers {
				if ws.Kind == types.StatusFailed {
					fmt.Printf("  ❌ worker %d: %s\n", wid, ws.Detail)
				}
			}
			return
		case <-ticker.C:
			st, _ := ctrl.RunStatus(id)
			fmt.Printf("📊 %d/%d succeeded, in progress %d\n",
				st.Successes, st.Target, st.Counts[types.StatusInProgress]+st.Counts[types.StatusLaunching])
		}
	}
}

// demoProbe 掃描 5 位數代碼的前 2000 個
func demoProbe(ctx context.Context, ctrl *controller.Controller) {
	id, err := ctrl.StartProbe(controller.ProbeRequest{
		Sweeps:  []prober.Sweep{{Start: 0, End: 2000, Length: 5}},
		Workers: 5,
	})
	if err != nil {
		log.Fatalf("Failed to start probe: %v", err)
	}
	fmt.Printf("✓ Probe %s started\n", id)

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p, err := ctrl.ProbeProgress(id)
			if err != nil {
				return
			}
			valid := 0
			for _, r := range p.Results {
				if r.OK {
					valid++
				}
			}
			fmt.Printf("📊 %d/%d checked (%d%%), %d valid\n", p.Checked, p.Total, p.Percent, valid)
			if p.Status == types.JobComplete {
				return
			}
		}
	}
}

// demoSchedule 執行排程器 5 秒
func demoSchedule(ctx context.Context, ctrl *controller.Controller) {
	if err := ctrl.StartScheduler(ctx); err != nil {
		log.Fatalf("Failed to start scheduler: %v", err)
	}

	select {
	case <-ctx.Done():
	case <-time.After(5 * time.Second):
	}

	st := ctrl.SchedulerStatus()
	fmt.Printf("\n📊 Scheduler: %d orders\n", st.Orders)
	for _, task := range st.Tasks {
		fmt.Printf("  %-12s attempts=%d next=%s last=%q\n",
			task.Label, task.Attempts, task.NextEligibleAt.Format(time.TimeOnly), task.LastMessage)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config.Default(), nil
	}
	return config.Load(path)
}
