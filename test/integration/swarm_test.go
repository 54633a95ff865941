// ============================================================================
// swarm-pool 端到端測試套件
// ============================================================================
//
// Package: test/integration
// 文件: swarm_test.go
// 功能: Controller + 模擬後端的端到端測試
//
// 測試目標:
//   1. 每個 worker 最終都進入終止狀態
//   2. 成功數永遠不超過 target
//   3. 停止 run 後所有 session 都被關閉
//   4. health 服務反映 Controller 狀態
//
// 測試配置:
//   - pool 容量 20
//   - 模擬延遲 0-5ms，失敗率 10%
//
// 預期結果:
//   在有 10% 失敗率的情況下：
//   - succeeded + failed + skipped = 總 worker 數
//   - succeeded = successes <= target
//   - 未達 target 時沒有 worker 因 target 被跳過
//
// ============================================================================

package integration

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/ChuLiYu/swarm-pool/internal/controller"
	"github.com/ChuLiYu/swarm-pool/internal/driver"
	"github.com/ChuLiYu/swarm-pool/internal/prober"
	"github.com/ChuLiYu/swarm-pool/internal/scheduler"
	"github.com/ChuLiYu/swarm-pool/internal/server"
	"github.com/ChuLiYu/swarm-pool/internal/sim"
	"github.com/ChuLiYu/swarm-pool/internal/swarm"
	"github.com/ChuLiYu/swarm-pool/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

var flaky = sim.Config{FailureRate: 0.1, MaxLatency: 5 * time.Millisecond, ValidRate: 0.05}

// newSystem 建立並啟動一個使用模擬後端的 Controller
func newSystem(t testing.TB, simCfg sim.Config, capacity int) (*controller.Controller, *sim.Factory) {
	t.Helper()

	sw := swarm.DefaultConfig()
	sw.Stagger = time.Millisecond
	sw.Wait = driver.WaitPolicy{Timeout: 100 * time.Millisecond, Retries: 3, Pause: time.Millisecond}

	sc := scheduler.DefaultConfig()
	sc.Idle = 5 * time.Millisecond

	f := sim.NewFactory(simCfg)
	ctrl, err := controller.NewController(controller.Config{
		PoolCapacity:  capacity,
		Swarm:         sw,
		Scheduler:     sc,
		Prober:        prober.DefaultConfig(),
		JobTTL:        time.Hour,
		EvictInterval: time.Minute,
	}, controller.Backends{
		Drivers: f,
		Orders:  sim.NewOrderAPI(simCfg, nil),
		Checker: sim.NewChecker(simCfg),
	}, nil)
	require.NoError(t, err)
	require.NoError(t, ctrl.Start())
	t.Cleanup(ctrl.Stop)
	return ctrl, f
}

func joinSequence() []swarm.Step {
	return swarm.JoinSequence(swarm.JoinPage{
		URL:          "https://join.example.test/",
		CodeSelector: "#game-input",
		JoinSelector: "#join",
		NameSelector: "#nickname",
	}, "424242")
}

func TestSwarmUnderFailures(t *testing.T) {
	ctrl, f := newSystem(t, flaky, 20)

	id, err := ctrl.StartRun(controller.RunRequest{Target: 10, Sequence: joinSequence()})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, ctrl.WaitRun(ctx, id))

	st, err := ctrl.RunStatus(id)
	require.NoError(t, err)

	succeeded := st.Counts[types.StatusSucceeded]
	failed := st.Counts[types.StatusFailed]
	skipped := st.Counts[types.StatusSkipped]
	t.Logf("成功: %d, 失敗: %d, 跳過: %d", succeeded, failed, skipped)

	assert.Equal(t, 15, st.TotalAttempts)
	assert.Equal(t, st.TotalAttempts, succeeded+failed+skipped, "無遺失：每個 worker 都有終止狀態")
	assert.Equal(t, st.Successes, succeeded)
	assert.LessOrEqual(t, succeeded, 10)
	if succeeded < 10 {
		assert.Zero(t, skipped, "未達 target 時不應跳過")
	}
	for wid, ws := range st.Workers {
		if ws.Kind == types.StatusFailed {
			assert.NotEmpty(t, ws.Detail, "worker %d 失敗原因", wid)
		}
	}

	assert.Equal(t, succeeded, f.Live(), "只有成功的 worker 保留 session")

	require.NoError(t, ctrl.StopRun(id))
	assert.Zero(t, f.Live())
	assert.Zero(t, ctrl.Status().Sessions.InUse)
}

func TestTargetEqualToCapacitySettles(t *testing.T) {
	ctrl, f := newSystem(t, sim.Config{MaxLatency: 5 * time.Millisecond}, 5)

	id, err := ctrl.StartRun(controller.RunRequest{Target: 5, Sequence: joinSequence()})
	require.NoError(t, err)

	// 成功者佔滿 pool 後，排隊中的 buffer worker 應結束為 skipped
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, ctrl.WaitRun(ctx, id))

	st, err := ctrl.RunStatus(id)
	require.NoError(t, err)
	assert.Equal(t, 5, st.Counts[types.StatusSucceeded])
	assert.Equal(t, 3, st.Counts[types.StatusSkipped])
	assert.Equal(t, 5, st.Sessions)
	assert.Equal(t, 5, f.Live())

	require.NoError(t, ctrl.StopRun(id))
	assert.Zero(t, f.Live())
}

func TestConcurrentRunsShareCapacity(t *testing.T) {
	ctrl, f := newSystem(t, sim.Config{MaxLatency: 2 * time.Millisecond}, 6)

	a, err := ctrl.StartRun(controller.RunRequest{Target: 3, Sequence: joinSequence(), Buffer: &swarm.BufferPolicy{}})
	require.NoError(t, err)
	b, err := ctrl.StartRun(controller.RunRequest{Target: 3, Sequence: joinSequence(), Buffer: &swarm.BufferPolicy{}})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, ctrl.WaitRun(ctx, a))
	require.NoError(t, ctrl.WaitRun(ctx, b))

	assert.Equal(t, 6, ctrl.Status().Sessions.InUse)
	assert.Equal(t, 6, f.Live())

	assert.Equal(t, 2, ctrl.Reset())
	assert.Zero(t, f.Live())
}

func TestHealthTracksController(t *testing.T) {
	ctrl, _ := newSystem(t, sim.Config{MaxLatency: time.Millisecond}, 5)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	hs := server.NewServer(ctrl, 5*time.Millisecond)
	go hs.Serve(lis)
	t.Cleanup(hs.Stop)

	addr := lis.Addr().String()
	check := func(service string) healthpb.HealthCheckResponse_ServingStatus {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		st, err := server.Check(ctx, addr, service)
		if err != nil {
			return healthpb.HealthCheckResponse_UNKNOWN
		}
		return st
	}

	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(""))
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(server.SchedulerService))

	require.NoError(t, ctrl.StartScheduler(context.Background()))
	assert.Eventually(t, func() bool {
		return check(server.SchedulerService) == healthpb.HealthCheckResponse_SERVING
	}, 2*time.Second, 10*time.Millisecond)

	ctrl.Stop()
	assert.Eventually(t, func() bool {
		return check("") == healthpb.HealthCheckResponse_NOT_SERVING
	}, 2*time.Second, 10*time.Millisecond)
}
