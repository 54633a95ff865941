package integration

import (
	"context"
	"testing"
	"time"

	"github.com/ChuLiYu/swarm-pool/internal/controller"
	"github.com/ChuLiYu/swarm-pool/internal/sim"
	"github.com/ChuLiYu/swarm-pool/internal/swarm"
	"github.com/stretchr/testify/require"
)

func BenchmarkRunThroughput(b *testing.B) {
	ctrl, _ := newSystem(b, sim.Config{}, 20)

	// 每輪啟動一個 target=10 的 run，等待完成後釋放 session
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		id, err := ctrl.StartRun(controller.RunRequest{Target: 10, Sequence: joinSequence(), Buffer: &swarm.BufferPolicy{}})
		require.NoError(b, err)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		require.NoError(b, ctrl.WaitRun(ctx, id))
		cancel()
		require.NoError(b, ctrl.StopRun(id))
	}
	b.StopTimer()
}
