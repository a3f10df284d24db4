package dispatcher

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/arkham/core/internal/jobrt"
	"github.com/arkham/core/internal/platform/ctxutil"
)

func TestAddPoolRegistersCustomPool(t *testing.T) {
	d, _, _ := newTestDispatcher(t, true)

	require.NoError(t, d.AddPool(jobrt.PoolConfig{Name: "shard-reports", MaxWorkers: 3}))

	cfg, ok := d.poolConfig("shard-reports")
	require.True(t, ok)
	require.Equal(t, jobrt.PoolTypeCustom, cfg.Type, "a pool added without a type defaults to custom")

	require.NoError(t, d.RegisterHandler("shard-reports"))
	job, err := d.Enqueue(context.Background(), "shard-reports", map[string]any{"report": "q3"}, 1)
	require.NoError(t, err)
	require.Equal(t, jobrt.StatusPending, job.Status)
}

func TestAddPoolRejectsDuplicates(t *testing.T) {
	d, _, _ := newTestDispatcher(t, false)

	require.NoError(t, d.AddPool(jobrt.PoolConfig{Name: "shard-reports", MaxWorkers: 1}))
	err := d.AddPool(jobrt.PoolConfig{Name: "shard-reports", MaxWorkers: 5})
	require.ErrorIs(t, err, jobrt.ErrDuplicatePool)

	err = d.AddPool(jobrt.PoolConfig{Name: "cpu-light", MaxWorkers: 5})
	require.ErrorIs(t, err, jobrt.ErrDuplicatePool, "built-in pools cannot be redefined")
}

func TestEnqueueStampsAmbientTraceID(t *testing.T) {
	d, store, _ := newTestDispatcher(t, true)

	ctx := ctxutil.WithTraceData(context.Background(), &ctxutil.TraceData{TraceID: "trace-abc"})
	job, err := d.Enqueue(ctx, "cpu-light", map[string]any{"msg": "hi"}, 1)
	require.NoError(t, err)
	require.Equal(t, "trace-abc", job.Payload["trace_id"])

	// The trace id travels with the durable record too, so a worker in
	// another process sees it when it pops the job.
	stored, err := store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, "trace-abc", stored.Payload["trace_id"])
}

func TestEnqueueKeepsExplicitTraceID(t *testing.T) {
	d, _, _ := newTestDispatcher(t, true)

	ctx := ctxutil.WithTraceData(context.Background(), &ctxutil.TraceData{TraceID: "ambient"})
	job, err := d.Enqueue(ctx, "cpu-light", map[string]any{"trace_id": "explicit"}, 1)
	require.NoError(t, err)
	require.Equal(t, "explicit", job.Payload["trace_id"])
}
