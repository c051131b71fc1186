package edgemesh_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	edgemesh "github.com/edgemesh/edgemesh-go"
	"github.com/edgemesh/edgemesh-go/internal/memstore"
)

func TestReaper_StartStopIdempotent(t *testing.T) {
	store := memstore.New(edgemesh.StoreConfig{})
	bus := edgemesh.NewEventBus(edgemesh.BusConfig{})
	sched := edgemesh.NewScheduler(store, bus, edgemesh.SchedulerConfig{Logger: edgemesh.NopLogger{}})

	r := edgemesh.NewReaper(sched, 10*time.Millisecond, edgemesh.NopLogger{})
	r.Start()
	r.Start()
	r.Stop()
	r.Stop()
}

func TestReaper_SweepsTimedOutTasks(t *testing.T) {
	// Real clock: short timeout, fast reaper tick.
	store := memstore.New(edgemesh.StoreConfig{ClaimTTLMs: 60_000})
	bus := edgemesh.NewEventBus(edgemesh.BusConfig{})
	sched := edgemesh.NewScheduler(store, bus, edgemesh.SchedulerConfig{
		Retry:  edgemesh.RetryConfig{BaseDelayMs: 1, MaxDelayMs: 1, JitterRatio: 0},
		Logger: edgemesh.NopLogger{},
	})
	ctx := context.Background()

	_, err := sched.RegisterNode(ctx, bootstrap, "n", nil, 10)
	require.NoError(t, err)
	require.NoError(t, sched.Heartbeat(ctx, nodeIdent("n"), "n", edgemesh.Heartbeat{}))

	_, err = sched.Submit(ctx, producer, "job", nil,
		edgemesh.TaskID("t"), edgemesh.MaxAttempts(1), edgemesh.Timeout(20*time.Millisecond))
	require.NoError(t, err)
	claimed, err := sched.Claim(ctx, nodeIdent("n"), "n")
	require.NoError(t, err)
	require.NotNil(t, claimed)

	r := edgemesh.NewReaper(sched, 10*time.Millisecond, edgemesh.NopLogger{})
	r.Start()
	defer r.Stop()

	require.Eventually(t, func() bool {
		task, err := sched.GetTask(ctx, "t")
		if err != nil {
			return false
		}
		return task.Status == edgemesh.StatusFailed
	}, 2*time.Second, 10*time.Millisecond)

	entry, err := sched.GetDlqEntry(ctx, "t")
	require.NoError(t, err)
	require.Equal(t, edgemesh.DlqTimeout, entry.Reason)
}
