package cluster

import (
	"context"
	"io"
	"os/exec"
	"sync/atomic"
	"testing"
	"time"

	"xypriss/pkg/cluster/ipc"
	"xypriss/pkg/config"
	"xypriss/pkg/events"
	"xypriss/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	logger.Init("error")
}

type discardWriteCloser struct{}

func (discardWriteCloser) Write(p []byte) (int, error) { return len(p), nil }
func (discardWriteCloser) Close() error                { return nil }

// newFakeWorker builds a worker around a real short-lived process (so
// cmd.Process is valid for Stats/force-kill) without going through the
// real handshake/pipe wiring spawnWorker performs.
func newFakeWorker(t *testing.T, id uint32) *worker {
	t.Helper()
	cmd := exec.Command("sleep", "30")
	require.NoError(t, cmd.Start())
	t.Cleanup(func() { _ = cmd.Process.Kill() })

	key := make([]byte, 32)
	session, err := ipc.NewSession(key, 0)
	require.NoError(t, err)

	return &worker{
		id:        id,
		cmd:       cmd,
		session:   session,
		pipeW:     discardWriteCloser{},
		pipeR:     io.NopCloser(new(nopReader)),
		state:     WorkerReady,
		lastStart: time.Now(),
		exited:    make(chan struct{}),
	}
}

type nopReader struct{}

func (nopReader) Read(p []byte) (int, error) { return 0, io.EOF }

func TestResolveWorkerCount_Auto(t *testing.T) {
	n, err := resolveWorkerCount("auto")
	require.NoError(t, err)
	assert.Greater(t, n, 0)
}

func TestResolveWorkerCount_Integer(t *testing.T) {
	n, err := resolveWorkerCount("4")
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestResolveWorkerCount_Invalid(t *testing.T) {
	_, err := resolveWorkerCount("not-a-number")
	require.Error(t, err)
}

func TestRestartBackoff_CapsAtMax(t *testing.T) {
	base := 100 * time.Millisecond
	max := 2 * time.Second
	for attempt := 1; attempt <= 20; attempt++ {
		d := restartBackoff(base, max, attempt)
		assert.LessOrEqual(t, d, max+max/4+time.Millisecond)
		assert.GreaterOrEqual(t, d, base)
	}
}

func TestSupervisor_StatsReflectsWorkers(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()

	sup := New(config.ClusterConfig{Enabled: false}, bus, nil)
	w1 := newFakeWorker(t, 0)
	w2 := newFakeWorker(t, 1)
	sup.workers[0] = w1
	sup.workers[1] = w2

	stats := sup.Stats()
	assert.Len(t, stats.Workers, 2)
	for _, ws := range stats.Workers {
		assert.Equal(t, "ready", ws.State)
		assert.Greater(t, ws.Pid, 0)
	}
}

func TestSupervisor_BroadcastSkipsNonReadyWorkers(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()

	sup := New(config.ClusterConfig{Enabled: false}, bus, nil)
	ready := newFakeWorker(t, 0)
	starting := newFakeWorker(t, 1)
	starting.state = WorkerStarting
	sup.workers[0] = ready
	sup.workers[1] = starting

	err := sup.Broadcast("flush_cache", nil)
	require.NoError(t, err)
}

// TestSupervisor_RestartWindowResetsCrashCount drives a real crash ->
// restart -> crash sequence through superviseOne/respawn and checks two
// things the rolling-window policy promises (spec §4.6): a crash that
// follows the worker's last crash by more than RestartWindow resets the
// restart counter instead of adding to a lifetime total, while a second
// crash that follows quickly (within the window) keeps accumulating and
// eventually parks the slot once MaxRestarts is exceeded.
func TestSupervisor_RestartWindowResetsCrashCount(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()

	var spawnCount atomic.Int32
	spawn := func(ctx context.Context, id uint32) (*worker, error) {
		spawnCount.Add(1)
		return newFakeWorker(t, id), nil
	}

	sup := New(config.ClusterConfig{
		Enabled: true,
		Restart: config.RestartPolicy{
			BaseBackoff:   time.Millisecond,
			MaxBackoff:    2 * time.Millisecond,
			MaxRestarts:   1,
			RestartWindow: 50 * time.Millisecond,
		},
	}, bus, spawn)

	parked, parkedToken := bus.Subscribe(events.TypeWorkerParked, events.PriorityNormal, 1)
	defer bus.Unsubscribe(parkedToken)

	w0 := newFakeWorker(t, 0)
	// A worker that has already crashed more than MaxRestarts times, but long enough
	// ago that the rolling window has since elapsed: the next crash must
	// reset the counter rather than immediately exceed the budget.
	w0.restarts = 5
	w0.lastCrashAt = time.Now().Add(-time.Hour)
	sup.workers[0] = w0

	sup.wg.Add(1)
	go sup.superviseOne(w0)

	select {
	case e := <-parked:
		payload, ok := e.Payload.(events.WorkerPayload)
		require.True(t, ok)
		assert.Equal(t, 0, payload.WorkerID)
	case <-time.After(2 * time.Second):
		t.Fatal("worker was never parked")
	}

	// The stale crash was reset (restarts 5 -> 1) and accepted, so exactly
	// one respawn happened before the second, fast-following crash pushed
	// the count to 2 and tripped MaxRestarts=1.
	assert.Equal(t, int32(1), spawnCount.Load())

	sup.mu.RLock()
	final := sup.workers[0]
	sup.mu.RUnlock()
	require.NotNil(t, final)
	assert.Equal(t, WorkerParked, final.getState())
	assert.Equal(t, 2, final.restarts)
}

// TestSupervisor_ZeroMaxRestartsNeverRespawns confirms a worker is left
// dead (neither restarted nor parked) when restarts are disabled outright.
func TestSupervisor_ZeroMaxRestartsNeverRespawns(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()

	spawn := func(ctx context.Context, id uint32) (*worker, error) {
		t.Fatal("spawn should not be called when MaxRestarts is 0")
		return nil, nil
	}

	sup := New(config.ClusterConfig{
		Enabled: true,
		Restart: config.RestartPolicy{MaxRestarts: 0},
	}, bus, spawn)

	w0 := newFakeWorker(t, 0)
	sup.workers[0] = w0

	sup.wg.Add(1)
	sup.superviseOne(w0)

	assert.Equal(t, 0, w0.restarts)
	assert.Equal(t, WorkerReady, w0.getState())
}

func TestSupervisor_DisabledStartIsNoop(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()

	sup := New(config.ClusterConfig{Enabled: false}, bus, func(ctx context.Context, id uint32) (*worker, error) {
		t.Fatal("spawn should not be called when cluster is disabled")
		return nil, nil
	})
	require.NoError(t, sup.Start())
}
