package webrtc

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"huddle/internal/core/domain"
	"huddle/internal/core/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestPool(t *testing.T, spawner *fakeSpawner, selector WorkerSelector) *WorkerPool {
	t.Helper()
	pool := NewWorkerPool(testPoolConfig(), spawner, selector, nil, zap.NewNop().Sugar())
	t.Cleanup(func() { _ = pool.Close() })
	return pool
}

func TestWorkerPool_RoundRobin(t *testing.T) {
	spawner := &fakeSpawner{}
	pool := newTestPool(t, spawner, nil)
	require.NoError(t, pool.CreateWorkers(context.Background(), 3))

	workers := pool.Workers()
	require.Len(t, workers, 3)

	for k := 0; k < 9; k++ {
		w, err := pool.NextWorker()
		require.NoError(t, err)
		assert.Equal(t, workers[k%3].ID(), w.ID(), "call %d", k)
	}
}

func TestWorkerPool_PortRangesDoNotOverlap(t *testing.T) {
	spawner := &fakeSpawner{}
	pool := newTestPool(t, spawner, nil)
	require.NoError(t, pool.CreateWorkers(context.Background(), 2))

	spawned := spawner.all()
	require.Len(t, spawned, 2)
	assert.Equal(t, ports.PortRange{Min: 40000, Max: 40499}, spawned[0].Settings().Ports)
	assert.Equal(t, ports.PortRange{Min: 40500, Max: 40999}, spawned[1].Settings().Ports)
	assert.Equal(t, 0, spawned[0].Settings().Slot)
	assert.Equal(t, 1, spawned[1].Settings().Slot)
}

func TestWorkerPool_NoWorkers(t *testing.T) {
	pool := newTestPool(t, &fakeSpawner{}, nil)

	_, err := pool.NextWorker()
	assert.ErrorIs(t, err, domain.ErrNoWorkersAvailable)

	assert.Error(t, pool.CreateWorkers(context.Background(), 0))
}

func TestWorkerPool_KeepsWorkersThatSpawned(t *testing.T) {
	spawner := &fakeSpawner{}
	spawner.failures.Store(1)
	pool := newTestPool(t, spawner, nil)

	err := pool.CreateWorkers(context.Background(), 2)
	assert.Error(t, err)
	assert.Equal(t, 1, pool.Size())
	assert.Equal(t, 1, pool.Workers()[0].Settings().Slot)
}

func TestWorkerPool_RespawnsDeadWorkerInSameSlot(t *testing.T) {
	spawner := &fakeSpawner{}
	pool := newTestPool(t, spawner, nil)

	var died atomic.Value
	pool.OnWorkerDied(func(workerID string) { died.Store(workerID) })

	require.NoError(t, pool.CreateWorkers(context.Background(), 2))
	victim := spawner.all()[0]
	victim.kill()

	require.Eventually(t, func() bool {
		return len(spawner.all()) == 3 && pool.Size() == 2
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, victim.ID(), died.Load())
	replacement := spawner.all()[2]
	assert.Equal(t, victim.Settings().Slot, replacement.Settings().Slot)
	assert.Equal(t, victim.Settings().Ports, replacement.Settings().Ports)
	assert.NotEqual(t, victim.ID(), replacement.ID())

	for _, w := range pool.Workers() {
		assert.NotEqual(t, victim.ID(), w.ID())
	}
}

func TestWorkerPool_RespawnRetries(t *testing.T) {
	spawner := &fakeSpawner{}
	pool := newTestPool(t, spawner, nil)
	require.NoError(t, pool.CreateWorkers(context.Background(), 1))

	spawner.failures.Store(2)
	spawner.all()[0].kill()

	require.Eventually(t, func() bool { return pool.Size() == 1 }, time.Second, 5*time.Millisecond)
	assert.Len(t, spawner.all(), 2)
}

func TestWorkerPool_CloseStopsRespawn(t *testing.T) {
	spawner := &fakeSpawner{}
	pool := NewWorkerPool(testPoolConfig(), spawner, nil, nil, zap.NewNop().Sugar())
	require.NoError(t, pool.CreateWorkers(context.Background(), 2))

	require.NoError(t, pool.Close())
	assert.Equal(t, 0, pool.Size())
	assert.Len(t, spawner.all(), 2)
	for _, w := range spawner.all() {
		select {
		case <-w.Done():
		default:
			t.Fatalf("worker %s still running", w.ID())
		}
	}
	require.NoError(t, pool.Close())
}

func TestLeastLoadedSelector(t *testing.T) {
	spawner := &fakeSpawner{}
	pool := newTestPool(t, spawner, LeastLoadedSelector{})
	require.NoError(t, pool.CreateWorkers(context.Background(), 3))
	workers := pool.Workers()

	pool.AddLoad(workers[0].ID(), 2)
	pool.AddLoad(workers[1].ID(), 1)
	pool.AddLoad(workers[2].ID(), 1)

	w, err := pool.NextWorker()
	require.NoError(t, err)
	assert.Equal(t, workers[1].ID(), w.ID(), "ties go to the earliest worker")
	assert.Equal(t, 2, pool.Load(workers[0].ID()))
}

func TestNewSelector(t *testing.T) {
	assert.IsType(t, LeastLoadedSelector{}, NewSelector("least_loaded"))
	assert.IsType(t, &RoundRobinSelector{}, NewSelector("round_robin"))
	assert.IsType(t, &RoundRobinSelector{}, NewSelector(""))
}

func TestWorkerPool_CrashLoopBacksOff(t *testing.T) {
	spawner := &fakeSpawner{}
	cfg := testPoolConfig()
	cfg.MinUptime = time.Hour
	cfg.Respawn.InitialDelay = 20 * time.Millisecond
	cfg.Respawn.MaxDelay = time.Second
	cfg.Respawn.Jitter = false
	pool := NewWorkerPool(cfg, spawner, nil, nil, zap.NewNop().Sugar())
	t.Cleanup(func() { _ = pool.Close() })

	spawner.crashOnStart.Store(true)
	require.NoError(t, pool.CreateWorkers(context.Background(), 1))

	// Waits of 20, 40 and 80ms fit in the window; anything near a hot loop would not.
	time.Sleep(200 * time.Millisecond)
	spawns := len(spawner.all())
	assert.GreaterOrEqual(t, spawns, 2, "the slot keeps being respawned")
	assert.LessOrEqual(t, spawns, 6)

	spawner.crashOnStart.Store(false)
	require.Eventually(t, func() bool { return pool.Size() == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestWorkerPool_LongLivedWorkerResetsBackoff(t *testing.T) {
	spawner := &fakeSpawner{}
	cfg := testPoolConfig()
	cfg.MinUptime = time.Nanosecond
	cfg.Respawn.InitialDelay = time.Hour
	pool := NewWorkerPool(cfg, spawner, nil, nil, zap.NewNop().Sugar())
	t.Cleanup(func() { _ = pool.Close() })

	require.NoError(t, pool.CreateWorkers(context.Background(), 1))
	time.Sleep(time.Millisecond)
	spawner.all()[0].kill()

	require.Eventually(t, func() bool {
		return len(spawner.all()) == 2 && pool.Size() == 1
	}, time.Second, 5*time.Millisecond, "respawned without waiting the hour-long backoff")
}
