package webrtc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"huddle/internal/core/domain"
	"huddle/internal/core/ports"
	"huddle/internal/infrastructure/monitoring"
	"huddle/pkg/retry"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// WorkerSelector picks the worker for a new router.
type WorkerSelector interface {
	Select(workers []ports.MediaWorker, load func(workerID string) int) ports.MediaWorker
}

// RoundRobinSelector returns the k-th worker on the k-th call, ignoring load.
type RoundRobinSelector struct {
	next atomic.Uint64
}

func (s *RoundRobinSelector) Select(workers []ports.MediaWorker, _ func(string) int) ports.MediaWorker {
	k := s.next.Add(1) - 1
	return workers[k%uint64(len(workers))]
}

// LeastLoadedSelector returns the worker with the fewest routers. Ties go to the earliest worker.
type LeastLoadedSelector struct{}

func (LeastLoadedSelector) Select(workers []ports.MediaWorker, load func(string) int) ports.MediaWorker {
	best := workers[0]
	bestLoad := load(best.ID())
	for _, w := range workers[1:] {
		if l := load(w.ID()); l < bestLoad {
			best, bestLoad = w, l
		}
	}
	return best
}

// NewSelector maps the media.worker_selection setting to a selector.
func NewSelector(name string) WorkerSelector {
	if name == "least_loaded" {
		return LeastLoadedSelector{}
	}
	return &RoundRobinSelector{}
}

type PoolConfig struct {
	MinPort     uint16
	MaxPort     uint16
	ListenIPs   []string
	AnnouncedIP string
	ICEServers  []string
	LogLevel    string
	Respawn     retry.Config

	// MinUptime separates a crash loop from an ordinary death. A worker that dies sooner
	// delays its slot's next spawn by the respawn backoff, growing with each such death.
	MinUptime time.Duration
}

const defaultMinUptime = 10 * time.Second

// WorkerPool owns the media workers. Each worker occupies a slot with its own port range,
// and a dead worker is replaced in the same slot.
type WorkerPool struct {
	cfg      PoolConfig
	spawner  ports.WorkerSpawner
	selector WorkerSelector
	metrics  *monitoring.PrometheusCollector
	logger   *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.RWMutex
	slotCount int
	workers   []ports.MediaWorker
	load      map[string]int
	crashes   map[int]int
	notifyFns []func(workerID string, n ports.WorkerNotification)
	diedFns   []func(workerID string)
	closed    bool
}

func NewWorkerPool(
	cfg PoolConfig,
	spawner ports.WorkerSpawner,
	selector WorkerSelector,
	metrics *monitoring.PrometheusCollector,
	logger *zap.SugaredLogger,
) *WorkerPool {
	if selector == nil {
		selector = &RoundRobinSelector{}
	}
	if cfg.MinUptime <= 0 {
		cfg.MinUptime = defaultMinUptime
	}
	if cfg.Respawn.InitialDelay <= 0 {
		cfg.Respawn.InitialDelay = 100 * time.Millisecond
	}
	if cfg.Respawn.MaxDelay <= 0 {
		cfg.Respawn.MaxDelay = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &WorkerPool{
		cfg:      cfg,
		spawner:  spawner,
		selector: selector,
		metrics:  metrics,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		load:     make(map[string]int),
		crashes:  make(map[int]int),
	}
}

// CreateWorkers spawns n workers, one per slot. Workers that spawn are kept even if others fail.
func (p *WorkerPool) CreateWorkers(ctx context.Context, n int) error {
	if n <= 0 {
		return fmt.Errorf("worker count must be > 0, got %d", n)
	}
	p.mu.Lock()
	p.slotCount = n
	p.mu.Unlock()

	var errs []error
	for slot := 0; slot < n; slot++ {
		if _, err := p.spawn(ctx, slot); err != nil {
			p.logger.Errorw("Failed to spawn media worker", "slot", slot, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// PortRange is the slice of [MinPort, MaxPort] reserved for a slot.
func (p *WorkerPool) PortRange(slot int) ports.PortRange {
	p.mu.RLock()
	n := p.slotCount
	p.mu.RUnlock()
	if n <= 0 {
		n = 1
	}

	span := (int(p.cfg.MaxPort) - int(p.cfg.MinPort) + 1) / n
	lo := int(p.cfg.MinPort) + slot*span
	return ports.PortRange{Min: uint16(lo), Max: uint16(lo + span - 1)}
}

func (p *WorkerPool) spawn(ctx context.Context, slot int) (ports.MediaWorker, error) {
	settings := ports.WorkerSettings{
		ID:          fmt.Sprintf("worker-%d-%s", slot, uuid.NewString()[:8]),
		Slot:        slot,
		Ports:       p.PortRange(slot),
		ListenIPs:   p.cfg.ListenIPs,
		AnnouncedIP: p.cfg.AnnouncedIP,
		ICEServers:  p.cfg.ICEServers,
		LogLevel:    p.cfg.LogLevel,
	}

	w, err := p.spawner.Spawn(ctx, settings)
	p.metrics.RecordWorkerSpawn(err == nil)
	if err != nil {
		return nil, fmt.Errorf("spawn worker for slot %d: %w", slot, err)
	}

	id := w.ID()
	w.OnNotification(func(n ports.WorkerNotification) {
		p.dispatchNotification(id, n)
	})

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = w.Close()
		return nil, domain.ErrWorkerClosed
	}
	p.workers = append(p.workers, w)
	p.load[id] = 0
	alive := len(p.workers)
	p.wg.Add(1)
	p.mu.Unlock()

	p.metrics.SetWorkersAlive(alive)
	go p.watch(w, slot, time.Now())

	p.logger.Infow("Media worker ready",
		"worker_id", id,
		"slot", slot,
		"rtc_min_port", settings.Ports.Min,
		"rtc_max_port", settings.Ports.Max,
	)
	return w, nil
}

func (p *WorkerPool) watch(w ports.MediaWorker, slot int, startedAt time.Time) {
	defer p.wg.Done()

	select {
	case <-p.ctx.Done():
		return
	case <-w.Done():
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.removeLocked(w.ID())
	alive := len(p.workers)
	uptime := time.Since(startedAt)
	if uptime < p.cfg.MinUptime {
		p.crashes[slot]++
	} else {
		p.crashes[slot] = 0
	}
	crashes := p.crashes[slot]
	died := append([]func(string){}, p.diedFns...)
	p.mu.Unlock()

	p.metrics.IncWorkerDeaths()
	p.metrics.SetWorkersAlive(alive)
	p.logger.Errorw("Media worker died", "worker_id", w.ID(), "slot", slot, "workers_alive", alive)

	for _, fn := range died {
		fn(w.ID())
	}

	if crashes > 0 {
		delay := retry.Backoff(p.cfg.Respawn, crashes-1)
		p.logger.Warnw("Media worker exited early, delaying respawn",
			"slot", slot, "uptime", uptime, "consecutive_crashes", crashes, "delay", delay)
		timer := time.NewTimer(delay)
		select {
		case <-p.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}

	respawn := p.cfg.Respawn
	respawn.OnRetry = func(attempt int, err error, delay time.Duration) {
		p.logger.Warnw("Retrying media worker spawn", "slot", slot, "attempt", attempt, "delay", delay, "error", err)
	}
	err := retry.Retry(p.ctx, respawn, func() error {
		_, err := p.spawn(p.ctx, slot)
		return err
	})
	if err != nil {
		p.logger.Errorw("Failed to respawn media worker", "slot", slot, "error", err)
	}
}

func (p *WorkerPool) removeLocked(id string) {
	for i, w := range p.workers {
		if w.ID() == id {
			p.workers = append(p.workers[:i], p.workers[i+1:]...)
			break
		}
	}
	delete(p.load, id)
}

func (p *WorkerPool) dispatchNotification(workerID string, n ports.WorkerNotification) {
	p.mu.RLock()
	fns := append([]func(string, ports.WorkerNotification){}, p.notifyFns...)
	p.mu.RUnlock()

	for _, fn := range fns {
		fn(workerID, n)
	}
}

// NextWorker returns the worker chosen by the selector.
func (p *WorkerPool) NextWorker() (ports.MediaWorker, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if len(p.workers) == 0 {
		return nil, domain.ErrNoWorkersAvailable
	}
	return p.selector.Select(p.workers, func(id string) int { return p.load[id] }), nil
}

func (p *WorkerPool) Workers() []ports.MediaWorker {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]ports.MediaWorker(nil), p.workers...)
}

func (p *WorkerPool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.workers)
}

func (p *WorkerPool) AddLoad(workerID string, delta int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.load[workerID]; ok {
		p.load[workerID] += delta
	}
}

func (p *WorkerPool) Load(workerID string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.load[workerID]
}

// OnNotification registers a listener for notifications from every current and future worker.
// Listeners run on the worker's read loop and must not wait on worker requests.
func (p *WorkerPool) OnNotification(fn func(workerID string, n ports.WorkerNotification)) {
	p.mu.Lock()
	p.notifyFns = append(p.notifyFns, fn)
	p.mu.Unlock()
}

func (p *WorkerPool) OnWorkerDied(fn func(workerID string)) {
	p.mu.Lock()
	p.diedFns = append(p.diedFns, fn)
	p.mu.Unlock()
}

// Close stops respawning and closes every worker.
func (p *WorkerPool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	workers := p.workers
	p.workers = nil
	p.mu.Unlock()

	p.cancel()

	var errs []error
	for _, w := range workers {
		if err := w.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close worker %s: %w", w.ID(), err))
		}
	}
	p.wg.Wait()
	p.metrics.SetWorkersAlive(0)
	return errors.Join(errs...)
}
