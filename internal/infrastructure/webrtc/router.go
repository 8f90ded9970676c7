package webrtc

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"huddle/internal/core/domain"
	"huddle/internal/core/ports"
	"huddle/internal/infrastructure/monitoring"
	"huddle/pkg/ortc"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Router is a room's media router living on one worker. Its id is the room id.
type Router struct {
	ID              string
	RoomID          domain.RoomID
	Worker          ports.MediaWorker
	RtpCapabilities domain.RtpCapabilities
	CreatedAt       time.Time

	closed atomic.Bool
}

// Closed reports whether the router was orphaned by its worker's death.
func (r *Router) Closed() bool {
	return r.closed.Load()
}

// CanConsume reports whether this router hosts the producer and the receiver can decode it.
func (r *Router) CanConsume(p *Producer, caps domain.RtpCapabilities) bool {
	if r.Closed() || p.Transport.Router != r {
		return false
	}
	return ortc.CanConsume(p.ConsumableRtpParameters, caps)
}

const defaultRouterCreateTimeout = 10 * time.Second

type RouterRegistry struct {
	pool          *WorkerPool
	caps          domain.RtpCapabilities
	createTimeout time.Duration
	metrics       *monitoring.PrometheusCollector
	logger        *zap.SugaredLogger

	group singleflight.Group

	mu        sync.RWMutex
	routers   map[domain.RoomID]*Router
	closedFns []func(ctx context.Context, r *Router)
}

// NewRouterRegistry validates the codec set once; every router offers the same capabilities.
// createTimeout bounds a router creation independently of whoever asked for it.
func NewRouterRegistry(
	pool *WorkerPool,
	codecs []domain.RtpCodecCapability,
	createTimeout time.Duration,
	metrics *monitoring.PrometheusCollector,
	logger *zap.SugaredLogger,
) (*RouterRegistry, error) {
	if len(codecs) == 0 {
		codecs = ortc.DefaultCodecs()
	}
	caps, err := ortc.GenerateRouterRtpCapabilities(codecs)
	if err != nil {
		return nil, fmt.Errorf("invalid router codecs: %w", err)
	}

	if createTimeout <= 0 {
		createTimeout = defaultRouterCreateTimeout
	}

	r := &RouterRegistry{
		pool:          pool,
		caps:          caps,
		createTimeout: createTimeout,
		metrics:       metrics,
		logger:        logger,
		routers:       make(map[domain.RoomID]*Router),
	}
	pool.OnWorkerDied(r.handleWorkerDied)
	return r, nil
}

// GetOrCreateRouter returns the room's router, creating it on the next worker if needed.
// Concurrent first calls for a room share one creation. The creation is detached from
// the caller that started it, so one caller giving up does not fail the others.
func (r *RouterRegistry) GetOrCreateRouter(ctx context.Context, roomID domain.RoomID) (*Router, error) {
	if router, ok := r.GetRouter(roomID); ok {
		return router, nil
	}

	ch := r.group.DoChan(string(roomID), func() (any, error) {
		if router, ok := r.GetRouter(roomID); ok {
			return router, nil
		}
		createCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.createTimeout)
		defer cancel()
		return r.createRouter(createCtx, roomID)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Router), nil
	}
}

func (r *RouterRegistry) createRouter(ctx context.Context, roomID domain.RoomID) (*Router, error) {
	w, err := r.pool.NextWorker()
	if err != nil {
		return nil, err
	}

	id := string(roomID)
	if err := w.CreateRouter(ctx, id, r.caps); err != nil {
		return nil, fmt.Errorf("create router for room %s: %w", roomID, err)
	}

	select {
	case <-w.Done():
		return nil, fmt.Errorf("create router for room %s: %w", roomID, domain.ErrWorkerClosed)
	default:
	}

	router := &Router{
		ID:              id,
		RoomID:          roomID,
		Worker:          w,
		RtpCapabilities: r.caps,
		CreatedAt:       time.Now(),
	}

	r.mu.Lock()
	r.routers[roomID] = router
	r.mu.Unlock()

	r.pool.AddLoad(w.ID(), 1)
	r.metrics.AddRouters(1)
	r.logger.Infow("Router created", "room_id", roomID, "worker_id", w.ID())
	return router, nil
}

func (r *RouterRegistry) GetRouter(roomID domain.RoomID) (*Router, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	router, ok := r.routers[roomID]
	return router, ok
}

func (r *RouterRegistry) GetRtpCapabilities(routerID string) (domain.RtpCapabilities, error) {
	router, ok := r.GetRouter(domain.RoomID(routerID))
	if !ok {
		return domain.RtpCapabilities{}, domain.ErrRouterNotFound
	}
	return router.RtpCapabilities, nil
}

func (r *RouterRegistry) Routers() []*Router {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Router, 0, len(r.routers))
	for _, router := range r.routers {
		out = append(out, router)
	}
	return out
}

// OnRouterClosed registers a listener for routers orphaned by worker death.
func (r *RouterRegistry) OnRouterClosed(fn func(ctx context.Context, router *Router)) {
	r.mu.Lock()
	r.closedFns = append(r.closedFns, fn)
	r.mu.Unlock()
}

// handleWorkerDied evicts the dead worker's routers so the next request recreates them elsewhere.
func (r *RouterRegistry) handleWorkerDied(workerID string) {
	r.mu.Lock()
	var orphaned []*Router
	for roomID, router := range r.routers {
		if router.Worker.ID() == workerID {
			router.closed.Store(true)
			orphaned = append(orphaned, router)
			delete(r.routers, roomID)
		}
	}
	fns := append([]func(context.Context, *Router){}, r.closedFns...)
	r.mu.Unlock()

	if len(orphaned) == 0 {
		return
	}
	r.metrics.AddRouters(-len(orphaned))
	r.logger.Warnw("Routers orphaned by worker death", "worker_id", workerID, "routers", len(orphaned))

	ctx := context.Background()
	for _, router := range orphaned {
		for _, fn := range fns {
			fn(ctx, router)
		}
	}
}
