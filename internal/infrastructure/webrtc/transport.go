package webrtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"huddle/internal/core/domain"
	"huddle/internal/core/ports"
	"huddle/internal/infrastructure/monitoring"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Transport struct {
	ID        string
	RoomID    domain.RoomID
	UserID    domain.UserID
	Router    *Router
	Direction domain.TransportDirection
	Params    domain.TransportParameters
	CreatedAt time.Time

	mu        sync.RWMutex
	dtlsState domain.DtlsState
	closed    bool
}

func (t *Transport) DtlsState() domain.DtlsState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.dtlsState
}

func (t *Transport) Closed() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.closed
}

func (t *Transport) setDtlsState(state domain.DtlsState) {
	t.mu.Lock()
	t.dtlsState = state
	t.mu.Unlock()
}

func (t *Transport) markClosed() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
}

func (t *Transport) Info() *domain.TransportInfo {
	return &domain.TransportInfo{ID: t.ID, TransportParameters: t.Params}
}

// TransportSettings are the bitrate ceilings handed to workers. Send transports get more
// headroom than receive transports.
type TransportSettings struct {
	SendInitialOutgoingBitrate uint32
	RecvMaxIncomingBitrate     uint32
	CloseTimeout               time.Duration
}

type TransportManager struct {
	routers  *RouterRegistry
	settings TransportSettings
	metrics  *monitoring.PrometheusCollector
	logger   *zap.SugaredLogger

	mu         sync.RWMutex
	transports map[string]*Transport
	byRouter   map[*Router]map[string]*Transport
	closedFns  []func(ctx context.Context, t *Transport)
}

func NewTransportManager(
	pool *WorkerPool,
	routers *RouterRegistry,
	settings TransportSettings,
	metrics *monitoring.PrometheusCollector,
	logger *zap.SugaredLogger,
) *TransportManager {
	if settings.CloseTimeout <= 0 {
		settings.CloseTimeout = 5 * time.Second
	}
	m := &TransportManager{
		routers:    routers,
		settings:   settings,
		metrics:    metrics,
		logger:     logger,
		transports: make(map[string]*Transport),
		byRouter:   make(map[*Router]map[string]*Transport),
	}
	pool.OnNotification(m.handleNotification)
	routers.OnRouterClosed(m.handleRouterClosed)
	return m
}

// CreateTransport allocates an ICE+DTLS transport on the room's router.
func (m *TransportManager) CreateTransport(ctx context.Context, roomID domain.RoomID, userID domain.UserID, opts domain.TransportOptions) (*Transport, error) {
	direction, err := opts.Direction()
	if err != nil {
		return nil, err
	}

	router, err := m.routers.GetOrCreateRouter(ctx, roomID)
	if err != nil {
		return nil, err
	}

	workerOpts := domain.WebRtcTransportOptions{Direction: direction}
	if direction == domain.DirectionSend {
		workerOpts.InitialAvailableOutgoingBitrate = m.settings.SendInitialOutgoingBitrate
	} else {
		workerOpts.MaxIncomingBitrate = m.settings.RecvMaxIncomingBitrate
	}
	if opts.SctpCapabilities != nil {
		workerOpts.EnableSctp = true
		workerOpts.NumSctpStreams = opts.SctpCapabilities.NumStreams
	}

	id := uuid.NewString()
	params, err := router.Worker.CreateTransport(ctx, router.ID, id, workerOpts)
	if err != nil {
		return nil, fmt.Errorf("create transport in room %s: %w", roomID, err)
	}

	t := &Transport{
		ID:        id,
		RoomID:    roomID,
		UserID:    userID,
		Router:    router,
		Direction: direction,
		Params:    *params,
		CreatedAt: time.Now(),
		dtlsState: domain.DtlsStateNew,
	}

	m.mu.Lock()
	if router.Closed() {
		m.mu.Unlock()
		return nil, fmt.Errorf("create transport in room %s: %w", roomID, domain.ErrWorkerClosed)
	}
	m.transports[id] = t
	if m.byRouter[router] == nil {
		m.byRouter[router] = make(map[string]*Transport)
	}
	m.byRouter[router][id] = t
	m.mu.Unlock()

	m.metrics.AddTransports(string(direction), 1)
	m.logger.Debugw("Transport created",
		"transport_id", id,
		"room_id", roomID,
		"user_id", userID,
		"direction", direction,
	)
	return t, nil
}

// Connect finalizes the DTLS handshake with the client's parameters.
func (m *TransportManager) Connect(ctx context.Context, req domain.ConnectTransportRequest) error {
	t, err := m.GetTransport(req.TransportID)
	if err != nil {
		return err
	}
	if err := t.Router.Worker.ConnectTransport(ctx, req); err != nil {
		return fmt.Errorf("connect transport %s: %w", req.TransportID, err)
	}
	return nil
}

// GetTransport returns a live transport.
func (m *TransportManager) GetTransport(id string) (*Transport, error) {
	m.mu.RLock()
	t, ok := m.transports[id]
	m.mu.RUnlock()
	if !ok {
		return nil, domain.ErrTransportNotFound
	}
	if t.Closed() {
		return nil, domain.ErrTransportClosed
	}
	return t, nil
}

func (m *TransportManager) RoomOf(transportID string) (domain.RoomID, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.transports[transportID]
	if !ok {
		return "", false
	}
	return t.RoomID, true
}

func (m *TransportManager) TransportsOfRouter(routerID string) []*Transport {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Transport
	for router, set := range m.byRouter {
		if router.ID != routerID {
			continue
		}
		for _, t := range set {
			out = append(out, t)
		}
	}
	return out
}

// OnTransportClosed registers a listener that runs after a transport leaves every index.
func (m *TransportManager) OnTransportClosed(fn func(ctx context.Context, t *Transport)) {
	m.mu.Lock()
	m.closedFns = append(m.closedFns, fn)
	m.mu.Unlock()
}

// Close removes the transport, runs the close cascade and tells the worker.
// It returns false if the transport was unknown or already closed.
func (m *TransportManager) Close(ctx context.Context, id string) bool {
	t, ok := m.remove(ctx, id)
	if !ok {
		return false
	}

	if err := t.Router.Worker.CloseTransport(ctx, id); err != nil && !isGone(err) {
		m.logger.Warnw("Worker failed to close transport", "transport_id", id, "error", err)
	}
	return true
}

// remove drops the transport from the indexes and runs the listeners without a worker call.
func (m *TransportManager) remove(ctx context.Context, id string) (*Transport, bool) {
	m.mu.Lock()
	t, ok := m.transports[id]
	if !ok {
		m.mu.Unlock()
		return nil, false
	}
	delete(m.transports, id)
	if set := m.byRouter[t.Router]; set != nil {
		delete(set, id)
		if len(set) == 0 {
			delete(m.byRouter, t.Router)
		}
	}
	fns := append([]func(context.Context, *Transport){}, m.closedFns...)
	m.mu.Unlock()

	t.markClosed()
	m.metrics.AddTransports(string(t.Direction), -1)
	m.logger.Debugw("Transport closed", "transport_id", id, "room_id", t.RoomID, "user_id", t.UserID)

	for _, fn := range fns {
		fn(ctx, t)
	}
	return t, true
}

// handleNotification runs on a worker's read loop, so anything that talks to the worker
// is moved off it.
func (m *TransportManager) handleNotification(workerID string, n ports.WorkerNotification) {
	switch n.Event {
	case ports.NotificationDtlsStateChange:
		var data struct {
			DtlsState domain.DtlsState `json:"dtlsState"`
		}
		if err := json.Unmarshal(n.Data, &data); err != nil {
			m.logger.Warnw("Malformed dtls state notification", "worker_id", workerID, "error", err)
			return
		}

		m.mu.RLock()
		t, ok := m.transports[n.TargetID]
		m.mu.RUnlock()
		if !ok {
			return
		}
		t.setDtlsState(data.DtlsState)

		if data.DtlsState.Terminal() {
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), m.settings.CloseTimeout)
				defer cancel()
				m.Close(ctx, n.TargetID)
			}()
		}

	case ports.NotificationTransportClose:
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), m.settings.CloseTimeout)
			defer cancel()
			m.remove(ctx, n.TargetID)
		}()
	}
}

// handleRouterClosed purges a dead router's transports locally.
func (m *TransportManager) handleRouterClosed(ctx context.Context, router *Router) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.byRouter[router]))
	for id := range m.byRouter[router] {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		m.remove(ctx, id)
	}
}

// isGone reports errors that mean the worker side is already released.
func isGone(err error) bool {
	return errors.Is(err, domain.ErrWorkerClosed) ||
		errors.Is(err, domain.ErrTransportNotFound) ||
		errors.Is(err, domain.ErrProducerNotFound) ||
		errors.Is(err, domain.ErrConsumerNotFound)
}
