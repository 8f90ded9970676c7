package webrtc

import (
	"context"
	"fmt"
	"time"

	"huddle/internal/core/domain"
	"huddle/internal/core/ports"
	"huddle/internal/infrastructure/monitoring"

	"go.uber.org/zap"
)

// Events the SFU pushes to clients on its own.
const (
	EventProducerClosed = "producer-closed"
	EventConsumerClosed = "consumer-closed"
)

// SFUConfig configures the media control plane.
type SFUConfig struct {
	Pool       PoolConfig
	Workers    int
	Selection  string
	Codecs     []domain.RtpCodecCapability
	Transports TransportSettings

	// RequestTimeout bounds each control plane operation, worker round trips included.
	RequestTimeout time.Duration
}

// SFUService is the media control plane: worker pool, routers, transports, the
// producer/consumer graph and the room registry, wired together.
type SFUService struct {
	cfg         SFUConfig
	pool        *WorkerPool
	routers     *RouterRegistry
	transports  *TransportManager
	graph       *MediaGraph
	rooms       *RoomRegistry
	broadcaster ports.Broadcaster
	logger      *zap.SugaredLogger
}

var _ ports.MediaService = (*SFUService)(nil)

// NewSFUService creates the control plane. Workers are spawned by Start.
func NewSFUService(
	cfg SFUConfig,
	spawner ports.WorkerSpawner,
	broadcaster ports.Broadcaster,
	metrics *monitoring.PrometheusCollector,
	logger *zap.SugaredLogger,
) (*SFUService, error) {
	pool := NewWorkerPool(cfg.Pool, spawner, NewSelector(cfg.Selection), metrics, logger)
	routers, err := NewRouterRegistry(pool, cfg.Codecs, cfg.RequestTimeout, metrics, logger)
	if err != nil {
		return nil, err
	}
	transports := NewTransportManager(pool, routers, cfg.Transports, metrics, logger)
	graph := NewMediaGraph(routers, transports, metrics, logger)
	rooms := NewRoomRegistry(routers, transports, graph, logger)

	s := &SFUService{
		cfg:         cfg,
		pool:        pool,
		routers:     routers,
		transports:  transports,
		graph:       graph,
		rooms:       rooms,
		broadcaster: broadcaster,
		logger:      logger,
	}
	graph.OnProducerClosed(s.notifyProducerClosed)
	graph.OnConsumerClosed(s.notifyConsumerClosed)
	return s, nil
}

// Start spawns the configured number of workers.
func (s *SFUService) Start(ctx context.Context) error {
	if err := s.pool.CreateWorkers(ctx, s.cfg.Workers); err != nil {
		if s.pool.Size() == 0 {
			return fmt.Errorf("start media workers: %w", err)
		}
		s.logger.Warnw("Some media workers failed to start", "alive", s.pool.Size(), "error", err)
	}
	return nil
}

func (s *SFUService) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.RequestTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.cfg.RequestTimeout)
}

func (s *SFUService) Close() error {
	return s.pool.Close()
}

func (s *SFUService) WorkersAlive() int {
	return s.pool.Size()
}

func (s *SFUService) Rooms() *RoomRegistry {
	return s.rooms
}

// JoinRoom adds the user to the room and returns what is already there, minus the user's own producers.
func (s *SFUService) JoinRoom(ctx context.Context, roomID domain.RoomID, userID domain.UserID) (*domain.RoomSnapshot, error) {
	ctx, cancel := s.bounded(ctx)
	defer cancel()

	if _, err := s.rooms.AddPeerToRoom(ctx, roomID, userID); err != nil {
		return nil, err
	}
	caps, err := s.GetRouterCapabilities(ctx, roomID)
	if err != nil {
		return nil, err
	}

	snapshot := &domain.RoomSnapshot{
		RoomID:          roomID,
		RtpCapabilities: caps,
		Peers:           []domain.UserID{},
		Producers:       []domain.ProducerInfo{},
	}
	for _, id := range s.rooms.Peers(roomID) {
		if id != userID {
			snapshot.Peers = append(snapshot.Peers, id)
		}
	}
	for _, p := range s.graph.ProducersInRoom(roomID) {
		if p.UserID != userID {
			snapshot.Producers = append(snapshot.Producers, p.Info())
		}
	}
	return snapshot, nil
}

func (s *SFUService) LeaveRoom(ctx context.Context, roomID domain.RoomID, userID domain.UserID) bool {
	ctx, cancel := s.bounded(ctx)
	defer cancel()

	return s.rooms.RemovePeerFromRoom(ctx, roomID, userID)
}

func (s *SFUService) GetRouterCapabilities(ctx context.Context, roomID domain.RoomID) (domain.RtpCapabilities, error) {
	ctx, cancel := s.bounded(ctx)
	defer cancel()

	router, err := s.routers.GetOrCreateRouter(ctx, roomID)
	if err != nil {
		return domain.RtpCapabilities{}, err
	}
	return router.RtpCapabilities, nil
}

// CreateTransport also makes the user a peer of the room if it was not one yet.
func (s *SFUService) CreateTransport(ctx context.Context, roomID domain.RoomID, userID domain.UserID, opts domain.TransportOptions) (*domain.TransportInfo, error) {
	ctx, cancel := s.bounded(ctx)
	defer cancel()

	if _, err := opts.Direction(); err != nil {
		return nil, err
	}
	if _, err := s.rooms.AddPeerToRoom(ctx, roomID, userID); err != nil {
		return nil, err
	}

	t, err := s.transports.CreateTransport(ctx, roomID, userID, opts)
	if err != nil {
		return nil, err
	}
	if err := s.rooms.AddTransportToPeer(roomID, userID, t.ID); err != nil {
		s.transports.Close(ctx, t.ID)
		return nil, err
	}
	return t.Info(), nil
}

func (s *SFUService) ConnectTransport(ctx context.Context, userID domain.UserID, req domain.ConnectTransportRequest) error {
	ctx, cancel := s.bounded(ctx)
	defer cancel()

	t, err := s.transports.GetTransport(req.TransportID)
	if err != nil {
		return err
	}
	if t.UserID != userID {
		return domain.ErrNotResourceOwner
	}
	return s.transports.Connect(ctx, req)
}

func (s *SFUService) Produce(ctx context.Context, userID domain.UserID, req domain.ProduceRequest) (*domain.ProducerInfo, error) {
	ctx, cancel := s.bounded(ctx)
	defer cancel()

	p, err := s.graph.Produce(ctx, userID, req)
	if err != nil {
		return nil, err
	}
	if err := s.rooms.AddProducerToPeer(p.RoomID, userID, p.ID); err != nil {
		s.graph.CloseProducer(ctx, p.ID)
		return nil, err
	}
	info := p.Info()
	return &info, nil
}

func (s *SFUService) Consume(ctx context.Context, userID domain.UserID, req domain.ConsumeRequest) (*domain.ConsumerInfo, error) {
	ctx, cancel := s.bounded(ctx)
	defer cancel()

	c, err := s.graph.Consume(ctx, userID, req)
	if err != nil {
		return nil, err
	}
	if err := s.rooms.AddConsumerToPeer(c.Transport.RoomID, userID, c.ID); err != nil {
		s.graph.CloseConsumer(ctx, c.ID)
		return nil, err
	}
	return c.Info(), nil
}

func (s *SFUService) ResumeConsumer(ctx context.Context, userID domain.UserID, consumerID string) error {
	ctx, cancel := s.bounded(ctx)
	defer cancel()

	c, err := s.graph.GetConsumer(consumerID)
	if err != nil {
		return err
	}
	if c.UserID != userID {
		return domain.ErrNotResourceOwner
	}
	return s.graph.ResumeConsumer(ctx, consumerID)
}

// CloseProducer closes a producer owned by userID. Unknown ids report false without an error.
func (s *SFUService) CloseProducer(ctx context.Context, userID domain.UserID, producerID string) (bool, error) {
	ctx, cancel := s.bounded(ctx)
	defer cancel()

	owner, ok := s.graph.ProducerOwner(producerID)
	if !ok {
		return false, nil
	}
	if owner != userID {
		return false, domain.ErrNotResourceOwner
	}
	return s.graph.CloseProducer(ctx, producerID), nil
}

func (s *SFUService) ListProducers(roomID domain.RoomID) []domain.ProducerInfo {
	producers := s.graph.ProducersInRoom(roomID)
	out := make([]domain.ProducerInfo, 0, len(producers))
	for _, p := range producers {
		out = append(out, p.Info())
	}
	return out
}

func (s *SFUService) notifyProducerClosed(ctx context.Context, p *Producer) {
	if s.broadcaster == nil {
		return
	}
	s.broadcaster.BroadcastToRoom(ctx, domain.MediaRoomChannel(p.RoomID), EventProducerClosed, map[string]any{
		"producerId": p.ID,
		"userId":     p.UserID,
	}, "")
}

func (s *SFUService) notifyConsumerClosed(ctx context.Context, c *Consumer) {
	if s.broadcaster == nil {
		return
	}
	s.broadcaster.SendToUser(ctx, c.UserID, EventConsumerClosed, map[string]any{
		"consumerId": c.ID,
		"producerId": c.Producer.ID,
	})
}
