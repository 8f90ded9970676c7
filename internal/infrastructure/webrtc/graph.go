package webrtc

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"huddle/internal/core/domain"
	"huddle/internal/infrastructure/monitoring"
	"huddle/pkg/ortc"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Producer struct {
	ID                      string
	Transport               *Transport
	UserID                  domain.UserID
	RoomID                  domain.RoomID
	Kind                    domain.MediaKind
	RtpParameters           domain.RtpParameters
	ConsumableRtpParameters domain.RtpParameters
	AppData                 map[string]any
	CreatedAt               time.Time

	closed atomic.Bool
}

func (p *Producer) Closed() bool {
	return p.closed.Load()
}

func (p *Producer) Info() domain.ProducerInfo {
	return domain.ProducerInfo{ID: p.ID, RoomID: p.RoomID, UserID: p.UserID, Kind: p.Kind}
}

type Consumer struct {
	ID            string
	Transport     *Transport
	Producer      *Producer
	UserID        domain.UserID
	Kind          domain.MediaKind
	RtpParameters domain.RtpParameters
	CreatedAt     time.Time

	paused atomic.Bool
	closed atomic.Bool
}

func (c *Consumer) Paused() bool {
	return c.paused.Load()
}

func (c *Consumer) Closed() bool {
	return c.closed.Load()
}

func (c *Consumer) Info() *domain.ConsumerInfo {
	return &domain.ConsumerInfo{
		ID:            c.ID,
		ProducerID:    c.Producer.ID,
		Kind:          c.Kind,
		RtpParameters: c.RtpParameters,
		Paused:        c.Paused(),
	}
}

// MediaGraph tracks producers, consumers and the edges between them.
type MediaGraph struct {
	routers    *RouterRegistry
	transports *TransportManager
	metrics    *monitoring.PrometheusCollector
	logger     *zap.SugaredLogger

	mu                sync.RWMutex
	producers         map[string]*Producer
	consumers         map[string]*Consumer
	byProducer        map[string]map[string]*Consumer
	producerClosedFns []func(ctx context.Context, p *Producer)
	consumerClosedFns []func(ctx context.Context, c *Consumer)
}

func NewMediaGraph(
	routers *RouterRegistry,
	transports *TransportManager,
	metrics *monitoring.PrometheusCollector,
	logger *zap.SugaredLogger,
) *MediaGraph {
	g := &MediaGraph{
		routers:    routers,
		transports: transports,
		metrics:    metrics,
		logger:     logger,
		producers:  make(map[string]*Producer),
		consumers:  make(map[string]*Consumer),
		byProducer: make(map[string]map[string]*Consumer),
	}
	transports.OnTransportClosed(g.handleTransportClosed)
	return g
}

// Produce registers an inbound stream on a sending transport owned by userID.
func (g *MediaGraph) Produce(ctx context.Context, userID domain.UserID, req domain.ProduceRequest) (*Producer, error) {
	t, err := g.transports.GetTransport(req.TransportID)
	if err != nil {
		return nil, err
	}
	if t.UserID != userID {
		return nil, domain.ErrNotResourceOwner
	}
	if t.Direction != domain.DirectionSend {
		return nil, domain.ErrInvalidTransportDirection
	}
	if err := ortc.ValidateRtpParameters(req.Kind, req.RtpParameters, t.Router.RtpCapabilities); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	worker := t.Router.Worker
	if err := worker.Produce(ctx, t.ID, id, req.Kind, req.RtpParameters); err != nil {
		return nil, fmt.Errorf("produce on transport %s: %w", t.ID, err)
	}

	p := &Producer{
		ID:                      id,
		Transport:               t,
		UserID:                  userID,
		RoomID:                  t.RoomID,
		Kind:                    req.Kind,
		RtpParameters:           req.RtpParameters,
		ConsumableRtpParameters: ortc.GetConsumableRtpParameters(req.Kind, req.RtpParameters, t.Router.RtpCapabilities),
		AppData:                 req.AppData,
		CreatedAt:               time.Now(),
	}

	g.mu.Lock()
	if t.Closed() {
		g.mu.Unlock()
		g.releaseOnWorker(ctx, "producer", id, worker.CloseProducer)
		return nil, domain.ErrTransportClosed
	}
	g.producers[id] = p
	g.byProducer[id] = make(map[string]*Consumer)
	g.mu.Unlock()

	g.metrics.AddProducers(string(req.Kind), 1)
	g.logger.Infow("Producer created",
		"producer_id", id,
		"transport_id", t.ID,
		"room_id", t.RoomID,
		"user_id", userID,
		"kind", req.Kind,
	)
	return p, nil
}

// Consume creates a paused consumer of a producer on a receiving transport owned by userID.
func (g *MediaGraph) Consume(ctx context.Context, userID domain.UserID, req domain.ConsumeRequest) (*Consumer, error) {
	t, err := g.transports.GetTransport(req.TransportID)
	if err != nil {
		return nil, err
	}
	if t.UserID != userID {
		return nil, domain.ErrNotResourceOwner
	}
	if t.Direction != domain.DirectionRecv {
		return nil, domain.ErrInvalidTransportDirection
	}
	p, err := g.GetProducer(req.ProducerID)
	if err != nil {
		return nil, err
	}

	var router *Router
	for _, r := range g.routers.Routers() {
		if r.CanConsume(p, req.RtpCapabilities) {
			router = r
			break
		}
	}
	if router == nil || router != t.Router {
		return nil, domain.ErrCannotConsume
	}

	params, err := ortc.GetConsumerRtpParameters(p.ConsumableRtpParameters, req.RtpCapabilities)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	worker := router.Worker
	final, err := worker.Consume(ctx, t.ID, id, p.ID, p.Kind, params, true)
	if err != nil {
		return nil, fmt.Errorf("consume producer %s: %w", p.ID, err)
	}

	c := &Consumer{
		ID:            id,
		Transport:     t,
		Producer:      p,
		UserID:        userID,
		Kind:          p.Kind,
		RtpParameters: final,
		CreatedAt:     time.Now(),
	}
	c.paused.Store(true)

	g.mu.Lock()
	consumers, producerLive := g.byProducer[p.ID]
	if t.Closed() || !producerLive {
		g.mu.Unlock()
		g.releaseOnWorker(ctx, "consumer", id, worker.CloseConsumer)
		if !producerLive {
			return nil, domain.ErrProducerNotFound
		}
		return nil, domain.ErrTransportClosed
	}
	g.consumers[id] = c
	consumers[id] = c
	g.mu.Unlock()

	g.metrics.AddConsumers(1)
	g.logger.Debugw("Consumer created",
		"consumer_id", id,
		"producer_id", p.ID,
		"transport_id", t.ID,
		"user_id", userID,
	)
	return c, nil
}

// ResumeConsumer starts media flowing once the client is ready to receive it.
func (g *MediaGraph) ResumeConsumer(ctx context.Context, consumerID string) error {
	c, err := g.GetConsumer(consumerID)
	if err != nil {
		return err
	}
	if err := c.Transport.Router.Worker.ResumeConsumer(ctx, consumerID); err != nil {
		return fmt.Errorf("resume consumer %s: %w", consumerID, err)
	}
	c.paused.Store(false)
	return nil
}

// CloseProducer closes the producer and every consumer of it.
// It returns false if the producer was unknown or already closed.
func (g *MediaGraph) CloseProducer(ctx context.Context, producerID string) bool {
	g.mu.Lock()
	p, ok := g.producers[producerID]
	if !ok {
		g.mu.Unlock()
		return false
	}
	delete(g.producers, producerID)
	consumers := g.byProducer[producerID]
	delete(g.byProducer, producerID)
	for id := range consumers {
		delete(g.consumers, id)
	}
	producerFns := append([]func(context.Context, *Producer){}, g.producerClosedFns...)
	g.mu.Unlock()

	p.closed.Store(true)
	for _, c := range sortedConsumers(consumers) {
		g.finishConsumer(ctx, c)
	}

	g.metrics.AddProducers(string(p.Kind), -1)
	g.logger.Infow("Producer closed", "producer_id", producerID, "room_id", p.RoomID, "user_id", p.UserID)
	for _, fn := range producerFns {
		fn(ctx, p)
	}
	g.releaseOnWorker(ctx, "producer", producerID, p.Transport.Router.Worker.CloseProducer)
	return true
}

// CloseConsumer returns false if the consumer was unknown or already closed.
func (g *MediaGraph) CloseConsumer(ctx context.Context, consumerID string) bool {
	g.mu.Lock()
	c, ok := g.consumers[consumerID]
	if !ok {
		g.mu.Unlock()
		return false
	}
	delete(g.consumers, consumerID)
	if set := g.byProducer[c.Producer.ID]; set != nil {
		delete(set, consumerID)
	}
	g.mu.Unlock()

	g.finishConsumer(ctx, c)
	return true
}

// finishConsumer runs after the consumer left every index.
func (g *MediaGraph) finishConsumer(ctx context.Context, c *Consumer) {
	c.closed.Store(true)

	g.mu.RLock()
	fns := append([]func(context.Context, *Consumer){}, g.consumerClosedFns...)
	g.mu.RUnlock()

	g.metrics.AddConsumers(-1)
	for _, fn := range fns {
		fn(ctx, c)
	}
	g.releaseOnWorker(ctx, "consumer", c.ID, c.Transport.Router.Worker.CloseConsumer)
}

func (g *MediaGraph) releaseOnWorker(ctx context.Context, kind, id string, closeFn func(context.Context, string) error) {
	if err := closeFn(ctx, id); err != nil && !isGone(err) {
		g.logger.Warnw("Worker failed to close "+kind, "id", id, "error", err)
	}
}

// handleTransportClosed removes everything bound to a closed transport.
func (g *MediaGraph) handleTransportClosed(ctx context.Context, t *Transport) {
	g.mu.RLock()
	var producerIDs, consumerIDs []string
	for id, p := range g.producers {
		if p.Transport == t {
			producerIDs = append(producerIDs, id)
		}
	}
	for id, c := range g.consumers {
		if c.Transport == t {
			consumerIDs = append(consumerIDs, id)
		}
	}
	g.mu.RUnlock()

	sort.Strings(consumerIDs)
	sort.Strings(producerIDs)
	for _, id := range consumerIDs {
		g.CloseConsumer(ctx, id)
	}
	for _, id := range producerIDs {
		g.CloseProducer(ctx, id)
	}
}

func (g *MediaGraph) OnProducerClosed(fn func(ctx context.Context, p *Producer)) {
	g.mu.Lock()
	g.producerClosedFns = append(g.producerClosedFns, fn)
	g.mu.Unlock()
}

func (g *MediaGraph) OnConsumerClosed(fn func(ctx context.Context, c *Consumer)) {
	g.mu.Lock()
	g.consumerClosedFns = append(g.consumerClosedFns, fn)
	g.mu.Unlock()
}

func (g *MediaGraph) GetProducer(id string) (*Producer, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	p, ok := g.producers[id]
	if !ok {
		return nil, domain.ErrProducerNotFound
	}
	return p, nil
}

func (g *MediaGraph) GetConsumer(id string) (*Consumer, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	c, ok := g.consumers[id]
	if !ok {
		return nil, domain.ErrConsumerNotFound
	}
	return c, nil
}

func (g *MediaGraph) ProducerOwner(producerID string) (domain.UserID, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	p, ok := g.producers[producerID]
	if !ok {
		return "", false
	}
	return p.UserID, true
}

// ProducersInRoom returns the room's producers, oldest first.
func (g *MediaGraph) ProducersInRoom(roomID domain.RoomID) []*Producer {
	g.mu.RLock()
	var out []*Producer
	for _, p := range g.producers {
		if p.RoomID == roomID {
			out = append(out, p)
		}
	}
	g.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func sortedConsumers(set map[string]*Consumer) []*Consumer {
	out := make([]*Consumer, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
