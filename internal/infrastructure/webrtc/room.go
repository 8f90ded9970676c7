package webrtc

import (
	"context"
	"sort"
	"sync"
	"time"

	"huddle/internal/core/domain"

	"go.uber.org/zap"
)

type peer struct {
	userID     domain.UserID
	joinedAt   time.Time
	transports map[string]struct{}
	producers  map[string]struct{}
	consumers  map[string]struct{}
}

func newPeer(userID domain.UserID) *peer {
	return &peer{
		userID:     userID,
		joinedAt:   time.Now(),
		transports: make(map[string]struct{}),
		producers:  make(map[string]struct{}),
		consumers:  make(map[string]struct{}),
	}
}

type room struct {
	id        domain.RoomID
	router    *Router
	createdAt time.Time
	peers     map[domain.UserID]*peer
}

// PeerState is a copy of a peer's resource ids.
type PeerState struct {
	UserID     domain.UserID
	JoinedAt   time.Time
	Transports []string
	Producers  []string
	Consumers  []string
}

// RoomState is a copy of a room, peers sorted by user id.
type RoomState struct {
	ID        domain.RoomID
	RouterID  string
	CreatedAt time.Time
	Peers     []PeerState
}

// RoomRegistry tracks which peers are in which rooms and what media resources each peer owns.
type RoomRegistry struct {
	routers    *RouterRegistry
	transports *TransportManager
	graph      *MediaGraph
	logger     *zap.SugaredLogger

	mu             sync.RWMutex
	rooms          map[domain.RoomID]*room
	transportRooms map[string]domain.RoomID
	producerOwners map[string]domain.UserID
	consumerOwners map[string]domain.UserID
}

func NewRoomRegistry(
	routers *RouterRegistry,
	transports *TransportManager,
	graph *MediaGraph,
	logger *zap.SugaredLogger,
) *RoomRegistry {
	r := &RoomRegistry{
		routers:        routers,
		transports:     transports,
		graph:          graph,
		logger:         logger,
		rooms:          make(map[domain.RoomID]*room),
		transportRooms: make(map[string]domain.RoomID),
		producerOwners: make(map[string]domain.UserID),
		consumerOwners: make(map[string]domain.UserID),
	}
	transports.OnTransportClosed(func(_ context.Context, t *Transport) { r.pruneTransport(t.ID) })
	graph.OnProducerClosed(func(_ context.Context, p *Producer) { r.pruneProducer(p.ID) })
	graph.OnConsumerClosed(func(_ context.Context, c *Consumer) { r.pruneConsumer(c.ID) })
	return r
}

// CreateRoom binds the room to its router. A room whose router died is rebound to a fresh one.
func (r *RoomRegistry) CreateRoom(ctx context.Context, roomID domain.RoomID) error {
	r.mu.RLock()
	existing, ok := r.rooms[roomID]
	bound := ok && !existing.router.Closed()
	r.mu.RUnlock()
	if bound {
		return nil
	}

	router, err := r.routers.GetOrCreateRouter(ctx, roomID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if rm, ok := r.rooms[roomID]; ok {
		rm.router = router
		return nil
	}
	r.rooms[roomID] = &room{
		id:        roomID,
		router:    router,
		createdAt: time.Now(),
		peers:     make(map[domain.UserID]*peer),
	}
	r.logger.Infow("Room created", "room_id", roomID, "worker_id", router.Worker.ID())
	return nil
}

// AddPeerToRoom creates the room if needed. It reports false if the peer was already present.
func (r *RoomRegistry) AddPeerToRoom(ctx context.Context, roomID domain.RoomID, userID domain.UserID) (bool, error) {
	for {
		if err := r.CreateRoom(ctx, roomID); err != nil {
			return false, err
		}

		r.mu.Lock()
		rm, ok := r.rooms[roomID]
		if !ok {
			// The last peer left between CreateRoom and here.
			r.mu.Unlock()
			continue
		}
		if _, exists := rm.peers[userID]; exists {
			r.mu.Unlock()
			return false, nil
		}
		rm.peers[userID] = newPeer(userID)
		r.mu.Unlock()

		r.logger.Infow("Peer joined room", "room_id", roomID, "user_id", userID)
		return true, nil
	}
}

// RemovePeerFromRoom tears down everything the peer owns in the room. It returns false if the
// peer was not in the room.
func (r *RoomRegistry) RemovePeerFromRoom(ctx context.Context, roomID domain.RoomID, userID domain.UserID) bool {
	r.mu.Lock()
	rm, ok := r.rooms[roomID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	p, ok := rm.peers[userID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(rm.peers, userID)
	if len(rm.peers) == 0 {
		delete(r.rooms, roomID)
		r.logger.Infow("Room emptied", "room_id", roomID)
	}
	state := p.state()
	r.mu.Unlock()

	r.teardownPeer(ctx, state)
	r.logger.Infow("Peer left room", "room_id", roomID, "user_id", userID)
	return true
}

// teardownPeer closes consumers, then producers, then transports, each in id order.
func (r *RoomRegistry) teardownPeer(ctx context.Context, p PeerState) {
	for _, id := range p.Consumers {
		r.graph.CloseConsumer(ctx, id)
	}
	for _, id := range p.Producers {
		r.graph.CloseProducer(ctx, id)
	}
	for _, id := range p.Transports {
		r.transports.Close(ctx, id)
	}
}

// AddTransportToPeer fails with ErrTransportClosed if the transport closed before it could be
// recorded, and ErrPeerNotFound if the peer left meanwhile.
func (r *RoomRegistry) AddTransportToPeer(roomID domain.RoomID, userID domain.UserID, transportID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, err := r.peerLocked(roomID, userID)
	if err != nil {
		return err
	}
	if _, err := r.transports.GetTransport(transportID); err != nil {
		return domain.ErrTransportClosed
	}
	p.transports[transportID] = struct{}{}
	r.transportRooms[transportID] = roomID
	return nil
}

func (r *RoomRegistry) AddProducerToPeer(roomID domain.RoomID, userID domain.UserID, producerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, err := r.peerLocked(roomID, userID)
	if err != nil {
		return err
	}
	if _, err := r.graph.GetProducer(producerID); err != nil {
		return err
	}
	p.producers[producerID] = struct{}{}
	r.producerOwners[producerID] = userID
	return nil
}

func (r *RoomRegistry) AddConsumerToPeer(roomID domain.RoomID, userID domain.UserID, consumerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, err := r.peerLocked(roomID, userID)
	if err != nil {
		return err
	}
	if _, err := r.graph.GetConsumer(consumerID); err != nil {
		return err
	}
	p.consumers[consumerID] = struct{}{}
	r.consumerOwners[consumerID] = userID
	return nil
}

func (r *RoomRegistry) peerLocked(roomID domain.RoomID, userID domain.UserID) (*peer, error) {
	rm, ok := r.rooms[roomID]
	if !ok {
		return nil, domain.ErrRoomNotFound
	}
	p, ok := rm.peers[userID]
	if !ok {
		return nil, domain.ErrPeerNotFound
	}
	return p, nil
}

func (r *RoomRegistry) pruneTransport(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	roomID, ok := r.transportRooms[id]
	if !ok {
		return
	}
	delete(r.transportRooms, id)
	if rm, ok := r.rooms[roomID]; ok {
		for _, p := range rm.peers {
			delete(p.transports, id)
		}
	}
}

func (r *RoomRegistry) pruneProducer(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.producerOwners[id]; !ok {
		return
	}
	delete(r.producerOwners, id)
	for _, rm := range r.rooms {
		for _, p := range rm.peers {
			delete(p.producers, id)
		}
	}
}

func (r *RoomRegistry) pruneConsumer(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	userID, ok := r.consumerOwners[id]
	if !ok {
		return
	}
	delete(r.consumerOwners, id)
	for _, rm := range r.rooms {
		if p, ok := rm.peers[userID]; ok {
			delete(p.consumers, id)
		}
	}
}

func (r *RoomRegistry) RoomOfTransport(transportID string) (domain.RoomID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	roomID, ok := r.transportRooms[transportID]
	return roomID, ok
}

func (r *RoomRegistry) OwnerOfProducer(producerID string) (domain.UserID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	userID, ok := r.producerOwners[producerID]
	return userID, ok
}

// Peers returns the user ids in the room, sorted.
func (r *RoomRegistry) Peers(roomID domain.RoomID) []domain.UserID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rm, ok := r.rooms[roomID]
	if !ok {
		return nil
	}
	out := make([]domain.UserID, 0, len(rm.peers))
	for id := range rm.peers {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (r *RoomRegistry) HasPeer(roomID domain.RoomID, userID domain.UserID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, err := r.peerLocked(roomID, userID)
	return err == nil
}

// RoomsOfUser returns the rooms the user is a peer of, sorted.
func (r *RoomRegistry) RoomsOfUser(userID domain.UserID) []domain.RoomID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.RoomID
	for id, rm := range r.rooms {
		if _, ok := rm.peers[userID]; ok {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (r *RoomRegistry) GetRoom(roomID domain.RoomID) (RoomState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rm, ok := r.rooms[roomID]
	if !ok {
		return RoomState{}, false
	}
	state := RoomState{ID: rm.id, RouterID: rm.router.ID, CreatedAt: rm.createdAt}
	for _, p := range rm.peers {
		state.Peers = append(state.Peers, p.state())
	}
	sort.Slice(state.Peers, func(i, j int) bool { return state.Peers[i].UserID < state.Peers[j].UserID })
	return state, true
}

func (p *peer) state() PeerState {
	return PeerState{
		UserID:     p.userID,
		JoinedAt:   p.joinedAt,
		Transports: sortedIDs(p.transports),
		Producers:  sortedIDs(p.producers),
		Consumers:  sortedIDs(p.consumers),
	}
}

func sortedIDs(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
