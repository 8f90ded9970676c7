package signal

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"

	"huddle/internal/core/domain"
	"huddle/internal/core/ports"
	"huddle/internal/infrastructure/distributed"

	"go.uber.org/zap"
)

// Conn is one client duplex channel plus what it joined, so a disconnect can undo exactly that.
type Conn struct {
	ID       string
	UserID   domain.UserID
	Username string

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	mu            sync.Mutex
	closed        bool
	rooms         map[string]struct{}
	voiceChannels map[domain.ChannelID]struct{}
	calls         map[domain.CallID]struct{}
	mediaRooms    map[domain.RoomID]struct{}
}

// Session is what a connection had joined when it went away.
type Session struct {
	VoiceChannels []domain.ChannelID
	Calls         []domain.CallID
	MediaRooms    []domain.RoomID
}

func NewConn(id string, userID domain.UserID, username string, buffer int) *Conn {
	if buffer <= 0 {
		buffer = 64
	}
	return &Conn{
		ID:            id,
		UserID:        userID,
		Username:      username,
		send:          make(chan []byte, buffer),
		done:          make(chan struct{}),
		rooms:         make(map[string]struct{}),
		voiceChannels: make(map[domain.ChannelID]struct{}),
		calls:         make(map[domain.CallID]struct{}),
		mediaRooms:    make(map[domain.RoomID]struct{}),
	}
}

// Outbound is drained by the write pump.
func (c *Conn) Outbound() <-chan []byte {
	return c.send
}

// Done is closed once the hub has let go of the connection.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Send encodes msg and queues it without blocking.
func (c *Conn) Send(msg OutboundMessage) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		return false
	}
	return c.enqueue(data)
}

func (c *Conn) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// TrackVoiceChannel records a voice channel join. It reports false once the
// connection is closing, in which case the caller must undo the join.
func (c *Conn) TrackVoiceChannel(id domain.ChannelID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.voiceChannels[id] = struct{}{}
	return true
}

func (c *Conn) UntrackVoiceChannel(id domain.ChannelID) {
	c.mu.Lock()
	delete(c.voiceChannels, id)
	c.mu.Unlock()
}

func (c *Conn) TrackCall(id domain.CallID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.calls[id] = struct{}{}
	return true
}

func (c *Conn) UntrackCall(id domain.CallID) {
	c.mu.Lock()
	delete(c.calls, id)
	c.mu.Unlock()
}

func (c *Conn) TrackMediaRoom(id domain.RoomID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.mediaRooms[id] = struct{}{}
	return true
}

func (c *Conn) UntrackMediaRoom(id domain.RoomID) {
	c.mu.Lock()
	delete(c.mediaRooms, id)
	c.mu.Unlock()
}

func (c *Conn) tracksVoiceChannel(id domain.ChannelID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.voiceChannels[id]
	return ok && !c.closed
}

func (c *Conn) tracksCall(id domain.CallID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.calls[id]
	return ok && !c.closed
}

func (c *Conn) tracksMediaRoom(id domain.RoomID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.mediaRooms[id]
	return ok && !c.closed
}

// closeSession marks the connection closing and hands back everything it joined.
// Later Track calls fail. Only the first call returns a non-nil session.
func (c *Conn) closeSession() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	s := &Session{}
	for id := range c.voiceChannels {
		s.VoiceChannels = append(s.VoiceChannels, id)
	}
	for id := range c.calls {
		s.Calls = append(s.Calls, id)
	}
	for id := range c.mediaRooms {
		s.MediaRooms = append(s.MediaRooms, id)
	}
	sort.Slice(s.VoiceChannels, func(i, j int) bool { return s.VoiceChannels[i] < s.VoiceChannels[j] })
	sort.Slice(s.Calls, func(i, j int) bool { return s.Calls[i] < s.Calls[j] })
	sort.Slice(s.MediaRooms, func(i, j int) bool { return s.MediaRooms[i] < s.MediaRooms[j] })
	return s
}

// Hub tracks live connections, their users and their broadcast rooms.
// With an event bus attached, broadcasts also reach the other instances.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]*Conn
	users map[domain.UserID]map[string]*Conn
	rooms map[string]map[string]*Conn

	bus    *distributed.EventBus
	logger *zap.SugaredLogger
}

var _ ports.Broadcaster = (*Hub)(nil)

func NewHub(bus *distributed.EventBus, logger *zap.SugaredLogger) *Hub {
	return &Hub{
		conns:  make(map[string]*Conn),
		users:  make(map[domain.UserID]map[string]*Conn),
		rooms:  make(map[string]map[string]*Conn),
		bus:    bus,
		logger: logger,
	}
}

// Run relays remote broadcasts to local connections until ctx is done.
func (h *Hub) Run(ctx context.Context) error {
	if h.bus == nil {
		<-ctx.Done()
		return nil
	}
	if err := h.bus.Subscribe(ctx, h.handleRemote); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (h *Hub) Register(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.conns[c.ID] = c
	if h.users[c.UserID] == nil {
		h.users[c.UserID] = make(map[string]*Conn)
	}
	h.users[c.UserID][c.ID] = c
}

// Unregister drops the connection from every room and closes its Done channel.
func (h *Hub) Unregister(c *Conn) {
	h.mu.Lock()
	c.mu.Lock()
	for room := range c.rooms {
		h.leaveLocked(c, room)
	}
	c.mu.Unlock()

	delete(h.conns, c.ID)
	if byConn := h.users[c.UserID]; byConn != nil {
		delete(byConn, c.ID)
		if len(byConn) == 0 {
			delete(h.users, c.UserID)
		}
	}
	h.mu.Unlock()

	c.closeOnce.Do(func() { close(c.done) })
}

// CloseAll unregisters every connection; write pumps see Done and hang up.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		h.Unregister(c)
	}
}

func (h *Hub) Join(c *Conn, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[c.ID]; !ok {
		return
	}

	members := h.rooms[room]
	if members == nil {
		members = make(map[string]*Conn)
		h.rooms[room] = members
	}
	members[c.ID] = c

	c.mu.Lock()
	c.rooms[room] = struct{}{}
	c.mu.Unlock()
}

func (h *Hub) Leave(c *Conn, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	c.mu.Lock()
	h.leaveLocked(c, room)
	c.mu.Unlock()
}

// leaveLocked requires both h.mu and c.mu.
func (h *Hub) leaveLocked(c *Conn, room string) {
	delete(c.rooms, room)
	if members := h.rooms[room]; members != nil {
		delete(members, c.ID)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}

// Members returns the distinct users with a local connection in room.
func (h *Hub) Members(room string) []domain.UserID {
	h.mu.RLock()
	defer h.mu.RUnlock()

	seen := make(map[domain.UserID]struct{})
	for _, c := range h.rooms[room] {
		seen[c.UserID] = struct{}{}
	}
	out := make([]domain.UserID, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// otherConnTracks reports whether another live connection of c's user still
// holds what tracks looks for. Registries are keyed by user, so a closing tab
// must not undo a join a sibling tab relies on.
func (h *Hub) otherConnTracks(c *Conn, tracks func(*Conn) bool) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, other := range h.users[c.UserID] {
		if id != c.ID && tracks(other) {
			return true
		}
	}
	return false
}

// roomConns lists the local connections subscribed to room.
func (h *Hub) roomConns(room string) []*Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Conn, 0, len(h.rooms[room]))
	for _, c := range h.rooms[room] {
		out = append(out, c)
	}
	return out
}

func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

func (h *Hub) IsConnected(userID domain.UserID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[userID]) > 0
}

func (h *Hub) BroadcastToRoom(ctx context.Context, room, event string, payload any, exceptUserID domain.UserID) {
	data, ok := h.encode(event, payload)
	if !ok {
		return
	}
	h.deliverRoom(room, data, exceptUserID)
	h.publish(ctx, &distributed.Event{Scope: distributed.ScopeRoom, Target: room, ExceptUserID: exceptUserID, Message: data})
}

func (h *Hub) SendToUser(ctx context.Context, userID domain.UserID, event string, payload any) {
	data, ok := h.encode(event, payload)
	if !ok {
		return
	}
	h.deliverUser(userID, data)
	h.publish(ctx, &distributed.Event{Scope: distributed.ScopeUser, Target: string(userID), Message: data})
}

func (h *Hub) BroadcastAll(ctx context.Context, event string, payload any, exceptUserID domain.UserID) {
	data, ok := h.encode(event, payload)
	if !ok {
		return
	}
	h.deliverAll(data, exceptUserID)
	h.publish(ctx, &distributed.Event{Scope: distributed.ScopeAll, ExceptUserID: exceptUserID, Message: data})
}

func (h *Hub) encode(event string, payload any) ([]byte, bool) {
	data, err := json.Marshal(OutboundMessage{Type: event, Data: payload})
	if err != nil {
		h.logger.Errorw("Failed to encode broadcast", "event", event, "error", err)
		return nil, false
	}
	return data, true
}

func (h *Hub) publish(ctx context.Context, event *distributed.Event) {
	if h.bus == nil {
		return
	}
	if err := h.bus.Publish(ctx, event); err != nil {
		h.logger.Warnw("Failed to fan out broadcast", "scope", event.Scope, "target", event.Target, "error", err)
	}
}

func (h *Hub) handleRemote(event *distributed.Event) error {
	switch event.Scope {
	case distributed.ScopeRoom:
		h.deliverRoom(event.Target, event.Message, event.ExceptUserID)
	case distributed.ScopeUser:
		h.deliverUser(domain.UserID(event.Target), event.Message)
	case distributed.ScopeAll:
		h.deliverAll(event.Message, event.ExceptUserID)
	}
	return nil
}

func (h *Hub) deliverRoom(room string, data []byte, except domain.UserID) {
	h.mu.RLock()
	targets := make([]*Conn, 0, len(h.rooms[room]))
	for _, c := range h.rooms[room] {
		if except == "" || c.UserID != except {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()
	h.deliver(targets, data)
}

func (h *Hub) deliverUser(userID domain.UserID, data []byte) {
	h.mu.RLock()
	targets := make([]*Conn, 0, len(h.users[userID]))
	for _, c := range h.users[userID] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()
	h.deliver(targets, data)
}

func (h *Hub) deliverAll(data []byte, except domain.UserID) {
	h.mu.RLock()
	targets := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		if except == "" || c.UserID != except {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()
	h.deliver(targets, data)
}

func (h *Hub) deliver(targets []*Conn, data []byte) {
	for _, c := range targets {
		if !c.enqueue(data) {
			h.logger.Warnw("Dropping message for slow connection", "connection_id", c.ID, "user_id", c.UserID)
		}
	}
}
