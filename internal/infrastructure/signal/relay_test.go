package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"huddle/internal/core/domain"
	"huddle/internal/core/services"
	"huddle/internal/infrastructure/repositories/memory"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type MockMediaService struct {
	mock.Mock
}

func (m *MockMediaService) JoinRoom(ctx context.Context, roomID domain.RoomID, userID domain.UserID) (*domain.RoomSnapshot, error) {
	args := m.Called(ctx, roomID, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.RoomSnapshot), args.Error(1)
}

func (m *MockMediaService) LeaveRoom(ctx context.Context, roomID domain.RoomID, userID domain.UserID) bool {
	args := m.Called(ctx, roomID, userID)
	return args.Bool(0)
}

func (m *MockMediaService) GetRouterCapabilities(ctx context.Context, roomID domain.RoomID) (domain.RtpCapabilities, error) {
	args := m.Called(ctx, roomID)
	return args.Get(0).(domain.RtpCapabilities), args.Error(1)
}

func (m *MockMediaService) CreateTransport(ctx context.Context, roomID domain.RoomID, userID domain.UserID, opts domain.TransportOptions) (*domain.TransportInfo, error) {
	args := m.Called(ctx, roomID, userID, opts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.TransportInfo), args.Error(1)
}

func (m *MockMediaService) ConnectTransport(ctx context.Context, userID domain.UserID, req domain.ConnectTransportRequest) error {
	args := m.Called(ctx, userID, req)
	return args.Error(0)
}

func (m *MockMediaService) Produce(ctx context.Context, userID domain.UserID, req domain.ProduceRequest) (*domain.ProducerInfo, error) {
	args := m.Called(ctx, userID, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.ProducerInfo), args.Error(1)
}

func (m *MockMediaService) Consume(ctx context.Context, userID domain.UserID, req domain.ConsumeRequest) (*domain.ConsumerInfo, error) {
	args := m.Called(ctx, userID, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.ConsumerInfo), args.Error(1)
}

func (m *MockMediaService) ResumeConsumer(ctx context.Context, userID domain.UserID, consumerID string) error {
	args := m.Called(ctx, userID, consumerID)
	return args.Error(0)
}

func (m *MockMediaService) CloseProducer(ctx context.Context, userID domain.UserID, producerID string) (bool, error) {
	args := m.Called(ctx, userID, producerID)
	return args.Bool(0), args.Error(1)
}

func (m *MockMediaService) ListProducers(roomID domain.RoomID) []domain.ProducerInfo {
	args := m.Called(roomID)
	return args.Get(0).([]domain.ProducerInfo)
}

type frame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId"`
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data"`
	Message   string          `json:"message"`
	Code      string          `json:"code"`
}

func (f frame) decode(t *testing.T, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(f.Data, v))
}

type relayFixture struct {
	media    *MockMediaService
	hub      *Hub
	auth     services.AuthService
	calls    *services.CallService
	voice    *services.VoiceChannelService
	presence *services.PresenceService
	server   *httptest.Server
}

func newRelayFixture(t *testing.T, cfg ServerConfig) *relayFixture {
	logger := zap.NewNop().Sugar()
	users := memory.NewMemoryUserRepository()
	require.NoError(t, users.Upsert(context.Background(), &domain.User{ID: "alice", Username: "Alice"}))

	f := &relayFixture{
		media: new(MockMediaService),
		hub:   NewHub(nil, logger),
		auth:  services.NewAuthService("test-secret", time.Hour),
	}
	f.calls = services.NewCallService(users, memory.NewMemoryNotificationStore(logger), nil, logger)
	f.voice = services.NewVoiceChannelService(logger)
	f.presence = services.NewPresenceService(memory.NewMemoryPresenceStore(), users, f.hub, nil, logger)

	relay := NewRelay(f.hub, f.media, f.calls, f.voice, f.presence, nil, logger)
	server := NewWebSocketServer(cfg, f.auth, f.hub, relay, logger)
	f.server = httptest.NewServer(http.HandlerFunc(server.HandleWebSocket))

	t.Cleanup(func() {
		assert.Eventually(t, func() bool { return f.hub.ConnectionCount() == 0 }, 2*time.Second, 5*time.Millisecond)
		f.server.Close()
	})
	return f
}

type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
	seq  int
}

func (f *relayFixture) dial(t *testing.T, userID domain.UserID) *wsClient {
	t.Helper()
	token, err := f.auth.GenerateToken(userID, "")
	require.NoError(t, err)

	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.Eventually(t, func() bool { return f.presence.IsOnline(userID) }, time.Second, 5*time.Millisecond)
	return &wsClient{t: t, conn: conn}
}

func (c *wsClient) send(event string, payload any) string {
	c.t.Helper()
	c.seq++
	id := fmt.Sprintf("req-%d", c.seq)

	raw, err := json.Marshal(payload)
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteJSON(SignalMessage{Type: event, RequestID: id, Payload: raw}))
	return id
}

// expect reads frames until one matches, skipping the rest.
func (c *wsClient) expect(match func(frame) bool) frame {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var f frame
		require.NoError(c.t, c.conn.ReadJSON(&f))
		if match(f) {
			return f
		}
	}
}

func (c *wsClient) reply(requestID string) frame {
	c.t.Helper()
	return c.expect(func(f frame) bool { return f.RequestID == requestID })
}

func (c *wsClient) event(name string) frame {
	c.t.Helper()
	return c.expect(func(f frame) bool { return f.Type == name })
}

func (c *wsClient) request(event string, payload any) frame {
	c.t.Helper()
	return c.reply(c.send(event, payload))
}

func TestWebSocketServer_RejectsMissingToken(t *testing.T) {
	f := newRelayFixture(t, ServerConfig{})

	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(url+"?token=garbage", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWebSocketServer_BearerHeader(t *testing.T) {
	f := newRelayFixture(t, ServerConfig{})
	token, err := f.auth.GenerateToken("alice", "Alice")
	require.NoError(t, err)

	header := http.Header{"Authorization": []string{"Bearer " + token}}
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(f.server.URL, "http")+"/ws", header)
	require.NoError(t, err)
	defer conn.Close()

	assert.Eventually(t, func() bool { return f.hub.IsConnected("alice") }, time.Second, 5*time.Millisecond)
}

func TestRelay_JoinRoomAndProduce(t *testing.T) {
	f := newRelayFixture(t, ServerConfig{})
	caps := domain.RtpCapabilities{Codecs: []domain.RtpCodecCapability{{Kind: domain.MediaKindAudio, MimeType: "audio/opus", ClockRate: 48000}}}

	f.media.On("JoinRoom", mock.Anything, domain.RoomID("r1"), domain.UserID("alice")).Return(&domain.RoomSnapshot{
		RoomID: "r1", RtpCapabilities: caps, Peers: []domain.UserID{}, Producers: []domain.ProducerInfo{},
	}, nil)
	f.media.On("JoinRoom", mock.Anything, domain.RoomID("r1"), domain.UserID("bob")).Return(&domain.RoomSnapshot{
		RoomID: "r1", RtpCapabilities: caps, Peers: []domain.UserID{"alice"}, Producers: []domain.ProducerInfo{},
	}, nil)
	f.media.On("Produce", mock.Anything, domain.UserID("alice"), mock.MatchedBy(func(r domain.ProduceRequest) bool {
		return r.TransportID == "t1" && r.Kind == domain.MediaKindAudio
	})).Return(&domain.ProducerInfo{ID: "p1", RoomID: "r1", UserID: "alice", Kind: domain.MediaKindAudio}, nil)
	f.media.On("ListProducers", domain.RoomID("r1")).Return([]domain.ProducerInfo{
		{ID: "p1", RoomID: "r1", UserID: "alice", Kind: domain.MediaKindAudio},
	})
	f.media.On("LeaveRoom", mock.Anything, domain.RoomID("r1"), mock.Anything).Return(true).Maybe()

	alice := f.dial(t, "alice")
	bob := f.dial(t, "bob")

	ack := alice.request(EventJoinRoom, roomPayload{RoomID: "r1"})
	require.Equal(t, EventAck, ack.Type)
	assert.Equal(t, EventJoinRoom, ack.Event)
	var snapshot domain.RoomSnapshot
	ack.decode(t, &snapshot)
	assert.Equal(t, caps, snapshot.RtpCapabilities)

	ack = bob.request(EventJoinRoom, roomPayload{RoomID: "r1"})
	ack.decode(t, &snapshot)
	assert.Equal(t, []domain.UserID{"alice"}, snapshot.Peers)

	var joined peerEvent
	alice.event(EventPeerJoined).decode(t, &joined)
	assert.Equal(t, peerEvent{RoomID: "r1", UserID: "bob"}, joined)

	ack = alice.request(EventProduce, domain.ProduceRequest{TransportID: "t1", Kind: domain.MediaKindAudio})
	var produced producerPayload
	ack.decode(t, &produced)
	assert.Equal(t, "p1", produced.ProducerID)

	var announced newProducerEvent
	bob.event(EventNewProducer).decode(t, &announced)
	assert.Equal(t, newProducerEvent{ProducerID: "p1", UserID: "alice", Kind: domain.MediaKindAudio}, announced)

	var listed struct {
		Producers []domain.ProducerInfo `json:"producers"`
	}
	alice.request(EventGetProducers, roomPayload{RoomID: "r1"}).decode(t, &listed)
	assert.Empty(t, listed.Producers, "own producers are excluded")
	bob.request(EventGetProducers, roomPayload{RoomID: "r1"}).decode(t, &listed)
	assert.Len(t, listed.Producers, 1)
}

func TestRelay_ErrorsGoToTheSenderOnly(t *testing.T) {
	f := newRelayFixture(t, ServerConfig{})
	f.media.On("Consume", mock.Anything, domain.UserID("alice"), mock.Anything).Return(nil, domain.ErrCannotConsume)
	f.media.On("CloseProducer", mock.Anything, domain.UserID("alice"), "p9").Return(false, domain.ErrNotResourceOwner)

	alice := f.dial(t, "alice")

	reply := alice.request(EventConsume, domain.ConsumeRequest{TransportID: "t1", ProducerID: "p1"})
	assert.Equal(t, EventError, reply.Type)
	assert.Equal(t, EventConsume, reply.Event)
	assert.Equal(t, "CAPABILITY_MISMATCH", reply.Code)
	assert.NotEmpty(t, reply.Message)

	reply = alice.request(EventCloseProducer, producerPayload{ProducerID: "p9"})
	assert.Equal(t, "PERMISSION_DENIED", reply.Code)

	reply = alice.request(EventConsume, map[string]string{"transportId": "t1"})
	assert.Equal(t, "INVALID_INPUT", reply.Code, "producerId is required")

	reply = alice.request("no-such-event", nil)
	assert.Equal(t, EventError, reply.Type)
	assert.Equal(t, "INVALID_INPUT", reply.Code)

	require.NoError(t, alice.conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	reply = alice.event(EventError)
	assert.Equal(t, "INVALID_INPUT", reply.Code)
}

func TestRelay_RecoversFromPanics(t *testing.T) {
	f := newRelayFixture(t, ServerConfig{})
	f.media.On("GetRouterCapabilities", mock.Anything, domain.RoomID("boom")).Panic("router exploded")

	alice := f.dial(t, "alice")

	reply := alice.request(EventGetRouterCapabilities, roomPayload{RoomID: "boom"})
	assert.Equal(t, EventError, reply.Type)
	assert.Equal(t, "INTERNAL_ERROR", reply.Code)

	reply = alice.request(EventPresencePing, nil)
	assert.Equal(t, EventAck, reply.Type, "the connection survives")
}

func TestRelay_RateLimit(t *testing.T) {
	f := newRelayFixture(t, ServerConfig{MessagesPerSecond: 0.001, Burst: 1})
	alice := f.dial(t, "alice")

	first := alice.send(EventPresencePing, nil)
	second := alice.send(EventPresencePing, nil)

	assert.Equal(t, EventAck, alice.reply(first).Type)
	reply := alice.reply(second)
	assert.Equal(t, EventError, reply.Type)
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", reply.Code)
}

func TestRelay_CallFlow(t *testing.T) {
	f := newRelayFixture(t, ServerConfig{})
	alice := f.dial(t, "alice")
	bob := f.dial(t, "bob")

	var users voiceAck
	alice.request(EventJoinVoiceChannel, channelPayload{ChannelID: "lobby"}).decode(t, &users)
	assert.Equal(t, []domain.UserID{"alice"}, users.Users)
	bob.request(EventJoinVoiceChannel, voiceJoinPayload{ChannelID: "lobby", VoiceJoinOptions: domain.VoiceJoinOptions{ListenOnly: true}}).decode(t, &users)
	assert.Equal(t, []domain.UserID{"alice", "bob"}, users.Users)

	var member voiceMemberEvent
	alice.event(EventVoiceUserJoined).decode(t, &member)
	assert.Equal(t, voiceMemberEvent{ChannelID: "lobby", UserID: "bob", ListenOnly: true}, member)

	var call domain.Call
	alice.request(EventCallStart, channelPayload{ChannelID: "lobby"}).decode(t, &call)
	assert.Equal(t, domain.UserID("alice"), call.InitiatorID)

	var started domain.Call
	bob.event(EventCallStarted).decode(t, &started)
	assert.Equal(t, call.ID, started.ID)

	var joined domain.Call
	bob.request(EventCallJoin, callPayload{CallID: call.ID}).decode(t, &joined)
	assert.Equal(t, []domain.UserID{"alice", "bob"}, joined.ParticipantIDs())

	var participant callParticipantEvent
	alice.event(EventCallParticipantJoined).decode(t, &participant)
	assert.Equal(t, domain.UserID("bob"), participant.UserID)

	offer := json.RawMessage(`{"type":"offer","sdp":"v=0\r\no=- 1 1 IN IP4 0.0.0.0\r\n"}`)
	alice.request(EventCallOffer, callSignalPayload{CallID: call.ID, ReceiverID: "bob", Payload: offer})

	var relayed callSignalEvent
	bob.event(EventCallOffer).decode(t, &relayed)
	assert.Equal(t, domain.UserID("alice"), relayed.SenderID)
	assert.JSONEq(t, string(offer), string(relayed.Payload))

	muted := false
	alice.request(EventCallMediaState, callMediaStatePayload{CallID: call.ID, MediaStateUpdate: domain.MediaStateUpdate{Audio: &muted}})
	var state mediaStateEvent
	bob.event(EventCallMediaState).decode(t, &state)
	assert.Equal(t, domain.MediaState{}, state.MediaState)

	reply := bob.request(EventCallEnd, callPayload{CallID: call.ID})
	assert.Equal(t, "PERMISSION_DENIED", reply.Code)

	alice.request(EventCallEnd, callPayload{CallID: call.ID})
	var ended callEndedEvent
	bob.event(EventCallEnded).decode(t, &ended)
	assert.Equal(t, call.ID, ended.CallID)

	reply = bob.request(EventCallICECandidate, callSignalPayload{CallID: call.ID, ReceiverID: "alice", Payload: json.RawMessage(`{}`)})
	assert.Equal(t, EventError, reply.Type, "signals on ended calls are refused")
}

func TestRelay_TypingAndPresence(t *testing.T) {
	f := newRelayFixture(t, ServerConfig{})
	alice := f.dial(t, "alice")
	bob := f.dial(t, "bob")

	bob.request(EventChannelSubscribe, channelPayload{ChannelID: "lobby"})
	alice.request(EventTypingStart, channelPayload{ChannelID: "lobby"})

	var typing typingEvent
	bob.event(EventUserTyping).decode(t, &typing)
	assert.Equal(t, typingEvent{ChannelID: "lobby", UserID: "alice", Typing: true}, typing)

	bob.request(EventChannelUnsubscribe, channelPayload{ChannelID: "lobby"})
	alice.request(EventTypingStop, channelPayload{ChannelID: "lobby"})
	ping := bob.send(EventPresencePing, nil)
	bob.expect(func(f frame) bool {
		assert.NotEqual(t, EventUserTyping, f.Type, "unsubscribed connections get no typing notices")
		return f.RequestID == ping
	})

	alice.request(EventPresenceStatus, statusPayload{Status: domain.StatusInvisible})
	var presence domain.PresenceEvent
	bob.event(services.EventPresenceStatus).decode(t, &presence)
	assert.Equal(t, domain.UserID("alice"), presence.UserID)
	assert.Equal(t, domain.StatusOffline, presence.Status, "invisible users look offline")

	reply := alice.request(EventPresenceStatus, statusPayload{Status: "asleep"})
	assert.Equal(t, "INVALID_INPUT", reply.Code)
}

func TestRelay_DisconnectCleansUp(t *testing.T) {
	f := newRelayFixture(t, ServerConfig{})
	f.media.On("JoinRoom", mock.Anything, domain.RoomID("r1"), mock.Anything).Return(&domain.RoomSnapshot{RoomID: "r1"}, nil)
	f.media.On("LeaveRoom", mock.Anything, domain.RoomID("r1"), domain.UserID("alice")).Return(true).Once()
	f.media.On("LeaveRoom", mock.Anything, domain.RoomID("r1"), domain.UserID("bob")).Return(true).Maybe()

	alice := f.dial(t, "alice")
	bob := f.dial(t, "bob")

	alice.request(EventJoinVoiceChannel, channelPayload{ChannelID: "lobby"})
	bob.request(EventJoinVoiceChannel, channelPayload{ChannelID: "lobby"})
	var call domain.Call
	alice.request(EventCallStart, channelPayload{ChannelID: "lobby"}).decode(t, &call)
	bob.request(EventCallJoin, callPayload{CallID: call.ID})
	alice.request(EventJoinRoom, roomPayload{RoomID: "r1"})
	bob.request(EventJoinRoom, roomPayload{RoomID: "r1"})

	require.NoError(t, alice.conn.Close())

	var offline domain.PresenceEvent
	bob.event(services.EventPresenceOffline).decode(t, &offline)
	assert.Equal(t, domain.UserID("alice"), offline.UserID)

	var member voiceMemberEvent
	bob.event(EventVoiceUserLeft).decode(t, &member)
	assert.Equal(t, domain.UserID("alice"), member.UserID)

	var left callParticipantEvent
	bob.event(EventCallParticipantLeft).decode(t, &left)
	assert.Equal(t, domain.UserID("alice"), left.UserID)

	var peer peerEvent
	bob.event(EventPeerLeft).decode(t, &peer)
	assert.Equal(t, peerEvent{RoomID: "r1", UserID: "alice"}, peer)

	assert.Eventually(t, func() bool { return !f.hub.IsConnected("alice") }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []domain.UserID{"bob"}, f.voice.GetUsersInVoiceChannel("lobby"))
	current, err := f.calls.GetCall(call.ID)
	require.NoError(t, err)
	assert.True(t, current.Active)
	assert.Equal(t, []domain.UserID{"bob"}, current.ParticipantIDs())
	assert.False(t, f.presence.IsOnline("alice"))
	f.media.AssertCalled(t, "LeaveRoom", mock.Anything, domain.RoomID("r1"), domain.UserID("alice"))
}

func TestRelay_DisconnectKeepsWhatAnotherTabHolds(t *testing.T) {
	f := newRelayFixture(t, ServerConfig{})
	f.media.On("JoinRoom", mock.Anything, domain.RoomID("r1"), mock.Anything).Return(&domain.RoomSnapshot{RoomID: "r1"}, nil)
	f.media.On("LeaveRoom", mock.Anything, domain.RoomID("r1"), domain.UserID("alice")).Return(true).Once()

	tab1 := f.dial(t, "alice")
	tab2 := f.dial(t, "alice")
	bob := f.dial(t, "bob")

	tab1.request(EventJoinVoiceChannel, channelPayload{ChannelID: "lobby"})
	tab2.request(EventJoinVoiceChannel, channelPayload{ChannelID: "lobby"})
	bob.request(EventJoinVoiceChannel, channelPayload{ChannelID: "lobby"})
	var call domain.Call
	tab1.request(EventCallStart, channelPayload{ChannelID: "lobby"}).decode(t, &call)
	tab2.request(EventCallJoin, callPayload{CallID: call.ID})
	bob.request(EventCallJoin, callPayload{CallID: call.ID})
	tab1.request(EventJoinRoom, roomPayload{RoomID: "r1"})
	tab2.request(EventJoinRoom, roomPayload{RoomID: "r1"})

	require.NoError(t, tab1.conn.Close())
	require.Eventually(t, func() bool { return f.hub.ConnectionCount() == 2 }, time.Second, 5*time.Millisecond)

	assert.True(t, f.presence.IsOnline("alice"))
	assert.Equal(t, []domain.UserID{"alice", "bob"}, f.voice.GetUsersInVoiceChannel("lobby"))
	current, err := f.calls.GetCall(call.ID)
	require.NoError(t, err)
	assert.True(t, current.Active)
	assert.Equal(t, []domain.UserID{"alice", "bob"}, current.ParticipantIDs())
	f.media.AssertNotCalled(t, "LeaveRoom", mock.Anything, domain.RoomID("r1"), domain.UserID("alice"))

	require.NoError(t, tab2.conn.Close())

	var left callParticipantEvent
	bob.event(EventCallParticipantLeft).decode(t, &left)
	assert.Equal(t, domain.UserID("alice"), left.UserID)

	require.Eventually(t, func() bool { return !f.hub.IsConnected("alice") }, time.Second, 5*time.Millisecond)
	assert.False(t, f.presence.IsOnline("alice"))
	assert.Equal(t, []domain.UserID{"bob"}, f.voice.GetUsersInVoiceChannel("lobby"))
	current, err = f.calls.GetCall(call.ID)
	require.NoError(t, err)
	assert.Equal(t, []domain.UserID{"bob"}, current.ParticipantIDs())
	f.media.AssertNumberOfCalls(t, "LeaveRoom", 1)
}

func TestRelay_EndedCallReleasesEveryParticipant(t *testing.T) {
	f := newRelayFixture(t, ServerConfig{})
	alice := f.dial(t, "alice")
	bob := f.dial(t, "bob")

	var call domain.Call
	alice.request(EventCallStart, channelPayload{ChannelID: "lobby"}).decode(t, &call)
	bob.request(EventCallJoin, callPayload{CallID: call.ID})

	alice.request(EventCallEnd, callPayload{CallID: call.ID})
	bob.event(EventCallEnded)
	assert.Empty(t, f.hub.Members(domain.CallRoomChannel(call.ID)))

	require.NoError(t, bob.conn.Close())
	require.Eventually(t, func() bool { return !f.hub.IsConnected("bob") }, time.Second, 5*time.Millisecond)

	ping := alice.send(EventPresencePing, nil)
	alice.expect(func(f frame) bool {
		assert.NotEqual(t, EventCallParticipantLeft, f.Type, "an ended call has no one left to leave")
		return f.RequestID == ping
	})

	ended, err := f.calls.GetCall(call.ID)
	require.NoError(t, err)
	assert.False(t, ended.Active)
	assert.Equal(t, []domain.UserID{"alice", "bob"}, ended.ParticipantIDs())
}
