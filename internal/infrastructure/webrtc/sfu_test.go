package webrtc

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"huddle/internal/core/domain"
	"huddle/internal/core/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouterRegistry_ConcurrentCreateSharesOneRouter(t *testing.T) {
	f := newSFUFixture(t, 2)
	ctx := context.Background()

	var wg sync.WaitGroup
	routers := make([]*Router, 10)
	for i := range routers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := f.sfu.routers.GetOrCreateRouter(ctx, "r1")
			assert.NoError(t, err)
			routers[i] = r
		}(i)
	}
	wg.Wait()

	for _, r := range routers {
		assert.Same(t, routers[0], r)
	}
	total := 0
	for _, w := range f.spawner.all() {
		total += w.callsTo("router.create")
	}
	assert.Equal(t, 1, total)
	assert.Equal(t, "r1", routers[0].ID)
}

func TestRouterRegistry_CreationOutlivesTheFirstCaller(t *testing.T) {
	f := newSFUFixture(t, 1)
	w := f.spawner.all()[0]

	entered := make(chan struct{})
	release := make(chan struct{})
	w.hooks["router.create"] = func() {
		close(entered)
		<-release
	}

	first, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := f.sfu.routers.GetOrCreateRouter(first, "r1")
		firstErr <- err
	}()
	<-entered

	secondErr := make(chan error, 1)
	go func() {
		_, err := f.sfu.routers.GetOrCreateRouter(context.Background(), "r1")
		secondErr <- err
	}()

	cancel()
	assert.ErrorIs(t, <-firstErr, context.Canceled)

	close(release)
	require.NoError(t, <-secondErr)
	_, ok := f.sfu.routers.GetRouter("r1")
	assert.True(t, ok)
	assert.Equal(t, 1, w.callsTo("router.create"))
}

func TestRouterRegistry_GetRtpCapabilities(t *testing.T) {
	f := newSFUFixture(t, 1)

	_, err := f.sfu.routers.GetRtpCapabilities("missing")
	assert.ErrorIs(t, err, domain.ErrRouterNotFound)

	caps, err := f.sfu.GetRouterCapabilities(context.Background(), "r1")
	require.NoError(t, err)
	assert.Len(t, caps.Codecs, 3)

	again, err := f.sfu.routers.GetRtpCapabilities("r1")
	require.NoError(t, err)
	assert.Equal(t, caps, again)
}

func TestRouterRegistry_RoundRobinAcrossRooms(t *testing.T) {
	f := newSFUFixture(t, 2)
	ctx := context.Background()

	r1, err := f.sfu.routers.GetOrCreateRouter(ctx, "r1")
	require.NoError(t, err)
	r2, err := f.sfu.routers.GetOrCreateRouter(ctx, "r2")
	require.NoError(t, err)
	assert.NotEqual(t, r1.Worker.ID(), r2.Worker.ID())
}

func TestWorkerDeath_EvictsRoutersAndPurgesTransports(t *testing.T) {
	f := newSFUFixture(t, 2)
	ctx := context.Background()

	sendID := f.transport(t, "r1", "alice", true)
	dead := f.workerOf(t, "r1")
	router, _ := f.sfu.routers.GetRouter("r1")

	dead.kill()

	require.Eventually(t, func() bool {
		_, ok := f.sfu.routers.GetRouter("r1")
		return !ok
	}, time.Second, 5*time.Millisecond)
	assert.True(t, router.Closed())

	require.Eventually(t, func() bool {
		_, err := f.sfu.transports.GetTransport(sendID)
		return err != nil
	}, time.Second, 5*time.Millisecond)

	room, ok := f.sfu.rooms.GetRoom("r1")
	require.True(t, ok)
	assert.Empty(t, room.Peers[0].Transports)

	require.Eventually(t, func() bool { return f.sfu.WorkersAlive() == 2 }, time.Second, 5*time.Millisecond)

	fresh, err := f.sfu.routers.GetOrCreateRouter(ctx, "r1")
	require.NoError(t, err)
	assert.NotSame(t, router, fresh)
	assert.NotEqual(t, dead.ID(), fresh.Worker.ID())

	// The client rejoins with a new transport on the new router.
	f.transport(t, "r1", "alice", true)
	room, _ = f.sfu.rooms.GetRoom("r1")
	assert.Equal(t, "r1", room.RouterID)
	assert.Len(t, room.Peers[0].Transports, 1)
}

func TestCreateTransport_Bitrates(t *testing.T) {
	f := newSFUFixture(t, 1)

	sendID := f.transport(t, "r1", "alice", true)
	recvID := f.transport(t, "r1", "alice", false)
	w := f.workerOf(t, "r1")

	w.mu.Lock()
	send, recv := w.transports[sendID], w.transports[recvID]
	w.mu.Unlock()

	assert.Equal(t, domain.DirectionSend, send.Direction)
	assert.Equal(t, uint32(1_000_000), send.InitialAvailableOutgoingBitrate)
	assert.Equal(t, domain.DirectionRecv, recv.Direction)
	assert.Equal(t, uint32(600_000), recv.MaxIncomingBitrate)
	assert.Greater(t, send.InitialAvailableOutgoingBitrate, recv.MaxIncomingBitrate)
}

func TestCreateTransport_ReturnsParametersAndIndexes(t *testing.T) {
	f := newSFUFixture(t, 1)

	info, err := f.sfu.CreateTransport(context.Background(), "r1", "alice", domain.TransportOptions{
		Producing:        true,
		SctpCapabilities: &domain.SctpCapabilities{NumStreams: domain.NumSctpStreams{OS: 1024, MIS: 1024}},
	})
	require.NoError(t, err)

	assert.NotEmpty(t, info.ID)
	assert.NotEmpty(t, info.IceParameters.UsernameFragment)
	assert.NotEmpty(t, info.IceCandidates)
	assert.NotEmpty(t, info.DtlsParameters.Fingerprints)

	roomID, ok := f.sfu.rooms.RoomOfTransport(info.ID)
	assert.True(t, ok)
	assert.Equal(t, domain.RoomID("r1"), roomID)
	assert.True(t, f.sfu.rooms.HasPeer("r1", "alice"), "creating a transport joins the room")

	w := f.workerOf(t, "r1")
	w.mu.Lock()
	opts := w.transports[info.ID]
	w.mu.Unlock()
	assert.True(t, opts.EnableSctp)
	assert.Equal(t, uint16(1024), opts.NumSctpStreams.OS)
}

func TestCreateTransport_InvalidDirection(t *testing.T) {
	f := newSFUFixture(t, 1)

	for _, opts := range []domain.TransportOptions{
		{Producing: true, Consuming: true},
		{},
	} {
		_, err := f.sfu.CreateTransport(context.Background(), "r1", "alice", opts)
		assert.ErrorIs(t, err, domain.ErrInvalidTransportDirection)
	}
	assert.Equal(t, 0, f.spawner.all()[0].callsTo("transport.create"))
	assert.False(t, f.sfu.rooms.HasPeer("r1", "alice"))
}

func TestCreateTransport_NoWorkers(t *testing.T) {
	f := newSFUFixture(t, 1)
	require.NoError(t, f.sfu.Close())

	_, err := f.sfu.CreateTransport(context.Background(), "r1", "alice", domain.TransportOptions{Producing: true})
	assert.ErrorIs(t, err, domain.ErrNoWorkersAvailable)
}

func TestConnectTransport(t *testing.T) {
	f := newSFUFixture(t, 1)
	ctx := context.Background()
	id := f.transport(t, "r1", "alice", true)

	err := f.sfu.ConnectTransport(ctx, "alice", domain.ConnectTransportRequest{TransportID: "nope"})
	assert.ErrorIs(t, err, domain.ErrTransportNotFound)

	err = f.sfu.ConnectTransport(ctx, "mallory", domain.ConnectTransportRequest{TransportID: id})
	assert.ErrorIs(t, err, domain.ErrNotResourceOwner)

	require.NoError(t, f.sfu.ConnectTransport(ctx, "alice", domain.ConnectTransportRequest{
		TransportID:    id,
		DtlsParameters: domain.DtlsParameters{Role: "client"},
	}))
	assert.Equal(t, 1, f.workerOf(t, "r1").callsTo("transport.connect"))

	assert.True(t, f.sfu.transports.Close(ctx, id))
	assert.False(t, f.sfu.transports.Close(ctx, id))
	err = f.sfu.ConnectTransport(ctx, "alice", domain.ConnectTransportRequest{TransportID: id})
	assert.Error(t, err)
}

func TestProduce_Validation(t *testing.T) {
	f := newSFUFixture(t, 1)
	ctx := context.Background()
	sendID := f.transport(t, "r1", "alice", true)
	recvID := f.transport(t, "r1", "alice", false)

	cases := []struct {
		name    string
		userID  domain.UserID
		req     domain.ProduceRequest
		wantErr error
	}{
		{
			name:    "unknown transport",
			userID:  "alice",
			req:     domain.ProduceRequest{TransportID: "nope", Kind: domain.MediaKindAudio, RtpParameters: opusParams()},
			wantErr: domain.ErrTransportNotFound,
		},
		{
			name:    "other user's transport",
			userID:  "bob",
			req:     domain.ProduceRequest{TransportID: sendID, Kind: domain.MediaKindAudio, RtpParameters: opusParams()},
			wantErr: domain.ErrNotResourceOwner,
		},
		{
			name:    "receive transport",
			userID:  "alice",
			req:     domain.ProduceRequest{TransportID: recvID, Kind: domain.MediaKindAudio, RtpParameters: opusParams()},
			wantErr: domain.ErrInvalidTransportDirection,
		},
		{
			name:    "kind mismatch",
			userID:  "alice",
			req:     domain.ProduceRequest{TransportID: sendID, Kind: domain.MediaKindVideo, RtpParameters: opusParams()},
			wantErr: domain.ErrCapabilityMismatch,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.sfu.Produce(ctx, tc.userID, tc.req)
			assert.ErrorIs(t, err, tc.wantErr)
		})
	}
	assert.Equal(t, 0, f.workerOf(t, "r1").callsTo("producer.create"))
}

func TestProduce_TransportClosedDuringWorkerCall(t *testing.T) {
	f := newSFUFixture(t, 1)
	ctx := context.Background()
	sendID := f.transport(t, "r1", "alice", true)
	w := f.workerOf(t, "r1")

	w.mu.Lock()
	w.hooks["producer.create"] = func() { f.sfu.transports.remove(ctx, sendID) }
	w.mu.Unlock()

	_, err := f.sfu.Produce(ctx, "alice", domain.ProduceRequest{
		TransportID:   sendID,
		Kind:          domain.MediaKindAudio,
		RtpParameters: opusParams(),
	})
	assert.ErrorIs(t, err, domain.ErrTransportClosed)
	assert.Empty(t, f.sfu.ListProducers("r1"))
	assert.Equal(t, 1, w.callsTo("producer.close"), "the worker-side producer is released")
}

func TestConsume_StartsPausedUntilResumed(t *testing.T) {
	f := newSFUFixture(t, 1)
	ctx := context.Background()

	producerID := f.produce(t, "alice", f.transport(t, "r1", "alice", true))
	recvID := f.transport(t, "r1", "bob", false)
	info := f.consume(t, "bob", recvID, producerID)

	assert.True(t, info.Paused)
	assert.Equal(t, producerID, info.ProducerID)
	assert.Equal(t, domain.MediaKindAudio, info.Kind)
	assert.Equal(t, uint32(4242), info.RtpParameters.Encodings[0].Ssrc)

	w := f.workerOf(t, "r1")
	w.mu.Lock()
	assert.True(t, w.paused[info.ID])
	w.mu.Unlock()

	assert.ErrorIs(t, f.sfu.ResumeConsumer(ctx, "alice", info.ID), domain.ErrNotResourceOwner)
	require.NoError(t, f.sfu.ResumeConsumer(ctx, "bob", info.ID))

	c, err := f.sfu.graph.GetConsumer(info.ID)
	require.NoError(t, err)
	assert.False(t, c.Paused())
	w.mu.Lock()
	assert.False(t, w.paused[info.ID])
	w.mu.Unlock()

	assert.ErrorIs(t, f.sfu.ResumeConsumer(ctx, "bob", "nope"), domain.ErrConsumerNotFound)
}

func TestConsume_CannotConsume(t *testing.T) {
	f := newSFUFixture(t, 2)
	ctx := context.Background()
	producerID := f.produce(t, "alice", f.transport(t, "r1", "alice", true))

	t.Run("receiver lacks codec", func(t *testing.T) {
		recvID := f.transport(t, "r1", "bob", false)
		caps := clientCaps(t)
		caps.Codecs = caps.Codecs[1:]

		_, err := f.sfu.Consume(ctx, "bob", domain.ConsumeRequest{TransportID: recvID, ProducerID: producerID, RtpCapabilities: caps})
		assert.ErrorIs(t, err, domain.ErrCannotConsume)
	})

	t.Run("producer lives in another room", func(t *testing.T) {
		recvID := f.transport(t, "r2", "bob", false)
		_, err := f.sfu.Consume(ctx, "bob", domain.ConsumeRequest{TransportID: recvID, ProducerID: producerID, RtpCapabilities: clientCaps(t)})
		assert.ErrorIs(t, err, domain.ErrCannotConsume)
	})

	t.Run("unknown producer", func(t *testing.T) {
		recvID := f.transport(t, "r1", "carol", false)
		_, err := f.sfu.Consume(ctx, "carol", domain.ConsumeRequest{TransportID: recvID, ProducerID: "nope", RtpCapabilities: clientCaps(t)})
		assert.ErrorIs(t, err, domain.ErrProducerNotFound)
	})

	t.Run("send transport", func(t *testing.T) {
		sendID := f.transport(t, "r1", "dave", true)
		_, err := f.sfu.Consume(ctx, "dave", domain.ConsumeRequest{TransportID: sendID, ProducerID: producerID, RtpCapabilities: clientCaps(t)})
		assert.ErrorIs(t, err, domain.ErrInvalidTransportDirection)
	})
}

func TestCloseProducer_CascadesToConsumers(t *testing.T) {
	f := newSFUFixture(t, 1)
	ctx := context.Background()

	producerID := f.produce(t, "alice", f.transport(t, "r1", "alice", true))
	bobConsumer := f.consume(t, "bob", f.transport(t, "r1", "bob", false), producerID)
	carolConsumer := f.consume(t, "carol", f.transport(t, "r1", "carol", false), producerID)

	closed, err := f.sfu.CloseProducer(ctx, "bob", producerID)
	assert.ErrorIs(t, err, domain.ErrNotResourceOwner)
	assert.False(t, closed)

	closed, err = f.sfu.CloseProducer(ctx, "alice", producerID)
	require.NoError(t, err)
	assert.True(t, closed)

	closed, err = f.sfu.CloseProducer(ctx, "alice", producerID)
	require.NoError(t, err)
	assert.False(t, closed, "second close is a no-op")

	for _, id := range []string{bobConsumer.ID, carolConsumer.ID} {
		_, err := f.sfu.graph.GetConsumer(id)
		assert.ErrorIs(t, err, domain.ErrConsumerNotFound)
	}
	_, ok := f.sfu.rooms.OwnerOfProducer(producerID)
	assert.False(t, ok)

	producerClosed := f.broadcaster.named(EventProducerClosed)
	require.Len(t, producerClosed, 1)
	assert.Equal(t, "room:r1", producerClosed[0].Room)

	consumerClosed := f.broadcaster.named(EventConsumerClosed)
	require.Len(t, consumerClosed, 2)
	owners := []domain.UserID{consumerClosed[0].UserID, consumerClosed[1].UserID}
	assert.ElementsMatch(t, []domain.UserID{"bob", "carol"}, owners)

	w := f.workerOf(t, "r1")
	assert.Equal(t, 2, w.callsTo("consumer.close"))
	assert.Equal(t, 1, w.callsTo("producer.close"))
}

func TestCloseConsumer_Idempotent(t *testing.T) {
	f := newSFUFixture(t, 1)
	ctx := context.Background()

	producerID := f.produce(t, "alice", f.transport(t, "r1", "alice", true))
	c := f.consume(t, "bob", f.transport(t, "r1", "bob", false), producerID)

	assert.True(t, f.sfu.graph.CloseConsumer(ctx, c.ID))
	assert.False(t, f.sfu.graph.CloseConsumer(ctx, c.ID))
	assert.False(t, f.sfu.graph.CloseProducer(ctx, "nope"))

	room, _ := f.sfu.rooms.GetRoom("r1")
	for _, p := range room.Peers {
		assert.Empty(t, p.Consumers)
	}
}

func TestTransportClose_CascadesToProducersAndConsumers(t *testing.T) {
	f := newSFUFixture(t, 1)
	ctx := context.Background()

	sendID := f.transport(t, "r1", "alice", true)
	producerID := f.produce(t, "alice", sendID)
	c := f.consume(t, "bob", f.transport(t, "r1", "bob", false), producerID)

	assert.True(t, f.sfu.transports.Close(ctx, sendID))

	_, err := f.sfu.graph.GetProducer(producerID)
	assert.ErrorIs(t, err, domain.ErrProducerNotFound)
	_, err = f.sfu.graph.GetConsumer(c.ID)
	assert.ErrorIs(t, err, domain.ErrConsumerNotFound)
	_, ok := f.sfu.rooms.RoomOfTransport(sendID)
	assert.False(t, ok)
}

func TestDtlsFailure_ClosesTransport(t *testing.T) {
	f := newSFUFixture(t, 1)

	sendID := f.transport(t, "r1", "alice", true)
	producerID := f.produce(t, "alice", sendID)
	w := f.workerOf(t, "r1")

	data, _ := json.Marshal(map[string]string{"dtlsState": "connected"})
	w.emit(ports.WorkerNotification{Event: ports.NotificationDtlsStateChange, TargetID: sendID, Data: data})
	tr, err := f.sfu.transports.GetTransport(sendID)
	require.NoError(t, err)
	assert.Equal(t, domain.DtlsStateConnected, tr.DtlsState())

	data, _ = json.Marshal(map[string]string{"dtlsState": "failed"})
	w.emit(ports.WorkerNotification{Event: ports.NotificationDtlsStateChange, TargetID: sendID, Data: data})

	require.Eventually(t, func() bool {
		_, err := f.sfu.graph.GetProducer(producerID)
		return err != nil
	}, time.Second, 5*time.Millisecond)
	assert.True(t, tr.Closed())
	require.Eventually(t, func() bool { return w.callsTo("transport.close") == 1 }, time.Second, 5*time.Millisecond)
}

func TestWorkerTransportCloseNotification(t *testing.T) {
	f := newSFUFixture(t, 1)
	sendID := f.transport(t, "r1", "alice", true)

	f.workerOf(t, "r1").emit(ports.WorkerNotification{Event: ports.NotificationTransportClose, TargetID: sendID})

	require.Eventually(t, func() bool {
		_, ok := f.sfu.rooms.RoomOfTransport(sendID)
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestLeaveRoom_TeardownOrder(t *testing.T) {
	f := newSFUFixture(t, 1)
	ctx := context.Background()

	bobProducer := f.produce(t, "bob", f.transport(t, "r1", "bob", true))
	aliceProducer := f.produce(t, "alice", f.transport(t, "r1", "alice", true))
	f.consume(t, "alice", f.transport(t, "r1", "alice", false), bobProducer)
	f.consume(t, "bob", f.transport(t, "r1", "bob", false), aliceProducer)

	w := f.workerOf(t, "r1")
	w.mu.Lock()
	mark := len(w.calls)
	w.mu.Unlock()

	assert.True(t, f.sfu.LeaveRoom(ctx, "r1", "alice"))
	assert.False(t, f.sfu.LeaveRoom(ctx, "r1", "alice"))

	w.mu.Lock()
	calls := append([]string(nil), w.calls[mark:]...)
	w.mu.Unlock()

	assert.Equal(t, []string{
		"consumer.close", // alice's consumer of bob
		"consumer.close", // bob's consumer of alice, via the producer cascade
		"producer.close",
		"transport.close",
		"transport.close",
	}, calls)

	assert.Equal(t, []domain.UserID{"bob"}, f.sfu.rooms.Peers("r1"))
	room, ok := f.sfu.rooms.GetRoom("r1")
	require.True(t, ok)
	require.Len(t, room.Peers, 1)
	assert.Empty(t, room.Peers[0].Consumers, "bob's consumer of alice was pruned")
	assert.Len(t, room.Peers[0].Producers, 1)
	assert.Len(t, room.Peers[0].Transports, 2)
	assert.Equal(t, []domain.RoomID(nil), f.sfu.rooms.RoomsOfUser("alice"))
}

func TestLeaveRoom_LastPeerDropsRoomKeepsRouter(t *testing.T) {
	f := newSFUFixture(t, 1)
	ctx := context.Background()

	f.transport(t, "r1", "alice", true)
	assert.Equal(t, []domain.RoomID{"r1"}, f.sfu.rooms.RoomsOfUser("alice"))

	assert.True(t, f.sfu.LeaveRoom(ctx, "r1", "alice"))

	_, ok := f.sfu.rooms.GetRoom("r1")
	assert.False(t, ok)
	_, ok = f.sfu.routers.GetRouter("r1")
	assert.True(t, ok)
	assert.False(t, f.sfu.LeaveRoom(ctx, "r1", "alice"))
}

func TestJoinRoom_SnapshotExcludesOwnProducers(t *testing.T) {
	f := newSFUFixture(t, 1)
	ctx := context.Background()

	bobProducer := f.produce(t, "bob", f.transport(t, "r1", "bob", true))
	f.produce(t, "alice", f.transport(t, "r1", "alice", true))

	snapshot, err := f.sfu.JoinRoom(ctx, "r1", "alice")
	require.NoError(t, err)

	assert.Equal(t, domain.RoomID("r1"), snapshot.RoomID)
	assert.Equal(t, []domain.UserID{"bob"}, snapshot.Peers)
	require.Len(t, snapshot.Producers, 1)
	assert.Equal(t, bobProducer, snapshot.Producers[0].ID)
	assert.Equal(t, domain.UserID("bob"), snapshot.Producers[0].UserID)
	assert.NotEmpty(t, snapshot.RtpCapabilities.Codecs)
	assert.Len(t, f.sfu.ListProducers("r1"), 2)

	owner, ok := f.sfu.rooms.OwnerOfProducer(bobProducer)
	assert.True(t, ok)
	assert.Equal(t, domain.UserID("bob"), owner)
}

func TestRoomRegistry_RejectsResourcesOfAbsentPeer(t *testing.T) {
	f := newSFUFixture(t, 1)
	id := f.transport(t, "r1", "alice", true)

	assert.ErrorIs(t, f.sfu.rooms.AddTransportToPeer("r1", "bob", id), domain.ErrPeerNotFound)
	assert.ErrorIs(t, f.sfu.rooms.AddTransportToPeer("r9", "alice", id), domain.ErrRoomNotFound)

	f.sfu.transports.Close(context.Background(), id)
	assert.ErrorIs(t, f.sfu.rooms.AddTransportToPeer("r1", "alice", id), domain.ErrTransportClosed)
}

func TestSFUService_BoundedContext(t *testing.T) {
	s := &SFUService{cfg: SFUConfig{RequestTimeout: time.Second}}
	ctx, cancel := s.bounded(context.Background())
	defer cancel()
	deadline, ok := ctx.Deadline()
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(time.Second), deadline, 100*time.Millisecond)

	unbounded := &SFUService{}
	ctx, cancel = unbounded.bounded(context.Background())
	defer cancel()
	_, ok = ctx.Deadline()
	assert.False(t, ok)
}
