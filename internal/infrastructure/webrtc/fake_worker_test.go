package webrtc

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"huddle/internal/core/domain"
	"huddle/internal/core/ports"
	"huddle/pkg/ortc"
	"huddle/pkg/retry"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeWorker records calls and keeps just enough state to answer like a real worker.
type fakeWorker struct {
	settings ports.WorkerSettings

	mu         sync.Mutex
	calls      []string
	routers    map[string]bool
	transports map[string]domain.WebRtcTransportOptions
	producers  map[string]bool
	consumers  map[string]bool
	paused     map[string]bool
	notifyFn   func(ports.WorkerNotification)
	failNext   map[string]error
	// hooks run before a method returns, while the caller is suspended
	hooks map[string]func()

	done     chan struct{}
	doneOnce sync.Once
}

func newFakeWorker(settings ports.WorkerSettings) *fakeWorker {
	return &fakeWorker{
		settings:   settings,
		routers:    make(map[string]bool),
		transports: make(map[string]domain.WebRtcTransportOptions),
		producers:  make(map[string]bool),
		consumers:  make(map[string]bool),
		paused:     make(map[string]bool),
		failNext:   make(map[string]error),
		hooks:      make(map[string]func()),
		done:       make(chan struct{}),
	}
}

func (w *fakeWorker) ID() string { return w.settings.ID }
func (w *fakeWorker) Settings() ports.WorkerSettings { return w.settings }
func (w *fakeWorker) Done() <-chan struct{} { return w.done }
func (w *fakeWorker) Close() error { w.kill(); return nil }
func (w *fakeWorker) kill() { w.doneOnce.Do(func() { close(w.done) }) }
func (w *fakeWorker) OnNotification(fn func(ports.WorkerNotification)) {
	w.mu.Lock()
	w.notifyFn = fn
	w.mu.Unlock()
}

func (w *fakeWorker) emit(n ports.WorkerNotification) {
	w.mu.Lock()
	fn := w.notifyFn
	w.mu.Unlock()
	if fn != nil {
		fn(n)
	}
}

func (w *fakeWorker) record(method string) error {
	w.mu.Lock()
	w.calls = append(w.calls, method)
	err := w.failNext[method]
	delete(w.failNext, method)
	hook := w.hooks[method]
	delete(w.hooks, method)
	w.mu.Unlock()

	if hook != nil {
		hook()
	}
	select {
	case <-w.done:
		return domain.ErrWorkerClosed
	default:
	}
	return err
}

func (w *fakeWorker) callsTo(method string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, c := range w.calls {
		if c == method {
			n++
		}
	}
	return n
}

func (w *fakeWorker) CreateRouter(ctx context.Context, routerID string, _ domain.RtpCapabilities) error {
	if err := w.record("router.create"); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	w.mu.Lock()
	w.routers[routerID] = true
	w.mu.Unlock()
	return nil
}

func (w *fakeWorker) CreateTransport(_ context.Context, routerID, transportID string, opts domain.WebRtcTransportOptions) (*domain.TransportParameters, error) {
	if err := w.record("transport.create"); err != nil {
		return nil, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.routers[routerID] {
		return nil, domain.ErrRouterNotFound
	}
	w.transports[transportID] = opts
	return &domain.TransportParameters{
		IceParameters:  domain.IceParameters{UsernameFragment: "ufrag-" + transportID[:4], Password: "pwd", IceLite: true},
		IceCandidates:  []domain.IceCandidate{{Foundation: "1", IP: "127.0.0.1", Protocol: "udp", Port: w.settings.Ports.Min, Type: "host"}},
		DtlsParameters: domain.DtlsParameters{Role: "auto", Fingerprints: []domain.DtlsFingerprint{{Algorithm: "sha-256", Value: "AA:BB"}}},
	}, nil
}

func (w *fakeWorker) ConnectTransport(_ context.Context, req domain.ConnectTransportRequest) error {
	if err := w.record("transport.connect"); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.transports[req.TransportID]; !ok {
		return domain.ErrTransportNotFound
	}
	return nil
}

func (w *fakeWorker) CloseTransport(_ context.Context, transportID string) error {
	if err := w.record("transport.close"); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.transports[transportID]; !ok {
		return domain.ErrTransportNotFound
	}
	delete(w.transports, transportID)
	return nil
}

func (w *fakeWorker) Produce(_ context.Context, transportID, producerID string, _ domain.MediaKind, _ domain.RtpParameters) error {
	if err := w.record("producer.create"); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.transports[transportID]; !ok {
		return domain.ErrTransportNotFound
	}
	w.producers[producerID] = true
	return nil
}

func (w *fakeWorker) CloseProducer(_ context.Context, producerID string) error {
	if err := w.record("producer.close"); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.producers[producerID] {
		return domain.ErrProducerNotFound
	}
	delete(w.producers, producerID)
	return nil
}

func (w *fakeWorker) Consume(_ context.Context, transportID, consumerID, producerID string, _ domain.MediaKind, params domain.RtpParameters, paused bool) (domain.RtpParameters, error) {
	if err := w.record("consumer.create"); err != nil {
		return domain.RtpParameters{}, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.transports[transportID]; !ok {
		return domain.RtpParameters{}, domain.ErrTransportNotFound
	}
	if !w.producers[producerID] {
		return domain.RtpParameters{}, domain.ErrProducerNotFound
	}
	w.consumers[consumerID] = true
	w.paused[consumerID] = paused
	params.Encodings = []domain.RtpEncodingParameters{{Ssrc: 4242}}
	return params, nil
}

func (w *fakeWorker) ResumeConsumer(_ context.Context, consumerID string) error {
	if err := w.record("consumer.resume"); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.consumers[consumerID] {
		return domain.ErrConsumerNotFound
	}
	w.paused[consumerID] = false
	return nil
}

func (w *fakeWorker) CloseConsumer(_ context.Context, consumerID string) error {
	if err := w.record("consumer.close"); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.consumers[consumerID] {
		return domain.ErrConsumerNotFound
	}
	delete(w.consumers, consumerID)
	return nil
}

type fakeSpawner struct {
	mu       sync.Mutex
	spawned  []*fakeWorker
	failures atomic.Int32

	// crashOnStart hands out workers that are already dead.
	crashOnStart atomic.Bool
}

func (s *fakeSpawner) Spawn(_ context.Context, settings ports.WorkerSettings) (ports.MediaWorker, error) {
	if s.failures.Load() > 0 {
		s.failures.Add(-1)
		return nil, fmt.Errorf("spawn %s: exec failed", settings.ID)
	}
	w := newFakeWorker(settings)
	if s.crashOnStart.Load() {
		w.kill()
	}
	s.mu.Lock()
	s.spawned = append(s.spawned, w)
	s.mu.Unlock()
	return w, nil
}

func (s *fakeSpawner) all() []*fakeWorker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*fakeWorker(nil), s.spawned...)
}

func (s *fakeSpawner) find(id string) *fakeWorker {
	for _, w := range s.all() {
		if w.ID() == id {
			return w
		}
	}
	return nil
}

type broadcast struct {
	Room    string
	UserID  domain.UserID
	Event   string
	Payload any
}

type recordingBroadcaster struct {
	mu     sync.Mutex
	events []broadcast
}

func (b *recordingBroadcaster) BroadcastToRoom(_ context.Context, room, event string, payload any, _ domain.UserID) {
	b.mu.Lock()
	b.events = append(b.events, broadcast{Room: room, Event: event, Payload: payload})
	b.mu.Unlock()
}

func (b *recordingBroadcaster) SendToUser(_ context.Context, userID domain.UserID, event string, payload any) {
	b.mu.Lock()
	b.events = append(b.events, broadcast{UserID: userID, Event: event, Payload: payload})
	b.mu.Unlock()
}

func (b *recordingBroadcaster) BroadcastAll(_ context.Context, event string, payload any, _ domain.UserID) {
	b.mu.Lock()
	b.events = append(b.events, broadcast{Event: event, Payload: payload})
	b.mu.Unlock()
}

func (b *recordingBroadcaster) named(event string) []broadcast {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []broadcast
	for _, e := range b.events {
		if e.Event == event {
			out = append(out, e)
		}
	}
	return out
}

func testPoolConfig() PoolConfig {
	return PoolConfig{
		MinPort: 40000,
		MaxPort: 40999,
		Respawn: retry.Config{
			Enabled:      true,
			MaxAttempts:  3,
			InitialDelay: time.Millisecond,
			MaxDelay:     5 * time.Millisecond,
			Multiplier:   2,
		},
	}
}

type sfuFixture struct {
	sfu         *SFUService
	spawner     *fakeSpawner
	broadcaster *recordingBroadcaster
}

func newSFUFixture(t *testing.T, workers int) *sfuFixture {
	t.Helper()
	spawner := &fakeSpawner{}
	broadcaster := &recordingBroadcaster{}
	sfu, err := NewSFUService(SFUConfig{
		Pool:    testPoolConfig(),
		Workers: workers,
		Transports: TransportSettings{
			SendInitialOutgoingBitrate: 1_000_000,
			RecvMaxIncomingBitrate:     600_000,
		},
	}, spawner, broadcaster, nil, zap.NewNop().Sugar())
	require.NoError(t, err)
	require.NoError(t, sfu.Start(context.Background()))
	t.Cleanup(func() { _ = sfu.Close() })
	return &sfuFixture{sfu: sfu, spawner: spawner, broadcaster: broadcaster}
}

func (f *sfuFixture) workerOf(t *testing.T, roomID domain.RoomID) *fakeWorker {
	t.Helper()
	router, ok := f.sfu.routers.GetRouter(roomID)
	require.True(t, ok)
	w := f.spawner.find(router.Worker.ID())
	require.NotNil(t, w)
	return w
}

func (f *sfuFixture) transport(t *testing.T, roomID domain.RoomID, userID domain.UserID, producing bool) string {
	t.Helper()
	info, err := f.sfu.CreateTransport(context.Background(), roomID, userID, domain.TransportOptions{
		Producing: producing,
		Consuming: !producing,
	})
	require.NoError(t, err)
	return info.ID
}

func (f *sfuFixture) produce(t *testing.T, userID domain.UserID, transportID string) string {
	t.Helper()
	info, err := f.sfu.Produce(context.Background(), userID, domain.ProduceRequest{
		TransportID:   transportID,
		Kind:          domain.MediaKindAudio,
		RtpParameters: opusParams(),
	})
	require.NoError(t, err)
	return info.ID
}

func (f *sfuFixture) consume(t *testing.T, userID domain.UserID, transportID, producerID string) *domain.ConsumerInfo {
	t.Helper()
	info, err := f.sfu.Consume(context.Background(), userID, domain.ConsumeRequest{
		TransportID:     transportID,
		ProducerID:      producerID,
		RtpCapabilities: clientCaps(t),
	})
	require.NoError(t, err)
	return info
}

func opusParams() domain.RtpParameters {
	return domain.RtpParameters{
		Mid:       "0",
		Codecs:    []domain.RtpCodecParameters{{MimeType: "audio/opus", PayloadType: 111, ClockRate: 48000, Channels: 2}},
		Encodings: []domain.RtpEncodingParameters{{Ssrc: 1111}},
		Rtcp:      domain.RtcpParameters{Cname: "cname"},
	}
}

func clientCaps(t *testing.T) domain.RtpCapabilities {
	t.Helper()
	caps, err := ortc.GenerateRouterRtpCapabilities(ortc.DefaultCodecs())
	require.NoError(t, err)
	return caps
}
