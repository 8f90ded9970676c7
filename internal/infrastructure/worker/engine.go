package worker

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"huddle/internal/core/domain"
	"huddle/internal/core/ports"
	"huddle/pkg/ortc"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

const (
	gatherTimeout  = 5 * time.Second
	sctpPort       = 5000
	maxSctpMessage = 262144
)

// Engine is a minimal SFU on pion's ORTC API. Each router owns a MediaEngine registered with the
// router's payload types, so consumer tracks negotiate exactly what the control plane computed.
type Engine struct {
	settings      ports.WorkerSettings
	settingEngine webrtc.SettingEngine
	iceServers    []webrtc.ICEServer
	logger        *zap.SugaredLogger

	notifyMu sync.RWMutex
	notifyFn func(ports.WorkerNotification)

	mu         sync.RWMutex
	routers    map[string]*engineRouter
	transports map[string]*engineTransport
	producers  map[string]*engineProducer
	consumers  map[string]*engineConsumer
	closed     bool
}

type engineRouter struct {
	id   string
	api  *webrtc.API
	caps domain.RtpCapabilities
}

type engineTransport struct {
	id     string
	router *engineRouter
	opts   domain.WebRtcTransportOptions

	gatherer *webrtc.ICEGatherer
	ice      *webrtc.ICETransport
	dtls     *webrtc.DTLSTransport
	sctp     *webrtc.SCTPTransport

	connecting atomic.Bool
	connected  chan struct{}
	closed     chan struct{}
	closeOnce  sync.Once
}

type engineProducer struct {
	id        string
	kind      domain.MediaKind
	ssrc      uint32
	transport *engineTransport
	receiver  *webrtc.RTPReceiver

	receiving  atomic.Bool
	advertised atomic.Uint32

	mu        sync.RWMutex
	consumers map[string]*engineConsumer
}

type engineConsumer struct {
	id        string
	producer  *engineProducer
	transport *engineTransport
	track     *webrtc.TrackLocalStaticRTP
	sender    *webrtc.RTPSender
	paused    atomic.Bool
}

func NewEngine(settings ports.WorkerSettings, logger *zap.SugaredLogger) (*Engine, error) {
	settingEngine := webrtc.SettingEngine{}
	if settings.Ports.Min > 0 && settings.Ports.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(settings.Ports.Min, settings.Ports.Max); err != nil {
			return nil, fmt.Errorf("invalid port range %d-%d: %w", settings.Ports.Min, settings.Ports.Max, err)
		}
	}
	if len(settings.ListenIPs) > 0 {
		allowed := make(map[string]bool, len(settings.ListenIPs))
		for _, ip := range settings.ListenIPs {
			parsed := net.ParseIP(ip)
			if parsed == nil {
				return nil, fmt.Errorf("invalid listen ip %q", ip)
			}
			allowed[parsed.String()] = true
		}
		settingEngine.SetIPFilter(func(ip net.IP) bool {
			return allowed[ip.String()]
		})
	}
	if settings.AnnouncedIP != "" {
		settingEngine.SetNAT1To1IPs([]string{settings.AnnouncedIP}, webrtc.ICECandidateTypeHost)
	}
	settingEngine.SetLite(true)

	var iceServers []webrtc.ICEServer
	if len(settings.ICEServers) > 0 {
		iceServers = []webrtc.ICEServer{{URLs: settings.ICEServers}}
	}

	return &Engine{
		settings:      settings,
		settingEngine: settingEngine,
		iceServers:    iceServers,
		logger:        logger,
		routers:       make(map[string]*engineRouter),
		transports:    make(map[string]*engineTransport),
		producers:     make(map[string]*engineProducer),
		consumers:     make(map[string]*engineConsumer),
	}, nil
}

func (e *Engine) SetNotifier(fn func(ports.WorkerNotification)) {
	e.notifyMu.Lock()
	e.notifyFn = fn
	e.notifyMu.Unlock()
}

func (e *Engine) notify(n ports.WorkerNotification) {
	e.notifyMu.RLock()
	fn := e.notifyFn
	e.notifyMu.RUnlock()
	if fn != nil {
		fn(n)
	}
}

func (e *Engine) CreateRouter(routerID string, caps domain.RtpCapabilities) error {
	mediaEngine := &webrtc.MediaEngine{}
	for _, c := range caps.Codecs {
		if err := mediaEngine.RegisterCodec(webrtc.RTPCodecParameters{
			RTPCodecCapability: codecCapability(c.MimeType, c.ClockRate, c.Channels, c.Parameters, c.RtcpFeedback),
			PayloadType:        webrtc.PayloadType(c.PreferredPayloadType),
		}, codecType(c.Kind)); err != nil {
			return fmt.Errorf("register codec %s: %w", c.MimeType, err)
		}
	}
	for _, ext := range caps.HeaderExtensions {
		if err := mediaEngine.RegisterHeaderExtension(webrtc.RTPHeaderExtensionCapability{URI: ext.URI}, codecType(ext.Kind)); err != nil {
			return fmt.Errorf("register header extension %s: %w", ext.URI, err)
		}
	}

	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine), webrtc.WithSettingEngine(e.settingEngine))

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return domain.ErrWorkerClosed
	}
	e.routers[routerID] = &engineRouter{id: routerID, api: api, caps: caps}
	e.logger.Debugw("Router created", "router_id", routerID, "codecs", len(caps.Codecs))
	return nil
}

func (e *Engine) CreateTransport(routerID, transportID string, opts domain.WebRtcTransportOptions) (*domain.TransportParameters, error) {
	e.mu.RLock()
	router, ok := e.routers[routerID]
	e.mu.RUnlock()
	if !ok {
		return nil, domain.ErrRouterNotFound
	}

	gatherer, err := router.api.NewICEGatherer(webrtc.ICEGatherOptions{ICEServers: e.iceServers})
	if err != nil {
		return nil, fmt.Errorf("create ice gatherer: %w", err)
	}

	gathered := make(chan struct{})
	var gatherOnce sync.Once
	gatherer.OnLocalCandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			gatherOnce.Do(func() { close(gathered) })
		}
	})
	if err := gatherer.Gather(); err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("gather candidates: %w", err)
	}
	select {
	case <-gathered:
	case <-time.After(gatherTimeout):
		e.logger.Warnw("Candidate gathering timed out", "transport_id", transportID)
	}

	iceParams, err := gatherer.GetLocalParameters()
	if err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("local ice parameters: %w", err)
	}
	candidates, err := gatherer.GetLocalCandidates()
	if err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("local ice candidates: %w", err)
	}

	ice := router.api.NewICETransport(gatherer)
	dtls, err := router.api.NewDTLSTransport(ice, nil)
	if err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("create dtls transport: %w", err)
	}
	dtlsParams, err := dtls.GetLocalParameters()
	if err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("local dtls parameters: %w", err)
	}

	t := &engineTransport{
		id:        transportID,
		router:    router,
		opts:      opts,
		gatherer:  gatherer,
		ice:       ice,
		dtls:      dtls,
		connected: make(chan struct{}),
		closed:    make(chan struct{}),
	}

	params := &domain.TransportParameters{
		IceParameters: domain.IceParameters{
			UsernameFragment: iceParams.UsernameFragment,
			Password:         iceParams.Password,
			IceLite:          true,
		},
		DtlsParameters: domain.DtlsParameters{Role: "auto"},
	}
	for _, c := range candidates {
		params.IceCandidates = append(params.IceCandidates, domain.IceCandidate{
			Foundation: c.Foundation,
			Priority:   c.Priority,
			IP:         c.Address,
			Protocol:   c.Protocol.String(),
			Port:       c.Port,
			Type:       c.Typ.String(),
			TCPType:    c.TCPType,
		})
	}
	for _, fp := range dtlsParams.Fingerprints {
		params.DtlsParameters.Fingerprints = append(params.DtlsParameters.Fingerprints, domain.DtlsFingerprint{
			Algorithm: fp.Algorithm,
			Value:     fp.Value,
		})
	}
	if opts.EnableSctp {
		t.sctp = router.api.NewSCTPTransport(dtls)
		params.SctpParameters = &domain.SctpParameters{
			Port:           sctpPort,
			OS:             opts.NumSctpStreams.OS,
			MIS:            opts.NumSctpStreams.MIS,
			MaxMessageSize: maxSctpMessage,
		}
	}

	dtls.OnStateChange(func(state webrtc.DTLSTransportState) {
		e.logger.Debugw("DTLS state changed", "transport_id", transportID, "dtls_state", state.String())
		e.notify(notification(ports.NotificationDtlsStateChange, transportID, dtlsStateData{DtlsState: domain.DtlsState(state.String())}))
	})

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		t.stop()
		return nil, domain.ErrWorkerClosed
	}
	e.transports[transportID] = t
	e.mu.Unlock()

	e.logger.Debugw("Transport created",
		"transport_id", transportID,
		"router_id", routerID,
		"direction", opts.Direction,
		"candidates", len(params.IceCandidates),
	)
	return params, nil
}

func (e *Engine) ConnectTransport(transportID string, dtls domain.DtlsParameters, ice *domain.IceParameters) error {
	t, err := e.transport(transportID)
	if err != nil {
		return err
	}
	if ice == nil {
		return fmt.Errorf("transport %s: remote ice parameters required", transportID)
	}
	if !t.connecting.CompareAndSwap(false, true) {
		return fmt.Errorf("transport %s: already connected", transportID)
	}

	remoteICE := webrtc.ICEParameters{UsernameFragment: ice.UsernameFragment, Password: ice.Password}
	remoteDTLS := webrtc.DTLSParameters{Role: dtlsRoleOf(dtls.Role)}
	for _, fp := range dtls.Fingerprints {
		remoteDTLS.Fingerprints = append(remoteDTLS.Fingerprints, webrtc.DTLSFingerprint{Algorithm: fp.Algorithm, Value: fp.Value})
	}

	go e.startTransport(t, remoteICE, remoteDTLS)
	return nil
}

// startTransport runs the blocking ICE and DTLS handshakes.
func (e *Engine) startTransport(t *engineTransport, remoteICE webrtc.ICEParameters, remoteDTLS webrtc.DTLSParameters) {
	role := webrtc.ICERoleControlled
	if err := t.ice.Start(t.gatherer, remoteICE, &role); err != nil {
		e.logger.Warnw("ICE start failed", "transport_id", t.id, "error", err)
		e.notify(notification(ports.NotificationDtlsStateChange, t.id, dtlsStateData{DtlsState: domain.DtlsStateFailed}))
		return
	}
	if err := t.dtls.Start(remoteDTLS); err != nil {
		e.logger.Warnw("DTLS start failed", "transport_id", t.id, "error", err)
		return
	}
	close(t.connected)

	if t.sctp != nil {
		if err := t.sctp.Start(webrtc.SCTPCapabilities{MaxMessageSize: maxSctpMessage}); err != nil {
			e.logger.Warnw("SCTP start failed", "transport_id", t.id, "error", err)
		}
	}
}

func (e *Engine) CloseTransport(transportID string) error {
	e.mu.Lock()
	t, ok := e.transports[transportID]
	if !ok {
		e.mu.Unlock()
		return domain.ErrTransportNotFound
	}
	delete(e.transports, transportID)

	var producers []*engineProducer
	for _, p := range e.producers {
		if p.transport == t {
			producers = append(producers, p)
		}
	}
	var consumers []*engineConsumer
	for _, c := range e.consumers {
		if c.transport == t {
			consumers = append(consumers, c)
		}
	}
	e.mu.Unlock()

	for _, c := range consumers {
		_ = e.CloseConsumer(c.id)
	}
	for _, p := range producers {
		_ = e.CloseProducer(p.id)
	}
	t.stop()
	return nil
}

func (t *engineTransport) stop() {
	t.closeOnce.Do(func() {
		close(t.closed)
		if t.sctp != nil {
			_ = t.sctp.Stop()
		}
		_ = t.dtls.Stop()
		_ = t.ice.Stop()
		_ = t.gatherer.Close()
	})
}

func (e *Engine) Produce(transportID, producerID string, kind domain.MediaKind, params domain.RtpParameters) error {
	t, err := e.transport(transportID)
	if err != nil {
		return err
	}
	if t.opts.Direction != domain.DirectionSend {
		return domain.ErrInvalidTransportDirection
	}
	if len(params.Codecs) == 0 || len(params.Encodings) == 0 {
		return domain.ErrCapabilityMismatch
	}

	receiver, err := t.router.api.NewRTPReceiver(codecType(kind), t.dtls)
	if err != nil {
		return fmt.Errorf("create receiver: %w", err)
	}

	p := &engineProducer{
		id:        producerID,
		kind:      kind,
		ssrc:      params.Encodings[0].Ssrc,
		transport: t,
		receiver:  receiver,
		consumers: make(map[string]*engineConsumer),
	}

	e.mu.Lock()
	e.producers[producerID] = p
	e.mu.Unlock()

	decoding := webrtc.RTPReceiveParameters{Encodings: []webrtc.RTPDecodingParameters{{
		RTPCodingParameters: webrtc.RTPCodingParameters{
			SSRC:        webrtc.SSRC(p.ssrc),
			PayloadType: webrtc.PayloadType(params.Codecs[0].PayloadType),
		},
	}}}
	go e.runProducer(p, decoding)
	return nil
}

func (e *Engine) runProducer(p *engineProducer, decoding webrtc.RTPReceiveParameters) {
	select {
	case <-p.transport.connected:
	case <-p.transport.closed:
		return
	}

	if err := p.receiver.Receive(decoding); err != nil {
		e.logger.Warnw("Producer receive failed", "producer_id", p.id, "error", err)
		return
	}

	p.receiving.Store(true)
	e.advertiseBitrate(p)

	go e.drainReceiverRTCP(p)
	e.forwardToConsumers(p)
}

// rembBitrate is the rate a producer's sender is allowed: the send transport's initial
// allowance, capped by the MaxIncomingBitrate of every receive transport consuming it.
// Zero means no limit applies.
func (p *engineProducer) rembBitrate() uint32 {
	limit := p.transport.opts.InitialAvailableOutgoingBitrate

	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, c := range p.consumers {
		ceiling := c.transport.opts.MaxIncomingBitrate
		if ceiling > 0 && (limit == 0 || ceiling < limit) {
			limit = ceiling
		}
	}
	return limit
}

// advertiseBitrate sends the producer's sender a REMB whenever its allowance changes.
func (e *Engine) advertiseBitrate(p *engineProducer) {
	if !p.receiving.Load() {
		return
	}
	limit := p.rembBitrate()
	if limit == 0 || p.advertised.Swap(limit) == limit {
		return
	}
	remb := &rtcp.ReceiverEstimatedMaximumBitrate{Bitrate: float32(limit), SSRCs: []uint32{p.ssrc}}
	if _, err := p.transport.dtls.WriteRTCP([]rtcp.Packet{remb}); err != nil {
		e.logger.Debugw("Failed to send REMB", "producer_id", p.id, "bitrate", limit, "error", err)
	}
}

// forwardToConsumers copies every packet of a producer to its unpaused consumers.
func (e *Engine) forwardToConsumers(p *engineProducer) {
	track := p.receiver.Track()
	var forwarded uint64

	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				e.logger.Debugw("Producer read ended", "producer_id", p.id, "error", err)
			}
			return
		}

		consumers := p.fanOut(pkt, e.logger)
		forwarded++
		if forwarded%1000 == 0 && consumers > 0 {
			e.logger.Debugw("Forwarding RTP",
				"producer_id", p.id,
				"consumers", consumers,
				"sequence", pkt.SequenceNumber,
				"packets_forwarded", forwarded,
			)
		}
	}
}

func (p *engineProducer) fanOut(pkt *rtp.Packet, logger *zap.SugaredLogger) int {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, c := range p.consumers {
		if c.paused.Load() {
			continue
		}
		if err := c.track.WriteRTP(pkt); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			logger.Debugw("Failed to write to consumer", "consumer_id", c.id, "error", err)
		}
	}
	return len(p.consumers)
}

func (e *Engine) drainReceiverRTCP(p *engineProducer) {
	for {
		if _, _, err := p.receiver.ReadRTCP(); err != nil {
			return
		}
	}
}

func (e *Engine) CloseProducer(producerID string) error {
	e.mu.Lock()
	p, ok := e.producers[producerID]
	if ok {
		delete(e.producers, producerID)
	}
	e.mu.Unlock()
	if !ok {
		return domain.ErrProducerNotFound
	}

	p.mu.RLock()
	consumers := make([]string, 0, len(p.consumers))
	for id := range p.consumers {
		consumers = append(consumers, id)
	}
	p.mu.RUnlock()
	for _, id := range consumers {
		_ = e.CloseConsumer(id)
	}

	_ = p.receiver.Stop()
	return nil
}

func (e *Engine) Consume(transportID, consumerID, producerID string, kind domain.MediaKind, params domain.RtpParameters, paused bool) (domain.RtpParameters, error) {
	t, err := e.transport(transportID)
	if err != nil {
		return domain.RtpParameters{}, err
	}
	if t.opts.Direction != domain.DirectionRecv {
		return domain.RtpParameters{}, domain.ErrInvalidTransportDirection
	}
	e.mu.RLock()
	p, ok := e.producers[producerID]
	e.mu.RUnlock()
	if !ok {
		return domain.RtpParameters{}, domain.ErrProducerNotFound
	}
	if len(params.Codecs) == 0 {
		return domain.RtpParameters{}, domain.ErrCapabilityMismatch
	}

	codec := params.Codecs[0]
	track, err := webrtc.NewTrackLocalStaticRTP(
		codecCapability(codec.MimeType, codec.ClockRate, codec.Channels, codec.Parameters, codec.RtcpFeedback),
		consumerID,
		producerID,
	)
	if err != nil {
		return domain.RtpParameters{}, fmt.Errorf("create consumer track: %w", err)
	}
	sender, err := t.router.api.NewRTPSender(track, t.dtls)
	if err != nil {
		return domain.RtpParameters{}, fmt.Errorf("create sender: %w", err)
	}

	sendParams := sender.GetParameters()
	out := params
	if len(sendParams.Encodings) > 0 {
		out.Encodings = []domain.RtpEncodingParameters{{Ssrc: uint32(sendParams.Encodings[0].SSRC)}}
	}

	c := &engineConsumer{
		id:        consumerID,
		producer:  p,
		transport: t,
		track:     track,
		sender:    sender,
	}
	c.paused.Store(paused)

	e.mu.Lock()
	e.consumers[consumerID] = c
	e.mu.Unlock()

	p.mu.Lock()
	p.consumers[consumerID] = c
	p.mu.Unlock()
	e.advertiseBitrate(p)

	go e.runConsumer(c, sendParams)
	return out, nil
}

func (e *Engine) runConsumer(c *engineConsumer, params webrtc.RTPSendParameters) {
	select {
	case <-c.transport.connected:
	case <-c.transport.closed:
		return
	}
	if err := c.sender.Send(params); err != nil {
		e.logger.Warnw("Consumer send failed", "consumer_id", c.id, "error", err)
		return
	}
	e.processConsumerRTCP(c)
}

// processConsumerRTCP relays keyframe requests from the receiving peer to the producer.
func (e *Engine) processConsumerRTCP(c *engineConsumer) {
	for {
		packets, _, err := c.sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, packet := range packets {
			switch pkt := packet.(type) {
			case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
				e.requestKeyFrame(c.producer)
			case *rtcp.ReceiverReport:
				for _, report := range pkt.Reports {
					e.logger.Debugw("Consumer receiver report",
						"consumer_id", c.id,
						"fraction_lost", report.FractionLost,
						"jitter", report.Jitter,
					)
				}
			case *rtcp.TransportLayerNack:
				e.logger.Debugw("Consumer NACK", "consumer_id", c.id, "nacks", len(pkt.Nacks))
			}
		}
	}
}

func (e *Engine) requestKeyFrame(p *engineProducer) {
	if p.kind != domain.MediaKindVideo {
		return
	}
	pli := &rtcp.PictureLossIndication{MediaSSRC: p.ssrc}
	if _, err := p.transport.dtls.WriteRTCP([]rtcp.Packet{pli}); err != nil {
		e.logger.Debugw("Failed to request key frame", "producer_id", p.id, "error", err)
	}
}

func (e *Engine) ResumeConsumer(consumerID string) error {
	e.mu.RLock()
	c, ok := e.consumers[consumerID]
	e.mu.RUnlock()
	if !ok {
		return domain.ErrConsumerNotFound
	}
	if c.paused.CompareAndSwap(true, false) {
		e.requestKeyFrame(c.producer)
	}
	return nil
}

func (e *Engine) CloseConsumer(consumerID string) error {
	e.mu.Lock()
	c, ok := e.consumers[consumerID]
	if ok {
		delete(e.consumers, consumerID)
	}
	e.mu.Unlock()
	if !ok {
		return domain.ErrConsumerNotFound
	}

	c.producer.mu.Lock()
	delete(c.producer.consumers, consumerID)
	c.producer.mu.Unlock()
	e.advertiseBitrate(c.producer)

	_ = c.sender.Stop()
	return nil
}

// Close tears down every transport. It is safe to call more than once.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	ids := make([]string, 0, len(e.transports))
	for id := range e.transports {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	for _, id := range ids {
		_ = e.CloseTransport(id)
	}
	e.logger.Infow("Engine closed", "transports", len(ids))
	return nil
}

func (e *Engine) transport(id string) (*engineTransport, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil, domain.ErrWorkerClosed
	}
	t, ok := e.transports[id]
	if !ok {
		return nil, domain.ErrTransportNotFound
	}
	select {
	case <-t.closed:
		return nil, domain.ErrTransportClosed
	default:
	}
	return t, nil
}

func codecType(kind domain.MediaKind) webrtc.RTPCodecType {
	if kind == domain.MediaKindVideo {
		return webrtc.RTPCodecTypeVideo
	}
	return webrtc.RTPCodecTypeAudio
}

func codecCapability(mimeType string, clockRate uint32, channels uint16, params map[string]any, feedback []domain.RtcpFeedback) webrtc.RTPCodecCapability {
	capability := webrtc.RTPCodecCapability{
		MimeType:    mimeType,
		ClockRate:   clockRate,
		Channels:    channels,
		SDPFmtpLine: ortc.FmtpLine(params),
	}
	for _, fb := range feedback {
		capability.RTCPFeedback = append(capability.RTCPFeedback, webrtc.RTCPFeedback{Type: fb.Type, Parameter: fb.Parameter})
	}
	return capability
}

func dtlsRoleOf(role string) webrtc.DTLSRole {
	switch strings.ToLower(role) {
	case "client":
		return webrtc.DTLSRoleClient
	case "server":
		return webrtc.DTLSRoleServer
	default:
		return webrtc.DTLSRoleAuto
	}
}

var _ Handler = (*Engine)(nil)
