package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"huddle/internal/core/domain"
	"huddle/internal/core/ports"
	"huddle/internal/core/services"
	"huddle/internal/infrastructure/monitoring"
	apperrors "huddle/pkg/errors"
	rlog "huddle/pkg/logger"
	"huddle/pkg/tracing"
	"huddle/pkg/validation"

	"go.uber.org/zap"
)

var errConnectionClosing = errors.New("connection is closing")

type handlerFunc func(ctx context.Context, c *Conn, payload json.RawMessage) (any, error)

// Relay turns client events into calls on the control plane and the registries,
// acks the sender and fans the results out through the hub. It keeps no state of
// its own beyond what each Conn records.
type Relay struct {
	hub      *Hub
	media    ports.MediaService
	calls    *services.CallService
	voice    *services.VoiceChannelService
	presence *services.PresenceService

	handlers map[string]handlerFunc
	metrics  *monitoring.PrometheusCollector
	logger   *zap.SugaredLogger
	clog     *rlog.ContextLogger
}

func NewRelay(
	hub *Hub,
	media ports.MediaService,
	calls *services.CallService,
	voice *services.VoiceChannelService,
	presence *services.PresenceService,
	metrics *monitoring.PrometheusCollector,
	logger *zap.SugaredLogger,
) *Relay {
	r := &Relay{
		hub:      hub,
		media:    media,
		calls:    calls,
		voice:    voice,
		presence: presence,
		metrics:  metrics,
		logger:   logger,
		clog:     rlog.NewContextLogger(logger.Desugar()),
	}
	r.handlers = map[string]handlerFunc{
		EventJoinRoom:              r.handleJoinRoom,
		EventLeaveRoom:             r.handleLeaveRoom,
		EventGetRouterCapabilities: r.handleGetRouterCapabilities,
		EventCreateTransport:       r.handleCreateTransport,
		EventConnectTransport:      r.handleConnectTransport,
		EventProduce:               r.handleProduce,
		EventConsume:               r.handleConsume,
		EventConsumerReady:         r.handleConsumerReady,
		EventCloseProducer:         r.handleCloseProducer,
		EventGetProducers:          r.handleGetProducers,

		EventCallStart:        r.handleCallStart,
		EventCallJoin:         r.handleCallJoin,
		EventCallLeave:        r.handleCallLeave,
		EventCallEnd:          r.handleCallEnd,
		EventCallOffer:        r.relayCallSignal(EventCallOffer),
		EventCallAnswer:       r.relayCallSignal(EventCallAnswer),
		EventCallICECandidate: r.relayCallSignal(EventCallICECandidate),
		EventCallMediaState:   r.handleCallMediaState,
		EventCallScreenShare:  r.handleCallScreenShare,

		EventJoinVoiceChannel:  r.handleJoinVoiceChannel,
		EventLeaveVoiceChannel: r.handleLeaveVoiceChannel,

		EventPresenceStatus: r.handlePresenceStatus,
		EventPresencePing:   r.handlePresencePing,

		EventChannelSubscribe:   r.handleChannelSubscribe,
		EventChannelUnsubscribe: r.handleChannelUnsubscribe,

		EventTypingStart: r.typing(true),
		EventTypingStop:  r.typing(false),
	}
	return r
}

// Connect registers the connection with the hub and marks its user online.
func (r *Relay) Connect(ctx context.Context, c *Conn) {
	r.hub.Register(c)
	r.presence.Connect(ctx, c.UserID, c.ID)
	r.metrics.AddConnections(1)
	r.logger.Infow("Client connected", "connection_id", c.ID, "user_id", c.UserID)
}

// Disconnect undoes everything the connection joined, in a fixed order: presence,
// voice channels, calls, media rooms, hub. Joins another connection of the same
// user still holds are left in place. It does not wait for in-flight requests.
func (r *Relay) Disconnect(ctx context.Context, c *Conn) {
	session := c.closeSession()
	if session == nil {
		return
	}

	r.presence.Disconnect(ctx, c.UserID, c.ID)

	for _, channelID := range session.VoiceChannels {
		if r.hub.otherConnTracks(c, func(o *Conn) bool { return o.tracksVoiceChannel(channelID) }) {
			continue
		}
		r.voice.LeaveVoiceChannel(c.UserID, channelID)
		r.hub.BroadcastToRoom(ctx, domain.VoiceRoomChannel(channelID), EventVoiceUserLeft,
			voiceMemberEvent{ChannelID: channelID, UserID: c.UserID}, c.UserID)
	}

	for _, callID := range session.Calls {
		if r.hub.otherConnTracks(c, func(o *Conn) bool { return o.tracksCall(callID) }) {
			continue
		}
		call, err := r.calls.LeaveCall(ctx, callID, c.UserID)
		if err != nil {
			r.logger.Debugw("Skipping call on disconnect", "call_id", callID, "user_id", c.UserID, "error", err)
			continue
		}
		r.announceCallLeave(ctx, call, c.UserID)
	}

	for _, roomID := range session.MediaRooms {
		if r.hub.otherConnTracks(c, func(o *Conn) bool { return o.tracksMediaRoom(roomID) }) {
			continue
		}
		if r.media.LeaveRoom(ctx, roomID, c.UserID) {
			r.hub.BroadcastToRoom(ctx, domain.MediaRoomChannel(roomID), EventPeerLeft,
				peerEvent{RoomID: roomID, UserID: c.UserID}, c.UserID)
		}
	}

	r.hub.Unregister(c)
	r.metrics.AddConnections(-1)
	r.logger.Infow("Client disconnected",
		"connection_id", c.ID,
		"user_id", c.UserID,
		"voice_channels", len(session.VoiceChannels),
		"calls", len(session.Calls),
		"media_rooms", len(session.MediaRooms),
	)
}

// Dispatch handles one client message. Failures, panics included, go back to
// the sender only.
func (r *Relay) Dispatch(ctx context.Context, c *Conn, msg SignalMessage) {
	start := time.Now()
	ctx = rlog.WithConnectionID(ctx, c.ID)
	ctx = rlog.WithUserID(ctx, string(c.UserID))
	if msg.RequestID != "" {
		ctx = rlog.WithRequestID(ctx, msg.RequestID)
	}
	ctx, span := tracing.TraceSignalEvent(ctx, msg.Type, string(c.UserID), c.ID)
	defer span.End()

	result := "ok"
	defer func() {
		if rec := recover(); rec != nil {
			result = string(apperrors.ErrCodeInternal)
			err := fmt.Errorf("panic in %s handler: %v", msg.Type, rec)
			tracing.RecordError(ctx, err)
			r.clog.LogError(ctx, err, "Signal handler panicked", zap.String("event", msg.Type), zap.Stack("stack"))
			r.sendError(c, msg, apperrors.NewInternalError("internal error"))
		}
		r.metrics.ObserveSignalEvent(msg.Type, result, time.Since(start).Seconds())
	}()

	handler, ok := r.handlers[msg.Type]
	if !ok {
		appErr := apperrors.NewInvalidInputError(fmt.Sprintf("unknown event %q", msg.Type))
		result = string(appErr.Code)
		r.sendError(c, msg, appErr)
		return
	}

	data, err := handler(ctx, c, msg.Payload)
	if err != nil {
		appErr := apperrors.FromDomain(err)
		result = string(appErr.Code)
		tracing.RecordError(ctx, err)
		tracing.AddSpanAttributes(ctx, tracing.ErrorCodeKey.String(result))

		switch {
		case appErr.Code == apperrors.ErrCodeInternal:
			r.clog.LogError(ctx, err, "Signal event failed", zap.String("event", msg.Type))
		case apperrors.IsNotFound(err):
			r.clog.LogWarn(ctx, "Signal event target not found", zap.String("event", msg.Type), zap.Error(err))
		default:
			r.clog.LogDebug(ctx, "Signal event rejected", zap.String("event", msg.Type), zap.Error(err))
		}
		r.sendError(c, msg, appErr)
		return
	}

	if msg.RequestID != "" {
		c.Send(OutboundMessage{Type: EventAck, RequestID: msg.RequestID, Event: msg.Type, Data: data})
	}
}

// Reject reports a message that never reached a handler, such as one that failed to decode.
func (r *Relay) Reject(c *Conn, msg SignalMessage, appErr *apperrors.AppError) {
	r.metrics.ObserveSignalEvent(msg.Type, string(appErr.Code), 0)
	r.sendError(c, msg, appErr)
}

func (r *Relay) sendError(c *Conn, msg SignalMessage, appErr *apperrors.AppError) {
	c.Send(OutboundMessage{
		Type:      EventError,
		RequestID: msg.RequestID,
		Event:     msg.Type,
		Message:   appErr.Message,
		Code:      string(appErr.Code),
	})
}

func decode[T any](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, apperrors.WrapError(err, apperrors.ErrCodeInvalidInput, "malformed payload", http.StatusBadRequest)
	}
	return v, nil
}

// checkID rejects missing or malformed identifiers.
func checkID(field, value string) error {
	if err := validation.ValidateIdentifier(field, value); err != nil {
		return apperrors.NewInvalidInputError(err.Error())
	}
	return nil
}

// Media rooms

func (r *Relay) handleJoinRoom(ctx context.Context, c *Conn, raw json.RawMessage) (any, error) {
	p, err := decode[roomPayload](raw)
	if err != nil {
		return nil, err
	}
	if err := checkID("roomId", string(p.RoomID)); err != nil {
		return nil, err
	}

	snapshot, err := r.media.JoinRoom(ctx, p.RoomID, c.UserID)
	if err != nil {
		return nil, err
	}
	if err := r.enterMediaRoom(ctx, c, p.RoomID); err != nil {
		return nil, err
	}
	r.hub.BroadcastToRoom(ctx, domain.MediaRoomChannel(p.RoomID), EventPeerJoined,
		peerEvent{RoomID: p.RoomID, UserID: c.UserID}, c.UserID)
	return snapshot, nil
}

// enterMediaRoom records the room on the connection and subscribes it to room broadcasts.
// A connection that closed in the meantime gives the peer back.
func (r *Relay) enterMediaRoom(ctx context.Context, c *Conn, roomID domain.RoomID) error {
	if !c.TrackMediaRoom(roomID) {
		r.media.LeaveRoom(ctx, roomID, c.UserID)
		return errConnectionClosing
	}
	r.hub.Join(c, domain.MediaRoomChannel(roomID))
	return nil
}

func (r *Relay) handleLeaveRoom(ctx context.Context, c *Conn, raw json.RawMessage) (any, error) {
	p, err := decode[roomPayload](raw)
	if err != nil {
		return nil, err
	}
	if err := checkID("roomId", string(p.RoomID)); err != nil {
		return nil, err
	}

	left := r.media.LeaveRoom(ctx, p.RoomID, c.UserID)
	c.UntrackMediaRoom(p.RoomID)
	r.hub.Leave(c, domain.MediaRoomChannel(p.RoomID))
	if left {
		r.hub.BroadcastToRoom(ctx, domain.MediaRoomChannel(p.RoomID), EventPeerLeft,
			peerEvent{RoomID: p.RoomID, UserID: c.UserID}, c.UserID)
	}
	return successAck{Success: left}, nil
}

func (r *Relay) handleGetRouterCapabilities(ctx context.Context, _ *Conn, raw json.RawMessage) (any, error) {
	p, err := decode[roomPayload](raw)
	if err != nil {
		return nil, err
	}
	if err := checkID("roomId", string(p.RoomID)); err != nil {
		return nil, err
	}

	caps, err := r.media.GetRouterCapabilities(ctx, p.RoomID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"rtpCapabilities": caps}, nil
}

func (r *Relay) handleCreateTransport(ctx context.Context, c *Conn, raw json.RawMessage) (any, error) {
	p, err := decode[createTransportPayload](raw)
	if err != nil {
		return nil, err
	}
	if err := checkID("roomId", string(p.RoomID)); err != nil {
		return nil, err
	}

	info, err := r.media.CreateTransport(ctx, p.RoomID, c.UserID, p.TransportOptions)
	if err != nil {
		return nil, err
	}
	if err := r.enterMediaRoom(ctx, c, p.RoomID); err != nil {
		return nil, err
	}
	return info, nil
}

func (r *Relay) handleConnectTransport(ctx context.Context, c *Conn, raw json.RawMessage) (any, error) {
	req, err := decode[domain.ConnectTransportRequest](raw)
	if err != nil {
		return nil, err
	}
	if err := checkID("transportId", req.TransportID); err != nil {
		return nil, err
	}

	if err := r.media.ConnectTransport(ctx, c.UserID, req); err != nil {
		return nil, err
	}
	return successAck{Success: true}, nil
}

func (r *Relay) handleProduce(ctx context.Context, c *Conn, raw json.RawMessage) (any, error) {
	req, err := decode[domain.ProduceRequest](raw)
	if err != nil {
		return nil, err
	}
	if err := checkID("transportId", req.TransportID); err != nil {
		return nil, err
	}

	info, err := r.media.Produce(ctx, c.UserID, req)
	if err != nil {
		return nil, err
	}
	r.hub.BroadcastToRoom(ctx, domain.MediaRoomChannel(info.RoomID), EventNewProducer,
		newProducerEvent{ProducerID: info.ID, UserID: c.UserID, Kind: info.Kind}, c.UserID)
	return producerPayload{ProducerID: info.ID}, nil
}

func (r *Relay) handleConsume(ctx context.Context, c *Conn, raw json.RawMessage) (any, error) {
	req, err := decode[domain.ConsumeRequest](raw)
	if err != nil {
		return nil, err
	}
	if err := checkID("transportId", req.TransportID); err != nil {
		return nil, err
	}
	if err := checkID("producerId", req.ProducerID); err != nil {
		return nil, err
	}

	return r.media.Consume(ctx, c.UserID, req)
}

func (r *Relay) handleConsumerReady(ctx context.Context, c *Conn, raw json.RawMessage) (any, error) {
	p, err := decode[consumerPayload](raw)
	if err != nil {
		return nil, err
	}
	if err := checkID("consumerId", p.ConsumerID); err != nil {
		return nil, err
	}

	if err := r.media.ResumeConsumer(ctx, c.UserID, p.ConsumerID); err != nil {
		return nil, err
	}
	return successAck{Success: true}, nil
}

func (r *Relay) handleCloseProducer(ctx context.Context, c *Conn, raw json.RawMessage) (any, error) {
	p, err := decode[producerPayload](raw)
	if err != nil {
		return nil, err
	}
	if err := checkID("producerId", p.ProducerID); err != nil {
		return nil, err
	}

	closed, err := r.media.CloseProducer(ctx, c.UserID, p.ProducerID)
	if err != nil {
		return nil, err
	}
	return successAck{Success: closed}, nil
}

func (r *Relay) handleGetProducers(_ context.Context, c *Conn, raw json.RawMessage) (any, error) {
	p, err := decode[roomPayload](raw)
	if err != nil {
		return nil, err
	}
	if err := checkID("roomId", string(p.RoomID)); err != nil {
		return nil, err
	}

	producers := []domain.ProducerInfo{}
	for _, info := range r.media.ListProducers(p.RoomID) {
		if info.UserID != c.UserID {
			producers = append(producers, info)
		}
	}
	return map[string]any{"producers": producers}, nil
}

// Calls

func (r *Relay) handleCallStart(ctx context.Context, c *Conn, raw json.RawMessage) (any, error) {
	p, err := decode[channelPayload](raw)
	if err != nil {
		return nil, err
	}
	if err := checkID("channelId", string(p.ChannelID)); err != nil {
		return nil, err
	}

	call, err := r.calls.CreateCall(ctx, p.ChannelID, c.UserID)
	if err != nil {
		return nil, err
	}
	// An active call on the channel is handed back as is; the caller joins it separately.
	if !call.HasParticipant(c.UserID) {
		return call, nil
	}
	if err := r.enterCall(ctx, c, call.ID); err != nil {
		return nil, err
	}

	if call.InitiatorID == c.UserID {
		r.hub.BroadcastToRoom(ctx, domain.VoiceRoomChannel(p.ChannelID), EventCallStarted, call, c.UserID)
		recipients := r.voice.GetUsersInVoiceChannel(p.ChannelID)
		if err := r.calls.NotifyCallStarted(ctx, call, recipients); err != nil {
			r.logger.Warnw("Failed to notify channel about call", "call_id", call.ID, "channel_id", p.ChannelID, "error", err)
		}
	}
	return call, nil
}

func (r *Relay) enterCall(ctx context.Context, c *Conn, callID domain.CallID) error {
	if !c.TrackCall(callID) {
		if call, err := r.calls.LeaveCall(ctx, callID, c.UserID); err == nil {
			r.announceCallLeave(ctx, call, c.UserID)
		}
		return errConnectionClosing
	}
	r.hub.Join(c, domain.CallRoomChannel(callID))
	return nil
}

func (r *Relay) handleCallJoin(ctx context.Context, c *Conn, raw json.RawMessage) (any, error) {
	p, err := decode[callPayload](raw)
	if err != nil {
		return nil, err
	}
	if err := checkID("callId", string(p.CallID)); err != nil {
		return nil, err
	}

	call, err := r.calls.JoinCall(ctx, p.CallID, c.UserID)
	if err != nil {
		return nil, err
	}
	if err := r.enterCall(ctx, c, call.ID); err != nil {
		return nil, err
	}
	r.hub.BroadcastToRoom(ctx, domain.CallRoomChannel(call.ID), EventCallParticipantJoined,
		callParticipantEvent{CallID: call.ID, UserID: c.UserID, Call: call}, c.UserID)
	return call, nil
}

func (r *Relay) handleCallLeave(ctx context.Context, c *Conn, raw json.RawMessage) (any, error) {
	p, err := decode[callPayload](raw)
	if err != nil {
		return nil, err
	}
	if err := checkID("callId", string(p.CallID)); err != nil {
		return nil, err
	}

	call, err := r.calls.LeaveCall(ctx, p.CallID, c.UserID)
	if err != nil {
		return nil, err
	}
	c.UntrackCall(call.ID)
	r.hub.Leave(c, domain.CallRoomChannel(call.ID))
	r.announceCallLeave(ctx, call, c.UserID)
	return call, nil
}

// announceCallLeave tells the rest of the call that userID left, and that the call
// ended if nobody is left in it.
func (r *Relay) announceCallLeave(ctx context.Context, call *domain.Call, userID domain.UserID) {
	room := domain.CallRoomChannel(call.ID)
	r.hub.BroadcastToRoom(ctx, room, EventCallParticipantLeft,
		callParticipantEvent{CallID: call.ID, UserID: userID, Call: call}, userID)
	if !call.Active {
		r.hub.BroadcastToRoom(ctx, room, EventCallEnded, callEndedEvent{CallID: call.ID}, "")
		r.releaseCall(call.ID)
	}
}

// releaseCall drops every local connection's hold on an ended call, so a later
// disconnect does not leave it a second time.
func (r *Relay) releaseCall(callID domain.CallID) {
	room := domain.CallRoomChannel(callID)
	for _, conn := range r.hub.roomConns(room) {
		conn.UntrackCall(callID)
		r.hub.Leave(conn, room)
	}
}

func (r *Relay) handleCallEnd(ctx context.Context, c *Conn, raw json.RawMessage) (any, error) {
	p, err := decode[callPayload](raw)
	if err != nil {
		return nil, err
	}
	if err := checkID("callId", string(p.CallID)); err != nil {
		return nil, err
	}

	call, err := r.calls.EndCall(ctx, p.CallID, c.UserID)
	if err != nil {
		return nil, err
	}
	r.hub.BroadcastToRoom(ctx, domain.CallRoomChannel(call.ID), EventCallEnded,
		callEndedEvent{CallID: call.ID, EndedBy: c.UserID}, "")
	r.releaseCall(call.ID)
	return successAck{Success: true}, nil
}

// relayCallSignal forwards an SDP or ICE payload to one participant. The payload is opaque.
func (r *Relay) relayCallSignal(event string) handlerFunc {
	return func(ctx context.Context, c *Conn, raw json.RawMessage) (any, error) {
		p, err := decode[callSignalPayload](raw)
		if err != nil {
			return nil, err
		}
		if err := checkID("callId", string(p.CallID)); err != nil {
			return nil, err
		}
		if err := checkID("receiverId", string(p.ReceiverID)); err != nil {
			return nil, err
		}

		call, err := r.calls.GetCall(p.CallID)
		if err != nil {
			return nil, err
		}
		if !call.Active {
			return nil, domain.ErrCallNotActive
		}
		if !call.HasParticipant(c.UserID) {
			return nil, domain.ErrParticipantNotFound
		}

		r.hub.SendToUser(ctx, p.ReceiverID, event, callSignalEvent{CallID: p.CallID, SenderID: c.UserID, Payload: p.Payload})
		return successAck{Success: true}, nil
	}
}

func (r *Relay) handleCallMediaState(ctx context.Context, c *Conn, raw json.RawMessage) (any, error) {
	p, err := decode[callMediaStatePayload](raw)
	if err != nil {
		return nil, err
	}
	if err := checkID("callId", string(p.CallID)); err != nil {
		return nil, err
	}

	participant, err := r.calls.UpdateMediaState(ctx, p.CallID, c.UserID, p.MediaStateUpdate)
	if err != nil {
		return nil, err
	}
	event := mediaStateEvent{CallID: p.CallID, UserID: c.UserID, MediaState: participant.MediaState}
	r.hub.BroadcastToRoom(ctx, domain.CallRoomChannel(p.CallID), EventCallMediaState, event, c.UserID)
	return event, nil
}

func (r *Relay) handleCallScreenShare(ctx context.Context, c *Conn, raw json.RawMessage) (any, error) {
	p, err := decode[screenSharePayload](raw)
	if err != nil {
		return nil, err
	}
	if err := checkID("callId", string(p.CallID)); err != nil {
		return nil, err
	}

	if _, err := r.calls.UpdateScreenShare(ctx, p.CallID, c.UserID, p.Active); err != nil {
		return nil, err
	}
	r.hub.BroadcastToRoom(ctx, domain.CallRoomChannel(p.CallID), EventCallScreenShare,
		screenShareEvent{CallID: p.CallID, UserID: c.UserID, Active: p.Active}, c.UserID)
	return successAck{Success: true}, nil
}

// Voice channels

func (r *Relay) handleJoinVoiceChannel(ctx context.Context, c *Conn, raw json.RawMessage) (any, error) {
	p, err := decode[voiceJoinPayload](raw)
	if err != nil {
		return nil, err
	}
	if err := checkID("channelId", string(p.ChannelID)); err != nil {
		return nil, err
	}

	users := r.voice.JoinVoiceChannel(c.UserID, p.ChannelID, p.VoiceJoinOptions)
	if !c.TrackVoiceChannel(p.ChannelID) {
		r.voice.LeaveVoiceChannel(c.UserID, p.ChannelID)
		return nil, errConnectionClosing
	}
	r.hub.Join(c, domain.VoiceRoomChannel(p.ChannelID))
	r.hub.BroadcastToRoom(ctx, domain.VoiceRoomChannel(p.ChannelID), EventVoiceUserJoined,
		voiceMemberEvent{ChannelID: p.ChannelID, UserID: c.UserID, ListenOnly: p.ListenOnly}, c.UserID)
	return voiceAck{Success: true, Users: users}, nil
}

func (r *Relay) handleLeaveVoiceChannel(ctx context.Context, c *Conn, raw json.RawMessage) (any, error) {
	p, err := decode[channelPayload](raw)
	if err != nil {
		return nil, err
	}
	if err := checkID("channelId", string(p.ChannelID)); err != nil {
		return nil, err
	}

	users := r.voice.LeaveVoiceChannel(c.UserID, p.ChannelID)
	c.UntrackVoiceChannel(p.ChannelID)
	r.hub.Leave(c, domain.VoiceRoomChannel(p.ChannelID))
	r.hub.BroadcastToRoom(ctx, domain.VoiceRoomChannel(p.ChannelID), EventVoiceUserLeft,
		voiceMemberEvent{ChannelID: p.ChannelID, UserID: c.UserID}, c.UserID)
	return voiceAck{Success: true, Users: users}, nil
}

// Presence, text channels and typing

func (r *Relay) handlePresenceStatus(ctx context.Context, c *Conn, raw json.RawMessage) (any, error) {
	p, err := decode[statusPayload](raw)
	if err != nil {
		return nil, err
	}
	if err := r.presence.SetStatus(ctx, c.UserID, p.Status); err != nil {
		return nil, err
	}
	return successAck{Success: true}, nil
}

func (r *Relay) handlePresencePing(ctx context.Context, c *Conn, _ json.RawMessage) (any, error) {
	if err := r.presence.Ping(ctx, c.UserID); err != nil {
		return nil, err
	}
	return successAck{Success: true}, nil
}

// handleChannelSubscribe puts the connection in a text channel's room, where typing
// notices go. Hub.Unregister drops the subscription with the connection.
func (r *Relay) handleChannelSubscribe(_ context.Context, c *Conn, raw json.RawMessage) (any, error) {
	p, err := decode[channelPayload](raw)
	if err != nil {
		return nil, err
	}
	if err := checkID("channelId", string(p.ChannelID)); err != nil {
		return nil, err
	}
	r.hub.Join(c, domain.TextRoomChannel(p.ChannelID))
	return successAck{Success: true}, nil
}

func (r *Relay) handleChannelUnsubscribe(_ context.Context, c *Conn, raw json.RawMessage) (any, error) {
	p, err := decode[channelPayload](raw)
	if err != nil {
		return nil, err
	}
	if err := checkID("channelId", string(p.ChannelID)); err != nil {
		return nil, err
	}
	r.hub.Leave(c, domain.TextRoomChannel(p.ChannelID))
	return successAck{Success: true}, nil
}

func (r *Relay) typing(active bool) handlerFunc {
	return func(ctx context.Context, c *Conn, raw json.RawMessage) (any, error) {
		p, err := decode[channelPayload](raw)
		if err != nil {
			return nil, err
		}
		if err := checkID("channelId", string(p.ChannelID)); err != nil {
			return nil, err
		}
		r.hub.BroadcastToRoom(ctx, domain.TextRoomChannel(p.ChannelID), EventUserTyping,
			typingEvent{ChannelID: p.ChannelID, UserID: c.UserID, Typing: active}, c.UserID)
		return successAck{Success: true}, nil
	}
}
