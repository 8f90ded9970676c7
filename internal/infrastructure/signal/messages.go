package signal

import (
	"encoding/json"

	"huddle/internal/core/domain"
)

// Inbound event names.
const (
	EventJoinRoom              = "join-room"
	EventLeaveRoom             = "leave-room"
	EventGetRouterCapabilities = "get-router-capabilities"
	EventCreateTransport       = "create-transport"
	EventConnectTransport      = "connect-transport"
	EventProduce               = "produce"
	EventConsume               = "consume"
	EventConsumerReady         = "consumer-ready"
	EventCloseProducer         = "close-producer"
	EventGetProducers          = "get-producers"

	EventCallStart        = "call:start"
	EventCallJoin         = "call:join"
	EventCallLeave        = "call:leave"
	EventCallEnd          = "call:end"
	EventCallOffer        = "call:signal:offer"
	EventCallAnswer       = "call:signal:answer"
	EventCallICECandidate = "call:signal:ice-candidate"
	EventCallMediaState   = "call:media-state"
	EventCallScreenShare  = "call:screen-share"

	EventJoinVoiceChannel  = "joinVoiceChannel"
	EventLeaveVoiceChannel = "leaveVoiceChannel"

	EventPresenceStatus = "presence:status"
	EventPresencePing   = "presence:ping"

	EventChannelSubscribe   = "channel:subscribe"
	EventChannelUnsubscribe = "channel:unsubscribe"

	EventTypingStart = "typing:start"
	EventTypingStop  = "typing:stop"
)

// Outbound event names.
const (
	EventAck                   = "ack"
	EventError                 = "error"
	EventPeerJoined            = "peer-joined"
	EventPeerLeft              = "peer-left"
	EventNewProducer           = "new-producer"
	EventCallStarted           = "call:started"
	EventCallParticipantJoined = "call:participant-joined"
	EventCallParticipantLeft   = "call:participant-left"
	EventCallEnded             = "call:ended"
	EventVoiceUserJoined       = "voice:user-joined"
	EventVoiceUserLeft         = "voice:user-left"
	EventUserTyping            = "user:typing"
)

// SignalMessage is what clients send.
type SignalMessage struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// OutboundMessage is what the server sends: acks, errors and pushed events.
type OutboundMessage struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`
	Event     string `json:"event,omitempty"`
	Data      any    `json:"data,omitempty"`
	Message   string `json:"message,omitempty"`
	Code      string `json:"code,omitempty"`
}

type roomPayload struct {
	RoomID domain.RoomID `json:"roomId"`
}

type createTransportPayload struct {
	RoomID domain.RoomID `json:"roomId"`
	domain.TransportOptions
}

type consumerPayload struct {
	ConsumerID string `json:"consumerId"`
}

type producerPayload struct {
	ProducerID string `json:"producerId"`
}

type channelPayload struct {
	ChannelID domain.ChannelID `json:"channelId"`
}

type voiceJoinPayload struct {
	ChannelID domain.ChannelID `json:"channelId"`
	domain.VoiceJoinOptions
}

type callPayload struct {
	CallID domain.CallID `json:"callId"`
}

type callSignalPayload struct {
	CallID     domain.CallID   `json:"callId"`
	ReceiverID domain.UserID   `json:"receiverId"`
	Payload    json.RawMessage `json:"payload"`
}

type callMediaStatePayload struct {
	CallID domain.CallID `json:"callId"`
	domain.MediaStateUpdate
}

type screenSharePayload struct {
	CallID domain.CallID `json:"callId"`
	Active bool          `json:"active"`
}

type statusPayload struct {
	Status domain.PresenceStatus `json:"status"`
}

type successAck struct {
	Success bool `json:"success"`
}

type voiceAck struct {
	Success bool            `json:"success"`
	Users   []domain.UserID `json:"users"`
}

type peerEvent struct {
	RoomID domain.RoomID `json:"roomId"`
	UserID domain.UserID `json:"userId"`
}

type newProducerEvent struct {
	ProducerID string           `json:"producerId"`
	UserID     domain.UserID    `json:"userId"`
	Kind       domain.MediaKind `json:"kind"`
}

type callSignalEvent struct {
	CallID   domain.CallID   `json:"callId"`
	SenderID domain.UserID   `json:"senderId"`
	Payload  json.RawMessage `json:"payload"`
}

type callParticipantEvent struct {
	CallID domain.CallID `json:"callId"`
	UserID domain.UserID `json:"userId"`
	Call   *domain.Call  `json:"call,omitempty"`
}

type mediaStateEvent struct {
	CallID     domain.CallID     `json:"callId"`
	UserID     domain.UserID     `json:"userId"`
	MediaState domain.MediaState `json:"mediaState"`
}

type voiceMemberEvent struct {
	ChannelID  domain.ChannelID `json:"channelId"`
	UserID     domain.UserID    `json:"userId"`
	ListenOnly bool             `json:"listenOnly,omitempty"`
}

type typingEvent struct {
	ChannelID domain.ChannelID `json:"channelId"`
	UserID    domain.UserID    `json:"userId"`
	Typing    bool             `json:"typing"`
}

type screenShareEvent struct {
	CallID domain.CallID `json:"callId"`
	UserID domain.UserID `json:"userId"`
	Active bool          `json:"active"`
}

type callEndedEvent struct {
	CallID  domain.CallID `json:"callId"`
	EndedBy domain.UserID `json:"endedBy,omitempty"`
}
