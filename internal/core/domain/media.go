package domain

import "strings"

type RoomID string

type MediaKind string

const (
	MediaKindAudio MediaKind = "audio"
	MediaKindVideo MediaKind = "video"
)

func (k MediaKind) Valid() bool {
	return k == MediaKindAudio || k == MediaKindVideo
}

// TransportDirection is fixed when a transport is created.
type TransportDirection string

const (
	DirectionSend TransportDirection = "send"
	DirectionRecv TransportDirection = "recv"
)

type DtlsState string

const (
	DtlsStateNew        DtlsState = "new"
	DtlsStateConnecting DtlsState = "connecting"
	DtlsStateConnected  DtlsState = "connected"
	DtlsStateFailed     DtlsState = "failed"
	DtlsStateClosed     DtlsState = "closed"
)

// Terminal reports whether the transport can no longer carry media.
func (s DtlsState) Terminal() bool {
	return s == DtlsStateClosed || s == DtlsStateFailed
}

type RtcpFeedback struct {
	Type      string `json:"type"`
	Parameter string `json:"parameter,omitempty"`
}

type RtpCodecCapability struct {
	Kind                 MediaKind      `json:"kind" yaml:"kind"`
	MimeType             string         `json:"mimeType" yaml:"mime_type"`
	PreferredPayloadType uint8          `json:"preferredPayloadType,omitempty" yaml:"preferred_payload_type,omitempty"`
	ClockRate            uint32         `json:"clockRate" yaml:"clock_rate"`
	Channels             uint16         `json:"channels,omitempty" yaml:"channels,omitempty"`
	Parameters           map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	RtcpFeedback         []RtcpFeedback `json:"rtcpFeedback,omitempty" yaml:"-"`
}

type RtpHeaderExtension struct {
	Kind        MediaKind `json:"kind"`
	URI         string    `json:"uri"`
	PreferredID int       `json:"preferredId"`
	Direction   string    `json:"direction,omitempty"`
}

type RtpCapabilities struct {
	Codecs           []RtpCodecCapability `json:"codecs"`
	HeaderExtensions []RtpHeaderExtension `json:"headerExtensions,omitempty"`
}

type RtpCodecParameters struct {
	MimeType     string         `json:"mimeType"`
	PayloadType  uint8          `json:"payloadType"`
	ClockRate    uint32         `json:"clockRate"`
	Channels     uint16         `json:"channels,omitempty"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	RtcpFeedback []RtcpFeedback `json:"rtcpFeedback,omitempty"`
}

// Kind derives the media kind from the mime type prefix.
func (c RtpCodecParameters) Kind() MediaKind {
	return KindOfMimeType(c.MimeType)
}

type RtpHeaderExtensionParameters struct {
	URI     string `json:"uri"`
	ID      int    `json:"id"`
	Encrypt bool   `json:"encrypt,omitempty"`
}

type RtpEncodingParameters struct {
	Ssrc       uint32 `json:"ssrc,omitempty"`
	Rid        string `json:"rid,omitempty"`
	MaxBitrate uint32 `json:"maxBitrate,omitempty"`
}

type RtcpParameters struct {
	Cname       string `json:"cname,omitempty"`
	ReducedSize bool   `json:"reducedSize"`
}

type RtpParameters struct {
	Mid              string                         `json:"mid,omitempty"`
	Codecs           []RtpCodecParameters           `json:"codecs"`
	HeaderExtensions []RtpHeaderExtensionParameters `json:"headerExtensions,omitempty"`
	Encodings        []RtpEncodingParameters        `json:"encodings,omitempty"`
	Rtcp             RtcpParameters                 `json:"rtcp"`
}

type IceParameters struct {
	UsernameFragment string `json:"usernameFragment"`
	Password         string `json:"password"`
	IceLite          bool   `json:"iceLite,omitempty"`
}

type IceCandidate struct {
	Foundation string `json:"foundation"`
	Priority   uint32 `json:"priority"`
	IP         string `json:"ip"`
	Protocol   string `json:"protocol"`
	Port       uint16 `json:"port"`
	Type       string `json:"type"`
	TCPType    string `json:"tcpType,omitempty"`
}

type DtlsFingerprint struct {
	Algorithm string `json:"algorithm"`
	Value     string `json:"value"`
}

type DtlsParameters struct {
	Role         string            `json:"role,omitempty"`
	Fingerprints []DtlsFingerprint `json:"fingerprints"`
}

type NumSctpStreams struct {
	OS  uint16 `json:"OS"`
	MIS uint16 `json:"MIS"`
}

type SctpCapabilities struct {
	NumStreams NumSctpStreams `json:"numStreams"`
}

type SctpParameters struct {
	Port           uint16 `json:"port"`
	OS             uint16 `json:"OS"`
	MIS            uint16 `json:"MIS"`
	MaxMessageSize uint32 `json:"maxMessageSize"`
}

// TransportOptions is what a client asks for; exactly one direction must be set.
type TransportOptions struct {
	Producing        bool              `json:"producing"`
	Consuming        bool              `json:"consuming"`
	SctpCapabilities *SctpCapabilities `json:"sctpCapabilities,omitempty"`
}

func (o TransportOptions) Direction() (TransportDirection, error) {
	switch {
	case o.Producing && !o.Consuming:
		return DirectionSend, nil
	case o.Consuming && !o.Producing:
		return DirectionRecv, nil
	default:
		return "", ErrInvalidTransportDirection
	}
}

// WebRtcTransportOptions is what the control plane asks a worker for.
type WebRtcTransportOptions struct {
	Direction                       TransportDirection `json:"direction"`
	EnableSctp                      bool               `json:"enableSctp"`
	NumSctpStreams                  NumSctpStreams     `json:"numSctpStreams"`
	InitialAvailableOutgoingBitrate uint32             `json:"initialAvailableOutgoingBitrate,omitempty"`
	MaxIncomingBitrate              uint32             `json:"maxIncomingBitrate,omitempty"`
}

type TransportParameters struct {
	IceParameters  IceParameters   `json:"iceParameters"`
	IceCandidates  []IceCandidate  `json:"iceCandidates"`
	DtlsParameters DtlsParameters  `json:"dtlsParameters"`
	SctpParameters *SctpParameters `json:"sctpParameters,omitempty"`
}

type TransportInfo struct {
	ID string `json:"id"`
	TransportParameters
}

// ConnectTransportRequest finalizes a transport. IceParameters carries the client's ICE
// credentials for engines that are not ICE-lite aware; it may be nil.
type ConnectTransportRequest struct {
	TransportID    string         `json:"transportId"`
	DtlsParameters DtlsParameters `json:"dtlsParameters"`
	IceParameters  *IceParameters `json:"iceParameters,omitempty"`
}

type ProduceRequest struct {
	TransportID   string         `json:"transportId"`
	Kind          MediaKind      `json:"kind"`
	RtpParameters RtpParameters  `json:"rtpParameters"`
	AppData       map[string]any `json:"appData,omitempty"`
}

type ConsumeRequest struct {
	TransportID     string          `json:"transportId"`
	ProducerID      string          `json:"producerId"`
	RtpCapabilities RtpCapabilities `json:"rtpCapabilities"`
}

type ProducerInfo struct {
	ID     string    `json:"producerId"`
	RoomID RoomID    `json:"roomId"`
	UserID UserID    `json:"userId"`
	Kind   MediaKind `json:"kind"`
}

type ConsumerInfo struct {
	ID            string        `json:"id"`
	ProducerID    string        `json:"producerId"`
	Kind          MediaKind     `json:"kind"`
	RtpParameters RtpParameters `json:"rtpParameters"`
	Paused        bool          `json:"paused"`
}

// RoomSnapshot is what a peer learns when it enters a room.
type RoomSnapshot struct {
	RoomID          RoomID          `json:"roomId"`
	RtpCapabilities RtpCapabilities `json:"rtpCapabilities"`
	Peers           []UserID        `json:"peers"`
	Producers       []ProducerInfo  `json:"producers"`
}

func KindOfMimeType(mimeType string) MediaKind {
	prefix, _, _ := strings.Cut(strings.ToLower(mimeType), "/")
	return MediaKind(prefix)
}
