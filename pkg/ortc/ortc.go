// Package ortc holds the RTP capability rules shared by the control plane and the media worker:
// router capability generation, producer parameter validation and consumer parameter derivation.
package ortc

import (
	"fmt"
	"slices"
	"strings"

	"huddle/internal/core/domain"
)

const firstDynamicPayloadType = 100

// DefaultHeaderExtensions are offered by every router.
var DefaultHeaderExtensions = []domain.RtpHeaderExtension{
	{Kind: domain.MediaKindAudio, URI: "urn:ietf:params:rtp-hdrext:sdes:mid", PreferredID: 1, Direction: "sendrecv"},
	{Kind: domain.MediaKindVideo, URI: "urn:ietf:params:rtp-hdrext:sdes:mid", PreferredID: 1, Direction: "sendrecv"},
	{Kind: domain.MediaKindAudio, URI: "urn:ietf:params:rtp-hdrext:ssrc-audio-level", PreferredID: 10, Direction: "sendrecv"},
	{Kind: domain.MediaKindVideo, URI: "http://www.webrtc.org/experiments/rtp-hdrext/abs-send-time", PreferredID: 4, Direction: "sendrecv"},
}

// DefaultCodecs is the router codec set used when none is configured.
func DefaultCodecs() []domain.RtpCodecCapability {
	return []domain.RtpCodecCapability{
		{
			Kind:      domain.MediaKindAudio,
			MimeType:  "audio/opus",
			ClockRate: 48000,
			Channels:  2,
		},
		{
			Kind:      domain.MediaKindVideo,
			MimeType:  "video/VP8",
			ClockRate: 90000,
		},
		{
			Kind:      domain.MediaKindVideo,
			MimeType:  "video/H264",
			ClockRate: 90000,
			Parameters: map[string]any{
				"packetization-mode":      1,
				"profile-level-id":        "42e01f",
				"level-asymmetry-allowed": 1,
			},
		},
	}
}

func videoFeedback() []domain.RtcpFeedback {
	return []domain.RtcpFeedback{
		{Type: "nack"},
		{Type: "nack", Parameter: "pli"},
		{Type: "ccm", Parameter: "fir"},
		{Type: "goog-remb"},
		{Type: "transport-cc"},
	}
}

// GenerateRouterRtpCapabilities validates a codec set and assigns payload types.
// The set must contain at least one audio codec and one video codec.
func GenerateRouterRtpCapabilities(codecs []domain.RtpCodecCapability) (domain.RtpCapabilities, error) {
	caps := domain.RtpCapabilities{
		Codecs:           make([]domain.RtpCodecCapability, 0, len(codecs)),
		HeaderExtensions: append([]domain.RtpHeaderExtension(nil), DefaultHeaderExtensions...),
	}

	used := make(map[uint8]bool)
	for _, c := range codecs {
		if c.PreferredPayloadType != 0 {
			used[c.PreferredPayloadType] = true
		}
	}

	next := uint8(firstDynamicPayloadType)
	var hasAudio, hasVideo bool

	for _, c := range codecs {
		kind := domain.KindOfMimeType(c.MimeType)
		if c.Kind == "" {
			c.Kind = kind
		}
		if !c.Kind.Valid() || c.Kind != kind {
			return domain.RtpCapabilities{}, fmt.Errorf("codec %q: %w", c.MimeType, domain.ErrInvalidMediaKind)
		}
		if c.ClockRate == 0 {
			return domain.RtpCapabilities{}, fmt.Errorf("codec %q has no clock rate", c.MimeType)
		}
		if c.Kind == domain.MediaKindAudio {
			hasAudio = true
			if c.Channels == 0 {
				c.Channels = 1
			}
		} else {
			hasVideo = true
			c.Channels = 0
			if len(c.RtcpFeedback) == 0 {
				c.RtcpFeedback = videoFeedback()
			}
		}

		if c.PreferredPayloadType == 0 {
			for used[next] {
				next++
			}
			if next > 127 {
				return domain.RtpCapabilities{}, fmt.Errorf("no dynamic payload types left for %q", c.MimeType)
			}
			c.PreferredPayloadType = next
			used[next] = true
		}
		caps.Codecs = append(caps.Codecs, c)
	}

	if !hasAudio || !hasVideo {
		return domain.RtpCapabilities{}, domain.ErrInvalidRtpCodecs
	}
	return caps, nil
}

// ValidateRtpParameters checks a producer's parameters against router capabilities.
func ValidateRtpParameters(kind domain.MediaKind, params domain.RtpParameters, caps domain.RtpCapabilities) error {
	if !kind.Valid() {
		return domain.ErrInvalidMediaKind
	}
	if len(params.Codecs) == 0 {
		return fmt.Errorf("no codecs: %w", domain.ErrCapabilityMismatch)
	}
	if len(params.Encodings) == 0 {
		return fmt.Errorf("no encodings: %w", domain.ErrCapabilityMismatch)
	}

	matched := false
	for _, codec := range params.Codecs {
		if isFeatureCodec(codec.MimeType) {
			continue
		}
		if codec.Kind() != kind {
			return fmt.Errorf("codec %q is not %s: %w", codec.MimeType, kind, domain.ErrCapabilityMismatch)
		}
		if _, ok := findRouterCodec(codec, caps); !ok {
			return fmt.Errorf("codec %q not supported by router: %w", codec.MimeType, domain.ErrCapabilityMismatch)
		}
		matched = true
	}
	if !matched {
		return fmt.Errorf("no media codec: %w", domain.ErrCapabilityMismatch)
	}
	return nil
}

// GetConsumableRtpParameters maps producer parameters onto the router's payload types.
// Encodings carry no ssrc; each consumer gets its own.
func GetConsumableRtpParameters(kind domain.MediaKind, params domain.RtpParameters, caps domain.RtpCapabilities) domain.RtpParameters {
	out := domain.RtpParameters{
		Rtcp: domain.RtcpParameters{Cname: params.Rtcp.Cname, ReducedSize: true},
	}

	for _, codec := range params.Codecs {
		if isFeatureCodec(codec.MimeType) {
			continue
		}
		routerCodec, ok := findRouterCodec(codec, caps)
		if !ok {
			continue
		}
		out.Codecs = append(out.Codecs, domain.RtpCodecParameters{
			MimeType:     routerCodec.MimeType,
			PayloadType:  routerCodec.PreferredPayloadType,
			ClockRate:    routerCodec.ClockRate,
			Channels:     routerCodec.Channels,
			Parameters:   codec.Parameters,
			RtcpFeedback: routerCodec.RtcpFeedback,
		})
	}

	for _, ext := range caps.HeaderExtensions {
		if ext.Kind != kind {
			continue
		}
		out.HeaderExtensions = append(out.HeaderExtensions, domain.RtpHeaderExtensionParameters{
			URI: ext.URI,
			ID:  ext.PreferredID,
		})
	}

	out.Encodings = []domain.RtpEncodingParameters{{}}
	if len(params.Encodings) > 0 {
		out.Encodings[0].MaxBitrate = params.Encodings[0].MaxBitrate
	}
	return out
}

// CanConsume reports whether a receiver with caps can decode at least one consumable codec.
func CanConsume(consumable domain.RtpParameters, caps domain.RtpCapabilities) bool {
	for _, codec := range consumable.Codecs {
		for _, capCodec := range caps.Codecs {
			if matchCodecs(codec, capCodec) {
				return true
			}
		}
	}
	return false
}

// GetConsumerRtpParameters keeps only what the receiver supports.
func GetConsumerRtpParameters(consumable domain.RtpParameters, caps domain.RtpCapabilities) (domain.RtpParameters, error) {
	out := domain.RtpParameters{
		Rtcp: consumable.Rtcp,
	}

	for _, codec := range consumable.Codecs {
		for _, capCodec := range caps.Codecs {
			if matchCodecs(codec, capCodec) {
				out.Codecs = append(out.Codecs, codec)
				break
			}
		}
	}
	if len(out.Codecs) == 0 {
		return domain.RtpParameters{}, domain.ErrCannotConsume
	}

	supported := make(map[string]bool, len(caps.HeaderExtensions))
	for _, ext := range caps.HeaderExtensions {
		supported[ext.URI] = true
	}
	for _, ext := range consumable.HeaderExtensions {
		if supported[ext.URI] {
			out.HeaderExtensions = append(out.HeaderExtensions, ext)
		}
	}

	out.Encodings = append([]domain.RtpEncodingParameters(nil), consumable.Encodings...)
	if len(out.Encodings) == 0 {
		out.Encodings = []domain.RtpEncodingParameters{{}}
	}
	return out, nil
}

func findRouterCodec(codec domain.RtpCodecParameters, caps domain.RtpCapabilities) (domain.RtpCodecCapability, bool) {
	for _, c := range caps.Codecs {
		if matchCodecs(codec, c) {
			return c, true
		}
	}
	return domain.RtpCodecCapability{}, false
}

func matchCodecs(a domain.RtpCodecParameters, b domain.RtpCodecCapability) bool {
	if !strings.EqualFold(a.MimeType, b.MimeType) || a.ClockRate != b.ClockRate {
		return false
	}
	if domain.KindOfMimeType(a.MimeType) == domain.MediaKindAudio && channelsOf(a.Channels) != channelsOf(b.Channels) {
		return false
	}

	switch strings.ToLower(a.MimeType) {
	case "video/h264":
		if intParam(a.Parameters, "packetization-mode") != intParam(b.Parameters, "packetization-mode") {
			return false
		}
	case "video/vp9":
		if intParam(a.Parameters, "profile-id") != intParam(b.Parameters, "profile-id") {
			return false
		}
	}
	return true
}

func channelsOf(n uint16) uint16 {
	if n == 0 {
		return 1
	}
	return n
}

// intParam reads numeric fmtp values, which arrive as float64 from JSON and int from YAML.
func intParam(params map[string]any, key string) int {
	switch v := params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		var n int
		_, _ = fmt.Sscanf(v, "%d", &n)
		return n
	}
	return 0
}

func isFeatureCodec(mimeType string) bool {
	switch strings.ToLower(mimeType) {
	case "audio/rtx", "video/rtx", "video/red", "video/ulpfec", "audio/red":
		return true
	}
	return false
}

// FmtpLine renders codec parameters for pion's SDPFmtpLine.
func FmtpLine(params map[string]any) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		switch v := params[k].(type) {
		case float64:
			parts = append(parts, fmt.Sprintf("%s=%d", k, int(v)))
		default:
			parts = append(parts, fmt.Sprintf("%s=%v", k, v))
		}
	}
	return strings.Join(parts, ";")
}
