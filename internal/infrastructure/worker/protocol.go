// Package worker implements the media worker process: the newline-delimited JSON channel the
// control plane uses to drive it, the spawners that start it, and the pion-based engine behind it.
package worker

import (
	"encoding/json"
	"errors"

	"huddle/internal/core/domain"
	"huddle/internal/core/ports"
)

const (
	MethodRouterCreate     = "router.create"
	MethodTransportCreate  = "transport.create"
	MethodTransportConnect = "transport.connect"
	MethodTransportClose   = "transport.close"
	MethodProducerCreate   = "producer.create"
	MethodProducerClose    = "producer.close"
	MethodConsumerCreate   = "consumer.create"
	MethodConsumerResume   = "consumer.resume"
	MethodConsumerClose    = "consumer.close"
	MethodWorkerClose      = "worker.close"
)

type Request struct {
	ID        uint64          `json:"id"`
	Method    string          `json:"method"`
	HandlerID string          `json:"handlerId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

type Response struct {
	ID       uint64          `json:"id"`
	Accepted bool            `json:"accepted"`
	Error    string          `json:"error,omitempty"`
	Code     string          `json:"code,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// envelope is what the control plane reads from a worker. A non-empty Event marks a notification,
// whose payload then sits in Data.
type envelope struct {
	Response
	Event    string `json:"event,omitempty"`
	TargetID string `json:"targetId,omitempty"`
}

type routerCreateData struct {
	RtpCapabilities domain.RtpCapabilities `json:"rtpCapabilities"`
}

type transportCreateData struct {
	RouterID string                        `json:"routerId"`
	Options  domain.WebRtcTransportOptions `json:"options"`
}

type transportConnectData struct {
	DtlsParameters domain.DtlsParameters `json:"dtlsParameters"`
	IceParameters  *domain.IceParameters `json:"iceParameters,omitempty"`
}

type producerCreateData struct {
	TransportID   string               `json:"transportId"`
	Kind          domain.MediaKind     `json:"kind"`
	RtpParameters domain.RtpParameters `json:"rtpParameters"`
}

type consumerCreateData struct {
	TransportID   string               `json:"transportId"`
	ProducerID    string               `json:"producerId"`
	Kind          domain.MediaKind     `json:"kind"`
	RtpParameters domain.RtpParameters `json:"rtpParameters"`
	Paused        bool                 `json:"paused"`
}

type consumerCreateResult struct {
	RtpParameters domain.RtpParameters `json:"rtpParameters"`
}

type dtlsStateData struct {
	DtlsState domain.DtlsState `json:"dtlsState"`
}

// DtlsStateOf decodes the payload of a transport.dtlsstatechange notification.
func DtlsStateOf(n ports.WorkerNotification) (domain.DtlsState, error) {
	var d dtlsStateData
	if err := json.Unmarshal(n.Data, &d); err != nil {
		return "", err
	}
	return d.DtlsState, nil
}

// Error codes carried across the channel so callers can still match domain sentinels.
var wireErrors = map[string]error{
	"ROUTER_NOT_FOUND":    domain.ErrRouterNotFound,
	"TRANSPORT_NOT_FOUND": domain.ErrTransportNotFound,
	"PRODUCER_NOT_FOUND":  domain.ErrProducerNotFound,
	"CONSUMER_NOT_FOUND":  domain.ErrConsumerNotFound,
	"TRANSPORT_CLOSED":    domain.ErrTransportClosed,
	"CAPABILITY_MISMATCH": domain.ErrCapabilityMismatch,
	"WORKER_CLOSED":       domain.ErrWorkerClosed,
}

func codeOf(err error) string {
	for code, sentinel := range wireErrors {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return ""
}
