package ports

import (
	"context"
	"encoding/json"

	"huddle/internal/core/domain"
)

type PortRange struct {
	Min uint16 `json:"min"`
	Max uint16 `json:"max"`
}

// WorkerSettings is handed to a spawner for one pool slot.
type WorkerSettings struct {
	ID          string    `json:"id"`
	Slot        int       `json:"slot"`
	Ports       PortRange `json:"ports"`
	ListenIPs   []string  `json:"listenIps,omitempty"`
	AnnouncedIP string    `json:"announcedIp,omitempty"`
	ICEServers  []string  `json:"iceServers,omitempty"`
	LogLevel    string    `json:"logLevel,omitempty"`
}

// WorkerNotification is an unsolicited event emitted by a worker.
type WorkerNotification struct {
	Event    string          `json:"event"`
	TargetID string          `json:"targetId"`
	Data     json.RawMessage `json:"data,omitempty"`
}

const (
	NotificationDtlsStateChange = "transport.dtlsstatechange"
	NotificationTransportClose  = "transport.close"
)

// MediaWorker is a handle to one media engine process.
type MediaWorker interface {
	ID() string
	Settings() WorkerSettings

	CreateRouter(ctx context.Context, routerID string, caps domain.RtpCapabilities) error
	CreateTransport(ctx context.Context, routerID, transportID string, opts domain.WebRtcTransportOptions) (*domain.TransportParameters, error)
	ConnectTransport(ctx context.Context, req domain.ConnectTransportRequest) error
	CloseTransport(ctx context.Context, transportID string) error

	Produce(ctx context.Context, transportID, producerID string, kind domain.MediaKind, params domain.RtpParameters) error
	CloseProducer(ctx context.Context, producerID string) error

	// Consume returns the final rtp parameters, including the ssrc chosen by the worker.
	Consume(ctx context.Context, transportID, consumerID, producerID string, kind domain.MediaKind, params domain.RtpParameters, paused bool) (domain.RtpParameters, error)
	ResumeConsumer(ctx context.Context, consumerID string) error
	CloseConsumer(ctx context.Context, consumerID string) error

	OnNotification(fn func(WorkerNotification))
	// Done is closed when the worker exits for any reason.
	Done() <-chan struct{}
	Close() error
}

type WorkerSpawner interface {
	Spawn(ctx context.Context, settings WorkerSettings) (MediaWorker, error)
}
