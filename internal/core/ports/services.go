package ports

import (
	"context"

	"huddle/internal/core/domain"
)

// Broadcaster delivers typed events over the client duplex channels.
// An empty exceptUserID means nobody is skipped.
type Broadcaster interface {
	BroadcastToRoom(ctx context.Context, room, event string, payload any, exceptUserID domain.UserID)
	SendToUser(ctx context.Context, userID domain.UserID, event string, payload any)
	BroadcastAll(ctx context.Context, event string, payload any, exceptUserID domain.UserID)
}

type Notifier interface {
	CreateNotification(ctx context.Context, n *domain.Notification) error
}

// MediaService is the SFU control plane as seen by the signaling relay.
type MediaService interface {
	JoinRoom(ctx context.Context, roomID domain.RoomID, userID domain.UserID) (*domain.RoomSnapshot, error)
	LeaveRoom(ctx context.Context, roomID domain.RoomID, userID domain.UserID) bool
	GetRouterCapabilities(ctx context.Context, roomID domain.RoomID) (domain.RtpCapabilities, error)
	CreateTransport(ctx context.Context, roomID domain.RoomID, userID domain.UserID, opts domain.TransportOptions) (*domain.TransportInfo, error)
	ConnectTransport(ctx context.Context, userID domain.UserID, req domain.ConnectTransportRequest) error
	Produce(ctx context.Context, userID domain.UserID, req domain.ProduceRequest) (*domain.ProducerInfo, error)
	Consume(ctx context.Context, userID domain.UserID, req domain.ConsumeRequest) (*domain.ConsumerInfo, error)
	ResumeConsumer(ctx context.Context, userID domain.UserID, consumerID string) error
	CloseProducer(ctx context.Context, userID domain.UserID, producerID string) (bool, error)
	ListProducers(roomID domain.RoomID) []domain.ProducerInfo
}
