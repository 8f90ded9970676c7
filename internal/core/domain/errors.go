package domain

import "errors"

var (
	ErrRoomNotFound        = errors.New("room not found")
	ErrRouterNotFound      = errors.New("router not found")
	ErrTransportNotFound   = errors.New("transport not found")
	ErrProducerNotFound    = errors.New("producer not found")
	ErrConsumerNotFound    = errors.New("consumer not found")
	ErrPeerNotFound        = errors.New("peer not found")
	ErrCallNotFound        = errors.New("call not found")
	ErrParticipantNotFound = errors.New("participant not found")
	ErrPresenceNotFound    = errors.New("presence entry not found")
	ErrUserNotFound        = errors.New("user not found")

	ErrCannotConsume      = errors.New("no router can bridge producer to consumer capabilities")
	ErrCapabilityMismatch = errors.New("rtp parameters do not match router capabilities")

	ErrNotCallInitiator = errors.New("only the call initiator can end the call")
	ErrNotResourceOwner = errors.New("resource belongs to another user")

	ErrNoWorkersAvailable = errors.New("no media workers available")
	ErrWorkerClosed       = errors.New("media worker closed")

	ErrTransportClosed           = errors.New("transport closed")
	ErrInvalidTransportDirection = errors.New("transport must be either producing or consuming")

	ErrCallNotActive    = errors.New("call is not active")
	ErrInvalidStatus    = errors.New("invalid presence status")
	ErrInvalidMediaKind = errors.New("invalid media kind")
	ErrInvalidRtpCodecs = errors.New("codec set must contain at least one audio and one video codec")
)
