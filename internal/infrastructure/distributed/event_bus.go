package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"huddle/internal/core/domain"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const DefaultChannel = "huddle:broadcasts"

// Scope says which connections of a receiving instance an event is for.
type Scope string

const (
	ScopeRoom Scope = "room"
	ScopeUser Scope = "user"
	ScopeAll  Scope = "all"
)

// Event is a hub broadcast relayed between signaling instances. Message holds the
// already encoded client frame, so receivers deliver it as is.
type Event struct {
	Scope        Scope           `json:"scope"`
	Target       string          `json:"target,omitempty"`
	ExceptUserID domain.UserID   `json:"except_user_id,omitempty"`
	InstanceID   string          `json:"instance_id"`
	Timestamp    time.Time       `json:"timestamp"`
	Message      json.RawMessage `json:"message"`
}

// EventBus fans hub broadcasts out to the other instances over redis pub/sub.
type EventBus struct {
	client     *redis.Client
	instanceID string
	channel    string
	logger     *zap.SugaredLogger
	pubsub     *redis.PubSub
}

func NewEventBus(
	client *redis.Client,
	instanceID string,
	channel string,
	logger *zap.SugaredLogger,
) *EventBus {
	if channel == "" {
		channel = DefaultChannel
	}
	return &EventBus{
		client:     client,
		instanceID: instanceID,
		channel:    channel,
		logger:     logger,
	}
}

func (eb *EventBus) InstanceID() string {
	return eb.instanceID
}

// Publish stamps the event with this instance's id and publishes it.
func (eb *EventBus) Publish(ctx context.Context, event *Event) error {
	event.InstanceID = eb.instanceID
	event.Timestamp = time.Now()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := eb.client.Publish(ctx, eb.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	eb.logger.Debugw("published event",
		"scope", event.Scope,
		"target", event.Target,
	)
	return nil
}

// Subscribe blocks until ctx is done, calling handler for every event published by
// another instance.
func (eb *EventBus) Subscribe(ctx context.Context, handler func(*Event) error) error {
	if eb.pubsub != nil {
		return fmt.Errorf("already subscribed")
	}

	eb.pubsub = eb.client.Subscribe(ctx, eb.channel)
	defer eb.pubsub.Close()

	ch := eb.pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			event, err := eb.decode(msg.Payload)
			if err != nil {
				eb.logger.Warnw("failed to unmarshal event",
					"error", err,
					"payload", msg.Payload,
				)
				continue
			}
			if event == nil {
				continue
			}

			if err := handler(event); err != nil {
				eb.logger.Warnw("error handling event",
					"scope", event.Scope,
					"target", event.Target,
					"error", err,
				)
			}
		}
	}
}

// decode returns nil for events this instance published itself.
func (eb *EventBus) decode(payload string) (*Event, error) {
	var event Event
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		return nil, err
	}
	if event.InstanceID == eb.instanceID {
		return nil, nil
	}
	return &event, nil
}

func (eb *EventBus) Close() error {
	if eb.pubsub != nil {
		return eb.pubsub.Close()
	}
	return nil
}
