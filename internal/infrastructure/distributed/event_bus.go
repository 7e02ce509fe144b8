package distributed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"confsfu/internal/core/ports"
	"confsfu/pkg/retry"
)

var errEncode = errors.New("encode event")

// Event is a room lifecycle event as it travels between instances.
type Event struct {
	ports.RoomEvent
	InstanceID string    `json:"instance_id"`
	Timestamp  time.Time `json:"timestamp"`
}

// EventBus publishes room lifecycle events on a Redis channel and keeps the room
// directory in step with them. It is the registry's ports.EventPublisher.
type EventBus struct {
	client     redis.UniversalClient
	channel    string
	instanceID string
	directory  *RoomDirectory
	retry      retry.Config
	logger     *zap.SugaredLogger
}

var _ ports.EventPublisher = (*EventBus)(nil)

func NewEventBus(client redis.UniversalClient, channel, instanceID string, directory *RoomDirectory, logger *zap.SugaredLogger) *EventBus {
	cfg := retry.DefaultConfig()
	cfg.MaxAttempts = 3
	cfg.InitialDelay = 100 * time.Millisecond
	cfg.Permanent = []error{errEncode, context.Canceled, context.DeadlineExceeded}

	return &EventBus{
		client:     client,
		channel:    channel,
		instanceID: instanceID,
		directory:  directory,
		retry:      cfg,
		logger:     logger,
	}
}

func (eb *EventBus) InstanceID() string {
	return eb.instanceID
}

// Publish sends event to every instance, retrying transient Redis errors.
func (eb *EventBus) Publish(ctx context.Context, event ports.RoomEvent) error {
	if eb.directory != nil {
		if err := eb.track(ctx, event); err != nil {
			eb.logger.Warnw("failed to update room directory", "room_id", event.RoomID, "type", event.Type, "error", err)
		}
	}

	data, err := json.Marshal(Event{RoomEvent: event, InstanceID: eb.instanceID, Timestamp: time.Now()})
	if err != nil {
		return fmt.Errorf("%w: %v", errEncode, err)
	}

	err = retry.Do(ctx, eb.retry, func(ctx context.Context) error {
		return eb.client.Publish(ctx, eb.channel, data).Err()
	})
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	eb.logger.Debugw("published event", "type", event.Type, "room_id", event.RoomID, "peer_id", event.PeerID)
	return nil
}

func (eb *EventBus) track(ctx context.Context, event ports.RoomEvent) error {
	switch event.Type {
	case ports.EventRoomCreated:
		return eb.directory.Claim(ctx, event.RoomID)
	case ports.EventRoomClosed:
		return eb.directory.Release(ctx, event.RoomID)
	}
	return nil
}

// Subscribe calls handler for every event published by another instance until ctx is done.
func (eb *EventBus) Subscribe(ctx context.Context, handler func(Event)) error {
	pubsub := eb.client.Subscribe(ctx, eb.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", eb.channel, err)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			eb.deliver(msg.Payload, handler)
		}
	}
}

func (eb *EventBus) deliver(payload string, handler func(Event)) {
	var event Event
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		eb.logger.Warnw("failed to unmarshal event", "error", err, "payload", payload)
		return
	}
	if event.InstanceID == eb.instanceID {
		return
	}
	handler(event)
}
