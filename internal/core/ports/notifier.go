package ports

import (
	"context"

	"confsfu/internal/core/domain"
)

const (
	NotifyNewProducers  = "newProducers"
	NotifyProducerClose = "producerClosed"
	NotifyPeerClosed    = "peerClosed"
)

// Notifier delivers server pushes to a connected peer. Notify must not block on the
// network; it is called with room state locked.
type Notifier interface {
	Notify(peerID domain.PeerID, method string, data interface{})
}

type RoomMetrics interface {
	RoomCreated()
	RoomClosed()
	PeerJoined(roomID domain.RoomID)
	PeerLeft(roomID domain.RoomID)
	ProducerCreated(kind domain.MediaKind)
	ProducerClosed(kind domain.MediaKind)
	ConsumerCreated(kind domain.MediaKind)
	ConsumerClosed(kind domain.MediaKind)
}

type EventType string

const (
	EventRoomCreated    EventType = "room.created"
	EventRoomClosed     EventType = "room.closed"
	EventPeerJoined     EventType = "peer.joined"
	EventPeerLeft       EventType = "peer.left"
	EventProducerOpened EventType = "producer.opened"
	EventProducerClosed EventType = "producer.closed"
)

type RoomEvent struct {
	Type       EventType         `json:"type"`
	RoomID     domain.RoomID     `json:"room_id"`
	PeerID     domain.PeerID     `json:"peer_id,omitempty"`
	ProducerID domain.ProducerID `json:"producer_id,omitempty"`
	Kind       domain.MediaKind  `json:"kind,omitempty"`
}

// EventPublisher fans room lifecycle events out to other instances.
type EventPublisher interface {
	Publish(ctx context.Context, event RoomEvent) error
}
