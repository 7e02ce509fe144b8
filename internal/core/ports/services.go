package ports

import (
	"context"

	"confsfu/internal/core/domain"
)

// RoomService is the orchestration surface the signaling gateway drives.
type RoomService interface {
	CreateRoom(ctx context.Context, roomID domain.RoomID) error
	Join(ctx context.Context, roomID domain.RoomID, peerID domain.PeerID, name string) (*domain.RoomSnapshot, error)
	LeaveRoom(ctx context.Context, roomID domain.RoomID, peerID domain.PeerID) error
	RoomSnapshot(ctx context.Context, roomID domain.RoomID) (*domain.RoomSnapshot, error)
	ListRooms(ctx context.Context) []*domain.RoomSnapshot

	RouterRtpCapabilities(ctx context.Context, roomID domain.RoomID) (domain.RtpCapabilities, error)
	CreateTransport(ctx context.Context, roomID domain.RoomID, peerID domain.PeerID, direction domain.TransportDirection) (*domain.TransportParams, error)
	ConnectTransport(ctx context.Context, roomID domain.RoomID, peerID domain.PeerID, transportID domain.TransportID, dtls domain.DtlsParameters) error
	Produce(ctx context.Context, roomID domain.RoomID, peerID domain.PeerID, transportID domain.TransportID, kind domain.MediaKind, params domain.RtpParameters) (domain.ProducerID, error)
	Consume(ctx context.Context, roomID domain.RoomID, peerID domain.PeerID, transportID domain.TransportID, producerID domain.ProducerID, caps domain.RtpCapabilities) (*domain.ConsumerParams, error)
	ResumeConsumer(ctx context.Context, roomID domain.RoomID, peerID domain.PeerID, consumerID domain.ConsumerID) error
	CloseProducer(ctx context.Context, roomID domain.RoomID, peerID domain.PeerID, producerID domain.ProducerID) error
	ProducersForPeer(ctx context.Context, roomID domain.RoomID, peerID domain.PeerID) ([]domain.ProducerInfo, error)
}

// ProducerObserver is told about producers appearing and disappearing. Implementations
// must not block; OnNewProducer is invoked from its own goroutine.
type ProducerObserver interface {
	OnNewProducer(router Router, producerID domain.ProducerID, kind domain.MediaKind)
	OnProducerClosed(producerID domain.ProducerID)
}
