package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"confsfu/internal/core/domain"
	"confsfu/internal/core/ports"
)

var ErrRegistryClosed = errors.New("room registry closed")

const (
	eventQueueSize      = 1024
	eventPublishTimeout = 2 * time.Second
)

// WorkerSource hands out media workers; WorkerPool is the production implementation.
type WorkerSource interface {
	Acquire() (ports.Worker, error)
}

type RegistryConfig struct {
	Codecs          []domain.RtpCodecCapability
	WebRtcTransport ports.WebRtcTransportOptions
}

type RegistryOption func(*RoomRegistry)

func WithNotifier(n ports.Notifier) RegistryOption {
	return func(r *RoomRegistry) { r.hooks.notifier = n }
}

func WithProducerObserver(o ports.ProducerObserver) RegistryOption {
	return func(r *RoomRegistry) { r.hooks.observer = o }
}

func WithRoomMetrics(m ports.RoomMetrics) RegistryOption {
	return func(r *RoomRegistry) { r.hooks.metrics = m }
}

// WithEventPublisher forwards room lifecycle events, in order, to p. Publishing happens on a
// background goroutine; events are dropped when the queue is full.
func WithEventPublisher(p ports.EventPublisher) RegistryOption {
	return func(r *RoomRegistry) { r.events = p }
}

// RoomRegistry owns every room of the process. The registry lock guards only the map;
// media engine work happens under the individual room's lock. Lock order is registry then
// room, never the reverse.
type RoomRegistry struct {
	workers WorkerSource
	cfg     RegistryConfig
	hooks   *roomHooks
	logger  *zap.SugaredLogger

	mu    sync.RWMutex
	rooms map[domain.RoomID]*Room

	events    ports.EventPublisher
	eventMu   sync.RWMutex
	eventCh   chan ports.RoomEvent
	eventDone chan struct{}
	closed    bool
}

var _ ports.RoomService = (*RoomRegistry)(nil)

func NewRoomRegistry(workers WorkerSource, cfg RegistryConfig, logger *zap.SugaredLogger, opts ...RegistryOption) *RoomRegistry {
	r := &RoomRegistry{
		workers: workers,
		cfg:     cfg,
		hooks:   defaultHooks(),
		logger:  logger,
		rooms:   make(map[domain.RoomID]*Room),
	}
	for _, opt := range opts {
		opt(r)
	}

	if r.events != nil {
		r.eventCh = make(chan ports.RoomEvent, eventQueueSize)
		r.eventDone = make(chan struct{})
		r.hooks.publish = r.enqueueEvent
		go r.runEvents(r.eventCh)
	}
	return r
}

func (r *RoomRegistry) enqueueEvent(evt ports.RoomEvent) {
	r.eventMu.RLock()
	defer r.eventMu.RUnlock()
	if r.eventCh == nil {
		return
	}
	select {
	case r.eventCh <- evt:
	default:
		r.logger.Warnw("event queue full, dropping event", "type", evt.Type, "room_id", evt.RoomID)
	}
}

func (r *RoomRegistry) runEvents(ch <-chan ports.RoomEvent) {
	defer close(r.eventDone)
	for evt := range ch {
		ctx, cancel := context.WithTimeout(context.Background(), eventPublishTimeout)
		if err := r.events.Publish(ctx, evt); err != nil {
			r.logger.Warnw("failed to publish room event", "type", evt.Type, "room_id", evt.RoomID, "error", err)
		}
		cancel()
	}
}

func (r *RoomRegistry) room(roomID domain.RoomID) (*Room, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room, ok := r.rooms[roomID]
	if !ok {
		return nil, domain.ErrRoomNotFound
	}
	return room, nil
}

// CreateRoom registers a new room on the next worker. The room is reserved in the map
// before its router exists so a concurrent create of the same id fails; callers touching
// the room meanwhile queue on its lock.
func (r *RoomRegistry) CreateRoom(ctx context.Context, roomID domain.RoomID) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRegistryClosed
	}
	if _, exists := r.rooms[roomID]; exists {
		r.mu.Unlock()
		return domain.ErrRoomExists
	}
	worker, err := r.workers.Acquire()
	if err != nil {
		r.mu.Unlock()
		return fmt.Errorf("acquire worker: %w", err)
	}
	room := newRoom(roomID, r.hooks, r.cfg.WebRtcTransport, r.logger)
	room.mu.Lock()
	r.rooms[roomID] = room
	r.mu.Unlock()

	router, err := worker.CreateRouter(ctx, r.cfg.Codecs)
	if err != nil {
		room.closed = true
		room.mu.Unlock()

		r.mu.Lock()
		if r.rooms[roomID] == room {
			delete(r.rooms, roomID)
		}
		r.mu.Unlock()
		return fmt.Errorf("create router: %w", err)
	}
	room.worker = worker
	room.router = router
	room.mu.Unlock()

	r.hooks.metrics.RoomCreated()
	r.hooks.publish(ports.RoomEvent{Type: ports.EventRoomCreated, RoomID: roomID})
	r.logger.Infow("room created", "room_id", roomID, "router_id", router.ID(), "worker_pid", worker.Pid())
	return nil
}

func (r *RoomRegistry) Join(ctx context.Context, roomID domain.RoomID, peerID domain.PeerID, name string) (*domain.RoomSnapshot, error) {
	room, err := r.room(roomID)
	if err != nil {
		return nil, err
	}
	return room.AddPeer(peerID, name)
}

// LeaveRoom removes the peer and deletes the room, closing its router, once the last peer
// is gone.
func (r *RoomRegistry) LeaveRoom(ctx context.Context, roomID domain.RoomID, peerID domain.PeerID) error {
	room, err := r.room(roomID)
	if err != nil {
		return err
	}
	remaining, err := room.RemovePeer(peerID)
	if err != nil {
		return err
	}
	if remaining > 0 {
		return nil
	}
	r.dropIfEmpty(roomID, room)
	return nil
}

// dropIfEmpty deletes room once it has no peers. The room lock is taken before, never
// under, the registry lock; a closed room rejects joins, so the two steps need not be
// atomic.
func (r *RoomRegistry) dropIfEmpty(roomID domain.RoomID, room *Room) {
	if !room.markClosedIfEmpty() {
		return
	}

	r.mu.Lock()
	owned := r.rooms[roomID] == room
	if owned {
		delete(r.rooms, roomID)
	}
	r.mu.Unlock()
	// registry Close took it first
	if !owned {
		return
	}

	room.Close()
	r.hooks.metrics.RoomClosed()
	r.hooks.publish(ports.RoomEvent{Type: ports.EventRoomClosed, RoomID: roomID})
	r.logger.Infow("room closed", "room_id", roomID)
}

func (r *RoomRegistry) RoomSnapshot(ctx context.Context, roomID domain.RoomID) (*domain.RoomSnapshot, error) {
	room, err := r.room(roomID)
	if err != nil {
		return nil, err
	}
	return room.Snapshot(), nil
}

func (r *RoomRegistry) ListRooms(ctx context.Context) []*domain.RoomSnapshot {
	r.mu.RLock()
	rooms := make([]*Room, 0, len(r.rooms))
	for _, room := range r.rooms {
		rooms = append(rooms, room)
	}
	r.mu.RUnlock()

	snapshots := make([]*domain.RoomSnapshot, 0, len(rooms))
	for _, room := range rooms {
		snapshots = append(snapshots, room.Snapshot())
	}
	sort.Slice(snapshots, func(i, j int) bool { return snapshots[i].ID < snapshots[j].ID })
	return snapshots
}

func (r *RoomRegistry) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

func (r *RoomRegistry) RouterRtpCapabilities(ctx context.Context, roomID domain.RoomID) (domain.RtpCapabilities, error) {
	room, err := r.room(roomID)
	if err != nil {
		return domain.RtpCapabilities{}, err
	}
	return room.RouterRtpCapabilities()
}

func (r *RoomRegistry) CreateTransport(ctx context.Context, roomID domain.RoomID, peerID domain.PeerID, direction domain.TransportDirection) (*domain.TransportParams, error) {
	room, err := r.room(roomID)
	if err != nil {
		return nil, err
	}
	return room.CreateTransport(ctx, peerID, direction)
}

func (r *RoomRegistry) ConnectTransport(ctx context.Context, roomID domain.RoomID, peerID domain.PeerID, transportID domain.TransportID, dtls domain.DtlsParameters) error {
	room, err := r.room(roomID)
	if err != nil {
		return err
	}
	return room.ConnectTransport(ctx, peerID, transportID, dtls)
}

func (r *RoomRegistry) Produce(ctx context.Context, roomID domain.RoomID, peerID domain.PeerID, transportID domain.TransportID, kind domain.MediaKind, params domain.RtpParameters) (domain.ProducerID, error) {
	room, err := r.room(roomID)
	if err != nil {
		return "", err
	}
	return room.Produce(ctx, peerID, transportID, kind, params)
}

func (r *RoomRegistry) Consume(ctx context.Context, roomID domain.RoomID, peerID domain.PeerID, transportID domain.TransportID, producerID domain.ProducerID, caps domain.RtpCapabilities) (*domain.ConsumerParams, error) {
	room, err := r.room(roomID)
	if err != nil {
		return nil, err
	}
	return room.Consume(ctx, peerID, transportID, producerID, caps)
}

func (r *RoomRegistry) ResumeConsumer(ctx context.Context, roomID domain.RoomID, peerID domain.PeerID, consumerID domain.ConsumerID) error {
	room, err := r.room(roomID)
	if err != nil {
		return err
	}
	return room.ResumeConsumer(ctx, peerID, consumerID)
}

func (r *RoomRegistry) CloseProducer(ctx context.Context, roomID domain.RoomID, peerID domain.PeerID, producerID domain.ProducerID) error {
	room, err := r.room(roomID)
	if err != nil {
		return err
	}
	return room.CloseProducer(peerID, producerID)
}

func (r *RoomRegistry) ProducersForPeer(ctx context.Context, roomID domain.RoomID, peerID domain.PeerID) ([]domain.ProducerInfo, error) {
	room, err := r.room(roomID)
	if err != nil {
		return nil, err
	}
	return room.ProducerListForPeer(peerID)
}

// Close tears down every room and stops event publishing.
func (r *RoomRegistry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	rooms := r.rooms
	r.rooms = make(map[domain.RoomID]*Room)
	r.mu.Unlock()

	for _, room := range rooms {
		room.Close()
		r.hooks.metrics.RoomClosed()
	}

	r.eventMu.Lock()
	ch := r.eventCh
	r.eventCh = nil
	r.eventMu.Unlock()
	if ch != nil {
		close(ch)
		<-r.eventDone
	}
}
