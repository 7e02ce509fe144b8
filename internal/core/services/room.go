package services

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"confsfu/internal/core/domain"
	"confsfu/internal/core/ports"
)

// Room is one conference. Its mutex serializes every change to the peer map and to the
// peers' transports, producers and consumers; media engine calls made on behalf of the room
// run with it held.
type Room struct {
	id         domain.RoomID
	hooks      *roomHooks
	webrtcOpts ports.WebRtcTransportOptions
	logger     *zap.SugaredLogger

	mu      sync.Mutex
	worker  ports.Worker
	router  ports.Router
	peers   map[domain.PeerID]*Peer
	nextSeq uint64
	closed  bool
}

func newRoom(id domain.RoomID, hooks *roomHooks, opts ports.WebRtcTransportOptions, logger *zap.SugaredLogger) *Room {
	return &Room{
		id:         id,
		hooks:      hooks,
		webrtcOpts: opts,
		logger:     logger.With("room_id", id),
		peers:      make(map[domain.PeerID]*Peer),
	}
}

func (r *Room) ID() domain.RoomID {
	return r.id
}

// peerLocked must be called with r.mu held.
func (r *Room) peerLocked(peerID domain.PeerID) (*Peer, error) {
	if r.closed {
		return nil, domain.ErrRoomNotFound
	}
	p, ok := r.peers[peerID]
	if !ok {
		return nil, domain.ErrPeerNotFound
	}
	return p, nil
}

// AddPeer inserts a new peer. The first peer of a room becomes its master.
func (r *Room) AddPeer(peerID domain.PeerID, name string) (*domain.RoomSnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, domain.ErrRoomNotFound
	}
	if _, ok := r.peers[peerID]; ok {
		return nil, domain.ErrPeerExists
	}

	r.nextSeq++
	r.peers[peerID] = newPeer(peerID, name, len(r.peers) == 0, r.nextSeq)

	r.hooks.metrics.PeerJoined(r.id)
	r.hooks.publish(ports.RoomEvent{Type: ports.EventPeerJoined, RoomID: r.id, PeerID: peerID})
	r.logger.Infow("peer joined", "peer_id", peerID, "name", name, "peers", len(r.peers))

	return r.snapshotLocked(), nil
}

func (r *Room) RouterRtpCapabilities() (domain.RtpCapabilities, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed || r.router == nil {
		return domain.RtpCapabilities{}, domain.ErrRoomNotFound
	}
	return r.router.RtpCapabilities(), nil
}

// CreateTransport allocates a WebRTC transport on the room's router for peerID.
func (r *Room) CreateTransport(ctx context.Context, peerID domain.PeerID, direction domain.TransportDirection) (*domain.TransportParams, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	peer, err := r.peerLocked(peerID)
	if err != nil {
		return nil, err
	}

	t, err := r.router.CreateWebRtcTransport(ctx, r.webrtcOpts)
	if err != nil {
		return nil, fmt.Errorf("create webrtc transport: %w", err)
	}
	peer.transports[t.ID()] = &peerTransport{transport: t, direction: direction}

	params := t.Params()
	r.logger.Debugw("transport created", "peer_id", peerID, "transport_id", t.ID(), "direction", direction)
	return &params, nil
}

// ConnectTransport completes the DTLS side of a transport. A transport connects once.
func (r *Room) ConnectTransport(ctx context.Context, peerID domain.PeerID, transportID domain.TransportID, dtls domain.DtlsParameters) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	peer, err := r.peerLocked(peerID)
	if err != nil {
		return err
	}
	pt, ok := peer.transports[transportID]
	if !ok {
		return domain.ErrTransportNotFound
	}
	if pt.connected {
		return domain.ErrTransportConnected
	}

	if err := pt.transport.Connect(ctx, dtls); err != nil {
		return fmt.Errorf("connect transport: %w", err)
	}
	pt.connected = true
	return nil
}

// Produce creates a producer on a connected send transport and tells every other peer
// about it before returning.
func (r *Room) Produce(ctx context.Context, peerID domain.PeerID, transportID domain.TransportID, kind domain.MediaKind, params domain.RtpParameters) (domain.ProducerID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	peer, err := r.peerLocked(peerID)
	if err != nil {
		return "", err
	}
	pt, ok := peer.transports[transportID]
	if !ok {
		return "", domain.ErrTransportNotFound
	}
	if pt.direction != domain.DirectionSend || !pt.connected {
		return "", domain.ErrTransportNotReady
	}

	producer, err := pt.transport.Produce(ctx, kind, params)
	if err != nil {
		return "", fmt.Errorf("produce: %w", err)
	}
	peer.producers[producer.ID()] = producer

	info := domain.ProducerInfo{ProducerID: producer.ID(), OwningPeerID: peerID, Kind: kind}
	for id := range r.peers {
		if id != peerID {
			r.hooks.notifier.Notify(id, ports.NotifyNewProducers, []domain.ProducerInfo{info})
		}
	}

	go r.hooks.observer.OnNewProducer(r.router, producer.ID(), kind)

	r.hooks.metrics.ProducerCreated(kind)
	r.hooks.publish(ports.RoomEvent{Type: ports.EventProducerOpened, RoomID: r.id, PeerID: peerID, ProducerID: producer.ID(), Kind: kind})
	r.logger.Infow("producer created", "peer_id", peerID, "producer_id", producer.ID(), "kind", kind)

	return producer.ID(), nil
}

// Consume creates a paused consumer of another peer's producer on a connected receive
// transport.
func (r *Room) Consume(ctx context.Context, peerID domain.PeerID, transportID domain.TransportID, producerID domain.ProducerID, caps domain.RtpCapabilities) (*domain.ConsumerParams, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	peer, err := r.peerLocked(peerID)
	if err != nil {
		return nil, err
	}

	var producer ports.Producer
	var owner *Peer
	for _, p := range r.peers {
		if prod, ok := p.producers[producerID]; ok {
			producer, owner = prod, p
			break
		}
	}
	if producer == nil || producer.Closed() {
		return nil, domain.ErrProducerNotFound
	}
	if owner.id == peerID {
		return nil, domain.ErrSelfConsume
	}

	pt, ok := peer.transports[transportID]
	if !ok {
		return nil, domain.ErrTransportNotFound
	}
	if pt.direction != domain.DirectionRecv || !pt.connected {
		return nil, domain.ErrTransportNotReady
	}

	consumer, err := pt.transport.Consume(ctx, producerID, caps, true)
	if err != nil {
		return nil, fmt.Errorf("consume: %w", err)
	}
	peer.consumers[consumer.ID()] = consumer

	r.hooks.metrics.ConsumerCreated(consumer.Kind())
	r.logger.Debugw("consumer created", "peer_id", peerID, "consumer_id", consumer.ID(), "producer_id", producerID)

	return &domain.ConsumerParams{
		ID:             consumer.ID(),
		ProducerID:     producerID,
		Kind:           consumer.Kind(),
		RtpParameters:  consumer.RtpParameters(),
		Type:           consumer.Type(),
		ProducerPaused: false,
	}, nil
}

// ResumeConsumer resumes the consumer named consumerID owned by peerID.
func (r *Room) ResumeConsumer(ctx context.Context, peerID domain.PeerID, consumerID domain.ConsumerID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	peer, err := r.peerLocked(peerID)
	if err != nil {
		return err
	}
	consumer, ok := peer.consumers[consumerID]
	if !ok {
		return domain.ErrConsumerNotFound
	}
	if err := consumer.Resume(ctx); err != nil {
		return fmt.Errorf("resume consumer: %w", err)
	}
	return nil
}

// CloseProducer closes one of peerID's producers and every consumer of it.
func (r *Room) CloseProducer(peerID domain.PeerID, producerID domain.ProducerID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	peer, err := r.peerLocked(peerID)
	if err != nil {
		return err
	}
	if _, ok := peer.producers[producerID]; !ok {
		return domain.ErrProducerNotFound
	}
	r.closeProducerLocked(peer, producerID)
	return nil
}

// closeProducerLocked closes the producer and cascades to its consumers in every peer;
// each consumer's owner gets exactly one producerClosed push.
func (r *Room) closeProducerLocked(owner *Peer, producerID domain.ProducerID) {
	producer := owner.producers[producerID]
	delete(owner.producers, producerID)
	if err := producer.Close(); err != nil {
		r.logger.Warnw("failed to close producer", "producer_id", producerID, "error", err)
	}

	for _, p := range r.peers {
		for cid, c := range p.consumers {
			if c.ProducerID() != producerID {
				continue
			}
			delete(p.consumers, cid)
			if err := c.Close(); err != nil {
				r.logger.Warnw("failed to close consumer", "consumer_id", cid, "error", err)
			}
			r.hooks.metrics.ConsumerClosed(c.Kind())
			r.hooks.notifier.Notify(p.id, ports.NotifyProducerClose, domain.ProducerClosedNotice{ProducerID: producerID})
		}
	}

	go r.hooks.observer.OnProducerClosed(producerID)

	r.hooks.metrics.ProducerClosed(producer.Kind())
	r.hooks.publish(ports.RoomEvent{Type: ports.EventProducerClosed, RoomID: r.id, PeerID: owner.id, ProducerID: producerID, Kind: producer.Kind()})
	r.logger.Infow("producer closed", "peer_id", owner.id, "producer_id", producerID)
}

// closePeerLocked releases everything a peer owns. Producers go first so that consumers in
// other peers are cascaded before the peer's own transports disappear.
func (r *Room) closePeerLocked(peer *Peer) {
	for id := range peer.producers {
		r.closeProducerLocked(peer, id)
	}
	for id, c := range peer.consumers {
		delete(peer.consumers, id)
		if err := c.Close(); err != nil {
			r.logger.Warnw("failed to close consumer", "consumer_id", id, "error", err)
		}
		r.hooks.metrics.ConsumerClosed(c.Kind())
	}
	for id, t := range peer.transports {
		delete(peer.transports, id)
		if err := t.transport.Close(); err != nil {
			r.logger.Warnw("failed to close transport", "transport_id", id, "error", err)
		}
	}
}

// RemovePeer closes the peer's producers, consumers and transports, deletes it and returns
// how many peers remain. Deleting an empty room is the registry's call.
func (r *Room) RemovePeer(peerID domain.PeerID) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	peer, err := r.peerLocked(peerID)
	if err != nil {
		return 0, err
	}

	r.closePeerLocked(peer)
	delete(r.peers, peerID)

	for id := range r.peers {
		r.hooks.notifier.Notify(id, ports.NotifyPeerClosed, domain.PeerClosedNotice{PeerID: peerID})
	}

	r.hooks.metrics.PeerLeft(r.id)
	r.hooks.publish(ports.RoomEvent{Type: ports.EventPeerLeft, RoomID: r.id, PeerID: peerID})
	r.logger.Infow("peer left", "peer_id", peerID, "remaining", len(r.peers))

	return len(r.peers), nil
}

// ProducerListForPeer returns the producers of every peer other than peerID.
func (r *Room) ProducerListForPeer(peerID domain.PeerID) ([]domain.ProducerInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.peerLocked(peerID); err != nil {
		return nil, err
	}

	infos := []domain.ProducerInfo{}
	for _, p := range r.sortedPeersLocked() {
		if p.id != peerID {
			infos = append(infos, p.producerInfos()...)
		}
	}
	return infos, nil
}

func (r *Room) Snapshot() *domain.RoomSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *Room) snapshotLocked() *domain.RoomSnapshot {
	s := &domain.RoomSnapshot{
		ID:    r.id,
		Peers: make([]domain.PeerSnapshot, 0, len(r.peers)),
	}
	if r.router != nil {
		s.RouterID = r.router.ID()
	}
	if r.worker != nil {
		s.WorkerPID = r.worker.Pid()
	}
	for _, p := range r.sortedPeersLocked() {
		s.Peers = append(s.Peers, p.snapshot())
	}
	return s
}

// sortedPeersLocked returns peers in join order.
func (r *Room) sortedPeersLocked() []*Peer {
	peers := make([]*Peer, 0, len(r.peers))
	for _, p := range r.peers {
		peers = append(peers, p)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].seq < peers[j].seq })
	return peers
}

// markClosedIfEmpty flips the room to closed when no peer is left. Once it returns true
// AddPeer fails, so the registry can drop the room without racing a join.
func (r *Room) markClosedIfEmpty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed || len(r.peers) > 0 {
		return false
	}
	r.closed = true
	return true
}

// Close tears the room down: every peer's media objects and then the router.
func (r *Room) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	for id, p := range r.peers {
		r.closePeerLocked(p)
		delete(r.peers, id)
		r.hooks.metrics.PeerLeft(r.id)
	}
	r.releaseRouterLocked()
}

func (r *Room) releaseRouterLocked() {
	if r.router == nil {
		return
	}
	if err := r.router.Close(); err != nil {
		r.logger.Warnw("failed to close router", "router_id", r.router.ID(), "error", err)
	}
	r.router = nil
}
