package services

import (
	"sort"

	"confsfu/internal/core/domain"
	"confsfu/internal/core/ports"
)

type peerTransport struct {
	transport ports.WebRtcTransport
	direction domain.TransportDirection
	connected bool
}

// Peer is one signaling client inside a room. All fields are guarded by the owning room's
// mutex.
type Peer struct {
	id     domain.PeerID
	name   string
	master bool
	seq    uint64

	transports map[domain.TransportID]*peerTransport
	producers  map[domain.ProducerID]ports.Producer
	consumers  map[domain.ConsumerID]ports.Consumer
}

func newPeer(id domain.PeerID, name string, master bool, seq uint64) *Peer {
	return &Peer{
		id:         id,
		name:       name,
		master:     master,
		seq:        seq,
		transports: make(map[domain.TransportID]*peerTransport),
		producers:  make(map[domain.ProducerID]ports.Producer),
		consumers:  make(map[domain.ConsumerID]ports.Consumer),
	}
}

func (p *Peer) producerInfos() []domain.ProducerInfo {
	infos := make([]domain.ProducerInfo, 0, len(p.producers))
	for id, prod := range p.producers {
		infos = append(infos, domain.ProducerInfo{
			ProducerID:   id,
			OwningPeerID: p.id,
			Kind:         prod.Kind(),
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ProducerID < infos[j].ProducerID })
	return infos
}

func (p *Peer) snapshot() domain.PeerSnapshot {
	return domain.PeerSnapshot{
		ID:         p.id,
		Name:       p.name,
		Master:     p.master,
		Transports: len(p.transports),
		Producers:  p.producerInfos(),
		Consumers:  len(p.consumers),
	}
}
