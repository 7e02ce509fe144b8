package domain

type RoomID string
type PeerID string
type TransportID string
type ProducerID string
type ConsumerID string

type MediaKind string

const (
	KindAudio MediaKind = "audio"
	KindVideo MediaKind = "video"
)

func (k MediaKind) Valid() bool {
	return k == KindAudio || k == KindVideo
}

type TransportDirection string

const (
	DirectionSend TransportDirection = "send"
	DirectionRecv TransportDirection = "recv"
)

func (d TransportDirection) Valid() bool {
	return d == DirectionSend || d == DirectionRecv
}

// ProducerInfo is what other peers learn about a producer through newProducers.
type ProducerInfo struct {
	ProducerID   ProducerID `json:"producer_id"`
	OwningPeerID PeerID     `json:"owning_peer_id"`
	Kind         MediaKind  `json:"kind"`
}

// ProducerClosedNotice is pushed to a consumer's owner when the consumed producer goes away.
type ProducerClosedNotice struct {
	ProducerID ProducerID `json:"producer_id"`
}

type PeerClosedNotice struct {
	PeerID PeerID `json:"peer_id"`
}

type RoomSnapshot struct {
	ID        RoomID         `json:"id"`
	RouterID  string         `json:"router_id"`
	WorkerPID int            `json:"worker_pid"`
	Peers     []PeerSnapshot `json:"peers"`
}

type PeerSnapshot struct {
	ID         PeerID         `json:"id"`
	Name       string         `json:"name"`
	Master     bool           `json:"master"`
	Transports int            `json:"transports"`
	Producers  []ProducerInfo `json:"producers"`
	Consumers  int            `json:"consumers"`
}
