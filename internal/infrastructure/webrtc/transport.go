package webrtc

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"confsfu/internal/core/domain"
	"confsfu/pkg/utils"
)

// packetSender writes a marshalled packet toward the remote side of a transport. A nil
// sender drops packets.
type packetSender interface {
	sendRTP(b []byte) error
	sendRTCP(b []byte) error
}

// transportCore holds the producer and consumer bookkeeping shared by both transport
// kinds.
type transportCore struct {
	id     domain.TransportID
	router *Router
	logger *zap.SugaredLogger
	cname  string

	mu        sync.Mutex
	producers map[domain.ProducerID]*Producer
	consumers map[domain.ConsumerID]*Consumer
	closed    bool
}

func (t *transportCore) init(r *Router, kind string) {
	t.id = domain.TransportID(uuid.NewString())
	t.router = r
	t.logger = r.logger.With("transport_id", t.id, "transport_kind", kind)
	t.cname = utils.GenerateCNAME()
	t.producers = make(map[domain.ProducerID]*Producer)
	t.consumers = make(map[domain.ConsumerID]*Consumer)
}

func (t *transportCore) ID() domain.TransportID { return t.id }

func (t *transportCore) produce(ctx context.Context, kind domain.MediaKind, params domain.RtpParameters) (*Producer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	routerCodec, err := validateProduce(t.router.caps, kind, params)
	if err != nil {
		return nil, err
	}

	p := newProducer(kind, params, routerCodec, t.logger)
	p.onClose = func() {
		t.removeProducer(p.id)
		t.router.removeProducer(p.id)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	t.producers[p.id] = p
	t.mu.Unlock()

	if err := t.router.addProducer(p); err != nil {
		_ = p.Close()
		return nil, err
	}
	t.logger.Debugw("producer created", "producer_id", p.id, "kind", kind, "mime_type", routerCodec.MimeType)
	return p, nil
}

func (t *transportCore) consume(ctx context.Context, producerID domain.ProducerID, caps domain.RtpCapabilities, paused bool, sender packetSender) (*Consumer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, ok := t.router.producer(producerID)
	if !ok {
		return nil, domain.ErrProducerNotFound
	}

	params, err := consumerRtpParameters(p.routerCodec, caps, rand.Uint32(), t.cname)
	if err != nil {
		return nil, err
	}

	c := newConsumer(p, params, paused, sender, t.logger)
	c.onClose = func() { t.removeConsumer(c.id) }

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	t.consumers[c.id] = c
	t.mu.Unlock()

	if err := p.subscribe(c); err != nil {
		_ = c.Close()
		if errors.Is(err, domain.ErrProducerClosed) {
			return nil, fmt.Errorf("%w: %s", domain.ErrProducerNotFound, producerID)
		}
		return nil, err
	}
	t.logger.Debugw("consumer created", "consumer_id", c.id, "producer_id", producerID, "paused", paused)
	return c, nil
}

func (t *transportCore) removeProducer(id domain.ProducerID) {
	t.mu.Lock()
	delete(t.producers, id)
	t.mu.Unlock()
}

func (t *transportCore) removeConsumer(id domain.ConsumerID) {
	t.mu.Lock()
	delete(t.consumers, id)
	t.mu.Unlock()
}

// producerFor picks the producer an inbound packet belongs to, by SSRC first and payload
// type second.
func (t *transportCore) producerFor(ssrc uint32, pt uint8) *Producer {
	t.mu.Lock()
	defer t.mu.Unlock()
	var byPT *Producer
	for _, p := range t.producers {
		if p.hasSSRC(ssrc) {
			return p
		}
		if byPT == nil && p.payloadType == pt {
			byPT = p
		}
	}
	return byPT
}

// closeAll marks the transport closed and closes what it owns. It reports whether this
// call did the closing.
func (t *transportCore) closeAll() bool {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return false
	}
	t.closed = true
	producers := make([]*Producer, 0, len(t.producers))
	for _, p := range t.producers {
		producers = append(producers, p)
	}
	consumers := make([]*Consumer, 0, len(t.consumers))
	for _, c := range t.consumers {
		consumers = append(consumers, c)
	}
	t.mu.Unlock()

	for _, c := range consumers {
		_ = c.Close()
	}
	for _, p := range producers {
		_ = p.Close()
	}
	t.router.removeTransport(t.id)
	return true
}
