package webrtc

import (
	"sync"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"go.uber.org/zap"

	"confsfu/internal/core/domain"
	"confsfu/internal/core/ports"
)

type Producer struct {
	id          domain.ProducerID
	kind        domain.MediaKind
	params      domain.RtpParameters
	routerCodec domain.RtpCodecCapability
	payloadType uint8
	ssrcs       map[uint32]struct{}
	logger      *zap.SugaredLogger
	onClose     func()

	mu        sync.RWMutex
	consumers map[domain.ConsumerID]*Consumer
	closed    bool
	packets   uint64
}

var _ ports.Producer = (*Producer)(nil)

func newProducer(kind domain.MediaKind, params domain.RtpParameters, routerCodec domain.RtpCodecCapability, logger *zap.SugaredLogger) *Producer {
	p := &Producer{
		id:          domain.ProducerID(uuid.NewString()),
		kind:        kind,
		params:      params,
		routerCodec: routerCodec,
		ssrcs:       make(map[uint32]struct{}, len(params.Encodings)),
		consumers:   make(map[domain.ConsumerID]*Consumer),
	}
	if codec, ok := mediaCodec(params); ok {
		p.payloadType = codec.PayloadType
	}
	for _, enc := range params.Encodings {
		if enc.Ssrc != 0 {
			p.ssrcs[enc.Ssrc] = struct{}{}
		}
	}
	p.logger = logger.With("producer_id", p.id)
	return p
}

func (p *Producer) ID() domain.ProducerID { return p.id }

func (p *Producer) Kind() domain.MediaKind { return p.kind }

func (p *Producer) RtpParameters() domain.RtpParameters { return p.params }

func (p *Producer) hasSSRC(ssrc uint32) bool {
	_, ok := p.ssrcs[ssrc]
	return ok
}

func (p *Producer) Closed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.closed
}

func (p *Producer) subscribe(c *Consumer) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return domain.ErrProducerClosed
	}
	p.consumers[c.id] = c
	return nil
}

func (p *Producer) unsubscribe(id domain.ConsumerID) {
	p.mu.Lock()
	delete(p.consumers, id)
	p.mu.Unlock()
}

// WriteRTP fans a packet out to every consumer of the producer.
func (p *Producer) WriteRTP(pkt *rtp.Packet) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.packets++
	consumers := make([]*Consumer, 0, len(p.consumers))
	for _, c := range p.consumers {
		consumers = append(consumers, c)
	}
	p.mu.Unlock()

	for _, c := range consumers {
		if err := c.writeRTP(pkt); err != nil {
			p.logger.Debugw("forward rtp failed", "consumer_id", c.id, "error", err)
		}
	}
}

// Close closes the producer and every consumer attached to it.
func (p *Producer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	consumers := make([]*Consumer, 0, len(p.consumers))
	for _, c := range p.consumers {
		consumers = append(consumers, c)
	}
	p.consumers = make(map[domain.ConsumerID]*Consumer)
	packets := p.packets
	p.mu.Unlock()

	for _, c := range consumers {
		_ = c.Close()
	}
	if p.onClose != nil {
		p.onClose()
	}
	p.logger.Debugw("producer closed", "consumers", len(consumers), "packets", packets)
	return nil
}
