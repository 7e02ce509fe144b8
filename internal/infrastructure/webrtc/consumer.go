package webrtc

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"go.uber.org/zap"

	"confsfu/internal/core/domain"
	"confsfu/internal/core/ports"
)

type Consumer struct {
	id          domain.ConsumerID
	producer    *Producer
	params      domain.RtpParameters
	payloadType uint8
	ssrc        uint32
	sender      packetSender
	logger      *zap.SugaredLogger
	onClose     func()

	mu     sync.Mutex
	paused bool
	closed bool
}

var _ ports.Consumer = (*Consumer)(nil)

func newConsumer(p *Producer, params domain.RtpParameters, paused bool, sender packetSender, logger *zap.SugaredLogger) *Consumer {
	c := &Consumer{
		id:       domain.ConsumerID(uuid.NewString()),
		producer: p,
		params:   params,
		sender:   sender,
		paused:   paused,
	}
	c.payloadType = params.Codecs[0].PayloadType
	c.ssrc = params.Encodings[0].Ssrc
	c.logger = logger.With("consumer_id", c.id)
	return c
}

func (c *Consumer) ID() domain.ConsumerID { return c.id }

func (c *Consumer) ProducerID() domain.ProducerID { return c.producer.id }

func (c *Consumer) Kind() domain.MediaKind { return c.producer.kind }

func (c *Consumer) RtpParameters() domain.RtpParameters { return c.params }

func (c *Consumer) Type() string { return "simple" }

func (c *Consumer) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

func (c *Consumer) Resume(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.paused = false
	return nil
}

// writeRTP rewrites the packet into the consumer's payload type and SSRC.
func (c *Consumer) writeRTP(pkt *rtp.Packet) error {
	c.mu.Lock()
	active := !c.paused && !c.closed
	c.mu.Unlock()
	if !active || c.sender == nil {
		return nil
	}

	out := rtp.Packet{Header: pkt.Header, Payload: pkt.Payload}
	out.PayloadType = c.payloadType
	out.SSRC = c.ssrc
	b, err := out.Marshal()
	if err != nil {
		return err
	}
	return c.sender.sendRTP(b)
}

// Close detaches the consumer from its producer and says goodbye to the remote side.
func (c *Consumer) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.producer.unsubscribe(c.id)
	if c.sender != nil {
		bye, err := rtcp.Marshal([]rtcp.Packet{&rtcp.Goodbye{Sources: []uint32{c.ssrc}}})
		if err == nil {
			err = c.sender.sendRTCP(bye)
		}
		if err != nil {
			c.logger.Debugw("rtcp bye not sent", "error", err)
		}
	}
	if c.onClose != nil {
		c.onClose()
	}
	return nil
}
