// Package testutils provides an in-memory media engine for exercising the orchestration
// layer without sockets.
package testutils

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"confsfu/internal/core/domain"
	"confsfu/internal/core/ports"
)

var ErrClosed = errors.New("fake: closed")

var errRouterClosed = fmt.Errorf("%w: %w", ErrClosed, domain.ErrRouterClosed)

// DefaultCodecs mirrors the router codecs the service is configured with by default.
func DefaultCodecs() []domain.RtpCodecCapability {
	return []domain.RtpCodecCapability{
		{Kind: domain.KindAudio, MimeType: "audio/opus", PreferredPayloadType: 100, ClockRate: 48000, Channels: 2},
		{Kind: domain.KindVideo, MimeType: "video/VP8", PreferredPayloadType: 101, ClockRate: 90000},
	}
}

// ClientCapabilities is what a browser supporting every default codec sends.
func ClientCapabilities() domain.RtpCapabilities {
	return domain.RtpCapabilities{Codecs: DefaultCodecs()}
}

func VideoParameters() domain.RtpParameters {
	return domain.RtpParameters{
		Mid:       "0",
		Codecs:    []domain.RtpCodecParameters{{MimeType: "video/VP8", PayloadType: 96, ClockRate: 90000}},
		Encodings: []domain.RtpEncodingParameters{{Ssrc: 1111}},
		Rtcp:      domain.RtcpParameters{Cname: "client", ReducedSize: true},
	}
}

func AudioParameters() domain.RtpParameters {
	return domain.RtpParameters{
		Mid:       "1",
		Codecs:    []domain.RtpCodecParameters{{MimeType: "audio/opus", PayloadType: 111, ClockRate: 48000, Channels: 2}},
		Encodings: []domain.RtpEncodingParameters{{Ssrc: 2222}},
		Rtcp:      domain.RtcpParameters{Cname: "client", ReducedSize: true},
	}
}

func ClientDtls() domain.DtlsParameters {
	return domain.DtlsParameters{
		Role:         "client",
		Fingerprints: []domain.DtlsFingerprint{{Algorithm: "sha-256", Value: "AB:CD"}},
	}
}

// Engine is a fake ports.MediaEngine.
type Engine struct {
	mu              sync.Mutex
	workers         []*Worker
	CreateWorkerErr error
}

func NewEngine() *Engine {
	return &Engine{}
}

func (e *Engine) CreateWorker(ctx context.Context, settings ports.WorkerSettings) (ports.Worker, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.CreateWorkerErr != nil {
		return nil, e.CreateWorkerErr
	}
	w := &Worker{
		pid:  1000 + len(e.workers),
		died: make(chan error, 1),
	}
	e.workers = append(e.workers, w)
	return w, nil
}

// Workers returns the created workers in creation order.
func (e *Engine) Workers() []*Worker {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Worker, len(e.workers))
	copy(out, e.workers)
	return out
}

type Worker struct {
	pid  int
	died chan error

	mu              sync.Mutex
	routers         []*Router
	closed          bool
	createRouterErr error
	transportDelay  time.Duration
}

func (w *Worker) Pid() int { return w.pid }

func (w *Worker) Died() <-chan error { return w.died }

// Kill makes the worker report a fatal fault.
func (w *Worker) Kill(err error) {
	select {
	case w.died <- err:
	default:
	}
}

// FailRouters makes subsequent CreateRouter calls fail with err.
func (w *Worker) FailRouters(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.createRouterErr = err
}

// SlowTransports delays WebRTC transport creation on routers created afterwards.
func (w *Worker) SlowTransports(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.transportDelay = d
}

func (w *Worker) CreateRouter(ctx context.Context, codecs []domain.RtpCodecCapability) (ports.Router, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil, ErrClosed
	}
	if w.createRouterErr != nil {
		return nil, w.createRouterErr
	}
	r := &Router{
		id:             uuid.NewString(),
		caps:           domain.RtpCapabilities{Codecs: codecs},
		transportDelay: w.transportDelay,
		producers:      make(map[domain.ProducerID]*Producer),
	}
	w.routers = append(w.routers, r)
	return r, nil
}

// Routers returns every router created on this worker, closed ones included.
func (w *Worker) Routers() []*Router {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]*Router, len(w.routers))
	copy(out, w.routers)
	return out
}

func (w *Worker) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func (w *Worker) Closed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

type Router struct {
	id             string
	caps           domain.RtpCapabilities
	transportDelay time.Duration

	mu        sync.Mutex
	closed    bool
	webrtc    []*WebRtcTransport
	plain     []*PlainTransport
	producers map[domain.ProducerID]*Producer
	plainErr  error
}

func (r *Router) ID() string { return r.id }

func (r *Router) RtpCapabilities() domain.RtpCapabilities { return r.caps }

func (r *Router) CreateWebRtcTransport(ctx context.Context, opts ports.WebRtcTransportOptions) (ports.WebRtcTransport, error) {
	if r.transportDelay > 0 {
		select {
		case <-time.After(r.transportDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, errRouterClosed
	}
	t := &WebRtcTransport{announcedIP: opts.AnnouncedIP}
	t.init(r)
	r.webrtc = append(r.webrtc, t)
	return t, nil
}

// FailPlainTransports makes subsequent CreatePlainTransport calls fail with err.
func (r *Router) FailPlainTransports(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plainErr = err
}

func (r *Router) CreatePlainTransport(ctx context.Context, opts ports.PlainTransportOptions) (ports.PlainTransport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, errRouterClosed
	}
	if r.plainErr != nil {
		return nil, r.plainErr
	}
	t := &PlainTransport{opts: opts}
	t.init(r)
	r.plain = append(r.plain, t)
	return t, nil
}

func (r *Router) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *Router) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *Router) PlainTransports() []*PlainTransport {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*PlainTransport, len(r.plain))
	copy(out, r.plain)
	return out
}

func (r *Router) WebRtcTransports() []*WebRtcTransport {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*WebRtcTransport, len(r.webrtc))
	copy(out, r.webrtc)
	return out
}

func (r *Router) producer(id domain.ProducerID) (*Producer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.producers[id]
	return p, ok
}

type transportBase struct {
	id     domain.TransportID
	router *Router

	mu        sync.Mutex
	closed    bool
	consumers []*Consumer
}

func (t *transportBase) init(r *Router) {
	t.id = domain.TransportID(uuid.NewString())
	t.router = r
}

func (t *transportBase) ID() domain.TransportID { return t.id }

func (t *transportBase) Produce(ctx context.Context, kind domain.MediaKind, params domain.RtpParameters) (ports.Producer, error) {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	if len(params.Codecs) == 0 {
		return nil, fmt.Errorf("fake: no codecs: %w", domain.ErrIncompatible)
	}

	p := &Producer{id: domain.ProducerID(uuid.NewString()), kind: kind, params: params}
	t.router.mu.Lock()
	t.router.producers[p.id] = p
	t.router.mu.Unlock()
	return p, nil
}

// Consume succeeds when caps contains a codec with the producer's mime type.
func (t *transportBase) Consume(ctx context.Context, producerID domain.ProducerID, caps domain.RtpCapabilities, paused bool) (ports.Consumer, error) {
	producer, ok := t.router.producer(producerID)
	if !ok || producer.Closed() {
		return nil, domain.ErrProducerNotFound
	}

	want := producer.params.Codecs[0]
	var match *domain.RtpCodecCapability
	for i := range caps.Codecs {
		if strings.EqualFold(caps.Codecs[i].MimeType, want.MimeType) {
			match = &caps.Codecs[i]
			break
		}
	}
	if match == nil {
		return nil, domain.ErrIncompatible
	}

	c := &Consumer{
		id:         domain.ConsumerID(uuid.NewString()),
		producerID: producerID,
		kind:       producer.kind,
		paused:     paused,
		params: domain.RtpParameters{
			Codecs: []domain.RtpCodecParameters{{
				MimeType:    match.MimeType,
				PayloadType: match.PreferredPayloadType,
				ClockRate:   match.ClockRate,
				Channels:    match.Channels,
			}},
			Encodings: []domain.RtpEncodingParameters{{Ssrc: 424242}},
			Rtcp:      domain.RtcpParameters{Cname: "fake", ReducedSize: true},
		},
	}
	t.mu.Lock()
	t.consumers = append(t.consumers, c)
	t.mu.Unlock()
	return c, nil
}

func (t *transportBase) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *transportBase) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *transportBase) Consumers() []*Consumer {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Consumer, len(t.consumers))
	copy(out, t.consumers)
	return out
}

type WebRtcTransport struct {
	transportBase
	announcedIP string
	remoteDtls  *domain.DtlsParameters
}

func (t *WebRtcTransport) Params() domain.TransportParams {
	ip := t.announcedIP
	if ip == "" {
		ip = "127.0.0.1"
	}
	return domain.TransportParams{
		ID:            t.id,
		IceParameters: domain.IceParameters{UsernameFragment: "ufrag", Password: "pwd", IceLite: true},
		IceCandidates: []domain.IceCandidate{{
			Foundation: "udpcandidate", Priority: 1076302079, IP: ip, Protocol: "udp", Port: 40000, Type: "host",
		}},
		DtlsParameters: domain.DtlsParameters{
			Role:         "auto",
			Fingerprints: []domain.DtlsFingerprint{{Algorithm: "sha-256", Value: "00:11"}},
		},
	}
}

func (t *WebRtcTransport) Connect(ctx context.Context, dtls domain.DtlsParameters) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if len(dtls.Fingerprints) == 0 {
		return fmt.Errorf("%w: no fingerprint", domain.ErrInvalidDtls)
	}
	t.remoteDtls = &dtls
	return nil
}

func (t *WebRtcTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remoteDtls != nil
}

type PlainTransport struct {
	transportBase
	opts   ports.PlainTransportOptions
	remote domain.TransportTuple
}

func (t *PlainTransport) Connect(ctx context.Context, ip string, port, rtcpPort uint16) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	t.remote = domain.TransportTuple{
		LocalIP:    t.opts.ListenIP,
		LocalPort:  50000,
		RemoteIP:   ip,
		RemotePort: port,
		Protocol:   "udp",
	}
	return nil
}

func (t *PlainTransport) Tuple() domain.TransportTuple {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remote
}

func (t *PlainTransport) Options() ports.PlainTransportOptions { return t.opts }

type Producer struct {
	id     domain.ProducerID
	kind   domain.MediaKind
	params domain.RtpParameters

	mu     sync.Mutex
	closed bool
}

func (p *Producer) ID() domain.ProducerID               { return p.id }
func (p *Producer) Kind() domain.MediaKind              { return p.kind }
func (p *Producer) RtpParameters() domain.RtpParameters { return p.params }

func (p *Producer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Producer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

type Consumer struct {
	id         domain.ConsumerID
	producerID domain.ProducerID
	kind       domain.MediaKind
	params     domain.RtpParameters

	mu     sync.Mutex
	paused bool
	closed bool
}

func (c *Consumer) ID() domain.ConsumerID               { return c.id }
func (c *Consumer) ProducerID() domain.ProducerID       { return c.producerID }
func (c *Consumer) Kind() domain.MediaKind              { return c.kind }
func (c *Consumer) RtpParameters() domain.RtpParameters { return c.params }
func (c *Consumer) Type() string                        { return "simple" }

func (c *Consumer) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

func (c *Consumer) Resume(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.paused = false
	return nil
}

func (c *Consumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *Consumer) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

var (
	_ ports.MediaEngine     = (*Engine)(nil)
	_ ports.Worker          = (*Worker)(nil)
	_ ports.Router          = (*Router)(nil)
	_ ports.WebRtcTransport = (*WebRtcTransport)(nil)
	_ ports.PlainTransport  = (*PlainTransport)(nil)
	_ ports.Producer        = (*Producer)(nil)
	_ ports.Consumer        = (*Consumer)(nil)
)
