package webrtc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"confsfu/internal/core/domain"
	"confsfu/internal/core/ports"
)

// errRouterClosed is ErrClosed as seen by callers that only know the domain errors.
var errRouterClosed = fmt.Errorf("%w: %w", ErrClosed, domain.ErrRouterClosed)

type Router struct {
	id     string
	worker *Worker
	caps   domain.RtpCapabilities
	logger *zap.SugaredLogger

	mu         sync.Mutex
	producers  map[domain.ProducerID]*Producer
	transports map[domain.TransportID]ports.Transport
	closed     bool
}

var _ ports.Router = (*Router)(nil)

func (r *Router) ID() string { return r.id }

func (r *Router) RtpCapabilities() domain.RtpCapabilities { return r.caps }

func (r *Router) CreateWebRtcTransport(ctx context.Context, opts ports.WebRtcTransportOptions) (ports.WebRtcTransport, error) {
	if r.isClosed() {
		return nil, errRouterClosed
	}
	t, err := newWebRtcTransport(ctx, r, opts)
	if err != nil {
		return nil, err
	}
	if err := r.addTransport(t.ID(), t); err != nil {
		_ = t.Close()
		return nil, err
	}
	return t, nil
}

func (r *Router) CreatePlainTransport(ctx context.Context, opts ports.PlainTransportOptions) (ports.PlainTransport, error) {
	if r.isClosed() {
		return nil, errRouterClosed
	}
	t, err := newPlainTransport(ctx, r, opts)
	if err != nil {
		return nil, err
	}
	if err := r.addTransport(t.ID(), t); err != nil {
		_ = t.Close()
		return nil, err
	}
	return t, nil
}

func (r *Router) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *Router) addTransport(id domain.TransportID, t ports.Transport) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	r.transports[id] = t
	return nil
}

func (r *Router) removeTransport(id domain.TransportID) {
	r.mu.Lock()
	delete(r.transports, id)
	r.mu.Unlock()
}

func (r *Router) addProducer(p *Producer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	r.producers[p.id] = p
	return nil
}

func (r *Router) removeProducer(id domain.ProducerID) {
	r.mu.Lock()
	delete(r.producers, id)
	r.mu.Unlock()
}

func (r *Router) producer(id domain.ProducerID) (*Producer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.producers[id]
	return p, ok
}

// Close closes every transport on the router, which in turn closes their producers and
// consumers.
func (r *Router) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	transports := make([]ports.Transport, 0, len(r.transports))
	for _, t := range r.transports {
		transports = append(transports, t)
	}
	r.transports = make(map[domain.TransportID]ports.Transport)
	r.mu.Unlock()

	var errs []error
	for _, t := range transports {
		if err := t.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	r.worker.removeRouter(r.id)
	r.logger.Debugw("router closed", "transports", len(transports))
	return errors.Join(errs...)
}
