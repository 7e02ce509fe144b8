// Package recording taps every new producer into a plain RTP stream aimed at a fixed
// recording endpoint, and optionally supervises the transcoder reading that stream.
package recording

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"confsfu/internal/core/domain"
	"confsfu/internal/core/ports"
	"confsfu/pkg/circuitbreaker"
	"confsfu/pkg/tracing"
)

// PortPair is the RTP and RTCP port of one kind on the recording endpoint.
type PortPair struct {
	RTP  uint16
	RTCP uint16
}

type Config struct {
	IP              string
	ListenIP        string
	Video           PortPair
	Audio           PortPair
	Timeout         time.Duration
	BreakerFailures int
	BreakerReset    time.Duration
}

// FailureCounter counts taps that could not be set up.
type FailureCounter interface {
	RecordingFailed(kind domain.MediaKind, reason string)
}

type nopCounter struct{}

func (nopCounter) RecordingFailed(domain.MediaKind, string) {}

type session struct {
	transport ports.PlainTransport
	consumer  ports.Consumer
	kind      domain.MediaKind
}

func (s *session) close() error {
	return s.transport.Close()
}

// Bridge implements ports.ProducerObserver. Only one endpoint exists per kind, so
// concurrent producers of the same kind all stream to the same ports.
type Bridge struct {
	cfg      Config
	breaker  *circuitbreaker.CircuitBreaker
	failures FailureCounter
	logger   *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	sessions map[domain.ProducerID]*session
	// inflight is true while a tap is being set up and flips to false if the producer
	// closes before it finishes.
	inflight map[domain.ProducerID]bool
	closed   bool
}

var _ ports.ProducerObserver = (*Bridge)(nil)

func NewBridge(cfg Config, failures FailureCounter, logger *zap.SugaredLogger) *Bridge {
	if failures == nil {
		failures = nopCounter{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	breaker := circuitbreaker.New(circuitbreaker.Config{
		FailureThreshold: cfg.BreakerFailures,
		ResetTimeout:     cfg.BreakerReset,
	})
	logger = logger.With("component", "recording")
	breaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Warnw("recording breaker changed state", "from", from.String(), "to", to.String())
	})

	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		cfg:      cfg,
		breaker:  breaker,
		failures: failures,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[domain.ProducerID]*session),
		inflight: make(map[domain.ProducerID]bool),
	}
}

func (b *Bridge) endpoint(kind domain.MediaKind) PortPair {
	if kind == domain.KindAudio {
		return b.cfg.Audio
	}
	return b.cfg.Video
}

// OnNewProducer sets up the tap. It blocks for at most the configured timeout and never
// reports failure to the caller.
func (b *Bridge) OnNewProducer(router ports.Router, producerID domain.ProducerID, kind domain.MediaKind) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.inflight[producerID] = true
	b.wg.Add(1)
	b.mu.Unlock()
	defer b.wg.Done()

	ctx, cancel := context.WithTimeout(b.ctx, b.cfg.Timeout)
	defer cancel()
	ctx, span := tracing.TraceRecording(ctx, string(producerID), string(kind))
	defer span.End()

	var (
		s    *session
		gone error
	)
	err := b.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		s, err = b.tap(ctx, router, producerID, kind)
		// a producer or room that closed first says nothing about the endpoint
		if producerGone(err) {
			gone = err
			return nil
		}
		return err
	})
	if err == nil {
		err = gone
	}

	b.mu.Lock()
	alive := b.inflight[producerID] && !b.closed
	delete(b.inflight, producerID)
	if err == nil && alive {
		b.sessions[producerID] = s
	}
	b.mu.Unlock()

	if err != nil {
		reason := failureReason(err)
		tracing.RecordError(ctx, err)
		b.failures.RecordingFailed(kind, reason)
		b.logger.Warnw("recording tap failed",
			"producer_id", producerID,
			"kind", kind,
			"reason", reason,
			"error", err,
		)
		return
	}
	if !alive {
		_ = s.close()
		return
	}

	tuple := s.transport.Tuple()
	b.logger.Infow("recording tap started",
		"producer_id", producerID,
		"kind", kind,
		"local_port", tuple.LocalPort,
		"remote", fmt.Sprintf("%s:%d", tuple.RemoteIP, tuple.RemotePort),
	)
}

func (b *Bridge) tap(ctx context.Context, router ports.Router, producerID domain.ProducerID, kind domain.MediaKind) (*session, error) {
	pair := b.endpoint(kind)
	transport, err := router.CreatePlainTransport(ctx, ports.PlainTransportOptions{
		ListenIP: b.cfg.ListenIP,
		RtcpMux:  false,
		Comedia:  false,
	})
	if err != nil {
		return nil, fmt.Errorf("create plain transport: %w", err)
	}

	if err := transport.Connect(ctx, b.cfg.IP, pair.RTP, pair.RTCP); err != nil {
		_ = transport.Close()
		return nil, fmt.Errorf("connect plain transport: %w", err)
	}

	consumer, err := transport.Consume(ctx, producerID, router.RtpCapabilities(), true)
	if err != nil {
		_ = transport.Close()
		return nil, fmt.Errorf("consume: %w", err)
	}

	if err := consumer.Resume(ctx); err != nil {
		_ = transport.Close()
		return nil, fmt.Errorf("resume: %w", err)
	}

	return &session{transport: transport, consumer: consumer, kind: kind}, nil
}

func producerGone(err error) bool {
	return errors.Is(err, domain.ErrProducerNotFound) || errors.Is(err, domain.ErrRouterClosed)
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, circuitbreaker.ErrOpen):
		return "breaker_open"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case producerGone(err):
		return "producer_gone"
	default:
		return "error"
	}
}

func (b *Bridge) OnProducerClosed(producerID domain.ProducerID) {
	b.mu.Lock()
	s, ok := b.sessions[producerID]
	delete(b.sessions, producerID)
	if _, pending := b.inflight[producerID]; pending {
		b.inflight[producerID] = false
	}
	b.mu.Unlock()

	if !ok {
		return
	}
	if err := s.close(); err != nil {
		b.logger.Warnw("failed to close recording tap", "producer_id", producerID, "error", err)
		return
	}
	b.logger.Infow("recording tap stopped", "producer_id", producerID, "kind", s.kind)
}

// Sessions returns the number of active taps.
func (b *Bridge) Sessions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

// Close aborts taps in progress and closes the active ones.
func (b *Bridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.cancel()
	b.wg.Wait()

	b.mu.Lock()
	sessions := b.sessions
	b.sessions = make(map[domain.ProducerID]*session)
	b.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		if err := s.close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
