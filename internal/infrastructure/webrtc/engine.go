// Package webrtc is the in-process media engine built on pion. WebRTC transports expose
// ICE and DTLS parameters from real gatherers; plain transports move RTP over UDP.
package webrtc

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"confsfu/internal/core/domain"
	"confsfu/internal/core/ports"
)

var ErrClosed = errors.New("media engine: closed")

type Engine struct {
	logger *zap.SugaredLogger
	seq    atomic.Int32
}

var _ ports.MediaEngine = (*Engine)(nil)

func NewEngine(logger *zap.SugaredLogger) *Engine {
	return &Engine{logger: logger}
}

// CreateWorker starts a worker with its own DTLS certificate. Workers share the process;
// the pid reported is the process pid offset by the worker ordinal.
func (e *Engine) CreateWorker(ctx context.Context, settings ports.WorkerSettings) (ports.Worker, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if settings.RtcMinPort > settings.RtcMaxPort {
		return nil, fmt.Errorf("invalid rtc port range %d-%d", settings.RtcMinPort, settings.RtcMaxPort)
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate dtls key: %w", err)
	}
	cert, err := webrtc.GenerateCertificate(key)
	if err != nil {
		return nil, fmt.Errorf("generate dtls certificate: %w", err)
	}

	pid := os.Getpid() + int(e.seq.Add(1)) - 1
	w := &Worker{
		pid:      pid,
		settings: settings,
		cert:     *cert,
		logger:   e.logger.With("worker_pid", pid),
		died:     make(chan error, 1),
		routers:  make(map[string]*Router),
	}
	w.loggerFactory = newLoggerFactory(w.logger, settings.LogLevel, settings.LogTags)
	w.logger.Infow("media worker started",
		"rtc_min_port", settings.RtcMinPort,
		"rtc_max_port", settings.RtcMaxPort,
	)
	return w, nil
}

type Worker struct {
	pid           int
	settings      ports.WorkerSettings
	cert          webrtc.Certificate
	logger        *zap.SugaredLogger
	loggerFactory *loggerFactory

	died     chan error
	diedOnce sync.Once

	mu      sync.Mutex
	routers map[string]*Router
	closed  bool
}

var _ ports.Worker = (*Worker)(nil)

func (w *Worker) Pid() int { return w.pid }

func (w *Worker) Died() <-chan error { return w.died }

// fail reports an unrecoverable fault. Only the first one is delivered.
func (w *Worker) fail(err error) {
	w.diedOnce.Do(func() {
		w.logger.Errorw("media worker failed", "error", err)
		w.died <- err
	})
}

// guard recovers a panicking media goroutine and turns it into a worker fault.
func (w *Worker) guard() {
	if r := recover(); r != nil {
		w.fail(fmt.Errorf("%w: %v", domain.ErrWorkerDied, r))
	}
}

func (w *Worker) CreateRouter(ctx context.Context, codecs []domain.RtpCodecCapability) (ports.Router, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	caps, err := BuildRtpCapabilities(codecs)
	if err != nil {
		return nil, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, ErrClosed
	}

	r := &Router{
		id:         uuid.NewString(),
		worker:     w,
		caps:       caps,
		producers:  make(map[domain.ProducerID]*Producer),
		transports: make(map[domain.TransportID]ports.Transport),
	}
	r.logger = w.logger.With("router_id", r.id)
	w.routers[r.id] = r
	return r, nil
}

func (w *Worker) removeRouter(id string) {
	w.mu.Lock()
	delete(w.routers, id)
	w.mu.Unlock()
}

func (w *Worker) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	routers := make([]*Router, 0, len(w.routers))
	for _, r := range w.routers {
		routers = append(routers, r)
	}
	w.routers = make(map[string]*Router)
	w.mu.Unlock()

	var errs []error
	for _, r := range routers {
		if err := r.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	w.logger.Infow("media worker closed")
	return errors.Join(errs...)
}
