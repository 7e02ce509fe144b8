package signal

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"confsfu/internal/core/ports"
	rlog "confsfu/pkg/logger"
)

type Config struct {
	PingInterval      time.Duration
	PongTimeout       time.Duration
	WriteTimeout      time.Duration
	RequestTimeout    time.Duration
	SendBuffer        int
	AllowedOrigins    []string
	MessagesPerSecond float64
	Burst             int
	MaxMessageSize    int64
}

func (c *Config) applyDefaults() {
	if c.PingInterval <= 0 {
		c.PingInterval = 54 * time.Second
	}
	if c.PongTimeout <= c.PingInterval {
		c.PongTimeout = c.PingInterval + c.PingInterval/9
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
	if c.MessagesPerSecond > 0 && c.Burst <= 0 {
		c.Burst = int(c.MessagesPerSecond)
	}
}

// Metrics observes signaling traffic.
type Metrics interface {
	SessionOpened()
	SessionClosed()
	RequestHandled(method, code string, took time.Duration)
}

type nopMetrics struct{}

func (nopMetrics) SessionOpened()                               {}
func (nopMetrics) SessionClosed()                               {}
func (nopMetrics) RequestHandled(string, string, time.Duration) {}

type ServerOption func(*Server)

func WithMetrics(m Metrics) ServerOption {
	return func(s *Server) {
		if m != nil {
			s.metrics = m
		}
	}
}

// Server upgrades HTTP requests to signaling sessions and drives the room service
// on their behalf.
type Server struct {
	rooms     ports.RoomService
	hub       *Hub
	cfg       Config
	upgrader  websocket.Upgrader
	metrics   Metrics
	logger    *zap.SugaredLogger
	ctxLogger *rlog.ContextLogger

	wg sync.WaitGroup
}

func NewServer(rooms ports.RoomService, hub *Hub, cfg Config, logger *zap.SugaredLogger, opts ...ServerOption) *Server {
	cfg.applyDefaults()
	s := &Server{
		rooms:     rooms,
		hub:       hub,
		cfg:       cfg,
		metrics:   nopMetrics{},
		logger:    logger,
		ctxLogger: rlog.NewContextLogger(logger),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(cfg.AllowedOrigins),
	}
	return s
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return nil
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			if a == "*" || strings.EqualFold(a, origin) {
				return true
			}
		}
		return false
	}
}

// HandleWebSocket serves one signaling connection until it closes.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	session := newSession(s, conn)
	s.hub.register(session)
	s.wg.Add(1)
	s.metrics.SessionOpened()
	session.logger.Infow("signaling session opened", "remote", r.RemoteAddr)

	go session.writePump()

	defer func() {
		session.disconnect()
		s.hub.unregister(session)
		session.close()
		s.metrics.SessionClosed()
		s.wg.Done()
		session.logger.Infow("signaling session closed")
	}()
	session.readLoop()
}

// Connections returns the number of open signaling sessions.
func (s *Server) Connections() int {
	return s.hub.Count()
}

// Shutdown closes every open session and waits for their cleanup, or for ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	for _, session := range s.hub.snapshot() {
		session.close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
