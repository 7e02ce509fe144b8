package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"confsfu/internal/core/domain"
	"confsfu/internal/core/ports"
	apperrors "confsfu/pkg/errors"
	rlog "confsfu/pkg/logger"
	"confsfu/pkg/tracing"
	"confsfu/pkg/utils"
	"confsfu/pkg/validation"
)

// Session is one signaling connection. Requests are handled one at a time by the read
// loop, in arrival order; all writes go through the write pump.
type Session struct {
	id      domain.PeerID
	conn    *websocket.Conn
	server  *Server
	logger  *zap.SugaredLogger
	limiter *rate.Limiter

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	// owned by the read loop
	joined  bool
	roomID  domain.RoomID
	hasSend bool
}

func newSession(srv *Server, conn *websocket.Conn) *Session {
	s := &Session{
		id:     domain.PeerID(utils.GenerateConnectionID()),
		conn:   conn,
		server: srv,
		send:   make(chan []byte, srv.cfg.SendBuffer),
		done:   make(chan struct{}),
	}
	if srv.cfg.MessagesPerSecond > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(srv.cfg.MessagesPerSecond), srv.cfg.Burst)
	}
	s.logger = srv.logger.With("session_id", s.id)
	return s
}

func (s *Session) ID() domain.PeerID { return s.id }

func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

// trySend queues msg without blocking.
func (s *Session) trySend(msg []byte) bool {
	select {
	case <-s.done:
		return true
	default:
	}
	select {
	case s.send <- msg:
		return true
	default:
		return false
	}
}

// enqueue queues msg, waiting for room in the buffer unless the session ends.
func (s *Session) enqueue(msg []byte) {
	select {
	case s.send <- msg:
	case <-s.done:
	}
}

func (s *Session) ack(id uint64, data interface{}) {
	msg, err := json.Marshal(Ack{Type: typeAck, ID: id, Data: data})
	if err != nil {
		s.logger.Errorw("failed to encode ack", "request_id", id, "error", err)
		msg, _ = json.Marshal(Ack{Type: typeAck, ID: id, Data: ErrorPayload{
			Error: "internal error",
			Code:  string(apperrors.ErrCodeInternal),
		}})
	}
	s.enqueue(msg)
}

func (s *Session) notify(method string, data interface{}) {
	msg, err := json.Marshal(Notification{Type: typeNotification, Method: method, Data: data})
	if err != nil {
		s.logger.Errorw("failed to encode notification", "method", method, "error", err)
		return
	}
	s.enqueue(msg)
}

func (s *Session) writePump() {
	ticker := time.NewTicker(s.server.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		s.close()
	}()

	for {
		select {
		case msg := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.server.cfg.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.logger.Debugw("write failed", "error", err)
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.server.cfg.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Debugw("ping failed", "error", err)
				return
			}
		case <-s.done:
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return
		}
	}
}

func (s *Session) readLoop() {
	cfg := s.server.cfg
	if cfg.MaxMessageSize > 0 {
		s.conn.SetReadLimit(cfg.MaxMessageSize)
	}
	_ = s.conn.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Infow("connection lost", "error", err)
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
		s.handle(raw)
	}
}

func (s *Session) handle(raw []byte) {
	start := time.Now()

	var req Request
	if err := json.Unmarshal(raw, &req); err != nil || req.Method == "" {
		s.reply(context.Background(), req, start, nil, apperrors.NewInvalidInputError("malformed request"))
		return
	}

	ctx := rlog.WithSessionID(context.Background(), string(s.id))
	ctx = rlog.WithRequestID(ctx, req.ID)
	if s.joined {
		ctx = rlog.WithRoomID(ctx, string(s.roomID))
	}
	ctx, span := tracing.TraceSignal(ctx, req.Method, req.ID, string(s.id))
	defer span.End()

	if s.limiter != nil && !s.limiter.Allow() {
		s.reply(ctx, req, start, nil, apperrors.NewRateLimitError())
		return
	}

	ctx, cancel := context.WithTimeout(ctx, s.server.cfg.RequestTimeout)
	defer cancel()

	data, err := s.dispatch(ctx, req)
	s.reply(ctx, req, start, data, err)
}

func (s *Session) reply(ctx context.Context, req Request, start time.Time, data interface{}, err error) {
	method := req.Method
	if !knownMethods[method] {
		method = "unknown"
	}

	if err != nil {
		tracing.RecordError(ctx, err)
		payload := s.errorPayload(ctx, req.Method, err)
		tracing.AddSpanAttributes(ctx, tracing.ErrorCodeKey.String(payload.Code))
		s.ack(req.ID, payload)
		s.server.metrics.RequestHandled(method, payload.Code, time.Since(start))
		return
	}
	s.ack(req.ID, data)
	s.server.metrics.RequestHandled(method, "", time.Since(start))
}

func (s *Session) errorPayload(ctx context.Context, method string, err error) ErrorPayload {
	appErr := apperrors.FromDomain(err)
	log := s.server.ctxLogger.For(ctx)
	switch appErr.Code {
	case apperrors.ErrCodeInternal:
		log.Errorw("signaling request failed", "method", method, "error", err)
	case apperrors.ErrCodeTimeout:
		log.Warnw("signaling request timed out", "method", method, "error", err)
	default:
		log.Infow("signaling request rejected", "method", method, "code", appErr.Code, "error", err)
	}
	return ErrorPayload{Error: appErr.Message, Code: string(appErr.Code)}
}

func decode(data json.RawMessage, v interface{}) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return apperrors.NewInvalidInputError(fmt.Sprintf("invalid payload: %v", err))
	}
	return nil
}

func invalid(err error) error {
	if err == nil {
		return nil
	}
	return apperrors.NewInvalidInputError(err.Error())
}

func (s *Session) requireRoom() error {
	if !s.joined {
		return domain.ErrNotInRoom
	}
	return nil
}

func (s *Session) dispatch(ctx context.Context, req Request) (interface{}, error) {
	rooms := s.server.rooms

	switch req.Method {
	case MethodCreateRoom:
		var p createRoomRequest
		if err := decode(req.Data, &p); err != nil {
			return nil, err
		}
		if err := invalid(validation.ValidateRoomID(p.RoomID)); err != nil {
			return nil, err
		}
		if err := rooms.CreateRoom(ctx, domain.RoomID(p.RoomID)); err != nil {
			if errors.Is(err, domain.ErrRoomExists) {
				return ackAlreadyExists, nil
			}
			return nil, err
		}
		s.logger.Infow("room created", "room_id", p.RoomID)
		return p.RoomID, nil

	case MethodJoin:
		if s.joined {
			return nil, domain.ErrAlreadyInRoom
		}
		var p joinRequest
		if err := decode(req.Data, &p); err != nil {
			return nil, err
		}
		if err := invalid(validation.ValidateRoomID(p.RoomID)); err != nil {
			return nil, err
		}
		name := utils.TruncateString(utils.SanitizeString(p.Name), validation.MaxDisplayNameLen)
		if err := invalid(validation.ValidateDisplayName(name)); err != nil {
			return nil, err
		}
		snapshot, err := rooms.Join(ctx, domain.RoomID(p.RoomID), s.id, name)
		if err != nil {
			return nil, err
		}
		s.joined, s.roomID, s.hasSend = true, domain.RoomID(p.RoomID), false
		s.logger.Infow("peer joined", "room_id", p.RoomID, "name", name)
		return snapshot, nil

	case MethodGetProducers:
		if err := s.requireRoom(); err != nil {
			return nil, err
		}
		list, err := rooms.ProducersForPeer(ctx, s.roomID, s.id)
		if err != nil {
			return nil, err
		}
		s.notify(ports.NotifyNewProducers, list)
		return nil, nil

	case MethodGetRouterCapabilities:
		if err := s.requireRoom(); err != nil {
			return nil, err
		}
		return rooms.RouterRtpCapabilities(ctx, s.roomID)

	case MethodCreateTransport:
		if err := s.requireRoom(); err != nil {
			return nil, err
		}
		var p createTransportRequest
		if err := decode(req.Data, &p); err != nil {
			return nil, err
		}
		direction := p.Direction
		if direction == "" {
			direction = domain.DirectionSend
			if s.hasSend {
				direction = domain.DirectionRecv
			}
		}
		if !direction.Valid() {
			return nil, apperrors.NewInvalidInputError(fmt.Sprintf("invalid direction %q", direction))
		}
		params, err := rooms.CreateTransport(ctx, s.roomID, s.id, direction)
		if err != nil {
			return nil, err
		}
		if direction == domain.DirectionSend {
			s.hasSend = true
		}
		return params, nil

	case MethodConnectTransport:
		if err := s.requireRoom(); err != nil {
			return nil, err
		}
		var p connectTransportRequest
		if err := decode(req.Data, &p); err != nil {
			return nil, err
		}
		if err := invalid(validation.ValidateID(string(p.TransportID), "transport_id")); err != nil {
			return nil, err
		}
		if err := rooms.ConnectTransport(ctx, s.roomID, s.id, p.TransportID, p.DtlsParameters); err != nil {
			return nil, err
		}
		return ackSuccess, nil

	case MethodProduce:
		if err := s.requireRoom(); err != nil {
			return nil, err
		}
		var p produceRequest
		if err := decode(req.Data, &p); err != nil {
			return nil, err
		}
		if !p.Kind.Valid() {
			return nil, apperrors.NewInvalidInputError(fmt.Sprintf("invalid kind %q", p.Kind))
		}
		if err := invalid(validation.ValidateID(string(p.ProducerTransportID), "producerTransportId")); err != nil {
			return nil, err
		}
		id, err := rooms.Produce(ctx, s.roomID, s.id, p.ProducerTransportID, p.Kind, p.RtpParameters)
		if err != nil {
			return nil, err
		}
		tracing.AddSpanAttributes(ctx, tracing.ProducerIDKey.String(string(id)), tracing.MediaKindKey.String(string(p.Kind)))
		return produceResponse{ProducerID: id}, nil

	case MethodConsume:
		if err := s.requireRoom(); err != nil {
			return nil, err
		}
		var p consumeRequest
		if err := decode(req.Data, &p); err != nil {
			return nil, err
		}
		if err := invalid(validation.ValidateID(string(p.ConsumerTransportID), "consumerTransportId")); err != nil {
			return nil, err
		}
		if err := invalid(validation.ValidateID(string(p.ProducerID), "producerId")); err != nil {
			return nil, err
		}
		return rooms.Consume(ctx, s.roomID, s.id, p.ConsumerTransportID, p.ProducerID, p.RtpCapabilities)

	case MethodResume:
		if err := s.requireRoom(); err != nil {
			return nil, err
		}
		var p resumeRequest
		if err := decode(req.Data, &p); err != nil {
			return nil, err
		}
		if err := invalid(validation.ValidateID(string(p.ConsumerID), "consumer_id")); err != nil {
			return nil, err
		}
		return nil, rooms.ResumeConsumer(ctx, s.roomID, s.id, p.ConsumerID)

	case MethodGetMyRoomInfo:
		if err := s.requireRoom(); err != nil {
			return nil, err
		}
		return rooms.RoomSnapshot(ctx, s.roomID)

	case MethodProducerClosed:
		if err := s.requireRoom(); err != nil {
			return nil, err
		}
		var p producerClosedRequest
		if err := decode(req.Data, &p); err != nil {
			return nil, err
		}
		if err := invalid(validation.ValidateID(string(p.ProducerID), "producer_id")); err != nil {
			return nil, err
		}
		return nil, rooms.CloseProducer(ctx, s.roomID, s.id, p.ProducerID)

	case MethodExitRoom:
		if !s.joined {
			return nil, apperrors.NewInvalidStateError(errNotInRoom)
		}
		if err := s.leave(ctx); err != nil {
			return nil, err
		}
		return ackExited, nil

	default:
		return nil, apperrors.NewInvalidInputError(fmt.Sprintf("unknown method %q", req.Method))
	}
}

// leave returns the session to Unjoined. The room-side removal error, if any, is
// reported but the session is detached either way.
func (s *Session) leave(ctx context.Context) error {
	roomID := s.roomID
	s.joined, s.roomID, s.hasSend = false, "", false

	if err := s.server.rooms.LeaveRoom(ctx, roomID, s.id); err != nil {
		return err
	}
	s.logger.Infow("peer left", "room_id", roomID)
	return nil
}

// disconnect runs the exitRoom path for a connection that went away.
func (s *Session) disconnect() {
	if !s.joined {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.server.cfg.RequestTimeout)
	defer cancel()
	if err := s.leave(ctx); err != nil {
		s.logger.Warnw("cleanup after disconnect failed", "error", err)
	}
}
