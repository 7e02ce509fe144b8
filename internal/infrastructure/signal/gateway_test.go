package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"confsfu/internal/core/domain"
	"confsfu/internal/core/ports"
	"confsfu/internal/core/services"
	"confsfu/internal/testutils"
)

type envelope struct {
	Type   string          `json:"type"`
	ID     uint64          `json:"id"`
	Method string          `json:"method"`
	Data   json.RawMessage `json:"data"`
}

type client struct {
	t       *testing.T
	conn    *websocket.Conn
	nextID  atomic.Uint64
	inbox   chan envelope
	pending []envelope
}

type gateway struct {
	server *Server
	http   *httptest.Server
	reg    *services.RoomRegistry
}

func newGateway(t *testing.T, cfg Config) *gateway {
	t.Helper()
	logger := zaptest.NewLogger(t).Sugar()

	pool, err := services.NewWorkerPool(context.Background(), testutils.NewEngine(), services.WorkerPoolConfig{
		NumWorkers: 1,
		FatalGrace: time.Second,
	}, nil, logger)
	require.NoError(t, err)

	hub := NewHub(logger)
	reg := services.NewRoomRegistry(pool, services.RegistryConfig{Codecs: testutils.DefaultCodecs()}, logger,
		services.WithNotifier(hub))

	server := NewServer(reg, hub, cfg, logger)
	ts := httptest.NewServer(http.HandlerFunc(server.HandleWebSocket))

	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
		reg.Close()
		_ = pool.Close()
	})
	return &gateway{server: server, http: ts, reg: reg}
}

func (g *gateway) dial(t *testing.T) *client {
	t.Helper()
	url := "ws" + strings.TrimPrefix(g.http.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	c := &client{t: t, conn: conn, inbox: make(chan envelope, 64)}
	go func() {
		defer close(c.inbox)
		for {
			var msg envelope
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			c.inbox <- msg
		}
	}()
	t.Cleanup(func() { _ = conn.Close() })
	return c
}

func (c *client) next() envelope {
	c.t.Helper()
	select {
	case msg, ok := <-c.inbox:
		require.True(c.t, ok, "connection closed")
		return msg
	case <-time.After(5 * time.Second):
		c.t.Fatal("timed out waiting for a message")
		return envelope{}
	}
}

// request sends method and returns the ack payload. Pushes received meanwhile are kept.
func (c *client) request(method string, data interface{}) json.RawMessage {
	c.t.Helper()
	id := c.nextID.Add(1)
	raw, err := json.Marshal(data)
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteJSON(Request{ID: id, Method: method, Data: raw}))

	for {
		msg := c.next()
		if msg.Type == typeAck {
			require.Equal(c.t, id, msg.ID)
			return msg.Data
		}
		c.pending = append(c.pending, msg)
	}
}

func (c *client) push(method string) json.RawMessage {
	c.t.Helper()
	for i, msg := range c.pending {
		if msg.Method == method {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return msg.Data
		}
	}
	for {
		msg := c.next()
		if msg.Type == typeNotification && msg.Method == method {
			return msg.Data
		}
		c.pending = append(c.pending, msg)
	}
}

func decodeAs[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v))
	return v
}

func (c *client) join(room, name string) {
	c.t.Helper()
	snap := decodeAs[domain.RoomSnapshot](c.t, c.request(MethodJoin, joinRequest{RoomID: room, Name: name}))
	require.Equal(c.t, domain.RoomID(room), snap.ID)
}

func (c *client) transport(direction domain.TransportDirection) domain.TransportID {
	c.t.Helper()
	params := decodeAs[domain.TransportParams](c.t, c.request(MethodCreateTransport, createTransportRequest{Direction: direction}))
	require.NotEmpty(c.t, params.ID)
	ack := decodeAs[string](c.t, c.request(MethodConnectTransport, connectTransportRequest{
		TransportID:    params.ID,
		DtlsParameters: testutils.ClientDtls(),
	}))
	require.Equal(c.t, ackSuccess, ack)
	return params.ID
}

func TestGateway_ConferenceFlow(t *testing.T) {
	g := newGateway(t, Config{})
	alice, bob := g.dial(t), g.dial(t)

	assert.Equal(t, "r1", decodeAs[string](t, alice.request(MethodCreateRoom, createRoomRequest{RoomID: "r1"})))
	alice.join("r1", "alice")
	bob.join("r1", "bob")

	caps := decodeAs[domain.RtpCapabilities](t, bob.request(MethodGetRouterCapabilities, nil))
	assert.Len(t, caps.Codecs, 2)

	send := alice.transport(domain.DirectionSend)
	recv := bob.transport(domain.DirectionRecv)

	produced := decodeAs[produceResponse](t, alice.request(MethodProduce, produceRequest{
		Kind:                domain.KindVideo,
		RtpParameters:       testutils.VideoParameters(),
		ProducerTransportID: send,
	}))
	require.NotEmpty(t, produced.ProducerID)

	announced := decodeAs[[]domain.ProducerInfo](t, bob.push(ports.NotifyNewProducers))
	require.Len(t, announced, 1)
	assert.Equal(t, produced.ProducerID, announced[0].ProducerID)
	assert.NotEmpty(t, announced[0].OwningPeerID)

	consumer := decodeAs[domain.ConsumerParams](t, bob.request(MethodConsume, consumeRequest{
		ConsumerTransportID: recv,
		ProducerID:          produced.ProducerID,
		RtpCapabilities:     testutils.ClientCapabilities(),
	}))
	assert.Equal(t, produced.ProducerID, consumer.ProducerID)
	assert.Equal(t, domain.KindVideo, consumer.Kind)

	assert.Equal(t, "null", string(bob.request(MethodResume, resumeRequest{ConsumerID: consumer.ID})))

	info := decodeAs[domain.RoomSnapshot](t, alice.request(MethodGetMyRoomInfo, nil))
	assert.Len(t, info.Peers, 2)

	// a late joiner asks for what is already there
	carol := g.dial(t)
	carol.join("r1", "carol")
	assert.Equal(t, "null", string(carol.request(MethodGetProducers, nil)))
	existing := decodeAs[[]domain.ProducerInfo](t, carol.push(ports.NotifyNewProducers))
	require.Len(t, existing, 1)
	assert.Equal(t, produced.ProducerID, existing[0].ProducerID)

	assert.Equal(t, "null", string(alice.request(MethodProducerClosed, producerClosedRequest{ProducerID: produced.ProducerID})))
	closed := decodeAs[domain.ProducerClosedNotice](t, bob.push(ports.NotifyProducerClose))
	assert.Equal(t, produced.ProducerID, closed.ProducerID)
}

func TestGateway_DefaultDirection(t *testing.T) {
	g := newGateway(t, Config{})
	c := g.dial(t)
	c.request(MethodCreateRoom, createRoomRequest{RoomID: "r1"})
	c.join("r1", "solo")

	first := decodeAs[domain.TransportParams](t, c.request(MethodCreateTransport, nil))
	second := decodeAs[domain.TransportParams](t, c.request(MethodCreateTransport, nil))
	assert.NotEqual(t, first.ID, second.ID)

	snap := decodeAs[domain.RoomSnapshot](t, c.request(MethodGetMyRoomInfo, nil))
	require.Len(t, snap.Peers, 1)
	assert.Equal(t, 2, snap.Peers[0].Transports)
}

func TestGateway_RoomScopedMethodsRequireJoin(t *testing.T) {
	g := newGateway(t, Config{})
	c := g.dial(t)

	for _, method := range []string{MethodGetProducers, MethodGetRouterCapabilities, MethodCreateTransport, MethodGetMyRoomInfo} {
		payload := decodeAs[ErrorPayload](t, c.request(method, nil))
		assert.Equal(t, "not in a room", payload.Error, method)
		assert.Equal(t, "INVALID_STATE", payload.Code, method)
	}
}

func TestGateway_RoomLifecycleLiterals(t *testing.T) {
	g := newGateway(t, Config{})
	c := g.dial(t)

	missing := decodeAs[ErrorPayload](t, c.request(MethodJoin, joinRequest{RoomID: "nope", Name: "x"}))
	assert.Equal(t, "room does not exist", missing.Error)
	assert.Equal(t, "NOT_FOUND", missing.Code)

	assert.Equal(t, "r1", decodeAs[string](t, c.request(MethodCreateRoom, createRoomRequest{RoomID: "r1"})))
	assert.Equal(t, ackAlreadyExists, decodeAs[string](t, c.request(MethodCreateRoom, createRoomRequest{RoomID: "r1"})))

	notJoined := decodeAs[ErrorPayload](t, c.request(MethodExitRoom, nil))
	assert.Equal(t, errNotInRoom, notJoined.Error)

	c.join("r1", "x")
	again := decodeAs[ErrorPayload](t, c.request(MethodJoin, joinRequest{RoomID: "r1", Name: "x"}))
	assert.Equal(t, "already in a room", again.Error)

	assert.Equal(t, ackExited, decodeAs[string](t, c.request(MethodExitRoom, nil)))

	// the last peer leaving deletes the room
	assert.Empty(t, g.reg.ListRooms(context.Background()))
}

func TestGateway_InvalidRequests(t *testing.T) {
	g := newGateway(t, Config{})
	c := g.dial(t)

	unknown := decodeAs[ErrorPayload](t, c.request("teleport", nil))
	assert.Equal(t, "INVALID_INPUT", unknown.Code)

	badRoom := decodeAs[ErrorPayload](t, c.request(MethodCreateRoom, createRoomRequest{RoomID: "has spaces!"}))
	assert.Equal(t, "INVALID_INPUT", badRoom.Code)

	require.NoError(t, c.conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	msg := c.next()
	assert.Equal(t, typeAck, msg.Type)
	assert.Equal(t, "INVALID_INPUT", decodeAs[ErrorPayload](t, msg.Data).Code)
}

func TestGateway_MalformedDtlsIsInvalidInput(t *testing.T) {
	g := newGateway(t, Config{})
	c := g.dial(t)

	c.request(MethodCreateRoom, createRoomRequest{RoomID: "r1"})
	c.join("r1", "alice")
	params := decodeAs[domain.TransportParams](t, c.request(MethodCreateTransport, createTransportRequest{Direction: domain.DirectionSend}))

	bad := decodeAs[ErrorPayload](t, c.request(MethodConnectTransport, connectTransportRequest{
		TransportID:    params.ID,
		DtlsParameters: domain.DtlsParameters{Role: "client"},
	}))
	assert.Equal(t, "INVALID_INPUT", bad.Code)
	assert.Equal(t, "invalid dtls parameters", bad.Error)

	// the transport can still be connected properly
	ok := decodeAs[string](t, c.request(MethodConnectTransport, connectTransportRequest{
		TransportID:    params.ID,
		DtlsParameters: testutils.ClientDtls(),
	}))
	assert.Equal(t, ackSuccess, ok)
}

func TestGateway_RateLimit(t *testing.T) {
	g := newGateway(t, Config{MessagesPerSecond: 1, Burst: 1})
	c := g.dial(t)

	c.request(MethodCreateRoom, createRoomRequest{RoomID: "r1"})
	limited := decodeAs[ErrorPayload](t, c.request(MethodCreateRoom, createRoomRequest{RoomID: "r2"}))
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", limited.Code)
}

func TestGateway_DisconnectLeavesRoom(t *testing.T) {
	g := newGateway(t, Config{})
	alice, bob := g.dial(t), g.dial(t)

	alice.request(MethodCreateRoom, createRoomRequest{RoomID: "r1"})
	alice.join("r1", "alice")
	bob.join("r1", "bob")

	info := decodeAs[domain.RoomSnapshot](t, alice.request(MethodGetMyRoomInfo, nil))
	var bobID domain.PeerID
	for _, p := range info.Peers {
		if p.Name == "bob" {
			bobID = p.ID
		}
	}
	require.NotEmpty(t, bobID)

	require.NoError(t, bob.conn.Close())

	gone := decodeAs[domain.PeerClosedNotice](t, alice.push(ports.NotifyPeerClosed))
	assert.Equal(t, bobID, gone.PeerID)
	assert.Eventually(t, func() bool { return g.server.Connections() == 1 }, 2*time.Second, 10*time.Millisecond)

	after := decodeAs[domain.RoomSnapshot](t, alice.request(MethodGetMyRoomInfo, nil))
	assert.Len(t, after.Peers, 1)
}

func TestGateway_ShutdownClosesSessions(t *testing.T) {
	g := newGateway(t, Config{})
	c := g.dial(t)
	c.request(MethodCreateRoom, createRoomRequest{RoomID: "r1"})
	c.join("r1", "x")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, g.server.Shutdown(ctx))

	assert.Equal(t, 0, g.server.Connections())
	assert.Empty(t, g.reg.ListRooms(context.Background()))
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://app.example.com"})

	req := httptest.NewRequest("GET", "/ws", nil)
	assert.True(t, check(req))

	req.Header.Set("Origin", "https://app.example.com")
	assert.True(t, check(req))

	req.Header.Set("Origin", "https://evil.example.com")
	assert.False(t, check(req))

	assert.Nil(t, originChecker(nil))
}
