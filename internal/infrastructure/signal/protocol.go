package signal

import (
	"encoding/json"

	"confsfu/internal/core/domain"
)

const (
	MethodCreateRoom            = "createRoom"
	MethodJoin                  = "join"
	MethodGetProducers          = "getProducers"
	MethodGetRouterCapabilities = "getRouterRtpCapabilities"
	MethodCreateTransport       = "createWebRtcTransport"
	MethodConnectTransport      = "connectTransport"
	MethodProduce               = "produce"
	MethodConsume               = "consume"
	MethodResume                = "resume"
	MethodGetMyRoomInfo         = "getMyRoomInfo"
	MethodProducerClosed        = "producerClosed"
	MethodExitRoom              = "exitRoom"
)

var knownMethods = map[string]bool{
	MethodCreateRoom:            true,
	MethodJoin:                  true,
	MethodGetProducers:          true,
	MethodGetRouterCapabilities: true,
	MethodCreateTransport:       true,
	MethodConnectTransport:      true,
	MethodProduce:               true,
	MethodConsume:               true,
	MethodResume:                true,
	MethodGetMyRoomInfo:         true,
	MethodProducerClosed:        true,
	MethodExitRoom:              true,
}

const (
	typeAck          = "ack"
	typeNotification = "notification"
)

// Literal acknowledgement payloads clients match on.
const (
	ackAlreadyExists = "already exists"
	ackSuccess       = "success"
	ackExited        = "successfully exited room"
	errNotInRoom     = "not currently in a room"
)

// Request is a client-initiated operation. Every request is answered by exactly one Ack
// carrying the same id.
type Request struct {
	ID     uint64          `json:"id"`
	Method string          `json:"method"`
	Data   json.RawMessage `json:"data,omitempty"`
}

type Ack struct {
	Type string      `json:"type"`
	ID   uint64      `json:"id"`
	Data interface{} `json:"data"`
}

type Notification struct {
	Type   string      `json:"type"`
	Method string      `json:"method"`
	Data   interface{} `json:"data"`
}

type ErrorPayload struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

type createRoomRequest struct {
	RoomID string `json:"room_id"`
}

type joinRequest struct {
	RoomID string `json:"room_id"`
	Name   string `json:"name"`
}

type createTransportRequest struct {
	Direction domain.TransportDirection `json:"direction,omitempty"`
}

type connectTransportRequest struct {
	TransportID    domain.TransportID    `json:"transport_id"`
	DtlsParameters domain.DtlsParameters `json:"dtlsParameters"`
}

type produceRequest struct {
	Kind                domain.MediaKind     `json:"kind"`
	RtpParameters       domain.RtpParameters `json:"rtpParameters"`
	ProducerTransportID domain.TransportID   `json:"producerTransportId"`
}

type produceResponse struct {
	ProducerID domain.ProducerID `json:"producer_id"`
}

type consumeRequest struct {
	ConsumerTransportID domain.TransportID     `json:"consumerTransportId"`
	ProducerID          domain.ProducerID      `json:"producerId"`
	RtpCapabilities     domain.RtpCapabilities `json:"rtpCapabilities"`
}

type resumeRequest struct {
	ConsumerID domain.ConsumerID `json:"consumer_id"`
}

type producerClosedRequest struct {
	ProducerID domain.ProducerID `json:"producer_id"`
}
