package domain

import "errors"

var (
	ErrRoomNotFound      = errors.New("room does not exist")
	ErrRouterClosed      = errors.New("router closed")
	ErrRoomExists        = errors.New("already exists")
	ErrPeerNotFound      = errors.New("peer not found")
	ErrPeerExists        = errors.New("peer already exists")
	ErrTransportNotFound = errors.New("transport not found")
	ErrProducerNotFound  = errors.New("producer not found")
	ErrConsumerNotFound  = errors.New("consumer not found")

	ErrTransportConnected = errors.New("transport already connected")
	ErrTransportNotReady  = errors.New("transport not ready")
	ErrProducerClosed     = errors.New("producer closed")
	ErrSelfConsume        = errors.New("cannot consume own producer")
	ErrIncompatible       = errors.New("rtp capabilities incompatible")
	ErrInvalidDtls        = errors.New("invalid dtls parameters")

	ErrNotInRoom     = errors.New("not in a room")
	ErrAlreadyInRoom = errors.New("already in a room")

	ErrWorkerDied = errors.New("media worker died")
)
