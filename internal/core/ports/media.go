package ports

import (
	"context"

	"confsfu/internal/core/domain"
)

// MediaEngine is the capability contract of the media plane: it spawns workers, and
// everything else hangs off them.
type MediaEngine interface {
	CreateWorker(ctx context.Context, settings WorkerSettings) (Worker, error)
}

type WorkerSettings struct {
	LogLevel   string
	LogTags    []string
	RtcMinPort uint16
	RtcMaxPort uint16
}

// Worker is one media engine instance. Died is signalled at most once, when the worker
// has hit a fault it cannot recover from.
type Worker interface {
	Pid() int
	CreateRouter(ctx context.Context, codecs []domain.RtpCodecCapability) (Router, error)
	Died() <-chan error
	Close() error
}

type WebRtcTransportOptions struct {
	ListenIP                        string
	AnnouncedIP                     string
	InitialAvailableOutgoingBitrate int
}

type PlainTransportOptions struct {
	ListenIP string
	RtcpMux  bool
	Comedia  bool
}

type Router interface {
	ID() string
	RtpCapabilities() domain.RtpCapabilities
	CreateWebRtcTransport(ctx context.Context, opts WebRtcTransportOptions) (WebRtcTransport, error)
	CreatePlainTransport(ctx context.Context, opts PlainTransportOptions) (PlainTransport, error)
	Close() error
}

type Transport interface {
	ID() domain.TransportID
	Produce(ctx context.Context, kind domain.MediaKind, params domain.RtpParameters) (Producer, error)
	// Consume fails with domain.ErrIncompatible when caps cannot receive the producer.
	Consume(ctx context.Context, producerID domain.ProducerID, caps domain.RtpCapabilities, paused bool) (Consumer, error)
	Close() error
}

type WebRtcTransport interface {
	Transport
	Params() domain.TransportParams
	Connect(ctx context.Context, dtls domain.DtlsParameters) error
}

type PlainTransport interface {
	Transport
	Connect(ctx context.Context, ip string, port, rtcpPort uint16) error
	Tuple() domain.TransportTuple
}

type Producer interface {
	ID() domain.ProducerID
	Kind() domain.MediaKind
	RtpParameters() domain.RtpParameters
	Closed() bool
	Close() error
}

type Consumer interface {
	ID() domain.ConsumerID
	ProducerID() domain.ProducerID
	Kind() domain.MediaKind
	RtpParameters() domain.RtpParameters
	Type() string
	Paused() bool
	Resume(ctx context.Context) error
	Close() error
}
