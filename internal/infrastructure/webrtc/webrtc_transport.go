package webrtc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"

	"github.com/pion/webrtc/v3"

	"confsfu/internal/core/domain"
	"confsfu/internal/core/ports"
)

// WebRtcTransport is the server half of a client's send or receive transport. It gathers
// ICE-lite host candidates and owns a DTLS transport bound to the worker certificate.
type WebRtcTransport struct {
	transportCore

	gatherer *webrtc.ICEGatherer
	ice      *webrtc.ICETransport
	dtls     *webrtc.DTLSTransport
	params   domain.TransportParams

	connMu    sync.Mutex
	remote    *domain.DtlsParameters
	connected bool
}

var _ ports.WebRtcTransport = (*WebRtcTransport)(nil)

func newWebRtcTransport(ctx context.Context, r *Router, opts ports.WebRtcTransportOptions) (*WebRtcTransport, error) {
	api, err := r.newAPI(opts)
	if err != nil {
		return nil, err
	}

	t := &WebRtcTransport{}
	t.init(r, "webrtc")

	t.gatherer, err = api.NewICEGatherer(webrtc.ICEGatherOptions{})
	if err != nil {
		return nil, fmt.Errorf("create ice gatherer: %w", err)
	}
	if err := gather(ctx, t.gatherer); err != nil {
		_ = t.gatherer.Close()
		return nil, err
	}

	t.ice = api.NewICETransport(t.gatherer)
	t.dtls, err = api.NewDTLSTransport(t.ice, []webrtc.Certificate{r.worker.cert})
	if err != nil {
		_ = t.ice.Stop()
		return nil, fmt.Errorf("create dtls transport: %w", err)
	}

	t.params, err = t.describe()
	if err != nil {
		_ = t.stop()
		return nil, err
	}

	t.logger.Debugw("webrtc transport created",
		"candidates", len(t.params.IceCandidates),
		"initial_outgoing_bitrate", opts.InitialAvailableOutgoingBitrate,
	)
	return t, nil
}

// newAPI builds a pion API per transport so listen and announced addresses can differ
// between transports of the same router.
func (r *Router) newAPI(opts ports.WebRtcTransportOptions) (*webrtc.API, error) {
	me := &webrtc.MediaEngine{}
	for _, c := range r.caps.Codecs {
		typ := webrtc.RTPCodecTypeVideo
		if c.Kind == domain.KindAudio {
			typ = webrtc.RTPCodecTypeAudio
		}
		feedback := make([]webrtc.RTCPFeedback, 0, len(c.RtcpFeedback))
		for _, fb := range c.RtcpFeedback {
			feedback = append(feedback, webrtc.RTCPFeedback{Type: fb.Type, Parameter: fb.Parameter})
		}
		err := me.RegisterCodec(webrtc.RTPCodecParameters{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:     c.MimeType,
				ClockRate:    c.ClockRate,
				Channels:     c.Channels,
				SDPFmtpLine:  fmtpLine(c.Parameters),
				RTCPFeedback: feedback,
			},
			PayloadType: webrtc.PayloadType(c.PreferredPayloadType),
		}, typ)
		if err != nil {
			return nil, fmt.Errorf("register codec %s: %w", c.MimeType, err)
		}
	}

	settings := r.worker.settings
	se := webrtc.SettingEngine{LoggerFactory: r.worker.loggerFactory}
	se.SetLite(true)
	if settings.RtcMinPort > 0 && settings.RtcMaxPort > 0 {
		if err := se.SetEphemeralUDPPortRange(settings.RtcMinPort, settings.RtcMaxPort); err != nil {
			return nil, fmt.Errorf("set rtc port range: %w", err)
		}
	}
	if opts.AnnouncedIP != "" {
		se.SetNAT1To1IPs([]string{opts.AnnouncedIP}, webrtc.ICECandidateTypeHost)
	}
	if listen := net.ParseIP(opts.ListenIP); listen != nil && !listen.IsUnspecified() {
		se.SetIPFilter(func(ip net.IP) bool { return ip.Equal(listen) })
	}

	return webrtc.NewAPI(webrtc.WithMediaEngine(me), webrtc.WithSettingEngine(se)), nil
}

func gather(ctx context.Context, g *webrtc.ICEGatherer) error {
	done := make(chan struct{})
	var once sync.Once
	g.OnLocalCandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			once.Do(func() { close(done) })
		}
	})
	if err := g.Gather(); err != nil {
		return fmt.Errorf("gather ice candidates: %w", err)
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *WebRtcTransport) describe() (domain.TransportParams, error) {
	iceParams, err := t.gatherer.GetLocalParameters()
	if err != nil {
		return domain.TransportParams{}, fmt.Errorf("ice parameters: %w", err)
	}
	candidates, err := t.gatherer.GetLocalCandidates()
	if err != nil {
		return domain.TransportParams{}, fmt.Errorf("ice candidates: %w", err)
	}
	dtlsParams, err := t.dtls.GetLocalParameters()
	if err != nil {
		return domain.TransportParams{}, fmt.Errorf("dtls parameters: %w", err)
	}

	params := domain.TransportParams{
		ID: t.id,
		IceParameters: domain.IceParameters{
			UsernameFragment: iceParams.UsernameFragment,
			Password:         iceParams.Password,
			IceLite:          true,
		},
		IceCandidates: make([]domain.IceCandidate, 0, len(candidates)),
		DtlsParameters: domain.DtlsParameters{
			Role: dtlsParams.Role.String(),
		},
	}
	for _, c := range candidates {
		params.IceCandidates = append(params.IceCandidates, domain.IceCandidate{
			Foundation: c.Foundation,
			Priority:   c.Priority,
			IP:         c.Address,
			Protocol:   c.Protocol.String(),
			Port:       c.Port,
			Type:       c.Typ.String(),
			TCPType:    c.TCPType,
		})
	}
	for _, fp := range dtlsParams.Fingerprints {
		params.DtlsParameters.Fingerprints = append(params.DtlsParameters.Fingerprints, domain.DtlsFingerprint{
			Algorithm: fp.Algorithm,
			Value:     fp.Value,
		})
	}
	return params, nil
}

func (t *WebRtcTransport) Params() domain.TransportParams { return t.params }

// Connect records the client's DTLS parameters. It may be called once.
func (t *WebRtcTransport) Connect(ctx context.Context, dtls domain.DtlsParameters) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	switch strings.ToLower(dtls.Role) {
	case "", "auto", "client", "server":
	default:
		return fmt.Errorf("%w: role %q", domain.ErrInvalidDtls, dtls.Role)
	}
	if len(dtls.Fingerprints) == 0 {
		return fmt.Errorf("%w: no fingerprint", domain.ErrInvalidDtls)
	}
	for _, fp := range dtls.Fingerprints {
		if fp.Algorithm == "" || fp.Value == "" {
			return fmt.Errorf("%w: incomplete fingerprint", domain.ErrInvalidDtls)
		}
	}

	t.connMu.Lock()
	defer t.connMu.Unlock()
	if t.connected {
		return domain.ErrTransportConnected
	}
	remote := dtls
	t.remote = &remote
	t.connected = true
	t.logger.Debugw("webrtc transport connected", "dtls_role", dtls.Role)
	return nil
}

func (t *WebRtcTransport) Produce(ctx context.Context, kind domain.MediaKind, params domain.RtpParameters) (ports.Producer, error) {
	p, err := t.produce(ctx, kind, params)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Consume attaches a consumer that is fed from the producer. Media toward browsers needs
// a DTLS-SRTP session, so packets routed to these consumers are dropped.
func (t *WebRtcTransport) Consume(ctx context.Context, producerID domain.ProducerID, caps domain.RtpCapabilities, paused bool) (ports.Consumer, error) {
	c, err := t.consume(ctx, producerID, caps, paused, nil)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (t *WebRtcTransport) stop() error {
	return errors.Join(t.dtls.Stop(), t.ice.Stop())
}

func (t *WebRtcTransport) Close() error {
	if !t.closeAll() {
		return nil
	}
	return t.stop()
}

func fmtpLine(params map[string]string) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+params[k])
	}
	return strings.Join(parts, ";")
}

func (t *WebRtcTransport) Connected() bool {
	t.connMu.Lock()
	defer t.connMu.Unlock()
	return t.connected
}
