package webrtc

import (
	"fmt"
	"strings"

	"confsfu/internal/core/domain"
)

const firstDynamicPayloadType = 100

var headerExtensions = []domain.RtpHeaderExtension{
	{Kind: domain.KindAudio, URI: "urn:ietf:params:rtp-hdrext:sdes:mid", PreferredID: 1, Direction: "sendrecv"},
	{Kind: domain.KindVideo, URI: "urn:ietf:params:rtp-hdrext:sdes:mid", PreferredID: 1, Direction: "sendrecv"},
	{Kind: domain.KindAudio, URI: "http://www.webrtc.org/experiments/rtp-hdrext/abs-send-time", PreferredID: 4, Direction: "sendrecv"},
	{Kind: domain.KindVideo, URI: "http://www.webrtc.org/experiments/rtp-hdrext/abs-send-time", PreferredID: 4, Direction: "sendrecv"},
	{Kind: domain.KindVideo, URI: "http://www.ietf.org/id/draft-holmer-rmcat-transport-wide-cc-extensions-01", PreferredID: 5, Direction: "sendrecv"},
	{Kind: domain.KindAudio, URI: "urn:ietf:params:rtp-hdrext:ssrc-audio-level", PreferredID: 10, Direction: "sendrecv"},
}

func defaultRtcpFeedback(kind domain.MediaKind) []domain.RtcpFeedback {
	if kind == domain.KindAudio {
		return []domain.RtcpFeedback{{Type: "transport-cc"}}
	}
	return []domain.RtcpFeedback{
		{Type: "nack"},
		{Type: "nack", Parameter: "pli"},
		{Type: "ccm", Parameter: "fir"},
		{Type: "goog-remb"},
		{Type: "transport-cc"},
	}
}

// BuildRtpCapabilities turns configured codecs into the router capabilities clients load.
// Payload types are assigned from 100 upwards unless the codec pins one.
func BuildRtpCapabilities(codecs []domain.RtpCodecCapability) (domain.RtpCapabilities, error) {
	if len(codecs) == 0 {
		return domain.RtpCapabilities{}, fmt.Errorf("no media codecs configured")
	}

	used := make(map[uint8]bool, len(codecs))
	for _, c := range codecs {
		if c.PreferredPayloadType != 0 {
			used[c.PreferredPayloadType] = true
		}
	}

	next := uint8(firstDynamicPayloadType)
	out := make([]domain.RtpCodecCapability, 0, len(codecs))
	for _, c := range codecs {
		if !c.Kind.Valid() {
			return domain.RtpCapabilities{}, fmt.Errorf("codec %s: invalid kind %q", c.MimeType, c.Kind)
		}
		if !strings.HasPrefix(strings.ToLower(c.MimeType), string(c.Kind)+"/") {
			return domain.RtpCapabilities{}, fmt.Errorf("codec %s does not match kind %s", c.MimeType, c.Kind)
		}
		if c.ClockRate == 0 {
			return domain.RtpCapabilities{}, fmt.Errorf("codec %s: missing clock rate", c.MimeType)
		}

		codec := c
		if codec.PreferredPayloadType == 0 {
			for used[next] {
				next++
			}
			if next > 127 {
				return domain.RtpCapabilities{}, fmt.Errorf("out of dynamic payload types")
			}
			codec.PreferredPayloadType = next
			used[next] = true
		}
		if codec.Kind == domain.KindAudio && codec.Channels == 0 {
			codec.Channels = 1
		}
		if len(codec.RtcpFeedback) == 0 {
			codec.RtcpFeedback = defaultRtcpFeedback(codec.Kind)
		}
		codec.Parameters = copyParameters(c.Parameters)
		out = append(out, codec)
	}

	return domain.RtpCapabilities{
		Codecs:           out,
		HeaderExtensions: append([]domain.RtpHeaderExtension(nil), headerExtensions...),
	}, nil
}

func copyParameters(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func channelsOf(mime string, channels uint16) uint16 {
	if channels == 0 && strings.HasPrefix(strings.ToLower(mime), "audio/") {
		return 1
	}
	return channels
}

// codecMatches compares mime type, clock rate, channel count and, for H264, the
// packetization mode.
func codecMatches(mimeA string, clockA uint32, chA uint16, paramsA map[string]string,
	mimeB string, clockB uint32, chB uint16, paramsB map[string]string) bool {
	if !strings.EqualFold(mimeA, mimeB) || clockA != clockB {
		return false
	}
	if channelsOf(mimeA, chA) != channelsOf(mimeB, chB) {
		return false
	}
	if strings.EqualFold(mimeA, "video/H264") {
		pa, pb := paramsA["packetization-mode"], paramsB["packetization-mode"]
		if pa == "" {
			pa = "0"
		}
		if pb == "" {
			pb = "0"
		}
		if pa != pb {
			return false
		}
	}
	return true
}

func findCapability(caps domain.RtpCapabilities, codec domain.RtpCodecParameters) (domain.RtpCodecCapability, bool) {
	for _, c := range caps.Codecs {
		if codecMatches(c.MimeType, c.ClockRate, c.Channels, c.Parameters,
			codec.MimeType, codec.ClockRate, codec.Channels, codec.Parameters) {
			return c, true
		}
	}
	return domain.RtpCodecCapability{}, false
}

// mediaCodec returns the first codec that is not a retransmission or FEC companion.
func mediaCodec(params domain.RtpParameters) (domain.RtpCodecParameters, bool) {
	for _, c := range params.Codecs {
		sub := strings.ToLower(c.MimeType)
		if strings.HasSuffix(sub, "/rtx") || strings.HasSuffix(sub, "/red") || strings.HasSuffix(sub, "/ulpfec") {
			continue
		}
		return c, true
	}
	return domain.RtpCodecParameters{}, false
}

func validateProduce(caps domain.RtpCapabilities, kind domain.MediaKind, params domain.RtpParameters) (domain.RtpCodecCapability, error) {
	codec, ok := mediaCodec(params)
	if !ok {
		return domain.RtpCodecCapability{}, fmt.Errorf("%w: no media codec in rtp parameters", domain.ErrIncompatible)
	}
	if !strings.HasPrefix(strings.ToLower(codec.MimeType), string(kind)+"/") {
		return domain.RtpCodecCapability{}, fmt.Errorf("%w: codec %s is not %s", domain.ErrIncompatible, codec.MimeType, kind)
	}
	routerCodec, ok := findCapability(caps, codec)
	if !ok {
		return domain.RtpCodecCapability{}, fmt.Errorf("%w: codec %s not supported by router", domain.ErrIncompatible, codec.MimeType)
	}
	return routerCodec, nil
}

// consumerRtpParameters derives what a consumer sends: the router's payload type for the
// producer's codec, a fresh SSRC and the feedback both sides understand.
func consumerRtpParameters(routerCodec domain.RtpCodecCapability, caps domain.RtpCapabilities, ssrc uint32, cname string) (domain.RtpParameters, error) {
	var remote *domain.RtpCodecCapability
	for i := range caps.Codecs {
		c := caps.Codecs[i]
		if codecMatches(c.MimeType, c.ClockRate, c.Channels, c.Parameters,
			routerCodec.MimeType, routerCodec.ClockRate, routerCodec.Channels, routerCodec.Parameters) {
			remote = &c
			break
		}
	}
	if remote == nil {
		return domain.RtpParameters{}, fmt.Errorf("%w: peer cannot receive %s", domain.ErrIncompatible, routerCodec.MimeType)
	}

	var feedback []domain.RtcpFeedback
	for _, fb := range routerCodec.RtcpFeedback {
		for _, rfb := range remote.RtcpFeedback {
			if fb == rfb {
				feedback = append(feedback, fb)
				break
			}
		}
	}

	return domain.RtpParameters{
		Codecs: []domain.RtpCodecParameters{{
			MimeType:     routerCodec.MimeType,
			PayloadType:  routerCodec.PreferredPayloadType,
			ClockRate:    routerCodec.ClockRate,
			Channels:     routerCodec.Channels,
			Parameters:   copyParameters(routerCodec.Parameters),
			RtcpFeedback: feedback,
		}},
		Encodings: []domain.RtpEncodingParameters{{Ssrc: ssrc}},
		Rtcp:      domain.RtcpParameters{Cname: cname, ReducedSize: true},
	}, nil
}
