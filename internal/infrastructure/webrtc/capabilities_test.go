package webrtc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"confsfu/internal/core/domain"
)

func TestBuildRtpCapabilities_AssignsPayloadTypes(t *testing.T) {
	caps, err := BuildRtpCapabilities([]domain.RtpCodecCapability{
		{Kind: domain.KindAudio, MimeType: "audio/opus", ClockRate: 48000, Channels: 2},
		{Kind: domain.KindVideo, MimeType: "video/VP8", ClockRate: 90000, PreferredPayloadType: 101},
		{Kind: domain.KindVideo, MimeType: "video/H264", ClockRate: 90000, Parameters: map[string]string{"packetization-mode": "1"}},
	})
	require.NoError(t, err)
	require.Len(t, caps.Codecs, 3)

	assert.Equal(t, uint8(100), caps.Codecs[0].PreferredPayloadType)
	assert.Equal(t, uint8(101), caps.Codecs[1].PreferredPayloadType)
	assert.Equal(t, uint8(102), caps.Codecs[2].PreferredPayloadType)

	assert.Equal(t, []domain.RtcpFeedback{{Type: "transport-cc"}}, caps.Codecs[0].RtcpFeedback)
	assert.Contains(t, caps.Codecs[1].RtcpFeedback, domain.RtcpFeedback{Type: "nack", Parameter: "pli"})
	assert.NotEmpty(t, caps.HeaderExtensions)
}

func TestBuildRtpCapabilities_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		codecs []domain.RtpCodecCapability
	}{
		{name: "empty"},
		{name: "bad kind", codecs: []domain.RtpCodecCapability{{Kind: "data", MimeType: "data/x", ClockRate: 1}}},
		{name: "kind mismatch", codecs: []domain.RtpCodecCapability{{Kind: domain.KindAudio, MimeType: "video/VP8", ClockRate: 90000}}},
		{name: "no clock rate", codecs: []domain.RtpCodecCapability{{Kind: domain.KindVideo, MimeType: "video/VP8"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := BuildRtpCapabilities(tt.codecs)
			assert.Error(t, err)
		})
	}
}

func TestCodecMatches(t *testing.T) {
	mode1 := map[string]string{"packetization-mode": "1"}

	assert.True(t, codecMatches("video/vp8", 90000, 0, nil, "video/VP8", 90000, 0, nil))
	assert.True(t, codecMatches("audio/opus", 48000, 2, nil, "audio/OPUS", 48000, 2, nil))
	assert.True(t, codecMatches("audio/PCMU", 8000, 0, nil, "audio/PCMU", 8000, 1, nil))
	assert.False(t, codecMatches("audio/opus", 48000, 2, nil, "audio/opus", 48000, 1, nil))
	assert.False(t, codecMatches("video/VP8", 90000, 0, nil, "video/VP9", 90000, 0, nil))
	assert.False(t, codecMatches("video/H264", 90000, 0, mode1, "video/H264", 90000, 0, nil))
	assert.True(t, codecMatches("video/H264", 90000, 0, mode1, "video/H264", 90000, 0, mode1))
}

func TestValidateProduce(t *testing.T) {
	caps, err := BuildRtpCapabilities([]domain.RtpCodecCapability{
		{Kind: domain.KindAudio, MimeType: "audio/opus", ClockRate: 48000, Channels: 2},
		{Kind: domain.KindVideo, MimeType: "video/VP8", ClockRate: 90000},
	})
	require.NoError(t, err)

	codec, err := validateProduce(caps, domain.KindVideo, domain.RtpParameters{
		Codecs: []domain.RtpCodecParameters{
			{MimeType: "video/rtx", PayloadType: 97, ClockRate: 90000},
			{MimeType: "video/VP8", PayloadType: 96, ClockRate: 90000},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "video/VP8", codec.MimeType)

	_, err = validateProduce(caps, domain.KindAudio, domain.RtpParameters{
		Codecs: []domain.RtpCodecParameters{{MimeType: "video/VP8", PayloadType: 96, ClockRate: 90000}},
	})
	assert.ErrorIs(t, err, domain.ErrIncompatible)

	_, err = validateProduce(caps, domain.KindVideo, domain.RtpParameters{
		Codecs: []domain.RtpCodecParameters{{MimeType: "video/AV1", PayloadType: 45, ClockRate: 90000}},
	})
	assert.ErrorIs(t, err, domain.ErrIncompatible)

	_, err = validateProduce(caps, domain.KindVideo, domain.RtpParameters{})
	assert.ErrorIs(t, err, domain.ErrIncompatible)
}

func TestConsumerRtpParameters(t *testing.T) {
	router := domain.RtpCodecCapability{
		Kind:                 domain.KindVideo,
		MimeType:             "video/VP8",
		PreferredPayloadType: 101,
		ClockRate:            90000,
		RtcpFeedback:         defaultRtcpFeedback(domain.KindVideo),
	}

	remote := domain.RtpCapabilities{Codecs: []domain.RtpCodecCapability{{
		Kind:         domain.KindVideo,
		MimeType:     "video/VP8",
		ClockRate:    90000,
		RtcpFeedback: []domain.RtcpFeedback{{Type: "nack"}, {Type: "goog-remb"}, {Type: "unknown"}},
	}}}

	params, err := consumerRtpParameters(router, remote, 1234, "cname")
	require.NoError(t, err)
	require.Len(t, params.Codecs, 1)
	assert.Equal(t, uint8(101), params.Codecs[0].PayloadType)
	assert.Equal(t, []domain.RtcpFeedback{{Type: "nack"}, {Type: "goog-remb"}}, params.Codecs[0].RtcpFeedback)
	assert.Equal(t, uint32(1234), params.Encodings[0].Ssrc)
	assert.Equal(t, "cname", params.Rtcp.Cname)

	_, err = consumerRtpParameters(router, domain.RtpCapabilities{Codecs: []domain.RtpCodecCapability{
		{Kind: domain.KindAudio, MimeType: "audio/opus", ClockRate: 48000, Channels: 2},
	}}, 1, "x")
	assert.ErrorIs(t, err, domain.ErrIncompatible)
}
