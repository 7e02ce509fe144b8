package recording

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pion/sdp/v3"
	"go.uber.org/zap"

	"confsfu/internal/core/domain"
)

var ErrTranscoderRunning = errors.New("transcoder already running")

// DefaultTranscoderArgs remuxes the recorded video stream into mp4. {sdp} and {output}
// are substituted before the command starts.
var DefaultTranscoderArgs = []string{
	"-nostdin",
	"-protocol_whitelist", "file,rtp,udp",
	"-fflags", "+genpts",
	"-i", "{sdp}",
	"-map", "0:v:0",
	"-c:v", "copy",
	"-f", "mp4",
	"-strict", "experimental",
	"-y", "{output}",
}

type TranscoderConfig struct {
	Command   string
	Args      []string
	SDPPath   string
	OutputDir string
	IP        string
	Video     PortPair
	Audio     PortPair
}

// BuildSDP describes the recording endpoint so a transcoder can read the plain RTP
// streams. Payload types come from the router capabilities the taps consume with.
func BuildSDP(ip string, video, audio PortPair, caps domain.RtpCapabilities) ([]byte, error) {
	desc := &sdp.SessionDescription{
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      uint64(time.Now().Unix()),
			SessionVersion: 1,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: ip,
		},
		SessionName: "confsfu recording",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: ip},
		},
		TimeDescriptions: []sdp.TimeDescription{{Timing: sdp.Timing{}}},
	}

	for _, kind := range []domain.MediaKind{domain.KindVideo, domain.KindAudio} {
		pair := video
		if kind == domain.KindAudio {
			pair = audio
		}
		codec, ok := firstCodec(caps, kind)
		if !ok || pair.RTP == 0 {
			continue
		}
		md := &sdp.MediaDescription{
			MediaName: sdp.MediaName{
				Media:  string(kind),
				Port:   sdp.RangedPort{Value: int(pair.RTP)},
				Protos: []string{"RTP", "AVP"},
			},
		}
		name := codec.MimeType[strings.Index(codec.MimeType, "/")+1:]
		var channels uint16
		if kind == domain.KindAudio {
			channels = codec.Channels
		}
		md.WithCodec(codec.PreferredPayloadType, name, codec.ClockRate, channels, fmtp(codec.Parameters)).
			WithValueAttribute("rtcp", strconv.Itoa(int(pair.RTCP))).
			WithPropertyAttribute("recvonly")
		desc.MediaDescriptions = append(desc.MediaDescriptions, md)
	}
	if len(desc.MediaDescriptions) == 0 {
		return nil, errors.New("no codec to describe")
	}
	return desc.Marshal()
}

func firstCodec(caps domain.RtpCapabilities, kind domain.MediaKind) (domain.RtpCodecCapability, bool) {
	for _, c := range caps.Codecs {
		if c.Kind == kind {
			return c, true
		}
	}
	return domain.RtpCodecCapability{}, false
}

func fmtp(params map[string]string) string {
	parts := make([]string, 0, len(params))
	for k, v := range params {
		parts = append(parts, k+"="+v)
	}
	sort.Strings(parts)
	return strings.Join(parts, ";")
}

// Exit describes how the last transcoder run ended.
type Exit struct {
	Stopped bool
	Err     error
}

// Supervisor runs the transcoder independently of signaling. Stop interrupts it and
// counts as a clean exit; any other exit is treated as a crash.
type Supervisor struct {
	cfg    TranscoderConfig
	caps   domain.RtpCapabilities
	logger *zap.SugaredLogger

	mu       sync.Mutex
	cmd      *exec.Cmd
	done     chan struct{}
	stopping bool
	last     Exit
}

func NewSupervisor(cfg TranscoderConfig, caps domain.RtpCapabilities, logger *zap.SugaredLogger) *Supervisor {
	if len(cfg.Args) == 0 {
		cfg.Args = DefaultTranscoderArgs
	}
	return &Supervisor{
		cfg:    cfg,
		caps:   caps,
		logger: logger.With("component", "transcoder"),
	}
}

func (s *Supervisor) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd != nil {
		return ErrTranscoderRunning
	}

	desc, err := BuildSDP(s.cfg.IP, s.cfg.Video, s.cfg.Audio, s.caps)
	if err != nil {
		return fmt.Errorf("build sdp: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.cfg.SDPPath), 0o755); err != nil {
		return fmt.Errorf("create sdp dir: %w", err)
	}
	if err := os.WriteFile(s.cfg.SDPPath, desc, 0o644); err != nil {
		return fmt.Errorf("write sdp: %w", err)
	}
	if err := os.MkdirAll(s.cfg.OutputDir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	output := filepath.Join(s.cfg.OutputDir, "recording-"+time.Now().Format("20060102-150405")+".mp4")
	args := make([]string, len(s.cfg.Args))
	for i, a := range s.cfg.Args {
		a = strings.ReplaceAll(a, "{sdp}", s.cfg.SDPPath)
		args[i] = strings.ReplaceAll(a, "{output}", output)
	}

	cmd := exec.Command(s.cfg.Command, args...)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("transcoder stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start transcoder: %w", err)
	}

	s.cmd = cmd
	s.done = make(chan struct{})
	s.stopping = false
	go s.supervise(cmd, stderr, s.done)

	s.logger.Infow("transcoder started", "pid", cmd.Process.Pid, "output", output, "sdp", s.cfg.SDPPath)
	return nil
}

func (s *Supervisor) supervise(cmd *exec.Cmd, stderr io.Reader, done chan struct{}) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		s.logger.Debugw("transcoder output", "line", scanner.Text())
	}
	err := cmd.Wait()

	s.mu.Lock()
	stopped := s.stopping
	s.last = Exit{Stopped: stopped, Err: err}
	s.cmd = nil
	s.stopping = false
	s.mu.Unlock()

	switch {
	case stopped:
		s.logger.Infow("transcoder stopped")
	case err != nil:
		s.logger.Warnw("transcoder crashed, recording may be corrupt", "error", err)
	default:
		s.logger.Infow("transcoder finished")
	}
	close(done)
}

// Stop interrupts the transcoder and waits for it to exit. It kills the process if ctx
// ends first.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	cmd, done := s.cmd, s.done
	if cmd == nil {
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	s.mu.Unlock()

	if err := cmd.Process.Signal(os.Interrupt); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("interrupt transcoder: %w", err)
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-done
		return ctx.Err()
	}
}

func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cmd != nil
}

// Done is closed when the current run exits. It is nil before the first Start.
func (s *Supervisor) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

func (s *Supervisor) LastExit() Exit {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}
