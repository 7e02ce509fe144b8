package webrtc

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"

	"confsfu/internal/core/domain"
	"confsfu/internal/core/ports"
)

const maxPacketSize = 1500

// PlainTransport carries unencrypted RTP over UDP. With comedia the remote address is
// learned from the first inbound packet instead of Connect.
type PlainTransport struct {
	transportCore

	opts     ports.PlainTransportOptions
	rtpConn  *net.UDPConn
	rtcpConn *net.UDPConn

	addrMu     sync.RWMutex
	remoteRTP  *net.UDPAddr
	remoteRTCP *net.UDPAddr
	connected  bool

	wg sync.WaitGroup
}

var _ ports.PlainTransport = (*PlainTransport)(nil)

func newPlainTransport(ctx context.Context, r *Router, opts ports.PlainTransportOptions) (*PlainTransport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ip := net.ParseIP(opts.ListenIP)
	if ip == nil {
		return nil, fmt.Errorf("invalid listen ip %q", opts.ListenIP)
	}

	t := &PlainTransport{opts: opts}
	t.init(r, "plain")

	settings := r.worker.settings
	var err error
	t.rtpConn, err = listenInRange(ip, settings.RtcMinPort, settings.RtcMaxPort)
	if err != nil {
		return nil, fmt.Errorf("listen rtp: %w", err)
	}
	if !opts.RtcpMux {
		t.rtcpConn, err = listenInRange(ip, settings.RtcMinPort, settings.RtcMaxPort)
		if err != nil {
			_ = t.rtpConn.Close()
			return nil, fmt.Errorf("listen rtcp: %w", err)
		}
	}

	t.wg.Add(1)
	go t.readRTP()
	if t.rtcpConn != nil {
		t.wg.Add(1)
		go t.readRTCP()
	}

	t.logger.Debugw("plain transport created",
		"local", t.rtpConn.LocalAddr().String(),
		"rtcp_mux", opts.RtcpMux,
		"comedia", opts.Comedia,
	)
	return t, nil
}

func listenInRange(ip net.IP, lo, hi uint16) (*net.UDPConn, error) {
	if lo == 0 || hi == 0 || lo > hi {
		return net.ListenUDP("udp", &net.UDPAddr{IP: ip})
	}
	span := int(hi) - int(lo) + 1
	start := rand.Intn(span)
	var lastErr error
	for i := 0; i < span; i++ {
		port := int(lo) + (start+i)%span
		conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: ip, Port: port})
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("no free port in %d-%d: %w", lo, hi, lastErr)
}

func (t *PlainTransport) Options() ports.PlainTransportOptions { return t.opts }

// Connect fixes the remote RTP and RTCP addresses. A zero rtcpPort means port+1.
func (t *PlainTransport) Connect(ctx context.Context, ip string, port, rtcpPort uint16) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	addr := net.ParseIP(ip)
	if addr == nil {
		return fmt.Errorf("invalid remote ip %q", ip)
	}
	if port == 0 {
		return errors.New("remote port is required")
	}
	if rtcpPort == 0 {
		rtcpPort = port + 1
	}

	t.addrMu.Lock()
	defer t.addrMu.Unlock()
	if t.connected {
		return domain.ErrTransportConnected
	}
	t.remoteRTP = &net.UDPAddr{IP: addr, Port: int(port)}
	if t.opts.RtcpMux {
		t.remoteRTCP = t.remoteRTP
	} else {
		t.remoteRTCP = &net.UDPAddr{IP: addr, Port: int(rtcpPort)}
	}
	t.connected = true
	t.logger.Debugw("plain transport connected", "remote", t.remoteRTP.String())
	return nil
}

func (t *PlainTransport) Tuple() domain.TransportTuple {
	local := t.rtpConn.LocalAddr().(*net.UDPAddr)
	tuple := domain.TransportTuple{
		LocalIP:   t.opts.ListenIP,
		LocalPort: uint16(local.Port),
		Protocol:  "udp",
	}
	t.addrMu.RLock()
	if t.remoteRTP != nil {
		tuple.RemoteIP = t.remoteRTP.IP.String()
		tuple.RemotePort = uint16(t.remoteRTP.Port)
	}
	t.addrMu.RUnlock()
	return tuple
}

// RtcpPort is the local RTCP port, equal to the RTP port under rtcp-mux.
func (t *PlainTransport) RtcpPort() uint16 {
	if t.rtcpConn == nil {
		return uint16(t.rtpConn.LocalAddr().(*net.UDPAddr).Port)
	}
	return uint16(t.rtcpConn.LocalAddr().(*net.UDPAddr).Port)
}

func (t *PlainTransport) Produce(ctx context.Context, kind domain.MediaKind, params domain.RtpParameters) (ports.Producer, error) {
	p, err := t.produce(ctx, kind, params)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (t *PlainTransport) Consume(ctx context.Context, producerID domain.ProducerID, caps domain.RtpCapabilities, paused bool) (ports.Consumer, error) {
	c, err := t.consume(ctx, producerID, caps, paused, t)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (t *PlainTransport) sendRTP(b []byte) error {
	t.addrMu.RLock()
	remote := t.remoteRTP
	t.addrMu.RUnlock()
	if remote == nil {
		return nil
	}
	_, err := t.rtpConn.WriteToUDP(b, remote)
	return err
}

func (t *PlainTransport) sendRTCP(b []byte) error {
	t.addrMu.RLock()
	remote := t.remoteRTCP
	t.addrMu.RUnlock()
	if remote == nil {
		return nil
	}
	conn := t.rtcpConn
	if conn == nil {
		conn = t.rtpConn
	}
	_, err := conn.WriteToUDP(b, remote)
	return err
}

// learn records the sender of the first packet as the remote under comedia.
func (t *PlainTransport) learn(from *net.UDPAddr, rtcpSocket bool) {
	if !t.opts.Comedia {
		return
	}
	t.addrMu.Lock()
	defer t.addrMu.Unlock()
	if rtcpSocket {
		if t.remoteRTCP == nil {
			t.remoteRTCP = from
		}
		return
	}
	if t.remoteRTP == nil {
		t.remoteRTP = from
		if t.opts.RtcpMux {
			t.remoteRTCP = from
		}
		t.connected = true
		t.logger.Debugw("plain transport learned remote", "remote", from.String())
	}
}

func isRTCP(b []byte) bool {
	return len(b) >= 2 && b[1] >= 192 && b[1] <= 223
}

func (t *PlainTransport) readRTP() {
	defer t.wg.Done()
	defer t.router.worker.guard()

	buf := make([]byte, maxPacketSize)
	for {
		n, from, err := t.rtpConn.ReadFromUDP(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				t.logger.Warnw("rtp read failed", "error", err)
			}
			return
		}
		t.learn(from, false)
		if t.opts.RtcpMux && isRTCP(buf[:n]) {
			t.handleRTCP(buf[:n])
			continue
		}

		pkt := &rtp.Packet{}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			t.logger.Debugw("dropping malformed rtp", "error", err)
			continue
		}
		// fan-out is synchronous, so pkt may keep aliasing buf
		if p := t.producerFor(pkt.SSRC, pkt.PayloadType); p != nil {
			p.WriteRTP(pkt)
		}
	}
}

func (t *PlainTransport) readRTCP() {
	defer t.wg.Done()
	defer t.router.worker.guard()

	buf := make([]byte, maxPacketSize)
	for {
		n, from, err := t.rtcpConn.ReadFromUDP(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				t.logger.Warnw("rtcp read failed", "error", err)
			}
			return
		}
		t.learn(from, true)
		t.handleRTCP(buf[:n])
	}
}

func (t *PlainTransport) handleRTCP(b []byte) {
	packets, err := rtcp.Unmarshal(b)
	if err != nil {
		t.logger.Debugw("dropping malformed rtcp", "error", err)
		return
	}
	for _, p := range packets {
		if bye, ok := p.(*rtcp.Goodbye); ok {
			t.logger.Debugw("remote said goodbye", "sources", bye.Sources, "reason", bye.Reason)
		}
	}
}

func (t *PlainTransport) Close() error {
	if !t.closeAll() {
		return nil
	}
	var errs []error
	if err := t.rtpConn.Close(); err != nil {
		errs = append(errs, err)
	}
	if t.rtcpConn != nil {
		if err := t.rtcpConn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	t.wg.Wait()
	return errors.Join(errs...)
}
