// Package proxyserver implements the Proxy's per-tunnel session server
// (spec.md §4.7 C12): accept, authenticate, dispatch target dialing,
// and hand off to the bidirectional relay.
package proxyserver

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"syscall"
	"time"

	"shroudtun/internal/auth"
	"shroudtun/internal/channel"
	"shroudtun/internal/config"
	"shroudtun/internal/cryptutil"
	"shroudtun/internal/metrics"
	"shroudtun/internal/ratelimit"
	"shroudtun/internal/relay"
	"shroudtun/internal/transport"
	"shroudtun/internal/userstore"
	"shroudtun/internal/wire"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// connectRequestTimeout bounds how long the Proxy waits for the one
// Connect* message expected right after authentication (spec.md §4.7
// step 3: "timeout: 10 s") when Cfg.ConnectTimeout is not positive.
const connectRequestTimeout = 10 * time.Second

// Server owns the Proxy's listener and drives one session per accepted
// tunnel.
type Server struct {
	Cfg        config.ProxyConfig
	Store      userstore.UserStore
	ServerPriv *rsa.PrivateKey
	Limiter    *ratelimit.Manager
	Log        *slog.Logger
}

// Serve accepts tunnels on ln until ctx is cancelled, running each
// session in its own goroutine (spec.md §5: "each accepted local client
// is one task").
func (s *Server) Serve(ctx context.Context, ln transport.Listener) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	for {
		rw, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("proxyserver: accept: %w", err)
		}
		go s.handleTunnel(ctx, rw)
	}
}

func (s *Server) handleTunnel(ctx context.Context, rw io.ReadWriteCloser) {
	ch := channel.New(rw, uint32(wire.DirProxyToAgent), uint32(wire.DirAgentToProxy))
	traceID := uuid.NewString()
	log := s.Log.With("trace_id", traceID)

	// Bound the handshake: closing the transport unblocks ServerHandshake.
	var authTimer *time.Timer
	if s.Cfg.AuthTimeout > 0 {
		authTimer = time.AfterFunc(s.Cfg.AuthTimeout, func() { _ = ch.Close() })
	}
	result, err := auth.ServerHandshake(ch, s.Store, s.ServerPriv, s.Cfg.ReplayWindow, cryptutil.VerifyAuthPayload, cryptutil.UnwrapSessionKey)
	if authTimer != nil {
		authTimer.Stop()
	}
	if err != nil {
		var af *auth.ErrAuthFailed
		reason := "error"
		if errors.As(err, &af) {
			reason = af.Status.String()
		}
		metrics.TunnelsRejected.WithLabelValues(reason).Inc()
		log.Info("tunnel auth failed", "reason", reason, "err", err)
		_ = ch.Close()
		return
	}
	defer result.Permit.Release()
	defer ch.Close()

	metrics.TunnelsAccepted.Inc()
	metrics.ActiveSessions.WithLabelValues(result.Username).Inc()
	defer metrics.ActiveSessions.WithLabelValues(result.Username).Dec()
	log = log.With("user", result.Username)

	connectTimeout := s.Cfg.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = connectRequestTimeout
	}
	msg, err := recvWithTimeout(ch, connectTimeout)
	if err != nil {
		log.Info("no Connect* message", "err", err)
		return
	}

	info, _ := s.Store.LookupUser(result.Username)
	bucket := s.Limiter.Get(result.Username, info.BandwidthLimitBps)

	switch m := msg.(type) {
	case wire.ConnectTcp:
		s.serveTCP(ctx, ch, result.Username, bucket, m, log)
	case wire.ConnectUdp:
		s.serveUDP(ctx, ch, result.Username, bucket, log)
	default:
		log.Info("unexpected message before Connect*", "type", fmt.Sprintf("%T", msg))
	}
}

func recvWithTimeout(ch *channel.Channel, d time.Duration) (wire.Message, error) {
	type result struct {
		msg wire.Message
		err error
	}
	rc := make(chan result, 1)
	go func() {
		msg, err := ch.Recv()
		rc <- result{msg, err}
	}()
	select {
	case r := <-rc:
		return r.msg, r.err
	case <-time.After(d):
		_ = ch.Close()
		return nil, fmt.Errorf("proxyserver: timed out waiting for Connect*")
	}
}

func (s *Server) serveTCP(ctx context.Context, ch *channel.Channel, username string, bucket *ratelimit.Bucket, m wire.ConnectTcp, log *slog.Logger) {
	host := hostString(m.HostKind, m.Host)

	dialCtx, cancel := context.WithTimeout(ctx, s.Cfg.DialTimeout)
	defer cancel()

	if m.HostKind == wire.HostDomain {
		resolveCtx, resolveCancel := context.WithTimeout(ctx, s.Cfg.DNSTimeout)
		_, err := net.DefaultResolver.LookupIPAddr(resolveCtx, host)
		resolveCancel()
		if err != nil {
			metrics.ConnectResults.WithLabelValues("Unreachable").Inc()
			_ = ch.Send(wire.ConnectResponse{Status: wire.ConnectUnreachable})
			return
		}
	}

	var d net.Dialer
	target, err := d.DialContext(dialCtx, "tcp", net.JoinHostPort(host, fmt.Sprint(m.Port)))
	if err != nil {
		status := classifyDialError(err)
		metrics.ConnectResults.WithLabelValues(status.String()).Inc()
		_ = ch.Send(wire.ConnectResponse{Status: status})
		return
	}
	defer target.Close()

	local := target.LocalAddr().(*net.TCPAddr)
	bndKind := wire.HostIPv4
	bndHost := local.IP.To4()
	if bndHost == nil {
		bndKind = wire.HostIPv6
		bndHost = local.IP.To16()
	}
	metrics.ConnectResults.WithLabelValues("OK").Inc()
	if err := ch.Send(wire.ConnectResponse{Status: wire.ConnectOK, BndPort: uint16(local.Port), BndKind: bndKind, BndHost: bndHost}); err != nil {
		return
	}

	r := &relay.Relay{
		Channel:          ch,
		Plain:            target,
		Bucket:           bucket,
		OnSend: func(n int) {
			s.Store.RecordBytes(username, userstore.DirOut, int64(n))
			metrics.BytesTotal.WithLabelValues(username, "out").Add(float64(n))
		},
		OnRecv: func(n int) {
			s.Store.RecordBytes(username, userstore.DirIn, int64(n))
			metrics.BytesTotal.WithLabelValues(username, "in").Add(float64(n))
		},
		OwnHalfCloseDir:  wire.DirProxyToAgent,
		PeerHalfCloseDir: wire.DirAgentToProxy,
	}
	if err := r.Run(ctx); err != nil {
		log.Debug("relay ended", "err", err)
	}
}

// serveUDP binds an ephemeral UDP socket and relays datagrams for the
// association's lifetime, which is bounded by the control tunnel
// (spec.md §4.7 step 5).
func (s *Server) serveUDP(ctx context.Context, ch *channel.Channel, username string, bucket *ratelimit.Bucket, log *slog.Logger) {
	udpConn, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		_ = ch.Send(wire.ConnectResponse{Status: wire.ConnectUnreachable})
		return
	}
	defer udpConn.Close()

	local := udpConn.LocalAddr().(*net.UDPAddr)
	bndKind := wire.HostIPv4
	bndHost := local.IP.To4()
	if bndHost == nil {
		bndKind = wire.HostIPv6
		bndHost = local.IP.To16()
	}
	if err := ch.Send(wire.ConnectResponse{Status: wire.ConnectOK, BndPort: uint16(local.Port), BndKind: bndKind, BndHost: bndHost}); err != nil {
		return
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		for {
			msg, err := ch.Recv()
			if err != nil {
				return err
			}
			pkt, ok := msg.(wire.UdpPacket)
			if !ok {
				continue
			}
			dst := &net.UDPAddr{IP: net.IP(pkt.Host), Port: int(pkt.Port)}
			if pkt.HostKind == wire.HostDomain {
				addrs, err := net.DefaultResolver.LookupIPAddr(ctx, string(pkt.Host))
				if err != nil || len(addrs) == 0 {
					continue
				}
				dst = &net.UDPAddr{IP: addrs[0].IP, Port: int(pkt.Port)}
			}
			if bucket != nil {
				_ = bucket.Wait(ctx, len(pkt.Payload))
			}
			if _, err := udpConn.WriteToUDP(pkt.Payload, dst); err != nil {
				return err
			}
			s.Store.RecordBytes(username, userstore.DirIn, int64(len(pkt.Payload)))
			metrics.BytesTotal.WithLabelValues(username, "in").Add(float64(len(pkt.Payload)))
		}
	})
	eg.Go(func() error {
		buf := make([]byte, 64*1024)
		for {
			n, addr, err := udpConn.ReadFromUDP(buf)
			if err != nil {
				return err
			}
			udpAddr := addr
			kind := wire.HostIPv4
			host := udpAddr.IP.To4()
			if host == nil {
				kind = wire.HostIPv6
				host = udpAddr.IP.To16()
			}
			if err := ch.Send(wire.UdpPacket{HostKind: kind, Host: host, Port: uint16(udpAddr.Port), Payload: append([]byte(nil), buf[:n]...)}); err != nil {
				return err
			}
			s.Store.RecordBytes(username, userstore.DirOut, int64(n))
			metrics.BytesTotal.WithLabelValues(username, "out").Add(float64(n))
		}
	})
	go func() {
		<-ctx.Done()
		_ = udpConn.Close()
		_ = ch.Close()
	}()
	if err := eg.Wait(); err != nil {
		log.Debug("udp association ended", "err", err)
	}
}

func hostString(kind wire.HostKind, raw []byte) string {
	switch kind {
	case wire.HostIPv4, wire.HostIPv6:
		return net.IP(raw).String()
	default:
		return string(raw)
	}
}

func classifyDialError(err error) wire.ConnectStatus {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return wire.ConnectTimeout
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return wire.ConnectRefused
	}
	return wire.ConnectUnreachable
}
