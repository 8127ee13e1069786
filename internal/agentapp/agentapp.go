// Package agentapp wires flags, configuration and the Agent's local
// listener into a runnable process, mirroring the teacher's cmd
// entrypoint shape (flag parsing, then a long-lived Run).
package agentapp

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"shroudtun/internal/config"
	"shroudtun/internal/cryptutil"
	"shroudtun/internal/detect"
	"shroudtun/internal/httpproxy"
	"shroudtun/internal/metrics"
	"shroudtun/internal/pool"
	"shroudtun/internal/socks5"
)

// Run parses flags, builds the Agent's pool and local listener, and
// serves until interrupted. The returned int is the process exit code
// (spec.md §6).
func Run() int {
	cfg, err := parseFlags()
	if err != nil {
		slog.Error("config error", "err", err)
		return config.ExitConfigError
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		slog.Error("config error", "err", fmt.Errorf("config: bad log level %q: %w", cfg.LogLevel, err))
		return config.ExitConfigError
	}
	slog.SetLogLoggerLevel(level)

	userPrivPEM, err := os.ReadFile(cfg.PrivateKeyPath)
	if err != nil {
		slog.Error("read private_key_path", "err", err)
		return config.ExitConfigError
	}
	userPriv, err := cryptutil.ParsePrivateKeyPKCS8(userPrivPEM)
	if err != nil {
		slog.Error("parse private key", "err", err)
		return config.ExitConfigError
	}

	proxyPubPEM, err := os.ReadFile(cfg.ProxyPublicKeyPath)
	if err != nil {
		slog.Error("read proxy_public_key_path", "err", err)
		return config.ExitConfigError
	}
	proxyPub, err := cryptutil.ParsePublicKeySPKI(proxyPubPEM)
	if err != nil {
		slog.Error("parse proxy public key", "err", err)
		return config.ExitConfigError
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if cfg.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.MetricsAddr); err != nil {
				slog.Warn("metrics server stopped", "err", err)
			}
		}()
	}

	p, err := pool.New(ctx, cfg.AgentConfig, userPriv, proxyPub)
	if err != nil {
		slog.Error("build pool", "err", err)
		return config.ExitConfigError
	}
	p.Start()
	defer p.Close()

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		slog.Error("listen", "err", err)
		return config.ExitListenerBind
	}
	defer ln.Close()
	slog.Info("agent listening", "addr", cfg.ListenAddr, "user", cfg.Username, "proxy", cfg.ProxyAddr)

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	httpHandler := &httpproxy.Handler{Pool: p}
	socksHandler := &socks5.Handler{Pool: p}

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return config.ExitOK
			}
			slog.Error("accept", "err", err)
			return config.ExitFatalRuntime
		}
		go serveOne(ctx, conn, httpHandler, socksHandler)
	}
}

func serveOne(ctx context.Context, conn net.Conn, httpHandler *httpproxy.Handler, socksHandler *socks5.Handler) {
	br := bufio.NewReader(conn)
	proto, err := detect.Sniff(br)
	if err != nil {
		conn.Close()
		return
	}
	switch proto {
	case detect.ProtocolSOCKS5:
		socksHandler.Serve(ctx, conn, br)
	default:
		httpHandler.Serve(ctx, conn, br)
	}
}

type agentFlags struct {
	config.AgentConfig
	ProxyPublicKeyPath string
}

func parseFlags() (agentFlags, error) {
	var f agentFlags
	d := config.DefaultAgentConfig()

	flag.StringVar(&f.ListenAddr, "listen", d.ListenAddr, "local HTTP/SOCKS5 listen address")
	flag.StringVar(&f.ProxyAddr, "proxy", "", "proxy address, e.g. tcp://proxy.example:8080, ws://..., quic://...")
	flag.StringVar(&f.Username, "user", "", "username to authenticate as")
	flag.StringVar(&f.PrivateKeyPath, "key", "", "path to the user's PKCS#8 PEM private key")
	flag.StringVar(&f.ProxyPublicKeyPath, "proxy-key", "", "path to the proxy's SPKI PEM public key")
	flag.IntVar(&f.PoolSize, "pool-size", d.PoolSize, "prewarmed tunnel count (1-100)")
	flag.StringVar(&f.LogLevel, "log-level", d.LogLevel, "log level")
	flag.StringVar(&f.MetricsAddr, "metrics", "", "Prometheus /metrics listen address (empty disables)")
	flag.DurationVar(&f.DialTimeout, "dial-timeout", d.DialTimeout, "transport dial timeout")
	flag.DurationVar(&f.AuthTimeout, "auth-timeout", d.AuthTimeout, "handshake timeout")
	flag.DurationVar(&f.PingInterval, "ping-interval", d.PingInterval, "idle tunnel ping interval")
	flag.DurationVar(&f.PingDeadline, "ping-deadline", d.PingDeadline, "pong response deadline")
	flag.Parse()

	if f.ProxyPublicKeyPath == "" {
		return f, fmt.Errorf("config: -proxy-key is required")
	}
	if err := f.AgentConfig.Validate(); err != nil {
		return f, err
	}
	return f, nil
}
