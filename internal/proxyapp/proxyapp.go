// Package proxyapp wires flags, configuration and the Proxy's listener
// into a runnable process, mirroring the teacher's cmd entrypoint shape.
package proxyapp

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"shroudtun/internal/config"
	"shroudtun/internal/cryptutil"
	"shroudtun/internal/metrics"
	"shroudtun/internal/proxyserver"
	"shroudtun/internal/ratelimit"
	"shroudtun/internal/transport"
	"shroudtun/internal/userstore"
)

// Run parses flags, builds the Proxy's session server and listener, and
// serves until interrupted. The returned int is the process exit code
// (spec.md §6).
func Run() int {
	cfg, err := parseFlags()
	if err != nil {
		slog.Error("config error", "err", err)
		return config.ExitConfigError
	}

	serverPrivPEM, err := os.ReadFile(cfg.ServerKeypairPath)
	if err != nil {
		slog.Error("read server_keypair_path", "err", err)
		return config.ExitConfigError
	}
	serverPriv, err := cryptutil.ParsePrivateKeyPKCS8(serverPrivPEM)
	if err != nil {
		slog.Error("parse server private key", "err", err)
		return config.ExitConfigError
	}

	store, err := userstore.LoadTOMLFile(cfg.UserStorePath, cfg.MaxConcurrentPerUserDefault)
	if err != nil {
		slog.Error("load user store", "err", err)
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

	carrier, addr, err := transport.ParseAddr(cfg.ListenAddr)
	if err != nil {
		slog.Error("parse listen_addr", "err", err)
		return config.ExitConfigError
	}
	ln, err := transport.NewListener(carrier, addr)
	if err != nil {
		slog.Error("listen", "err", err)
		return config.ExitListenerBind
	}

	srv := &proxyserver.Server{
		Cfg:        cfg.ProxyConfig,
		Store:      store,
		ServerPriv: serverPriv,
		Limiter:    ratelimit.NewManager(),
		Log:        slog.Default(),
	}
	slog.Info("proxy listening", "addr", ln.Addr(), "carrier", carrier)

	if err := srv.Serve(ctx, ln); err != nil {
		slog.Error("serve", "err", err)
		return config.ExitFatalRuntime
	}
	return config.ExitOK
}

type proxyFlags struct {
	config.ProxyConfig
}

func parseFlags() (proxyFlags, error) {
	var f proxyFlags
	d := config.DefaultProxyConfig()

	flag.StringVar(&f.ListenAddr, "listen", d.ListenAddr, "tunnel listen address, optionally carrier-prefixed (tcp://, ws://, quic://)")
	flag.IntVar(&f.MaxConcurrentPerUserDefault, "max-concurrent-default", d.MaxConcurrentPerUserDefault, "default per-user concurrent session cap")
	flag.StringVar(&f.UserStorePath, "user-store", "", "path to the TOML user store file")
	flag.StringVar(&f.ServerKeypairPath, "server-key", "", "path to the proxy's PKCS#8 PEM private key")
	flag.StringVar(&f.MetricsAddr, "metrics", "", "Prometheus /metrics listen address (empty disables)")
	flag.DurationVar(&f.AuthTimeout, "auth-timeout", d.AuthTimeout, "handshake timeout")
	flag.DurationVar(&f.DNSTimeout, "dns-timeout", d.DNSTimeout, "domain resolution timeout")
	flag.DurationVar(&f.DialTimeout, "dial-timeout", d.DialTimeout, "target dial timeout")
	flag.DurationVar(&f.ReplayWindow, "replay-window", d.ReplayWindow, "AuthRequest timestamp replay window")
	flag.DurationVar(&f.ConnectTimeout, "connect-timeout", d.ConnectTimeout, "Connect* message wait timeout")
	flag.Parse()

	if err := f.ProxyConfig.Validate(); err != nil {
		return f, fmt.Errorf("%w", err)
	}
	return f, nil
}
