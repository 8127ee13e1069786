// Package config holds the validated configuration records the core
// consumes. Loading these from TOML/CLI/environment is out of scope for
// the core (spec.md §1); this package only defines the shape and
// sane defaults, mirroring what a loader would hand the core.
package config

import (
	"fmt"
	"time"
)

// AgentConfig drives the Agent process (spec.md §6).
type AgentConfig struct {
	ListenAddr      string        // local HTTP/SOCKS5 listener, default 127.0.0.1:1080
	ProxyAddr       string        // Proxy address, optionally carrier-prefixed (tcp://, ws://, quic://)
	Username        string
	PrivateKeyPath  string
	PoolSize        int // prewarmed tunnels, default 10, range 1-100
	LogLevel        string
	MetricsAddr     string // empty disables the /metrics endpoint

	DialTimeout    time.Duration
	AuthTimeout    time.Duration
	PingInterval   time.Duration
	PingDeadline   time.Duration
}

// DefaultAgentConfig returns an AgentConfig with every field the spec
// calls out a default for already filled in.
func DefaultAgentConfig() AgentConfig {
	return AgentConfig{
		ListenAddr:   "127.0.0.1:1080",
		PoolSize:     10,
		LogLevel:     "info",
		DialTimeout:  10 * time.Second,
		AuthTimeout:  15 * time.Second,
		PingInterval: 30 * time.Second,
		PingDeadline: 10 * time.Second,
	}
}

// Validate enforces the invariants spec.md names explicitly (pool size
// range) plus the bare minimum needed to start (non-empty listen/proxy
// addr and username). A ConfigError (exit code 1, spec.md §6) should be
// raised by the caller when this returns a non-nil error.
func (c AgentConfig) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("config: listen_addr is required")
	}
	if c.ProxyAddr == "" {
		return fmt.Errorf("config: proxy_addr is required")
	}
	if c.Username == "" {
		return fmt.Errorf("config: username is required")
	}
	if c.PrivateKeyPath == "" {
		return fmt.Errorf("config: private_key_path is required")
	}
	if c.PoolSize < 1 || c.PoolSize > 100 {
		return fmt.Errorf("config: pool_size must be in [1,100], got %d", c.PoolSize)
	}
	return nil
}

// ProxyConfig drives the Proxy process (spec.md §6).
type ProxyConfig struct {
	ListenAddr                  string // default 0.0.0.0:8080
	MaxConcurrentPerUserDefault int    // default 100
	UserStorePath               string
	ServerKeypairPath           string
	MetricsAddr                 string

	AuthTimeout    time.Duration
	DNSTimeout     time.Duration
	DialTimeout    time.Duration
	ReplayWindow   time.Duration
	ConnectTimeout time.Duration
}

// DefaultProxyConfig returns a ProxyConfig with the spec's stated
// defaults and timeouts filled in.
func DefaultProxyConfig() ProxyConfig {
	return ProxyConfig{
		ListenAddr:                  "0.0.0.0:8080",
		MaxConcurrentPerUserDefault: 100,
		AuthTimeout:                 15 * time.Second,
		DNSTimeout:                  5 * time.Second,
		DialTimeout:                 10 * time.Second,
		ReplayWindow:                5 * time.Minute,
		ConnectTimeout:              10 * time.Second,
	}
}

// Validate enforces the minimum needed to start.
func (c ProxyConfig) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("config: listen_addr is required")
	}
	if c.UserStorePath == "" {
		return fmt.Errorf("config: user_store_path is required")
	}
	if c.ServerKeypairPath == "" {
		return fmt.Errorf("config: server_keypair_path is required")
	}
	if c.MaxConcurrentPerUserDefault <= 0 {
		return fmt.Errorf("config: max_concurrent_per_user_default must be positive")
	}
	return nil
}

// Exit codes, spec.md §6.
const (
	ExitOK             = 0
	ExitConfigError    = 1
	ExitListenerBind   = 2
	ExitFatalRuntime   = 3
)
