// Package pool implements the Agent's connection pool (spec.md §4.9):
// prewarmed, pre-authenticated, single-use tunnels with LIFO checkout,
// exponential-backoff handshake retries and idle health checks.
package pool

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"shroudtun/internal/auth"
	"shroudtun/internal/channel"
	"shroudtun/internal/config"
	"shroudtun/internal/cryptutil"
	"shroudtun/internal/metrics"
	"shroudtun/internal/transport"
	"shroudtun/internal/wire"
)

// ErrPoolExhausted is returned by Checkout when the hard ceiling
// (pool_size * 2) is already in use and no idle tunnel is available.
var ErrPoolExhausted = errors.New("pool: exhausted beyond hard ceiling")

// Tunnel is one authenticated, single-use session channel checked out
// of the pool. Callers must call Discard exactly once when done with
// it; tunnels are never returned to the idle set (spec.md §4.9).
type Tunnel struct {
	Channel    *channel.Channel
	SessionKey []byte

	cancelHealth context.CancelFunc
}

// Pool maintains PoolSize idle, pre-authenticated tunnels to one Proxy
// for one user identity.
type Pool struct {
	cfg       config.AgentConfig
	dialer    transport.Dialer
	dialAddr  string
	userPriv  *rsa.PrivateKey
	proxyPub  *rsa.PublicKey
	baseCtx   context.Context

	mu     sync.Mutex
	idle   []*Tunnel
	inUse  int
	closed bool
}

// New constructs a Pool. proxy_addr's scheme (tcp/ws/quic) selects the
// carrier (internal/transport); userPriv signs AuthRequest, proxyPub
// wraps the session key (spec.md §4.3).
func New(ctx context.Context, cfg config.AgentConfig, userPriv *rsa.PrivateKey, proxyPub *rsa.PublicKey) (*Pool, error) {
	carrier, addr, err := transport.ParseAddr(cfg.ProxyAddr)
	if err != nil {
		return nil, err
	}
	dialer, err := transport.NewDialer(carrier)
	if err != nil {
		return nil, err
	}
	return &Pool{
		cfg:      cfg,
		dialer:   dialer,
		dialAddr: addr,
		userPriv: userPriv,
		proxyPub: proxyPub,
		baseCtx:  ctx,
	}, nil
}

// Start launches PoolSize concurrent handshake tasks to fill the idle
// set (spec.md §4.9: "On startup, launches pool_size handshake tasks
// concurrently").
func (p *Pool) Start() {
	for i := 0; i < p.cfg.PoolSize; i++ {
		go p.fill()
	}
}

func (p *Pool) hardCeiling() int { return p.cfg.PoolSize * 2 }

// Checkout hands the caller an authenticated tunnel: an idle one if
// available (LIFO, "to keep warm connections warmer"), otherwise a
// freshly dialed one if the hard ceiling allows it.
func (p *Pool) Checkout(ctx context.Context) (*Tunnel, error) {
	p.mu.Lock()
	if n := len(p.idle); n > 0 {
		t := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.inUse++
		p.mu.Unlock()
		t.cancelHealth()
		metrics.PoolIdle.Set(float64(len(p.idle)))
		metrics.PoolInUse.Add(1)
		go p.fill()
		return t, nil
	}
	if p.inUse+len(p.idle) >= p.hardCeiling() {
		p.mu.Unlock()
		return nil, ErrPoolExhausted
	}
	p.mu.Unlock()

	t, err := p.handshakeOne(ctx)
	if err != nil {
		return nil, fmt.Errorf("pool: on-demand dial: %w", err)
	}
	// An on-demand tunnel never sits in the idle set, so it gets no health checks.
	t.cancelHealth()
	p.mu.Lock()
	p.inUse++
	p.mu.Unlock()
	metrics.PoolInUse.Add(1)
	return t, nil
}

// Discard closes a checked-out tunnel for good and spawns a
// replenishment task (spec.md §4.9: "single-use: on return they are
// closed, never reused, and a replenishment task reopens another
// tunnel").
func (p *Pool) Discard(t *Tunnel) {
	_ = t.Channel.Close()
	p.mu.Lock()
	p.inUse--
	closed := p.closed
	p.mu.Unlock()
	metrics.PoolInUse.Add(-1)
	if !closed {
		go p.fill()
	}
}

// Close tears down every idle tunnel and stops future replenishment.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()
	for _, t := range idle {
		t.cancelHealth()
		_ = t.Channel.Close()
	}
}

func (p *Pool) fill() {
	backoff := 250 * time.Millisecond
	const maxBackoff = 10 * time.Second
	for {
		p.mu.Lock()
		closed := p.closed
		idleLen := len(p.idle)
		p.mu.Unlock()
		if closed || idleLen >= p.cfg.PoolSize {
			return
		}

		t, err := p.handshakeOne(p.baseCtx)
		if err != nil {
			select {
			case <-p.baseCtx.Done():
				return
			case <-time.After(jitter(backoff)):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			t.cancelHealth()
			_ = t.Channel.Close()
			return
		}
		p.idle = append(p.idle, t)
		n := len(p.idle)
		p.mu.Unlock()
		metrics.PoolIdle.Set(float64(n))
		return
	}
}

// jitter applies ±20% to a backoff duration (spec.md §4.9).
func jitter(d time.Duration) time.Duration {
	n, err := rand.Int(rand.Reader, big.NewInt(41))
	pct := int64(20)
	if err == nil {
		pct = n.Int64() - 20 // -20..+20
	}
	return d + time.Duration(int64(d)*pct/100)
}

func (p *Pool) handshakeOne(ctx context.Context) (*Tunnel, error) {
	dialCtx, cancel := context.WithTimeout(ctx, p.cfg.DialTimeout)
	rw, err := p.dialer.Dial(dialCtx, p.dialAddr)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("pool: dial: %w", err)
	}

	ch := channel.New(rw, uint32(wire.DirAgentToProxy), uint32(wire.DirProxyToAgent))

	type result struct {
		key []byte
		err error
	}
	resCh := make(chan result, 1)
	go func() {
		key, err := auth.ClientHandshake(ch, p.cfg.Username, p.userPriv, p.proxyPub, cryptutil.WrapSessionKey, cryptutil.SignAuthPayload)
		resCh <- result{key, err}
	}()

	select {
	case res := <-resCh:
		if res.err != nil {
			_ = ch.Close()
			return nil, res.err
		}
		healthCtx, cancelHealth := context.WithCancel(p.baseCtx)
		t := &Tunnel{Channel: ch, SessionKey: res.key, cancelHealth: cancelHealth}
		go p.healthLoop(healthCtx, t)
		return t, nil
	case <-time.After(p.cfg.AuthTimeout):
		_ = ch.Close()
		<-resCh // reap the goroutine once Close unblocks it
		return nil, fmt.Errorf("pool: handshake timed out after %s", p.cfg.AuthTimeout)
	}
}

// healthLoop pings an idle tunnel every PingInterval and discards it if
// a Pong doesn't arrive within PingDeadline (spec.md §4.9). It exits
// immediately, without touching the tunnel further, once ctx is
// cancelled by Checkout taking the tunnel out of the idle set.
func (p *Pool) healthLoop(ctx context.Context, t *Tunnel) {
	timer := time.NewTimer(p.cfg.PingInterval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		var cookieBuf [8]byte
		_, _ = rand.Read(cookieBuf[:])
		cookie := binary.BigEndian.Uint64(cookieBuf[:])
		if err := t.Channel.Send(wire.Ping{Cookie: cookie}); err != nil {
			p.evict(t)
			return
		}

		type recvResult struct {
			msg wire.Message
			err error
		}
		pongCh := make(chan recvResult, 1)
		go func() {
			msg, err := t.Channel.Recv()
			pongCh <- recvResult{msg, err}
		}()

		select {
		case r := <-pongCh:
			if r.err != nil {
				p.evict(t)
				return
			}
			pong, ok := r.msg.(wire.Pong)
			if !ok || pong.Cookie != cookie {
				p.evict(t)
				return
			}
			timer.Reset(p.cfg.PingInterval)
		case <-time.After(p.cfg.PingDeadline):
			p.evict(t)
			return
		case <-ctx.Done():
			return
		}
	}
}

func (p *Pool) evict(t *Tunnel) {
	p.mu.Lock()
	for i, it := range p.idle {
		if it == t {
			p.idle = append(p.idle[:i], p.idle[i+1:]...)
			break
		}
	}
	closed := p.closed
	n := len(p.idle)
	p.mu.Unlock()
	metrics.PoolIdle.Set(float64(n))
	_ = t.Channel.Close()
	if !closed {
		go p.fill()
	}
}
