// Package relay implements the bidirectional relay (spec.md §4.8): two
// half-duplex copies between a plain byte stream (the local client on
// the Agent, or the dialed target on the Proxy) and the tunnel's session
// channel, with half-close semantics, bandwidth shaping and accounting.
package relay

import (
	"context"
	"errors"
	"io"

	"shroudtun/internal/channel"
	"shroudtun/internal/ratelimit"
	"shroudtun/internal/wire"

	"golang.org/x/sync/errgroup"
)

// ByteCounter records bytes transferred in one direction, typically
// backed by userstore.UserStore.RecordBytes.
type ByteCounter func(n int)

// Relay drives one tunnel's two half-duplex copies until both sides
// reach EOF/HalfClose, an error occurs, or ctx is cancelled.
type Relay struct {
	Channel *channel.Channel
	Plain   io.ReadWriteCloser

	// Bucket shapes bytes flowing from Plain into the tunnel (the only
	// direction spec.md §4.8 names explicitly: "writing a Data frame
	// awaits the bandwidth bucket, then awaits the transport").
	Bucket *ratelimit.Bucket

	// OnSend/OnRecv report bytes transferred in each direction, for the
	// UserStore's bytes_in/bytes_out counters (spec.md §3).
	OnSend ByteCounter
	OnRecv ByteCounter

	// OwnHalfCloseDir is the direction tag this side sends when its
	// Plain-side read reaches EOF.
	OwnHalfCloseDir wire.Direction
	// PeerHalfCloseDir is the direction tag that, received from the
	// peer, means "the peer will send no more Data": stop writing to
	// Plain.
	PeerHalfCloseDir wire.Direction
}

const readChunk = wire.SoftCapBytes

// Run executes both relay halves concurrently. It returns nil once both
// halves have terminated cleanly (EOF/HalfClose observed on both sides),
// or the first error either half encountered. Any error — AEAD failure,
// framing error, I/O error — terminates both halves (spec.md §4.8).
func (r *Relay) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = r.Plain.Close()
			_ = r.Channel.Close()
		case <-stop:
		}
	}()
	defer close(stop)

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error { return r.plainToTunnel(egCtx) })
	eg.Go(func() error { return r.tunnelToPlain(egCtx) })

	err := eg.Wait()
	if err == nil {
		_ = r.Channel.Send(wire.Close{Reason: wire.CloseNormal})
	}
	return err
}

func (r *Relay) plainToTunnel(ctx context.Context) error {
	buf := make([]byte, readChunk)
	for {
		n, rerr := r.Plain.Read(buf)
		if n > 0 {
			if r.Bucket != nil {
				if werr := r.Bucket.Wait(ctx, n); werr != nil {
					return werr
				}
			}
			if serr := r.Channel.Send(wire.Data{Payload: append([]byte(nil), buf[:n]...)}); serr != nil {
				return serr
			}
			if r.OnSend != nil {
				r.OnSend(n)
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return r.Channel.Send(wire.HalfClose{Dir: r.OwnHalfCloseDir})
			}
			return rerr
		}
	}
}

func (r *Relay) tunnelToPlain(ctx context.Context) error {
	for {
		msg, err := r.Channel.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		switch m := msg.(type) {
		case wire.Data:
			if len(m.Payload) > 0 {
				if _, werr := r.Plain.Write(m.Payload); werr != nil {
					return werr
				}
				if r.OnRecv != nil {
					r.OnRecv(len(m.Payload))
				}
			}
		case wire.HalfClose:
			if m.Dir == r.PeerHalfCloseDir {
				return nil
			}
		case wire.Close:
			return nil
		case wire.Ping:
			if serr := r.Channel.Send(wire.Pong{Cookie: m.Cookie}); serr != nil {
				return serr
			}
		case wire.Pong:
			// no-op: liveness is tracked by the pool's health check, not relay.
		default:
			// Connect*/Auth* messages never arrive mid-relay; ignore defensively.
		}
	}
}
