package transport

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"
)

// wsConn adapts a *websocket.Conn's message-oriented API to io.Reader,
// buffering the tail of a binary message across short Read calls.
type wsConn struct {
	conn *websocket.Conn

	readMu  sync.Mutex
	pending []byte

	writeMu sync.Mutex
}

func (c *wsConn) Read(p []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	for len(c.pending) == 0 {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return 0, err
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		c.pending = data
	}
	n := copy(p, c.pending)
	c.pending = c.pending[n:]
	return n, nil
}

func (c *wsConn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}

type wsDialer struct{}

func (wsDialer) Dial(ctx context.Context, addr string) (io.ReadWriteCloser, error) {
	dialer := websocket.Dialer{Proxy: http.ProxyFromEnvironment}
	conn, _, err := dialer.DialContext(ctx, addr, nil)
	if err != nil {
		return nil, err
	}
	return &wsConn{conn: conn}, nil
}

// wsListener runs an http.Server upgrading every request (on any path)
// to a WebSocket and feeding the resulting connections through a channel, so
// it can satisfy the pull-based transport.Listener interface that the
// Proxy's accept loop expects (mirrors the teacher's HandleH3WebSocket
// handler shape, minus the H3-specific stream takeover).
type wsListener struct {
	addr     string
	upgrader websocket.Upgrader
	srv      *http.Server
	accept   chan io.ReadWriteCloser
	errs     chan error
}

func newWSListener(addr string) (Listener, error) {
	// ParseAddr hands ws addresses over as the whole URL; listen on its host:port.
	if u, err := url.Parse(addr); err == nil && u.Host != "" {
		addr = u.Host
	}
	l := &wsListener{
		addr:     addr,
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		accept:   make(chan io.ReadWriteCloser),
		errs:     make(chan error, 1),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		conn, err := l.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		l.accept <- &wsConn{conn: conn}
	})
	l.srv = &http.Server{Addr: addr, Handler: mux}
	go func() {
		l.errs <- l.srv.ListenAndServe()
	}()
	return l, nil
}

func (l *wsListener) Accept() (io.ReadWriteCloser, error) {
	select {
	case c := <-l.accept:
		return c, nil
	case err := <-l.errs:
		if err == nil {
			err = http.ErrServerClosed
		}
		return nil, err
	}
}

func (l *wsListener) Close() error {
	return l.srv.Close()
}

func (l *wsListener) Addr() string { return l.addr }
