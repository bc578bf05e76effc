// Package h2 serves HTTP/2 on a single connection using golang.org/x/net/http2.
//
// The connection may be a rewind.Conn replaying bytes an HTTP/1 engine read
// before it recognised the client preface.
package h2

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/net/http2"

	"github.com/muurk/protoswitch/internal/exec"
	"github.com/muurk/protoswitch/internal/logging"
)

// ErrServed is returned when Serve is called more than once.
var ErrServed = errors.New("h2: connection already served")

// Engine serves HTTP/2 on one connection.
type Engine struct {
	conn    net.Conn
	handler http.Handler
	srv     *http2.Server
	base    *http.Server
	exec    exec.Executor
	log     *zap.Logger

	started  atomic.Bool
	readErr  atomic.Error
	liveOnce sync.Once

	mu                sync.Mutex
	live              bool
	done              bool
	shutdownRequested bool
	shutdownOnce      sync.Once
}

// New prepares an engine for conn. The engine does not read or write until
// Serve is called.
func New(conn net.Conn, handler http.Handler, settings Settings, e exec.Executor) (*Engine, error) {
	if handler == nil {
		handler = http.NotFoundHandler()
	}
	eng := &Engine{
		handler: handler,
		srv:     settings.server(),
		base:    &http.Server{Handler: handler},
		exec:    exec.OrDefault(e),
		log:     logging.With(zap.String("remote_addr", remoteAddr(conn))),
	}
	eng.srv.CountError = func(errType string) {
		eng.log.Debug("http2 error", zap.String("type", errType))
	}
	if settings.AdaptiveWindow {
		eng.log.Debug("adaptive flow control windows unsupported, using fixed windows",
			zap.Int32("stream_window", eng.srv.MaxUploadBufferPerStream),
			zap.Int32("conn_window", eng.srv.MaxUploadBufferPerConnection),
		)
	}
	if err := http2.ConfigureServer(eng.base, eng.srv); err != nil {
		return nil, fmt.Errorf("h2: configure server: %w", err)
	}

	lc := &liveConn{Conn: conn, e: eng}
	if tc := findTLS(conn); tc != nil {
		eng.conn = &liveTLSConn{liveConn: lc, tc: tc}
	} else {
		eng.conn = lc
	}
	return eng, nil
}

func remoteAddr(conn net.Conn) string {
	if addr := conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

// findTLS looks through connection wrappers for a TLS connection.
func findTLS(conn net.Conn) *tls.Conn {
	for conn != nil {
		if tc, ok := conn.(*tls.Conn); ok {
			return tc
		}
		u, ok := conn.(interface{ NetConn() net.Conn })
		if !ok {
			return nil
		}
		conn = u.NetConn()
	}
	return nil
}

// Serve runs the HTTP/2 connection until the peer goes away, a GOAWAY
// completes or ctx is cancelled. The connection is closed on return.
func (e *Engine) Serve(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return ErrServed
	}
	stop := context.AfterFunc(ctx, func() { _ = e.conn.Close() })
	defer stop()

	e.srv.ServeConn(e.conn, &http2.ServeConnOpts{
		Context:    ctx,
		BaseConfig: e.base,
		Handler:    e.handler,
	})

	e.mu.Lock()
	e.done = true
	e.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := e.readErr.Load(); err != nil {
		return fmt.Errorf("h2: read: %w", err)
	}
	return nil
}

// GracefulShutdown sends GOAWAY and lets open streams finish. Called before
// the connection started it takes effect as soon as it does.
func (e *Engine) GracefulShutdown() {
	e.mu.Lock()
	if e.done {
		e.mu.Unlock()
		return
	}
	e.shutdownRequested = true
	live := e.live
	e.mu.Unlock()

	if live {
		e.startShutdown()
	}
}

// Close closes the connection without a GOAWAY.
func (e *Engine) Close() error {
	return e.conn.Close()
}

func (e *Engine) markLive() {
	e.liveOnce.Do(func() {
		e.mu.Lock()
		e.live = true
		pending := e.shutdownRequested
		e.mu.Unlock()
		if pending {
			e.startShutdown()
		}
	})
}

func (e *Engine) startShutdown() {
	e.shutdownOnce.Do(func() {
		e.log.Debug("sending GOAWAY")
		e.exec.Execute(func() {
			_ = e.base.Shutdown(context.Background())
		})
	})
}

// liveConn notices the first I/O on the connection. By then the x/net server
// has registered the connection and can deliver a graceful shutdown to it.
type liveConn struct {
	net.Conn
	e *Engine
}

func (c *liveConn) Read(p []byte) (int, error) {
	c.e.markLive()
	n, err := c.Conn.Read(p)
	if err != nil && !isExpectedReadErr(err) && c.e.readErr.Load() == nil {
		c.e.readErr.Store(err)
	}
	return n, err
}

func (c *liveConn) Write(p []byte) (int, error) {
	c.e.markLive()
	return c.Conn.Write(p)
}

func (c *liveConn) CloseWrite() error {
	if cw, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}

type liveTLSConn struct {
	*liveConn
	tc *tls.Conn
}

func (c *liveTLSConn) ConnectionState() tls.ConnectionState {
	return c.tc.ConnectionState()
}

func isExpectedReadErr(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, os.ErrDeadlineExceeded) ||
		errors.Is(err, io.ErrClosedPipe)
}
