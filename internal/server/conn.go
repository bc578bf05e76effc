package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"github.com/muurk/protoswitch/internal/exec"
	"github.com/muurk/protoswitch/internal/h1"
	"github.com/muurk/protoswitch/internal/h2"
	"github.com/muurk/protoswitch/internal/logging"
	"github.com/muurk/protoswitch/internal/monitoring"
	"github.com/muurk/protoswitch/internal/rewind"
	"github.com/muurk/protoswitch/internal/upgrade"
)

// ErrPartsUnavailable is returned when the parts of a connection are
// requested but the connection is not served by HTTP/1.
var ErrPartsUnavailable = errors.New("server: connection parts are only available for HTTP/1")

// protoServer is the engine currently serving a connection: *h1Server or
// *h2Server.
type protoServer interface {
	version() string
	gracefulShutdown()
	abort() error
}

type h1Server struct {
	conn *h1.Conn
}

func (s *h1Server) version() string   { return "HTTP/1.1" }
func (s *h1Server) gracefulShutdown() { s.conn.DisableKeepAlive() }
func (s *h1Server) abort() error      { s.conn.Abort(); return nil }

type h2Server struct {
	eng *h2.Engine
}

func (s *h2Server) version() string   { return "HTTP/2.0" }
func (s *h2Server) gracefulShutdown() { s.eng.GracefulShutdown() }
func (s *h2Server) abort() error      { return s.eng.Close() }

// fallbackState is what a connection needs to build its HTTP/2 engine
// after the HTTP/1 engine saw the client preface.
type fallbackState struct {
	settings h2.Settings
	exec     exec.Executor
}

// Parts is a connection taken apart after serving HTTP/1.
type Parts struct {
	// Conn is the transport the connection was created with.
	Conn net.Conn
	// Read holds bytes read from Conn but not consumed by HTTP/1.
	Read []byte
	// Handler is the handler the connection served.
	Handler http.Handler
}

// Connection drives one transport through HTTP/1, HTTP/2, or HTTP/1 that
// turned into HTTP/2. It is served by a single goroutine; GracefulShutdown
// and Abort may be called from others.
type Connection struct {
	log *zap.Logger

	mu                sync.Mutex
	proto             protoServer
	fallback          *fallbackState
	shutdownRequested bool
	resolved          bool
	initErr           error
}

func newConnection(conn net.Conn) *Connection {
	return &Connection{log: logging.With(zap.String("remote_addr", remoteAddr(conn)))}
}

func remoteAddr(conn net.Conn) string {
	if addr := conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

func rewindConn(conn net.Conn, read []byte) net.Conn {
	return rewind.New(conn, read)
}

func (c *Connection) current() protoServer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.proto
}

// run serves the live engine until it finishes. If the HTTP/1 engine stops
// on the client preface and fallback is enabled the engine is replaced and
// serving continues on HTTP/2.
func (c *Connection) run(ctx context.Context, shutdown bool) (h1.Dispatched, error) {
	if c.initErr != nil {
		return h1.Dispatched{}, c.initErr
	}
	for {
		switch s := c.current().(type) {
		case *h1Server:
			var (
				d   h1.Dispatched
				err error
			)
			if shutdown {
				d, err = s.conn.Serve(ctx)
			} else {
				d, err = s.conn.ServeWithoutShutdown(ctx)
			}
			if err == nil {
				return d, nil
			}
			if !h1.IsVersionH2(err) {
				return h1.Dispatched{}, err
			}
			if c.fallback == nil {
				s.conn.Abort()
				return h1.Dispatched{}, err
			}
			if err := c.switchToH2(s); err != nil {
				return h1.Dispatched{}, err
			}
		case *h2Server:
			return h1.Dispatched{Outcome: h1.Shutdown}, s.eng.Serve(ctx)
		default:
			return h1.Dispatched{}, errors.New("server: connection has no engine")
		}
	}
}

// switchToH2 replaces the HTTP/1 engine with an HTTP/2 engine that first
// replays everything the HTTP/1 engine buffered.
func (c *Connection) switchToH2(s *h1Server) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.proto = nil
	conn, read, handler := s.conn.IntoInner()
	fb := c.fallback
	c.fallback = nil

	eng, err := h2.New(rewindConn(conn, read), handler, fb.settings, fb.exec)
	if err != nil {
		_ = conn.Close()
		return err
	}
	if c.shutdownRequested {
		eng.GracefulShutdown()
	}
	c.proto = &h2Server{eng: eng}

	monitoring.Fallbacks.Inc()
	c.log.Debug("switching to HTTP/2", zap.Int("replayed_bytes", len(read)))
	return nil
}

func (c *Connection) finish() {
	c.mu.Lock()
	c.resolved = true
	c.mu.Unlock()
}

// Serve serves the connection to completion and shuts the transport down.
// An HTTP/1 upgrade cannot be completed here; its waiter gets
// upgrade.ErrManualUpgrade. Use WithUpgrades to support upgrades.
func (c *Connection) Serve(ctx context.Context) error {
	d, err := c.run(ctx, true)
	c.finish()
	if err != nil {
		return err
	}
	if d.Outcome == h1.Upgrade {
		d.Pending.Manual()
		_ = c.Abort()
	}
	return nil
}

// ServeWithoutShutdown serves the connection like Serve but leaves the
// transport open, so an HTTP/1 connection can be taken apart with
// IntoParts afterwards.
func (c *Connection) ServeWithoutShutdown(ctx context.Context) error {
	d, err := c.run(ctx, false)
	c.finish()
	if err != nil {
		return err
	}
	if d.Outcome == h1.Upgrade {
		d.Pending.Manual()
	}
	return nil
}

// WithoutShutdown serves without shutdown and returns the parts.
func (c *Connection) WithoutShutdown(ctx context.Context) (Parts, error) {
	if err := c.ServeWithoutShutdown(ctx); err != nil {
		return Parts{}, err
	}
	parts, ok := c.TryIntoParts()
	if !ok {
		return Parts{}, ErrPartsUnavailable
	}
	return parts, nil
}

// GracefulShutdown starts a graceful shutdown. HTTP/1 finishes the
// in-flight response and stops reusing the connection; HTTP/2 sends GOAWAY
// and drains open streams. It does nothing once the connection finished.
func (c *Connection) GracefulShutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.resolved {
		return
	}
	c.shutdownRequested = true
	if c.proto != nil {
		c.proto.gracefulShutdown()
	}
}

// Abort closes the transport without flushing.
func (c *Connection) Abort() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.proto == nil {
		return nil
	}
	return c.proto.abort()
}

// IntoParts takes an HTTP/1 connection apart. It panics when the connection
// is served by HTTP/2.
func (c *Connection) IntoParts() Parts {
	parts, ok := c.TryIntoParts()
	if !ok {
		panic("server: IntoParts on a connection not served by HTTP/1")
	}
	return parts
}

// TryIntoParts takes an HTTP/1 connection apart. It reports false when the
// connection is served by HTTP/2. Call it only after serving without
// shutdown finished.
func (c *Connection) TryIntoParts() (Parts, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.proto.(*h1Server)
	if !ok {
		return Parts{}, false
	}
	conn, read, handler := s.conn.IntoInner()
	return Parts{Conn: conn, Read: read, Handler: handler}, true
}

// Version reports the HTTP version currently spoken.
func (c *Connection) Version() string {
	if p := c.current(); p != nil {
		return p.version()
	}
	return ""
}

// WithUpgrades returns a wrapper that completes HTTP/1 upgrades.
func (c *Connection) WithUpgrades() *UpgradeableConnection {
	return &UpgradeableConnection{inner: c}
}

// upgraded hands the transport of a finished HTTP/1 connection to pending.
func (c *Connection) upgraded(pending *upgrade.Pending) {
	parts, ok := c.TryIntoParts()
	if !ok {
		pending.Cancel()
		return
	}
	monitoring.Upgrades.Inc()
	if !pending.Fulfill(upgrade.NewUpgraded(parts.Conn, parts.Read)) {
		_ = parts.Conn.Close()
	}
}
