package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"golang.org/x/net/http2"

	"github.com/muurk/protoswitch/internal/logging"
)

// ErrConnectingReused is returned when a Connecting is connected twice.
var ErrConnectingReused = errors.New("server: connecting already consumed its transport")

// ConstructionError reports that the handler for an accepted connection
// could not be built. It only affects that connection.
type ConstructionError struct {
	Err error
}

func (e *ConstructionError) Error() string {
	return fmt.Sprintf("server: build handler: %v", e.Err)
}

func (e *ConstructionError) Unwrap() error { return e.Err }

// HandlerFactory builds a handler for every accepted connection.
type HandlerFactory interface {
	// Ready reports whether the factory can build handlers. An error
	// stops the accept loop.
	Ready(ctx context.Context) error
	NewHandler(ctx context.Context, conn net.Conn) (http.Handler, error)
}

// HandlerFactoryFunc is a HandlerFactory that is always ready.
type HandlerFactoryFunc func(ctx context.Context, conn net.Conn) (http.Handler, error)

func (f HandlerFactoryFunc) Ready(context.Context) error { return nil }

func (f HandlerFactoryFunc) NewHandler(ctx context.Context, conn net.Conn) (http.Handler, error) {
	return f(ctx, conn)
}

// StaticHandler serves every connection with h.
func StaticHandler(h http.Handler) HandlerFactory {
	return HandlerFactoryFunc(func(context.Context, net.Conn) (http.Handler, error) {
		return h, nil
	})
}

// Connecting is an accepted transport waiting for its handler.
type Connecting struct {
	remote     string
	newHandler func(ctx context.Context) (http.Handler, error)
	protocol   *Protocol

	mu   sync.Mutex
	conn net.Conn
}

// NewConnecting pairs conn with a handler constructor. protocol is cloned.
func NewConnecting(conn net.Conn, newHandler func(ctx context.Context) (http.Handler, error), protocol *Protocol) *Connecting {
	if protocol == nil {
		protocol = NewProtocol()
	}
	return &Connecting{
		remote:     remoteAddr(conn),
		newHandler: newHandler,
		protocol:   protocol.Clone(),
		conn:       conn,
	}
}

// RemoteAddr is the peer address of the transport.
func (c *Connecting) RemoteAddr() string {
	return c.remote
}

func (c *Connecting) take() net.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	conn := c.conn
	c.conn = nil
	return conn
}

func (c *Connecting) close() error {
	if conn := c.take(); conn != nil {
		return conn.Close()
	}
	return nil
}

// Connect builds the handler and binds it to the transport. It can succeed
// only once. On failure the transport is closed.
func (c *Connecting) Connect(ctx context.Context) (*Connection, error) {
	conn := c.take()
	if conn == nil {
		return nil, ErrConnectingReused
	}

	defer func() {
		if r := recover(); r != nil {
			_ = conn.Close()
			panic(r)
		}
	}()

	handler, err := c.newHandler(ctx)
	if err != nil {
		_ = conn.Close()
		return nil, &ConstructionError{Err: err}
	}

	protocol := c.protocol
	if tc, ok := conn.(*tls.Conn); ok {
		if err := tc.HandshakeContext(ctx); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("server: tls handshake: %w", err)
		}
		state := tc.ConnectionState()
		logging.LogTLSHandshake(c.remote, state)
		if state.NegotiatedProtocol == http2.NextProtoTLS {
			protocol = protocol.Clone().HTTP2Only(true)
		}
	}
	return protocol.ServeConnection(conn, handler), nil
}

// WithUpgrades returns a connection that is bound when it starts serving.
func (c *Connecting) WithUpgrades() *UpgradeableConnection {
	return &UpgradeableConnection{connecting: c}
}
