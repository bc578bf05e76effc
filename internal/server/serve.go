package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"

	"github.com/muurk/protoswitch/internal/logging"
	"github.com/muurk/protoswitch/internal/monitoring"
)

// Accept is a source of transports. io.EOF means the source is exhausted.
type Accept interface {
	Accept(ctx context.Context) (net.Conn, error)
}

// AcceptError reports that the accept source failed.
type AcceptError struct {
	Err error
}

func (e *AcceptError) Error() string {
	return fmt.Sprintf("server: accept: %v", e.Err)
}

func (e *AcceptError) Unwrap() error { return e.Err }

// FactoryError reports that the handler factory is not able to serve.
type FactoryError struct {
	Err error
}

func (e *FactoryError) Error() string {
	return fmt.Sprintf("server: handler factory not ready: %v", e.Err)
}

func (e *FactoryError) Unwrap() error { return e.Err }

// ListenerAccept adapts a net.Listener. A closed listener is reported as
// io.EOF; failures that leave the listener usable are retried.
type ListenerAccept struct {
	ln net.Listener

	// MaxDelay caps the wait between retries. Zero means one second.
	MaxDelay time.Duration
}

// NewListenerAccept wraps ln.
func NewListenerAccept(ln net.Listener) *ListenerAccept {
	return &ListenerAccept{ln: ln}
}

// Addr is the listener's network address.
func (a *ListenerAccept) Addr() net.Addr {
	return a.ln.Addr()
}

// Close closes the listener.
func (a *ListenerAccept) Close() error {
	return a.ln.Close()
}

// Accept waits for the next connection. Cancelling ctx closes the listener.
func (a *ListenerAccept) Accept(ctx context.Context) (net.Conn, error) {
	stop := context.AfterFunc(ctx, func() { _ = a.ln.Close() })
	defer stop()

	var bo *backoff.ExponentialBackOff
	for {
		conn, err := a.ln.Accept()
		if err == nil {
			return conn, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if errors.Is(err, net.ErrClosed) {
			return nil, io.EOF
		}
		if isConnectionError(err) {
			logging.Debug("accepted connection failed", zap.Error(err))
			continue
		}

		if bo == nil {
			bo = backoff.NewExponentialBackOff()
			bo.InitialInterval = 5 * time.Millisecond
			bo.MaxInterval = time.Second
			if a.MaxDelay > 0 {
				bo.MaxInterval = a.MaxDelay
			}
			bo.MaxElapsedTime = 0
			bo.Reset()
		}
		delay := bo.NextBackOff()
		logging.Error("accept error, retrying", zap.Error(err), zap.Duration("delay", delay))

		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		}
	}
}

// isConnectionError reports errors that concern a single half-open
// connection rather than the listener.
func isConnectionError(err error) bool {
	return errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED)
}

// Serve accepts transports and binds them to handlers.
type Serve struct {
	incoming Accept
	factory  HandlerFactory
	protocol *Protocol
}

// NewServe returns an accept loop. A nil protocol means NewProtocol().
func NewServe(incoming Accept, factory HandlerFactory, protocol *Protocol) *Serve {
	if protocol == nil {
		protocol = NewProtocol()
	}
	return &Serve{incoming: incoming, factory: factory, protocol: protocol}
}

// Protocol returns the configuration applied to new connections.
func (s *Serve) Protocol() *Protocol {
	return s.protocol
}

// Next waits for the factory to be ready and for the next transport. It
// returns io.EOF when the accept source is exhausted.
func (s *Serve) Next(ctx context.Context) (*Connecting, error) {
	if err := s.factory.Ready(ctx); err != nil {
		return nil, &FactoryError{Err: err}
	}

	conn, err := s.incoming.Accept(ctx)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &AcceptError{Err: err}
	}
	monitoring.ConnectionsAccepted.Inc()

	factory := s.factory
	return NewConnecting(conn, func(ctx context.Context) (http.Handler, error) {
		return factory.NewHandler(ctx, conn)
	}, s.protocol), nil
}

// SpawnAll accepts until the source is exhausted, ctx is cancelled or a
// fatal error occurs, starting a task per connection through w. Tasks keep
// running after SpawnAll returns. Exhaustion and cancellation return nil.
func (s *Serve) SpawnAll(ctx context.Context, w Watcher) error {
	if w == nil {
		w = NoopWatcher{}
	}
	taskCtx := context.WithoutCancel(ctx)
	for {
		connecting, err := s.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		s.spawn(taskCtx, connecting, w)
	}
}

func (s *Serve) spawn(ctx context.Context, connecting *Connecting, w Watcher) {
	remote := connecting.RemoteAddr()
	run := w.Watch(connecting.WithUpgrades())

	s.protocol.exec.Execute(func() {
		monitoring.ConnectionsActive.Inc()
		defer monitoring.ConnectionsActive.Dec()
		defer func() {
			if r := recover(); r != nil {
				monitoring.ConnectionErrors.Inc()
				logging.Error("panic in connection task",
					zap.String("remote_addr", remote),
					zap.Any("panic", r),
					zap.ByteString("stack", debug.Stack()),
				)
			}
		}()

		logging.LogConnection(remote, "connection_accepted")
		if err := run(ctx); err != nil {
			monitoring.ConnectionErrors.Inc()
			logging.Warn("connection error",
				zap.String("remote_addr", remote),
				zap.Error(err),
			)
		}
		logging.LogConnection(remote, "connection_closed")
	})
}
