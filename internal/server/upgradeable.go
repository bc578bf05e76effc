package server

import (
	"context"
	"sync"

	"github.com/muurk/protoswitch/internal/h1"
)

// UpgradeableConnection serves a connection and completes HTTP/1 protocol
// upgrades by handing the transport to the request that asked for it.
//
// It is created either from a bound Connection or from a Connecting, in
// which case the handler is built when Serve starts. Shutdown and abort
// requests made before that point are applied once the connection exists.
type UpgradeableConnection struct {
	mu         sync.Mutex
	inner      *Connection
	connecting *Connecting
	shutdown   bool
	aborted    bool
}

func (u *UpgradeableConnection) bind(ctx context.Context) (*Connection, error) {
	u.mu.Lock()
	if u.inner != nil {
		inner := u.inner
		u.mu.Unlock()
		return inner, nil
	}
	connecting := u.connecting
	u.mu.Unlock()

	if connecting == nil {
		return nil, ErrConnectingReused
	}
	conn, err := connecting.Connect(ctx)
	if err != nil {
		return nil, err
	}

	u.mu.Lock()
	u.inner = conn
	u.connecting = nil
	shutdown, aborted := u.shutdown, u.aborted
	u.mu.Unlock()

	switch {
	case aborted:
		_ = conn.Abort()
	case shutdown:
		conn.GracefulShutdown()
	}
	return conn, nil
}

// Serve serves the connection to completion. After a successful HTTP/1
// upgrade the transport is passed to the waiting upgrade handle and Serve
// returns nil without closing it.
func (u *UpgradeableConnection) Serve(ctx context.Context) error {
	c, err := u.bind(ctx)
	if err != nil {
		return err
	}
	d, err := c.run(ctx, true)
	c.finish()
	if err != nil {
		return err
	}
	if d.Outcome == h1.Upgrade {
		c.upgraded(d.Pending)
	}
	return nil
}

// GracefulShutdown forwards to the connection.
func (u *UpgradeableConnection) GracefulShutdown() {
	u.mu.Lock()
	inner := u.inner
	u.shutdown = true
	u.mu.Unlock()
	if inner != nil {
		inner.GracefulShutdown()
	}
}

// Abort closes the transport, including one still waiting for its handler.
func (u *UpgradeableConnection) Abort() error {
	u.mu.Lock()
	inner, connecting := u.inner, u.connecting
	u.aborted = true
	u.mu.Unlock()
	if inner != nil {
		return inner.Abort()
	}
	if connecting != nil {
		return connecting.close()
	}
	return nil
}

// Version reports the HTTP version currently spoken, or "" before the
// connection is bound.
func (u *UpgradeableConnection) Version() string {
	u.mu.Lock()
	inner := u.inner
	u.mu.Unlock()
	if inner == nil {
		return ""
	}
	return inner.Version()
}
