package server

import (
	"context"
	"sync"

	"github.com/hashicorp/go-multierror"
)

// ConnFunc runs a connection to completion.
type ConnFunc func(ctx context.Context) error

// Watcher decides what the task spawned for a connection runs. Watch is
// called on the accept loop before the task starts.
type Watcher interface {
	Watch(conn *UpgradeableConnection) ConnFunc
}

// NoopWatcher runs connections as they are.
type NoopWatcher struct{}

func (NoopWatcher) Watch(conn *UpgradeableConnection) ConnFunc {
	return conn.Serve
}

// Tracker is a Watcher that keeps every running connection in a set so
// they can be shut down together.
type Tracker struct {
	mu       sync.Mutex
	conns    map[*UpgradeableConnection]struct{}
	idle     chan struct{}
	draining bool
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	idle := make(chan struct{})
	close(idle)
	return &Tracker{
		conns: make(map[*UpgradeableConnection]struct{}),
		idle:  idle,
	}
}

// Watch registers conn immediately and deregisters it when the returned
// function returns.
func (t *Tracker) Watch(conn *UpgradeableConnection) ConnFunc {
	t.add(conn)
	return func(ctx context.Context) error {
		defer t.remove(conn)
		return conn.Serve(ctx)
	}
}

func (t *Tracker) add(conn *UpgradeableConnection) {
	t.mu.Lock()
	if len(t.conns) == 0 {
		t.idle = make(chan struct{})
	}
	t.conns[conn] = struct{}{}
	draining := t.draining
	t.mu.Unlock()

	if draining {
		conn.GracefulShutdown()
	}
}

func (t *Tracker) remove(conn *UpgradeableConnection) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.conns[conn]; !ok {
		return
	}
	delete(t.conns, conn)
	if len(t.conns) == 0 {
		close(t.idle)
	}
}

func (t *Tracker) snapshot() []*UpgradeableConnection {
	t.mu.Lock()
	defer t.mu.Unlock()
	conns := make([]*UpgradeableConnection, 0, len(t.conns))
	for c := range t.conns {
		conns = append(conns, c)
	}
	return conns
}

// Len returns the number of running connections.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns)
}

// Contains reports whether conn is running.
func (t *Tracker) Contains(conn *UpgradeableConnection) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.conns[conn]
	return ok
}

// ShutdownAll starts a graceful shutdown of every running connection.
// Connections registered afterwards are shut down as they arrive.
func (t *Tracker) ShutdownAll() {
	t.mu.Lock()
	t.draining = true
	t.mu.Unlock()
	for _, c := range t.snapshot() {
		c.GracefulShutdown()
	}
}

// AbortAll closes every running connection.
func (t *Tracker) AbortAll() error {
	var result *multierror.Error
	for _, c := range t.snapshot() {
		if err := c.Abort(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Wait blocks until no connection is running or ctx is done.
func (t *Tracker) Wait(ctx context.Context) error {
	for {
		t.mu.Lock()
		idle := t.idle
		empty := len(t.conns) == 0
		t.mu.Unlock()
		if empty {
			return nil
		}
		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
