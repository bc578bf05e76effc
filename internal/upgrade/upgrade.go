// Package upgrade carries a connection from an HTTP/1 engine to whoever
// handles the protocol that replaced HTTP/1 on it.
//
// The engine creates a Pending/OnUpgrade pair for every request that asks for
// an upgrade. The OnUpgrade half travels with the request context; the handler
// answers 101 Switching Protocols and waits on it. Once the response has been
// written the connection owner fulfills the Pending half with the raw
// transport plus any bytes read past the request head.
package upgrade

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"

	"github.com/muurk/protoswitch/internal/rewind"
)

var (
	// ErrNoUpgrade is returned by OnUpgrade.Wait when the exchange ended
	// without switching protocols.
	ErrNoUpgrade = errors.New("upgrade: connection was not upgraded")

	// ErrManualUpgrade is returned by OnUpgrade.Wait when the connection was
	// served by a driver that was not wrapped for upgrades.
	ErrManualUpgrade = errors.New("upgrade: upgrade expected but low level API in use")
)

// Upgraded is a transport handed over after a successful upgrade. Reads first
// return the bytes the HTTP/1 engine had buffered but not consumed.
type Upgraded struct {
	net.Conn
	raw  net.Conn
	read []byte
}

// Parts is the deconstructed form of an Upgraded connection.
type Parts struct {
	Conn net.Conn
	Read []byte
}

// NewUpgraded wraps conn, replaying read before fresh bytes.
func NewUpgraded(conn net.Conn, read []byte) *Upgraded {
	rc := rewind.New(conn, read)
	return &Upgraded{Conn: rc, raw: conn, read: append([]byte(nil), read...)}
}

// Parts returns the raw transport and the buffered bytes. Reads performed
// through u before calling Parts are not reflected.
func (u *Upgraded) Parts() Parts {
	return Parts{Conn: u.raw, Read: u.read}
}

type result struct {
	conn *Upgraded
	err  error
}

type shared struct {
	once sync.Once
	done chan struct{}
	res  result
}

// Pending is the sending half of an upgrade.
type Pending struct {
	s *shared
}

// OnUpgrade is the receiving half of an upgrade.
type OnUpgrade struct {
	s *shared
}

// New returns a linked Pending/OnUpgrade pair.
func New() (*Pending, *OnUpgrade) {
	s := &shared{done: make(chan struct{})}
	return &Pending{s: s}, &OnUpgrade{s: s}
}

func (s *shared) resolve(r result) bool {
	resolved := false
	s.once.Do(func() {
		s.res = r
		close(s.done)
		resolved = true
	})
	return resolved
}

// Fulfill hands conn to the waiting side. Only the first resolution counts;
// it reports whether this call delivered the connection.
func (p *Pending) Fulfill(conn *Upgraded) bool {
	return p.s.resolve(result{conn: conn})
}

// Manual fails the upgrade with ErrManualUpgrade.
func (p *Pending) Manual() {
	p.s.resolve(result{err: ErrManualUpgrade})
}

// Cancel fails the upgrade with ErrNoUpgrade.
func (p *Pending) Cancel() {
	p.s.resolve(result{err: ErrNoUpgrade})
}

// Wait blocks until the upgrade resolves or ctx is done.
func (o *OnUpgrade) Wait(ctx context.Context) (*Upgraded, error) {
	if o == nil || o.s == nil {
		return nil, ErrNoUpgrade
	}
	select {
	case <-o.s.done:
		return o.s.res.conn, o.s.res.err
	default:
	}
	select {
	case <-o.s.done:
		return o.s.res.conn, o.s.res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done is closed once the upgrade resolved either way.
func (o *OnUpgrade) Done() <-chan struct{} {
	return o.s.done
}

type contextKey struct{}

// NewContext returns a context carrying on.
func NewContext(ctx context.Context, on *OnUpgrade) context.Context {
	return context.WithValue(ctx, contextKey{}, on)
}

// FromContext returns the OnUpgrade stored in ctx, if any.
func FromContext(ctx context.Context) (*OnUpgrade, bool) {
	on, ok := ctx.Value(contextKey{}).(*OnUpgrade)
	return on, ok && on != nil
}

// FromRequest returns the upgrade handle of r. For requests that did not ask
// for an upgrade the returned handle resolves immediately with ErrNoUpgrade.
func FromRequest(r *http.Request) *OnUpgrade {
	if on, ok := FromContext(r.Context()); ok {
		return on
	}
	p, on := New()
	p.Cancel()
	return on
}
