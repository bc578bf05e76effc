// Package rewind provides a net.Conn wrapper that replays bytes which were
// already read from the connection before handing out fresh reads.
package rewind

import (
	"net"
)

// Conn wraps a net.Conn and serves pre-loaded bytes before reading from the
// underlying connection.
type Conn struct {
	net.Conn
	pre []byte
}

// New wraps conn so that prefix is returned by Read before anything else.
// The prefix is copied; the caller may reuse its buffer.
func New(conn net.Conn, prefix []byte) *Conn {
	c := &Conn{Conn: conn}
	if len(prefix) > 0 {
		c.pre = append([]byte(nil), prefix...)
	}
	return c
}

// Rewind pushes b in front of any bytes still pending replay.
func (c *Conn) Rewind(b []byte) {
	if len(b) == 0 {
		return
	}
	pre := make([]byte, 0, len(b)+len(c.pre))
	pre = append(pre, b...)
	c.pre = append(pre, c.pre...)
}

// Read implements net.Conn.
func (c *Conn) Read(p []byte) (int, error) {
	if len(c.pre) > 0 {
		n := copy(p, c.pre)
		c.pre = c.pre[n:]
		if len(c.pre) == 0 {
			c.pre = nil
		}
		return n, nil
	}
	return c.Conn.Read(p)
}

// Pending reports how many replay bytes have not been read yet.
func (c *Conn) Pending() int {
	return len(c.pre)
}

// Into returns the wrapped connection and the unread replay bytes.
func (c *Conn) Into() (net.Conn, []byte) {
	pre := c.pre
	c.pre = nil
	return c.Conn, pre
}

// CloseWrite shuts down the write side when the wrapped connection supports it.
func (c *Conn) CloseWrite() error {
	if cw, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}

// NetConn returns the wrapped connection.
func (c *Conn) NetConn() net.Conn {
	return c.Conn
}
