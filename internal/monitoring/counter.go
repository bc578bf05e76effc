// Package monitoring publishes process-wide connection counters through expvar.
package monitoring

import (
	"expvar"
	"strconv"

	"go.uber.org/atomic"
)

// Counter is an expvar.Var backed by an atomic integer.
type Counter struct {
	i atomic.Int64
}

var _ expvar.Var = (*Counter)(nil)

func (c *Counter) String() string {
	return strconv.FormatInt(c.i.Load(), 10)
}

func (c *Counter) Add(delta int64) {
	c.i.Add(delta)
}

func (c *Counter) Inc() {
	c.i.Inc()
}

func (c *Counter) Dec() {
	c.i.Dec()
}

func (c *Counter) Get() int64 {
	return c.i.Load()
}

// NewCounter creates a counter and publishes it under name.
// Publishing the same name twice panics, as with expvar.Publish.
func NewCounter(name string) *Counter {
	v := &Counter{}
	expvar.Publish(name, v)
	return v
}

var (
	// ConnectionsAccepted counts transports yielded by accept sources.
	ConnectionsAccepted = NewCounter("protoswitch.connections.accepted")
	// ConnectionsActive counts connection tasks currently running.
	ConnectionsActive = NewCounter("protoswitch.connections.active")
	// ConnectionErrors counts connection tasks that ended with an error.
	ConnectionErrors = NewCounter("protoswitch.connections.errors")
	// Fallbacks counts HTTP/1 connections switched to HTTP/2 after the preface.
	Fallbacks = NewCounter("protoswitch.fallbacks")
	// Upgrades counts HTTP/1 connections handed over after 101 Switching Protocols.
	Upgrades = NewCounter("protoswitch.upgrades")
	// H1Requests counts requests parsed by the HTTP/1 engine.
	H1Requests = NewCounter("protoswitch.h1.requests")
)
