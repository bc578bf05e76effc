package server

import (
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/muurk/protoswitch/internal/exec"
	"github.com/muurk/protoswitch/internal/h1"
	"github.com/muurk/protoswitch/internal/h2"
)

// ConnectionMode selects which HTTP versions a connection may speak.
type ConnectionMode int

const (
	// ModeFallback starts with HTTP/1 and switches to HTTP/2 when the peer
	// opens with the HTTP/2 client preface.
	ModeFallback ConnectionMode = iota
	// ModeH1Only serves HTTP/1 only.
	ModeH1Only
	// ModeH2Only serves HTTP/2 only.
	ModeH2Only
)

func (m ConnectionMode) String() string {
	switch m {
	case ModeFallback:
		return "fallback"
	case ModeH1Only:
		return "http1"
	case ModeH2Only:
		return "http2"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseMode parses the names produced by ConnectionMode.String.
func ParseMode(s string) (ConnectionMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "fallback", "auto":
		return ModeFallback, nil
	case "http1", "h1":
		return ModeH1Only, nil
	case "http2", "h2":
		return ModeH2Only, nil
	default:
		return ModeFallback, fmt.Errorf("unknown connection mode %q", s)
	}
}

func defaultMode() ConnectionMode {
	switch {
	case http1Enabled && http2Enabled:
		return ModeFallback
	case http1Enabled:
		return ModeH1Only
	case http2Enabled:
		return ModeH2Only
	default:
		panic("server: built without HTTP/1 and HTTP/2")
	}
}

// Protocol is the per-connection configuration. Setters return the receiver
// so calls can be chained; the accept loop clones it for every connection.
type Protocol struct {
	exec          exec.Executor
	h1HalfClose   bool
	h1KeepAlive   bool
	h2            h2.Settings
	mode          ConnectionMode
	maxBufSize    int
	pipelineFlush bool
}

// NewProtocol returns the default configuration.
func NewProtocol() *Protocol {
	return &Protocol{
		exec:        exec.Goroutine,
		h1KeepAlive: true,
		h2:          h2.DefaultSettings(),
		mode:        defaultMode(),
		maxBufSize:  h1.DefaultMaxBufSize,
	}
}

// Clone returns an independent copy of p.
func (p *Protocol) Clone() *Protocol {
	c := *p
	return &c
}

// HTTP1Only forces HTTP/1. Turning it off re-enables fallback.
func (p *Protocol) HTTP1Only(v bool) *Protocol {
	if !http1Enabled {
		return p
	}
	if v {
		p.mode = ModeH1Only
	} else if http2Enabled {
		p.mode = ModeFallback
	}
	return p
}

// HTTP1HalfClose keeps serving a request after the peer shut down its
// write side.
func (p *Protocol) HTTP1HalfClose(v bool) *Protocol {
	p.h1HalfClose = v
	return p
}

// HTTP1KeepAlive enables persistent HTTP/1 connections. Default true.
func (p *Protocol) HTTP1KeepAlive(v bool) *Protocol {
	p.h1KeepAlive = v
	return p
}

// HTTP2Only forces HTTP/2. Turning it off re-enables fallback.
func (p *Protocol) HTTP2Only(v bool) *Protocol {
	if !http2Enabled {
		return p
	}
	if v {
		p.mode = ModeH2Only
	} else if http1Enabled {
		p.mode = ModeFallback
	}
	return p
}

// HTTP2InitialStreamWindowSize sets the per-stream receive window. A non-zero
// size turns adaptive windows off; zero is ignored. The engine clamps the
// value to the range HTTP/2 allows.
func (p *Protocol) HTTP2InitialStreamWindowSize(n uint32) *Protocol {
	if n > 0 {
		p.h2.InitialStreamWindowSize = n
		p.h2.AdaptiveWindow = false
	}
	return p
}

// HTTP2InitialConnectionWindowSize sets the connection-level receive window.
// Like the stream window, a non-zero size turns adaptive windows off and zero
// is ignored.
func (p *Protocol) HTTP2InitialConnectionWindowSize(n uint32) *Protocol {
	if n > 0 {
		p.h2.InitialConnWindowSize = n
		p.h2.AdaptiveWindow = false
	}
	return p
}

// HTTP2AdaptiveWindow asks for adaptive flow control. Enabling it resets both
// windows to h2.DefaultWindowSize, which the engine then uses as fixed
// windows since BDP estimation is not available.
func (p *Protocol) HTTP2AdaptiveWindow(v bool) *Protocol {
	p.h2.AdaptiveWindow = v
	if v {
		p.h2.InitialStreamWindowSize = h2.DefaultWindowSize
		p.h2.InitialConnWindowSize = h2.DefaultWindowSize
	}
	return p
}

// HTTP2MaxFrameSize sets the largest frame payload the peer may send. Zero is
// ignored; other values are clamped to 16KiB..16MiB by the engine.
func (p *Protocol) HTTP2MaxFrameSize(n uint32) *Protocol {
	if n > 0 {
		p.h2.MaxFrameSize = n
	}
	return p
}

// HTTP2MaxConcurrentStreams limits open streams per connection. Zero leaves
// the choice to the HTTP/2 library default.
func (p *Protocol) HTTP2MaxConcurrentStreams(n uint32) *Protocol {
	p.h2.MaxConcurrentStreams = n
	return p
}

// HTTP2KeepAliveInterval sets how long an HTTP/2 connection may stay quiet
// before it is pinged. Zero disables pings.
func (p *Protocol) HTTP2KeepAliveInterval(d time.Duration) *Protocol {
	p.h2.KeepAliveInterval = d
	return p
}

// HTTP2KeepAliveTimeout bounds the wait for a ping acknowledgement. It has
// no effect while the keep-alive interval is zero.
func (p *Protocol) HTTP2KeepAliveTimeout(d time.Duration) *Protocol {
	p.h2.KeepAliveTimeout = d
	return p
}

// MaxBufSize caps the HTTP/1 read buffer. It panics below h1.MinBufSize.
func (p *Protocol) MaxBufSize(n int) *Protocol {
	if n < h1.MinBufSize {
		panic(fmt.Sprintf("server: max buffer size %d is below minimum %d", n, h1.MinBufSize))
	}
	p.maxBufSize = n
	return p
}

// PipelineFlush batches the responses to pipelined HTTP/1 requests.
func (p *Protocol) PipelineFlush(v bool) *Protocol {
	p.pipelineFlush = v
	return p
}

// WithExecutor sets the executor used for connection tasks and background
// work. A nil executor restores the default.
func (p *Protocol) WithExecutor(e exec.Executor) *Protocol {
	p.exec = exec.OrDefault(e)
	return p
}

// Mode returns the resolved connection mode.
func (p *Protocol) Mode() ConnectionMode {
	return p.mode
}

// HTTP2Settings returns the HTTP/2 settings new connections use.
func (p *Protocol) HTTP2Settings() h2.Settings {
	return p.h2
}

// ServeConnection binds conn to handler. The returned Connection does
// nothing until it is served.
func (p *Protocol) ServeConnection(conn net.Conn, handler http.Handler) *Connection {
	c := newConnection(conn)
	switch p.mode {
	case ModeH2Only:
		eng, err := h2.New(rewindConn(conn, nil), handler, p.h2, p.exec)
		if err != nil {
			c.initErr = err
			_ = conn.Close()
			return c
		}
		c.proto = &h2Server{eng: eng}
	default:
		c.proto = p.newH1Server(conn, handler)
		if p.mode == ModeFallback {
			c.fallback = &fallbackState{settings: p.h2, exec: p.exec}
		}
	}
	return c
}

func (p *Protocol) newH1Server(conn net.Conn, handler http.Handler) *h1Server {
	hc := h1.NewConn(conn, handler)
	if !p.h1KeepAlive {
		hc.DisableKeepAlive()
	}
	hc.SetAllowHalfClose(p.h1HalfClose)
	hc.SetFlushPipeline(p.pipelineFlush)
	hc.SetMaxBufSize(p.maxBufSize)
	return &h1Server{conn: hc}
}
