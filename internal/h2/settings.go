package h2

import (
	"time"

	"golang.org/x/net/http2"
)

const (
	// DefaultWindowSize is the initial flow-control window used for both
	// streams and the connection.
	DefaultWindowSize = 1024 * 1024
	// DefaultMaxFrameSize is the largest frame payload accepted by default.
	DefaultMaxFrameSize = 16 * 1024
	// DefaultKeepAliveTimeout bounds the wait for a keep-alive ping ack.
	DefaultKeepAliveTimeout = 20 * time.Second

	minWindowSize   = 65535
	minFrameSize    = 16 * 1024
	maxFrameSizeCap = 1<<24 - 1
)

// Settings configures the HTTP/2 engine of a connection.
type Settings struct {
	InitialStreamWindowSize uint32
	InitialConnWindowSize   uint32
	// AdaptiveWindow asks for BDP-based window sizing. The underlying
	// server has no such mode; the fixed windows above apply.
	AdaptiveWindow       bool
	MaxFrameSize         uint32
	MaxConcurrentStreams uint32
	// KeepAliveInterval is how long the connection may stay quiet before a
	// ping is sent. Zero disables keep-alive pings.
	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration
}

// DefaultSettings returns the settings used when nothing is configured.
func DefaultSettings() Settings {
	return Settings{
		InitialStreamWindowSize: DefaultWindowSize,
		InitialConnWindowSize:   DefaultWindowSize,
		MaxFrameSize:            DefaultMaxFrameSize,
		KeepAliveTimeout:        DefaultKeepAliveTimeout,
	}
}

// server builds the x/net server for s. Out of range values fall back to the
// package defaults.
func (s Settings) server() *http2.Server {
	srv := &http2.Server{
		MaxConcurrentStreams:         s.MaxConcurrentStreams,
		MaxUploadBufferPerStream:     int32(clampWindow(s.InitialStreamWindowSize)),
		MaxUploadBufferPerConnection: int32(clampWindow(s.InitialConnWindowSize)),
		MaxReadFrameSize:             clampFrameSize(s.MaxFrameSize),
	}
	if s.KeepAliveInterval > 0 {
		srv.ReadIdleTimeout = s.KeepAliveInterval
		srv.PingTimeout = s.KeepAliveTimeout
		if srv.PingTimeout <= 0 {
			srv.PingTimeout = DefaultKeepAliveTimeout
		}
	}
	return srv
}

func clampWindow(v uint32) uint32 {
	switch {
	case v == 0:
		return DefaultWindowSize
	case v < minWindowSize:
		return minWindowSize
	case v > 1<<31-1:
		return 1<<31 - 1
	}
	return v
}

func clampFrameSize(v uint32) uint32 {
	switch {
	case v == 0:
		return DefaultMaxFrameSize
	case v < minFrameSize:
		return minFrameSize
	case v > maxFrameSizeCap:
		return maxFrameSizeCap
	}
	return v
}
