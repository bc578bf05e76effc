package config

import (
	"time"

	"github.com/c2h5oh/datasize"

	"github.com/muurk/protoswitch/internal/h1"
)

// File is the server configuration file.
type File struct {
	Version         int           `yaml:"version"`
	Listen          Listen        `yaml:"listen"`
	TLS             TLS           `yaml:"tls"`
	Protocol        Protocol      `yaml:"protocol"`
	LogLevel        string        `yaml:"log_level"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	Advertise       Advertise     `yaml:"advertise"`
}

// Listen is the address the server binds.
type Listen struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// TLS selects the certificate. With neither Cert nor SelfSigned set the
// server speaks cleartext.
type TLS struct {
	Cert       string `yaml:"cert,omitempty"`
	Key        string `yaml:"key,omitempty"`
	SelfSigned bool   `yaml:"self_signed"`
}

// Protocol holds the per-connection settings.
type Protocol struct {
	Mode  string `yaml:"mode"` // fallback, http1 or http2
	HTTP1 HTTP1  `yaml:"http1"`
	HTTP2 HTTP2  `yaml:"http2"`
}

// HTTP1 settings.
type HTTP1 struct {
	KeepAlive     bool              `yaml:"keep_alive"`
	HalfClose     bool              `yaml:"half_close"`
	MaxBufSize    datasize.ByteSize `yaml:"max_buf_size"`
	PipelineFlush bool              `yaml:"pipeline_flush"`
}

// HTTP2 settings. Zero sizes keep the built-in defaults.
type HTTP2 struct {
	InitialStreamWindowSize     datasize.ByteSize `yaml:"initial_stream_window_size,omitempty"`
	InitialConnectionWindowSize datasize.ByteSize `yaml:"initial_connection_window_size,omitempty"`
	AdaptiveWindow              bool              `yaml:"adaptive_window"`
	MaxFrameSize                datasize.ByteSize `yaml:"max_frame_size,omitempty"`
	MaxConcurrentStreams        uint32            `yaml:"max_concurrent_streams,omitempty"`
	KeepAliveInterval           time.Duration     `yaml:"keep_alive_interval,omitempty"`
	KeepAliveTimeout            time.Duration     `yaml:"keep_alive_timeout"`
}

// Advertise controls mDNS announcement of the listener.
type Advertise struct {
	Enabled  bool   `yaml:"enabled"`
	Instance string `yaml:"instance,omitempty"`
}

// Default returns the configuration used when no file exists.
func Default() *File {
	return &File{
		Version: 1,
		Listen: Listen{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Protocol: Protocol{
			Mode: "fallback",
			HTTP1: HTTP1{
				KeepAlive:  true,
				MaxBufSize: datasize.ByteSize(h1.DefaultMaxBufSize),
			},
			HTTP2: HTTP2{
				KeepAliveTimeout: 20 * time.Second,
			},
		},
		LogLevel:        "info",
		ShutdownTimeout: 10 * time.Second,
	}
}
