// Package config loads and saves the server configuration file.
//
// The file is YAML and lives in a platform-appropriate location:
//   - Linux: $XDG_CONFIG_HOME/protoswitch/server.yaml or $HOME/.config/protoswitch/server.yaml
//   - macOS: $HOME/.config/protoswitch/server.yaml
//   - Windows: %LOCALAPPDATA%\protoswitch\server.yaml
//
// Byte sizes accept unit suffixes ("64KB", "1MB") and durations use Go
// syntax ("10s", "1m30s").
//
// # Example
//
//	version: 1
//	listen:
//	  host: 0.0.0.0
//	  port: 8443
//	tls:
//	  self_signed: true
//	protocol:
//	  mode: fallback
//	  http1:
//	    keep_alive: true
//	    max_buf_size: 408KB
//	  http2:
//	    initial_stream_window_size: 1MB
//	    max_concurrent_streams: 250
//	    keep_alive_interval: 30s
//	log_level: info
//	shutdown_timeout: 10s
//	advertise:
//	  enabled: true
//
// Usage:
//
//	cfg, err := config.Load("")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := cfg.Validate(); err != nil {
//	    log.Fatal(err)
//	}
//	srvCfg, err := cfg.ServerConfig()
package config
