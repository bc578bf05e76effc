package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"

	"github.com/muurk/protoswitch/internal/h1"
	"github.com/muurk/protoswitch/internal/logging"
	"github.com/muurk/protoswitch/internal/server"
)

const (
	appName    = "protoswitch"
	configFile = "server.yaml"
)

// Mutex for file writes within this process
var fileMutex sync.Mutex

// GetConfigDir returns the OS-appropriate configuration directory for the application.
// This follows platform conventions:
//   - Linux: $XDG_CONFIG_HOME/protoswitch or $HOME/.config/protoswitch
//   - macOS: $HOME/.config/protoswitch
//   - Windows: %LOCALAPPDATA%\protoswitch
func GetConfigDir() (string, error) {
	var baseDir string

	switch runtime.GOOS {
	case "windows":
		localAppData := os.Getenv("LOCALAPPDATA")
		if localAppData == "" {
			userProfile := os.Getenv("USERPROFILE")
			if userProfile == "" {
				return "", fmt.Errorf("cannot determine user profile directory (LOCALAPPDATA and USERPROFILE not set)")
			}
			baseDir = filepath.Join(userProfile, "AppData", "Local", appName)
		} else {
			baseDir = filepath.Join(localAppData, appName)
		}

	case "darwin":
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine home directory: %w", err)
		}
		baseDir = filepath.Join(homeDir, ".config", appName)

	default:
		xdgConfigHome := os.Getenv("XDG_CONFIG_HOME")
		if xdgConfigHome != "" {
			baseDir = filepath.Join(xdgConfigHome, appName)
		} else {
			homeDir, err := os.UserHomeDir()
			if err != nil {
				return "", fmt.Errorf("cannot determine home directory: %w", err)
			}
			baseDir = filepath.Join(homeDir, ".config", appName)
		}
	}

	return baseDir, nil
}

// GetConfigPath returns the full path to the configuration file.
func GetConfigPath() (string, error) {
	configDir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, configFile), nil
}

// Load reads the configuration at path. An empty path means GetConfigPath.
// A missing file yields Default. Keys absent from the file keep their
// default values.
func Load(path string) (*File, error) {
	if path == "" {
		var err error
		if path, err = GetConfigPath(); err != nil {
			return nil, fmt.Errorf("failed to get config path: %w", err)
		}
	}

	cfg := Default()
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		logging.Debug("config file not found, using defaults")
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if cfg.Version != 1 {
		return nil, fmt.Errorf("unsupported config version: %d (expected 1)", cfg.Version)
	}
	return cfg, nil
}

// Save writes the configuration to path atomically. An empty path means
// GetConfigPath.
func (f *File) Save(path string) error {
	fileMutex.Lock()
	defer fileMutex.Unlock()

	if path == "" {
		var err error
		if path, err = GetConfigPath(); err != nil {
			return fmt.Errorf("failed to get config path: %w", err)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := f.Marshal()
	if err != nil {
		return err
	}
	header := []byte("# protoswitch server configuration\n#\n# Location: " + path + "\n\n")
	data = append(header, data...)

	// Write to temporary file first (atomic write)
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write temporary config file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to save config file: %w", err)
	}
	return nil
}

// Marshal renders the configuration as YAML.
func (f *File) Marshal() ([]byte, error) {
	data, err := yaml.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	return data, nil
}

// Validate reports every invalid value at once.
func (f *File) Validate() error {
	var result *multierror.Error

	if f.Listen.Port < 0 || f.Listen.Port > 65535 {
		result = multierror.Append(result, fmt.Errorf("listen.port %d out of range", f.Listen.Port))
	}
	if (f.TLS.Cert == "") != (f.TLS.Key == "") {
		result = multierror.Append(result, errors.New("tls.cert and tls.key must be set together"))
	}
	if f.TLS.Cert != "" && f.TLS.SelfSigned {
		result = multierror.Append(result, errors.New("tls.self_signed cannot be combined with tls.cert"))
	}
	if _, err := server.ParseMode(f.Protocol.Mode); err != nil {
		result = multierror.Append(result, fmt.Errorf("protocol.mode: %w", err))
	}
	if n := f.Protocol.HTTP1.MaxBufSize; n != 0 && n.Bytes() < h1.MinBufSize {
		result = multierror.Append(result, fmt.Errorf("protocol.http1.max_buf_size %s below minimum %d bytes", n, h1.MinBufSize))
	}
	h2 := f.Protocol.HTTP2
	for name, v := range map[string]uint64{
		"initial_stream_window_size":     h2.InitialStreamWindowSize.Bytes(),
		"initial_connection_window_size": h2.InitialConnectionWindowSize.Bytes(),
		"max_frame_size":                 h2.MaxFrameSize.Bytes(),
	} {
		if v > math.MaxUint32 {
			result = multierror.Append(result, fmt.Errorf("protocol.http2.%s too large", name))
		}
	}
	if h2.KeepAliveInterval < 0 || h2.KeepAliveTimeout < 0 {
		result = multierror.Append(result, errors.New("protocol.http2 keep-alive durations must not be negative"))
	}
	if f.ShutdownTimeout < 0 {
		result = multierror.Append(result, errors.New("shutdown_timeout must not be negative"))
	}

	return result.ErrorOrNil()
}

// Apply copies the protocol section onto p.
func (f *File) Apply(p *server.Protocol) error {
	mode, err := server.ParseMode(f.Protocol.Mode)
	if err != nil {
		return err
	}
	switch mode {
	case server.ModeH1Only:
		p.HTTP1Only(true)
	case server.ModeH2Only:
		p.HTTP2Only(true)
	}

	h1c := f.Protocol.HTTP1
	p.HTTP1KeepAlive(h1c.KeepAlive).
		HTTP1HalfClose(h1c.HalfClose).
		PipelineFlush(h1c.PipelineFlush)
	if h1c.MaxBufSize != 0 {
		if h1c.MaxBufSize.Bytes() < h1.MinBufSize {
			return fmt.Errorf("protocol.http1.max_buf_size %s below minimum %d bytes", h1c.MaxBufSize, h1.MinBufSize)
		}
		p.MaxBufSize(int(h1c.MaxBufSize.Bytes()))
	}

	h2c := f.Protocol.HTTP2
	if h2c.InitialStreamWindowSize != 0 {
		p.HTTP2InitialStreamWindowSize(uint32(h2c.InitialStreamWindowSize.Bytes()))
	}
	if h2c.InitialConnectionWindowSize != 0 {
		p.HTTP2InitialConnectionWindowSize(uint32(h2c.InitialConnectionWindowSize.Bytes()))
	}
	if h2c.AdaptiveWindow {
		p.HTTP2AdaptiveWindow(true)
	}
	if h2c.MaxFrameSize != 0 {
		p.HTTP2MaxFrameSize(uint32(h2c.MaxFrameSize.Bytes()))
	}
	if h2c.MaxConcurrentStreams != 0 {
		p.HTTP2MaxConcurrentStreams(h2c.MaxConcurrentStreams)
	}
	p.HTTP2KeepAliveInterval(h2c.KeepAliveInterval)
	if h2c.KeepAliveTimeout != 0 {
		p.HTTP2KeepAliveTimeout(h2c.KeepAliveTimeout)
	}
	return nil
}

// ServerConfig builds the server configuration. The protocol section is
// applied to a fresh protocol.
func (f *File) ServerConfig() (*server.Config, error) {
	protocol := server.NewProtocol()
	if err := f.Apply(protocol); err != nil {
		return nil, err
	}
	return &server.Config{
		Host:            f.Listen.Host,
		Port:            f.Listen.Port,
		CertPath:        f.TLS.Cert,
		KeyPath:         f.TLS.Key,
		GenerateCert:    f.TLS.SelfSigned,
		ShutdownTimeout: f.ShutdownTimeout,
		Protocol:        protocol,
	}, nil
}
