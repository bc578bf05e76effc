package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/muurk/protoswitch/internal/logging"
)

// DefaultShutdownTimeout bounds connection draining when Config leaves it
// unset.
const DefaultShutdownTimeout = 10 * time.Second

// Config holds the server configuration
type Config struct {
	Host         string
	Port         int
	CertPath     string // Path to certificate file (TLS is off when empty and GenerateCert is false)
	KeyPath      string // Path to private key file
	GenerateCert bool   // If true, serve TLS with an in-memory self-signed certificate
	// ShutdownTimeout bounds the drain after a shutdown signal.
	ShutdownTimeout time.Duration
	// Protocol configures every connection. Nil means NewProtocol().
	Protocol *Protocol
}

// Server listens on a TCP address and serves every accepted connection
// with a Connection driver.
type Server struct {
	config    *Config
	handler   http.Handler
	tlsConfig *tls.Config
	protocol  *Protocol

	mu         sync.Mutex
	accept     *ListenerAccept
	graceful   *Graceful
	stop       chan struct{}
	stopOnce   sync.Once
	onShutdown []func()
}

// New creates a new Server instance
func New(config *Config, handler http.Handler) (*Server, error) {
	protocol := config.Protocol
	if protocol == nil {
		protocol = NewProtocol()
	}

	var tlsConfig *tls.Config
	var err error

	switch {
	case config.GenerateCert:
		logging.Info("Generating self-signed server certificate")
		tlsConfig, err = generateAndLoadCert(config.Host, protocol.Mode())
		if err != nil {
			return nil, fmt.Errorf("failed to generate certificate: %w", err)
		}
	case config.CertPath != "":
		tlsConfig, err = NewTLSConfig(config.CertPath, config.KeyPath, protocol.Mode())
		if err != nil {
			return nil, fmt.Errorf("failed to create TLS config: %w", err)
		}
	}

	return &Server{
		config:    config,
		handler:   handler,
		tlsConfig: tlsConfig,
		protocol:  protocol,
		stop:      make(chan struct{}),
	}, nil
}

// Listen binds the listening socket. Run calls it when needed.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.accept != nil {
		return nil
	}

	addr := net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	if s.tlsConfig != nil {
		ln = tls.NewListener(ln, s.tlsConfig)
	}
	s.accept = NewListenerAccept(ln)
	return nil
}

// Addr returns the bound address, nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.accept == nil {
		return nil
	}
	return s.accept.Addr()
}

// TLSEnabled reports whether connections are served over TLS.
func (s *Server) TLSEnabled() bool {
	return s.tlsConfig != nil
}

// Run serves until Stop is called and the connections drained, or ctx is
// done.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}

	timeout := s.config.ShutdownTimeout
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}

	s.mu.Lock()
	accept := s.accept
	s.graceful = NewServe(accept, StaticHandler(s.handler), s.protocol).
		WithGracefulShutdown(s.stop).
		WithTimeout(timeout)
	graceful := s.graceful
	s.mu.Unlock()

	fields := []zap.Field{
		zap.String("addr", accept.Addr().String()),
		zap.String("mode", s.protocol.Mode().String()),
		zap.Bool("tls", s.tlsConfig != nil),
	}
	if s.tlsConfig != nil {
		fields = append(fields, zap.Any("tls_info", GetTLSInfo(s.tlsConfig)))
	}
	logging.Info("Server listening for connections", fields...)

	err := graceful.Run(ctx)
	_ = accept.Close()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil
	}
	return err
}

// RegisterOnShutdown registers f to be called when Stop is first called.
func (s *Server) RegisterOnShutdown(f func()) {
	s.mu.Lock()
	s.onShutdown = append(s.onShutdown, f)
	s.mu.Unlock()
}

// Stop starts a graceful shutdown.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		hooks := s.onShutdown
		s.mu.Unlock()
		for _, f := range hooks {
			f()
		}
		close(s.stop)
	})
}

// Start runs the server and blocks until SIGINT or SIGTERM.
func (s *Server) Start() error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		select {
		case <-sigChan:
			logging.Info("Shutdown signal received, stopping server...")
			s.Stop()
		case <-ctx.Done():
			return
		}
		// A second signal skips the drain.
		select {
		case <-sigChan:
			logging.Warn("Second signal received, forcing close")
			cancel()
		case <-ctx.Done():
		}
	}()

	err := s.Run(ctx)
	logging.Sync()
	return err
}

// GetActiveConnections returns the number of active connections
func (s *Server) GetActiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.graceful == nil {
		return 0
	}
	return s.graceful.Tracker().Len()
}

// generateAndLoadCert generates a self-signed certificate and returns a TLS
// configuration using it. The certificate is never written to disk.
func generateAndLoadCert(host string, mode ConnectionMode) (*tls.Config, error) {
	hosts := []string{"localhost", "127.0.0.1", "::1"}
	if host != "" {
		hosts = append(hosts, host)
	}
	cert, err := GenerateSelfSigned(hosts, 365*24*time.Hour)
	if err != nil {
		return nil, err
	}

	logging.Info("Certificate generated successfully",
		zap.String("CN", cert.Certificate.Subject.CommonName),
		zap.Strings("dns_names", cert.Certificate.DNSNames),
		zap.Time("not_after", cert.Certificate.NotAfter),
	)

	return NewTLSConfigFromMemory(cert.CertPEM, cert.KeyPEM, mode)
}
