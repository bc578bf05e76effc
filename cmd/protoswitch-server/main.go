// Protoswitch-server serves HTTP/1.1 and HTTP/2 on one listener.
//
// Every connection starts as HTTP/1 and switches to HTTP/2 when the client
// opens with the HTTP/2 preface. Over TLS the protocol is negotiated with
// ALPN instead. The bundled demo application reports which protocol each
// request used and exercises websocket and raw upgrades.
//
// Usage:
//
//	protoswitch-server server [flags]
//	protoswitch-server config init|show
//	protoswitch-server discover
//
// See 'protoswitch-server server --help' for available options.
package main

import (
	"errors"
	"fmt"
	"net"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/muurk/protoswitch/internal/config"
	"github.com/muurk/protoswitch/internal/discovery"
	"github.com/muurk/protoswitch/internal/handlers"
	"github.com/muurk/protoswitch/internal/logging"
	"github.com/muurk/protoswitch/internal/server"
	"github.com/muurk/protoswitch/internal/ui"
	"github.com/muurk/protoswitch/internal/version"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var configPath string

var rootCmd = &cobra.Command{
	Use:   "protoswitch-server",
	Short: "HTTP/1.1 and HTTP/2 server with preface fallback",
	Long: `A server that speaks HTTP/1.1 and HTTP/2 on the same port.

Cleartext connections start as HTTP/1 and switch to HTTP/2 when the client
sends the HTTP/2 connection preface. TLS connections pick the protocol with
ALPN.`,
	Version: version.Version,
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to the configuration file (default: platform config dir)")

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(versionCmd)
}

// Server command and flags
var (
	certPath     string
	keyPath      string
	selfSigned   bool
	host         string
	port         int
	mode         string
	logLevel     string
	advertise    bool
	instanceName string
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the server",
	Long: `Start the server with the demo application.

Settings come from the configuration file; flags override it. Without a
certificate the server speaks cleartext, where HTTP/2 clients must use
prior knowledge (h2c).`,
	Example: `  # Cleartext on port 8080, HTTP/1 and h2c
  protoswitch-server server --port 8080

  # TLS with an in-memory self-signed certificate
  protoswitch-server server --self-signed --port 8443

  # Only HTTP/1, with debug logging
  protoswitch-server server --mode http1 --log-level debug

  # Custom certificates, announced over mDNS
  protoswitch-server server --cert fullchain.pem --key privkey.pem --advertise`,
	RunE: runServer,
}

func init() {
	serverCmd.Flags().StringVar(&certPath, "cert", "", "Path to TLS certificate file")
	serverCmd.Flags().StringVar(&keyPath, "key", "", "Path to TLS private key file")
	serverCmd.Flags().BoolVar(&selfSigned, "self-signed", false, "Serve TLS with a generated self-signed certificate")
	serverCmd.Flags().StringVar(&host, "host", "", "Listen address (empty = all interfaces)")
	serverCmd.Flags().IntVar(&port, "port", 8080, "Listen port")
	serverCmd.Flags().StringVar(&mode, "mode", "fallback", "Connection mode (fallback, http1, http2)")
	serverCmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	serverCmd.Flags().BoolVar(&advertise, "advertise", false, "Announce the server over mDNS")
	serverCmd.Flags().StringVar(&instanceName, "instance", "", "mDNS instance name (default: protoswitch)")
}

// applyFlags overrides cfg with every flag set on the command line.
func applyFlags(cmd *cobra.Command, cfg *config.File) {
	flags := cmd.Flags()
	if flags.Changed("cert") {
		cfg.TLS.Cert = certPath
	}
	if flags.Changed("key") {
		cfg.TLS.Key = keyPath
	}
	if flags.Changed("self-signed") {
		cfg.TLS.SelfSigned = selfSigned
	}
	if flags.Changed("host") {
		cfg.Listen.Host = host
	}
	if flags.Changed("port") {
		cfg.Listen.Port = port
	}
	if flags.Changed("mode") {
		cfg.Protocol.Mode = mode
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = logLevel
	}
	if flags.Changed("advertise") {
		cfg.Advertise.Enabled = advertise
	}
	if flags.Changed("instance") {
		cfg.Advertise.Instance = instanceName
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	applyFlags(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if err := logging.Initialize(cfg.LogLevel); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer logging.Sync()
	logging.Info("Starting protoswitch-server", version.Fields()...)

	if cfg.TLS.Cert != "" {
		for _, path := range []string{cfg.TLS.Cert, cfg.TLS.Key} {
			if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("file not found: %s", path)
			}
		}
	}

	srvCfg, err := cfg.ServerConfig()
	if err != nil {
		return err
	}
	app := handlers.New()
	srv, err := server.New(srvCfg, app)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	srv.RegisterOnShutdown(app.Shutdown)

	if err := srv.Listen(); err != nil {
		return err
	}
	printBanner(cfg, srv)

	if cfg.Advertise.Enabled {
		boundPort := cfg.Listen.Port
		if addr, ok := srv.Addr().(*net.TCPAddr); ok {
			boundPort = addr.Port
		}
		adv, err := discovery.Advertise(discovery.Info{
			Instance: cfg.Advertise.Instance,
			Port:     boundPort,
			Mode:     srvCfg.Protocol.Mode().String(),
			TLS:      srv.TLSEnabled(),
			Version:  version.Version,
		})
		if err != nil {
			logging.Warn("mDNS advertisement disabled", zap.Error(err))
		} else {
			defer adv.Shutdown()
		}
	}

	return srv.Start()
}

// printBanner shows where the server listens and how connections are served.
func printBanner(cfg *config.File, srv *server.Server) {
	scheme, alpn := "http", ""
	if srv.TLSEnabled() {
		scheme = "https"
		alpn = discovery.ALPN(cfg.Protocol.Mode)
	}
	h := ui.NewHeader("Protoswitch Server", "protoswitch-server server").
		Add("Address", fmt.Sprintf("%s://%s", scheme, srv.Addr())).
		Add("Mode", cfg.Protocol.Mode).
		Add("ALPN", alpn).
		Add("Shutdown", cfg.ShutdownTimeout.String()).
		Add("Version", version.Version)
	if cfg.Advertise.Enabled {
		h.Add("mDNS", discovery.ServiceType)
	}
	ui.NewPrinter(os.Stdout).Header(h)
}

// Version command
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("protoswitch-server %s\n", version.Full())
	},
}
