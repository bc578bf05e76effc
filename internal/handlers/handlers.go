// Package handlers is the demo application served by protoswitch-server.
// It reports which protocol a request arrived on and exercises the upgrade
// paths of the HTTP/1 engine.
package handlers

import (
	"context"
	"expvar"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/muurk/protoswitch/internal/logging"
	"github.com/muurk/protoswitch/internal/upgrade"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next message from the peer
	readWait = 60 * time.Second

	// Maximum message size accepted on /ws
	maxMessageSize = 64 << 10

	// How long an upgrade handler waits for the transport
	upgradeWait = 10 * time.Second

	// EchoProtocol is the Upgrade token accepted by /upgrade/echo
	EchoProtocol = "echo"
)

// App is the demo application.
type App struct {
	mux      *http.ServeMux
	grpc     *grpc.Server
	health   *health.Server
	upgrader websocket.Upgrader
}

// New builds the application. The gRPC health service reports SERVING.
func New() *App {
	a := &App{
		mux:    http.NewServeMux(),
		grpc:   grpc.NewServer(),
		health: health.NewServer(),
		upgrader: websocket.Upgrader{
			HandshakeTimeout: writeWait,
		},
	}
	healthpb.RegisterHealthServer(a.grpc, a.health)

	a.mux.HandleFunc("/", a.index)
	a.mux.HandleFunc("/echo", a.echo)
	a.mux.HandleFunc("/ws", a.websocket)
	a.mux.HandleFunc("/upgrade/echo", a.upgradeEcho)
	a.mux.Handle("/debug/vars", expvar.Handler())
	return a
}

// Health exposes the health service so the server can flip it on shutdown.
func (a *App) Health() *health.Server {
	return a.health
}

// Shutdown marks every service NOT_SERVING.
func (a *App) Shutdown() {
	a.health.Shutdown()
}

func (a *App) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.ProtoMajor == 2 && strings.HasPrefix(r.Header.Get("Content-Type"), "application/grpc") {
		a.grpc.ServeHTTP(w, r)
		return
	}
	a.mux.ServeHTTP(w, r)
}

func (a *App) index(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	tlsInfo := "none"
	if r.TLS != nil {
		tlsInfo = r.TLS.NegotiatedProtocol
		if tlsInfo == "" {
			tlsInfo = "no-alpn"
		}
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "proto: %s\nremote: %s\ntls: %s\n", r.Proto, r.RemoteAddr, tlsInfo)
}

func (a *App) echo(w http.ResponseWriter, r *http.Request) {
	if ct := r.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.Header().Set("X-Proto", r.Proto)
	if _, err := io.Copy(w, r.Body); err != nil {
		logging.Debug("echo body copy failed",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err),
		)
	}
}

// websocket echoes every message back over a gorilla websocket. It relies on
// the HTTP/1 engine's http.Hijacker.
func (a *App) websocket(w http.ResponseWriter, r *http.Request) {
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response
		logging.Debug("websocket upgrade failed",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err),
		)
		return
	}
	logging.LogConnection(r.RemoteAddr, "websocket_upgraded")
	defer func() {
		_ = conn.Close()
		logging.LogConnection(r.RemoteAddr, "websocket_closed")
	}()

	conn.SetReadLimit(maxMessageSize)
	for {
		if err := conn.SetReadDeadline(time.Now().Add(readWait)); err != nil {
			return
		}
		kind, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logging.Info("websocket closed unexpectedly",
					zap.String("remote_addr", r.RemoteAddr),
					zap.Error(err),
				)
			}
			return
		}
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(kind, msg); err != nil {
			return
		}
	}
}

// upgradeEcho switches to a raw byte stream and echoes it. The transport
// arrives through the upgrade handle once the 101 response is written.
func (a *App) upgradeEcho(w http.ResponseWriter, r *http.Request) {
	if !strings.EqualFold(r.Header.Get("Upgrade"), EchoProtocol) {
		w.Header().Set("Upgrade", EchoProtocol)
		w.Header().Set("Connection", "Upgrade")
		http.Error(w, "upgrade to echo required", http.StatusUpgradeRequired)
		return
	}

	on := upgrade.FromRequest(r)
	remote := r.RemoteAddr
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), upgradeWait)
		defer cancel()

		up, err := on.Wait(ctx)
		if err != nil {
			logging.Warn("upgrade not completed",
				zap.String("remote_addr", remote),
				zap.Error(err),
			)
			return
		}
		logging.LogConnection(remote, "echo_upgraded")
		defer func() {
			_ = up.Close()
			logging.LogConnection(remote, "echo_closed")
		}()
		n, _ := io.Copy(up, up)
		logging.Debug("echo stream finished",
			zap.String("remote_addr", remote),
			zap.Int64("bytes", n),
		)
	}()

	w.Header().Set("Connection", "Upgrade")
	w.Header().Set("Upgrade", EchoProtocol)
	w.WriteHeader(http.StatusSwitchingProtocols)
}
