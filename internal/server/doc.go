// Package server binds accepted connections to HTTP handlers and drives
// each one through HTTP/1.1, HTTP/2, or HTTP/1.1 that turned out to be
// HTTP/2.
//
// # Connections
//
// A Protocol holds the per-connection configuration and resolves the
// connection mode:
//
//	ModeFallback  start on HTTP/1, switch to HTTP/2 on the client preface
//	ModeH1Only    HTTP/1 only; the preface is a protocol error
//	ModeH2Only    HTTP/2 only
//
// Protocol.ServeConnection returns a Connection. In fallback mode the HTTP/1
// engine sniffs the first bytes without consuming them. When they are the
// 24 byte HTTP/2 preface the connection takes the transport and every
// buffered byte back from the HTTP/1 engine and replays them into a fresh
// HTTP/2 engine. This happens at most once and never in reverse.
//
// # Upgrades
//
// Requests asking for an HTTP/1 upgrade carry an upgrade.OnUpgrade in their
// context. A handler answers 101 Switching Protocols and waits on it; the
// UpgradeableConnection returned by WithUpgrades hands over the transport
// once the response has been written. A plain Connection fails such waits
// with upgrade.ErrManualUpgrade. Handlers may also take the transport
// directly with http.Hijacker.
//
// # Accept loop
//
// Serve pairs an Accept source with a HandlerFactory. SpawnAll starts one
// task per accepted connection on the Protocol's executor; a Watcher
// decides what that task runs. Tracker records every running connection so
// Graceful can shut them all down:
//
//	ln, _ := net.Listen("tcp", ":8080")
//	srv := server.NewServe(server.NewListenerAccept(ln), server.StaticHandler(h), nil)
//	err := srv.WithGracefulShutdown(stop).WithTimeout(10 * time.Second).Run(ctx)
//
// Errors of one connection are logged and never reach the accept loop or
// other connections.
//
// # Graceful Shutdown
//
// Connection.GracefulShutdown disables keep-alive on HTTP/1, so the
// in-flight response is the last one, and sends GOAWAY on HTTP/2.
// Cancelling the context passed to Serve aborts the connection without
// flushing.
//
// # Build tags
//
// The nohttp1 and nohttp2 tags remove a protocol. Setters forcing the
// removed protocol then do nothing.
package server
