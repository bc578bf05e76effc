// Package logging provides structured logging for the protoswitch server.
//
// This package wraps a global zap logger with convenience functions for the
// logging patterns used by the connection driver, the accept loop and the CLI.
//
// # Log Levels
//
//   - Debug: per-connection detail (protocol fallback, sniffed bytes, upgrades)
//   - Info: lifecycle (listener start, shutdown, drained connections)
//   - Warn: recoverable problems (accept retries, forced connection aborts)
//   - Error: connection task failures and startup errors
//
// # Configuration
//
// Initialize logging once at startup:
//
//	if err := logging.Initialize("debug"); err != nil {
//	    log.Fatal(err)
//	}
//	defer logging.Sync()
//
// When no level is given, PROTOSWITCH_LOG_LEVEL is consulted. When that is
// empty too, logging stays silent. Libraries and tests therefore produce no
// output unless asked to.
//
// # Specialized Logging
//
//	logging.LogConnection(remoteAddr, "accepted")
//	logging.LogRawBytes("sniffed preface", buf)
//	logging.LogTLSHandshake(remoteAddr, state)
//
// All functions are safe for concurrent use.
package logging
