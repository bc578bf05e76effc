package server

import (
	"context"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/muurk/protoswitch/internal/logging"
)

// Graceful runs an accept loop until a shutdown signal, then drains the
// connections it started.
type Graceful struct {
	serve   *Serve
	signal  <-chan struct{}
	tracker *Tracker
	timeout time.Duration
}

// WithGracefulShutdown returns a server that stops accepting once signal is
// closed and shuts its connections down gracefully.
func (s *Serve) WithGracefulShutdown(signal <-chan struct{}) *Graceful {
	return &Graceful{serve: s, signal: signal, tracker: NewTracker()}
}

// WithTimeout bounds how long Run waits for connections to drain after the
// signal. Connections still running then are aborted.
func (g *Graceful) WithTimeout(d time.Duration) *Graceful {
	g.timeout = d
	return g
}

// Tracker returns the set of running connections.
func (g *Graceful) Tracker() *Tracker {
	return g.tracker
}

// Run serves until the signal fires and the connections drained, the accept
// loop ends, or ctx is done. When draining is cut short the remaining
// connections are aborted and the error is returned.
func (g *Graceful) Run(ctx context.Context) error {
	acceptCtx, stopAccept := context.WithCancel(ctx)
	defer stopAccept()

	acceptDone := make(chan error, 1)
	go func() {
		acceptDone <- g.serve.SpawnAll(acceptCtx, g.tracker)
	}()

	var acceptErr error
	select {
	case <-g.signal:
		logging.Info("shutdown signal received, draining connections",
			zap.Int("connections", g.tracker.Len()),
		)
		stopAccept()
		acceptErr = <-acceptDone
	case acceptErr = <-acceptDone:
	}

	g.tracker.ShutdownAll()

	drainCtx := ctx
	if g.timeout > 0 {
		var cancel context.CancelFunc
		drainCtx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}
	if err := g.tracker.Wait(drainCtx); err != nil {
		logging.Warn("drain interrupted, aborting connections",
			zap.Int("connections", g.tracker.Len()),
			zap.Error(err),
		)
		result := multierror.Append(acceptErr, err)
		if abortErr := g.tracker.AbortAll(); abortErr != nil {
			result = multierror.Append(result, abortErr)
		}
		return result.ErrorOrNil()
	}
	logging.Info("all connections drained")
	return acceptErr
}
