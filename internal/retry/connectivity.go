package retry

import (
	"context"
	"time"

	"github.com/opsdeskhq/opsdesk/internal/loggy"
)

// ConnectivitySource reports whether the backend is currently reachable
type ConnectivitySource interface {
	Reachable(ctx context.Context) bool
}

// ConnectivityFunc adapts a function to the ConnectivitySource interface
type ConnectivityFunc func(ctx context.Context) bool

// Reachable implements ConnectivitySource
func (f ConnectivityFunc) Reachable(ctx context.Context) bool {
	return f(ctx)
}

// ManualSource is a connectivity source driven by explicit state changes,
// typically fed from the event transport's health signal
type ManualSource struct {
	ch chan bool
}

// NewManualSource creates a manual source with the given initial state
func NewManualSource() *ManualSource {
	return &ManualSource{ch: make(chan bool, 8)}
}

// Set records a connectivity state change
func (s *ManualSource) Set(online bool) {
	select {
	case s.ch <- online:
	default:
		// A slow watcher drops intermediate transitions; the watch
		// loop converges on the latest state
	}
}

// Changes exposes the state change channel for the watcher
func (s *ManualSource) Changes() <-chan bool {
	return s.ch
}

// WatchConnectivity polls the source and pushes up/down transitions into
// the coordinator until the context is cancelled. It blocks; run it in a
// goroutine.
func WatchConnectivity(ctx context.Context, c *Coordinator, source ConnectivitySource, interval time.Duration, logger *loggy.Logger) {
	if interval <= 0 {
		interval = 10 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			checkCtx, cancel := context.WithTimeout(ctx, interval)
			reachable := source.Reachable(checkCtx)
			cancel()

			if reachable != c.Online() {
				logger.Debug("Connectivity check observed transition", "reachable", reachable)
			}
			c.SetOnline(reachable)
		}
	}
}

// WatchManual consumes a ManualSource's transitions and applies them to
// the coordinator until the context is cancelled. It blocks; run it in a
// goroutine.
func WatchManual(ctx context.Context, c *Coordinator, source *ManualSource) {
	for {
		select {
		case <-ctx.Done():
			return
		case online := <-source.Changes():
			c.SetOnline(online)
		}
	}
}
