// Package notify fans out user-facing notifications. Transient
// notifications are fire-and-forget; persistent ones stay pending until
// explicitly dismissed, which is how exhausted critical operations are
// surfaced.
package notify

import (
	"sort"
	"sync"
	"time"

	"github.com/opsdeskhq/opsdesk/internal/loggy"
	"github.com/opsdeskhq/opsdesk/internal/ulid"
)

// Level indicates the severity of a notification
type Level int

const (
	LevelInfo Level = iota
	LevelSuccess
	LevelWarning
	LevelError
)

// String returns the display name of the level
func (l Level) String() string {
	switch l {
	case LevelInfo:
		return "info"
	case LevelSuccess:
		return "success"
	case LevelWarning:
		return "warning"
	case LevelError:
		return "error"
	}
	return "unknown"
}

// Notification is a single user-facing message
type Notification struct {
	ID         string
	Level      Level
	Message    string
	Persistent bool
	CreatedAt  time.Time
}

// Listener receives every published notification
type Listener func(Notification)

// Notifier publishes notifications to registered listeners and tracks
// persistent ones until they are dismissed
type Notifier struct {
	logger *loggy.Logger

	mu        sync.Mutex
	listeners map[string]Listener
	pending   map[string]Notification
}

// NewNotifier creates a new notifier
func NewNotifier(logger *loggy.Logger) *Notifier {
	return &Notifier{
		logger:    logger,
		listeners: make(map[string]Listener),
		pending:   make(map[string]Notification),
	}
}

// Subscribe registers a listener and returns a function that removes it
func (n *Notifier) Subscribe(fn Listener) func() {
	id := ulid.SubscriptionID()

	n.mu.Lock()
	n.listeners[id] = fn
	n.mu.Unlock()

	return func() {
		n.mu.Lock()
		delete(n.listeners, id)
		n.mu.Unlock()
	}
}

// Transient publishes an auto-dismissing notification
func (n *Notifier) Transient(level Level, message string) {
	n.publish(Notification{
		ID:        ulid.Generate().String(),
		Level:     level,
		Message:   message,
		CreatedAt: time.Now(),
	})
}

// Persistent publishes a notification that stays pending until dismissed
// and returns its id
func (n *Notifier) Persistent(level Level, message string) string {
	notif := Notification{
		ID:         ulid.Generate().String(),
		Level:      level,
		Message:    message,
		Persistent: true,
		CreatedAt:  time.Now(),
	}

	n.mu.Lock()
	n.pending[notif.ID] = notif
	n.mu.Unlock()

	n.publish(notif)
	return notif.ID
}

// Dismiss removes a persistent notification
func (n *Notifier) Dismiss(id string) {
	n.mu.Lock()
	delete(n.pending, id)
	n.mu.Unlock()
}

// Pending returns the persistent notifications that have not been
// dismissed, oldest first
func (n *Notifier) Pending() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()

	out := make([]Notification, 0, len(n.pending))
	for _, notif := range n.pending {
		out = append(out, notif)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (n *Notifier) publish(notif Notification) {
	n.mu.Lock()
	fns := make([]Listener, 0, len(n.listeners))
	for _, fn := range n.listeners {
		fns = append(fns, fn)
	}
	n.mu.Unlock()

	n.logger.Debug("Publishing notification",
		"level", notif.Level.String(),
		"persistent", notif.Persistent,
		"message", notif.Message,
	)

	// Listeners run outside the lock so they may call back into the notifier
	for _, fn := range fns {
		fn(notif)
	}
}
