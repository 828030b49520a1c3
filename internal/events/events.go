// Package events emits key-lifecycle and usage events to a registry of live
// observers (dashboard fan-out, audit consumers). Delivery is best-effort:
// a failing observer is pruned on the spot and broadcast never blocks or
// fails the request path.
package events

import (
	"sync"
	"time"

	"github.com/gatecore-ai/gatecore/internal/keystore"
	"github.com/gatecore-ai/gatecore/internal/logging"
	"github.com/gatecore-ai/gatecore/internal/metrics"
)

// Event types emitted by the gateway core.
const (
	TypeKeyCreated   = "key_created"
	TypeKeyUpdated   = "key_updated"
	TypeKeyDeleted   = "key_deleted"
	TypeUsageUpdated = "usage_updated"
)

// UsageSummary is the rolling-window usage attached to every event.
type UsageSummary struct {
	WindowTokens   int64 `json:"window_tokens"`
	RemainingQuota int64 `json:"remaining_quota"`
	LifetimeTokens int64 `json:"lifetime_tokens"`
}

// Event carries the affected key's current record and usage summary.
// Record is nil for key_deleted.
type Event struct {
	Type      string              `json:"type"`
	Key       string              `json:"key"`
	Record    *keystore.KeyRecord `json:"record,omitempty"`
	Usage     UsageSummary        `json:"usage"`
	Timestamp time.Time           `json:"timestamp"`
}

// Observer receives events. A non-nil error from Notify marks the observer
// dead; it is removed from the registry and receives nothing further.
type Observer interface {
	Notify(event Event) error
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(event Event) error

// Notify calls f.
func (f ObserverFunc) Notify(event Event) error { return f(event) }

// Notifier is an observer registry with opportunistic pruning.
type Notifier struct {
	mu        sync.Mutex
	observers map[int]Observer
	nextID    int
}

// NewNotifier creates an empty Notifier.
func NewNotifier() *Notifier {
	return &Notifier{observers: make(map[int]Observer)}
}

// Register adds an observer and returns a handle for Unregister.
func (n *Notifier) Register(obs Observer) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	id := n.nextID
	n.nextID++
	n.observers[id] = obs
	return id
}

// Unregister removes the observer with the given handle.
func (n *Notifier) Unregister(id int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.observers, id)
}

// Len returns the number of live observers.
func (n *Notifier) Len() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.observers)
}

// Publish delivers the event to every live observer. Observers that fail
// are pruned synchronously; their failure never propagates to the caller.
func (n *Notifier) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	n.mu.Lock()
	targets := make(map[int]Observer, len(n.observers))
	for id, obs := range n.observers {
		targets[id] = obs
	}
	n.mu.Unlock()

	var dead []int
	for id, obs := range targets {
		if err := obs.Notify(event); err != nil {
			dead = append(dead, id)
			metrics.EventsDropped.Inc()
			logging.Component("events").Debug("pruning failed observer",
				"observer", id, "event", event.Type, "error", err.Error())
		}
	}
	if len(dead) > 0 {
		n.mu.Lock()
		for _, id := range dead {
			delete(n.observers, id)
		}
		n.mu.Unlock()
	}
}
