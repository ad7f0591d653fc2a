// Package events provides a publish/subscribe event bus connecting the
// coordinator to downstream consumers (MQTT publisher, future sinks).
// Events announce snapshot replacements so consumers can push state
// without polling. The bus is nil-safe: calling Publish on a nil *Bus
// is a no-op, so components do not need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceCoordinator identifies events from the tiered poller.
	SourceCoordinator = "coordinator"
	// SourceQueue identifies events from the per-device request queue.
	SourceQueue = "queue"
	// SourceMQTT identifies events from the MQTT publisher.
	SourceMQTT = "mqtt"
)

// Kind constants describe the type of event within a source.
const (
	// KindSnapshotUpdated signals a new snapshot was published.
	// Data: field (devices|positions|sensor_data|elevations|notifications),
	// device_id (0 for whole-list replacements).
	KindSnapshotUpdated = "snapshot_updated"
	// KindRefreshStart signals the beginning of a refresh cycle.
	// Data: initial (bool).
	KindRefreshStart = "refresh_start"
	// KindRefreshFailed signals the refresh cycle aborted before any
	// tier ran (authentication failure). Data: error.
	KindRefreshFailed = "refresh_failed"
	// KindTierRun signals a tier finished running.
	// Data: tier (devices|positions|notifications), ok, duration_ms.
	KindTierRun = "tier_run"
	// KindAlertToggled signals a successful alert-toggle write.
	// Data: device_id, alert_type, enabled.
	KindAlertToggled = "alert_toggled"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking the coordinator's publish path.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs. This allows
	// Unsubscribe to accept <-chan Event (the caller's view) without
	// an illegal type conversion.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full — drop the event rather than block.
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer; snapshot updates arrive in
// bursts of one-per-device, so consumers should size for their fleet
// (64 is a reasonable default).
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
