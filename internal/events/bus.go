// Package events provides a publish/subscribe event bus for operational
// observability. Events flow from components (loop controller, control
// surface, opencode event stream) to subscribers (WebSocket handler,
// future metrics collector). The bus is nil-safe: calling Publish on a
// nil *Bus is a no-op, so components do not need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceLoop identifies events from the loop controller.
	SourceLoop = "loop"
	// SourceControl identifies events from the start/cancel/status surface.
	SourceControl = "control"
	// SourceStream identifies events from the opencode event stream consumer.
	SourceStream = "stream"
)

// Kind constants describe the type of event within a source.
const (
	// KindLoopStarted signals a new loop was created.
	// Data: session_id, max_iterations, has_promise.
	KindLoopStarted = "loop_started"
	// KindIteration signals the controller issued a re-prompt.
	// Data: session_id, iteration, max_iterations, message_count.
	KindIteration = "iteration"
	// KindCompleted signals the completion promise was detected.
	// Data: session_id, iteration, promise.
	KindCompleted = "completed"
	// KindAborted signals the iteration budget was exhausted.
	// Data: session_id, iteration, max_iterations.
	KindAborted = "aborted"
	// KindCancelled signals the loop was cancelled by the user.
	// Data: session_id, iteration.
	KindCancelled = "cancelled"
	// KindCycleError signals an idle cycle failed and will be retried
	// on the next idle event. Data: session_id, error.
	KindCycleError = "cycle_error"
	// KindDuplicateDropped signals the dedup guard discarded a repeat
	// idle notification. Data: session_id, message_count.
	KindDuplicateDropped = "duplicate_dropped"

	// KindStreamConnected signals the event stream consumer connected
	// to the opencode server. Data: url.
	KindStreamConnected = "stream_connected"
	// KindStreamDisconnected signals the event stream dropped and will
	// reconnect. Data: error.
	KindStreamDisconnected = "stream_disconnected"
	// KindSessionIdle signals an idle notification arrived from the host.
	// Data: session_id.
	KindSessionIdle = "session_idle"
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
// blocking publishers.
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
// bufSize controls the channel buffer; 64 is a reasonable default for
// WebSocket consumers.
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
