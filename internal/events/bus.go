// Package events provides a publish/subscribe bus for turn activity.
// The agent runtime and the fallback router publish; the interactive
// session subscribes to show a live activity feed in its sidebar. The
// bus is nil-safe: calling Publish on a nil *Bus is a no-op.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceAgent identifies events from the turn assembler.
	SourceAgent = "agent"
	// SourceRouter identifies events from the fallback router.
	SourceRouter = "router"
	// SourceConnwatch identifies provider reachability changes.
	SourceConnwatch = "connwatch"
)

// Kind constants describe the type of event within a source.
const (
	// KindTurnStart signals the beginning of a turn.
	// Data: request_id, message_len.
	KindTurnStart = "turn_start"
	// KindMemoryRecorded signals a memory write.
	// Data: request_id, tier, source.
	KindMemoryRecorded = "memory_recorded"
	// KindLLMCall signals a dispatch to a provider.
	// Data: request_id, primary, served_by, model, forced, stream.
	KindLLMCall = "llm_call"
	// KindLLMResponse signals that a provider call returned.
	// Data: request_id, served_by, model, chars, elapsed_ms.
	KindLLMResponse = "llm_response"
	// KindTurnComplete signals the end of a turn.
	// Data: request_id, served_by, elapsed_ms.
	KindTurnComplete = "turn_complete"
	// KindTurnFailed signals a turn aborted by a storage failure.
	// Data: request_id, error.
	KindTurnFailed = "turn_failed"
	// KindProviderUp signals that a provider became reachable.
	// Data: provider.
	KindProviderUp = "provider_up"
	// KindProviderDown signals that a provider stopped answering.
	// Data: provider, error.
	KindProviderDown = "provider_down"
)

// Event represents a single activity event.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Slow subscribers miss
// events rather than blocking publishers, so a busy UI can never stall
// a generation.
type Bus struct {
	mu         sync.RWMutex
	subs       map[chan Event]struct{}
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers, dropping it for any
// subscriber whose buffer is full. Safe to call on a nil receiver.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Emit is shorthand for Publish with the timestamp filled in.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	b.Publish(Event{Timestamp: time.Now(), Source: source, Kind: kind, Data: data})
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Calling it
// twice is a no-op.
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
