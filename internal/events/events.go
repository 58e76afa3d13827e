// Package events is the in-process event bus the core publishes call and
// subscription lifecycle notifications on. Event types are flat
// snake_case names, and the bus carries no message-broker transport: it
// dispatches to in-process callback registrants only.
package events

import (
	"sync"
	"time"
)

// Type names the kinds of event the bus carries.
type Type string

const (
	TypeCallTrying     Type = "call_trying"
	TypeCallRinging    Type = "call_ringing"
	TypeCallAnswered   Type = "call_answered"
	TypeCallFailed     Type = "call_failed"
	TypeCallEnded      Type = "call_ended"
	TypeDialogUpdated  Type = "dialog_updated"
	TypeSubscribed     Type = "subscribed"
	TypeNotifyReceived Type = "notify_received"
	TypeSubscribeEnded Type = "subscribe_ended"
)

// Event is the common envelope for every notification the core emits.
// CallID identifies the dialog/subscription it concerns; fields beyond that
// are free-form rather than generated-schema typed payloads, since this
// module has no use for a schema-generation dependency.
type Event struct {
	Type    Type
	Time    time.Time
	CallID  string
	Code    int            // SIP status code, when applicable
	Reason  string         // human-readable reason, when applicable
	Fields  map[string]any // event-specific payload (SDP, Contact, CRM deltas, ...)
}

// Handler receives events synchronously: handlers registered with On for
// the event's type run first, then OnAny handlers, each group in
// registration order.
type Handler func(Event)

// Bus is a simple in-process pub/sub for core events. It never blocks a
// caller beyond its own handlers running, and a panicking handler is
// recovered so one bad subscriber cannot corrupt call processing.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Type][]Handler
	wildcard []Handler
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{handlers: make(map[Type][]Handler)}
}

// On registers a handler for a specific event type.
func (b *Bus) On(t Type, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[t] = append(b.handlers[t], h)
}

// OnAny registers a handler invoked for every event type.
func (b *Bus) OnAny(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.wildcard = append(b.wildcard, h)
}

// Emit stamps Time if unset and dispatches to every matching handler.
func (b *Bus) Emit(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	b.mu.RLock()
	handlers := append([]Handler(nil), b.handlers[e.Type]...)
	wildcard := append([]Handler(nil), b.wildcard...)
	b.mu.RUnlock()

	for _, h := range handlers {
		invoke(h, e)
	}
	for _, h := range wildcard {
		invoke(h, e)
	}
}

func invoke(h Handler, e Event) {
	defer func() { _ = recover() }()
	h(e)
}

// CallFailed is a convenience constructor for the frequent
// reason-code-only failure event.
func CallFailed(callID, reason string) Event {
	return Event{Type: TypeCallFailed, CallID: callID, Reason: reason}
}

// CallAnswered builds the finalized-response event.
func CallAnswered(callID string, code int, reason string) Event {
	return Event{Type: TypeCallAnswered, CallID: callID, Code: code, Reason: reason}
}
