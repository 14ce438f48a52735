package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	SiteCreated        EventType = "site:created"
	SiteUpdated        EventType = "site:updated"
	SiteDeleted        EventType = "site:deleted"
	SitesUpdated       EventType = "sites:updated"
	ProcessStarted     EventType = "process:started"
	ProcessStartFailed EventType = "process:start_failed"
	ProcessStopped     EventType = "process:stopped"
	ProcessExited      EventType = "process:exited"
	ProcessOutput      EventType = "process:output"
	LifecycleLog       EventType = "lifecycle:log"
	ConfigChanged      EventType = "config:changed"
	IssueDetected      EventType = "issue:detected"
	IssueResolved      EventType = "issue:resolved"
)

// All lists every event type, for subscribers that forward everything.
var All = []EventType{
	SiteCreated, SiteUpdated, SiteDeleted, SitesUpdated,
	ProcessStarted, ProcessStartFailed, ProcessStopped, ProcessExited, ProcessOutput,
	LifecycleLog, ConfigChanged,
	IssueDetected, IssueResolved,
}

type Event struct {
	ID      string      `json:"id"`
	Type    EventType   `json:"type"`
	Domain  string      `json:"domain,omitempty"`
	Time    time.Time   `json:"time"`
	Payload interface{} `json:"payload,omitempty"`
}

type Handler func(Event)

type Bus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
}

func NewBus() *Bus {
	return &Bus{
		handlers: make(map[EventType][]Handler),
	}
}

func (b *Bus) Subscribe(topic EventType, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = append(b.handlers[topic], handler)
}

// Publish delivers event to the topic's handlers synchronously, in
// subscription order. Handlers must not block.
func (b *Bus) Publish(event Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Time.IsZero() {
		event.Time = time.Now()
	}

	b.mu.RLock()
	handlers := b.handlers[event.Type]
	b.mu.RUnlock()

	for _, h := range handlers {
		h(event)
	}
}

// Emit is Publish for a nil-safe bus.
func (b *Bus) Emit(t EventType, domain string, payload interface{}) {
	if b == nil {
		return
	}
	b.Publish(Event{Type: t, Domain: domain, Payload: payload})
}
