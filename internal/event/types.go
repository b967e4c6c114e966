package event

import (
	"time"

	"github.com/john/streamhub/internal/message"
)

// Kind names an event on the aggregated bus.
type Kind string

const (
	Connected      Kind = "connected"
	Disconnected   Kind = "disconnected"
	Error          Kind = "error"
	ChatMessage    Kind = "chat_message"
	StreamStarted  Kind = "stream_started"
	StreamStopped  Kind = "stream_stopped"
	Degraded       Kind = "degraded"
	SessionStarted Kind = "session_started"
	SessionStopped Kind = "session_stopped"
	RelayStatus    Kind = "relay_status"
	ResponseSent   Kind = "response_sent"
)

// Event is the single shape carried by the bus. Source is the adapter name
// for adapter events and the target name for relay events.
type Event struct {
	Kind     Kind                 `json:"type"`
	Source   string               `json:"source,omitempty"`
	StreamID string               `json:"stream_id,omitempty"`
	Time     time.Time            `json:"time"`
	Status   string               `json:"status,omitempty"`
	Error    string               `json:"error,omitempty"`
	Message  *message.ChatMessage `json:"message,omitempty"`
}

func (e Event) Type() string {
	return string(e.Kind)
}

// New builds an event stamped with the current time.
func New(kind Kind, source string) Event {
	return Event{Kind: kind, Source: source, Time: time.Now().UTC()}
}

// Emitter publishes events. Adapters and supervisors only see this.
type Emitter interface {
	Emit(Event)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(Event)

func (f EmitterFunc) Emit(e Event) {
	if f != nil {
		f(e)
	}
}

// Discard drops every event.
var Discard Emitter = EmitterFunc(nil)
