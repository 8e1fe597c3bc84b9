package events

import "time"

// Event is one structured per-turn log event for external sinks. Events are
// informational only and never drive control flow.
type Event struct {
	Time   time.Time              `json:"time"`
	Type   string                 `json:"type"`
	Tenant string                 `json:"tenant,omitempty"`
	Fields map[string]interface{} `json:"fields,omitempty"`
}

// Event types emitted by the hub's producers.
const (
	TypeBackendConnect    = "backend_connect"
	TypeBackendDisconnect = "backend_disconnect"
	TypeRebuildStart      = "rebuild_start"
	TypeRebuildEnd        = "rebuild_end"
	TypeInvocationOK      = "invocation_validated"
	TypeInvocationReject  = "invocation_rejected"
	TypeSanitizerRepair   = "sanitizer_repair"
	TypeTurnStart         = "turn_start"
	TypeTurnEnd           = "turn_end"
)

// Emitter receives events. Producers hold this narrow interface so tests can
// capture events without a running hub.
type Emitter interface {
	Emit(evt Event)
}

// NopEmitter drops everything.
type NopEmitter struct{}

func (NopEmitter) Emit(Event) {}

// New builds an event with the timestamp filled in.
func New(eventType, tenant string, fields map[string]interface{}) Event {
	return Event{
		Time:   time.Now().UTC(),
		Type:   eventType,
		Tenant: tenant,
		Fields: fields,
	}
}
