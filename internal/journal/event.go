package journal

import (
	"encoding/json"
	"time"
)

// EventType enum for event classification
type EventType uint8

const (
	EventTypeUnknown EventType = iota
	EventTypeCommand           // Command applied by the processor
	EventTypeDuplicate         // Command dropped by dedup
	EventTypeRejected          // Command failed validation
	EventTypeInstanceStart
	EventTypePhase
	EventTypeRetire
	EventTypeIdle // Registry went from non-empty to empty
	EventTypeProjectLoaded
)

// EventVersion for backwards compatibility when reading old journals
const EventVersion uint8 = 1

// Event is one journal line
type Event struct {
	Version   uint8           `json:"version"`
	Type      EventType       `json:"-"`
	TypeName  string          `json:"type"`
	Timestamp int64           `json:"timestamp"` // Unix ms
	Sequence  uint64          `json:"sequence"`
	Key       string          `json:"key,omitempty"` // Rate limit key (layer or source)
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// String returns human-readable event type
func (t EventType) String() string {
	switch t {
	case EventTypeCommand:
		return "command"
	case EventTypeDuplicate:
		return "duplicate"
	case EventTypeRejected:
		return "rejected"
	case EventTypeInstanceStart:
		return "instance_start"
	case EventTypePhase:
		return "phase"
	case EventTypeRetire:
		return "retire"
	case EventTypeIdle:
		return "idle"
	case EventTypeProjectLoaded:
		return "project_loaded"
	default:
		return "unknown"
	}
}

// CommandPayload describes an applied, duplicate or rejected command
type CommandPayload struct {
	ID       string `json:"id,omitempty"`
	Kind     string `json:"kind"`
	Layer    string `json:"layer,omitempty"`
	Template string `json:"template,omitempty"`
	Source   string `json:"source,omitempty"`
	Error    string `json:"error,omitempty"`
}

// InstancePayload describes an instance lifecycle change
type InstancePayload struct {
	InstanceID string `json:"instanceId"`
	TemplateID string `json:"templateId"`
	LayerID    string `json:"layerId"`
	From       string `json:"from,omitempty"`
	To         string `json:"to,omitempty"`
}

// ProjectPayload describes a completed project load
type ProjectPayload struct {
	ProjectID string `json:"projectId"`
	Layers    int    `json:"layers"`
	Templates int    `json:"templates"`
	Bindings  int    `json:"bindings"`
}

// NewEvent creates an event with the payload JSON-encoded
func NewEvent(eventType EventType, key string, payload any) Event {
	var data json.RawMessage
	if payload != nil {
		data, _ = json.Marshal(payload)
	}
	return Event{
		Version:   EventVersion,
		Type:      eventType,
		TypeName:  eventType.String(),
		Timestamp: time.Now().UnixMilli(),
		Key:       key,
		Payload:   data,
	}
}
