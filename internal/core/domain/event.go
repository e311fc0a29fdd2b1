package domain

import "time"

// EventType identifies what an Event describes.
type EventType string

const (
	EventStatus             EventType = "status"
	EventThought            EventType = "thought"
	EventToolCall           EventType = "tool_call"
	EventToolResult         EventType = "tool_result"
	EventHumanInputRequest  EventType = "human_input_request"
	EventHumanInputReceived EventType = "human_input_received"

	// EventPing is a transport keep-alive. It carries sequence 0 and is not
	// part of the ordered stream.
	EventPing EventType = "ping"
)

// Event is one entry on an instance's ordered stream.
type Event struct {
	Seq        uint64         `json:"seq"`
	InstanceID string         `json:"instance_id"`
	Type       EventType      `json:"type"`
	Payload    map[string]any `json:"payload,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// NewEvent stamps an unsequenced event. The bus assigns Seq on publish.
func NewEvent(t EventType, payload map[string]any) *Event {
	return &Event{
		Type:      t,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

// StatusEvent builds a status event from a status view.
func StatusEvent(v StatusView) *Event {
	payload := map[string]any{
		"task_id":      v.ID,
		"status":       string(v.Status),
		"current_step": v.CurrentStep,
		"progress":     v.Progress,
	}
	if v.Message != "" {
		payload["message"] = v.Message
	}
	if v.OutputRef != "" {
		payload["output_ref"] = v.OutputRef
	}
	e := NewEvent(EventStatus, payload)
	e.InstanceID = v.ID
	return e
}
