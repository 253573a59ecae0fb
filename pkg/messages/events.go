// Package messages defines the events nyx instances exchange over NATS.
package messages

import (
	"fmt"
	"time"
)

// EventMessage represents a system event message sent via NATS
type EventMessage struct {
	Type      string                 `json:"type"`   // "command.executed", "feedback.confirm", "module.reloaded", etc.
	Source    string                 `json:"source"` // Instance that generated the event
	SessionID string                 `json:"session_id,omitempty"`
	EntityID  string                 `json:"entity_id,omitempty"` // Module name, feedback record ID, etc.
	Event     EventData              `json:"event"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// EventData contains the event-specific information
type EventData struct {
	Action      string                 `json:"action"`   // "executed", "confirm", "reject", "correct", "reloaded", "reload"
	Category    string                 `json:"category"` // "command", "feedback", "module"
	Description string                 `json:"description,omitempty"`
	Data        map[string]interface{} `json:"data,omitempty"`
}

// Subject returns the NATS subject the event is published on, e.g.
// nyx.commands.executed or nyx.feedback.confirm.
func (e *EventMessage) Subject() string {
	category := e.Event.Category
	switch category {
	case "command", "module":
		category += "s"
	}
	return fmt.Sprintf("nyx.%s.%s", category, e.Event.Action)
}

// CommandExecuted creates a command.executed event
func CommandExecuted(source, sessionID, module string, confidence int, band string) *EventMessage {
	return &EventMessage{
		Type:      "command.executed",
		Source:    source,
		SessionID: sessionID,
		EntityID:  module,
		Event: EventData{
			Action:   "executed",
			Category: "command",
			Data: map[string]interface{}{
				"confidence": confidence,
				"band":       band,
			},
		},
		Timestamp: time.Now(),
	}
}

// FeedbackRecorded creates a feedback.<action> event
func FeedbackRecorded(source, sessionID, recordID, action string, data map[string]interface{}) *EventMessage {
	return &EventMessage{
		Type:      "feedback." + action,
		Source:    source,
		SessionID: sessionID,
		EntityID:  recordID,
		Event: EventData{
			Action:   action,
			Category: "feedback",
			Data:     data,
		},
		Timestamp: time.Now(),
	}
}

// ModuleReloaded creates a module.reloaded event
func ModuleReloaded(source, module string, version int) *EventMessage {
	return &EventMessage{
		Type:     "module.reloaded",
		Source:   source,
		EntityID: module,
		Event: EventData{
			Action:   "reloaded",
			Category: "module",
			Data:     map[string]interface{}{"version": version},
		},
		Timestamp: time.Now(),
	}
}

// ReloadRequested creates a module.reload event asking every instance to
// reload a module.
func ReloadRequested(source, module string) *EventMessage {
	return &EventMessage{
		Type:     "module.reload",
		Source:   source,
		EntityID: module,
		Event: EventData{
			Action:   "reload",
			Category: "module",
		},
		Timestamp: time.Now(),
	}
}
