package models

import "encoding/json"

// Socket event names. Direction is noted per event.
const (
	EventModulesList      = "modules-list"      // server -> client
	EventCommand          = "command"           // client -> server
	EventResponse         = "response"          // server -> client
	EventAIStream         = "ai-stream"         // server -> client
	EventRequestFeedback  = "request-feedback"  // server -> client
	EventFeedbackResponse = "feedback-response" // client -> server
	EventFeedbackReceived = "feedback-received" // server -> client
	EventAnalysisStart    = "ollama-analysis-start"
	EventAnalysisUnknown  = "ollama-analysis-unknown"
	EventAnalysisError    = "ollama-analysis-error"
	EventModuleReloaded   = "module-reloaded" // server -> client
)

// Envelope is the frame exchanged over the websocket.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// CommandPayload is the body of a "command" event.
type CommandPayload struct {
	Message string `json:"message"`
}

// ResponsePayload is the body of a "response" event.
type ResponsePayload struct {
	Text      string     `json:"text"`
	Type      ResultType `json:"type"`
	Module    string     `json:"module"`
	Timestamp int64      `json:"timestamp"`
}

// StreamChunk is the body of an "ai-stream" event. Text is the full content
// produced so far, not a delta.
type StreamChunk struct {
	// ID identifies the stream so a client can drop chunks of an abandoned one.
	ID     string `json:"id,omitempty"`
	Text   string `json:"text"`
	Module string `json:"module"`
	Done   bool   `json:"done"`
}

// FeedbackResponsePayload is the body of a "feedback-response" event.
type FeedbackResponsePayload struct {
	FeedbackID    string         `json:"feedbackId"`
	Action        FeedbackAction `json:"action"`
	CorrectIntent string         `json:"correctIntent,omitempty"`
}

// FeedbackReceivedPayload is the body of a "feedback-received" event.
type FeedbackReceivedPayload struct {
	Message string `json:"message,omitempty"`
}

// AnalysisUnknownPayload is the body of an "ollama-analysis-unknown" event.
type AnalysisUnknownPayload struct {
	// FeedbackID lets the client acknowledge the outcome.
	FeedbackID string     `json:"feedbackId,omitempty"`
	Message    string     `json:"message"`
	Suggestion Suggestion `json:"suggestion"`
}

// ModuleReloadedPayload is the body of a "module-reloaded" event.
type ModuleReloadedPayload struct {
	Module string `json:"module"`
}
