package models

import (
	"strings"
	"time"
)

// FeedbackType identifies which confirmation flow a request belongs to.
type FeedbackType string

const (
	FeedbackIntentConfirmation FeedbackType = "intent-confirmation"
	FeedbackOllamaSuggestion   FeedbackType = "ollama-suggestion"
	FeedbackOllamaUnknown      FeedbackType = "ollama-unknown"
)

// FeedbackAction is the user's decision on an outstanding request.
type FeedbackAction string

const (
	ActionConfirm FeedbackAction = "confirm"
	ActionReject  FeedbackAction = "reject"
	ActionCorrect FeedbackAction = "correct"
)

// Valid reports whether a is one of the known actions.
func (a FeedbackAction) Valid() bool {
	switch a {
	case ActionConfirm, ActionReject, ActionCorrect:
		return true
	}
	return false
}

// Suggestion describes what the system believes the user meant.
type Suggestion struct {
	Intent       string   `json:"intent,omitempty"`
	Description  string   `json:"description"`
	Confidence   int      `json:"confidence"`
	Reasoning    string   `json:"reasoning,omitempty"`
	Alternatives []string `json:"alternatives,omitempty"`
}

// FeedbackRequest is sent to a client when a decision needs confirmation.
type FeedbackRequest struct {
	ID         string       `json:"id"`
	Type       FeedbackType `json:"type"`
	Message    string       `json:"message"`
	Suggestion Suggestion   `json:"suggestion"`
}

// FeedbackRecord is one entry of the append-only feedback log.
type FeedbackRecord struct {
	ID              string         `json:"id"`
	FeedbackID      string         `json:"feedbackId"`
	Type            FeedbackType   `json:"type"`
	SessionID       string         `json:"sessionId,omitempty"`
	Message         string         `json:"message"`
	PatternKey      string         `json:"patternKey"`
	DecidedIntent   string         `json:"decidedIntent"`
	Action          FeedbackAction `json:"action"`
	CorrectedIntent string         `json:"correctedIntent,omitempty"`
	// CorrectedModule is the module CorrectedIntent resolved to, if any.
	CorrectedModule string `json:"correctedModule,omitempty"`
	// FromEscalation marks decisions on resolver candidates; no module
	// weight is penalized for those.
	FromEscalation bool      `json:"fromEscalation,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// ConfidenceWeight is a bounded adjustment applied on top of a module's raw
// confidence for one normalized command pattern.
type ConfidenceWeight struct {
	ModuleName string    `json:"moduleName"`
	PatternKey string    `json:"patternKey"`
	Adjustment int       `json:"adjustment"`
	UpdatedAt  time.Time `json:"updatedAt,omitempty"`
}

// PatternKey normalizes a command so that trivially different phrasings of
// the same text share one weight entry.
func PatternKey(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}
