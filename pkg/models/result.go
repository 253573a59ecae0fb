package models

import "time"

// ResultType classifies a module or resolver result for display.
type ResultType string

const (
	ResultSuccess ResultType = "success"
	ResultError   ResultType = "error"
	ResultInfo    ResultType = "info"
	ResultAI      ResultType = "ai"
)

// CoreModule is the module name used for responses produced by the
// dispatcher itself rather than by a registered module.
const CoreModule = "core"

// FallbackText is delivered when neither a module nor the resolver could
// interpret a command.
const FallbackText = "I'm not sure how to help with that."

// Result is what a module returns from Execute.
type Result struct {
	Text string     `json:"text"`
	Type ResultType `json:"type"`
	// Confidence is optional (0-100). Zero means "not self-scored". It is
	// consulted only for modules that do not implement an Estimator.
	Confidence int `json:"confidence,omitempty"`
}

// Usable reports whether the result carries anything to deliver.
func (r *Result) Usable() bool {
	return r != nil && r.Text != ""
}

// EscalationKind is the outcome class of a resolver call.
type EscalationKind string

const (
	EscalationSuggestion EscalationKind = "suggestion"
	EscalationUnknown    EscalationKind = "unknown"
	EscalationError      EscalationKind = "error"
)

// EscalationResult is the normalized output of the secondary resolver.
type EscalationResult struct {
	Kind         EscalationKind `json:"kind"`
	Intent       string         `json:"intent,omitempty"`
	Description  string         `json:"description,omitempty"`
	Confidence   int            `json:"confidence,omitempty"`
	Reasoning    string         `json:"reasoning,omitempty"`
	Alternatives []string       `json:"alternatives,omitempty"`
	Err          string         `json:"error,omitempty"`
}

// SessionStats mirrors the statistics shown to a client.
type SessionStats struct {
	TotalCommands   int64     `json:"totalCommands"`
	SessionCommands int64     `json:"sessionCommands"`
	MostUsedModule  string    `json:"mostUsedModule,omitempty"`
	UpdatedAt       time.Time `json:"updatedAt,omitempty"`
}

// SessionStatus is the live state of one connected session.
type SessionStatus struct {
	SessionID string `json:"sessionId"`
	Commands  int64  `json:"commands"`
	Streaming bool   `json:"streaming"`
	// Outstanding is the feedback request still awaiting an answer.
	Outstanding *FeedbackRequest `json:"outstanding,omitempty"`
}

// ClampConfidence bounds a confidence score to [0, 100].
func ClampConfidence(c int) int {
	if c < 0 {
		return 0
	}
	if c > 100 {
		return 100
	}
	return c
}
