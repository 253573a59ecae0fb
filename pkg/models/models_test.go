package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPatternKey(t *testing.T) {
	assert.Equal(t, "open spotify", PatternKey("  Open   SPOTIFY\t"))
	assert.Equal(t, "", PatternKey("   "))
	assert.Equal(t, PatternKey("Take a note"), PatternKey("take  a note"))
}

func TestClampConfidence(t *testing.T) {
	assert.Equal(t, 0, ClampConfidence(-5))
	assert.Equal(t, 55, ClampConfidence(55))
	assert.Equal(t, 100, ClampConfidence(130))
}

func TestFeedbackAction_Valid(t *testing.T) {
	assert.True(t, ActionConfirm.Valid())
	assert.True(t, ActionReject.Valid())
	assert.True(t, ActionCorrect.Valid())
	assert.False(t, FeedbackAction("maybe").Valid())
}

func TestResult_Usable(t *testing.T) {
	var nilResult *Result
	assert.False(t, nilResult.Usable())
	assert.False(t, (&Result{Type: ResultSuccess}).Usable())
	assert.True(t, (&Result{Text: "ok"}).Usable())
}

func TestFeedbackResponsePayload_WireNames(t *testing.T) {
	var p FeedbackResponsePayload
	require.NoError(t, json.Unmarshal([]byte(`{"feedbackId":"f-1","action":"correct","correctIntent":"notes"}`), &p))
	assert.Equal(t, "f-1", p.FeedbackID)
	assert.Equal(t, ActionCorrect, p.Action)
	assert.Equal(t, "notes", p.CorrectIntent)
}
