package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNewMetrics_Singleton(t *testing.T) {
	assert.Same(t, NewMetrics(), NewMetrics())
}

func TestRecordDecision(t *testing.T) {
	m := NewMetrics()
	before := testutil.ToFloat64(m.CommandsTotal.WithLabelValues("auto-execute"))
	m.RecordDecision("auto-execute", 3*time.Millisecond)
	assert.Equal(t, before+1, testutil.ToFloat64(m.CommandsTotal.WithLabelValues("auto-execute")))
}

func TestRecordExecution(t *testing.T) {
	m := NewMetrics()
	before := testutil.ToFloat64(m.ModuleExecutions.WithLabelValues("notes", "fault"))
	m.RecordExecution("notes", false, time.Millisecond)
	m.RecordExecution("notes", true, time.Millisecond)
	assert.Equal(t, before+1, testutil.ToFloat64(m.ModuleExecutions.WithLabelValues("notes", "fault")))
}

func TestRecordEscalation(t *testing.T) {
	m := NewMetrics()
	before := testutil.ToFloat64(m.Escalations.WithLabelValues("unknown"))
	m.RecordEscalation("unknown", 10*time.Millisecond)
	assert.Equal(t, before+1, testutil.ToFloat64(m.Escalations.WithLabelValues("unknown")))
}
