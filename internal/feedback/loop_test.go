package feedback

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jordanhubbard/nyx/pkg/models"
)

func newLoop(t *testing.T, store Store) *Loop {
	t.Helper()
	l, err := NewLoop(context.Background(), store, Options{
		Tuning: Tuning{Step: 10, Bound: 30},
		Resolve: func(ctx context.Context, intent string) (string, bool) {
			switch intent {
			case "notes", "system":
				return intent, true
			}
			return "", false
		},
	})
	require.NoError(t, err)
	return l
}

func raise(l *Loop, session, module string) models.FeedbackRequest {
	return l.Raise(&Pending{
		Request:    models.FeedbackRequest{Type: models.FeedbackIntentConfirmation},
		SessionID:  session,
		Message:    "take a note",
		PatternKey: models.PatternKey("take a note"),
		Module:     module,
		Confidence: 65,
	})
}

func TestRecordDecision_Confirm(t *testing.T) {
	store := NewMemoryStore()
	l := newLoop(t, store)
	l.OpenSession("s1")

	req := raise(l, "s1", "notes")
	assert.NotEmpty(t, req.ID)
	assert.Equal(t, "take a note", req.Message)

	dec, err := l.RecordDecision(context.Background(), "s1", req.ID, models.ActionConfirm, "")
	require.NoError(t, err)
	assert.Equal(t, AckConfirm, dec.Ack)
	assert.Equal(t, "notes", dec.Pending.Module)
	assert.Equal(t, 10, l.Weight("notes", "take a note"))

	records, err := store.ListFeedback(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, models.ActionConfirm, records[0].Action)
	assert.Equal(t, models.FeedbackIntentConfirmation, records[0].Type)

	// A second answer to the same request is stale.
	_, err = l.RecordDecision(context.Background(), "s1", req.ID, models.ActionConfirm, "")
	assert.True(t, errors.Is(err, ErrUnknownFeedbackID))
	assert.Equal(t, 10, l.Weight("notes", "take a note"))
}

func TestRecordDecision_Correct(t *testing.T) {
	l := newLoop(t, NewMemoryStore())
	req := raise(l, "s1", "system")

	dec, err := l.RecordDecision(context.Background(), "s1", req.ID, models.ActionCorrect, "notes")
	require.NoError(t, err)
	assert.Equal(t, AckCorrect, dec.Ack)
	assert.Equal(t, "notes", dec.Record.CorrectedModule)
	assert.Equal(t, -10, l.Weight("system", "take a note"))
	assert.Equal(t, 10, l.Weight("notes", "take a note"))
}

func TestCancel_IsSilent(t *testing.T) {
	store := NewMemoryStore()
	l := newLoop(t, store)

	old := raise(l, "s1", "notes")
	assert.True(t, l.Cancel("s1"))
	assert.False(t, l.Cancel("s1"))

	_, err := l.RecordDecision(context.Background(), "s1", old.ID, models.ActionConfirm, "")
	assert.True(t, errors.Is(err, ErrUnknownFeedbackID))

	records, _ := store.ListFeedback(context.Background(), 0)
	assert.Empty(t, records)
	assert.Empty(t, l.Weights())
}

func TestRaise_SupersedesPrevious(t *testing.T) {
	l := newLoop(t, NewMemoryStore())

	first := raise(l, "s1", "notes")
	second := raise(l, "s1", "system")
	assert.NotEqual(t, first.ID, second.ID)

	_, err := l.RecordDecision(context.Background(), "s1", first.ID, models.ActionReject, "")
	assert.True(t, errors.Is(err, ErrUnknownFeedbackID))

	p, ok := l.Outstanding("s1")
	require.True(t, ok)
	assert.Equal(t, second.ID, p.Request.ID)
}

func TestSessionsAreIsolated(t *testing.T) {
	l := newLoop(t, NewMemoryStore())
	a := raise(l, "a", "notes")
	b := raise(l, "b", "notes")
	assert.NotEqual(t, a.ID, b.ID)

	// Session b cannot answer a's request.
	_, err := l.RecordDecision(context.Background(), "b", a.ID, models.ActionConfirm, "")
	assert.True(t, errors.Is(err, ErrUnknownFeedbackID))

	_, err = l.RecordDecision(context.Background(), "a", a.ID, models.ActionReject, "")
	require.NoError(t, err)

	_, ok := l.Outstanding("b")
	assert.True(t, ok)
}

type failingStore struct {
	*MemoryStore
}

func (f failingStore) AppendFeedback(ctx context.Context, rec *models.FeedbackRecord) error {
	return errors.New("disk full")
}

func TestRecordDecision_LogThenApply(t *testing.T) {
	l := newLoop(t, failingStore{NewMemoryStore()})
	req := raise(l, "s1", "notes")

	_, err := l.RecordDecision(context.Background(), "s1", req.ID, models.ActionConfirm, "")
	require.Error(t, err)
	assert.Equal(t, 0, l.Weight("notes", "take a note"))

	_, ok := l.Outstanding("s1")
	assert.True(t, ok, "request stays outstanding when the log write fails")
}

func TestRecordDecision_InvalidAction(t *testing.T) {
	l := newLoop(t, NewMemoryStore())
	req := raise(l, "s1", "notes")
	_, err := l.RecordDecision(context.Background(), "s1", req.ID, models.FeedbackAction("shrug"), "")
	require.Error(t, err)
	_, ok := l.Outstanding("s1")
	assert.True(t, ok)
}

func TestNewLoop_ReplaysLogWhenWeightsMissing(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		require.NoError(t, store.AppendFeedback(ctx, &models.FeedbackRecord{
			PatternKey: "open spotify", DecidedIntent: "system", Action: models.ActionConfirm,
		}))
	}

	l := newLoop(t, store)
	assert.Equal(t, 20, l.Weight("system", "open spotify"))

	saved, err := store.LoadWeights(ctx)
	require.NoError(t, err)
	assert.Len(t, saved, 1)
}

func TestRecordExecution_Stats(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.SaveTotals(context.Background(), Totals{TotalCommands: 41}))

	l := newLoop(t, store)
	l.OpenSession("s1")
	l.OpenSession("s2")

	l.RecordExecution(context.Background(), "s1", "system")
	l.RecordExecution(context.Background(), "s1", "system")
	stats := l.RecordExecution(context.Background(), "s2", "notes")

	assert.Equal(t, int64(44), stats.TotalCommands)
	assert.Equal(t, int64(1), stats.SessionCommands)
	assert.Equal(t, "notes", stats.MostUsedModule, "most recent module wins")
	assert.Equal(t, int64(2), l.Stats("s1").SessionCommands)

	totals, _ := store.LoadTotals(context.Background())
	assert.Equal(t, int64(44), totals.TotalCommands)

	l.CloseSession("s1")
	assert.Equal(t, 1, l.ActiveSessions())
	assert.Equal(t, int64(0), l.Stats("s1").SessionCommands)
}

func TestConcurrentDecisions(t *testing.T) {
	l := newLoop(t, NewMemoryStore())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		session := string(rune('a' + i))
		req := raise(l, session, "notes")
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.RecordDecision(context.Background(), session, req.ID, models.ActionConfirm, "")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 30, l.Weight("notes", "take a note"))
}
