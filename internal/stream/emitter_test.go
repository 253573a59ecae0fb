package stream

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/jordanhubbard/nyx/pkg/models"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recorder struct {
	mu     sync.Mutex
	chunks []models.StreamChunk
}

func (r *recorder) send(event string, payload interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if event == models.EventAIStream {
		r.chunks = append(r.chunks, payload.(models.StreamChunk))
	}
	return nil
}

func (r *recorder) all() []models.StreamChunk {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.StreamChunk(nil), r.chunks...)
}

func TestStream_AccumulatesAndFinishesOnce(t *testing.T) {
	e := NewEmitter(nil)
	rec := &recorder{}
	s := e.Begin(context.Background(), "s1", "ai", rec.send)

	require.NoError(t, s.Update("Hel"))
	require.NoError(t, s.Update("Hello"))
	require.NoError(t, s.Update("Hello"))   // duplicate dropped
	require.NoError(t, s.Update("Goodbye")) // not an extension, dropped
	require.NoError(t, s.Finish("Hello there"))

	assert.ErrorIs(t, s.Finish("again"), ErrStreamClosed)
	assert.ErrorIs(t, s.Update("Hello there!"), ErrStreamClosed)

	chunks := rec.all()
	require.Len(t, chunks, 3)
	assert.Equal(t, []string{"Hel", "Hello", "Hello there"}, []string{chunks[0].Text, chunks[1].Text, chunks[2].Text})
	for i, c := range chunks {
		assert.Equal(t, s.ID(), c.ID)
		assert.Equal(t, "ai", c.Module)
		assert.Equal(t, i == len(chunks)-1, c.Done)
	}
	assert.False(t, e.Active("s1"))
}

func TestStream_FinishWithoutContentRepeatsLast(t *testing.T) {
	e := NewEmitter(nil)
	rec := &recorder{}
	s := e.Begin(context.Background(), "s1", "ai", rec.send)

	require.NoError(t, s.Update("partial"))
	require.NoError(t, s.Finish(""))

	chunks := rec.all()
	require.Len(t, chunks, 2)
	assert.Equal(t, "partial", chunks[1].Text)
	assert.True(t, chunks[1].Done)
}

func TestEmitter_AbandonStopsDelivery(t *testing.T) {
	e := NewEmitter(nil)
	rec := &recorder{}
	s := e.Begin(context.Background(), "s1", "ai", rec.send)
	require.NoError(t, s.Update("first"))

	assert.True(t, e.Abandon("s1"))
	assert.False(t, e.Abandon("s1"))
	assert.Error(t, s.Context().Err())

	assert.ErrorIs(t, s.Update("first second"), ErrStreamClosed)
	assert.ErrorIs(t, s.Finish("first second"), ErrStreamClosed)
	assert.Len(t, rec.all(), 1)
}

func TestEmitter_BeginSupersedesPreviousStream(t *testing.T) {
	e := NewEmitter(nil)
	rec := &recorder{}
	old := e.Begin(context.Background(), "s1", "ai", rec.send)
	require.NoError(t, old.Update("old"))

	fresh := e.Begin(context.Background(), "s1", "ai", rec.send)
	assert.ErrorIs(t, old.Update("old more"), ErrStreamClosed)
	require.NoError(t, fresh.Finish("new"))

	// A late finish of the old stream must not remove the new one.
	assert.ErrorIs(t, old.Finish(""), ErrStreamClosed)

	chunks := rec.all()
	require.Len(t, chunks, 2)
	assert.Equal(t, old.ID(), chunks[0].ID)
	assert.Equal(t, fresh.ID(), chunks[1].ID)
	assert.NotEqual(t, chunks[0].ID, chunks[1].ID)
}

func TestEmitter_SessionsAreIndependent(t *testing.T) {
	e := NewEmitter(nil)
	a, b := &recorder{}, &recorder{}
	sa := e.Begin(context.Background(), "a", "ai", a.send)
	sb := e.Begin(context.Background(), "b", "ai", b.send)

	e.Abandon("a")
	require.NoError(t, sb.Update("still here"))
	require.NoError(t, sb.Finish(""))
	assert.ErrorIs(t, sa.Update("x"), ErrStreamClosed)

	assert.Empty(t, a.all())
	assert.Len(t, b.all(), 2)
}

func TestStream_ConcurrentUpdatesStayOrdered(t *testing.T) {
	e := NewEmitter(nil)
	rec := &recorder{}
	s := e.Begin(context.Background(), "s1", "ai", rec.send)

	content := ""
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		content += "x"
		c := content
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Update(c)
		}()
	}
	wg.Wait()
	require.NoError(t, s.Finish(content))

	chunks := rec.all()
	for i := 1; i < len(chunks); i++ {
		assert.GreaterOrEqual(t, len(chunks[i].Text), len(chunks[i-1].Text))
	}
	assert.True(t, chunks[len(chunks)-1].Done)
	assert.Equal(t, content, chunks[len(chunks)-1].Text)
}
