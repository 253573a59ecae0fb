package plugin

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jordanhubbard/nyx/pkg/models"
)

type stubModule struct {
	name  string
	reply string
}

func (s *stubModule) Name() string               { return s.name }
func (s *stubModule) Description() string        { return "stub " + s.name }
func (s *stubModule) CanHandle(text string) bool { return true }
func (s *stubModule) Execute(ctx context.Context, text string) (*models.Result, error) {
	return &models.Result{Text: s.reply, Type: models.ResultSuccess}, nil
}

func TestRegistry_RegisterAndList(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&stubModule{name: "system"}))
	require.NoError(t, r.Register(&stubModule{name: "notes"}))
	require.NoError(t, r.Register(&stubModule{name: "ai"}))

	assert.Equal(t, []string{"system", "notes", "ai"}, r.List())

	snap := r.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, 0, snap[0].Position)
	assert.Equal(t, 2, snap[2].Position)
}

func TestRegistry_DuplicateRejected(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&stubModule{name: "system"}))

	err := r.Register(&stubModule{name: "system"})
	assert.True(t, errors.Is(err, ErrDuplicateModule))
}

func TestRegistry_Unregister(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&stubModule{name: "a"}))
	require.NoError(t, r.Register(&stubModule{name: "b"}))
	require.NoError(t, r.Register(&stubModule{name: "c"}))

	require.NoError(t, r.Unregister("b"))
	assert.Equal(t, []string{"a", "c"}, r.List())

	err := r.Unregister("b")
	assert.True(t, errors.Is(err, ErrModuleNotFound))

	// Positions are stable, so later registrations still sort after c.
	require.NoError(t, r.Register(&stubModule{name: "d"}))
	snap := r.Snapshot()
	assert.Equal(t, "d", snap[2].Name())
	assert.Greater(t, snap[2].Position, snap[1].Position)
}

func TestRegistry_ReloadSwapsInstance(t *testing.T) {
	r := NewRegistry()
	version := 0
	factory := func() (Module, error) {
		version++
		return &stubModule{name: "notes", reply: "v" + string(rune('0'+version))}, nil
	}
	require.NoError(t, r.RegisterFactory(factory))

	before, err := r.Get("notes")
	require.NoError(t, err)

	after, err := r.Reload("notes")
	require.NoError(t, err)

	assert.Equal(t, 1, before.Version)
	assert.Equal(t, 2, after.Version)
	assert.Equal(t, before.Position, after.Position)

	// The old instance is untouched and still usable by in-flight commands.
	res, err := before.Module.Execute(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, "v1", res.Text)

	res, err = after.Module.Execute(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, "v2", res.Text)

	current, err := r.Get("notes")
	require.NoError(t, err)
	assert.Same(t, after, current)
}

func TestRegistry_ReloadFailureKeepsOldInstance(t *testing.T) {
	r := NewRegistry()
	fail := false
	require.NoError(t, r.RegisterFactory(func() (Module, error) {
		if fail {
			return nil, errors.New("bad manifest")
		}
		return &stubModule{name: "notes"}, nil
	}))

	fail = true
	_, err := r.Reload("notes")
	require.Error(t, err)

	inst, err := r.Get("notes")
	require.NoError(t, err)
	assert.Equal(t, 1, inst.Version)
}

func TestRegistry_ReloadUnknown(t *testing.T) {
	r := NewRegistry()
	_, err := r.Reload("ghost")
	assert.True(t, errors.Is(err, ErrModuleNotFound))
}

func TestRegistry_OnChange(t *testing.T) {
	r := NewRegistry()
	var changes []Change
	r.OnChange(func(c Change) { changes = append(changes, c) })

	require.NoError(t, r.Register(&stubModule{name: "system"}))
	_, err := r.Reload("system")
	require.NoError(t, err)
	require.NoError(t, r.Unregister("system"))

	require.Len(t, changes, 3)
	assert.Equal(t, ChangeRegistered, changes[0].Kind)
	assert.Equal(t, ChangeReloaded, changes[1].Kind)
	assert.Equal(t, 2, changes[1].Version)
	assert.Equal(t, ChangeUnregistered, changes[2].Kind)
}
