package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noop(ctx context.Context, api *ModuleAPI) (any, error) { return nil, nil }

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("a", ModuleOptions{}, noop))
	require.NoError(t, r.Register("b", ModuleOptions{RPCMode: RPCModeLocal}, noop))

	t.Run("duplicate id", func(t *testing.T) {
		err := r.Register("a", ModuleOptions{}, noop)
		assert.ErrorIs(t, err, ErrDuplicateModule)
	})

	t.Run("invalid registrations", func(t *testing.T) {
		assert.Error(t, r.Register("", ModuleOptions{}, noop))
		assert.Error(t, r.Register("c", ModuleOptions{}, nil))
		assert.Error(t, r.Register("d", ModuleOptions{RPCMode: "sideways"}, noop))
	})

	t.Run("order and defaults", func(t *testing.T) {
		modules := r.Modules()
		require.Len(t, modules, 2)
		assert.Equal(t, "a", modules[0].ID)
		assert.Equal(t, RPCModeRemote, modules[0].Options.RPCMode)
		assert.Equal(t, "b", modules[1].ID)
		assert.Equal(t, RPCModeLocal, modules[1].Options.RPCMode)
		assert.Equal(t, 2, r.Len())
	})
}

func TestPendingQueueIsDrainedByFirstEngine(t *testing.T) {
	require.NoError(t, RegisterModule("pending.first", ModuleOptions{}, noop))
	MustRegisterModule("pending.second", ModuleOptions{}, noop)
	assert.Panics(t, func() { MustRegisterModule("pending.first", ModuleOptions{}, noop) })

	first := New(Deps{})
	ids := []string{}
	for _, m := range first.Registry().Modules() {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []string{"pending.first", "pending.second"}, ids)

	second := New(Deps{})
	assert.Zero(t, second.Registry().Len())

	explicit := NewRegistry()
	require.NoError(t, RegisterModule("pending.third", ModuleOptions{}, noop))
	withRegistry := New(Deps{Registry: explicit})
	assert.Zero(t, withRegistry.Registry().Len())
	assert.Equal(t, 1, New(Deps{}).Registry().Len())
}
