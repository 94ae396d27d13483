package persist

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Chapsvision-dev/sdseed-recovery/internal/state"
)

func TestFlag_FreshDeviceIsIdle(t *testing.T) {
	db, err := state.OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	st, err := New(db).Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, State{}, st)
}

func TestFlag_SetGetClear(t *testing.T) {
	ctx := context.Background()
	db, err := state.OpenInMemory()
	require.NoError(t, err)
	defer db.Close()
	f := New(db)

	require.NoError(t, f.Set(ctx, State{InProgress: true, DryRun: false}))

	st, err := f.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, State{InProgress: true}, st)
	entry, err := f.DefaultEntry(ctx)
	require.NoError(t, err)
	assert.Equal(t, EntryRecovery, entry)

	require.NoError(t, f.Clear(ctx))
	st, err = f.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, State{}, st)
	entry, err = f.DefaultEntry(ctx)
	require.NoError(t, err)
	assert.Empty(t, entry)
}

// The flag must survive closing and reopening the on-disk database.
func TestFlag_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	db, err := state.Open(dir)
	require.NoError(t, err)
	require.NoError(t, New(db).Set(ctx, State{InProgress: true, DryRun: true}))
	require.NoError(t, db.Close())

	db, err = state.Open(dir)
	require.NoError(t, err)
	defer db.Close()
	st, err := New(db).Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, State{InProgress: true, DryRun: true}, st)
}

func TestFlag_SetSwitchesBootEntry(t *testing.T) {
	ctx := context.Background()
	db, err := state.OpenInMemory()
	require.NoError(t, err)
	defer db.Close()
	f := New(db)

	require.NoError(t, f.Set(ctx, State{InProgress: true, DryRun: true}))
	entry, err := f.DefaultEntry(ctx)
	require.NoError(t, err)
	assert.Equal(t, EntryRecovery, entry)

	require.NoError(t, f.Set(ctx, State{}))
	entry, err = f.DefaultEntry(ctx)
	require.NoError(t, err)
	assert.Empty(t, entry)
}
