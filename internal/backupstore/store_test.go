package backupstore

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Chapsvision-dev/sdseed-recovery/internal/errs"
	"github.com/Chapsvision-dev/sdseed-recovery/internal/medium/memcard"
	"github.com/Chapsvision-dev/sdseed-recovery/internal/secret"
)

const deviceID = "3f2c1a90-device"

var layout = Layout{Root: "/trezor", DeviceID: deviceID}

func mounted(t *testing.T, card *memcard.Card) *Store {
	t.Helper()
	require.NoError(t, card.Mount(context.Background()))
	return New(card, layout)
}

// reboot simulates a power cycle: the card keeps its content, the mount is lost.
func reboot(t *testing.T, card *memcard.Card) *Store {
	t.Helper()
	card.Unmount()
	return mounted(t, card)
}

func assertConverged(t *testing.T, card *memcard.Card, slot Slot) {
	t.Helper()
	var committed, staging int
	for _, f := range card.Files() {
		switch f {
		case layout.Committed(slot):
			committed++
		case layout.Staging(slot):
			staging++
		}
	}
	assert.Equal(t, 1, committed, "committed files: %v", card.Files())
	assert.Equal(t, 0, staging, "staging files: %v", card.Files())
}

func TestLoad_EmptyStoreIsNotFound(t *testing.T) {
	s := mounted(t, memcard.New(true))
	_, err := s.Load(context.Background(), SlotSeed)
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestWriteDirectThenLoad(t *testing.T) {
	ctx := context.Background()
	card := memcard.New(true)
	s := mounted(t, card)

	require.NoError(t, s.Write(ctx, SlotSeed, secret.Blob("alpha bravo"), false))
	raw, ok := card.Raw(layout.Committed(SlotSeed))
	require.True(t, ok)
	assert.Len(t, raw, secret.MaxLen)

	got, err := s.Load(ctx, SlotSeed)
	require.NoError(t, err)
	assert.Equal(t, secret.Blob("alpha bravo"), got)
	assertConverged(t, card, SlotSeed)
}

func TestLoad_StagingOnlyFinishesCommit(t *testing.T) {
	ctx := context.Background()
	card := memcard.New(true)
	s := mounted(t, card)

	require.NoError(t, s.Write(ctx, SlotSeed, secret.Blob("staged"), true))
	got, err := reboot(t, card).Load(ctx, SlotSeed)
	require.NoError(t, err)
	assert.Equal(t, secret.Blob("staged"), got)
	assertConverged(t, card, SlotSeed)
}

func TestCommit_Rotation(t *testing.T) {
	ctx := context.Background()
	card := memcard.New(true)
	s := mounted(t, card)

	require.NoError(t, s.Write(ctx, SlotSeed, secret.Blob("old"), false))
	require.NoError(t, s.Write(ctx, SlotSeed, secret.Blob("new"), true))
	require.NoError(t, s.Commit(ctx, SlotSeed))

	got, err := s.Load(ctx, SlotSeed)
	require.NoError(t, err)
	assert.Equal(t, secret.Blob("new"), got)
	assertConverged(t, card, SlotSeed)

	// unlink strictly precedes rename
	var order []string
	for _, op := range card.Journal() {
		if strings.HasPrefix(op, "unlink") || strings.HasPrefix(op, "rename") {
			order = append(order, op)
		}
	}
	assert.Equal(t, []string{
		"unlink " + layout.Committed(SlotSeed),
		"rename " + layout.Staging(SlotSeed),
	}, order)
}

func TestCommit_NothingStagedKeepsCommitted(t *testing.T) {
	ctx := context.Background()
	card := memcard.New(true)
	s := mounted(t, card)

	require.NoError(t, s.Write(ctx, SlotSeed, secret.Blob("keep"), false))
	err := s.Commit(ctx, SlotSeed)
	assert.ErrorIs(t, err, errs.ErrNotFound)

	got, err := s.Load(ctx, SlotSeed)
	require.NoError(t, err)
	assert.Equal(t, secret.Blob("keep"), got)
}

// Crash points inside a rotation from "old" to "new".
func TestCrashInterleavings(t *testing.T) {
	cases := []struct {
		name  string
		prior bool
		fault memcard.Fault
		want  string
	}{
		{"no prior, crash before unlink", false, memcard.Fault{Op: memcard.OpUnlink}, "new"},
		{"no prior, crash before rename", false, memcard.Fault{Op: memcard.OpRename}, "new"},
		{"prior, crash after unlink before rename", true, memcard.Fault{Op: memcard.OpRename}, "new"},
		{"prior, crash before unlink", true, memcard.Fault{Op: memcard.OpUnlink}, "old"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			card := memcard.New(true)
			s := mounted(t, card)

			if tc.prior {
				require.NoError(t, s.Write(ctx, SlotSeed, secret.Blob("old"), false))
			}
			require.NoError(t, s.Write(ctx, SlotSeed, secret.Blob("new"), true))
			card.Inject(tc.fault)
			require.ErrorIs(t, s.Commit(ctx, SlotSeed), errs.ErrFilesystem)

			got, err := reboot(t, card).Load(ctx, SlotSeed)
			require.NoError(t, err)
			assert.Equal(t, secret.Blob(tc.want), got)
			assertConverged(t, card, SlotSeed)
		})
	}
}

func TestTornStagingWriteKeepsOldValue(t *testing.T) {
	ctx := context.Background()
	card := memcard.New(true)
	s := mounted(t, card)

	require.NoError(t, s.Write(ctx, SlotSeed, secret.Blob("old value"), false))
	card.Inject(memcard.Fault{Op: memcard.OpWrite, Path: layout.Staging(SlotSeed), Torn: true})
	require.ErrorIs(t, s.Write(ctx, SlotSeed, secret.Blob("new value"), true), errs.ErrFilesystem)

	got, err := reboot(t, card).Load(ctx, SlotSeed)
	require.NoError(t, err)
	assert.Equal(t, secret.Blob("old value"), got)
	assertConverged(t, card, SlotSeed)
}

func TestLoad_InterruptedCommitCanFailAgain(t *testing.T) {
	ctx := context.Background()
	card := memcard.New(true)
	s := mounted(t, card)

	require.NoError(t, s.Write(ctx, SlotSeed, secret.Blob("pending"), true))
	card.Inject(memcard.Fault{Op: memcard.OpRename})
	_, err := s.Load(ctx, SlotSeed)
	assert.ErrorIs(t, err, errs.ErrFilesystem)

	got, err := s.Load(ctx, SlotSeed)
	require.NoError(t, err)
	assert.Equal(t, secret.Blob("pending"), got)
}

func TestLoad_WrongMedium(t *testing.T) {
	ctx := context.Background()
	card := memcard.New(true)
	require.NoError(t, card.Mount(ctx))

	foreign := New(card, Layout{Root: "/trezor", DeviceID: "other-device"})
	require.NoError(t, foreign.Write(ctx, SlotSeed, secret.Blob("not yours"), false))

	_, err := New(card, layout).Load(ctx, SlotSeed)
	assert.ErrorIs(t, err, errs.ErrWrongMedium)
	assert.NotErrorIs(t, err, errs.ErrNotFound)
}

func TestRemove_OverwritesBeforeUnlink(t *testing.T) {
	ctx := context.Background()
	card := memcard.New(true)
	s := mounted(t, card)

	require.NoError(t, s.Write(ctx, SlotSeed, secret.Blob("to be erased"), false))
	// Leave the zeroed file behind by failing the unlink.
	card.Inject(memcard.Fault{Op: memcard.OpUnlink, Path: layout.Committed(SlotSeed)})
	require.Error(t, s.Remove(ctx, SlotSeed))

	raw, ok := card.Raw(layout.Committed(SlotSeed))
	require.True(t, ok)
	assert.Equal(t, make([]byte, secret.MaxLen), raw)

	_, err := s.Load(ctx, SlotSeed)
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestRemove_MissingIsFine(t *testing.T) {
	s := mounted(t, memcard.New(true))
	assert.NoError(t, s.Remove(context.Background(), SlotSalt))
}

func TestExists(t *testing.T) {
	ctx := context.Background()
	s := mounted(t, memcard.New(true))

	ok, err := s.Exists(ctx, SlotSalt)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Write(ctx, SlotSalt, secret.Blob{0x01, 0x02}, true))
	ok, err = s.Exists(ctx, SlotSalt)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestWrite_RejectsOversizedSecret(t *testing.T) {
	s := mounted(t, memcard.New(true))
	err := s.Write(context.Background(), SlotSeed, make(secret.Blob, secret.MaxLen+1), false)
	assert.ErrorIs(t, err, errs.ErrValidation)
}
