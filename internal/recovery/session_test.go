package recovery

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Chapsvision-dev/sdseed-recovery/internal/backupstore"
	"github.com/Chapsvision-dev/sdseed-recovery/internal/device"
	"github.com/Chapsvision-dev/sdseed-recovery/internal/errs"
	"github.com/Chapsvision-dev/sdseed-recovery/internal/medium/memcard"
	"github.com/Chapsvision-dev/sdseed-recovery/internal/persist"
	"github.com/Chapsvision-dev/sdseed-recovery/internal/retry"
	"github.com/Chapsvision-dev/sdseed-recovery/internal/sdcard"
	"github.com/Chapsvision-dev/sdseed-recovery/internal/secret"
	"github.com/Chapsvision-dev/sdseed-recovery/internal/state"
	"github.com/Chapsvision-dev/sdseed-recovery/internal/ui"
	"github.com/Chapsvision-dev/sdseed-recovery/internal/ui/uitest"
)

const root = "/trezor"

type env struct {
	dev   *device.Storage
	flag  *persist.Flag
	card  *memcard.Card
	ui    *uitest.Confirmer
	pins  *uitest.Pins
	words *uitest.Words
}

func newEnv(t *testing.T) *env {
	t.Helper()
	db, err := state.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return &env{
		dev:   device.New(db),
		flag:  persist.New(db),
		card:  memcard.New(true),
		ui:    uitest.NewConfirmer(),
		pins:  &uitest.Pins{},
		words: &uitest.Words{},
	}
}

func (e *env) session() *Session {
	return New(Deps{
		Flag:       e.flag,
		Device:     e.dev,
		Card:       sdcard.New(e.card, e.ui, "TREZOR", retry.Options{MaxAttempts: retry.Unbounded}),
		BackupRoot: root,
		UI:         e.ui,
		Pins:       e.pins,
		Words:      e.words,
	})
}

func (e *env) initialise(t *testing.T, seed string) {
	t.Helper()
	require.NoError(t, e.dev.StoreSecret(context.Background(), secret.Blob(seed), device.Metadata{}))
}

func (e *env) backup(t *testing.T, deviceID string, slot backupstore.Slot, value string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, e.card.Mount(ctx))
	store := backupstore.New(e.card, backupstore.Layout{Root: root, DeviceID: deviceID})
	require.NoError(t, store.Write(ctx, slot, secret.Blob(value), false))
	e.card.Unmount()
}

func (e *env) flagState(t *testing.T) persist.State {
	t.Helper()
	st, err := e.flag.Get(context.Background())
	require.NoError(t, err)
	return st
}

func ptr[T any](v T) *T { return &v }

func TestValidate_EnforceWordlistFalse(t *testing.T) {
	for _, dryRun := range []bool{false, true} {
		e := newEnv(t)
		if dryRun {
			e.initialise(t, "seed")
		}
		_, err := e.session().Run(context.Background(), &Request{DryRun: ptr(dryRun), EnforceWordlist: ptr(false)})

		var verr *errs.ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, FieldEnforceWordlist, verr.Field)
		assert.Empty(t, e.ui.Shown)
	}
}

func TestValidate_Preconditions(t *testing.T) {
	e := newEnv(t)
	_, err := e.session().Run(context.Background(), &Request{DryRun: ptr(true)})
	assert.ErrorIs(t, err, errs.ErrPrecondition)

	e.initialise(t, "seed")
	_, err = e.session().Run(context.Background(), &Request{})
	assert.ErrorIs(t, err, errs.ErrPrecondition)
	assert.Empty(t, e.ui.Shown)
}

func TestValidate_DryRunForbiddenFields(t *testing.T) {
	cases := map[string]*Request{
		FieldPinProtection:        {PinProtection: ptr(true)},
		FieldPassphraseProtection: {PassphraseProtection: ptr(false)},
		FieldU2FCounter:           {U2FCounter: ptr(uint32(7))},
		FieldLabel:                {Label: ptr("wallet")},
	}
	for field, req := range cases {
		t.Run(field, func(t *testing.T) {
			e := newEnv(t)
			e.initialise(t, "seed")
			req.DryRun = ptr(true)
			req.WordCount = ptr(uint32(12))
			req.Type = ptr("scrambled_words")

			_, err := e.session().Run(context.Background(), req)
			var verr *errs.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, field, verr.Field)
			assert.Zero(t, e.pins.Requested)
		})
	}
}

// The same fields are fine outside dry-run; stop at the first dialog.
func TestValidate_FieldsAcceptedForFullRecovery(t *testing.T) {
	e := newEnv(t)
	e.ui.Script(DialogStart, uitest.Cancel)
	req := &Request{
		DryRun: ptr(false), WordCount: ptr(uint32(24)), EnforceWordlist: ptr(true),
		PinProtection: ptr(true), PassphraseProtection: ptr(true), U2FCounter: ptr(uint32(3)), Label: ptr("x"),
	}
	_, err := e.session().Run(context.Background(), req)
	assert.ErrorIs(t, err, errs.ErrCancelled)
	assert.NotErrorIs(t, err, errs.ErrValidation)
	assert.Equal(t, []string{DialogStart}, e.ui.Shown)
}

func TestScenarioA_DeclineSDThenWordEntry(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	require.NoError(t, e.dev.SetLabel(ctx, "leftover"))
	e.ui.Script(DialogSDRecovery, uitest.No)

	var during persist.State
	var entry string
	e.words.OnRun = func(ui.Mode, bool) error {
		during = e.flagState(t)
		var err error
		entry, err = e.flag.DefaultEntry(ctx)
		return err
	}

	res, err := e.session().Run(ctx, &Request{Label: ptr("restored"), U2FCounter: ptr(uint32(9)), PassphraseProtection: ptr(true)})
	require.NoError(t, err)
	assert.Equal(t, MsgRecovered, res.Message)
	assert.False(t, res.FromSD)

	assert.Equal(t, persist.State{InProgress: true, DryRun: false}, during)
	assert.Equal(t, persist.EntryRecovery, entry)
	assert.Equal(t, []uitest.Call{{Mode: ui.ModeRestore, DryRun: false}}, e.words.Calls)
	assert.Equal(t, persist.State{}, e.flagState(t))

	info, err := e.dev.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, "restored", info.Label)
	assert.Equal(t, uint32(9), info.U2FCounter)
	assert.True(t, info.PassphraseEnabled)
}

func TestNilRequestIsEmptyRequest(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	require.NoError(t, e.dev.SetLabel(ctx, "leftover"))
	e.ui.Script(DialogSDRecovery, uitest.No)

	var during persist.State
	e.words.OnRun = func(ui.Mode, bool) error {
		during = e.flagState(t)
		return nil
	}

	res, err := e.session().Run(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, Result{Message: MsgRecovered}, res)
	assert.Equal(t, persist.State{InProgress: true}, during)
	assert.Equal(t, []uitest.Call{{Mode: ui.ModeRestore, DryRun: false}}, e.words.Calls)
	assert.Equal(t, persist.State{}, e.flagState(t))
	assert.Zero(t, e.pins.Confirmed)

	info, err := e.dev.Info(ctx)
	require.NoError(t, err)
	assert.Empty(t, info.Label)
	assert.False(t, info.PinProtected)
}

func TestPinSetupCancelledLeavesFreshDevice(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.card.Eject()
	require.NoError(t, e.dev.SetLabel(ctx, "leftover"))
	e.pins.Err = errs.ErrCancelled

	_, err := e.session().Run(ctx, &Request{PinProtection: ptr(true), Label: ptr("new")})
	assert.ErrorIs(t, err, errs.ErrCancelled)
	assert.Equal(t, 1, e.pins.Confirmed)
	assert.Empty(t, e.words.Calls)
	assert.Equal(t, persist.State{}, e.flagState(t))

	entry, err := e.flag.DefaultEntry(ctx)
	require.NoError(t, err)
	assert.Empty(t, entry)
	info, err := e.dev.Info(ctx)
	require.NoError(t, err)
	assert.False(t, info.Initialized)
	assert.Empty(t, info.Label)
	assert.False(t, info.PinProtected)

	// The next attempt starts over from the beginning.
	e.pins.Err, e.pins.New = nil, "1111"
	_, err = e.session().Run(ctx, &Request{PinProtection: ptr(true)})
	require.NoError(t, err)
	assert.Len(t, e.words.Calls, 1)
}

func TestScenarioA_PinProtectionSetAfterWipe(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.pins.New = "4321"

	_, err := e.session().Run(ctx, &Request{PinProtection: ptr(true)})
	require.NoError(t, err)
	assert.Equal(t, 1, e.pins.Confirmed)

	ok, err := e.dev.CheckPin(ctx, "4321", nil)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestScenarioB_RestoreFromSD(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	id, err := e.dev.ID(ctx)
	require.NoError(t, err)
	e.backup(t, id, backupstore.SlotSeed, "legal winner thank year")
	e.backup(t, id, backupstore.SlotSalt, "salty")

	res, err := e.session().Run(ctx, &Request{Label: ptr("ignored")})
	require.NoError(t, err)
	assert.Equal(t, Result{Message: MsgRecovered, FromSD: true}, res)
	assert.Equal(t, []string{DialogStart, DialogSDRecovery}, e.ui.Shown)
	assert.Empty(t, e.words.Calls)
	assert.Equal(t, persist.State{}, e.flagState(t))

	got, err := e.dev.Secret(ctx)
	require.NoError(t, err)
	assert.Equal(t, secret.Blob("legal winner thank year"), got)
	ok, err := e.dev.CheckSDSalt(ctx, secret.Blob("salty"))
	require.NoError(t, err)
	assert.True(t, ok)
	initialized, err := e.dev.IsInitialized(ctx)
	require.NoError(t, err)
	assert.True(t, initialized)
}

func TestSD_NotFoundFallsThrough(t *testing.T) {
	e := newEnv(t)

	_, err := e.session().Run(context.Background(), &Request{})
	require.NoError(t, err)
	assert.Equal(t, []string{DialogNotFound}, e.ui.Warned)
	assert.Len(t, e.words.Calls, 1)
}

func TestSD_WrongCardFallsThrough(t *testing.T) {
	e := newEnv(t)
	e.backup(t, "another-device", backupstore.SlotSeed, "not ours")

	_, err := e.session().Run(context.Background(), &Request{})
	require.NoError(t, err)
	assert.Equal(t, []string{DialogWrongCard}, e.ui.Warned)
	assert.Len(t, e.words.Calls, 1)
}

func TestSD_NotOfferedWithoutCard(t *testing.T) {
	e := newEnv(t)
	e.card.Eject()

	_, err := e.session().Run(context.Background(), &Request{})
	require.NoError(t, err)
	assert.Equal(t, []string{DialogStart}, e.ui.Shown)
}

func TestSD_CancelBeforeWipe(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	require.NoError(t, e.dev.SetLabel(ctx, "keep me"))
	e.ui.Script(DialogSDRecovery, uitest.Cancel)

	_, err := e.session().Run(ctx, &Request{})
	assert.ErrorIs(t, err, errs.ErrCancelled)

	info, err := e.dev.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, "keep me", info.Label)
	assert.Equal(t, persist.State{}, e.flagState(t))
}

func TestStartDeclinedIsCancellation(t *testing.T) {
	e := newEnv(t)
	e.ui.Script(DialogStart, uitest.No)

	_, err := e.session().Run(context.Background(), &Request{})
	assert.ErrorIs(t, err, errs.ErrCancelled)
	assert.Empty(t, e.words.Calls)
}

func TestScenarioC_DryRunWrongPin(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.initialise(t, "original seed")
	require.NoError(t, e.dev.ChangePin(ctx, "1234", nil))
	e.pins.Current = "0000"

	_, err := e.session().Run(ctx, &Request{DryRun: ptr(true), WordCount: ptr(uint32(12))})
	assert.ErrorIs(t, err, errs.ErrPinInvalid)
	assert.Equal(t, []string{DialogSeedCheck}, e.ui.Shown)
	assert.Empty(t, e.words.Calls)
	assert.Equal(t, persist.State{}, e.flagState(t))

	got, err := e.dev.Secret(ctx)
	require.NoError(t, err)
	assert.Equal(t, secret.Blob("original seed"), got)
}

func TestDryRun_Success(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.initialise(t, "original seed")
	require.NoError(t, e.dev.ChangePin(ctx, "1234", []byte("sd")))
	e.pins.Current, e.pins.Salt = "1234", []byte("sd")

	var during persist.State
	e.words.OnRun = func(ui.Mode, bool) error {
		during = e.flagState(t)
		return nil
	}

	res, err := e.session().Run(ctx, &Request{DryRun: ptr(true), EnforceWordlist: ptr(true)})
	require.NoError(t, err)
	assert.Equal(t, MsgSeedCheckSuccess, res.Message)
	assert.Equal(t, []uitest.Call{{Mode: ui.ModeVerify, DryRun: true}}, e.words.Calls)
	assert.Equal(t, persist.State{}, during)
}

func TestScenarioD_InProgressIgnoresRequest(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	require.NoError(t, e.flag.Set(ctx, persist.State{InProgress: true, DryRun: false}))

	// Invalid on its own: the request must not even be validated.
	res, err := e.session().Run(ctx, &Request{DryRun: ptr(true), EnforceWordlist: ptr(false), Label: ptr("x")})
	require.NoError(t, err)
	assert.Equal(t, MsgRecovered, res.Message)
	assert.Empty(t, e.ui.Shown)
	assert.Equal(t, []uitest.Call{{Mode: ui.ModeRestore, DryRun: false}}, e.words.Calls)
	assert.Equal(t, persist.State{}, e.flagState(t))
}

func TestWordEntryAbortKeepsFlagForResume(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.card.Eject()
	e.words.Outcome = ui.Aborted

	s := e.session()
	_, err := s.Run(ctx, &Request{})
	assert.ErrorIs(t, err, errs.ErrCancelled)
	assert.Equal(t, persist.State{InProgress: true}, e.flagState(t))

	entry, err := e.flag.DefaultEntry(ctx)
	require.NoError(t, err)
	assert.Equal(t, persist.EntryRecovery, entry)

	e.words.Outcome = ui.Completed
	res, err := s.Resume(ctx)
	require.NoError(t, err)
	assert.Equal(t, MsgRecovered, res.Message)
	assert.Equal(t, persist.State{}, e.flagState(t))
	assert.Len(t, e.words.Calls, 2)
}

func TestWordEngineErrorKeepsFlag(t *testing.T) {
	e := newEnv(t)
	e.card.Eject()
	boom := errors.New("display failure")
	e.words.Err = boom

	_, err := e.session().Run(context.Background(), &Request{})
	assert.ErrorIs(t, err, boom)
	assert.True(t, e.flagState(t).InProgress)
}

func TestResume_NothingInProgress(t *testing.T) {
	e := newEnv(t)
	_, err := e.session().Resume(context.Background())
	assert.ErrorIs(t, err, errs.ErrPrecondition)
}

func TestSetFields(t *testing.T) {
	var nilReq *Request
	assert.Nil(t, nilReq.SetFields())
	assert.Equal(t,
		[]string{FieldDryRun, FieldType, FieldLabel},
		(&Request{DryRun: ptr(true), Type: ptr("matrix"), Label: ptr("l")}).SetFields())
}
