// Package recovery drives a recovery request from validation to word
// entry, optionally short-circuiting through the SD card backup.
//
// The persisted flag is the only state that outlives a reboot. It is set
// after the device wipe and cleared when word entry completes; while it
// is set every request is ignored and word entry resumes.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Chapsvision-dev/sdseed-recovery/internal/backupstore"
	"github.com/Chapsvision-dev/sdseed-recovery/internal/device"
	"github.com/Chapsvision-dev/sdseed-recovery/internal/errs"
	"github.com/Chapsvision-dev/sdseed-recovery/internal/medium"
	"github.com/Chapsvision-dev/sdseed-recovery/internal/persist"
	"github.com/Chapsvision-dev/sdseed-recovery/internal/secret"
	"github.com/Chapsvision-dev/sdseed-recovery/internal/ui"
)

// Dialog ids.
const (
	DialogStart      = "recovery_start"
	DialogSDRecovery = "sd_recovery"
	DialogSeedCheck  = "confirm_seedcheck"
	DialogNotFound   = "sd_backup_not_found"
	DialogWrongCard  = "sd_backup_wrong_card"
)

const (
	MsgRecovered        = "Device recovered"
	MsgSeedCheckSuccess = "The seed is valid and matches the one in the device"
)

// Flag is the persisted session record.
type Flag interface {
	Get(ctx context.Context) (persist.State, error)
	Set(ctx context.Context, st persist.State) error
	Clear(ctx context.Context) error
}

// Device is the device storage the session mutates.
type Device interface {
	ID(ctx context.Context) (string, error)
	IsInitialized(ctx context.Context) (bool, error)
	Reset(ctx context.Context) error
	StoreSecret(ctx context.Context, blob secret.Blob, meta device.Metadata) error
	SetSDSalt(ctx context.Context, salt secret.Blob) error
	SetPassphraseEnabled(ctx context.Context, enabled bool) error
	SetU2FCounter(ctx context.Context, n uint32) error
	SetLabel(ctx context.Context, label string) error
	ChangePin(ctx context.Context, pin string, sdSalt []byte) error
	CheckPin(ctx context.Context, pin string, sdSalt []byte) (bool, error)
}

// Card is the removable medium guard (see sdcard.Ensurer).
type Card interface {
	Present(ctx context.Context) bool
	Ensure(ctx context.Context, requireFilesystem bool) error
	Medium() medium.Medium
	Release()
}

// Deps wires a Session. Card may be nil when the device has no card slot.
type Deps struct {
	Flag       Flag
	Device     Device
	Card       Card
	BackupRoot string
	UI         ui.Confirmer
	Pins       ui.PinProvider
	Words      ui.WordEngine
}

// Result is the success report of a session.
type Result struct {
	Message string
	FromSD  bool
}

type Session struct {
	d Deps
}

func New(d Deps) *Session { return &Session{d: d} }

// Run handles a recovery request. The persisted flag is consulted before
// anything else; an in-progress session wins over req.
func (s *Session) Run(ctx context.Context, req *Request) (Result, error) {
	st, err := s.d.Flag.Get(ctx)
	if err != nil {
		return Result{}, err
	}
	if st.InProgress {
		log.Info().Str("action", "recovery_resume").Bool("dry_run", st.DryRun).
			Strs("ignored_fields", req.SetFields()).Msg("recovery in progress, request ignored")
		return s.process(ctx, st.DryRun, true)
	}
	if req == nil {
		req = &Request{}
	}

	dryRun := req.isDryRun()
	if err := s.validate(ctx, req, dryRun); err != nil {
		log.Warn().Err(err).Str("action", "recovery_validate").Bool("dry_run", dryRun).Msg("request rejected")
		return Result{}, err
	}
	log.Info().Str("action", "recovery_start").Bool("dry_run", dryRun).
		Strs("fields", req.SetFields()).Msg("recovery request accepted")

	if dryRun {
		return s.seedCheck(ctx)
	}
	return s.recover(ctx, req)
}

// Resume continues word entry after a reboot.
func (s *Session) Resume(ctx context.Context) (Result, error) {
	st, err := s.d.Flag.Get(ctx)
	if err != nil {
		return Result{}, err
	}
	if !st.InProgress {
		return Result{}, errs.Precondition("no recovery in progress")
	}
	log.Info().Str("action", "recovery_resume").Bool("dry_run", st.DryRun).Msg("resuming word entry")
	return s.process(ctx, st.DryRun, true)
}

func (s *Session) validate(ctx context.Context, req *Request, dryRun bool) error {
	if err := req.validateShape(); err != nil {
		return err
	}
	initialized, err := s.d.Device.IsInitialized(ctx)
	if err != nil {
		return err
	}
	if !dryRun && initialized {
		return errs.Precondition("already initialized")
	}
	if dryRun && !initialized {
		return errs.Precondition("device is not initialized")
	}
	if dryRun {
		return req.validateDryRun()
	}
	return nil
}

// recover is the full path. Every cancellable prompt precedes the wipe.
func (s *Session) recover(ctx context.Context, req *Request) (Result, error) {
	if err := s.confirm(ctx, DialogStart, "Wallet recovery",
		"Do you really want to recover a wallet? All data on the device will be erased."); err != nil {
		return Result{}, err
	}

	res, done, err := s.trySD(ctx)
	if err != nil || done {
		return res, err
	}

	if err := s.d.Device.Reset(ctx); err != nil {
		return Result{}, fmt.Errorf("wipe: %w", err)
	}
	if deref(req.PinProtection) {
		pin, err := s.d.Pins.RequestPinConfirm(ctx)
		if err != nil {
			return Result{}, s.unwindAfterWipe(ctx, fmt.Errorf("new pin: %w", err))
		}
		if err := s.d.Device.ChangePin(ctx, pin, nil); err != nil {
			return Result{}, err
		}
	}
	if err := s.d.Device.SetPassphraseEnabled(ctx, deref(req.PassphraseProtection)); err != nil {
		return Result{}, err
	}
	if req.U2FCounter != nil {
		if err := s.d.Device.SetU2FCounter(ctx, *req.U2FCounter); err != nil {
			return Result{}, err
		}
	}
	if req.Label != nil {
		if err := s.d.Device.SetLabel(ctx, *req.Label); err != nil {
			return Result{}, err
		}
	}

	// Set also switches the boot entry to recovery.
	if err := s.d.Flag.Set(ctx, persist.State{InProgress: true, DryRun: false}); err != nil {
		return Result{}, err
	}
	return s.process(ctx, false, true)
}

// unwindAfterWipe leaves the device freshly wiped with no flag, the same
// state as a power loss before the flag write, so the full flow restarts.
func (s *Session) unwindAfterWipe(ctx context.Context, cause error) error {
	log.Warn().Err(cause).Str("action", "recovery_setup").Msg("setup stopped after wipe, device left uninitialized")
	if err := s.d.Device.Reset(context.WithoutCancel(ctx)); err != nil {
		return fmt.Errorf("%w (wipe: %v)", cause, err)
	}
	return cause
}

// trySD offers the card shortcut. done is true when the device was
// restored from the card; a missing or foreign backup falls through.
func (s *Session) trySD(ctx context.Context) (res Result, done bool, err error) {
	if s.d.Card == nil || !s.d.Card.Present(ctx) {
		return Result{}, false, nil
	}
	ok, err := s.d.UI.Confirm(ctx, DialogSDRecovery, "SD recovery", "Would you like to recover from SD card?")
	if err != nil {
		return Result{}, false, err
	}
	if !ok {
		log.Info().Str("action", "recovery_sd").Msg("sd shortcut declined")
		return Result{}, false, nil
	}

	start := time.Now()
	if err := s.d.Card.Ensure(ctx, true); err != nil {
		return Result{}, false, err
	}
	defer s.d.Card.Release()

	id, err := s.d.Device.ID(ctx)
	if err != nil {
		return Result{}, false, err
	}
	store := backupstore.New(s.d.Card.Medium(), backupstore.Layout{Root: s.d.BackupRoot, DeviceID: id})

	seed, err := store.Load(ctx, backupstore.SlotSeed)
	switch {
	case errors.Is(err, errs.ErrNotFound):
		log.Warn().Str("action", "recovery_sd").Msg("no backup on card")
		return Result{}, false, s.d.UI.Warn(ctx, DialogNotFound, "SD recovery",
			"No seed backup was found on the SD card. Continue with word entry.")
	case errors.Is(err, errs.ErrWrongMedium):
		log.Warn().Str("action", "recovery_sd").Msg("backup on card belongs to another device")
		return Result{}, false, s.d.UI.Warn(ctx, DialogWrongCard, "SD recovery",
			"The SD card holds a backup of a different device. Continue with word entry.")
	case err != nil:
		return Result{}, false, err
	}
	defer seed.Wipe()

	salt, err := store.Load(ctx, backupstore.SlotSalt)
	if err != nil && !errors.Is(err, errs.ErrNotFound) {
		return Result{}, false, err
	}
	defer salt.Wipe()

	if err := s.d.Device.StoreSecret(ctx, seed, device.Metadata{Type: device.BackupBip39}); err != nil {
		return Result{}, false, err
	}
	if salt != nil {
		if err := s.d.Device.SetSDSalt(ctx, salt); err != nil {
			return Result{}, false, err
		}
	}
	log.Info().Str("action", "recovery_sd").Bool("salt", salt != nil).
		Dur("elapsed_ms", time.Since(start)).Msg("device restored from sd card")
	return Result{Message: MsgRecovered, FromSD: true}, true, nil
}

// seedCheck is the dry-run path. Nothing is mutated before word entry.
func (s *Session) seedCheck(ctx context.Context) (Result, error) {
	if err := s.confirm(ctx, DialogSeedCheck, "Seed check",
		"Do you really want to check the recovery seed?"); err != nil {
		return Result{}, err
	}
	pin, salt, err := s.d.Pins.RequestPinAndSalt(ctx, "Enter PIN")
	if err != nil {
		return Result{}, err
	}
	ok, err := s.d.Device.CheckPin(ctx, pin, salt)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		log.Warn().Str("action", "recovery_pin").Msg("pin mismatch")
		return Result{}, errs.ErrPinInvalid
	}
	return s.process(ctx, true, false)
}

// process hands off to word entry. persisted tells whether the flag is
// set and must be cleared on completion.
func (s *Session) process(ctx context.Context, dryRun, persisted bool) (Result, error) {
	mode := ui.ModeRestore
	if dryRun {
		mode = ui.ModeVerify
	}
	start := time.Now()
	outcome, err := s.d.Words.Run(ctx, mode, dryRun)
	if err == nil && outcome == ui.Aborted {
		err = fmt.Errorf("word entry aborted: %w", errs.ErrCancelled)
	}
	if err != nil {
		log.Warn().Err(err).Str("action", "recovery_words").Str("mode", mode.String()).
			Bool("resumable", persisted && !dryRun).Dur("elapsed_ms", time.Since(start)).Msg("word entry stopped")
		return Result{}, err
	}

	if persisted {
		if err := s.d.Flag.Clear(ctx); err != nil {
			return Result{}, err
		}
	}
	log.Info().Str("action", "recovery_words").Str("mode", mode.String()).
		Dur("elapsed_ms", time.Since(start)).Msg("recovery completed")
	if dryRun {
		return Result{Message: MsgSeedCheckSuccess}, nil
	}
	return Result{Message: MsgRecovered}, nil
}

// confirm turns a declined dialog into cancellation.
func (s *Session) confirm(ctx context.Context, id, title, description string) error {
	ok, err := s.d.UI.Confirm(ctx, id, title, description)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("dialog %s declined: %w", id, errs.ErrCancelled)
	}
	return nil
}
