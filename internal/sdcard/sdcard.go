// Package sdcard makes sure a removable card is inserted and carries a
// mounted filesystem before backup storage is touched.
package sdcard

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Chapsvision-dev/sdseed-recovery/internal/errs"
	"github.com/Chapsvision-dev/sdseed-recovery/internal/medium"
	"github.com/Chapsvision-dev/sdseed-recovery/internal/retry"
	"github.com/Chapsvision-dev/sdseed-recovery/internal/ui"
)

// Dialog ids shown by Ensure.
const (
	DialogInsert = "sd_card_insert"
	DialogFormat = "sd_card_format"
	DialogRetry  = "sd_card_retry"
)

var (
	errAbsent  = errors.New("sd card not present")
	errRemoved = errors.New("sd card removed")
)

type Ensurer struct {
	m     medium.Medium
	ui    ui.Confirmer
	label string
	ro    retry.Options
}

// New returns an Ensurer. label is written to freshly formatted cards.
func New(m medium.Medium, c ui.Confirmer, label string, ro retry.Options) *Ensurer {
	return &Ensurer{m: m, ui: c, label: label, ro: ro}
}

// Medium exposes the underlying card for the backup store.
func (e *Ensurer) Medium() medium.Medium { return e.m }

// Present polls the sensor without prompting.
func (e *Ensurer) Present(ctx context.Context) bool { return e.m.Present(ctx) }

// Release unmounts the card.
func (e *Ensurer) Release() { e.m.Unmount() }

// Ensure waits until the card is inserted and, if requireFilesystem,
// mounted (formatting it with consent when it has no filesystem). Each
// attempt re-checks presence; only errs.ErrCancelled or ctx ends the loop
// unless a finite attempt cap is configured.
func (e *Ensurer) Ensure(ctx context.Context, requireFilesystem bool) error {
	start := time.Now()
	err := retry.Do(ctx, e.ro, isRetryable, func(ctx context.Context, attempt int) error {
		log.Debug().Str("action", "sd_ensure").Str("medium", e.m.Name()).
			Int("attempt", attempt).Bool("require_fs", requireFilesystem).Msg("starting attempt")
		return e.attempt(ctx, requireFilesystem)
	})
	if err != nil {
		log.Warn().Err(err).Str("action", "sd_ensure").Str("medium", e.m.Name()).
			Dur("elapsed_ms", time.Since(start)).Msg("sd card unavailable")
		return err
	}
	log.Debug().Str("action", "sd_ensure").Str("medium", e.m.Name()).
		Dur("elapsed_ms", time.Since(start)).Msg("sd card ready")
	return nil
}

func isRetryable(err error) bool {
	if errs.IsCancelled(err) {
		return false
	}
	return errors.Is(err, errAbsent) || errors.Is(err, errs.ErrFilesystem)
}

// attempt is one insert-and-mount cycle.
func (e *Ensurer) attempt(ctx context.Context, requireFilesystem bool) error {
	if !e.m.Present(ctx) {
		if err := e.ask(ctx, DialogInsert, "SD card protection", "Please insert your SD card."); err != nil {
			return err
		}
		return errAbsent
	}
	if !requireFilesystem {
		return nil
	}

	err := e.mountGuarded(ctx)
	if err == nil || errs.IsCancelled(err) {
		return err
	}
	log.Warn().Err(err).Str("action", "sd_mount").Str("medium", e.m.Name()).Msg("sd card problem")
	if aerr := e.ask(ctx, DialogRetry, "SD card problem", "There was a problem accessing the SD card. Try again?"); aerr != nil {
		return aerr
	}
	return err
}

// mountGuarded checks presence together with mount (and format) so a
// removal between the two is seen as an I/O failure of the whole attempt.
func (e *Ensurer) mountGuarded(ctx context.Context) (err error) {
	defer func() {
		if err != nil {
			e.m.Unmount()
		}
	}()

	if !e.m.Present(ctx) {
		return errs.Filesystem("mount", "", errRemoved)
	}
	merr := e.m.Mount(ctx)
	if merr == nil {
		if !e.m.Present(ctx) {
			return errs.Filesystem("mount", "", errRemoved)
		}
		return nil
	}
	if !errors.Is(merr, medium.ErrNoFilesystem) {
		return errs.Filesystem("mount", "", merr)
	}

	if err := e.ask(ctx, DialogFormat, "SD card format",
		"Unknown filesystem. Do you want to format the SD card? All data on it will be lost."); err != nil {
		return err
	}
	if !e.m.Present(ctx) {
		return errs.Filesystem("mkfs", "", errRemoved)
	}
	if err := e.m.Mkfs(ctx); err != nil {
		return errs.Filesystem("mkfs", "", err)
	}
	if err := e.m.Mount(ctx); err != nil {
		return errs.Filesystem("mount", "", err)
	}
	if err := e.m.SetLabel(ctx, e.label); err != nil {
		return errs.Filesystem("set_label", "", err)
	}
	if !e.m.Present(ctx) {
		return errs.Filesystem("mkfs", "", errRemoved)
	}
	log.Info().Str("action", "sd_format").Str("medium", e.m.Name()).Str("label", e.label).Msg("sd card formatted")
	return nil
}

// ask turns a declined dialog into cancellation.
func (e *Ensurer) ask(ctx context.Context, id, title, description string) error {
	ok, err := e.ui.Confirm(ctx, id, title, description)
	if err != nil {
		return err
	}
	if !ok {
		return errs.ErrCancelled
	}
	return nil
}
