// Package backup writes, verifies and erases the SD card copy of the
// device secret. The first backup goes straight to the committed path;
// later ones rotate through staging so a power cut keeps the old copy.
package backup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Chapsvision-dev/sdseed-recovery/internal/backupstore"
	"github.com/Chapsvision-dev/sdseed-recovery/internal/errs"
	"github.com/Chapsvision-dev/sdseed-recovery/internal/medium"
	"github.com/Chapsvision-dev/sdseed-recovery/internal/secret"
	"github.com/Chapsvision-dev/sdseed-recovery/internal/util"
)

// Card is the guarded removable medium (see sdcard.Ensurer).
type Card interface {
	Ensure(ctx context.Context, requireFilesystem bool) error
	Medium() medium.Medium
	Release()
}

// Identity yields the id backups are scoped by.
type Identity interface {
	ID(ctx context.Context) (string, error)
}

type Service struct {
	card Card
	id   Identity
	root string
}

// New returns a Service writing under root on card.
func New(card Card, id Identity, root string) *Service {
	return &Service{card: card, id: id, root: root}
}

// Backup stores seed on the card.
func (s *Service) Backup(ctx context.Context, seed secret.Blob) error {
	return s.put(ctx, backupstore.SlotSeed, seed)
}

// BackupSalt stores the SD salt on the card.
func (s *Service) BackupSalt(ctx context.Context, salt secret.Blob) error {
	return s.put(ctx, backupstore.SlotSalt, salt)
}

// Verify reloads the seed backup and compares it with seed.
func (s *Service) Verify(ctx context.Context, seed secret.Blob) (bool, error) {
	var ok bool
	err := s.withStore(ctx, "backup_verify", func(store *backupstore.Store) error {
		got, err := store.Load(ctx, backupstore.SlotSeed)
		if err != nil {
			return err
		}
		defer got.Wipe()
		ok = seed.Equal(got)
		return nil
	})
	if err != nil {
		return false, err
	}
	if !ok {
		log.Error().Str("action", "backup_verify").Msg("backup on card does not match the device secret")
	}
	return ok, nil
}

// Erase overwrites and removes every slot.
func (s *Service) Erase(ctx context.Context) error {
	return s.withStore(ctx, "backup_erase", func(store *backupstore.Store) error {
		for _, slot := range backupstore.Slots {
			if err := store.Remove(ctx, slot); err != nil {
				return err
			}
		}
		return nil
	})
}

// Present reports which slots hold a backup.
func (s *Service) Present(ctx context.Context) (map[backupstore.Slot]bool, error) {
	out := map[backupstore.Slot]bool{}
	err := s.withStore(ctx, "backup_status", func(store *backupstore.Store) error {
		for _, slot := range backupstore.Slots {
			ok, err := store.Exists(ctx, slot)
			if err != nil {
				return err
			}
			out[slot] = ok
		}
		return nil
	})
	return out, err
}

// LoadSalt reads the SD salt from the card. The card is never formatted
// here: a card without a filesystem or without our salt is the wrong card.
func (s *Service) LoadSalt(ctx context.Context) (secret.Blob, error) {
	start := time.Now()
	id, err := s.id.ID(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.card.Ensure(ctx, false); err != nil {
		return nil, fmt.Errorf("salt_load: %w", err)
	}
	if err := s.card.Medium().Mount(ctx); err != nil {
		s.card.Release()
		log.Warn().Err(err).Str("action", "salt_load").Msg("sd card cannot be mounted")
		return nil, fmt.Errorf("salt_load: %w: %w", errs.ErrWrongMedium, err)
	}
	defer s.card.Release()

	store := backupstore.New(s.card.Medium(), backupstore.Layout{Root: s.root, DeviceID: id})
	salt, err := store.Load(ctx, backupstore.SlotSalt)
	if errors.Is(err, errs.ErrNotFound) {
		err = fmt.Errorf("no sd salt on card: %w", errs.ErrWrongMedium)
	}
	if err != nil {
		log.Warn().
			Err(err).
			Str("action", "salt_load").
			Str("dir", store.Layout().Dir()).
			Dur("elapsed_ms", time.Since(start)).
			Msg("failed")
		return nil, fmt.Errorf("salt_load: %w", err)
	}
	log.Debug().
		Str("action", "salt_load").
		Str("dir", store.Layout().Dir()).
		Dur("elapsed_ms", time.Since(start)).
		Msg("OK")
	return salt, nil
}

func (s *Service) put(ctx context.Context, slot backupstore.Slot, blob secret.Blob) error {
	if err := blob.Validate(); err != nil {
		return err
	}
	return s.withStore(ctx, "backup_write", func(store *backupstore.Store) error {
		rotate, err := store.Exists(ctx, slot)
		if err != nil {
			return err
		}
		log.Info().
			Str("action", "backup_write").
			Str("slot", string(slot)).
			Bool("rotate", rotate).
			Str("fingerprint", util.Fingerprint(blob)).
			Msg("writing backup")
		if err := store.Write(ctx, slot, blob, rotate); err != nil {
			return err
		}
		if rotate {
			return store.Commit(ctx, slot)
		}
		return nil
	})
}

// withStore ensures the card, runs fn on a device-scoped store, and
// unmounts afterwards.
func (s *Service) withStore(ctx context.Context, action string, fn func(*backupstore.Store) error) error {
	start := time.Now()
	id, err := s.id.ID(ctx)
	if err != nil {
		return err
	}
	if err := s.card.Ensure(ctx, true); err != nil {
		log.Error().
			Err(err).
			Str("action", action).
			Dur("elapsed_ms", time.Since(start)).
			Msg("sd card unavailable")
		return fmt.Errorf("%s: %w", action, err)
	}
	defer s.card.Release()

	store := backupstore.New(s.card.Medium(), backupstore.Layout{Root: s.root, DeviceID: id})
	if err := fn(store); err != nil {
		log.Error().
			Err(err).
			Str("action", action).
			Str("dir", store.Layout().Dir()).
			Dur("elapsed_ms", time.Since(start)).
			Msg("failed")
		return fmt.Errorf("%s: %w", action, err)
	}
	log.Info().
		Str("action", action).
		Str("dir", store.Layout().Dir()).
		Dur("elapsed_ms", time.Since(start)).
		Msg("OK")
	return nil
}
