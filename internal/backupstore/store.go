// Package backupstore keeps one secret per slot on a removable medium so
// that an interrupted write never leaves a partial value authoritative.
//
// Each slot has a committed file and, while a rotation is in flight, a
// staging file next to it. Only the committed file is read as the value.
// Commit unlinks the committed file and renames staging onto it; the
// rename is the single point where a new value becomes authoritative.
// A Load that finds only staging finishes that commit.
package backupstore

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Chapsvision-dev/sdseed-recovery/internal/errs"
	"github.com/Chapsvision-dev/sdseed-recovery/internal/medium"
	"github.com/Chapsvision-dev/sdseed-recovery/internal/secret"
	"github.com/Chapsvision-dev/sdseed-recovery/internal/util"
)

// Slot names one backed-up secret.
type Slot string

const (
	SlotSeed Slot = "seed"
	SlotSalt Slot = "salt"
)

// Slots lists every slot in display order.
var Slots = []Slot{SlotSeed, SlotSalt}

const stagingSuffix = ".tmp"

// Layout scopes backups under <Root>/<DeviceID>/.
type Layout struct {
	Root     string
	DeviceID string
}

// Dir is the device-scoped backup directory.
func (l Layout) Dir() string { return path.Join(l.Root, l.DeviceID) }

// Committed is the authoritative path of slot.
func (l Layout) Committed(s Slot) string { return path.Join(l.Dir(), string(s)) }

// Staging is the in-flight path of slot.
func (l Layout) Staging(s Slot) string { return l.Committed(s) + stagingSuffix }

type Store struct {
	m      medium.Medium
	layout Layout
}

// New returns a store on a mounted medium.
func New(m medium.Medium, layout Layout) *Store {
	return &Store{m: m, layout: layout}
}

// Layout returns the paths used by the store.
func (s *Store) Layout() Layout { return s.layout }

// Write stores blob at the staging path when staged, else straight at the
// committed path (first backup, nothing to protect yet).
func (s *Store) Write(ctx context.Context, slot Slot, blob secret.Blob, staged bool) error {
	rec, err := blob.Record()
	if err != nil {
		return err
	}
	defer clear(rec)

	target := s.layout.Committed(slot)
	if staged {
		target = s.layout.Staging(slot)
	}
	if err := s.m.Mkdir(ctx, s.layout.Dir(), true); err != nil {
		return errs.Filesystem("mkdir", s.layout.Dir(), err)
	}
	start := time.Now()
	if err := s.m.WriteFile(ctx, target, rec); err != nil {
		return errs.Filesystem("write", target, err)
	}
	log.Debug().Str("action", "backup_write").Str("slot", string(slot)).Str("path", target).
		Bool("staged", staged).Str("fingerprint", util.Fingerprint(blob)).
		Dur("elapsed_ms", time.Since(start)).Msg("backup written")
	return nil
}

// Commit promotes the staged value. Without a staged value nothing is
// touched and errs.ErrNotFound is returned.
func (s *Store) Commit(ctx context.Context, slot Slot) error {
	staging := s.layout.Staging(slot)
	found, err := s.exists(ctx, staging)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: nothing staged for %s", errs.ErrNotFound, slot)
	}
	return s.promote(ctx, slot)
}

// promote is the unlink-then-rename pair. Do not reorder.
func (s *Store) promote(ctx context.Context, slot Slot) error {
	committed, staging := s.layout.Committed(slot), s.layout.Staging(slot)
	if err := s.m.Unlink(ctx, committed); err != nil && !medium.IsNotExist(err) {
		return errs.Filesystem("unlink", committed, err)
	}
	if err := s.m.Rename(ctx, staging, committed); err != nil {
		return errs.Filesystem("rename", staging, err)
	}
	log.Info().Str("action", "backup_commit").Str("slot", string(slot)).Str("path", committed).Msg("backup committed")
	return nil
}

// Load returns the committed value of slot. A leftover staging file next
// to a committed one is an uncommitted write and is scrubbed; a staging
// file alone is an interrupted commit and is promoted first.
func (s *Store) Load(ctx context.Context, slot Slot) (secret.Blob, error) {
	committed, staging := s.layout.Committed(slot), s.layout.Staging(slot)

	blob, err := s.read(ctx, committed)
	if err == nil {
		if serr := s.scrub(ctx, staging); serr != nil {
			log.Warn().Err(serr).Str("action", "backup_load").Str("path", staging).Msg("stale staging file left in place")
		}
		return blob, nil
	}
	if !errors.Is(err, errs.ErrNotFound) {
		return nil, err
	}

	blob, err = s.read(ctx, staging)
	if err == nil {
		log.Warn().Str("action", "backup_load").Str("slot", string(slot)).Msg("finishing interrupted commit")
		if err := s.promote(ctx, slot); err != nil {
			blob.Wipe()
			return nil, err
		}
		return blob, nil
	}
	if !errors.Is(err, errs.ErrNotFound) {
		return nil, err
	}

	if other, werr := s.foreignBackup(ctx, slot); werr != nil {
		return nil, werr
	} else if other != "" {
		log.Warn().Str("action", "backup_load").Str("slot", string(slot)).Str("found_device", other).
			Str("device", s.layout.DeviceID).Msg("backup belongs to another device")
		return nil, errs.ErrWrongMedium
	}
	return nil, errs.ErrNotFound
}

// Exists reports whether slot has a committed or staged value.
func (s *Store) Exists(ctx context.Context, slot Slot) (bool, error) {
	for _, p := range []string{s.layout.Committed(slot), s.layout.Staging(slot)} {
		ok, err := s.exists(ctx, p)
		if err != nil || ok {
			return ok, err
		}
	}
	return false, nil
}

// Remove overwrites and deletes both files of slot.
func (s *Store) Remove(ctx context.Context, slot Slot) error {
	if err := s.scrub(ctx, s.layout.Committed(slot)); err != nil {
		return err
	}
	if err := s.scrub(ctx, s.layout.Staging(slot)); err != nil {
		return err
	}
	log.Info().Str("action", "backup_remove").Str("slot", string(slot)).Msg("backup removed")
	return nil
}

// scrub zero-fills p before unlinking it. A missing file is fine.
func (s *Store) scrub(ctx context.Context, p string) error {
	found, err := s.exists(ctx, p)
	if err != nil || !found {
		return err
	}
	if err := s.m.WriteFile(ctx, p, make([]byte, secret.MaxLen)); err != nil {
		return errs.Filesystem("overwrite", p, err)
	}
	if err := s.m.Unlink(ctx, p); err != nil && !medium.IsNotExist(err) {
		return errs.Filesystem("unlink", p, err)
	}
	return nil
}

// read loads one record. Missing and all-padding files are ErrNotFound.
func (s *Store) read(ctx context.Context, p string) (secret.Blob, error) {
	buf := make([]byte, secret.MaxLen)
	defer clear(buf)
	n, err := s.m.ReadFile(ctx, p, buf)
	if err != nil {
		if medium.IsNotExist(err) {
			return nil, errs.ErrNotFound
		}
		return nil, errs.Filesystem("read", p, err)
	}
	blob := secret.FromRecord(buf[:n])
	if blob == nil {
		return nil, errs.ErrNotFound
	}
	return blob, nil
}

func (s *Store) exists(ctx context.Context, p string) (bool, error) {
	blob, err := s.read(ctx, p)
	if err == nil {
		blob.Wipe()
		return true, nil
	}
	if errors.Is(err, errs.ErrNotFound) {
		return false, nil
	}
	return false, err
}

// foreignBackup returns the id of another device directory holding slot.
func (s *Store) foreignBackup(ctx context.Context, slot Slot) (string, error) {
	entries, err := s.m.ListDir(ctx, s.layout.Root)
	if err != nil {
		if medium.IsNotExist(err) {
			return "", nil
		}
		return "", errs.Filesystem("list", s.layout.Root, err)
	}
	for _, e := range entries {
		if e == s.layout.DeviceID || strings.HasPrefix(e, ".") {
			continue
		}
		other := Layout{Root: s.layout.Root, DeviceID: e}
		for _, p := range []string{other.Committed(slot), other.Staging(slot)} {
			found, err := s.exists(ctx, p)
			if err != nil {
				// A plain file at the root reads as "not a directory"; skip it.
				log.Debug().Err(err).Str("action", "backup_scan").Str("path", p).Msg("skipping entry")
				continue
			}
			if found {
				return e, nil
			}
		}
	}
	return "", nil
}
