// Package persist records recovery-session progress in durable device
// storage. RecoverySession is its only writer; every recovery entry reads
// it first.
package persist

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog/log"
)

var (
	keyInProgress   = []byte("recovery/in_progress")
	keyDryRun       = []byte("recovery/dry_run")
	keyDefaultEntry = []byte("recovery/default_entry")
)

// EntryRecovery is the default entry point while a recovery is in progress.
const EntryRecovery = "recovery"

// State is the persisted session record. InProgress is true only between
// the irreversible wipe and the end of word entry.
type State struct {
	InProgress bool
	DryRun     bool
}

// Flag is the durable handle. Set and Clear return only after the
// database has synced the write.
type Flag struct {
	db *badger.DB
}

func New(db *badger.DB) *Flag { return &Flag{db: db} }

// Get reads the current state; a fresh device reads as the zero State.
func (f *Flag) Get(ctx context.Context) (State, error) {
	var st State
	err := f.db.View(func(txn *badger.Txn) error {
		var err error
		if st.InProgress, err = getBool(txn, keyInProgress); err != nil {
			return err
		}
		st.DryRun, err = getBool(txn, keyDryRun)
		return err
	})
	if err != nil {
		return State{}, fmt.Errorf("persist: get: %w", err)
	}
	return st, nil
}

// Set writes both fields in one transaction. The boot entry switches to
// recovery in the same transaction while a session is in progress.
func (f *Flag) Set(ctx context.Context, st State) error {
	err := f.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(keyInProgress, boolByte(st.InProgress)); err != nil {
			return err
		}
		if err := txn.Set(keyDryRun, boolByte(st.DryRun)); err != nil {
			return err
		}
		if st.InProgress {
			return txn.Set(keyDefaultEntry, []byte(EntryRecovery))
		}
		return txn.Delete(keyDefaultEntry)
	})
	if err != nil {
		return fmt.Errorf("persist: set: %w", err)
	}
	log.Info().Str("action", "recovery_flag_set").Bool("in_progress", st.InProgress).
		Bool("dry_run", st.DryRun).Msg("recovery state persisted")
	return nil
}

// Clear ends the session and drops the default entry override.
func (f *Flag) Clear(ctx context.Context) error {
	err := f.db.Update(func(txn *badger.Txn) error {
		for _, k := range [][]byte{keyInProgress, keyDryRun, keyDefaultEntry} {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("persist: clear: %w", err)
	}
	log.Info().Str("action", "recovery_flag_clear").Msg("recovery state cleared")
	return nil
}

// DefaultEntry returns the boot entry override, or "" for the home screen.
func (f *Flag) DefaultEntry(ctx context.Context) (string, error) {
	var entry string
	err := f.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(keyDefaultEntry)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		v, err := item.ValueCopy(nil)
		entry = string(v)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("persist: default entry: %w", err)
	}
	return entry, nil
}

func getBool(txn *badger.Txn, key []byte) (bool, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	v, err := item.ValueCopy(nil)
	if err != nil {
		return false, err
	}
	return len(v) == 1 && v[0] == 1, nil
}

func boolByte(b bool) []byte {
	if b {
		return []byte{1}
	}
	return []byte{0}
}
