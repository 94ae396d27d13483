// Package device is the durable storage of the device: the secret, its
// settings and the PIN verifier. Everything under the "device/" prefix is
// wiped by Reset; the hardware identity is not.
package device

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/argon2"

	"github.com/Chapsvision-dev/sdseed-recovery/internal/secret"
	"github.com/Chapsvision-dev/sdseed-recovery/internal/util"
)

var (
	keyDeviceID    = []byte("hw/device_id")
	prefixDevice   = []byte("device/")
	keyInitialized = []byte("device/initialized")
	keySecret      = []byte("device/secret")
	keyBackupType  = []byte("device/backup_type")
	keyNeedsBackup = []byte("device/needs_backup")
	keyNoBackup    = []byte("device/no_backup")
	keyPassphrase  = []byte("device/passphrase")
	keyU2F         = []byte("device/u2f_counter")
	keyLabel       = []byte("device/label")
	keyPinVerifier = []byte("device/pin_verifier")
	keyPinSalt     = []byte("device/pin_salt")
	keySDSaltTag   = []byte("device/sd_salt_tag")
)

// argon2id parameters for the PIN verifier.
const (
	pinTime    = 2
	pinMemory  = 19 * 1024
	pinThreads = 1
	pinKeyLen  = 32
)

// BackupType of a stored secret.
type BackupType string

const (
	BackupBip39  BackupType = "bip39"
	BackupSlip39 BackupType = "slip39"
)

// Metadata accompanies a stored secret.
type Metadata struct {
	Type        BackupType
	NeedsBackup bool
	NoBackup    bool
}

// Info is a secret-free summary for status output.
type Info struct {
	ID                string
	Initialized       bool
	Label             string
	PassphraseEnabled bool
	U2FCounter        uint32
	PinProtected      bool
	SDProtected       bool
	BackupType        BackupType
	NeedsBackup       bool
}

type Storage struct {
	db *badger.DB
}

func New(db *badger.DB) *Storage { return &Storage{db: db} }

// ID returns the hardware identity, creating it on first use.
func (s *Storage) ID(ctx context.Context) (string, error) {
	var id string
	err := s.db.Update(func(txn *badger.Txn) error {
		v, err := get(txn, keyDeviceID)
		if err != nil {
			return err
		}
		if v != nil {
			id = string(v)
			return nil
		}
		id = uuid.NewString()
		log.Info().Str("action", "device_id").Str("device_id", id).Msg("device identity created")
		return txn.Set(keyDeviceID, []byte(id))
	})
	if err != nil {
		return "", fmt.Errorf("device: id: %w", err)
	}
	return id, nil
}

func (s *Storage) IsInitialized(ctx context.Context) (bool, error) {
	var ok bool
	err := s.db.View(func(txn *badger.Txn) error {
		v, err := get(txn, keyInitialized)
		ok = len(v) == 1 && v[0] == 1
		return err
	})
	if err != nil {
		return false, fmt.Errorf("device: is initialized: %w", err)
	}
	return ok, nil
}

// Reset wipes every device setting and the secret. Idempotent.
func (s *Storage) Reset(ctx context.Context) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefixDevice})
		var keys [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		it.Close()
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("device: reset: %w", err)
	}
	log.Warn().Str("action", "device_reset").Msg("device storage wiped")
	return nil
}

// StoreSecret initialises the device with blob. The caller keeps
// ownership of blob and should wipe it afterwards.
func (s *Storage) StoreSecret(ctx context.Context, blob secret.Blob, meta Metadata) error {
	if err := blob.Validate(); err != nil {
		return err
	}
	if meta.Type == "" {
		meta.Type = BackupBip39
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		for _, kv := range []struct {
			k, v []byte
		}{
			{keySecret, blob.Clone()},
			{keyBackupType, []byte(meta.Type)},
			{keyNeedsBackup, boolByte(meta.NeedsBackup)},
			{keyNoBackup, boolByte(meta.NoBackup)},
			{keyInitialized, boolByte(true)},
		} {
			if err := txn.Set(kv.k, kv.v); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("device: store secret: %w", err)
	}
	log.Info().Str("action", "device_store_secret").Str("type", string(meta.Type)).
		Str("fingerprint", util.Fingerprint(blob)).Msg("secret stored")
	return nil
}

// Secret returns a copy of the stored secret, or nil when uninitialised.
func (s *Storage) Secret(ctx context.Context) (secret.Blob, error) {
	var out secret.Blob
	err := s.db.View(func(txn *badger.Txn) error {
		v, err := get(txn, keySecret)
		out = v
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("device: secret: %w", err)
	}
	return out, nil
}

func (s *Storage) SetPassphraseEnabled(ctx context.Context, enabled bool) error {
	return s.set("passphrase", keyPassphrase, boolByte(enabled))
}

func (s *Storage) SetU2FCounter(ctx context.Context, n uint32) error {
	return s.set("u2f_counter", keyU2F, binary.BigEndian.AppendUint32(nil, n))
}

func (s *Storage) SetLabel(ctx context.Context, label string) error {
	return s.set("label", keyLabel, []byte(label))
}

// SetSDSalt enables SD protection. Only a tag of salt is kept on the
// device; the salt itself lives on the card. A nil salt disables it.
func (s *Storage) SetSDSalt(ctx context.Context, salt secret.Blob) error {
	if len(salt) == 0 {
		err := s.db.Update(func(txn *badger.Txn) error { return txn.Delete(keySDSaltTag) })
		if err != nil {
			return fmt.Errorf("device: clear sd salt: %w", err)
		}
		return nil
	}
	return s.set("sd_salt_tag", keySDSaltTag, sdSaltTag(salt))
}

// SDProtected reports whether PIN checks need the salt from the card.
func (s *Storage) SDProtected(ctx context.Context) (bool, error) {
	var ok bool
	err := s.db.View(func(txn *badger.Txn) error {
		v, err := get(txn, keySDSaltTag)
		ok = v != nil
		return err
	})
	if err != nil {
		return false, fmt.Errorf("device: sd protected: %w", err)
	}
	return ok, nil
}

// CheckSDSalt reports whether salt is the one SD protection was enabled
// with. It is false when SD protection is off.
func (s *Storage) CheckSDSalt(ctx context.Context, salt secret.Blob) (bool, error) {
	var ok bool
	err := s.db.View(func(txn *badger.Txn) error {
		tag, err := get(txn, keySDSaltTag)
		if err != nil || tag == nil {
			return err
		}
		ok = hmac.Equal(tag, sdSaltTag(salt))
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("device: check sd salt: %w", err)
	}
	return ok, nil
}

// ChangePin sets a new PIN; an empty pin removes PIN protection.
func (s *Storage) ChangePin(ctx context.Context, pin string, sdSalt []byte) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		if pin == "" {
			if err := txn.Delete(keyPinVerifier); err != nil {
				return err
			}
			return txn.Delete(keyPinSalt)
		}
		salt := make([]byte, 16)
		if _, err := rand.Read(salt); err != nil {
			return err
		}
		if err := txn.Set(keyPinSalt, salt); err != nil {
			return err
		}
		return txn.Set(keyPinVerifier, pinVerifier(pin, sdSalt, salt))
	})
	if err != nil {
		return fmt.Errorf("device: change pin: %w", err)
	}
	log.Info().Str("action", "device_change_pin").Bool("protected", pin != "").Msg("pin updated")
	return nil
}

// CheckPin compares pin (with the SD salt, if any) against the verifier.
// Without PIN protection only the empty PIN matches.
func (s *Storage) CheckPin(ctx context.Context, pin string, sdSalt []byte) (bool, error) {
	var ok bool
	err := s.db.View(func(txn *badger.Txn) error {
		verifier, err := get(txn, keyPinVerifier)
		if err != nil {
			return err
		}
		if verifier == nil {
			ok = pin == ""
			return nil
		}
		salt, err := get(txn, keyPinSalt)
		if err != nil {
			return err
		}
		ok = subtle.ConstantTimeCompare(verifier, pinVerifier(pin, sdSalt, salt)) == 1
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("device: check pin: %w", err)
	}
	return ok, nil
}

// Info summarises the device without exposing secrets.
func (s *Storage) Info(ctx context.Context) (Info, error) {
	id, err := s.ID(ctx)
	if err != nil {
		return Info{}, err
	}
	info := Info{ID: id}
	err = s.db.View(func(txn *badger.Txn) error {
		vals := map[string][]byte{}
		for name, k := range map[string][]byte{
			"init": keyInitialized, "label": keyLabel, "pass": keyPassphrase, "u2f": keyU2F,
			"pin": keyPinVerifier, "sd": keySDSaltTag, "type": keyBackupType, "needs": keyNeedsBackup,
		} {
			v, err := get(txn, k)
			if err != nil {
				return err
			}
			vals[name] = v
		}
		info.Initialized = isTrue(vals["init"])
		info.Label = string(vals["label"])
		info.PassphraseEnabled = isTrue(vals["pass"])
		if len(vals["u2f"]) == 4 {
			info.U2FCounter = binary.BigEndian.Uint32(vals["u2f"])
		}
		info.PinProtected = vals["pin"] != nil
		info.SDProtected = vals["sd"] != nil
		info.BackupType = BackupType(vals["type"])
		info.NeedsBackup = isTrue(vals["needs"])
		return nil
	})
	if err != nil {
		return Info{}, fmt.Errorf("device: info: %w", err)
	}
	return info, nil
}

func (s *Storage) set(name string, key, val []byte) error {
	err := s.db.Update(func(txn *badger.Txn) error { return txn.Set(key, val) })
	if err != nil {
		return fmt.Errorf("device: set %s: %w", name, err)
	}
	log.Debug().Str("action", "device_set").Str("field", name).Msg("setting stored")
	return nil
}

func sdSaltTag(salt []byte) []byte {
	mac := hmac.New(sha256.New, salt)
	mac.Write([]byte("sd_salt_auth"))
	return mac.Sum(nil)
}

func pinVerifier(pin string, sdSalt, salt []byte) []byte {
	material := append([]byte(pin), sdSalt...)
	defer clear(material)
	return argon2.IDKey(material, salt, pinTime, pinMemory, pinThreads, pinKeyLen)
}

// get returns a copy of the value, nil when the key is absent.
func get(txn *badger.Txn, key []byte) ([]byte, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return item.ValueCopy(nil)
}

func boolByte(b bool) []byte {
	if b {
		return []byte{1}
	}
	return []byte{0}
}

func isTrue(v []byte) bool { return len(v) == 1 && v[0] == 1 }
