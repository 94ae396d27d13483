// Package secret holds seed and salt material in memory and converts it
// to and from the fixed-size record written on the backup medium.
package secret

import (
	"bytes"
	"crypto/subtle"

	"github.com/Chapsvision-dev/sdseed-recovery/internal/errs"
)

// MaxLen is the size of an on-medium record and the longest secret accepted.
const MaxLen = 512

// Blob is an opaque seed or salt. Call Wipe once it has been consumed.
type Blob []byte

// Clone copies b so the caller can wipe its own buffer independently.
func (b Blob) Clone() Blob {
	if b == nil {
		return nil
	}
	return append(Blob(nil), b...)
}

// Wipe zeroes the backing array.
func (b Blob) Wipe() {
	clear(b)
}

// Equal compares in constant time for equal lengths.
func (b Blob) Equal(other Blob) bool {
	return len(b) == len(other) && subtle.ConstantTimeCompare(b, other) == 1
}

// Validate checks that b fits a record and survives padding round-trip.
func (b Blob) Validate() error {
	switch {
	case len(b) == 0:
		return errs.Validation("secret", "empty")
	case len(b) > MaxLen:
		return errs.Validation("secret", "longer than 512 bytes")
	case b[len(b)-1] == 0:
		return errs.Validation("secret", "must not end with a NUL byte")
	}
	return nil
}

// Record returns b padded with NUL bytes to MaxLen.
func (b Blob) Record() ([]byte, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}
	rec := make([]byte, MaxLen)
	copy(rec, b)
	return rec, nil
}

// FromRecord trims the NUL padding of rec and returns a fresh Blob.
// rec itself is not retained.
func FromRecord(rec []byte) Blob {
	trimmed := bytes.TrimRight(rec, "\x00")
	if len(trimmed) == 0 {
		return nil
	}
	return append(Blob(nil), trimmed...)
}
