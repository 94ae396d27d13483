package recovery

import (
	"slices"

	"github.com/Chapsvision-dev/sdseed-recovery/internal/errs"
)

// Request carries the optional fields of a recovery call. A nil field was
// not set by the host.
type Request struct {
	DryRun               *bool
	WordCount            *uint32
	EnforceWordlist      *bool
	Type                 *string
	PinProtection        *bool
	PassphraseProtection *bool
	U2FCounter           *uint32
	Label                *string
}

// Field names as reported by SetFields and ValidationError.
const (
	FieldDryRun               = "dry_run"
	FieldWordCount            = "word_count"
	FieldEnforceWordlist      = "enforce_wordlist"
	FieldType                 = "type"
	FieldPinProtection        = "pin_protection"
	FieldPassphraseProtection = "passphrase_protection"
	FieldU2FCounter           = "u2f_counter"
	FieldLabel                = "label"
)

// dryRunAllowed are the only fields a seed check may carry. Their values
// other than dry_run and enforce_wordlist are ignored.
var dryRunAllowed = []string{FieldDryRun, FieldWordCount, FieldEnforceWordlist, FieldType}

// SetFields lists the non-nil fields in declaration order.
func (r *Request) SetFields() []string {
	if r == nil {
		return nil
	}
	var out []string
	for _, f := range []struct {
		name string
		set  bool
	}{
		{FieldDryRun, r.DryRun != nil},
		{FieldWordCount, r.WordCount != nil},
		{FieldEnforceWordlist, r.EnforceWordlist != nil},
		{FieldType, r.Type != nil},
		{FieldPinProtection, r.PinProtection != nil},
		{FieldPassphraseProtection, r.PassphraseProtection != nil},
		{FieldU2FCounter, r.U2FCounter != nil},
		{FieldLabel, r.Label != nil},
	} {
		if f.set {
			out = append(out, f.name)
		}
	}
	return out
}

func (r *Request) isDryRun() bool {
	return r != nil && r.DryRun != nil && *r.DryRun
}

// validateShape runs the checks that do not need device storage.
func (r *Request) validateShape() error {
	if r != nil && r.EnforceWordlist != nil && !*r.EnforceWordlist {
		return errs.Validation(FieldEnforceWordlist, "must be true, words are always checked against the wordlist")
	}
	return nil
}

// validateDryRun rejects any field outside the dry-run allow-list.
func (r *Request) validateDryRun() error {
	for _, f := range r.SetFields() {
		if !slices.Contains(dryRunAllowed, f) {
			return errs.Validation(f, "forbidden field set in dry-run")
		}
	}
	return nil
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}
