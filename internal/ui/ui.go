// Package ui declares the user-interaction collaborators the recovery
// core depends on. Every method blocks until the user responds; a user
// cancel is reported as errs.ErrCancelled, never as a false answer.
package ui

import "context"

// Confirmer shows a dialog identified by a stable id.
type Confirmer interface {
	// Confirm asks a yes/no question.
	Confirm(ctx context.Context, id, title, description string) (bool, error)
	// Warn shows guidance the user acknowledges.
	Warn(ctx context.Context, id, title, description string) error
}

// PinProvider collects PINs.
type PinProvider interface {
	// RequestPinAndSalt asks for the current PIN and returns the SD salt
	// read from the card (nil when the device is not SD-protected).
	RequestPinAndSalt(ctx context.Context, prompt string) (pin string, salt []byte, err error)
	// RequestPinConfirm asks for a new PIN twice and returns it. It runs
	// after the wipe: on a cancel the device is left freshly wiped.
	RequestPinConfirm(ctx context.Context) (string, error)
}

// Mode selects what the word engine does with the entered mnemonic.
type Mode int

const (
	// ModeRestore stores the entered secret into device storage.
	ModeRestore Mode = iota
	// ModeVerify compares the entered secret with device storage.
	ModeVerify
)

func (m Mode) String() string {
	if m == ModeVerify {
		return "verify"
	}
	return "restore"
}

// Outcome is the terminal state of a word-entry run.
type Outcome int

const (
	Completed Outcome = iota
	Aborted
)

func (o Outcome) String() string {
	if o == Aborted {
		return "aborted"
	}
	return "completed"
}

// WordEngine collects or verifies the mnemonic. It must be safe to call
// again after a reboot with only the persisted dry-run value.
type WordEngine interface {
	Run(ctx context.Context, mode Mode, dryRun bool) (Outcome, error)
}
