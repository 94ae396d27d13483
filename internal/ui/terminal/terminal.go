// Package terminal implements the ui collaborators on a line-oriented
// terminal. PINs are read without echo when input is a TTY.
package terminal

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog/log"
	"golang.org/x/term"

	"github.com/Chapsvision-dev/sdseed-recovery/internal/device"
	"github.com/Chapsvision-dev/sdseed-recovery/internal/errs"
	"github.com/Chapsvision-dev/sdseed-recovery/internal/secret"
	"github.com/Chapsvision-dev/sdseed-recovery/internal/ui"
)

const maxPinLen = 50

// mnemonic lengths of BIP-39 and SLIP-39 shares.
var wordCounts = map[int]bool{12: true, 18: true, 20: true, 24: true, 33: true}

// Device is the storage the word engine writes to or checks against.
type Device interface {
	StoreSecret(ctx context.Context, blob secret.Blob, meta device.Metadata) error
	Secret(ctx context.Context) (secret.Blob, error)
	SDProtected(ctx context.Context) (bool, error)
	CheckSDSalt(ctx context.Context, salt secret.Blob) (bool, error)
}

// SaltSource reads the SD salt from the card (see backup.Service).
type SaltSource interface {
	LoadSalt(ctx context.Context) (secret.Blob, error)
}

// Terminal is a Confirmer, PinProvider and WordEngine at once.
type Terminal struct {
	in  *bufio.Reader
	out io.Writer
	fd    int
	dev   Device
	salts SaltSource
}

var (
	_ ui.Confirmer   = (*Terminal)(nil)
	_ ui.PinProvider = (*Terminal)(nil)
	_ ui.WordEngine  = (*Terminal)(nil)
)

// New reads answers from in. fd is the descriptor behind in for hidden
// PIN entry, or -1 to read PINs as plain lines.
func New(in io.Reader, out io.Writer, fd int, dev Device) *Terminal {
	return &Terminal{in: bufio.NewReader(in), out: out, fd: fd, dev: dev}
}

// SetSaltSource wires the card the SD salt is read from. Without one an
// SD-protected device cannot check its PIN.
func (t *Terminal) SetSaltSource(src SaltSource) { t.salts = src }

func (t *Terminal) Confirm(ctx context.Context, id, title, description string) (bool, error) {
	fmt.Fprintf(t.out, "\n== %s ==\n%s\n[y]es / [n]o / [c]ancel: ", title, description)
	line, err := t.readLine(ctx)
	if err != nil {
		return false, err
	}
	log.Debug().Str("action", "ui_confirm").Str("dialog", id).Str("answer", line).Msg("dialog answered")
	switch strings.ToLower(line) {
	case "y", "yes":
		return true, nil
	case "c", "cancel":
		return false, fmt.Errorf("dialog %s: %w", id, errs.ErrCancelled)
	default:
		return false, nil
	}
}

func (t *Terminal) Warn(ctx context.Context, id, title, description string) error {
	fmt.Fprintf(t.out, "\n!! %s !!\n%s\n(press enter) ", title, description)
	_, err := t.readLine(ctx)
	return err
}

// RequestPinAndSalt reads the PIN and, on an SD-protected device, the
// salt from the card. A card whose salt does not match is the wrong card.
func (t *Terminal) RequestPinAndSalt(ctx context.Context, prompt string) (string, []byte, error) {
	pin, err := t.readPin(ctx, prompt)
	if err != nil {
		return "", nil, err
	}
	protected, err := t.dev.SDProtected(ctx)
	if err != nil {
		return "", nil, err
	}
	if !protected {
		return pin, nil, nil
	}
	if t.salts == nil {
		return "", nil, fmt.Errorf("sd salt: no card slot: %w", errs.ErrWrongMedium)
	}
	salt, err := t.salts.LoadSalt(ctx)
	if err != nil {
		return "", nil, err
	}
	ok, err := t.dev.CheckSDSalt(ctx, salt)
	if err != nil {
		salt.Wipe()
		return "", nil, err
	}
	if !ok {
		salt.Wipe()
		log.Warn().Str("action", "ui_sd_salt").Msg("sd salt does not match the device")
		return "", nil, fmt.Errorf("sd salt: %w", errs.ErrWrongMedium)
	}
	return pin, salt, nil
}

func (t *Terminal) RequestPinConfirm(ctx context.Context) (string, error) {
	for {
		first, err := t.readPin(ctx, "Enter new PIN")
		if err != nil {
			return "", err
		}
		if first == "" {
			fmt.Fprintln(t.out, "The PIN must not be empty.")
			continue
		}
		second, err := t.readPin(ctx, "Re-enter new PIN")
		if err != nil {
			return "", err
		}
		if first == second {
			return first, nil
		}
		fmt.Fprintln(t.out, "The PINs you entered do not match.")
	}
}

// Run reads a mnemonic. Restore stores it as the device secret, Verify
// compares it with the stored one. An empty line aborts.
func (t *Terminal) Run(ctx context.Context, mode ui.Mode, dryRun bool) (ui.Outcome, error) {
	var words []string
	for {
		fmt.Fprintf(t.out, "\nEnter your recovery seed (%s, empty line to abort):\n> ", mode)
		line, err := t.readLine(ctx)
		if errs.IsCancelled(err) {
			return ui.Aborted, nil
		}
		if err != nil {
			return ui.Aborted, err
		}
		words = strings.Fields(strings.ToLower(line))
		if len(words) == 0 {
			return ui.Aborted, nil
		}
		if wordCounts[len(words)] {
			break
		}
		fmt.Fprintf(t.out, "Expected 12, 18, 20, 24 or 33 words, got %d.\n", len(words))
	}

	seed := secret.Blob(strings.Join(words, " "))
	defer seed.Wipe()

	if mode == ui.ModeVerify {
		stored, err := t.dev.Secret(ctx)
		if err != nil {
			return ui.Aborted, err
		}
		defer stored.Wipe()
		if !seed.Equal(stored) {
			return ui.Aborted, errs.ErrSeedMismatch
		}
		return ui.Completed, nil
	}

	meta := device.Metadata{Type: device.BackupBip39}
	if len(words) == 20 || len(words) == 33 {
		meta.Type = device.BackupSlip39
	}
	if err := t.dev.StoreSecret(ctx, seed, meta); err != nil {
		return ui.Aborted, err
	}
	return ui.Completed, nil
}

func (t *Terminal) readPin(ctx context.Context, prompt string) (string, error) {
	for {
		fmt.Fprintf(t.out, "%s: ", prompt)
		var pin string
		if t.fd >= 0 && term.IsTerminal(t.fd) {
			if err := ctx.Err(); err != nil {
				return "", err
			}
			b, err := term.ReadPassword(t.fd)
			fmt.Fprintln(t.out)
			if err != nil {
				return "", fmt.Errorf("read pin: %w", err)
			}
			pin = strings.TrimSpace(string(b))
			clear(b)
		} else {
			line, err := t.readLine(ctx)
			if err != nil {
				return "", err
			}
			pin = line
		}
		if validPin(pin) {
			return pin, nil
		}
		fmt.Fprintf(t.out, "A PIN is up to %d digits.\n", maxPinLen)
	}
}

// readLine returns one trimmed line. End of input is a cancellation.
func (t *Terminal) readLine(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	line, err := t.in.ReadString('\n')
	if errors.Is(err, io.EOF) {
		if strings.TrimSpace(line) == "" {
			return "", fmt.Errorf("end of input: %w", errs.ErrCancelled)
		}
		err = nil
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func validPin(pin string) bool {
	if len(pin) > maxPinLen {
		return false
	}
	for _, r := range pin {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
