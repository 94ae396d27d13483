package main

import (
	"context"
	"crypto/rand"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/Chapsvision-dev/sdseed-recovery/internal/backup"
	"github.com/Chapsvision-dev/sdseed-recovery/internal/backupstore"
	"github.com/Chapsvision-dev/sdseed-recovery/internal/config"
	"github.com/Chapsvision-dev/sdseed-recovery/internal/device"
	"github.com/Chapsvision-dev/sdseed-recovery/internal/errs"
	"github.com/Chapsvision-dev/sdseed-recovery/internal/logx"
	"github.com/Chapsvision-dev/sdseed-recovery/internal/medium"
	"github.com/Chapsvision-dev/sdseed-recovery/internal/persist"
	"github.com/Chapsvision-dev/sdseed-recovery/internal/recovery"
	"github.com/Chapsvision-dev/sdseed-recovery/internal/sdcard"
	"github.com/Chapsvision-dev/sdseed-recovery/internal/secret"
	"github.com/Chapsvision-dev/sdseed-recovery/internal/state"
	"github.com/Chapsvision-dev/sdseed-recovery/internal/ui"
	"github.com/Chapsvision-dev/sdseed-recovery/internal/ui/terminal"
	"github.com/Chapsvision-dev/sdseed-recovery/internal/version"

	_ "github.com/Chapsvision-dev/sdseed-recovery/internal/medium/azure"
	_ "github.com/Chapsvision-dev/sdseed-recovery/internal/medium/dir"
	_ "github.com/Chapsvision-dev/sdseed-recovery/internal/medium/memcard"
)

// Test seams, overridden in unit tests. Keep signatures in sync with packages.
var (
	loadConfig  func() (config.Config, error)                     = config.Load
	newMedium   func(name string, cfg any) (medium.Medium, error) = medium.New
	openState   func(dir string) (*badger.DB, error)              = state.Open
	newTerminal func(dev terminal.Device) *terminal.Terminal      = stdioTerminal
	exit        func(int)                                         = os.Exit
)

const usage = `
Usage:
  sdrecovery init                      load a mnemonic into an empty device, offer an SD backup
  sdrecovery backup                    back up the device seed (and SD salt) to the card
  sdrecovery sd-protect                create an SD salt, back it up and bind it to the PIN
  sdrecovery recover [flags]           recover a wallet, or check the seed with -dry-run
  sdrecovery boot                      resume an interrupted recovery, else show the home screen
  sdrecovery wipe                      wipe the device
  sdrecovery erase-backup              overwrite and remove the backup on the card
  sdrecovery status                    show device and recovery state
  sdrecovery version | --version | -v
  sdrecovery help    | --help    | -h

Recover flags (unset flags are not sent):
  -dry-run -word-count N -enforce-wordlist -type T
  -pin -passphrase -u2f-counter N -label L

Notes:
  - Device storage lives in SDRECOVERY_STATE_DIR (default ./state).
  - The card is selected with SD_MEDIUM (dir|azure|mem, default dir); the dir
    medium treats SD_CARD_PATH as the card slot (present while it exists).
`

// exitCancelled is returned when the user cancels a dialog.
const exitCancelled = 3

var errUsage = errors.New("usage")

// main wires CLI -> config -> medium + device storage -> workflows.
// Exit codes: 0 success, 1 runtime error, 2 usage error, 3 cancelled.
func main() {
	_ = godotenv.Load() // best-effort
	logx.InitFromEnv()

	args := os.Args[1:]
	if len(args) < 1 {
		fmt.Print(usage)
		exit(2)
	}
	action := strings.ToLower(args[0])

	if action == "version" || action == "--version" || action == "-v" {
		fmt.Println(version.String())
		exit(0)
	}
	if action == "help" || action == "--help" || action == "-h" {
		fmt.Print(usage)
		exit(0)
	}

	cfg, err := loadConfig()
	if err != nil {
		log.Error().Err(err).Msg("config error")
		exit(1)
	}

	m, err := newMedium(cfg.Medium, cfg)
	if err != nil {
		log.Error().Err(err).Str("medium", cfg.Medium).Msg("medium init error")
		exit(1)
	}

	db, err := openState(cfg.StateDir)
	if err != nil {
		log.Error().Err(err).Str("dir", cfg.StateDir).Msg("device storage error")
		exit(1)
	}

	a := newApp(cfg, db, m)
	ctx := withSignals(context.Background())

	start := time.Now()
	err = a.dispatch(ctx, action, args[1:])
	_ = db.Close()

	if errors.Is(err, errUsage) {
		fmt.Print(usage)
		exit(2)
	}
	if err != nil {
		log.Error().Err(err).Str("action", action).Dur("elapsed_ms", time.Since(start)).Msg("command failed")
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		exit(exitCode(err))
	}
	log.Debug().Str("action", action).Dur("elapsed_ms", time.Since(start)).Msg("command OK")
	exit(0)
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errs.IsCancelled(err), errors.Is(err, context.Canceled):
		return exitCancelled
	default:
		return 1
	}
}

type app struct {
	cfg  config.Config
	dev  *device.Storage
	flag *persist.Flag
	card *sdcard.Ensurer
	term *terminal.Terminal
}

func newApp(cfg config.Config, db *badger.DB, m medium.Medium) *app {
	dev := device.New(db)
	term := newTerminal(dev)
	card := sdcard.New(m, term, cfg.Card.VolumeLabel, cfg.RetryOptions())
	term.SetSaltSource(backup.New(card, dev, cfg.Card.BackupRoot))
	return &app{
		cfg:  cfg,
		dev:  dev,
		flag: persist.New(db),
		card: card,
		term: term,
	}
}

func (a *app) dispatch(ctx context.Context, action string, args []string) error {
	switch action {
	case "init":
		return a.initDevice(ctx)
	case "backup":
		return a.backup(ctx)
	case "sd-protect":
		return a.sdProtect(ctx)
	case "recover":
		req, err := parseRecoverFlags(args)
		if err != nil {
			return err
		}
		return a.recover(ctx, req)
	case "boot":
		return a.boot(ctx)
	case "wipe":
		return a.wipe(ctx)
	case "erase-backup":
		return a.eraseBackup(ctx)
	case "status":
		return a.status(ctx)
	default:
		return errUsage
	}
}

func (a *app) session() *recovery.Session {
	return recovery.New(recovery.Deps{
		Flag:       a.flag,
		Device:     a.dev,
		Card:       a.card,
		BackupRoot: a.cfg.Card.BackupRoot,
		UI:         a.term,
		Pins:       a.term,
		Words:      a.term,
	})
}

func (a *app) backups() *backup.Service {
	return backup.New(a.card, a.dev, a.cfg.Card.BackupRoot)
}

func (a *app) initDevice(ctx context.Context) error {
	ok, err := a.dev.IsInitialized(ctx)
	if err != nil {
		return err
	}
	if ok {
		return errs.Precondition("already initialized")
	}
	// The device id is created here so backups are scoped from the start.
	if _, err := a.dev.ID(ctx); err != nil {
		return err
	}
	outcome, err := a.term.Run(ctx, ui.ModeRestore, false)
	if err != nil {
		return err
	}
	if outcome == ui.Aborted {
		return fmt.Errorf("seed entry aborted: %w", errs.ErrCancelled)
	}
	fmt.Println("Device initialized")

	if !a.card.Present(ctx) {
		return nil
	}
	yes, err := a.term.Confirm(ctx, "sd_backup", "SD card backup", "Do you want to back up the seed to the SD card?")
	if err != nil || !yes {
		return err
	}
	return a.backup(ctx)
}

func (a *app) backup(ctx context.Context) error {
	seed, err := a.dev.Secret(ctx)
	if err != nil {
		return err
	}
	if seed == nil {
		return errs.Precondition("device is not initialized")
	}
	defer seed.Wipe()

	svc := a.backups()
	if err := svc.Backup(ctx, seed); err != nil {
		return err
	}
	ok, err := svc.Verify(ctx, seed)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("backup verification failed")
	}
	fmt.Println("Seed backed up to SD card")
	return nil
}

// sdProtect binds a fresh SD salt to the current PIN. The salt reaches
// the card before the device switches to it.
func (a *app) sdProtect(ctx context.Context) error {
	ok, err := a.dev.IsInitialized(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return errs.Precondition("device is not initialized")
	}
	pin, oldSalt, err := a.term.RequestPinAndSalt(ctx, "Enter PIN")
	if err != nil {
		return err
	}
	if pin == "" {
		return errs.Precondition("SD protection requires a PIN")
	}
	if ok, err := a.dev.CheckPin(ctx, pin, oldSalt); err != nil {
		return err
	} else if !ok {
		return errs.ErrPinInvalid
	}

	salt := make(secret.Blob, 32)
	if _, err := rand.Read(salt); err != nil {
		return err
	}
	// A trailing NUL would not survive the record padding.
	salt[len(salt)-1] |= 1
	defer salt.Wipe()

	if err := a.backups().BackupSalt(ctx, salt); err != nil {
		return err
	}
	if err := a.dev.SetSDSalt(ctx, salt); err != nil {
		return err
	}
	if err := a.dev.ChangePin(ctx, pin, salt); err != nil {
		return err
	}
	fmt.Println("SD protection enabled")
	return nil
}

func (a *app) recover(ctx context.Context, req *recovery.Request) error {
	res, err := a.session().Run(ctx, req)
	if err != nil {
		return err
	}
	fmt.Println(res.Message)
	return nil
}

// boot is what the device runs on power-up: the recovery flow when it
// is the default entry, the home screen otherwise.
func (a *app) boot(ctx context.Context) error {
	entry, err := a.flag.DefaultEntry(ctx)
	if err != nil {
		return err
	}
	if entry != persist.EntryRecovery {
		info, err := a.dev.Info(ctx)
		if err != nil {
			return err
		}
		if info.Initialized {
			fmt.Printf("Home screen: %s\n", labelOr(info.Label, "My Trezor"))
		} else {
			fmt.Println("Home screen: not initialized")
		}
		return nil
	}
	res, err := a.session().Resume(ctx)
	if err != nil {
		return err
	}
	fmt.Println(res.Message)
	return nil
}

func (a *app) wipe(ctx context.Context) error {
	yes, err := a.term.Confirm(ctx, "wipe_device", "Wipe device", "Do you really want to wipe the device? All data will be lost.")
	if err != nil {
		return err
	}
	if !yes {
		return fmt.Errorf("wipe declined: %w", errs.ErrCancelled)
	}
	if err := a.dev.Reset(ctx); err != nil {
		return err
	}
	if err := a.flag.Clear(ctx); err != nil {
		return err
	}
	fmt.Println("Device wiped")
	return nil
}

func (a *app) eraseBackup(ctx context.Context) error {
	yes, err := a.term.Confirm(ctx, "sd_erase", "Erase SD backup", "Do you really want to erase the seed backup on the SD card?")
	if err != nil {
		return err
	}
	if !yes {
		return fmt.Errorf("erase declined: %w", errs.ErrCancelled)
	}
	if err := a.backups().Erase(ctx); err != nil {
		return err
	}
	fmt.Println("SD backup erased")
	return nil
}

func (a *app) status(ctx context.Context) error {
	info, err := a.dev.Info(ctx)
	if err != nil {
		return err
	}
	st, err := a.flag.Get(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("device_id:          %s\n", info.ID)
	fmt.Printf("initialized:        %t\n", info.Initialized)
	fmt.Printf("label:              %s\n", info.Label)
	fmt.Printf("pin_protection:     %t\n", info.PinProtected)
	fmt.Printf("sd_protection:      %t\n", info.SDProtected)
	fmt.Printf("passphrase:         %t\n", info.PassphraseEnabled)
	fmt.Printf("u2f_counter:        %d\n", info.U2FCounter)
	fmt.Printf("backup_type:        %s\n", info.BackupType)
	fmt.Printf("recovery_progress:  %t (dry_run=%t)\n", st.InProgress, st.DryRun)
	present := a.card.Present(ctx)
	fmt.Printf("medium:             %s (present=%t)\n", a.card.Medium().Name(), present)
	if !present {
		return nil
	}
	slots, err := a.backups().Present(ctx)
	if err != nil {
		return err
	}
	for _, slot := range backupstore.Slots {
		fmt.Printf("%-20s%t\n", "sd_"+string(slot)+":", slots[slot])
	}
	return nil
}

// parseRecoverFlags maps explicitly passed flags onto the request; flags
// left out stay nil.
func parseRecoverFlags(args []string) (*recovery.Request, error) {
	fs := flag.NewFlagSet("recover", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	var (
		dryRun, enforce, pin, passphrase bool
		wordCount, u2f                   uint32
		typ, label                       string
	)
	fs.BoolVar(&dryRun, "dry-run", false, "check the seed instead of recovering")
	fs.Func("word-count", "number of words", uint32Flag(&wordCount))
	fs.BoolVar(&enforce, "enforce-wordlist", true, "must be true")
	fs.StringVar(&typ, "type", "", "recovery input method")
	fs.BoolVar(&pin, "pin", false, "set up a PIN after the wipe")
	fs.BoolVar(&passphrase, "passphrase", false, "enable passphrase protection")
	fs.Func("u2f-counter", "initial U2F counter", uint32Flag(&u2f))
	fs.StringVar(&label, "label", "", "device label")
	if err := fs.Parse(args); err != nil {
		return nil, errUsage
	}
	if fs.NArg() > 0 {
		return nil, errUsage
	}

	req := &recovery.Request{}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "dry-run":
			req.DryRun = &dryRun
		case "word-count":
			req.WordCount = &wordCount
		case "enforce-wordlist":
			req.EnforceWordlist = &enforce
		case "type":
			req.Type = &typ
		case "pin":
			req.PinProtection = &pin
		case "passphrase":
			req.PassphraseProtection = &passphrase
		case "u2f-counter":
			req.U2FCounter = &u2f
		case "label":
			req.Label = &label
		}
	})
	return req, nil
}

// uint32Flag parses a decimal uint32; out-of-range values are rejected.
func uint32Flag(dst *uint32) func(string) error {
	return func(v string) error {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return err
		}
		*dst = uint32(n)
		return nil
	}
}

func labelOr(label, def string) string {
	if strings.TrimSpace(label) == "" {
		return def
	}
	return label
}

func stdioTerminal(dev terminal.Device) *terminal.Terminal {
	return terminal.New(os.Stdin, os.Stdout, int(os.Stdin.Fd()), dev)
}

func withSignals(parent context.Context) context.Context {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		<-ch
		cancel()
	}()
	return ctx
}
