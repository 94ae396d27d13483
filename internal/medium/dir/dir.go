// Package dir emulates a removable card with a host directory.
//
// The slot directory stands for the card reader: the card is present
// while the directory exists. A formatted card carries a ".volume" file
// holding the label, and its filesystem content lives under "fs/".
package dir

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/Chapsvision-dev/sdseed-recovery/internal/config"
	"github.com/Chapsvision-dev/sdseed-recovery/internal/medium"
)

const (
	volumeFile = ".volume"
	fsDir      = "fs"
)

type Card struct {
	slot string

	mu      sync.Mutex
	mounted bool
}

// New returns a card bound to the slot directory.
func New(slot string) *Card {
	return &Card{slot: filepath.Clean(slot)}
}

func init() {
	medium.Register("dir", func(cfg any) (medium.Medium, error) {
		c, ok := cfg.(config.Config)
		if !ok {
			return nil, fmt.Errorf("dir: invalid config type")
		}
		if strings.TrimSpace(c.Card.Path) == "" {
			return nil, errors.New("dir: SD_CARD_PATH is required")
		}
		return New(c.Card.Path), nil
	})
}

func (c *Card) Name() string { return "dir" }

func (c *Card) Present(ctx context.Context) bool {
	st, err := os.Stat(c.slot)
	return err == nil && st.IsDir()
}

func (c *Card) Mount(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.Present(ctx) {
		return fmt.Errorf("mount %s: card not present", c.slot)
	}
	if _, err := os.Stat(filepath.Join(c.slot, volumeFile)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return medium.ErrNoFilesystem
		}
		return fmt.Errorf("mount: %w", err)
	}
	if st, err := os.Stat(filepath.Join(c.slot, fsDir)); err != nil || !st.IsDir() {
		return medium.ErrNoFilesystem
	}
	c.mounted = true
	log.Debug().Str("action", "medium_mount").Str("medium", "dir").Str("slot", c.slot).Msg("mounted")
	return nil
}

func (c *Card) Unmount() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mounted = false
}

func (c *Card) Mkfs(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.Present(ctx) {
		return fmt.Errorf("mkfs %s: card not present", c.slot)
	}
	c.mounted = false
	// Drop the volume marker first so an interrupted format reads as "no filesystem".
	if err := os.Remove(filepath.Join(c.slot, volumeFile)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("mkfs: %w", err)
	}
	if err := os.RemoveAll(filepath.Join(c.slot, fsDir)); err != nil {
		return fmt.Errorf("mkfs: %w", err)
	}
	if err := os.Mkdir(filepath.Join(c.slot, fsDir), 0o700); err != nil {
		return fmt.Errorf("mkfs: %w", err)
	}
	if err := writeSync(filepath.Join(c.slot, volumeFile), nil); err != nil {
		return fmt.Errorf("mkfs: %w", err)
	}
	log.Info().Str("action", "medium_mkfs").Str("medium", "dir").Str("slot", c.slot).Msg("card formatted")
	return nil
}

func (c *Card) SetLabel(ctx context.Context, label string) error {
	if err := c.ready(ctx); err != nil {
		return err
	}
	return writeSync(filepath.Join(c.slot, volumeFile), []byte(label))
}

func (c *Card) Mkdir(ctx context.Context, p string, recursive bool) error {
	host, err := c.host(ctx, p)
	if err != nil {
		return err
	}
	if recursive {
		return os.MkdirAll(host, 0o700)
	}
	return os.Mkdir(host, 0o700)
}

func (c *Card) ReadFile(ctx context.Context, p string, buf []byte) (int, error) {
	host, err := c.host(ctx, p)
	if err != nil {
		return 0, err
	}
	f, err := os.Open(host)
	if err != nil {
		return 0, err
	}
	defer func() { _ = f.Close() }()
	n, err := io.ReadFull(f, buf)
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		err = nil
	}
	return n, err
}

func (c *Card) WriteFile(ctx context.Context, p string, data []byte) error {
	host, err := c.host(ctx, p)
	if err != nil {
		return err
	}
	return writeSync(host, data)
}

func (c *Card) Unlink(ctx context.Context, p string) error {
	host, err := c.host(ctx, p)
	if err != nil {
		return err
	}
	return os.Remove(host)
}

func (c *Card) Rename(ctx context.Context, src, dst string) error {
	hs, err := c.host(ctx, src)
	if err != nil {
		return err
	}
	hd, err := c.host(ctx, dst)
	if err != nil {
		return err
	}
	if err := os.Rename(hs, hd); err != nil {
		return err
	}
	return syncDir(filepath.Dir(hd))
}

func (c *Card) ListDir(ctx context.Context, p string) ([]string, error) {
	host, err := c.host(ctx, p)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(host)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Name())
	}
	return out, nil
}

func (c *Card) ready(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.Present(ctx) {
		c.mounted = false
		return fmt.Errorf("card removed from %s", c.slot)
	}
	if !c.mounted {
		return medium.ErrNotMounted
	}
	return nil
}

// host maps a medium path to the host filesystem, refusing escapes.
func (c *Card) host(ctx context.Context, p string) (string, error) {
	if err := c.ready(ctx); err != nil {
		return "", err
	}
	clean, err := medium.CleanPath(p)
	if err != nil {
		return "", err
	}
	return filepath.Join(c.slot, fsDir, filepath.FromSlash(clean)), nil
}

func writeSync(name string, data []byte) error {
	f, err := os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer func() { _ = d.Close() }()
	if err := d.Sync(); err != nil {
		log.Debug().Err(err).Str("action", "medium_sync_dir").Str("dir", dir).Msg("directory sync unsupported")
	}
	return nil
}
