package medium

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strings"
)

// ErrNoFilesystem is returned by Mount when the card carries no readable
// filesystem. Any other Mount/Mkfs error is a generic I/O failure.
var ErrNoFilesystem = errors.New("no filesystem on medium")

// ErrNotMounted is returned by file operations before a successful Mount.
var ErrNotMounted = errors.New("medium not mounted")

// Medium is the contract for removable backup storage. Paths are
// slash-separated and absolute within the medium ("/trezor/...").
// Not-found conditions wrap fs.ErrNotExist.
type Medium interface {
	// Name returns the implementation identifier (e.g. "dir", "azure").
	Name() string

	// Present polls the presence sensor.
	Present(ctx context.Context) bool

	// Mount attaches the existing filesystem.
	Mount(ctx context.Context) error
	// Unmount detaches it; safe to call when not mounted.
	Unmount()
	// Mkfs initialises an empty filesystem, destroying prior content.
	Mkfs(ctx context.Context) error
	// SetLabel sets the volume label on a mounted filesystem.
	SetLabel(ctx context.Context, label string) error

	Mkdir(ctx context.Context, path string, recursive bool) error
	// ReadFile reads at most len(buf) bytes from path into buf.
	ReadFile(ctx context.Context, path string, buf []byte) (int, error)
	// WriteFile replaces the content of path.
	WriteFile(ctx context.Context, path string, data []byte) error
	Unlink(ctx context.Context, path string) error
	Rename(ctx context.Context, src, dst string) error
	// ListDir returns entry names of a directory.
	ListDir(ctx context.Context, path string) ([]string, error)
}

// IsNotExist reports whether err is a not-found condition.
func IsNotExist(err error) bool { return errors.Is(err, fs.ErrNotExist) }

// CleanPath normalises a medium path and rejects relative ones.
func CleanPath(p string) (string, error) {
	if !strings.HasPrefix(p, "/") {
		return "", fmt.Errorf("medium path %q: must be absolute", p)
	}
	return path.Clean(p), nil
}
