// Package memcard is an in-memory removable card with fault injection.
// It backs the crash-interleaving tests of the backup store and the card
// availability loop, and the "mem" medium of the CLI.
package memcard

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/Chapsvision-dev/sdseed-recovery/internal/medium"
)

// ErrIO is the generic I/O failure returned when the card vanishes.
var ErrIO = errors.New("memcard: i/o error")

// Op names a primitive for fault injection and the journal.
type Op string

const (
	OpMount    Op = "mount"
	OpMkfs     Op = "mkfs"
	OpSetLabel Op = "set_label"
	OpMkdir    Op = "mkdir"
	OpRead     Op = "read"
	OpWrite    Op = "write"
	OpUnlink   Op = "unlink"
	OpRename   Op = "rename"
	OpList     Op = "list"
)

// Fault makes the next matching primitive fail with Err. An empty Path
// matches any path. Torn applies to OpWrite: half of the data is stored
// before the failure, like a power cut mid-write.
type Fault struct {
	Op   Op
	Path string
	Err  error
	Torn bool
	// Remove pulls the card as the fault fires.
	Remove bool
}

// Card implements medium.Medium. The zero value is unusable; use New.
type Card struct {
	mu        sync.Mutex
	present   bool
	formatted bool
	mounted   bool
	label     string
	files     map[string][]byte
	dirs      map[string]bool
	faults    []Fault
	journal   []string

	// OnPresent, when set, is consulted instead of the present flag. Tests
	// use it to make the card appear after a number of polls.
	OnPresent func() bool
}

// New returns an inserted card. formatted selects whether it already
// carries a filesystem.
func New(formatted bool) *Card {
	c := &Card{present: true}
	if formatted {
		c.format()
	}
	return c
}

func init() {
	medium.Register("mem", func(any) (medium.Medium, error) { return New(true), nil })
}

func (c *Card) Name() string { return "mem" }

// Insert and Eject toggle the presence sensor.
func (c *Card) Insert() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.present = true
}

func (c *Card) Eject() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.present = false
	c.mounted = false
}

// Inject queues faults; each fires once.
func (c *Card) Inject(f ...Fault) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.faults = append(c.faults, f...)
}

// Journal returns the primitives executed so far, as "op path".
func (c *Card) Journal() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.journal...)
}

// Files returns the stored file paths, sorted.
func (c *Card) Files() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.files))
	for p := range c.files {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Raw returns a copy of a stored file, bypassing mount state.
func (c *Card) Raw(p string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.files[path.Clean(p)]
	return append([]byte(nil), b...), ok
}

// Label returns the volume label.
func (c *Card) Label() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.label
}

// Formatted reports whether a filesystem exists.
func (c *Card) Formatted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.formatted
}

// Corrupt destroys the filesystem so the next Mount reports no filesystem.
func (c *Card) Corrupt() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.formatted = false
	c.mounted = false
	c.files = nil
	c.dirs = nil
}

func (c *Card) Present(ctx context.Context) bool {
	c.mu.Lock()
	hook := c.OnPresent
	c.mu.Unlock()
	if hook != nil {
		p := hook()
		c.mu.Lock()
		c.present = p
		c.mu.Unlock()
		return p
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.present
}

func (c *Card) Mount(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter(OpMount, ""); err != nil {
		return err
	}
	if !c.formatted {
		return medium.ErrNoFilesystem
	}
	c.mounted = true
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
	if err := c.enter(OpMkfs, ""); err != nil {
		return err
	}
	c.format()
	c.mounted = false
	return nil
}

func (c *Card) SetLabel(ctx context.Context, label string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enterMounted(OpSetLabel, ""); err != nil {
		return err
	}
	c.label = label
	return nil
}

func (c *Card) Mkdir(ctx context.Context, p string, recursive bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, err := medium.CleanPath(p)
	if err != nil {
		return err
	}
	if err := c.enterMounted(OpMkdir, p); err != nil {
		return err
	}
	if c.dirs[p] {
		if recursive {
			return nil
		}
		return &fs.PathError{Op: "mkdir", Path: p, Err: fs.ErrExist}
	}
	if !recursive && !c.dirs[path.Dir(p)] {
		return &fs.PathError{Op: "mkdir", Path: p, Err: fs.ErrNotExist}
	}
	for d := p; d != "/"; d = path.Dir(d) {
		c.dirs[d] = true
	}
	return nil
}

func (c *Card) ReadFile(ctx context.Context, p string, buf []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, err := medium.CleanPath(p)
	if err != nil {
		return 0, err
	}
	if err := c.enterMounted(OpRead, p); err != nil {
		return 0, err
	}
	data, ok := c.files[p]
	if !ok {
		return 0, &fs.PathError{Op: "read", Path: p, Err: fs.ErrNotExist}
	}
	return copy(buf, data), nil
}

func (c *Card) WriteFile(ctx context.Context, p string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, err := medium.CleanPath(p)
	if err != nil {
		return err
	}
	if !c.dirs[path.Dir(p)] && c.mounted && c.present {
		return &fs.PathError{Op: "write", Path: p, Err: fs.ErrNotExist}
	}
	if f, hit := c.takeFault(OpWrite, p); hit {
		if f.Torn && c.mounted && c.present {
			c.files[p] = append([]byte(nil), data[:len(data)/2]...)
		}
		c.journal = append(c.journal, string(OpWrite)+" "+p+" !")
		return f.Err
	}
	if err := c.check(OpWrite, p, true); err != nil {
		return err
	}
	c.files[p] = append([]byte(nil), data...)
	return nil
}

func (c *Card) Unlink(ctx context.Context, p string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, err := medium.CleanPath(p)
	if err != nil {
		return err
	}
	if err := c.enterMounted(OpUnlink, p); err != nil {
		return err
	}
	if _, ok := c.files[p]; !ok {
		return &fs.PathError{Op: "unlink", Path: p, Err: fs.ErrNotExist}
	}
	delete(c.files, p)
	return nil
}

func (c *Card) Rename(ctx context.Context, src, dst string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	src, err := medium.CleanPath(src)
	if err != nil {
		return err
	}
	dst, err = medium.CleanPath(dst)
	if err != nil {
		return err
	}
	if err := c.enterMounted(OpRename, src); err != nil {
		return err
	}
	data, ok := c.files[src]
	if !ok {
		return &fs.PathError{Op: "rename", Path: src, Err: fs.ErrNotExist}
	}
	// FAT rename refuses to replace an existing destination.
	if _, exists := c.files[dst]; exists {
		return &fs.PathError{Op: "rename", Path: dst, Err: fs.ErrExist}
	}
	delete(c.files, src)
	c.files[dst] = data
	return nil
}

func (c *Card) ListDir(ctx context.Context, p string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, err := medium.CleanPath(p)
	if err != nil {
		return nil, err
	}
	if err := c.enterMounted(OpList, p); err != nil {
		return nil, err
	}
	if p != "/" && !c.dirs[p] {
		return nil, &fs.PathError{Op: "list", Path: p, Err: fs.ErrNotExist}
	}
	seen := map[string]bool{}
	prefix := strings.TrimSuffix(p, "/") + "/"
	collect := func(full string) {
		if !strings.HasPrefix(full, prefix) {
			return
		}
		rest := strings.TrimPrefix(full, prefix)
		if rest == "" {
			return
		}
		seen[strings.SplitN(rest, "/", 2)[0]] = true
	}
	for f := range c.files {
		collect(f)
	}
	for d := range c.dirs {
		collect(d)
	}
	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Strings(out)
	return out, nil
}

func (c *Card) format() {
	c.formatted = true
	c.label = ""
	c.files = map[string][]byte{}
	c.dirs = map[string]bool{"/": true}
}

// enter runs fault injection and the presence check for primitives that
// do not need a mounted filesystem.
func (c *Card) enter(op Op, p string) error {
	if f, hit := c.takeFault(op, p); hit {
		c.journal = append(c.journal, string(op)+" "+p+" !")
		return f.Err
	}
	return c.check(op, p, false)
}

func (c *Card) enterMounted(op Op, p string) error {
	if f, hit := c.takeFault(op, p); hit {
		c.journal = append(c.journal, string(op)+" "+p+" !")
		return f.Err
	}
	return c.check(op, p, true)
}

func (c *Card) check(op Op, p string, needMount bool) error {
	if !c.present {
		c.mounted = false
		return fmt.Errorf("%s %s: %w", op, p, ErrIO)
	}
	if needMount && !c.mounted {
		return medium.ErrNotMounted
	}
	c.journal = append(c.journal, strings.TrimSpace(string(op)+" "+p))
	return nil
}

func (c *Card) takeFault(op Op, p string) (Fault, bool) {
	for i, f := range c.faults {
		if f.Op == op && (f.Path == "" || f.Path == p) {
			c.faults = append(c.faults[:i], c.faults[i+1:]...)
			if f.Err == nil {
				f.Err = fmt.Errorf("%s %s: %w", op, p, ErrIO)
			}
			if f.Remove {
				c.present = false
				c.mounted = false
			}
			return f, true
		}
	}
	return Fault{}, false
}
