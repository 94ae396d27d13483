// Package uitest provides scripted collaborators for tests.
package uitest

import (
	"context"
	"fmt"
	"sync"

	"github.com/Chapsvision-dev/sdseed-recovery/internal/errs"
	"github.com/Chapsvision-dev/sdseed-recovery/internal/ui"
)

// Answer is one scripted reply to a dialog.
type Answer int

const (
	Yes Answer = iota
	No
	Cancel
)

// Confirmer answers dialogs from per-id queues. When a queue is empty the
// Default answer is used. Every dialog shown is recorded.
type Confirmer struct {
	mu      sync.Mutex
	answers map[string][]Answer
	Default Answer
	Shown   []string
	Warned  []string
}

func NewConfirmer() *Confirmer {
	return &Confirmer{answers: map[string][]Answer{}}
}

// Script queues answers for a dialog id.
func (c *Confirmer) Script(id string, answers ...Answer) *Confirmer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.answers[id] = append(c.answers[id], answers...)
	return c
}

func (c *Confirmer) Confirm(ctx context.Context, id, title, description string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Shown = append(c.Shown, id)
	a := c.Default
	if q := c.answers[id]; len(q) > 0 {
		a, c.answers[id] = q[0], q[1:]
	}
	switch a {
	case Yes:
		return true, nil
	case No:
		return false, nil
	default:
		return false, fmt.Errorf("dialog %s: %w", id, errs.ErrCancelled)
	}
}

func (c *Confirmer) Warn(ctx context.Context, id, title, description string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Warned = append(c.Warned, id)
	return nil
}

// Count returns how many times a dialog id was shown.
func (c *Confirmer) Count(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, s := range c.Shown {
		if s == id {
			n++
		}
	}
	return n
}

// Pins replays fixed PIN answers.
type Pins struct {
	Current string
	Salt    []byte
	New     string
	Err     error

	Requested int
	Confirmed int
}

func (p *Pins) RequestPinAndSalt(ctx context.Context, prompt string) (string, []byte, error) {
	p.Requested++
	return p.Current, p.Salt, p.Err
}

func (p *Pins) RequestPinConfirm(ctx context.Context) (string, error) {
	p.Confirmed++
	return p.New, p.Err
}

// Call records one word-engine invocation.
type Call struct {
	Mode   ui.Mode
	DryRun bool
}

// Words is a word engine returning a fixed outcome and recording calls.
// OnRun, if set, runs before returning (e.g. to store a restored secret).
type Words struct {
	Outcome ui.Outcome
	Err     error
	OnRun   func(mode ui.Mode, dryRun bool) error
	Calls   []Call
}

func (w *Words) Run(ctx context.Context, mode ui.Mode, dryRun bool) (ui.Outcome, error) {
	w.Calls = append(w.Calls, Call{Mode: mode, DryRun: dryRun})
	if w.OnRun != nil {
		if err := w.OnRun(mode, dryRun); err != nil {
			return ui.Aborted, err
		}
	}
	return w.Outcome, w.Err
}
