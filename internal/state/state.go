// Package state opens the badger database that backs durable device
// storage. Writes are synced so a returned Update survives power loss.
package state

import (
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Chapsvision-dev/sdseed-recovery/internal/logx"
)

// Open opens (or creates) the database in dir.
func Open(dir string) (*badger.DB, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("state: directory is empty")
	}
	opts := badger.DefaultOptions(dir).
		WithSyncWrites(true).
		WithLogger(badgerLogger{l: logx.Component("badger")})
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("state: open %s: %w", dir, err)
	}
	log.Debug().Str("action", "state_open").Str("dir", dir).Msg("device storage opened")
	return db, nil
}

// OpenInMemory returns a non-durable database for tests and dry runs.
func OpenInMemory() (*badger.DB, error) {
	opts := badger.DefaultOptions("").
		WithInMemory(true).
		WithLogger(badgerLogger{l: logx.Component("badger")}).
		WithLoggingLevel(badger.WARNING)
	return badger.Open(opts)
}

// badgerLogger bridges badger's printf logger onto zerolog.
type badgerLogger struct{ l zerolog.Logger }

func (b badgerLogger) Errorf(f string, v ...interface{}) {
	b.l.Error().Msg(strings.TrimSpace(fmt.Sprintf(f, v...)))
}

func (b badgerLogger) Warningf(f string, v ...interface{}) {
	b.l.Warn().Msg(strings.TrimSpace(fmt.Sprintf(f, v...)))
}

func (b badgerLogger) Infof(f string, v ...interface{}) {
	b.l.Debug().Msg(strings.TrimSpace(fmt.Sprintf(f, v...)))
}

func (b badgerLogger) Debugf(f string, v ...interface{}) {
	b.l.Trace().Msg(strings.TrimSpace(fmt.Sprintf(f, v...)))
}
