package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/Skyjoy0512/voicenote/internal/apperr"
)

// Badger is a [Store] implementation backed by BadgerDB v4.
type Badger struct {
	db *badger.DB
}

// BadgerOptions configures the BadgerDB store.
type BadgerOptions struct {
	// Dir is the directory for BadgerDB data files. Required unless InMemory
	// is set.
	Dir string

	// InMemory runs BadgerDB in memory-only mode (no disk persistence).
	// Useful for testing with a real badger engine.
	InMemory bool
}

// NewBadger opens a BadgerDB-backed document store.
func NewBadger(opts BadgerOptions) (*Badger, error) {
	if !opts.InMemory && opts.Dir == "" {
		return nil, apperr.New(apperr.KindInvalidInput, "docstore: BadgerOptions.Dir is required for on-disk mode")
	}
	dbOpts := badger.DefaultOptions(opts.Dir).WithLogger(slogLogger{})
	if opts.InMemory {
		dbOpts = dbOpts.WithInMemory(true)
	}
	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindFatal, "docstore: open badger", err)
	}
	return &Badger{db: db}, nil
}

// Get implements [Store].
func (b *Badger) Get(_ context.Context, key string, dst any) error {
	var raw []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return apperr.Newf(apperr.KindNotFound, "document %q not found", key)
	}
	if err != nil {
		return apperr.Wrap(apperr.KindTransient, "read document "+key, err)
	}
	return unmarshalInto(key, raw, dst)
}

// Set implements [Store].
func (b *Badger) Set(_ context.Context, key string, doc any) error {
	data, err := marshalDoc(doc)
	if err != nil {
		return err
	}
	err = b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	})
	if err != nil {
		return apperr.Wrap(apperr.KindTransient, "write document "+key, err)
	}
	return nil
}

// Update implements [Store]. The read-merge-write runs inside a single badger
// transaction, so concurrent Updates of the same key serialize.
func (b *Badger) Update(_ context.Context, key string, fields map[string]any) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		var existing []byte
		item, err := txn.Get([]byte(key))
		switch {
		case err == nil:
			if existing, err = item.ValueCopy(nil); err != nil {
				return err
			}
		case errors.Is(err, badger.ErrKeyNotFound):
			// New document.
		default:
			return err
		}

		merged, err := mergeFields(existing, fields)
		if err != nil {
			return err
		}
		return txn.Set([]byte(key), merged)
	})
	if err != nil {
		return apperr.Wrap(apperr.KindTransient, "update document "+key, err)
	}
	return nil
}

// Delete implements [Store].
func (b *Badger) Delete(_ context.Context, key string) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
		return apperr.Wrap(apperr.KindTransient, "delete document "+key, err)
	}
	return nil
}

// Close implements [Store].
func (b *Badger) Close() error {
	return b.db.Close()
}

// unmarshalInto decodes a stored document into dst.
func unmarshalInto(key string, raw []byte, dst any) error {
	if err := json.Unmarshal(raw, dst); err != nil {
		return apperr.Wrap(apperr.KindUnknown, "decode document "+key, err)
	}
	return nil
}

// slogLogger routes badger's log output through slog, suppressing info and
// debug noise.
type slogLogger struct{}

func (slogLogger) Errorf(f string, v ...interface{}) {
	slog.Error("badger: " + fmt.Sprintf(f, v...))
}
func (slogLogger) Warningf(f string, v ...interface{}) {
	slog.Warn("badger: " + fmt.Sprintf(f, v...))
}
func (slogLogger) Infof(string, ...interface{})        {}
func (slogLogger) Debugf(string, ...interface{})       {}

// Ensure Badger implements Store at compile time.
var _ Store = (*Badger)(nil)
