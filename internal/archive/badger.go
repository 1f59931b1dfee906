package archive

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/dgraph-io/badger/v4"
	json "github.com/goccy/go-json"

	"github.com/roach88/chronicle/internal/event"
)

const keyPrefix = "env/"

// ErrConflict is returned when a different envelope is already archived at
// the same aggregate and version.
var ErrConflict = errors.New("archive: a different envelope is archived at this position")

// BadgerSink archives envelopes in a Badger key-value store, keyed by
// aggregate and version.
type BadgerSink struct {
	db *badger.DB
}

// OpenBadger opens (or creates) an archive in dir. An empty dir opens an
// in-memory archive.
func OpenBadger(dir string) (*BadgerSink, error) {
	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	return &BadgerSink{db: db}, nil
}

func envKey(aggregateID string, version int64) []byte {
	return fmt.Appendf(nil, "%s%s/%020d", keyPrefix, url.PathEscape(aggregateID), version)
}

func aggregatePrefix(aggregateID string) []byte {
	return []byte(keyPrefix + url.PathEscape(aggregateID) + "/")
}

// Put implements Sink. Archiving the same envelope twice is a no-op.
func (s *BadgerSink) Put(ctx context.Context, env event.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !env.Sealed() {
		return fmt.Errorf("archive: envelope %s is not sealed", env.EventID)
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("archive: encode %s: %w", env.EventID, err)
	}
	key := envKey(env.AggregateID, env.Version)

	return s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
			return txn.SetEntry(badger.NewEntry(key, data))
		case err != nil:
			return fmt.Errorf("archive: lookup %s: %w", key, err)
		}
		return item.Value(func(val []byte) error {
			var stored event.Envelope
			if err := json.Unmarshal(val, &stored); err != nil {
				return fmt.Errorf("archive: decode %s: %w", key, err)
			}
			if stored.ChainHash != env.ChainHash {
				return fmt.Errorf("%w: %s v%d", ErrConflict, env.AggregateID, env.Version)
			}
			return nil
		})
	})
}

// Get returns one archived envelope.
func (s *BadgerSink) Get(aggregateID string, version int64) (event.Envelope, error) {
	var env event.Envelope
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(envKey(aggregateID, version))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &env)
		})
	})
	if err != nil {
		return event.Envelope{}, fmt.Errorf("archive: get %s v%d: %w", aggregateID, version, err)
	}
	return env, nil
}

// Stream returns every archived envelope of an aggregate in version order.
// Archived streams may have gaps: only retained envelopes are archived.
func (s *BadgerSink) Stream(ctx context.Context, aggregateID string) ([]event.Envelope, error) {
	out := []event.Envelope{}
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := aggregatePrefix(aggregateID)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var env event.Envelope
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &env)
			}); err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			out = append(out, env)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("archive: stream %s: %w", aggregateID, err)
	}
	return out, nil
}

// Close closes the database.
func (s *BadgerSink) Close() error {
	return s.db.Close()
}
