package storage

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog/log"
)

// Badger stores entries in a badger database. Every Put commits a new
// version of the key; old versions are kept so history mirrors the
// in-memory chain, and reads see the newest.
type Badger struct {
	db *badger.DB
}

// OpenBadger opens the database at path, or an in-memory one when path is
// empty.
func OpenBadger(path string) (*Badger, error) {
	opts := badger.DefaultOptions(path)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	opts.Logger = nil // Disable badger logging
	opts.NumVersionsToKeep = math.MaxInt32

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}
	log.Info().Str("path", path).Bool("in_memory", path == "").Msg("Opened badger storage")
	return &Badger{db: db}, nil
}

func (b *Badger) Put(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(bound(key)), []byte(bound(value)))
	})
	if err != nil {
		return fmt.Errorf("failed to put %q: %w", key, err)
	}
	return nil
}

func (b *Badger) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	var val []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(bound(key)))
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get %q: %w", key, err)
	}
	return string(val), true, nil
}

// Versions returns how many versions of key are retained.
func (b *Badger) Versions(ctx context.Context, key string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	n := 0
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.AllVersions = true
		opts.PrefetchValues = false
		k := []byte(bound(key))
		opts.Prefix = k

		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(k); it.ValidForPrefix(k); it.Next() {
			if string(it.Item().Key()) == string(k) {
				n++
			}
		}
		return nil
	})
	return n, err
}

func (b *Badger) Close() error {
	return b.db.Close()
}
