package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
)

var runPrefix = []byte("run/")

// Badger persists run records in an embedded BadgerDB so history survives restarts.
type Badger struct {
	db *badger.DB
}

// NewBadger opens (or creates) a ledger at path.
func NewBadger(path string) (*Badger, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	return openBadger(opts)
}

// NewBadgerInMemory opens a ledger that lives only in memory.
func NewBadgerInMemory() (*Badger, error) {
	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	return openBadger(opts)
}

func openBadger(opts badger.Options) (*Badger, error) {
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	return &Badger{db: db}, nil
}

func runKey(id string) []byte {
	return append(append([]byte{}, runPrefix...), id...)
}

// Save inserts or replaces a run record
func (b *Badger) Save(_ context.Context, run *Run) error {
	if run == nil || run.ID == "" {
		return fmt.Errorf("run must have an ID")
	}

	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to encode run: %w", err)
	}

	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(runKey(run.ID), data)
	})
}

// Get retrieves a run by ID
func (b *Badger) Get(_ context.Context, id string) (*Run, error) {
	var run Run
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(runKey(id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &run)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read run: %w", err)
	}

	return &run, nil
}

func (b *Badger) all() ([]*Run, error) {
	var runs []*Run
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = runPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(runPrefix); it.ValidForPrefix(runPrefix); it.Next() {
			var run Run
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &run)
			}); err != nil {
				return err
			}
			runs = append(runs, &run)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan ledger: %w", err)
	}

	return runs, nil
}

// List returns runs filtered by status, newest first
func (b *Badger) List(_ context.Context, status Status, limit, offset int) ([]*Run, error) {
	runs, err := b.all()
	if err != nil {
		return nil, err
	}
	return paginate(runs, status, limit, offset), nil
}

// Stats returns run counts by status
func (b *Badger) Stats(_ context.Context) (map[string]int, error) {
	runs, err := b.all()
	if err != nil {
		return nil, err
	}
	return stats(runs), nil
}

// Close flushes and closes the underlying database
func (b *Badger) Close() error {
	return b.db.Close()
}
