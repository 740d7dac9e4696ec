// Package kvstore implements ledger.Store on top of LevelDB. The same code
// serves the on-disk backend and the in-memory backend used in development
// and tests.
package kvstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/medichain/medichain/internal/ledger"
)

var errReadOnly = errors.New("write attempted in read-only unit")

type reader interface {
	Get(key []byte, ro *opt.ReadOptions) ([]byte, error)
	NewIterator(slice *util.Range, ro *opt.ReadOptions) iterator.Iterator
}

type writer interface {
	Put(key, value []byte, wo *opt.WriteOptions) error
	Delete(key []byte, wo *opt.WriteOptions) error
}

// Store is a LevelDB-backed ledger.Store. Update units run inside LevelDB
// transactions, which are exclusive; View units read from snapshots and do
// not block writers.
type Store struct {
	db *leveldb.DB
}

// Open opens (creating if necessary) an on-disk store at path.
func Open(path string) (*Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: open leveldb %s: %v", ledger.ErrStorageUnavailable, path, err)
	}
	return &Store{db: db}, nil
}

// OpenMemory opens a store whose contents live only in memory.
func OpenMemory() (*Store, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: open memory store: %v", ledger.ErrStorageUnavailable, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) View(ctx context.Context, fn func(tx ledger.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	snap, err := s.db.GetSnapshot()
	if err != nil {
		return unavailable("snapshot", err)
	}
	defer snap.Release()
	return fn(&txn{r: snap})
}

func (s *Store) Update(ctx context.Context, fn func(tx ledger.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tr, err := s.db.OpenTransaction()
	if err != nil {
		return unavailable("open transaction", err)
	}
	committed := false
	defer func() {
		if !committed {
			tr.Discard()
		}
	}()

	if err := fn(&txn{r: tr, w: tr}); err != nil {
		return err
	}
	// A cancelled caller must not observe a half-applied unit; discarding
	// here is still all-or-nothing.
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := tr.Commit(); err != nil {
		return unavailable("commit", err)
	}
	committed = true
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := s.db.GetProperty("leveldb.stats"); err != nil {
		return unavailable("stats", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: leveldb %s: %v", ledger.ErrStorageUnavailable, op, err)
}
