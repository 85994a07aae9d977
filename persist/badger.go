package persist

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"
)

// BadgerOptions configures the badger-backed store.
type BadgerOptions struct {
	// Dir is the directory for data files. Required unless InMemory.
	Dir string

	// InMemory runs badger without touching disk.
	InMemory bool

	// Logger sets the badger logger. nil bridges badger warnings and
	// errors into the standard logger.
	Logger badger.Logger
}

// Badger is a Store backed by BadgerDB v4.
type Badger struct {
	opts BadgerOptions

	mu sync.RWMutex
	db *badger.DB
}

func NewBadger(opts BadgerOptions) *Badger {
	return &Badger{opts: opts}
}

func (b *Badger) Open(_ context.Context) error {
	if !b.opts.InMemory && b.opts.Dir == "" {
		return errors.New("persist: BadgerOptions.Dir is required for on-disk mode")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.db != nil {
		return nil
	}
	dbOpts := badger.DefaultOptions(b.opts.Dir)
	if b.opts.InMemory {
		dbOpts = badger.DefaultOptions("").WithInMemory(true)
	}
	if b.opts.Logger != nil {
		dbOpts = dbOpts.WithLogger(b.opts.Logger)
	} else {
		dbOpts = dbOpts.WithLogger(defaultLogger{})
	}
	db, err := badger.Open(dbOpts)
	if err != nil {
		return fmt.Errorf("persist: open badger dir=%s: %w", b.opts.Dir, err)
	}
	b.db = db
	return nil
}

func (b *Badger) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.db == nil {
		return nil
	}
	err := b.db.Close()
	b.db = nil
	return err
}

func (b *Badger) handle() (*badger.DB, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.db == nil {
		return nil, ErrClosed
	}
	return b.db, nil
}

func (b *Badger) LoadSession(_ context.Context, id string) (*Session, error) {
	db, err := b.handle()
	if err != nil {
		return nil, err
	}
	var val []byte
	err = db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(sessionKey(id))
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeSession(val)
}

func (b *Badger) SaveSession(_ context.Context, s *Session) error {
	db, err := b.handle()
	if err != nil {
		return err
	}
	if s.SavedAt.IsZero() {
		s.SavedAt = time.Now()
	}
	val, err := encodeSession(s)
	if err != nil {
		return fmt.Errorf("persist: encode session id=%s: %w", s.ID, err)
	}
	return db.Update(func(txn *badger.Txn) error {
		return txn.Set(sessionKey(s.ID), val)
	})
}

func (b *Badger) DeleteSession(_ context.Context, id string) error {
	db, err := b.handle()
	if err != nil {
		return err
	}
	err = db.Update(func(txn *badger.Txn) error {
		return txn.Delete(sessionKey(id))
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil
	}
	return err
}

func (b *Badger) Sessions(_ context.Context) iter.Seq2[*Session, error] {
	return func(yield func(*Session, error) bool) {
		db, err := b.handle()
		if err != nil {
			yield(nil, err)
			return
		}
		prefix := []byte(sessionPrefix)
		err = db.View(func(txn *badger.Txn) error {
			iterOpts := badger.DefaultIteratorOptions
			iterOpts.Prefix = prefix
			it := txn.NewIterator(iterOpts)
			defer it.Close()

			for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
				val, err := it.Item().ValueCopy(nil)
				if err == nil {
					var s *Session
					if s, err = decodeSession(val); err == nil {
						if !yield(s, nil) {
							return nil
						}
						continue
					}
				}
				if !yield(nil, err) {
					return nil
				}
			}
			return nil
		})
		if err != nil {
			yield(nil, err)
		}
	}
}

func (b *Badger) Sync() error {
	db, err := b.handle()
	if err != nil {
		return err
	}
	if b.opts.InMemory {
		return nil
	}
	return db.Sync()
}

// defaultLogger bridges badger into the standard logger, dropping info
// and debug output.
type defaultLogger struct{}

func (defaultLogger) Errorf(f string, v ...interface{})   { log.Printf("[badger] ERROR: "+f, v...) }
func (defaultLogger) Warningf(f string, v ...interface{}) { log.Printf("[badger] WARN: "+f, v...) }
func (defaultLogger) Infof(string, ...interface{})        {}
func (defaultLogger) Debugf(string, ...interface{})       {}
