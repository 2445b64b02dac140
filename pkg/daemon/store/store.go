// Package store provides Badger DB-backed storage for the replication
// history: one record per source file that was replicated or failed.
package store

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/jamesainslie/replica/pkg/replica/logging"
)

// Key prefixes for different data types
const (
	prefixRecord    = "r:" // r:<path> -> Record
	prefixCompleted = "c:" // c:<completed unix nanos, 8 bytes><path> -> empty
	prefixMeta      = "m:" // Metadata (schema)
)

// ErrNotFound is returned by Get for unknown paths.
var ErrNotFound = errors.New("history record not found")

// State is the outcome recorded for a file.
type State string

const (
	StateReplicated State = "replicated"
	StateFailed     State = "failed"
)

// Record is the replication history of one source file.
type Record struct {
	Path         string    `json:"path"`
	Size         int64     `json:"size"`
	ModTime      time.Time `json:"mod_time"`
	Digest       string    `json:"digest,omitempty"`
	Destinations []string  `json:"destinations"`
	State        State     `json:"state"`
	Attempts     int       `json:"attempts"`
	OperationID  string    `json:"operation_id,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
	CompletedAt  time.Time `json:"completed_at"`
}

// Store is the history storage backed by Badger DB.
type Store struct {
	db  *badger.DB
	log *logging.Logger
}

// Open opens or creates a store at the given path. A new database is
// stamped with the current schema version.
func Open(path string) (*Store, error) {
	log := logging.Get("store")

	opts := badger.DefaultOptions(path)
	opts.Logger = badgerLogger{log: log}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open history %s: %w", path, err)
	}

	s := &Store{db: db, log: log}
	if s.GetSchema() == nil && !s.hasAnyEntries() {
		if err := s.SetSchema(&Schema{Version: CurrentSchemaVersion, UpdatedAt: time.Now()}); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return s, nil
}

// Close closes the store.
func (s *Store) Close() error {
	return s.db.Close()
}

func recordKey(path string) []byte {
	return []byte(prefixRecord + path)
}

func completedKey(at time.Time, path string) []byte {
	key := make([]byte, 0, len(prefixCompleted)+8+len(path))
	key = append(key, prefixCompleted...)
	key = binary.BigEndian.AppendUint64(key, uint64(at.UnixNano()))
	return append(key, path...)
}

func pathFromCompletedKey(key []byte) string {
	return string(key[len(prefixCompleted)+8:])
}

// Put stores r, replacing any previous record for the same path. A zero
// CompletedAt is set to the current time.
func (s *Store) Put(r *Record) error {
	if r.CompletedAt.IsZero() {
		r.CompletedAt = time.Now()
	}
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		old, err := getRecord(txn, r.Path)
		switch {
		case err == nil:
			if err := txn.Delete(completedKey(old.CompletedAt, old.Path)); err != nil {
				return err
			}
		case !errors.Is(err, ErrNotFound):
			return err
		}
		if err := txn.Set(recordKey(r.Path), data); err != nil {
			return err
		}
		return txn.Set(completedKey(r.CompletedAt, r.Path), nil)
	})
}

// Get retrieves the record of path.
func (s *Store) Get(path string) (*Record, error) {
	var r *Record
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		r, err = getRecord(txn, path)
		return err
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

func getRecord(txn *badger.Txn, path string) (*Record, error) {
	item, err := txn.Get(recordKey(path))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var r Record
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &r)
	}); err != nil {
		return nil, err
	}
	return &r, nil
}

// IsReplicated reports whether path was replicated with exactly this size
// and modification time.
func (s *Store) IsReplicated(path string, size int64, modTime time.Time) bool {
	r, err := s.Get(path)
	if err != nil {
		return false
	}
	return r.State == StateReplicated && r.Size == size && r.ModTime.Equal(modTime)
}

// List returns up to limit records, most recently completed first. limit
// <= 0 returns all records.
func (s *Store) List(limit int) ([]*Record, error) {
	var out []*Record

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(prefixCompleted)
		seek := append([]byte(prefixCompleted), 0xFF)
		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			if limit > 0 && len(out) >= limit {
				break
			}
			r, err := getRecord(txn, pathFromCompletedKey(it.Item().Key()))
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			out = append(out, r)
		}
		return nil
	})
	return out, err
}

// Prune removes records completed before olderThan and returns how many
// were removed.
func (s *Store) Prune(olderThan time.Time) (int, error) {
	var keys [][]byte

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(prefixCompleted)
		stop := completedKey(olderThan, "")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().KeyCopy(nil)
			if string(key) >= string(stop) {
				break
			}
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil || len(keys) == 0 {
		return 0, err
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()

	for _, key := range keys {
		if err := wb.Delete(key); err != nil {
			return 0, err
		}
		if err := wb.Delete(recordKey(pathFromCompletedKey(key))); err != nil {
			return 0, err
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, err
	}

	s.log.Info("pruned history", "records", len(keys), "older_than", olderThan.Format(time.RFC3339))
	return len(keys), nil
}

// Count returns the number of records.
func (s *Store) Count() (int, error) {
	count := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(prefixRecord)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

// badgerLogger routes badger's own messages to the store component.
type badgerLogger struct {
	log *logging.Logger
}

func (l badgerLogger) Errorf(format string, args ...interface{}) {
	l.log.Error(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.log.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.log.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l badgerLogger) Debugf(format string, args ...interface{}) {
	l.log.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}
