package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// MigrationProgress reports migration progress.
type MigrationProgress struct {
	FromVersion  int
	ToVersion    int
	RecordsTotal int64
	RecordsDone  int64
	CurrentPath  string
}

// MigrationProgressFunc is called with progress updates during migration.
type MigrationProgressFunc func(MigrationProgress)

// Migrate runs any pending migrations to bring the database up to current schema.
// Returns the number of migrations run, or an error.
func (s *Store) Migrate(ctx context.Context, onProgress MigrationProgressFunc) (int, error) {
	schema := s.GetSchema()
	fromVersion := 0
	if schema != nil {
		fromVersion = schema.Version
	} else if s.hasAnyEntries() {
		fromVersion = 1
	}

	if fromVersion >= CurrentSchemaVersion {
		return 0, nil
	}

	migrationsRun := 0
	for version := fromVersion + 1; version <= CurrentSchemaVersion; version++ {
		select {
		case <-ctx.Done():
			return migrationsRun, ctx.Err()
		default:
		}

		var err error
		switch version {
		case 2:
			err = s.migrateToV2(ctx, onProgress)
		}
		if err != nil {
			return migrationsRun, err
		}

		if err := s.SetSchema(&Schema{
			Version:   version,
			UpdatedAt: time.Now(),
		}); err != nil {
			return migrationsRun, err
		}
		s.log.Info("migrated history schema", "version", version)
		migrationsRun++
	}

	return migrationsRun, nil
}

// migrateToV2 builds the completion index from existing records.
func (s *Store) migrateToV2(ctx context.Context, onProgress MigrationProgressFunc) error {
	var total int64
	if onProgress != nil {
		n, err := s.Count()
		if err != nil {
			return err
		}
		total = int64(n)
	}

	var done int64
	var index [][]byte

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(prefixRecord)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			err := it.Item().Value(func(val []byte) error {
				var r Record
				if err := json.Unmarshal(val, &r); err != nil {
					return nil //nolint:nilerr // malformed records are skipped
				}
				index = append(index, completedKey(r.CompletedAt, r.Path))
				done++

				if onProgress != nil && done%10000 == 0 {
					onProgress(MigrationProgress{
						FromVersion:  1,
						ToVersion:    2,
						RecordsTotal: total,
						RecordsDone:  done,
						CurrentPath:  r.Path,
					})
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if len(index) > 0 {
		wb := s.db.NewWriteBatch()
		defer wb.Cancel()
		for _, key := range index {
			if err := wb.Set(key, nil); err != nil {
				return err
			}
		}
		if err := wb.Flush(); err != nil {
			return err
		}
	}

	if onProgress != nil {
		onProgress(MigrationProgress{
			FromVersion:  1,
			ToVersion:    2,
			RecordsTotal: total,
			RecordsDone:  done,
		})
	}
	return nil
}
