package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// putV1 writes a record the way schema 1 did, without the completion index.
func putV1(t *testing.T, s *Store, r Record) {
	t.Helper()
	data, err := json.Marshal(r)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(recordKey(r.Path), data)
	}); err != nil {
		t.Fatal(err)
	}
}

func TestMigrateFromV1ToV2(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	if err := s.SetSchema(&Schema{Version: 1, UpdatedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}
	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	putV1(t, s, Record{Path: "/in/first", State: StateReplicated, CompletedAt: base})
	putV1(t, s, Record{Path: "/in/second", State: StateReplicated, CompletedAt: base.Add(time.Minute)})

	before, err := s.List(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(before) != 0 {
		t.Fatalf("schema 1 records should not be listed before migration, got %d", len(before))
	}

	var last MigrationProgress
	n, err := s.Migrate(context.Background(), func(p MigrationProgress) { last = p })
	if err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 migration, got %d", n)
	}
	if last.RecordsDone != 2 || last.RecordsTotal != 2 {
		t.Errorf("unexpected final progress: %+v", last)
	}

	after, err := s.List(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(after) != 2 || after[0].Path != "/in/second" {
		t.Errorf("unexpected listing after migration: %+v", after)
	}
	if s.NeedsMigration() {
		t.Error("store should be current after migration")
	}

	again, err := s.Migrate(context.Background(), nil)
	if err != nil || again != 0 {
		t.Errorf("second Migrate = %d, %v; want 0, nil", again, err)
	}
}

func TestMigrateCancelled(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if err := s.SetSchema(&Schema{Version: 1}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Migrate(ctx, nil); err == nil {
		t.Error("expected error from cancelled migration")
	}
}
