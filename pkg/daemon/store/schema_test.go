package store_test

import (
	"testing"
	"time"

	"github.com/jamesainslie/replica/pkg/daemon/store"
)

func TestSchemaNewDatabase(t *testing.T) {
	s := openStore(t)

	schema := s.GetSchema()
	if schema == nil {
		t.Fatal("new database should be stamped with a schema")
	}
	if schema.Version != store.CurrentSchemaVersion {
		t.Errorf("Expected version %d, got %d", store.CurrentSchemaVersion, schema.Version)
	}
	if s.NeedsMigration() {
		t.Error("new database should not need migration")
	}
}

func TestSchemaGetSet(t *testing.T) {
	s := openStore(t)

	if err := s.SetSchema(&store.Schema{Version: 1, UpdatedAt: time.Now()}); err != nil {
		t.Fatalf("SetSchema failed: %v", err)
	}

	schema := s.GetSchema()
	if schema == nil {
		t.Fatal("Expected schema to exist")
	}
	if schema.Version != 1 {
		t.Errorf("Expected version 1, got %d", schema.Version)
	}
	if !s.NeedsMigration() {
		t.Error("older schema should need migration")
	}
}
