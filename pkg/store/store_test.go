//go:build integration

package store

import "testing"

// newTestStore creates an in-memory SQLite store for testing.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(&Config{
		Type:   DatabaseTypeSQLite,
		SQLite: SQLiteConfig{Path: ":memory:"},
	})
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	return s
}

func TestNewAppliesSQLiteDefaults(t *testing.T) {
	config := &Config{}
	config.ApplyDefaults()

	if config.Type != DatabaseTypeSQLite {
		t.Errorf("expected sqlite, got %s", config.Type)
	}
}

func TestNewRejectsUnsupportedType(t *testing.T) {
	_, err := New(&Config{Type: "invalid"})
	if err == nil {
		t.Error("expected error for invalid database type")
	}
}

func TestNewMigratesSchema(t *testing.T) {
	s := newTestStore(t)
	if !s.DB().Migrator().HasTable(&SessionRow{}) {
		t.Error("expected sessions table to exist after migration")
	}
	if !s.DB().Migrator().HasTable(&ExecutionRecordRow{}) {
		t.Error("expected execution_records table to exist after migration")
	}
}
