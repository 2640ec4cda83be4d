//go:build integration

package store

import (
	"context"
	"testing"

	"github.com/protofuzz/protofuzz/pkg/session"
	"github.com/protofuzz/protofuzz/pkg/statemodel"
	"github.com/protofuzz/protofuzz/pkg/transport"
)

func newTestDomainSession(id string) *session.Session {
	return session.New(id, session.Config{
		Protocol:  "echo",
		Target:    transport.Target{Host: "127.0.0.1", Port: 9000},
		Transport: transport.ProtocolTCP,
	})
}

func TestSessionStoreSaveAndGetRoundTrips(t *testing.T) {
	store := newTestStore(t)
	ss := NewSessionStore(store)
	ctx := context.Background()

	s := newTestDomainSession("sess-1")
	s.RecordResult(statemodel.VerdictCrash)
	s.IncrementFieldMutation("opcode")

	if err := ss.Save(ctx, s); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := ss.Get(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if loaded.Config.Protocol != "echo" {
		t.Errorf("expected protocol echo, got %s", loaded.Config.Protocol)
	}
	if loaded.Stats.Crashes != 1 {
		t.Errorf("expected 1 crash, got %d", loaded.Stats.Crashes)
	}
	if loaded.Stats.FieldMutationCounts["opcode"] != 1 {
		t.Errorf("expected opcode mutation count 1, got %d", loaded.Stats.FieldMutationCounts["opcode"])
	}
}

func TestSessionStoreSaveUpdatesExistingRow(t *testing.T) {
	store := newTestStore(t)
	ss := NewSessionStore(store)
	ctx := context.Background()

	s := newTestDomainSession("sess-1")
	if err := ss.Save(ctx, s); err != nil {
		t.Fatalf("initial Save failed: %v", err)
	}

	s.Status = session.StatusCompleted
	if err := ss.Save(ctx, s); err != nil {
		t.Fatalf("update Save failed: %v", err)
	}

	var count int64
	store.db.Model(&SessionRow{}).Where("id = ?", "sess-1").Count(&count)
	if count != 1 {
		t.Errorf("expected exactly one row after update, got %d", count)
	}

	loaded, err := ss.Get(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if loaded.Status != session.StatusCompleted {
		t.Errorf("expected status completed, got %s", loaded.Status)
	}
}

func TestSessionStoreGetMissingReturnsNotFound(t *testing.T) {
	store := newTestStore(t)
	ss := NewSessionStore(store)

	_, err := ss.Get(context.Background(), "does-not-exist")
	if err != ErrSessionNotFound {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestSessionStoreListFiltersByStatus(t *testing.T) {
	store := newTestStore(t)
	ss := NewSessionStore(store)
	ctx := context.Background()

	running := newTestDomainSession("sess-running")
	running.Status = session.StatusRunning
	completed := newTestDomainSession("sess-completed")
	completed.Status = session.StatusCompleted

	if err := ss.Save(ctx, running); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := ss.Save(ctx, completed); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	rows, err := ss.List(ctx, SessionFilter{Status: session.StatusRunning})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(rows) != 1 || rows[0].ID != "sess-running" {
		t.Errorf("expected exactly sess-running, got %+v", rows)
	}
}

func TestSessionStoreDeleteRemovesSessionAndHistory(t *testing.T) {
	store := newTestStore(t)
	ss := NewSessionStore(store)
	ctx := context.Background()

	s := newTestDomainSession("sess-1")
	if err := ss.Save(ctx, s); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := store.db.Create(&ExecutionRecordRow{SessionID: "sess-1", SequenceNumber: 1}).Error; err != nil {
		t.Fatalf("seeding execution record failed: %v", err)
	}

	if err := ss.Delete(ctx, "sess-1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	if _, err := ss.Get(ctx, "sess-1"); err != ErrSessionNotFound {
		t.Errorf("expected session gone, got %v", err)
	}

	var count int64
	store.db.Model(&ExecutionRecordRow{}).Where("session_id = ?", "sess-1").Count(&count)
	if count != 0 {
		t.Errorf("expected execution records deleted, got %d remaining", count)
	}
}

func TestSessionStoreDeleteMissingReturnsNotFound(t *testing.T) {
	store := newTestStore(t)
	ss := NewSessionStore(store)

	err := ss.Delete(context.Background(), "does-not-exist")
	if err != ErrSessionNotFound {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}
