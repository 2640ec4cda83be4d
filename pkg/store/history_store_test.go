//go:build integration

package store

import (
	"context"
	"testing"
	"time"

	"github.com/protofuzz/protofuzz/pkg/orchestrate"
	"github.com/protofuzz/protofuzz/pkg/session"
	"github.com/protofuzz/protofuzz/pkg/statemodel"
)

func waitForCount(t *testing.T, h *ExecutionHistoryStore, want int64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		var count int64
		h.db.Model(&ExecutionRecordRow{}).Where("session_id = ?", h.sessionID).Count(&count)
		if count >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d rows to be written", want)
}

func TestExecutionHistoryStoreRecordAssignsSequenceAndWrites(t *testing.T) {
	store := newTestStore(t)
	h, err := NewExecutionHistoryStore(store, "sess-1")
	if err != nil {
		t.Fatalf("NewExecutionHistoryStore failed: %v", err)
	}
	defer h.Close()

	h.Record(session.ExecutionRecord{Payload: []byte("a"), Result: statemodel.VerdictPass})
	h.Record(session.ExecutionRecord{Payload: []byte("b"), Result: statemodel.VerdictCrash})

	waitForCount(t, h, 2)

	total, err := h.TotalCount(context.Background())
	if err != nil {
		t.Fatalf("TotalCount failed: %v", err)
	}
	if total != 2 {
		t.Errorf("expected total count 2, got %d", total)
	}

	rec, err := h.FindBySequence(context.Background(), 1)
	if err != nil {
		t.Fatalf("FindBySequence failed: %v", err)
	}
	if string(rec.Payload) != "a" {
		t.Errorf("expected payload 'a', got %q", rec.Payload)
	}
}

func TestExecutionHistoryStoreRecordStageUsesNegativeSequence(t *testing.T) {
	store := newTestStore(t)
	h, err := NewExecutionHistoryStore(store, "sess-1")
	if err != nil {
		t.Fatalf("NewExecutionHistoryStore failed: %v", err)
	}
	defer h.Close()

	h.RecordStage(orchestrate.StageExecution{SequenceNumber: -1, StageName: "handshake", Result: "ok"})
	waitForCount(t, h, 1)

	var row ExecutionRecordRow
	if err := store.db.Where("session_id = ? AND sequence_number = ?", "sess-1", int64(-1)).First(&row).Error; err != nil {
		t.Fatalf("expected stage row at sequence -1: %v", err)
	}
	if row.StageName == nil || *row.StageName != "handshake" {
		t.Errorf("expected stage name handshake, got %v", row.StageName)
	}
}

func TestExecutionHistoryStoreListForReplayIsAscendingAndExcludesStages(t *testing.T) {
	store := newTestStore(t)
	h, err := NewExecutionHistoryStore(store, "sess-1")
	if err != nil {
		t.Fatalf("NewExecutionHistoryStore failed: %v", err)
	}
	defer h.Close()

	h.RecordStage(orchestrate.StageExecution{SequenceNumber: -1, StageName: "handshake"})
	h.Record(session.ExecutionRecord{Payload: []byte("1")})
	h.Record(session.ExecutionRecord{Payload: []byte("2")})
	h.Record(session.ExecutionRecord{Payload: []byte("3")})
	waitForCount(t, h, 4)

	records, err := h.ListForReplay(context.Background(), 2)
	if err != nil {
		t.Fatalf("ListForReplay failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records up to sequence 2, got %d", len(records))
	}
	if records[0].SequenceNumber != 1 || records[1].SequenceNumber != 2 {
		t.Errorf("expected ascending sequence 1,2, got %d,%d", records[0].SequenceNumber, records[1].SequenceNumber)
	}
}

func TestExecutionHistoryStoreListMergesRingOnFirstPage(t *testing.T) {
	store := newTestStore(t)
	h, err := NewExecutionHistoryStore(store, "sess-1")
	if err != nil {
		t.Fatalf("NewExecutionHistoryStore failed: %v", err)
	}
	defer h.Close()

	h.Record(session.ExecutionRecord{Payload: []byte("1")})
	h.Record(session.ExecutionRecord{Payload: []byte("2")})

	records, err := h.List(context.Background(), 0, 0, nil, nil)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records visible immediately via ring, got %d", len(records))
	}
	if records[0].SequenceNumber != 2 || records[1].SequenceNumber != 1 {
		t.Errorf("expected descending sequence 2,1, got %d,%d", records[0].SequenceNumber, records[1].SequenceNumber)
	}
}

func TestExecutionHistoryStoreFlushDrainsQueue(t *testing.T) {
	store := newTestStore(t)
	h, err := NewExecutionHistoryStore(store, "sess-1")
	if err != nil {
		t.Fatalf("NewExecutionHistoryStore failed: %v", err)
	}
	defer h.Close()

	for i := 0; i < 10; i++ {
		h.Record(session.ExecutionRecord{Payload: []byte("x")})
	}

	if err := h.Flush(time.Second); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	var count int64
	store.db.Model(&ExecutionRecordRow{}).Where("session_id = ?", "sess-1").Count(&count)
	if count != 10 {
		t.Errorf("expected all 10 records flushed, got %d", count)
	}
}

func TestExecutionHistoryStoreResumesSequenceAcrossReopen(t *testing.T) {
	store := newTestStore(t)
	h1, err := NewExecutionHistoryStore(store, "sess-1")
	if err != nil {
		t.Fatalf("NewExecutionHistoryStore failed: %v", err)
	}
	h1.Record(session.ExecutionRecord{Payload: []byte("1")})
	h1.Record(session.ExecutionRecord{Payload: []byte("2")})
	if err := h1.Flush(time.Second); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	h1.Close()

	h2, err := NewExecutionHistoryStore(store, "sess-1")
	if err != nil {
		t.Fatalf("re-opening NewExecutionHistoryStore failed: %v", err)
	}
	defer h2.Close()

	h2.Record(session.ExecutionRecord{Payload: []byte("3")})
	waitForCount(t, h2, 3)

	rec, err := h2.FindBySequence(context.Background(), 3)
	if err != nil {
		t.Fatalf("FindBySequence failed: %v", err)
	}
	if string(rec.Payload) != "3" {
		t.Errorf("expected payload '3' at sequence 3, got %q", rec.Payload)
	}
}
