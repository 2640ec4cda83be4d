package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"gorm.io/gorm"

	"github.com/protofuzz/protofuzz/internal/logger"
	"github.com/protofuzz/protofuzz/pkg/orchestrate"
	"github.com/protofuzz/protofuzz/pkg/session"
	"github.com/protofuzz/protofuzz/pkg/statemodel"
)

const (
	defaultRingCapacity = 100
	defaultBatchSize    = 100
	defaultQueueSize    = 1024
	defaultFlushTimeout = 5 * time.Second
)

// ExecutionHistoryStore is the durable per-session execution log described
// in spec §4.11: a fixed-size in-memory ring for fast recent-UI reads, an
// async write queue, and a background writer that batches up to
// defaultBatchSize rows per transaction. The session start command creates
// one instance per session and hands it to the session builder: it
// implements session.HistoryRecorder directly
// (fuzz test cases) and is wrapped in a StageHistoryAdapter to serve as
// orchestrate.HistoryRecorder (bootstrap/teardown stages, which arrive
// with negative sequence numbers and bypass sequence allocation but share
// the same queue and batched writer).
type ExecutionHistoryStore struct {
	db        *gorm.DB
	sessionID string

	seq int64 // atomic; highest fuzz sequence number handed out so far

	ringMu  sync.Mutex
	ring    []ExecutionRecordRow
	ringPos int

	queue   chan ExecutionRecordRow
	closeCh chan struct{}
	wg      sync.WaitGroup

	lost int64 // atomic; records dropped after a flush timeout
}

// NewExecutionHistoryStore opens a history store for sessionID, resuming
// its sequence counter from the max sequence number already on disk (so a
// restarted session doesn't reuse sequence numbers).
func NewExecutionHistoryStore(store *Store, sessionID string) (*ExecutionHistoryStore, error) {
	var maxSeq sql.NullInt64
	if err := store.db.Model(&ExecutionRecordRow{}).
		Where("session_id = ? AND sequence_number > 0", sessionID).
		Select("MAX(sequence_number)").Scan(&maxSeq).Error; err != nil {
		return nil, err
	}

	h := &ExecutionHistoryStore{
		db:        store.db,
		sessionID: sessionID,
		seq:       maxSeq.Int64,
		ring:      make([]ExecutionRecordRow, 0, defaultRingCapacity),
		queue:     make(chan ExecutionRecordRow, defaultQueueSize),
		closeCh:   make(chan struct{}),
	}
	h.wg.Add(1)
	go h.writeLoop()
	return h, nil
}

// Record implements session.HistoryRecorder: assigns the next sequence
// number, appends to the ring, and enqueues for the background writer.
func (h *ExecutionHistoryStore) Record(rec session.ExecutionRecord) {
	seq := atomic.AddInt64(&h.seq, 1)
	rec.SessionID = h.sessionID
	rec.SequenceNumber = seq
	h.enqueue(toExecutionRow(rec))
}

// RecordStage persists a bootstrap/teardown execution, which already
// carries a negative sequence number and so bypasses Record's sequence
// allocation entirely. Named distinctly from Record since Go methods
// can't overload on parameter type; StageHistoryAdapter below exposes it
// as orchestrate.HistoryRecorder.
func (h *ExecutionHistoryStore) RecordStage(exec orchestrate.StageExecution) {
	h.enqueue(toStageRow(h.sessionID, exec))
}

// StageHistoryAdapter exposes an ExecutionHistoryStore's RecordStage as
// orchestrate.HistoryRecorder, since ExecutionHistoryStore itself already
// implements session.HistoryRecorder via a same-named Record method with a
// different signature.
type StageHistoryAdapter struct {
	Store *ExecutionHistoryStore
}

func (a StageHistoryAdapter) Record(exec orchestrate.StageExecution) {
	a.Store.RecordStage(exec)
}

func (h *ExecutionHistoryStore) enqueue(row ExecutionRecordRow) {
	h.pushRing(row)
	select {
	case h.queue <- row:
	default:
		// Queue saturated: write synchronously rather than silently drop,
		// at the cost of blocking the caller briefly.
		if err := h.db.Create(&row).Error; err != nil {
			atomic.AddInt64(&h.lost, 1)
			logger.Error("execution history write failed", "session_id", h.sessionID, "error", err)
		}
	}
}

func (h *ExecutionHistoryStore) pushRing(row ExecutionRecordRow) {
	h.ringMu.Lock()
	defer h.ringMu.Unlock()
	if len(h.ring) < defaultRingCapacity {
		h.ring = append(h.ring, row)
		return
	}
	h.ring[h.ringPos] = row
	h.ringPos = (h.ringPos + 1) % defaultRingCapacity
}

func (h *ExecutionHistoryStore) ringSnapshot() []ExecutionRecordRow {
	h.ringMu.Lock()
	defer h.ringMu.Unlock()
	out := make([]ExecutionRecordRow, len(h.ring))
	copy(out, h.ring)
	return out
}

// writeLoop batches queued rows up to defaultBatchSize per transaction,
// flushing on a timer so low-traffic sessions don't wait indefinitely.
func (h *ExecutionHistoryStore) writeLoop() {
	defer h.wg.Done()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	batch := make([]ExecutionRecordRow, 0, defaultBatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := h.db.CreateInBatches(batch, defaultBatchSize).Error; err != nil {
			atomic.AddInt64(&h.lost, int64(len(batch)))
			logger.Error("execution history batch write failed", "session_id", h.sessionID, "count", len(batch), "error", err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case row := <-h.queue:
			batch = append(batch, row)
			if len(batch) >= defaultBatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-h.closeCh:
			// Drain whatever is already queued, then make a final flush.
			for {
				select {
				case row := <-h.queue:
					batch = append(batch, row)
				default:
					flush()
					return
				}
			}
		}
	}
}

// Flush drains the write queue synchronously within timeout. Records still
// outstanding when timeout elapses are counted as lost, per spec §4.11.
func (h *ExecutionHistoryStore) Flush(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = defaultFlushTimeout
	}
	deadline := time.After(timeout)
	for {
		select {
		case <-deadline:
			remaining := len(h.queue)
			if remaining > 0 {
				atomic.AddInt64(&h.lost, int64(remaining))
				return errors.New("execution history flush timed out with records outstanding")
			}
			return nil
		default:
			if len(h.queue) == 0 {
				return nil
			}
			time.Sleep(time.Millisecond)
		}
	}
}

// Close stops the background writer after a final flush.
func (h *ExecutionHistoryStore) Close() {
	select {
	case <-h.closeCh:
	default:
		close(h.closeCh)
	}
	h.wg.Wait()
}

// LostCount reports how many records were dropped after a flush timeout.
func (h *ExecutionHistoryStore) LostCount() int64 {
	return atomic.LoadInt64(&h.lost)
}

// List returns execution records descending by sequence number, merging the
// in-memory ring with DB results on the first page (offset 0) so
// recently-enqueued-but-not-yet-flushed records are visible, per spec
// §4.11. Subsequent pages are DB-only.
func (h *ExecutionHistoryStore) List(ctx context.Context, limit, offset int, since, until *time.Time) ([]session.ExecutionRecord, error) {
	q := h.db.WithContext(ctx).Model(&ExecutionRecordRow{}).
		Where("session_id = ?", h.sessionID).
		Order("sequence_number DESC")
	if since != nil {
		q = q.Where("sent_at >= ?", *since)
	}
	if until != nil {
		q = q.Where("sent_at <= ?", *until)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	if offset > 0 {
		q = q.Offset(offset)
	}

	var rows []ExecutionRecordRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}

	records := make([]session.ExecutionRecord, 0, len(rows))
	for i := range rows {
		records = append(records, rows[i].toExecutionRecord())
	}

	if offset != 0 {
		return records, nil
	}

	// First page: merge the ring (descending) ahead of DB rows already
	// covered by the ring's sequence range, deduplicating by sequence.
	seen := make(map[int64]struct{}, len(records))
	for _, r := range records {
		seen[r.SequenceNumber] = struct{}{}
	}

	ring := h.ringSnapshot()
	merged := make([]session.ExecutionRecord, 0, len(ring)+len(records))
	for i := len(ring) - 1; i >= 0; i-- {
		rec := ring[i].toExecutionRecord()
		if since != nil && rec.SentAt.Before(*since) {
			continue
		}
		if until != nil && rec.SentAt.After(*until) {
			continue
		}
		if _, dup := seen[rec.SequenceNumber]; dup {
			continue
		}
		seen[rec.SequenceNumber] = struct{}{}
		merged = append(merged, rec)
	}
	merged = append(merged, records...)
	// The ring is in insertion order, which stops matching sequence order
	// once it wraps or holds stage rows, so order the merged page here.
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].SequenceNumber > merged[j].SequenceNumber
	})

	if limit > 0 && len(merged) > limit {
		merged = merged[:limit]
	}
	return merged, nil
}

// ListForReplay returns every fuzz-target execution (sequence_number > 0)
// with sequence_number <= upToSequence, ascending — the only read path
// whose order differs from List.
func (h *ExecutionHistoryStore) ListForReplay(ctx context.Context, upToSequence int64) ([]session.ExecutionRecord, error) {
	var rows []ExecutionRecordRow
	if err := h.db.WithContext(ctx).Model(&ExecutionRecordRow{}).
		Where("session_id = ? AND sequence_number > 0 AND sequence_number <= ?", h.sessionID, upToSequence).
		Order("sequence_number ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}

	records := make([]session.ExecutionRecord, 0, len(rows))
	for i := range rows {
		records = append(records, rows[i].toExecutionRecord())
	}
	return records, nil
}

// FindBySequence looks up a single record by its exact sequence number.
func (h *ExecutionHistoryStore) FindBySequence(ctx context.Context, sequence int64) (*session.ExecutionRecord, error) {
	var row ExecutionRecordRow
	if err := h.db.WithContext(ctx).Where("session_id = ? AND sequence_number = ?", h.sessionID, sequence).
		First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrExecutionNotFound
		}
		return nil, err
	}
	rec := row.toExecutionRecord()
	return &rec, nil
}

// FindAtTime returns the record whose sent_at is closest to, but not after, t.
func (h *ExecutionHistoryStore) FindAtTime(ctx context.Context, t time.Time) (*session.ExecutionRecord, error) {
	var row ExecutionRecordRow
	if err := h.db.WithContext(ctx).Where("session_id = ? AND sent_at <= ?", h.sessionID, t).
		Order("sent_at DESC").First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrExecutionNotFound
		}
		return nil, err
	}
	rec := row.toExecutionRecord()
	return &rec, nil
}

// TotalCount trusts the in-memory counter while the session is active
// (seq reflects every fuzz record ever assigned, flushed or not); a
// reopened store falls back to the max of the DB count and the ring.
func (h *ExecutionHistoryStore) TotalCount(ctx context.Context) (int64, error) {
	current := atomic.LoadInt64(&h.seq)
	if current > 0 {
		return current, nil
	}
	var count int64
	if err := h.db.WithContext(ctx).Model(&ExecutionRecordRow{}).
		Where("session_id = ?", h.sessionID).Count(&count).Error; err != nil {
		return 0, err
	}
	ring := int64(len(h.ringSnapshot()))
	if ring > count {
		return ring, nil
	}
	return count, nil
}

func toExecutionRow(rec session.ExecutionRecord) ExecutionRecordRow {
	row := ExecutionRecordRow{
		SessionID:        rec.SessionID,
		SequenceNumber:   rec.SequenceNumber,
		SentAt:           rec.SentAt,
		ReceivedAt:       rec.ReceivedAt,
		Payload:          rec.Payload,
		Response:         rec.Response,
		Result:           string(rec.Result),
		MutationStrategy: rec.MutationStrategy,
		MessageType:      rec.MessageType,
		StateAtSend:      rec.StateAtSend,
	}
	if len(rec.MutatorsApplied) > 0 {
		if data, err := json.Marshal(rec.MutatorsApplied); err == nil {
			row.MutatorsApplied = string(data)
		}
	}
	if rec.ContextSnapshot != nil {
		if data, err := json.Marshal(rec.ContextSnapshot); err == nil {
			s := string(data)
			row.ContextSnapshot = &s
		}
	}
	if rec.ParsedFields != nil {
		if data, err := json.Marshal(rec.ParsedFields); err == nil {
			s := string(data)
			row.ParsedFields = &s
		}
	}
	if rec.StageName != "" {
		name := rec.StageName
		row.StageName = &name
	}
	if rec.ConnectionSequence != 0 {
		seq := rec.ConnectionSequence
		row.ConnectionSequence = &seq
	}
	return row
}

func toStageRow(sessionID string, exec orchestrate.StageExecution) ExecutionRecordRow {
	name := exec.StageName
	row := ExecutionRecordRow{
		SessionID:      sessionID,
		SequenceNumber: exec.SequenceNumber,
		SentAt:         exec.SentAt,
		ReceivedAt:     exec.ReceivedAt,
		Payload:        exec.Payload,
		Response:       exec.Response,
		Result:         exec.Result,
		StageName:      &name,
	}
	if exec.Error != "" {
		errStr := exec.Error
		row.Error = &errStr
	}
	if data, err := json.Marshal(exec.ContextSnapshot.Values); err == nil {
		s := string(data)
		row.ContextSnapshot = &s
	}
	return row
}

func (row ExecutionRecordRow) toExecutionRecord() session.ExecutionRecord {
	rec := session.ExecutionRecord{
		SessionID:        row.SessionID,
		SequenceNumber:   row.SequenceNumber,
		SentAt:           row.SentAt,
		ReceivedAt:       row.ReceivedAt,
		Payload:          row.Payload,
		Response:         row.Response,
		Result:           statemodel.Verdict(row.Result),
		MutationStrategy: row.MutationStrategy,
		MessageType:      row.MessageType,
		StateAtSend:      row.StateAtSend,
	}
	if row.MutatorsApplied != "" {
		var mutators []string
		if err := json.Unmarshal([]byte(row.MutatorsApplied), &mutators); err == nil {
			rec.MutatorsApplied = mutators
		}
	}
	if row.ContextSnapshot != nil {
		var snapshot map[string]any
		if err := json.Unmarshal([]byte(*row.ContextSnapshot), &snapshot); err == nil {
			rec.ContextSnapshot = snapshot
		}
	}
	if row.ParsedFields != nil {
		var fields map[string]any
		if err := json.Unmarshal([]byte(*row.ParsedFields), &fields); err == nil {
			rec.ParsedFields = fields
		}
	}
	if row.StageName != nil {
		rec.StageName = *row.StageName
	}
	if row.ConnectionSequence != nil {
		rec.ConnectionSequence = *row.ConnectionSequence
	}
	return rec
}
