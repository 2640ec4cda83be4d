package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/protofuzz/protofuzz/pkg/session"
)

// SessionStore persists session.Session values keyed by id, with the full
// session state carried as a JSON blob plus a handful of indexed scalar
// columns for filtering, per spec §6's persistence model.
type SessionStore struct {
	store *Store
}

// NewSessionStore wraps store for session persistence.
func NewSessionStore(store *Store) *SessionStore {
	return &SessionStore{store: store}
}

// SessionFilter narrows ListSessions; zero values are unfiltered.
type SessionFilter struct {
	Status   session.Status
	Protocol string
	Plugin   string
	Limit    int
	Offset   int
}

func toSessionRow(s *session.Session) (*SessionRow, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal session state: %w", err)
	}
	return &SessionRow{
		ID:         s.ID,
		Status:     string(s.Status),
		Protocol:   s.Config.Protocol,
		Plugin:     s.Config.PluginName,
		TargetHost: s.Config.Target.Host,
		TargetPort: s.Config.Target.Port,
		State:      string(data),
		CreatedAt:  s.CreatedAt,
	}, nil
}

func (r *SessionRow) toDomain() (*session.Session, error) {
	var s session.Session
	if err := json.Unmarshal([]byte(r.State), &s); err != nil {
		return nil, fmt.Errorf("unmarshal session state: %w", err)
	}
	return &s, nil
}

// Save inserts or updates a session's full state.
func (ss *SessionStore) Save(ctx context.Context, s *session.Session) error {
	row, err := toSessionRow(s)
	if err != nil {
		return err
	}
	if err := ss.store.db.WithContext(ctx).Save(row).Error; err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("session %s: %w", s.ID, err)
		}
		return err
	}
	return nil
}

// Get loads a session by id.
func (ss *SessionStore) Get(ctx context.Context, id string) (*session.Session, error) {
	var row SessionRow
	if err := ss.store.db.WithContext(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	return row.toDomain()
}

// List returns sessions matching filter, newest first.
func (ss *SessionStore) List(ctx context.Context, filter SessionFilter) ([]*session.Session, error) {
	q := ss.store.db.WithContext(ctx).Model(&SessionRow{}).Order("created_at DESC")
	if filter.Status != "" {
		q = q.Where("status = ?", string(filter.Status))
	}
	if filter.Protocol != "" {
		q = q.Where("protocol = ?", filter.Protocol)
	}
	if filter.Plugin != "" {
		q = q.Where("plugin = ?", filter.Plugin)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		q = q.Offset(filter.Offset)
	}

	var rows []SessionRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}

	out := make([]*session.Session, 0, len(rows))
	for i := range rows {
		s, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// Delete removes a session and its execution history.
func (ss *SessionStore) Delete(ctx context.Context, id string) error {
	return ss.store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Where("id = ?", id).Delete(&SessionRow{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrSessionNotFound
		}
		return tx.Where("session_id = ?", id).Delete(&ExecutionRecordRow{}).Error
	})
}
