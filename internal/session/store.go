// Package session persists the control surface's editable fields and counters.
package session

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"flowgen/internal/model"
	"flowgen/internal/observability"
)

type Store struct {
	kv  KV
	key string
	log *zap.Logger
}

func NewStore(kv KV, log *zap.Logger) *Store {
	return &Store{kv: kv, key: model.SessionKey, log: observability.OrNop(log)}
}

// Load returns the saved session, or the defaults when nothing was saved.
func (s *Store) Load(ctx context.Context) (model.PersistedSession, error) {
	raw, ok, err := s.kv.Get(ctx, s.key)
	if err != nil {
		return model.PersistedSession{}.Normalized(), fmt.Errorf("load session: %w", err)
	}
	if !ok {
		return model.PersistedSession{}.Normalized(), nil
	}
	var sess model.PersistedSession
	if err := json.Unmarshal(raw, &sess); err != nil {
		return model.PersistedSession{}.Normalized(), fmt.Errorf("parse session %s: %w", s.key, err)
	}
	s.log.Debug("session loaded", zap.Int("delay", sess.Delay), zap.Int("repeat", sess.Repeat))
	return sess.Normalized(), nil
}

func (s *Store) Save(ctx context.Context, sess model.PersistedSession) error {
	data, err := json.Marshal(sess.Normalized())
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := s.kv.Set(ctx, s.key, data); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// Clear removes the saved record. Only an explicit user action calls this.
func (s *Store) Clear(ctx context.Context) error {
	if err := s.kv.Delete(ctx, s.key); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}
