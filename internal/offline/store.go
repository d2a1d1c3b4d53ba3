package offline

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// keyPrefix namespaces every offline-cached entry
const keyPrefix = "campo_quest_"

// Store caches arbitrary payloads (assignments, survey definitions) locally
// so the agent can keep collecting while offline
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewStore(db *sql.DB, logger *zap.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// Put serializes value and stores it under the logical key
func (s *Store) Put(ctx context.Context, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal offline value: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO offline_cache (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, keyPrefix+key, string(data), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to store offline value %q: %w", key, err)
	}

	s.logger.Debug("Offline value stored", zap.String("key", key))
	return nil
}

// Get loads the value stored under the logical key into dest. The second
// return value is false when the key is absent.
func (s *Store) Get(ctx context.Context, key string, dest any) (bool, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `
		SELECT value FROM offline_cache WHERE key = ?
	`, keyPrefix+key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to load offline value %q: %w", key, err)
	}

	if err := json.Unmarshal([]byte(data), dest); err != nil {
		return false, fmt.Errorf("failed to unmarshal offline value %q: %w", key, err)
	}
	return true, nil
}

// Delete removes a cached entry; unknown keys are a no-op
func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM offline_cache WHERE key = ?`, keyPrefix+key); err != nil {
		return fmt.Errorf("failed to delete offline value %q: %w", key, err)
	}
	return nil
}
