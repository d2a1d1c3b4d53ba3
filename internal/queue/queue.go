package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"campoquest/field-sync/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrStorageFull is returned when the backing storage cannot accept writes
	ErrStorageFull = errors.New("queue storage is full")
	// ErrInvalidPayload is returned when a payload fails its kind's schema check
	ErrInvalidPayload = errors.New("invalid payload")
)

// DropHandler is invoked exactly once when an item reaches the retry ceiling
// and is removed from the queue
type DropHandler func(item models.SyncItem, reason string)

// Store is the durable local queue of pending sync items
type Store interface {
	Enqueue(ctx context.Context, kind models.ItemKind, payload json.RawMessage) (string, error)
	ListPending(ctx context.Context) ([]models.SyncItem, error)
	MarkAttemptFailed(ctx context.Context, id, reason string) (dropped bool, err error)
	Remove(ctx context.Context, id string) error
	PendingCount(ctx context.Context) (int, error)
}

// SQLiteStore persists the queue in the agent's local database. Every
// operation commits before returning, so acknowledged state survives restarts.
type SQLiteStore struct {
	db          *sql.DB
	maxAttempts int
	onDrop      DropHandler
	logger      *zap.Logger
}

// NewSQLiteStore creates a queue store over an open database
func NewSQLiteStore(db *sql.DB, maxAttempts int, logger *zap.Logger) *SQLiteStore {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &SQLiteStore{
		db:          db,
		maxAttempts: maxAttempts,
		logger:      logger,
	}
}

// OnDrop registers the terminal-drop notification handler
func (s *SQLiteStore) OnDrop(h DropHandler) {
	s.onDrop = h
}

// Enqueue validates the payload against its kind's schema, assigns a fresh id
// and persists the item with attempts=0
func (s *SQLiteStore) Enqueue(ctx context.Context, kind models.ItemKind, payload json.RawMessage) (string, error) {
	if err := validatePayload(kind, payload); err != nil {
		return "", err
	}

	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pending_items (id, kind, payload, enqueued_at, attempts)
		VALUES (?, ?, ?, ?, 0)
	`, id, string(kind), string(payload), time.Now().UTC())
	if err != nil {
		if isStorageFull(err) {
			return "", ErrStorageFull
		}
		return "", fmt.Errorf("failed to enqueue item: %w", err)
	}

	s.logger.Debug("Item enqueued",
		zap.String("id", id),
		zap.String("kind", string(kind)),
	)
	return id, nil
}

// ListPending returns all pending items in insertion order, oldest first
func (s *SQLiteStore) ListPending(ctx context.Context) ([]models.SyncItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, payload, enqueued_at, attempts
		FROM pending_items
		ORDER BY enqueued_at ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending items: %w", err)
	}
	defer rows.Close()

	var items []models.SyncItem
	for rows.Next() {
		var item models.SyncItem
		var kind, payload string
		if err := rows.Scan(&item.ID, &kind, &payload, &item.EnqueuedAt, &item.Attempts); err != nil {
			return nil, fmt.Errorf("failed to scan pending item: %w", err)
		}
		item.Kind = models.ItemKind(kind)
		item.Payload = json.RawMessage(payload)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pending items: %w", err)
	}

	return items, nil
}

// MarkAttemptFailed increments the item's attempt counter. When the counter
// reaches the ceiling the item is deleted and the drop handler fires; the
// caller learns about the terminal drop through the returned flag as well.
// Unknown ids are a no-op.
func (s *SQLiteStore) MarkAttemptFailed(ctx context.Context, id, reason string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var item models.SyncItem
	var kind, payload string
	err = tx.QueryRowContext(ctx, `
		SELECT id, kind, payload, enqueued_at, attempts
		FROM pending_items WHERE id = ?
	`, id).Scan(&item.ID, &kind, &payload, &item.EnqueuedAt, &item.Attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to load item %s: %w", id, err)
	}
	item.Kind = models.ItemKind(kind)
	item.Payload = json.RawMessage(payload)
	item.Attempts++

	if ShouldDrop(item.Attempts, s.maxAttempts) {
		if _, err := tx.ExecContext(ctx, `DELETE FROM pending_items WHERE id = ?`, id); err != nil {
			return false, fmt.Errorf("failed to drop item %s: %w", id, err)
		}
		if err := tx.Commit(); err != nil {
			return false, fmt.Errorf("failed to commit drop: %w", err)
		}

		s.logger.Warn("Item dropped after reaching retry ceiling",
			zap.String("id", id),
			zap.Int("attempts", item.Attempts),
			zap.String("reason", reason),
		)
		if s.onDrop != nil {
			s.onDrop(item, reason)
		}
		return true, nil
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE pending_items SET attempts = ?, last_attempt = ? WHERE id = ?
	`, item.Attempts, time.Now().UTC(), id)
	if err != nil {
		return false, fmt.Errorf("failed to record attempt for %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit attempt: %w", err)
	}

	s.logger.Debug("Submission attempt failed",
		zap.String("id", id),
		zap.Int("attempts", item.Attempts),
		zap.String("reason", reason),
	)
	return false, nil
}

// Remove deletes an item. Removing an unknown id is a no-op.
func (s *SQLiteStore) Remove(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM pending_items WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to remove item %s: %w", id, err)
	}
	return nil
}

// PendingCount returns the number of queued items
func (s *SQLiteStore) PendingCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_items`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending items: %w", err)
	}
	return count, nil
}

// validatePayload checks the payload against the schema of its kind so that
// malformed data never enters the queue
func validatePayload(kind models.ItemKind, payload json.RawMessage) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidPayload, kind)
	}
	switch kind {
	case models.KindResponse:
		var resp models.ResponsePayload
		if err := json.Unmarshal(payload, &resp); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		if resp.SurveyID == "" {
			return fmt.Errorf("%w: missing survey_id", ErrInvalidPayload)
		}
		if !resp.ConsentGiven {
			return fmt.Errorf("%w: consent_given is required", ErrInvalidPayload)
		}
	case models.KindAnswer:
		var ans models.AnswerPayload
		if err := json.Unmarshal(payload, &ans); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		if ans.ResponseID == "" || ans.QuestionID == "" {
			return fmt.Errorf("%w: missing response_id or question_id", ErrInvalidPayload)
		}
	}
	return nil
}

func isStorageFull(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database or disk is full") || strings.Contains(msg, "disk i/o error")
}
