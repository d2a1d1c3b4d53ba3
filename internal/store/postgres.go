package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"campoquest/field-sync/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// ErrAssignmentNotFound is returned when an assignment id has no record
var ErrAssignmentNotFound = errors.New("assignment not found")

// Store persists synced survey data in Postgres
type Store struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// Open connects to Postgres and ensures the schema exists
func Open(ctx context.Context, dsn string, logger *zap.Logger) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid database dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &Store{pool: pool, logger: logger}
	if err := store.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	logger.Info("Database connection established")
	return store, nil
}

func (s *Store) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS assignments (
			id TEXT PRIMARY KEY,
			target_area JSONB,
			assigned_neighborhoods JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS responses (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			survey_id TEXT NOT NULL,
			interviewer_id TEXT,
			org_id TEXT,
			consent_given BOOLEAN NOT NULL,
			device_id TEXT NOT NULL,
			collected_at TIMESTAMPTZ NOT NULL,
			location JSONB,
			location_accuracy DOUBLE PRECISION,
			app_version TEXT,
			metadata JSONB,
			received_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_responses_survey ON responses(survey_id)`,
		`CREATE INDEX IF NOT EXISTS idx_responses_device ON responses(device_id)`,
		`CREATE TABLE IF NOT EXISTS answers (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			response_id UUID NOT NULL REFERENCES responses(id) ON DELETE CASCADE,
			question_id TEXT NOT NULL,
			value JSONB,
			device_id TEXT,
			received_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_answers_response ON answers(response_id)`,
	}

	for _, migration := range migrations {
		if _, err := s.pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	s.logger.Info("Database migrations completed")
	return nil
}

// SubmitResponse persists one response with its nested answers in a single
// transaction. A failure in any nested answer rolls the whole response back,
// so an item is either fully stored or not stored at all.
func (s *Store) SubmitResponse(ctx context.Context, payload *models.ResponsePayload) (string, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var location, metadata []byte
	if payload.Location != nil {
		if location, err = json.Marshal(payload.Location); err != nil {
			return "", fmt.Errorf("failed to encode location: %w", err)
		}
	}
	if payload.Metadata != nil {
		if metadata, err = json.Marshal(payload.Metadata); err != nil {
			return "", fmt.Errorf("failed to encode metadata: %w", err)
		}
	}

	collectedAt := payload.CollectedAt
	if collectedAt.IsZero() {
		collectedAt = time.Now().UTC()
	}

	var responseID string
	err = tx.QueryRow(ctx, `
		INSERT INTO responses (
			survey_id, interviewer_id, org_id, consent_given, device_id,
			collected_at, location, location_accuracy, app_version, metadata
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id
	`,
		payload.SurveyID, nullable(payload.InterviewerID), nullable(payload.OrgID),
		payload.ConsentGiven, payload.DeviceID, collectedAt,
		location, payload.LocationAccuracy, nullable(payload.AppVersion), metadata,
	).Scan(&responseID)
	if err != nil {
		return "", fmt.Errorf("failed to insert response: %w", err)
	}

	for _, answer := range payload.Answers {
		if _, err := tx.Exec(ctx, `
			INSERT INTO answers (response_id, question_id, value, device_id)
			VALUES ($1, $2, $3, $4)
		`, responseID, answer.QuestionID, rawOrNil(answer.Value), payload.DeviceID); err != nil {
			return "", fmt.Errorf("failed to insert answer for question %s: %w", answer.QuestionID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("failed to commit response: %w", err)
	}

	s.logger.Debug("Response stored",
		zap.String("response_id", responseID),
		zap.String("survey_id", payload.SurveyID),
		zap.Int("answers", len(payload.Answers)),
	)
	return responseID, nil
}

// SubmitAnswer persists a standalone answer referencing an existing response
func (s *Store) SubmitAnswer(ctx context.Context, payload *models.AnswerPayload) (string, error) {
	var answerID string
	err := s.pool.QueryRow(ctx, `
		INSERT INTO answers (response_id, question_id, value, device_id)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, payload.ResponseID, payload.QuestionID, rawOrNil(payload.Value), nullable(payload.DeviceID)).Scan(&answerID)
	if err != nil {
		return "", fmt.Errorf("failed to insert answer: %w", err)
	}
	return answerID, nil
}

// GetAssignment loads an assignment with its target area and neighborhoods
func (s *Store) GetAssignment(ctx context.Context, id string) (*models.Assignment, error) {
	var (
		assignment    models.Assignment
		targetArea    []byte
		neighborhoods []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, target_area, assigned_neighborhoods FROM assignments WHERE id = $1
	`, id).Scan(&assignment.ID, &targetArea, &neighborhoods)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAssignmentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load assignment %s: %w", id, err)
	}

	if len(targetArea) > 0 {
		var polygon models.GeoJSONPolygon
		if err := json.Unmarshal(targetArea, &polygon); err != nil {
			return nil, fmt.Errorf("corrupt target area for assignment %s: %w", id, err)
		}
		assignment.TargetArea = &polygon
	}
	if len(neighborhoods) > 0 {
		if err := json.Unmarshal(neighborhoods, &assignment.Neighborhoods); err != nil {
			return nil, fmt.Errorf("corrupt neighborhoods for assignment %s: %w", id, err)
		}
	}

	return &assignment, nil
}

// Close releases the connection pool
func (s *Store) Close() {
	s.pool.Close()
	s.logger.Info("Database connection closed")
}

func rawOrNil(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	return raw
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
