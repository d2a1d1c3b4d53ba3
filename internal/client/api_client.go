package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"campoquest/field-sync/internal/models"

	"go.uber.org/zap"
)

// APIClient handles communication with the sync backend
type APIClient struct {
	baseURL    string
	authToken  string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewAPIClient creates a new API client
func NewAPIClient(baseURL string, timeout time.Duration, logger *zap.Logger) *APIClient {
	return &APIClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger,
	}
}

// SetAuthToken sets the bearer token attached to every request
func (c *APIClient) SetAuthToken(token string) {
	c.authToken = token
}

// SubmitBatch submits a batch of queued items. A non-nil error means the
// whole batch failed (transport error or request-level server failure); the
// caller must treat every item as failed.
func (c *APIClient) SubmitBatch(ctx context.Context, batch *models.BatchSyncRequest) (*models.BatchSyncResponse, error) {
	if len(batch.Responses) == 0 && len(batch.Answers) == 0 {
		return nil, fmt.Errorf("cannot submit empty batch")
	}

	jsonData, err := json.Marshal(batch)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal batch: %w", err)
	}

	url := fmt.Sprintf("%s/api/v1/sync", c.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req)

	startTime := time.Now()
	resp, err := c.httpClient.Do(req)
	duration := time.Since(startTime)

	if err != nil {
		c.logger.Error("Failed to submit batch",
			zap.Error(err),
			zap.Int("response_count", len(batch.Responses)),
			zap.Int("answer_count", len(batch.Answers)),
			zap.Duration("duration", duration),
		)
		return nil, &TransportError{Err: err}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, c.statusError(resp.StatusCode, body)
	}

	var syncResp models.BatchSyncResponse
	if err := json.Unmarshal(body, &syncResp); err != nil {
		return nil, &BackendError{
			Message:    fmt.Sprintf("unparseable sync response: %v", err),
			StatusCode: resp.StatusCode,
		}
	}

	c.logger.Info("Batch submitted",
		zap.Int("synced", syncResp.Synced),
		zap.Int("failed", syncResp.Failed),
		zap.Duration("duration", duration),
	)
	return &syncResp, nil
}

// ValidateLocation asks the backend whether a position is acceptable for an
// assignment
func (c *APIClient) ValidateLocation(ctx context.Context, req *models.ValidateLocationRequest) (*models.ValidateLocationResponse, error) {
	jsonData, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal validation request: %w", err)
	}

	url := fmt.Sprintf("%s/api/v1/validate-location", c.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	// The validation endpoint answers 500 with a body that still carries the
	// error message; surface it rather than the bare status.
	var result models.ValidateLocationResponse
	if err := json.Unmarshal(body, &result); err != nil {
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, c.statusError(resp.StatusCode, body)
		}
		return nil, &BackendError{
			Message:    fmt.Sprintf("unparseable validation response: %v", err),
			StatusCode: resp.StatusCode,
		}
	}
	return &result, nil
}

// HealthCheck checks if the backend is reachable
func (c *APIClient) HealthCheck(ctx context.Context) error {
	url := fmt.Sprintf("%s/health", c.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

func (c *APIClient) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
}

func (c *APIClient) statusError(statusCode int, body []byte) error {
	errMsg := fmt.Sprintf("backend returned status %d: %s", statusCode, string(body))

	switch statusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		c.logger.Error("Authentication failed",
			zap.Int("status_code", statusCode),
		)
		return &AuthError{Message: errMsg, StatusCode: statusCode}
	case http.StatusTooManyRequests:
		c.logger.Warn("Rate limited",
			zap.Int("status_code", statusCode),
		)
		return &RateLimitError{Message: errMsg, StatusCode: statusCode}
	case http.StatusBadRequest:
		c.logger.Error("Invalid request",
			zap.Int("status_code", statusCode),
			zap.String("response", string(body)),
		)
		return &BadRequestError{Message: errMsg, StatusCode: statusCode}
	default:
		c.logger.Error("Backend error",
			zap.Int("status_code", statusCode),
			zap.String("response", string(body)),
		)
		return &BackendError{Message: errMsg, StatusCode: statusCode}
	}
}

// Error types

// TransportError wraps failures where no response was received at all
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("request failed: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

type AuthError struct {
	Message    string
	StatusCode int
}

func (e *AuthError) Error() string {
	return e.Message
}

type RateLimitError struct {
	Message    string
	StatusCode int
}

func (e *RateLimitError) Error() string {
	return e.Message
}

type BadRequestError struct {
	Message    string
	StatusCode int
}

func (e *BadRequestError) Error() string {
	return e.Message
}

type BackendError struct {
	Message    string
	StatusCode int
}

func (e *BackendError) Error() string {
	return e.Message
}
