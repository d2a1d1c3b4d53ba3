package api

import (
	"encoding/json"
	"net/http"

	"campoquest/field-sync/internal/metrics"
	"campoquest/field-sync/internal/models"

	"go.uber.org/zap"
)

// handleSync ingests one batch of responses and answers. Each item is
// validated and persisted independently: a bad item yields an error result
// in its slot while the rest of the batch proceeds. Results are positional,
// responses first, then answers, matching the submission order.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	var batch models.BatchSyncRequest
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		s.logger.Warn("Malformed batch request", zap.Error(err))
		s.writeJSON(w, http.StatusInternalServerError, models.BatchSyncResponse{
			Success: false,
			Error:   "invalid request body",
		})
		return
	}

	metrics.BatchesTotal.Inc()

	resp := models.BatchSyncResponse{Success: true}

	for i := range batch.Responses {
		result := s.syncResponse(r, &batch.Responses[i])
		resp.Results = append(resp.Results, result)
		if result.Status == models.StatusSuccess {
			resp.Synced++
		} else {
			resp.Failed++
		}
	}

	for i := range batch.Answers {
		result := s.syncAnswer(r, &batch.Answers[i])
		resp.Results = append(resp.Results, result)
		if result.Status == models.StatusSuccess {
			resp.Synced++
		} else {
			resp.Failed++
		}
	}

	metrics.ItemsSyncedTotal.Add(float64(resp.Synced))
	metrics.ItemsFailedTotal.Add(float64(resp.Failed))

	s.logger.Info("Batch processed",
		zap.Int("synced", resp.Synced),
		zap.Int("failed", resp.Failed),
	)
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) syncResponse(r *http.Request, payload *models.ResponsePayload) models.ItemResult {
	if payload.SurveyID == "" || !payload.ConsentGiven {
		return models.ItemResult{
			Status:   models.StatusError,
			Error:    "missing required fields",
			DeviceID: payload.DeviceID,
		}
	}

	id, err := s.store.SubmitResponse(r.Context(), payload)
	if err != nil {
		s.logger.Error("Failed to store response",
			zap.Error(err),
			zap.String("survey_id", payload.SurveyID),
			zap.String("device_id", payload.DeviceID),
		)
		return models.ItemResult{
			Status:   models.StatusError,
			Error:    err.Error(),
			DeviceID: payload.DeviceID,
		}
	}

	return models.ItemResult{
		Status:   models.StatusSuccess,
		ID:       id,
		DeviceID: payload.DeviceID,
	}
}

func (s *Server) syncAnswer(r *http.Request, payload *models.AnswerPayload) models.ItemResult {
	if payload.ResponseID == "" || payload.QuestionID == "" {
		return models.ItemResult{
			Status:   models.StatusError,
			Error:    "missing required fields",
			DeviceID: payload.DeviceID,
		}
	}

	id, err := s.store.SubmitAnswer(r.Context(), payload)
	if err != nil {
		s.logger.Error("Failed to store answer",
			zap.Error(err),
			zap.String("response_id", payload.ResponseID),
			zap.String("question_id", payload.QuestionID),
		)
		return models.ItemResult{
			Status:   models.StatusError,
			Error:    err.Error(),
			DeviceID: payload.DeviceID,
		}
	}

	return models.ItemResult{
		Status:   models.StatusSuccess,
		ID:       id,
		DeviceID: payload.DeviceID,
	}
}
