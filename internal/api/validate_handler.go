package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"campoquest/field-sync/internal/geo"
	"campoquest/field-sync/internal/metrics"
	"campoquest/field-sync/internal/models"
	"campoquest/field-sync/internal/store"

	"go.uber.org/zap"
)

// handleValidateLocation checks a reported position against the assignment's
// target area and the accuracy threshold. The assignment is looked up in the
// cache first and read through to the database on a miss.
func (s *Server) handleValidateLocation(w http.ResponseWriter, r *http.Request) {
	var req models.ValidateLocationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusInternalServerError, models.ValidateLocationResponse{
			Error: "invalid request body",
		})
		return
	}

	if req.Lat == nil || req.Lng == nil || req.AssignmentID == "" {
		s.writeJSON(w, http.StatusInternalServerError, models.ValidateLocationResponse{
			Error: "lat, lng and assignment_id are required",
		})
		return
	}

	assignment, cached := s.cache.Get(r.Context(), req.AssignmentID)
	if !cached {
		var err error
		assignment, err = s.assignments.GetAssignment(r.Context(), req.AssignmentID)
		if errors.Is(err, store.ErrAssignmentNotFound) {
			s.writeJSON(w, http.StatusInternalServerError, models.ValidateLocationResponse{
				Error: "assignment not found",
			})
			return
		}
		if err != nil {
			s.logger.Error("Failed to load assignment",
				zap.Error(err),
				zap.String("assignment_id", req.AssignmentID),
			)
			s.writeJSON(w, http.StatusInternalServerError, models.ValidateLocationResponse{
				Error: "failed to load assignment",
			})
			return
		}
		s.cache.Put(r.Context(), assignment)
	}

	area := geo.FromPairs(assignment.TargetArea.OuterRing())
	result := geo.Validate(*req.Lat, *req.Lng, req.Accuracy, area, s.accuracyThreshold)

	assignedArea := "any"
	if len(area) > 0 {
		assignedArea = "defined"
	}

	neighborhoods := assignment.Neighborhoods
	if neighborhoods == nil {
		neighborhoods = []string{}
	}

	switch {
	case result.Valid:
		metrics.ValidationsTotal.WithLabelValues("valid").Inc()
	case !result.AccuracyValid:
		metrics.ValidationsTotal.WithLabelValues("invalid_accuracy").Inc()
	default:
		metrics.ValidationsTotal.WithLabelValues("invalid_location").Inc()
	}

	s.writeJSON(w, http.StatusOK, models.ValidateLocationResponse{
		Valid:             result.Valid,
		LocationValid:     result.LocationValid,
		AccuracyValid:     result.AccuracyValid,
		AccuracyThreshold: s.accuracyThreshold,
		CurrentAccuracy:   req.Accuracy,
		Message:           result.Message,
		AssignedArea:      assignedArea,
		Neighborhoods:     neighborhoods,
	})
}
