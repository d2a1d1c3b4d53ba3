package capture

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"campoquest/field-sync/internal/geo"
	"campoquest/field-sync/internal/location"
	"campoquest/field-sync/internal/models"
	"campoquest/field-sync/internal/offline"
	"campoquest/field-sync/internal/queue"

	"go.uber.org/zap"
)

// Trigger requests sync passes and exposes the in-flight state
type Trigger interface {
	Trigger(reason string)
	Syncing() bool
}

// RemoteValidator asks the backend for an authoritative location check
type RemoteValidator interface {
	ValidateLocation(ctx context.Context, req *models.ValidateLocationRequest) (*models.ValidateLocationResponse, error)
}

// CaptureRequest is a completed interview posted by the form UI
type CaptureRequest struct {
	SurveyID      string               `json:"survey_id"`
	AssignmentID  string               `json:"assignment_id"`
	InterviewerID string               `json:"interviewer_id,omitempty"`
	OrgID         string               `json:"org_id,omitempty"`
	ConsentGiven  bool                 `json:"consent_given"`
	Metadata      map[string]any       `json:"metadata,omitempty"`
	Answers       []models.AnswerValue `json:"responses,omitempty"`
}

// CaptureResponse acknowledges an accepted interview
type CaptureResponse struct {
	ID         string     `json:"id"`
	Queued     bool       `json:"queued"`
	Validation validation `json:"validation"`
}

type validation struct {
	Valid         bool   `json:"valid"`
	LocationValid bool   `json:"location_valid"`
	AccuracyValid bool   `json:"accuracy_valid"`
	Message       string `json:"message"`
}

// StatusResponse reports the agent's sync state
type StatusResponse struct {
	Online   bool   `json:"online"`
	Syncing  bool   `json:"syncing"`
	Pending  int    `json:"pending"`
	DeviceID string `json:"device_id"`
}

// Options carries the identity and validation settings the server stamps
// onto captured responses
type Options struct {
	DeviceID          string
	AppVersion        string
	AccuracyThreshold float64
	HighAccuracy      bool
}

// Server is the agent-local HTTP surface the external form UI talks to.
// The geofence and accuracy gates run here, before anything reaches the
// queue, so invalid captures never become queue entries.
type Server struct {
	store   queue.Store
	cache   *offline.Store
	sampler *location.Sampler
	trigger Trigger
	remote  RemoteValidator
	online  func() bool
	opts    Options
	logger  *zap.Logger
}

// NewServer creates the capture server. remote may be nil; it is only
// consulted for location previews when no assignment area is cached locally.
func NewServer(
	store queue.Store,
	cache *offline.Store,
	sampler *location.Sampler,
	trigger Trigger,
	remote RemoteValidator,
	online func() bool,
	opts Options,
	logger *zap.Logger,
) *Server {
	if opts.AccuracyThreshold <= 0 {
		opts.AccuracyThreshold = geo.DefaultAccuracyThreshold
	}
	return &Server{
		store:   store,
		cache:   cache,
		sampler: sampler,
		trigger: trigger,
		remote:  remote,
		online:  online,
		opts:    opts,
		logger:  logger,
	}
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// The form UI runs in a webview on a different origin
	s.setCORSHeaders(w)

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	switch r.URL.Path {
	case "/api/v1/responses":
		if r.Method == http.MethodPost {
			s.handleCapture(w, r)
		} else {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	case "/api/v1/assignments":
		if r.Method == http.MethodPost {
			s.handleAssignmentUpload(w, r)
		} else {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	case "/api/v1/status":
		if r.Method == http.MethodGet {
			s.handleStatus(w, r)
		} else {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	case "/api/v1/location":
		if r.Method == http.MethodGet {
			s.handleLocation(w, r)
		} else {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	case "/api/v1/sync":
		if r.Method == http.MethodPost {
			s.trigger.Trigger("manual")
			s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "scheduled"})
		} else {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	case "/api/v1/health":
		s.writeJSON(w, http.StatusOK, map[string]any{
			"status":    "ok",
			"timestamp": time.Now().Unix(),
		})
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.Header().Set("Access-Control-Max-Age", "3600")
}

// handleCapture validates the interview's location and enqueues it for sync
func (s *Server) handleCapture(w http.ResponseWriter, r *http.Request) {
	var req CaptureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.logger.Warn("Failed to decode capture request", zap.Error(err))
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if req.SurveyID == "" {
		http.Error(w, "Missing survey_id", http.StatusBadRequest)
		return
	}
	if !req.ConsentGiven {
		http.Error(w, "Consent is required", http.StatusBadRequest)
		return
	}

	sample, err := s.sampler.Sample(r.Context(), s.opts.HighAccuracy)
	if err != nil {
		s.logger.Warn("Failed to obtain location", zap.Error(err))
		s.writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error": "Could not obtain a GPS position: " + err.Error(),
		})
		return
	}

	area := s.assignmentArea(r.Context(), req.AssignmentID)
	result := geo.Validate(sample.Latitude, sample.Longitude, sample.AccuracyMeters, area, s.opts.AccuracyThreshold)
	if !result.Valid {
		// Blocking failure: the interviewer must resolve positioning before
		// the interview can be stored at all.
		s.writeJSON(w, http.StatusUnprocessableEntity, CaptureResponse{
			Validation: validation{
				Valid:         false,
				LocationValid: result.LocationValid,
				AccuracyValid: result.AccuracyValid,
				Message:       result.Message,
			},
		})
		return
	}

	payload := models.ResponsePayload{
		SurveyID:         req.SurveyID,
		InterviewerID:    req.InterviewerID,
		OrgID:            req.OrgID,
		ConsentGiven:     req.ConsentGiven,
		DeviceID:         s.opts.DeviceID,
		CollectedAt:      time.Now().UTC(),
		Location:         models.NewGeoJSONPoint(sample.Longitude, sample.Latitude),
		LocationAccuracy: sample.AccuracyMeters,
		AppVersion:       s.opts.AppVersion,
		Metadata:         req.Metadata,
		Answers:          req.Answers,
	}

	data, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, "Failed to encode response payload", http.StatusInternalServerError)
		return
	}

	id, err := s.store.Enqueue(r.Context(), models.KindResponse, data)
	if err != nil {
		if errors.Is(err, queue.ErrStorageFull) {
			s.logger.Error("Local storage exhausted", zap.Error(err))
			http.Error(w, "Local storage is full", http.StatusInsufficientStorage)
			return
		}
		s.logger.Error("Failed to enqueue response", zap.Error(err))
		http.Error(w, "Failed to store response", http.StatusInternalServerError)
		return
	}

	s.logger.Info("Interview queued for sync",
		zap.String("id", id),
		zap.String("survey_id", req.SurveyID),
	)
	s.trigger.Trigger("response enqueued")

	s.writeJSON(w, http.StatusCreated, CaptureResponse{
		ID:     id,
		Queued: true,
		Validation: validation{
			Valid:         true,
			LocationValid: true,
			AccuracyValid: true,
			Message:       result.Message,
		},
	})
}

// handleAssignmentUpload stores the interviewer's assignment locally so the
// geofence gate keeps working while offline. The form UI pushes the
// assignment here when it is selected or refreshed.
func (s *Server) handleAssignmentUpload(w http.ResponseWriter, r *http.Request) {
	var assignment models.Assignment
	if err := json.NewDecoder(r.Body).Decode(&assignment); err != nil {
		s.logger.Warn("Failed to decode assignment", zap.Error(err))
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if assignment.ID == "" {
		http.Error(w, "Missing assignment id", http.StatusBadRequest)
		return
	}

	if err := s.cache.Put(r.Context(), "assignment_"+assignment.ID, assignment); err != nil {
		s.logger.Error("Failed to cache assignment", zap.Error(err))
		http.Error(w, "Failed to store assignment", http.StatusInternalServerError)
		return
	}

	s.logger.Info("Assignment cached for offline validation",
		zap.String("assignment_id", assignment.ID),
		zap.Bool("has_target_area", assignment.TargetArea != nil),
	)
	s.writeJSON(w, http.StatusOK, map[string]any{
		"stored":        true,
		"assignment_id": assignment.ID,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	pending, err := s.store.PendingCount(r.Context())
	if err != nil {
		s.logger.Error("Failed to count pending items", zap.Error(err))
		http.Error(w, "Failed to read queue state", http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, http.StatusOK, StatusResponse{
		Online:   s.online(),
		Syncing:  s.trigger.Syncing(),
		Pending:  pending,
		DeviceID: s.opts.DeviceID,
	})
}

func (s *Server) handleLocation(w http.ResponseWriter, r *http.Request) {
	sample, err := s.sampler.Sample(r.Context(), s.opts.HighAccuracy)
	if err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": err.Error(),
		})
		return
	}

	resp := map[string]any{"sample": sample}
	if assignmentID := r.URL.Query().Get("assignment_id"); assignmentID != "" {
		resp["validation"] = s.previewValidation(r.Context(), assignmentID, sample)
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// previewValidation validates against the locally cached area. With no cached
// area and a reachable backend it defers to the server's authoritative check,
// which knows the assignment; a backend failure falls back to the local
// unconstrained result.
func (s *Server) previewValidation(ctx context.Context, assignmentID string, sample *location.Sample) validation {
	area := s.assignmentArea(ctx, assignmentID)

	if area == nil && s.remote != nil && s.online() {
		remote, err := s.remote.ValidateLocation(ctx, &models.ValidateLocationRequest{
			Lat:          &sample.Latitude,
			Lng:          &sample.Longitude,
			AssignmentID: assignmentID,
			Accuracy:     sample.AccuracyMeters,
		})
		if err == nil && remote.Error == "" {
			return validation{
				Valid:         remote.Valid,
				LocationValid: remote.LocationValid,
				AccuracyValid: remote.AccuracyValid,
				Message:       remote.Message,
			}
		}
		if err != nil {
			s.logger.Debug("Remote validation unavailable", zap.Error(err))
		}
	}

	result := geo.Validate(sample.Latitude, sample.Longitude, sample.AccuracyMeters, area, s.opts.AccuracyThreshold)
	return validation{
		Valid:         result.Valid,
		LocationValid: result.LocationValid,
		AccuracyValid: result.AccuracyValid,
		Message:       result.Message,
	}
}

// assignmentArea loads the offline-cached target area for an assignment.
// A missing or unconstrained assignment yields a nil polygon, which the
// validator treats as "any location accepted".
func (s *Server) assignmentArea(ctx context.Context, assignmentID string) geo.Polygon {
	if assignmentID == "" {
		return nil
	}

	var assignment models.Assignment
	found, err := s.cache.Get(ctx, "assignment_"+assignmentID, &assignment)
	if err != nil {
		s.logger.Warn("Failed to load cached assignment",
			zap.Error(err),
			zap.String("assignment_id", assignmentID),
		)
		return nil
	}
	if !found {
		s.logger.Debug("No cached assignment, treating area as unconstrained",
			zap.String("assignment_id", assignmentID),
		)
		return nil
	}

	return geo.FromPairs(assignment.TargetArea.OuterRing())
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}
