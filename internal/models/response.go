package models

import (
	"encoding/json"
	"time"
)

// GeoJSONPoint is a GeoJSON Point with coordinates ordered [lng, lat]
type GeoJSONPoint struct {
	Type        string     `json:"type"`
	Coordinates [2]float64 `json:"coordinates"`
}

// NewGeoJSONPoint builds a Point from a longitude/latitude pair
func NewGeoJSONPoint(lng, lat float64) *GeoJSONPoint {
	return &GeoJSONPoint{Type: "Point", Coordinates: [2]float64{lng, lat}}
}

// GeoJSONPolygon is a GeoJSON Polygon; the first ring is the outer boundary,
// each vertex ordered [lng, lat]
type GeoJSONPolygon struct {
	Type        string         `json:"type"`
	Coordinates [][][2]float64 `json:"coordinates"`
}

// OuterRing returns the polygon's outer boundary, or nil when absent
func (p *GeoJSONPolygon) OuterRing() [][2]float64 {
	if p == nil || len(p.Coordinates) == 0 {
		return nil
	}
	return p.Coordinates[0]
}

// AnswerValue is a single question answer nested inside a response
type AnswerValue struct {
	QuestionID string          `json:"question_id"`
	Value      json.RawMessage `json:"value"`
}

// ResponsePayload is a completed survey interview as submitted to the backend
type ResponsePayload struct {
	SurveyID         string          `json:"survey_id"`
	InterviewerID    string          `json:"interviewer_id,omitempty"`
	OrgID            string          `json:"org_id,omitempty"`
	ConsentGiven     bool            `json:"consent_given"`
	DeviceID         string          `json:"device_id"`
	CollectedAt      time.Time       `json:"collected_at"`
	Location         *GeoJSONPoint   `json:"location,omitempty"`
	LocationAccuracy *float64        `json:"location_accuracy,omitempty"`
	AppVersion       string          `json:"app_version,omitempty"`
	Metadata         map[string]any  `json:"metadata,omitempty"`
	Answers          []AnswerValue   `json:"responses,omitempty"`
}

// AnswerPayload is a standalone answer referencing an already-synced response
type AnswerPayload struct {
	ResponseID string          `json:"response_id"`
	QuestionID string          `json:"question_id"`
	Value      json.RawMessage `json:"value"`
	DeviceID   string          `json:"device_id,omitempty"`
}

// BatchSyncRequest is one wire batch. Response and answer items travel in the
// same request; the server processes responses first, then answers, and emits
// results in that order.
type BatchSyncRequest struct {
	Responses []ResponsePayload `json:"responses"`
	Answers   []AnswerPayload   `json:"answers,omitempty"`
}

// Item result statuses
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// ItemResult reports the outcome of a single batch item. Results are
// positional: results[i] corresponds to the i-th submitted item.
type ItemResult struct {
	Status   string `json:"status"`
	ID       string `json:"id,omitempty"`
	Error    string `json:"error,omitempty"`
	DeviceID string `json:"device_id,omitempty"`
}

// BatchSyncResponse is the server's reply to a batch submission
type BatchSyncResponse struct {
	Success bool         `json:"success"`
	Results []ItemResult `json:"results,omitempty"`
	Synced  int          `json:"synced"`
	Failed  int          `json:"failed"`
	Error   string       `json:"error,omitempty"`
}

// Assignment is the server-side record an interviewer works against.
// A nil TargetArea means the assignment is geographically unconstrained.
type Assignment struct {
	ID            string          `json:"id"`
	TargetArea    *GeoJSONPolygon `json:"target_area,omitempty"`
	Neighborhoods []string        `json:"assigned_neighborhoods,omitempty"`
}

// ValidateLocationRequest asks the server whether a position is acceptable
// for an assignment. Lat/Lng are pointers so omission is distinguishable
// from zero.
type ValidateLocationRequest struct {
	Lat          *float64 `json:"lat"`
	Lng          *float64 `json:"lng"`
	AssignmentID string   `json:"assignment_id"`
	Accuracy     *float64 `json:"accuracy,omitempty"`
}

// ValidateLocationResponse is the validation endpoint's reply
type ValidateLocationResponse struct {
	Valid             bool     `json:"valid"`
	LocationValid     bool     `json:"location_valid"`
	AccuracyValid     bool     `json:"accuracy_valid"`
	AccuracyThreshold float64  `json:"accuracy_threshold"`
	CurrentAccuracy   *float64 `json:"current_accuracy"`
	Message           string   `json:"message"`
	AssignedArea      string   `json:"assigned_area"` // "defined" or "any"
	Neighborhoods     []string `json:"neighborhoods"`
	Error             string   `json:"error,omitempty"`
}
