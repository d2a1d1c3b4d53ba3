package capture

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"campoquest/field-sync/internal/database"
	"campoquest/field-sync/internal/location"
	"campoquest/field-sync/internal/models"
	"campoquest/field-sync/internal/offline"
	"campoquest/field-sync/internal/queue"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type staticProvider struct {
	sample location.Sample
}

func (p *staticProvider) CurrentPosition(ctx context.Context, highAccuracy bool) (*location.Sample, error) {
	s := p.sample
	s.CapturedAt = time.Now()
	return &s, nil
}

type fakeTrigger struct {
	mu      sync.Mutex
	reasons []string
}

func (f *fakeTrigger) Trigger(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reasons = append(f.reasons, reason)
}

func (f *fakeTrigger) Syncing() bool { return false }

func (f *fakeTrigger) triggered() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reasons)
}

type fixture struct {
	server  *Server
	store   *queue.SQLiteStore
	cache   *offline.Store
	trigger *fakeTrigger
}

func newFixture(t *testing.T, sample location.Sample) *fixture {
	t.Helper()

	db, err := database.New(filepath.Join(t.TempDir(), "agent.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store := queue.NewSQLiteStore(db.DB, queue.DefaultMaxAttempts, zap.NewNop())
	cache := offline.NewStore(db.DB, zap.NewNop())
	sampler := location.NewSampler(&staticProvider{sample: sample}, location.Options{}, zap.NewNop())
	trigger := &fakeTrigger{}

	server := NewServer(store, cache, sampler, trigger, nil, func() bool { return true }, Options{
		DeviceID:          "device-1",
		AppVersion:        "1.0.0",
		AccuracyThreshold: 50,
		HighAccuracy:      true,
	}, zap.NewNop())

	return &fixture{server: server, store: store, cache: cache, trigger: trigger}
}

func acc(v float64) *float64 { return &v }

func captureBody(t *testing.T) *bytes.Buffer {
	t.Helper()
	data, err := json.Marshal(CaptureRequest{
		SurveyID:     "survey-1",
		AssignmentID: "assign-1",
		ConsentGiven: true,
		Answers:      []models.AnswerValue{{QuestionID: "q1", Value: json.RawMessage(`"yes"`)}},
	})
	require.NoError(t, err)
	return bytes.NewBuffer(data)
}

func cacheAssignment(t *testing.T, f *fixture, polygon [][2]float64) {
	t.Helper()
	require.NoError(t, f.cache.Put(context.Background(), "assignment_assign-1", models.Assignment{
		ID: "assign-1",
		TargetArea: &models.GeoJSONPolygon{
			Type:        "Polygon",
			Coordinates: [][][2]float64{polygon},
		},
	}))
}

func TestCapture_ValidLocationIsEnqueued(t *testing.T) {
	f := newFixture(t, location.Sample{Latitude: 5, Longitude: 5, AccuracyMeters: acc(20)})
	cacheAssignment(t, f, [][2]float64{{0, 0}, {0, 10}, {10, 10}, {10, 0}})

	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/responses", captureBody(t)))

	require.Equal(t, http.StatusCreated, rec.Code)

	var resp CaptureResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Queued)
	assert.NotEmpty(t, resp.ID)
	assert.True(t, resp.Validation.Valid)

	items, err := f.store.ListPending(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 1)

	var payload models.ResponsePayload
	require.NoError(t, json.Unmarshal(items[0].Payload, &payload))
	assert.Equal(t, "survey-1", payload.SurveyID)
	assert.Equal(t, "device-1", payload.DeviceID)
	require.NotNil(t, payload.Location)
	assert.Equal(t, [2]float64{5, 5}, payload.Location.Coordinates)

	assert.Equal(t, 1, f.trigger.triggered())
}

func TestCapture_OutsideAreaIsBlocked(t *testing.T) {
	f := newFixture(t, location.Sample{Latitude: 50, Longitude: 50, AccuracyMeters: acc(20)})
	cacheAssignment(t, f, [][2]float64{{0, 0}, {0, 10}, {10, 10}, {10, 0}})

	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/responses", captureBody(t)))

	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	var resp CaptureResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Validation.Valid)
	assert.False(t, resp.Validation.LocationValid)
	assert.Contains(t, resp.Validation.Message, "outside the assigned")

	// nothing entered the queue
	count, err := f.store.PendingCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, count)
	assert.Equal(t, 0, f.trigger.triggered())
}

func TestCapture_ImpreciseGPSIsBlocked(t *testing.T) {
	f := newFixture(t, location.Sample{Latitude: 5, Longitude: 5, AccuracyMeters: acc(80)})

	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/responses", captureBody(t)))

	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	var resp CaptureResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Validation.LocationValid)
	assert.False(t, resp.Validation.AccuracyValid)
	assert.Contains(t, resp.Validation.Message, "Imprecise GPS")
}

func TestCapture_UncachedAssignmentIsUnconstrained(t *testing.T) {
	f := newFixture(t, location.Sample{Latitude: 50, Longitude: 50, AccuracyMeters: acc(20)})

	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/responses", captureBody(t)))

	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestCapture_MissingFields(t *testing.T) {
	f := newFixture(t, location.Sample{Latitude: 5, Longitude: 5, AccuracyMeters: acc(20)})

	body, _ := json.Marshal(CaptureRequest{ConsentGiven: true})
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/responses", bytes.NewBuffer(body)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	body, _ = json.Marshal(CaptureRequest{SurveyID: "s1"})
	rec = httptest.NewRecorder()
	f.server.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/responses", bytes.NewBuffer(body)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func postAssignment(t *testing.T, f *fixture, assignment models.Assignment) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(assignment)
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/assignments", bytes.NewBuffer(data)))
	return rec
}

func TestAssignmentUpload_EnablesGeofence(t *testing.T) {
	f := newFixture(t, location.Sample{Latitude: 50, Longitude: 50, AccuracyMeters: acc(20)})

	rec := postAssignment(t, f, models.Assignment{
		ID: "assign-1",
		TargetArea: &models.GeoJSONPolygon{
			Type:        "Polygon",
			Coordinates: [][][2]float64{{{0, 0}, {0, 10}, {10, 10}, {10, 0}}},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	// the uploaded area now blocks out-of-area captures
	rec = httptest.NewRecorder()
	f.server.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/responses", captureBody(t)))
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	count, err := f.store.PendingCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestAssignmentUpload_MissingID(t *testing.T) {
	f := newFixture(t, location.Sample{Latitude: 5, Longitude: 5, AccuracyMeters: acc(20)})

	rec := postAssignment(t, f, models.Assignment{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

type fakeRemoteValidator struct {
	resp  *models.ValidateLocationResponse
	err   error
	calls int
}

func (f *fakeRemoteValidator) ValidateLocation(ctx context.Context, req *models.ValidateLocationRequest) (*models.ValidateLocationResponse, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func TestLocationPreview_UsesBackendWhenAreaNotCached(t *testing.T) {
	f := newFixture(t, location.Sample{Latitude: 50, Longitude: 50, AccuracyMeters: acc(20)})
	remote := &fakeRemoteValidator{resp: &models.ValidateLocationResponse{
		Valid:         false,
		LocationValid: false,
		AccuracyValid: true,
		Message:       "You are outside the assigned survey area",
	}}
	f.server.remote = remote

	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/location?assignment_id=assign-1", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, remote.calls)

	var resp struct {
		Validation validation `json:"validation"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Validation.Valid)
	assert.False(t, resp.Validation.LocationValid)
}

func TestLocationPreview_CachedAreaSkipsBackend(t *testing.T) {
	f := newFixture(t, location.Sample{Latitude: 5, Longitude: 5, AccuracyMeters: acc(20)})
	cacheAssignment(t, f, [][2]float64{{0, 0}, {0, 10}, {10, 10}, {10, 0}})
	remote := &fakeRemoteValidator{err: errors.New("unreachable")}
	f.server.remote = remote

	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/location?assignment_id=assign-1", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, remote.calls)

	var resp struct {
		Validation validation `json:"validation"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Validation.Valid)
}

func TestLocationPreview_BackendFailureFallsBackToLocal(t *testing.T) {
	f := newFixture(t, location.Sample{Latitude: 50, Longitude: 50, AccuracyMeters: acc(20)})
	remote := &fakeRemoteValidator{err: errors.New("unreachable")}
	f.server.remote = remote

	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/location?assignment_id=assign-1", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, remote.calls)

	// no cached area, so the local result is unconstrained
	var resp struct {
		Validation validation `json:"validation"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Validation.Valid)
}

func TestStatusEndpoint(t *testing.T) {
	f := newFixture(t, location.Sample{Latitude: 5, Longitude: 5, AccuracyMeters: acc(20)})

	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/status", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var status StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.True(t, status.Online)
	assert.Equal(t, 0, status.Pending)
	assert.Equal(t, "device-1", status.DeviceID)
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t, location.Sample{Latitude: 5, Longitude: 5, AccuracyMeters: acc(20)})

	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/api/v1/responses", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.String())
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
