package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"campoquest/field-sync/internal/models"
	"campoquest/field-sync/internal/queue"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// memStore is an in-memory queue.Store with the same ceiling semantics as the
// sqlite implementation
type memStore struct {
	mu          sync.Mutex
	items       []models.SyncItem
	maxAttempts int
	drops       []models.SyncItem
	nextID      int
	failRemove  bool
}

func newMemStore() *memStore {
	return &memStore{maxAttempts: queue.DefaultMaxAttempts}
}

func (m *memStore) add(kind models.ItemKind, payload any) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, _ := json.Marshal(payload)
	m.nextID++
	id := string(rune('a' + m.nextID - 1))
	m.items = append(m.items, models.SyncItem{
		ID: id, Kind: kind, Payload: data, EnqueuedAt: time.Now(),
	})
	return id
}

func (m *memStore) Enqueue(ctx context.Context, kind models.ItemKind, payload json.RawMessage) (string, error) {
	return m.add(kind, json.RawMessage(payload)), nil
}

func (m *memStore) ListPending(ctx context.Context) ([]models.SyncItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.SyncItem, len(m.items))
	copy(out, m.items)
	return out, nil
}

func (m *memStore) MarkAttemptFailed(ctx context.Context, id, reason string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.items {
		if m.items[i].ID == id {
			m.items[i].Attempts++
			if queue.ShouldDrop(m.items[i].Attempts, m.maxAttempts) {
				m.drops = append(m.drops, m.items[i])
				m.items = append(m.items[:i], m.items[i+1:]...)
				return true, nil
			}
			return false, nil
		}
	}
	return false, nil
}

func (m *memStore) Remove(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failRemove {
		return errors.New("disk i/o error")
	}
	for i := range m.items {
		if m.items[i].ID == id {
			m.items = append(m.items[:i], m.items[i+1:]...)
			return nil
		}
	}
	return nil
}

func (m *memStore) PendingCount(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items), nil
}

type fakeSubmitter struct {
	mu        sync.Mutex
	responses []*models.BatchSyncResponse
	err       error
	calls     []*models.BatchSyncRequest
}

func (f *fakeSubmitter) SubmitBatch(ctx context.Context, batch *models.BatchSyncRequest) (*models.BatchSyncResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, batch)
	if f.err != nil {
		return nil, f.err
	}
	resp := f.responses[0]
	if len(f.responses) > 1 {
		f.responses = f.responses[1:]
	}
	return resp, nil
}

type recordingNotifier struct {
	mu        sync.Mutex
	summaries []Summary
}

func (r *recordingNotifier) SyncCompleted(s Summary) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.summaries = append(r.summaries, s)
}

func (r *recordingNotifier) ItemDropped(item models.SyncItem, reason string) {}

func respPayload() models.ResponsePayload {
	return models.ResponsePayload{SurveyID: "s1", ConsentGiven: true, DeviceID: "d1"}
}

func successResults(n int) *models.BatchSyncResponse {
	resp := &models.BatchSyncResponse{Success: true, Synced: n}
	for i := 0; i < n; i++ {
		resp.Results = append(resp.Results, models.ItemResult{Status: models.StatusSuccess, ID: "srv"})
	}
	return resp
}

func TestRunSyncPass_AllSuccess(t *testing.T) {
	store := newMemStore()
	store.add(models.KindResponse, respPayload())
	store.add(models.KindResponse, respPayload())
	store.add(models.KindAnswer, models.AnswerPayload{ResponseID: "r1", QuestionID: "q1"})

	submitter := &fakeSubmitter{responses: []*models.BatchSyncResponse{successResults(3)}}
	notifier := &recordingNotifier{}
	runner := NewRunner(store, submitter, time.Second, notifier, zap.NewNop())

	summary, err := runner.RunSyncPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Summary{Succeeded: 3}, summary)

	count, _ := store.PendingCount(context.Background())
	assert.Equal(t, 0, count)

	require.Len(t, submitter.calls, 1)
	assert.Len(t, submitter.calls[0].Responses, 2)
	assert.Len(t, submitter.calls[0].Answers, 1)

	require.Len(t, notifier.summaries, 1)
}

func TestRunSyncPass_PartialFailure(t *testing.T) {
	store := newMemStore()
	store.add(models.KindResponse, respPayload())
	store.add(models.KindResponse, respPayload())

	submitter := &fakeSubmitter{responses: []*models.BatchSyncResponse{{
		Success: true,
		Results: []models.ItemResult{
			{Status: models.StatusSuccess, ID: "srv-1"},
			{Status: models.StatusError, Error: "missing required fields"},
		},
		Synced: 1,
		Failed: 1,
	}}}
	runner := NewRunner(store, submitter, time.Second, &recordingNotifier{}, zap.NewNop())

	summary, err := runner.RunSyncPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Summary{Succeeded: 1, Failed: 1}, summary)

	items, _ := store.ListPending(context.Background())
	require.Len(t, items, 1)
	assert.Equal(t, 1, items[0].Attempts)
}

func TestRunSyncPass_TransportFailureFailsWholeBatch(t *testing.T) {
	store := newMemStore()
	store.add(models.KindResponse, respPayload())
	store.add(models.KindResponse, respPayload())

	submitter := &fakeSubmitter{err: errors.New("connection refused")}
	runner := NewRunner(store, submitter, time.Second, &recordingNotifier{}, zap.NewNop())

	summary, err := runner.RunSyncPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Summary{Failed: 2}, summary)

	items, _ := store.ListPending(context.Background())
	require.Len(t, items, 2)
	for _, item := range items {
		assert.Equal(t, 1, item.Attempts)
	}
}

func TestRunSyncPass_DropsAtCeiling(t *testing.T) {
	store := newMemStore()
	store.add(models.KindResponse, respPayload())

	submitter := &fakeSubmitter{err: errors.New("connection refused")}
	runner := NewRunner(store, submitter, time.Second, &recordingNotifier{}, zap.NewNop())

	var last Summary
	for i := 0; i < queue.DefaultMaxAttempts; i++ {
		var err error
		last, err = runner.RunSyncPass(context.Background())
		require.NoError(t, err)
	}

	assert.Equal(t, Summary{Dropped: 1}, last)
	require.Len(t, store.drops, 1)
	assert.Equal(t, queue.DefaultMaxAttempts, store.drops[0].Attempts)

	count, _ := store.PendingCount(context.Background())
	assert.Equal(t, 0, count)
}

func TestRunSyncPass_EmptyQueue(t *testing.T) {
	store := newMemStore()
	submitter := &fakeSubmitter{}
	notifier := &recordingNotifier{}
	runner := NewRunner(store, submitter, time.Second, notifier, zap.NewNop())

	summary, err := runner.RunSyncPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Summary{}, summary)
	assert.Empty(t, submitter.calls)
	assert.Empty(t, notifier.summaries)
}

func TestRunSyncPass_RemoveFailureCountsAsFailure(t *testing.T) {
	store := newMemStore()
	store.add(models.KindResponse, respPayload())
	store.failRemove = true

	submitter := &fakeSubmitter{responses: []*models.BatchSyncResponse{successResults(1)}}
	runner := NewRunner(store, submitter, time.Second, &recordingNotifier{}, zap.NewNop())

	summary, err := runner.RunSyncPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Summary{Failed: 1}, summary)

	// the item stays pending for the next pass
	count, _ := store.PendingCount(context.Background())
	assert.Equal(t, 1, count)
}

func TestRunSyncPass_MissingResultCountsAsFailure(t *testing.T) {
	store := newMemStore()
	store.add(models.KindResponse, respPayload())
	store.add(models.KindResponse, respPayload())

	submitter := &fakeSubmitter{responses: []*models.BatchSyncResponse{successResults(1)}}
	runner := NewRunner(store, submitter, time.Second, &recordingNotifier{}, zap.NewNop())

	summary, err := runner.RunSyncPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Summary{Succeeded: 1, Failed: 1}, summary)
}

// blockingRunner lets the test hold a pass open while more triggers arrive
type blockingRunner struct {
	started chan struct{}
	release chan struct{}
	mu      sync.Mutex
	passes  int
}

func (b *blockingRunner) RunSyncPass(ctx context.Context) (Summary, error) {
	b.mu.Lock()
	b.passes++
	n := b.passes
	b.mu.Unlock()
	if n == 1 {
		close(b.started)
		<-b.release
	}
	return Summary{}, nil
}

func (b *blockingRunner) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.passes
}

func TestScheduler_CoalescesConcurrentTriggers(t *testing.T) {
	runner := &blockingRunner{started: make(chan struct{}), release: make(chan struct{})}
	store := newMemStore()
	sched := NewScheduler(runner, store, func() bool { return true }, time.Hour, zap.NewNop())
	sched.Start()
	defer sched.Stop()

	sched.Trigger("first")
	<-runner.started

	// pass one is in flight; these must coalesce into at most one more pass
	sched.Trigger("second")
	sched.Trigger("third")
	sched.Trigger("fourth")
	close(runner.release)

	require.Eventually(t, func() bool { return runner.count() >= 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, runner.count())
}

func TestScheduler_TickDuringPassCoalescesWithTriggers(t *testing.T) {
	runner := &blockingRunner{started: make(chan struct{}), release: make(chan struct{})}
	store := newMemStore()
	sched := NewScheduler(runner, store, func() bool { return true }, 200*time.Millisecond, zap.NewNop())
	sched.Start()
	defer sched.Stop()

	sched.Trigger("first")
	<-runner.started

	// hold the pass open across a tick while more triggers arrive; the
	// buffered tick and the triggers must still yield one deferred pass
	sched.Trigger("second")
	time.Sleep(250 * time.Millisecond)
	sched.Trigger("third")
	close(runner.release)

	require.Eventually(t, func() bool { return runner.count() >= 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, runner.count())
}

type countingRunner struct {
	mu     sync.Mutex
	passes int
}

func (c *countingRunner) RunSyncPass(ctx context.Context) (Summary, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.passes++
	return Summary{}, nil
}

func (c *countingRunner) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.passes
}

func TestScheduler_NoPassWhileOffline(t *testing.T) {
	runner := &countingRunner{}
	store := newMemStore()

	var mu sync.Mutex
	online := false
	sched := NewScheduler(runner, store, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return online
	}, time.Hour, zap.NewNop())
	sched.Start()
	defer sched.Stop()

	sched.Trigger("while offline")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, runner.count())

	mu.Lock()
	online = true
	mu.Unlock()
	sched.ConnectivityChanged(true)

	require.Eventually(t, func() bool { return runner.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestScheduler_FollowUpPassForItemsEnqueuedMidPass(t *testing.T) {
	store := newMemStore()

	var mu sync.Mutex
	passes := 0
	runner := passFunc(func(ctx context.Context) (Summary, error) {
		mu.Lock()
		passes++
		n := passes
		mu.Unlock()
		if n == 1 {
			// simulate an item arriving while the pass is running
			store.add(models.KindResponse, respPayload())
		} else {
			store.Remove(ctx, "a")
		}
		return Summary{}, nil
	})

	sched := NewScheduler(runner, store, func() bool { return true }, time.Hour, zap.NewNop())
	sched.Start()
	defer sched.Stop()

	sched.Trigger("initial")
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return passes >= 2
	}, time.Second, 5*time.Millisecond)
}

type passFunc func(ctx context.Context) (Summary, error)

func (f passFunc) RunSyncPass(ctx context.Context) (Summary, error) { return f(ctx) }
