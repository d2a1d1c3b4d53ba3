package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"campoquest/field-sync/internal/models"
	"campoquest/field-sync/internal/queue"

	"go.uber.org/zap"
)

// Summary reports the outcome of one sync pass. Dropped items are counted
// separately from successes: reaching the retry ceiling is terminal failure,
// not sync.
type Summary struct {
	Succeeded int
	Failed    int
	Dropped   int
}

// Processed returns the number of items the pass touched
func (s Summary) Processed() int {
	return s.Succeeded + s.Failed + s.Dropped
}

// Submitter sends one wire batch to the backend
type Submitter interface {
	SubmitBatch(ctx context.Context, batch *models.BatchSyncRequest) (*models.BatchSyncResponse, error)
}

// Notifier receives user-facing sync outcomes
type Notifier interface {
	SyncCompleted(summary Summary)
	ItemDropped(item models.SyncItem, reason string)
}

// LogNotifier reports outcomes through the log only
type LogNotifier struct {
	Logger *zap.Logger
}

func (n *LogNotifier) SyncCompleted(summary Summary) {
	n.Logger.Info("Sync pass completed",
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", summary.Failed),
		zap.Int("dropped", summary.Dropped),
	)
}

func (n *LogNotifier) ItemDropped(item models.SyncItem, reason string) {
	n.Logger.Warn("Item dropped after repeated sync failures",
		zap.String("id", item.ID),
		zap.String("kind", string(item.Kind)),
		zap.String("reason", reason),
	)
}

// Runner drains the queue in passes: it snapshots the pending items, submits
// them as one batch and reconciles the queue from the per-item results
type Runner struct {
	store     queue.Store
	submitter Submitter
	timeout   time.Duration
	notifier  Notifier
	logger    *zap.Logger
}

// NewRunner creates a runner; timeout bounds each batch submission
func NewRunner(store queue.Store, submitter Submitter, timeout time.Duration, notifier Notifier, logger *zap.Logger) *Runner {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Runner{
		store:     store,
		submitter: submitter,
		timeout:   timeout,
		notifier:  notifier,
		logger:    logger,
	}
}

// RunSyncPass executes one complete pass over the snapshot taken at its
// start. Items enqueued while the pass runs are left for the next pass.
func (r *Runner) RunSyncPass(ctx context.Context) (Summary, error) {
	var summary Summary

	snapshot, err := r.store.ListPending(ctx)
	if err != nil {
		return summary, fmt.Errorf("failed to snapshot queue: %w", err)
	}
	if len(snapshot) == 0 {
		return summary, nil
	}

	batch, ids := r.buildBatch(ctx, snapshot, &summary)
	if len(ids) == 0 {
		return summary, nil
	}

	subCtx, cancel := context.WithTimeout(ctx, r.timeout)
	resp, err := r.submitter.SubmitBatch(subCtx, batch)
	cancel()

	if err != nil {
		// No usable response: the transport failed, so every item in the
		// batch counts as a failed attempt.
		r.logger.Warn("Batch submission failed",
			zap.Error(err),
			zap.Int("item_count", len(ids)),
		)
		for _, id := range ids {
			r.markFailed(ctx, id, err.Error(), &summary)
		}
		r.notify(summary)
		return summary, nil
	}

	// Results are positional: results[i] belongs to the i-th submitted item.
	for i, id := range ids {
		if i >= len(resp.Results) {
			r.markFailed(ctx, id, "no result returned for item", &summary)
			continue
		}
		result := resp.Results[i]
		if result.Status == models.StatusSuccess {
			if err := r.store.Remove(ctx, id); err != nil {
				// The item stays pending and will be resubmitted; count it
				// as failed so the summary matches the queue state.
				r.logger.Error("Failed to remove synced item", zap.Error(err), zap.String("id", id))
				summary.Failed++
				continue
			}
			summary.Succeeded++
		} else {
			r.markFailed(ctx, id, result.Error, &summary)
		}
	}

	r.notify(summary)
	return summary, nil
}

// buildBatch partitions the snapshot by kind into one wire batch and returns
// the queue ids in submission order (responses first, then answers)
func (r *Runner) buildBatch(ctx context.Context, snapshot []models.SyncItem, summary *Summary) (*models.BatchSyncRequest, []string) {
	batch := &models.BatchSyncRequest{}
	var responseIDs, answerIDs []string

	for _, item := range snapshot {
		switch item.Kind {
		case models.KindResponse:
			var payload models.ResponsePayload
			if err := json.Unmarshal(item.Payload, &payload); err != nil {
				r.markFailed(ctx, item.ID, "unreadable payload", summary)
				continue
			}
			batch.Responses = append(batch.Responses, payload)
			responseIDs = append(responseIDs, item.ID)
		case models.KindAnswer:
			var payload models.AnswerPayload
			if err := json.Unmarshal(item.Payload, &payload); err != nil {
				r.markFailed(ctx, item.ID, "unreadable payload", summary)
				continue
			}
			batch.Answers = append(batch.Answers, payload)
			answerIDs = append(answerIDs, item.ID)
		default:
			r.markFailed(ctx, item.ID, fmt.Sprintf("unknown kind %q", item.Kind), summary)
		}
	}

	return batch, append(responseIDs, answerIDs...)
}

func (r *Runner) markFailed(ctx context.Context, id, reason string, summary *Summary) {
	dropped, err := r.store.MarkAttemptFailed(ctx, id, reason)
	if err != nil {
		r.logger.Error("Failed to record attempt", zap.Error(err), zap.String("id", id))
		summary.Failed++
		return
	}
	if dropped {
		summary.Dropped++
	} else {
		summary.Failed++
	}
}

func (r *Runner) notify(summary Summary) {
	if summary.Processed() > 0 && r.notifier != nil {
		r.notifier.SyncCompleted(summary)
	}
}
