package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/fabrica-erp/fabrica/internal/jobs"
)

const defaultDraftAgeHours = 72

// StaleDraftCounter counts draft receipts older than a cutoff.
type StaleDraftCounter interface {
	CountStaleDrafts(ctx context.Context, olderThan time.Duration) (int64, error)
}

// DraftSweepJob flags goods receipt drafts that sat unconfirmed past the
// age threshold. It only reports, operators decide whether to cancel.
type DraftSweepJob struct {
	Receipts StaleDraftCounter
	Logger   *slog.Logger
	Metrics  *jobmetrics.Metrics
}

// NewDraftSweepJob wires dependencies for the sweep handler.
func NewDraftSweepJob(receipts StaleDraftCounter, logger *slog.Logger, metrics *jobmetrics.Metrics) *DraftSweepJob {
	return &DraftSweepJob{Receipts: receipts, Logger: logger, Metrics: metrics}
}

// Handle processes draft sweep tasks.
func (j *DraftSweepJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Receipts == nil {
		return errors.New("draft sweep: handler not configured")
	}
	var payload DraftSweepPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.OlderThanHours <= 0 {
		payload.OlderThanHours = defaultDraftAgeHours
	}

	tracker := j.metrics().Track(TaskDraftSweep)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	olderThan := time.Duration(payload.OlderThanHours) * time.Hour
	count, err := j.Receipts.CountStaleDrafts(ctx, olderThan)
	if err != nil {
		resultErr = err
		j.logger().Error("count stale drafts", slog.Any("error", err))
		return resultErr
	}
	if count > 0 {
		j.metrics().AddStaleDrafts(count)
		j.logger().Warn("stale draft receipts found", slog.Int64("count", count), slog.Int("older_than_hours", payload.OlderThanHours))
		return resultErr
	}
	j.logger().Info("no stale draft receipts")
	return resultErr
}

func (j *DraftSweepJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskDraftSweep))
	}
	return slog.Default().With(slog.String("job", TaskDraftSweep))
}

func (j *DraftSweepJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}
