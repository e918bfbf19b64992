package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskAvailabilityWarmup refreshes component availability reports for
	// open assembly orders.
	TaskAvailabilityWarmup = "stock:availability_warmup"
	// TaskDraftSweep flags goods receipt drafts that sat unconfirmed too
	// long.
	TaskDraftSweep = "receiving:draft_sweep"
	// TaskIdempotencyCleanup prunes expired idempotency keys.
	TaskIdempotencyCleanup = "shared:idempotency_cleanup"
)

// AvailabilityWarmupPayload carries scheduling metadata.
type AvailabilityWarmupPayload struct {
	ScheduledFor time.Time `json:"scheduled_for"`
}

// NewAvailabilityWarmupTask constructs an Asynq task for the warmup run.
func NewAvailabilityWarmupTask(at time.Time) (*asynq.Task, error) {
	body, err := json.Marshal(AvailabilityWarmupPayload{ScheduledFor: at})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskAvailabilityWarmup, body, asynq.Queue(QueueDefault)), nil
}

// DraftSweepPayload sets the age threshold for the sweep.
type DraftSweepPayload struct {
	OlderThanHours int `json:"older_than_hours"`
}

// NewDraftSweepTask constructs an Asynq task for the draft sweep.
func NewDraftSweepTask(olderThanHours int) (*asynq.Task, error) {
	body, err := json.Marshal(DraftSweepPayload{OlderThanHours: olderThanHours})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskDraftSweep, body, asynq.Queue(QueueDefault)), nil
}

// IdempotencyCleanupPayload sets the key retention window.
type IdempotencyCleanupPayload struct {
	RetentionHours int `json:"retention_hours"`
}

// NewIdempotencyCleanupTask constructs an Asynq task for key cleanup.
func NewIdempotencyCleanupTask(retentionHours int) (*asynq.Task, error) {
	body, err := json.Marshal(IdempotencyCleanupPayload{RetentionHours: retentionHours})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIdempotencyCleanup, body, asynq.Queue(QueueDefault)), nil
}
