package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"github.com/fabrica-erp/fabrica/internal/assembly"
	jobmetrics "github.com/fabrica-erp/fabrica/internal/jobs"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// OrderLister reads the assembly orders whose availability is worth
// keeping warm.
type OrderLister interface {
	ListByStatuses(ctx context.Context, statuses ...assembly.Status) ([]assembly.AssemblyOrder, error)
}

// AvailabilityWarmupJob refreshes cached availability reports for
// released and in-progress assembly orders so the first interactive
// check after a quiet period does not pay the compute cost.
type AvailabilityWarmupJob struct {
	Assembly *assembly.Service
	Orders   OrderLister
	Logger   *slog.Logger
	Metrics  *jobmetrics.Metrics
	clock    func() time.Time
}

// NewAvailabilityWarmupJob wires dependencies for the warmup handler.
func NewAvailabilityWarmupJob(assemblySvc *assembly.Service, orders OrderLister, logger *slog.Logger, metrics *jobmetrics.Metrics) *AvailabilityWarmupJob {
	return &AvailabilityWarmupJob{
		Assembly: assemblySvc,
		Orders:   orders,
		Logger:   logger,
		Metrics:  metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle processes availability warmup tasks.
func (j *AvailabilityWarmupJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Assembly == nil || j.Orders == nil {
		return errors.New("availability warmup: handler not configured")
	}
	var payload AvailabilityWarmupPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	tracker := j.metrics().Track(TaskAvailabilityWarmup)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger()
	start := j.now()

	orders, err := j.Orders.ListByStatuses(ctx, assembly.StatusReleased, assembly.StatusInProgress)
	if err != nil {
		resultErr = err
		logger.Error("list open assembly orders", slog.Any("error", err))
		return resultErr
	}
	if len(orders) == 0 {
		logger.Info("no open assembly orders to warm")
		return resultErr
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(4)
	for _, order := range orders {
		order := order
		group.Go(func() error {
			checkCtx, cancel := context.WithTimeout(groupCtx, 15*time.Second)
			defer cancel()
			report, err := j.Assembly.CheckAvailability(checkCtx, order.ID)
			if err != nil {
				return err
			}
			for _, item := range report.Items {
				if item.Shortage.Sign() > 0 {
					j.metrics().AddShortage(item.ComponentID, item.LocationID)
				}
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		resultErr = err
		logger.Error("warm availability", slog.Any("error", err))
		return resultErr
	}

	logger.Info("completed availability warmup", slog.Int("orders", len(orders)), slog.Duration("duration", time.Since(start)))
	return resultErr
}

func (j *AvailabilityWarmupJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskAvailabilityWarmup))
	}
	return slog.Default().With(slog.String("job", TaskAvailabilityWarmup))
}

func (j *AvailabilityWarmupJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *AvailabilityWarmupJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}
