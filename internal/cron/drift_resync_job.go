package cron

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	pkgerrors "github.com/angelmondragon/billsync/pkg/errors"
	"github.com/angelmondragon/billsync/pkg/logger"
	"github.com/angelmondragon/billsync/pkg/metrics"
)

const defaultDriftBatch = 100

// driftSource is satisfied by *reconcile.RedisDriftQueue.
type driftSource interface {
	Drain(ctx context.Context, n int) ([]uuid.UUID, error)
	Requeue(ctx context.Context, userIDs ...uuid.UUID) error
	Len(ctx context.Context) (int64, error)
}

// DriftResyncJobParams configures the job that drains users whose local
// record may disagree with their billing backend.
type DriftResyncJobParams struct {
	Logger *logger.Logger
	Queue  driftSource
	Engine syncer
	Batch  int
	// Metrics, when set, receives the backlog left after each pass.
	Metrics *metrics.CronJobMetrics
}

func NewDriftResyncJob(params DriftResyncJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Queue == nil {
		return nil, fmt.Errorf("drift queue required")
	}
	if params.Engine == nil {
		return nil, fmt.Errorf("reconcile engine required")
	}
	batch := params.Batch
	if batch <= 0 {
		batch = defaultDriftBatch
	}
	return &driftResyncJob{
		logg:    params.Logger,
		queue:   params.Queue,
		engine:  params.Engine,
		batch:   batch,
		metrics: params.Metrics,
	}, nil
}

type driftResyncJob struct {
	logg    *logger.Logger
	queue   driftSource
	engine  syncer
	batch   int
	metrics *metrics.CronJobMetrics
}

func (j *driftResyncJob) Name() string { return "drift-resync" }

// Run resyncs one batch. Retryable failures go back on the queue for the next
// cycle; anything else is reported and dropped.
func (j *driftResyncJob) Run(ctx context.Context) error {
	users, err := j.queue.Drain(ctx, j.batch)
	if err != nil {
		return fmt.Errorf("drain drift queue: %w", err)
	}
	var (
		errs    error
		retry   []uuid.UUID
		settled int
	)
	for _, userID := range users {
		_, err := j.engine.ForceSync(ctx, userID)
		switch {
		case err == nil:
			settled++
		case pkgerrors.IsRetryable(err):
			retry = append(retry, userID)
		case pkgerrors.IsCode(err, pkgerrors.CodeNotFound), pkgerrors.IsCode(err, pkgerrors.CodeNotLinked):
			// The record went away or was unlinked; nothing left to settle.
			settled++
		default:
			errs = multierr.Append(errs, fmt.Errorf("resync %s: %w", userID, err))
		}
	}
	if len(retry) > 0 {
		if err := j.queue.Requeue(context.WithoutCancel(ctx), retry...); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("requeue drift: %w", err))
		}
	}
	fields := map[string]any{
		"drained": len(users),
		"settled": settled,
		"retry":   len(retry),
	}
	if depth, err := j.queue.Len(ctx); err == nil {
		j.metrics.SetDriftDepth(depth)
		fields["backlog"] = depth
	}
	reportCtx := j.logg.WithFields(ctx, fields)
	j.logg.Info(reportCtx, "drift resync complete")
	return errs
}
