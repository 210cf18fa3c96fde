package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/dharsanguruparan/SoundDrop/internal/config"
)

const (
	// SweepExpiredTask revokes expired shares and reclaims their storage.
	SweepExpiredTask = "share:sweep"
)

const (
	// sweepUniqueWindow collapses overlapping enqueues from the scheduler
	// and the CLI into one pending task.
	sweepUniqueWindow = 30 * time.Minute
	sweepTimeout      = 30 * time.Minute
	sweepMaxRetry     = 3
)

// SweepPayload records who asked for a sweep. The worker sweeps everything
// that expired before it starts, so no cutoff is carried.
type SweepPayload struct {
	RequestedBy string    `json:"requested_by"`
	RequestedAt time.Time `json:"requested_at"`
}

// RedisOpt builds the asynq connection options from configuration.
func RedisOpt(cfg *config.Config) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}
}

// NewSweepTask serializes payload into a sweep task.
func NewSweepTask(payload SweepPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return asynq.NewTask(SweepExpiredTask, data), nil
}

// DecodeSweepPayload is the inverse of NewSweepTask.
func DecodeSweepPayload(task *asynq.Task) (SweepPayload, error) {
	var payload SweepPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return payload, fmt.Errorf("decode payload: %w", err)
	}
	return payload, nil
}

func sweepOptions() []asynq.Option {
	return []asynq.Option{
		asynq.Unique(sweepUniqueWindow),
		asynq.MaxRetry(sweepMaxRetry),
		asynq.Timeout(sweepTimeout),
	}
}

// EnqueueSweep enqueues a sweep. It reports false without error when an
// identical sweep is already pending.
func EnqueueSweep(ctx context.Context, client *asynq.Client, payload SweepPayload) (bool, error) {
	task, err := NewSweepTask(payload)
	if err != nil {
		return false, err
	}
	if _, err := client.EnqueueContext(ctx, task, sweepOptions()...); err != nil {
		if errors.Is(err, asynq.ErrDuplicateTask) {
			return false, nil
		}
		return false, fmt.Errorf("enqueue sweep task: %w", err)
	}
	return true, nil
}

// RegisterSchedule registers the periodic sweep with an asynq scheduler and
// returns the entry id.
func RegisterSchedule(scheduler *asynq.Scheduler, cronspec string) (string, error) {
	// Unique already collapses duplicates, so the payload stays constant.
	task, err := NewSweepTask(SweepPayload{RequestedBy: "scheduler"})
	if err != nil {
		return "", err
	}
	id, err := scheduler.Register(cronspec, task, sweepOptions()...)
	if err != nil {
		return "", fmt.Errorf("register sweep schedule %q: %w", cronspec, err)
	}
	return id, nil
}
