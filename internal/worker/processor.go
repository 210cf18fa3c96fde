package worker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/dharsanguruparan/SoundDrop/internal/queue"
	"github.com/dharsanguruparan/SoundDrop/internal/sweeper"
)

// Sweeper is the part of sweeper.Sweeper the worker drives.
type Sweeper interface {
	RunOnce(ctx context.Context) *sweeper.Result
}

// Processor is plugged into the asynq worker loop.
type Processor struct {
	sweeper Sweeper
	logger  *slog.Logger
}

// NewProcessor constructs a worker processor.
func NewProcessor(sw Sweeper, logger *slog.Logger) *Processor {
	return &Processor{sweeper: sw, logger: logger.With(slog.String("component", "worker"))}
}

// Handler registers the sweep job handler.
func (p *Processor) Handler() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.SweepExpiredTask, p.handleSweep)
	return mux
}

func (p *Processor) handleSweep(ctx context.Context, task *asynq.Task) error {
	payload, err := queue.DecodeSweepPayload(task)
	if err != nil {
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}
	p.logger.Info("sweep task received", slog.String("requested_by", payload.RequestedBy))

	res := p.sweeper.RunOnce(ctx)
	// Only a sweep that found work and finished none of it is worth retrying.
	if res.Expired > 0 && res.Revoked == 0 {
		return fmt.Errorf("sweep revoked none of %d expired shares (%d errors)", res.Expired, res.Errors)
	}
	return nil
}
