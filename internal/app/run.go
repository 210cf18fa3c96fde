package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/dharsanguruparan/SoundDrop/internal/api"
	"github.com/dharsanguruparan/SoundDrop/internal/config"
	"github.com/dharsanguruparan/SoundDrop/internal/queue"
	"github.com/dharsanguruparan/SoundDrop/internal/signing"
	"github.com/dharsanguruparan/SoundDrop/internal/worker"
)

// Sweeps are serialized inside the sweeper, so one slot is enough.
const workerConcurrency = 1

// RunAPI serves HTTP until ctx is cancelled. In in-process sweep mode it also
// runs the hourly sweeper alongside the server.
func RunAPI(ctx context.Context, rt *Runtime) error {
	svc, err := rt.ShareService()
	if err != nil {
		return err
	}

	srv := api.New(rt.Config, api.Deps{
		Shares:  svc,
		Uploads: rt.Objects,
		Signer:  signing.NewSigner(rt.Config.SigningSecret),
		Ready:   rt.Ready,
		Logger:  rt.Logger,
	})

	if rt.Config.SweepMode == config.SweepInProcess {
		sw, err := rt.Sweeper()
		if err != nil {
			return err
		}
		if err := sw.Start(ctx); err != nil {
			return err
		}
		defer sw.Stop()
	} else {
		rt.Logger.Info("in-process sweeper disabled", slog.String("sweep_mode", rt.Config.SweepMode))
	}

	return srv.Run(ctx)
}

// RunWorker processes sweep tasks from Redis until ctx is cancelled. In queue
// sweep mode it also registers the periodic sweep with the asynq scheduler.
func RunWorker(ctx context.Context, rt *Runtime) error {
	sw, err := rt.Sweeper()
	if err != nil {
		return err
	}

	redisOpt := queue.RedisOpt(rt.Config)
	asynqLogger := worker.NewLogger(rt.Logger)

	server := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: workerConcurrency,
		Logger:      asynqLogger,
	})
	processor := worker.NewProcessor(sw, rt.Logger)
	if err := server.Start(processor.Handler()); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}
	defer server.Shutdown()

	if rt.Config.SweepMode == config.SweepQueue {
		scheduler := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{
			Location: time.UTC,
			Logger:   asynqLogger,
		})
		id, err := queue.RegisterSchedule(scheduler, rt.Config.SweepSchedule)
		if err != nil {
			return err
		}
		if err := scheduler.Start(); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
		defer scheduler.Shutdown()
		rt.Logger.Info("sweep scheduled",
			slog.String("entry_id", id),
			slog.String("schedule", rt.Config.SweepSchedule),
		)
	}

	rt.Logger.Info("worker started", slog.String("redis", rt.Config.RedisAddr))
	<-ctx.Done()
	rt.Logger.Info("worker shutting down")
	return nil
}
