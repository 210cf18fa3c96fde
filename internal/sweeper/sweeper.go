// Package sweeper revokes expired shares and reclaims the storage behind
// them. It runs either on an in-process cron schedule or from the queue
// worker.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/dharsanguruparan/SoundDrop/internal/config"
	"github.com/dharsanguruparan/SoundDrop/internal/events"
	"github.com/dharsanguruparan/SoundDrop/internal/model"
	"github.com/dharsanguruparan/SoundDrop/internal/storage"
)

var (
	sweepRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sounddrop_sweep_runs_total",
		Help: "Expiry sweeps executed.",
	})

	sweepRevokedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sounddrop_sweep_revoked_total",
		Help: "Shares revoked by the sweeper.",
	})

	sweepErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sounddrop_sweep_errors_total",
		Help: "Per-record failures during sweeps.",
	})

	sweepDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sounddrop_sweep_duration_seconds",
		Help:    "Duration of expiry sweeps in seconds.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
	})
)

// ObjectRemover deletes stored objects. Removing a missing object must
// succeed.
type ObjectRemover interface {
	RemoveObject(ctx context.Context, key string) error
}

// Options tune batch size, parallelism and scheduling.
type Options struct {
	Schedule       string
	BatchSize      int
	Concurrency    int
	RunOnStart     bool
	StoreTimeout   time.Duration
	StorageTimeout time.Duration
	Now            func() time.Time
}

// OptionsFromConfig maps runtime configuration onto sweeper options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Schedule:       cfg.SweepSchedule,
		BatchSize:      cfg.SweepBatch,
		Concurrency:    cfg.SweepConcurrency,
		RunOnStart:     cfg.SweepOnStart,
		StoreTimeout:   cfg.StoreTimeout,
		StorageTimeout: cfg.StorageTimeout,
	}
}

// Result summarizes one sweep.
type Result struct {
	// Expired is the number of expired, not yet revoked shares found.
	Expired int
	// Retried counts files left behind by an earlier failed reclaim.
	Retried        int
	Revoked        int
	ObjectsDeleted int
	FilesDeleted   int
	Errors         int
	Duration       time.Duration
}

// Sweeper revokes expired shares and deletes files no live share needs.
type Sweeper struct {
	files     storage.FileStore
	shares    storage.ShareStore
	objects   ObjectRemover
	publisher events.Publisher
	opts      Options
	logger    *slog.Logger

	mu      sync.Mutex // serializes RunOnce
	cron    *cron.Cron
	pending sync.WaitGroup
}

// New constructs a Sweeper. A nil publisher disables events.
func New(files storage.FileStore, shares storage.ShareStore, objects ObjectRemover, publisher events.Publisher, logger *slog.Logger, opts Options) *Sweeper {
	if opts.Schedule == "" {
		opts.Schedule = "0 * * * *"
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 500
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 5 * time.Second
	}
	if opts.StorageTimeout <= 0 {
		opts.StorageTimeout = 10 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Sweeper{
		files:     files,
		shares:    shares,
		objects:   objects,
		publisher: publisher,
		opts:      opts,
		logger:    logger.With(slog.String("component", "sweeper")),
	}
}

// Start schedules RunOnce on the configured cron spec (UTC). Overlapping
// ticks are skipped and panics are recovered.
func (s *Sweeper) Start(ctx context.Context) error {
	logger := cronLogger{logger: s.logger}
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	if _, err := c.AddFunc(s.opts.Schedule, func() { s.RunOnce(ctx) }); err != nil {
		return fmt.Errorf("schedule sweep %q: %w", s.opts.Schedule, err)
	}
	s.cron = c
	c.Start()

	if s.opts.RunOnStart {
		s.pending.Add(1)
		go func() {
			defer s.pending.Done()
			s.RunOnce(ctx)
		}()
	}

	s.logger.Info("sweeper started", slog.String("schedule", s.opts.Schedule))
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.pending.Wait()
	s.logger.Info("sweeper stopped")
}

// RunOnce revokes every share that expired before now. Per-record failures
// are logged and counted; they never abort the sweep.
func (s *Sweeper) RunOnce(ctx context.Context) *Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	now := s.opts.Now().UTC()
	res := &tally{}

	s.logger.Debug("sweep started", slog.Time("before", now))

	s.retryOrphans(ctx, res)

	for ctx.Err() == nil {
		listCtx, cancel := context.WithTimeout(ctx, s.opts.StoreTimeout)
		page, err := s.shares.ListExpired(listCtx, now, s.opts.BatchSize)
		cancel()
		if err != nil {
			s.logger.Error("list expired shares", slog.String("error", err.Error()))
			res.add(func(r *Result) { r.Errors++ })
			break
		}
		if len(page) == 0 {
			break
		}

		revokedBefore := res.snapshot().Revoked
		s.sweepPage(ctx, page, now, res)

		if len(page) < s.opts.BatchSize || res.snapshot().Revoked == revokedBefore {
			break
		}
	}

	out := res.snapshot()
	out.Duration = time.Since(start)

	sweepRunsTotal.Inc()
	sweepRevokedTotal.Add(float64(out.Revoked))
	sweepErrorsTotal.Add(float64(out.Errors))
	sweepDurationSeconds.Observe(out.Duration.Seconds())

	s.logger.Info("sweep finished",
		slog.Int("expired", out.Expired),
		slog.Int("retried", out.Retried),
		slog.Int("revoked", out.Revoked),
		slog.Int("objects_deleted", out.ObjectsDeleted),
		slog.Int("files_deleted", out.FilesDeleted),
		slog.Int("errors", out.Errors),
		slog.Duration("duration", out.Duration),
	)
	return &out
}

// sweepPage groups the page by file so each file is reclaimed at most once.
func (s *Sweeper) sweepPage(ctx context.Context, page []*model.ShareRecord, now time.Time, res *tally) {
	res.add(func(r *Result) { r.Expired += len(page) })

	byFile := make(map[string][]*model.ShareRecord)
	var order []string
	for _, sh := range page {
		if _, seen := byFile[sh.FileID]; !seen {
			order = append(order, sh.FileID)
		}
		byFile[sh.FileID] = append(byFile[sh.FileID], sh)
	}

	var g errgroup.Group
	g.SetLimit(s.opts.Concurrency)
	for _, fileID := range order {
		shares := byFile[fileID]
		g.Go(func() error {
			s.sweepFile(ctx, fileID, shares, now, res)
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Sweeper) sweepFile(ctx context.Context, fileID string, shares []*model.ShareRecord, now time.Time, res *tally) {
	logger := s.logger.With(slog.String("file_id", fileID))
	fileDeleted := false

	file, err := s.lookupFile(ctx, fileID)
	if err != nil {
		logger.Error("load file", slog.String("error", err.Error()))
		res.add(func(r *Result) { r.Errors++ })
	}

	if file != nil {
		live, err := s.hasLiveShares(ctx, fileID, shares[0].ID, now)
		switch {
		case err != nil:
			logger.Error("check live shares", slog.String("error", err.Error()))
			res.add(func(r *Result) { r.Errors++ })
		case live:
			logger.Debug("file still shared, keeping it")
		default:
			fileDeleted = s.reclaim(ctx, file, res)
		}
	}

	for _, sh := range shares {
		revokeCtx, cancel := context.WithTimeout(ctx, s.opts.StoreTimeout)
		err := s.shares.Revoke(revokeCtx, sh.ID)
		cancel()
		if err != nil {
			logger.Error("revoke share", slog.String("share_id", sh.ID), slog.String("error", err.Error()))
			res.add(func(r *Result) { r.Errors++ })
			continue
		}
		res.add(func(r *Result) { r.Revoked++ })

		if err := s.publisher.Publish(ctx, events.SubjectShareRevoked, events.ShareRevoked{
			ShareID:     sh.ID,
			FileID:      sh.FileID,
			FileDeleted: fileDeleted,
			RevokedAt:   now,
		}); err != nil {
			logger.Warn("publish revoke event", slog.String("error", err.Error()))
		}
	}
}

// reclaim deletes the stored object and then the file record. When the
// object cannot be removed the record is kept, so retryOrphans finds the file
// again once its shares are revoked.
func (s *Sweeper) reclaim(ctx context.Context, file *model.FileRecord, res *tally) bool {
	logger := s.logger.With(slog.String("file_id", file.ID))

	objCtx, cancel := context.WithTimeout(ctx, s.opts.StorageTimeout)
	err := s.objects.RemoveObject(objCtx, file.StorageKey)
	cancel()
	if err != nil {
		logger.Error("remove object", slog.String("error", err.Error()))
		res.add(func(r *Result) { r.Errors++ })
		return false
	}
	res.add(func(r *Result) { r.ObjectsDeleted++ })

	fileCtx, cancel := context.WithTimeout(ctx, s.opts.StoreTimeout)
	err = s.files.DeleteFile(fileCtx, file.ID)
	cancel()
	if err != nil {
		logger.Error("delete file record", slog.String("error", err.Error()))
		res.add(func(r *Result) { r.Errors++ })
		return false
	}
	res.add(func(r *Result) { r.FilesDeleted++ })
	return true
}

// retryOrphans reclaims one batch of files whose shares were all revoked by
// earlier sweeps while their reclaim failed.
func (s *Sweeper) retryOrphans(ctx context.Context, res *tally) {
	listCtx, cancel := context.WithTimeout(ctx, s.opts.StoreTimeout)
	orphans, err := s.files.ListOrphaned(listCtx, s.opts.BatchSize)
	cancel()
	if err != nil {
		s.logger.Error("list orphaned files", slog.String("error", err.Error()))
		res.add(func(r *Result) { r.Errors++ })
		return
	}
	if len(orphans) == 0 {
		return
	}
	res.add(func(r *Result) { r.Retried += len(orphans) })

	var g errgroup.Group
	g.SetLimit(s.opts.Concurrency)
	for _, file := range orphans {
		g.Go(func() error {
			s.reclaim(ctx, file, res)
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Sweeper) lookupFile(ctx context.Context, id string) (*model.FileRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.StoreTimeout)
	defer cancel()
	file, err := s.files.GetFile(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	return file, err
}

func (s *Sweeper) hasLiveShares(ctx context.Context, fileID, excludeID string, now time.Time) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.StoreTimeout)
	defer cancel()
	return s.shares.HasLiveShares(ctx, fileID, excludeID, now)
}

// tally is a Result shared by the page workers.
type tally struct {
	mu  sync.Mutex
	res Result
}

func (t *tally) add(fn func(*Result)) {
	t.mu.Lock()
	fn(&t.res)
	t.mu.Unlock()
}

func (t *tally) snapshot() Result {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.res
}

// cronLogger routes robfig/cron's logging through slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
