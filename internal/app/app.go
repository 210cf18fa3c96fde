// Package app wires configuration into running components. The server, the
// worker and the CLI all bootstrap through it.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dharsanguruparan/SoundDrop/internal/config"
	"github.com/dharsanguruparan/SoundDrop/internal/database"
	"github.com/dharsanguruparan/SoundDrop/internal/events"
	"github.com/dharsanguruparan/SoundDrop/internal/repository"
	"github.com/dharsanguruparan/SoundDrop/internal/s3storage"
	"github.com/dharsanguruparan/SoundDrop/internal/share"
	"github.com/dharsanguruparan/SoundDrop/internal/storage"
	"github.com/dharsanguruparan/SoundDrop/internal/sweeper"
)

// Pinger reports whether the record store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Runtime holds the dependencies shared by every process.
type Runtime struct {
	Config  *config.Config
	Logger  *slog.Logger
	Files   storage.FileStore
	Shares  storage.ShareStore
	Ready   Pinger
	Objects *s3storage.Storage
	Events  events.Publisher

	closers []func()
}

// Open connects the record store, object storage and the event bus.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Runtime, error) {
	rt := &Runtime{Config: cfg, Logger: logger}

	if err := rt.openStores(ctx); err != nil {
		rt.Close()
		return nil, err
	}

	objects, err := s3storage.New(cfg)
	if err != nil {
		rt.Close()
		return nil, err
	}
	if err := objects.EnsureBucket(ctx); err != nil {
		rt.Close()
		return nil, err
	}
	rt.Objects = objects
	logger.Info("object storage ready", slog.String("bucket", objects.Bucket()))

	if cfg.NATSURL == "" {
		rt.Events = events.Nop{}
	} else {
		pub, err := events.Connect(cfg.NATSURL, logger)
		if err != nil {
			rt.Close()
			return nil, err
		}
		rt.Events = pub
		rt.closers = append(rt.closers, pub.Close)
	}
	return rt, nil
}

// OpenStores connects only the record store, applying migrations on the way.
// `sounddrop migrate` uses it.
func OpenStores(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Runtime, error) {
	rt := &Runtime{Config: cfg, Logger: logger, Events: events.Nop{}}
	if err := rt.openStores(ctx); err != nil {
		rt.Close()
		return nil, err
	}
	return rt, nil
}

func (rt *Runtime) openStores(ctx context.Context) error {
	if rt.Config.Store == config.StoreMemory {
		rt.Logger.Warn("using in-memory store, records are lost on restart")
		mem := storage.NewMemoryStore()
		rt.Files, rt.Shares, rt.Ready = mem, mem, mem
		return nil
	}

	if err := database.Migrate(rt.Config.DatabaseURL, rt.Logger); err != nil {
		return err
	}
	pool, err := database.Connect(ctx, rt.Config.DatabaseURL)
	if err != nil {
		return err
	}
	rt.closers = append(rt.closers, pool.Close)
	rt.Files = repository.NewFileRepository(pool)
	rt.Shares = repository.NewShareRepository(pool)
	rt.Ready = database.NewReadinessChecker(pool)
	return nil
}

// Close releases connections in reverse order of acquisition.
func (rt *Runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
	rt.closers = nil
}

// ShareService builds the share lifecycle service.
func (rt *Runtime) ShareService() (*share.Service, error) {
	if rt.Objects == nil {
		return nil, fmt.Errorf("share service needs object storage")
	}
	return share.New(rt.Files, rt.Shares, rt.Objects, rt.Events, rt.Logger, share.OptionsFromConfig(rt.Config)), nil
}

// Sweeper builds the expiry sweeper.
func (rt *Runtime) Sweeper() (*sweeper.Sweeper, error) {
	if rt.Objects == nil {
		return nil, fmt.Errorf("sweeper needs object storage")
	}
	return sweeper.New(rt.Files, rt.Shares, rt.Objects, rt.Events, rt.Logger, sweeper.OptionsFromConfig(rt.Config)), nil
}
