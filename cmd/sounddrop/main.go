package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"

	"github.com/dharsanguruparan/SoundDrop/internal/app"
	"github.com/dharsanguruparan/SoundDrop/internal/config"
	"github.com/dharsanguruparan/SoundDrop/internal/model"
	"github.com/dharsanguruparan/SoundDrop/internal/queue"
	"github.com/dharsanguruparan/SoundDrop/internal/share"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rootCmd := newRootCommand()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "sounddrop: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sounddrop",
		Short: "SoundDrop operator CLI",
		Long: `SoundDrop CLI runs schema migrations, triggers expiry sweeps, inspects share links
and launches the API or worker in the foreground. Configuration is read from SOUNDDROP_* variables.`,
		SilenceUsage: true,
	}
	cmd.AddCommand(
		newMigrateCmd(),
		newSweepCmd(),
		newInspectCmd(),
		newRunCmd(),
	)
	return cmd
}

// setup loads configuration and installs the process logger.
func setup() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, config.SetupLogger(cfg), nil
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			if cfg.Store != config.StorePostgres {
				return fmt.Errorf("migrate needs SOUNDDROP_STORE=%s, got %q", config.StorePostgres, cfg.Store)
			}
			rt, err := app.OpenStores(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer rt.Close()
			return rt.Ready.Ping(cmd.Context())
		},
	}
}

func newSweepCmd() *cobra.Command {
	var enqueue bool
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Revoke expired shares now",
		Long: `Runs one expiry sweep in this process and prints the result.
With --enqueue the sweep is handed to the worker through Redis instead.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			if enqueue {
				return enqueueSweep(ctx, cfg, cmd.OutOrStdout())
			}

			rt, err := app.Open(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer rt.Close()
			sw, err := rt.Sweeper()
			if err != nil {
				return err
			}
			res := sw.RunOnce(ctx)
			if err := printJSON(cmd.OutOrStdout(), sweepOutput{
				Expired:        res.Expired,
				Retried:        res.Retried,
				Revoked:        res.Revoked,
				ObjectsDeleted: res.ObjectsDeleted,
				FilesDeleted:   res.FilesDeleted,
				Errors:         res.Errors,
				Duration:       res.Duration.String(),
			}); err != nil {
				return err
			}
			if res.Errors > 0 {
				return fmt.Errorf("sweep finished with %d errors", res.Errors)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&enqueue, "enqueue", false, "Enqueue the sweep for the worker instead of running it here")
	return cmd
}

func enqueueSweep(ctx context.Context, cfg *config.Config, out io.Writer) error {
	client := asynq.NewClient(queue.RedisOpt(cfg))
	defer client.Close()

	enqueued, err := queue.EnqueueSweep(ctx, client, queue.SweepPayload{
		RequestedBy: "cli",
		RequestedAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	if !enqueued {
		fmt.Fprintln(out, "a sweep is already pending")
		return nil
	}
	fmt.Fprintln(out, "sweep enqueued")
	return nil
}

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <token>",
		Short: "Show a share link without consuming a download",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			rt, err := app.Open(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer rt.Close()
			svc, err := rt.ShareService()
			if err != nil {
				return err
			}

			status, err := svc.Inspect(ctx, args[0])
			if errors.Is(err, share.ErrNotFound) {
				return fmt.Errorf("no share with token %q", args[0])
			}
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), inspectOutput{
				ShareID:      status.Share.ID,
				FileID:       status.Share.FileID,
				State:        status.State,
				ExpiresAt:    status.Share.ExpiresAt,
				Downloads:    status.Share.Downloads,
				MaxDownloads: status.Share.MaxDownloads,
				CreatedAt:    status.Share.CreatedAt,
				File:         status.File,
			})
		},
	}
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the API or the worker in the foreground",
	}
	cmd.AddCommand(
		newServiceRunner("api", "Serve the HTTP API", app.RunAPI),
		newServiceRunner("worker", "Process queued sweeps", app.RunWorker),
	)
	return cmd
}

func newServiceRunner(name, short string, run func(context.Context, *app.Runtime) error) *cobra.Command {
	return &cobra.Command{
		Use:   name,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			rt, err := app.Open(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer rt.Close()
			return run(ctx, rt)
		},
	}
}

type sweepOutput struct {
	Expired        int    `json:"expired"`
	Retried        int    `json:"retried"`
	Revoked        int    `json:"revoked"`
	ObjectsDeleted int    `json:"objectsDeleted"`
	FilesDeleted   int    `json:"filesDeleted"`
	Errors         int    `json:"errors"`
	Duration       string `json:"duration"`
}

type inspectOutput struct {
	ShareID      string          `json:"shareId"`
	FileID       string          `json:"fileId"`
	State        string          `json:"state"`
	ExpiresAt    time.Time       `json:"expiresAt"`
	Downloads    int             `json:"downloads"`
	MaxDownloads int             `json:"maxDownloads"`
	CreatedAt    time.Time       `json:"createdAt"`
	File         *model.FileView `json:"file"`
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
