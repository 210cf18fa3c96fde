package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dharsanguruparan/SoundDrop/internal/config"
	"github.com/dharsanguruparan/SoundDrop/internal/s3storage"
	"github.com/dharsanguruparan/SoundDrop/internal/share"
	"github.com/dharsanguruparan/SoundDrop/internal/signing"
)

const defaultStorageTimeout = 10 * time.Second

// ShareService is what the handlers need from share.Service.
type ShareService interface {
	RegisterFile(ctx context.Context, in share.RegisterInput) (string, error)
	CreateShare(ctx context.Context, in share.CreateInput) (*share.Created, error)
	Resolve(ctx context.Context, token string) (*share.Access, error)
}

// UploadPresigner issues direct-upload forms.
type UploadPresigner interface {
	PresignUpload(ctx context.Context, folder string, maxBytes int64, ttl time.Duration) (*s3storage.UploadForm, error)
}

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps groups what the server is built from.
type Deps struct {
	Shares  ShareService
	Uploads UploadPresigner
	Signer  *signing.Signer
	Ready   Pinger
	Logger  *slog.Logger
	// Now defaults to time.Now; tests pin it.
	Now func() time.Time
}

// Server exposes the SoundDrop HTTP API.
type Server struct {
	cfg      *config.Config
	shares   ShareService
	uploads  UploadPresigner
	signer   *signing.Signer
	ready    Pinger
	logger   *slog.Logger
	now      func() time.Time
	validate *validator.Validate
	router   chi.Router

	// storageTimeout bounds provider calls made directly by handlers.
	storageTimeout time.Duration
}

// New constructs a Server and its routes.
func New(cfg *config.Config, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	storageTimeout := cfg.StorageTimeout
	if storageTimeout <= 0 {
		storageTimeout = defaultStorageTimeout
	}
	s := &Server{
		cfg:      cfg,
		shares:   deps.Shares,
		uploads:  deps.Uploads,
		signer:   deps.Signer,
		ready:    deps.Ready,
		logger:   logger.With(slog.String("component", "api")),
		now:      now,
		validate: newValidator(),

		storageTimeout: storageTimeout,
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)
	r.Use(RequestLogger(s.logger))
	r.Use(MetricsMiddleware())

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/upload-signature", s.handleUploadSignature)
		r.Post("/files", s.handleRegisterFile)
		r.Post("/share", s.handleCreateShare)
		r.Get("/shares/{token}", s.handleResolve)
	})
	r.Get("/s/{token}", s.handleShareRedirect)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		respondError(w, http.StatusNotFound, "Not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
	})
	return r
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Address,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api listening", slog.String("addr", s.cfg.Address))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.logger.Info("shutting down api")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return nil
}
