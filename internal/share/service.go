// Package share owns the lifecycle of shared audio files: registering
// uploads, minting share links and resolving them into signed playback URLs.
package share

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/dharsanguruparan/SoundDrop/internal/config"
	"github.com/dharsanguruparan/SoundDrop/internal/events"
	"github.com/dharsanguruparan/SoundDrop/internal/model"
	"github.com/dharsanguruparan/SoundDrop/internal/storage"
)

const (
	maxTokenAttempts = 5
	maxFormatLength  = 16
	maxNameLength    = 255
)

// ObjectStore is the slice of the storage provider the service needs.
type ObjectStore interface {
	PresignPlayback(ctx context.Context, key, format string, ttl time.Duration) (string, error)
	ObjectExists(ctx context.Context, key string) (bool, error)
}

// Options tune the service. Zero values fall back to the defaults used by
// config.Load.
type Options struct {
	Folder        string
	VerifyUploads bool

	DefaultTTL    time.Duration
	MaxTTL        time.Duration
	PlayURLMinTTL time.Duration
	PlayURLMaxTTL time.Duration

	StoreTimeout   time.Duration
	StorageTimeout time.Duration
	RetryBackoff   time.Duration

	FileCacheSize int
	FileCacheTTL  time.Duration

	Now    func() time.Time
	Tokens TokenIssuer
}

// OptionsFromConfig maps runtime configuration onto service options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Folder:         cfg.Folder,
		VerifyUploads:  cfg.VerifyUploads,
		DefaultTTL:     cfg.DefaultShareTTL,
		MaxTTL:         cfg.MaxShareTTL,
		PlayURLMinTTL:  cfg.PlayURLMinTTL,
		PlayURLMaxTTL:  cfg.PlayURLMaxTTL,
		StoreTimeout:   cfg.StoreTimeout,
		StorageTimeout: cfg.StorageTimeout,
		FileCacheSize:  cfg.FileCacheSize,
		FileCacheTTL:   cfg.FileCacheTTL,
	}
}

func (o *Options) applyDefaults() {
	if o.DefaultTTL <= 0 {
		o.DefaultTTL = time.Hour
	}
	if o.MaxTTL <= 0 {
		o.MaxTTL = 30 * 24 * time.Hour
	}
	if o.PlayURLMinTTL <= 0 {
		o.PlayURLMinTTL = 30 * time.Second
	}
	if o.PlayURLMaxTTL < o.PlayURLMinTTL {
		o.PlayURLMaxTTL = max(time.Hour, o.PlayURLMinTTL)
	}
	if o.StoreTimeout <= 0 {
		o.StoreTimeout = 5 * time.Second
	}
	if o.StorageTimeout <= 0 {
		o.StorageTimeout = 10 * time.Second
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = 50 * time.Millisecond
	}
	if o.FileCacheSize <= 0 {
		o.FileCacheSize = 1024
	}
	if o.FileCacheTTL <= 0 {
		o.FileCacheTTL = time.Minute
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Tokens == nil {
		o.Tokens = IssueToken
	}
}

// Service coordinates the stores, the storage provider and event publishing.
type Service struct {
	files     storage.FileStore
	shares    storage.ShareStore
	objects   ObjectStore
	publisher events.Publisher
	cache     *fileCache
	opts      Options
	logger    *slog.Logger
}

// New wires a Service. A nil publisher disables events.
func New(files storage.FileStore, shares storage.ShareStore, objects ObjectStore, publisher events.Publisher, logger *slog.Logger, opts Options) *Service {
	opts.applyDefaults()
	if publisher == nil {
		publisher = events.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		files:     files,
		shares:    shares,
		objects:   objects,
		publisher: publisher,
		cache:     newFileCache(opts.FileCacheSize, opts.FileCacheTTL),
		opts:      opts,
		logger:    logger.With(slog.String("component", "share")),
	}
}

// RegisterInput describes an object the client already uploaded.
type RegisterInput struct {
	StorageKey      string
	Format          string
	SizeBytes       int64
	DurationSeconds *float64
	OriginalName    string
}

// CreateInput describes a share request. A zero TTL selects the default.
type CreateInput struct {
	FileID       string
	TTL          time.Duration
	MaxDownloads int
}

// Created is the result of CreateShare.
type Created struct {
	Share *model.ShareRecord
	File  model.FileView
}

// Access is a successful resolution.
type Access struct {
	Token            string
	ExpiresAt        time.Time
	PlayURL          string
	PlayURLExpiresAt time.Time
	Downloads        int
	MaxDownloads     int
	File             model.FileView
}

// Share states reported by Inspect.
const (
	StateActive    = "active"
	StateRevoked   = "revoked"
	StateExpired   = "expired"
	StateExhausted = "exhausted"
)

// Status is the operator view of a share. File is nil once the sweeper
// removed the file record.
type Status struct {
	Share *model.ShareRecord
	File  *model.FileView
	State string
}

// RegisterFile validates and records a completed direct upload and returns
// its id.
func (s *Service) RegisterFile(ctx context.Context, in RegisterInput) (string, error) {
	rec, err := s.validateRegister(in)
	if err != nil {
		return "", err
	}

	if s.opts.VerifyUploads {
		exists, err := retryRead(ctx, s.opts.RetryBackoff, func(ctx context.Context) (bool, error) {
			ctx, cancel := context.WithTimeout(ctx, s.opts.StorageTimeout)
			defer cancel()
			return s.objects.ObjectExists(ctx, rec.StorageKey)
		})
		if err != nil {
			return "", upstream("stat object", err)
		}
		if !exists {
			return "", invalid("publicId", "object not found in storage")
		}
	}

	storeCtx, cancel := context.WithTimeout(ctx, s.opts.StoreTimeout)
	defer cancel()
	if err := s.files.CreateFile(storeCtx, rec); err != nil {
		return "", upstream("create file", err)
	}
	s.cache.add(rec)
	filesRegisteredTotal.Inc()

	s.publish(ctx, events.SubjectFileRegistered, events.FileRegistered{
		FileID:    rec.ID,
		Format:    rec.Format,
		Bytes:     rec.SizeBytes,
		CreatedAt: rec.CreatedAt,
	})
	s.logger.Info("file registered",
		slog.String("file_id", rec.ID),
		slog.String("format", rec.Format),
		slog.Int64("bytes", rec.SizeBytes),
	)
	return rec.ID, nil
}

func (s *Service) validateRegister(in RegisterInput) (*model.FileRecord, error) {
	key := strings.TrimSpace(in.StorageKey)
	switch {
	case key == "":
		return nil, invalid("publicId", "required")
	case strings.HasPrefix(key, "/"), strings.Contains(key, ".."), strings.Contains(key, "\\"):
		return nil, invalid("publicId", "malformed object key")
	case s.opts.Folder != "" && !strings.HasPrefix(key, s.opts.Folder+"/"):
		return nil, invalid("publicId", "outside upload folder")
	}

	format := strings.TrimSpace(in.Format)
	if format == "" {
		return nil, invalid("format", "required")
	}
	if len(format) > maxFormatLength || !lowerAlnum(format) {
		return nil, invalid("format", "must be lowercase alphanumeric")
	}

	if in.SizeBytes < 0 {
		return nil, invalid("bytes", "must not be negative")
	}

	var duration *float64
	if in.DurationSeconds != nil {
		d := *in.DurationSeconds
		if math.IsNaN(d) || math.IsInf(d, 0) || d < 0 {
			return nil, invalid("duration", "must be a non-negative number")
		}
		duration = &d
	}

	name := strings.TrimSpace(in.OriginalName)
	switch {
	case name == "":
		return nil, invalid("originalFilename", "required")
	case !utf8.ValidString(name):
		return nil, invalid("originalFilename", "invalid utf-8")
	case utf8.RuneCountInString(name) > maxNameLength:
		return nil, invalid("originalFilename", "too long")
	case strings.IndexFunc(name, unicode.IsControl) >= 0:
		return nil, invalid("originalFilename", "contains control characters")
	}

	return &model.FileRecord{
		StorageKey:      key,
		Format:          format,
		SizeBytes:       in.SizeBytes,
		DurationSeconds: duration,
		OriginalName:    name,
	}, nil
}

func lowerAlnum(s string) bool {
	for _, r := range s {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}

// CreateShare mints a token for an existing file.
func (s *Service) CreateShare(ctx context.Context, in CreateInput) (*Created, error) {
	if _, err := uuid.Parse(in.FileID); err != nil {
		return nil, invalid("fileId", "must be a uuid")
	}
	ttl := in.TTL
	if ttl == 0 {
		ttl = s.opts.DefaultTTL
	}
	if ttl < 0 {
		return nil, invalid("ttlSeconds", "must be positive")
	}
	if ttl > s.opts.MaxTTL {
		return nil, invalid("ttlSeconds", fmt.Sprintf("must not exceed %d", int64(s.opts.MaxTTL/time.Second)))
	}
	if in.MaxDownloads < 0 {
		return nil, invalid("maxDownloads", "must not be negative")
	}
	if in.MaxDownloads > math.MaxInt32 {
		return nil, invalid("maxDownloads", fmt.Sprintf("must not exceed %d", math.MaxInt32))
	}

	file, err := s.loadFile(ctx, in.FileID)
	if err != nil {
		return nil, err
	}

	rec := &model.ShareRecord{
		FileID:       file.ID,
		ExpiresAt:    s.opts.Now().Add(ttl).UTC(),
		MaxDownloads: in.MaxDownloads,
	}
	if err := s.insertShare(ctx, rec); err != nil {
		return nil, err
	}
	sharesCreatedTotal.Inc()

	s.publish(ctx, events.SubjectShareCreated, events.ShareCreated{
		ShareID:      rec.ID,
		FileID:       rec.FileID,
		ExpiresAt:    rec.ExpiresAt,
		MaxDownloads: rec.MaxDownloads,
	})
	s.logger.Info("share created",
		slog.String("share_id", rec.ID),
		slog.String("file_id", rec.FileID),
		slog.Time("expires_at", rec.ExpiresAt),
		slog.Int("max_downloads", rec.MaxDownloads),
	)
	return &Created{Share: rec, File: file.View()}, nil
}

// insertShare retries with a fresh token while the store reports collisions.
func (s *Service) insertShare(ctx context.Context, rec *model.ShareRecord) error {
	for attempt := 1; attempt <= maxTokenAttempts; attempt++ {
		token, err := s.opts.Tokens()
		if err != nil {
			return upstream("issue token", err)
		}
		rec.Token = token

		storeCtx, cancel := context.WithTimeout(ctx, s.opts.StoreTimeout)
		err = s.shares.CreateShare(storeCtx, rec)
		cancel()
		if err == nil {
			return nil
		}
		if !errors.Is(err, storage.ErrDuplicateToken) {
			return upstream("create share", err)
		}
		s.logger.Warn("share token collision", slog.Int("attempt", attempt))
	}
	return upstream("create share", fmt.Errorf("no unique token after %d attempts", maxTokenAttempts))
}

// Resolve validates a token and, when access is granted, returns a fresh
// signed playback URL and counts the download.
func (s *Service) Resolve(ctx context.Context, token string) (*Access, error) {
	access, err := s.resolve(ctx, token)
	resolveTotal.WithLabelValues(outcome(err)).Inc()
	return access, err
}

func (s *Service) resolve(ctx context.Context, token string) (*Access, error) {
	now := s.opts.Now()

	sh, err := s.shareByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if sh.Revoked {
		return nil, ErrNotFound
	}
	if sh.Expired(now) {
		return nil, ErrExpired
	}
	if sh.LimitReached() {
		return nil, ErrLimitReached
	}

	file, err := s.file(ctx, sh.FileID)
	if err != nil {
		return nil, err
	}

	ttl := PlaybackTTL(sh.ExpiresAt.Sub(now), s.opts.PlayURLMinTTL, s.opts.PlayURLMaxTTL)
	presignCtx, cancel := context.WithTimeout(ctx, s.opts.StorageTimeout)
	playURL, err := s.objects.PresignPlayback(presignCtx, file.StorageKey, file.Format, ttl)
	cancel()
	if err != nil {
		return nil, upstream("presign playback", err)
	}

	claimCtx, cancel := context.WithTimeout(ctx, s.opts.StoreTimeout)
	downloads, err := s.shares.ClaimDownload(claimCtx, sh.ID)
	cancel()
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrLimitReached):
		return nil, ErrLimitReached
	case errors.Is(err, storage.ErrShareRevoked), errors.Is(err, storage.ErrNotFound):
		return nil, ErrNotFound
	default:
		return nil, upstream("claim download", err)
	}

	return &Access{
		Token:            sh.Token,
		ExpiresAt:        sh.ExpiresAt,
		PlayURL:          playURL,
		PlayURLExpiresAt: now.Add(ttl).UTC(),
		Downloads:        downloads,
		MaxDownloads:     sh.MaxDownloads,
		File:             file.View(),
	}, nil
}

// Inspect reports the state of a share without counting a download or
// signing a URL. Revoked shares are reported, not hidden.
func (s *Service) Inspect(ctx context.Context, token string) (*Status, error) {
	sh, err := s.shareByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	st := &Status{Share: sh, State: StateActive}
	switch {
	case sh.Revoked:
		st.State = StateRevoked
	case sh.Expired(s.opts.Now()):
		st.State = StateExpired
	case sh.LimitReached():
		st.State = StateExhausted
	}

	file, err := s.file(ctx, sh.FileID)
	switch {
	case err == nil:
		view := file.View()
		st.File = &view
	case !errors.Is(err, ErrNotFound):
		return nil, err
	}
	return st, nil
}

// PlaybackTTL clamps the remaining share lifetime into [minTTL, maxTTL],
// truncated to whole seconds.
func PlaybackTTL(remaining, minTTL, maxTTL time.Duration) time.Duration {
	ttl := remaining.Truncate(time.Second)
	if ttl < minTTL {
		return minTTL
	}
	if ttl > maxTTL {
		return maxTTL
	}
	return ttl
}

func (s *Service) shareByToken(ctx context.Context, token string) (*model.ShareRecord, error) {
	if !plausibleToken(token) {
		return nil, ErrNotFound
	}
	sh, err := retryRead(ctx, s.opts.RetryBackoff, func(ctx context.Context) (*model.ShareRecord, error) {
		ctx, cancel := context.WithTimeout(ctx, s.opts.StoreTimeout)
		defer cancel()
		return s.shares.GetShareByToken(ctx, token)
	})
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, upstream("get share", err)
	}
	return sh, nil
}

func (s *Service) file(ctx context.Context, id string) (*model.FileRecord, error) {
	if rec, ok := s.cache.get(id); ok {
		return rec, nil
	}
	return s.loadFile(ctx, id)
}

// loadFile bypasses the cache. New shares must not be minted for a file the
// sweeper already removed.
func (s *Service) loadFile(ctx context.Context, id string) (*model.FileRecord, error) {
	rec, err := retryRead(ctx, s.opts.RetryBackoff, func(ctx context.Context) (*model.FileRecord, error) {
		ctx, cancel := context.WithTimeout(ctx, s.opts.StoreTimeout)
		defer cancel()
		return s.files.GetFile(ctx, id)
	})
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, upstream("get file", err)
	}
	s.cache.add(rec)
	return rec, nil
}

func (s *Service) publish(ctx context.Context, subject string, payload any) {
	if err := s.publisher.Publish(ctx, subject, payload); err != nil {
		s.logger.Warn("publish event failed",
			slog.String("subject", subject),
			slog.String("error", err.Error()),
		)
	}
}
