package repository

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/dharsanguruparan/SoundDrop/internal/database"
	"github.com/dharsanguruparan/SoundDrop/internal/model"
	"github.com/dharsanguruparan/SoundDrop/internal/storage"
)

// setupTestDB starts PostgreSQL in a container and applies the migrations.
func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()

	if os.Getenv("TEST_INTEGRATION") == "" {
		t.Skip("skipping integration test: TEST_INTEGRATION not set")
	}

	ctx := context.Background()
	container, err := postgres.Run(ctx,
		"docker.io/postgres:17-alpine",
		postgres.WithDatabase("sounddrop_test"),
		postgres.WithUsername("sounddrop"),
		postgres.WithPassword("test-password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("terminate container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if err := database.Migrate(dsn, logger); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	pool, err := database.Connect(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)
	return pool
}

func createFile(t *testing.T, files *FileRepository) *model.FileRecord {
	t.Helper()
	duration := 180.0
	file := &model.FileRecord{
		StorageKey:      "audio/track.mp3",
		Format:          "mp3",
		SizeBytes:       1_000_000,
		DurationSeconds: &duration,
		OriginalName:    "track.mp3",
	}
	if err := files.CreateFile(context.Background(), file); err != nil {
		t.Fatalf("create file: %v", err)
	}
	return file
}

func TestFileRepositoryCRUD(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	files := NewFileRepository(pool)

	file := createFile(t, files)
	if file.ID == "" || file.CreatedAt.IsZero() {
		t.Fatalf("expected id and created_at to be assigned, got %+v", file)
	}
	got, err := files.GetFile(ctx, file.ID)
	if err != nil {
		t.Fatalf("get file: %v", err)
	}
	if got.StorageKey != file.StorageKey || got.DurationSeconds == nil || *got.DurationSeconds != 180 {
		t.Fatalf("unexpected file %+v", got)
	}
	if err := files.DeleteFile(ctx, file.ID); err != nil {
		t.Fatalf("delete file: %v", err)
	}
	if err := files.DeleteFile(ctx, file.ID); err != nil {
		t.Fatalf("second delete should be a no-op: %v", err)
	}
	if _, err := files.GetFile(ctx, file.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if _, err := files.GetFile(ctx, "not-a-uuid"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for malformed id, got %v", err)
	}
}

func TestShareRepositoryLifecycle(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	files := NewFileRepository(pool)
	shares := NewShareRepository(pool)
	file := createFile(t, files)

	share := &model.ShareRecord{
		Token:        "0123456789abcdef0123456789abcdef",
		FileID:       file.ID,
		ExpiresAt:    time.Now().Add(time.Hour),
		MaxDownloads: 1,
	}
	if err := shares.CreateShare(ctx, share); err != nil {
		t.Fatalf("create share: %v", err)
	}
	dup := &model.ShareRecord{Token: share.Token, FileID: file.ID, ExpiresAt: time.Now().Add(time.Hour)}
	if err := shares.CreateShare(ctx, dup); !errors.Is(err, storage.ErrDuplicateToken) {
		t.Fatalf("expected ErrDuplicateToken, got %v", err)
	}
	if _, err := shares.GetShareByToken(ctx, "0123456789ABCDEF0123456789ABCDEF"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("token lookup must be case-sensitive, got %v", err)
	}

	n, err := shares.ClaimDownload(ctx, share.ID)
	if err != nil || n != 1 {
		t.Fatalf("first claim = %d, %v", n, err)
	}
	if _, err := shares.ClaimDownload(ctx, share.ID); !errors.Is(err, storage.ErrLimitReached) {
		t.Fatalf("expected ErrLimitReached, got %v", err)
	}

	if err := shares.Revoke(ctx, share.ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if err := shares.Revoke(ctx, share.ID); err != nil {
		t.Fatalf("revoke twice: %v", err)
	}
	if _, err := shares.ClaimDownload(ctx, share.ID); !errors.Is(err, storage.ErrShareRevoked) {
		t.Fatalf("expected ErrShareRevoked, got %v", err)
	}
}

func TestShareRepositoryConcurrentClaimsRespectCap(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	files := NewFileRepository(pool)
	shares := NewShareRepository(pool)
	file := createFile(t, files)

	share := &model.ShareRecord{
		Token:        "cafebabecafebabecafebabecafebabe",
		FileID:       file.ID,
		ExpiresAt:    time.Now().Add(time.Hour),
		MaxDownloads: 3,
	}
	if err := shares.CreateShare(ctx, share); err != nil {
		t.Fatalf("create share: %v", err)
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := shares.ClaimDownload(ctx, share.ID); err == nil {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if granted != 3 {
		t.Fatalf("granted %d claims, want exactly 3", granted)
	}
	got, err := shares.GetShareByToken(ctx, share.Token)
	if err != nil {
		t.Fatalf("get share: %v", err)
	}
	if got.Downloads != 3 {
		t.Fatalf("downloads = %d, want 3", got.Downloads)
	}
}

func TestShareRepositoryExpiryQueries(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	files := NewFileRepository(pool)
	shares := NewShareRepository(pool)
	file := createFile(t, files)
	now := time.Now().UTC()

	expired := &model.ShareRecord{Token: "expired-token", FileID: file.ID, ExpiresAt: now.Add(-time.Minute)}
	live := &model.ShareRecord{Token: "live-token", FileID: file.ID, ExpiresAt: now.Add(time.Hour)}
	for _, s := range []*model.ShareRecord{expired, live} {
		if err := shares.CreateShare(ctx, s); err != nil {
			t.Fatalf("create share: %v", err)
		}
	}

	list, err := shares.ListExpired(ctx, now, 10)
	if err != nil {
		t.Fatalf("list expired: %v", err)
	}
	if len(list) != 1 || list[0].ID != expired.ID {
		t.Fatalf("expected only the expired share, got %+v", list)
	}

	hasLive, err := shares.HasLiveShares(ctx, file.ID, expired.ID, now)
	if err != nil || !hasLive {
		t.Fatalf("HasLiveShares = %v, %v; want true", hasLive, err)
	}
	hasLive, err = shares.HasLiveShares(ctx, file.ID, live.ID, now)
	if err != nil || hasLive {
		t.Fatalf("HasLiveShares excluding live = %v, %v; want false", hasLive, err)
	}

	if err := shares.Revoke(ctx, expired.ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	list, err = shares.ListExpired(ctx, now, 10)
	if err != nil || len(list) != 0 {
		t.Fatalf("revoked shares must not be listed, got %d (%v)", len(list), err)
	}

	orphans, err := files.ListOrphaned(ctx, 10)
	if err != nil || len(orphans) != 0 {
		t.Fatalf("file with a live share is not orphaned, got %d (%v)", len(orphans), err)
	}
	if err := shares.Revoke(ctx, live.ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	orphans, err = files.ListOrphaned(ctx, 10)
	if err != nil || len(orphans) != 1 || orphans[0].ID != file.ID {
		t.Fatalf("expected the fully revoked file, got %+v (%v)", orphans, err)
	}
}
