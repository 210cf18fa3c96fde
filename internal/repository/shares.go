package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dharsanguruparan/SoundDrop/internal/model"
	"github.com/dharsanguruparan/SoundDrop/internal/storage"
)

const (
	uniqueViolation    = "23505"
	tokenUniqueIndex   = "shares_token_key"
	shareSelectColumns = `id, token, file_id, expires_at, max_downloads, downloads, revoked, created_at`
)

// ShareRepository stores ShareRecords in the shares table.
type ShareRepository struct {
	pool *pgxpool.Pool
}

// NewShareRepository constructs a repository.
func NewShareRepository(pool *pgxpool.Pool) *ShareRepository {
	return &ShareRepository{pool: pool}
}

var _ storage.ShareStore = (*ShareRepository)(nil)

// CreateShare inserts a share; a token collision maps to storage.ErrDuplicateToken.
func (r *ShareRepository) CreateShare(ctx context.Context, share *model.ShareRecord) error {
	id := uuid.NewString()
	now := time.Now().UTC()
	_, err := r.pool.Exec(ctx, `
		INSERT INTO shares (id, token, file_id, expires_at, max_downloads, downloads, revoked, created_at)
		VALUES ($1,$2,$3,$4,$5,0,FALSE,$6)
	`, id, share.Token, share.FileID, share.ExpiresAt.UTC(), share.MaxDownloads, now)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == tokenUniqueIndex {
			return storage.ErrDuplicateToken
		}
		return fmt.Errorf("insert share: %w", err)
	}
	share.ID = id
	share.Downloads = 0
	share.Revoked = false
	share.CreatedAt = now
	return nil
}

// GetShareByToken returns the share with exactly this token.
func (r *ShareRepository) GetShareByToken(ctx context.Context, token string) (*model.ShareRecord, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+shareSelectColumns+` FROM shares WHERE token=$1`, token)
	share, err := scanShare(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("select share: %w", err)
	}
	return share, nil
}

// ClaimDownload performs the cap check and the increment in one statement so
// concurrent claims cannot push downloads past max_downloads.
func (r *ShareRepository) ClaimDownload(ctx context.Context, shareID string) (int, error) {
	var downloads int
	err := r.pool.QueryRow(ctx, `
		UPDATE shares SET downloads = downloads + 1
		WHERE id=$1 AND NOT revoked AND (max_downloads = 0 OR downloads < max_downloads)
		RETURNING downloads
	`, shareID).Scan(&downloads)
	if err == nil {
		return downloads, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("claim download: %w", err)
	}
	var revoked bool
	err = r.pool.QueryRow(ctx, `SELECT revoked FROM shares WHERE id=$1`, shareID).Scan(&revoked)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return 0, storage.ErrNotFound
	case err != nil:
		return 0, fmt.Errorf("inspect rejected claim: %w", err)
	case revoked:
		return 0, storage.ErrShareRevoked
	default:
		return 0, storage.ErrLimitReached
	}
}

// ListExpired returns live shares whose expiry is before the given instant.
func (r *ShareRepository) ListExpired(ctx context.Context, before time.Time, limit int) ([]*model.ShareRecord, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+shareSelectColumns+`
		FROM shares
		WHERE NOT revoked AND expires_at < $1
		ORDER BY expires_at
		LIMIT $2
	`, before.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("list expired shares: %w", err)
	}
	defer rows.Close()

	var out []*model.ShareRecord
	for rows.Next() {
		share, err := scanShare(rows)
		if err != nil {
			return nil, fmt.Errorf("scan expired share: %w", err)
		}
		out = append(out, share)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expired shares: %w", err)
	}
	return out, nil
}

// HasLiveShares reports whether another usable share references fileID.
func (r *ShareRepository) HasLiveShares(ctx context.Context, fileID, excludeShareID string, at time.Time) (bool, error) {
	var live bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM shares
			WHERE file_id=$1 AND id<>$2 AND NOT revoked AND expires_at >= $3
		)
	`, fileID, excludeShareID, at.UTC()).Scan(&live)
	if err != nil {
		return false, fmt.Errorf("check live shares: %w", err)
	}
	return live, nil
}

// Revoke sets the one-way revoked flag.
func (r *ShareRepository) Revoke(ctx context.Context, shareID string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE shares SET revoked = TRUE WHERE id=$1`, shareID)
	if err != nil {
		return fmt.Errorf("revoke share: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func scanShare(row pgx.Row) (*model.ShareRecord, error) {
	var share model.ShareRecord
	if err := row.Scan(&share.ID, &share.Token, &share.FileID, &share.ExpiresAt, &share.MaxDownloads, &share.Downloads, &share.Revoked, &share.CreatedAt); err != nil {
		return nil, err
	}
	return &share, nil
}
