// Package storage defines the persistence contracts for file and share
// records and ships an in-memory implementation of them.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/dharsanguruparan/SoundDrop/internal/model"
)

var (
	// ErrNotFound is returned when an id or token does not resolve to a row.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicateToken means the unique index on share tokens rejected an insert.
	ErrDuplicateToken = errors.New("share token already exists")
	// ErrShareRevoked is returned by ClaimDownload for revoked shares.
	ErrShareRevoked = errors.New("share revoked")
	// ErrLimitReached is returned by ClaimDownload when the cap is exhausted.
	ErrLimitReached = errors.New("download limit reached")
)

// FileStore persists FileRecords.
type FileStore interface {
	// CreateFile assigns ID and CreatedAt and inserts the record.
	CreateFile(ctx context.Context, file *model.FileRecord) error
	GetFile(ctx context.Context, id string) (*model.FileRecord, error)
	// DeleteFile is idempotent: deleting a missing record is not an error.
	DeleteFile(ctx context.Context, id string) error
	// ListOrphaned returns files that have shares, all of them revoked,
	// oldest first. Files whose reclaim failed during a sweep end up here.
	ListOrphaned(ctx context.Context, limit int) ([]*model.FileRecord, error)
}

// ShareStore persists ShareRecords.
type ShareStore interface {
	// CreateShare assigns ID and CreatedAt and inserts the record. A token
	// collision fails with ErrDuplicateToken.
	CreateShare(ctx context.Context, share *model.ShareRecord) error
	// GetShareByToken is an exact, case-sensitive match.
	GetShareByToken(ctx context.Context, token string) (*model.ShareRecord, error)
	// ClaimDownload atomically increments the download counter if the share
	// is not revoked and still under its cap, returning the new count.
	ClaimDownload(ctx context.Context, shareID string) (int, error)
	// ListExpired returns non-revoked shares with ExpiresAt before the given
	// instant, oldest first.
	ListExpired(ctx context.Context, before time.Time, limit int) ([]*model.ShareRecord, error)
	// HasLiveShares reports whether any share other than excludeShareID still
	// grants access to fileID at the given instant.
	HasLiveShares(ctx context.Context, fileID, excludeShareID string, at time.Time) (bool, error)
	// Revoke is idempotent.
	Revoke(ctx context.Context, shareID string) error
}
