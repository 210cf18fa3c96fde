// Package repository holds the PostgreSQL implementations of the storage
// contracts. All SQL used by the API, the worker and the CLI lives here.
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dharsanguruparan/SoundDrop/internal/model"
	"github.com/dharsanguruparan/SoundDrop/internal/storage"
)

// FileRepository stores FileRecords in the files table.
type FileRepository struct {
	pool *pgxpool.Pool
}

// NewFileRepository constructs a repository.
func NewFileRepository(pool *pgxpool.Pool) *FileRepository {
	return &FileRepository{pool: pool}
}

var _ storage.FileStore = (*FileRepository)(nil)

// CreateFile inserts a registered upload.
func (r *FileRepository) CreateFile(ctx context.Context, file *model.FileRecord) error {
	id := uuid.NewString()
	now := time.Now().UTC()
	_, err := r.pool.Exec(ctx, `
		INSERT INTO files (id, storage_key, format, size_bytes, duration_seconds, original_name, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, id, file.StorageKey, file.Format, file.SizeBytes, file.DurationSeconds, file.OriginalName, now)
	if err != nil {
		return fmt.Errorf("insert file: %w", err)
	}
	file.ID = id
	file.CreatedAt = now
	return nil
}

// GetFile returns a file by id.
func (r *FileRepository) GetFile(ctx context.Context, id string) (*model.FileRecord, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, storage.ErrNotFound
	}
	var file model.FileRecord
	row := r.pool.QueryRow(ctx, `
		SELECT id, storage_key, format, size_bytes, duration_seconds, original_name, created_at
		FROM files WHERE id=$1
	`, id)
	if err := row.Scan(&file.ID, &file.StorageKey, &file.Format, &file.SizeBytes, &file.DurationSeconds, &file.OriginalName, &file.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("select file: %w", err)
	}
	return &file, nil
}

// ListOrphaned returns files whose every share has been revoked.
func (r *FileRepository) ListOrphaned(ctx context.Context, limit int) ([]*model.FileRecord, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT f.id, f.storage_key, f.format, f.size_bytes, f.duration_seconds, f.original_name, f.created_at
		FROM files f
		WHERE EXISTS (SELECT 1 FROM shares s WHERE s.file_id = f.id)
		  AND NOT EXISTS (SELECT 1 FROM shares s WHERE s.file_id = f.id AND NOT s.revoked)
		ORDER BY f.created_at
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list orphaned files: %w", err)
	}
	defer rows.Close()

	var out []*model.FileRecord
	for rows.Next() {
		var file model.FileRecord
		if err := rows.Scan(&file.ID, &file.StorageKey, &file.Format, &file.SizeBytes, &file.DurationSeconds, &file.OriginalName, &file.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan orphaned file: %w", err)
		}
		out = append(out, &file)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate orphaned files: %w", err)
	}
	return out, nil
}

// DeleteFile removes the row; a missing row is not an error.
func (r *FileRepository) DeleteFile(ctx context.Context, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return nil
	}
	if _, err := r.pool.Exec(ctx, `DELETE FROM files WHERE id=$1`, id); err != nil {
		return fmt.Errorf("delete file: %w", err)
	}
	return nil
}
