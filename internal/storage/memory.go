package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dharsanguruparan/SoundDrop/internal/model"
)

// MemoryStore keeps files and shares in maps guarded by a RWMutex. It backs
// the tests and SOUNDDROP_STORE=memory development runs.
type MemoryStore struct {
	mu      sync.RWMutex
	files   map[string]*model.FileRecord
	shares  map[string]*model.ShareRecord
	byToken map[string]string
}

// NewMemoryStore constructs a MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		files:   make(map[string]*model.FileRecord),
		shares:  make(map[string]*model.ShareRecord),
		byToken: make(map[string]string),
	}
}

// CreateFile inserts a copy of file.
func (m *MemoryStore) CreateFile(ctx context.Context, file *model.FileRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	file.ID = uuid.NewString()
	file.CreatedAt = time.Now().UTC()
	rec := *file
	m.files[rec.ID] = &rec
	return nil
}

// GetFile returns a record copy.
func (m *MemoryStore) GetFile(ctx context.Context, id string) (*model.FileRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.files[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *rec
	return &out, nil
}

// DeleteFile removes the record if present.
func (m *MemoryStore) DeleteFile(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.files, id)
	return nil
}

// ListOrphaned scans every file against every share.
func (m *MemoryStore) ListOrphaned(ctx context.Context, limit int) ([]*model.FileRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	shared := make(map[string]bool)
	for _, rec := range m.shares {
		if !rec.Revoked {
			shared[rec.FileID] = true
		} else if _, ok := shared[rec.FileID]; !ok {
			shared[rec.FileID] = false
		}
	}
	var out []*model.FileRecord
	for id, rec := range m.files {
		if live, ok := shared[id]; !ok || live {
			continue
		}
		cp := *rec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CreateShare inserts a copy of share, enforcing token uniqueness.
func (m *MemoryStore) CreateShare(ctx context.Context, share *model.ShareRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, taken := m.byToken[share.Token]; taken {
		return ErrDuplicateToken
	}
	share.ID = uuid.NewString()
	share.CreatedAt = time.Now().UTC()
	rec := *share
	m.shares[rec.ID] = &rec
	m.byToken[rec.Token] = rec.ID
	return nil
}

// GetShareByToken returns a record copy.
func (m *MemoryStore) GetShareByToken(ctx context.Context, token string) (*model.ShareRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byToken[token]
	if !ok {
		return nil, ErrNotFound
	}
	out := *m.shares[id]
	return &out, nil
}

// ClaimDownload checks and increments under the write lock.
func (m *MemoryStore) ClaimDownload(ctx context.Context, shareID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.shares[shareID]
	if !ok {
		return 0, ErrNotFound
	}
	if rec.Revoked {
		return 0, ErrShareRevoked
	}
	if rec.LimitReached() {
		return 0, ErrLimitReached
	}
	rec.Downloads++
	return rec.Downloads, nil
}

// ListExpired scans every share; fine for the sizes this store is used with.
func (m *MemoryStore) ListExpired(ctx context.Context, before time.Time, limit int) ([]*model.ShareRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.ShareRecord
	for _, rec := range m.shares {
		if rec.Revoked || !rec.ExpiresAt.Before(before) {
			continue
		}
		cp := *rec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// HasLiveShares reports whether another usable share points at fileID.
func (m *MemoryStore) HasLiveShares(ctx context.Context, fileID, excludeShareID string, at time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for id, rec := range m.shares {
		if id == excludeShareID || rec.FileID != fileID || rec.Revoked {
			continue
		}
		if !rec.Expired(at) {
			return true, nil
		}
	}
	return false, nil
}

// Revoke flips the revoked flag; revoking twice is a no-op.
func (m *MemoryStore) Revoke(ctx context.Context, shareID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.shares[shareID]
	if !ok {
		return ErrNotFound
	}
	rec.Revoked = true
	return nil
}

// Ping satisfies the readiness check.
func (m *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}
