package model

import "time"

// ShareRecord is a time and usage bounded grant of read access to one file.
// Rows are kept after revocation as an audit trail.
type ShareRecord struct {
	ID           string    `json:"-"`
	Token        string    `json:"token"`
	FileID       string    `json:"-"`
	ExpiresAt    time.Time `json:"expiresAt"`
	MaxDownloads int       `json:"maxDownloads"`
	Downloads    int       `json:"downloads"`
	Revoked      bool      `json:"revoked"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Expired reports whether access is denied at now. The expiry instant itself
// is still valid.
func (s *ShareRecord) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// LimitReached reports whether the download allowance is exhausted. A zero
// MaxDownloads means unlimited.
func (s *ShareRecord) LimitReached() bool {
	return s.MaxDownloads > 0 && s.Downloads >= s.MaxDownloads
}
