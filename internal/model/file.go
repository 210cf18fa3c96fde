// Package model contains the records shared between the stores, the share
// service and the HTTP layer.
package model

import (
	"time"
)

// FileRecord holds metadata about an audio object that was uploaded directly
// to object storage and then registered with the API.
type FileRecord struct {
	ID         string `json:"id"`
	StorageKey string `json:"-"`
	Format     string `json:"format"`
	SizeBytes  int64  `json:"bytes"`
	// DurationSeconds is nil when the uploader could not probe the audio.
	DurationSeconds *float64  `json:"duration,omitempty"`
	OriginalName    string    `json:"originalName"`
	CreatedAt       time.Time `json:"createdAt"`
}

// View returns the display-safe projection of the record.
func (f *FileRecord) View() FileView {
	return FileView{
		Name:     f.OriginalName,
		Format:   f.Format,
		Bytes:    f.SizeBytes,
		Duration: f.DurationSeconds,
	}
}

// FileView is what recipients get to see about a shared file. It never carries
// the storage key or the file id.
type FileView struct {
	Name     string   `json:"name"`
	Format   string   `json:"format"`
	Bytes    int64    `json:"bytes"`
	Duration *float64 `json:"duration"`
}
