package s3storage

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/dharsanguruparan/SoundDrop/internal/config"
)

// Storage wraps the MinIO/S3 calls SoundDrop needs: presigned playback URLs,
// presigned direct-upload forms, stat and idempotent deletes.
type Storage struct {
	client *minio.Client
	bucket string
	region string
}

// UploadForm is a presigned POST policy the browser submits directly to the
// bucket.
type UploadForm struct {
	URL       string
	Fields    map[string]string
	KeyPrefix string
	ExpiresAt time.Time
}

// New creates a MinIO client from the Config.
func New(cfg *config.Config) (*Storage, error) {
	client, err := minio.New(cfg.S3Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		Secure: cfg.S3UseSSL,
		Region: cfg.S3Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio: %w", err)
	}
	return &Storage{
		client: client,
		bucket: cfg.Bucket,
		region: cfg.S3Region,
	}, nil
}

// Bucket returns the bucket objects live in.
func (s *Storage) Bucket() string {
	return s.bucket
}

// EnsureBucket makes sure the audio bucket exists before use.
func (s *Storage) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
			return fmt.Errorf("make bucket %s: %w", s.bucket, err)
		}
	}
	return nil
}

// PresignPlayback returns a signed GET URL for the object that the provider
// refuses after ttl. Response headers are overridden so players stream inline.
func (s *Storage) PresignPlayback(ctx context.Context, key, format string, ttl time.Duration) (string, error) {
	params := url.Values{}
	params.Set("response-content-type", ContentTypeForFormat(format))
	params.Set("response-content-disposition", "inline")
	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, ttl, params)
	if err != nil {
		return "", fmt.Errorf("presign playback: %w", err)
	}
	return u.String(), nil
}

// PresignUpload builds a POST policy restricted to keys under folder, audio
// content types and at most maxBytes.
func (s *Storage) PresignUpload(ctx context.Context, folder string, maxBytes int64, ttl time.Duration) (*UploadForm, error) {
	prefix := strings.Trim(folder, "/") + "/"
	expires := time.Now().UTC().Add(ttl)

	policy := minio.NewPostPolicy()
	if err := policy.SetBucket(s.bucket); err != nil {
		return nil, fmt.Errorf("policy bucket: %w", err)
	}
	if err := policy.SetKeyStartsWith(prefix); err != nil {
		return nil, fmt.Errorf("policy key prefix: %w", err)
	}
	if err := policy.SetExpires(expires); err != nil {
		return nil, fmt.Errorf("policy expiry: %w", err)
	}
	if err := policy.SetContentTypeStartsWith("audio/"); err != nil {
		return nil, fmt.Errorf("policy content type: %w", err)
	}
	if err := policy.SetContentLengthRange(1, maxBytes); err != nil {
		return nil, fmt.Errorf("policy length: %w", err)
	}
	u, fields, err := s.client.PresignedPostPolicy(ctx, policy)
	if err != nil {
		return nil, fmt.Errorf("presign upload: %w", err)
	}
	return &UploadForm{
		URL:       u.String(),
		Fields:    fields,
		KeyPrefix: prefix,
		ExpiresAt: expires,
	}, nil
}

// ObjectExists stats the object; a missing key is (false, nil).
func (s *Storage) ObjectExists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if isMissing(err) {
		return false, nil
	}
	return false, fmt.Errorf("stat object: %w", err)
}

// RemoveObject deletes the object. Deleting an already deleted object is a
// no-op so overlapping sweeps do not fail each other.
func (s *Storage) RemoveObject(ctx context.Context, key string) error {
	err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{})
	if err != nil && !isMissing(err) {
		return fmt.Errorf("remove object: %w", err)
	}
	return nil
}

func isMissing(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound
}

// ContentTypeForFormat maps a container/codec short name to a MIME type.
func ContentTypeForFormat(format string) string {
	switch strings.ToLower(format) {
	case "mp3", "mpeg":
		return "audio/mpeg"
	case "wav", "wave":
		return "audio/wav"
	case "ogg", "oga", "opus":
		return "audio/ogg"
	case "flac":
		return "audio/flac"
	case "m4a", "aac", "mp4":
		return "audio/mp4"
	case "webm":
		return "audio/webm"
	default:
		return "application/octet-stream"
	}
}
