package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/dharsanguruparan/SoundDrop/internal/model"
	"github.com/dharsanguruparan/SoundDrop/internal/share"
)

// maxBodyBytes bounds every JSON request body.
const maxBodyBytes = 64 << 10

type registerFileRequest struct {
	PublicID         string   `json:"publicId" validate:"required,max=1024"`
	Format           string   `json:"format" validate:"required,max=16"`
	Bytes            *int64   `json:"bytes" validate:"required,gte=0"`
	Duration         *float64 `json:"duration" validate:"omitempty,gte=0"`
	OriginalFilename string   `json:"originalFilename" validate:"required,max=1024"`
}

type registerFileResponse struct {
	FileID string `json:"fileId"`
}

type createShareRequest struct {
	FileID       string `json:"fileId" validate:"required,uuid"`
	TTLSeconds   *int64 `json:"ttlSeconds" validate:"omitempty,gt=0"`
	MaxDownloads *int   `json:"maxDownloads" validate:"omitempty,gte=0,lte=2147483647"`
}

// ttl converts the requested seconds, saturating instead of overflowing so
// absurd values are rejected by the maximum TTL check.
func (r createShareRequest) ttl() time.Duration {
	if r.TTLSeconds == nil {
		return 0
	}
	if *r.TTLSeconds > math.MaxInt64/int64(time.Second) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(*r.TTLSeconds) * time.Second
}

type createShareResponse struct {
	URL       string         `json:"url"`
	Token     string         `json:"token"`
	ExpiresAt time.Time      `json:"expiresAt"`
	File      model.FileView `json:"file"`
}

type resolveResponse struct {
	Token            string         `json:"token"`
	ExpiresAt        time.Time      `json:"expiresAt"`
	PlayURL          string         `json:"playUrl"`
	PlayURLExpiresAt time.Time      `json:"playUrlExpiresAt"`
	Downloads        int            `json:"downloads"`
	MaxDownloads     int            `json:"maxDownloads"`
	File             model.FileView `json:"file"`
}

type uploadSignatureResponse struct {
	CloudName    string            `json:"cloudName"`
	APIKey       string            `json:"apiKey"`
	Timestamp    int64             `json:"timestamp"`
	Folder       string            `json:"folder"`
	Type         string            `json:"type"`
	AccessMode   string            `json:"access_mode"`
	ResourceType string            `json:"resourceType"`
	Signature    string            `json:"signature"`
	UploadURL    string            `json:"uploadUrl"`
	FormData     map[string]string `json:"formData"`
	ExpiresAt    time.Time         `json:"expiresAt"`
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// decodeJSON reads exactly one JSON object into dst, rejecting unknown fields,
// and runs the struct's validation tags.
func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return &share.ValidationError{Field: "body", Reason: "too large"}
		}
		if errors.Is(err, io.EOF) {
			return &share.ValidationError{Field: "body", Reason: "empty"}
		}
		return &share.ValidationError{Field: "body", Reason: strings.TrimPrefix(err.Error(), "json: ")}
	}
	if dec.More() {
		return &share.ValidationError{Field: "body", Reason: "must contain a single JSON object"}
	}
	if err := s.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return &share.ValidationError{Field: fe.Field(), Reason: reason(fe)}
		}
		return fmt.Errorf("validate request: %w", err)
	}
	return nil
}

func reason(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "required"
	case "uuid":
		return "must be a uuid"
	case "max":
		return "must be at most " + fe.Param() + " characters"
	case "gt":
		return "must be greater than " + fe.Param()
	case "gte":
		return "must be at least " + fe.Param()
	case "lte":
		return "must be at most " + fe.Param()
	default:
		return "failed " + fe.Tag()
	}
}
