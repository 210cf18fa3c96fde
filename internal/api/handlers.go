package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dharsanguruparan/SoundDrop/internal/share"
	"github.com/dharsanguruparan/SoundDrop/internal/signing"
)

// Messages returned to clients. They match what existing players expect.
const (
	msgInvalidLink  = "Invalid link"
	msgLinkExpired  = "Link expired"
	msgLimitReached = "Download limit reached"
	msgFileNotFound = "File not found"
	msgServerError  = "Server error"
	msgNotReady     = "Store unavailable"
)

const readinessTimeout = 3 * time.Second

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
		defer cancel()
		if err := s.ready.Ping(ctx); err != nil {
			s.logger.Warn("readiness check failed", slog.String("error", err.Error()))
			respondError(w, http.StatusServiceUnavailable, msgNotReady)
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleUploadSignature(w http.ResponseWriter, r *http.Request) {
	timestamp := s.now().Unix()
	signature := s.signer.SignParams(signing.UploadParams(timestamp, s.cfg.Folder))

	ctx, cancel := context.WithTimeout(r.Context(), s.storageTimeout)
	defer cancel()
	form, err := s.uploads.PresignUpload(ctx, s.cfg.Folder, s.cfg.MaxUploadBytes, s.cfg.UploadFormTTL)
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: presign upload: %w", share.ErrUpstream, err), msgServerError)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	respondJSON(w, http.StatusOK, uploadSignatureResponse{
		CloudName:    s.cfg.Bucket,
		APIKey:       s.cfg.S3AccessKey,
		Timestamp:    timestamp,
		Folder:       s.cfg.Folder,
		Type:         signing.DeliveryAuthenticated,
		AccessMode:   signing.DeliveryAuthenticated,
		ResourceType: "video",
		Signature:    signature,
		UploadURL:    form.URL,
		FormData:     form.Fields,
		ExpiresAt:    form.ExpiresAt,
	})
}

func (s *Server) handleRegisterFile(w http.ResponseWriter, r *http.Request) {
	var req registerFileRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err, msgFileNotFound)
		return
	}
	id, err := s.shares.RegisterFile(r.Context(), share.RegisterInput{
		StorageKey:      req.PublicID,
		Format:          req.Format,
		SizeBytes:       *req.Bytes,
		DurationSeconds: req.Duration,
		OriginalName:    req.OriginalFilename,
	})
	if err != nil {
		s.writeError(w, r, err, msgFileNotFound)
		return
	}
	respondJSON(w, http.StatusOK, registerFileResponse{FileID: id})
}

func (s *Server) handleCreateShare(w http.ResponseWriter, r *http.Request) {
	var req createShareRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err, msgFileNotFound)
		return
	}
	in := share.CreateInput{FileID: req.FileID, TTL: req.ttl()}
	if req.MaxDownloads != nil {
		in.MaxDownloads = *req.MaxDownloads
	}
	created, err := s.shares.CreateShare(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err, msgFileNotFound)
		return
	}
	respondJSON(w, http.StatusOK, createShareResponse{
		URL:       s.cfg.PublicBaseURL + "/s/" + url.PathEscape(created.Share.Token),
		Token:     created.Share.Token,
		ExpiresAt: created.Share.ExpiresAt,
		File:      created.File,
	})
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	access, err := s.shares.Resolve(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		s.writeError(w, r, err, msgInvalidLink)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	respondJSON(w, http.StatusOK, resolveResponse{
		Token:            access.Token,
		ExpiresAt:        access.ExpiresAt,
		PlayURL:          access.PlayURL,
		PlayURLExpiresAt: access.PlayURLExpiresAt,
		Downloads:        access.Downloads,
		MaxDownloads:     access.MaxDownloads,
		File:             access.File,
	})
}

// handleShareRedirect sends recipients to the player page of the client app.
func (s *Server) handleShareRedirect(w http.ResponseWriter, r *http.Request) {
	target := s.cfg.ClientBaseURL + "/s/" + url.PathEscape(chi.URLParam(r, "token"))
	http.Redirect(w, r, target, http.StatusFound)
}

// writeError maps service errors onto status codes. notFound is the message
// used for ErrNotFound, which differs between the share and file endpoints.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error, notFound string) {
	var verr *share.ValidationError
	switch {
	case errors.As(err, &verr):
		respondJSON(w, http.StatusBadRequest, errorResponse{Message: verr.Error(), Field: verr.Field})
	case errors.Is(err, share.ErrNotFound):
		respondError(w, http.StatusNotFound, notFound)
	case errors.Is(err, share.ErrExpired):
		respondError(w, http.StatusGone, msgLinkExpired)
	case errors.Is(err, share.ErrLimitReached):
		respondError(w, http.StatusGone, msgLimitReached)
	default:
		s.logger.Error("request failed",
			slog.String("route", routePattern(r)),
			slog.String("error", err.Error()),
		)
		respondError(w, http.StatusInternalServerError, msgServerError)
	}
}

type errorResponse struct {
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, errorResponse{Message: message})
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Error("encode response", slog.String("error", err.Error()))
	}
}
