package web

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"dlnkd/internal/crypto"
	"dlnkd/internal/license"
	"dlnkd/internal/middleware"
	"dlnkd/internal/store"
	"dlnkd/internal/transport/api"
)

type validateRequest struct {
	Key  string `json:"key" validate:"required"`
	HWID string `json:"hwid" validate:"required"`
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if err := decode(r, &req); err != nil {
		api.Err(w, r, err)
		return
	}

	res, err := s.engine.ValidateLicense(r.Context(), req.Key, req.HWID, middleware.ClientIP(r))
	if err != nil {
		api.Err(w, r, err)
		return
	}
	api.OK(w, r, res)
}

type graceRequest struct {
	GraceToken string `json:"grace_token" validate:"required"`
	HWID       string `json:"hwid" validate:"required"`
}

func (s *Server) handleGrace(w http.ResponseWriter, r *http.Request) {
	var req graceRequest
	if err := decode(r, &req); err != nil {
		api.Err(w, r, err)
		return
	}

	res, err := s.engine.CheckGrace(req.GraceToken, req.HWID)
	if err != nil {
		api.Err(w, r, err)
		return
	}
	api.OK(w, r, res)
}

type licenseInfo struct {
	Key           string         `json:"key"`
	Type          license.Type   `json:"type"`
	Status        license.Status `json:"status"`
	CreatedAt     time.Time      `json:"created_at"`
	ExpiresAt     time.Time      `json:"expires_at"`
	DaysRemaining int            `json:"days_remaining"`

	// Only present for authenticated callers.
	Owner      string                  `json:"owner,omitempty"`
	Email      string                  `json:"email,omitempty"`
	UserID     string                  `json:"user_id,omitempty"`
	Activation *store.ActivationRecord `json:"activation,omitempty"`
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	rec, act, err := s.engine.LicenseInfo(r.Context(), key)
	if err != nil {
		api.Err(w, r, err)
		return
	}

	info := licenseInfo{
		Key:           rec.Key,
		Type:          rec.Type,
		Status:        rec.Status,
		CreatedAt:     rec.CreatedAt,
		ExpiresAt:     rec.ExpiresAt,
		DaysRemaining: license.DaysUntil(rec.ExpiresAt, time.Now().UTC()),
	}

	// Owner details stay hidden from unauthenticated callers.
	if s.hasSession(r) {
		info.Owner = rec.Owner
		info.Email = rec.Email
		info.UserID = rec.UserID
		info.Activation = act
	}
	api.OK(w, r, info)
}

// hasSession checks the bearer token on routes where auth is optional.
func (s *Server) hasSession(r *http.Request) bool {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) <= len(prefix) {
		return false
	}
	_, err := s.store.ValidateSession(r.Context(), crypto.HashToken(h[len(prefix):]), time.Now().UTC())
	return err == nil
}
