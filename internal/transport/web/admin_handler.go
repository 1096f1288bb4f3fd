package web

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"dlnkd/internal/errs"
	"dlnkd/internal/exporter"
	"dlnkd/internal/license"
	"dlnkd/internal/middleware"
	"dlnkd/internal/policy"
	"dlnkd/internal/store"
	"dlnkd/internal/transport/api"
)

func actor(r *http.Request) string {
	if sess, ok := middleware.SessionFrom(r.Context()); ok {
		return sess.SubjectID
	}
	return ""
}

type createLicenseRequest struct {
	UserID       string   `json:"user_id"`
	Type         string   `json:"type" validate:"required"`
	DurationDays int      `json:"duration_days" validate:"required,gt=0"`
	Features     []string `json:"features"`
	Owner        string   `json:"owner" validate:"required"`
	Email        string   `json:"email" validate:"omitempty,email"`
}

type createdLicense struct {
	Key       string          `json:"key"`
	Blob      string          `json:"blob"`
	LicenseID string          `json:"license_id"`
	Payload   license.Payload `json:"payload"`
}

func (s *Server) handleCreateLicense(w http.ResponseWriter, r *http.Request) {
	var req createLicenseRequest
	if err := decode(r, &req); err != nil {
		api.Err(w, r, err)
		return
	}

	gen, err := s.engine.IssueLicense(r.Context(), policy.IssueRequest{
		UserID:       req.UserID,
		Type:         license.Type(req.Type),
		DurationDays: req.DurationDays,
		Features:     req.Features,
		Owner:        req.Owner,
		Email:        req.Email,
		Actor:        actor(r),
		IP:           middleware.ClientIP(r),
	})
	if err != nil {
		api.Err(w, r, err)
		return
	}
	api.Created(w, r, createdLicense{
		Key:       gen.Key,
		Blob:      gen.Blob,
		LicenseID: gen.Payload.LicenseID,
		Payload:   gen.Payload,
	})
}

func (s *Server) licenseFilter(r *http.Request) store.LicenseFilter {
	q := r.URL.Query()
	f := store.LicenseFilter{
		Status: license.Status(q.Get("status")),
		Type:   license.Type(q.Get("type")),
		Query:  q.Get("q"),
	}
	if v, err := strconv.Atoi(q.Get("limit")); err == nil && v > 0 {
		f.Limit = v
	}
	if v, err := strconv.Atoi(q.Get("offset")); err == nil && v > 0 {
		f.Offset = v
	}
	return f
}

type listedLicense struct {
	Key       string         `json:"key"`
	Type      license.Type   `json:"type"`
	Status    license.Status `json:"status"`
	Owner     string         `json:"owner"`
	Email     string         `json:"email"`
	CreatedAt time.Time      `json:"created_at"`
	ExpiresAt time.Time      `json:"expires_at"`
	Features  []string       `json:"features,omitempty"`
}

func (s *Server) handleListLicenses(w http.ResponseWriter, r *http.Request) {
	recs, err := s.engine.ListLicenses(r.Context(), s.licenseFilter(r))
	if err != nil {
		api.Err(w, r, err)
		return
	}

	out := make([]listedLicense, 0, len(recs))
	for _, rec := range recs {
		out = append(out, listedLicense{
			Key:       rec.Key,
			Type:      rec.Type,
			Status:    rec.Status,
			Owner:     rec.Owner,
			Email:     rec.Email,
			CreatedAt: rec.CreatedAt,
			ExpiresAt: rec.ExpiresAt,
			Features:  rec.Features,
		})
	}
	api.OK(w, r, map[string]any{"licenses": out, "count": len(out)})
}

func (s *Server) handleExportLicenses(w http.ResponseWriter, r *http.Request) {
	format, err := exporter.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		api.Err(w, r, errs.Wrap(errs.KindBadFormat, err))
		return
	}
	recs, err := s.engine.ListLicenses(r.Context(), s.licenseFilter(r))
	if err != nil {
		api.Err(w, r, err)
		return
	}

	s.audit.Record(store.AuditEvent{
		Actor: actor(r), Action: store.ActionExport, Target: "licenses",
		IP: middleware.ClientIP(r), Success: true, Details: string(format),
	})
	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", exporter.Filename("licenses", format, time.Now())))
	if err := exporter.Licenses(w, format, recs); err != nil {
		s.logger.Error("license export failed", "error", err)
	}
}

func (s *Server) handleRevokeLicense(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if err := s.engine.RevokeLicense(r.Context(), key, actor(r), middleware.ClientIP(r)); err != nil {
		api.Err(w, r, err)
		return
	}
	api.OK(w, r, map[string]bool{"revoked": true})
}

type extendRequest struct {
	Days int `json:"days" validate:"required,gt=0"`
}

func (s *Server) handleExtendLicense(w http.ResponseWriter, r *http.Request) {
	var req extendRequest
	if err := decode(r, &req); err != nil {
		api.Err(w, r, err)
		return
	}

	rec, err := s.engine.ExtendLicense(r.Context(), chi.URLParam(r, "key"), req.Days, actor(r), middleware.ClientIP(r))
	if err != nil {
		api.Err(w, r, err)
		return
	}
	api.OK(w, r, map[string]any{"key": rec.Key, "expires_at": rec.ExpiresAt, "status": rec.Status})
}

type rebindRequest struct {
	HWID string `json:"hwid" validate:"required"`
}

func (s *Server) handleRebindLicense(w http.ResponseWriter, r *http.Request) {
	var req rebindRequest
	if err := decode(r, &req); err != nil {
		api.Err(w, r, err)
		return
	}

	if err := s.engine.RebindLicense(r.Context(), chi.URLParam(r, "key"), req.HWID, actor(r), middleware.ClientIP(r)); err != nil {
		api.Err(w, r, err)
		return
	}
	api.OK(w, r, map[string]bool{"rebound": true})
}

func auditFilter(r *http.Request) store.AuditFilter {
	q := r.URL.Query()
	f := store.AuditFilter{
		Actor:  q.Get("actor"),
		Action: q.Get("action"),
	}
	if since := q.Get("since"); since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			f.Since = t
		}
	}
	if v, err := strconv.Atoi(q.Get("limit")); err == nil && v > 0 {
		f.Limit = v
	}
	return f
}

func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	events, err := s.engine.ListAudit(r.Context(), auditFilter(r))
	if err != nil {
		api.Err(w, r, err)
		return
	}
	api.OK(w, r, map[string]any{"events": events, "count": len(events)})
}

func (s *Server) handleExportAudit(w http.ResponseWriter, r *http.Request) {
	format, err := exporter.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		api.Err(w, r, errs.Wrap(errs.KindBadFormat, err))
		return
	}
	events, err := s.engine.ListAudit(r.Context(), auditFilter(r))
	if err != nil {
		api.Err(w, r, err)
		return
	}

	s.audit.Record(store.AuditEvent{
		Actor: actor(r), Action: store.ActionExport, Target: "audit",
		IP: middleware.ClientIP(r), Success: true, Details: string(format),
	})
	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", exporter.Filename("audit", format, time.Now())))
	if err := exporter.Audit(w, format, events); err != nil {
		s.logger.Error("audit export failed", "error", err)
	}
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.Stats(r.Context())
	if err != nil {
		api.Err(w, r, err)
		return
	}
	api.OK(w, r, map[string]any{
		"stats":          stats,
		"audit_healthy":  s.audit.Healthy(),
		"audit_dropped":  s.audit.Dropped(),
		"audit_enqueued": s.audit.QueueDepth(),
	})
}

type listedSession struct {
	ID          string            `json:"id"`
	SubjectKind store.SubjectKind `json:"subject_kind"`
	SubjectID   string            `json:"subject_id"`
	Role        store.Role        `json:"role"`
	IssuedAt    time.Time         `json:"issued_at"`
	ExpiresAt   time.Time         `json:"expires_at"`
	IP          string            `json:"ip"`
	Valid       bool              `json:"valid"`
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("all") == ""
	sessions, err := s.engine.ListSessions(r.Context(), activeOnly)
	if err != nil {
		api.Err(w, r, err)
		return
	}

	out := make([]listedSession, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, listedSession{
			ID:          sess.ID,
			SubjectKind: sess.SubjectKind,
			SubjectID:   sess.SubjectID,
			Role:        sess.Role,
			IssuedAt:    sess.IssuedAt,
			ExpiresAt:   sess.ExpiresAt,
			IP:          sess.IP,
			Valid:       sess.Valid,
		})
	}
	api.OK(w, r, map[string]any{"sessions": out, "count": len(out)})
}

func (s *Server) handleRevokeSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.engine.RevokeSessionByID(r.Context(), id, actor(r), middleware.ClientIP(r)); err != nil {
		api.Err(w, r, err)
		return
	}
	api.OK(w, r, map[string]bool{"revoked": true})
}

type createUserRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required,min=8"`
	Email    string `json:"email" validate:"omitempty,email"`
	Role     string `json:"role" validate:"required"`
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := decode(r, &req); err != nil {
		api.Err(w, r, err)
		return
	}

	rec, err := s.engine.CreateUser(r.Context(), req.Username, req.Password, req.Email,
		store.Role(req.Role), actor(r), middleware.ClientIP(r))
	if err != nil {
		api.Err(w, r, err)
		return
	}
	api.Created(w, r, map[string]any{
		"user_id":              rec.UserID,
		"username":             rec.Username,
		"role":                 rec.Role,
		"must_change_password": rec.MustChangePassword,
	})
}
