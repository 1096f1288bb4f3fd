// Package web exposes the control-plane HTTP API. Handlers decode and
// validate requests, call the policy engine, and render the shared
// envelope; no business rules live here.
package web

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"dlnkd/internal/config"
	"dlnkd/internal/errs"
	"dlnkd/internal/middleware"
	"dlnkd/internal/policy"
	"dlnkd/internal/store"
)

var validate = validator.New()

// Server holds handler dependencies and builds the router.
type Server struct {
	engine *policy.Engine
	store  store.Store
	audit  *store.Recorder
	gate   *policy.Gate
	cfg    *config.Config
	logger *slog.Logger
}

// NewServer wires the HTTP layer.
func NewServer(engine *policy.Engine, st store.Store, audit *store.Recorder, gate *policy.Gate, cfg *config.Config, logger *slog.Logger) *Server {
	return &Server{
		engine: engine,
		store:  st,
		audit:  audit,
		gate:   gate,
		cfg:    cfg,
		logger: logger,
	}
}

// Routes assembles the full middleware stack and route tree.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.TraceID)
	r.Use(middleware.RequestLogger(s.logger))
	r.Use(middleware.Recoverer(s.logger))
	r.Use(chimiddleware.Timeout(s.cfg.Server.RequestTimeout))
	r.Use(render.SetContentType(render.ContentTypeJSON))

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(middleware.RateLimit(s.gate))

		r.Route("/license", func(r chi.Router) {
			r.Post("/validate", s.handleValidate)
			r.Post("/grace", s.handleGrace)
			r.Get("/info/{key}", s.handleInfo)
		})

		r.Post("/auth/login", s.handleLogin)
		r.Group(func(r chi.Router) {
			r.Use(middleware.SessionAuth(s.store))
			r.Post("/auth/logout", s.handleLogout)
			r.Post("/auth/password", s.handleChangePassword)
			r.Post("/auth/totp/enroll", s.handleTOTPEnroll)
			r.Post("/auth/totp/confirm", s.handleTOTPConfirm)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(middleware.SessionAuth(s.store))
			r.Use(middleware.RequireRole(store.RoleAdmin))

			r.Post("/licenses", s.handleCreateLicense)
			r.Get("/licenses", s.handleListLicenses)
			r.Get("/licenses/export", s.handleExportLicenses)
			r.Route("/licenses/{key}", func(r chi.Router) {
				r.With(middleware.RequireRole(store.RoleSuperadmin)).Post("/revoke", s.handleRevokeLicense)
				r.Post("/extend", s.handleExtendLicense)
				r.Post("/rebind", s.handleRebindLicense)
			})

			r.Get("/audit", s.handleListAudit)
			r.Get("/audit/export", s.handleExportAudit)
			r.Get("/stats", s.handleStats)
			r.Get("/sessions", s.handleListSessions)
			r.With(middleware.RequireRole(store.RoleSuperadmin)).Post("/sessions/{id}/revoke", s.handleRevokeSession)
			r.With(middleware.RequireRole(store.RoleSuperadmin)).Post("/users", s.handleCreateUser)
		})
	})

	return r
}

// decode parses and validates a JSON request body. Both failure modes
// surface as BadFormat.
func decode(r *http.Request, v any) error {
	if err := render.DecodeJSON(r.Body, v); err != nil {
		return errs.Wrap(errs.KindBadFormat, err)
	}
	if err := validate.Struct(v); err != nil {
		return errs.Wrap(errs.KindBadFormat, err)
	}
	return nil
}
