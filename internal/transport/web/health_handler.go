package web

import (
	"net/http"

	"github.com/go-chi/render"
)

type healthResponse struct {
	Status       string `json:"status"`
	Store        string `json:"store"`
	AuditHealthy bool   `json:"audit_healthy"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	res := healthResponse{
		Status:       "ok",
		Store:        "ok",
		AuditHealthy: s.audit.Healthy(),
	}
	code := http.StatusOK

	if err := s.store.Ping(r.Context()); err != nil {
		res.Status = "degraded"
		res.Store = "unreachable"
		code = http.StatusServiceUnavailable
	} else if !res.AuditHealthy {
		res.Status = "degraded"
	}

	render.Status(r, code)
	render.JSON(w, r, res)
}
