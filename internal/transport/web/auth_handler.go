package web

import (
	"net/http"

	"dlnkd/internal/errs"
	"dlnkd/internal/middleware"
	"dlnkd/internal/policy"
	"dlnkd/internal/transport/api"
)

type loginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
	TOTP     string `json:"totp"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decode(r, &req); err != nil {
		api.Err(w, r, err)
		return
	}

	res, err := s.engine.Login(r.Context(), policy.LoginRequest{
		Username:  req.Username,
		Password:  req.Password,
		TOTPCode:  req.TOTP,
		IP:        middleware.ClientIP(r),
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		api.Err(w, r, err)
		return
	}
	api.OK(w, r, res)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	sess, ok := middleware.SessionFrom(r.Context())
	if !ok {
		api.Err(w, r, errs.E(errs.KindInvalidCredentials))
		return
	}
	if err := s.engine.Logout(r.Context(), sess.ID, sess.SubjectID, middleware.ClientIP(r)); err != nil {
		api.Err(w, r, err)
		return
	}
	api.OK(w, r, map[string]bool{"logged_out": true})
}

type changePasswordRequest struct {
	Old string `json:"old" validate:"required"`
	New string `json:"new" validate:"required"`
}

func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	sess, ok := middleware.SessionFrom(r.Context())
	if !ok {
		api.Err(w, r, errs.E(errs.KindInvalidCredentials))
		return
	}

	var req changePasswordRequest
	if err := decode(r, &req); err != nil {
		api.Err(w, r, err)
		return
	}

	if err := s.engine.ChangePassword(r.Context(), sess.SubjectID, req.Old, req.New, middleware.ClientIP(r)); err != nil {
		api.Err(w, r, err)
		return
	}
	api.OK(w, r, map[string]bool{"changed": true})
}

func (s *Server) handleTOTPEnroll(w http.ResponseWriter, r *http.Request) {
	sess, ok := middleware.SessionFrom(r.Context())
	if !ok {
		api.Err(w, r, errs.E(errs.KindInvalidCredentials))
		return
	}

	secret, uri, err := s.engine.EnrollTOTP(r.Context(), sess.SubjectID)
	if err != nil {
		api.Err(w, r, err)
		return
	}
	api.OK(w, r, map[string]string{"secret": secret, "otpauth_uri": uri})
}

type totpConfirmRequest struct {
	Code string `json:"code" validate:"required"`
}

func (s *Server) handleTOTPConfirm(w http.ResponseWriter, r *http.Request) {
	sess, ok := middleware.SessionFrom(r.Context())
	if !ok {
		api.Err(w, r, errs.E(errs.KindInvalidCredentials))
		return
	}

	var req totpConfirmRequest
	if err := decode(r, &req); err != nil {
		api.Err(w, r, err)
		return
	}

	if err := s.engine.ConfirmTOTP(r.Context(), sess.SubjectID, req.Code, middleware.ClientIP(r)); err != nil {
		api.Err(w, r, err)
		return
	}
	api.OK(w, r, map[string]bool{"enrolled": true})
}
