// Package policy implements the decision core of the license service:
// validation of license keys against stored state, the offline grace
// window, login with brute-force lockout, and the admin operations.
// Handlers stay thin; every rule lives here.
package policy

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"dlnkd/internal/config"
	"dlnkd/internal/crypto"
	"dlnkd/internal/errs"
	"dlnkd/internal/license"
	"dlnkd/internal/metrics"
	"dlnkd/internal/store"
)

// Engine evaluates license and authentication policy against the store.
type Engine struct {
	store  store.Store
	codec  *license.Codec
	cipher *crypto.Cipher
	totp   *crypto.TOTPManager
	audit  *store.Recorder
	cfg    *config.Config
	logger *slog.Logger
	now    func() time.Time

	pendingMu   sync.Mutex
	pendingTOTP map[string]string // user_id -> unconfirmed secret
}

// NewEngine wires the policy engine.
func NewEngine(st store.Store, codec *license.Codec, cipher *crypto.Cipher, totp *crypto.TOTPManager, audit *store.Recorder, cfg *config.Config, logger *slog.Logger) *Engine {
	return &Engine{
		store:       st,
		codec:       codec,
		cipher:      cipher,
		totp:        totp,
		audit:       audit,
		cfg:         cfg,
		logger:      logger,
		now:         time.Now,
		pendingTOTP: make(map[string]string),
	}
}

// ValidationResult is the outcome of a successful validation.
type ValidationResult struct {
	LicenseID     string                  `json:"license_id"`
	Key           string                  `json:"key"`
	Type          license.Type            `json:"type"`
	Status        license.Status          `json:"status"`
	Features      []string                `json:"features"`
	ExpiresAt     time.Time               `json:"expires_at"`
	DaysRemaining int                     `json:"days_remaining"`
	ExpiryWarning bool                    `json:"expiry_warning"`
	Outcome       store.ActivationOutcome `json:"-"`
	GraceToken    string                  `json:"grace_token"`
}

// graceClaims is the sealed content of an offline grace token.
type graceClaims struct {
	LicenseID   string    `json:"license_id"`
	HardwareID  string    `json:"hardware_id"`
	ValidatedAt time.Time `json:"validated_at"`
}

// ValidateLicense runs the full validation pipeline: key grammar, store
// lookup, revocation, expiry, hardware binding, then feature expansion
// and a fresh grace token. Every attempt is audited.
func (e *Engine) ValidateLicense(ctx context.Context, key, hardwareID, ip string) (ValidationResult, error) {
	now := e.now().UTC()

	fail := func(outcome string, err error) (ValidationResult, error) {
		metrics.ValidationsTotal.WithLabelValues(outcome).Inc()
		e.audit.Record(store.AuditEvent{
			Actor:   hardwareID,
			Action:  store.ActionLicenseValidate,
			Target:  license.MaskKey(key),
			IP:      ip,
			Success: false,
			Details: outcome,
		})
		return ValidationResult{}, err
	}

	if strings.TrimSpace(hardwareID) == "" {
		return fail("bad_format", errs.E(errs.KindBadFormat))
	}
	licenseID, err := license.ParseKey(key)
	if err != nil {
		return fail("bad_format", err)
	}

	rec, err := e.store.GetLicense(ctx, licenseID)
	if err != nil {
		if errs.Is(err, errs.KindUnknown) {
			return fail("unknown", err)
		}
		return ValidationResult{}, err
	}

	if rec.Status == license.StatusRevoked {
		return fail("revoked", errs.E(errs.KindRevoked))
	}

	if now.After(rec.ExpiresAt) {
		if rec.Status == license.StatusActive {
			if serr := e.store.SetLicenseStatus(ctx, licenseID, license.StatusExpired); serr != nil {
				e.logger.Warn("expiry transition failed",
					slog.String("license_id", licenseID),
					slog.String("error", serr.Error()))
			}
		}
		return fail("expired", errs.E(errs.KindExpired))
	}

	outcome, err := e.store.RecordActivation(ctx, licenseID, hardwareID, now)
	if err != nil {
		return ValidationResult{}, err
	}
	if outcome == store.Conflict {
		return fail("hardware_mismatch", errs.E(errs.KindHardwareMismatch))
	}

	graceToken, err := e.sealGrace(graceClaims{
		LicenseID:   licenseID,
		HardwareID:  hardwareID,
		ValidatedAt: now,
	})
	if err != nil {
		return ValidationResult{}, err
	}

	days := daysRemaining(rec.ExpiresAt, now)
	result := ValidationResult{
		LicenseID:     licenseID,
		Key:           rec.Key,
		Type:          rec.Type,
		Status:        license.StatusActive,
		Features:      license.ExpandFeatures(rec.Type, rec.Features),
		ExpiresAt:     rec.ExpiresAt,
		DaysRemaining: days,
		ExpiryWarning: days <= e.cfg.License.GraceWarningDays,
		Outcome:       outcome,
		GraceToken:    graceToken,
	}

	metrics.ValidationsTotal.WithLabelValues("valid").Inc()
	e.audit.Record(store.AuditEvent{
		Actor:   hardwareID,
		Action:  store.ActionLicenseValidate,
		Target:  license.MaskKey(rec.Key),
		IP:      ip,
		Success: true,
		Details: outcome.String(),
	})
	return result, nil
}

func daysRemaining(expiresAt, now time.Time) int {
	return license.DaysUntil(expiresAt, now)
}

func (e *Engine) sealGrace(c graceClaims) (string, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	return e.cipher.Seal(raw)
}

// GraceResult reports the state of an offline grace token.
type GraceResult struct {
	LicenseID   string    `json:"license_id"`
	ValidatedAt time.Time `json:"validated_at"`
	GraceUntil  time.Time `json:"grace_until"`
	DaysLeft    int       `json:"days_left"`
}

// CheckGrace verifies an offline grace token without touching the store.
// The token is honored for the configured grace window after the last
// successful online validation, and only on the machine it was issued to.
func (e *Engine) CheckGrace(graceToken, hardwareID string) (GraceResult, error) {
	fail := func(err error) (GraceResult, error) {
		e.audit.Record(store.AuditEvent{
			Actor:   hardwareID,
			Action:  store.ActionGraceCheck,
			Success: false,
			Details: string(errs.KindOf(err)),
		})
		return GraceResult{}, err
	}

	raw, err := e.cipher.Open(graceToken)
	if err != nil {
		return fail(err)
	}
	var c graceClaims
	if err := json.Unmarshal(raw, &c); err != nil {
		return fail(errs.Wrap(errs.KindMalformed, err))
	}
	if c.LicenseID == "" || c.HardwareID == "" || c.ValidatedAt.IsZero() {
		return fail(errs.E(errs.KindMalformed))
	}
	if !crypto.SecureCompare(c.HardwareID, hardwareID) {
		return fail(errs.E(errs.KindHardwareMismatch))
	}

	now := e.now().UTC()
	graceUntil := c.ValidatedAt.AddDate(0, 0, e.cfg.License.OfflineGraceDays)
	if now.After(graceUntil) {
		return fail(errs.E(errs.KindExpired))
	}
	return GraceResult{
		LicenseID:   c.LicenseID,
		ValidatedAt: c.ValidatedAt,
		GraceUntil:  graceUntil,
		DaysLeft:    daysRemaining(graceUntil, now),
	}, nil
}

// LoginRequest carries one authentication attempt.
type LoginRequest struct {
	Username  string
	Password  string
	TOTPCode  string
	IP        string
	UserAgent string
}

// LoginResult is a successful authentication. When TOTPRequired is set
// no session was opened; the client must retry with a code.
type LoginResult struct {
	Token              string      `json:"token,omitempty"`
	ExpiresAt          time.Time   `json:"expires_at,omitempty"`
	UserID             string      `json:"user_id,omitempty"`
	Role               store.Role  `json:"role,omitempty"`
	MustChangePassword bool        `json:"must_change_password,omitempty"`
	TOTPRequired       bool        `json:"totp_required,omitempty"`
}

// Login authenticates a user and opens a session. Failed attempts count
// toward the lockout threshold; a locked account rejects before any
// password comparison so attempts cannot probe credentials during the
// window.
func (e *Engine) Login(ctx context.Context, req LoginRequest) (LoginResult, error) {
	now := e.now().UTC()

	user, err := e.store.GetUserByUsername(ctx, req.Username)
	if err != nil {
		if errs.Is(err, errs.KindUnknown) {
			crypto.DummyVerify()
			e.auditLogin(req, false, "unknown_user")
			metrics.LoginsTotal.WithLabelValues("invalid").Inc()
			return LoginResult{}, errs.E(errs.KindInvalidCredentials)
		}
		return LoginResult{}, err
	}

	if !user.Active {
		crypto.DummyVerify()
		e.auditLogin(req, false, "inactive")
		metrics.LoginsTotal.WithLabelValues("invalid").Inc()
		return LoginResult{}, errs.E(errs.KindInvalidCredentials)
	}

	if user.LockedUntil != nil && now.Before(*user.LockedUntil) {
		e.auditLogin(req, false, "locked")
		metrics.LoginsTotal.WithLabelValues("locked").Inc()
		return LoginResult{}, errs.Locked(user.LockedUntil.Sub(now))
	}

	if !crypto.VerifyPassword(req.Password, user.Salt, user.PasswordHash) {
		return LoginResult{}, e.failAttempt(ctx, user, req, now, "bad_password")
	}

	if e.cfg.Security.Enable2FA && user.TOTPSecret != "" {
		if req.TOTPCode == "" {
			e.auditLogin(req, false, "totp_required")
			return LoginResult{TOTPRequired: true}, nil
		}
		if !e.totp.Verify(user.TOTPSecret, req.TOTPCode, now) {
			return LoginResult{}, e.failAttempt(ctx, user, req, now, "bad_totp")
		}
	}

	if err := e.store.ClearFailed(ctx, user.UserID, now); err != nil {
		return LoginResult{}, err
	}

	token, err := crypto.NewToken()
	if err != nil {
		return LoginResult{}, err
	}
	expiresAt := now.Add(e.cfg.SessionTTL())
	err = e.store.OpenSession(ctx, store.SessionRecord{
		ID:          crypto.HashToken(token),
		SubjectKind: store.SubjectUser,
		SubjectID:   user.UserID,
		Role:        user.Role,
		IssuedAt:    now,
		ExpiresAt:   expiresAt,
		IP:          req.IP,
		UserAgent:   req.UserAgent,
		Valid:       true,
	})
	if err != nil {
		return LoginResult{}, err
	}

	e.auditLogin(req, true, "")
	metrics.LoginsTotal.WithLabelValues("success").Inc()
	return LoginResult{
		Token:              token,
		ExpiresAt:          expiresAt,
		UserID:             user.UserID,
		Role:               user.Role,
		MustChangePassword: user.MustChangePassword,
	}, nil
}

// failAttempt bumps the counter; the store decides atomically whether
// the attempt crossed the lockout threshold.
func (e *Engine) failAttempt(ctx context.Context, user store.UserRecord, req LoginRequest, now time.Time, reason string) error {
	deadline := now.Add(e.cfg.LockoutDuration())
	newCount, locked, err := e.store.BumpFailed(ctx, user.UserID, e.cfg.Auth.MaxLoginAttempts, deadline)
	if err != nil {
		return err
	}

	e.auditLogin(req, false, reason)
	if locked {
		metrics.LoginsTotal.WithLabelValues("locked").Inc()
		metrics.LockoutsTotal.Inc()
		e.logger.Warn("account locked",
			slog.String("username", user.Username),
			slog.Int("failed_attempts", newCount))
		return errs.Locked(e.cfg.LockoutDuration())
	}
	metrics.LoginsTotal.WithLabelValues("invalid").Inc()
	return errs.E(errs.KindInvalidCredentials)
}

func (e *Engine) auditLogin(req LoginRequest, success bool, details string) {
	e.audit.Record(store.AuditEvent{
		Actor:   req.Username,
		Action:  store.ActionLogin,
		IP:      req.IP,
		Success: success,
		Details: details,
	})
}

// Logout invalidates the session identified by its token digest.
func (e *Engine) Logout(ctx context.Context, tokenDigest, actor, ip string) error {
	if err := e.store.RevokeSession(ctx, tokenDigest); err != nil {
		return err
	}
	e.audit.Record(store.AuditEvent{
		Actor: actor, Action: store.ActionLogout, IP: ip, Success: true,
	})
	return nil
}

const minPasswordLen = 8

// ChangePassword verifies the current password, then installs a new hash
// under a fresh salt and clears the must-change flag.
func (e *Engine) ChangePassword(ctx context.Context, userID, oldPassword, newPassword, ip string) error {
	if len(newPassword) < minPasswordLen {
		return errs.E(errs.KindBadFormat)
	}

	user, err := e.store.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if !crypto.VerifyPassword(oldPassword, user.Salt, user.PasswordHash) {
		e.audit.Record(store.AuditEvent{
			Actor: user.Username, Action: store.ActionPasswordChange, IP: ip, Success: false,
		})
		return errs.E(errs.KindInvalidCredentials)
	}

	salt, err := crypto.NewSalt()
	if err != nil {
		return err
	}
	hash, err := crypto.HashPassword(newPassword, salt)
	if err != nil {
		return err
	}
	user.Salt = salt
	user.PasswordHash = hash
	user.MustChangePassword = false
	if err := e.store.UpdateUser(ctx, user); err != nil {
		return err
	}

	e.audit.Record(store.AuditEvent{
		Actor: user.Username, Action: store.ActionPasswordChange, IP: ip, Success: true,
	})
	return nil
}

// EnrollTOTP generates a pending second-factor secret. The secret does
// not take effect until ConfirmTOTP proves the authenticator was set up.
func (e *Engine) EnrollTOTP(ctx context.Context, userID string) (secret, uri string, err error) {
	user, err := e.store.GetUser(ctx, userID)
	if err != nil {
		return "", "", err
	}
	secret, uri, err = e.totp.GenerateSecret(user.Username)
	if err != nil {
		return "", "", err
	}

	e.pendingMu.Lock()
	e.pendingTOTP[userID] = secret
	e.pendingMu.Unlock()
	return secret, uri, nil
}

// ConfirmTOTP verifies a code against the pending secret and persists it.
func (e *Engine) ConfirmTOTP(ctx context.Context, userID, code, ip string) error {
	e.pendingMu.Lock()
	secret, ok := e.pendingTOTP[userID]
	e.pendingMu.Unlock()
	if !ok {
		return errs.E(errs.KindConflict)
	}
	if !e.totp.Verify(secret, code, e.now()) {
		return errs.E(errs.KindInvalidCredentials)
	}

	user, err := e.store.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	user.TOTPSecret = secret
	if err := e.store.UpdateUser(ctx, user); err != nil {
		return err
	}

	e.pendingMu.Lock()
	delete(e.pendingTOTP, userID)
	e.pendingMu.Unlock()

	e.audit.Record(store.AuditEvent{
		Actor: user.Username, Action: store.ActionTOTPEnroll, IP: ip, Success: true,
	})
	return nil
}
