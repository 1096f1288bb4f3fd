package policy

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"dlnkd/internal/crypto"
	"dlnkd/internal/errs"
	"dlnkd/internal/license"
	"dlnkd/internal/metrics"
	"dlnkd/internal/store"
)

// IssueRequest describes a license to create.
type IssueRequest struct {
	UserID       string
	Type         license.Type
	DurationDays int
	Features     []string
	Owner        string
	Email        string
	Actor        string
	IP           string
}

// IssueLicense generates and persists a new license.
func (e *Engine) IssueLicense(ctx context.Context, req IssueRequest) (license.Generated, error) {
	gen, err := e.codec.Generate(req.UserID, req.Type, req.DurationDays, req.Features, req.Owner, req.Email)
	if err != nil {
		return license.Generated{}, errs.Wrap(errs.KindBadFormat, err)
	}

	rec := store.LicenseRecord{
		LicenseID:  gen.Payload.LicenseID,
		Key:        gen.Key,
		UserID:     gen.Payload.UserID,
		Type:       gen.Payload.Type,
		Status:     license.StatusActive,
		CreatedAt:  gen.Payload.CreatedAt,
		ExpiresAt:  gen.Payload.ExpiresAt,
		Features:   gen.Payload.Features,
		Owner:      gen.Payload.Owner,
		Email:      gen.Payload.Email,
		SealedBlob: gen.Blob,
	}
	if err := e.store.PutLicense(ctx, rec); err != nil {
		return license.Generated{}, err
	}

	metrics.LicensesIssuedTotal.WithLabelValues(string(req.Type)).Inc()
	e.audit.Record(store.AuditEvent{
		Actor:   req.Actor,
		Action:  store.ActionLicenseCreate,
		Target:  license.MaskKey(gen.Key),
		IP:      req.IP,
		Success: true,
		Details: string(req.Type),
	})
	return gen, nil
}

// RevokeLicense marks a license revoked. Revocation is terminal.
func (e *Engine) RevokeLicense(ctx context.Context, key, actor, ip string) error {
	licenseID, err := license.ParseKey(key)
	if err != nil {
		return err
	}
	if err := e.store.SetLicenseStatus(ctx, licenseID, license.StatusRevoked); err != nil {
		return err
	}
	e.audit.Record(store.AuditEvent{
		Actor: actor, Action: store.ActionLicenseRevoke,
		Target: license.MaskKey(key), IP: ip, Success: true,
	})
	return nil
}

// ExtendLicense pushes the expiry out by extraDays and reseals the blob.
// An already-expired license extends from now; an active one from its
// current expiry.
func (e *Engine) ExtendLicense(ctx context.Context, key string, extraDays int, actor, ip string) (store.LicenseRecord, error) {
	if extraDays <= 0 {
		return store.LicenseRecord{}, errs.E(errs.KindBadFormat)
	}
	licenseID, err := license.ParseKey(key)
	if err != nil {
		return store.LicenseRecord{}, err
	}
	rec, err := e.store.GetLicense(ctx, licenseID)
	if err != nil {
		return store.LicenseRecord{}, err
	}
	if rec.Status == license.StatusRevoked {
		return store.LicenseRecord{}, errs.E(errs.KindConflict)
	}

	now := e.now().UTC()
	base := rec.ExpiresAt
	if base.Before(now) {
		base = now
	}
	newExpiry := base.AddDate(0, 0, extraDays)

	blob, err := e.codec.Seal(license.Payload{
		LicenseID: rec.LicenseID,
		UserID:    rec.UserID,
		Type:      rec.Type,
		CreatedAt: rec.CreatedAt,
		ExpiresAt: newExpiry,
		Features:  rec.Features,
		Owner:     rec.Owner,
		Email:     rec.Email,
	})
	if err != nil {
		return store.LicenseRecord{}, err
	}

	if err := e.store.ExtendLicense(ctx, licenseID, newExpiry, blob); err != nil {
		return store.LicenseRecord{}, err
	}

	e.audit.Record(store.AuditEvent{
		Actor: actor, Action: store.ActionLicenseExtend,
		Target: license.MaskKey(key), IP: ip, Success: true,
	})
	return e.store.GetLicense(ctx, licenseID)
}

// RebindLicense moves the hardware binding to a new machine.
func (e *Engine) RebindLicense(ctx context.Context, key, hardwareID, actor, ip string) error {
	if strings.TrimSpace(hardwareID) == "" {
		return errs.E(errs.KindBadFormat)
	}
	licenseID, err := license.ParseKey(key)
	if err != nil {
		return err
	}
	if err := e.store.RebindActivation(ctx, licenseID, hardwareID, e.now().UTC()); err != nil {
		return err
	}
	e.audit.Record(store.AuditEvent{
		Actor: actor, Action: store.ActionLicenseRebind,
		Target: license.MaskKey(key), IP: ip, Success: true,
	})
	return nil
}

// LicenseInfo returns the stored record and, when present, its
// activation.
func (e *Engine) LicenseInfo(ctx context.Context, key string) (store.LicenseRecord, *store.ActivationRecord, error) {
	licenseID, err := license.ParseKey(key)
	if err != nil {
		return store.LicenseRecord{}, nil, err
	}
	rec, err := e.store.GetLicense(ctx, licenseID)
	if err != nil {
		return store.LicenseRecord{}, nil, err
	}
	act, err := e.store.GetActivation(ctx, licenseID)
	if err != nil {
		if errs.Is(err, errs.KindUnknown) {
			return rec, nil, nil
		}
		return store.LicenseRecord{}, nil, err
	}
	return rec, &act, nil
}

// ListLicenses passes the filter through to the store.
func (e *Engine) ListLicenses(ctx context.Context, f store.LicenseFilter) ([]store.LicenseRecord, error) {
	return e.store.ListLicenses(ctx, f)
}

// CreateUser provisions an account with a fresh per-user salt. Accounts
// created this way must change their password on first login.
func (e *Engine) CreateUser(ctx context.Context, username, password, email string, role store.Role, actor, ip string) (store.UserRecord, error) {
	if strings.TrimSpace(username) == "" || len(password) < minPasswordLen {
		return store.UserRecord{}, errs.E(errs.KindBadFormat)
	}
	if !store.ValidRole(role) {
		return store.UserRecord{}, errs.E(errs.KindBadFormat)
	}

	salt, err := crypto.NewSalt()
	if err != nil {
		return store.UserRecord{}, err
	}
	hash, err := crypto.HashPassword(password, salt)
	if err != nil {
		return store.UserRecord{}, err
	}

	rec := store.UserRecord{
		UserID:             uuid.New().String(),
		Username:           username,
		Email:              email,
		PasswordHash:       hash,
		Salt:               salt,
		Role:               role,
		Active:             true,
		MustChangePassword: true,
		CreatedAt:          e.now().UTC(),
	}
	if err := e.store.CreateUser(ctx, rec); err != nil {
		return store.UserRecord{}, err
	}

	e.audit.Record(store.AuditEvent{
		Actor: actor, Action: store.ActionUserCreate,
		Target: username, IP: ip, Success: true, Details: string(role),
	})
	return rec, nil
}

// ListSessions returns sessions, optionally only valid unexpired ones.
func (e *Engine) ListSessions(ctx context.Context, activeOnly bool) ([]store.SessionRecord, error) {
	sessions, err := e.store.ListSessions(ctx, activeOnly)
	if err != nil {
		return nil, err
	}
	if !activeOnly {
		return sessions, nil
	}
	now := e.now().UTC()
	out := sessions[:0]
	for _, s := range sessions {
		if now.Before(s.ExpiresAt) {
			out = append(out, s)
		}
	}
	return out, nil
}

// RevokeSessionByID invalidates a session from the admin surface.
func (e *Engine) RevokeSessionByID(ctx context.Context, sessionID, actor, ip string) error {
	if err := e.store.RevokeSession(ctx, sessionID); err != nil {
		return err
	}
	e.audit.Record(store.AuditEvent{
		Actor: actor, Action: store.ActionSessionRevoke,
		Target: sessionID, IP: ip, Success: true,
	})
	return nil
}

// ListAudit passes the filter through to the store.
func (e *Engine) ListAudit(ctx context.Context, f store.AuditFilter) ([]store.AuditEvent, error) {
	return e.store.ListAudit(ctx, f)
}

// Stats returns store counters plus audit recorder health.
func (e *Engine) Stats(ctx context.Context) (store.Stats, error) {
	return e.store.Stats(ctx)
}

// RefreshMetrics updates the audit queue gauges. The app loop calls this
// periodically.
func (e *Engine) RefreshMetrics() {
	metrics.AuditQueueDepth.Set(float64(e.audit.QueueDepth()))
	metrics.AuditDroppedTotal.Set(float64(e.audit.Dropped()))
}
