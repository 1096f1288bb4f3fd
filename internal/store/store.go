// Package store owns all durable state: licenses, activations, users,
// sessions, and the audit log. Every other component goes through the
// Store interface; adapters exist for embedded SQLite (production) and
// memory (tests).
package store

import (
	"context"
	"time"

	"dlnkd/internal/license"
)

// ActivationOutcome reports what recording an activation did.
type ActivationOutcome int

const (
	// FirstBind means no prior activation existed; the license is now
	// bound to the presented hardware id.
	FirstBind ActivationOutcome = iota
	// Bound means the prior activation matched; last_seen was updated.
	Bound
	// Conflict means a different hardware id is already bound. The
	// stored activation is left untouched.
	Conflict
)

func (o ActivationOutcome) String() string {
	switch o {
	case FirstBind:
		return "first_bind"
	case Bound:
		return "bound"
	case Conflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// Role is an authenticated user's privilege level.
type Role string

const (
	RoleUser       Role = "user"
	RoleAdmin      Role = "admin"
	RoleSuperadmin Role = "superadmin"
)

// ValidRole reports whether r is a known role.
func ValidRole(r Role) bool {
	return r == RoleUser || r == RoleAdmin || r == RoleSuperadmin
}

// SubjectKind distinguishes user sessions from license sessions.
type SubjectKind string

const (
	SubjectUser    SubjectKind = "user"
	SubjectLicense SubjectKind = "license"
)

// LicenseRecord is the stored form of a license. LicenseID is the
// 16-hex-character id embedded in the display key.
type LicenseRecord struct {
	LicenseID  string
	Key        string
	UserID     string
	Type       license.Type
	Status     license.Status
	CreatedAt  time.Time
	ExpiresAt  time.Time
	Features   []string // explicit additive features, not the expansion
	Owner      string
	Email      string
	SealedBlob string
}

// ActivationRecord binds a license to the hardware id that first
// presented it.
type ActivationRecord struct {
	LicenseID  string
	HardwareID string
	FirstSeen  time.Time
	LastSeen   time.Time
	Count      int64
}

// UserRecord is the stored form of a user account.
type UserRecord struct {
	UserID             string
	Username           string
	Email              string
	PasswordHash       string
	Salt               string
	Role               Role
	TOTPSecret         string
	Active             bool
	MustChangePassword bool
	FailedAttempts     int
	LockedUntil        *time.Time
	CreatedAt          time.Time
	LastLogin          *time.Time
}

// SessionRecord is a stored session. ID is the SHA-256 digest of the
// opaque bearer token; the token itself is never persisted.
type SessionRecord struct {
	ID          string
	SubjectKind SubjectKind
	SubjectID   string
	Role        Role
	IssuedAt    time.Time
	ExpiresAt   time.Time
	IP          string
	UserAgent   string
	Valid       bool
}

// AuditEvent is one append-only audit log entry.
type AuditEvent struct {
	ID        int64
	Timestamp time.Time
	Actor     string
	Action    string
	Target    string
	IP        string
	Success   bool
	Details   string
}

// LicenseFilter narrows ListLicenses.
type LicenseFilter struct {
	Status license.Status
	Type   license.Type
	Query  string // matches key, owner, or email substrings
	Limit  int
	Offset int
}

// AuditFilter narrows ListAudit.
type AuditFilter struct {
	Since  time.Time
	Actor  string
	Action string
	Limit  int
}

// Stats summarizes store contents for the admin dashboard and CLI.
type Stats struct {
	LicensesByStatus map[string]int `json:"licenses_by_status"`
	LicensesByType   map[string]int `json:"licenses_by_type"`
	Activations      int            `json:"activations"`
	Users            int            `json:"users"`
	ActiveSessions   int            `json:"active_sessions"`
	AuditEvents      int64          `json:"audit_events"`
}

// Store is the single capability every component uses for durable state.
// Mutations are serialized by a single logical writer; reads run
// concurrently. For a given license id, activation, revocation, and
// extension are linearizable.
type Store interface {
	PutLicense(ctx context.Context, rec LicenseRecord) error
	GetLicense(ctx context.Context, licenseID string) (LicenseRecord, error)
	ListLicenses(ctx context.Context, f LicenseFilter) ([]LicenseRecord, error)
	// SetLicenseStatus transitions license status. A revoked license
	// never transitions back; such attempts return Conflict.
	SetLicenseStatus(ctx context.Context, licenseID string, status license.Status) error
	// ExtendLicense moves the expiry and replaces the sealed blob.
	// Returns Conflict for revoked licenses.
	ExtendLicense(ctx context.Context, licenseID string, newExpiry time.Time, newBlob string) error

	// RecordActivation atomically upserts the single activation row for
	// the license. Concurrent first activations from different hardware
	// ids resolve to exactly one FirstBind.
	RecordActivation(ctx context.Context, licenseID, hardwareID string, now time.Time) (ActivationOutcome, error)
	GetActivation(ctx context.Context, licenseID string) (ActivationRecord, error)
	// RebindActivation replaces the bound hardware id (admin only).
	RebindActivation(ctx context.Context, licenseID, hardwareID string, now time.Time) error

	CreateUser(ctx context.Context, rec UserRecord) error
	GetUser(ctx context.Context, userID string) (UserRecord, error)
	GetUserByUsername(ctx context.Context, username string) (UserRecord, error)
	UpdateUser(ctx context.Context, rec UserRecord) error
	// BumpFailed increments the failed-attempt counter and, when the
	// new count reaches maxAttempts, sets the lockout deadline in the
	// same step. Returns the new count and whether the account locked.
	// A maxAttempts of zero disables locking.
	BumpFailed(ctx context.Context, userID string, maxAttempts int, lockUntil time.Time) (int, bool, error)
	// ClearFailed resets the counter and lockout after successful auth.
	ClearFailed(ctx context.Context, userID string, lastLogin time.Time) error

	OpenSession(ctx context.Context, rec SessionRecord) error
	// ValidateSession resolves a token digest. Unknown digests return
	// Unknown; past-expiry or revoked sessions return Expired.
	ValidateSession(ctx context.Context, tokenDigest string, now time.Time) (SessionRecord, error)
	RevokeSession(ctx context.Context, sessionID string) error
	ListSessions(ctx context.Context, activeOnly bool) ([]SessionRecord, error)

	// AppendAudit inserts one audit event and returns its id. Ids are
	// monotonically increasing; events are never mutated or deleted.
	AppendAudit(ctx context.Context, ev AuditEvent) (int64, error)
	ListAudit(ctx context.Context, f AuditFilter) ([]AuditEvent, error)

	Stats(ctx context.Context) (Stats, error)
	Ping(ctx context.Context) error
	Close() error
}
