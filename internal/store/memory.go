package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"dlnkd/internal/errs"
	"dlnkd/internal/license"
)

// Memory is an in-memory Store used by tests and the CLI dry-run paths.
// It enforces the same invariants as the SQLite adapter.
type Memory struct {
	mu          sync.RWMutex
	licenses    map[string]LicenseRecord
	activations map[string]ActivationRecord
	users       map[string]UserRecord
	usernames   map[string]string // username -> user_id
	sessions    map[string]SessionRecord
	audit       []AuditEvent
	nextAuditID int64
	lastAuditTS time.Time
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		licenses:    make(map[string]LicenseRecord),
		activations: make(map[string]ActivationRecord),
		users:       make(map[string]UserRecord),
		usernames:   make(map[string]string),
		sessions:    make(map[string]SessionRecord),
		nextAuditID: 1,
	}
}

var _ Store = (*Memory)(nil)

func (m *Memory) PutLicense(_ context.Context, rec LicenseRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.licenses[rec.LicenseID] = rec
	return nil
}

func (m *Memory) GetLicense(_ context.Context, licenseID string) (LicenseRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.licenses[licenseID]
	if !ok {
		return LicenseRecord{}, errs.E(errs.KindUnknown)
	}
	return rec, nil
}

func (m *Memory) ListLicenses(_ context.Context, f LicenseFilter) ([]LicenseRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]LicenseRecord, 0, len(m.licenses))
	for _, rec := range m.licenses {
		if !matchLicense(rec, f) {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return paginate(out, f.Offset, f.Limit), nil
}

func matchLicense(rec LicenseRecord, f LicenseFilter) bool {
	if f.Status != "" && rec.Status != f.Status {
		return false
	}
	if f.Type != "" && rec.Type != f.Type {
		return false
	}
	if f.Query != "" {
		q := strings.ToLower(f.Query)
		if !strings.Contains(strings.ToLower(rec.Key), q) &&
			!strings.Contains(strings.ToLower(rec.Owner), q) &&
			!strings.Contains(strings.ToLower(rec.Email), q) {
			return false
		}
	}
	return true
}

func paginate(in []LicenseRecord, offset, limit int) []LicenseRecord {
	if offset >= len(in) {
		return []LicenseRecord{}
	}
	in = in[offset:]
	if limit > 0 && limit < len(in) {
		in = in[:limit]
	}
	return in
}

func (m *Memory) SetLicenseStatus(_ context.Context, licenseID string, status license.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.licenses[licenseID]
	if !ok {
		return errs.E(errs.KindUnknown)
	}
	if rec.Status == license.StatusRevoked && status != license.StatusRevoked {
		return errs.E(errs.KindConflict)
	}
	rec.Status = status
	m.licenses[licenseID] = rec
	return nil
}

func (m *Memory) ExtendLicense(_ context.Context, licenseID string, newExpiry time.Time, newBlob string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.licenses[licenseID]
	if !ok {
		return errs.E(errs.KindUnknown)
	}
	if rec.Status == license.StatusRevoked {
		return errs.E(errs.KindConflict)
	}
	rec.ExpiresAt = newExpiry
	rec.SealedBlob = newBlob
	if rec.Status == license.StatusExpired {
		rec.Status = license.StatusActive
	}
	m.licenses[licenseID] = rec
	return nil
}

func (m *Memory) RecordActivation(_ context.Context, licenseID, hardwareID string, now time.Time) (ActivationOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	act, ok := m.activations[licenseID]
	if !ok {
		m.activations[licenseID] = ActivationRecord{
			LicenseID:  licenseID,
			HardwareID: hardwareID,
			FirstSeen:  now,
			LastSeen:   now,
			Count:      1,
		}
		return FirstBind, nil
	}
	if act.HardwareID != hardwareID {
		return Conflict, nil
	}
	act.LastSeen = now
	act.Count++
	m.activations[licenseID] = act
	return Bound, nil
}

func (m *Memory) GetActivation(_ context.Context, licenseID string) (ActivationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	act, ok := m.activations[licenseID]
	if !ok {
		return ActivationRecord{}, errs.E(errs.KindUnknown)
	}
	return act, nil
}

func (m *Memory) RebindActivation(_ context.Context, licenseID, hardwareID string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.licenses[licenseID]; !ok {
		return errs.E(errs.KindUnknown)
	}
	m.activations[licenseID] = ActivationRecord{
		LicenseID:  licenseID,
		HardwareID: hardwareID,
		FirstSeen:  now,
		LastSeen:   now,
		Count:      1,
	}
	return nil
}

func (m *Memory) CreateUser(_ context.Context, rec UserRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.usernames[rec.Username]; exists {
		return errs.E(errs.KindConflict)
	}
	m.users[rec.UserID] = rec
	m.usernames[rec.Username] = rec.UserID
	return nil
}

func (m *Memory) GetUser(_ context.Context, userID string) (UserRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.users[userID]
	if !ok {
		return UserRecord{}, errs.E(errs.KindUnknown)
	}
	return rec, nil
}

func (m *Memory) GetUserByUsername(_ context.Context, username string) (UserRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.usernames[username]
	if !ok {
		return UserRecord{}, errs.E(errs.KindUnknown)
	}
	return m.users[id], nil
}

func (m *Memory) UpdateUser(_ context.Context, rec UserRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[rec.UserID]; !ok {
		return errs.E(errs.KindUnknown)
	}
	m.users[rec.UserID] = rec
	return nil
}

func (m *Memory) BumpFailed(_ context.Context, userID string, maxAttempts int, lockUntil time.Time) (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.users[userID]
	if !ok {
		return 0, false, errs.E(errs.KindUnknown)
	}
	rec.FailedAttempts++
	locked := false
	if maxAttempts > 0 && rec.FailedAttempts >= maxAttempts {
		deadline := lockUntil
		rec.LockedUntil = &deadline
		locked = true
	}
	m.users[userID] = rec
	return rec.FailedAttempts, locked, nil
}

func (m *Memory) ClearFailed(_ context.Context, userID string, lastLogin time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.users[userID]
	if !ok {
		return errs.E(errs.KindUnknown)
	}
	rec.FailedAttempts = 0
	rec.LockedUntil = nil
	rec.LastLogin = &lastLogin
	m.users[userID] = rec
	return nil
}

func (m *Memory) OpenSession(_ context.Context, rec SessionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[rec.ID] = rec
	return nil
}

func (m *Memory) ValidateSession(_ context.Context, tokenDigest string, now time.Time) (SessionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.sessions[tokenDigest]
	if !ok {
		return SessionRecord{}, errs.E(errs.KindUnknown)
	}
	if !rec.Valid || now.After(rec.ExpiresAt) {
		return SessionRecord{}, errs.E(errs.KindExpired)
	}
	return rec, nil
}

func (m *Memory) RevokeSession(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[sessionID]
	if !ok {
		return errs.E(errs.KindUnknown)
	}
	// Revoked sessions stay in the store for audit.
	rec.Valid = false
	m.sessions[sessionID] = rec
	return nil
}

func (m *Memory) ListSessions(_ context.Context, activeOnly bool) ([]SessionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]SessionRecord, 0, len(m.sessions))
	for _, rec := range m.sessions {
		if activeOnly && !rec.Valid {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IssuedAt.After(out[j].IssuedAt) })
	return out, nil
}

func (m *Memory) AppendAudit(_ context.Context, ev AuditEvent) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev.ID = m.nextAuditID
	m.nextAuditID++
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	// Clamp so timestamps never run backwards relative to ids.
	if ev.Timestamp.Before(m.lastAuditTS) {
		ev.Timestamp = m.lastAuditTS
	}
	m.lastAuditTS = ev.Timestamp
	m.audit = append(m.audit, ev)
	return ev.ID, nil
}

func (m *Memory) ListAudit(_ context.Context, f AuditFilter) ([]AuditEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]AuditEvent, 0)
	for _, ev := range m.audit {
		if !f.Since.IsZero() && ev.Timestamp.Before(f.Since) {
			continue
		}
		if f.Actor != "" && ev.Actor != f.Actor {
			continue
		}
		if f.Action != "" && ev.Action != f.Action {
			continue
		}
		out = append(out, ev)
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out, nil
}

func (m *Memory) Stats(_ context.Context) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st := Stats{
		LicensesByStatus: make(map[string]int),
		LicensesByType:   make(map[string]int),
		Activations:      len(m.activations),
		Users:            len(m.users),
		AuditEvents:      m.nextAuditID - 1,
	}
	for _, rec := range m.licenses {
		st.LicensesByStatus[string(rec.Status)]++
		st.LicensesByType[string(rec.Type)]++
	}
	for _, s := range m.sessions {
		if s.Valid {
			st.ActiveSessions++
		}
	}
	return st, nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }
