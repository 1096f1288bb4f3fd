package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"dlnkd/internal/errs"
	"dlnkd/internal/license"
)

// SQLite is the production Store backed by an embedded database file.
// SQLite allows one writer at a time; writeMu serializes mutations so we
// never hit SQLITE_BUSY under our own load.
type SQLite struct {
	db      *sql.DB
	writeMu sync.Mutex

	// lastAuditTS is the timestamp of the newest audit row, guarded by
	// writeMu. AppendAudit clamps to it so ids and timestamps stay
	// ordered together even when producers stamp events out of order.
	lastAuditTS time.Time
}

var _ Store = (*SQLite)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS licenses (
	license_id   TEXT PRIMARY KEY,
	license_key  TEXT NOT NULL UNIQUE,
	user_id      TEXT NOT NULL,
	type         TEXT NOT NULL,
	status       TEXT NOT NULL,
	created_at   TEXT NOT NULL,
	expires_at   TEXT NOT NULL,
	features     TEXT NOT NULL DEFAULT '[]',
	owner        TEXT NOT NULL DEFAULT '',
	email        TEXT NOT NULL DEFAULT '',
	sealed_blob  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_licenses_status ON licenses(status);
CREATE INDEX IF NOT EXISTS idx_licenses_user ON licenses(user_id);

CREATE TABLE IF NOT EXISTS activations (
	license_id  TEXT NOT NULL UNIQUE REFERENCES licenses(license_id),
	hardware_id TEXT NOT NULL,
	first_seen  TEXT NOT NULL,
	last_seen   TEXT NOT NULL,
	count       INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS users (
	user_id              TEXT PRIMARY KEY,
	username             TEXT NOT NULL UNIQUE,
	email                TEXT NOT NULL DEFAULT '',
	password_hash        TEXT NOT NULL,
	salt                 TEXT NOT NULL,
	role                 TEXT NOT NULL,
	totp_secret          TEXT NOT NULL DEFAULT '',
	active               INTEGER NOT NULL DEFAULT 1,
	must_change_password INTEGER NOT NULL DEFAULT 0,
	failed_attempts      INTEGER NOT NULL DEFAULT 0,
	locked_until         TEXT,
	created_at           TEXT NOT NULL,
	last_login           TEXT
);

CREATE TABLE IF NOT EXISTS sessions (
	session_id   TEXT PRIMARY KEY,
	subject_kind TEXT NOT NULL,
	subject_id   TEXT NOT NULL,
	role         TEXT NOT NULL,
	issued_at    TEXT NOT NULL,
	expires_at   TEXT NOT NULL,
	ip           TEXT NOT NULL DEFAULT '',
	user_agent   TEXT NOT NULL DEFAULT '',
	valid        INTEGER NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS idx_sessions_subject ON sessions(subject_id);

CREATE TABLE IF NOT EXISTS audit_log (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp TEXT NOT NULL,
	actor     TEXT NOT NULL DEFAULT '',
	action    TEXT NOT NULL,
	target    TEXT NOT NULL DEFAULT '',
	ip        TEXT NOT NULL DEFAULT '',
	success   INTEGER NOT NULL DEFAULT 1,
	details   TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_log(timestamp);
CREATE INDEX IF NOT EXISTS idx_audit_actor ON audit_log(actor);
`

// OpenSQLite opens or creates the database file and applies the schema.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// The driver is in-process; a single connection avoids writer
	// contention entirely.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	s := &SQLite{db: db}
	var ts string
	err = db.QueryRowContext(ctx,
		`SELECT timestamp FROM audit_log ORDER BY id DESC LIMIT 1`).Scan(&ts)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		db.Close()
		return nil, fmt.Errorf("read audit head: %w", err)
	default:
		if s.lastAuditTS, err = decodeTime(ts); err != nil {
			db.Close()
			return nil, fmt.Errorf("read audit head: %w", err)
		}
	}
	return s, nil
}

const timeLayout = time.RFC3339Nano

func encodeTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func decodeTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func encodeTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return encodeTime(*t)
}

func decodeTimePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := decodeTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func encodeFeatures(fs []string) string {
	if len(fs) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(fs)
	return string(b)
}

func decodeFeatures(s string) ([]string, error) {
	if s == "" || s == "[]" {
		return nil, nil
	}
	var fs []string
	if err := json.Unmarshal([]byte(s), &fs); err != nil {
		return nil, err
	}
	return fs, nil
}

func (s *SQLite) PutLicense(ctx context.Context, rec LicenseRecord) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO licenses (license_id, license_key, user_id, type, status, created_at, expires_at, features, owner, email, sealed_blob)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(license_id) DO UPDATE SET
			status = excluded.status, expires_at = excluded.expires_at,
			features = excluded.features, owner = excluded.owner,
			email = excluded.email, sealed_blob = excluded.sealed_blob`,
		rec.LicenseID, rec.Key, rec.UserID, string(rec.Type), string(rec.Status),
		encodeTime(rec.CreatedAt), encodeTime(rec.ExpiresAt),
		encodeFeatures(rec.Features), rec.Owner, rec.Email, rec.SealedBlob)
	if err != nil {
		return fmt.Errorf("put license: %w", err)
	}
	return nil
}

const licenseColumns = `license_id, license_key, user_id, type, status, created_at, expires_at, features, owner, email, sealed_blob`

func scanLicense(row interface{ Scan(...any) error }) (LicenseRecord, error) {
	var (
		rec                            LicenseRecord
		typ, status                    string
		createdAt, expiresAt, features string
	)
	err := row.Scan(&rec.LicenseID, &rec.Key, &rec.UserID, &typ, &status,
		&createdAt, &expiresAt, &features, &rec.Owner, &rec.Email, &rec.SealedBlob)
	if err != nil {
		return LicenseRecord{}, err
	}
	rec.Type = license.Type(typ)
	rec.Status = license.Status(status)
	if rec.CreatedAt, err = decodeTime(createdAt); err != nil {
		return LicenseRecord{}, fmt.Errorf("decode created_at: %w", err)
	}
	if rec.ExpiresAt, err = decodeTime(expiresAt); err != nil {
		return LicenseRecord{}, fmt.Errorf("decode expires_at: %w", err)
	}
	if rec.Features, err = decodeFeatures(features); err != nil {
		return LicenseRecord{}, fmt.Errorf("decode features: %w", err)
	}
	return rec, nil
}

func (s *SQLite) GetLicense(ctx context.Context, licenseID string) (LicenseRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+licenseColumns+` FROM licenses WHERE license_id = ?`, licenseID)
	rec, err := scanLicense(row)
	if errors.Is(err, sql.ErrNoRows) {
		return LicenseRecord{}, errs.E(errs.KindUnknown)
	}
	if err != nil {
		return LicenseRecord{}, fmt.Errorf("get license: %w", err)
	}
	return rec, nil
}

func (s *SQLite) ListLicenses(ctx context.Context, f LicenseFilter) ([]LicenseRecord, error) {
	var (
		conds []string
		args  []any
	)
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Type != "" {
		conds = append(conds, "type = ?")
		args = append(args, string(f.Type))
	}
	if f.Query != "" {
		conds = append(conds, "(license_key LIKE ? OR owner LIKE ? OR email LIKE ?)")
		like := "%" + f.Query + "%"
		args = append(args, like, like, like)
	}

	q := `SELECT ` + licenseColumns + ` FROM licenses`
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
		if f.Offset > 0 {
			q += " OFFSET ?"
			args = append(args, f.Offset)
		}
	} else if f.Offset > 0 {
		q += " LIMIT -1 OFFSET ?"
		args = append(args, f.Offset)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list licenses: %w", err)
	}
	defer rows.Close()

	out := []LicenseRecord{}
	for rows.Next() {
		rec, err := scanLicense(rows)
		if err != nil {
			return nil, fmt.Errorf("list licenses: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLite) SetLicenseStatus(ctx context.Context, licenseID string, status license.Status) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE licenses SET status = ? WHERE license_id = ? AND (status != 'revoked' OR ? = 'revoked')`,
		string(status), licenseID, string(status))
	if err != nil {
		return fmt.Errorf("set license status: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		var exists int
		if err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM licenses WHERE license_id = ?`, licenseID).Scan(&exists); err != nil {
			return fmt.Errorf("set license status: %w", err)
		}
		if exists == 0 {
			return errs.E(errs.KindUnknown)
		}
		return errs.E(errs.KindConflict)
	}
	return nil
}

func (s *SQLite) ExtendLicense(ctx context.Context, licenseID string, newExpiry time.Time, newBlob string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE licenses
		SET expires_at = ?, sealed_blob = ?,
		    status = CASE WHEN status = 'expired' THEN 'active' ELSE status END
		WHERE license_id = ? AND status != 'revoked'`,
		encodeTime(newExpiry), newBlob, licenseID)
	if err != nil {
		return fmt.Errorf("extend license: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		var exists int
		if err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM licenses WHERE license_id = ?`, licenseID).Scan(&exists); err != nil {
			return fmt.Errorf("extend license: %w", err)
		}
		if exists == 0 {
			return errs.E(errs.KindUnknown)
		}
		return errs.E(errs.KindConflict)
	}
	return nil
}

func (s *SQLite) RecordActivation(ctx context.Context, licenseID, hardwareID string, now time.Time) (ActivationOutcome, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	ts := encodeTime(now)

	// The UNIQUE constraint on license_id makes the insert the
	// linearization point for first binds.
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO activations (license_id, hardware_id, first_seen, last_seen, count)
		VALUES (?, ?, ?, ?, 1)
		ON CONFLICT(license_id) DO NOTHING`,
		licenseID, hardwareID, ts, ts)
	if err != nil {
		return Conflict, fmt.Errorf("record activation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return FirstBind, nil
	}

	res, err = s.db.ExecContext(ctx, `
		UPDATE activations SET last_seen = ?, count = count + 1
		WHERE license_id = ? AND hardware_id = ?`,
		ts, licenseID, hardwareID)
	if err != nil {
		return Conflict, fmt.Errorf("record activation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return Bound, nil
	}
	return Conflict, nil
}

func (s *SQLite) GetActivation(ctx context.Context, licenseID string) (ActivationRecord, error) {
	var (
		rec                  ActivationRecord
		firstSeen, lastSeen  string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT license_id, hardware_id, first_seen, last_seen, count
		FROM activations WHERE license_id = ?`, licenseID).
		Scan(&rec.LicenseID, &rec.HardwareID, &firstSeen, &lastSeen, &rec.Count)
	if errors.Is(err, sql.ErrNoRows) {
		return ActivationRecord{}, errs.E(errs.KindUnknown)
	}
	if err != nil {
		return ActivationRecord{}, fmt.Errorf("get activation: %w", err)
	}
	if rec.FirstSeen, err = decodeTime(firstSeen); err != nil {
		return ActivationRecord{}, fmt.Errorf("decode first_seen: %w", err)
	}
	if rec.LastSeen, err = decodeTime(lastSeen); err != nil {
		return ActivationRecord{}, fmt.Errorf("decode last_seen: %w", err)
	}
	return rec, nil
}

func (s *SQLite) RebindActivation(ctx context.Context, licenseID, hardwareID string, now time.Time) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var exists int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM licenses WHERE license_id = ?`, licenseID).Scan(&exists); err != nil {
		return fmt.Errorf("rebind activation: %w", err)
	}
	if exists == 0 {
		return errs.E(errs.KindUnknown)
	}

	ts := encodeTime(now)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO activations (license_id, hardware_id, first_seen, last_seen, count)
		VALUES (?, ?, ?, ?, 1)
		ON CONFLICT(license_id) DO UPDATE SET
			hardware_id = excluded.hardware_id, first_seen = excluded.first_seen,
			last_seen = excluded.last_seen, count = 1`,
		licenseID, hardwareID, ts, ts)
	if err != nil {
		return fmt.Errorf("rebind activation: %w", err)
	}
	return nil
}

func (s *SQLite) CreateUser(ctx context.Context, rec UserRecord) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (user_id, username, email, password_hash, salt, role, totp_secret, active, must_change_password, failed_attempts, locked_until, created_at, last_login)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.UserID, rec.Username, rec.Email, rec.PasswordHash, rec.Salt,
		string(rec.Role), rec.TOTPSecret, boolInt(rec.Active), boolInt(rec.MustChangePassword),
		rec.FailedAttempts, encodeTimePtr(rec.LockedUntil), encodeTime(rec.CreatedAt),
		encodeTimePtr(rec.LastLogin))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return errs.E(errs.KindConflict)
		}
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

const userColumns = `user_id, username, email, password_hash, salt, role, totp_secret, active, must_change_password, failed_attempts, locked_until, created_at, last_login`

func scanUser(row interface{ Scan(...any) error }) (UserRecord, error) {
	var (
		rec                   UserRecord
		role, createdAt       string
		active, mustChange    int
		lockedUntil, lastLogin sql.NullString
	)
	err := row.Scan(&rec.UserID, &rec.Username, &rec.Email, &rec.PasswordHash,
		&rec.Salt, &role, &rec.TOTPSecret, &active, &mustChange,
		&rec.FailedAttempts, &lockedUntil, &createdAt, &lastLogin)
	if err != nil {
		return UserRecord{}, err
	}
	rec.Role = Role(role)
	rec.Active = active != 0
	rec.MustChangePassword = mustChange != 0
	if rec.CreatedAt, err = decodeTime(createdAt); err != nil {
		return UserRecord{}, fmt.Errorf("decode created_at: %w", err)
	}
	if rec.LockedUntil, err = decodeTimePtr(lockedUntil); err != nil {
		return UserRecord{}, fmt.Errorf("decode locked_until: %w", err)
	}
	if rec.LastLogin, err = decodeTimePtr(lastLogin); err != nil {
		return UserRecord{}, fmt.Errorf("decode last_login: %w", err)
	}
	return rec, nil
}

func (s *SQLite) GetUser(ctx context.Context, userID string) (UserRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE user_id = ?`, userID)
	rec, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return UserRecord{}, errs.E(errs.KindUnknown)
	}
	if err != nil {
		return UserRecord{}, fmt.Errorf("get user: %w", err)
	}
	return rec, nil
}

func (s *SQLite) GetUserByUsername(ctx context.Context, username string) (UserRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE username = ?`, username)
	rec, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return UserRecord{}, errs.E(errs.KindUnknown)
	}
	if err != nil {
		return UserRecord{}, fmt.Errorf("get user by username: %w", err)
	}
	return rec, nil
}

func (s *SQLite) UpdateUser(ctx context.Context, rec UserRecord) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET username = ?, email = ?, password_hash = ?, salt = ?,
			role = ?, totp_secret = ?, active = ?, must_change_password = ?,
			failed_attempts = ?, locked_until = ?, last_login = ?
		WHERE user_id = ?`,
		rec.Username, rec.Email, rec.PasswordHash, rec.Salt, string(rec.Role),
		rec.TOTPSecret, boolInt(rec.Active), boolInt(rec.MustChangePassword),
		rec.FailedAttempts, encodeTimePtr(rec.LockedUntil), encodeTimePtr(rec.LastLogin),
		rec.UserID)
	if err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.E(errs.KindUnknown)
	}
	return nil
}

func (s *SQLite) BumpFailed(ctx context.Context, userID string, maxAttempts int, lockUntil time.Time) (int, bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	// Counter and lock move in one statement so a crossing of the
	// threshold can never leave the count high with no deadline.
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET
			failed_attempts = failed_attempts + 1,
			locked_until = CASE WHEN ? > 0 AND failed_attempts + 1 >= ?
				THEN ? ELSE locked_until END
		WHERE user_id = ?`,
		maxAttempts, maxAttempts, encodeTime(lockUntil), userID)
	if err != nil {
		return 0, false, fmt.Errorf("bump failed attempts: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, false, errs.E(errs.KindUnknown)
	}

	var count int
	if err := s.db.QueryRowContext(ctx,
		`SELECT failed_attempts FROM users WHERE user_id = ?`, userID).Scan(&count); err != nil {
		return 0, false, fmt.Errorf("bump failed attempts: %w", err)
	}
	return count, maxAttempts > 0 && count >= maxAttempts, nil
}

func (s *SQLite) ClearFailed(ctx context.Context, userID string, lastLogin time.Time) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET failed_attempts = 0, locked_until = NULL, last_login = ? WHERE user_id = ?`,
		encodeTime(lastLogin), userID)
	if err != nil {
		return fmt.Errorf("clear failed attempts: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.E(errs.KindUnknown)
	}
	return nil
}

func (s *SQLite) OpenSession(ctx context.Context, rec SessionRecord) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (session_id, subject_kind, subject_id, role, issued_at, expires_at, ip, user_agent, valid)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, string(rec.SubjectKind), string(rec.SubjectID), string(rec.Role),
		encodeTime(rec.IssuedAt), encodeTime(rec.ExpiresAt), rec.IP, rec.UserAgent,
		boolInt(rec.Valid))
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	return nil
}

func scanSession(row interface{ Scan(...any) error }) (SessionRecord, error) {
	var (
		rec                         SessionRecord
		kind, role                  string
		issuedAt, expiresAt         string
		valid                       int
	)
	err := row.Scan(&rec.ID, &kind, &rec.SubjectID, &role, &issuedAt, &expiresAt,
		&rec.IP, &rec.UserAgent, &valid)
	if err != nil {
		return SessionRecord{}, err
	}
	rec.SubjectKind = SubjectKind(kind)
	rec.Role = Role(role)
	rec.Valid = valid != 0
	if rec.IssuedAt, err = decodeTime(issuedAt); err != nil {
		return SessionRecord{}, fmt.Errorf("decode issued_at: %w", err)
	}
	if rec.ExpiresAt, err = decodeTime(expiresAt); err != nil {
		return SessionRecord{}, fmt.Errorf("decode expires_at: %w", err)
	}
	return rec, nil
}

const sessionColumns = `session_id, subject_kind, subject_id, role, issued_at, expires_at, ip, user_agent, valid`

func (s *SQLite) ValidateSession(ctx context.Context, tokenDigest string, now time.Time) (SessionRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE session_id = ?`, tokenDigest)
	rec, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return SessionRecord{}, errs.E(errs.KindUnknown)
	}
	if err != nil {
		return SessionRecord{}, fmt.Errorf("validate session: %w", err)
	}
	if !rec.Valid || now.After(rec.ExpiresAt) {
		return SessionRecord{}, errs.E(errs.KindExpired)
	}
	return rec, nil
}

func (s *SQLite) RevokeSession(ctx context.Context, sessionID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET valid = 0 WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.E(errs.KindUnknown)
	}
	return nil
}

func (s *SQLite) ListSessions(ctx context.Context, activeOnly bool) ([]SessionRecord, error) {
	q := `SELECT ` + sessionColumns + ` FROM sessions`
	if activeOnly {
		q += ` WHERE valid = 1`
	}
	q += ` ORDER BY issued_at DESC`

	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	out := []SessionRecord{}
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("list sessions: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLite) AppendAudit(ctx context.Context, ev AuditEvent) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if ev.Timestamp.Before(s.lastAuditTS) {
		ev.Timestamp = s.lastAuditTS
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (timestamp, actor, action, target, ip, success, details)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		encodeTime(ev.Timestamp), ev.Actor, ev.Action, ev.Target, ev.IP,
		boolInt(ev.Success), ev.Details)
	if err != nil {
		return 0, fmt.Errorf("append audit: %w", err)
	}
	s.lastAuditTS = ev.Timestamp
	return res.LastInsertId()
}

func (s *SQLite) ListAudit(ctx context.Context, f AuditFilter) ([]AuditEvent, error) {
	var (
		conds []string
		args  []any
	)
	if !f.Since.IsZero() {
		conds = append(conds, "timestamp >= ?")
		args = append(args, encodeTime(f.Since))
	}
	if f.Actor != "" {
		conds = append(conds, "actor = ?")
		args = append(args, f.Actor)
	}
	if f.Action != "" {
		conds = append(conds, "action = ?")
		args = append(args, f.Action)
	}

	q := `SELECT id, timestamp, actor, action, target, ip, success, details FROM audit_log`
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY id DESC"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()

	out := []AuditEvent{}
	for rows.Next() {
		var (
			ev      AuditEvent
			ts      string
			success int
		)
		if err := rows.Scan(&ev.ID, &ts, &ev.Actor, &ev.Action, &ev.Target, &ev.IP, &success, &ev.Details); err != nil {
			return nil, fmt.Errorf("list audit: %w", err)
		}
		ev.Success = success != 0
		if ev.Timestamp, err = decodeTime(ts); err != nil {
			return nil, fmt.Errorf("decode timestamp: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Filters return oldest first, matching the in-order audit trail.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *SQLite) Stats(ctx context.Context) (Stats, error) {
	st := Stats{
		LicensesByStatus: make(map[string]int),
		LicensesByType:   make(map[string]int),
	}

	rows, err := s.db.QueryContext(ctx, `SELECT status, type, COUNT(*) FROM licenses GROUP BY status, type`)
	if err != nil {
		return Stats{}, fmt.Errorf("stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status, typ string
		var n int
		if err := rows.Scan(&status, &typ, &n); err != nil {
			return Stats{}, fmt.Errorf("stats: %w", err)
		}
		st.LicensesByStatus[status] += n
		st.LicensesByType[typ] += n
	}
	if err := rows.Err(); err != nil {
		return Stats{}, err
	}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM activations`).Scan(&st.Activations); err != nil {
		return Stats{}, fmt.Errorf("stats: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&st.Users); err != nil {
		return Stats{}, fmt.Errorf("stats: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions WHERE valid = 1`).Scan(&st.ActiveSessions); err != nil {
		return Stats{}, fmt.Errorf("stats: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_log`).Scan(&st.AuditEvents); err != nil {
		return Stats{}, fmt.Errorf("stats: %w", err)
	}
	return st, nil
}

func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
