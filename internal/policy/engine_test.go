package policy

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dlnkd/internal/config"
	"dlnkd/internal/crypto"
	"dlnkd/internal/errs"
	"dlnkd/internal/license"
	"dlnkd/internal/store"
)

const testHWID = "aaaabbbbccccddddeeeeffff0000111122223333444455556666777788889999"

type testEnv struct {
	engine *Engine
	store  *store.Memory
	clock  time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	cipher, err := crypto.NewCipher([]byte("test-master-secret-of-enough-length"), []byte("test-deployment-salt"))
	require.NoError(t, err)

	st := store.NewMemory()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	audit := store.NewRecorder(st, 256, logger)
	cfg := config.Default()
	cfg.Security.MasterSecret = "test-master-secret-of-enough-length"
	cfg.Security.Salt = "test-deployment-salt"

	env := &testEnv{
		store: st,
		clock: time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC),
	}
	codec := license.NewCodec(cipher)
	codec.SetClock(func() time.Time { return env.clock })
	env.engine = NewEngine(st, codec, cipher,
		crypto.NewTOTPManager(cfg.Security.TOTPIssuer), audit, cfg, logger)
	env.engine.now = func() time.Time { return env.clock }
	return env
}

func (env *testEnv) advance(d time.Duration) { env.clock = env.clock.Add(d) }

func (env *testEnv) issue(t *testing.T, typ license.Type, days int) license.Generated {
	t.Helper()
	gen, err := env.engine.IssueLicense(context.Background(), IssueRequest{
		Type: typ, DurationDays: days, Owner: "Acme", Email: "ops@acme.test", Actor: "admin",
	})
	require.NoError(t, err)
	return gen
}

func (env *testEnv) addUser(t *testing.T, username, password string, role store.Role) store.UserRecord {
	t.Helper()
	rec, err := env.engine.CreateUser(context.Background(), username, password, "", role, "admin", "")
	require.NoError(t, err)
	return rec
}

func TestValidateLicenseBindsThenRecognizes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	gen := env.issue(t, license.TypePro, 30)

	res, err := env.engine.ValidateLicense(ctx, gen.Key, testHWID, "1.2.3.4")
	require.NoError(t, err)
	assert.Equal(t, store.FirstBind, res.Outcome)
	assert.Equal(t, license.StatusActive, res.Status)
	assert.Contains(t, res.Features, "code_complete")
	assert.Equal(t, 30, res.DaysRemaining)
	assert.False(t, res.ExpiryWarning)
	assert.NotEmpty(t, res.GraceToken)

	res, err = env.engine.ValidateLicense(ctx, gen.Key, testHWID, "1.2.3.4")
	require.NoError(t, err)
	assert.Equal(t, store.Bound, res.Outcome)
}

func TestValidateLicenseRejectsOtherHardware(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	gen := env.issue(t, license.TypePro, 30)

	_, err := env.engine.ValidateLicense(ctx, gen.Key, testHWID, "")
	require.NoError(t, err)

	_, err = env.engine.ValidateLicense(ctx, gen.Key, "different-machine", "")
	assert.Equal(t, errs.KindHardwareMismatch, errs.KindOf(err))

	// Binding unchanged after the conflict.
	res, err := env.engine.ValidateLicense(ctx, gen.Key, testHWID, "")
	require.NoError(t, err)
	assert.Equal(t, store.Bound, res.Outcome)
}

func TestValidateLicenseFailureModes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	gen := env.issue(t, license.TypeTrial, 7)

	tests := []struct {
		name string
		key  string
		hwid string
		want errs.Kind
	}{
		{"garbage key", "not-a-key", testHWID, errs.KindBadFormat},
		{"missing hardware id", gen.Key, "  ", errs.KindBadFormat},
		{"unknown key", "DLNK-FFFF-FFFF-FFFF-FFFF", testHWID, errs.KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.engine.ValidateLicense(ctx, tt.key, tt.hwid, "")
			assert.Equal(t, tt.want, errs.KindOf(err))
		})
	}
}

func TestValidateLicenseExpiryTransition(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	gen := env.issue(t, license.TypeTrial, 7)

	env.advance(8 * 24 * time.Hour)
	_, err := env.engine.ValidateLicense(ctx, gen.Key, testHWID, "")
	assert.Equal(t, errs.KindExpired, errs.KindOf(err))

	rec, err := env.store.GetLicense(ctx, gen.Payload.LicenseID)
	require.NoError(t, err)
	assert.Equal(t, license.StatusExpired, rec.Status)
}

func TestValidateLicenseRevoked(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	gen := env.issue(t, license.TypePro, 30)

	require.NoError(t, env.engine.RevokeLicense(ctx, gen.Key, "admin", ""))

	_, err := env.engine.ValidateLicense(ctx, gen.Key, testHWID, "")
	assert.Equal(t, errs.KindRevoked, errs.KindOf(err))
}

func TestValidateLicenseExpiryWarning(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	gen := env.issue(t, license.TypePro, 30)

	env.advance(24 * 24 * time.Hour)
	res, err := env.engine.ValidateLicense(ctx, gen.Key, testHWID, "")
	require.NoError(t, err)
	assert.Equal(t, 6, res.DaysRemaining)
	assert.True(t, res.ExpiryWarning)
}

func TestGraceTokenWindow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	gen := env.issue(t, license.TypePro, 30)

	res, err := env.engine.ValidateLicense(ctx, gen.Key, testHWID, "")
	require.NoError(t, err)

	env.advance(3 * 24 * time.Hour)
	grace, err := env.engine.CheckGrace(res.GraceToken, testHWID)
	require.NoError(t, err)
	assert.Equal(t, gen.Payload.LicenseID, grace.LicenseID)
	assert.Equal(t, 4, grace.DaysLeft)

	// Wrong machine never honors the token.
	_, err = env.engine.CheckGrace(res.GraceToken, "other-machine")
	assert.Equal(t, errs.KindHardwareMismatch, errs.KindOf(err))

	// Past the window the token is dead.
	env.advance(5 * 24 * time.Hour)
	_, err = env.engine.CheckGrace(res.GraceToken, testHWID)
	assert.Equal(t, errs.KindExpired, errs.KindOf(err))

	// Tampered tokens are rejected outright.
	_, err = env.engine.CheckGrace("bm90LWEtdG9rZW4=", testHWID)
	assert.Equal(t, errs.KindMalformed, errs.KindOf(err))
}

func TestLoginSuccess(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.addUser(t, "alice", "correct-horse-battery", store.RoleAdmin)

	res, err := env.engine.Login(ctx, LoginRequest{Username: "alice", Password: "correct-horse-battery", IP: "10.0.0.1"})
	require.NoError(t, err)
	assert.NotEmpty(t, res.Token)
	assert.Equal(t, user.UserID, res.UserID)
	assert.Equal(t, store.RoleAdmin, res.Role)
	assert.True(t, res.MustChangePassword)
	assert.Equal(t, env.clock.Add(24*time.Hour), res.ExpiresAt)

	// The opened session resolves by token digest.
	sess, err := env.store.ValidateSession(ctx, crypto.HashToken(res.Token), env.clock)
	require.NoError(t, err)
	assert.Equal(t, user.UserID, sess.SubjectID)
}

func TestLoginInvalidCredentials(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.addUser(t, "alice", "correct-horse-battery", store.RoleUser)

	_, err := env.engine.Login(ctx, LoginRequest{Username: "alice", Password: "wrong"})
	assert.Equal(t, errs.KindInvalidCredentials, errs.KindOf(err))

	_, err = env.engine.Login(ctx, LoginRequest{Username: "nobody", Password: "whatever"})
	assert.Equal(t, errs.KindInvalidCredentials, errs.KindOf(err))
}

func TestLoginLockout(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.addUser(t, "alice", "correct-horse-battery", store.RoleUser)

	for i := 0; i < 4; i++ {
		_, err := env.engine.Login(ctx, LoginRequest{Username: "alice", Password: "wrong"})
		assert.Equal(t, errs.KindInvalidCredentials, errs.KindOf(err))
	}

	// Fifth failure trips the lockout.
	_, err := env.engine.Login(ctx, LoginRequest{Username: "alice", Password: "wrong"})
	require.Equal(t, errs.KindLocked, errs.KindOf(err))
	assert.Equal(t, 30*time.Minute, errs.AsError(err).RetryAfter)

	// Even the correct password is rejected while locked, with the
	// remaining window reported.
	env.advance(10 * time.Minute)
	_, err = env.engine.Login(ctx, LoginRequest{Username: "alice", Password: "correct-horse-battery"})
	require.Equal(t, errs.KindLocked, errs.KindOf(err))
	assert.Equal(t, 20*time.Minute, errs.AsError(err).RetryAfter)

	// After the window the account works again and the counter resets.
	env.advance(21 * time.Minute)
	_, err = env.engine.Login(ctx, LoginRequest{Username: "alice", Password: "correct-horse-battery"})
	require.NoError(t, err)

	user, err := env.store.GetUserByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Zero(t, user.FailedAttempts)
	assert.Nil(t, user.LockedUntil)
}

func TestLoginTOTPFlow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.addUser(t, "alice", "correct-horse-battery", store.RoleAdmin)

	secret, uri, err := env.engine.EnrollTOTP(ctx, user.UserID)
	require.NoError(t, err)
	assert.NotEmpty(t, secret)
	assert.Contains(t, uri, "otpauth://")

	// Enrolment is inert until confirmed.
	res, err := env.engine.Login(ctx, LoginRequest{Username: "alice", Password: "correct-horse-battery"})
	require.NoError(t, err)
	assert.NotEmpty(t, res.Token)

	code, err := env.engine.totp.Code(secret, env.clock)
	require.NoError(t, err)
	require.NoError(t, env.engine.ConfirmTOTP(ctx, user.UserID, code, ""))

	// Now a code is demanded.
	res, err = env.engine.Login(ctx, LoginRequest{Username: "alice", Password: "correct-horse-battery"})
	require.NoError(t, err)
	assert.True(t, res.TOTPRequired)
	assert.Empty(t, res.Token)

	_, err = env.engine.Login(ctx, LoginRequest{Username: "alice", Password: "correct-horse-battery", TOTPCode: "000000"})
	assert.Equal(t, errs.KindInvalidCredentials, errs.KindOf(err))

	code, err = env.engine.totp.Code(secret, env.clock)
	require.NoError(t, err)
	res, err = env.engine.Login(ctx, LoginRequest{Username: "alice", Password: "correct-horse-battery", TOTPCode: code})
	require.NoError(t, err)
	assert.NotEmpty(t, res.Token)
}

func TestLogoutInvalidatesSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.addUser(t, "alice", "correct-horse-battery", store.RoleUser)

	res, err := env.engine.Login(ctx, LoginRequest{Username: "alice", Password: "correct-horse-battery"})
	require.NoError(t, err)

	digest := crypto.HashToken(res.Token)
	require.NoError(t, env.engine.Logout(ctx, digest, "alice", ""))

	_, err = env.store.ValidateSession(ctx, digest, env.clock)
	assert.Equal(t, errs.KindExpired, errs.KindOf(err))
}

func TestChangePassword(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.addUser(t, "alice", "correct-horse-battery", store.RoleUser)

	err := env.engine.ChangePassword(ctx, user.UserID, "wrong", "new-password-123", "")
	assert.Equal(t, errs.KindInvalidCredentials, errs.KindOf(err))

	err = env.engine.ChangePassword(ctx, user.UserID, "correct-horse-battery", "short", "")
	assert.Equal(t, errs.KindBadFormat, errs.KindOf(err))

	require.NoError(t, env.engine.ChangePassword(ctx, user.UserID, "correct-horse-battery", "new-password-123", ""))

	res, err := env.engine.Login(ctx, LoginRequest{Username: "alice", Password: "new-password-123"})
	require.NoError(t, err)
	assert.False(t, res.MustChangePassword)

	_, err = env.engine.Login(ctx, LoginRequest{Username: "alice", Password: "correct-horse-battery"})
	assert.Equal(t, errs.KindInvalidCredentials, errs.KindOf(err))
}

func TestExtendLicense(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	gen := env.issue(t, license.TypePro, 30)

	rec, err := env.engine.ExtendLicense(ctx, gen.Key, 60, "admin", "")
	require.NoError(t, err)
	assert.Equal(t, gen.Payload.ExpiresAt.AddDate(0, 0, 60), rec.ExpiresAt)

	// The resealed blob carries the new expiry.
	payload, err := env.engine.codec.Parse(rec.SealedBlob)
	require.NoError(t, err)
	assert.True(t, rec.ExpiresAt.Equal(payload.ExpiresAt))

	// An expired license extends from now, not from the stale expiry.
	env.advance(120 * 24 * time.Hour)
	rec, err = env.engine.ExtendLicense(ctx, gen.Key, 30, "admin", "")
	require.NoError(t, err)
	assert.Equal(t, env.clock.AddDate(0, 0, 30), rec.ExpiresAt)
	assert.Equal(t, license.StatusActive, rec.Status)

	require.NoError(t, env.engine.RevokeLicense(ctx, gen.Key, "admin", ""))
	_, err = env.engine.ExtendLicense(ctx, gen.Key, 30, "admin", "")
	assert.Equal(t, errs.KindConflict, errs.KindOf(err))
}

func TestRebindLicense(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	gen := env.issue(t, license.TypePro, 30)

	_, err := env.engine.ValidateLicense(ctx, gen.Key, testHWID, "")
	require.NoError(t, err)

	require.NoError(t, env.engine.RebindLicense(ctx, gen.Key, "new-machine-id", "admin", ""))

	res, err := env.engine.ValidateLicense(ctx, gen.Key, "new-machine-id", "")
	require.NoError(t, err)
	assert.Equal(t, store.Bound, res.Outcome)

	_, err = env.engine.ValidateLicense(ctx, gen.Key, testHWID, "")
	assert.Equal(t, errs.KindHardwareMismatch, errs.KindOf(err))
}

func TestRevokeIsTerminal(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	gen := env.issue(t, license.TypePro, 30)

	require.NoError(t, env.engine.RevokeLicense(ctx, gen.Key, "admin", ""))
	// Idempotent on repeat.
	require.NoError(t, env.engine.RevokeLicense(ctx, gen.Key, "admin", ""))
}

func TestCreateUserValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.engine.CreateUser(ctx, "", "long-enough-pw", "", store.RoleUser, "admin", "")
	assert.Equal(t, errs.KindBadFormat, errs.KindOf(err))

	_, err = env.engine.CreateUser(ctx, "bob", "short", "", store.RoleUser, "admin", "")
	assert.Equal(t, errs.KindBadFormat, errs.KindOf(err))

	_, err = env.engine.CreateUser(ctx, "bob", "long-enough-pw", "", store.Role("root"), "admin", "")
	assert.Equal(t, errs.KindBadFormat, errs.KindOf(err))

	_, err = env.engine.CreateUser(ctx, "bob", "long-enough-pw", "", store.RoleUser, "admin", "")
	require.NoError(t, err)
	_, err = env.engine.CreateUser(ctx, "bob", "long-enough-pw", "", store.RoleUser, "admin", "")
	assert.Equal(t, errs.KindConflict, errs.KindOf(err))
}
