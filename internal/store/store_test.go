package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dlnkd/internal/errs"
	"dlnkd/internal/license"
)

// Both adapters must satisfy the same contract, so every test runs
// against each.
func forEachStore(t *testing.T, fn func(t *testing.T, st Store)) {
	t.Helper()

	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemory())
	})
	t.Run("sqlite", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "test.db")
		st, err := OpenSQLite(context.Background(), path)
		require.NoError(t, err)
		t.Cleanup(func() { st.Close() })
		fn(t, st)
	})
}

func testLicense(id string) LicenseRecord {
	now := time.Now().UTC().Truncate(time.Second)
	return LicenseRecord{
		LicenseID:  id,
		Key:        "DLNK-" + id[:4] + "-" + id[4:8] + "-" + id[8:12] + "-" + id[12:16],
		UserID:     "user-1",
		Type:       license.TypePro,
		Status:     license.StatusActive,
		CreatedAt:  now,
		ExpiresAt:  now.AddDate(0, 0, 30),
		Features:   []string{"api_access"},
		Owner:      "Acme",
		Email:      "ops@acme.test",
		SealedBlob: "blob",
	}
}

func TestLicenseLifecycle(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		rec := testLicense("A1B2C3D4E5F60718")

		require.NoError(t, st.PutLicense(ctx, rec))

		got, err := st.GetLicense(ctx, rec.LicenseID)
		require.NoError(t, err)
		assert.Equal(t, rec.Key, got.Key)
		assert.Equal(t, rec.Features, got.Features)
		assert.True(t, rec.ExpiresAt.Equal(got.ExpiresAt))

		_, err = st.GetLicense(ctx, "FFFFFFFFFFFFFFFF")
		assert.Equal(t, errs.KindUnknown, errs.KindOf(err))

		require.NoError(t, st.SetLicenseStatus(ctx, rec.LicenseID, license.StatusExpired))
		got, err = st.GetLicense(ctx, rec.LicenseID)
		require.NoError(t, err)
		assert.Equal(t, license.StatusExpired, got.Status)
	})
}

func TestRevokedLicenseIsTerminal(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		rec := testLicense("A1B2C3D4E5F60718")
		require.NoError(t, st.PutLicense(ctx, rec))

		require.NoError(t, st.SetLicenseStatus(ctx, rec.LicenseID, license.StatusRevoked))

		err := st.SetLicenseStatus(ctx, rec.LicenseID, license.StatusActive)
		assert.Equal(t, errs.KindConflict, errs.KindOf(err))

		err = st.ExtendLicense(ctx, rec.LicenseID, time.Now().AddDate(1, 0, 0), "new-blob")
		assert.Equal(t, errs.KindConflict, errs.KindOf(err))

		got, err := st.GetLicense(ctx, rec.LicenseID)
		require.NoError(t, err)
		assert.Equal(t, license.StatusRevoked, got.Status)
	})
}

func TestExtendRevivesExpiredLicense(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		rec := testLicense("A1B2C3D4E5F60718")
		require.NoError(t, st.PutLicense(ctx, rec))
		require.NoError(t, st.SetLicenseStatus(ctx, rec.LicenseID, license.StatusExpired))

		newExpiry := time.Now().UTC().AddDate(0, 0, 90).Truncate(time.Second)
		require.NoError(t, st.ExtendLicense(ctx, rec.LicenseID, newExpiry, "new-blob"))

		got, err := st.GetLicense(ctx, rec.LicenseID)
		require.NoError(t, err)
		assert.Equal(t, license.StatusActive, got.Status)
		assert.True(t, newExpiry.Equal(got.ExpiresAt))
		assert.Equal(t, "new-blob", got.SealedBlob)
	})
}

func TestListLicensesFilter(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		for i, typ := range []license.Type{license.TypeTrial, license.TypePro, license.TypeEnterprise} {
			rec := testLicense(fmt.Sprintf("A1B2C3D4E5F6071%d", i))
			rec.Type = typ
			rec.CreatedAt = rec.CreatedAt.Add(time.Duration(i) * time.Minute)
			require.NoError(t, st.PutLicense(ctx, rec))
		}

		all, err := st.ListLicenses(ctx, LicenseFilter{})
		require.NoError(t, err)
		assert.Len(t, all, 3)

		pro, err := st.ListLicenses(ctx, LicenseFilter{Type: license.TypePro})
		require.NoError(t, err)
		require.Len(t, pro, 1)
		assert.Equal(t, license.TypePro, pro[0].Type)

		byOwner, err := st.ListLicenses(ctx, LicenseFilter{Query: "acme"})
		require.NoError(t, err)
		assert.Len(t, byOwner, 3)

		page, err := st.ListLicenses(ctx, LicenseFilter{Limit: 2, Offset: 2})
		require.NoError(t, err)
		assert.Len(t, page, 1)
	})
}

func TestActivationBinding(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		rec := testLicense("A1B2C3D4E5F60718")
		require.NoError(t, st.PutLicense(ctx, rec))
		now := time.Now().UTC().Truncate(time.Second)

		out, err := st.RecordActivation(ctx, rec.LicenseID, "hw-aaa", now)
		require.NoError(t, err)
		assert.Equal(t, FirstBind, out)

		out, err = st.RecordActivation(ctx, rec.LicenseID, "hw-aaa", now.Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, Bound, out)

		out, err = st.RecordActivation(ctx, rec.LicenseID, "hw-bbb", now)
		require.NoError(t, err)
		assert.Equal(t, Conflict, out)

		act, err := st.GetActivation(ctx, rec.LicenseID)
		require.NoError(t, err)
		assert.Equal(t, "hw-aaa", act.HardwareID)
		assert.Equal(t, int64(2), act.Count)
		assert.True(t, act.LastSeen.After(act.FirstSeen))
	})
}

func TestRebindActivation(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		rec := testLicense("A1B2C3D4E5F60718")
		require.NoError(t, st.PutLicense(ctx, rec))
		now := time.Now().UTC().Truncate(time.Second)

		_, err := st.RecordActivation(ctx, rec.LicenseID, "hw-old", now)
		require.NoError(t, err)

		require.NoError(t, st.RebindActivation(ctx, rec.LicenseID, "hw-new", now.Add(time.Hour)))

		out, err := st.RecordActivation(ctx, rec.LicenseID, "hw-new", now.Add(2*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, Bound, out)

		err = st.RebindActivation(ctx, "FFFFFFFFFFFFFFFF", "hw-x", now)
		assert.Equal(t, errs.KindUnknown, errs.KindOf(err))
	})
}

func TestConcurrentFirstActivation(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		rec := testLicense("A1B2C3D4E5F60718")
		require.NoError(t, st.PutLicense(ctx, rec))

		const workers = 16
		outcomes := make([]ActivationOutcome, workers)
		errors := make([]error, workers)
		var wg sync.WaitGroup
		wg.Add(workers)
		for i := 0; i < workers; i++ {
			go func(i int) {
				defer wg.Done()
				outcomes[i], errors[i] = st.RecordActivation(ctx, rec.LicenseID, fmt.Sprintf("hw-%d", i), time.Now().UTC())
			}(i)
		}
		wg.Wait()
		for i, err := range errors {
			require.NoError(t, err, "worker %d", i)
		}

		firsts, conflicts := 0, 0
		for _, o := range outcomes {
			switch o {
			case FirstBind:
				firsts++
			case Conflict:
				conflicts++
			}
		}
		assert.Equal(t, 1, firsts, "exactly one goroutine wins the bind")
		assert.Equal(t, workers-1, conflicts)
	})
}

func TestUserLifecycle(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		now := time.Now().UTC().Truncate(time.Second)
		rec := UserRecord{
			UserID:       "u-1",
			Username:     "admin",
			Email:        "admin@dlnk.test",
			PasswordHash: "hash",
			Salt:         "salt",
			Role:         RoleAdmin,
			Active:       true,
			CreatedAt:    now,
		}
		require.NoError(t, st.CreateUser(ctx, rec))

		err := st.CreateUser(ctx, UserRecord{UserID: "u-2", Username: "admin", Role: RoleUser, CreatedAt: now, PasswordHash: "h", Salt: "s"})
		assert.Equal(t, errs.KindConflict, errs.KindOf(err))

		got, err := st.GetUserByUsername(ctx, "admin")
		require.NoError(t, err)
		assert.Equal(t, "u-1", got.UserID)
		assert.Nil(t, got.LockedUntil)

		got.TOTPSecret = "JBSWY3DPEHPK3PXP"
		got.MustChangePassword = true
		require.NoError(t, st.UpdateUser(ctx, got))

		got, err = st.GetUser(ctx, "u-1")
		require.NoError(t, err)
		assert.Equal(t, "JBSWY3DPEHPK3PXP", got.TOTPSecret)
		assert.True(t, got.MustChangePassword)

		_, err = st.GetUser(ctx, "nope")
		assert.Equal(t, errs.KindUnknown, errs.KindOf(err))
	})
}

func TestFailedAttemptCounter(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		now := time.Now().UTC().Truncate(time.Second)
		require.NoError(t, st.CreateUser(ctx, UserRecord{
			UserID: "u-1", Username: "bob", PasswordHash: "h", Salt: "s",
			Role: RoleUser, Active: true, CreatedAt: now,
		}))

		lockUntil := now.Add(30 * time.Minute)
		for i := 1; i <= 4; i++ {
			n, locked, err := st.BumpFailed(ctx, "u-1", 5, lockUntil)
			require.NoError(t, err)
			assert.Equal(t, i, n)
			assert.False(t, locked)

			got, err := st.GetUser(ctx, "u-1")
			require.NoError(t, err)
			assert.Nil(t, got.LockedUntil, "no lock below the threshold")
		}

		n, locked, err := st.BumpFailed(ctx, "u-1", 5, lockUntil)
		require.NoError(t, err)
		assert.Equal(t, 5, n)
		assert.True(t, locked)

		got, err := st.GetUser(ctx, "u-1")
		require.NoError(t, err)
		require.NotNil(t, got.LockedUntil)
		assert.True(t, lockUntil.Equal(*got.LockedUntil))

		require.NoError(t, st.ClearFailed(ctx, "u-1", now))
		got, err = st.GetUser(ctx, "u-1")
		require.NoError(t, err)
		assert.Zero(t, got.FailedAttempts)
		assert.Nil(t, got.LockedUntil)
		require.NotNil(t, got.LastLogin)
	})
}

func TestConcurrentFailuresAlwaysLock(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		now := time.Now().UTC().Truncate(time.Second)
		require.NoError(t, st.CreateUser(ctx, UserRecord{
			UserID: "u-1", Username: "bob", PasswordHash: "h", Salt: "s",
			Role: RoleUser, Active: true, CreatedAt: now,
		}))

		lockUntil := now.Add(30 * time.Minute)
		var wg sync.WaitGroup
		bumpErrs := make([]error, 5)
		for i := 0; i < 5; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, _, bumpErrs[i] = st.BumpFailed(ctx, "u-1", 5, lockUntil)
			}(i)
		}
		wg.Wait()
		for _, err := range bumpErrs {
			require.NoError(t, err)
		}

		// Racing attempts must never leave the counter at the threshold
		// with no lockout deadline.
		got, err := st.GetUser(ctx, "u-1")
		require.NoError(t, err)
		assert.Equal(t, 5, got.FailedAttempts)
		require.NotNil(t, got.LockedUntil)
		assert.True(t, lockUntil.Equal(*got.LockedUntil))
	})
}

func TestAuditTimestampsFollowIDs(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		base := time.Now().UTC().Truncate(time.Second)

		// Producers stamp events before enqueueing, so an earlier
		// timestamp can arrive after a later one. The trail is ordered
		// by id; stored timestamps must never run backwards against it.
		_, err := st.AppendAudit(ctx, AuditEvent{Timestamp: base.Add(5 * time.Second), Actor: "a", Action: ActionLogin})
		require.NoError(t, err)
		_, err = st.AppendAudit(ctx, AuditEvent{Timestamp: base, Actor: "b", Action: ActionLogin})
		require.NoError(t, err)

		var wg sync.WaitGroup
		appendErrs := make([]error, 16)
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, appendErrs[i] = st.AppendAudit(ctx, AuditEvent{
					Timestamp: base.Add(time.Duration(16-i) * time.Millisecond),
					Action:    ActionLogout,
				})
			}(i)
		}
		wg.Wait()
		for _, err := range appendErrs {
			require.NoError(t, err)
		}

		events, err := st.ListAudit(ctx, AuditFilter{})
		require.NoError(t, err)
		require.Len(t, events, 18)
		for i := 1; i < len(events); i++ {
			assert.Less(t, events[i-1].ID, events[i].ID)
			assert.False(t, events[i].Timestamp.Before(events[i-1].Timestamp),
				"timestamp at id %d precedes timestamp at id %d", events[i].ID, events[i-1].ID)
		}
	})
}

func TestSessionLifecycle(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		now := time.Now().UTC().Truncate(time.Second)
		rec := SessionRecord{
			ID:          "digest-1",
			SubjectKind: SubjectUser,
			SubjectID:   "u-1",
			Role:        RoleAdmin,
			IssuedAt:    now,
			ExpiresAt:   now.Add(24 * time.Hour),
			IP:          "127.0.0.1",
			UserAgent:   "test",
			Valid:       true,
		}
		require.NoError(t, st.OpenSession(ctx, rec))

		got, err := st.ValidateSession(ctx, "digest-1", now.Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, "u-1", got.SubjectID)
		assert.Equal(t, RoleAdmin, got.Role)

		_, err = st.ValidateSession(ctx, "digest-1", now.Add(25*time.Hour))
		assert.Equal(t, errs.KindExpired, errs.KindOf(err))

		_, err = st.ValidateSession(ctx, "no-such-digest", now)
		assert.Equal(t, errs.KindUnknown, errs.KindOf(err))

		require.NoError(t, st.RevokeSession(ctx, "digest-1"))
		_, err = st.ValidateSession(ctx, "digest-1", now.Add(time.Hour))
		assert.Equal(t, errs.KindExpired, errs.KindOf(err))

		active, err := st.ListSessions(ctx, true)
		require.NoError(t, err)
		assert.Empty(t, active)

		all, err := st.ListSessions(ctx, false)
		require.NoError(t, err)
		assert.Len(t, all, 1)
	})
}

func TestAuditAppendAndFilter(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		base := time.Now().UTC().Truncate(time.Second)

		var lastID int64
		for i := 0; i < 5; i++ {
			actor := "admin"
			if i%2 == 1 {
				actor = "system"
			}
			id, err := st.AppendAudit(ctx, AuditEvent{
				Timestamp: base.Add(time.Duration(i) * time.Second),
				Actor:     actor,
				Action:    ActionLicenseValidate,
				Target:    fmt.Sprintf("lic-%d", i),
				Success:   true,
			})
			require.NoError(t, err)
			assert.Greater(t, id, lastID, "ids increase monotonically")
			lastID = id
		}

		all, err := st.ListAudit(ctx, AuditFilter{})
		require.NoError(t, err)
		assert.Len(t, all, 5)

		byActor, err := st.ListAudit(ctx, AuditFilter{Actor: "system"})
		require.NoError(t, err)
		assert.Len(t, byActor, 2)

		recent, err := st.ListAudit(ctx, AuditFilter{Since: base.Add(3 * time.Second)})
		require.NoError(t, err)
		assert.Len(t, recent, 2)

		limited, err := st.ListAudit(ctx, AuditFilter{Limit: 2})
		require.NoError(t, err)
		require.Len(t, limited, 2)
		assert.Equal(t, "lic-3", limited[0].Target)
		assert.Equal(t, "lic-4", limited[1].Target)
	})
}

func TestStats(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		now := time.Now().UTC().Truncate(time.Second)

		lic := testLicense("A1B2C3D4E5F60718")
		require.NoError(t, st.PutLicense(ctx, lic))
		lic2 := testLicense("B1B2C3D4E5F60718")
		lic2.Type = license.TypeTrial
		require.NoError(t, st.PutLicense(ctx, lic2))
		require.NoError(t, st.SetLicenseStatus(ctx, lic2.LicenseID, license.StatusRevoked))

		_, err := st.RecordActivation(ctx, lic.LicenseID, "hw-1", now)
		require.NoError(t, err)
		require.NoError(t, st.CreateUser(ctx, UserRecord{UserID: "u-1", Username: "a", PasswordHash: "h", Salt: "s", Role: RoleUser, CreatedAt: now}))
		require.NoError(t, st.OpenSession(ctx, SessionRecord{ID: "d1", SubjectKind: SubjectUser, SubjectID: "u-1", Role: RoleUser, IssuedAt: now, ExpiresAt: now.Add(time.Hour), Valid: true}))
		_, err = st.AppendAudit(ctx, AuditEvent{Action: ActionLogin, Actor: "a", Success: true})
		require.NoError(t, err)

		stats, err := st.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, stats.LicensesByStatus["active"])
		assert.Equal(t, 1, stats.LicensesByStatus["revoked"])
		assert.Equal(t, 1, stats.LicensesByType["pro"])
		assert.Equal(t, 1, stats.LicensesByType["trial"])
		assert.Equal(t, 1, stats.Activations)
		assert.Equal(t, 1, stats.Users)
		assert.Equal(t, 1, stats.ActiveSessions)
		assert.Equal(t, int64(1), stats.AuditEvents)
	})
}
