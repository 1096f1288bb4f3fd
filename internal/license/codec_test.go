package license

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dlnkd/internal/crypto"
	"dlnkd/internal/errs"
)

func testCodec(t *testing.T) *Codec {
	t.Helper()
	cipher, err := crypto.NewCipher([]byte("test-master-secret-of-enough-length"), []byte("test-deployment-salt"))
	require.NoError(t, err)
	return NewCodec(cipher)
}

func TestGenerateAndParse(t *testing.T) {
	c := testCodec(t)

	gen, err := c.Generate("user-1", TypePro, 30, nil, "Acme", "ops@acme.test")
	require.NoError(t, err)

	assert.Regexp(t, `^DLNK(-[0-9A-F]{4}){4}$`, gen.Key)
	assert.Equal(t, TypePro, gen.Payload.Type)
	assert.Equal(t, "Acme", gen.Payload.Owner)
	assert.True(t, gen.Payload.ExpiresAt.After(gen.Payload.CreatedAt))
	assert.WithinDuration(t, gen.Payload.CreatedAt.AddDate(0, 0, 30), gen.Payload.ExpiresAt, time.Second)

	// Key derives from the license id deterministically.
	key, err := FormatKey(gen.Payload.LicenseID)
	require.NoError(t, err)
	assert.Equal(t, gen.Key, key)

	parsed, err := c.Parse(gen.Blob)
	require.NoError(t, err)
	assert.Equal(t, gen.Payload, parsed)
}

func TestGenerateRejectsBadInput(t *testing.T) {
	c := testCodec(t)

	tests := []struct {
		name     string
		typ      Type
		days     int
		features []string
	}{
		{"unknown type", Type("platinum"), 30, nil},
		{"zero duration", TypePro, 0, nil},
		{"negative duration", TypePro, -5, nil},
		{"unknown feature", TypePro, 30, []string{"time_travel"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Generate("u", tt.typ, tt.days, tt.features, "", "")
			assert.Error(t, err)
		})
	}
}

func TestGenerateAllowsEnterpriseFeatureOverride(t *testing.T) {
	c := testCodec(t)

	// A pro license may carry individual enterprise features as an
	// additive override.
	gen, err := c.Generate("u", TypePro, 30, []string{"api_access"}, "", "")
	require.NoError(t, err)
	assert.Contains(t, gen.Payload.Features, "api_access")
}

func TestParseRejectsForeignBlob(t *testing.T) {
	c := testCodec(t)

	_, err := c.Parse("not-a-blob")
	assert.Equal(t, errs.KindMalformed, errs.KindOf(err))

	other, cerr := crypto.NewCipher([]byte("a-different-master-secret-entirely!"), []byte("test-deployment-salt"))
	require.NoError(t, cerr)
	blob, serr := NewCodec(other).Seal(Payload{
		LicenseID: "A1B2C3D4E5F60718",
		UserID:    "u",
		Type:      TypePro,
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().AddDate(0, 0, 1),
	})
	require.NoError(t, serr)

	_, err = c.Parse(blob)
	assert.Equal(t, errs.KindTampered, errs.KindOf(err))
}

func TestParseRejectsBadSchema(t *testing.T) {
	c := testCodec(t)
	now := time.Now().UTC()

	tests := []struct {
		name string
		p    Payload
	}{
		{"missing license id", Payload{UserID: "u", Type: TypePro, CreatedAt: now, ExpiresAt: now.AddDate(0, 0, 1)}},
		{"missing user id", Payload{LicenseID: "A1B2C3D4E5F60718", Type: TypePro, CreatedAt: now, ExpiresAt: now.AddDate(0, 0, 1)}},
		{"bad type", Payload{LicenseID: "A1B2C3D4E5F60718", UserID: "u", Type: "gold", CreatedAt: now, ExpiresAt: now.AddDate(0, 0, 1)}},
		{"expiry before creation", Payload{LicenseID: "A1B2C3D4E5F60718", UserID: "u", Type: TypePro, CreatedAt: now, ExpiresAt: now.AddDate(0, 0, -1)}},
		{"forbidden feature", Payload{LicenseID: "A1B2C3D4E5F60718", UserID: "u", Type: TypeTrial, CreatedAt: now, ExpiresAt: now.AddDate(0, 0, 1), Features: []string{"not_a_feature"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			blob, err := c.Seal(tt.p)
			require.NoError(t, err)
			_, err = c.Parse(blob)
			require.Error(t, err)
			assert.Equal(t, errs.KindMalformed, errs.KindOf(err))
		})
	}
}

func TestExpandFeatures(t *testing.T) {
	got := ExpandFeatures(TypeTrial, []string{"api_access", "ai_chat"})
	assert.Equal(t, []string{"ai_chat", "api_access", "basic_code_assist"}, got)

	// Additive only: base features always present.
	got = ExpandFeatures(TypePro, nil)
	assert.Contains(t, got, "code_complete")
	assert.Contains(t, got, "priority_support")
}

func TestDaysRemaining(t *testing.T) {
	now := time.Date(2025, 12, 25, 12, 0, 0, 0, time.UTC)
	p := Payload{ExpiresAt: now.AddDate(0, 0, 30)}

	assert.Equal(t, 30, p.DaysRemaining(now))
	assert.Equal(t, 0, p.DaysRemaining(now.AddDate(0, 0, 31)))
	assert.False(t, p.Expired(now))
	assert.True(t, p.Expired(now.AddDate(0, 0, 31)))
}
