package license

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dlnkd/internal/errs"
)

func TestKeyRoundTrip(t *testing.T) {
	for i := 0; i < 20; i++ {
		id, err := NewLicenseID()
		require.NoError(t, err)
		require.Len(t, id, 16)

		key, err := FormatKey(id)
		require.NoError(t, err)
		require.Len(t, key, 24)

		parsed, err := ParseKey(key)
		require.NoError(t, err)
		assert.Equal(t, id, parsed)
	}
}

func TestFormatKeyIsPure(t *testing.T) {
	k1, err := FormatKey("a1b2c3d4e5f60718")
	require.NoError(t, err)
	k2, err := FormatKey("A1B2C3D4E5F60718")
	require.NoError(t, err)

	assert.Equal(t, "DLNK-A1B2-C3D4-E5F6-0718", k1)
	assert.Equal(t, k1, k2)
}

func TestParseKeyGrammar(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		wantID  string
		wantErr bool
	}{
		{"canonical", "DLNK-A1B2-C3D4-E5F6-0718", "A1B2C3D4E5F60718", false},
		{"lowercase input", "dlnk-a1b2-c3d4-e5f6-0718", "A1B2C3D4E5F60718", false},
		{"surrounding space", "  DLNK-A1B2-C3D4-E5F6-0718 ", "A1B2C3D4E5F60718", false},
		{"wrong prefix", "ISXP-A1B2-C3D4-E5F6-0718", "", true},
		{"missing group", "DLNK-A1B2-C3D4-E5F6", "", true},
		{"extra group", "DLNK-A1B2-C3D4-E5F6-0718-FFFF", "", true},
		{"non-hex chars", "DLNK-A1B2-C3D4-E5F6-071Z", "", true},
		{"group too long", "DLNK-A1B2C-3D4-E5F6-0718", "", true},
		{"no dashes", "DLNKA1B2C3D4E5F60718", "", true},
		{"empty", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := ParseKey(tt.key)
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, errs.KindBadFormat, errs.KindOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantID, id)
		})
	}
}

func TestFormatKeyRejectsBadIDs(t *testing.T) {
	for _, id := range []string{"", "short", "A1B2C3D4E5F6071", "A1B2C3D4E5F60718FF", "ZZZZC3D4E5F60718"} {
		_, err := FormatKey(id)
		assert.Error(t, err, id)
	}
}

func TestMaskKey(t *testing.T) {
	assert.Equal(t, "DLNK-A1B2-****-****-0718", MaskKey("DLNK-A1B2-C3D4-E5F6-0718"))
	assert.Equal(t, "NOTA****", MaskKey("notakeyatall"))
	assert.Equal(t, "****", MaskKey("x"))
}
