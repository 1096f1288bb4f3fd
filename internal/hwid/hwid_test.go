package hwid

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeDeterministic(t *testing.T) {
	p := NewProvider()
	first, err := p.Compute()
	require.NoError(t, err)

	second, err := p.Compute()
	require.NoError(t, err)
	assert.Equal(t, first, second)

	// A fresh provider on the same host must agree.
	other, err := NewProvider().Compute()
	require.NoError(t, err)
	assert.Equal(t, first, other)
}

func TestComputeShape(t *testing.T) {
	id, err := NewProvider().Compute()
	require.NoError(t, err)

	assert.Len(t, id, 64, "sha256 hex")
	assert.True(t, Valid(id))
	assert.Equal(t, strings.ToLower(id), id, "canonical lowercase")
}

func TestShort(t *testing.T) {
	assert.Equal(t, "A1B2C3D4E5F6", Short("a1b2c3d4e5f6071829304a5b6c7d8e9f"))
	assert.Equal(t, "AB", Short("ab"))
}

func TestValid(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want bool
	}{
		{"valid", strings.Repeat("ab", 32), true},
		{"too short", "abcd", false},
		{"not hex", strings.Repeat("zz", 32), false},
		{"empty", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Valid(tt.in))
		})
	}
}
