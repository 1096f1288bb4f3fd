package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dlnkd/internal/errs"
)

func TestGateEnforcesBurst(t *testing.T) {
	g := NewGate(5, 1000)

	for i := 0; i < 5; i++ {
		require.NoError(t, g.Allow("client-a"), "request %d within burst", i)
	}

	err := g.Allow("client-a")
	require.Equal(t, errs.KindRateLimited, errs.KindOf(err))
	assert.Greater(t, errs.AsError(err).RetryAfter, time.Duration(0))

	// Other subjects are unaffected.
	assert.NoError(t, g.Allow("client-b"))
}

func TestGateHourlyCeiling(t *testing.T) {
	g := NewGate(1000, 3)

	for i := 0; i < 3; i++ {
		require.NoError(t, g.Allow("client-a"))
	}
	err := g.Allow("client-a")
	assert.Equal(t, errs.KindRateLimited, errs.KindOf(err))
}

func TestGatePrune(t *testing.T) {
	g := NewGate(10, 100)
	require.NoError(t, g.Allow("client-a"))
	require.NoError(t, g.Allow("client-b"))
	assert.Equal(t, 2, g.Len())

	// Nothing is idle yet.
	assert.Zero(t, g.Prune(time.Minute))

	// With a zero idle allowance everything goes.
	assert.Equal(t, 2, g.Prune(0))
	assert.Zero(t, g.Len())
}
