package domain

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to SignalStatus
		ok       bool
	}{
		{StatusPending, StatusSized, true},
		{StatusPending, StatusSkipped, true},
		{StatusPending, StatusError, true},
		{StatusPending, StatusFilled, false},
		{StatusSized, StatusSent, true},
		{StatusSized, StatusFilled, true},
		{StatusSized, StatusSkipped, true},
		{StatusSized, StatusPending, false},
		{StatusSent, StatusFilled, true},
		{StatusSent, StatusRejected, true},
		{StatusSent, StatusError, true},
		{StatusSent, StatusSkipped, false},
		{StatusFilled, StatusError, false},
		{StatusRejected, StatusSent, false},
		{StatusSkipped, StatusSized, false},
		{StatusError, StatusPending, false},
	}
	for _, tc := range cases {
		assert.Equalf(t, tc.ok, tc.from.CanTransition(tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestStatusTransitionError(t *testing.T) {
	err := StatusFilled.Transition(StatusSent)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrIllegalTransition)
}

func TestTerminalStatuses(t *testing.T) {
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusSized.Terminal())
	assert.False(t, StatusSent.Terminal())
	assert.True(t, StatusFilled.Terminal())
	assert.True(t, StatusRejected.Terminal())
	assert.True(t, StatusSkipped.Terminal())
	assert.True(t, StatusError.Terminal())
}

func TestNormalizedPrice(t *testing.T) {
	yes := decimal.RequireFromString("0.20")
	assert.True(t, SideYes.NormalizedPrice(yes).Equal(decimal.RequireFromString("0.20")))
	assert.True(t, SideNo.NormalizedPrice(yes).Equal(decimal.RequireFromString("0.80")))
}

func TestSideOpposite(t *testing.T) {
	assert.Equal(t, SideNo, SideYes.Opposite())
	assert.Equal(t, SideYes, SideNo.Opposite())
}

func TestTransientFatalClassification(t *testing.T) {
	terr := Transient("timeout after %ds", 10)
	ferr := Fatal("bad credentials")

	assert.True(t, IsTransient(terr))
	assert.False(t, IsFatal(terr))
	assert.True(t, IsFatal(ferr))
	assert.False(t, IsTransient(ferr))
}
