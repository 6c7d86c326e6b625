package staking

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStake(t *testing.T) {
	testCases := []struct {
		desc     string
		loss     float64
		target   float64
		payout   float64
		expected float64
	}{
		{"recover one loss", 10, 10, 80, 25.0},
		{"no loss", 0, 10, 80, 12.5},
		{"even payout", 10, 10, 100, 20},
		{"rounds to cents", 35, 10, 92, 48.91},
		{"high payout", 91.25, 10, 80, 126.56},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			got, err := Stake(tc.loss, tc.target, tc.payout)
			require.NoError(t, err)
			assert.Equal(t, tc.expected, got)
		})
	}
}

func TestStakeRejectsNonPositivePayout(t *testing.T) {
	for _, payout := range []float64{0, -1, -80} {
		_, err := Stake(10, 10, payout)
		require.ErrorIs(t, err, ErrDomain)
	}
}

func TestLadder(t *testing.T) {
	amounts, err := Ladder(10, 80, 3)
	require.NoError(t, err)
	assert.Equal(t, []float64{10, 25, 56.25, 126.56}, amounts)

	// Every retry recovers all previous stakes plus one base stake.
	for i := 1; i < len(amounts); i++ {
		prior := Total(amounts[:i])
		assert.InDelta(t, prior+10, amounts[i]*0.8, 0.01)
	}
}

func TestLadderEntryOnly(t *testing.T) {
	amounts, err := Ladder(15, 80, 0)
	require.NoError(t, err)
	assert.Equal(t, []float64{15}, amounts)
}

func TestLadderInvalidPayout(t *testing.T) {
	_, err := Ladder(10, 0, 2)
	require.ErrorIs(t, err, ErrDomain)

	// With no retries the payout is never used.
	amounts, err := Ladder(10, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []float64{10}, amounts)
}
