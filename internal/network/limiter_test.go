package network

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIPLimiterConnCap(t *testing.T) {
	lim := NewIPLimiter(1)
	require.True(t, lim.Acquire("1.2.3.4"))
	require.False(t, lim.Acquire("1.2.3.4"), "expected conn cap")
	lim.Release("1.2.3.4")
	require.True(t, lim.Acquire("1.2.3.4"), "expected acquire after release")
}

func TestIPLimiterSeparateIPs(t *testing.T) {
	lim := NewIPLimiter(1)
	require.True(t, lim.Acquire("1.2.3.4"))
	require.True(t, lim.Acquire("2.3.4.5"))
	require.Equal(t, 1, lim.Active("1.2.3.4"))
	lim.Release("1.2.3.4")
	require.Zero(t, lim.Active("1.2.3.4"))
}

func TestIPLimiterDisabled(t *testing.T) {
	lim := NewIPLimiter(0)
	for i := 0; i < 10; i++ {
		require.True(t, lim.Acquire("1.2.3.4"))
	}
	var nilLim *IPLimiter
	require.True(t, nilLim.Acquire("1.2.3.4"))
	nilLim.Release("1.2.3.4")
}
