package portarbiter

import (
	"net"
	"testing"

	"xypriss/pkg/apperror"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquire_BindsFreePort(t *testing.T) {
	sock, err := Acquire("127.0.0.1", 0, Options{})
	require.NoError(t, err)
	defer sock.Close()

	assert.Greater(t, sock.Port, 0)
}

func TestAcquire_InvalidPort(t *testing.T) {
	_, err := Acquire("127.0.0.1", 70000, Options{})
	require.Error(t, err)
	assert.Equal(t, apperror.CodeBadRequest, apperror.Code(err))
}

func TestAcquire_AutoSwitchOnOccupiedPort(t *testing.T) {
	occupied, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer occupied.Close()

	port := occupied.Addr().(*net.TCPAddr).Port

	sock, err := Acquire("127.0.0.1", port, Options{
		AutoSwitch: AutoSwitchOptions{
			Enabled:     true,
			RangeLo:     port + 1,
			RangeHi:     port + 50,
			Strategy:    StrategyIncrement,
			MaxAttempts: 50,
		},
	})
	require.NoError(t, err)
	defer sock.Close()

	assert.NotEqual(t, port, sock.Port)
}

func TestAcquire_NoAutoSwitch_PortInUse(t *testing.T) {
	occupied, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer occupied.Close()

	port := occupied.Addr().(*net.TCPAddr).Port

	_, err = Acquire("127.0.0.1", port, Options{})
	require.Error(t, err)
	assert.Equal(t, apperror.CodePortInUse, apperror.Code(err))
}

func TestCandidatePorts_ExcludesRequested(t *testing.T) {
	candidates := candidatePorts(9000, AutoSwitchOptions{
		RangeLo: 9000, RangeHi: 9005, Strategy: StrategyIncrement, MaxAttempts: 10,
	})
	for _, c := range candidates {
		assert.NotEqual(t, 9000, c)
	}
	assert.Equal(t, []int{9001, 9002, 9003, 9004, 9005}, candidates)
}

func TestCandidatePorts_RespectsMaxAttempts(t *testing.T) {
	candidates := candidatePorts(9000, AutoSwitchOptions{
		RangeLo: 9000, RangeHi: 9100, Strategy: StrategyIncrement, MaxAttempts: 3,
	})
	assert.Len(t, candidates, 3)
}

func TestForceClose_NoOwnerFound(t *testing.T) {
	// Port 1 is a privileged, almost-certainly-unbound port in this
	// sandbox; ForceClose should report "already free" rather than error.
	freed, err := ForceClose(1)
	require.NoError(t, err)
	assert.False(t, freed)
}
