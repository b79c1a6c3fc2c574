package runtime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlatformTicker(t *testing.T) {
	period := 5 * time.Millisecond
	tk, err := NewTicker(period)
	require.NoError(t, err)
	defer tk.Stop()

	start := time.Now()
	for i := 0; i < 3; i++ {
		n, err := tk.Wait()
		require.NoError(t, err)
		assert.GreaterOrEqual(t, n, uint64(1))
	}
	assert.GreaterOrEqual(t, time.Since(start), 3*period-time.Millisecond)
}

func TestPlatformTickerReportsMissedPeriods(t *testing.T) {
	period := 5 * time.Millisecond
	tk, err := NewTicker(period)
	require.NoError(t, err)
	defer tk.Stop()

	_, err = tk.Wait()
	require.NoError(t, err)

	time.Sleep(4 * period)
	n, err := tk.Wait()
	require.NoError(t, err)
	assert.Greater(t, n, uint64(1))
}

func TestTickerRejectsBadPeriod(t *testing.T) {
	_, err := NewTicker(0)
	assert.Error(t, err)
}

func TestGoTickerCountsMissedPeriods(t *testing.T) {
	period := 5 * time.Millisecond
	tk := newGoTicker(period)
	defer tk.Stop()

	n, err := tk.Wait()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, uint64(1))

	time.Sleep(4 * period)
	n, err = tk.Wait()
	require.NoError(t, err)
	assert.Greater(t, n, uint64(1))
}
