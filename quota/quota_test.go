package quota

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseLimit(t *testing.T) {
	n, err := ParseLimit("")
	require.NoError(t, err)
	require.Equal(t, int64(0), n)

	n, err = ParseLimit("10MB")
	require.NoError(t, err)
	require.Equal(t, int64(10*1000*1000), n)

	_, err = ParseLimit("not-a-size")
	require.Error(t, err)
}

func TestEnsureLogDirectoryCreatesAndProbes(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "log")
	require.NoError(t, EnsureLogDirectory(dir))

	fi, err := os.Stat(dir)
	require.NoError(t, err)
	require.True(t, fi.IsDir())

	require.NoError(t, EnsureLogDirectory(dir))
}

func TestAgentAddSubtractNeverNegative(t *testing.T) {
	a := New(t.TempDir(), 0)
	require.Equal(t, int64(0), a.UsedBytes())

	a.Add(100)
	require.Equal(t, int64(100), a.UsedBytes())

	a.Subtract(150)
	require.Equal(t, int64(0), a.UsedBytes(), "usage must floor at zero rather than go negative")
}

func TestAgentQuotaExceeded(t *testing.T) {
	a := New(t.TempDir(), 10)
	require.False(t, a.QuotaExceeded())

	a.Add(9)
	require.False(t, a.QuotaExceeded())

	a.Add(1)
	require.True(t, a.QuotaExceeded())
}

func TestAgentUnlimitedNeverExceeds(t *testing.T) {
	a := New(t.TempDir(), 0)
	a.Add(1 << 40)
	require.False(t, a.QuotaExceeded())
}
