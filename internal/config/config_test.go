package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	c, err := Load(New())
	require.NoError(t, err)

	assert.Equal(t, 5<<20, c.MaxModifySize)
	assert.Equal(t, 1<<10, c.CompressThreshold)
	assert.Equal(t, time.Duration(0), c.FlushInterval)
	assert.Equal(t, 3*time.Second, c.SubscriptionGrace)
	assert.Equal(t, 100*time.Millisecond, c.SubscriptionThrottle)
	assert.Equal(t, "tessel.db", c.DB)
	assert.Equal(t, slog.LevelInfo, c.LogLevel)
}

func TestEnvironmentOverridesDefaults(t *testing.T) {
	t.Setenv("TESSEL_MAX_MODIFY_SIZE", "1MiB")
	t.Setenv("TESSEL_FLUSH_INTERVAL", "250ms")
	t.Setenv("TESSEL_LOG_LEVEL", "debug")

	c, err := Load(New())
	require.NoError(t, err)
	assert.Equal(t, 1<<20, c.MaxModifySize)
	assert.Equal(t, 250*time.Millisecond, c.FlushInterval)
	assert.Equal(t, slog.LevelDebug, c.LogLevel)
}

func TestFlagsOverrideEnvironment(t *testing.T) {
	t.Setenv("TESSEL_MAX_MODIFY_SIZE", "1MiB")
	t.Setenv("TESSEL_LISTEN", ":9000")

	cmd := &cobra.Command{Use: "test"}
	AddFlags(cmd)
	AddServeFlags(cmd)
	require.NoError(t, cmd.ParseFlags([]string{"--max-modify-size=2MiB", "--subscription-grace=10s"}))

	v := New()
	require.NoError(t, Bind(v, cmd))
	c, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, 2<<20, c.MaxModifySize)
	assert.Equal(t, 10*time.Second, c.SubscriptionGrace)
	assert.Equal(t, ":9000", c.Listen, "unset flag falls back to the environment")
}

func TestEnvFiles(t *testing.T) {
	t.Setenv("TESSEL_DB", "")
	os.Unsetenv("TESSEL_DB")

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("TESSEL_DB=from-dotenv.db\n"), 0o644))
	LoadEnvFiles(dir)

	c, err := Load(New())
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv.db", c.DB)
}

func TestInvalidValuesReportedTogether(t *testing.T) {
	t.Setenv("TESSEL_MAX_MODIFY_SIZE", "lots")
	t.Setenv("TESSEL_SUBSCRIPTION_GRACE", "soon")
	t.Setenv("TESSEL_LOG_LEVEL", "chatty")

	_, err := Load(New())
	require.Error(t, err)
	assert.ErrorContains(t, err, KeyMaxModifySize)
	assert.ErrorContains(t, err, KeySubscriptionGrace)
	assert.ErrorContains(t, err, "chatty")
}

func TestTinyModifySizeRejected(t *testing.T) {
	t.Setenv("TESSEL_MAX_MODIFY_SIZE", "16B")

	_, err := Load(New())
	assert.ErrorContains(t, err, "too small")
}

func TestClientOptions(t *testing.T) {
	c := Config{
		MaxModifySize:     1 << 20,
		SubscriptionGrace: 2 * time.Second,
	}
	opts := c.ClientOptions(nil, nil)

	assert.Equal(t, 1<<20, opts.MaxModifySize)
	assert.Equal(t, -1, opts.CompressThreshold, "zero threshold disables compression")
	assert.Equal(t, 2*time.Second, opts.Grace)
	assert.Equal(t, time.Duration(-1), opts.Throttle, "zero throttle re-runs without delay")
}
