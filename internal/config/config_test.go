package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("", nil)
	require.NoError(t, err)
	require.Equal(t, "https://api.etherscan.io/api", cfg.EtherscanURL)
	require.Equal(t, 8545, cfg.Port)
	require.Equal(t, 3, cfg.MaxRetries)
	require.Equal(t, time.Second, cfg.RetryBackoff)
	require.Equal(t, 5*time.Second, cfg.KillGrace)
	require.Equal(t, 30*time.Second, cfg.RPCTimeout)
	require.Equal(t, DefaultTestKey, cfg.TestKey)
	require.Equal(t, 2, cfg.AIRetries)
	require.Empty(t, cfg.Overrides)
	require.Empty(t, cfg.Export)
}

func TestLoadFlagsAndEnv(t *testing.T) {
	t.Setenv("REPLAY_FORK_URL", "https://archive.example.org")
	t.Setenv("REPLAY_PORT", "9000")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.Int("port", 8545, "")
	flags.StringSlice("export", nil, "")
	flags.StringToString("override", nil, "")
	require.NoError(t, flags.Parse([]string{
		"--port", "9100",
		"--export", "json,md",
		"--override", "value=0,gas=0x5208",
	}))

	cfg, err := Load("", flags)
	require.NoError(t, err)
	require.Equal(t, "https://archive.example.org", cfg.ForkURL)
	require.Equal(t, 9100, cfg.Port)
	require.Equal(t, []string{"json", "md"}, cfg.Export)
	require.Equal(t, map[string]string{"value": "0", "gas": "0x5208"}, cfg.Overrides)
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "replay.yaml")
	content := "etherscan-api-key: ABCDEFGHIJKLMNOPQRSTUVWXYZ01234567\n" +
		"fork-url: http://localhost:9999\n" +
		"export: [json, postgres]\n" +
		"override:\n  value: \"5\"\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path, nil)
	require.NoError(t, err)
	require.Equal(t, "ABCDEFGHIJKLMNOPQRSTUVWXYZ01234567", cfg.EtherscanAPIKey)
	require.Equal(t, []string{"json", "postgres"}, cfg.Export)
	require.Equal(t, "5", cfg.Overrides["value"])
	require.NoError(t, cfg.ValidateRun())
}

func TestLoadMissingConfigFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	require.Error(t, err)
}
