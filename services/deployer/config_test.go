package deployer

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	path := writeFile(t, "config.yaml", `
network:
  name: " sepolia "
  rpc: https://rpc.sepolia.example
  chain_id: 11155111
programs:
  - commerce: "0x00000000000000000000000000000000000000c1"
    name: Norma Points
    symbol: NRM
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "sepolia", cfg.Network.Name)
	require.Equal(t, uint64(11155111), cfg.Network.ChainID)
	require.Equal(t, time.Second, cfg.Network.PollInterval.Duration)
	require.Equal(t, 20.0, cfg.Network.RateLimit)
	require.Equal(t, 5, cfg.Network.Burst)
	require.Equal(t, "PRIVATE_KEY", cfg.Signer.KeyEnv)
	require.Equal(t, "DEPLOYER_KEYSTORE_PASSPHRASE", cfg.Signer.PassphraseEnv)
	require.Equal(t, 2*time.Minute, cfg.Timeouts.Confirm.Duration)
	require.Equal(t, 2*time.Minute, cfg.Timeouts.Event.Duration)
	require.Equal(t, "info", cfg.Log.Level)
	require.Len(t, cfg.Programs, 1)
	require.Contains(t, cfg.Artifacts.Paths()["OmniToken"], "OmniToken.json")
}

func TestLoadConfigParsesDurations(t *testing.T) {
	path := writeFile(t, "config.yaml", `
timeouts:
  confirm: 45s
  event: 3m
network:
  poll_interval: 250ms
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, 45*time.Second, cfg.Timeouts.Confirm.Duration)
	require.Equal(t, 3*time.Minute, cfg.Timeouts.Event.Duration)
	require.Equal(t, 250*time.Millisecond, cfg.Network.PollInterval.Duration)
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"unknown field":   "networks:\n  rpc: http://localhost:8545\n",
		"bad duration":    "timeouts:\n  confirm: soon\n",
		"negative":        "timeouts:\n  event: -1s\n",
		"bad rpc scheme":  "network:\n  rpc: ftp://example\n",
		"bad log level":   "log:\n  level: chatty\n",
		"plan and inline": "plan: plan.toml\nprograms:\n  - name: x\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadConfig(writeFile(t, "config.yaml", body))
			require.Error(t, err)
		})
	}
}

func TestLoadConfigDryRunSkipsRPCCheck(t *testing.T) {
	cfg, err := LoadConfig(writeFile(t, "config.yaml", "dry_run: true\nnetwork:\n  rpc: memory\n"))
	require.NoError(t, err)
	require.True(t, cfg.DryRun)
}
