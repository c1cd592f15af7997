package deployer

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"omniloyalty/orchestration"
)

func TestDryRunBootstrap(t *testing.T) {
	cfg, err := LoadConfig(writeFile(t, "config.yaml", `
dry_run: true
programs:
  - commerce: "0x00000000000000000000000000000000000000c1"
    name: Norma Points
    symbol: NRM
    register_relayer: true
    mint: "1000"
  - commerce: "0x00000000000000000000000000000000000000c2"
    name: Bartoletti Rewards
    symbol: BRT
`))
	require.NoError(t, err)
	specs, err := BuildSpecs(cfg.Programs)
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	client, deployer, _, err := openLedger(context.Background(), cfg, nil, logger)
	require.NoError(t, err)

	result, err := orchestration.NewSequencer(client, orchestration.WithLogger(logger)).Run(context.Background(), specs)
	require.NoError(t, err)
	require.Equal(t, orchestration.RunSucceeded, result.Status)
	require.NoError(t, runError(result, nil))

	archive := openTestArchive(t)
	report := Report{Network: cfg.Network.Name, Deployer: deployer, DryRun: true, Result: result}
	require.NoError(t, archive.Save(report))
	summaries, err := archive.List(0)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	require.Equal(t, 2, summaries[0].Programs)
	require.Zero(t, summaries[0].Failed)
}
