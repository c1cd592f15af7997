package deployer

import (
	"errors"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"

	"omniloyalty/orchestration"
)

func sampleReport(id string, started time.Time, status orchestration.RunStatus) Report {
	commerce := common.HexToAddress("0xc1")
	return Report{
		Network:  "localhost",
		ChainID:  31337,
		Deployer: common.HexToAddress("0xd1"),
		Result: &orchestration.Result{
			RunID:   id,
			Status:  status,
			Token:   orchestration.ContractHandle{Name: "OmniToken", Address: common.HexToAddress("0xa1")},
			Factory: orchestration.ContractHandle{Name: "LoyaltyProgramFactory", Address: common.HexToAddress("0xa2")},
			Programs: []orchestration.SpecOutcome{{
				Spec:    orchestration.ProgramSpec{Commerce: commerce, Name: "Norma Points", Symbol: "NRM"},
				Program: common.HexToAddress("0xb1"),
				Trust:   orchestration.TrustRegistered,
				Mint:    &orchestration.MintRecord{Target: commerce, Amount: big.NewInt(10), BalanceAfter: big.NewInt(10)},
			}},
			StartedAt:  started,
			FinishedAt: started.Add(time.Minute),
		},
	}
}

func openTestArchive(t *testing.T) *Archive {
	t.Helper()
	archive, err := OpenArchive(filepath.Join(t.TempDir(), "runs.db"), &bolt.Options{Timeout: 10 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() { _ = archive.Close() })
	return archive
}

func TestArchiveRoundTrip(t *testing.T) {
	archive := openTestArchive(t)
	started := time.Unix(1_700_000_000, 0).UTC()
	report := sampleReport("run-1", started, orchestration.RunSucceeded)
	report.Result.Fatal = &orchestration.SetupError{
		Step: orchestration.StepTransferOwnership,
		Kind: orchestration.FailureTransactionReverted,
		Err:  errors.New("caller is not the owner"),
	}
	require.NoError(t, archive.Save(report))

	loaded, err := archive.Get("run-1")
	require.NoError(t, err)
	require.Equal(t, report.Result.Token, loaded.Result.Token)
	require.Equal(t, "10", loaded.Result.Programs[0].Mint.BalanceAfter.String())
	require.Equal(t, orchestration.StepTransferOwnership, loaded.Result.Fatal.Step)
	require.EqualError(t, loaded.Result.Fatal.Err, "caller is not the owner")
	require.True(t, loaded.Result.StartedAt.Equal(started))

	_, err = archive.Get("missing")
	require.ErrorIs(t, err, ErrRunNotFound)
}

func TestArchiveListNewestFirst(t *testing.T) {
	archive := openTestArchive(t)
	base := time.Unix(1_700_000_000, 0).UTC()
	require.NoError(t, archive.Save(sampleReport("run-a", base, orchestration.RunSucceeded)))
	require.NoError(t, archive.Save(sampleReport("run-c", base.Add(2*time.Hour), orchestration.RunFailed)))
	require.NoError(t, archive.Save(sampleReport("run-b", base.Add(time.Hour), orchestration.RunCompletedWithFailures)))

	all, err := archive.List(0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, []string{"run-c", "run-b", "run-a"}, []string{all[0].RunID, all[1].RunID, all[2].RunID})
	require.Equal(t, orchestration.RunFailed, all[0].Status)
	require.Equal(t, 1, all[0].Programs)

	limited, err := archive.List(1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	require.Equal(t, "run-c", limited[0].RunID)
}

func TestArchiveRejectsReportWithoutID(t *testing.T) {
	archive := openTestArchive(t)
	require.Error(t, archive.Save(Report{}))
	require.Error(t, archive.Save(sampleReport(" ", time.Now(), orchestration.RunSucceeded)))
}
