package orchestration_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"omniloyalty/contracts"
	"omniloyalty/ledger"
	"omniloyalty/ledger/simulated"
	"omniloyalty/orchestration"
)

func TestGateConfirmsDeployment(t *testing.T) {
	l := simulated.New()
	gate := orchestration.NewGate(l, orchestration.WithGateLogger(quietLogger()))

	outcome, err := gate.SubmitAndConfirm(context.Background(), ledger.Deploy(contracts.Token), time.Second)
	require.NoError(t, err)
	require.True(t, outcome.Confirmed())
	require.NoError(t, outcome.Err())
	require.NotEqual(t, common.Hash{}, outcome.TxHash)
	require.NotNil(t, outcome.Receipt)
	require.NotEqual(t, common.Address{}, outcome.Receipt.ContractAddress)
}

func TestGateReportsMinedRevert(t *testing.T) {
	fx := newFixture(t)
	gate := orchestration.NewGate(fx.ledger, orchestration.WithGateLogger(quietLogger()))

	// The token is owned by the factory now, so the deployer can no longer
	// transfer it.
	call := ledger.Invoke(contracts.Token, fx.token, contracts.MethodTransferOwnership, commerceNorma)
	outcome, err := gate.SubmitAndConfirm(context.Background(), call, time.Second)
	require.NoError(t, err)
	require.Equal(t, orchestration.OutcomeReverted, outcome.Kind)
	require.Contains(t, outcome.Reason, "not the owner")
	revert, ok := ledger.IsRevert(outcome.Err())
	require.True(t, ok)
	require.Equal(t, outcome.Reason, revert.Reason)
}

func TestGateTimesOutOnDroppedTransaction(t *testing.T) {
	l := simulated.New()
	l.SetHooks(simulated.Hooks{Drop: func(ledger.Call) bool { return true }})
	gate := orchestration.NewGate(l, orchestration.WithGateLogger(quietLogger()))

	outcome, err := gate.SubmitAndConfirm(context.Background(), ledger.Deploy(contracts.Token), 30*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, orchestration.OutcomeTimedOut, outcome.Kind)
	require.NotEqual(t, common.Hash{}, outcome.TxHash)
	require.Error(t, outcome.Err())
}

func TestGateSubmissionRejection(t *testing.T) {
	l := simulated.New()
	gate := orchestration.NewGate(l, orchestration.WithGateLogger(quietLogger()))

	l.SetHooks(simulated.Hooks{Reject: func(ledger.Call) error {
		return &ledger.RevertError{Reason: "gas estimation failed"}
	}})
	outcome, err := gate.SubmitAndConfirm(context.Background(), ledger.Deploy(contracts.Token), time.Second)
	require.NoError(t, err)
	require.Equal(t, orchestration.OutcomeReverted, outcome.Kind)
	require.Equal(t, common.Hash{}, outcome.TxHash)

	transport := errors.New("connection refused")
	l.SetHooks(simulated.Hooks{Reject: func(ledger.Call) error { return transport }})
	_, err = gate.SubmitAndConfirm(context.Background(), ledger.Deploy(contracts.Token), time.Second)
	require.ErrorIs(t, err, transport)
}

func TestGateCancelledWaitIsUnknown(t *testing.T) {
	l := simulated.New()
	l.SetHooks(simulated.Hooks{Drop: func(ledger.Call) bool { return true }})
	gate := orchestration.NewGate(l, orchestration.WithGateLogger(quietLogger()))

	ctx, cancel := context.WithCancel(context.Background())
	timer := time.AfterFunc(20*time.Millisecond, cancel)
	defer timer.Stop()

	outcome, err := gate.SubmitAndConfirm(ctx, ledger.Deploy(contracts.Token), time.Minute)
	require.NoError(t, err)
	require.Equal(t, orchestration.OutcomeUnknown, outcome.Kind)
	require.NotEqual(t, common.Hash{}, outcome.TxHash)
}
