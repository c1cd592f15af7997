package orchestration_test

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"omniloyalty/contracts"
	"omniloyalty/ledger"
	"omniloyalty/ledger/simulated"
)

var (
	commerceNorma      = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	commerceBartoletti = common.HexToAddress("0x00000000000000000000000000000000000b0b00")
	commerceKuhic      = common.HexToAddress("0x00000000000000000000000000000000000c4a71")
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	ledger  *simulated.Ledger
	token   common.Address
	factory common.Address
}

// newFixture deploys a token and factory and hands token ownership to the
// factory without going through the orchestration package.
func newFixture(t *testing.T, opts ...simulated.Option) fixture {
	t.Helper()
	l := simulated.New(opts...)
	token := confirm(t, l, ledger.Deploy(contracts.Token)).ContractAddress
	factory := confirm(t, l, ledger.Deploy(contracts.Factory, token)).ContractAddress
	confirm(t, l, ledger.Invoke(contracts.Token, token, contracts.MethodTransferOwnership, factory))
	return fixture{ledger: l, token: token, factory: factory}
}

func confirm(t *testing.T, l *simulated.Ledger, call ledger.Call) *ledger.Receipt {
	t.Helper()
	ctx := context.Background()
	hash, err := l.Submit(ctx, call)
	require.NoError(t, err)
	l.Mine()
	receipt, err := l.WaitReceipt(ctx, hash)
	require.NoError(t, err)
	require.True(t, receipt.Succeeded(), "call %s reverted: %s", call, receipt.RevertReason)
	return receipt
}

func createCall(factory, commerce common.Address, name, symbol string) ledger.Call {
	return ledger.Invoke(contracts.Factory, factory, contracts.MethodCreateLoyaltyProgram, commerce, name, symbol)
}

func countOps(l *simulated.Ledger, kind simulated.OpKind, detail string) int {
	n := 0
	for _, op := range l.Journal() {
		if op.Kind == kind && (detail == "" || strings.HasSuffix(op.Detail, "."+detail)) {
			n++
		}
	}
	return n
}
