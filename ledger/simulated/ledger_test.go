package simulated

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"omniloyalty/contracts"
	"omniloyalty/ledger"
)

var commerce = common.HexToAddress("0x00000000000000000000000000000000000a11ce")

func mustReceipt(t *testing.T, l *Ledger, call ledger.Call) *ledger.Receipt {
	t.Helper()
	ctx := context.Background()
	hash, err := l.Submit(ctx, call)
	require.NoError(t, err)
	l.Mine()
	receipt, err := l.WaitReceipt(ctx, hash)
	require.NoError(t, err)
	return receipt
}

func deployPair(t *testing.T, l *Ledger) (common.Address, common.Address) {
	t.Helper()
	token := mustReceipt(t, l, ledger.Deploy(contracts.Token)).ContractAddress
	factory := mustReceipt(t, l, ledger.Deploy(contracts.Factory, token)).ContractAddress
	return token, factory
}

func TestDeploymentAddressesFollowNonce(t *testing.T) {
	l := New()
	token, factory := deployPair(t, l)
	require.Equal(t, crypto.CreateAddress(DefaultDeployer, 0), token)
	require.Equal(t, crypto.CreateAddress(DefaultDeployer, 1), factory)

	owner, err := l.Query(context.Background(), ledger.View(contracts.Token, token, contracts.MethodOwner))
	require.NoError(t, err)
	require.Equal(t, DefaultDeployer, owner)
	linked, err := l.Query(context.Background(), ledger.View(contracts.Factory, factory, "token"))
	require.NoError(t, err)
	require.Equal(t, token, linked)
}

func TestFactoryRequiresTokenOwnership(t *testing.T) {
	l := New()
	token, factory := deployPair(t, l)

	receipt := mustReceipt(t, l, ledger.Invoke(contracts.Factory, factory, contracts.MethodMintTokensToAddress, big.NewInt(5), commerce))
	require.False(t, receipt.Succeeded())
	require.Equal(t, errNotTokenOwner.Error(), receipt.RevertReason)

	require.True(t, mustReceipt(t, l, ledger.Invoke(contracts.Token, token, contracts.MethodTransferOwnership, factory)).Succeeded())
	require.True(t, mustReceipt(t, l, ledger.Invoke(contracts.Factory, factory, contracts.MethodMintTokensToAddress, big.NewInt(5), commerce)).Succeeded())

	balance, err := l.Query(context.Background(), ledger.View(contracts.Token, token, contracts.MethodBalanceOf, commerce))
	require.NoError(t, err)
	require.Equal(t, 0, balance.(*big.Int).Cmp(big.NewInt(5)))

	// The deployer lost ownership of the token.
	receipt = mustReceipt(t, l, ledger.Invoke(contracts.Token, token, contracts.MethodTransferOwnership, commerce))
	require.Equal(t, errNotOwner.Error(), receipt.RevertReason)
}

func TestRevertedCallLeavesStateUntouched(t *testing.T) {
	l := New()
	token, factory := deployPair(t, l)

	receipt := mustReceipt(t, l, ledger.Invoke(contracts.Factory, factory, contracts.MethodAddTrustedRelayer, commerce))
	require.False(t, receipt.Succeeded())
	require.False(t, l.tokens[token].relayers[commerce])

	receipt = mustReceipt(t, l, ledger.Invoke(contracts.Factory, factory, contracts.MethodCreateLoyaltyProgram, common.Address{}, "Nobody", "NOB"))
	require.Equal(t, errZeroAddress.Error(), receipt.RevertReason)
	require.Equal(t, uint64(1), l.factories[factory].nonce)
	require.Empty(t, l.programs)
}

func TestManualMiningOrder(t *testing.T) {
	l := New(WithManualMining())
	token, factory := deployPair(t, l)
	require.True(t, mustReceipt(t, l, ledger.Invoke(contracts.Token, token, contracts.MethodTransferOwnership, factory)).Succeeded())

	ctx := context.Background()
	sub, err := l.Subscribe(ctx, ledger.EventFilter{Contract: contracts.Factory, Address: factory, Event: contracts.EventProgramCreated})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	first, err := l.Submit(ctx, ledger.Invoke(contracts.Factory, factory, contracts.MethodCreateLoyaltyProgram, commerce, "First", "ONE"))
	require.NoError(t, err)
	second, err := l.Submit(ctx, ledger.Invoke(contracts.Factory, factory, contracts.MethodCreateLoyaltyProgram, commerce, "Second", "TWO"))
	require.NoError(t, err)
	require.Equal(t, []common.Hash{first, second}, l.Pending())

	require.NoError(t, l.MineTx(second))
	require.Error(t, l.MineTx(second))
	require.Equal(t, 1, l.Mine())

	ev := <-sub.Events()
	require.Equal(t, second, ev.TxHash)
	name, ok := ev.StringField(contracts.FieldName)
	require.True(t, ok)
	require.Equal(t, "Second", name)
	ev = <-sub.Events()
	require.Equal(t, first, ev.TxHash)
	require.Greater(t, ev.BlockNumber, uint64(0))
	_, ok = ev.BigField(contracts.FieldCreated)
	require.True(t, ok)
}

func TestDroppedTransactionNeverConfirms(t *testing.T) {
	l := New()
	l.SetHooks(Hooks{Drop: func(ledger.Call) bool { return true }})
	hash, err := l.Submit(context.Background(), ledger.Deploy(contracts.Token))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.WaitReceipt(ctx, hash)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSubscriptionLifecycle(t *testing.T) {
	l := New()
	ctx, cancel := context.WithCancel(context.Background())
	sub, err := l.Subscribe(ctx, ledger.EventFilter{Event: contracts.EventProgramCreated})
	require.NoError(t, err)
	require.Equal(t, 1, l.ActiveSubscriptions())

	cancel()
	require.Eventually(t, func() bool { return l.ActiveSubscriptions() == 0 }, time.Second, time.Millisecond)
	sub.Unsubscribe()

	kinds := make([]OpKind, 0)
	for _, op := range l.Journal() {
		kinds = append(kinds, op.Kind)
	}
	require.Equal(t, []OpKind{OpSubscribe, OpUnsubscribe}, kinds)
}

func TestUnknownCallsRejected(t *testing.T) {
	l := New()
	_, err := l.Submit(context.Background(), ledger.Deploy("Unknown"))
	require.ErrorIs(t, err, ledger.ErrUnknownContract)
	_, err = l.Submit(context.Background(), ledger.Invoke(contracts.Token, commerce, "burn"))
	require.ErrorIs(t, err, ledger.ErrUnknownMethod)
	require.Empty(t, l.Journal())
}
