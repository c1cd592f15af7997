package orchestration

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"omniloyalty/contracts"
	"omniloyalty/ledger"
)

// Minter mints token balances through the factory and checks the effect on
// the target balance.
type Minter struct {
	client  ledger.Client
	gate    *Gate
	token   common.Address
	factory common.Address
	timeout time.Duration
}

// NewMinter binds a minter to a deployed token and factory pair.
func NewMinter(client ledger.Client, gate *Gate, token, factory common.Address, timeout time.Duration) *Minter {
	return &Minter{client: client, gate: gate, token: token, factory: factory, timeout: timeout}
}

// BalanceOf queries the token balance of addr.
func (m *Minter) BalanceOf(ctx context.Context, addr common.Address) (*big.Int, error) {
	value, err := m.client.Query(ctx, ledger.View(contracts.Token, m.token, contracts.MethodBalanceOf, addr))
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", contracts.MethodBalanceOf, err)
	}
	return ledger.AsBig(value)
}

// Mint credits amount to target and verifies balanceAfter-balanceBefore ==
// amount. A zero amount sends no transaction and succeeds. The check assumes
// no concurrent transfers touch target during the mint.
func (m *Minter) Mint(ctx context.Context, target common.Address, amount *big.Int) (MintRecord, error) {
	record := MintRecord{Target: target}
	if amount == nil || amount.Sign() < 0 {
		return record, ErrNegativeAmount
	}
	record.Amount = new(big.Int).Set(amount)

	before, err := m.BalanceOf(ctx, target)
	if err != nil {
		return record, err
	}
	record.BalanceBefore = before
	if amount.Sign() == 0 {
		record.BalanceAfter = new(big.Int).Set(before)
		record.Delta = new(big.Int)
		return record, nil
	}

	call := ledger.Invoke(contracts.Factory, m.factory, contracts.MethodMintTokensToAddress, record.Amount, target)
	outcome, err := m.gate.SubmitAndConfirm(ctx, call, m.timeout)
	if err != nil {
		return record, err
	}
	record.TxHash = outcome.TxHash
	if !outcome.Confirmed() {
		return record, outcome.Err()
	}

	after, err := m.BalanceOf(ctx, target)
	if err != nil {
		return record, err
	}
	record.BalanceAfter = after
	record.Delta = new(big.Int).Sub(after, before)
	if record.Delta.Cmp(amount) != 0 {
		return record, fmt.Errorf("%w: minted %s, balance moved %s", ErrMintDeltaMismatch, amount, record.Delta)
	}
	return record, nil
}
