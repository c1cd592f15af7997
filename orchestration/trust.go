package orchestration

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"omniloyalty/contracts"
	"omniloyalty/ledger"
)

// Registration is the result of RegisterRelayer. Outcome is nil when the
// address was already trusted and no transaction was sent.
type Registration struct {
	Address        common.Address `json:"address"`
	State          TrustState     `json:"state"`
	AlreadyTrusted bool           `json:"alreadyTrusted"`
	Outcome        *Outcome       `json:"outcome,omitempty"`
}

// TrustRegistry reads and updates the token ledger's trusted relayer set. The
// ledger is authoritative: every transition is confirmed by an
// isTrustedRelayer query rather than inferred from a transaction status.
type TrustRegistry struct {
	client  ledger.Client
	gate    *Gate
	token   common.Address
	factory common.Address
	timeout time.Duration
	logger  *slog.Logger
}

// NewTrustRegistry binds a registry to a deployed token and factory pair.
func NewTrustRegistry(client ledger.Client, gate *Gate, token, factory common.Address, timeout time.Duration, logger *slog.Logger) *TrustRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &TrustRegistry{
		client:  client,
		gate:    gate,
		token:   token,
		factory: factory,
		timeout: timeout,
		logger:  logger,
	}
}

// IsRelayer queries the token ledger.
func (r *TrustRegistry) IsRelayer(ctx context.Context, addr common.Address) (bool, error) {
	value, err := r.client.Query(ctx, ledger.View(contracts.Token, r.token, contracts.MethodIsTrustedRelayer, addr))
	if err != nil {
		return false, fmt.Errorf("query %s: %w", contracts.MethodIsTrustedRelayer, err)
	}
	trusted, err := ledger.AsBool(value)
	if err != nil {
		return false, err
	}
	return trusted, nil
}

// RegisterRelayer makes addr a trusted relayer through the factory. It is
// idempotent: an address that is already trusted, whether registered earlier
// in this run, by a previous run or by anyone else, is reported as success.
// A registration transaction that reverts still succeeds when the post-check
// finds the address trusted.
func (r *TrustRegistry) RegisterRelayer(ctx context.Context, addr common.Address) (Registration, error) {
	reg := Registration{Address: addr, State: TrustUntrusted}
	trusted, err := r.IsRelayer(ctx, addr)
	if err != nil {
		return reg, err
	}
	if trusted {
		reg.State = TrustRegistered
		reg.AlreadyTrusted = true
		r.logger.Info("relayer already trusted", "relayer", addr.Hex())
		return reg, nil
	}

	call := ledger.Invoke(contracts.Factory, r.factory, contracts.MethodAddTrustedRelayer, addr)
	outcome, err := r.gate.SubmitAndConfirm(ctx, call, r.timeout)
	if err != nil {
		return reg, err
	}
	reg.Outcome = &outcome

	trusted, err = r.IsRelayer(ctx, addr)
	if err != nil {
		return reg, err
	}
	if trusted {
		reg.State = TrustRegistered
		if !outcome.Confirmed() {
			r.logger.Info("relayer trusted despite unconfirmed registration",
				"relayer", addr.Hex(),
				"outcome", string(outcome.Kind),
			)
		}
		return reg, nil
	}
	if !outcome.Confirmed() {
		return reg, outcome.Err()
	}
	return reg, ErrRelayerNotTrusted
}
