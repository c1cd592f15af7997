package simulated

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"omniloyalty/contracts"
	"omniloyalty/ledger"
)

var (
	errNotOwner      = errors.New("Ownable: caller is not the owner")
	errZeroAddress   = errors.New("zero address")
	errAlreadyRelay  = errors.New("relayer already trusted")
	errBadArguments  = errors.New("invalid arguments")
	errNotTokenOwner = errors.New("factory does not own token")
)

type tokenState struct {
	owner    common.Address
	balances map[common.Address]*big.Int
	relayers map[common.Address]bool
	supply   *big.Int
}

func (t *tokenState) view(call ledger.ViewCall) (any, error) {
	switch call.Method {
	case contracts.MethodOwner:
		return t.owner, nil
	case contracts.MethodIsTrustedRelayer:
		addr, err := addressArg(call.Args, 0)
		if err != nil {
			return nil, err
		}
		return t.relayers[addr], nil
	case contracts.MethodBalanceOf:
		addr, err := addressArg(call.Args, 0)
		if err != nil {
			return nil, err
		}
		return cloneBig(t.balances[addr]), nil
	case "totalSupply":
		return cloneBig(t.supply), nil
	default:
		return nil, fmt.Errorf("%w: %s.%s", ledger.ErrUnknownMethod, contracts.Token, call.Method)
	}
}

type factoryState struct {
	owner    common.Address
	token    common.Address
	nonce    uint64
	programs []common.Address
}

func (f *factoryState) view(call ledger.ViewCall) (any, error) {
	switch call.Method {
	case contracts.MethodOwner:
		return f.owner, nil
	case "token":
		return f.token, nil
	default:
		return nil, fmt.Errorf("%w: %s.%s", ledger.ErrUnknownMethod, contracts.Factory, call.Method)
	}
}

type programState struct {
	factory  common.Address
	commerce common.Address
	name     string
	symbol   string
}

// execute applies a transaction. State is only mutated once every check of
// the call has passed, so a returned error leaves the ledger untouched.
func (l *Ledger) execute(tx pendingTx) (common.Address, []ledger.Event, error) {
	call := tx.call
	if call.IsDeployment() {
		return l.deploy(tx)
	}
	switch call.Contract {
	case contracts.Token:
		token, ok := l.tokens[call.To]
		if !ok {
			return common.Address{}, nil, fmt.Errorf("no token at %s", call.To.Hex())
		}
		return common.Address{}, nil, l.invokeToken(token, tx)
	case contracts.Factory:
		factory, ok := l.factories[call.To]
		if !ok {
			return common.Address{}, nil, fmt.Errorf("no factory at %s", call.To.Hex())
		}
		return l.invokeFactory(call.To, factory, tx)
	}
	return common.Address{}, nil, fmt.Errorf("%w: %s", ledger.ErrUnknownContract, call.Contract)
}

func (l *Ledger) deploy(tx pendingTx) (common.Address, []ledger.Event, error) {
	addr := crypto.CreateAddress(tx.from, tx.nonce)
	switch tx.call.Contract {
	case contracts.Token:
		l.tokens[addr] = &tokenState{
			owner:    tx.from,
			balances: make(map[common.Address]*big.Int),
			relayers: make(map[common.Address]bool),
			supply:   new(big.Int),
		}
	case contracts.Factory:
		token, err := addressArg(tx.call.Args, 0)
		if err != nil {
			return common.Address{}, nil, err
		}
		if _, ok := l.tokens[token]; !ok {
			return common.Address{}, nil, fmt.Errorf("token %s not deployed", token.Hex())
		}
		l.factories[addr] = &factoryState{owner: tx.from, token: token, nonce: 1}
	default:
		return common.Address{}, nil, fmt.Errorf("%w: %s", ledger.ErrUnknownContract, tx.call.Contract)
	}
	return addr, nil, nil
}

func (l *Ledger) invokeToken(token *tokenState, tx pendingTx) error {
	switch tx.call.Method {
	case contracts.MethodTransferOwnership:
		if tx.from != token.owner {
			return errNotOwner
		}
		next, err := addressArg(tx.call.Args, 0)
		if err != nil {
			return err
		}
		if (next == common.Address{}) {
			return errZeroAddress
		}
		token.owner = next
		return nil
	default:
		return fmt.Errorf("%w: %s.%s", ledger.ErrUnknownMethod, contracts.Token, tx.call.Method)
	}
}

func (l *Ledger) invokeFactory(addr common.Address, factory *factoryState, tx pendingTx) (common.Address, []ledger.Event, error) {
	if tx.from != factory.owner {
		return common.Address{}, nil, errNotOwner
	}
	call := tx.call
	switch call.Method {
	case contracts.MethodCreateLoyaltyProgram:
		commerce, err := addressArg(call.Args, 0)
		if err != nil {
			return common.Address{}, nil, err
		}
		name, err := stringArg(call.Args, 1)
		if err != nil {
			return common.Address{}, nil, err
		}
		symbol, err := stringArg(call.Args, 2)
		if err != nil {
			return common.Address{}, nil, err
		}
		if (commerce == common.Address{}) {
			return common.Address{}, nil, errZeroAddress
		}
		program := crypto.CreateAddress(addr, factory.nonce)
		factory.nonce++
		factory.programs = append(factory.programs, program)
		l.programs[program] = &programState{factory: addr, commerce: commerce, name: name, symbol: symbol}
		ev := ledger.Event{
			Contract: contracts.Factory,
			Name:     contracts.EventProgramCreated,
			Address:  addr,
			Fields: map[string]any{
				contracts.FieldFactory:  addr,
				contracts.FieldProgram:  program,
				contracts.FieldCommerce: commerce,
				contracts.FieldName:     name,
				contracts.FieldCreated:  big.NewInt(l.now().Unix()),
			},
		}
		return common.Address{}, []ledger.Event{ev}, nil

	case contracts.MethodAddTrustedRelayer:
		relayer, err := addressArg(call.Args, 0)
		if err != nil {
			return common.Address{}, nil, err
		}
		token, err := l.ownedToken(addr, factory)
		if err != nil {
			return common.Address{}, nil, err
		}
		if token.relayers[relayer] && l.strictRelayers {
			return common.Address{}, nil, errAlreadyRelay
		}
		token.relayers[relayer] = true
		return common.Address{}, nil, nil

	case contracts.MethodMintTokensToAddress:
		amount, err := bigArg(call.Args, 0)
		if err != nil {
			return common.Address{}, nil, err
		}
		to, err := addressArg(call.Args, 1)
		if err != nil {
			return common.Address{}, nil, err
		}
		if amount.Sign() < 0 {
			return common.Address{}, nil, errBadArguments
		}
		token, err := l.ownedToken(addr, factory)
		if err != nil {
			return common.Address{}, nil, err
		}
		balance := cloneBig(token.balances[to])
		token.balances[to] = balance.Add(balance, amount)
		token.supply = new(big.Int).Add(token.supply, amount)
		return common.Address{}, nil, nil
	}
	return common.Address{}, nil, fmt.Errorf("%w: %s.%s", ledger.ErrUnknownMethod, contracts.Factory, call.Method)
}

func (l *Ledger) ownedToken(factoryAddr common.Address, factory *factoryState) (*tokenState, error) {
	token, ok := l.tokens[factory.token]
	if !ok {
		return nil, fmt.Errorf("token %s not deployed", factory.token.Hex())
	}
	if token.owner != factoryAddr {
		return nil, errNotTokenOwner
	}
	return token, nil
}

func addressArg(args []any, i int) (common.Address, error) {
	if i >= len(args) {
		return common.Address{}, errBadArguments
	}
	addr, err := ledger.AsAddress(args[i])
	if err != nil {
		return common.Address{}, errBadArguments
	}
	return addr, nil
}

func stringArg(args []any, i int) (string, error) {
	if i >= len(args) {
		return "", errBadArguments
	}
	s, ok := args[i].(string)
	if !ok {
		return "", errBadArguments
	}
	return s, nil
}

func bigArg(args []any, i int) (*big.Int, error) {
	if i >= len(args) {
		return nil, errBadArguments
	}
	v, err := ledger.AsBig(args[i])
	if err != nil {
		return nil, errBadArguments
	}
	return v, nil
}
