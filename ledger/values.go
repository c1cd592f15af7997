package ledger

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// AsAddress converts a query result into an address.
func AsAddress(v any) (common.Address, error) {
	switch value := v.(type) {
	case common.Address:
		return value, nil
	case *common.Address:
		if value == nil {
			return common.Address{}, fmt.Errorf("ledger: nil address")
		}
		return *value, nil
	default:
		return common.Address{}, fmt.Errorf("ledger: expected address, got %T", v)
	}
}

// AsBool converts a query result into a bool.
func AsBool(v any) (bool, error) {
	value, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("ledger: expected bool, got %T", v)
	}
	return value, nil
}

// AsBig converts a query result into a copy of an integer.
func AsBig(v any) (*big.Int, error) {
	switch value := v.(type) {
	case *big.Int:
		if value == nil {
			return nil, fmt.Errorf("ledger: nil integer")
		}
		return new(big.Int).Set(value), nil
	case uint64:
		return new(big.Int).SetUint64(value), nil
	default:
		return nil, fmt.Errorf("ledger: expected integer, got %T", v)
	}
}
