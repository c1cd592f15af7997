// Package ledger defines the boundary between the orchestrator and the chain
// it drives. Implementations submit transactions, report receipts, answer view
// calls and stream decoded contract events; they hold no state beyond open
// subscriptions.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
)

var (
	// ErrUnknownContract is returned when a call names a contract the client has no artifact for.
	ErrUnknownContract = errors.New("ledger: unknown contract")
	// ErrUnknownMethod is returned when a call names a method or event missing from the contract ABI.
	ErrUnknownMethod = errors.New("ledger: unknown method")
	// ErrSubscriptionClosed is reported when a subscription ends without being cancelled by its owner.
	ErrSubscriptionClosed = errors.New("ledger: subscription closed")
)

// Call describes a state-changing transaction. A zero To together with an
// empty Method deploys Contract with Args as constructor parameters.
type Call struct {
	Contract string
	To       common.Address
	Method   string
	Args     []any
}

// Deploy builds a contract creation call.
func Deploy(contract string, args ...any) Call {
	return Call{Contract: contract, Args: args}
}

// Invoke builds a call of method on an already deployed contract.
func Invoke(contract string, to common.Address, method string, args ...any) Call {
	return Call{Contract: contract, To: to, Method: method, Args: args}
}

// IsDeployment reports whether the call creates a contract.
func (c Call) IsDeployment() bool {
	return c.Method == "" && (c.To == common.Address{})
}

// String renders the call for logs.
func (c Call) String() string {
	if c.IsDeployment() {
		return fmt.Sprintf("deploy %s", c.Contract)
	}
	return fmt.Sprintf("%s(%s).%s", c.Contract, c.To.Hex(), c.Method)
}

// ViewCall describes a read-only contract call.
type ViewCall struct {
	Contract string
	To       common.Address
	Method   string
	Args     []any
}

// View builds a read-only call.
func View(contract string, to common.Address, method string, args ...any) ViewCall {
	return ViewCall{Contract: contract, To: to, Method: method, Args: args}
}

// Receipt is the ledger's record of an included transaction.
type Receipt struct {
	TxHash          common.Hash
	Status          uint64
	BlockNumber     uint64
	BlockHash       common.Hash
	ContractAddress common.Address
	GasUsed         uint64
	// RevertReason is filled on a best-effort basis for failed receipts.
	RevertReason string
}

// Succeeded reports whether the receipt carries the success status.
func (r *Receipt) Succeeded() bool {
	return r != nil && r.Status == gethtypes.ReceiptStatusSuccessful
}

// RevertError reports that the ledger refused a call during execution, either
// at submission (gas estimation) or when it was mined.
type RevertError struct {
	Reason string
}

func (e *RevertError) Error() string {
	reason := strings.TrimSpace(e.Reason)
	if reason == "" {
		return "execution reverted"
	}
	return "execution reverted: " + reason
}

// IsRevert reports whether err carries a *RevertError.
func IsRevert(err error) (*RevertError, bool) {
	var revert *RevertError
	if errors.As(err, &revert) {
		return revert, true
	}
	return nil, false
}

// Event is a decoded contract log.
type Event struct {
	Contract    string
	Name        string
	Address     common.Address
	Fields      map[string]any
	TxHash      common.Hash
	BlockNumber uint64
	Index       uint
}

// ID uniquely identifies the log on the ledger.
func (e Event) ID() string {
	return fmt.Sprintf("%s:%d", e.TxHash.Hex(), e.Index)
}

// AddressField returns a field decoded as an address.
func (e Event) AddressField(name string) (common.Address, bool) {
	switch v := e.Fields[name].(type) {
	case common.Address:
		return v, true
	case *common.Address:
		if v == nil {
			return common.Address{}, false
		}
		return *v, true
	default:
		return common.Address{}, false
	}
}

// StringField returns a field decoded as a string.
func (e Event) StringField(name string) (string, bool) {
	v, ok := e.Fields[name].(string)
	return v, ok
}

// BigField returns a field decoded as an integer.
func (e Event) BigField(name string) (*big.Int, bool) {
	v, ok := e.Fields[name].(*big.Int)
	return v, ok && v != nil
}

// EventFilter selects the events a subscription receives.
type EventFilter struct {
	Contract string
	Address  common.Address
	Event    string
}

// Subscription is a live stream of events. Unsubscribe is idempotent and
// closes neither channel; readers must select on their own cancellation.
type Subscription interface {
	Events() <-chan Event
	Err() <-chan error
	Unsubscribe()
}

// Client is the ledger surface the orchestrator consumes.
type Client interface {
	// Submit signs and broadcasts the call and returns its transaction hash.
	Submit(ctx context.Context, call Call) (common.Hash, error)
	// WaitReceipt blocks until the transaction is included or ctx ends.
	WaitReceipt(ctx context.Context, tx common.Hash) (*Receipt, error)
	// Query executes a view call and returns its first output.
	Query(ctx context.Context, call ViewCall) (any, error)
	// Subscribe starts streaming events matching filter. Events emitted after
	// Subscribe returns are guaranteed to be delivered.
	Subscribe(ctx context.Context, filter EventFilter) (Subscription, error)
}
