// Package simulated provides an in-process ledger that executes the OmniToken
// and LoyaltyProgramFactory contracts natively. Every transaction is mined in
// its own block, either immediately on submission or on demand when manual
// mining is enabled, which lets callers reorder inclusion deliberately.
package simulated

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"omniloyalty/contracts"
	"omniloyalty/ledger"
)

// DefaultDeployer is the first well-known development account.
var DefaultDeployer = common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")

// Hooks inject faults. Each hook is optional.
type Hooks struct {
	// Reject refuses a call at submission; no transaction hash is produced.
	Reject func(call ledger.Call) error
	// Revert makes a mined call fail with the returned reason when non-empty.
	Revert func(call ledger.Call) string
	// Drop accepts a call but never includes it.
	Drop func(call ledger.Call) bool
	// Silence suppresses delivery of an emitted event.
	Silence func(ev ledger.Event) bool
}

// OpKind classifies journal entries.
type OpKind string

const (
	OpSubscribe   OpKind = "subscribe"
	OpUnsubscribe OpKind = "unsubscribe"
	OpSubmit      OpKind = "submit"
	OpMine        OpKind = "mine"
	OpEmit        OpKind = "emit"
)

// Op is a journal entry. Seq is strictly increasing across all operations.
type Op struct {
	Seq    uint64
	Kind   OpKind
	Detail string
	TxHash common.Hash
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithManualMining queues submitted transactions until Mine or MineTx is called.
func WithManualMining() Option {
	return func(l *Ledger) { l.manual = true }
}

// WithDeployer sets the account used by Submit.
func WithDeployer(addr common.Address) Option {
	return func(l *Ledger) { l.deployer = addr }
}

// WithClock sets the block timestamp source.
func WithClock(clock func() time.Time) Option {
	return func(l *Ledger) { l.now = clock }
}

// WithStrictRelayers makes addTrustedRelayer revert for an already trusted address.
func WithStrictRelayers() Option {
	return func(l *Ledger) { l.strictRelayers = true }
}

type pendingTx struct {
	hash  common.Hash
	from  common.Address
	nonce uint64
	call  ledger.Call
}

type delivery struct {
	sub *subscription
	ev  ledger.Event
}

// Ledger is a deterministic in-memory chain. It is safe for concurrent use.
type Ledger struct {
	deployer       common.Address
	manual         bool
	strictRelayers bool
	now            func() time.Time

	mu        sync.Mutex
	hooks     Hooks
	block     uint64
	seq       uint64
	journal   []Op
	nonces    map[common.Address]uint64
	pending   []pendingTx
	dropped   map[common.Hash]struct{}
	receipts  map[common.Hash]*ledger.Receipt
	mined     map[common.Hash]chan struct{}
	tokens    map[common.Address]*tokenState
	factories map[common.Address]*factoryState
	programs  map[common.Address]*programState
	subs      map[uint64]*subscription
	nextSub   uint64
}

// New constructs an empty ledger.
func New(opts ...Option) *Ledger {
	l := &Ledger{
		deployer:  DefaultDeployer,
		now:       time.Now,
		nonces:    make(map[common.Address]uint64),
		dropped:   make(map[common.Hash]struct{}),
		receipts:  make(map[common.Hash]*ledger.Receipt),
		mined:     make(map[common.Hash]chan struct{}),
		tokens:    make(map[common.Address]*tokenState),
		factories: make(map[common.Address]*factoryState),
		programs:  make(map[common.Address]*programState),
		subs:      make(map[uint64]*subscription),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Deployer returns the account Submit signs with.
func (l *Ledger) Deployer() common.Address {
	return l.deployer
}

// SetHooks replaces the fault hooks.
func (l *Ledger) SetHooks(h Hooks) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hooks = h
}

// Journal returns a copy of the operation journal.
func (l *Ledger) Journal() []Op {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Op, len(l.journal))
	copy(out, l.journal)
	return out
}

// ActiveSubscriptions reports how many subscriptions are still open.
func (l *Ledger) ActiveSubscriptions() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.subs)
}

// Pending returns the hashes of transactions waiting to be mined, oldest first.
func (l *Ledger) Pending() []common.Hash {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]common.Hash, 0, len(l.pending))
	for _, tx := range l.pending {
		out = append(out, tx.hash)
	}
	return out
}

// BlockNumber returns the current head.
func (l *Ledger) BlockNumber() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.block
}

// Submit implements ledger.Client using the deployer account.
func (l *Ledger) Submit(ctx context.Context, call ledger.Call) (common.Hash, error) {
	return l.SubmitFrom(ctx, l.deployer, call)
}

// SubmitFrom submits a call on behalf of an arbitrary account.
func (l *Ledger) SubmitFrom(ctx context.Context, from common.Address, call ledger.Call) (common.Hash, error) {
	if err := ctx.Err(); err != nil {
		return common.Hash{}, err
	}
	if err := checkCall(call); err != nil {
		return common.Hash{}, err
	}
	l.mu.Lock()
	if l.hooks.Reject != nil {
		if err := l.hooks.Reject(call); err != nil {
			l.mu.Unlock()
			return common.Hash{}, err
		}
	}
	nonce := l.nonces[from]
	l.nonces[from] = nonce + 1
	tx := pendingTx{from: from, nonce: nonce, call: call}
	tx.hash = txHash(from, nonce, call)
	l.record(OpSubmit, call.String(), tx.hash)
	l.mined[tx.hash] = make(chan struct{})
	if l.hooks.Drop != nil && l.hooks.Drop(call) {
		l.dropped[tx.hash] = struct{}{}
		l.mu.Unlock()
		return tx.hash, nil
	}
	var deliveries []delivery
	if l.manual {
		l.pending = append(l.pending, tx)
	} else {
		deliveries = l.mineLocked(tx)
	}
	l.mu.Unlock()
	l.deliver(deliveries)
	return tx.hash, nil
}

// Mine includes every pending transaction in submission order and returns how
// many were mined.
func (l *Ledger) Mine() int {
	l.mu.Lock()
	queue := l.pending
	l.pending = nil
	var deliveries []delivery
	for _, tx := range queue {
		deliveries = append(deliveries, l.mineLocked(tx)...)
	}
	l.mu.Unlock()
	l.deliver(deliveries)
	return len(queue)
}

// MineTx includes a single pending transaction, allowing out-of-order inclusion.
func (l *Ledger) MineTx(hash common.Hash) error {
	l.mu.Lock()
	idx := -1
	for i, tx := range l.pending {
		if tx.hash == hash {
			idx = i
			break
		}
	}
	if idx < 0 {
		l.mu.Unlock()
		return fmt.Errorf("simulated: transaction %s not pending", hash.Hex())
	}
	tx := l.pending[idx]
	l.pending = append(l.pending[:idx], l.pending[idx+1:]...)
	deliveries := l.mineLocked(tx)
	l.mu.Unlock()
	l.deliver(deliveries)
	return nil
}

// WaitReceipt implements ledger.Client.
func (l *Ledger) WaitReceipt(ctx context.Context, hash common.Hash) (*ledger.Receipt, error) {
	l.mu.Lock()
	done, ok := l.mined[hash]
	l.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("simulated: unknown transaction %s", hash.Hex())
	}
	select {
	case <-done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	receipt := *l.receipts[hash]
	return &receipt, nil
}

// Query implements ledger.Client.
func (l *Ledger) Query(ctx context.Context, call ledger.ViewCall) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	switch call.Contract {
	case contracts.Token:
		token, ok := l.tokens[call.To]
		if !ok {
			return nil, fmt.Errorf("simulated: no token at %s", call.To.Hex())
		}
		return token.view(call)
	case contracts.Factory:
		factory, ok := l.factories[call.To]
		if !ok {
			return nil, fmt.Errorf("simulated: no factory at %s", call.To.Hex())
		}
		return factory.view(call)
	default:
		return nil, fmt.Errorf("%w: %s", ledger.ErrUnknownContract, call.Contract)
	}
}

func (l *Ledger) mineLocked(tx pendingTx) []delivery {
	l.block++
	receipt := &ledger.Receipt{
		TxHash:      tx.hash,
		Status:      gethtypes.ReceiptStatusSuccessful,
		BlockNumber: l.block,
		BlockHash:   crypto.Keccak256Hash(tx.hash.Bytes(), uint64Bytes(l.block)),
		GasUsed:     21_000,
	}
	var events []ledger.Event
	reason := ""
	if l.hooks.Revert != nil {
		reason = l.hooks.Revert(tx.call)
	}
	if reason == "" {
		created, emitted, err := l.execute(tx)
		if err != nil {
			reason = err.Error()
		} else {
			receipt.ContractAddress = created
			events = emitted
		}
	}
	if reason != "" {
		receipt.Status = gethtypes.ReceiptStatusFailed
		receipt.RevertReason = reason
	}
	l.receipts[tx.hash] = receipt
	l.record(OpMine, tx.call.String(), tx.hash)
	close(l.mined[tx.hash])

	var deliveries []delivery
	for i := range events {
		ev := events[i]
		ev.TxHash = tx.hash
		ev.BlockNumber = l.block
		ev.Index = uint(i)
		l.record(OpEmit, ev.Name, tx.hash)
		if l.hooks.Silence != nil && l.hooks.Silence(ev) {
			continue
		}
		for _, sub := range l.subs {
			if sub.matches(ev) {
				deliveries = append(deliveries, delivery{sub: sub, ev: ev})
			}
		}
	}
	return deliveries
}

func (l *Ledger) deliver(deliveries []delivery) {
	for _, d := range deliveries {
		select {
		case d.sub.events <- d.ev:
		case <-d.sub.quit:
		}
	}
}

func (l *Ledger) record(kind OpKind, detail string, hash common.Hash) {
	l.seq++
	l.journal = append(l.journal, Op{Seq: l.seq, Kind: kind, Detail: detail, TxHash: hash})
}

func checkCall(call ledger.Call) error {
	switch call.Contract {
	case contracts.Token, contracts.Factory:
	default:
		return fmt.Errorf("%w: %s", ledger.ErrUnknownContract, call.Contract)
	}
	if call.IsDeployment() {
		return nil
	}
	switch call.Method {
	case contracts.MethodTransferOwnership,
		contracts.MethodCreateLoyaltyProgram,
		contracts.MethodAddTrustedRelayer,
		contracts.MethodMintTokensToAddress:
		return nil
	default:
		return fmt.Errorf("%w: %s.%s", ledger.ErrUnknownMethod, call.Contract, call.Method)
	}
}

func txHash(from common.Address, nonce uint64, call ledger.Call) common.Hash {
	return crypto.Keccak256Hash(from.Bytes(), uint64Bytes(nonce), []byte(call.String()))
}

func uint64Bytes(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

func cloneBig(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}
