// Package evm implements ledger.Client against an Ethereum JSON-RPC node using
// hardhat artifacts for contract ABIs and bytecode.
package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"golang.org/x/time/rate"

	"omniloyalty/ledger"
)

const (
	defaultPollInterval = time.Second
	defaultRateLimit    = 20
	defaultBurst        = 5
)

// Backend is the subset of the node API the client relies on.
// *ethclient.Client satisfies it.
type Backend interface {
	bind.ContractBackend
	TransactionReceipt(ctx context.Context, hash common.Hash) (*gethtypes.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*gethtypes.Transaction, bool, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// Config configures Dial.
type Config struct {
	Endpoint     string
	ChainID      uint64
	Key          *ecdsa.PrivateKey
	Artifacts    Artifacts
	PollInterval time.Duration
	RateLimit    float64
	Burst        int
	Logger       *slog.Logger
}

// Client signs and submits transactions from a single account. Submissions are
// serialised so nonces are assigned in call order.
type Client struct {
	backend   Backend
	from      common.Address
	chainID   *big.Int
	auth      *bind.TransactOpts
	artifacts Artifacts
	pollEvery time.Duration
	limiter   *rate.Limiter
	logger    *slog.Logger

	submitMu sync.Mutex
}

// Option customises a Client.
type Option func(*Client)

// WithPollInterval sets how often receipts and logs are polled.
func WithPollInterval(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.pollEvery = d
		}
	}
}

// WithRateLimit bounds outgoing RPC requests per second.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(c *Client) {
		if perSecond > 0 {
			if burst <= 0 {
				burst = 1
			}
			c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// Dial connects to cfg.Endpoint and verifies the node's chain ID when one is
// configured.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("evm endpoint required")
	}
	rpcClient, err := ethclient.DialContext(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}
	remote, err := rpcClient.ChainID(ctx)
	if err != nil {
		rpcClient.Close()
		return nil, fmt.Errorf("query chain id: %w", err)
	}
	if cfg.ChainID != 0 && remote.Uint64() != cfg.ChainID {
		rpcClient.Close()
		return nil, fmt.Errorf("chain id mismatch: node reports %s, configured %d", remote, cfg.ChainID)
	}
	return New(rpcClient, cfg.Key, remote, cfg.Artifacts,
		WithPollInterval(cfg.PollInterval),
		WithRateLimit(cfg.RateLimit, cfg.Burst),
		WithLogger(cfg.Logger),
	)
}

// New builds a client over backend that signs with key for chainID.
func New(backend Backend, key *ecdsa.PrivateKey, chainID *big.Int, artifacts Artifacts, opts ...Option) (*Client, error) {
	if backend == nil {
		return nil, fmt.Errorf("evm backend required")
	}
	if key == nil {
		return nil, fmt.Errorf("signing key required")
	}
	if chainID == nil || chainID.Sign() <= 0 {
		return nil, fmt.Errorf("chain id required")
	}
	auth, err := bind.NewKeyedTransactorWithChainID(key, chainID)
	if err != nil {
		return nil, fmt.Errorf("build transactor: %w", err)
	}
	c := &Client{
		backend:   backend,
		from:      crypto.PubkeyToAddress(key.PublicKey),
		chainID:   new(big.Int).Set(chainID),
		auth:      auth,
		artifacts: artifacts,
		pollEvery: defaultPollInterval,
		limiter:   rate.NewLimiter(rate.Limit(defaultRateLimit), defaultBurst),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// From returns the signing account.
func (c *Client) From() common.Address {
	return c.from
}

// ChainID returns the chain the client signs for.
func (c *Client) ChainID() uint64 {
	return c.chainID.Uint64()
}

// Submit implements ledger.Client. Calls the node rejects during gas
// estimation surface as *ledger.RevertError.
func (c *Client) Submit(ctx context.Context, call ledger.Call) (common.Hash, error) {
	artifact, err := c.artifacts.lookup(call.Contract)
	if err != nil {
		return common.Hash{}, err
	}
	if !call.IsDeployment() {
		if _, ok := artifact.ABI.Methods[call.Method]; !ok {
			return common.Hash{}, fmt.Errorf("%w: %s.%s", ledger.ErrUnknownMethod, call.Contract, call.Method)
		}
	}
	if err := c.wait(ctx); err != nil {
		return common.Hash{}, err
	}

	c.submitMu.Lock()
	defer c.submitMu.Unlock()
	opts := *c.auth
	opts.Context = ctx

	var tx *gethtypes.Transaction
	if call.IsDeployment() {
		if len(artifact.Bytecode) == 0 {
			return common.Hash{}, fmt.Errorf("artifact %s has no bytecode", call.Contract)
		}
		_, tx, _, err = bind.DeployContract(&opts, artifact.ABI, artifact.Bytecode, c.backend, call.Args...)
	} else {
		bound := bind.NewBoundContract(call.To, artifact.ABI, c.backend, c.backend, c.backend)
		tx, err = bound.Transact(&opts, call.Method, call.Args...)
	}
	if err != nil {
		if reason, ok := revertReason(err); ok {
			return common.Hash{}, &ledger.RevertError{Reason: reason}
		}
		return common.Hash{}, err
	}
	c.logger.Debug("transaction sent", "call", call.String(), "tx", tx.Hash().Hex(), "nonce", tx.Nonce())
	return tx.Hash(), nil
}

// WaitReceipt implements ledger.Client by polling until the receipt appears or
// ctx ends. The revert reason of a failed receipt is recovered by replaying the
// transaction against its block.
func (c *Client) WaitReceipt(ctx context.Context, hash common.Hash) (*ledger.Receipt, error) {
	ticker := time.NewTicker(c.pollEvery)
	defer ticker.Stop()
	for {
		if err := c.wait(ctx); err != nil {
			return nil, err
		}
		receipt, err := c.backend.TransactionReceipt(ctx, hash)
		switch {
		case err == nil && receipt != nil:
			return c.convertReceipt(ctx, receipt), nil
		case err != nil && !errors.Is(err, ethereum.NotFound):
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("fetch receipt %s: %w", hash.Hex(), err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) convertReceipt(ctx context.Context, receipt *gethtypes.Receipt) *ledger.Receipt {
	out := &ledger.Receipt{
		TxHash:          receipt.TxHash,
		Status:          receipt.Status,
		BlockHash:       receipt.BlockHash,
		ContractAddress: receipt.ContractAddress,
		GasUsed:         receipt.GasUsed,
	}
	if receipt.BlockNumber != nil {
		out.BlockNumber = receipt.BlockNumber.Uint64()
	}
	if receipt.Status != gethtypes.ReceiptStatusSuccessful {
		out.RevertReason = c.replay(ctx, receipt)
	}
	return out
}

func (c *Client) replay(ctx context.Context, receipt *gethtypes.Receipt) string {
	tx, _, err := c.backend.TransactionByHash(ctx, receipt.TxHash)
	if err != nil || tx == nil {
		return ""
	}
	msg := ethereum.CallMsg{
		From:  c.from,
		To:    tx.To(),
		Gas:   tx.Gas(),
		Value: tx.Value(),
		Data:  tx.Data(),
	}
	_, err = c.backend.CallContract(ctx, msg, receipt.BlockNumber)
	if err == nil {
		return ""
	}
	reason, _ := revertReason(err)
	return reason
}

// Query implements ledger.Client. A single return value is returned as is;
// multiple values are returned as []any.
func (c *Client) Query(ctx context.Context, call ledger.ViewCall) (any, error) {
	artifact, err := c.artifacts.lookup(call.Contract)
	if err != nil {
		return nil, err
	}
	if _, ok := artifact.ABI.Methods[call.Method]; !ok {
		return nil, fmt.Errorf("%w: %s.%s", ledger.ErrUnknownMethod, call.Contract, call.Method)
	}
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	bound := bind.NewBoundContract(call.To, artifact.ABI, c.backend, c.backend, c.backend)
	var out []any
	if err := bound.Call(&bind.CallOpts{Context: ctx, From: c.from}, &out, call.Method, call.Args...); err != nil {
		return nil, fmt.Errorf("call %s.%s: %w", call.Contract, call.Method, err)
	}
	if len(out) == 1 {
		return out[0], nil
	}
	return out, nil
}

// wait blocks on the rate limiter. A limiter that refuses because the next
// token lands past the context deadline reports context.DeadlineExceeded.
func (c *Client) wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.limiter == nil {
		return nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if _, ok := ctx.Deadline(); ok {
			return fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
		}
		return err
	}
	return nil
}

// revertReason extracts the reason from a node error that reports a revert.
func revertReason(err error) (string, bool) {
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if reason, ok := decodeRevertData(dataErr.ErrorData()); ok {
			return reason, true
		}
	}
	msg := err.Error()
	idx := strings.Index(msg, "execution reverted")
	if idx < 0 {
		return "", false
	}
	reason := strings.TrimPrefix(msg[idx:], "execution reverted")
	reason = strings.TrimSpace(strings.TrimPrefix(reason, ":"))
	return reason, true
}

func decodeRevertData(data any) (string, bool) {
	var raw []byte
	switch v := data.(type) {
	case string:
		decoded, err := hexutil.Decode(v)
		if err != nil {
			return "", false
		}
		raw = decoded
	case []byte:
		raw = v
	default:
		return "", false
	}
	if len(raw) == 0 {
		return "", true
	}
	reason, err := abi.UnpackRevert(raw)
	if err != nil {
		return "", false
	}
	return reason, true
}
