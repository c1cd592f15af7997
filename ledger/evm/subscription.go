package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"

	"omniloyalty/ledger"
)

const eventBuffer = 128

type subscription struct {
	events chan ledger.Event
	errs   chan error
	quit   chan struct{}
	once   sync.Once
	cancel context.CancelFunc
}

func newSubscription(cancel context.CancelFunc) *subscription {
	return &subscription{
		events: make(chan ledger.Event, eventBuffer),
		errs:   make(chan error, 1),
		quit:   make(chan struct{}),
		cancel: cancel,
	}
}

func (s *subscription) Events() <-chan ledger.Event { return s.events }

func (s *subscription) Err() <-chan error { return s.errs }

func (s *subscription) Unsubscribe() {
	s.once.Do(func() {
		close(s.quit)
		s.cancel()
	})
}

func (s *subscription) fail(err error) {
	select {
	case s.errs <- err:
	default:
	}
}

func (s *subscription) deliver(ev ledger.Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.quit:
		return false
	}
}

// Subscribe implements ledger.Client. A websocket endpoint gets a push
// subscription; over plain HTTP the client falls back to polling logs from
// the block after the current head. Either way the filter is live before
// Subscribe returns.
func (c *Client) Subscribe(ctx context.Context, filter ledger.EventFilter) (ledger.Subscription, error) {
	artifact, err := c.artifacts.lookup(filter.Contract)
	if err != nil {
		return nil, err
	}
	query := ethereum.FilterQuery{}
	if (filter.Address != common.Address{}) {
		query.Addresses = []common.Address{filter.Address}
	}
	if filter.Event != "" {
		event, ok := artifact.ABI.Events[filter.Event]
		if !ok {
			return nil, fmt.Errorf("%w: event %s.%s", ledger.ErrUnknownMethod, filter.Contract, filter.Event)
		}
		query.Topics = [][]common.Hash{{event.ID}}
	}
	if err := c.wait(ctx); err != nil {
		return nil, err
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := newSubscription(cancel)
	logs := make(chan gethtypes.Log, eventBuffer)
	remote, err := c.backend.SubscribeFilterLogs(subCtx, query, logs)
	switch {
	case err == nil:
		go c.forward(subCtx, sub, artifact, remote, logs)
		return sub, nil
	case errors.Is(err, rpc.ErrNotificationsUnsupported):
		head, err := c.backend.BlockNumber(subCtx)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("query head: %w", err)
		}
		c.logger.Debug("log subscriptions unsupported, polling", "event", filter.Event, "from", head+1)
		go c.poll(subCtx, sub, artifact, query, head+1)
		return sub, nil
	default:
		cancel()
		return nil, fmt.Errorf("subscribe logs: %w", err)
	}
}

func (c *Client) forward(ctx context.Context, sub *subscription, artifact *Artifact, remote ethereum.Subscription, logs <-chan gethtypes.Log) {
	defer remote.Unsubscribe()
	for {
		select {
		case <-ctx.Done():
			sub.Unsubscribe()
			return
		case err := <-remote.Err():
			if err != nil {
				sub.fail(err)
			}
			return
		case log := <-logs:
			if !c.emit(sub, artifact, log) {
				return
			}
		}
	}
}

func (c *Client) poll(ctx context.Context, sub *subscription, artifact *Artifact, query ethereum.FilterQuery, from uint64) {
	ticker := time.NewTicker(c.pollEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			sub.Unsubscribe()
			return
		case <-ticker.C:
		}
		if err := c.wait(ctx); err != nil {
			continue
		}
		head, err := c.backend.BlockNumber(ctx)
		if err != nil {
			c.logger.Warn("poll head failed", "error", err)
			continue
		}
		if head < from {
			continue
		}
		q := query
		q.FromBlock = new(big.Int).SetUint64(from)
		q.ToBlock = new(big.Int).SetUint64(head)
		logs, err := c.backend.FilterLogs(ctx, q)
		if err != nil {
			c.logger.Warn("poll logs failed", "from", from, "to", head, "error", err)
			continue
		}
		for _, log := range logs {
			if !c.emit(sub, artifact, log) {
				return
			}
		}
		from = head + 1
	}
}

func (c *Client) emit(sub *subscription, artifact *Artifact, log gethtypes.Log) bool {
	if log.Removed {
		return true
	}
	ev, err := DecodeLog(artifact, log)
	if err != nil {
		c.logger.Warn("undecodable log", "tx", log.TxHash.Hex(), "index", log.Index, "error", err)
		return true
	}
	return sub.deliver(ev)
}

// DecodeLog decodes log into an event using artifact's ABI. Indexed fields are
// read from topics; indexed dynamic types yield their topic hash.
func DecodeLog(artifact *Artifact, log gethtypes.Log) (ledger.Event, error) {
	if len(log.Topics) == 0 {
		return ledger.Event{}, fmt.Errorf("anonymous log")
	}
	event, err := artifact.ABI.EventByID(log.Topics[0])
	if err != nil {
		return ledger.Event{}, err
	}
	fields := make(map[string]any, len(event.Inputs))
	if len(log.Data) > 0 {
		if err := artifact.ABI.UnpackIntoMap(fields, event.Name, log.Data); err != nil {
			return ledger.Event{}, fmt.Errorf("unpack %s data: %w", event.Name, err)
		}
	}
	var indexed abi.Arguments
	for _, arg := range event.Inputs {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	if len(indexed) > 0 {
		if err := abi.ParseTopicsIntoMap(fields, indexed, log.Topics[1:]); err != nil {
			return ledger.Event{}, fmt.Errorf("parse %s topics: %w", event.Name, err)
		}
	}
	return ledger.Event{
		Contract:    artifact.Name,
		Name:        event.RawName,
		Address:     log.Address,
		Fields:      fields,
		TxHash:      log.TxHash,
		BlockNumber: log.BlockNumber,
		Index:       log.Index,
	}, nil
}
