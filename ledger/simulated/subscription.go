package simulated

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"omniloyalty/ledger"
)

const subscriptionBuffer = 128

type subscription struct {
	id     uint64
	filter ledger.EventFilter
	owner  *Ledger
	events chan ledger.Event
	errs   chan error
	quit   chan struct{}
	once   sync.Once
}

func (s *subscription) Events() <-chan ledger.Event { return s.events }

func (s *subscription) Err() <-chan error { return s.errs }

func (s *subscription) Unsubscribe() {
	s.once.Do(func() {
		s.owner.mu.Lock()
		delete(s.owner.subs, s.id)
		s.owner.record(OpUnsubscribe, s.filter.Event, common.Hash{})
		s.owner.mu.Unlock()
		close(s.quit)
	})
}

func (s *subscription) matches(ev ledger.Event) bool {
	if s.filter.Contract != "" && s.filter.Contract != ev.Contract {
		return false
	}
	if s.filter.Event != "" && s.filter.Event != ev.Name {
		return false
	}
	if (s.filter.Address != common.Address{}) && s.filter.Address != ev.Address {
		return false
	}
	return true
}

// Subscribe implements ledger.Client. The subscription is registered before
// Subscribe returns, so any event mined afterwards reaches it. Cancelling ctx
// tears the subscription down.
func (l *Ledger) Subscribe(ctx context.Context, filter ledger.EventFilter) (ledger.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.nextSub++
	sub := &subscription{
		id:     l.nextSub,
		filter: filter,
		owner:  l,
		events: make(chan ledger.Event, subscriptionBuffer),
		errs:   make(chan error, 1),
		quit:   make(chan struct{}),
	}
	l.subs[sub.id] = sub
	l.record(OpSubscribe, filter.Event, common.Hash{})
	l.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			sub.Unsubscribe()
		case <-sub.quit:
		}
	}()
	return sub, nil
}
