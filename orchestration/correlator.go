package orchestration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"omniloyalty/contracts"
	"omniloyalty/ledger"
	"omniloyalty/observability"
)

// DefaultEventTimeout bounds an event wait when the caller supplies none.
const DefaultEventTimeout = 2 * time.Minute

var errAlreadyClaimed = errors.New("orchestration: event already claimed")

// Predicate selects the event a request is waiting for.
type Predicate func(ledger.Event) bool

// Matches reports whether ev is the creation event for this key. Only fields
// echoed by the event are compared; submission order is never relied upon.
func (k CorrelationKey) Matches(ev ledger.Event) bool {
	if ev.Name != contracts.EventProgramCreated || ev.Address != k.Factory {
		return false
	}
	if factory, ok := ev.AddressField(contracts.FieldFactory); ok && factory != k.Factory {
		return false
	}
	commerce, ok := ev.AddressField(contracts.FieldCommerce)
	if !ok || commerce != k.Commerce {
		return false
	}
	// An indexed string topic only carries the hash of the name.
	switch name := ev.Fields[contracts.FieldName].(type) {
	case string:
		return name == k.Name
	case common.Hash:
		return name == crypto.Keccak256Hash([]byte(k.Name))
	default:
		return false
	}
}

// Filter returns the subscription filter for creation events of the key's factory.
func (k CorrelationKey) Filter() ledger.EventFilter {
	return ledger.EventFilter{
		Contract: contracts.Factory,
		Address:  k.Factory,
		Event:    contracts.EventProgramCreated,
	}
}

// ProgramAddress extracts the created program address from a creation event.
func ProgramAddress(ev ledger.Event) (common.Address, error) {
	addr, ok := ev.AddressField(contracts.FieldProgram)
	if !ok || (addr == common.Address{}) {
		return common.Address{}, fmt.Errorf("orchestration: event %s carries no %s", ev.ID(), contracts.FieldProgram)
	}
	return addr, nil
}

// Correlator resolves asynchronously emitted events to the requests that
// caused them. Each request subscribes before its transaction is submitted and
// is resolved by the first event its predicate accepts that no other request
// has claimed. An event accepted by more than one in-flight request is an
// error for all of them.
type Correlator struct {
	client  ledger.Client
	metrics *observability.DeployerMetrics
	logger  *slog.Logger
	now     func() time.Time

	mu        sync.Mutex
	pending   map[*Pending]struct{}
	claimed   map[string]*Pending
	contested map[string]int
}

// CorrelatorOption customises a Correlator.
type CorrelatorOption func(*Correlator)

// WithCorrelatorMetrics attaches metrics collectors.
func WithCorrelatorMetrics(m *observability.DeployerMetrics) CorrelatorOption {
	return func(c *Correlator) { c.metrics = m }
}

// WithCorrelatorLogger sets the logger.
func WithCorrelatorLogger(l *slog.Logger) CorrelatorOption {
	return func(c *Correlator) { c.logger = l }
}

// WithCorrelatorClock sets the clock used to stamp subscriptions.
func WithCorrelatorClock(clock func() time.Time) CorrelatorOption {
	return func(c *Correlator) { c.now = clock }
}

// NewCorrelator constructs a Correlator over client.
func NewCorrelator(client ledger.Client, opts ...CorrelatorOption) *Correlator {
	c := &Correlator{
		client:    client,
		logger:    slog.Default(),
		now:       time.Now,
		pending:   make(map[*Pending]struct{}),
		claimed:   make(map[string]*Pending),
		contested: make(map[string]int),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// InFlight reports how many requests are still waiting.
func (c *Correlator) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Expect opens a subscription for filter and starts matching events against
// match. It must be called before the triggering transaction is submitted.
// The returned Pending must be awaited or cancelled.
func (c *Correlator) Expect(ctx context.Context, filter ledger.EventFilter, match Predicate) (*Pending, error) {
	if match == nil {
		return nil, fmt.Errorf("orchestration: predicate required")
	}
	sub, err := c.client.Subscribe(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", filter.Event, err)
	}
	p := &Pending{
		owner:        c,
		match:        match,
		sub:          sub,
		subscribedAt: c.now(),
		done:         make(chan struct{}),
		stop:         make(chan struct{}),
		exited:       make(chan struct{}),
	}
	c.mu.Lock()
	c.pending[p] = struct{}{}
	c.mu.Unlock()
	c.metrics.SubscriptionOpened()
	go p.run()
	return p, nil
}

func (c *Correlator) claim(p *Pending, ev ledger.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := ev.ID()
	if owner, ok := c.claimed[id]; ok && owner != p {
		return errAlreadyClaimed
	}
	// Once contested, an event stays contested for every request that sees
	// it, including those still in flight after the first one gave up.
	matches, contested := c.contested[id]
	if !contested {
		for other := range c.pending {
			if other.match(ev) {
				matches++
			}
		}
		if matches > 1 {
			c.contested[id] = matches
		}
	}
	if matches > 1 {
		return fmt.Errorf("%w: event %s matched by %d requests", ErrAmbiguousCorrelation, id, matches)
	}
	c.claimed[id] = p
	return nil
}

func (c *Correlator) unclaim(p *Pending, ev ledger.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.claimed[ev.ID()] == p {
		delete(c.claimed, ev.ID())
	}
}

func (c *Correlator) release(p *Pending) {
	c.mu.Lock()
	delete(c.pending, p)
	c.mu.Unlock()
	c.metrics.SubscriptionClosed()
}

// Pending is a single-use future for one correlated event.
type Pending struct {
	owner        *Correlator
	match        Predicate
	sub          ledger.Subscription
	subscribedAt time.Time

	resolveOnce sync.Once
	stopOnce    sync.Once
	releaseOnce sync.Once
	done        chan struct{}
	stop        chan struct{}
	exited      chan struct{}
	event       ledger.Event
	err         error
}

// SubscribedAt returns when the subscription was established.
func (p *Pending) SubscribedAt() time.Time {
	return p.subscribedAt
}

// Await blocks until the matching event is resolved, timeout elapses or ctx
// ends. On timeout the result is ErrCorrelationTimeout; on ctx cancellation
// ErrCorrelationCancelled. The subscription is torn down before Await returns.
func (p *Pending) Await(ctx context.Context, timeout time.Duration) (ledger.Event, error) {
	if timeout <= 0 {
		timeout = DefaultEventTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-p.done:
	case <-timer.C:
		p.resolve(ledger.Event{}, fmt.Errorf("%w (%s)", ErrCorrelationTimeout, timeout))
	case <-ctx.Done():
		p.resolve(ledger.Event{}, fmt.Errorf("%w: %v", ErrCorrelationCancelled, ctx.Err()))
	}
	p.halt()
	<-p.exited
	return p.event, p.err
}

// Cancel abandons the wait and tears down the subscription. It is safe to
// call more than once and after Await.
func (p *Pending) Cancel() {
	p.resolve(ledger.Event{}, ErrCorrelationCancelled)
	p.halt()
	<-p.exited
}

func (p *Pending) run() {
	defer close(p.exited)
	defer p.teardown()
	for {
		select {
		case ev := <-p.sub.Events():
			if !p.match(ev) {
				continue
			}
			if err := p.owner.claim(p, ev); err != nil {
				if errors.Is(err, errAlreadyClaimed) {
					continue
				}
				p.resolve(ledger.Event{}, err)
				return
			}
			if !p.resolve(ev, nil) {
				p.owner.unclaim(p, ev)
			}
			return
		case err := <-p.sub.Err():
			if err == nil {
				err = ledger.ErrSubscriptionClosed
			}
			p.resolve(ledger.Event{}, fmt.Errorf("event subscription: %w", err))
			return
		case <-p.stop:
			return
		}
	}
}

func (p *Pending) resolve(ev ledger.Event, err error) bool {
	resolved := false
	p.resolveOnce.Do(func() {
		p.event = ev
		p.err = err
		resolved = true
		close(p.done)
		outcome := "matched"
		switch {
		case errors.Is(err, ErrCorrelationTimeout):
			outcome = "timeout"
		case errors.Is(err, ErrCorrelationCancelled):
			outcome = "cancelled"
		case errors.Is(err, ErrAmbiguousCorrelation):
			outcome = "ambiguous"
		case err != nil:
			outcome = "error"
		}
		p.owner.metrics.ObserveCorrelation(outcome, p.owner.now().Sub(p.subscribedAt))
		if err != nil && !errors.Is(err, ErrCorrelationCancelled) {
			p.owner.logger.Warn("event correlation failed", "error", err)
		}
	})
	return resolved
}

func (p *Pending) halt() {
	p.stopOnce.Do(func() { close(p.stop) })
}

func (p *Pending) teardown() {
	p.releaseOnce.Do(func() {
		p.sub.Unsubscribe()
		p.owner.release(p)
	})
}
