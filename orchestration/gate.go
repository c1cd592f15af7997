package orchestration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"omniloyalty/ledger"
	"omniloyalty/observability"
)

// DefaultConfirmTimeout bounds a confirmation wait when the caller supplies none.
const DefaultConfirmTimeout = 2 * time.Minute

// OutcomeKind tags a transaction outcome.
type OutcomeKind string

const (
	OutcomeConfirmed OutcomeKind = "confirmed"
	OutcomeReverted  OutcomeKind = "reverted"
	OutcomeTimedOut  OutcomeKind = "timed_out"
	// OutcomeUnknown marks a submitted transaction whose wait was abandoned
	// because the run was cancelled. It may still be included later.
	OutcomeUnknown OutcomeKind = "unknown"
)

// Outcome is the terminal result of a submitted transaction.
type Outcome struct {
	Kind        OutcomeKind     `json:"kind"`
	TxHash      common.Hash     `json:"txHash"`
	Receipt     *ledger.Receipt `json:"receipt,omitempty"`
	Reason      string          `json:"reason,omitempty"`
	SubmittedAt time.Time       `json:"submittedAt"`
}

// Confirmed reports whether the transaction was included with success status.
func (o Outcome) Confirmed() bool {
	return o.Kind == OutcomeConfirmed
}

// Err describes a non-confirmed outcome as an error.
func (o Outcome) Err() error {
	switch o.Kind {
	case OutcomeConfirmed:
		return nil
	case OutcomeReverted:
		return &ledger.RevertError{Reason: o.Reason}
	case OutcomeTimedOut:
		return fmt.Errorf("transaction %s not included before timeout", o.TxHash.Hex())
	default:
		return fmt.Errorf("transaction %s abandoned with unknown outcome: %s", o.TxHash.Hex(), o.Reason)
	}
}

// Gate submits a transaction, waits for inclusion and classifies the result.
// It never retries.
type Gate struct {
	client  ledger.Client
	timeout time.Duration
	metrics *observability.DeployerMetrics
	logger  *slog.Logger
	now     func() time.Time
}

// GateOption customises a Gate.
type GateOption func(*Gate)

// WithGateTimeout sets the confirmation timeout used when a call passes none.
func WithGateTimeout(d time.Duration) GateOption {
	return func(g *Gate) { g.timeout = d }
}

// WithGateMetrics attaches metrics collectors.
func WithGateMetrics(m *observability.DeployerMetrics) GateOption {
	return func(g *Gate) { g.metrics = m }
}

// WithGateLogger sets the logger.
func WithGateLogger(l *slog.Logger) GateOption {
	return func(g *Gate) { g.logger = l }
}

// WithGateClock sets the clock used to stamp submissions.
func WithGateClock(clock func() time.Time) GateOption {
	return func(g *Gate) { g.now = clock }
}

// NewGate constructs a Gate over client.
func NewGate(client ledger.Client, opts ...GateOption) *Gate {
	g := &Gate{
		client:  client,
		timeout: DefaultConfirmTimeout,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.timeout <= 0 {
		g.timeout = DefaultConfirmTimeout
	}
	return g
}

// SubmitAndConfirm submits call and waits up to timeout for its receipt.
// A non-nil error means nothing reached the ledger: either submission failed
// for a reason other than a revert, or ctx ended first. Reverts rejected at
// submission are reported as OutcomeReverted without a hash.
func (g *Gate) SubmitAndConfirm(ctx context.Context, call ledger.Call, timeout time.Duration) (Outcome, error) {
	if timeout <= 0 {
		timeout = g.timeout
	}
	name := callLabel(call)
	ctx, span := tracer.Start(ctx, "gate.submit_and_confirm")
	span.SetAttributes(attribute.String("ledger.call", name))
	defer span.End()

	start := g.now()
	hash, err := g.client.Submit(ctx, call)
	if err != nil {
		if revert, ok := ledger.IsRevert(err); ok {
			outcome := Outcome{Kind: OutcomeReverted, Reason: revert.Reason, SubmittedAt: start}
			g.observe(name, outcome, start)
			span.SetStatus(codes.Error, "reverted at submission")
			return outcome, nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "submission failed")
		return Outcome{}, fmt.Errorf("submit %s: %w", call, err)
	}
	outcome := Outcome{TxHash: hash, SubmittedAt: start}
	span.SetAttributes(attribute.String("ledger.tx", hash.Hex()))
	g.logger.Debug("transaction submitted", "call", call.String(), "tx", hash.Hex())

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	receipt, err := g.client.WaitReceipt(waitCtx, hash)
	cancel()
	switch {
	case err == nil && receipt.Succeeded():
		outcome.Kind = OutcomeConfirmed
		outcome.Receipt = receipt
	case err == nil:
		outcome.Kind = OutcomeReverted
		outcome.Receipt = receipt
		outcome.Reason = receipt.RevertReason
	case ctx.Err() != nil:
		outcome.Kind = OutcomeUnknown
		outcome.Reason = ctx.Err().Error()
	case errors.Is(err, context.DeadlineExceeded):
		outcome.Kind = OutcomeTimedOut
		outcome.Reason = fmt.Sprintf("no receipt within %s", timeout)
	default:
		outcome.Kind = OutcomeUnknown
		outcome.Reason = err.Error()
	}
	g.observe(name, outcome, start)
	if !outcome.Confirmed() {
		span.SetStatus(codes.Error, string(outcome.Kind))
		g.logger.Warn("transaction not confirmed",
			"call", call.String(),
			"tx", hash.Hex(),
			"outcome", string(outcome.Kind),
			"reason", outcome.Reason,
		)
	}
	return outcome, nil
}

func (g *Gate) observe(name string, outcome Outcome, start time.Time) {
	g.metrics.ObserveTransaction(name, string(outcome.Kind), g.now().Sub(start))
}

func callLabel(call ledger.Call) string {
	if call.IsDeployment() {
		return "deploy_" + call.Contract
	}
	return call.Method
}
