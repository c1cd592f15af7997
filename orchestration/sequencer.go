package orchestration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"omniloyalty/contracts"
	"omniloyalty/ledger"
	"omniloyalty/observability"
)

// Sequencer drives the bootstrap plan: deploy the token, deploy the factory,
// hand token ownership to the factory, then create, register and fund each
// program in input order. Setup failures abort the run; program failures are
// recorded and the next program is processed.
type Sequencer struct {
	client         ledger.Client
	gate           *Gate
	correlator     *Correlator
	confirmTimeout time.Duration
	eventTimeout   time.Duration
	metrics        *observability.DeployerMetrics
	logger         *slog.Logger
	now            func() time.Time
	newID          func() string
}

// Option customises a Sequencer.
type Option func(*Sequencer)

// WithConfirmTimeout bounds every transaction confirmation wait.
func WithConfirmTimeout(d time.Duration) Option {
	return func(s *Sequencer) { s.confirmTimeout = d }
}

// WithEventTimeout bounds every creation-event wait.
func WithEventTimeout(d time.Duration) Option {
	return func(s *Sequencer) { s.eventTimeout = d }
}

// WithMetrics attaches metrics collectors.
func WithMetrics(m *observability.DeployerMetrics) Option {
	return func(s *Sequencer) { s.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Sequencer) { s.logger = l }
}

// WithClock sets the function used to derive timestamps.
func WithClock(clock func() time.Time) Option {
	return func(s *Sequencer) { s.now = clock }
}

// WithIDSource sets the generator for run and request identifiers.
func WithIDSource(fn func() string) Option {
	return func(s *Sequencer) { s.newID = fn }
}

// NewSequencer constructs a sequencer over client.
func NewSequencer(client ledger.Client, opts ...Option) *Sequencer {
	s := &Sequencer{
		client:         client,
		confirmTimeout: DefaultConfirmTimeout,
		eventTimeout:   DefaultEventTimeout,
		logger:         slog.Default(),
		now:            time.Now,
		newID:          uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.gate = NewGate(client,
		WithGateTimeout(s.confirmTimeout),
		WithGateMetrics(s.metrics),
		WithGateLogger(s.logger),
		WithGateClock(s.now),
	)
	s.correlator = NewCorrelator(client,
		WithCorrelatorMetrics(s.metrics),
		WithCorrelatorLogger(s.logger),
		WithCorrelatorClock(s.now),
	)
	return s
}

// runContext carries the handles produced by earlier steps to later ones.
type runContext struct {
	result  *Result
	logger  *slog.Logger
	token   ContractHandle
	factory ContractHandle
	trust   *TrustRegistry
	minter  *Minter
	seen    map[CorrelationKey]int
}

// Run executes the plan for specs. Invalid specs are rejected before anything
// is submitted. The returned error is a *SetupError for a fatal setup
// failure, wraps ctx.Err() when the run was cancelled and is nil otherwise,
// including when individual programs failed; Result is non-nil in every case
// except input validation.
func (s *Sequencer) Run(ctx context.Context, specs []ProgramSpec) (*Result, error) {
	for i, spec := range specs {
		if err := spec.Validate(); err != nil {
			return nil, fmt.Errorf("program %d: %w", i, err)
		}
	}
	result := &Result{
		RunID:     s.newID(),
		StartedAt: s.now(),
		Programs:  make([]SpecOutcome, 0, len(specs)),
	}
	ctx, span := tracer.Start(ctx, "sequencer.run")
	span.SetAttributes(attribute.String("run.id", result.RunID), attribute.Int("run.programs", len(specs)))
	defer span.End()
	defer func() {
		result.FinishedAt = s.now()
		s.metrics.RecordRun(string(result.Status))
	}()
	logger := s.logger.With("run", result.RunID)
	logger.Info("bootstrap run started", "programs", len(specs))

	token, err := s.deploy(ctx, result, StepDeployToken, ledger.Deploy(contracts.Token))
	if err != nil {
		return s.abort(ctx, result, err)
	}
	result.Token = token
	logger.Info("token deployed", "address", token.Address.Hex(), "tx", token.DeploymentTx.Hex())

	factory, err := s.deploy(ctx, result, StepDeployFactory, ledger.Deploy(contracts.Factory, token.Address))
	if err != nil {
		return s.abort(ctx, result, err)
	}
	result.Factory = factory
	logger.Info("factory deployed", "address", factory.Address.Hex(), "token", token.Address.Hex())

	if err := s.transferOwnership(ctx, result, token, factory); err != nil {
		return s.abort(ctx, result, err)
	}
	logger.Info("token ownership transferred", "owner", factory.Address.Hex())

	rc := &runContext{
		result:  result,
		logger:  logger,
		token:   token,
		factory: factory,
		trust:   NewTrustRegistry(s.client, s.gate, token.Address, factory.Address, s.confirmTimeout, logger),
		minter:  NewMinter(s.client, s.gate, token.Address, factory.Address, s.confirmTimeout),
		seen:    make(map[CorrelationKey]int),
	}
	for i, spec := range specs {
		if ctx.Err() != nil {
			result.Programs = append(result.Programs, s.notAttempted(i, spec))
			continue
		}
		outcome := s.processSpec(ctx, rc, i, spec)
		s.metrics.RecordProgram(string(outcome.Failure))
		result.Programs = append(result.Programs, outcome)
	}

	result.Status = RunSucceeded
	if len(result.Failed()) > 0 {
		result.Status = RunCompletedWithFailures
	}
	if err := ctx.Err(); err != nil {
		result.Status = RunCancelled
		span.SetStatus(codes.Error, "cancelled")
		logger.Warn("bootstrap run cancelled", "error", err)
		return result, fmt.Errorf("orchestration: run cancelled: %w", err)
	}
	logger.Info("bootstrap run finished",
		"status", string(result.Status),
		"failed_programs", len(result.Failed()),
	)
	return result, nil
}

func (s *Sequencer) abort(ctx context.Context, result *Result, err error) (*Result, error) {
	if ctxErr := ctx.Err(); ctxErr != nil {
		result.Status = RunCancelled
		return result, fmt.Errorf("orchestration: run cancelled: %w", errors.Join(ctxErr, err))
	}
	result.Status = RunFailed
	var setupErr *SetupError
	if errors.As(err, &setupErr) {
		result.Fatal = setupErr
	}
	s.logger.Error("bootstrap run aborted", "run", result.RunID, "error", err)
	return result, err
}

func (s *Sequencer) deploy(ctx context.Context, result *Result, name StepName, call ledger.Call) (ContractHandle, error) {
	step := s.begin(name)
	defer func() { result.Setup = append(result.Setup, step) }()
	s.logger.Info("deploying contract", "run", result.RunID, "contract", call.Contract)

	outcome, err := s.gate.SubmitAndConfirm(ctx, call, s.confirmTimeout)
	if err != nil {
		return ContractHandle{}, s.setupFailure(&step, s.ledgerFailure(ctx), err)
	}
	step.TxHash = outcome.TxHash
	if !outcome.Confirmed() {
		return ContractHandle{}, s.setupFailure(&step, failureFor(outcome), outcome.Err())
	}
	addr := outcome.Receipt.ContractAddress
	if (addr == common.Address{}) {
		return ContractHandle{}, s.setupFailure(&step, FailurePostcondition, ErrMissingContract)
	}
	s.succeed(&step, addr.Hex())
	return ContractHandle{
		Name:         call.Contract,
		Address:      addr,
		DeploymentTx: outcome.TxHash,
		Block:        outcome.Receipt.BlockNumber,
	}, nil
}

func (s *Sequencer) transferOwnership(ctx context.Context, result *Result, token, factory ContractHandle) error {
	step := s.begin(StepTransferOwnership)
	defer func() { result.Setup = append(result.Setup, step) }()

	call := ledger.Invoke(contracts.Token, token.Address, contracts.MethodTransferOwnership, factory.Address)
	outcome, err := s.gate.SubmitAndConfirm(ctx, call, s.confirmTimeout)
	if err != nil {
		return s.setupFailure(&step, s.ledgerFailure(ctx), err)
	}
	step.TxHash = outcome.TxHash
	if !outcome.Confirmed() {
		return s.setupFailure(&step, failureFor(outcome), outcome.Err())
	}
	value, err := s.client.Query(ctx, ledger.View(contracts.Token, token.Address, contracts.MethodOwner))
	if err != nil {
		return s.setupFailure(&step, s.ledgerFailure(ctx), fmt.Errorf("query owner: %w", err))
	}
	owner, err := ledger.AsAddress(value)
	if err != nil {
		return s.setupFailure(&step, FailureLedgerError, err)
	}
	if owner != factory.Address {
		return s.setupFailure(&step, FailurePostcondition,
			fmt.Errorf("%w: owner is %s", ErrOwnershipNotConfirmed, owner.Hex()))
	}
	s.succeed(&step, owner.Hex())
	return nil
}

func (s *Sequencer) processSpec(ctx context.Context, rc *runContext, index int, spec ProgramSpec) SpecOutcome {
	out := SpecOutcome{Index: index, Spec: spec}
	ctx, span := tracer.Start(ctx, "sequencer.program")
	span.SetAttributes(
		attribute.Int("program.index", index),
		attribute.String("program.name", spec.Name),
		attribute.String("program.commerce", spec.Commerce.Hex()),
	)
	defer span.End()
	logger := rc.logger.With("program", spec.Name, "commerce", spec.Commerce.Hex())

	key := CorrelationKey{Factory: rc.factory.Address, Commerce: spec.Commerce, Name: spec.Name}
	create := s.begin(StepCreateProgram)
	if first, dup := rc.seen[key]; dup {
		s.fail(&create, FailureAmbiguousCorrelation, fmt.Errorf("%w: same key as program %d", ErrDuplicateSpec, first))
	} else {
		rc.seen[key] = index
		if program, ok := s.createProgram(ctx, key, spec, &create, &out); ok {
			out.Program = program
		}
	}
	if !out.record(create) {
		span.SetStatus(codes.Error, string(out.Failure))
		logger.Warn("program creation failed", "error", out.Err())
		s.skipFollowUps(&out, spec)
		return out
	}
	logger.Info("program created", "address", out.Program.Hex())

	if spec.RegisterRelayer {
		step := s.begin(StepRegisterRelayer)
		reg, err := rc.trust.RegisterRelayer(ctx, out.Program)
		if reg.Outcome != nil {
			step.TxHash = reg.Outcome.TxHash
		}
		out.Trust = reg.State
		if err != nil {
			kind := FailureRegistrationFailed
			if ctx.Err() != nil {
				kind = FailureOutcomeUnknown
			}
			s.fail(&step, kind, err)
		} else if reg.AlreadyTrusted {
			s.succeed(&step, "already trusted")
		} else {
			s.succeed(&step, "registered")
		}
		if !out.record(step) {
			span.SetStatus(codes.Error, string(out.Failure))
			logger.Warn("relayer registration failed", "error", out.Err())
			s.skipFollowUps(&out, spec)
			return out
		}
		logger.Info("relayer trusted", "relayer", out.Program.Hex())
	} else {
		step := s.skipped(StepRegisterRelayer, "not requested")
		trusted, err := rc.trust.IsRelayer(ctx, out.Program)
		switch {
		case err != nil:
			step.Detail = fmt.Sprintf("not requested; trust state unknown: %v", err)
			logger.Warn("relayer state query failed", "error", err)
		case trusted:
			out.Trust = TrustRegistered
		default:
			out.Trust = TrustUntrusted
		}
		out.record(step)
	}

	if spec.Mint == nil {
		out.record(s.skipped(StepMint, "not requested"))
		return out
	}
	step := s.begin(StepMint)
	record, err := rc.minter.Mint(ctx, out.Program, spec.Mint)
	out.Mint = &record
	step.TxHash = record.TxHash
	if err != nil {
		kind := FailureMintFailed
		if ctx.Err() != nil {
			kind = FailureOutcomeUnknown
		}
		s.fail(&step, kind, err)
	} else {
		s.succeed(&step, record.Amount.String())
	}
	if !out.record(step) {
		span.SetStatus(codes.Error, string(out.Failure))
		logger.Warn("mint failed", "error", out.Err())
		return out
	}
	logger.Info("initial balance minted", "amount", record.Amount.String(), "balance", record.BalanceAfter.String())
	return out
}

// createProgram subscribes for the creation event, submits the creation call
// and resolves the program address from the correlated event.
func (s *Sequencer) createProgram(ctx context.Context, key CorrelationKey, spec ProgramSpec, step *StepRecord, out *SpecOutcome) (common.Address, bool) {
	pending, err := s.correlator.Expect(ctx, key.Filter(), key.Matches)
	if err != nil {
		s.fail(step, s.ledgerFailure(ctx), err)
		return common.Address{}, false
	}
	defer pending.Cancel()
	req := &CreationRequest{ID: s.newID(), Key: key, SubscribedAt: pending.SubscribedAt()}
	out.Request = req

	call := ledger.Invoke(contracts.Factory, key.Factory, contracts.MethodCreateLoyaltyProgram, spec.Commerce, spec.Name, spec.Symbol)
	outcome, err := s.gate.SubmitAndConfirm(ctx, call, s.confirmTimeout)
	if err != nil {
		s.fail(step, s.ledgerFailure(ctx), err)
		return common.Address{}, false
	}
	req.SubmittedAt = outcome.SubmittedAt
	req.TxHash = outcome.TxHash
	step.TxHash = outcome.TxHash
	if !outcome.Confirmed() {
		s.fail(step, failureFor(outcome), outcome.Err())
		return common.Address{}, false
	}

	ev, err := pending.Await(ctx, s.eventTimeout)
	if err != nil {
		kind := FailureLedgerError
		switch {
		case errors.Is(err, ErrCorrelationTimeout):
			kind = FailureEventCorrelationTimedOut
		case errors.Is(err, ErrAmbiguousCorrelation):
			kind = FailureAmbiguousCorrelation
		case ctx.Err() != nil:
			kind = FailureOutcomeUnknown
		}
		s.fail(step, kind, err)
		return common.Address{}, false
	}
	req.EventID = ev.ID()
	program, err := ProgramAddress(ev)
	if err != nil {
		s.fail(step, FailureLedgerError, err)
		return common.Address{}, false
	}
	s.succeed(step, program.Hex())
	return program, true
}

// record appends a finished step and reports whether it succeeded. The first
// failed step determines the outcome's failure kind.
func (o *SpecOutcome) record(step StepRecord) bool {
	o.Steps = append(o.Steps, step)
	if step.Status != StepFailed {
		return true
	}
	if o.Failure == FailureNone {
		o.Failure = step.Failure
		o.Detail = step.Detail
	}
	return false
}

func (s *Sequencer) skipFollowUps(out *SpecOutcome, spec ProgramSpec) {
	if _, started := out.Step(StepRegisterRelayer); !started {
		reason := "not requested"
		if spec.RegisterRelayer {
			reason = "previous step failed"
		}
		out.Steps = append(out.Steps, s.skipped(StepRegisterRelayer, reason))
	}
	reason := "not requested"
	if spec.Mint != nil {
		reason = "previous step failed"
	}
	out.Steps = append(out.Steps, s.skipped(StepMint, reason))
}

func (s *Sequencer) notAttempted(index int, spec ProgramSpec) SpecOutcome {
	out := SpecOutcome{Index: index, Spec: spec, Failure: FailureNotAttempted, Detail: "run cancelled"}
	for _, name := range []StepName{StepCreateProgram, StepRegisterRelayer, StepMint} {
		out.Steps = append(out.Steps, s.skipped(name, "run cancelled"))
	}
	return out
}

func (s *Sequencer) ledgerFailure(ctx context.Context) FailureKind {
	if ctx.Err() != nil {
		return FailureNotAttempted
	}
	return FailureLedgerError
}

func (s *Sequencer) begin(name StepName) StepRecord {
	return StepRecord{Name: name, Status: StepPending, StartedAt: s.now()}
}

func (s *Sequencer) succeed(step *StepRecord, detail string) {
	if step.finish(StepSucceeded, s.now()) {
		step.Detail = detail
	}
}

func (s *Sequencer) fail(step *StepRecord, kind FailureKind, err error) {
	if step.finish(StepFailed, s.now()) {
		step.Failure = kind
		if err != nil {
			step.Detail = err.Error()
		}
	}
}

func (s *Sequencer) skipped(name StepName, reason string) StepRecord {
	step := s.begin(name)
	step.finish(StepSkipped, step.StartedAt)
	step.Detail = reason
	return step
}

func (s *Sequencer) setupFailure(step *StepRecord, kind FailureKind, err error) error {
	s.fail(step, kind, err)
	return &SetupError{Step: step.Name, Kind: kind, Err: err}
}
