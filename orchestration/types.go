package orchestration

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ContractHandle identifies a contract deployed by this run.
type ContractHandle struct {
	Name         string         `json:"name"`
	Address      common.Address `json:"address"`
	DeploymentTx common.Hash    `json:"deploymentTx"`
	Block        uint64         `json:"block"`
}

// ProgramSpec describes a loyalty program to create. RegisterRelayer and Mint
// select the optional follow-up steps: a nil Mint skips minting, a zero Mint
// is a successful no-op.
type ProgramSpec struct {
	Commerce        common.Address `json:"commerce"`
	Name            string         `json:"name"`
	Symbol          string         `json:"symbol"`
	RegisterRelayer bool           `json:"registerRelayer"`
	Mint            *big.Int       `json:"mint,omitempty"`
}

// Validate checks the caller-supplied fields.
func (s ProgramSpec) Validate() error {
	if (s.Commerce == common.Address{}) {
		return fmt.Errorf("%w: commerce address required", ErrInvalidSpec)
	}
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("%w: name required", ErrInvalidSpec)
	}
	if strings.TrimSpace(s.Symbol) == "" {
		return fmt.Errorf("%w: symbol required", ErrInvalidSpec)
	}
	if s.Mint != nil && s.Mint.Sign() < 0 {
		return fmt.Errorf("%w: mint amount must not be negative", ErrInvalidSpec)
	}
	return nil
}

// CorrelationKey is the set of fields a creation event echoes back and that
// identify the request that caused it.
type CorrelationKey struct {
	Factory  common.Address `json:"factory"`
	Commerce common.Address `json:"commerce"`
	Name     string         `json:"name"`
}

func (k CorrelationKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.Factory.Hex(), k.Commerce.Hex(), k.Name)
}

// CreationRequest tracks one createLoyaltyProgram submission. It is consumed
// by exactly one matching event.
type CreationRequest struct {
	ID           string         `json:"id"`
	Key          CorrelationKey `json:"key"`
	SubscribedAt time.Time      `json:"subscribedAt"`
	SubmittedAt  time.Time      `json:"submittedAt"`
	TxHash       common.Hash    `json:"txHash"`
	EventID      string         `json:"eventId,omitempty"`
}

// TrustState is the relayer status of an address on the token ledger.
type TrustState string

const (
	TrustUntrusted  TrustState = "untrusted"
	TrustRegistered TrustState = "registered"
)

// MintRecord captures a mint and its observed effect on the target balance.
type MintRecord struct {
	Target        common.Address `json:"target"`
	Amount        *big.Int       `json:"amount"`
	BalanceBefore *big.Int       `json:"balanceBefore"`
	BalanceAfter  *big.Int       `json:"balanceAfter"`
	Delta         *big.Int       `json:"delta"`
	TxHash        common.Hash    `json:"txHash,omitempty"`
}

// StepName names a step of the bootstrap plan.
type StepName string

const (
	StepDeployToken       StepName = "deploy_token"
	StepDeployFactory     StepName = "deploy_factory"
	StepTransferOwnership StepName = "transfer_ownership"
	StepCreateProgram     StepName = "create_program"
	StepRegisterRelayer   StepName = "register_relayer"
	StepMint              StepName = "mint"
)

// StepStatus is the state of a step. A step leaves pending exactly once.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// StepRecord is the audit trail of one step.
type StepRecord struct {
	Name       StepName    `json:"name"`
	Status     StepStatus  `json:"status"`
	Failure    FailureKind `json:"failure,omitempty"`
	Detail     string      `json:"detail,omitempty"`
	TxHash     common.Hash `json:"txHash,omitempty"`
	StartedAt  time.Time   `json:"startedAt"`
	FinishedAt time.Time   `json:"finishedAt,omitempty"`
}

func (s *StepRecord) finish(status StepStatus, at time.Time) bool {
	if s.Status != StepPending {
		return false
	}
	s.Status = status
	s.FinishedAt = at
	return true
}

// SpecOutcome is the per-program result of a run. Trust is empty when the
// relayer state could not be read.
type SpecOutcome struct {
	Index   int              `json:"index"`
	Spec    ProgramSpec      `json:"spec"`
	Request *CreationRequest `json:"request,omitempty"`
	Program common.Address   `json:"program,omitempty"`
	Steps   []StepRecord     `json:"steps"`
	Trust   TrustState       `json:"trust,omitempty"`
	Mint    *MintRecord      `json:"mintRecord,omitempty"`
	Failure FailureKind      `json:"failure,omitempty"`
	Detail  string           `json:"detail,omitempty"`
}

// Succeeded reports whether every attempted step of the spec succeeded.
func (o SpecOutcome) Succeeded() bool {
	return o.Failure == FailureNone
}

// Err returns the first failed step as a *SpecError, or nil.
func (o SpecOutcome) Err() error {
	if o.Succeeded() {
		return nil
	}
	for _, step := range o.Steps {
		if step.Status == StepFailed {
			return &SpecError{Step: step.Name, Kind: step.Failure, Err: errors.New(step.Detail)}
		}
	}
	return &SpecError{Step: StepCreateProgram, Kind: o.Failure, Err: errors.New(o.Detail)}
}

// Step returns the record of the named step, if it was started.
func (o SpecOutcome) Step(name StepName) (StepRecord, bool) {
	for _, step := range o.Steps {
		if step.Name == name {
			return step, true
		}
	}
	return StepRecord{}, false
}

// RunStatus is the aggregate status of a run.
type RunStatus string

const (
	RunSucceeded             RunStatus = "succeeded"
	RunCompletedWithFailures RunStatus = "completed_with_failures"
	RunFailed                RunStatus = "failed"
	RunCancelled             RunStatus = "cancelled"
)

// Result is the structured output of a run.
type Result struct {
	RunID      string         `json:"runId"`
	Status     RunStatus      `json:"status"`
	Token      ContractHandle `json:"token"`
	Factory    ContractHandle `json:"factory"`
	Setup      []StepRecord   `json:"setup"`
	Programs   []SpecOutcome  `json:"programs"`
	Fatal      *SetupError    `json:"fatal,omitempty"`
	StartedAt  time.Time      `json:"startedAt"`
	FinishedAt time.Time      `json:"finishedAt"`
}

// Failed returns the outcomes that did not succeed.
func (r *Result) Failed() []SpecOutcome {
	var out []SpecOutcome
	for _, program := range r.Programs {
		if !program.Succeeded() {
			out = append(out, program)
		}
	}
	return out
}
