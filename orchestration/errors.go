package orchestration

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrInvalidSpec           = errors.New("orchestration: invalid program spec")
	ErrCorrelationTimeout    = errors.New("orchestration: no matching event before timeout")
	ErrAmbiguousCorrelation  = errors.New("orchestration: event matches more than one in-flight request")
	ErrCorrelationCancelled  = errors.New("orchestration: correlation cancelled")
	ErrMissingContract       = errors.New("orchestration: receipt carries no contract address")
	ErrOwnershipNotConfirmed = errors.New("orchestration: token owner is not the factory")
	ErrRelayerNotTrusted     = errors.New("orchestration: relayer not trusted after registration")
	ErrMintDeltaMismatch     = errors.New("orchestration: balance delta differs from minted amount")
	ErrNegativeAmount        = errors.New("orchestration: amount must not be negative")
	ErrDuplicateSpec         = errors.New("orchestration: duplicate correlation key in run")
)

// FailureKind classifies why a step did not succeed.
type FailureKind string

const (
	FailureNone                     FailureKind = ""
	FailureTransactionReverted      FailureKind = "transaction_reverted"
	FailureTransactionTimedOut      FailureKind = "transaction_timed_out"
	FailureEventCorrelationTimedOut FailureKind = "event_correlation_timed_out"
	FailureRegistrationFailed       FailureKind = "registration_failed"
	FailureMintFailed               FailureKind = "mint_failed"
	FailureAmbiguousCorrelation     FailureKind = "ambiguous_correlation"
	FailureLedgerError              FailureKind = "ledger_error"
	FailurePostcondition            FailureKind = "postcondition_failed"
	FailureOutcomeUnknown           FailureKind = "outcome_unknown"
	FailureNotAttempted             FailureKind = "not_attempted"
)

// SetupError is a fatal failure of root deployment or ownership transfer.
// It aborts the run.
type SetupError struct {
	Step StepName
	Kind FailureKind
	Err  error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("orchestration: fatal setup failure at %s (%s): %v", e.Step, e.Kind, e.Err)
}

func (e *SetupError) Unwrap() error { return e.Err }

// MarshalJSON renders the error for run reports.
func (e *SetupError) MarshalJSON() ([]byte, error) {
	detail := ""
	if e.Err != nil {
		detail = e.Err.Error()
	}
	return json.Marshal(struct {
		Step   StepName    `json:"step"`
		Kind   FailureKind `json:"kind"`
		Detail string      `json:"detail"`
	}{Step: e.Step, Kind: e.Kind, Detail: detail})
}

// UnmarshalJSON restores an archived setup error. The cause is kept as text.
func (e *SetupError) UnmarshalJSON(data []byte) error {
	var raw struct {
		Step   StepName    `json:"step"`
		Kind   FailureKind `json:"kind"`
		Detail string      `json:"detail"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	e.Step, e.Kind = raw.Step, raw.Kind
	if raw.Detail != "" {
		e.Err = errors.New(raw.Detail)
	}
	return nil
}

// SpecError is a failure scoped to one program spec.
type SpecError struct {
	Step StepName
	Kind FailureKind
	Err  error
}

func (e *SpecError) Error() string {
	return fmt.Sprintf("orchestration: %s failed (%s): %v", e.Step, e.Kind, e.Err)
}

func (e *SpecError) Unwrap() error { return e.Err }

// failureFor maps a transaction outcome to the failure kind used by the
// creation and setup steps.
func failureFor(outcome Outcome) FailureKind {
	switch outcome.Kind {
	case OutcomeReverted:
		return FailureTransactionReverted
	case OutcomeTimedOut:
		return FailureTransactionTimedOut
	case OutcomeUnknown:
		return FailureOutcomeUnknown
	default:
		return FailureNone
	}
}
