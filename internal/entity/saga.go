package entity

import (
	"time"

	"github.com/shopspring/decimal"
)

// Step identifies one transition of the arbitrage saga. Steps advance in
// strict linear order; there is no branching back.
type Step string

const (
	StepInit                      Step = "init"
	StepBought                    Step = "bought"
	StepWithdrawalSubmitted       Step = "withdrawal_submitted"
	StepArrivalConfirmed          Step = "arrival_confirmed"
	StepSold                      Step = "sold"
	StepReturnWithdrawalSubmitted Step = "return_withdrawal_submitted"
	StepCompleted                 Step = "completed"
)

// String returns the string representation.
func (s Step) String() string {
	return string(s)
}

// SagaStatus is the lifecycle state of a saga run.
type SagaStatus string

const (
	// SagaStatusRunning means the saga is still advancing through its steps.
	SagaStatusRunning SagaStatus = "running"
	// SagaStatusCompleted means the full round trip finished and value is
	// back in quote currency.
	SagaStatusCompleted SagaStatus = "completed"
	// SagaStatusAbortedSafe means the saga stopped with funds fully
	// accounted for at a known venue; loss is bounded by fees.
	SagaStatusAbortedSafe SagaStatus = "aborted_safe"
	// SagaStatusAbortedUnknown means a submitted action's outcome could not
	// be confirmed before timeout. Requires manual operator reconciliation.
	SagaStatusAbortedUnknown SagaStatus = "aborted_unknown"
)

// String returns the string representation.
func (s SagaStatus) String() string {
	return string(s)
}

// Terminal reports whether the status is final.
func (s SagaStatus) Terminal() bool {
	return s == SagaStatusCompleted || s == SagaStatusAbortedSafe || s == SagaStatusAbortedUnknown
}

// FundsLocation is the last confirmed location of the committed value.
// It is only advanced after a positive confirmation (order fill, balance
// increase, or a terminal non-ambiguous API acknowledgment), never on an
// assumption.
type FundsLocation string

const (
	FundsSourceQuote    FundsLocation = "source_quote"
	FundsSourceAsset    FundsLocation = "source_asset"
	FundsInTransitAsset FundsLocation = "in_transit_asset"
	FundsDestAsset      FundsLocation = "dest_asset"
	FundsDestQuote      FundsLocation = "dest_quote"
	FundsInTransitQuote FundsLocation = "in_transit_quote"
	FundsReturnedQuote  FundsLocation = "returned_quote"
)

// StepOutcome is one record in the ordered per-run step log.
type StepOutcome struct {
	Step      Step      `json:"step"`
	Status    string    `json:"status"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"ts"`
}

// SagaRun is the unit of work for one arbitrage attempt.
type SagaRun struct {
	ID             string          `json:"id"`
	Asset          string          `json:"asset"`
	Direction      Direction       `json:"direction"`
	CommittedQuote decimal.Decimal `json:"committed_quote"`
	CurrentStep    Step            `json:"current_step"`
	FundsLocation  FundsLocation   `json:"funds_location"`
	Status         SagaStatus      `json:"status"`
	StepOutcomes   []StepOutcome   `json:"step_outcomes"`
	WithdrawalRefs map[Step]string `json:"withdrawal_refs,omitempty"`
	StartedAt      time.Time       `json:"started_at"`
	FinishedAt     time.Time       `json:"finished_at"`
	FinalQuote     decimal.Decimal `json:"final_quote"`
	Profit         decimal.Decimal `json:"profit"`
}
