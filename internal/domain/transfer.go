/**
 * @description
 * This file defines the core domain models for the recurring-transfer-service.
 * These structs represent the main entities and data transfer objects (DTOs)
 * used throughout the service's business logic, database interactions, and API layers.
 *
 * @notes
 * - Amounts are stored as `int64` to represent the value in the smallest currency
 *   unit (kobo), which avoids floating-point inaccuracies with financial data.
 * - Calendar dates (start date, end date, execution dates) are stored as UTC
 *   midnight `time.Time` values so date arithmetic stays unambiguous.
 */

package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Frequency is the repetition cadence of a recurring transfer.
type Frequency string

const (
	FrequencyDaily     Frequency = "daily"
	FrequencyWeekly    Frequency = "weekly"
	FrequencyMonthly   Frequency = "monthly"
	FrequencyQuarterly Frequency = "quarterly"
	FrequencyAnnually  Frequency = "annually"
)

// ParseFrequency normalizes and validates a frequency string from an API request.
func ParseFrequency(raw string) (Frequency, error) {
	switch Frequency(strings.ToLower(strings.TrimSpace(raw))) {
	case FrequencyDaily:
		return FrequencyDaily, nil
	case FrequencyWeekly:
		return FrequencyWeekly, nil
	case FrequencyMonthly:
		return FrequencyMonthly, nil
	case FrequencyQuarterly:
		return FrequencyQuarterly, nil
	case FrequencyAnnually:
		return FrequencyAnnually, nil
	default:
		return "", fmt.Errorf("unknown frequency %q", raw)
	}
}

// TransferStatus is the lifecycle state of a recurring transfer.
type TransferStatus string

const (
	StatusPendingVerification TransferStatus = "pending_verification"
	StatusActive              TransferStatus = "active"
	StatusCancelled           TransferStatus = "cancelled"
	StatusCompleted           TransferStatus = "completed"
	StatusFailedPermanently   TransferStatus = "failed_permanently"
)

// Terminal reports whether no further executions can happen from this status.
func (s TransferStatus) Terminal() bool {
	return s == StatusCancelled || s == StatusCompleted || s == StatusFailedPermanently
}

// ExecutionOutcome classifies the result of a single execution attempt.
type ExecutionOutcome string

const (
	OutcomeSuccess            ExecutionOutcome = "success"
	OutcomeInsufficientFunds  ExecutionOutcome = "insufficient_funds"
	OutcomeAccountUnavailable ExecutionOutcome = "account_unavailable"
	OutcomeTransientError     ExecutionOutcome = "transient_error"
)

// VerificationOutcome is the caller-visible result of a code submission.
type VerificationOutcome string

const (
	VerificationAccepted        VerificationOutcome = "accepted"
	VerificationExpired         VerificationOutcome = "expired"
	VerificationMismatched      VerificationOutcome = "mismatched"
	VerificationAlreadyConsumed VerificationOutcome = "already_consumed"
	VerificationNotFound        VerificationOutcome = "not_found"
)

// RecurringTransfer is the central record of the engine. It maps directly to
// the `recurring_transfers` table.
//
// Invariant: NextExecutionDate is non-nil exactly when Status is active.
// Amount and Frequency never change after creation; only Status,
// NextExecutionDate, the last-execution fields and ConsecutiveFailures
// mutate post-creation.
type RecurringTransfer struct {
	ID                   uuid.UUID         `json:"id"`
	OwnerID              uuid.UUID         `json:"owner_id"`
	FromAccountID        uuid.UUID         `json:"from_account_id"`
	ToAccountNumber      string            `json:"to_account_number"`
	Amount               int64             `json:"amount"` // in kobo
	Frequency            Frequency         `json:"frequency"`
	StartDate            time.Time         `json:"start_date"`
	EndDate              *time.Time        `json:"end_date,omitempty"`
	Status               TransferStatus    `json:"status"`
	NextExecutionDate    *time.Time        `json:"next_execution_date,omitempty"`
	ConsecutiveFailures  int               `json:"consecutive_failures"`
	LastExecutionAt      *time.Time        `json:"last_execution_at,omitempty"`
	LastExecutionOutcome *ExecutionOutcome `json:"last_execution_outcome,omitempty"`
	LastExecutionReason  *string           `json:"last_execution_reason,omitempty"`
	Description          string            `json:"description"`
	CreatedAt            time.Time         `json:"created_at"`
	UpdatedAt            time.Time         `json:"updated_at"`
}

// ScheduleSpec builds the pure schedule view of this transfer for the calculator.
func (t *RecurringTransfer) ScheduleSpec() Schedule {
	return Schedule{
		Frequency: t.Frequency,
		StartDate: t.StartDate,
		EndDate:   t.EndDate,
	}
}

// VerificationChallenge gates activation of a pending recurring transfer.
// The plaintext code is never persisted; only its bcrypt hash is stored.
type VerificationChallenge struct {
	ID         uuid.UUID  `json:"id"`
	TransferID uuid.UUID  `json:"transfer_id"`
	CodeHash   string     `json:"-"`
	IssuedAt   time.Time  `json:"issued_at"`
	ExpiresAt  time.Time  `json:"expires_at"`
	Consumed   bool       `json:"consumed"`
	ConsumedAt *time.Time `json:"consumed_at,omitempty"`
}

// Expired reports whether the challenge validity window has passed at `now`.
func (c *VerificationChallenge) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// ExecutionAttempt summarizes one execution of a due transfer. It is ephemeral:
// only the latest attempt is persisted, onto the transfer's last_execution_* columns.
type ExecutionAttempt struct {
	TransferID   uuid.UUID        `json:"transfer_id"`
	ScheduledFor time.Time        `json:"scheduled_for"`
	Outcome      ExecutionOutcome `json:"outcome"`
	Reason       string           `json:"reason,omitempty"`
	ExecutedAt   time.Time        `json:"executed_at"`
}

// CreateRecurringTransferRequest is the DTO for incoming creation API requests.
// Dates are calendar dates in "2006-01-02" form.
type CreateRecurringTransferRequest struct {
	FromAccountID   uuid.UUID `json:"from_account_id"`
	ToAccountNumber string    `json:"to_account_number"`
	Amount          int64     `json:"amount"` // in kobo
	Frequency       string    `json:"frequency"`
	StartDate       string    `json:"start_date"`
	EndDate         *string   `json:"end_date,omitempty"`
	Description     string    `json:"description"`
}

// VerifyRecurringTransferRequest is the DTO for code submission.
type VerifyRecurringTransferRequest struct {
	Code string `json:"code"`
}

// DateLayout is the wire format for calendar dates.
const DateLayout = "2006-01-02"

// ParseDate parses a calendar date string into a UTC midnight instant.
func ParseDate(raw string) (time.Time, error) {
	d, err := time.ParseInLocation(DateLayout, strings.TrimSpace(raw), time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: expected %s", raw, DateLayout)
	}
	return d, nil
}

// Midnight truncates an instant to its UTC calendar date.
func Midnight(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
