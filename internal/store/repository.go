/**
 * @description
 * This file defines the `Repository` interface, the contract for all data
 * access the recurring-transfer-service needs. Defining an interface decouples
 * the business logic from PostgreSQL and lets tests substitute stubs.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID handling.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/recurring-transfer-service/internal/domain"
)

// UpdateAfterExecutionParams carries everything the executor decided about one
// attempt: the recorded outcome, the transfer's next state and the failure
// counter value. The store applies it atomically and releases the lease.
type UpdateAfterExecutionParams struct {
	TransferID uuid.UUID
	Outcome    domain.ExecutionOutcome
	Reason     string
	ExecutedAt time.Time
	// Status and NextExecutionDate describe the post-attempt state. NextExecutionDate
	// must be non-nil exactly when Status is active. A cancellation recorded while
	// the attempt was in flight wins: the store preserves `cancelled` and only
	// records the attempt outcome.
	Status              domain.TransferStatus
	NextExecutionDate   *time.Time
	ConsecutiveFailures int
}

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Recurring transfer methods
	CreateTransferWithChallenge(ctx context.Context, transfer *domain.RecurringTransfer, challenge *domain.VerificationChallenge) error
	FindTransferByID(ctx context.Context, id uuid.UUID) (*domain.RecurringTransfer, error)
	ListTransfersByOwner(ctx context.Context, ownerID uuid.UUID) ([]domain.RecurringTransfer, error)
	// ActivateTransfer flips a pending_verification transfer to active and sets
	// its first due date. It fails with ErrTransferNotPending if the transfer
	// already left pending_verification.
	ActivateTransfer(ctx context.Context, id uuid.UUID, firstExecutionDate time.Time) error
	// CancelTransfer is idempotent: cancelling an already-cancelled transfer is
	// a no-op success. Cancelling a completed or permanently failed transfer
	// returns ErrCancelNotAllowed.
	CancelTransfer(ctx context.Context, id uuid.UUID) (*domain.RecurringTransfer, error)

	// Execution methods
	// ClaimDueTransfers atomically leases up to `limit` active transfers whose
	// next_execution_date has arrived and whose lease is free or expired. Two
	// concurrent pollers never receive the same transfer.
	ClaimDueTransfers(ctx context.Context, now time.Time, leaseTTL time.Duration, limit int) ([]domain.RecurringTransfer, error)
	UpdateAfterExecution(ctx context.Context, params UpdateAfterExecutionParams) error
	ReleaseLease(ctx context.Context, id uuid.UUID) error

	// Verification challenge methods
	// SupersedeAndCreateChallenge invalidates any live challenge for the same
	// transfer and inserts the new one, keeping at most one live challenge.
	SupersedeAndCreateChallenge(ctx context.Context, challenge *domain.VerificationChallenge) error
	FindLatestChallengeByTransferID(ctx context.Context, transferID uuid.UUID) (*domain.VerificationChallenge, error)
	MarkChallengeConsumed(ctx context.Context, challengeID uuid.UUID, consumedAt time.Time) error
}
