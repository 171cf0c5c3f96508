/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * It contains all the SQL for the recurring_transfers and verification_challenges
 * tables, including the lease-claiming due query the execution engine relies on.
 *
 * @dependencies
 * - context, errors, time: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/transfa/recurring-transfer-service/internal/domain"
)

var (
	ErrTransferNotFound   = errors.New("recurring transfer not found")
	ErrChallengeNotFound  = errors.New("verification challenge not found")
	ErrTransferNotPending = errors.New("recurring transfer is not pending verification")
	ErrCancelNotAllowed   = errors.New("recurring transfer can no longer be cancelled")
)

// transferColumns is the SELECT list shared by every query returning a full transfer row.
const transferColumns = `
	id, owner_id, from_account_id, to_account_number, amount, frequency,
	start_date, end_date, status, next_execution_date, consecutive_failures,
	last_execution_at, last_execution_outcome, last_execution_reason,
	description, created_at, updated_at`

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func scanTransfer(row pgx.Row) (*domain.RecurringTransfer, error) {
	var t domain.RecurringTransfer
	var frequency, status string
	var outcome *string
	err := row.Scan(
		&t.ID, &t.OwnerID, &t.FromAccountID, &t.ToAccountNumber, &t.Amount, &frequency,
		&t.StartDate, &t.EndDate, &status, &t.NextExecutionDate, &t.ConsecutiveFailures,
		&t.LastExecutionAt, &outcome, &t.LastExecutionReason,
		&t.Description, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.Frequency = domain.Frequency(frequency)
	t.Status = domain.TransferStatus(status)
	if outcome != nil {
		o := domain.ExecutionOutcome(*outcome)
		t.LastExecutionOutcome = &o
	}
	return &t, nil
}

// CreateTransferWithChallenge inserts the transfer and its first verification
// challenge in one transaction so a pending transfer can never exist without a
// challenge to redeem.
func (r *PostgresRepository) CreateTransferWithChallenge(ctx context.Context, transfer *domain.RecurringTransfer, challenge *domain.VerificationChallenge) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO recurring_transfers (
			id, owner_id, from_account_id, to_account_number, amount, frequency,
			start_date, end_date, status, description, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW(), NOW())`,
		transfer.ID, transfer.OwnerID, transfer.FromAccountID, transfer.ToAccountNumber,
		transfer.Amount, string(transfer.Frequency), transfer.StartDate, transfer.EndDate,
		string(transfer.Status), transfer.Description,
	)
	if err != nil {
		return fmt.Errorf("failed to insert recurring transfer: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO verification_challenges (id, transfer_id, code_hash, issued_at, expires_at, consumed)
		VALUES ($1, $2, $3, $4, $5, FALSE)`,
		challenge.ID, challenge.TransferID, challenge.CodeHash, challenge.IssuedAt, challenge.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert verification challenge: %w", err)
	}

	return tx.Commit(ctx)
}

// FindTransferByID retrieves a single recurring transfer.
func (r *PostgresRepository) FindTransferByID(ctx context.Context, id uuid.UUID) (*domain.RecurringTransfer, error) {
	row := r.db.QueryRow(ctx, `SELECT`+transferColumns+` FROM recurring_transfers WHERE id = $1`, id)
	t, err := scanTransfer(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransferNotFound
		}
		return nil, err
	}
	return t, nil
}

// ListTransfersByOwner retrieves every recurring transfer created by an owner,
// newest first.
func (r *PostgresRepository) ListTransfersByOwner(ctx context.Context, ownerID uuid.UUID) ([]domain.RecurringTransfer, error) {
	rows, err := r.db.Query(ctx, `SELECT`+transferColumns+` FROM recurring_transfers WHERE owner_id = $1 ORDER BY created_at DESC`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transfers []domain.RecurringTransfer
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		transfers = append(transfers, *t)
	}
	return transfers, rows.Err()
}

// ActivateTransfer transitions a pending_verification transfer to active and
// stamps its first due date.
func (r *PostgresRepository) ActivateTransfer(ctx context.Context, id uuid.UUID, firstExecutionDate time.Time) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE recurring_transfers
		SET status = 'active',
		    next_execution_date = $2,
		    updated_at = NOW()
		WHERE id = $1 AND status = 'pending_verification'`,
		id, firstExecutionDate,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.FindTransferByID(ctx, id); err != nil {
			return err
		}
		return ErrTransferNotPending
	}
	return nil
}

// CancelTransfer cancels a pending or active transfer and clears its due date.
// Cancelling a transfer that is already cancelled is a no-op success.
func (r *PostgresRepository) CancelTransfer(ctx context.Context, id uuid.UUID) (*domain.RecurringTransfer, error) {
	row := r.db.QueryRow(ctx, `
		UPDATE recurring_transfers
		SET status = 'cancelled',
		    next_execution_date = NULL,
		    updated_at = NOW()
		WHERE id = $1 AND status IN ('pending_verification', 'active')
		RETURNING`+transferColumns,
		id,
	)
	t, err := scanTransfer(row)
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}

	// No row updated: either missing, already cancelled, or in a state that
	// cannot be cancelled.
	current, err := r.FindTransferByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status == domain.StatusCancelled {
		return current, nil
	}
	return nil, ErrCancelNotAllowed
}

// ClaimDueTransfers leases due transfers for exclusive execution. The inner
// SELECT uses FOR UPDATE SKIP LOCKED so concurrent pollers partition the due
// set instead of double-claiming; the lease itself survives the statement so a
// crashed worker's claim expires rather than blocking its transfer forever.
func (r *PostgresRepository) ClaimDueTransfers(ctx context.Context, now time.Time, leaseTTL time.Duration, limit int) ([]domain.RecurringTransfer, error) {
	rows, err := r.db.Query(ctx, `
		UPDATE recurring_transfers rt
		SET lease_expires_at = $1::timestamptz + ($2 * INTERVAL '1 second'),
		    updated_at = NOW()
		FROM (
			SELECT id
			FROM recurring_transfers
			WHERE status = 'active'
			  AND next_execution_date <= $1
			  AND (lease_expires_at IS NULL OR lease_expires_at <= $1)
			ORDER BY next_execution_date
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		) due
		WHERE rt.id = due.id
		RETURNING`+qualifiedTransferColumns("rt"),
		now, int(leaseTTL.Seconds()), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var claimed []domain.RecurringTransfer
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, *t)
	}
	return claimed, rows.Err()
}

// UpdateAfterExecution records an attempt outcome, moves the transfer to its
// next state and releases the execution lease in a single statement. A
// cancellation recorded while the attempt was in flight is preserved: the
// outcome is still written but the status stays cancelled and the due date
// stays cleared.
func (r *PostgresRepository) UpdateAfterExecution(ctx context.Context, params UpdateAfterExecutionParams) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE recurring_transfers
		SET status = CASE WHEN status = 'cancelled' THEN 'cancelled' ELSE $2 END,
		    next_execution_date = CASE WHEN status = 'cancelled' THEN NULL ELSE $3 END,
		    consecutive_failures = $4,
		    last_execution_at = $5,
		    last_execution_outcome = $6,
		    last_execution_reason = NULLIF($7, ''),
		    lease_expires_at = NULL,
		    updated_at = NOW()
		WHERE id = $1`,
		params.TransferID, string(params.Status), params.NextExecutionDate,
		params.ConsecutiveFailures, params.ExecutedAt, string(params.Outcome), params.Reason,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrTransferNotFound
	}
	return nil
}

// ReleaseLease clears the execution lease without touching any other state.
// Used when a claimed transfer is skipped without an attempt.
func (r *PostgresRepository) ReleaseLease(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.Exec(ctx, `
		UPDATE recurring_transfers
		SET lease_expires_at = NULL, updated_at = NOW()
		WHERE id = $1`,
		id,
	)
	return err
}

// SupersedeAndCreateChallenge retires any live challenge for the transfer and
// inserts the replacement, so at most one challenge is ever redeemable.
func (r *PostgresRepository) SupersedeAndCreateChallenge(ctx context.Context, challenge *domain.VerificationChallenge) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		UPDATE verification_challenges
		SET consumed = TRUE, consumed_at = NOW()
		WHERE transfer_id = $1 AND consumed = FALSE`,
		challenge.TransferID,
	)
	if err != nil {
		return fmt.Errorf("failed to supersede prior challenge: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO verification_challenges (id, transfer_id, code_hash, issued_at, expires_at, consumed)
		VALUES ($1, $2, $3, $4, $5, FALSE)`,
		challenge.ID, challenge.TransferID, challenge.CodeHash, challenge.IssuedAt, challenge.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert verification challenge: %w", err)
	}

	return tx.Commit(ctx)
}

// FindLatestChallengeByTransferID returns the most recently issued challenge
// for a transfer. Older superseded challenges never surface here.
func (r *PostgresRepository) FindLatestChallengeByTransferID(ctx context.Context, transferID uuid.UUID) (*domain.VerificationChallenge, error) {
	var c domain.VerificationChallenge
	err := r.db.QueryRow(ctx, `
		SELECT id, transfer_id, code_hash, issued_at, expires_at, consumed, consumed_at
		FROM verification_challenges
		WHERE transfer_id = $1
		ORDER BY issued_at DESC
		LIMIT 1`,
		transferID,
	).Scan(&c.ID, &c.TransferID, &c.CodeHash, &c.IssuedAt, &c.ExpiresAt, &c.Consumed, &c.ConsumedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrChallengeNotFound
		}
		return nil, err
	}
	return &c, nil
}

// MarkChallengeConsumed marks a redeemed challenge so its code is single-use.
func (r *PostgresRepository) MarkChallengeConsumed(ctx context.Context, challengeID uuid.UUID, consumedAt time.Time) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE verification_challenges
		SET consumed = TRUE, consumed_at = $2
		WHERE id = $1 AND consumed = FALSE`,
		challengeID, consumedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrChallengeNotFound
	}
	return nil
}

// qualifiedTransferColumns prefixes the shared column list for queries that
// alias the recurring_transfers table.
func qualifiedTransferColumns(alias string) string {
	return `
		` + alias + `.id, ` + alias + `.owner_id, ` + alias + `.from_account_id, ` + alias + `.to_account_number,
		` + alias + `.amount, ` + alias + `.frequency, ` + alias + `.start_date, ` + alias + `.end_date,
		` + alias + `.status, ` + alias + `.next_execution_date, ` + alias + `.consecutive_failures,
		` + alias + `.last_execution_at, ` + alias + `.last_execution_outcome, ` + alias + `.last_execution_reason,
		` + alias + `.description, ` + alias + `.created_at, ` + alias + `.updated_at`
}
