/**
 * @description
 * The execution engine. It processes one claimed due transfer at a time:
 * re-validates both accounts against the Account Directory, asks the Ledger to
 * move the funds under an idempotency key, and persists the attempt's outcome
 * together with the transfer's next state. Every path through an attempt ends
 * in exactly one UpdateAfterExecution call, which also releases the lease.
 *
 * @dependencies
 * - context, fmt, time: Standard Go libraries.
 * - github.com/google/uuid: Deterministic idempotency keys.
 * - internal/domain, internal/store: Domain models and persistence.
 * - pkg/rabbitmq: Lifecycle event publishing.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/transfa/recurring-transfer-service/internal/config"
	"github.com/transfa/recurring-transfer-service/internal/domain"
	"github.com/transfa/recurring-transfer-service/internal/store"
	"github.com/transfa/recurring-transfer-service/pkg/accountclient"
	"github.com/transfa/recurring-transfer-service/pkg/ledgerclient"
	"github.com/transfa/recurring-transfer-service/pkg/rabbitmq"
)

// LedgerClient is the engine's contract with the external Ledger: a single
// all-or-nothing debit/credit. Status is one of the ledgerclient Status*
// values; reason is a short human-readable explanation for failures.
type LedgerClient interface {
	Transfer(ctx context.Context, fromAccountID, toAccountID uuid.UUID, amount int64, idempotencyKey string) (status string, reason string, err error)
}

// AccountDirectory resolves routing-level account numbers and reports account
// statuses at execution time.
type AccountDirectory interface {
	ResolveAccountNumber(ctx context.Context, accountNumber string) (uuid.UUID, error)
	GetAccountStatus(ctx context.Context, accountID uuid.UUID) (string, error)
}

// idempotencyNamespace scopes the deterministic execution idempotency keys.
var idempotencyNamespace = uuid.MustParse("9c3a7b52-1d44-4be1-8a14-7d52e0d6a9f1")

// ExecutionIdempotencyKey derives the Ledger idempotency key for one due date
// of one transfer. A lease can expire before a slow Ledger call returns; the
// duplicate attempt then carries the same key and never double-spends.
func ExecutionIdempotencyKey(transferID uuid.UUID, scheduledFor time.Time) string {
	seed := transferID.String() + ":" + scheduledFor.Format(domain.DateLayout)
	return uuid.NewSHA1(idempotencyNamespace, []byte(seed)).String()
}

// Executor carries out execution attempts for claimed due transfers.
type Executor struct {
	repo        store.Repository
	ledger      LedgerClient
	accounts    AccountDirectory
	events      rabbitmq.Publisher
	clock       domain.Clock
	logger      *slog.Logger
	cfg         config.Config
	backoffBase time.Duration
}

// NewExecutor creates a new execution engine.
func NewExecutor(repo store.Repository, ledger LedgerClient, accounts AccountDirectory, events rabbitmq.Publisher, clock domain.Clock, logger *slog.Logger, cfg config.Config) *Executor {
	return &Executor{
		repo:        repo,
		ledger:      ledger,
		accounts:    accounts,
		events:      events,
		clock:       clock,
		logger:      logger,
		cfg:         cfg,
		backoffBase: 500 * time.Millisecond,
	}
}

// ExecuteDue runs one execution attempt for a transfer previously claimed by
// ClaimDueTransfers. The caller holds the lease; this method always ends it,
// either through UpdateAfterExecution or, when no attempt was made, through
// ReleaseLease.
func (e *Executor) ExecuteDue(ctx context.Context, transfer domain.RecurringTransfer) {
	if transfer.NextExecutionDate == nil {
		// Defensive bookkeeping only; claimed rows are active and active rows
		// always carry a due date.
		_ = e.repo.ReleaseLease(ctx, transfer.ID)
		return
	}
	scheduledFor := *transfer.NextExecutionDate
	logger := e.logger.With("transfer_id", transfer.ID, "scheduled_for", scheduledFor.Format(domain.DateLayout))

	fromID, toID, unavailableReason, err := e.checkAccounts(ctx, &transfer)
	if err != nil {
		logger.Warn("account directory unreachable", "error", err)
		e.recordOutcome(ctx, &transfer, scheduledFor, domain.OutcomeTransientError, "account directory unreachable: "+err.Error())
		return
	}
	if unavailableReason != "" {
		logger.Warn("account unavailable", "reason", unavailableReason)
		e.recordOutcome(ctx, &transfer, scheduledFor, domain.OutcomeAccountUnavailable, unavailableReason)
		return
	}

	status, reason := e.transferWithRetry(ctx, logger, fromID, toID, transfer.Amount, ExecutionIdempotencyKey(transfer.ID, scheduledFor))
	switch status {
	case ledgerclient.StatusSuccess:
		logger.Info("transfer executed", "amount", transfer.Amount)
		e.recordOutcome(ctx, &transfer, scheduledFor, domain.OutcomeSuccess, "")
	case ledgerclient.StatusInsufficientFunds:
		logger.Warn("transfer skipped", "outcome", domain.OutcomeInsufficientFunds)
		e.recordOutcome(ctx, &transfer, scheduledFor, domain.OutcomeInsufficientFunds, reason)
	case ledgerclient.StatusAccountUnavailable:
		logger.Warn("transfer skipped", "outcome", domain.OutcomeAccountUnavailable, "reason", reason)
		e.recordOutcome(ctx, &transfer, scheduledFor, domain.OutcomeAccountUnavailable, reason)
	default:
		logger.Warn("transfer failed after retries", "outcome", domain.OutcomeTransientError, "reason", reason)
		e.recordOutcome(ctx, &transfer, scheduledFor, domain.OutcomeTransientError, reason)
	}
}

// checkAccounts re-validates both sides of the transfer. It returns the
// resolved account ids, or a non-empty reason when either account cannot
// receive an execution right now. A directory communication failure is
// returned as err and handled as transient.
func (e *Executor) checkAccounts(ctx context.Context, transfer *domain.RecurringTransfer) (fromID, toID uuid.UUID, unavailableReason string, err error) {
	sourceStatus, err := e.accounts.GetAccountStatus(ctx, transfer.FromAccountID)
	if err != nil {
		if errors.Is(err, accountclient.ErrAccountNotFound) {
			return uuid.Nil, uuid.Nil, "source account not found", nil
		}
		return uuid.Nil, uuid.Nil, "", err
	}
	if sourceStatus != accountclient.StatusActive {
		return uuid.Nil, uuid.Nil, fmt.Sprintf("source account is %s", sourceStatus), nil
	}

	toID, err = e.accounts.ResolveAccountNumber(ctx, transfer.ToAccountNumber)
	if err != nil {
		if errors.Is(err, accountclient.ErrAccountNotFound) {
			return uuid.Nil, uuid.Nil, "destination account not found", nil
		}
		return uuid.Nil, uuid.Nil, "", err
	}
	destStatus, err := e.accounts.GetAccountStatus(ctx, toID)
	if err != nil {
		if errors.Is(err, accountclient.ErrAccountNotFound) {
			return uuid.Nil, uuid.Nil, "destination account not found", nil
		}
		return uuid.Nil, uuid.Nil, "", err
	}
	if destStatus != accountclient.StatusActive {
		return uuid.Nil, uuid.Nil, fmt.Sprintf("destination account is %s", destStatus), nil
	}

	return transfer.FromAccountID, toID, "", nil
}

// transferWithRetry calls the Ledger, retrying transient failures within the
// cycle up to the configured bound with exponential backoff. Anything still
// transient after the last attempt falls back to reschedule-and-count.
func (e *Executor) transferWithRetry(ctx context.Context, logger *slog.Logger, fromID, toID uuid.UUID, amount int64, idempotencyKey string) (status, reason string) {
	attempts := e.cfg.LedgerRetryAttempts
	if attempts < 1 {
		attempts = 1
	}
	for attempt := 1; attempt <= attempts; attempt++ {
		var err error
		status, reason, err = e.ledger.Transfer(ctx, fromID, toID, amount, idempotencyKey)
		if err != nil {
			status, reason = ledgerclient.StatusTransientError, err.Error()
		}
		if status != ledgerclient.StatusTransientError || attempt == attempts {
			return status, reason
		}

		backoff := e.backoffBase << (attempt - 1)
		logger.Warn("transient ledger failure, retrying", "attempt", attempt, "backoff", backoff, "reason", reason)
		select {
		case <-ctx.Done():
			return ledgerclient.StatusTransientError, "cancelled while backing off: " + ctx.Err().Error()
		case <-time.After(backoff):
		}
	}
	return status, reason
}

// recordOutcome persists the attempt and decides the transfer's next state:
// success resets the consecutive-failure counter and advances the schedule (or
// completes it when exhausted); failures advance too, until the consecutive
// threshold moves the transfer to failed_permanently.
func (e *Executor) recordOutcome(ctx context.Context, transfer *domain.RecurringTransfer, scheduledFor time.Time, outcome domain.ExecutionOutcome, reason string) {
	executedAt := e.clock.Now()

	params := store.UpdateAfterExecutionParams{
		TransferID: transfer.ID,
		Outcome:    outcome,
		Reason:     reason,
		ExecutedAt: executedAt,
	}

	if outcome == domain.OutcomeSuccess {
		params.ConsecutiveFailures = 0
	} else {
		params.ConsecutiveFailures = transfer.ConsecutiveFailures + 1
	}

	routingKey := rabbitmq.RoutingKeyTransferExecuted
	if outcome != domain.OutcomeSuccess {
		routingKey = rabbitmq.RoutingKeyExecutionFailed
	}

	if outcome != domain.OutcomeSuccess && params.ConsecutiveFailures >= e.cfg.FailureThreshold {
		params.Status = domain.StatusFailedPermanently
		routingKey = rabbitmq.RoutingKeyTransferFailed
		e.logger.Error("recurring transfer failed permanently",
			"transfer_id", transfer.ID, "consecutive_failures", params.ConsecutiveFailures)
	} else if next, ok := transfer.ScheduleSpec().Next(scheduledFor); ok {
		params.Status = domain.StatusActive
		params.NextExecutionDate = &next
	} else {
		params.Status = domain.StatusCompleted
		if outcome == domain.OutcomeSuccess {
			routingKey = rabbitmq.RoutingKeyTransferCompleted
		}
	}

	if err := e.repo.UpdateAfterExecution(ctx, params); err != nil {
		// The lease will expire on its own; the next claim retries this due
		// date under the same idempotency key.
		e.logger.Error("failed to persist execution outcome", "transfer_id", transfer.ID, "error", err)
		return
	}

	if e.events != nil {
		err := e.events.PublishTransferEvent(ctx, routingKey, rabbitmq.RecurringTransferEvent{
			TransferID:   transfer.ID,
			OwnerID:      transfer.OwnerID,
			Amount:       transfer.Amount,
			Outcome:      string(outcome),
			Reason:       reason,
			ScheduledFor: &scheduledFor,
			Timestamp:    executedAt,
		})
		if err != nil {
			e.logger.Warn("failed to publish execution event", "transfer_id", transfer.ID, "error", err)
		}
	}
}
