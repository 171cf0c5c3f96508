/**
 * @description
 * This file contains the core business logic for the recurring-transfer-service.
 * The `Service` struct owns the caller-facing operations: creating a recurring
 * transfer (gated behind a one-time verification code), verifying and resending
 * codes, cancellation and reads. Execution of due schedules lives in the
 * Executor; the Service only ever touches transfers before they run or to stop
 * them from running.
 *
 * @dependencies
 * - context, crypto/rand, errors, fmt, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID generation.
 * - golang.org/x/crypto/bcrypt: Verification codes are stored hashed, like PINs.
 * - internal/domain, internal/store: For domain models and data access.
 * - pkg/rabbitmq: For event publishing.
 */

package app

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/transfa/recurring-transfer-service/internal/config"
	"github.com/transfa/recurring-transfer-service/internal/domain"
	"github.com/transfa/recurring-transfer-service/internal/store"
	"github.com/transfa/recurring-transfer-service/pkg/rabbitmq"
)

// verificationCodeLength is fixed; the TTL and retry limits are configuration.
const verificationCodeLength = 6

var (
	ErrInvalidAmount          = errors.New("amount must be greater than zero")
	ErrInvalidFrequency       = errors.New("unknown frequency")
	ErrMissingFromAccount     = errors.New("from account id is required")
	ErrMissingToAccountNumber = errors.New("to account number is required")
	ErrStartDateTooOld        = errors.New("start date is in the past beyond the grace window")
	ErrEndDateNotAfterStart   = errors.New("end date must be after the start date")
	ErrNotPendingVerification = errors.New("recurring transfer is not awaiting verification")
	ErrTooManyAttempts        = errors.New("too many attempts, retry later")
)

// IsValidationError reports whether err is a synchronous request-validation
// failure that should never be persisted.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidFrequency) ||
		errors.Is(err, ErrMissingFromAccount) ||
		errors.Is(err, ErrMissingToAccountNumber) ||
		errors.Is(err, ErrStartDateTooOld) ||
		errors.Is(err, ErrEndDateNotAfterStart)
}

// RateLimiter bounds how often verification codes can be issued and checked per
// transfer. A nil or unavailable limiter fails open.
type RateLimiter interface {
	ConsumeRateLimit(ctx context.Context, scope string, subject string, limit int, window time.Duration) (count int, retryAfterSeconds int, err error)
}

// Service provides the caller-facing operations of the engine.
type Service struct {
	repo    store.Repository
	events  rabbitmq.Publisher
	limiter RateLimiter
	clock   domain.Clock
	logger  *slog.Logger
	cfg     config.Config
}

// NewService creates a new recurring transfer service instance.
func NewService(repo store.Repository, events rabbitmq.Publisher, limiter RateLimiter, clock domain.Clock, logger *slog.Logger, cfg config.Config) *Service {
	return &Service{
		repo:    repo,
		events:  events,
		limiter: limiter,
		clock:   clock,
		logger:  logger,
		cfg:     cfg,
	}
}

// CreateRecurringTransfer validates the request, persists the transfer in
// pending_verification together with its first challenge, and hands the code
// to the notification pipeline. Validation failures are rejected synchronously
// and never persisted.
func (s *Service) CreateRecurringTransfer(ctx context.Context, ownerID uuid.UUID, req domain.CreateRecurringTransferRequest) (*domain.RecurringTransfer, error) {
	if req.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	frequency, err := domain.ParseFrequency(req.Frequency)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFrequency, err)
	}
	if req.FromAccountID == uuid.Nil {
		return nil, ErrMissingFromAccount
	}
	if req.ToAccountNumber == "" {
		return nil, ErrMissingToAccountNumber
	}

	startDate, err := domain.ParseDate(req.StartDate)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStartDateTooOld, err)
	}
	today := domain.Midnight(s.clock.Now())
	if startDate.Before(today.AddDate(0, 0, -s.cfg.StartDateGraceDays)) {
		return nil, ErrStartDateTooOld
	}

	var endDate *time.Time
	if req.EndDate != nil && *req.EndDate != "" {
		parsed, err := domain.ParseDate(*req.EndDate)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrEndDateNotAfterStart, err)
		}
		// An end date on or before the start date leaves nothing to execute.
		if !parsed.After(startDate) {
			return nil, ErrEndDateNotAfterStart
		}
		endDate = &parsed
	}

	transfer := &domain.RecurringTransfer{
		ID:              uuid.New(),
		OwnerID:         ownerID,
		FromAccountID:   req.FromAccountID,
		ToAccountNumber: req.ToAccountNumber,
		Amount:          req.Amount,
		Frequency:       frequency,
		StartDate:       startDate,
		EndDate:         endDate,
		Status:          domain.StatusPendingVerification,
		Description:     req.Description,
	}

	challenge, code, err := s.newChallenge(transfer.ID)
	if err != nil {
		return nil, err
	}
	if err := s.repo.CreateTransferWithChallenge(ctx, transfer, challenge); err != nil {
		return nil, fmt.Errorf("failed to create recurring transfer: %w", err)
	}

	s.publishVerificationCode(ctx, transfer, code, challenge.ExpiresAt)
	s.logger.Info("recurring transfer created",
		"transfer_id", transfer.ID, "owner_id", ownerID, "frequency", frequency, "amount", transfer.Amount)
	return transfer, nil
}

// ResendVerificationCode issues a fresh challenge for a transfer still awaiting
// verification, superseding the previous code.
func (s *Service) ResendVerificationCode(ctx context.Context, ownerID, transferID uuid.UUID) error {
	transfer, err := s.ownedTransfer(ctx, ownerID, transferID)
	if err != nil {
		return err
	}
	if transfer.Status != domain.StatusPendingVerification {
		return ErrNotPendingVerification
	}
	if err := s.consumeLimit(ctx, "resend_code", transferID, s.cfg.ResendCodeLimitPerMin); err != nil {
		return err
	}

	challenge, code, err := s.newChallenge(transferID)
	if err != nil {
		return err
	}
	if err := s.repo.SupersedeAndCreateChallenge(ctx, challenge); err != nil {
		return fmt.Errorf("failed to reissue verification code: %w", err)
	}

	s.publishVerificationCode(ctx, transfer, code, challenge.ExpiresAt)
	s.logger.Info("verification code reissued", "transfer_id", transferID)
	return nil
}

// VerifyRecurringTransfer checks a submitted code against the transfer's live
// challenge. On acceptance the challenge is consumed and the transfer becomes
// active with its first due date set to the start date; a start date in the
// past or today makes it immediately due, and the execution engine performs
// the actual first transfer.
func (s *Service) VerifyRecurringTransfer(ctx context.Context, ownerID, transferID uuid.UUID, code string) (domain.VerificationOutcome, error) {
	transfer, err := s.ownedTransfer(ctx, ownerID, transferID)
	if err != nil {
		if errors.Is(err, store.ErrTransferNotFound) {
			return domain.VerificationNotFound, nil
		}
		return "", err
	}
	if err := s.consumeLimit(ctx, "verify_code", transferID, s.cfg.VerifyAttemptLimitPerMin); err != nil {
		return "", err
	}

	switch transfer.Status {
	case domain.StatusPendingVerification:
		// proceed
	case domain.StatusActive:
		return domain.VerificationAlreadyConsumed, nil
	default:
		return domain.VerificationNotFound, nil
	}

	challenge, err := s.repo.FindLatestChallengeByTransferID(ctx, transferID)
	if err != nil {
		if errors.Is(err, store.ErrChallengeNotFound) {
			return domain.VerificationNotFound, nil
		}
		return "", err
	}

	if challenge.Consumed {
		return domain.VerificationAlreadyConsumed, nil
	}
	now := s.clock.Now()
	if challenge.Expired(now) {
		return domain.VerificationExpired, nil
	}
	if err := bcrypt.CompareHashAndPassword([]byte(challenge.CodeHash), []byte(code)); err != nil {
		s.logger.Warn("verification code mismatched", "transfer_id", transferID)
		return domain.VerificationMismatched, nil
	}

	if err := s.repo.MarkChallengeConsumed(ctx, challenge.ID, now); err != nil {
		if errors.Is(err, store.ErrChallengeNotFound) {
			// A concurrent submission won the race.
			return domain.VerificationAlreadyConsumed, nil
		}
		return "", err
	}
	if err := s.repo.ActivateTransfer(ctx, transferID, transfer.StartDate); err != nil {
		if errors.Is(err, store.ErrTransferNotPending) {
			return domain.VerificationAlreadyConsumed, nil
		}
		return "", err
	}

	s.publishTransferEvent(ctx, rabbitmq.RoutingKeyTransferActivated, transfer, "", "")
	s.logger.Info("recurring transfer activated",
		"transfer_id", transferID, "first_execution_date", transfer.StartDate.Format(domain.DateLayout))
	return domain.VerificationAccepted, nil
}

// CancelRecurringTransfer cancels a pending or active transfer. Cancelling an
// already-cancelled transfer succeeds without effect. A cancellation that
// races an in-flight execution never aborts it; the store preserves the
// cancelled status when the attempt's outcome lands.
func (s *Service) CancelRecurringTransfer(ctx context.Context, ownerID, transferID uuid.UUID) (*domain.RecurringTransfer, error) {
	if _, err := s.ownedTransfer(ctx, ownerID, transferID); err != nil {
		return nil, err
	}
	cancelled, err := s.repo.CancelTransfer(ctx, transferID)
	if err != nil {
		return nil, err
	}

	s.publishTransferEvent(ctx, rabbitmq.RoutingKeyTransferCancelled, cancelled, "", "")
	s.logger.Info("recurring transfer cancelled", "transfer_id", transferID)
	return cancelled, nil
}

// GetRecurringTransfer returns a transfer owned by the caller, including its
// last execution outcome for observability.
func (s *Service) GetRecurringTransfer(ctx context.Context, ownerID, transferID uuid.UUID) (*domain.RecurringTransfer, error) {
	return s.ownedTransfer(ctx, ownerID, transferID)
}

// ListRecurringTransfers returns all transfers created by the owner.
func (s *Service) ListRecurringTransfers(ctx context.Context, ownerID uuid.UUID) ([]domain.RecurringTransfer, error) {
	return s.repo.ListTransfersByOwner(ctx, ownerID)
}

// ownedTransfer loads a transfer and hides other owners' transfers behind
// not-found.
func (s *Service) ownedTransfer(ctx context.Context, ownerID, transferID uuid.UUID) (*domain.RecurringTransfer, error) {
	transfer, err := s.repo.FindTransferByID(ctx, transferID)
	if err != nil {
		return nil, err
	}
	if transfer.OwnerID != ownerID {
		return nil, store.ErrTransferNotFound
	}
	return transfer, nil
}

// newChallenge generates a fresh code and the challenge record holding its
// bcrypt hash. The plaintext code is returned once, for the notification event.
func (s *Service) newChallenge(transferID uuid.UUID) (*domain.VerificationChallenge, string, error) {
	code, err := generateNumericCode(verificationCodeLength)
	if err != nil {
		return nil, "", fmt.Errorf("failed to generate verification code: %w", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", fmt.Errorf("failed to hash verification code: %w", err)
	}

	now := s.clock.Now()
	return &domain.VerificationChallenge{
		ID:         uuid.New(),
		TransferID: transferID,
		CodeHash:   string(hash),
		IssuedAt:   now,
		ExpiresAt:  now.Add(time.Duration(s.cfg.VerificationCodeTTLMin) * time.Minute),
	}, code, nil
}

// consumeLimit applies a per-transfer rate limit. Limiter errors fail open so
// a Redis outage never blocks verification.
func (s *Service) consumeLimit(ctx context.Context, scope string, transferID uuid.UUID, limit int) error {
	if s.limiter == nil {
		return nil
	}
	count, retryAfter, err := s.limiter.ConsumeRateLimit(ctx, scope, transferID.String(), limit, time.Minute)
	if err != nil {
		s.logger.Warn("rate limiter unavailable; allowing request", "scope", scope, "error", err)
		return nil
	}
	if limit > 0 && count > limit {
		s.logger.Warn("rate limit exceeded", "scope", scope, "transfer_id", transferID, "retry_after_seconds", retryAfter)
		return ErrTooManyAttempts
	}
	return nil
}

func (s *Service) publishVerificationCode(ctx context.Context, transfer *domain.RecurringTransfer, code string, expiresAt time.Time) {
	if s.events == nil {
		return
	}
	err := s.events.PublishVerificationCode(ctx, rabbitmq.VerificationCodeEvent{
		TransferID: transfer.ID,
		OwnerID:    transfer.OwnerID,
		Code:       code,
		ExpiresAt:  expiresAt,
	})
	if err != nil {
		// Fire-and-forget: delivery is the notification pipeline's concern.
		s.logger.Warn("failed to publish verification code event", "transfer_id", transfer.ID, "error", err)
	}
}

func (s *Service) publishTransferEvent(ctx context.Context, routingKey string, transfer *domain.RecurringTransfer, outcome, reason string) {
	if s.events == nil {
		return
	}
	err := s.events.PublishTransferEvent(ctx, routingKey, rabbitmq.RecurringTransferEvent{
		TransferID: transfer.ID,
		OwnerID:    transfer.OwnerID,
		Amount:     transfer.Amount,
		Outcome:    outcome,
		Reason:     reason,
		Timestamp:  s.clock.Now(),
	})
	if err != nil {
		s.logger.Warn("failed to publish transfer event", "routing_key", routingKey, "transfer_id", transfer.ID, "error", err)
	}
}

// generateNumericCode returns a cryptographically unpredictable numeric code of
// the given length.
func generateNumericCode(length int) (string, error) {
	digits := make([]byte, length)
	for i := range digits {
		n, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", err
		}
		digits[i] = byte('0' + n.Int64())
	}
	return string(digits), nil
}
