package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/transfa/recurring-transfer-service/internal/config"
	"github.com/transfa/recurring-transfer-service/internal/domain"
	"github.com/transfa/recurring-transfer-service/internal/store"
	"github.com/transfa/recurring-transfer-service/pkg/rabbitmq"
)

func testConfig() config.Config {
	return config.Config{
		VerificationCodeTTLMin:   15,
		ResendCodeLimitPerMin:    3,
		VerifyAttemptLimitPerMin: 10,
		StartDateGraceDays:       1,
		LedgerRetryAttempts:      3,
		FailureThreshold:         5,
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(repo *stubRepository, events *stubPublisher, limiter RateLimiter, now time.Time) *Service {
	return NewService(repo, events, limiter, &fixedClock{now: now}, testLogger(), testConfig())
}

func validCreateRequest() domain.CreateRecurringTransferRequest {
	return domain.CreateRecurringTransferRequest{
		FromAccountID:   uuid.New(),
		ToAccountNumber: "0123456789",
		Amount:          250_000,
		Frequency:       "monthly",
		StartDate:       "2026-02-15",
		Description:     "rent",
	}
}

func TestCreateRecurringTransferValidation(t *testing.T) {
	now := time.Date(2026, time.February, 10, 9, 0, 0, 0, time.UTC)

	testCases := []struct {
		name    string
		mutate  func(*domain.CreateRecurringTransferRequest)
		wantErr error
	}{
		{
			name:    "zero amount",
			mutate:  func(r *domain.CreateRecurringTransferRequest) { r.Amount = 0 },
			wantErr: ErrInvalidAmount,
		},
		{
			name:    "negative amount",
			mutate:  func(r *domain.CreateRecurringTransferRequest) { r.Amount = -500 },
			wantErr: ErrInvalidAmount,
		},
		{
			name:    "unknown frequency",
			mutate:  func(r *domain.CreateRecurringTransferRequest) { r.Frequency = "fortnightly" },
			wantErr: ErrInvalidFrequency,
		},
		{
			name:    "missing source account",
			mutate:  func(r *domain.CreateRecurringTransferRequest) { r.FromAccountID = uuid.Nil },
			wantErr: ErrMissingFromAccount,
		},
		{
			name:    "missing destination account number",
			mutate:  func(r *domain.CreateRecurringTransferRequest) { r.ToAccountNumber = "" },
			wantErr: ErrMissingToAccountNumber,
		},
		{
			name:    "start date beyond grace window",
			mutate:  func(r *domain.CreateRecurringTransferRequest) { r.StartDate = "2026-02-08" },
			wantErr: ErrStartDateTooOld,
		},
		{
			name:    "malformed start date",
			mutate:  func(r *domain.CreateRecurringTransferRequest) { r.StartDate = "15/02/2026" },
			wantErr: ErrStartDateTooOld,
		},
		{
			name: "end date equal to start date",
			mutate: func(r *domain.CreateRecurringTransferRequest) {
				end := "2026-02-15"
				r.EndDate = &end
			},
			wantErr: ErrEndDateNotAfterStart,
		},
		{
			name: "end date before start date",
			mutate: func(r *domain.CreateRecurringTransferRequest) {
				end := "2026-01-15"
				r.EndDate = &end
			},
			wantErr: ErrEndDateNotAfterStart,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			repo := newStubRepository()
			events := &stubPublisher{}
			service := newTestService(repo, events, nil, now)

			req := validCreateRequest()
			tc.mutate(&req)

			_, err := service.CreateRecurringTransfer(context.Background(), uuid.New(), req)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
			if !IsValidationError(err) {
				t.Errorf("expected a validation error, got %v", err)
			}
			if len(repo.transfers) != 0 {
				t.Errorf("validation failure must not persist a transfer")
			}
			if len(events.codeEvents) != 0 {
				t.Errorf("validation failure must not publish a code")
			}
		})
	}
}

func TestCreateRecurringTransferSuccess(t *testing.T) {
	now := time.Date(2026, time.February, 10, 9, 0, 0, 0, time.UTC)
	repo := newStubRepository()
	events := &stubPublisher{}
	service := newTestService(repo, events, nil, now)
	ownerID := uuid.New()

	transfer, err := service.CreateRecurringTransfer(context.Background(), ownerID, validCreateRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if transfer.Status != domain.StatusPendingVerification {
		t.Errorf("expected status pending_verification, got %s", transfer.Status)
	}
	if transfer.NextExecutionDate != nil {
		t.Errorf("a pending transfer must not carry a due date")
	}
	if transfer.OwnerID != ownerID {
		t.Errorf("owner mismatch")
	}

	wantStart := time.Date(2026, time.February, 15, 0, 0, 0, 0, time.UTC)
	if !transfer.StartDate.Equal(wantStart) {
		t.Errorf("expected start date %v, got %v", wantStart, transfer.StartDate)
	}

	if len(events.codeEvents) != 1 {
		t.Fatalf("expected one verification code event, got %d", len(events.codeEvents))
	}
	code := events.codeEvents[0].Code
	if len(code) != verificationCodeLength {
		t.Errorf("expected a %d-digit code, got %q", verificationCodeLength, code)
	}
	for _, c := range code {
		if c < '0' || c > '9' {
			t.Errorf("code must be numeric, got %q", code)
		}
	}
	wantExpiry := now.Add(15 * time.Minute)
	if !events.codeEvents[0].ExpiresAt.Equal(wantExpiry) {
		t.Errorf("expected code expiry %v, got %v", wantExpiry, events.codeEvents[0].ExpiresAt)
	}

	challenge, err := repo.FindLatestChallengeByTransferID(context.Background(), transfer.ID)
	if err != nil {
		t.Fatalf("expected a stored challenge: %v", err)
	}
	if challenge.CodeHash == code {
		t.Errorf("the plaintext code must never be stored")
	}
}

func TestCreateRecurringTransferStartDateGrace(t *testing.T) {
	now := time.Date(2026, time.February, 10, 23, 30, 0, 0, time.UTC)
	repo := newStubRepository()
	service := newTestService(repo, &stubPublisher{}, nil, now)

	// Yesterday is inside the one-day grace window.
	req := validCreateRequest()
	req.StartDate = "2026-02-09"
	if _, err := service.CreateRecurringTransfer(context.Background(), uuid.New(), req); err != nil {
		t.Errorf("start date within grace window rejected: %v", err)
	}

	req = validCreateRequest()
	req.StartDate = "2026-02-08"
	if _, err := service.CreateRecurringTransfer(context.Background(), uuid.New(), req); !errors.Is(err, ErrStartDateTooOld) {
		t.Errorf("expected ErrStartDateTooOld, got %v", err)
	}
}

// createPendingTransfer creates a transfer through the service and returns it
// together with the plaintext code that was published.
func createPendingTransfer(t *testing.T, service *Service, events *stubPublisher, ownerID uuid.UUID) (*domain.RecurringTransfer, string) {
	t.Helper()
	transfer, err := service.CreateRecurringTransfer(context.Background(), ownerID, validCreateRequest())
	if err != nil {
		t.Fatalf("failed to create transfer: %v", err)
	}
	if len(events.codeEvents) == 0 {
		t.Fatalf("no verification code was published")
	}
	return transfer, events.codeEvents[len(events.codeEvents)-1].Code
}

func TestVerifyRecurringTransferAccepted(t *testing.T) {
	now := time.Date(2026, time.February, 10, 9, 0, 0, 0, time.UTC)
	repo := newStubRepository()
	events := &stubPublisher{}
	service := newTestService(repo, events, newStubRateLimiter(), now)
	ownerID := uuid.New()
	transfer, code := createPendingTransfer(t, service, events, ownerID)

	outcome, err := service.VerifyRecurringTransfer(context.Background(), ownerID, transfer.ID, code)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != domain.VerificationAccepted {
		t.Fatalf("expected accepted, got %s", outcome)
	}

	stored, err := repo.FindTransferByID(context.Background(), transfer.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stored.Status != domain.StatusActive {
		t.Errorf("expected status active, got %s", stored.Status)
	}
	if stored.NextExecutionDate == nil || !stored.NextExecutionDate.Equal(transfer.StartDate) {
		t.Errorf("first due date must equal the start date, got %v", stored.NextExecutionDate)
	}

	keys := events.eventKeys()
	if len(keys) != 1 || keys[0] != rabbitmq.RoutingKeyTransferActivated {
		t.Errorf("expected one activated event, got %v", keys)
	}
}

func TestVerifyRecurringTransferOutcomes(t *testing.T) {
	now := time.Date(2026, time.February, 10, 9, 0, 0, 0, time.UTC)
	ownerID := uuid.New()

	testCases := []struct {
		name   string
		setup  func(t *testing.T, service *Service, events *stubPublisher, repo *stubRepository) (transferID uuid.UUID, code string)
		atTime time.Time
		want   domain.VerificationOutcome
	}{
		{
			name: "mismatched code",
			setup: func(t *testing.T, service *Service, events *stubPublisher, repo *stubRepository) (uuid.UUID, string) {
				transfer, _ := createPendingTransfer(t, service, events, ownerID)
				return transfer.ID, "000000"
			},
			atTime: now,
			want:   domain.VerificationMismatched,
		},
		{
			name: "expired code",
			setup: func(t *testing.T, service *Service, events *stubPublisher, repo *stubRepository) (uuid.UUID, string) {
				transfer, code := createPendingTransfer(t, service, events, ownerID)
				return transfer.ID, code
			},
			atTime: now.Add(15 * time.Minute),
			want:   domain.VerificationExpired,
		},
		{
			name: "unknown transfer",
			setup: func(t *testing.T, service *Service, events *stubPublisher, repo *stubRepository) (uuid.UUID, string) {
				return uuid.New(), "123456"
			},
			atTime: now,
			want:   domain.VerificationNotFound,
		},
		{
			name: "cancelled transfer",
			setup: func(t *testing.T, service *Service, events *stubPublisher, repo *stubRepository) (uuid.UUID, string) {
				transfer, code := createPendingTransfer(t, service, events, ownerID)
				if _, err := service.CancelRecurringTransfer(context.Background(), ownerID, transfer.ID); err != nil {
					t.Fatalf("cancel failed: %v", err)
				}
				return transfer.ID, code
			},
			atTime: now,
			want:   domain.VerificationNotFound,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			repo := newStubRepository()
			events := &stubPublisher{}
			clock := &fixedClock{now: now}
			service := NewService(repo, events, newStubRateLimiter(), clock, testLogger(), testConfig())
			transferID, code := tc.setup(t, service, events, repo)

			clock.now = tc.atTime
			outcome, err := service.VerifyRecurringTransfer(context.Background(), ownerID, transferID, code)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if outcome != tc.want {
				t.Errorf("expected %s, got %s", tc.want, outcome)
			}
		})
	}
}

func TestVerifyRecurringTransferCodeIsSingleUse(t *testing.T) {
	now := time.Date(2026, time.February, 10, 9, 0, 0, 0, time.UTC)
	repo := newStubRepository()
	events := &stubPublisher{}
	service := newTestService(repo, events, newStubRateLimiter(), now)
	ownerID := uuid.New()
	transfer, code := createPendingTransfer(t, service, events, ownerID)

	first, err := service.VerifyRecurringTransfer(context.Background(), ownerID, transfer.ID, code)
	if err != nil || first != domain.VerificationAccepted {
		t.Fatalf("first submission: outcome=%s err=%v", first, err)
	}
	second, err := service.VerifyRecurringTransfer(context.Background(), ownerID, transfer.ID, code)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second != domain.VerificationAlreadyConsumed {
		t.Errorf("expected already_consumed on replay, got %s", second)
	}
}

func TestVerifyRecurringTransferHidesForeignTransfers(t *testing.T) {
	now := time.Date(2026, time.February, 10, 9, 0, 0, 0, time.UTC)
	repo := newStubRepository()
	events := &stubPublisher{}
	service := newTestService(repo, events, newStubRateLimiter(), now)
	ownerID := uuid.New()
	transfer, code := createPendingTransfer(t, service, events, ownerID)

	outcome, err := service.VerifyRecurringTransfer(context.Background(), uuid.New(), transfer.ID, code)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != domain.VerificationNotFound {
		t.Errorf("another owner's transfer must look like not_found, got %s", outcome)
	}
}

func TestVerifyRecurringTransferRateLimited(t *testing.T) {
	now := time.Date(2026, time.February, 10, 9, 0, 0, 0, time.UTC)
	repo := newStubRepository()
	events := &stubPublisher{}
	limiter := newStubRateLimiter()
	service := newTestService(repo, events, limiter, now)
	ownerID := uuid.New()
	transfer, _ := createPendingTransfer(t, service, events, ownerID)

	for i := 0; i < testConfig().VerifyAttemptLimitPerMin; i++ {
		if _, err := service.VerifyRecurringTransfer(context.Background(), ownerID, transfer.ID, "000000"); err != nil {
			t.Fatalf("attempt %d unexpectedly failed: %v", i+1, err)
		}
	}
	_, err := service.VerifyRecurringTransfer(context.Background(), ownerID, transfer.ID, "000000")
	if !errors.Is(err, ErrTooManyAttempts) {
		t.Errorf("expected ErrTooManyAttempts, got %v", err)
	}
}

func TestVerifyRecurringTransferLimiterFailsOpen(t *testing.T) {
	now := time.Date(2026, time.February, 10, 9, 0, 0, 0, time.UTC)
	repo := newStubRepository()
	events := &stubPublisher{}
	limiter := newStubRateLimiter()
	limiter.err = errors.New("redis: connection refused")
	service := newTestService(repo, events, limiter, now)
	ownerID := uuid.New()
	transfer, code := createPendingTransfer(t, service, events, ownerID)

	outcome, err := service.VerifyRecurringTransfer(context.Background(), ownerID, transfer.ID, code)
	if err != nil {
		t.Fatalf("a limiter outage must not block verification: %v", err)
	}
	if outcome != domain.VerificationAccepted {
		t.Errorf("expected accepted, got %s", outcome)
	}
}

func TestResendVerificationCode(t *testing.T) {
	now := time.Date(2026, time.February, 10, 9, 0, 0, 0, time.UTC)
	repo := newStubRepository()
	events := &stubPublisher{}
	service := newTestService(repo, events, newStubRateLimiter(), now)
	ownerID := uuid.New()
	transfer, oldCode := createPendingTransfer(t, service, events, ownerID)

	if err := service.ResendVerificationCode(context.Background(), ownerID, transfer.ID); err != nil {
		t.Fatalf("resend failed: %v", err)
	}
	if len(events.codeEvents) != 2 {
		t.Fatalf("expected a second code event, got %d", len(events.codeEvents))
	}
	newCode := events.codeEvents[1].Code

	// The superseded code no longer verifies; only the fresh one does.
	outcome, err := service.VerifyRecurringTransfer(context.Background(), ownerID, transfer.ID, oldCode)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome == domain.VerificationAccepted {
		t.Fatalf("superseded code must not verify")
	}
	outcome, err = service.VerifyRecurringTransfer(context.Background(), ownerID, transfer.ID, newCode)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != domain.VerificationAccepted {
		t.Errorf("expected fresh code to verify, got %s", outcome)
	}

	// No resends once the transfer left pending_verification.
	if err := service.ResendVerificationCode(context.Background(), ownerID, transfer.ID); !errors.Is(err, ErrNotPendingVerification) {
		t.Errorf("expected ErrNotPendingVerification, got %v", err)
	}
}

func TestResendVerificationCodeRateLimited(t *testing.T) {
	now := time.Date(2026, time.February, 10, 9, 0, 0, 0, time.UTC)
	repo := newStubRepository()
	events := &stubPublisher{}
	service := newTestService(repo, events, newStubRateLimiter(), now)
	ownerID := uuid.New()
	transfer, _ := createPendingTransfer(t, service, events, ownerID)

	for i := 0; i < testConfig().ResendCodeLimitPerMin; i++ {
		if err := service.ResendVerificationCode(context.Background(), ownerID, transfer.ID); err != nil {
			t.Fatalf("resend %d unexpectedly failed: %v", i+1, err)
		}
	}
	if err := service.ResendVerificationCode(context.Background(), ownerID, transfer.ID); !errors.Is(err, ErrTooManyAttempts) {
		t.Errorf("expected ErrTooManyAttempts, got %v", err)
	}
}

func TestCancelRecurringTransfer(t *testing.T) {
	now := time.Date(2026, time.February, 10, 9, 0, 0, 0, time.UTC)
	repo := newStubRepository()
	events := &stubPublisher{}
	service := newTestService(repo, events, newStubRateLimiter(), now)
	ownerID := uuid.New()
	transfer, code := createPendingTransfer(t, service, events, ownerID)

	if outcome, err := service.VerifyRecurringTransfer(context.Background(), ownerID, transfer.ID, code); err != nil || outcome != domain.VerificationAccepted {
		t.Fatalf("activation failed: outcome=%s err=%v", outcome, err)
	}

	cancelled, err := service.CancelRecurringTransfer(context.Background(), ownerID, transfer.ID)
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if cancelled.Status != domain.StatusCancelled {
		t.Errorf("expected cancelled, got %s", cancelled.Status)
	}
	if cancelled.NextExecutionDate != nil {
		t.Errorf("a cancelled transfer must not carry a due date")
	}

	// Cancelling again is a no-op success.
	again, err := service.CancelRecurringTransfer(context.Background(), ownerID, transfer.ID)
	if err != nil {
		t.Fatalf("repeat cancel failed: %v", err)
	}
	if again.Status != domain.StatusCancelled {
		t.Errorf("expected cancelled on repeat, got %s", again.Status)
	}
}

func TestCancelCompletedTransferRejected(t *testing.T) {
	now := time.Date(2026, time.February, 10, 9, 0, 0, 0, time.UTC)
	repo := newStubRepository()
	events := &stubPublisher{}
	service := newTestService(repo, events, newStubRateLimiter(), now)
	ownerID := uuid.New()
	transfer, _ := createPendingTransfer(t, service, events, ownerID)

	repo.transfers[transfer.ID].Status = domain.StatusCompleted
	if _, err := service.CancelRecurringTransfer(context.Background(), ownerID, transfer.ID); !errors.Is(err, store.ErrCancelNotAllowed) {
		t.Errorf("expected ErrCancelNotAllowed, got %v", err)
	}
}

func TestListRecurringTransfersScopedToOwner(t *testing.T) {
	now := time.Date(2026, time.February, 10, 9, 0, 0, 0, time.UTC)
	repo := newStubRepository()
	events := &stubPublisher{}
	service := newTestService(repo, events, nil, now)
	ownerID := uuid.New()

	createPendingTransfer(t, service, events, ownerID)
	createPendingTransfer(t, service, events, ownerID)
	createPendingTransfer(t, service, events, uuid.New())

	transfers, err := service.ListRecurringTransfers(context.Background(), ownerID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(transfers) != 2 {
		t.Errorf("expected 2 transfers for owner, got %d", len(transfers))
	}
}
