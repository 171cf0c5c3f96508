package app

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/transfa/recurring-transfer-service/internal/domain"
	"github.com/transfa/recurring-transfer-service/internal/store"
	"github.com/transfa/recurring-transfer-service/pkg/rabbitmq"
)

// fixedClock returns a pinned instant so schedule arithmetic in tests is
// deterministic.
type fixedClock struct {
	now time.Time
}

func (c *fixedClock) Now() time.Time { return c.now }

// stubRepository is an in-memory store.Repository with the same contracts as
// the postgres implementation.
type stubRepository struct {
	mu         sync.Mutex
	transfers  map[uuid.UUID]*domain.RecurringTransfer
	challenges map[uuid.UUID]*domain.VerificationChallenge
	// challengeSeq records insertion order so "latest" stays deterministic
	// even when a fixed test clock gives challenges identical IssuedAt.
	challengeSeq map[uuid.UUID]int
	nextSeq      int

	createErr error
	updateErr error

	updateCalls    []store.UpdateAfterExecutionParams
	releasedLeases []uuid.UUID
}

func newStubRepository() *stubRepository {
	return &stubRepository{
		transfers:    make(map[uuid.UUID]*domain.RecurringTransfer),
		challenges:   make(map[uuid.UUID]*domain.VerificationChallenge),
		challengeSeq: make(map[uuid.UUID]int),
	}
}

func (r *stubRepository) CreateTransferWithChallenge(ctx context.Context, transfer *domain.RecurringTransfer, challenge *domain.VerificationChallenge) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createErr != nil {
		return r.createErr
	}
	copied := *transfer
	r.transfers[transfer.ID] = &copied
	copiedChallenge := *challenge
	r.challenges[challenge.ID] = &copiedChallenge
	r.nextSeq++
	r.challengeSeq[challenge.ID] = r.nextSeq
	return nil
}

func (r *stubRepository) FindTransferByID(ctx context.Context, id uuid.UUID) (*domain.RecurringTransfer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	transfer, ok := r.transfers[id]
	if !ok {
		return nil, store.ErrTransferNotFound
	}
	copied := *transfer
	return &copied, nil
}

func (r *stubRepository) ListTransfersByOwner(ctx context.Context, ownerID uuid.UUID) ([]domain.RecurringTransfer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var result []domain.RecurringTransfer
	for _, transfer := range r.transfers {
		if transfer.OwnerID == ownerID {
			result = append(result, *transfer)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (r *stubRepository) ActivateTransfer(ctx context.Context, id uuid.UUID, firstExecutionDate time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	transfer, ok := r.transfers[id]
	if !ok {
		return store.ErrTransferNotFound
	}
	if transfer.Status != domain.StatusPendingVerification {
		return store.ErrTransferNotPending
	}
	transfer.Status = domain.StatusActive
	first := firstExecutionDate
	transfer.NextExecutionDate = &first
	return nil
}

func (r *stubRepository) CancelTransfer(ctx context.Context, id uuid.UUID) (*domain.RecurringTransfer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	transfer, ok := r.transfers[id]
	if !ok {
		return nil, store.ErrTransferNotFound
	}
	switch transfer.Status {
	case domain.StatusPendingVerification, domain.StatusActive:
		transfer.Status = domain.StatusCancelled
		transfer.NextExecutionDate = nil
	case domain.StatusCancelled:
		// idempotent no-op
	default:
		return nil, store.ErrCancelNotAllowed
	}
	copied := *transfer
	return &copied, nil
}

func (r *stubRepository) ClaimDueTransfers(ctx context.Context, now time.Time, leaseTTL time.Duration, limit int) ([]domain.RecurringTransfer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var claimed []domain.RecurringTransfer
	for _, transfer := range r.transfers {
		if len(claimed) >= limit {
			break
		}
		if transfer.Status == domain.StatusActive && transfer.NextExecutionDate != nil && !transfer.NextExecutionDate.After(now) {
			claimed = append(claimed, *transfer)
		}
	}
	return claimed, nil
}

func (r *stubRepository) UpdateAfterExecution(ctx context.Context, params store.UpdateAfterExecutionParams) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updateCalls = append(r.updateCalls, params)
	if r.updateErr != nil {
		return r.updateErr
	}
	transfer, ok := r.transfers[params.TransferID]
	if !ok {
		return store.ErrTransferNotFound
	}
	executedAt := params.ExecutedAt
	outcome := params.Outcome
	reason := params.Reason
	transfer.LastExecutionAt = &executedAt
	transfer.LastExecutionOutcome = &outcome
	transfer.LastExecutionReason = &reason
	transfer.ConsecutiveFailures = params.ConsecutiveFailures
	// A cancellation recorded mid-flight wins over the attempt's next state.
	if transfer.Status != domain.StatusCancelled {
		transfer.Status = params.Status
		transfer.NextExecutionDate = params.NextExecutionDate
	}
	return nil
}

func (r *stubRepository) ReleaseLease(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.releasedLeases = append(r.releasedLeases, id)
	return nil
}

func (r *stubRepository) SupersedeAndCreateChallenge(ctx context.Context, challenge *domain.VerificationChallenge) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := challenge.IssuedAt
	for _, existing := range r.challenges {
		if existing.TransferID == challenge.TransferID && !existing.Consumed {
			existing.Consumed = true
			existing.ConsumedAt = &now
		}
	}
	copied := *challenge
	r.challenges[challenge.ID] = &copied
	r.nextSeq++
	r.challengeSeq[challenge.ID] = r.nextSeq
	return nil
}

func (r *stubRepository) FindLatestChallengeByTransferID(ctx context.Context, transferID uuid.UUID) (*domain.VerificationChallenge, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var latest *domain.VerificationChallenge
	for _, challenge := range r.challenges {
		if challenge.TransferID != transferID {
			continue
		}
		if latest == nil || r.challengeSeq[challenge.ID] > r.challengeSeq[latest.ID] {
			latest = challenge
		}
	}
	if latest == nil {
		return nil, store.ErrChallengeNotFound
	}
	copied := *latest
	return &copied, nil
}

func (r *stubRepository) MarkChallengeConsumed(ctx context.Context, challengeID uuid.UUID, consumedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	challenge, ok := r.challenges[challengeID]
	if !ok || challenge.Consumed {
		return store.ErrChallengeNotFound
	}
	challenge.Consumed = true
	challenge.ConsumedAt = &consumedAt
	return nil
}

// publishedEvent pairs a routing key with its payload for assertions.
type publishedEvent struct {
	routingKey string
	event      rabbitmq.RecurringTransferEvent
}

// stubPublisher records everything published.
type stubPublisher struct {
	mu         sync.Mutex
	codeEvents []rabbitmq.VerificationCodeEvent
	events     []publishedEvent
	publishErr error
}

func (p *stubPublisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	return p.publishErr
}

func (p *stubPublisher) PublishVerificationCode(ctx context.Context, event rabbitmq.VerificationCodeEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.publishErr != nil {
		return p.publishErr
	}
	p.codeEvents = append(p.codeEvents, event)
	return nil
}

func (p *stubPublisher) PublishTransferEvent(ctx context.Context, routingKey string, event rabbitmq.RecurringTransferEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.publishErr != nil {
		return p.publishErr
	}
	p.events = append(p.events, publishedEvent{routingKey: routingKey, event: event})
	return nil
}

func (p *stubPublisher) Close() {}

func (p *stubPublisher) eventKeys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	keys := make([]string, 0, len(p.events))
	for _, e := range p.events {
		keys = append(keys, e.routingKey)
	}
	return keys
}

// stubRateLimiter counts hits per scope:subject in memory.
type stubRateLimiter struct {
	mu     sync.Mutex
	counts map[string]int
	err    error
}

func newStubRateLimiter() *stubRateLimiter {
	return &stubRateLimiter{counts: make(map[string]int)}
}

func (l *stubRateLimiter) ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (int, int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return 0, 0, l.err
	}
	key := scope + ":" + subject
	l.counts[key]++
	return l.counts[key], 30, nil
}
