package relay

import (
	"context"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"Patron-Relay/internal/account"
	xerrors "Patron-Relay/internal/errors"
	"Patron-Relay/pkg/logger"
)

// Service accepts submissions, persists them and hands them to the queue.
type Service struct {
	store      Store
	producer   Producer
	relay      *Relay
	maxRetries int
}

// NewService constructs the submission service.
func NewService(store Store, producer Producer, relay *Relay, maxRetries int) *Service {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Service{store: store, producer: producer, relay: relay, maxRetries: maxRetries}
}

// Submit enqueues a single operation for asynchronous execution.
func (s *Service) Submit(ctx context.Context, op *account.Operation) (*Submission, error) {
	subs, err := s.SubmitBatch(ctx, []*account.Operation{op})
	if err != nil {
		return nil, err
	}
	return subs[0], nil
}

// SubmitBatch enqueues a batch for asynchronous execution. Operations are
// grouped by sender in arrival order; each sender's group becomes one
// submission, admitted and executed independently of the others, so one
// principal's rejection never blocks another's. Within a group the usual
// batch atomicity applies.
func (s *Service) SubmitBatch(ctx context.Context, ops []*account.Operation) ([]*Submission, error) {
	if s.store == nil || s.producer == nil || s.relay == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "relay service not initialized")
	}
	if len(ops) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "empty submission")
	}
	for _, op := range ops {
		if err := op.Validate(); err != nil {
			return nil, err
		}
		// Reject before persisting anything; every accepted operation is
		// paid for by this relay and must pass admission downstream.
		if !s.relay.Sponsored(op) {
			return nil, ErrSponsorMismatch
		}
	}

	groups := make(map[common.Address][]*account.Operation)
	var order []common.Address
	for _, op := range ops {
		if _, ok := groups[op.Sender]; !ok {
			order = append(order, op.Sender)
		}
		groups[op.Sender] = append(groups[op.Sender], op)
	}

	subs := make([]*Submission, 0, len(order))
	for _, principal := range order {
		group := groups[principal]
		sub := &Submission{
			ID:         uuid.NewString(),
			Principal:  principal,
			Operations: group,
			Sponsored:  s.relay.Sponsored(group[0]),
			Status:     StatusPending,
			MaxRetries: s.maxRetries,
		}
		if err := s.store.Create(ctx, sub); err != nil {
			return subs, err
		}
		if err := s.producer.Publish(ctx, sub.ID); err != nil {
			logger.L().Error("enqueue submission failed", slog.Any("error", err), slog.String("submission_id", sub.ID))
			wrapped := xerrors.Wrap(CodeSubmissionPublish, err, "publish submission to queue")
			_ = s.store.MarkFailed(ctx, sub.ID, CodeSubmissionPublish, wrapped.Error(), true)
			return subs, wrapped
		}
		logger.Audit().Info("submission enqueued",
			slog.String("submission_id", sub.ID),
			slog.String("principal", sub.Principal.Hex()),
			slog.Int("operations", len(group)),
			slog.Bool("sponsored", sub.Sponsored),
		)
		subs = append(subs, sub)
	}
	return subs, nil
}

// Get returns the current state of a submission.
func (s *Service) Get(ctx context.Context, id string) (*Submission, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "submission store not initialized")
	}
	return s.store.Get(ctx, id)
}

// List returns submissions matching the given filters.
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Submission, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "submission store not initialized")
	}
	return s.store.List(ctx, opts...)
}

// Stats aggregates submission counts by state.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	if s.store == nil {
		return Stats{}, xerrors.New(xerrors.CodeInitializationFailure, "submission store not initialized")
	}
	return s.store.Stats(ctx)
}

// RecoverPending republishes submissions that were accepted but never
// finished, so work survives a daemon restart. Submissions stuck in running
// are flipped back to pending first; their interrupted attempt has already
// been charged.
func (s *Service) RecoverPending(ctx context.Context) (int, error) {
	if s.store == nil || s.producer == nil {
		return 0, xerrors.New(xerrors.CodeInitializationFailure, "relay service not initialized")
	}
	// Collect the whole backlog before mutating anything so the paging
	// offsets stay stable.
	const pageSize = 100
	var stale []*Submission
	for offset := 0; ; offset += pageSize {
		page, err := s.store.List(ctx,
			WithStatuses(StatusPending, StatusRunning),
			WithSortOrder(SortByUpdatedAsc),
			WithLimit(pageSize),
			WithOffset(offset),
		)
		if err != nil {
			return 0, err
		}
		stale = append(stale, page...)
		if len(page) < pageSize {
			break
		}
	}
	recovered := 0
	for _, sub := range stale {
		if sub.Status == StatusRunning {
			if err := s.store.MarkFailed(ctx, sub.ID, CodeRelayExecution, "interrupted by restart", false); err != nil {
				logger.L().Warn("reset interrupted submission failed",
					slog.Any("error", err), slog.String("submission_id", sub.ID))
				continue
			}
		}
		if err := s.producer.Publish(ctx, sub.ID); err != nil {
			logger.L().Warn("requeue submission failed",
				slog.Any("error", err), slog.String("submission_id", sub.ID))
			continue
		}
		recovered++
	}
	if recovered > 0 {
		logger.Audit().Info("recovered unfinished submissions", slog.Int("count", recovered))
	}
	return recovered, nil
}

// WaitUntilCompleted polls a submission until it reaches a terminal state
// or the context expires.
func (s *Service) WaitUntilCompleted(ctx context.Context, id string, interval time.Duration) (*Submission, error) {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		sub, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if sub.Status == StatusSucceeded || sub.Status == StatusFailed {
			return sub, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close releases the service resources.
func (s *Service) Close() error {
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			return err
		}
	}
	if s.producer != nil {
		return s.producer.Close()
	}
	return nil
}
