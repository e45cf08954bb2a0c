package relay

import (
	"context"

	xerrors "Patron-Relay/internal/errors"
)

// Store persists submission state across the queue boundary.
type Store interface {
	Create(ctx context.Context, sub *Submission) error
	Get(ctx context.Context, id string) (*Submission, error)
	// Claim moves a pending or retried submission to running and charges
	// one attempt. It returns ErrSubmissionCompleted, ErrSubmissionConflict
	// or ErrSubmissionExhausted when the submission cannot be claimed.
	Claim(ctx context.Context, id string) (*Submission, error)
	MarkSucceeded(ctx context.Context, id string, receipts []Receipt) error
	MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, terminal bool) error
	List(ctx context.Context, opts ...ListOption) ([]*Submission, error)
	Stats(ctx context.Context) (Stats, error)
	Close() error
}
