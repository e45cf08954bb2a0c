package relay

import (
	"context"
)

// Handler processes a submission ID taken from the queue.
type Handler func(ctx context.Context, submissionID string) error

// Producer delivers submission IDs into the queue.
type Producer interface {
	Publish(ctx context.Context, submissionID string) error
	Close() error
}

// Consumer drains submission IDs from the queue.
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue combines producer and consumer capabilities.
type Queue interface {
	Producer
	Consumer
}
