package relay

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	xerrors "Patron-Relay/internal/errors"
	"Patron-Relay/internal/observability/alerting"
	"Patron-Relay/internal/observability/metrics"
	"Patron-Relay/internal/sponsor"
	"Patron-Relay/pkg/logger"
)

// Processor drains the submission queue and drives each submission through
// the relay.
type Processor struct {
	relay       *Relay
	store       Store
	consumer    Consumer
	producer    Producer
	workerCount int
	logger      *slog.Logger
	alerter     alerting.Dispatcher
}

// ProcessorOption configures the processor.
type ProcessorOption func(*Processor)

// WithProcessorLogger sets the debug log destination.
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithWorkerCount sets how many consumer goroutines drain the queue.
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithAlertDispatcher configures incident notification.
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// NewProcessor constructs a Processor.
func NewProcessor(relay *Relay, store Store, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		relay:       relay,
		store:       store,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.workerCount <= 0 {
		p.workerCount = 1
	}
	return p
}

// Start runs the processing loop until the context is cancelled.
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "no submission consumer configured")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, submissionID string) error {
	if p.store == nil || p.relay == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "processor not initialized")
	}
	sub, err := p.store.Claim(ctx, submissionID)
	if err != nil {
		if stdErrors.Is(err, ErrSubmissionNotFound) || stdErrors.Is(err, ErrSubmissionCompleted) || stdErrors.Is(err, ErrSubmissionExhausted) {
			p.logDebug("skipping submission", slog.String("submission_id", submissionID), slog.String("reason", err.Error()))
			return nil
		}
		logger.L().Error("claim submission failed", slog.Any("error", err), slog.String("submission_id", submissionID))
		return err
	}

	started := time.Now()
	receipts, execErr := p.relay.Execute(ctx, sub.Operations)
	if execErr != nil {
		metrics.ObserveSubmission("failed", time.Since(started))
		return p.handleExecutionFailure(ctx, sub, execErr)
	}

	if err := p.store.MarkSucceeded(ctx, sub.ID, receipts); err != nil {
		logger.L().Error("mark submission succeeded failed", slog.Any("error", err), slog.String("submission_id", sub.ID))
		return err
	}
	metrics.ObserveSubmission("succeeded", time.Since(started))
	var sponsored uint64
	for _, receipt := range receipts {
		sponsored += receipt.SponsoredCost
	}
	if sponsored > 0 {
		metrics.ObserveSponsoredCost(sponsored)
	}
	logger.Audit().Info("submission executed",
		slog.String("submission_id", sub.ID),
		slog.String("principal", sub.Principal.Hex()),
		slog.Int("receipts", len(receipts)),
		slog.Uint64("sponsored_cost", sponsored),
	)
	return nil
}

func (p *Processor) handleExecutionFailure(ctx context.Context, sub *Submission, execErr error) error {
	code := xerrors.CodeOf(execErr)
	if code == xerrors.CodeUnknown {
		code = CodeRelayExecution
	}
	if isAdmissionCode(code) {
		metrics.ObserveAdmissionRejection(string(code))
	}
	retryable := xerrors.RetryableError(execErr)
	terminal := sub.Attempts >= sub.MaxRetries || !retryable

	if storeErr := p.store.MarkFailed(ctx, sub.ID, code, execErr.Error(), terminal); storeErr != nil {
		logger.L().Error("mark submission failed errored", slog.Any("error", storeErr), slog.String("submission_id", sub.ID))
		return storeErr
	}
	logger.Audit().Warn("submission failed",
		slog.String("submission_id", sub.ID),
		slog.String("principal", sub.Principal.Hex()),
		slog.Bool("terminal", terminal),
		slog.String("error", execErr.Error()),
		slog.String("error_code", string(code)),
		slog.Int("attempts", sub.Attempts),
		slog.Int("max_retries", sub.MaxRetries),
	)

	if terminal && xerrors.ShouldAlert(execErr) {
		p.emitAlert(ctx, sub, code, execErr)
	}

	if retryable && !terminal {
		if pubErr := p.producer.Publish(ctx, sub.ID); pubErr != nil {
			return xerrors.Wrap(CodeSubmissionPublish, pubErr, fmt.Sprintf("requeue submission %s", sub.ID))
		}
		p.logDebug("submission requeued", slog.String("submission_id", sub.ID), slog.Int("attempts", sub.Attempts))
	}
	return nil
}

func isAdmissionCode(code xerrors.Code) bool {
	switch code {
	case sponsor.CodePolicyInactive, sponsor.CodeWhitelistRequired, sponsor.CodeVerificationInsufficient,
		sponsor.CodePerOperationLimit, sponsor.CodeDailyGasLimit, sponsor.CodeDailyCountLimit:
		return true
	default:
		return false
	}
}

func (p *Processor) logDebug(msg string, attrs ...slog.Attr) {
	if p.logger != nil {
		args := make([]any, len(attrs))
		for i, attr := range attrs {
			args[i] = attr
		}
		p.logger.Debug(msg, args...)
	}
}

func (p *Processor) emitAlert(ctx context.Context, sub *Submission, code xerrors.Code, cause error) {
	if p == nil || p.alerter == nil || sub == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	message := attrs.Message
	if cause != nil {
		message = cause.Error()
	}
	event := alerting.Event{
		Code:         code,
		Message:      message,
		Severity:     attrs.Severity,
		SubmissionID: sub.ID,
		Principal:    sub.Principal.Hex(),
		Attempts:     sub.Attempts,
		MaxRetries:   sub.MaxRetries,
		OccurredAt:   time.Now(),
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("alert notification failed",
			slog.Any("error", err),
			slog.String("submission_id", sub.ID),
		)
	}
}
