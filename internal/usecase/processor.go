package usecase

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fairyhunter13/agent-bench-worker/internal/domain"
	"github.com/fairyhunter13/agent-bench-worker/internal/observability"
)

const retryBaseDelay = 500 * time.Millisecond

// MessageProcessor handles one experiment.run.requested message: parse,
// idempotency gate, pre-flight staleness checks, execution with retries
// and terminal status bookkeeping.
type MessageProcessor struct {
	gate        domain.IdempotencyGate
	experiments domain.ExperimentRepository
	scheduler   *CaseScheduler
	maxRetries  int
}

// NewMessageProcessor wires the processor. maxRetries is the number of
// full execution attempts per message.
func NewMessageProcessor(gate domain.IdempotencyGate, experiments domain.ExperimentRepository, scheduler *CaseScheduler, maxRetries int) *MessageProcessor {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &MessageProcessor{
		gate:        gate,
		experiments: experiments,
		scheduler:   scheduler,
		maxRetries:  maxRetries,
	}
}

// HandleRunMessage processes one queue record. A nil return means the
// offset may be committed; domain.ErrDuplicateInFlight asks the consumer
// to redeliver later; permanent errors get dead-lettered by the caller.
func (p *MessageProcessor) HandleRunMessage(ctx domain.Context, messageID string, payload []byte) error {
	log := observability.LoggerFromContext(ctx)
	log.Info("MESSAGE_RECEIVED", slog.Int("bytes", len(payload)))

	msg, err := domain.ParseRunMessage(payload)
	if err != nil {
		return err
	}
	if msg.MessageID == "" {
		msg.MessageID = messageID
	}
	log = log.With(
		slog.Int64("experiment_id", msg.Experiment.ID),
		slog.Int("run_cases", len(msg.RunCases)),
	)
	ctx = observability.ContextWithLogger(ctx, log)

	suffix := msg.GateSuffix()
	done, err := p.gate.AlreadyProcessed(ctx, suffix)
	if err != nil {
		return fmt.Errorf("op=processor.gate_check: %w", err)
	}
	if done {
		log.Info("MESSAGE_SKIPPED_DUPLICATE")
		return nil
	}
	acquired, err := p.gate.AcquireProcessing(ctx, suffix)
	if err != nil {
		return fmt.Errorf("op=processor.gate_acquire: %w", err)
	}
	if !acquired {
		return fmt.Errorf("op=processor.gate_acquire: %w", domain.ErrDuplicateInFlight)
	}

	if skip, err := p.preflight(ctx, msg); err != nil {
		p.releaseGate(ctx, suffix)
		return err
	} else if skip {
		p.markProcessed(ctx, suffix)
		return nil
	}

	log.Info("EXPERIMENT_EXEC_START", slog.String("message_id", msg.MessageID))
	if err := p.experiments.SetQueueStatus(ctx, msg.Experiment.ID, domain.ExperimentConsuming); err != nil {
		log.Warn("queue status update failed", slog.Any("error", err))
	}

	if err := p.runWithRetries(ctx, msg); err != nil {
		log.Error("E_RUN_RETRIES_EXCEEDED",
			slog.Int("attempts", p.maxRetries), slog.Any("error", err))
		if mfErr := p.experiments.MarkFailed(ctx, msg.Experiment.ID,
			fmt.Sprintf("E_RUN_RETRIES_EXCEEDED: %v", err)); mfErr != nil {
			log.Error("experiment mark failed errored", slog.Any("error", mfErr))
		}
		p.releaseGate(ctx, suffix)
		return fmt.Errorf("E_RUN_RETRIES_EXCEEDED: %w: %v", domain.ErrRetriesExceeded, err)
	}

	p.markProcessed(ctx, suffix)
	log.Info("EXPERIMENT_EXEC_DONE", slog.String("message_id", msg.MessageID))
	return nil
}

// preflight loads the experiment queue state and decides whether the
// message should be skipped without execution.
func (p *MessageProcessor) preflight(ctx domain.Context, msg domain.RunMessage) (skip bool, err error) {
	log := observability.LoggerFromContext(ctx)

	state, err := p.experiments.QueueState(ctx, msg.Experiment.ID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return false, fmt.Errorf("op=processor.preflight: experiment %d missing: %w",
				msg.Experiment.ID, domain.ErrInvalidArgument)
		}
		return false, fmt.Errorf("op=processor.preflight: %w", err)
	}

	// Only manual termination blocks execution. test_case is sticky for
	// the reconciler, but preview runs still execute their cases.
	if state.QueueStatus == domain.ExperimentManualTerminated {
		log.Info("MESSAGE_SKIPPED_MANUAL_TERMINATED",
			slog.String("queue_status", string(state.QueueStatus)))
		return true, nil
	}
	if state.QueueMessageID != "" && msg.MessageID != "" && state.QueueMessageID != msg.MessageID {
		log.Info("MESSAGE_SKIPPED_STALE",
			slog.String("message_id", msg.MessageID),
			slog.String("queue_message_id", state.QueueMessageID))
		return true, nil
	}
	return false, nil
}

// runWithRetries executes the whole message up to maxRetries times with a
// linear attempt*500ms backoff.
func (p *MessageProcessor) runWithRetries(ctx domain.Context, msg domain.RunMessage) error {
	log := observability.LoggerFromContext(ctx)

	var lastErr error
	for attempt := 1; attempt <= p.maxRetries; attempt++ {
		lastErr = p.scheduler.RunAll(ctx, msg)
		if lastErr == nil {
			return nil
		}
		log.Warn("E_RUN_ATTEMPT_FAILED",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", p.maxRetries),
			slog.Any("error", lastErr))
		if attempt == p.maxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * retryBaseDelay):
		}
	}
	return lastErr
}

func (p *MessageProcessor) markProcessed(ctx domain.Context, suffix string) {
	if err := p.gate.MarkProcessed(ctx, suffix); err != nil {
		observability.LoggerFromContext(ctx).Warn("gate mark processed failed", slog.Any("error", err))
	}
	p.releaseGate(ctx, suffix)
}

func (p *MessageProcessor) releaseGate(ctx domain.Context, suffix string) {
	if err := p.gate.ReleaseProcessing(ctx, suffix); err != nil {
		observability.LoggerFromContext(ctx).Warn("gate release failed", slog.Any("error", err))
	}
}
