package usecase

import (
	"context"
	"log/slog"
	"time"

	"github.com/V4T54L/subwatch/internal/adapter/metrics"
	"github.com/V4T54L/subwatch/internal/domain"
)

// BatchPersister persists a batch of raw service instance payloads.
type BatchPersister interface {
	PersistServiceInstances(ctx context.Context, payloads []string) (*BatchResult, error)
}

// ProcessEventsUseCase moves raw event payloads from the stream into the
// event store, one batch at a time.
type ProcessEventsUseCase struct {
	stream       domain.EventStream
	persister    BatchPersister
	logger       *slog.Logger
	metrics      *metrics.Metrics
	group        string
	consumer     string
	batchSize    int
	retryCount   int
	retryBackoff time.Duration
}

// NewProcessEventsUseCase creates a new use case for processing stream batches.
func NewProcessEventsUseCase(
	stream domain.EventStream,
	persister BatchPersister,
	logger *slog.Logger,
	m *metrics.Metrics,
	group, consumer string,
	batchSize, retryCount int,
	retryBackoff time.Duration,
) *ProcessEventsUseCase {
	if retryCount < 1 {
		retryCount = 1
	}
	return &ProcessEventsUseCase{
		stream:       stream,
		persister:    persister,
		logger:       logger.With("component", "event_processor"),
		metrics:      m,
		group:        group,
		consumer:     consumer,
		batchSize:    batchSize,
		retryCount:   retryCount,
		retryBackoff: retryBackoff,
	}
}

// ProcessBatch reads a batch of messages, persists their payloads and
// acknowledges them. A batch that still fails after all retries is moved to
// the dead-letter stream and acknowledged so it does not block the group.
func (uc *ProcessEventsUseCase) ProcessBatch(ctx context.Context) (int, error) {
	messages, err := uc.stream.ReadBatch(ctx, uc.group, uc.consumer, uc.batchSize)
	if err != nil {
		uc.logger.Error("failed to read event batch from stream", "error", err)
		return 0, err
	}

	if len(messages) == 0 {
		return 0, nil // No new events, not an error
	}

	uc.logger.Debug("read batch of messages from stream", "count", len(messages))

	messageIDs := make([]string, len(messages))
	payloads := make([]string, 0, len(messages))
	seen := make(map[string]struct{}, len(messages))
	for i, msg := range messages {
		messageIDs[i] = msg.ID
		// Identical payloads collapse, the batch is a set.
		if _, dup := seen[msg.Payload]; dup {
			continue
		}
		seen[msg.Payload] = struct{}{}
		payloads = append(payloads, msg.Payload)
	}

	err = uc.persistWithRetry(ctx, payloads)
	if err != nil && ctx.Err() != nil {
		// Shutting down; the messages stay pending until ReadBatch reclaims them.
		return 0, err
	}
	if err != nil {
		uc.logger.Error("failed to persist event batch after retries, moving to DLQ", "error", err, "count", len(messages))
		uc.countBatch("failed")
		if dlqErr := uc.stream.MoveToDLQ(ctx, messages); dlqErr != nil {
			uc.logger.Error("failed to move batch to DLQ", "error", dlqErr)
			// Leave the messages pending so they are redelivered.
			return 0, dlqErr
		}
		uc.countBatch("dead_lettered")
		if ackErr := uc.stream.Acknowledge(ctx, uc.group, messageIDs...); ackErr != nil {
			uc.logger.Error("failed to acknowledge dead-lettered messages", "error", ackErr)
		}
		return 0, err
	}

	if err := uc.stream.Acknowledge(ctx, uc.group, messageIDs...); err != nil {
		uc.logger.Error("failed to acknowledge messages in stream", "error", err)
		// The events are stored but still pending. Reclaiming them later is
		// safe because SaveAll upserts by key.
		return 0, err
	}

	uc.countBatch("persisted")
	uc.logger.Info("successfully processed event batch", "count", len(messages))
	return len(messages), nil
}

// Run polls the stream every interval until ctx is done. Each tick drains the
// backlog before waiting again.
func (uc *ProcessEventsUseCase) Run(ctx context.Context, interval time.Duration) {
	uc.logger.Info("consumer loop started", "group", uc.group, "consumer", uc.consumer, "interval", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			uc.logger.Info("consumer loop stopped")
			return
		case <-ticker.C:
			uc.Drain(ctx)
		}
	}
}

// Drain processes batches until the stream has nothing new or a batch fails.
// It returns the number of messages handled.
func (uc *ProcessEventsUseCase) Drain(ctx context.Context) int {
	total := 0
	for ctx.Err() == nil {
		n, err := uc.ProcessBatch(ctx)
		total += n
		if err != nil {
			uc.logger.Error("error processing batch", "error", err)
			return total
		}
		if n == 0 {
			return total
		}
	}
	return total
}

func (uc *ProcessEventsUseCase) persistWithRetry(ctx context.Context, payloads []string) error {
	var lastErr error
	for i := 0; i < uc.retryCount; i++ {
		_, err := uc.persister.PersistServiceInstances(ctx, payloads)
		if err == nil {
			return nil
		}
		lastErr = err
		uc.logger.Warn("failed to persist batch, retrying...", "attempt", i+1, "error", err)
		if i == uc.retryCount-1 {
			break
		}
		select {
		case <-time.After(uc.retryBackoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}

func (uc *ProcessEventsUseCase) countBatch(status string) {
	if uc.metrics != nil {
		uc.metrics.BatchesTotal.WithLabelValues(status).Inc()
	}
}
