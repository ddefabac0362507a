package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/V4T54L/subwatch/internal/adapter/metrics"
	"github.com/V4T54L/subwatch/internal/domain"
)

// payloadField is the stream entry field holding the raw event payload.
const payloadField = "payload"

// StreamConfig names the streams and the consumer group used by the repository.
type StreamConfig struct {
	Stream    string
	DLQStream string
	Group     string
	// ReadBlock is how long ReadBatch waits for new messages.
	ReadBlock time.Duration
	// ClaimMinIdle is how long a delivered entry stays unacknowledged before
	// ReadBatch takes it over. Zero disables reclaiming.
	ClaimMinIdle time.Duration
}

// EventStreamRepository implements the domain.EventStream interface using Redis Streams.
// It also includes a Write-Ahead Log (WAL) for failover.
type EventStreamRepository struct {
	client      redis.UniversalClient
	logger      *slog.Logger
	metrics     *metrics.Metrics
	wal         domain.WALRepository
	cfg         StreamConfig
	isAvailable atomic.Bool
}

// NewEventStreamRepository creates a new Redis-backed event stream and makes
// sure the consumer group exists. The WAL is optional; pass nil if not needed
// (e.g., for consumers). m may be nil.
func NewEventStreamRepository(client redis.UniversalClient, logger *slog.Logger, cfg StreamConfig, wal domain.WALRepository, m *metrics.Metrics) *EventStreamRepository {
	if cfg.ReadBlock <= 0 {
		cfg.ReadBlock = 2 * time.Second
	}
	repo := &EventStreamRepository{
		client:  client,
		logger:  logger.With("component", "redis_event_stream"),
		metrics: m,
		wal:     wal,
		cfg:     cfg,
	}
	repo.setAvailable(true)

	if err := repo.setupConsumerGroup(context.Background()); err != nil {
		repo.setAvailable(false)
		repo.logger.Error("failed to setup consumer group, Redis may be unavailable on startup", "error", err)
	}

	return repo
}

// StartHealthCheck monitors Redis connectivity and replays the WAL once the
// connection comes back. It blocks until ctx is done.
func (r *EventStreamRepository) StartHealthCheck(ctx context.Context, interval time.Duration) {
	if r.wal == nil {
		r.logger.Info("WAL is not configured, skipping health check/replayer")
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.logger.Info("starting Redis health check and WAL replayer")

	// Spool left over from a previous run.
	if r.isAvailable.Load() {
		if err := r.ReplayWAL(ctx); err != nil {
			r.logger.Error("failed to replay WAL on startup", "error", err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("stopping Redis health check")
			return
		case <-ticker.C:
			r.checkHealth(ctx)
		}
	}
}

func (r *EventStreamRepository) checkHealth(ctx context.Context) {
	if err := r.client.Ping(ctx).Err(); err != nil {
		if r.isAvailable.CompareAndSwap(true, false) {
			r.setAvailable(false)
			r.logger.Error("Redis connection lost", "error", err)
		}
		return
	}
	if r.isAvailable.Load() {
		return
	}

	r.logger.Info("Redis connection recovered")
	if err := r.setupConsumerGroup(ctx); err != nil {
		r.logger.Error("failed to setup consumer group after recovery", "error", err)
		return
	}
	if err := r.ReplayWAL(ctx); err != nil {
		r.logger.Error("failed to replay WAL after Redis recovery", "error", err)
		return
	}
	r.setAvailable(true)

	// Payloads spooled while the first replay was running.
	if err := r.ReplayWAL(ctx); err != nil {
		r.logger.Error("failed to replay late WAL writes", "error", err)
	}
}

// ReplayWAL replays payloads from the WAL to Redis and truncates the WAL on success.
func (r *EventStreamRepository) ReplayWAL(ctx context.Context) error {
	r.logger.Info("attempting to replay WAL to Redis")
	replayed := 0
	replayHandler := func(payload string) error {
		if err := r.publishToRedis(ctx, payload); err != nil {
			return err
		}
		replayed++
		return nil
	}

	if err := r.wal.Replay(ctx, replayHandler); err != nil {
		return fmt.Errorf("WAL replay failed: %w", err)
	}

	if err := r.wal.Truncate(ctx); err != nil {
		return fmt.Errorf("failed to truncate WAL after successful replay: %w", err)
	}

	if r.metrics != nil {
		r.metrics.WALPayloadsTotal.WithLabelValues("replayed").Add(float64(replayed))
	}
	r.logger.Info("WAL replay to Redis completed successfully", "payloads", replayed)
	return nil
}

func (r *EventStreamRepository) setupConsumerGroup(ctx context.Context) error {
	if r.cfg.Group == "" {
		return nil
	}
	err := r.client.XGroupCreateMkStream(ctx, r.cfg.Stream, r.cfg.Group, "0").Err()
	if err != nil && !isRedisBusyGroupError(err) {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}
	return nil
}

// Publish adds raw payloads to the stream, falling back to the WAL if Redis is unavailable.
func (r *EventStreamRepository) Publish(ctx context.Context, payloads ...string) error {
	if len(payloads) == 0 {
		return nil
	}
	if !r.isAvailable.Load() {
		if r.wal == nil {
			return errors.New("redis is unavailable and WAL is not configured")
		}
		r.logger.Warn("Redis is unavailable, writing to WAL", "payloads", len(payloads))
		return r.writeWAL(ctx, payloads)
	}

	err := r.publishToRedis(ctx, payloads...)
	if err != nil {
		if isNetworkError(err) {
			if r.isAvailable.CompareAndSwap(true, false) {
				r.setAvailable(false)
				r.logger.Error("Redis connection lost during write", "error", err)
			}
			if r.wal == nil {
				return fmt.Errorf("redis became unavailable and WAL is not configured: %w", err)
			}
			r.logger.Warn("Redis became unavailable, writing to WAL", "payloads", len(payloads))
			return r.writeWAL(ctx, payloads)
		}
		return err
	}
	return nil
}

func (r *EventStreamRepository) writeWAL(ctx context.Context, payloads []string) error {
	if err := r.wal.Write(ctx, payloads...); err != nil {
		return err
	}
	if r.metrics != nil {
		r.metrics.WALPayloadsTotal.WithLabelValues("written").Add(float64(len(payloads)))
	}
	return nil
}

func (r *EventStreamRepository) publishToRedis(ctx context.Context, payloads ...string) error {
	pipe := r.client.Pipeline()
	for _, payload := range payloads {
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: r.cfg.Stream,
			Values: map[string]interface{}{payloadField: payload},
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to XADD to redis stream: %w", err)
	}
	return nil
}

// ReadBatch returns entries abandoned by a consumer of the group first, then
// new entries. An entry is abandoned once it has been pending longer than
// ClaimMinIdle, which covers crashed consumers, shutdowns mid-batch and
// failed acknowledgements.
func (r *EventStreamRepository) ReadBatch(ctx context.Context, group, consumer string, count int) ([]domain.StreamMessage, error) {
	claimed, err := r.claimStale(ctx, group, consumer, count)
	if err != nil {
		return nil, err
	}
	if len(claimed) > 0 {
		r.logger.Info("reclaimed pending messages", "count", len(claimed), "consumer", consumer)
		return r.toStreamMessages(ctx, group, claimed), nil
	}

	streams, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{r.cfg.Stream, ">"},
		Count:    int64(count),
		Block:    r.cfg.ReadBlock,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to XREADGROUP from redis: %w", err)
	}
	if len(streams) == 0 {
		return nil, nil
	}
	return r.toStreamMessages(ctx, group, streams[0].Messages), nil
}

func (r *EventStreamRepository) claimStale(ctx context.Context, group, consumer string, count int) ([]redis.XMessage, error) {
	if r.cfg.ClaimMinIdle <= 0 {
		return nil, nil
	}
	msgs, _, err := r.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   r.cfg.Stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  r.cfg.ClaimMinIdle,
		Start:    "0-0",
		Count:    int64(count),
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to XAUTOCLAIM from redis: %w", err)
	}
	return msgs, nil
}

// toStreamMessages drops and acknowledges entries without a payload, since
// nothing can ever process them.
func (r *EventStreamRepository) toStreamMessages(ctx context.Context, group string, msgs []redis.XMessage) []domain.StreamMessage {
	messages := make([]domain.StreamMessage, 0, len(msgs))
	var malformed []string
	for _, msg := range msgs {
		payload, ok := msg.Values[payloadField].(string)
		if !ok {
			r.logger.Warn("invalid message format in stream, skipping", "message_id", msg.ID)
			malformed = append(malformed, msg.ID)
			continue
		}
		messages = append(messages, domain.StreamMessage{ID: msg.ID, Payload: payload})
	}
	if len(malformed) > 0 {
		if err := r.Acknowledge(ctx, group, malformed...); err != nil {
			r.logger.Error("failed to acknowledge malformed messages", "error", err)
		}
	}
	return messages
}

// Acknowledge acknowledges processed messages in the stream.
func (r *EventStreamRepository) Acknowledge(ctx context.Context, group string, messageIDs ...string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	if err := r.client.XAck(ctx, r.cfg.Stream, group, messageIDs...).Err(); err != nil {
		return fmt.Errorf("failed to XACK messages in redis: %w", err)
	}
	return nil
}

// MoveToDLQ copies a batch of messages to the Dead-Letter Queue stream.
func (r *EventStreamRepository) MoveToDLQ(ctx context.Context, messages []domain.StreamMessage) error {
	if len(messages) == 0 {
		return nil
	}

	failedAt := time.Now().UTC().Format(time.RFC3339)
	pipe := r.client.Pipeline()
	for _, msg := range messages {
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: r.cfg.DLQStream,
			Values: map[string]interface{}{
				payloadField:      msg.Payload,
				"original_stream": r.cfg.Stream,
				"original_msg_id": msg.ID,
				"failed_at":       failedAt,
			},
		})
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to execute DLQ pipeline: %w", err)
	}
	r.logger.Warn("moved messages to DLQ", "count", len(messages), "dlq", r.cfg.DLQStream)
	return nil
}

// Available reports whether the last interaction with Redis succeeded.
func (r *EventStreamRepository) Available() bool {
	return r.isAvailable.Load()
}

func (r *EventStreamRepository) setAvailable(ok bool) {
	r.isAvailable.Store(ok)
	if r.metrics == nil {
		return
	}
	if ok {
		r.metrics.StreamAvailable.Set(1)
	} else {
		r.metrics.StreamAvailable.Set(0)
	}
}

func isRedisBusyGroupError(err error) bool {
	return err != nil && err.Error() == "BUSYGROUP Consumer Group name already exists"
}

func isNetworkError(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) || errors.Is(err, redis.ErrClosed) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
