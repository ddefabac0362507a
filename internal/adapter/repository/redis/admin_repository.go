package redis

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/V4T54L/subwatch/internal/domain"
)

// AdminRepository inspects and repairs the event stream and its dead-letter
// stream. It implements domain.StreamAdminRepository.
type AdminRepository struct {
	client redis.UniversalClient
	logger *slog.Logger
}

func NewAdminRepository(client redis.UniversalClient, logger *slog.Logger) *AdminRepository {
	return &AdminRepository{
		client: client,
		logger: logger.With("component", "redis_admin_repository"),
	}
}

func (r *AdminRepository) GetGroupInfo(ctx context.Context, stream string) ([]domain.ConsumerGroupInfo, error) {
	groups, err := r.client.XInfoGroups(ctx, stream).Result()
	if err != nil {
		return nil, adminError(err, "stream %s", stream)
	}

	out := make([]domain.ConsumerGroupInfo, 0, len(groups))
	for _, g := range groups {
		out = append(out, domain.ConsumerGroupInfo{
			Name:            g.Name,
			Consumers:       g.Consumers,
			Pending:         g.Pending,
			Lag:             g.Lag,
			LastDeliveredID: g.LastDeliveredID,
		})
	}
	return out, nil
}

func (r *AdminRepository) GetConsumerInfo(ctx context.Context, stream, group string) ([]domain.ConsumerInfo, error) {
	consumers, err := r.client.XInfoConsumers(ctx, stream, group).Result()
	if err != nil {
		return nil, adminError(err, "group %s on stream %s", group, stream)
	}

	out := make([]domain.ConsumerInfo, 0, len(consumers))
	for _, c := range consumers {
		out = append(out, domain.ConsumerInfo{Name: c.Name, Pending: c.Pending, IdleMillis: c.Idle.Milliseconds()})
	}
	return out, nil
}

// GetPendingSummary reports the pending entry list of group, including the
// oldest delivery still waiting for an acknowledgement.
func (r *AdminRepository) GetPendingSummary(ctx context.Context, stream, group string) (*domain.PendingMessageSummary, error) {
	pending, err := r.client.XPending(ctx, stream, group).Result()
	if err != nil {
		return nil, adminError(err, "group %s on stream %s", group, stream)
	}
	summary := &domain.PendingMessageSummary{Total: pending.Count, ConsumerTotals: pending.Consumers}
	if pending.Count == 0 {
		return summary, nil
	}

	oldest, err := r.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Start:  pending.Lower,
		End:    "+",
		Count:  1,
	}).Result()
	if err != nil {
		return nil, adminError(err, "group %s on stream %s", group, stream)
	}
	if len(oldest) > 0 {
		summary.Oldest = &domain.PendingMessage{
			ID:         oldest[0].ID,
			Consumer:   oldest[0].Consumer,
			IdleMillis: oldest[0].Idle.Milliseconds(),
			Deliveries: oldest[0].RetryCount,
		}
	}
	return summary, nil
}

func (r *AdminRepository) AcknowledgeMessages(ctx context.Context, stream, group string, messageIDs ...string) (int64, error) {
	acked, err := r.client.XAck(ctx, stream, group, messageIDs...).Result()
	if err != nil {
		return 0, adminError(err, "group %s on stream %s", group, stream)
	}
	return acked, nil
}

func (r *AdminRepository) TrimStream(ctx context.Context, stream string, maxLen int64) (int64, error) {
	trimmed, err := r.client.XTrimMaxLen(ctx, stream, maxLen).Result()
	if err != nil {
		return 0, adminError(err, "stream %s", stream)
	}
	return trimmed, nil
}

// ReplayDeadLetters moves up to count of the oldest entries of the dead-letter
// stream back onto the target stream in one transaction. Entries without a
// payload are dropped.
func (r *AdminRepository) ReplayDeadLetters(ctx context.Context, dlq, target string, count int64) (int64, error) {
	messages, err := r.client.XRangeN(ctx, dlq, "-", "+", count).Result()
	if err != nil {
		return 0, adminError(err, "stream %s", dlq)
	}
	if len(messages) == 0 {
		return 0, nil
	}

	var replayed int64
	ids := make([]string, 0, len(messages))
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, msg := range messages {
			ids = append(ids, msg.ID)
			payload, ok := msg.Values[payloadField].(string)
			if !ok {
				r.logger.Warn("dead letter without payload, dropping", "message_id", msg.ID)
				continue
			}
			pipe.XAdd(ctx, &redis.XAddArgs{Stream: target, Values: map[string]interface{}{payloadField: payload}})
			replayed++
		}
		pipe.XDel(ctx, dlq, ids...)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to replay dead letters from %s to %s: %w", dlq, target, err)
	}
	r.logger.Info("replayed dead letters", "dlq", dlq, "target", target, "count", replayed, "dropped", int64(len(ids))-replayed)
	return replayed, nil
}

// adminError maps missing keys and groups to domain.ErrNotFound.
func adminError(err error, format string, args ...any) error {
	subject := fmt.Sprintf(format, args...)
	msg := err.Error()
	if strings.HasPrefix(msg, "NOGROUP") || strings.Contains(strings.ToLower(msg), "no such key") {
		return fmt.Errorf("%s: %w", subject, domain.ErrNotFound)
	}
	return fmt.Errorf("redis admin call on %s failed: %w", subject, err)
}
