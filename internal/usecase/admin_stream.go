package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/V4T54L/subwatch/internal/domain"
)

// ErrUnknownStream is returned for streams the service does not own.
var ErrUnknownStream = errors.New("unknown stream")

// ErrInvalidArgument wraps rejected admin parameters.
var ErrInvalidArgument = errors.New("invalid argument")

const defaultReplayCount = 100

// AdminStreamUseCase provides use cases for stream administration. Only the
// event stream and its dead-letter stream can be inspected or modified.
type AdminStreamUseCase struct {
	repo      domain.StreamAdminRepository
	stream    string
	dlqStream string
	logger    *slog.Logger
}

// NewAdminStreamUseCase creates a new AdminStreamUseCase.
func NewAdminStreamUseCase(repo domain.StreamAdminRepository, stream, dlqStream string, logger *slog.Logger) *AdminStreamUseCase {
	return &AdminStreamUseCase{
		repo:      repo,
		stream:    stream,
		dlqStream: dlqStream,
		logger:    logger.With("component", "admin_stream"),
	}
}

func (uc *AdminStreamUseCase) checkStream(stream string) error {
	if stream != uc.stream && stream != uc.dlqStream {
		return fmt.Errorf("%w: %s", ErrUnknownStream, stream)
	}
	return nil
}

func (uc *AdminStreamUseCase) GetGroupInfo(ctx context.Context, stream string) ([]domain.ConsumerGroupInfo, error) {
	if err := uc.checkStream(stream); err != nil {
		return nil, err
	}
	return uc.repo.GetGroupInfo(ctx, stream)
}

func (uc *AdminStreamUseCase) GetConsumerInfo(ctx context.Context, stream, group string) ([]domain.ConsumerInfo, error) {
	if err := uc.checkStream(stream); err != nil {
		return nil, err
	}
	return uc.repo.GetConsumerInfo(ctx, stream, group)
}

func (uc *AdminStreamUseCase) GetPendingSummary(ctx context.Context, stream, group string) (*domain.PendingMessageSummary, error) {
	if err := uc.checkStream(stream); err != nil {
		return nil, err
	}
	return uc.repo.GetPendingSummary(ctx, stream, group)
}

func (uc *AdminStreamUseCase) AcknowledgeMessages(ctx context.Context, stream, group string, messageIDs ...string) (int64, error) {
	if err := uc.checkStream(stream); err != nil {
		return 0, err
	}
	if len(messageIDs) == 0 {
		return 0, fmt.Errorf("%w: at least one message ID is required", ErrInvalidArgument)
	}
	acked, err := uc.repo.AcknowledgeMessages(ctx, stream, group, messageIDs...)
	if err != nil {
		return 0, err
	}
	uc.logger.Info("acknowledged messages", "stream", stream, "group", group, "requested", len(messageIDs), "acked", acked)
	return acked, nil
}

func (uc *AdminStreamUseCase) TrimStream(ctx context.Context, stream string, maxLen int64) (int64, error) {
	if err := uc.checkStream(stream); err != nil {
		return 0, err
	}
	if maxLen < 0 {
		return 0, fmt.Errorf("%w: maxLen must not be negative", ErrInvalidArgument)
	}
	trimmed, err := uc.repo.TrimStream(ctx, stream, maxLen)
	if err != nil {
		return 0, err
	}
	uc.logger.Info("trimmed stream", "stream", stream, "max_len", maxLen, "trimmed", trimmed)
	return trimmed, nil
}

// ReplayDeadLetters moves up to count dead-lettered payloads back onto the
// event stream. A non-positive count replays the default amount.
func (uc *AdminStreamUseCase) ReplayDeadLetters(ctx context.Context, count int64) (int64, error) {
	if count <= 0 {
		count = defaultReplayCount
	}
	return uc.repo.ReplayDeadLetters(ctx, uc.dlqStream, uc.stream, count)
}
