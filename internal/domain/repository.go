package domain

import (
	"context"
	"iter"

	"github.com/google/uuid"
)

// EventWriter holds the mutating operations of the event store.
type EventWriter interface {
	// SaveAll upserts events keyed by EventKey.
	SaveAll(ctx context.Context, events []Event) error

	// DeleteStaleEvents removes every event matched by the filter and returns
	// the number of deleted rows.
	DeleteStaleEvents(ctx context.Context, filter StaleEventsFilter) (int64, error)

	// DeleteByEventIDs removes the events with the given ids.
	DeleteByEventIDs(ctx context.Context, ids []uuid.UUID) error
}

// EventRepository is the relational event store.
type EventRepository interface {
	EventWriter

	// RunInTx runs fn in a single transaction. Any error returned by fn rolls
	// back everything fn wrote.
	RunInTx(ctx context.Context, fn func(w EventWriter) error) error

	// Find streams events matching the criteria ordered by timestamp. The
	// sequence is lazy and can be consumed once; stopping early releases
	// the underlying rows.
	Find(ctx context.Context, criteria EventCriteria) iter.Seq2[Event, error]

	// Exists reports whether any event matches the criteria.
	Exists(ctx context.Context, criteria EventCriteria) (bool, error)
}

// CapacityViewRepository is the read store for the subscription capacity view.
type CapacityViewRepository interface {
	// StreamBy lazily yields the rows matching spec.
	StreamBy(ctx context.Context, spec Specification) iter.Seq2[CapacityView, error]
}

// OptInRepository enrolls organizations into reporting modes.
type OptInRepository interface {
	// OptInByOrgID is idempotent; opting in an enrolled organization is a no-op.
	OptInByOrgID(ctx context.Context, orgID string, optInType OptInType) error
}

// EventStream buffers raw event payloads between ingestion and persistence.
type EventStream interface {
	// Publish appends raw payloads to the stream.
	Publish(ctx context.Context, payloads ...string) error

	// ReadBatch reads up to count messages for a consumer of a group. Messages
	// another delivery left unacknowledged for too long come back here.
	ReadBatch(ctx context.Context, group, consumer string, count int) ([]StreamMessage, error)

	// Acknowledge marks messages as processed for a group.
	Acknowledge(ctx context.Context, group string, messageIDs ...string) error

	// MoveToDLQ copies messages into the dead-letter stream.
	MoveToDLQ(ctx context.Context, messages []StreamMessage) error
}

// WALRepository is the local write-ahead log that holds raw payloads while the
// event stream is unreachable.
type WALRepository interface {
	// Write appends payloads to the local WAL file.
	Write(ctx context.Context, payloads ...string) error

	// Replay hands every spooled payload to handler in write order.
	Replay(ctx context.Context, handler func(payload string) error) error

	// Truncate removes WAL segments that have been successfully replayed.
	Truncate(ctx context.Context) error
}

// StreamAdminRepository defines the administrative operations on a stream.
type StreamAdminRepository interface {
	GetGroupInfo(ctx context.Context, stream string) ([]ConsumerGroupInfo, error)
	GetConsumerInfo(ctx context.Context, stream, group string) ([]ConsumerInfo, error)
	GetPendingSummary(ctx context.Context, stream, group string) (*PendingMessageSummary, error)
	AcknowledgeMessages(ctx context.Context, stream, group string, messageIDs ...string) (int64, error)
	TrimStream(ctx context.Context, stream string, maxLen int64) (int64, error)
	// ReplayDeadLetters moves up to count entries of dlq back onto target.
	ReplayDeadLetters(ctx context.Context, dlq, target string, count int64) (int64, error)
}

