package mocks

import (
	"context"
	"errors"
	"iter"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/V4T54L/subwatch/internal/domain"
)

// MockEventRepository is an in-memory domain.EventRepository. RunInTx restores
// the previous contents when the callback fails.
type MockEventRepository struct {
	mu             sync.Mutex
	Events         []domain.Event
	SavedBatches   [][]domain.Event
	DeletedFilters []domain.StaleEventsFilter
	TxCount        int
	SaveErr        error
	DeleteErr      error
	FindErr        error
	ExistsErr      error
}

func (m *MockEventRepository) SaveAll(ctx context.Context, events []domain.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SaveErr != nil {
		return m.SaveErr
	}
	m.SavedBatches = append(m.SavedBatches, slices.Clone(events))
	for _, e := range events {
		idx := slices.IndexFunc(m.Events, func(stored domain.Event) bool { return stored.Key() == e.Key() })
		if idx >= 0 {
			m.Events[idx] = e
		} else {
			m.Events = append(m.Events, e)
		}
	}
	return nil
}

func (m *MockEventRepository) DeleteStaleEvents(ctx context.Context, filter domain.StaleEventsFilter) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.DeleteErr != nil {
		return 0, m.DeleteErr
	}
	m.DeletedFilters = append(m.DeletedFilters, filter)
	before := len(m.Events)
	m.Events = slices.DeleteFunc(m.Events, filter.Matches)
	return int64(before - len(m.Events)), nil
}

func (m *MockEventRepository) DeleteByEventIDs(ctx context.Context, ids []uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.DeleteErr != nil {
		return m.DeleteErr
	}
	m.Events = slices.DeleteFunc(m.Events, func(e domain.Event) bool { return slices.Contains(ids, e.EventID) })
	return nil
}

func (m *MockEventRepository) RunInTx(ctx context.Context, fn func(w domain.EventWriter) error) error {
	m.mu.Lock()
	m.TxCount++
	events := slices.Clone(m.Events)
	batches := slices.Clone(m.SavedBatches)
	filters := slices.Clone(m.DeletedFilters)
	m.mu.Unlock()

	if err := fn(m); err != nil {
		m.mu.Lock()
		m.Events, m.SavedBatches, m.DeletedFilters = events, batches, filters
		m.mu.Unlock()
		return err
	}
	return nil
}

func (m *MockEventRepository) Find(ctx context.Context, criteria domain.EventCriteria) iter.Seq2[domain.Event, error] {
	return func(yield func(domain.Event, error) bool) {
		m.mu.Lock()
		if m.FindErr != nil {
			err := m.FindErr
			m.mu.Unlock()
			yield(domain.Event{}, err)
			return
		}
		matched := slices.DeleteFunc(slices.Clone(m.Events), func(e domain.Event) bool { return !matchesCriteria(e, criteria) })
		m.mu.Unlock()

		slices.SortStableFunc(matched, func(a, b domain.Event) int { return a.Timestamp.Compare(b.Timestamp) })
		for _, e := range matched {
			if !yield(e, nil) {
				return
			}
		}
	}
}

func (m *MockEventRepository) Exists(ctx context.Context, criteria domain.EventCriteria) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ExistsErr != nil {
		return false, m.ExistsErr
	}
	return slices.ContainsFunc(m.Events, func(e domain.Event) bool { return matchesCriteria(e, criteria) }), nil
}

// Stored returns a copy of the stored events.
func (m *MockEventRepository) Stored() []domain.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.Events)
}

func matchesCriteria(e domain.Event, c domain.EventCriteria) bool {
	if c.OrgID != "" && e.OrgID != c.OrgID {
		return false
	}
	if c.EventSource != "" && e.EventSource != c.EventSource {
		return false
	}
	if c.EventType != "" && e.EventType != c.EventType {
		return false
	}
	if c.ServiceType != "" && e.ServiceType != c.ServiceType {
		return false
	}
	if !c.Begin.IsZero() && e.Timestamp.Before(c.Begin) {
		return false
	}
	if !c.End.IsZero() && !e.Timestamp.Before(c.End) {
		return false
	}
	return true
}

// MockCapacityViewRepository evaluates specifications in memory.
type MockCapacityViewRepository struct {
	Rows      []domain.CapacityView
	StreamErr error
	LastSpec  domain.Specification
}

func (m *MockCapacityViewRepository) StreamBy(ctx context.Context, spec domain.Specification) iter.Seq2[domain.CapacityView, error] {
	m.LastSpec = spec
	return func(yield func(domain.CapacityView, error) bool) {
		if m.StreamErr != nil {
			yield(domain.CapacityView{}, m.StreamErr)
			return
		}
		for _, row := range m.Rows {
			if !spec.Matches(row) {
				continue
			}
			if !yield(row, nil) {
				return
			}
		}
	}
}

// MockOptInRepository records opt-in calls. Orgs listed in FailFor fail.
type MockOptInRepository struct {
	mu      sync.Mutex
	OptedIn []string
	FailFor map[string]bool
}

var ErrOptInFailed = errors.New("opt-in failed")

func (m *MockOptInRepository) OptInByOrgID(ctx context.Context, orgID string, optInType domain.OptInType) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailFor[orgID] {
		return ErrOptInFailed
	}
	m.OptedIn = append(m.OptedIn, orgID)
	return nil
}

// MockEventStream is an in-memory domain.EventStream.
type MockEventStream struct {
	mu              sync.Mutex
	Published       []string
	ReadBatchResult []domain.StreamMessage
	// Batches, when set, are returned one per ReadBatch call before ReadBatchResult.
	Batches         [][]domain.StreamMessage
	Reads           int
	// ReclaimPending makes ReadBatch hand back delivered but unacknowledged
	// messages before anything new.
	ReclaimPending  bool
	pending         []domain.StreamMessage
	AckedMessageIDs []string
	DLQMessages     []domain.StreamMessage
	PublishErr      error
	ReadErr         error
	AckErr          error
	DLQErr          error
}

func (m *MockEventStream) Publish(ctx context.Context, payloads ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PublishErr != nil {
		return m.PublishErr
	}
	m.Published = append(m.Published, payloads...)
	return nil
}

func (m *MockEventStream) ReadBatch(ctx context.Context, group, consumer string, count int) ([]domain.StreamMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Reads++
	if m.ReadErr != nil {
		return nil, m.ReadErr
	}
	if m.ReclaimPending && len(m.pending) > 0 {
		return slices.Clone(m.pending), nil
	}
	batch := m.ReadBatchResult
	if len(m.Batches) > 0 {
		batch = m.Batches[0]
		m.Batches = m.Batches[1:]
	}
	m.pending = append(m.pending, batch...)
	return batch, nil
}

func (m *MockEventStream) Acknowledge(ctx context.Context, group string, messageIDs ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.AckErr != nil {
		return m.AckErr
	}
	m.AckedMessageIDs = append(m.AckedMessageIDs, messageIDs...)
	m.pending = slices.DeleteFunc(m.pending, func(msg domain.StreamMessage) bool { return slices.Contains(messageIDs, msg.ID) })
	return nil
}

// Acked returns a copy of the acknowledged message IDs.
func (m *MockEventStream) Acked() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.AckedMessageIDs)
}

func (m *MockEventStream) MoveToDLQ(ctx context.Context, messages []domain.StreamMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.DLQErr != nil {
		return m.DLQErr
	}
	m.DLQMessages = append(m.DLQMessages, messages...)
	return nil
}

// MockStreamAdminRepository records admin calls and returns canned results.
type MockStreamAdminRepository struct {
	Groups       []domain.ConsumerGroupInfo
	Consumers    []domain.ConsumerInfo
	Pending      *domain.PendingMessageSummary
	AckedIDs     []string
	TrimmedTo    int64
	TrimResult   int64
	ReplayArgs   []string
	ReplayCount  int64
	ReplayResult int64
	Err          error
}

func (m *MockStreamAdminRepository) GetGroupInfo(ctx context.Context, stream string) ([]domain.ConsumerGroupInfo, error) {
	return m.Groups, m.Err
}

func (m *MockStreamAdminRepository) GetConsumerInfo(ctx context.Context, stream, group string) ([]domain.ConsumerInfo, error) {
	return m.Consumers, m.Err
}

func (m *MockStreamAdminRepository) GetPendingSummary(ctx context.Context, stream, group string) (*domain.PendingMessageSummary, error) {
	return m.Pending, m.Err
}

func (m *MockStreamAdminRepository) AcknowledgeMessages(ctx context.Context, stream, group string, messageIDs ...string) (int64, error) {
	if m.Err != nil {
		return 0, m.Err
	}
	m.AckedIDs = append(m.AckedIDs, messageIDs...)
	return int64(len(messageIDs)), nil
}

func (m *MockStreamAdminRepository) TrimStream(ctx context.Context, stream string, maxLen int64) (int64, error) {
	m.TrimmedTo = maxLen
	return m.TrimResult, m.Err
}

func (m *MockStreamAdminRepository) ReplayDeadLetters(ctx context.Context, dlq, target string, count int64) (int64, error) {
	m.ReplayArgs = []string{dlq, target}
	m.ReplayCount = count
	return m.ReplayResult, m.Err
}
