package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/V4T54L/subwatch/internal/adapter/metrics"
	"github.com/V4T54L/subwatch/internal/domain"
)

// ServiceInstancesResult is a partitioned batch of raw event payloads.
type ServiceInstancesResult struct {
	// Events holds at most one event per key. The first payload seen for a
	// key wins; later payloads with the same key are dropped.
	Events map[domain.EventKey]domain.Event
	// Order lists the keys of Events in first-seen order.
	Order    []domain.EventKey
	CleanUps []domain.Event

	Skipped    int
	Duplicates int
}

// OrderedEvents returns the surviving ordinary events in first-seen order.
func (r *ServiceInstancesResult) OrderedEvents() []domain.Event {
	events := make([]domain.Event, 0, len(r.Order))
	for _, k := range r.Order {
		events = append(events, r.Events[k])
	}
	return events
}

// BatchResult summarizes a persisted batch.
type BatchResult struct {
	Persisted    int
	CleanUps     int
	Skipped      int
	Duplicates   int
	StaleDeleted int64
}

// EventService encapsulates interaction with the event store.
type EventService struct {
	repo    domain.EventRepository
	optIn   domain.OptInRepository
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewEventService creates a new EventService. m may be nil.
func NewEventService(repo domain.EventRepository, optIn domain.OptInRepository, logger *slog.Logger, m *metrics.Metrics) *EventService {
	return &EventService{
		repo:    repo,
		optIn:   optIn,
		logger:  logger.With("component", "event_service"),
		metrics: m,
	}
}

// PersistServiceInstances partitions raw payloads into ordinary events and
// clean-up events, upserts the former and applies the latter, all in one
// transaction. Malformed payloads are skipped. Storage errors abort the whole
// batch.
func (s *EventService) PersistServiceInstances(ctx context.Context, payloads []string) (*BatchResult, error) {
	result := s.ParseServiceInstances(ctx, payloads)
	summary := &BatchResult{
		Persisted:  len(result.Events),
		CleanUps:   len(result.CleanUps),
		Skipped:    result.Skipped,
		Duplicates: result.Duplicates,
	}

	err := s.repo.RunInTx(ctx, func(w domain.EventWriter) error {
		if len(result.Events) > 0 {
			if err := w.SaveAll(ctx, result.OrderedEvents()); err != nil {
				return fmt.Errorf("failed to save events: %w", err)
			}
		}

		for _, cleanUp := range result.CleanUps {
			filter := domain.StaleEventsFilterFor(cleanUp)
			deleted, err := w.DeleteStaleEvents(ctx, filter)
			if err != nil {
				return fmt.Errorf("failed to delete stale %s events for orgId=%s: %w", filter.EventType, filter.OrgID, err)
			}
			summary.StaleDeleted += deleted
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.StaleEventsDeleted.Add(float64(summary.StaleDeleted))
	}
	s.logger.Info("persisted service instance batch",
		"events", summary.Persisted,
		"clean_ups", summary.CleanUps,
		"stale_deleted", summary.StaleDeleted,
		"skipped", summary.Skipped,
		"duplicates", summary.Duplicates,
	)
	return summary, nil
}

// ParseServiceInstances parses and partitions payloads without touching the
// event store. Organizations seen in the batch are opted in as a side effect.
func (s *EventService) ParseServiceInstances(ctx context.Context, payloads []string) *ServiceInstancesResult {
	result := &ServiceInstancesResult{Events: make(map[domain.EventKey]domain.Event)}
	optedIn := make(map[string]struct{})
	cleanUps := make(map[domain.StaleEventsFilter]struct{})

	for _, payload := range payloads {
		event, err := ParseEvent([]byte(payload))
		if err != nil {
			s.logger.Warn("issue found for the service instance json, skipping to next", "error", err)
			result.Skipped++
			s.countEvent("parse_error")
			continue
		}
		s.logger.Debug("event processing in batch", "event_id", event.EventID, "org_id", event.OrgID, "event_type", event.EventType)

		if strings.TrimSpace(event.OrgID) != "" {
			if _, seen := optedIn[event.OrgID]; !seen {
				optedIn[event.OrgID] = struct{}{}
				s.ensureOptIn(ctx, event.OrgID)
			}
		}

		if event.IsCleanUp() {
			filter := domain.StaleEventsFilterFor(event)
			if _, seen := cleanUps[filter]; !seen {
				cleanUps[filter] = struct{}{}
				result.CleanUps = append(result.CleanUps, event)
			}
			s.countEvent("clean_up")
			continue
		}

		key := event.Key()
		if _, exists := result.Events[key]; exists {
			result.Duplicates++
			s.countEvent("duplicate")
			continue
		}
		result.Events[key] = event
		result.Order = append(result.Order, key)
		s.countEvent("accepted")
	}

	return result
}

// ensureOptIn enrolls the organization for reporting. It is best effort:
// failures are logged and counted, never returned.
func (s *EventService) ensureOptIn(ctx context.Context, orgID string) {
	s.logger.Debug("ensuring org has been set up for syncing/reporting", "org_id", orgID)
	if err := s.optIn.OptInByOrgID(ctx, orgID, domain.OptInPrometheus); err != nil {
		s.logger.Error("error while attempting to automatically opt-in", "org_id", orgID, "error", err)
		if s.metrics != nil {
			s.metrics.OptInFailures.Inc()
		}
	}
}

func (s *EventService) countEvent(outcome string) {
	if s.metrics != nil {
		s.metrics.EventsTotal.WithLabelValues(outcome).Inc()
	}
}

var (
	errMissingEventType = errors.New("event_type is required")
	errMissingTimestamp = errors.New("timestamp is required")
)

// ParseEvent decodes a raw event payload. A missing event_id is generated.
func ParseEvent(payload []byte) (domain.Event, error) {
	var event domain.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return domain.Event{}, fmt.Errorf("failed to decode event: %w", err)
	}
	if event.EventType == "" {
		return domain.Event{}, errMissingEventType
	}
	if event.Timestamp.IsZero() {
		return domain.Event{}, errMissingTimestamp
	}
	if event.EventID == uuid.Nil {
		event.EventID = uuid.New()
	}
	event.Payload = json.RawMessage(payload)
	return event, nil
}

// FetchEventsInTimeRange streams the events of an organization with a
// timestamp in [begin, end), ordered by timestamp.
func (s *EventService) FetchEventsInTimeRange(ctx context.Context, orgID string, begin, end time.Time) iter.Seq2[domain.Event, error] {
	return s.repo.Find(ctx, domain.EventCriteria{OrgID: orgID, Begin: begin, End: end})
}

// FetchEventsInTimeRangeByServiceType is FetchEventsInTimeRange restricted to
// one service type.
func (s *EventService) FetchEventsInTimeRangeByServiceType(ctx context.Context, orgID, serviceType string, begin, end time.Time) iter.Seq2[domain.Event, error] {
	return s.repo.Find(ctx, domain.EventCriteria{OrgID: orgID, ServiceType: serviceType, Begin: begin, End: end})
}

// MapEventsInTimeRange indexes the matching events by key. Two stored events
// sharing a key yield domain.ErrDuplicateEventKey.
func (s *EventService) MapEventsInTimeRange(ctx context.Context, orgID, eventSource, eventType string, begin, end time.Time) (map[domain.EventKey]domain.Event, error) {
	criteria := domain.EventCriteria{OrgID: orgID, EventSource: eventSource, EventType: eventType, Begin: begin, End: end}
	events := make(map[domain.EventKey]domain.Event)
	for event, err := range s.repo.Find(ctx, criteria) {
		if err != nil {
			return nil, err
		}
		key := event.Key()
		if _, exists := events[key]; exists {
			return nil, fmt.Errorf("%w: instance %s at %s", domain.ErrDuplicateEventKey, key.InstanceID, key.Timestamp.Format(time.RFC3339))
		}
		events[key] = event
	}
	return events, nil
}

// SaveEvent stores a single event.
func (s *EventService) SaveEvent(ctx context.Context, event domain.Event) (domain.Event, error) {
	saved, err := s.SaveAll(ctx, []domain.Event{event})
	if err != nil {
		return domain.Event{}, err
	}
	return saved[0], nil
}

// SaveAll stores events, generating ids where missing, and returns them.
func (s *EventService) SaveAll(ctx context.Context, events []domain.Event) ([]domain.Event, error) {
	saved := make([]domain.Event, len(events))
	for i, e := range events {
		if e.EventID == uuid.Nil {
			e.EventID = uuid.New()
		}
		saved[i] = e
	}
	if err := s.repo.SaveAll(ctx, saved); err != nil {
		return nil, err
	}
	return saved, nil
}

// DeleteEvents removes the given events.
func (s *EventService) DeleteEvents(ctx context.Context, events []domain.Event) error {
	ids := make([]uuid.UUID, 0, len(events))
	for _, e := range events {
		ids = append(ids, e.EventID)
	}
	return s.repo.DeleteByEventIDs(ctx, ids)
}

// DeleteEvent removes one event by id.
func (s *EventService) DeleteEvent(ctx context.Context, eventID uuid.UUID) error {
	return s.repo.DeleteByEventIDs(ctx, []uuid.UUID{eventID})
}

// HasEventsInTimeRange reports whether the organization has events of the
// service type in [begin, end).
func (s *EventService) HasEventsInTimeRange(ctx context.Context, orgID, serviceType string, begin, end time.Time) (bool, error) {
	return s.repo.Exists(ctx, domain.EventCriteria{OrgID: orgID, ServiceType: serviceType, Begin: begin, End: end})
}
