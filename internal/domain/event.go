package domain

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// CleanUpEventTypePrefix marks an event as a clean-up request for prior events
// of the type that follows the prefix.
const CleanUpEventTypePrefix = "CLEAN_UP_"

// Event is a single service-instance usage event.
type Event struct {
	EventID          uuid.UUID          `json:"event_id"`
	OrgID            string             `json:"org_id"`
	EventSource      string             `json:"event_source"`
	EventType        string             `json:"event_type"`
	InstanceID       string             `json:"instance_id"`
	ServiceType      string             `json:"service_type,omitempty"`
	Timestamp        time.Time          `json:"timestamp"`
	Expiration       *time.Time         `json:"expiration,omitempty"`
	RecordDate       *time.Time         `json:"record_date,omitempty"`
	DisplayName      string             `json:"display_name,omitempty"`
	SLA              string             `json:"sla,omitempty"`
	Usage            string             `json:"usage,omitempty"`
	BillingProvider  string             `json:"billing_provider,omitempty"`
	BillingAccountID string             `json:"billing_account_id,omitempty"`
	ProductTags      []string           `json:"product_tag,omitempty"`
	Measurements     []EventMeasurement `json:"measurements,omitempty"`

	// Payload is the JSON document the event was parsed from. It is what gets
	// stored, so fields this struct does not model survive a round trip.
	Payload json.RawMessage `json:"-"`
}

// IsCleanUp reports whether the event asks for deletion of prior events.
func (e Event) IsCleanUp() bool {
	return strings.HasPrefix(e.EventType, CleanUpEventTypePrefix)
}

// CleanUpTarget returns the event type a clean-up event deletes, i.e. the
// event type with the prefix removed.
func (e Event) CleanUpTarget() string {
	if !e.IsCleanUp() {
		return e.EventType
	}
	return e.EventType[len(CleanUpEventTypePrefix):]
}

// Key returns the deduplication key of the event.
func (e Event) Key() EventKey {
	return EventKey{
		OrgID:       e.OrgID,
		EventSource: e.EventSource,
		EventType:   e.EventType,
		InstanceID:  e.InstanceID,
		Timestamp:   e.Timestamp.UTC(),
	}
}

// EventKey identifies an event for deduplication. The timestamp is kept in UTC
// so that equal instants compare equal as map keys.
type EventKey struct {
	OrgID       string
	EventSource string
	EventType   string
	InstanceID  string
	Timestamp   time.Time
}

// EventCriteria selects stored events. Empty string fields are not constrained.
// The time range is half-open: [Begin, End).
type EventCriteria struct {
	OrgID       string
	EventSource string
	EventType   string
	ServiceType string
	Begin       time.Time
	End         time.Time
}

// StaleEventsFilter is the deletion predicate derived from a clean-up event:
// every stored event matching org, source and type with a timestamp at or
// before Timestamp.
type StaleEventsFilter struct {
	OrgID       string
	EventSource string
	EventType   string
	Timestamp   time.Time
}

// StaleEventsFilterFor builds the deletion predicate for a clean-up event.
func StaleEventsFilterFor(cleanUp Event) StaleEventsFilter {
	return StaleEventsFilter{
		OrgID:       cleanUp.OrgID,
		EventSource: cleanUp.EventSource,
		EventType:   cleanUp.CleanUpTarget(),
		Timestamp:   cleanUp.Timestamp.UTC(),
	}
}

// Matches reports whether a stored event falls under the filter.
func (f StaleEventsFilter) Matches(e Event) bool {
	return e.OrgID == f.OrgID &&
		e.EventSource == f.EventSource &&
		e.EventType == f.EventType &&
		!e.Timestamp.After(f.Timestamp)
}

// EventMeasurement is a metered value carried by an event.
type EventMeasurement struct {
	MetricID string  `json:"metric_id"`
	Value    float64 `json:"value"`
}

// OptInType is the reporting mode an organization is enrolled in.
type OptInType string

const OptInPrometheus OptInType = "PROMETHEUS"

// StreamMessage is a raw event payload read from the event stream.
type StreamMessage struct {
	ID      string
	Payload string
}
