package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/V4T54L/subwatch/internal/adapter/metrics"
	"github.com/V4T54L/subwatch/internal/domain"
	"github.com/V4T54L/subwatch/internal/domain/mocks"
)

var baseTime = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func eventJSON(orgID, eventType, instanceID string, ts time.Time, displayName string) string {
	return fmt.Sprintf(
		`{"org_id":%q,"event_source":"prometheus","event_type":%q,"instance_id":%q,"timestamp":%q,"display_name":%q}`,
		orgID, eventType, instanceID, ts.Format(time.RFC3339), displayName,
	)
}

func newTestEventService(repo *mocks.MockEventRepository, optIn *mocks.MockOptInRepository) (*EventService, *metrics.Metrics) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New(prometheus.NewRegistry())
	return NewEventService(repo, optIn, logger, m), m
}

func TestEventService_PersistServiceInstances(t *testing.T) {
	ctx := context.Background()

	t.Run("Duplicate Keys Keep First Occurrence", func(t *testing.T) {
		repo := &mocks.MockEventRepository{}
		svc, m := newTestEventService(repo, &mocks.MockOptInRepository{})

		result, err := svc.PersistServiceInstances(ctx, []string{
			eventJSON("org1", "snapshot", "i-1", baseTime, "first"),
			eventJSON("org1", "snapshot", "i-1", baseTime, "second"),
			eventJSON("org1", "snapshot", "i-2", baseTime, "other"),
		})
		require.NoError(t, err)

		assert.Equal(t, 2, result.Persisted)
		assert.Equal(t, 1, result.Duplicates)
		require.Len(t, repo.SavedBatches, 1)
		require.Len(t, repo.SavedBatches[0], 2)
		assert.Equal(t, "first", repo.SavedBatches[0][0].DisplayName)
		assert.Equal(t, "i-2", repo.SavedBatches[0][1].InstanceID)
		assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsTotal.WithLabelValues("duplicate")))
	})

	t.Run("Malformed Payload Is Skipped", func(t *testing.T) {
		repo := &mocks.MockEventRepository{}
		svc, m := newTestEventService(repo, &mocks.MockOptInRepository{})

		result, err := svc.PersistServiceInstances(ctx, []string{
			eventJSON("org1", "snapshot", "i-1", baseTime, ""),
			`{"org_id": "org1", "event_type":`,
			eventJSON("org1", "snapshot", "i-2", baseTime, ""),
			eventJSON("org1", "snapshot", "i-3", baseTime, ""),
		})
		require.NoError(t, err)

		assert.Equal(t, 3, result.Persisted)
		assert.Equal(t, 1, result.Skipped)
		assert.Len(t, repo.Stored(), 3)
		assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsTotal.WithLabelValues("parse_error")))
	})

	t.Run("Missing Required Fields Are Skipped", func(t *testing.T) {
		repo := &mocks.MockEventRepository{}
		svc, _ := newTestEventService(repo, &mocks.MockOptInRepository{})

		result, err := svc.PersistServiceInstances(ctx, []string{
			`{"org_id":"org1","instance_id":"i-1","timestamp":"2024-03-01T10:00:00Z"}`,
			`{"org_id":"org1","event_type":"snapshot","instance_id":"i-1"}`,
		})
		require.NoError(t, err)

		assert.Equal(t, 2, result.Skipped)
		assert.Equal(t, 0, result.Persisted)
	})

	t.Run("Clean Up Deletes Prior Events", func(t *testing.T) {
		repo := &mocks.MockEventRepository{Events: []domain.Event{
			{OrgID: "org1", EventSource: "prometheus", EventType: "snapshot", InstanceID: "old", Timestamp: baseTime.Add(-time.Hour)},
			{OrgID: "org1", EventSource: "prometheus", EventType: "snapshot", InstanceID: "same", Timestamp: baseTime},
			{OrgID: "org1", EventSource: "prometheus", EventType: "snapshot", InstanceID: "new", Timestamp: baseTime.Add(time.Hour)},
			{OrgID: "org2", EventSource: "prometheus", EventType: "snapshot", InstanceID: "other-org", Timestamp: baseTime.Add(-time.Hour)},
		}}
		svc, _ := newTestEventService(repo, &mocks.MockOptInRepository{})

		result, err := svc.PersistServiceInstances(ctx, []string{
			eventJSON("org1", "CLEAN_UP_snapshot", "", baseTime, ""),
		})
		require.NoError(t, err)

		assert.Equal(t, 1, result.CleanUps)
		assert.Equal(t, int64(2), result.StaleDeleted)
		assert.Empty(t, repo.SavedBatches, "no ordinary events means no save call")
		require.Len(t, repo.DeletedFilters, 1)
		assert.Equal(t, domain.StaleEventsFilter{
			OrgID: "org1", EventSource: "prometheus", EventType: "snapshot", Timestamp: baseTime,
		}, repo.DeletedFilters[0])

		var remaining []string
		for _, e := range repo.Stored() {
			remaining = append(remaining, e.InstanceID)
			assert.NotEqual(t, "CLEAN_UP_snapshot", e.EventType)
		}
		assert.ElementsMatch(t, []string{"new", "other-org"}, remaining)
	})

	t.Run("Identical Clean Ups Run Once", func(t *testing.T) {
		repo := &mocks.MockEventRepository{}
		svc, _ := newTestEventService(repo, &mocks.MockOptInRepository{})

		marker := eventJSON("org1", "CLEAN_UP_snapshot", "", baseTime, "")
		result, err := svc.PersistServiceInstances(ctx, []string{marker, marker})
		require.NoError(t, err)

		assert.Equal(t, 1, result.CleanUps)
		assert.Len(t, repo.DeletedFilters, 1)
	})

	t.Run("Opt In Is Best Effort", func(t *testing.T) {
		repo := &mocks.MockEventRepository{}
		optIn := &mocks.MockOptInRepository{FailFor: map[string]bool{"bad-org": true}}
		svc, m := newTestEventService(repo, optIn)

		result, err := svc.PersistServiceInstances(ctx, []string{
			eventJSON("org1", "snapshot", "i-1", baseTime, ""),
			eventJSON("org1", "snapshot", "i-2", baseTime, ""),
			eventJSON("bad-org", "snapshot", "i-3", baseTime, ""),
			eventJSON("", "snapshot", "i-4", baseTime, ""),
			eventJSON("   ", "snapshot", "i-5", baseTime, ""),
		})
		require.NoError(t, err)

		assert.Equal(t, 5, result.Persisted)
		assert.Equal(t, []string{"org1"}, optIn.OptedIn)
		assert.Equal(t, 1.0, testutil.ToFloat64(m.OptInFailures))
	})

	t.Run("Storage Failure Rolls Back Batch", func(t *testing.T) {
		existing := domain.Event{OrgID: "org1", EventSource: "prometheus", EventType: "snapshot", InstanceID: "old", Timestamp: baseTime.Add(-time.Hour)}
		repo := &mocks.MockEventRepository{
			Events:    []domain.Event{existing},
			DeleteErr: errors.New("connection reset"),
		}
		svc, _ := newTestEventService(repo, &mocks.MockOptInRepository{})

		result, err := svc.PersistServiceInstances(ctx, []string{
			eventJSON("org1", "snapshot", "i-1", baseTime, ""),
			eventJSON("org1", "CLEAN_UP_snapshot", "", baseTime, ""),
		})
		require.Error(t, err)
		assert.Nil(t, result)
		assert.ErrorContains(t, err, "connection reset")

		stored := repo.Stored()
		require.Len(t, stored, 1)
		assert.Equal(t, "old", stored[0].InstanceID)
		assert.Empty(t, repo.SavedBatches)
	})

	t.Run("Save Failure Propagates", func(t *testing.T) {
		repo := &mocks.MockEventRepository{SaveErr: errors.New("database is down")}
		svc, _ := newTestEventService(repo, &mocks.MockOptInRepository{})

		_, err := svc.PersistServiceInstances(ctx, []string{eventJSON("org1", "snapshot", "i-1", baseTime, "")})
		assert.ErrorIs(t, err, repo.SaveErr)
	})
}

func TestEventService_ParseServiceInstances(t *testing.T) {
	repo := &mocks.MockEventRepository{}
	svc, _ := newTestEventService(repo, &mocks.MockOptInRepository{})

	payloads := []string{
		eventJSON("org1", "snapshot", "i-1", baseTime, "a"),
		eventJSON("org1", "snapshot", "i-1", baseTime.In(time.FixedZone("CET", 3600)), "b"),
		eventJSON("org1", "snapshot", "i-1", baseTime.Add(time.Minute), "c"),
		"not json",
		eventJSON("org1", "CLEAN_UP_snapshot", "", baseTime, ""),
	}
	result := svc.ParseServiceInstances(context.Background(), payloads)

	assert.Len(t, result.Events, 2)
	assert.Len(t, result.Order, 2)
	assert.Len(t, result.CleanUps, 1)
	assert.Equal(t, 1, result.Skipped)
	assert.Equal(t, 1, result.Duplicates, "same instant in another zone is the same key")

	seen := make(map[domain.EventKey]bool)
	for _, e := range result.OrderedEvents() {
		assert.False(t, seen[e.Key()])
		seen[e.Key()] = true
		assert.NotEqual(t, uuid.Nil, e.EventID)
		assert.NotEmpty(t, e.Payload)
	}
	assert.Zero(t, repo.TxCount, "parsing does not touch the store")
}

func TestEventService_StoreOperations(t *testing.T) {
	ctx := context.Background()
	ev := func(instance, serviceType string, ts time.Time) domain.Event {
		return domain.Event{
			EventID: uuid.New(), OrgID: "org1", EventSource: "prometheus", EventType: "snapshot",
			InstanceID: instance, ServiceType: serviceType, Timestamp: ts,
		}
	}

	t.Run("Fetch Uses Half Open Range", func(t *testing.T) {
		repo := &mocks.MockEventRepository{Events: []domain.Event{
			ev("b", "kafka", baseTime.Add(time.Hour)),
			ev("a", "kafka", baseTime),
			ev("c", "rhel", baseTime.Add(2*time.Hour)),
		}}
		svc, _ := newTestEventService(repo, &mocks.MockOptInRepository{})

		var got []string
		for e, err := range svc.FetchEventsInTimeRange(ctx, "org1", baseTime, baseTime.Add(2*time.Hour)) {
			require.NoError(t, err)
			got = append(got, e.InstanceID)
		}
		assert.Equal(t, []string{"a", "b"}, got)

		got = nil
		for e, err := range svc.FetchEventsInTimeRangeByServiceType(ctx, "org1", "rhel", baseTime, baseTime.Add(3*time.Hour)) {
			require.NoError(t, err)
			got = append(got, e.InstanceID)
		}
		assert.Equal(t, []string{"c"}, got)

		has, err := svc.HasEventsInTimeRange(ctx, "org1", "kafka", baseTime, baseTime.Add(time.Minute))
		require.NoError(t, err)
		assert.True(t, has)
		has, err = svc.HasEventsInTimeRange(ctx, "org1", "kafka", baseTime.Add(-time.Hour), baseTime)
		require.NoError(t, err)
		assert.False(t, has)
	})

	t.Run("Map Events Rejects Duplicate Keys", func(t *testing.T) {
		dup := ev("a", "kafka", baseTime)
		other := dup
		other.EventID = uuid.New()
		repo := &mocks.MockEventRepository{Events: []domain.Event{dup, other}}
		svc, _ := newTestEventService(repo, &mocks.MockOptInRepository{})

		_, err := svc.MapEventsInTimeRange(ctx, "org1", "prometheus", "snapshot", baseTime, baseTime.Add(time.Hour))
		assert.ErrorIs(t, err, domain.ErrDuplicateEventKey)
	})

	t.Run("Map Events Indexes By Key", func(t *testing.T) {
		a, b := ev("a", "kafka", baseTime), ev("b", "kafka", baseTime)
		repo := &mocks.MockEventRepository{Events: []domain.Event{a, b}}
		svc, _ := newTestEventService(repo, &mocks.MockOptInRepository{})

		got, err := svc.MapEventsInTimeRange(ctx, "org1", "prometheus", "snapshot", baseTime, baseTime.Add(time.Hour))
		require.NoError(t, err)
		assert.Len(t, got, 2)
		assert.Equal(t, a.EventID, got[a.Key()].EventID)
	})

	t.Run("Save And Delete", func(t *testing.T) {
		repo := &mocks.MockEventRepository{}
		svc, _ := newTestEventService(repo, &mocks.MockOptInRepository{})

		saved, err := svc.SaveEvent(ctx, domain.Event{OrgID: "org1", EventType: "snapshot", InstanceID: "a", Timestamp: baseTime})
		require.NoError(t, err)
		assert.NotEqual(t, uuid.Nil, saved.EventID)

		all, err := svc.SaveAll(ctx, []domain.Event{ev("b", "", baseTime), ev("c", "", baseTime)})
		require.NoError(t, err)
		assert.Len(t, repo.Stored(), 3)

		require.NoError(t, svc.DeleteEvent(ctx, saved.EventID))
		require.NoError(t, svc.DeleteEvents(ctx, all[:1]))
		stored := repo.Stored()
		require.Len(t, stored, 1)
		assert.Equal(t, "c", stored[0].InstanceID)
	})
}
