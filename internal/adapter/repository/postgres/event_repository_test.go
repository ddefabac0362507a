package postgres

import (
	"context"
	"database/sql/driver"
	"errors"
	"io"
	"log/slog"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/V4T54L/subwatch/internal/domain"
)

var testTime = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func newMockDB(t *testing.T) (*EventRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewEventRepository(db, logger), mock
}

func testEvent(instanceID string, ts time.Time) domain.Event {
	return domain.Event{
		EventID:     uuid.New(),
		OrgID:       "org1",
		EventSource: "prometheus",
		EventType:   "snapshot",
		InstanceID:  instanceID,
		Timestamp:   ts,
	}
}

// expectSaveAll registers the statements SaveAll issues for rows events.
func expectSaveAll(mock sqlmock.Sqlmock, rows int) {
	mock.ExpectExec(regexp.QuoteMeta("CREATE TEMP TABLE events_import (LIKE events INCLUDING DEFAULTS) ON COMMIT DROP")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	prep := mock.ExpectPrepare("COPY")
	for i := 0; i < rows; i++ {
		prep.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 1))
	}
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 0)) // flush
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO events")).WillReturnResult(sqlmock.NewResult(0, int64(rows)))
	mock.ExpectExec(regexp.QuoteMeta("DROP TABLE events_import")).WillReturnResult(sqlmock.NewResult(0, 0))
}

func TestEventRepository_RunInTx(t *testing.T) {
	ctx := context.Background()
	filter := domain.StaleEventsFilter{OrgID: "org1", EventSource: "prometheus", EventType: "snapshot", Timestamp: testTime}
	deleteQuery := regexp.QuoteMeta("DELETE FROM events WHERE org_id = $1 AND event_source = $2 AND event_type = $3 AND timestamp <= $4")

	t.Run("Save And Delete Commit Together", func(t *testing.T) {
		repo, mock := newMockDB(t)
		mock.ExpectBegin()
		expectSaveAll(mock, 2)
		mock.ExpectExec(deleteQuery).
			WithArgs("org1", "prometheus", "snapshot", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 3))
		mock.ExpectCommit()

		var deleted int64
		err := repo.RunInTx(ctx, func(w domain.EventWriter) error {
			if err := w.SaveAll(ctx, []domain.Event{testEvent("i-1", testTime), testEvent("i-2", testTime)}); err != nil {
				return err
			}
			var err error
			deleted, err = w.DeleteStaleEvents(ctx, filter)
			return err
		})
		require.NoError(t, err)
		assert.Equal(t, int64(3), deleted)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Delete Failure Rolls Back", func(t *testing.T) {
		repo, mock := newMockDB(t)
		dbErr := errors.New("deadlock detected")
		mock.ExpectBegin()
		expectSaveAll(mock, 1)
		mock.ExpectExec(deleteQuery).WillReturnError(dbErr)
		mock.ExpectRollback()

		err := repo.RunInTx(ctx, func(w domain.EventWriter) error {
			if err := w.SaveAll(ctx, []domain.Event{testEvent("i-1", testTime)}); err != nil {
				return err
			}
			_, err := w.DeleteStaleEvents(ctx, filter)
			return err
		})
		require.ErrorIs(t, err, dbErr)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Copy Failure Rolls Back", func(t *testing.T) {
		repo, mock := newMockDB(t)
		copyErr := errors.New("invalid input syntax for type uuid")
		mock.ExpectBegin()
		mock.ExpectExec("CREATE TEMP TABLE").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectPrepare("COPY").ExpectExec().WillReturnError(copyErr)
		mock.ExpectRollback()

		err := repo.SaveAll(ctx, []domain.Event{testEvent("i-1", testTime)})
		require.ErrorIs(t, err, copyErr)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Empty Save Touches Nothing", func(t *testing.T) {
		repo, mock := newMockDB(t)
		require.NoError(t, repo.SaveAll(ctx, nil))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestEventRepository_DeleteByEventIDs(t *testing.T) {
	repo, mock := newMockDB(t)
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM events WHERE event_id = ANY($1::uuid[])")).
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 2))

	require.NoError(t, repo.DeleteByEventIDs(context.Background(), []uuid.UUID{uuid.New(), uuid.New()}))
	require.NoError(t, repo.DeleteByEventIDs(context.Background(), nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEventRepository_Find(t *testing.T) {
	ctx := context.Background()
	criteria := domain.EventCriteria{OrgID: "org1", Begin: testTime, End: testTime.Add(time.Hour)}
	query := regexp.QuoteMeta("SELECT event_id, data FROM events WHERE org_id = $1 AND timestamp >= $2 AND timestamp < $3 ORDER BY timestamp, event_id")

	t.Run("Streams Decoded Events", func(t *testing.T) {
		repo, mock := newMockDB(t)
		id1, id2 := uuid.New(), uuid.New()
		mock.ExpectQuery(query).
			WithArgs("org1", sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"event_id", "data"}).
				AddRow(id1.String(), []byte(`{"org_id":"org1","event_type":"snapshot","instance_id":"i-1","timestamp":"2024-03-01T10:00:00Z"}`)).
				AddRow(id2.String(), []byte(`{"org_id":"org1","event_type":"snapshot","instance_id":"i-2","timestamp":"2024-03-01T10:30:00Z","extra":true}`)))

		var events []domain.Event
		for event, err := range repo.Find(ctx, criteria) {
			require.NoError(t, err)
			events = append(events, event)
		}
		require.Len(t, events, 2)
		assert.Equal(t, id1, events[0].EventID)
		assert.Equal(t, "i-2", events[1].InstanceID)
		assert.Contains(t, string(events[1].Payload), `"extra":true`)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Stops Early", func(t *testing.T) {
		repo, mock := newMockDB(t)
		mock.ExpectQuery(query).
			WillReturnRows(sqlmock.NewRows([]string{"event_id", "data"}).
				AddRow(uuid.NewString(), []byte(`{"instance_id":"i-1"}`)).
				AddRow(uuid.NewString(), []byte(`{"instance_id":"i-2"}`)))

		seen := 0
		for _, err := range repo.Find(ctx, criteria) {
			require.NoError(t, err)
			seen++
			break
		}
		assert.Equal(t, 1, seen)
	})

	t.Run("Query Error Is Yielded", func(t *testing.T) {
		repo, mock := newMockDB(t)
		dbErr := errors.New("connection refused")
		mock.ExpectQuery(query).WillReturnError(dbErr)

		var errs []error
		for _, err := range repo.Find(ctx, criteria) {
			errs = append(errs, err)
		}
		require.Len(t, errs, 1)
		assert.ErrorIs(t, errs[0], dbErr)
	})
}

func TestEventRepository_Exists(t *testing.T) {
	repo, mock := newMockDB(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS(SELECT 1 FROM events WHERE org_id = $1 AND service_type = $2 AND timestamp >= $3 AND timestamp < $4)")).
		WithArgs("org1", "OpenShift Cluster", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	exists, err := repo.Exists(context.Background(), domain.EventCriteria{
		OrgID:       "org1",
		ServiceType: "OpenShift Cluster",
		Begin:       testTime,
		End:         testTime.Add(time.Hour),
	})
	require.NoError(t, err)
	assert.True(t, exists)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCriteriaWhere(t *testing.T) {
	where, args := criteriaWhere(domain.EventCriteria{})
	assert.Empty(t, where)
	assert.Empty(t, args)

	where, args = criteriaWhere(domain.EventCriteria{OrgID: "org1", EventSource: "prometheus", EventType: "snapshot"})
	assert.Equal(t, " WHERE org_id = $1 AND event_source = $2 AND event_type = $3", where)
	assert.Equal(t, []any{"org1", "prometheus", "snapshot"}, args)
}

func TestLastPerKey(t *testing.T) {
	first := testEvent("i-1", testTime)
	other := testEvent("i-2", testTime)
	second := testEvent("i-1", testTime.In(time.FixedZone("CET", 3600)))
	second.DisplayName = "second"

	got := lastPerKey([]domain.Event{first, other, second})
	require.Len(t, got, 2)
	assert.Equal(t, "second", got[0].DisplayName)
	assert.Equal(t, "i-2", got[1].InstanceID)
}

func TestUniqueEventIDs(t *testing.T) {
	first := testEvent("i-1", testTime)
	clash := testEvent("i-2", testTime)
	clash.EventID = first.EventID
	missing := testEvent("i-3", testTime)
	missing.EventID = uuid.Nil
	events := []domain.Event{first, clash, missing}

	assert.Equal(t, 2, uniqueEventIDs(events))
	assert.Equal(t, first.EventID, events[0].EventID)
	assert.NotEqual(t, first.EventID, events[1].EventID)
	assert.NotEqual(t, uuid.Nil, events[2].EventID)
	assert.NotEqual(t, events[1].EventID, events[2].EventID)
}

func TestEventRepository_SaveAllSharedEventID(t *testing.T) {
	repo, mock := newMockDB(t)
	first := testEvent("i-1", testTime)
	second := testEvent("i-2", testTime)
	second.EventID = first.EventID

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("CREATE TEMP TABLE events_import")).WillReturnResult(sqlmock.NewResult(0, 0))
	prep := mock.ExpectPrepare("COPY")
	prep.ExpectExec().WithArgs(first.EventID.String(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), "i-1", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	prep.ExpectExec().WithArgs(notEqualArg{first.EventID}, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), "i-2", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 0))
	// Ids taken by a different key in the table are replaced inside the upsert.
	mock.ExpectExec(`INSERT INTO events .*IS DISTINCT FROM.*gen_random_uuid\(\).*ON CONFLICT \(org_id, event_source, event_type, instance_id, timestamp\)`).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(regexp.QuoteMeta("DROP TABLE events_import")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	err := repo.RunInTx(context.Background(), func(w domain.EventWriter) error {
		return w.SaveAll(context.Background(), []domain.Event{first, second})
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// notEqualArg matches any driver value other than the given id.
type notEqualArg struct{ id uuid.UUID }

func (a notEqualArg) Match(v driver.Value) bool {
	switch x := v.(type) {
	case string:
		return x != a.id.String()
	case []byte:
		return string(x) != a.id.String()
	default:
		return v != a.id
	}
}

func TestEventData(t *testing.T) {
	withPayload := testEvent("i-1", testTime)
	withPayload.Payload = []byte(`{"raw":true}`)
	data, err := eventData(withPayload)
	require.NoError(t, err)
	assert.Equal(t, `{"raw":true}`, data)

	data, err = eventData(testEvent("i-1", testTime))
	require.NoError(t, err)
	assert.Contains(t, data, `"instance_id":"i-1"`)
}
