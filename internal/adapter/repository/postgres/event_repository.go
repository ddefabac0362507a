package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/V4T54L/subwatch/internal/domain"
)

const (
	eventsTable       = "events"
	eventsImportTable = "events_import"
)

var eventColumns = []string{
	"event_id", "org_id", "event_source", "event_type", "instance_id",
	"service_type", "timestamp", "record_date", "data",
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	PrepareContext(ctx context.Context, query string) (*sql.Stmt, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// EventRepository implements domain.EventRepository for PostgreSQL.
type EventRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewEventRepository creates a new PostgreSQL event repository.
func NewEventRepository(db *sql.DB, logger *slog.Logger) *EventRepository {
	return &EventRepository{db: db, logger: logger.With("component", "postgres_event_repository")}
}

// RunInTx runs fn in one transaction, committing only if fn succeeds.
func (r *EventRepository) RunInTx(ctx context.Context, fn func(w domain.EventWriter) error) error {
	txn, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer txn.Rollback() // Rollback is a no-op if Commit() is called

	if err := fn(&eventWriter{q: txn, logger: r.logger}); err != nil {
		return err
	}
	if err := txn.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// SaveAll upserts events in their own transaction.
func (r *EventRepository) SaveAll(ctx context.Context, events []domain.Event) error {
	if len(events) == 0 {
		return nil
	}
	return r.RunInTx(ctx, func(w domain.EventWriter) error {
		return w.SaveAll(ctx, events)
	})
}

func (r *EventRepository) DeleteStaleEvents(ctx context.Context, filter domain.StaleEventsFilter) (int64, error) {
	return (&eventWriter{q: r.db, logger: r.logger}).DeleteStaleEvents(ctx, filter)
}

func (r *EventRepository) DeleteByEventIDs(ctx context.Context, ids []uuid.UUID) error {
	return (&eventWriter{q: r.db, logger: r.logger}).DeleteByEventIDs(ctx, ids)
}

// Find streams the matching events ordered by timestamp.
func (r *EventRepository) Find(ctx context.Context, criteria domain.EventCriteria) iter.Seq2[domain.Event, error] {
	return func(yield func(domain.Event, error) bool) {
		where, args := criteriaWhere(criteria)
		query := `SELECT event_id, data FROM ` + eventsTable + where + ` ORDER BY timestamp, event_id`

		rows, err := r.db.QueryContext(ctx, query, args...)
		if err != nil {
			yield(domain.Event{}, fmt.Errorf("query events: %w", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			var (
				id   uuid.UUID
				data []byte
			)
			if err := rows.Scan(&id, &data); err != nil {
				yield(domain.Event{}, fmt.Errorf("scan event: %w", err))
				return
			}
			var event domain.Event
			if err := json.Unmarshal(data, &event); err != nil {
				yield(domain.Event{}, fmt.Errorf("decode event %s: %w", id, err))
				return
			}
			event.EventID = id
			event.Payload = json.RawMessage(data)
			if !yield(event, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(domain.Event{}, fmt.Errorf("iterate events: %w", err))
		}
	}
}

// Exists reports whether any event matches the criteria.
func (r *EventRepository) Exists(ctx context.Context, criteria domain.EventCriteria) (bool, error) {
	where, args := criteriaWhere(criteria)
	var exists bool
	err := r.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM `+eventsTable+where+`)`, args...).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check events exist: %w", err)
	}
	return exists, nil
}

// eventWriter runs the mutating operations against a database or a transaction.
type eventWriter struct {
	q      querier
	logger *slog.Logger
}

// SaveAll writes events using the COPY protocol into a temporary table and
// upserts from there, keyed by the event key. Of several events sharing a
// key, the last one is written. event_id is only a row id: an id already used
// by another key, in the batch or in the table, is replaced by a fresh one.
func (w *eventWriter) SaveAll(ctx context.Context, events []domain.Event) error {
	if len(events) == 0 {
		return nil
	}
	events = lastPerKey(events)
	if n := uniqueEventIDs(events); n > 0 {
		w.logger.Warn("reassigned colliding event ids", "count", n)
	}

	_, err := w.q.ExecContext(ctx, `CREATE TEMP TABLE `+eventsImportTable+` (LIKE `+eventsTable+` INCLUDING DEFAULTS) ON COMMIT DROP`)
	if err != nil {
		return fmt.Errorf("create import table: %w", err)
	}

	stmt, err := w.q.PrepareContext(ctx, pq.CopyIn(eventsImportTable, eventColumns...))
	if err != nil {
		return fmt.Errorf("prepare copy: %w", err)
	}

	for _, event := range events {
		data, err := eventData(event)
		if err != nil {
			_ = stmt.Close()
			return err
		}
		_, err = stmt.ExecContext(ctx,
			event.EventID,
			event.OrgID,
			event.EventSource,
			event.EventType,
			event.InstanceID,
			event.ServiceType,
			event.Timestamp.UTC(),
			event.RecordDate,
			data,
		)
		if err != nil {
			// Close the statement to avoid connection issues
			_ = stmt.Close()
			return fmt.Errorf("copy event %s: %w", event.EventID, err)
		}
	}

	// An exec without arguments flushes the buffered COPY data.
	if _, err := stmt.ExecContext(ctx); err != nil {
		_ = stmt.Close()
		return fmt.Errorf("flush copy: %w", err)
	}
	if err := stmt.Close(); err != nil {
		return fmt.Errorf("close copy: %w", err)
	}

	upsertQuery := `
		INSERT INTO ` + eventsTable + ` (event_id, org_id, event_source, event_type, instance_id, service_type, timestamp, record_date, data)
		SELECT
			CASE WHEN EXISTS (
				SELECT 1 FROM ` + eventsTable + ` e
				WHERE e.event_id = i.event_id
				AND (e.org_id, e.event_source, e.event_type, e.instance_id, e.timestamp)
					IS DISTINCT FROM (i.org_id, i.event_source, i.event_type, i.instance_id, i.timestamp)
			) THEN gen_random_uuid() ELSE i.event_id END,
			i.org_id, i.event_source, i.event_type, i.instance_id, i.service_type, i.timestamp, i.record_date, i.data
		FROM ` + eventsImportTable + ` i
		ON CONFLICT (org_id, event_source, event_type, instance_id, timestamp) DO UPDATE SET
			service_type = EXCLUDED.service_type,
			record_date = EXCLUDED.record_date,
			data = EXCLUDED.data;
	`
	if _, err := w.q.ExecContext(ctx, upsertQuery); err != nil {
		return fmt.Errorf("upsert events: %w", err)
	}

	// The import table would otherwise live until commit and block a second
	// SaveAll in the same transaction.
	if _, err := w.q.ExecContext(ctx, `DROP TABLE `+eventsImportTable); err != nil {
		return fmt.Errorf("drop import table: %w", err)
	}

	w.logger.Debug("upserted events", "count", len(events))
	return nil
}

// DeleteStaleEvents removes the events a clean-up event supersedes.
func (w *eventWriter) DeleteStaleEvents(ctx context.Context, filter domain.StaleEventsFilter) (int64, error) {
	res, err := w.q.ExecContext(ctx,
		`DELETE FROM `+eventsTable+` WHERE org_id = $1 AND event_source = $2 AND event_type = $3 AND timestamp <= $4`,
		filter.OrgID, filter.EventSource, filter.EventType, filter.Timestamp.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("delete stale events: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete stale events: %w", err)
	}
	w.logger.Debug("deleted stale events", "org_id", filter.OrgID, "event_type", filter.EventType, "deleted", deleted)
	return deleted, nil
}

func (w *eventWriter) DeleteByEventIDs(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	values := make([]string, len(ids))
	for i, id := range ids {
		values[i] = id.String()
	}
	if _, err := w.q.ExecContext(ctx, `DELETE FROM `+eventsTable+` WHERE event_id = ANY($1::uuid[])`, pq.Array(values)); err != nil {
		return fmt.Errorf("delete events by id: %w", err)
	}
	return nil
}

// eventData is the stored JSON document of an event.
func eventData(event domain.Event) (string, error) {
	if len(event.Payload) > 0 {
		return string(event.Payload), nil
	}
	b, err := json.Marshal(event)
	if err != nil {
		return "", fmt.Errorf("encode event %s: %w", event.EventID, err)
	}
	return string(b), nil
}

func lastPerKey(events []domain.Event) []domain.Event {
	index := make(map[domain.EventKey]int, len(events))
	out := make([]domain.Event, 0, len(events))
	for _, e := range events {
		key := e.Key()
		if i, ok := index[key]; ok {
			out[i] = e
			continue
		}
		index[key] = len(out)
		out = append(out, e)
	}
	return out
}

// uniqueEventIDs gives every event without an id, or with an id an earlier
// event already carries, a fresh one. It returns how many ids changed.
func uniqueEventIDs(events []domain.Event) int {
	seen := make(map[uuid.UUID]struct{}, len(events))
	changed := 0
	for i := range events {
		if _, dup := seen[events[i].EventID]; dup || events[i].EventID == uuid.Nil {
			events[i].EventID = uuid.New()
			changed++
		}
		seen[events[i].EventID] = struct{}{}
	}
	return changed
}

func criteriaWhere(c domain.EventCriteria) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(expr string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(expr, len(args)))
	}

	if c.OrgID != "" {
		add("org_id = $%d", c.OrgID)
	}
	if c.EventSource != "" {
		add("event_source = $%d", c.EventSource)
	}
	if c.EventType != "" {
		add("event_type = $%d", c.EventType)
	}
	if c.ServiceType != "" {
		add("service_type = $%d", c.ServiceType)
	}
	if !c.Begin.IsZero() {
		add("timestamp >= $%d", c.Begin.UTC())
	}
	if !c.End.IsZero() {
		add("timestamp < $%d", c.End.UTC())
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}
