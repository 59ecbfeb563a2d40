package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"stageline/internal/domain"
)

type EventFilter struct {
	ProjectID  string
	Type       string
	EntityKind string
	EntityID   string
	// Before returns only events with a smaller id when positive.
	Before int64
	Limit  int
}

const eventColumns = `id,ts,type,COALESCE(project_id,''),entity_kind,COALESCE(entity_id,''),actor_id,COALESCE(payload_json,'')`

func scanEvents(rows *sql.Rows) ([]domain.Event, error) {
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.ProjectID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEvents returns events newest first.
func (r Repo) LatestEvents(ctx context.Context, q Querier, f EventFilter) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.EntityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, f.EntityKind)
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	if f.Before > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Before)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)
	rows, err := r.query(ctx, q, `SELECT `+eventColumns+` FROM events WHERE `+strings.Join(clauses, " AND ")+` ORDER BY id DESC LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// deliveryLayout is fixed width so delivered_at compares as text.
const deliveryLayout = "2006-01-02T15:04:05.000000Z"

// pendingClause selects events above the cursor that consumer has not yet
// recorded as delivered. It binds the cursor then the consumer.
const pendingClause = `id>? AND NOT EXISTS (SELECT 1 FROM event_deliveries d WHERE d.consumer=? AND d.event_id=events.id)`

// PendingEvents returns events above the cursor that consumer has not
// delivered, in ascending id order. Ids below the highest delivered one are
// included, so an event whose transaction committed late is still picked up.
func (r Repo) PendingEvents(ctx context.Context, q Querier, consumer string, cursor int64, projectID string, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + eventColumns + ` FROM events WHERE ` + pendingClause
	args := []any{cursor, consumer}
	if projectID != "" {
		query += ` AND project_id=?`
		args = append(args, projectID)
	}
	args = append(args, limit)
	rows, err := r.query(ctx, q, query+` ORDER BY id ASC LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// MarkEventDelivered records that consumer is done with an event.
func (r Repo) MarkEventDelivered(ctx context.Context, q Querier, consumer string, eventID int64, at time.Time) error {
	_, err := r.exec(ctx, q, `INSERT INTO event_deliveries(consumer,event_id,delivered_at) VALUES (?,?,?)
ON CONFLICT(consumer,event_id) DO NOTHING`, consumer, eventID, at.UTC().Format(deliveryLayout))
	return err
}

// SettledEventID returns how far consumer's cursor may advance: the highest
// event delivered before settledBefore, kept below the lowest event still
// pending. It never returns less than cursor.
func (r Repo) SettledEventID(ctx context.Context, q Querier, consumer string, cursor int64, projectID string, settledBefore time.Time) (int64, error) {
	var settled int64
	err := r.queryRow(ctx, q, `SELECT COALESCE(MAX(event_id),0) FROM event_deliveries WHERE consumer=? AND delivered_at<?`,
		consumer, settledBefore.UTC().Format(deliveryLayout)).Scan(&settled)
	if err != nil {
		return cursor, err
	}
	query := `SELECT COALESCE(MIN(id),0) FROM events WHERE ` + pendingClause
	args := []any{cursor, consumer}
	if projectID != "" {
		query += ` AND project_id=?`
		args = append(args, projectID)
	}
	var pending int64
	if err := r.queryRow(ctx, q, query, args...).Scan(&pending); err != nil {
		return cursor, err
	}
	if pending > 0 && pending <= settled {
		settled = pending - 1
	}
	if settled < cursor {
		return cursor, nil
	}
	return settled, nil
}

// PruneEventDeliveries drops delivery records the cursor has moved past.
func (r Repo) PruneEventDeliveries(ctx context.Context, q Querier, consumer string, upTo int64) error {
	_, err := r.exec(ctx, q, `DELETE FROM event_deliveries WHERE consumer=? AND event_id<=?`, consumer, upTo)
	return err
}

// LatestEventID returns the most recent event ID, optionally for one project.
func (r Repo) LatestEventID(ctx context.Context, q Querier, projectID string) (int64, error) {
	query := `SELECT COALESCE(MAX(id),0) FROM events`
	var args []any
	if projectID != "" {
		query += ` WHERE project_id=?`
		args = append(args, projectID)
	}
	var id int64
	err := r.queryRow(ctx, q, query, args...).Scan(&id)
	return id, err
}

// EventCursor returns the id below which every event is settled for a named consumer.
func (r Repo) EventCursor(ctx context.Context, q Querier, name string) (int64, error) {
	var id int64
	err := r.queryRow(ctx, q, `SELECT last_event_id FROM event_cursors WHERE name=?`, name).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	return id, err
}

func (r Repo) SaveEventCursor(ctx context.Context, q Querier, name string, id int64) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := r.exec(ctx, q, `INSERT INTO event_cursors(name,last_event_id,updated_at) VALUES (?,?,?)
ON CONFLICT(name) DO UPDATE SET last_event_id=excluded.last_event_id, updated_at=excluded.updated_at`, name, id, now)
	return err
}
