package repo

import (
	"context"
	"fmt"
	"strings"

	"collabline/internal/domain"
)

const eventColumns = `id,ts,type,COALESCE(project_id,'') AS project_id,entity_kind,COALESCE(entity_id,'') AS entity_id,actor_id,payload_json`

type EventFilters struct {
	ProjectID  string
	Type       string
	EntityKind string
	EntityID   string
	ActorID    string
}

func (f EventFilters) clauses() ([]string, []any) {
	var clauses []string
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
	if f.ActorID != "" {
		clauses = append(clauses, "actor_id=?")
		args = append(args, f.ActorID)
	}
	return clauses, args
}

// LatestEvents returns the newest events first.
func (r Repo) LatestEvents(ctx context.Context, limit int, f EventFilters) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 20
	}
	clauses, args := f.clauses()
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := fmt.Sprintf(`SELECT %s FROM events %s ORDER BY ts DESC, id DESC LIMIT ?`, eventColumns, where)
	args = append(args, limit)
	res := []domain.Event{}
	if err := r.DB.SelectContext(ctx, &res, r.DB.Rebind(query), args...); err != nil {
		return nil, err
	}
	return res, nil
}

// EventCursor is the position of an event in (ts, id) order.
type EventCursor struct {
	TS string
	ID string
}

// EventsAfter returns events strictly after the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor EventCursor, f EventFilters) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses, args := f.clauses()
	if cursor.TS != "" {
		clauses = append(clauses, "(ts > ? OR (ts = ? AND id > ?))")
		args = append(args, cursor.TS, cursor.TS, cursor.ID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := fmt.Sprintf(`SELECT %s FROM events %s ORDER BY ts ASC, id ASC LIMIT ?`, eventColumns, where)
	args = append(args, limit)
	res := []domain.Event{}
	if err := r.DB.SelectContext(ctx, &res, r.DB.Rebind(query), args...); err != nil {
		return nil, err
	}
	return res, nil
}

// LatestEventCursor returns the cursor of the newest event, or the zero cursor.
func (r Repo) LatestEventCursor(ctx context.Context) (EventCursor, error) {
	events, err := r.LatestEvents(ctx, 1, EventFilters{})
	if err != nil || len(events) == 0 {
		return EventCursor{}, err
	}
	return EventCursor{TS: events[0].TS, ID: events[0].ID}, nil
}
