package repo

import (
	"context"
	"database/sql"
	"strings"

	"memevault/internal/domain"
)

type EventFilters struct {
	EntityKind string
	EntityID   string
	Type       string
	AfterID    int64
	BeforeID   int64
	// Ascending lists oldest first.
	Ascending bool
	Limit     int
}

// ListEvents returns events newest first unless Ascending is set.
func (r Repo) ListEvents(ctx context.Context, f EventFilters) ([]domain.Event, error) {
	var clauses []string
	var args []any
	if f.EntityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, f.EntityKind)
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.AfterID > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, f.AfterID)
	}
	if f.BeforeID > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.BeforeID)
	}
	query := `SELECT id, ts, type, entity_kind, COALESCE(entity_id,''), actor_id, payload_json FROM events`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	if f.Ascending {
		query += " ORDER BY id"
	} else {
		query += " ORDER BY id DESC"
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query += " LIMIT ?"
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// LastEventID returns the highest event id, or zero for an empty log.
func (r Repo) LastEventID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := r.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
}
