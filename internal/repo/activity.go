package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"rosterline/internal/domain"
)

// LatestActivity returns the newest activity rows, optionally filtered.
func (r Repo) LatestActivity(ctx context.Context, limit int, evtType, entityKind, entityID string) ([]domain.ActivityEvent, error) {
	clauses := []string{"1=1"}
	var args []any
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,entity_kind,entity_id,actor_id,payload_json FROM activity %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryActivity(ctx, query, args...)
}

// ActivityAfter returns activity rows with IDs greater than the cursor in
// ascending order, the shape the notification dispatcher tails.
func (r Repo) ActivityAfter(ctx context.Context, limit int, cursor int64) ([]domain.ActivityEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id,ts,type,entity_kind,entity_id,actor_id,payload_json FROM activity WHERE id>? ORDER BY id ASC LIMIT ?`
	return r.queryActivity(ctx, query, cursor, limit)
}

// LatestActivityID returns the highest ledger id, 0 when the ledger is empty.
func (r Repo) LatestActivityID(ctx context.Context) (int64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT coalesce(max(id),0) FROM activity`)
	var id int64
	err := row.Scan(&id)
	return id, err
}

func (r Repo) queryActivity(ctx context.Context, query string, args ...any) ([]domain.ActivityEvent, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ActivityEvent
	for rows.Next() {
		var e domain.ActivityEvent
		var entityID, actorID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &entityID, &actorID, &payload); err != nil {
			return nil, err
		}
		if entityID.Valid {
			e.EntityID = entityID.String
		}
		if actorID.Valid {
			e.ActorID = actorID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
