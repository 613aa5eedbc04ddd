package repo

import (
	"context"
	"database/sql"
	"strings"

	"rosterline/internal/domain"
)

const rosterColumns = `r.id,r.musician_id,r.event_id,r.instrument_id,COALESCE(r.note,''),r.confirmed,r.created_at`

func scanRoster(scan func(dest ...any) error) (domain.Roster, error) {
	var rs domain.Roster
	var instrumentID sql.NullString
	err := scan(&rs.ID, &rs.MusicianID, &rs.EventID, &instrumentID, &rs.Note, &rs.Confirmed, &rs.CreatedAt)
	if err == sql.ErrNoRows {
		return rs, ErrNotFound
	}
	if err != nil {
		return rs, err
	}
	if instrumentID.Valid {
		rs.InstrumentID = &instrumentID.String
	}
	return rs, nil
}

func (r Repo) InsertRoster(ctx context.Context, tx *sql.Tx, rs domain.Roster) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO rosters(id,musician_id,event_id,instrument_id,note,confirmed,created_at) VALUES (?,?,?,?,?,?,?)`,
		rs.ID, rs.MusicianID, rs.EventID, nullableStringPtr(rs.InstrumentID), nullable(rs.Note), rs.Confirmed, rs.CreatedAt)
	return err
}

func (r Repo) GetRoster(ctx context.Context, id string) (domain.Roster, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+rosterColumns+` FROM rosters r WHERE r.id=?`, id)
	return scanRoster(row.Scan)
}

// RosterExistsTx is the in-transaction fast path for the duplicate check; the
// unique index on (musician_id, event_id) remains the authority.
func (r Repo) RosterExistsTx(ctx context.Context, tx *sql.Tx, musicianID, eventID string) (bool, error) {
	row := tx.QueryRowContext(ctx, `SELECT 1 FROM rosters WHERE musician_id=? AND event_id=? LIMIT 1`, musicianID, eventID)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (r Repo) SetRosterConfirmed(ctx context.Context, tx *sql.Tx, id string, confirmed bool) error {
	res, err := tx.ExecContext(ctx, `UPDATE rosters SET confirmed=? WHERE id=?`, confirmed, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteRoster(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM rosters WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type RosterFilters struct {
	FutureOnly    bool
	ConfirmedOnly bool
	Now           string
}

// ListByMusician returns a musician's roster entries ordered by event date.
func (r Repo) ListByMusician(ctx context.Context, musicianID string, f RosterFilters) ([]domain.RosterEntry, error) {
	clauses := []string{"r.musician_id=?"}
	args := []any{musicianID}
	if f.FutureOnly {
		clauses = append(clauses, "e.scheduled_at >= ?")
		args = append(args, f.Now)
	}
	if f.ConfirmedOnly {
		clauses = append(clauses, "r.confirmed=1")
	}
	query := `SELECT ` + rosterColumns + `,e.name,e.scheduled_at FROM rosters r
JOIN events e ON e.id=r.event_id
WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY e.scheduled_at ASC, r.id ASC`
	return r.queryEntries(ctx, query, args...)
}

func (r Repo) ListByEvent(ctx context.Context, eventID string) ([]domain.RosterEntry, error) {
	query := `SELECT ` + rosterColumns + `,e.name,e.scheduled_at FROM rosters r
JOIN events e ON e.id=r.event_id
WHERE r.event_id=? ORDER BY r.created_at ASC, r.id ASC`
	return r.queryEntries(ctx, query, eventID)
}

// ListAllEntries returns every roster entry joined with its event date,
// ordered by musician then event date: the analytics snapshot.
func (r Repo) ListAllEntries(ctx context.Context) ([]domain.RosterEntry, error) {
	query := `SELECT ` + rosterColumns + `,e.name,e.scheduled_at FROM rosters r
JOIN events e ON e.id=r.event_id
ORDER BY r.musician_id ASC, e.scheduled_at ASC, r.id ASC`
	return r.queryEntries(ctx, query)
}

func (r Repo) queryEntries(ctx context.Context, query string, args ...any) ([]domain.RosterEntry, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RosterEntry
	for rows.Next() {
		var entry domain.RosterEntry
		var instrumentID sql.NullString
		if err := rows.Scan(&entry.ID, &entry.MusicianID, &entry.EventID, &instrumentID, &entry.Note, &entry.Confirmed, &entry.CreatedAt, &entry.EventName, &entry.ScheduledAt); err != nil {
			return nil, err
		}
		if instrumentID.Valid {
			entry.InstrumentID = &instrumentID.String
		}
		res = append(res, entry)
	}
	return res, rows.Err()
}

// CountRostersBetween counts roster entries whose event falls in [from, to).
func (r Repo) CountRostersBetween(ctx context.Context, from, to string) (int, error) {
	row := r.DB.QueryRowContext(ctx, `
SELECT count(*) FROM rosters r JOIN events e ON e.id=r.event_id
WHERE e.scheduled_at >= ? AND e.scheduled_at < ?`, from, to)
	var n int
	err := row.Scan(&n)
	return n, err
}

// MusicianRosterCounts returns per-musician counts of roster entries,
// optionally restricted to events in [from, to).
func (r Repo) MusicianRosterCounts(ctx context.Context, from, to string) (map[string]int, error) {
	query := `SELECT r.musician_id, count(*) FROM rosters r JOIN events e ON e.id=r.event_id`
	var args []any
	if from != "" || to != "" {
		var clauses []string
		if from != "" {
			clauses = append(clauses, "e.scheduled_at >= ?")
			args = append(args, from)
		}
		if to != "" {
			clauses = append(clauses, "e.scheduled_at < ?")
			args = append(args, to)
		}
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " GROUP BY r.musician_id"
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		res[id] = n
	}
	return res, rows.Err()
}
