package repo

import (
	"context"
	"database/sql"
	"strings"

	"rosterline/internal/domain"
)

const eventColumns = `id,name,category,scheduled_at,location,COALESCE(description,''),created_at`

func scanEvent(scan func(dest ...any) error) (domain.Event, error) {
	var e domain.Event
	err := scan(&e.ID, &e.Name, &e.Category, &e.ScheduledAt, &e.Location, &e.Description, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	return e, err
}

func (r Repo) InsertEvent(ctx context.Context, tx *sql.Tx, e domain.Event) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO events(id,name,category,scheduled_at,location,description,created_at) VALUES (?,?,?,?,?,?,?)`,
		e.ID, e.Name, e.Category, e.ScheduledAt, e.Location, nullable(e.Description), e.CreatedAt)
	return err
}

func (r Repo) GetEvent(ctx context.Context, id string) (domain.Event, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id=?`, id)
	e, err := scanEvent(row.Scan)
	if err != nil {
		return e, err
	}
	e.SongIDs, err = r.ListEventSongs(ctx, e.ID)
	return e, err
}

func (r Repo) GetEventTx(ctx context.Context, tx *sql.Tx, id string) (domain.Event, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id=?`, id)
	return scanEvent(row.Scan)
}

type EventFilters struct {
	Category string
	From     string
	To       string
	Limit    int
}

func (r Repo) ListEvents(ctx context.Context, f EventFilters) ([]domain.Event, error) {
	var clauses []string
	var args []any
	if f.Category != "" {
		clauses = append(clauses, "category=?")
		args = append(args, f.Category)
	}
	if f.From != "" {
		clauses = append(clauses, "scheduled_at >= ?")
		args = append(args, f.From)
	}
	if f.To != "" {
		clauses = append(clauses, "scheduled_at < ?")
		args = append(args, f.To)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + eventColumns + ` FROM events ` + where + ` ORDER BY scheduled_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		e, err := scanEvent(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// NextEvent returns the earliest event scheduled at or after the given time.
func (r Repo) NextEvent(ctx context.Context, after string) (*domain.Event, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE scheduled_at >= ? ORDER BY scheduled_at ASC, id ASC LIMIT 1`, after)
	e, err := scanEvent(row.Scan)
	if err == ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (r Repo) UpdateEvent(ctx context.Context, tx *sql.Tx, id string, name, category, scheduledAt, location, description *string) error {
	var (
		fields []string
		args   []any
	)
	set := func(col string, v *string) {
		if v == nil {
			return
		}
		fields = append(fields, col+"=?")
		args = append(args, *v)
	}
	set("name", name)
	set("category", category)
	set("scheduled_at", scheduledAt)
	set("location", location)
	if description != nil {
		fields = append(fields, "description=?")
		args = append(args, nullable(*description))
	}
	if len(fields) == 0 {
		return nil
	}
	args = append(args, id)
	res, err := tx.ExecContext(ctx, `UPDATE events SET `+strings.Join(fields, ",")+` WHERE id=?`, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteEvent removes the event; roster rows and repertoire links go with it
// via ON DELETE CASCADE.
func (r Repo) DeleteEvent(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM events WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListEventSongs(ctx context.Context, eventID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT song_id FROM event_songs WHERE event_id=? ORDER BY song_id ASC`, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ReplaceEventSongs swaps the event's repertoire set.
func (r Repo) ReplaceEventSongs(ctx context.Context, tx *sql.Tx, eventID string, songIDs []string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM event_songs WHERE event_id=?`, eventID); err != nil {
		return err
	}
	for _, id := range songIDs {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO event_songs(event_id, song_id) VALUES (?,?)`, eventID, id); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) AddEventSongs(ctx context.Context, tx *sql.Tx, eventID string, songIDs []string) error {
	for _, id := range songIDs {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO event_songs(event_id, song_id) VALUES (?,?)`, eventID, id); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) RemoveEventSongs(ctx context.Context, tx *sql.Tx, eventID string, songIDs []string) error {
	for _, id := range songIDs {
		if _, err := tx.ExecContext(ctx, `DELETE FROM event_songs WHERE event_id=? AND song_id=?`, eventID, id); err != nil {
			return err
		}
	}
	return nil
}
