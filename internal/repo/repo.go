package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"rosterline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const musicianColumns = `id,name,email,COALESCE(phone,''),COALESCE(address,''),instrument_id,status,unavailable_from,unavailable_until,COALESCE(unavailable_reason,''),created_at`

func scanMusician(scan func(dest ...any) error) (domain.Musician, error) {
	var m domain.Musician
	var instrumentID, from, until sql.NullString
	err := scan(&m.ID, &m.Name, &m.Email, &m.Phone, &m.Address, &instrumentID, &m.Status, &from, &until, &m.UnavailableReason, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	if instrumentID.Valid {
		m.InstrumentID = &instrumentID.String
	}
	if from.Valid {
		m.UnavailableFrom = &from.String
	}
	if until.Valid {
		m.UnavailableUntil = &until.String
	}
	return m, nil
}

func (r Repo) InsertMusician(ctx context.Context, tx *sql.Tx, m domain.Musician) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO musicians(id,name,email,phone,address,instrument_id,status,unavailable_from,unavailable_until,unavailable_reason,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		m.ID, m.Name, m.Email, nullable(m.Phone), nullable(m.Address), nullableStringPtr(m.InstrumentID),
		m.Status, nullableStringPtr(m.UnavailableFrom), nullableStringPtr(m.UnavailableUntil), nullable(m.UnavailableReason), m.CreatedAt)
	return err
}

func (r Repo) GetMusician(ctx context.Context, id string) (domain.Musician, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+musicianColumns+` FROM musicians WHERE id=?`, id)
	return scanMusician(row.Scan)
}

func (r Repo) GetMusicianTx(ctx context.Context, tx *sql.Tx, id string) (domain.Musician, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+musicianColumns+` FROM musicians WHERE id=?`, id)
	return scanMusician(row.Scan)
}

type MusicianFilters struct {
	Status       string
	InstrumentID string
}

func (r Repo) ListMusicians(ctx context.Context, f MusicianFilters) ([]domain.Musician, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.InstrumentID != "" {
		clauses = append(clauses, "instrument_id=?")
		args = append(args, f.InstrumentID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+musicianColumns+` FROM musicians `+where+` ORDER BY name ASC, id ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Musician
	for rows.Next() {
		m, err := scanMusician(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// UpdateMusician patches profile fields. Availability state changes go
// through UpdateMusicianAvailability so state and interval move together.
func (r Repo) UpdateMusician(ctx context.Context, id string, name, email, phone, address *string, instrumentID *string, clearInstrument bool) error {
	var (
		fields []string
		args   []any
	)
	if name != nil {
		fields = append(fields, "name=?")
		args = append(args, *name)
	}
	if email != nil {
		fields = append(fields, "email=?")
		args = append(args, *email)
	}
	if phone != nil {
		fields = append(fields, "phone=?")
		args = append(args, nullable(*phone))
	}
	if address != nil {
		fields = append(fields, "address=?")
		args = append(args, nullable(*address))
	}
	if clearInstrument {
		fields = append(fields, "instrument_id=NULL")
	} else if instrumentID != nil {
		fields = append(fields, "instrument_id=?")
		args = append(args, *instrumentID)
	}
	if len(fields) == 0 {
		return nil
	}
	args = append(args, id)
	res, err := r.DB.ExecContext(ctx, fmt.Sprintf(`UPDATE musicians SET %s WHERE id=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) UpdateMusicianAvailability(ctx context.Context, tx *sql.Tx, id, status string, from, until *string, reason string) error {
	res, err := tx.ExecContext(ctx, `UPDATE musicians SET status=?, unavailable_from=?, unavailable_until=?, unavailable_reason=? WHERE id=?`,
		status, nullableStringPtr(from), nullableStringPtr(until), nullable(reason), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteMusician(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM musicians WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) CountRostersForMusician(ctx context.Context, tx *sql.Tx, musicianID string) (int, error) {
	row := tx.QueryRowContext(ctx, `SELECT count(*) FROM rosters WHERE musician_id=?`, musicianID)
	var n int
	err := row.Scan(&n)
	return n, err
}

// --- instruments ---

func (r Repo) GetInstrument(ctx context.Context, id string) (domain.Instrument, error) {
	var in domain.Instrument
	err := r.DB.QueryRowContext(ctx, `SELECT id,name FROM instruments WHERE id=?`, id).Scan(&in.ID, &in.Name)
	if err == sql.ErrNoRows {
		return in, ErrNotFound
	}
	return in, err
}

// GetInstrumentByNameTx matches case-insensitively; the column is declared
// COLLATE NOCASE so the index serves this lookup.
func (r Repo) GetInstrumentByNameTx(ctx context.Context, tx *sql.Tx, name string) (domain.Instrument, error) {
	var in domain.Instrument
	err := tx.QueryRowContext(ctx, `SELECT id,name FROM instruments WHERE name=? COLLATE NOCASE`, name).Scan(&in.ID, &in.Name)
	if err == sql.ErrNoRows {
		return in, ErrNotFound
	}
	return in, err
}

func (r Repo) InsertInstrumentTx(ctx context.Context, tx *sql.Tx, in domain.Instrument) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO instruments(id,name) VALUES (?,?)`, in.ID, in.Name)
	return err
}

func (r Repo) ListInstruments(ctx context.Context) ([]domain.Instrument, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name FROM instruments ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Instrument
	for rows.Next() {
		var in domain.Instrument
		if err := rows.Scan(&in.ID, &in.Name); err != nil {
			return nil, err
		}
		res = append(res, in)
	}
	return res, rows.Err()
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}
