package repo

import (
	"context"
	"database/sql"
	"strings"

	"rosterline/internal/domain"
)

const songColumns = `id,title,artist,COALESCE(key,''),COALESCE(chart_link,''),COALESCE(youtube_link,'')`

func scanSong(scan func(dest ...any) error) (domain.Song, error) {
	var s domain.Song
	err := scan(&s.ID, &s.Title, &s.Artist, &s.Key, &s.ChartLink, &s.YoutubeLink)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	return s, err
}

func (r Repo) InsertSong(ctx context.Context, s domain.Song) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO songs(id,title,artist,key,chart_link,youtube_link) VALUES (?,?,?,?,?,?)`,
		s.ID, s.Title, s.Artist, nullable(s.Key), nullable(s.ChartLink), nullable(s.YoutubeLink))
	return err
}

func (r Repo) GetSong(ctx context.Context, id string) (domain.Song, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+songColumns+` FROM songs WHERE id=?`, id)
	return scanSong(row.Scan)
}

func (r Repo) ListSongs(ctx context.Context, search string) ([]domain.Song, error) {
	query := `SELECT ` + songColumns + ` FROM songs`
	var args []any
	if search != "" {
		query += ` WHERE title LIKE ? OR artist LIKE ?`
		pattern := "%" + search + "%"
		args = append(args, pattern, pattern)
	}
	query += ` ORDER BY title ASC, id ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Song
	for rows.Next() {
		s, err := scanSong(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) UpdateSong(ctx context.Context, id string, title, artist, key, chartLink, youtubeLink *string) error {
	var (
		fields []string
		args   []any
	)
	set := func(col string, v *string) {
		if v == nil {
			return
		}
		fields = append(fields, col+"=?")
		args = append(args, nullable(*v))
	}
	if title != nil {
		fields = append(fields, "title=?")
		args = append(args, *title)
	}
	if artist != nil {
		fields = append(fields, "artist=?")
		args = append(args, *artist)
	}
	set("key", key)
	set("chart_link", chartLink)
	set("youtube_link", youtubeLink)
	if len(fields) == 0 {
		return nil
	}
	args = append(args, id)
	res, err := r.DB.ExecContext(ctx, `UPDATE songs SET `+strings.Join(fields, ",")+` WHERE id=?`, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteSong(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM songs WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SongUsage is a song with its all-time event association count, the input
// for rotation ranking.
type SongUsage struct {
	Song       domain.Song
	UsageCount int
}

// ListSongUsage returns every song with its historical usage count plus the
// date of each associated event, most-used first. Songs never scheduled come
// back with a zero count.
func (r Repo) ListSongUsage(ctx context.Context) ([]SongUsage, error) {
	rows, err := r.DB.QueryContext(ctx, `
SELECT `+songColumns+`, (SELECT count(*) FROM event_songs es WHERE es.song_id=songs.id) AS usage_count
FROM songs ORDER BY usage_count DESC, title ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []SongUsage
	for rows.Next() {
		var u SongUsage
		if err := rows.Scan(&u.Song.ID, &u.Song.Title, &u.Song.Artist, &u.Song.Key, &u.Song.ChartLink, &u.Song.YoutubeLink, &u.UsageCount); err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, rows.Err()
}

// SongIDsScheduledBetween returns IDs of songs attached to any event whose
// scheduled date falls in [from, to).
func (r Repo) SongIDsScheduledBetween(ctx context.Context, from, to string) (map[string]bool, error) {
	rows, err := r.DB.QueryContext(ctx, `
SELECT DISTINCT es.song_id FROM event_songs es
JOIN events e ON e.id=es.event_id
WHERE e.scheduled_at >= ? AND e.scheduled_at < ?`, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]bool{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		res[id] = true
	}
	return res, rows.Err()
}
