// Package analytics derives operational signals from the roster ledger:
// overload alerts, workload rankings, repertoire rotation suggestions, and
// the dashboard summary. Every computation reads a snapshot and is
// deterministic given the same input; nothing is cached across calls.
package analytics

import (
	"context"
	"fmt"
	"sort"
	"time"

	"rosterline/internal/domain"
	"rosterline/internal/engine/auth"
	"rosterline/internal/repo"
)

// InvalidParameterError indicates a nonsensical analytics threshold.
type InvalidParameterError struct {
	Name string
	Msg  string
}

func (e InvalidParameterError) Error() string {
	return fmt.Sprintf("%s: %s", e.Name, e.Msg)
}

// Engine is a stateless query layer over the ledger and registries.
type Engine struct {
	Repo repo.Repo
	Now  func() time.Time
}

func New(r repo.Repo) Engine {
	return Engine{Repo: r, Now: time.Now}
}

func (a Engine) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}

// --- overload detection ---

type OverloadAlert struct {
	Musician  domain.Musician `json:"musician"`
	MaxStreak int             `json:"max_streak"`
}

// MaxStreak walks event dates in ascending order keeping a running streak
// counter: consecutive dates at most windowDays apart extend the streak,
// larger gaps reset it to 1. Zero dates yield 0, so a musician with no or
// one booking can never reach a threshold of 2+.
func MaxStreak(dates []time.Time, windowDays int) int {
	if len(dates) == 0 {
		return 0
	}
	counter := 1
	best := 1
	prev := dates[0]
	for _, d := range dates[1:] {
		if daysBetween(prev, d) <= windowDays {
			counter++
		} else {
			counter = 1
		}
		if counter > best {
			best = counter
		}
		prev = d
	}
	return best
}

func daysBetween(a, b time.Time) int {
	ad := a.UTC().Truncate(24 * time.Hour)
	bd := b.UTC().Truncate(24 * time.Hour)
	return int(bd.Sub(ad).Hours() / 24)
}

// OverloadAlerts flags musicians whose longest run of closely-spaced
// bookings reaches the threshold. Output is sorted by streak descending,
// then musician id.
func (a Engine) OverloadAlerts(ctx context.Context, threshold, windowDays int) ([]OverloadAlert, error) {
	if threshold < 1 {
		return nil, InvalidParameterError{Name: "threshold", Msg: "must be >= 1"}
	}
	if windowDays < 0 {
		return nil, InvalidParameterError{Name: "window_days", Msg: "must not be negative"}
	}
	entries, err := a.Repo.ListAllEntries(ctx)
	if err != nil {
		return nil, err
	}
	datesByMusician := map[string][]time.Time{}
	for _, entry := range entries {
		d, err := time.Parse(time.RFC3339, entry.ScheduledAt)
		if err != nil {
			return nil, fmt.Errorf("roster %s has malformed event date: %w", entry.ID, err)
		}
		datesByMusician[entry.MusicianID] = append(datesByMusician[entry.MusicianID], d)
	}
	musicians, err := a.Repo.ListMusicians(ctx, repo.MusicianFilters{})
	if err != nil {
		return nil, err
	}
	var alerts []OverloadAlert
	for _, m := range musicians {
		dates := datesByMusician[m.ID]
		// ListAllEntries orders by event date per musician already; sort
		// defensively in case the snapshot came from elsewhere.
		sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })
		if streak := MaxStreak(dates, windowDays); streak >= threshold {
			alerts = append(alerts, OverloadAlert{Musician: m, MaxStreak: streak})
		}
	}
	sort.Slice(alerts, func(i, j int) bool {
		if alerts[i].MaxStreak != alerts[j].MaxStreak {
			return alerts[i].MaxStreak > alerts[j].MaxStreak
		}
		return alerts[i].Musician.ID < alerts[j].Musician.ID
	})
	return alerts, nil
}

// --- workload ranking ---

type RankingEntry struct {
	Musician domain.Musician `json:"musician"`
	Count    int             `json:"count"`
}

// MostBooked ranks ACTIVE musicians by all-time roster count, descending.
// Inactive and unavailable musicians stay out of fairness displays.
func (a Engine) MostBooked(ctx context.Context, topN int) ([]RankingEntry, error) {
	counts, err := a.Repo.MusicianRosterCounts(ctx, "", "")
	if err != nil {
		return nil, err
	}
	return a.rank(ctx, counts, topN, func(x, y RankingEntry) bool {
		if x.Count != y.Count {
			return x.Count > y.Count
		}
		return x.Musician.ID < y.Musician.ID
	})
}

// LeastBooked ranks ACTIVE musicians by roster count within [from, to),
// ascending, ties broken by musician id.
func (a Engine) LeastBooked(ctx context.Context, from, to time.Time, topN int) ([]RankingEntry, error) {
	if !to.After(from) {
		return nil, InvalidParameterError{Name: "window", Msg: "to must be after from"}
	}
	counts, err := a.Repo.MusicianRosterCounts(ctx,
		from.UTC().Format(time.RFC3339), to.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, err
	}
	return a.rank(ctx, counts, topN, func(x, y RankingEntry) bool {
		if x.Count != y.Count {
			return x.Count < y.Count
		}
		return x.Musician.ID < y.Musician.ID
	})
}

func (a Engine) rank(ctx context.Context, counts map[string]int, topN int, less func(x, y RankingEntry) bool) ([]RankingEntry, error) {
	if topN < 1 {
		return nil, InvalidParameterError{Name: "top_n", Msg: "must be >= 1"}
	}
	active, err := a.Repo.ListMusicians(ctx, repo.MusicianFilters{Status: domain.StatusActive})
	if err != nil {
		return nil, err
	}
	entries := make([]RankingEntry, 0, len(active))
	for _, m := range active {
		entries = append(entries, RankingEntry{Musician: m, Count: counts[m.ID]})
	}
	sort.Slice(entries, func(i, j int) bool { return less(entries[i], entries[j]) })
	if len(entries) > topN {
		entries = entries[:topN]
	}
	return entries, nil
}

// --- repertoire rotation ---

type RotationSuggestion struct {
	Song       domain.Song `json:"song"`
	UsageCount int         `json:"usage_count"`
}

// RotationSuggestions recommends songs not performed within the cooldown
// window [now-D, now), ranked by historical usage descending. A song never
// scheduled ranks last but is not excluded.
func (a Engine) RotationSuggestions(ctx context.Context, cooldownDays, topN int) ([]RotationSuggestion, error) {
	if cooldownDays < 0 {
		return nil, InvalidParameterError{Name: "cooldown_days", Msg: "must not be negative"}
	}
	if topN < 1 {
		return nil, InvalidParameterError{Name: "top_n", Msg: "must be >= 1"}
	}
	now := a.now().UTC()
	from := now.AddDate(0, 0, -cooldownDays)
	recent, err := a.Repo.SongIDsScheduledBetween(ctx,
		from.Format(time.RFC3339), now.Format(time.RFC3339))
	if err != nil {
		return nil, err
	}
	usage, err := a.Repo.ListSongUsage(ctx)
	if err != nil {
		return nil, err
	}
	var res []RotationSuggestion
	for _, u := range usage {
		if recent[u.Song.ID] {
			continue
		}
		res = append(res, RotationSuggestion{Song: u.Song, UsageCount: u.UsageCount})
		if len(res) == topN {
			break
		}
	}
	return res, nil
}

// --- dashboard summary ---

type Summary struct {
	TotalMusicians   int                  `json:"total_musicians"`
	TotalSongs       int                  `json:"total_songs"`
	FutureEvents     int                  `json:"future_events"`
	RostersThisMonth int                  `json:"rosters_this_month"`
	NextEvent        *domain.Event        `json:"next_event,omitempty"`
	MyUpcoming       []domain.RosterEntry `json:"my_upcoming,omitempty"`
}

// Summary aggregates the dashboard counters. The caller's role is an
// explicit parameter: musician-role principals additionally get their own
// upcoming entries, nothing is read from ambient state.
func (a Engine) Summary(ctx context.Context, p auth.Principal) (Summary, error) {
	var s Summary
	now := a.now().UTC()
	nowStr := now.Format(time.RFC3339)

	musicians, err := a.Repo.ListMusicians(ctx, repo.MusicianFilters{})
	if err != nil {
		return s, err
	}
	s.TotalMusicians = len(musicians)

	songs, err := a.Repo.ListSongs(ctx, "")
	if err != nil {
		return s, err
	}
	s.TotalSongs = len(songs)

	future, err := a.Repo.ListEvents(ctx, repo.EventFilters{From: nowStr})
	if err != nil {
		return s, err
	}
	s.FutureEvents = len(future)

	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	monthEnd := monthStart.AddDate(0, 1, 0)
	s.RostersThisMonth, err = a.Repo.CountRostersBetween(ctx,
		monthStart.Format(time.RFC3339), monthEnd.Format(time.RFC3339))
	if err != nil {
		return s, err
	}

	s.NextEvent, err = a.Repo.NextEvent(ctx, nowStr)
	if err != nil {
		return s, err
	}

	if p.Role == auth.RoleMusician && p.MusicianID != "" {
		s.MyUpcoming, err = a.Repo.ListByMusician(ctx, p.MusicianID, repo.RosterFilters{
			FutureOnly: true,
			Now:        nowStr,
		})
		if err != nil {
			return s, err
		}
	}
	return s, nil
}
