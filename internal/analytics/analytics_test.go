package analytics_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"rosterline/internal/analytics"
	"rosterline/internal/config"
	"rosterline/internal/db"
	"rosterline/internal/domain"
	"rosterline/internal/engine"
	"rosterline/internal/engine/auth"
	"rosterline/internal/migrate"
)

type testEnv struct {
	Engine    engine.Engine
	Analytics analytics.Engine
	Ctx       context.Context
}

// newTestEnv pins the creation clock before every fixture date so past-dated
// events can be seeded, and the analytics clock to the evaluation moment.
func newTestEnv(t *testing.T, evalAt time.Time) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default("group-1"))
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	al := analytics.New(eng.Repo)
	al.Now = func() time.Time { return evalAt }
	return testEnv{Engine: eng, Analytics: al, Ctx: context.Background()}
}

func (env testEnv) musician(t *testing.T, name string) domain.Musician {
	t.Helper()
	m, err := env.Engine.CreateMusician(env.Ctx, engine.MusicianCreateOptions{
		Name: name, Email: name + "@example.org",
	})
	if err != nil {
		t.Fatalf("create musician %s: %v", name, err)
	}
	return m
}

func (env testEnv) eventOn(t *testing.T, name, scheduledAt string) domain.Event {
	t.Helper()
	ev, err := env.Engine.CreateEvent(env.Ctx, engine.EventCreateOptions{Name: name, ScheduledAt: scheduledAt})
	if err != nil {
		t.Fatalf("create event %s: %v", name, err)
	}
	return ev
}

func (env testEnv) assign(t *testing.T, musicianID, eventID string) {
	t.Helper()
	if _, err := env.Engine.Assign(env.Ctx, engine.AssignOptions{MusicianID: musicianID, EventID: eventID}); err != nil {
		t.Fatalf("assign: %v", err)
	}
}

func TestMaxStreak(t *testing.T) {
	day := func(d int) time.Time { return time.Date(2025, 1, d, 10, 0, 0, 0, time.UTC) }
	cases := []struct {
		name   string
		dates  []time.Time
		window int
		want   int
	}{
		{"empty", nil, 7, 0},
		{"single", []time.Time{day(1)}, 7, 1},
		{"gap resets", []time.Time{day(1), day(5), day(20)}, 7, 2},
		{"all close", []time.Time{day(1), day(3), day(5), day(7)}, 7, 4},
		{"boundary gap counts", []time.Time{day(1), day(8)}, 7, 2},
		{"just over boundary", []time.Time{day(1), day(9)}, 7, 1},
		{"zero window needs same day", []time.Time{day(1), day(1), day(2)}, 0, 2},
	}
	for _, tc := range cases {
		if got := analytics.MaxStreak(tc.dates, tc.window); got != tc.want {
			t.Errorf("%s: got %d, want %d", tc.name, got, tc.want)
		}
	}
}

func TestOverloadAlerts(t *testing.T) {
	env := newTestEnv(t, time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC))
	busy := env.musician(t, "busy")
	calm := env.musician(t, "calm")

	e1 := env.eventOn(t, "e1", "2025-01-01T10:00:00Z")
	e2 := env.eventOn(t, "e2", "2025-01-05T10:00:00Z")
	e3 := env.eventOn(t, "e3", "2025-01-20T10:00:00Z")
	for _, ev := range []domain.Event{e1, e2, e3} {
		env.assign(t, busy.ID, ev.ID)
	}
	env.assign(t, calm.ID, e1.ID)

	// max streak is 2 (Jan 1 -> Jan 5; Jan 20 resets), under the default threshold
	alerts, err := env.Analytics.OverloadAlerts(env.Ctx, 3, 7)
	if err != nil {
		t.Fatal(err)
	}
	if len(alerts) != 0 {
		t.Fatalf("expected no alerts at threshold 3, got %+v", alerts)
	}
	// lowering the threshold flags only the busy musician
	alerts, err = env.Analytics.OverloadAlerts(env.Ctx, 2, 7)
	if err != nil {
		t.Fatal(err)
	}
	if len(alerts) != 1 || alerts[0].Musician.ID != busy.ID || alerts[0].MaxStreak != 2 {
		t.Fatalf("unexpected alerts: %+v", alerts)
	}
	// read-only: running twice yields the same result
	again, err := env.Analytics.OverloadAlerts(env.Ctx, 2, 7)
	if err != nil || len(again) != 1 || again[0].MaxStreak != 2 {
		t.Fatalf("second run differed: %v %+v", err, again)
	}
}

func TestOverloadParameterValidation(t *testing.T) {
	env := newTestEnv(t, time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC))
	var inv analytics.InvalidParameterError
	if _, err := env.Analytics.OverloadAlerts(env.Ctx, 0, 7); !errors.As(err, &inv) {
		t.Fatalf("threshold 0: expected InvalidParameterError, got %v", err)
	}
	if _, err := env.Analytics.OverloadAlerts(env.Ctx, 3, -1); !errors.As(err, &inv) {
		t.Fatalf("negative window: expected InvalidParameterError, got %v", err)
	}
}

func TestWorkloadRankings(t *testing.T) {
	env := newTestEnv(t, time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC))
	a := env.musician(t, "alpha")
	b := env.musician(t, "bravo")
	c := env.musician(t, "charlie")

	jan := env.eventOn(t, "jan", "2025-01-10T10:00:00Z")
	feb1 := env.eventOn(t, "feb1", "2025-02-10T10:00:00Z")
	feb2 := env.eventOn(t, "feb2", "2025-02-20T10:00:00Z")

	env.assign(t, a.ID, jan.ID)
	env.assign(t, a.ID, feb1.ID)
	env.assign(t, a.ID, feb2.ID)
	env.assign(t, b.ID, feb1.ID)

	most, err := env.Analytics.MostBooked(env.Ctx, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(most) != 3 || most[0].Musician.ID != a.ID || most[0].Count != 3 {
		t.Fatalf("most booked: %+v", most)
	}

	// least-booked over February only: c (0), b (1), a (2)
	from := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	least, err := env.Analytics.LeastBooked(env.Ctx, from, to, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(least) != 3 || least[0].Musician.ID != c.ID || least[0].Count != 0 {
		t.Fatalf("least booked: %+v", least)
	}
	if least[2].Musician.ID != a.ID || least[2].Count != 2 {
		t.Fatalf("least booked tail: %+v", least)
	}

	// inactive musicians drop out of both rankings
	if _, err := env.Engine.SetAvailability(env.Ctx, engine.AvailabilityOptions{ID: a.ID, Status: domain.StatusInactive}); err != nil {
		t.Fatal(err)
	}
	most, err = env.Analytics.MostBooked(env.Ctx, 5)
	if err != nil {
		t.Fatal(err)
	}
	for _, entry := range most {
		if entry.Musician.ID == a.ID {
			t.Fatalf("inactive musician still ranked: %+v", most)
		}
	}

	// topN truncates
	least, err = env.Analytics.LeastBooked(env.Ctx, from, to, 1)
	if err != nil || len(least) != 1 {
		t.Fatalf("topN 1: %v (%d)", err, len(least))
	}
}

func TestRotationSuggestions(t *testing.T) {
	now := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	env := newTestEnv(t, now)

	mkSong := func(title string) domain.Song {
		s, err := env.Engine.CreateSong(env.Ctx, engine.SongOptions{Title: title, Artist: "Band"})
		if err != nil {
			t.Fatal(err)
		}
		return s
	}
	recent := mkSong("recent")   // used 14 days ago: inside the cooldown window
	rested := mkSong("rested")   // used 16 days ago: eligible
	popular := mkSong("popular") // used twice, long ago
	fresh := mkSong("fresh")     // never scheduled

	mkEvent := func(name string, at time.Time, songs ...string) {
		if _, err := env.Engine.CreateEvent(env.Ctx, engine.EventCreateOptions{
			Name: name, ScheduledAt: at.Format(time.RFC3339), SongIDs: songs,
		}); err != nil {
			t.Fatal(err)
		}
	}
	mkEvent("within cooldown", now.AddDate(0, 0, -14), recent.ID)
	mkEvent("just outside", now.AddDate(0, 0, -16), rested.ID)
	mkEvent("old 1", now.AddDate(0, 0, -40), popular.ID)
	mkEvent("old 2", now.AddDate(0, 0, -50), popular.ID)

	sugg, err := env.Analytics.RotationSuggestions(env.Ctx, 15, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(sugg) != 3 {
		t.Fatalf("expected 3 suggestions, got %+v", sugg)
	}
	if sugg[0].Song.ID != popular.ID || sugg[0].UsageCount != 2 {
		t.Fatalf("expected popular first: %+v", sugg)
	}
	if sugg[1].Song.ID != rested.ID || sugg[1].UsageCount != 1 {
		t.Fatalf("expected rested second: %+v", sugg)
	}
	if sugg[2].Song.ID != fresh.ID || sugg[2].UsageCount != 0 {
		t.Fatalf("expected never-used song last but present: %+v", sugg)
	}
	for _, s := range sugg {
		if s.Song.ID == recent.ID {
			t.Fatalf("cooldown song should be excluded: %+v", sugg)
		}
	}

	// topN truncation keeps highest-usage eligible songs
	sugg, err = env.Analytics.RotationSuggestions(env.Ctx, 15, 1)
	if err != nil || len(sugg) != 1 || sugg[0].Song.ID != popular.ID {
		t.Fatalf("topN 1: %v %+v", err, sugg)
	}

	var inv analytics.InvalidParameterError
	if _, err := env.Analytics.RotationSuggestions(env.Ctx, -1, 5); !errors.As(err, &inv) {
		t.Fatalf("negative cooldown: expected InvalidParameterError, got %v", err)
	}
}

func TestSummary(t *testing.T) {
	now := time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC)
	env := newTestEnv(t, now)
	m := env.musician(t, "ana")
	env.musician(t, "bea")
	if _, err := env.Engine.CreateSong(env.Ctx, engine.SongOptions{Title: "Song", Artist: "Band"}); err != nil {
		t.Fatal(err)
	}
	past := env.eventOn(t, "past", "2025-01-05T10:00:00Z")
	next := env.eventOn(t, "next", "2025-01-20T10:00:00Z")
	later := env.eventOn(t, "later", "2025-03-01T10:00:00Z")
	env.assign(t, m.ID, past.ID)
	env.assign(t, m.ID, next.ID)
	env.assign(t, m.ID, later.ID)

	s, err := env.Analytics.Summary(env.Ctx, auth.Principal{Role: auth.RoleLeader})
	if err != nil {
		t.Fatal(err)
	}
	if s.TotalMusicians != 2 || s.TotalSongs != 1 || s.FutureEvents != 2 {
		t.Fatalf("counters: %+v", s)
	}
	if s.RostersThisMonth != 2 { // past + next are both in January
		t.Fatalf("rosters this month: %+v", s)
	}
	if s.NextEvent == nil || s.NextEvent.ID != next.ID {
		t.Fatalf("next event: %+v", s.NextEvent)
	}
	if len(s.MyUpcoming) != 0 {
		t.Fatalf("leader summary should not carry personal entries: %+v", s.MyUpcoming)
	}

	personal, err := env.Analytics.Summary(env.Ctx, auth.Principal{MusicianID: m.ID, Role: auth.RoleMusician})
	if err != nil {
		t.Fatal(err)
	}
	if len(personal.MyUpcoming) != 2 {
		t.Fatalf("expected 2 upcoming entries, got %+v", personal.MyUpcoming)
	}
}
