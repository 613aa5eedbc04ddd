package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"rosterline/internal/config"
	"rosterline/internal/db"
	"rosterline/internal/domain"
	"rosterline/internal/engine"
	"rosterline/internal/engine/auth"
	"rosterline/internal/migrate"
	"rosterline/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("group-1")
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2024, 12, 1, 12, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ctx: context.Background()}
}

func (env testEnv) musician(t *testing.T, name string) domain.Musician {
	t.Helper()
	m, err := env.Engine.CreateMusician(env.Ctx, engine.MusicianCreateOptions{
		Name:    name,
		Email:   name + "@example.org",
		ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("create musician %s: %v", name, err)
	}
	return m
}

func (env testEnv) event(t *testing.T, name, scheduledAt string) domain.Event {
	t.Helper()
	ev, err := env.Engine.CreateEvent(env.Ctx, engine.EventCreateOptions{
		Name:        name,
		ScheduledAt: scheduledAt,
		ActorID:     "tester",
	})
	if err != nil {
		t.Fatalf("create event %s: %v", name, err)
	}
	return ev
}

func TestAssignAndDuplicate(t *testing.T) {
	env := newTestEnv(t)
	m := env.musician(t, "ana")
	ev := env.event(t, "Sunday Service", "2025-01-05T10:00:00Z")

	rs, err := env.Engine.Assign(env.Ctx, engine.AssignOptions{MusicianID: m.ID, EventID: ev.ID, ActorID: "tester"})
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if rs.MusicianID != m.ID || rs.EventID != ev.ID || rs.Confirmed {
		t.Fatalf("unexpected roster entry: %+v", rs)
	}
	_, err = env.Engine.Assign(env.Ctx, engine.AssignOptions{MusicianID: m.ID, EventID: ev.ID, ActorID: "tester"})
	var dup engine.DuplicateError
	if !errors.As(err, &dup) {
		t.Fatalf("expected DuplicateError, got %v", err)
	}
}

func TestConcurrentAssignSingleWinner(t *testing.T) {
	env := newTestEnv(t)
	m := env.musician(t, "ana")
	ev := env.event(t, "Sunday Service", "2025-01-05T10:00:00Z")

	const workers = 8
	start := make(chan struct{})
	results := make(chan error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := env.Engine.Assign(env.Ctx, engine.AssignOptions{
				MusicianID: m.ID, EventID: ev.ID, ActorID: "tester",
			})
			results <- err
		}()
	}
	close(start)
	wg.Wait()
	close(results)

	var success, duplicate int
	for err := range results {
		var dup engine.DuplicateError
		switch {
		case err == nil:
			success++
		case errors.As(err, &dup):
			duplicate++
		default:
			t.Fatalf("unexpected assign error: %v", err)
		}
	}
	if success != 1 || duplicate != workers-1 {
		t.Fatalf("want 1 success and %d duplicates, got %d/%d", workers-1, success, duplicate)
	}
	entries, err := env.Engine.ListByEvent(env.Ctx, ev.ID)
	if err != nil {
		t.Fatalf("list by event: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("want exactly one roster entry, got %d", len(entries))
	}
}

func TestIsAvailableOn(t *testing.T) {
	ptr := func(s string) *string { return &s }
	day := func(s string) time.Time {
		d, err := time.Parse(time.RFC3339, s)
		if err != nil {
			t.Fatalf("parse %s: %v", s, err)
		}
		return d
	}
	cases := []struct {
		name string
		m    domain.Musician
		on   time.Time
		want bool
	}{
		{"active", domain.Musician{Status: domain.StatusActive}, day("2025-01-05T10:00:00Z"), true},
		{"inactive", domain.Musician{Status: domain.StatusInactive}, day("2025-01-05T10:00:00Z"), false},
		{"unavailable inside interval", domain.Musician{
			Status: domain.StatusUnavailable, UnavailableFrom: ptr("2025-01-01"), UnavailableUntil: ptr("2025-01-10"),
		}, day("2025-01-05T10:00:00Z"), false},
		{"unavailable on boundary day", domain.Musician{
			Status: domain.StatusUnavailable, UnavailableFrom: ptr("2025-01-01"), UnavailableUntil: ptr("2025-01-10"),
		}, day("2025-01-10T23:59:00Z"), false},
		{"unavailable outside interval", domain.Musician{
			Status: domain.StatusUnavailable, UnavailableFrom: ptr("2025-01-01"), UnavailableUntil: ptr("2025-01-10"),
		}, day("2025-01-11T00:00:00Z"), true},
		{"unavailable without interval", domain.Musician{Status: domain.StatusUnavailable}, day("2025-01-05T10:00:00Z"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := engine.IsAvailableOn(tc.m, tc.on); got != tc.want {
				t.Fatalf("IsAvailableOn = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestAssignUnknownReferences(t *testing.T) {
	env := newTestEnv(t)
	m := env.musician(t, "ana")
	ev := env.event(t, "Service", "2025-01-05T10:00:00Z")

	_, err := env.Engine.Assign(env.Ctx, engine.AssignOptions{MusicianID: "nope", EventID: ev.ID})
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found for musician, got %v", err)
	}
	_, err = env.Engine.Assign(env.Ctx, engine.AssignOptions{MusicianID: m.ID, EventID: "nope"})
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found for event, got %v", err)
	}
}

func TestAssignInactiveMusician(t *testing.T) {
	env := newTestEnv(t)
	m := env.musician(t, "bea")
	ev := env.event(t, "Service", "2025-01-05T10:00:00Z")

	if _, err := env.Engine.SetAvailability(env.Ctx, engine.AvailabilityOptions{ID: m.ID, Status: domain.StatusInactive}); err != nil {
		t.Fatalf("set inactive: %v", err)
	}
	_, err := env.Engine.Assign(env.Ctx, engine.AssignOptions{MusicianID: m.ID, EventID: ev.ID})
	var inel engine.IneligibleError
	if !errors.As(err, &inel) {
		t.Fatalf("expected IneligibleError, got %v", err)
	}
}

func TestAssignUnavailableInterval(t *testing.T) {
	env := newTestEnv(t)
	m := env.musician(t, "caio")
	inside := env.event(t, "Mid interval", "2025-01-05T10:00:00Z")
	after := env.event(t, "After interval", "2025-01-11T10:00:00Z")

	_, err := env.Engine.SetAvailability(env.Ctx, engine.AvailabilityOptions{
		ID: m.ID, Status: domain.StatusUnavailable, From: "2025-01-01", Until: "2025-01-10", Reason: "travel",
	})
	if err != nil {
		t.Fatalf("set unavailable: %v", err)
	}
	_, err = env.Engine.Assign(env.Ctx, engine.AssignOptions{MusicianID: m.ID, EventID: inside.ID})
	var inel engine.IneligibleError
	if !errors.As(err, &inel) {
		t.Fatalf("expected IneligibleError inside interval, got %v", err)
	}
	if _, err := env.Engine.Assign(env.Ctx, engine.AssignOptions{MusicianID: m.ID, EventID: after.ID}); err != nil {
		t.Fatalf("assign outside interval: %v", err)
	}
}

func TestSetAvailabilityValidation(t *testing.T) {
	env := newTestEnv(t)
	m := env.musician(t, "dora")

	cases := []engine.AvailabilityOptions{
		{ID: m.ID, Status: domain.StatusUnavailable},                                          // missing interval
		{ID: m.ID, Status: domain.StatusUnavailable, From: "2025-01-01"},                      // missing until
		{ID: m.ID, Status: domain.StatusUnavailable, From: "bad", Until: "2025-01-10"},        // malformed
		{ID: m.ID, Status: domain.StatusUnavailable, From: "2025-01-10", Until: "2025-01-01"}, // inverted
		{ID: m.ID, Status: "ON_FIRE"},                                                        // unknown status
	}
	for i, opts := range cases {
		_, err := env.Engine.SetAvailability(env.Ctx, opts)
		var inv engine.InvalidStateError
		if !errors.As(err, &inv) {
			t.Fatalf("case %d: expected InvalidStateError, got %v", i, err)
		}
	}

	// returning to ACTIVE clears the interval
	if _, err := env.Engine.SetAvailability(env.Ctx, engine.AvailabilityOptions{
		ID: m.ID, Status: domain.StatusUnavailable, From: "2025-01-01", Until: "2025-01-10",
	}); err != nil {
		t.Fatal(err)
	}
	m2, err := env.Engine.SetAvailability(env.Ctx, engine.AvailabilityOptions{ID: m.ID, Status: domain.StatusActive})
	if err != nil {
		t.Fatal(err)
	}
	if m2.Status != domain.StatusActive || m2.UnavailableFrom != nil || m2.UnavailableUntil != nil {
		t.Fatalf("interval not cleared: %+v", m2)
	}
}

func TestUnavailableDoesNotExpire(t *testing.T) {
	env := newTestEnv(t)
	m := env.musician(t, "eli")
	if _, err := env.Engine.SetAvailability(env.Ctx, engine.AvailabilityOptions{
		ID: m.ID, Status: domain.StatusUnavailable, From: "2024-01-01", Until: "2024-01-10",
	}); err != nil {
		t.Fatal(err)
	}
	// interval long past; state stays UNAVAILABLE until an explicit call
	got, err := env.Engine.Repo.GetMusician(env.Ctx, m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusUnavailable {
		t.Fatalf("expected UNAVAILABLE, got %s", got.Status)
	}
	// but the musician is assignable outside the interval
	ev := env.event(t, "Later", "2025-06-01T10:00:00Z")
	if _, err := env.Engine.Assign(env.Ctx, engine.AssignOptions{MusicianID: m.ID, EventID: ev.ID}); err != nil {
		t.Fatalf("assign after interval: %v", err)
	}
}

func TestDeleteMusicianReferentialProtection(t *testing.T) {
	env := newTestEnv(t)
	m := env.musician(t, "fabio")
	ev := env.event(t, "Service", "2025-01-05T10:00:00Z")
	rs, err := env.Engine.Assign(env.Ctx, engine.AssignOptions{MusicianID: m.ID, EventID: ev.ID})
	if err != nil {
		t.Fatal(err)
	}
	err = env.Engine.DeleteMusician(env.Ctx, m.ID, "tester")
	var conflict engine.ReferentialConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ReferentialConflictError, got %v", err)
	}
	if conflict.Rosters != 1 {
		t.Fatalf("expected 1 referencing roster, got %d", conflict.Rosters)
	}
	if err := env.Engine.Unassign(env.Ctx, rs.ID, "tester"); err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.DeleteMusician(env.Ctx, m.ID, "tester"); err != nil {
		t.Fatalf("delete after unassign: %v", err)
	}
}

func TestDeleteEventCascades(t *testing.T) {
	env := newTestEnv(t)
	m := env.musician(t, "gina")
	ev := env.event(t, "Service", "2025-01-05T10:00:00Z")
	rs, err := env.Engine.Assign(env.Ctx, engine.AssignOptions{MusicianID: m.ID, EventID: ev.ID})
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.DeleteEvent(env.Ctx, ev.ID, "tester"); err != nil {
		t.Fatalf("delete event: %v", err)
	}
	if _, err := env.Engine.Repo.GetRoster(env.Ctx, rs.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected roster gone, got %v", err)
	}
	// musician becomes deletable once the cascade removed the entry
	if err := env.Engine.DeleteMusician(env.Ctx, m.ID, "tester"); err != nil {
		t.Fatalf("delete musician after cascade: %v", err)
	}
}

func TestCreateEventValidation(t *testing.T) {
	env := newTestEnv(t)
	cases := []engine.EventCreateOptions{
		{Name: "", ScheduledAt: "2025-01-05T10:00:00Z"},
		{Name: "x", Category: "picnic", ScheduledAt: "2025-01-05T10:00:00Z"},
		{Name: "x", ScheduledAt: "not-a-time"},
		{Name: "x", ScheduledAt: "2020-01-05T10:00:00Z"}, // in the past
	}
	for i, opts := range cases {
		_, err := env.Engine.CreateEvent(env.Ctx, opts)
		var v engine.ValidationError
		if !errors.As(err, &v) {
			t.Fatalf("case %d: expected ValidationError, got %v", i, err)
		}
	}
	// updates may move an event into the past
	ev := env.event(t, "movable", "2025-01-05T10:00:00Z")
	past := "2020-01-05T10:00:00Z"
	got, err := env.Engine.UpdateEvent(env.Ctx, engine.EventUpdateOptions{ID: ev.ID, ScheduledAt: &past})
	if err != nil {
		t.Fatalf("update to past: %v", err)
	}
	if got.ScheduledAt != past {
		t.Fatalf("expected %s, got %s", past, got.ScheduledAt)
	}
}

func TestInstrumentGetOrCreate(t *testing.T) {
	env := newTestEnv(t)
	m1 := env.musician(t, "hugo")
	m2 := env.musician(t, "iris")
	ev := env.event(t, "Service", "2025-01-05T10:00:00Z")

	rs1, err := env.Engine.Assign(env.Ctx, engine.AssignOptions{MusicianID: m1.ID, EventID: ev.ID, Instrument: "electric guitar"})
	if err != nil {
		t.Fatal(err)
	}
	rs2, err := env.Engine.Assign(env.Ctx, engine.AssignOptions{MusicianID: m2.ID, EventID: ev.ID, Instrument: "ELECTRIC GUITAR"})
	if err != nil {
		t.Fatal(err)
	}
	if rs1.InstrumentID == nil || rs2.InstrumentID == nil || *rs1.InstrumentID != *rs2.InstrumentID {
		t.Fatalf("expected same instrument id, got %v vs %v", rs1.InstrumentID, rs2.InstrumentID)
	}
	inst, err := env.Engine.Repo.GetInstrument(env.Ctx, *rs1.InstrumentID)
	if err != nil {
		t.Fatal(err)
	}
	if inst.Name != "Electric Guitar" {
		t.Fatalf("expected title-cased name, got %q", inst.Name)
	}
}

func TestConfirmRoleChecks(t *testing.T) {
	env := newTestEnv(t)
	m := env.musician(t, "joao")
	other := env.musician(t, "karla")
	ev := env.event(t, "Service", "2025-01-05T10:00:00Z")
	rs, err := env.Engine.Assign(env.Ctx, engine.AssignOptions{MusicianID: m.ID, EventID: ev.ID})
	if err != nil {
		t.Fatal(err)
	}

	// another musician may not confirm
	_, err = env.Engine.Confirm(env.Ctx, rs.ID, auth.Principal{MusicianID: other.ID, Role: auth.RoleMusician})
	var forbidden auth.ForbiddenError
	if !errors.As(err, &forbidden) {
		t.Fatalf("expected ForbiddenError, got %v", err)
	}
	// the bound musician may
	got, err := env.Engine.Confirm(env.Ctx, rs.ID, auth.Principal{MusicianID: m.ID, Role: auth.RoleMusician})
	if err != nil || !got.Confirmed {
		t.Fatalf("self confirm: %v (%+v)", err, got)
	}
	// a leader may confirm anyone's entry
	if _, err := env.Engine.Confirm(env.Ctx, rs.ID, auth.Principal{MusicianID: other.ID, Role: auth.RoleLeader}); err != nil {
		t.Fatalf("leader confirm: %v", err)
	}
}

func TestListByMusicianFilters(t *testing.T) {
	env := newTestEnv(t)
	m := env.musician(t, "lia")
	past := env.event(t, "past", "2024-12-15T10:00:00Z")
	future := env.event(t, "future", "2025-02-01T10:00:00Z")
	if _, err := env.Engine.Assign(env.Ctx, engine.AssignOptions{MusicianID: m.ID, EventID: past.ID}); err != nil {
		t.Fatal(err)
	}
	rs, err := env.Engine.Assign(env.Ctx, engine.AssignOptions{MusicianID: m.ID, EventID: future.ID})
	if err != nil {
		t.Fatal(err)
	}

	// move the clock past the first event
	env.Engine.Now = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }

	all, err := env.Engine.ListByMusician(env.Ctx, m.ID, false, false)
	if err != nil || len(all) != 2 {
		t.Fatalf("all: %v (%d entries)", err, len(all))
	}
	if all[0].ScheduledAt > all[1].ScheduledAt {
		t.Fatalf("expected date-ascending order")
	}
	futureOnly, err := env.Engine.ListByMusician(env.Ctx, m.ID, true, false)
	if err != nil || len(futureOnly) != 1 || futureOnly[0].EventID != future.ID {
		t.Fatalf("futureOnly: %v (%+v)", err, futureOnly)
	}
	confirmed, err := env.Engine.ListByMusician(env.Ctx, m.ID, false, true)
	if err != nil || len(confirmed) != 0 {
		t.Fatalf("confirmed before any confirm: %v (%d)", err, len(confirmed))
	}
	if _, err := env.Engine.Confirm(env.Ctx, rs.ID, auth.Principal{MusicianID: m.ID, Role: auth.RoleMusician}); err != nil {
		t.Fatal(err)
	}
	confirmed, err = env.Engine.ListByMusician(env.Ctx, m.ID, false, true)
	if err != nil || len(confirmed) != 1 {
		t.Fatalf("confirmed after confirm: %v (%d)", err, len(confirmed))
	}
}

func TestDuplicateEmailRejected(t *testing.T) {
	env := newTestEnv(t)
	env.musician(t, "mara")
	_, err := env.Engine.CreateMusician(env.Ctx, engine.MusicianCreateOptions{
		Name:  "Mara Two",
		Email: "mara@example.org",
	})
	var v engine.ValidationError
	if !errors.As(err, &v) {
		t.Fatalf("expected ValidationError for duplicate email, got %v", err)
	}
}

func TestEventSongLinks(t *testing.T) {
	env := newTestEnv(t)
	s1, err := env.Engine.CreateSong(env.Ctx, engine.SongOptions{Title: "Song A", Artist: "Band"})
	if err != nil {
		t.Fatal(err)
	}
	s2, err := env.Engine.CreateSong(env.Ctx, engine.SongOptions{Title: "Song B", Artist: "Band"})
	if err != nil {
		t.Fatal(err)
	}
	ev, err := env.Engine.CreateEvent(env.Ctx, engine.EventCreateOptions{
		Name: "Service", ScheduledAt: "2025-01-05T10:00:00Z", SongIDs: []string{s1.ID},
	})
	if err != nil {
		t.Fatal(err)
	}
	got, err := env.Engine.UpdateEvent(env.Ctx, engine.EventUpdateOptions{ID: ev.ID, AddSongs: []string{s2.ID}})
	if err != nil {
		t.Fatal(err)
	}
	if len(got.SongIDs) != 2 {
		t.Fatalf("expected 2 linked songs, got %v", got.SongIDs)
	}
	got, err = env.Engine.UpdateEvent(env.Ctx, engine.EventUpdateOptions{ID: ev.ID, RemoveSongs: []string{s1.ID}})
	if err != nil || len(got.SongIDs) != 1 || got.SongIDs[0] != s2.ID {
		t.Fatalf("after remove: %v (%v)", err, got.SongIDs)
	}
	// linking an unknown song is rejected
	_, err = env.Engine.UpdateEvent(env.Ctx, engine.EventUpdateOptions{ID: ev.ID, AddSongs: []string{"nope"}})
	var v engine.ValidationError
	if !errors.As(err, &v) {
		t.Fatalf("expected ValidationError for unknown song, got %v", err)
	}
}
