package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"rosterline/internal/config"
	"rosterline/internal/domain"
	"rosterline/internal/engine/auth"
	"rosterline/internal/events"
	"rosterline/internal/repo"
)

const dayLayout = "2006-01-02"

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// --- musicians ---

type MusicianCreateOptions struct {
	ID         string
	Name       string
	Email      string
	Phone      string
	Address    string
	Instrument string
	ActorID    string
}

func (e Engine) CreateMusician(ctx context.Context, opts MusicianCreateOptions) (domain.Musician, error) {
	if strings.TrimSpace(opts.Name) == "" {
		return domain.Musician{}, ValidationError{Msg: "name is required"}
	}
	if strings.TrimSpace(opts.Email) == "" {
		return domain.Musician{}, ValidationError{Msg: "email is required"}
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	m := domain.Musician{
		ID:        id,
		Name:      opts.Name,
		Email:     opts.Email,
		Phone:     opts.Phone,
		Address:   opts.Address,
		Status:    domain.StatusActive,
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Musician{}, err
	}
	defer tx.Rollback()

	if opts.Instrument != "" {
		inst, err := e.getOrCreateInstrument(ctx, tx, opts.Instrument)
		if err != nil {
			return domain.Musician{}, err
		}
		m.InstrumentID = &inst.ID
	}
	if err := e.Repo.InsertMusician(ctx, tx, m); err != nil {
		if isUniqueViolation(err, "musicians") {
			return domain.Musician{}, ValidationError{Msg: fmt.Sprintf("a musician with email %s already exists", m.Email)}
		}
		return domain.Musician{}, err
	}
	if err := e.Events.Append(ctx, tx, "musician.created", "musician", m.ID, opts.ActorID, events.EventPayload{"name": m.Name}); err != nil {
		return domain.Musician{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Musician{}, err
	}
	return m, nil
}

type MusicianUpdateOptions struct {
	ID              string
	Name            *string
	Email           *string
	Phone           *string
	Address         *string
	Instrument      *string
	ClearInstrument bool
	ActorID         string
}

func (e Engine) UpdateMusician(ctx context.Context, opts MusicianUpdateOptions) (domain.Musician, error) {
	m, err := e.Repo.GetMusician(ctx, opts.ID)
	if err != nil {
		return m, err
	}
	var instrumentID *string
	if opts.Instrument != nil && *opts.Instrument != "" {
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return m, err
		}
		defer tx.Rollback()
		inst, err := e.getOrCreateInstrument(ctx, tx, *opts.Instrument)
		if err != nil {
			return m, err
		}
		if err := tx.Commit(); err != nil {
			return m, err
		}
		instrumentID = &inst.ID
	}
	if err := e.Repo.UpdateMusician(ctx, opts.ID, opts.Name, opts.Email, opts.Phone, opts.Address, instrumentID, opts.ClearInstrument); err != nil {
		if isUniqueViolation(err, "musicians") {
			return m, ValidationError{Msg: "a musician with that email already exists"}
		}
		return m, err
	}
	return e.Repo.GetMusician(ctx, opts.ID)
}

type AvailabilityOptions struct {
	ID      string
	Status  string
	From    string
	Until   string
	Reason  string
	ActorID string
}

// SetAvailability is the only transition source for the availability state
// machine. UNAVAILABLE never auto-expires: once the interval passes, the
// state stays until the next explicit call.
func (e Engine) SetAvailability(ctx context.Context, opts AvailabilityOptions) (domain.Musician, error) {
	m, err := e.Repo.GetMusician(ctx, opts.ID)
	if err != nil {
		return m, err
	}
	var from, until *string
	reason := ""
	switch opts.Status {
	case domain.StatusActive, domain.StatusInactive:
		// interval cleared
	case domain.StatusUnavailable:
		if opts.From == "" || opts.Until == "" {
			return m, InvalidStateError{Msg: "UNAVAILABLE requires both unavailable_from and unavailable_until"}
		}
		fromDay, err := time.Parse(dayLayout, opts.From)
		if err != nil {
			return m, InvalidStateError{Msg: fmt.Sprintf("unavailable_from: invalid date %q", opts.From)}
		}
		untilDay, err := time.Parse(dayLayout, opts.Until)
		if err != nil {
			return m, InvalidStateError{Msg: fmt.Sprintf("unavailable_until: invalid date %q", opts.Until)}
		}
		if fromDay.After(untilDay) {
			return m, InvalidStateError{Msg: "unavailable_from must not be after unavailable_until"}
		}
		from, until = &opts.From, &opts.Until
		reason = opts.Reason
	default:
		return m, InvalidStateError{Msg: fmt.Sprintf("unknown availability status %q", opts.Status)}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return m, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateMusicianAvailability(ctx, tx, opts.ID, opts.Status, from, until, reason); err != nil {
		return m, err
	}
	if err := e.Events.Append(ctx, tx, "musician.availability", "musician", opts.ID, opts.ActorID, events.EventPayload{
		"from_status": m.Status,
		"to_status":   opts.Status,
	}); err != nil {
		return m, err
	}
	if err := tx.Commit(); err != nil {
		return m, err
	}
	return e.Repo.GetMusician(ctx, opts.ID)
}

// IsAvailableOn evaluates the availability predicate for a calendar day.
// ACTIVE is always available, INACTIVE never; UNAVAILABLE is available only
// outside its closed interval.
func IsAvailableOn(m domain.Musician, day time.Time) bool {
	switch m.Status {
	case domain.StatusActive:
		return true
	case domain.StatusUnavailable:
		if m.UnavailableFrom == nil || m.UnavailableUntil == nil {
			return false
		}
		return !withinInterval(day, *m.UnavailableFrom, *m.UnavailableUntil)
	default:
		return false
	}
}

func withinInterval(day time.Time, from, until string) bool {
	fromDay, err1 := time.Parse(dayLayout, from)
	untilDay, err2 := time.Parse(dayLayout, until)
	if err1 != nil || err2 != nil {
		return false
	}
	d := day.UTC().Truncate(24 * time.Hour)
	return !d.Before(fromDay) && !d.After(untilDay)
}

// DeleteMusician removes a musician unless any roster entry still references
// them (protect, not cascade).
func (e Engine) DeleteMusician(ctx context.Context, id, actorID string) error {
	m, err := e.Repo.GetMusician(ctx, id)
	if err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	n, err := e.Repo.CountRostersForMusician(ctx, tx, id)
	if err != nil {
		return err
	}
	if n > 0 {
		return ReferentialConflictError{MusicianID: id, Rosters: n}
	}
	if err := e.Repo.DeleteMusician(ctx, tx, id); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "musician.deleted", "musician", id, actorID, events.EventPayload{"name": m.Name}); err != nil {
		return err
	}
	return tx.Commit()
}

// --- songs ---

type SongOptions struct {
	ID          string
	Title       string
	Artist      string
	Key         string
	ChartLink   string
	YoutubeLink string
	ActorID     string
}

func (e Engine) CreateSong(ctx context.Context, opts SongOptions) (domain.Song, error) {
	if strings.TrimSpace(opts.Title) == "" {
		return domain.Song{}, ValidationError{Msg: "title is required"}
	}
	if strings.TrimSpace(opts.Artist) == "" {
		return domain.Song{}, ValidationError{Msg: "artist is required"}
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	s := domain.Song{
		ID:          id,
		Title:       opts.Title,
		Artist:      opts.Artist,
		Key:         opts.Key,
		ChartLink:   opts.ChartLink,
		YoutubeLink: opts.YoutubeLink,
	}
	if err := e.Repo.InsertSong(ctx, s); err != nil {
		return domain.Song{}, err
	}
	return s, nil
}

// --- events ---

type EventCreateOptions struct {
	ID          string
	Name        string
	Category    string
	ScheduledAt string
	Location    string
	Description string
	SongIDs     []string
	ActorID     string
}

func validCategory(c string) bool {
	switch c {
	case domain.EventService, domain.EventConference, domain.EventCell, domain.EventSpecial:
		return true
	}
	return false
}

// CreateEvent rejects past-dated events. The check runs at creation only;
// updates may move an event into the past.
func (e Engine) CreateEvent(ctx context.Context, opts EventCreateOptions) (domain.Event, error) {
	if strings.TrimSpace(opts.Name) == "" {
		return domain.Event{}, ValidationError{Msg: "name is required"}
	}
	if opts.Category == "" {
		opts.Category = domain.EventService
	}
	if !validCategory(opts.Category) {
		return domain.Event{}, ValidationError{Msg: fmt.Sprintf("unknown event category %q", opts.Category)}
	}
	scheduled, err := time.Parse(time.RFC3339, opts.ScheduledAt)
	if err != nil {
		return domain.Event{}, ValidationError{Msg: fmt.Sprintf("scheduled_at: invalid timestamp %q", opts.ScheduledAt)}
	}
	if scheduled.Before(e.now()) {
		return domain.Event{}, ValidationError{Msg: "scheduled_at must not be in the past"}
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	ev := domain.Event{
		ID:          id,
		Name:        opts.Name,
		Category:    opts.Category,
		ScheduledAt: scheduled.UTC().Format(time.RFC3339),
		Location:    opts.Location,
		Description: opts.Description,
		CreatedAt:   e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Event{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertEvent(ctx, tx, ev); err != nil {
		return domain.Event{}, err
	}
	if len(opts.SongIDs) > 0 {
		if err := e.requireSongs(ctx, opts.SongIDs); err != nil {
			return domain.Event{}, err
		}
		if err := e.Repo.AddEventSongs(ctx, tx, ev.ID, opts.SongIDs); err != nil {
			return domain.Event{}, err
		}
	}
	if err := e.Events.Append(ctx, tx, "event.created", "event", ev.ID, opts.ActorID, events.EventPayload{
		"name":         ev.Name,
		"scheduled_at": ev.ScheduledAt,
	}); err != nil {
		return domain.Event{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Event{}, err
	}
	ev.SongIDs = opts.SongIDs
	return ev, nil
}

type EventUpdateOptions struct {
	ID          string
	Name        *string
	Category    *string
	ScheduledAt *string
	Location    *string
	Description *string
	SetSongs    []string
	SongsSet    bool
	AddSongs    []string
	RemoveSongs []string
	ActorID     string
}

func (e Engine) UpdateEvent(ctx context.Context, opts EventUpdateOptions) (domain.Event, error) {
	ev, err := e.Repo.GetEvent(ctx, opts.ID)
	if err != nil {
		return ev, err
	}
	if opts.Category != nil && !validCategory(*opts.Category) {
		return ev, ValidationError{Msg: fmt.Sprintf("unknown event category %q", *opts.Category)}
	}
	if opts.ScheduledAt != nil {
		scheduled, err := time.Parse(time.RFC3339, *opts.ScheduledAt)
		if err != nil {
			return ev, ValidationError{Msg: fmt.Sprintf("scheduled_at: invalid timestamp %q", *opts.ScheduledAt)}
		}
		normalized := scheduled.UTC().Format(time.RFC3339)
		opts.ScheduledAt = &normalized
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ev, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateEvent(ctx, tx, opts.ID, opts.Name, opts.Category, opts.ScheduledAt, opts.Location, opts.Description); err != nil {
		return ev, err
	}
	if opts.SongsSet {
		if err := e.requireSongs(ctx, opts.SetSongs); err != nil {
			return ev, err
		}
		if err := e.Repo.ReplaceEventSongs(ctx, tx, opts.ID, opts.SetSongs); err != nil {
			return ev, err
		}
	}
	if len(opts.AddSongs) > 0 {
		if err := e.requireSongs(ctx, opts.AddSongs); err != nil {
			return ev, err
		}
		if err := e.Repo.AddEventSongs(ctx, tx, opts.ID, opts.AddSongs); err != nil {
			return ev, err
		}
	}
	if len(opts.RemoveSongs) > 0 {
		if err := e.Repo.RemoveEventSongs(ctx, tx, opts.ID, opts.RemoveSongs); err != nil {
			return ev, err
		}
	}
	if err := e.Events.Append(ctx, tx, "event.updated", "event", opts.ID, opts.ActorID, events.EventPayload{}); err != nil {
		return ev, err
	}
	if err := tx.Commit(); err != nil {
		return ev, err
	}
	return e.Repo.GetEvent(ctx, opts.ID)
}

func (e Engine) requireSongs(ctx context.Context, ids []string) error {
	for _, id := range ids {
		if _, err := e.Repo.GetSong(ctx, id); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return ValidationError{Msg: fmt.Sprintf("song %s not found", id)}
			}
			return err
		}
	}
	return nil
}

// DeleteEvent cascades to the event's roster entries and repertoire links.
func (e Engine) DeleteEvent(ctx context.Context, id, actorID string) error {
	ev, err := e.Repo.GetEvent(ctx, id)
	if err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteEvent(ctx, tx, id); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "event.deleted", "event", id, actorID, events.EventPayload{"name": ev.Name}); err != nil {
		return err
	}
	return tx.Commit()
}

// --- roster ledger ---

type AssignOptions struct {
	MusicianID string
	EventID    string
	Instrument string
	Note       string
	ActorID    string
}

// Assign binds a musician to an event. Resolution, the duplicate check, both
// eligibility gates, the optional instrument get-or-create, and the insert
// all run in one transaction; nothing is written when any step fails.
func (e Engine) Assign(ctx context.Context, opts AssignOptions) (domain.Roster, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Roster{}, err
	}
	defer tx.Rollback()

	m, err := e.Repo.GetMusicianTx(ctx, tx, opts.MusicianID)
	if err != nil {
		return domain.Roster{}, err
	}
	ev, err := e.Repo.GetEventTx(ctx, tx, opts.EventID)
	if err != nil {
		return domain.Roster{}, err
	}
	exists, err := e.Repo.RosterExistsTx(ctx, tx, m.ID, ev.ID)
	if err != nil {
		return domain.Roster{}, err
	}
	if exists {
		return domain.Roster{}, DuplicateError{MusicianID: m.ID, EventID: ev.ID}
	}
	if m.Status == domain.StatusInactive {
		return domain.Roster{}, IneligibleError{MusicianID: m.ID, Reason: "musician is inactive"}
	}
	eventDay, err := time.Parse(time.RFC3339, ev.ScheduledAt)
	if err != nil {
		return domain.Roster{}, fmt.Errorf("event %s has malformed schedule: %w", ev.ID, err)
	}
	if !IsAvailableOn(m, eventDay) {
		return domain.Roster{}, IneligibleError{MusicianID: m.ID, Reason: "musician is unavailable on the event date"}
	}
	rs := domain.Roster{
		ID:         uuid.New().String(),
		MusicianID: m.ID,
		EventID:    ev.ID,
		Note:       opts.Note,
		Confirmed:  false,
		CreatedAt:  e.now().UTC().Format(time.RFC3339),
	}
	if opts.Instrument != "" {
		inst, err := e.getOrCreateInstrument(ctx, tx, opts.Instrument)
		if err != nil {
			return domain.Roster{}, err
		}
		rs.InstrumentID = &inst.ID
	}
	if err := e.Repo.InsertRoster(ctx, tx, rs); err != nil {
		if isUniqueViolation(err, "rosters") {
			return domain.Roster{}, DuplicateError{MusicianID: m.ID, EventID: ev.ID}
		}
		return domain.Roster{}, err
	}
	if err := e.Events.Append(ctx, tx, "roster.assigned", "roster", rs.ID, opts.ActorID, events.EventPayload{
		"musician_id": m.ID,
		"event_id":    ev.ID,
		"instrument":  opts.Instrument,
	}); err != nil {
		return domain.Roster{}, err
	}
	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err, "rosters") {
			return domain.Roster{}, DuplicateError{MusicianID: m.ID, EventID: ev.ID}
		}
		return domain.Roster{}, err
	}
	return rs, nil
}

// getOrCreateInstrument resolves an instrument by case-insensitive name,
// creating a title-cased entry on first use.
func (e Engine) getOrCreateInstrument(ctx context.Context, tx *sql.Tx, name string) (domain.Instrument, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.Instrument{}, ValidationError{Msg: "instrument name is empty"}
	}
	inst, err := e.Repo.GetInstrumentByNameTx(ctx, tx, name)
	if err == nil {
		return inst, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.Instrument{}, err
	}
	inst = domain.Instrument{ID: uuid.New().String(), Name: titleCase(name)}
	if err := e.Repo.InsertInstrumentTx(ctx, tx, inst); err != nil {
		// lost a race to another creator; re-read
		if isUniqueViolation(err, "instruments") {
			return e.Repo.GetInstrumentByNameTx(ctx, tx, name)
		}
		return domain.Instrument{}, err
	}
	return inst, nil
}

func titleCase(s string) string {
	words := strings.Fields(strings.ToLower(s))
	for i, w := range words {
		runes := []rune(w)
		runes[0] = unicode.ToUpper(runes[0])
		words[i] = string(runes)
	}
	return strings.Join(words, " ")
}

// Confirm marks a roster entry confirmed. The role check uses the resolved
// principal from the identity collaborator: the bound musician themself or a
// leader/admin.
func (e Engine) Confirm(ctx context.Context, rosterID string, p auth.Principal) (domain.Roster, error) {
	rs, err := e.Repo.GetRoster(ctx, rosterID)
	if err != nil {
		return rs, err
	}
	if !p.CanConfirm(rs.MusicianID) {
		return rs, auth.ForbiddenError{Action: "confirm this roster entry"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return rs, err
	}
	defer tx.Rollback()
	if err := e.Repo.SetRosterConfirmed(ctx, tx, rosterID, true); err != nil {
		return rs, err
	}
	if err := e.Events.Append(ctx, tx, "roster.confirmed", "roster", rosterID, p.MusicianID, events.EventPayload{
		"musician_id": rs.MusicianID,
		"event_id":    rs.EventID,
	}); err != nil {
		return rs, err
	}
	if err := tx.Commit(); err != nil {
		return rs, err
	}
	rs.Confirmed = true
	return rs, nil
}

// Unassign hard-deletes a roster entry.
func (e Engine) Unassign(ctx context.Context, rosterID, actorID string) error {
	rs, err := e.Repo.GetRoster(ctx, rosterID)
	if err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteRoster(ctx, tx, rosterID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "roster.unassigned", "roster", rosterID, actorID, events.EventPayload{
		"musician_id": rs.MusicianID,
		"event_id":    rs.EventID,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// ListByMusician returns a musician's roster entries, optionally restricted
// to future or confirmed ones.
func (e Engine) ListByMusician(ctx context.Context, musicianID string, futureOnly, confirmedOnly bool) ([]domain.RosterEntry, error) {
	if _, err := e.Repo.GetMusician(ctx, musicianID); err != nil {
		return nil, err
	}
	return e.Repo.ListByMusician(ctx, musicianID, repo.RosterFilters{
		FutureOnly:    futureOnly,
		ConfirmedOnly: confirmedOnly,
		Now:           e.now().UTC().Format(time.RFC3339),
	})
}

func (e Engine) ListByEvent(ctx context.Context, eventID string) ([]domain.RosterEntry, error) {
	if _, err := e.Repo.GetEvent(ctx, eventID); err != nil {
		return nil, err
	}
	return e.Repo.ListByEvent(ctx, eventID)
}
