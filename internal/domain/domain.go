package domain

// Musician availability states.
const (
	StatusActive      = "ACTIVE"
	StatusInactive    = "INACTIVE"
	StatusUnavailable = "UNAVAILABLE"
)

// Event categories.
const (
	EventService    = "service"
	EventConference = "conference"
	EventCell       = "cell"
	EventSpecial    = "special"
)

type Musician struct {
	ID                string  `json:"id"`
	Name              string  `json:"name"`
	Email             string  `json:"email"`
	Phone             string  `json:"phone,omitempty"`
	Address           string  `json:"address,omitempty"`
	InstrumentID      *string `json:"instrument_id,omitempty"`
	Status            string  `json:"status" enum:"ACTIVE,INACTIVE,UNAVAILABLE"`
	UnavailableFrom   *string `json:"unavailable_from,omitempty" format:"date"`
	UnavailableUntil  *string `json:"unavailable_until,omitempty" format:"date"`
	UnavailableReason string  `json:"unavailable_reason,omitempty"`
	CreatedAt         string  `json:"created_at" format:"date-time"`
}

type Instrument struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type Song struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Artist      string `json:"artist"`
	Key         string `json:"key,omitempty"`
	ChartLink   string `json:"chart_link,omitempty"`
	YoutubeLink string `json:"youtube_link,omitempty"`
}

type Event struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Category    string   `json:"category" enum:"service,conference,cell,special"`
	ScheduledAt string   `json:"scheduled_at" format:"date-time"`
	Location    string   `json:"location"`
	Description string   `json:"description,omitempty"`
	SongIDs     []string `json:"song_ids,omitempty"`
	CreatedAt   string   `json:"created_at" format:"date-time"`
}

// Roster binds one musician to one event. CreatedAt is immutable once set.
type Roster struct {
	ID           string  `json:"id"`
	MusicianID   string  `json:"musician_id"`
	EventID      string  `json:"event_id"`
	InstrumentID *string `json:"instrument_id,omitempty"`
	Note         string  `json:"note,omitempty"`
	Confirmed    bool    `json:"confirmed"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
}

// RosterEntry is a roster row joined with its event schedule, the shape the
// analytics walks consume.
type RosterEntry struct {
	Roster
	EventName   string `json:"event_name"`
	ScheduledAt string `json:"scheduled_at" format:"date-time"`
}

// ActivityEvent is one row of the append-only activity ledger.
type ActivityEvent struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID         string `json:"id"`
	MusicianID string `json:"musician_id"`
	Role       string `json:"role"`
	Name       string `json:"name,omitempty"`
	KeyHash    string `json:"key_hash"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}
