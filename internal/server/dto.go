package server

import (
	"encoding/json"

	"rosterline/internal/domain"
)

// Request payloads

type CreateMusicianRequest struct {
	ID         *string `json:"id,omitempty"`
	Name       string  `json:"name"`
	Email      string  `json:"email" format:"email"`
	Phone      *string `json:"phone,omitempty"`
	Address    *string `json:"address,omitempty"`
	Instrument *string `json:"instrument,omitempty"`
}

type UpdateMusicianRequest struct {
	Name            *string `json:"name,omitempty"`
	Email           *string `json:"email,omitempty" format:"email"`
	Phone           *string `json:"phone,omitempty"`
	Address         *string `json:"address,omitempty"`
	Instrument      *string `json:"instrument,omitempty"`
	ClearInstrument bool    `json:"clear_instrument,omitempty"`
}

type AvailabilityRequest struct {
	Status string `json:"status" enum:"ACTIVE,INACTIVE,UNAVAILABLE"`
	From   string `json:"unavailable_from,omitempty" format:"date"`
	Until  string `json:"unavailable_until,omitempty" format:"date"`
	Reason string `json:"reason,omitempty"`
}

type CreateSongRequest struct {
	ID          *string `json:"id,omitempty"`
	Title       string  `json:"title"`
	Artist      string  `json:"artist"`
	Key         *string `json:"key,omitempty"`
	ChartLink   *string `json:"chart_link,omitempty"`
	YoutubeLink *string `json:"youtube_link,omitempty"`
}

type UpdateSongRequest struct {
	Title       *string `json:"title,omitempty"`
	Artist      *string `json:"artist,omitempty"`
	Key         *string `json:"key,omitempty"`
	ChartLink   *string `json:"chart_link,omitempty"`
	YoutubeLink *string `json:"youtube_link,omitempty"`
}

type CreateEventRequest struct {
	ID          *string  `json:"id,omitempty"`
	Name        string   `json:"name"`
	Category    string   `json:"category,omitempty" enum:"service,conference,cell,special"`
	ScheduledAt string   `json:"scheduled_at" format:"date-time"`
	Location    *string  `json:"location,omitempty"`
	Description *string  `json:"description,omitempty"`
	SongIDs     []string `json:"song_ids,omitempty"`
}

type UpdateEventRequest struct {
	Name          *string   `json:"name,omitempty"`
	Category      *string   `json:"category,omitempty" enum:"service,conference,cell,special"`
	ScheduledAt   *string   `json:"scheduled_at,omitempty" format:"date-time"`
	Location      *string   `json:"location,omitempty"`
	Description   *string   `json:"description,omitempty"`
	SongIDs       *[]string `json:"song_ids,omitempty"`
	AddSongIDs    []string  `json:"add_song_ids,omitempty"`
	RemoveSongIDs []string  `json:"remove_song_ids,omitempty"`
}

type AssignRequest struct {
	MusicianID string `json:"musician_id"`
	EventID    string `json:"event_id"`
	Instrument string `json:"instrument,omitempty"`
	Note       string `json:"note,omitempty"`
}

type CreateAPIKeyRequest struct {
	MusicianID string `json:"musician_id"`
	Role       string `json:"role" enum:"musician,leader,admin"`
	Name       string `json:"name,omitempty"`
}

type DevLoginRequest struct {
	MusicianID string `json:"musician_id"`
	Role       string `json:"role,omitempty" enum:"musician,leader,admin"`
}

// Response payloads

type DevLoginResponse struct {
	Token string `json:"token"`
}

type APIKeyCreatedResponse struct {
	ID         string `json:"id"`
	MusicianID string `json:"musician_id"`
	Role       string `json:"role"`
	Name       string `json:"name,omitempty"`
	Key        string `json:"key"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

type APIKeyResponse struct {
	ID         string `json:"id"`
	MusicianID string `json:"musician_id"`
	Role       string `json:"role"`
	Name       string `json:"name,omitempty"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

type ActivityResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id,omitempty"`
	Payload    map[string]any `json:"payload"`
}

type WhoAmIResponse struct {
	MusicianID string `json:"musician_id,omitempty"`
	Role       string `json:"role"`
	Source     string `json:"source"`
}

// Conversion helpers

func apiKeyResponse(k domain.APIKey) APIKeyResponse {
	return APIKeyResponse{
		ID:         k.ID,
		MusicianID: k.MusicianID,
		Role:       k.Role,
		Name:       k.Name,
		CreatedAt:  k.CreatedAt,
	}
}

func activityResponse(evt domain.ActivityEvent) ActivityResponse {
	return ActivityResponse{
		ID:         evt.ID,
		TS:         evt.TS,
		Type:       evt.Type,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		Payload:    decodeJSONMap(evt.Payload),
	}
}

func mapActivity(in []domain.ActivityEvent) []ActivityResponse {
	out := make([]ActivityResponse, 0, len(in))
	for _, evt := range in {
		out = append(out, activityResponse(evt))
	}
	return out
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(raw), &tmp); err != nil {
		return nil
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return nil
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func stringOrEmpty(in *string) string {
	if in == nil {
		return ""
	}
	return *in
}
