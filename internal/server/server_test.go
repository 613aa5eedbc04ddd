package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"rosterline/internal/config"
	"rosterline/internal/db"
	"rosterline/internal/domain"
	"rosterline/internal/engine"
	"rosterline/internal/migrate"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default("rosterline")
	cfg.Auth.JWTSecret = "test-secret"
	cfg.Auth.AllowLegacyActorHeader = true
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v1",
		Auth: AuthConfig{
			JWTSecret:              cfg.Auth.JWTSecret,
			AllowLegacyActorHeader: cfg.Auth.AllowLegacyActorHeader,
		},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

var adminHeader = map[string]string{"X-Actor-Id": "admin-cli"}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return envelope.Error.Code
}

func TestAssignFlowOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/musicians", map[string]any{
		"name":       "Ana Souza",
		"email":      "ana@example.org",
		"instrument": "electric guitar",
	}, adminHeader)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create musician status %d: %s", res.StatusCode, string(data))
	}
	var m domain.Musician
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal musician: %v", err)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/events", map[string]any{
		"name":         "Sunday Service",
		"scheduled_at": "2030-01-06T10:00:00Z",
	}, adminHeader)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create event status %d: %s", res.StatusCode, string(data))
	}
	var ev domain.Event
	_ = json.Unmarshal(data, &ev)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/rosters", map[string]any{
		"musician_id": m.ID,
		"event_id":    ev.ID,
		"instrument":  "drums",
	}, adminHeader)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("assign status %d: %s", res.StatusCode, string(data))
	}
	var rs domain.Roster
	_ = json.Unmarshal(data, &rs)

	// second assignment for the same pair must come back 409 with the envelope
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/rosters", map[string]any{
		"musician_id": m.ID,
		"event_id":    ev.ID,
	}, adminHeader)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate assign status %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "duplicate_assignment" {
		t.Fatalf("expected duplicate_assignment, got %q", code)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/events/"+ev.ID+"/rosters", nil, adminHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("event rosters status %d: %s", res.StatusCode, string(data))
	}
	var entries []domain.RosterEntry
	if err := json.Unmarshal(data, &entries); err != nil || len(entries) != 1 {
		t.Fatalf("expected one entry: %v %s", err, string(data))
	}
}

func TestIneligibleAssignmentStatus(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	_, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/musicians", map[string]any{
		"name": "Bea", "email": "bea@example.org",
	}, adminHeader)
	var m domain.Musician
	_ = json.Unmarshal(data, &m)

	res, data := doJSON(t, client, http.MethodPut, srv.URL+"/v1/musicians/"+m.ID+"/availability", map[string]any{
		"status":            "UNAVAILABLE",
		"unavailable_from":  "2030-01-01",
		"unavailable_until": "2030-01-10",
	}, adminHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("set availability status %d: %s", res.StatusCode, string(data))
	}

	_, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/events", map[string]any{
		"name": "Inside", "scheduled_at": "2030-01-05T10:00:00Z",
	}, adminHeader)
	var ev domain.Event
	_ = json.Unmarshal(data, &ev)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/rosters", map[string]any{
		"musician_id": m.ID, "event_id": ev.ID,
	}, adminHeader)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "ineligible_musician" {
		t.Fatalf("expected ineligible_musician, got %q", code)
	}

	// malformed interval is a 400 invalid_state
	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v1/musicians/"+m.ID+"/availability", map[string]any{
		"status": "UNAVAILABLE", "unavailable_from": "2030-01-10", "unavailable_until": "2030-01-01",
	}, adminHeader)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "invalid_state" {
		t.Fatalf("expected invalid_state, got %q", code)
	}
}

func TestConfirmWithJWTRoles(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	_, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/musicians", map[string]any{
		"name": "Caio", "email": "caio@example.org",
	}, adminHeader)
	var m domain.Musician
	_ = json.Unmarshal(data, &m)
	_, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/events", map[string]any{
		"name": "Service", "scheduled_at": "2030-01-05T10:00:00Z",
	}, adminHeader)
	var ev domain.Event
	_ = json.Unmarshal(data, &ev)
	_, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/rosters", map[string]any{
		"musician_id": m.ID, "event_id": ev.ID,
	}, adminHeader)
	var rs domain.Roster
	_ = json.Unmarshal(data, &rs)

	login := func(musicianID, role string) string {
		res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v1/auth/dev/login", map[string]any{
			"musician_id": musicianID, "role": role,
		}, nil)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("dev login status %d: %s", res.StatusCode, string(body))
		}
		var out DevLoginResponse
		if err := json.Unmarshal(body, &out); err != nil {
			t.Fatalf("unmarshal token: %v", err)
		}
		return out.Token
	}

	// another musician may not confirm
	otherToken := login("someone-else", "musician")
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/rosters/"+rs.ID+"/confirm", nil,
		map[string]string{"Authorization": "Bearer " + otherToken})
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", res.StatusCode, string(data))
	}

	// the bound musician may
	selfToken := login(m.ID, "musician")
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/rosters/"+rs.ID+"/confirm", nil,
		map[string]string{"Authorization": "Bearer " + selfToken})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("self confirm status %d: %s", res.StatusCode, string(data))
	}
	var confirmed domain.Roster
	if err := json.Unmarshal(data, &confirmed); err != nil || !confirmed.Confirmed {
		t.Fatalf("expected confirmed entry: %v %s", err, string(data))
	}

	// musicians cannot create events
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/events", map[string]any{
		"name": "Nope", "scheduled_at": "2030-02-01T10:00:00Z",
	}, map[string]string{"Authorization": "Bearer " + selfToken})
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for musician create event, got %d: %s", res.StatusCode, string(data))
	}
}

func TestUnauthorizedWithoutCredentials(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v1/musicians", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.StatusCode)
	}
	// health stays open
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", res.StatusCode)
	}
}

func TestAPIKeyAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	_, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/musicians", map[string]any{
		"name": "Dora", "email": "dora@example.org",
	}, adminHeader)
	var m domain.Musician
	_ = json.Unmarshal(data, &m)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/apikeys", map[string]any{
		"musician_id": m.ID,
		"role":        "leader",
		"name":        "dora's key",
	}, adminHeader)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create api key status %d: %s", res.StatusCode, string(data))
	}
	var created APIKeyCreatedResponse
	if err := json.Unmarshal(data, &created); err != nil || created.Key == "" {
		t.Fatalf("expected plaintext key: %v %s", err, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/me", nil,
		map[string]string{"X-Api-Key": created.Key})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me status %d: %s", res.StatusCode, string(data))
	}
	var who WhoAmIResponse
	if err := json.Unmarshal(data, &who); err != nil {
		t.Fatalf("unmarshal whoami: %v", err)
	}
	if who.MusicianID != m.ID || who.Role != "leader" || who.Source != "api_key" {
		t.Fatalf("unexpected principal: %+v", who)
	}

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v1/me", nil,
		map[string]string{"X-Api-Key": "rlk_bogus"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad key, got %d", res.StatusCode)
	}
}

func TestAnalyticsEndpoints(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/analytics/overload", nil, adminHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("overload status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/analytics/overload?threshold=-1", nil, adminHeader)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad threshold, got %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "invalid_parameter" {
		t.Fatalf("expected invalid_parameter, got %q", code)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/analytics/rotation", nil, adminHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("rotation status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/dashboard", nil, adminHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dashboard status %d: %s", res.StatusCode, string(data))
	}
}

// An explicit window_days=0 or cooldown_days=0 must reach the analytics
// engine as zero instead of being swapped for the config default.
func TestAnalyticsZeroWindowParams(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/musicians", map[string]any{
		"name": "Eva", "email": "eva@example.org",
	}, adminHeader)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create musician status %d: %s", res.StatusCode, string(data))
	}
	var m struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("decode musician: %v", err)
	}
	for _, at := range []string{"2030-01-05T10:00:00Z", "2030-01-07T10:00:00Z"} {
		res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/events", map[string]any{
			"name": "Service " + at, "category": "service", "scheduled_at": at,
		}, adminHeader)
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("create event status %d: %s", res.StatusCode, string(data))
		}
		var ev struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/rosters", map[string]any{
			"musician_id": m.ID, "event_id": ev.ID,
		}, adminHeader)
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("assign status %d: %s", res.StatusCode, string(data))
		}
	}

	// Two bookings two days apart: a streak under the default 7-day window.
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/analytics/overload?threshold=2", nil, adminHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("overload status %d: %s", res.StatusCode, string(data))
	}
	var alerts []struct {
		MaxStreak int `json:"max_streak"`
	}
	if err := json.Unmarshal(data, &alerts); err != nil {
		t.Fatalf("decode alerts: %v", err)
	}
	if len(alerts) != 1 || alerts[0].MaxStreak != 2 {
		t.Fatalf("expected one alert with streak 2, got %s", string(data))
	}

	// Same data with window_days=0: only same-day bookings chain, no alert.
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/analytics/overload?threshold=2&window_days=0", nil, adminHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("overload zero-window status %d: %s", res.StatusCode, string(data))
	}
	alerts = nil
	if err := json.Unmarshal(data, &alerts); err != nil {
		t.Fatalf("decode alerts: %v", err)
	}
	if len(alerts) != 0 {
		t.Fatalf("expected no alerts with zero window, got %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/analytics/rotation?cooldown_days=0", nil, adminHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("rotation zero-cooldown status %d: %s", res.StatusCode, string(data))
	}
}
