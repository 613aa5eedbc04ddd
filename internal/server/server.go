package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"rosterline/internal/analytics"
	"rosterline/internal/domain"
	"rosterline/internal/engine"
	"rosterline/internal/engine/auth"
	"rosterline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine    engine.Engine
	Analytics *analytics.Engine
	BasePath  string
	Auth      AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"duplicate_assignment"`
	Message string         `json:"message" example:"musician is already rostered for this event"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"musician_id\":\"m-1\"}"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Rosterline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	al := cfg.Analytics
	if al == nil {
		built := analytics.New(cfg.Engine.Repo)
		al = &built
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Rosterline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerDashboard(group, *al)
	registerMusicians(group, cfg.Engine)
	registerInstruments(group, cfg.Engine)
	registerSongs(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerRosters(group, cfg.Engine)
	registerAnalytics(group, cfg.Engine, *al)
	registerActivity(group, cfg.Engine)
	registerAPIKeys(group, cfg.Engine)
	registerMe(group)
	registerDevAuth(group, cfg.Auth)
	registerOpenAPI(router, api, basePath)

	startNotifier(cfg.Engine)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"action": fe.Action})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	var de engine.DuplicateError
	if errors.As(err, &de) {
		return newAPIError(http.StatusConflict, "duplicate_assignment", err.Error(), map[string]any{
			"musician_id": de.MusicianID,
			"event_id":    de.EventID,
		})
	}
	var ie engine.IneligibleError
	if errors.As(err, &ie) {
		return newAPIError(http.StatusUnprocessableEntity, "ineligible_musician", err.Error(), map[string]any{
			"musician_id": ie.MusicianID,
			"reason":      ie.Reason,
		})
	}
	var rce engine.ReferentialConflictError
	if errors.As(err, &rce) {
		return newAPIError(http.StatusConflict, "referential_conflict", err.Error(), map[string]any{
			"musician_id": rce.MusicianID,
			"rosters":     rce.Rosters,
		})
	}
	var ise engine.InvalidStateError
	if errors.As(err, &ise) {
		return newAPIError(http.StatusBadRequest, "invalid_state", err.Error(), nil)
	}
	var ve engine.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	}
	var pe analytics.InvalidParameterError
	if errors.As(err, &pe) {
		return newAPIError(http.StatusBadRequest, "invalid_parameter", err.Error(), map[string]any{"parameter": pe.Name})
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "ineligible_musician"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func requireManage(ctx context.Context) (auth.Principal, huma.StatusError) {
	p, authErr := requirePrincipal(ctx)
	if authErr != nil {
		return p, authErr
	}
	if !p.CanManage() {
		return p, handleError(auth.ForbiddenError{Action: "manage roster state"})
	}
	return p, nil
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	openPaths := map[string]bool{}
	for _, p := range []string{path.Join(basePath, "health"), path.Join(basePath, "auth/dev/login")} {
		if !strings.HasPrefix(p, "/") {
			p = "/" + p
		}
		openPaths[p] = true
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if openPaths[route] {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Rosterline API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerDashboard(api huma.API, al analytics.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "dashboard",
		Method:      http.MethodGet,
		Path:        "/dashboard",
		Summary:     "Dashboard summary",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body analytics.Summary `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := al.Summary(ctx, p)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body analytics.Summary `json:"body"`
		}{Body: s}, nil
	})
}

func registerMusicians(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-musician",
		Method:        http.MethodPost,
		Path:          "/musicians",
		Summary:       "Create musician",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateMusicianRequest `json:"body"`
	}) (*struct {
		Body domain.Musician `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		p, authErr := requireManage(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.MusicianCreateOptions{
			Name:       input.Body.Name,
			Email:      input.Body.Email,
			Phone:      stringOrEmpty(input.Body.Phone),
			Address:    stringOrEmpty(input.Body.Address),
			Instrument: stringOrEmpty(input.Body.Instrument),
			ActorID:    p.MusicianID,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		m, err := e.CreateMusician(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Musician `json:"body"`
		}{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-musicians",
		Method:      http.MethodGet,
		Path:        "/musicians",
		Summary:     "List musicians",
	}, func(ctx context.Context, input *struct {
		Status     string `query:"status" enum:"ACTIVE,INACTIVE,UNAVAILABLE"`
		Instrument string `query:"instrument_id"`
	}) (*struct {
		Body []domain.Musician `json:"body"`
	}, error) {
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListMusicians(ctx, repo.MusicianFilters{
			Status:       input.Status,
			InstrumentID: input.Instrument,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Musician `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-musician",
		Method:      http.MethodGet,
		Path:        "/musicians/{musician_id}",
		Summary:     "Get musician",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		MusicianID string `path:"musician_id"`
	}) (*struct {
		Body domain.Musician `json:"body"`
	}, error) {
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		m, err := e.Repo.GetMusician(ctx, input.MusicianID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Musician `json:"body"`
		}{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-musician",
		Method:      http.MethodPatch,
		Path:        "/musicians/{musician_id}",
		Summary:     "Update musician",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		MusicianID string                `path:"musician_id"`
		Body       UpdateMusicianRequest `json:"body"`
	}) (*struct {
		Body domain.Musician `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if !p.CanEditMusician(input.MusicianID) {
			return nil, handleError(auth.ForbiddenError{Action: "edit this musician"})
		}
		m, err := e.UpdateMusician(ctx, engine.MusicianUpdateOptions{
			ID:              input.MusicianID,
			Name:            input.Body.Name,
			Email:           input.Body.Email,
			Phone:           input.Body.Phone,
			Address:         input.Body.Address,
			Instrument:      input.Body.Instrument,
			ClearInstrument: input.Body.ClearInstrument,
			ActorID:         p.MusicianID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Musician `json:"body"`
		}{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-musician-availability",
		Method:      http.MethodPut,
		Path:        "/musicians/{musician_id}/availability",
		Summary:     "Set availability state",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		MusicianID string              `path:"musician_id"`
		Body       AvailabilityRequest `json:"body"`
	}) (*struct {
		Body domain.Musician `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if !p.CanEditMusician(input.MusicianID) {
			return nil, handleError(auth.ForbiddenError{Action: "change this musician's availability"})
		}
		m, err := e.SetAvailability(ctx, engine.AvailabilityOptions{
			ID:      input.MusicianID,
			Status:  input.Body.Status,
			From:    input.Body.From,
			Until:   input.Body.Until,
			Reason:  input.Body.Reason,
			ActorID: p.MusicianID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Musician `json:"body"`
		}{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-musician",
		Method:      http.MethodDelete,
		Path:        "/musicians/{musician_id}",
		Summary:     "Delete musician",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		MusicianID string `path:"musician_id"`
	}) (*struct{}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if !p.CanAdminister() {
			return nil, handleError(auth.ForbiddenError{Action: "delete musicians"})
		}
		if err := e.DeleteMusician(ctx, input.MusicianID, p.MusicianID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-musician-rosters",
		Method:      http.MethodGet,
		Path:        "/musicians/{musician_id}/rosters",
		Summary:     "List a musician's roster entries",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		MusicianID string `path:"musician_id"`
		Future     bool   `query:"future"`
		Confirmed  bool   `query:"confirmed"`
	}) (*struct {
		Body []domain.RosterEntry `json:"body"`
	}, error) {
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.ListByMusician(ctx, input.MusicianID, input.Future, input.Confirmed)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.RosterEntry `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})
}

func registerInstruments(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-instruments",
		Method:      http.MethodGet,
		Path:        "/instruments",
		Summary:     "List instruments",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Instrument `json:"body"`
	}, error) {
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListInstruments(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Instrument `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})
}

func registerSongs(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-song",
		Method:        http.MethodPost,
		Path:          "/songs",
		Summary:       "Create song",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateSongRequest `json:"body"`
	}) (*struct {
		Body domain.Song `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		p, authErr := requireManage(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.SongOptions{
			Title:       input.Body.Title,
			Artist:      input.Body.Artist,
			Key:         stringOrEmpty(input.Body.Key),
			ChartLink:   stringOrEmpty(input.Body.ChartLink),
			YoutubeLink: stringOrEmpty(input.Body.YoutubeLink),
			ActorID:     p.MusicianID,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		s, err := e.CreateSong(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Song `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-songs",
		Method:      http.MethodGet,
		Path:        "/songs",
		Summary:     "List songs",
	}, func(ctx context.Context, input *struct {
		Search string `query:"search"`
	}) (*struct {
		Body []domain.Song `json:"body"`
	}, error) {
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListSongs(ctx, input.Search)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Song `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-song",
		Method:      http.MethodGet,
		Path:        "/songs/{song_id}",
		Summary:     "Get song",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SongID string `path:"song_id"`
	}) (*struct {
		Body domain.Song `json:"body"`
	}, error) {
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		s, err := e.Repo.GetSong(ctx, input.SongID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Song `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-song",
		Method:      http.MethodPatch,
		Path:        "/songs/{song_id}",
		Summary:     "Update song",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		SongID string            `path:"song_id"`
		Body   UpdateSongRequest `json:"body"`
	}) (*struct {
		Body domain.Song `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if _, authErr := requireManage(ctx); authErr != nil {
			return nil, authErr
		}
		if err := e.Repo.UpdateSong(ctx, input.SongID, input.Body.Title, input.Body.Artist, input.Body.Key, input.Body.ChartLink, input.Body.YoutubeLink); err != nil {
			return nil, handleError(err)
		}
		s, err := e.Repo.GetSong(ctx, input.SongID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Song `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-song",
		Method:      http.MethodDelete,
		Path:        "/songs/{song_id}",
		Summary:     "Delete song",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		SongID string `path:"song_id"`
	}) (*struct{}, error) {
		if _, authErr := requireManage(ctx); authErr != nil {
			return nil, authErr
		}
		if err := e.Repo.DeleteSong(ctx, input.SongID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "song-usage",
		Method:      http.MethodGet,
		Path:        "/songs/usage",
		Summary:     "Song usage counts",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []repo.SongUsage `json:"body"`
	}, error) {
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListSongUsage(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []repo.SongUsage `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-event",
		Method:        http.MethodPost,
		Path:          "/events",
		Summary:       "Create event",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateEventRequest `json:"body"`
	}) (*struct {
		Body domain.Event `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		p, authErr := requireManage(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.EventCreateOptions{
			Name:        input.Body.Name,
			Category:    input.Body.Category,
			ScheduledAt: input.Body.ScheduledAt,
			Location:    stringOrEmpty(input.Body.Location),
			Description: stringOrEmpty(input.Body.Description),
			SongIDs:     input.Body.SongIDs,
			ActorID:     p.MusicianID,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		ev, err := e.CreateEvent(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Event `json:"body"`
		}{Body: ev}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List events",
	}, func(ctx context.Context, input *struct {
		Category string `query:"category" enum:"service,conference,cell,special"`
		From     string `query:"from" format:"date-time"`
		To       string `query:"to" format:"date-time"`
		Limit    int    `query:"limit"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListEvents(ctx, repo.EventFilters{
			Category: input.Category,
			From:     input.From,
			To:       input.To,
			Limit:    input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-event",
		Method:      http.MethodGet,
		Path:        "/events/{event_id}",
		Summary:     "Get event",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		EventID string `path:"event_id"`
	}) (*struct {
		Body domain.Event `json:"body"`
	}, error) {
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		ev, err := e.Repo.GetEvent(ctx, input.EventID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Event `json:"body"`
		}{Body: ev}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-event",
		Method:      http.MethodPatch,
		Path:        "/events/{event_id}",
		Summary:     "Update event",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		EventID string             `path:"event_id"`
		Body    UpdateEventRequest `json:"body"`
	}) (*struct {
		Body domain.Event `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		p, authErr := requireManage(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.EventUpdateOptions{
			ID:          input.EventID,
			Name:        input.Body.Name,
			Category:    input.Body.Category,
			ScheduledAt: input.Body.ScheduledAt,
			Location:    input.Body.Location,
			Description: input.Body.Description,
			AddSongs:    input.Body.AddSongIDs,
			RemoveSongs: input.Body.RemoveSongIDs,
			ActorID:     p.MusicianID,
		}
		if input.Body.SongIDs != nil {
			opts.SongsSet = true
			opts.SetSongs = *input.Body.SongIDs
		}
		ev, err := e.UpdateEvent(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Event `json:"body"`
		}{Body: ev}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-event",
		Method:      http.MethodDelete,
		Path:        "/events/{event_id}",
		Summary:     "Delete event",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		EventID string `path:"event_id"`
	}) (*struct{}, error) {
		p, authErr := requireManage(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteEvent(ctx, input.EventID, p.MusicianID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-event-rosters",
		Method:      http.MethodGet,
		Path:        "/events/{event_id}/rosters",
		Summary:     "List an event's roster entries",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		EventID string `path:"event_id"`
	}) (*struct {
		Body []domain.RosterEntry `json:"body"`
	}, error) {
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.ListByEvent(ctx, input.EventID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.RosterEntry `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})
}

func registerRosters(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "assign-musician",
		Method:        http.MethodPost,
		Path:          "/rosters",
		Summary:       "Assign a musician to an event",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Body AssignRequest `json:"body"`
	}) (*struct {
		Body domain.Roster `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.MusicianID == "" || input.Body.EventID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "musician_id and event_id are required", nil)
		}
		p, authErr := requireManage(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rs, err := e.Assign(ctx, engine.AssignOptions{
			MusicianID: input.Body.MusicianID,
			EventID:    input.Body.EventID,
			Instrument: input.Body.Instrument,
			Note:       input.Body.Note,
			ActorID:    p.MusicianID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Roster `json:"body"`
		}{Body: rs}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-roster",
		Method:      http.MethodGet,
		Path:        "/rosters/{roster_id}",
		Summary:     "Get roster entry",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RosterID string `path:"roster_id"`
	}) (*struct {
		Body domain.Roster `json:"body"`
	}, error) {
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		rs, err := e.Repo.GetRoster(ctx, input.RosterID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Roster `json:"body"`
		}{Body: rs}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "confirm-roster",
		Method:      http.MethodPost,
		Path:        "/rosters/{roster_id}/confirm",
		Summary:     "Confirm a roster entry",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		RosterID string `path:"roster_id"`
	}) (*struct {
		Body domain.Roster `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rs, err := e.Confirm(ctx, input.RosterID, p)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Roster `json:"body"`
		}{Body: rs}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "unassign-musician",
		Method:      http.MethodDelete,
		Path:        "/rosters/{roster_id}",
		Summary:     "Remove a roster entry",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		RosterID string `path:"roster_id"`
	}) (*struct{}, error) {
		p, authErr := requireManage(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.Unassign(ctx, input.RosterID, p.MusicianID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerAnalytics(api huma.API, e engine.Engine, al analytics.Engine) {
	defaults := e.Config.Analytics

	huma.Register(api, huma.Operation{
		OperationID: "analytics-overload",
		Method:      http.MethodGet,
		Path:        "/analytics/overload",
		Summary:     "Overloaded musicians",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Threshold  int  `query:"threshold"`
		WindowDays *int `query:"window_days"`
	}) (*struct {
		Body []analytics.OverloadAlert `json:"body"`
	}, error) {
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		threshold := input.Threshold
		if threshold == 0 {
			threshold = defaults.OverloadThreshold
		}
		// Zero is a legal window (same-day streaks only), so absence is
		// detected by pointer, not value.
		window := defaults.OverloadWindowDays
		if input.WindowDays != nil {
			window = *input.WindowDays
		}
		items, err := al.OverloadAlerts(ctx, threshold, window)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []analytics.OverloadAlert `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "analytics-most-booked",
		Method:      http.MethodGet,
		Path:        "/analytics/most-booked",
		Summary:     "Most-booked active musicians",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Top int `query:"top"`
	}) (*struct {
		Body []analytics.RankingEntry `json:"body"`
	}, error) {
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		top := input.Top
		if top == 0 {
			top = defaults.TopN
		}
		items, err := al.MostBooked(ctx, top)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []analytics.RankingEntry `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "analytics-least-booked",
		Method:      http.MethodGet,
		Path:        "/analytics/least-booked",
		Summary:     "Least-booked active musicians in a window",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		From string `query:"from" format:"date-time"`
		To   string `query:"to" format:"date-time"`
		Top  int    `query:"top"`
	}) (*struct {
		Body []analytics.RankingEntry `json:"body"`
	}, error) {
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		top := input.Top
		if top == 0 {
			top = defaults.TopN
		}
		now := time.Now().UTC()
		from, to := now.AddDate(0, -1, 0), now
		var err error
		if input.From != "" {
			if from, err = time.Parse(time.RFC3339, input.From); err != nil {
				return nil, newAPIError(http.StatusBadRequest, "invalid_parameter", fmt.Sprintf("from: invalid timestamp %q", input.From), nil)
			}
		}
		if input.To != "" {
			if to, err = time.Parse(time.RFC3339, input.To); err != nil {
				return nil, newAPIError(http.StatusBadRequest, "invalid_parameter", fmt.Sprintf("to: invalid timestamp %q", input.To), nil)
			}
		}
		items, err := al.LeastBooked(ctx, from, to, top)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []analytics.RankingEntry `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "analytics-rotation",
		Method:      http.MethodGet,
		Path:        "/analytics/rotation",
		Summary:     "Repertoire rotation suggestions",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		CooldownDays *int `query:"cooldown_days"`
		Top          int  `query:"top"`
	}) (*struct {
		Body []analytics.RotationSuggestion `json:"body"`
	}, error) {
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		// Cooldown zero means no exclusion window; distinguish it from absent.
		cooldown := defaults.RotationCooldownDays
		if input.CooldownDays != nil {
			cooldown = *input.CooldownDays
		}
		top := input.Top
		if top == 0 {
			top = defaults.TopN
		}
		items, err := al.RotationSuggestions(ctx, cooldown, top)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []analytics.RotationSuggestion `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})
}

func registerActivity(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-activity",
		Method:      http.MethodGet,
		Path:        "/activity",
		Summary:     "Recent activity",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Limit      int    `query:"limit"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
	}) (*struct {
		Body []ActivityResponse `json:"body"`
	}, error) {
		if _, authErr := requireManage(ctx); authErr != nil {
			return nil, authErr
		}
		limit := input.Limit
		if limit <= 0 || limit > 500 {
			limit = 100
		}
		items, err := e.Repo.LatestActivity(ctx, limit, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ActivityResponse `json:"body"`
		}{Body: mapActivity(items)}, nil
	})
}

func registerAPIKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/apikeys",
		Summary:       "Create API key",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body APIKeyCreatedResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if !p.CanAdminister() {
			return nil, handleError(auth.ForbiddenError{Action: "manage api keys"})
		}
		if input.Body.MusicianID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "musician_id is required", nil)
		}
		if _, err := e.Repo.GetMusician(ctx, input.Body.MusicianID); err != nil {
			return nil, handleError(err)
		}
		secret, err := NewAPIKeySecret()
		if err != nil {
			return nil, handleError(err)
		}
		key := domain.APIKey{
			ID:         uuid.New().String(),
			MusicianID: input.Body.MusicianID,
			Role:       auth.ParseRole(input.Body.Role).String(),
			Name:       input.Body.Name,
			KeyHash:    repo.HashAPIKey(secret),
		}
		if err := e.Repo.InsertAPIKey(ctx, key); err != nil {
			return nil, handleError(err)
		}
		stored, err := e.Repo.GetAPIKeyByHash(ctx, key.KeyHash)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body APIKeyCreatedResponse `json:"body"`
		}{Body: APIKeyCreatedResponse{
			ID:         stored.ID,
			MusicianID: stored.MusicianID,
			Role:       stored.Role,
			Name:       stored.Name,
			Key:        secret,
			CreatedAt:  stored.CreatedAt,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/apikeys",
		Summary:     "List API keys",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		MusicianID string `query:"musician_id"`
	}) (*struct {
		Body []APIKeyResponse `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if !p.CanAdminister() {
			return nil, handleError(auth.ForbiddenError{Action: "manage api keys"})
		}
		items, err := e.Repo.ListAPIKeys(ctx, input.MusicianID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]APIKeyResponse, 0, len(items))
		for _, k := range items {
			out = append(out, apiKeyResponse(k))
		}
		return &struct {
			Body []APIKeyResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-api-key",
		Method:      http.MethodDelete,
		Path:        "/apikeys/{key_id}",
		Summary:     "Delete API key",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		KeyID string `path:"key_id"`
	}) (*struct{}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if !p.CanAdminister() {
			return nil, handleError(auth.ForbiddenError{Action: "manage api keys"})
		}
		if err := e.Repo.DeleteAPIKey(ctx, input.KeyID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			MusicianID: p.MusicianID,
			Role:       p.Role.String(),
			Source:     p.Source,
		}}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		musician := strings.TrimSpace(input.Body.MusicianID)
		if musician == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "musician_id is required", nil)
		}
		token, err := signToken(authCfg.JWTSecret, musician, auth.ParseRole(input.Body.Role), 24*time.Hour)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
}
