package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"tallybot/internal/domain"
	"tallybot/internal/engine"
	"tallybot/internal/scoreboard"
	"tallybot/internal/store"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"request not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the read-only Tallybot API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Tallybot API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerScoreboard(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerPending(group, cfg.Engine)
	registerEvents(group, cfg.Engine)

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
	if errors.Is(err, store.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, engine.ErrInvalidArgument) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// UserResponse is one scoreboard row.
type UserResponse struct {
	DiscordID string  `json:"discord_id"`
	Username  string  `json:"username"`
	Nickname  string  `json:"nickname"`
	Score     float64 `json:"score"`
	CreatedAt string  `json:"created_at"`
}

type TaskResponse struct {
	TaskID      int64   `json:"task_id"`
	Description string  `json:"description"`
	Points      float64 `json:"points"`
	Status      string  `json:"status"`
	CreatedAt   string  `json:"created_at"`
}

type RequestResponse struct {
	ID                string  `json:"id"`
	Type              string  `json:"type"`
	Status            string  `json:"status"`
	RequesterID       string  `json:"requester_id"`
	RequesterNickname string  `json:"requester_nickname"`
	ApproverID        string  `json:"approver_id,omitempty"`
	ApproverNickname  string  `json:"approver_nickname,omitempty"`
	Points            float64 `json:"points"`
	Description       string  `json:"description"`
	TaskID            *int64  `json:"task_id,omitempty"`
	CreatedAt         string  `json:"created_at"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

func userResponse(u domain.User) UserResponse {
	return UserResponse{
		DiscordID: u.DiscordID,
		Username:  u.Username,
		Nickname:  u.Nickname,
		Score:     u.Score,
		CreatedAt: u.CreatedAt,
	}
}

func taskResponse(t domain.Task) TaskResponse {
	return TaskResponse{
		TaskID:      t.TaskID,
		Description: t.Description,
		Points:      t.Points,
		Status:      t.Status,
		CreatedAt:   t.CreatedAt,
	}
}

func requestResponse(r domain.PendingRequest) RequestResponse {
	return RequestResponse{
		ID:                r.ID,
		Type:              r.Type,
		Status:            r.Status,
		RequesterID:       r.RequesterID,
		RequesterNickname: r.RequesterNickname,
		ApproverID:        r.ApproverID,
		ApproverNickname:  r.ApproverNickname,
		Points:            r.Points,
		Description:       r.Description,
		TaskID:            r.TaskID,
		CreatedAt:         r.CreatedAt,
	}
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

func registerScoreboard(api huma.API, e engine.Engine) {
	type scoreboardBody struct {
		Users    []UserResponse `json:"users"`
		Rendered string         `json:"rendered"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "scoreboard",
		Method:      http.MethodGet,
		Path:        "/scoreboard",
		Summary:     "Current scoreboard",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body scoreboardBody `json:"body"`
	}, error) {
		users, err := e.Ledger.ListUsers(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		body := scoreboardBody{Users: []UserResponse{}, Rendered: scoreboard.Render(users)}
		for _, u := range users {
			body.Users = append(body.Users, userResponse(u))
		}
		return &struct {
			Body scoreboardBody `json:"body"`
		}{Body: body}, nil
	})
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" default:"approved"`
	}) (*struct {
		Body []TaskResponse `json:"body"`
	}, error) {
		tasks, err := e.Ledger.ListTasks(ctx, input.Status)
		if err != nil {
			return nil, handleError(err)
		}
		out := []TaskResponse{}
		for _, t := range tasks {
			out = append(out, taskResponse(t))
		}
		return &struct {
			Body []TaskResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		t, err := e.Ledger.GetTask(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})
}

func registerPending(api huma.API, e engine.Engine) {
	type pendingBody struct {
		Pending []RequestResponse `json:"pending"`
		Ongoing []RequestResponse `json:"ongoing"`
		Review  []RequestResponse `json:"review"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "pending",
		Method:      http.MethodGet,
		Path:        "/pending",
		Summary:     "Open requests grouped by status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body pendingBody `json:"body"`
	}, error) {
		body := pendingBody{
			Pending: []RequestResponse{},
			Ongoing: []RequestResponse{},
			Review:  []RequestResponse{},
		}
		for _, group := range []struct {
			status string
			dst    *[]RequestResponse
		}{
			{domain.StatusPending, &body.Pending},
			{domain.StatusOngoing, &body.Ongoing},
			{domain.StatusReview, &body.Review},
		} {
			reqs, err := e.Requests.ListByStatus(ctx, group.status)
			if err != nil {
				return nil, handleError(err)
			}
			for _, r := range reqs {
				*group.dst = append(*group.dst, requestResponse(r))
			}
		}
		return &struct {
			Body pendingBody `json:"body"`
		}{Body: body}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Audit log, newest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"50"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		items, err := e.Events.List(ctx, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		out := []EventResponse{}
		for _, ev := range items {
			out = append(out, EventResponse{
				ID:         ev.ID,
				TS:         ev.TS,
				Type:       ev.Type,
				EntityKind: ev.EntityKind,
				EntityID:   ev.EntityID,
				ActorID:    ev.ActorID,
				Payload:    ev.Payload,
			})
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: out}, nil
	})
}
