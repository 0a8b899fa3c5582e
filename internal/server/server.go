// Package server exposes the mission store over a read-only HTTP API for
// dashboards and external auditors. Mutations go through the CLI and engine.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"missionline/internal/domain"
	"missionline/internal/engine"
	"missionline/internal/journal"
	"missionline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	Journal  journal.Journal
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Missionline API.
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Missionline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerMissions(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerTimeline(group, cfg.Engine)
	registerMessages(group, cfg.Engine)
	registerJournal(group, cfg.Journal)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body:   apiErrorBody{Code: code, Message: message, Details: details},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	var transition domain.InvalidStateTransitionError
	if errors.As(err, &transition) {
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), map[string]any{
			"actual": transition.Actual,
			"target": transition.Target,
		})
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
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
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

type MissionPath struct {
	MissionID string `path:"mission_id"`
}

type TaskPath struct {
	TaskID string `path:"task_id"`
}

func registerMissions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-missions",
		Method:      http.MethodGet,
		Path:        "/missions",
		Summary:     "List missions",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Mission `json:"body"`
	}, error) {
		missions, err := e.Repo.ListMissions(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Mission `json:"body"`
		}{Body: missions}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-mission",
		Method:      http.MethodGet,
		Path:        "/missions/{mission_id}",
		Summary:     "Mission detail",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *MissionPath) (*struct {
		Body domain.Mission `json:"body"`
	}, error) {
		m, err := e.Repo.GetMission(ctx, input.MissionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Mission `json:"body"`
		}{Body: m}, nil
	})
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-mission-tasks",
		Method:      http.MethodGet,
		Path:        "/missions/{mission_id}/tasks",
		Summary:     "Tasks of a mission",
	}, func(ctx context.Context, input *MissionPath) (*struct {
		Body []domain.MissionTask `json:"body"`
	}, error) {
		tasks, err := e.Repo.ListTasks(ctx, input.MissionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.MissionTask `json:"body"`
		}{Body: tasks}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}",
		Summary:     "Task detail",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *TaskPath) (*struct {
		Body domain.MissionTask `json:"body"`
	}, error) {
		task, err := e.Repo.GetTask(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.MissionTask `json:"body"`
		}{Body: task}, nil
	})
}

func registerTimeline(api huma.API, e engine.Engine) {
	type timelineQuery struct {
		MissionPath
		Limit int `query:"limit" default:"100" minimum:"1" maximum:"1000"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "mission-timeline",
		Method:      http.MethodGet,
		Path:        "/missions/{mission_id}/timeline",
		Summary:     "Mission timeline events, newest first",
	}, func(ctx context.Context, input *timelineQuery) (*struct {
		Body []domain.TimelineEvent `json:"body"`
	}, error) {
		events, err := e.Repo.ListTimelineByMission(ctx, input.MissionID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.TimelineEvent `json:"body"`
		}{Body: events}, nil
	})

	type taskTimelineQuery struct {
		TaskPath
		Limit int `query:"limit" default:"100" minimum:"1" maximum:"1000"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "task-timeline",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}/timeline",
		Summary:     "Task timeline events, newest first",
	}, func(ctx context.Context, input *taskTimelineQuery) (*struct {
		Body []domain.TimelineEvent `json:"body"`
	}, error) {
		events, err := e.Repo.ListTimelineByTask(ctx, input.TaskID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.TimelineEvent `json:"body"`
		}{Body: events}, nil
	})
}

func registerMessages(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-mission-messages",
		Method:      http.MethodGet,
		Path:        "/missions/{mission_id}/messages",
		Summary:     "Inter-agent messages of a mission",
	}, func(ctx context.Context, input *MissionPath) (*struct {
		Body []domain.AgentMessage `json:"body"`
	}, error) {
		msgs, err := e.Repo.ListMessages(ctx, input.MissionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.AgentMessage `json:"body"`
		}{Body: msgs}, nil
	})
}

type verifyResponse struct {
	OK     bool     `json:"ok"`
	Breaks []string `json:"breaks,omitempty"`
}

func registerJournal(api huma.API, j journal.Journal) {
	huma.Register(api, huma.Operation{
		OperationID: "verify-journal",
		Method:      http.MethodGet,
		Path:        "/missions/{mission_id}/journal/verify",
		Summary:     "Verify the mission's hash chain",
	}, func(ctx context.Context, input *MissionPath) (*struct {
		Body verifyResponse `json:"body"`
	}, error) {
		ok, breaks, err := j.VerifyIntegrity(ctx, input.MissionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body verifyResponse `json:"body"`
		}{Body: verifyResponse{OK: ok, Breaks: breaks}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "export-journal",
		Method:      http.MethodGet,
		Path:        "/missions/{mission_id}/journal/export",
		Summary:     "Export the journal bundle for external audit",
	}, func(ctx context.Context, input *MissionPath) (*struct {
		Body journal.Bundle `json:"body"`
	}, error) {
		bundle, err := j.ExportBundle(ctx, input.MissionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body journal.Bundle `json:"body"`
		}{Body: bundle}, nil
	})
}
