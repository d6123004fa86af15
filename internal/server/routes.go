package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"collabline/internal/domain"
	"collabline/internal/engine"
	"collabline/internal/notify"
	"collabline/internal/repo"
)

func registerMe(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		resp := WhoAmIResponse{UserID: principal.UserID, Source: principal.Source}
		if u, err := e.GetUser(ctx, principal.UserID); err == nil {
			resp.User = &u
		} else if !errors.Is(err, domain.ErrNotFound) {
			return nil, handleError(err)
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-me",
		Method:      http.MethodPut,
		Path:        "/me",
		Summary:     "Register or update the current user's display fields",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body UpdateMeRequest `json:"body"`
	}) (*struct {
		Body domain.User `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		u, err := e.UpsertUser(ctx, userID, input.Body.Name, input.Body.Image)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.User `json:"body"`
		}{Body: u}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/me/api-keys",
		Summary:       "Issue an API key for the current user",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body" required:"false"`
	}) (*struct {
		Body CreatedAPIKeyResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		plain, key, err := e.CreateAPIKey(ctx, userID, input.Body.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CreatedAPIKeyResponse `json:"body"`
		}{Body: CreatedAPIKeyResponse{APIKeyResponse: apiKeyResponse(key), Key: plain}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/me/api-keys",
		Summary:     "List the current user's API keys",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []APIKeyResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		keys, err := e.ListAPIKeys(ctx, userID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]APIKeyResponse, 0, len(keys))
		for _, k := range keys {
			out = append(out, apiKeyResponse(k))
		}
		return &struct {
			Body []APIKeyResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "revoke-api-key",
		Method:        http.MethodDelete,
		Path:          "/me/api-keys/{key_id}",
		Summary:       "Revoke one of the current user's API keys",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		KeyID string `path:"key_id"`
	}) (*struct{}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.RevokeAPIKey(ctx, input.KeyID, userID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerDevAuth(api huma.API, e engine.Engine, authCfg AuthConfig) {
	if !authCfg.DevLogin {
		return
	}
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: register a user and mint a JWT for local testing",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		if err := requireBody(ctx); err != nil {
			return nil, err
		}
		userID := strings.TrimSpace(input.Body.UserID)
		if userID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "user_id is required", nil)
		}
		u, err := e.GetUser(ctx, userID)
		if errors.Is(err, domain.ErrNotFound) || (err == nil && input.Body.Name != "" && input.Body.Name != u.Name) {
			u, err = e.UpsertUser(ctx, userID, input.Body.Name, u.Image)
		}
		if err != nil {
			return nil, handleError(err)
		}
		token, err := signDevToken(authCfg.JWTSecret, u.ID, u.Name, authCfg.TokenTTL, e.Now())
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token, User: u}}, nil
	})
}

func registerProjects(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*struct {
		Body domain.Project `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.CreateProject(ctx, engine.ProjectCreateOptions{
			OwnerID:     userID,
			Title:       input.Body.Title,
			Description: input.Body.Description,
			Visibility:  input.Body.Visibility,
			ProjectType: input.Body.ProjectType,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Project `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List visible projects",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		OwnerID string `query:"owner_id"`
		Status  string `query:"status" enum:"active,archived,"`
		Limit   int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.Project `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.ListProjects(ctx, repo.ProjectFilters{
			OwnerID: input.OwnerID,
			Status:  input.Status,
			Limit:   normalizeLimit(input.Limit),
		}, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Project `json:"body"`
		}{Body: nonNilProjects(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{id}",
		Summary:     "Get project",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"id"`
	}) (*struct {
		Body domain.Project `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.GetProject(ctx, input.ProjectID, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Project `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-project",
		Method:      http.MethodPatch,
		Path:        "/projects/{id}",
		Summary:     "Update project",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string               `path:"id"`
		Body      UpdateProjectRequest `json:"body"`
	}) (*struct {
		Body domain.Project `json:"body"`
	}, error) {
		if err := requireBody(ctx); err != nil {
			return nil, err
		}
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.UpdateProject(ctx, engine.ProjectUpdateOptions{
			ID:          input.ProjectID,
			ActorID:     userID,
			Title:       input.Body.Title,
			Description: input.Body.Description,
			Visibility:  input.Body.Visibility,
			Status:      input.Body.Status,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Project `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "remove-collaborator",
		Method:      http.MethodDelete,
		Path:        "/projects/{id}/collaborators/{user_id}",
		Summary:     "Remove a collaborator, or leave the project",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"id"`
		UserID    string `path:"user_id"`
	}) (*struct {
		Body domain.Project `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.RemoveCollaborator(ctx, input.ProjectID, input.UserID, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Project `json:"body"`
		}{Body: p}, nil
	})
}

func registerMissions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-mission",
		Method:        http.MethodPost,
		Path:          "/missions",
		Summary:       "Create mission",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateMissionRequest `json:"body"`
	}) (*struct {
		Body domain.Mission `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.CreateMission(ctx, engine.MissionCreateOptions{
			CreatorID:   userID,
			ProjectID:   input.Body.ProjectID,
			Title:       input.Body.Title,
			Description: input.Body.Description,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Mission `json:"body"`
		}{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-missions",
		Method:      http.MethodGet,
		Path:        "/missions",
		Summary:     "List visible missions",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ProjectID  string `query:"project_id"`
		CreatorID  string `query:"creator_id"`
		AssignedTo string `query:"assigned_to"`
		Status     string `query:"status" enum:"todo,in_progress,in_review,done,cancelled,"`
		Limit      int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.Mission `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.ListMissions(ctx, repo.MissionFilters{
			ProjectID:  input.ProjectID,
			CreatorID:  input.CreatorID,
			AssignedTo: input.AssignedTo,
			Status:     input.Status,
			Limit:      normalizeLimit(input.Limit),
		}, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Mission `json:"body"`
		}{Body: nonNilMissions(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-mission",
		Method:      http.MethodGet,
		Path:        "/missions/{id}",
		Summary:     "Get mission",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		MissionID string `path:"id"`
	}) (*struct {
		Body domain.Mission `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.GetMission(ctx, input.MissionID, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Mission `json:"body"`
		}{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-mission",
		Method:      http.MethodPatch,
		Path:        "/missions/{id}",
		Summary:     "Update mission",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		MissionID string               `path:"id"`
		Body      UpdateMissionRequest `json:"body"`
	}) (*struct {
		Body domain.Mission `json:"body"`
	}, error) {
		if err := requireBody(ctx); err != nil {
			return nil, err
		}
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.UpdateMission(ctx, engine.MissionUpdateOptions{
			ID:          input.MissionID,
			ActorID:     userID,
			Title:       input.Body.Title,
			Description: input.Body.Description,
			Status:      input.Body.Status,
			ProjectID:   input.Body.ProjectID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Mission `json:"body"`
		}{Body: m}, nil
	})
}

// registerApplications wires the same lifecycle routes under /projects and
// /missions.
func registerApplications(api huma.API, e engine.Engine) {
	for _, target := range []struct {
		kind, collection string
	}{
		{domain.TargetProject, "projects"},
		{domain.TargetMission, "missions"},
	} {
		kind := target.kind
		base := "/" + target.collection + "/{id}"

		huma.Register(api, huma.Operation{
			OperationID:   "submit-" + kind + "-application",
			Method:        http.MethodPost,
			Path:          base + "/applications",
			Summary:       "Apply to a " + kind,
			Tags:          []string{"applications"},
			DefaultStatus: http.StatusCreated,
			Errors: []int{
				http.StatusBadRequest,
				http.StatusUnauthorized,
				http.StatusNotFound,
				http.StatusConflict,
			},
		}, func(ctx context.Context, input *struct {
			ID   string                   `path:"id"`
			Body SubmitApplicationRequest `json:"body" required:"false"`
		}) (*struct {
			Body engine.Result `json:"body"`
		}, error) {
			userID, authErr := userIDFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			res, err := e.SubmitApplication(ctx, engine.SubmitOptions{
				TargetKind:  kind,
				TargetID:    input.ID,
				ApplicantID: userID,
				Message:     input.Body.Message,
				Kind:        input.Body.Kind,
				RecipientID: input.Body.RecipientID,
			})
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body engine.Result `json:"body"`
			}{Body: res}, nil
		})

		huma.Register(api, huma.Operation{
			OperationID: "list-" + kind + "-applications",
			Method:      http.MethodGet,
			Path:        base + "/applications",
			Summary:     "List applications to a " + kind,
			Tags:        []string{"applications"},
			Errors:      []int{http.StatusForbidden, http.StatusNotFound},
		}, func(ctx context.Context, input *struct {
			ID string `path:"id"`
		}) (*struct {
			Body domain.Applications `json:"body"`
		}, error) {
			userID, authErr := userIDFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			apps, err := e.ListApplications(ctx, kind, input.ID, userID)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body domain.Applications `json:"body"`
			}{Body: apps}, nil
		})

		huma.Register(api, huma.Operation{
			OperationID: "decide-" + kind + "-application",
			Method:      http.MethodPost,
			Path:        base + "/applications/{application_id}/decision",
			Summary:     "Accept or reject an application to a " + kind,
			Tags:        []string{"applications"},
			Errors: []int{
				http.StatusBadRequest,
				http.StatusForbidden,
				http.StatusNotFound,
				http.StatusConflict,
			},
		}, func(ctx context.Context, input *struct {
			ID            string          `path:"id"`
			ApplicationID string          `path:"application_id"`
			Body          DecisionRequest `json:"body"`
		}) (*struct {
			Body engine.Result `json:"body"`
		}, error) {
			userID, authErr := userIDFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			res, err := e.DecideApplication(ctx, engine.DecideOptions{
				TargetKind:    kind,
				TargetID:      input.ID,
				ApplicationID: input.ApplicationID,
				Action:        input.Body.Action,
				ActorID:       userID,
			})
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body engine.Result `json:"body"`
			}{Body: res}, nil
		})
	}
}

func registerNotifications(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-notifications",
		Method:      http.MethodGet,
		Path:        "/notifications",
		Summary:     "List the current user's notifications",
		Description: "Returns the pending inbox (unread and undecided) unless all=true.",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		All    bool   `query:"all"`
		Status string `query:"status" enum:"pending,read,accepted,rejected,"`
		Type   string `query:"type"`
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body notify.Page `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		page, err := e.Notify.List(ctx, userID, notify.Filter{
			PendingOnly: !input.All,
			Status:      input.Status,
			Type:        input.Type,
			Limit:       normalizeLimit(input.Limit),
			Cursor:      input.Cursor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		if page.Items == nil {
			page.Items = []domain.Notification{}
		}
		return &struct {
			Body notify.Page `json:"body"`
		}{Body: page}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reconcile-notification",
		Method:      http.MethodPost,
		Path:        "/notifications/{notification_id}/reconcile",
		Summary:     "Mark a notification read, accepted or rejected",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		NotificationID string           `path:"notification_id"`
		Body           ReconcileRequest `json:"body"`
	}) (*struct {
		Body domain.Notification `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		n, err := e.Notify.Reconcile(ctx, input.NotificationID, userID, input.Body.Outcome)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Notification `json:"body"`
		}{Body: n}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "decide-from-notification",
		Method:      http.MethodPost,
		Path:        "/notifications/{notification_id}/decision",
		Summary:     "Accept or reject the application a notification asks about",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		NotificationID string          `path:"notification_id"`
		Body           DecisionRequest `json:"body"`
	}) (*struct {
		Body engine.Result `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.DecideFromNotification(ctx, input.NotificationID, userID, input.Body.Action)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.Result `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "send-message-notification",
		Method:        http.MethodPost,
		Path:          "/notifications/messages",
		Summary:       "Record a new_message notification for the chat transport",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body SendMessageRequest `json:"body"`
	}) (*struct {
		Body domain.Notification `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		n, err := e.SendMessage(ctx, userID, input.Body.ToID, input.Body.Title, input.Body.Message)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Notification `json:"body"`
		}{Body: n}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent audit events",
		Description: "Without project_id only the caller's own events are returned.",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID  string `query:"project_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"project,mission,notification,"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.ListEvents(ctx, normalizeLimit(input.Limit), repo.EventFilters{
			ProjectID:  input.ProjectID,
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
		}, userID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]EventResponse, 0, len(items))
		for _, evt := range items {
			out = append(out, eventResponse(evt))
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: out}, nil
	})
}
