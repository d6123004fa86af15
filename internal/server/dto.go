package server

import (
	"encoding/json"

	"collabline/internal/domain"
)

// Request payloads

type UpdateMeRequest struct {
	Name  string `json:"name" minLength:"1"`
	Image string `json:"image,omitempty"`
}

type DevLoginRequest struct {
	UserID string `json:"user_id" minLength:"1"`
	Name   string `json:"name,omitempty"`
}

type CreateAPIKeyRequest struct {
	Name string `json:"name,omitempty"`
}

type CreateProjectRequest struct {
	Title       string `json:"title" minLength:"1"`
	Description string `json:"description,omitempty"`
	Visibility  string `json:"visibility,omitempty" enum:"public,private"`
	ProjectType string `json:"project_type,omitempty" enum:"personal,collaborative"`
}

type UpdateProjectRequest struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	Visibility  *string `json:"visibility,omitempty" enum:"public,private"`
	Status      *string `json:"status,omitempty" enum:"active,archived"`
}

type CreateMissionRequest struct {
	Title       string `json:"title" minLength:"1"`
	Description string `json:"description,omitempty"`
	ProjectID   string `json:"project_id,omitempty"`
}

type UpdateMissionRequest struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	Status      *string `json:"status,omitempty" enum:"todo,in_progress,in_review,done,cancelled"`
	// ProjectID links the mission to a project; an empty string unlinks it.
	ProjectID *string `json:"project_id,omitempty"`
}

type SubmitApplicationRequest struct {
	Message     string `json:"message,omitempty"`
	Kind        string `json:"kind,omitempty" enum:"application,proposal"`
	RecipientID string `json:"recipient_id,omitempty"`
}

type DecisionRequest struct {
	Action string `json:"action" enum:"accept,reject"`
}

type ReconcileRequest struct {
	Outcome string `json:"outcome" enum:"read,accepted,rejected"`
}

type SendMessageRequest struct {
	ToID    string `json:"to_id" minLength:"1"`
	Title   string `json:"title,omitempty"`
	Message string `json:"message"`
}

// Response payloads

type WhoAmIResponse struct {
	UserID string       `json:"user_id"`
	Source string       `json:"source"`
	User   *domain.User `json:"user,omitempty"`
}

type DevLoginResponse struct {
	Token string      `json:"token"`
	User  domain.User `json:"user"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type CreatedAPIKeyResponse struct {
	APIKeyResponse
	// Key is the plaintext credential. It is not retrievable later.
	Key string `json:"key"`
}

type EventResponse struct {
	ID         string         `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// Conversion helpers

func apiKeyResponse(k domain.APIKey) APIKeyResponse {
	return APIKeyResponse{ID: k.ID, Name: k.Name, CreatedAt: k.CreatedAt}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		ProjectID:  e.ProjectID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	out := map[string]any{}
	if raw == "" {
		return out
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return map[string]any{"raw": raw}
	}
	return out
}

func nonNilProjects(items []domain.Project) []domain.Project {
	if items == nil {
		return []domain.Project{}
	}
	return items
}

func nonNilMissions(items []domain.Mission) []domain.Mission {
	if items == nil {
		return []domain.Mission{}
	}
	return items
}
