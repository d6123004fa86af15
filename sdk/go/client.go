package collablinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Collabline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration

	// UserID is sent as X-User-Id when no other credential is set. Servers
	// only honour it in development mode.
	UserID string
}

// New creates a client with sane defaults. baseURL includes the API base
// path, e.g. http://localhost:8080/v1.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Application is a request to join a project or take a mission.
type Application struct {
	ID          string  `json:"id"`
	ApplicantID string  `json:"applicant_id"`
	RecipientID string  `json:"recipient_id"`
	Message     string  `json:"message,omitempty"`
	Kind        string  `json:"kind"`
	Status      string  `json:"status"`
	CreatedAt   string  `json:"created_at"`
	DecidedAt   *string `json:"decided_at,omitempty"`
	DecidedBy   *string `json:"decided_by,omitempty"`
}

type Collaborator struct {
	UserID   string `json:"user_id"`
	Role     string `json:"role"`
	JoinedAt string `json:"joined_at"`
}

// Project represents the API project model (partial).
type Project struct {
	ID            string         `json:"id"`
	OwnerID       string         `json:"owner_id"`
	Title         string         `json:"title"`
	Description   string         `json:"description,omitempty"`
	Visibility    string         `json:"visibility"`
	ProjectType   string         `json:"project_type"`
	Status        string         `json:"status"`
	Collaborators []Collaborator `json:"collaborators"`
	Applications  []Application  `json:"applications"`
	Version       int64          `json:"version"`
}

// Mission represents the API mission model (partial).
type Mission struct {
	ID           string        `json:"id"`
	ProjectID    *string       `json:"project_id,omitempty"`
	CreatorID    string        `json:"creator_id"`
	AssignedTo   *string       `json:"assigned_to,omitempty"`
	Title        string        `json:"title"`
	Description  string        `json:"description,omitempty"`
	Status       string        `json:"status"`
	Applications []Application `json:"applications"`
	Version      int64         `json:"version"`
}

// Target is the project or mission an application refers to.
type Target struct {
	Kind    string   `json:"kind"`
	Project *Project `json:"project,omitempty"`
	Mission *Mission `json:"mission,omitempty"`
}

// Result is returned by submit and decide calls.
type Result struct {
	Target      Target      `json:"target"`
	Application Application `json:"application"`
}

type Notification struct {
	ID            string  `json:"id"`
	Type          string  `json:"type"`
	FromID        string  `json:"from_id"`
	ToID          string  `json:"to_id"`
	ProjectID     *string `json:"project_id,omitempty"`
	MissionID     *string `json:"mission_id,omitempty"`
	ApplicationID *string `json:"application_id,omitempty"`
	Title         string  `json:"title"`
	Message       string  `json:"message,omitempty"`
	Read          bool    `json:"read"`
	Status        string  `json:"status"`
	CreatedAt     string  `json:"created_at"`
}

// NotificationPage wraps inbox listings with a cursor.
type NotificationPage struct {
	Items      []Notification `json:"items"`
	NextCursor string         `json:"next_cursor"`
}

// Event represents a log entry.
type Event struct {
	ID         string         `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type WhoAmI struct {
	UserID string `json:"user_id"`
	Source string `json:"source"`
}

// APIError wraps non-2xx responses. Code and Reason are filled from the
// error envelope when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Reason     string
	Body       string
}

func (e *APIError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("api error: status=%d code=%s reason=%s", e.StatusCode, e.Code, e.Reason)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// ProjectInput holds the fields of a new project.
type ProjectInput struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Visibility  string `json:"visibility,omitempty"`
	ProjectType string `json:"project_type,omitempty"`
}

// MissionInput holds the fields of a new mission.
type MissionInput struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	ProjectID   string `json:"project_id,omitempty"`
}

// ApplyInput is the optional body of an application.
type ApplyInput struct {
	Message     string `json:"message,omitempty"`
	Kind        string `json:"kind,omitempty"`
	RecipientID string `json:"recipient_id,omitempty"`
}

func (c *Client) Me(ctx context.Context) (WhoAmI, error) {
	var resp WhoAmI
	err := c.do(ctx, http.MethodGet, "me", nil, &resp)
	return resp, err
}

func (c *Client) CreateProject(ctx context.Context, in ProjectInput) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodPost, "projects", in, &resp)
	return resp, err
}

func (c *Client) GetProject(ctx context.Context, id string) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodGet, "projects/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

func (c *Client) CreateMission(ctx context.Context, in MissionInput) (Mission, error) {
	var resp Mission
	err := c.do(ctx, http.MethodPost, "missions", in, &resp)
	return resp, err
}

func (c *Client) GetMission(ctx context.Context, id string) (Mission, error) {
	var resp Mission
	err := c.do(ctx, http.MethodGet, "missions/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Apply submits an application to a "project" or "mission".
func (c *Client) Apply(ctx context.Context, targetKind, targetID string, in ApplyInput) (Result, error) {
	var resp Result
	err := c.do(ctx, http.MethodPost, targetPath(targetKind, targetID, "applications"), in, &resp)
	return resp, err
}

// Decide accepts or rejects an application; action is "accept" or "reject".
func (c *Client) Decide(ctx context.Context, targetKind, targetID, applicationID, action string) (Result, error) {
	var resp Result
	endpoint := targetPath(targetKind, targetID, "applications/"+url.PathEscape(applicationID)+"/decision")
	err := c.do(ctx, http.MethodPost, endpoint, map[string]string{"action": action}, &resp)
	return resp, err
}

func (c *Client) ListApplications(ctx context.Context, targetKind, targetID string) ([]Application, error) {
	var resp []Application
	err := c.do(ctx, http.MethodGet, targetPath(targetKind, targetID, "applications"), nil, &resp)
	return resp, err
}

func (c *Client) RemoveCollaborator(ctx context.Context, projectID, userID string) (Project, error) {
	var resp Project
	endpoint := "projects/" + url.PathEscape(projectID) + "/collaborators/" + url.PathEscape(userID)
	err := c.do(ctx, http.MethodDelete, endpoint, nil, &resp)
	return resp, err
}

// Notifications lists the caller's inbox. With all unset only pending
// notifications are returned.
func (c *Client) Notifications(ctx context.Context, all bool, limit int, cursor string) (NotificationPage, error) {
	q := url.Values{}
	if all {
		q.Set("all", "true")
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "notifications"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp NotificationPage
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Reconcile records a "read", "accepted" or "rejected" outcome.
func (c *Client) Reconcile(ctx context.Context, notificationID, outcome string) (Notification, error) {
	var resp Notification
	endpoint := "notifications/" + url.PathEscape(notificationID) + "/reconcile"
	err := c.do(ctx, http.MethodPost, endpoint, map[string]string{"outcome": outcome}, &resp)
	return resp, err
}

// DecideNotification decides the application a request notification refers to.
func (c *Client) DecideNotification(ctx context.Context, notificationID, action string) (Result, error) {
	var resp Result
	endpoint := "notifications/" + url.PathEscape(notificationID) + "/decision"
	err := c.do(ctx, http.MethodPost, endpoint, map[string]string{"action": action}, &resp)
	return resp, err
}

// Events returns recent events, newest first. Without projectID only the
// caller's own events are returned.
func (c *Client) Events(ctx context.Context, projectID string, limit int) ([]Event, error) {
	q := url.Values{}
	if projectID != "" {
		q.Set("project_id", projectID)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	case c.UserID != "":
		req.Header.Set("X-User-Id", c.UserID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return newAPIError(resp.StatusCode, b)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func newAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status, Body: string(body)}
	var envelope struct {
		Error struct {
			Code    string         `json:"code"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &envelope) == nil {
		apiErr.Code = envelope.Error.Code
		if reason, ok := envelope.Error.Details["reason"].(string); ok {
			apiErr.Reason = reason
		}
	}
	return apiErr
}

func targetPath(kind, id, rest string) string {
	return fmt.Sprintf("%ss/%s/%s", kind, url.PathEscape(id), strings.TrimLeft(rest, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
