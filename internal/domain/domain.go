package domain

import "time"

// Target kinds an application can refer to.
const (
	TargetProject = "project"
	TargetMission = "mission"
)

// Application kinds.
const (
	KindApplication = "application"
	KindProposal    = "proposal"
)

// Application statuses. Accepted and rejected are terminal.
const (
	ApplicationPending  = "pending"
	ApplicationAccepted = "accepted"
	ApplicationRejected = "rejected"
)

// Mission statuses.
const (
	MissionTodo       = "todo"
	MissionInProgress = "in_progress"
	MissionInReview   = "in_review"
	MissionDone       = "done"
	MissionCancelled  = "cancelled"
)

// Project attributes.
const (
	VisibilityPublic  = "public"
	VisibilityPrivate = "private"

	ProjectPersonal      = "personal"
	ProjectCollaborative = "collaborative"

	ProjectActive   = "active"
	ProjectArchived = "archived"
)

// Notification types.
const (
	NotificationMissionProposal            = "mission_proposal"
	NotificationApplication                = "application"
	NotificationMissionApplication         = "mission_application"
	NotificationNewMessage                 = "new_message"
	NotificationApplicationAccepted        = "application_accepted"
	NotificationApplicationRejected        = "application_rejected"
	NotificationMissionApplicationAccepted = "mission_application_accepted"
	NotificationMissionApplicationRejected = "mission_application_rejected"
)

// Notification statuses.
const (
	NotificationPending  = "pending"
	NotificationRead     = "read"
	NotificationAccepted = "accepted"
	NotificationRejected = "rejected"
)

// NotificationTypes lists every valid notification type.
var NotificationTypes = []string{
	NotificationMissionProposal,
	NotificationApplication,
	NotificationMissionApplication,
	NotificationNewMessage,
	NotificationApplicationAccepted,
	NotificationApplicationRejected,
	NotificationMissionApplicationAccepted,
	NotificationMissionApplicationRejected,
}

type User struct {
	ID        string `json:"id" db:"id"`
	Name      string `json:"name" db:"name"`
	Image     string `json:"image,omitempty" db:"image"`
	CreatedAt string `json:"created_at" db:"created_at" format:"date-time"`
}

// DisplayFields is the public identity shown next to applicants and collaborators.
type DisplayFields struct {
	Name  string `json:"name"`
	Image string `json:"image,omitempty"`
}

type Project struct {
	ID            string        `json:"id"`
	OwnerID       string        `json:"owner_id"`
	Title         string        `json:"title"`
	Description   string        `json:"description,omitempty"`
	Visibility    string        `json:"visibility" enum:"public,private"`
	ProjectType   string        `json:"project_type" enum:"personal,collaborative"`
	Status        string        `json:"status" enum:"active,archived"`
	Collaborators Collaborators `json:"collaborators"`
	Applications  Applications  `json:"applications"`
	Version       int64         `json:"version"`
	CreatedAt     string        `json:"created_at" format:"date-time"`
	UpdatedAt     string        `json:"updated_at" format:"date-time"`
}

type Mission struct {
	ID           string       `json:"id"`
	ProjectID    *string      `json:"project_id,omitempty"`
	CreatorID    string       `json:"creator_id"`
	AssignedTo   *string      `json:"assigned_to,omitempty"`
	Title        string       `json:"title"`
	Description  string       `json:"description,omitempty"`
	Status       string       `json:"status" enum:"todo,in_progress,in_review,done,cancelled"`
	Applications Applications `json:"applications"`
	Version      int64        `json:"version"`
	CreatedAt    string       `json:"created_at" format:"date-time"`
	UpdatedAt    string       `json:"updated_at" format:"date-time"`
}

// Assignee returns the assigned user or "".
func (m Mission) Assignee() string {
	if m.AssignedTo == nil {
		return ""
	}
	return *m.AssignedTo
}

// Closed reports whether the mission no longer takes applications.
func (m Mission) Closed() bool {
	return m.Status == MissionDone || m.Status == MissionCancelled
}

type Notification struct {
	ID            string  `json:"id" db:"id"`
	Type          string  `json:"type" db:"type"`
	FromID        string  `json:"from_id" db:"from_id"`
	ToID          string  `json:"to_id" db:"to_id"`
	ProjectID     *string `json:"project_id,omitempty" db:"project_id"`
	MissionID     *string `json:"mission_id,omitempty" db:"mission_id"`
	ApplicationID *string `json:"application_id,omitempty" db:"application_id"`
	Title         string  `json:"title" db:"title"`
	Message       string  `json:"message,omitempty" db:"message"`
	Read          bool    `json:"read" db:"is_read"`
	Status        string  `json:"status" db:"status" enum:"pending,read,accepted,rejected"`
	DedupeKey     *string `json:"-" db:"dedupe_key"`
	CreatedAt     string  `json:"created_at" db:"created_at" format:"date-time"`
	UpdatedAt     string  `json:"updated_at" db:"updated_at" format:"date-time"`
}

// Actionable reports whether the notification still belongs in the pending inbox.
func (n Notification) Actionable() bool {
	return !n.Read && n.Status == NotificationPending
}

type Event struct {
	ID         string `json:"id" db:"id"`
	TS         string `json:"ts" db:"ts" format:"date-time"`
	Type       string `json:"type" db:"type"`
	ProjectID  string `json:"project_id,omitempty" db:"project_id"`
	EntityKind string `json:"entity_kind" db:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty" db:"entity_id"`
	ActorID    string `json:"actor_id" db:"actor_id"`
	Payload    string `json:"payload_json" db:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id" db:"id"`
	UserID    string `json:"user_id" db:"user_id"`
	Name      string `json:"name,omitempty" db:"name"`
	KeyHash   string `json:"key_hash" db:"key_hash"`
	CreatedAt string `json:"created_at" db:"created_at" format:"date-time"`
}

// TimeLayout is a fixed-width UTC layout so that stored timestamps sort
// lexicographically in creation order.
const TimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Timestamp formats t with TimeLayout in UTC.
func Timestamp(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}
