package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"collabline/internal/config"
	"collabline/internal/domain"
	"collabline/internal/events"
	"collabline/internal/notify"
	"collabline/internal/permission"
	"collabline/internal/repo"
)

// SystemActor is recorded as the actor of transitions the service makes on
// its own, such as expiring stale applications.
const SystemActor = "system"

// maxAttempts bounds how often a conditional write is re-read and re-applied
// after losing to a concurrent writer.
const maxAttempts = 3

// DocumentReader loads the project or mission a mutation works on.
type DocumentReader interface {
	GetProjectTx(ctx context.Context, tx *sqlx.Tx, id string) (domain.Project, error)
	GetMissionTx(ctx context.Context, tx *sqlx.Tx, id string) (domain.Mission, error)
}

type Engine struct {
	DB     *sqlx.DB
	Repo   repo.Repo
	Users  repo.Users
	Events events.Writer
	Notify *notify.Synchronizer
	Config *config.Config
	Log    zerolog.Logger
	Now    func() time.Time
	NewID  func() string

	// Documents overrides Repo as the source of documents read for a
	// mutation.
	Documents DocumentReader
}

func New(db *sqlx.DB, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	r := repo.Repo{DB: db}
	return Engine{
		DB:     db,
		Repo:   r,
		Users:  r.Users(),
		Events: events.Writer{},
		Notify: &notify.Synchronizer{
			Repo:      r,
			Publisher: notify.NopPublisher{},
			Log:       zerolog.Nop(),
		},
		Config: cfg,
		Log:    zerolog.Nop(),
		Now:    time.Now,
	}
}

// SetClock makes the engine and its synchronizer read time from now.
func (e *Engine) SetClock(now func() time.Time) {
	e.Now = now
	if e.Notify != nil {
		e.Notify.Now = now
		e.Notify.Events.Now = now
	}
}

// SetLogger routes engine and synchronizer logs to log.
func (e *Engine) SetLogger(log zerolog.Logger) {
	e.Log = log
	if e.Notify != nil {
		e.Notify.Log = log
	}
}

func (e Engine) documents() DocumentReader {
	if e.Documents != nil {
		return e.Documents
	}
	return e.Repo
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) timestamp() string {
	return domain.Timestamp(e.now())
}

func (e Engine) newID() string {
	if e.NewID != nil {
		return e.NewID()
	}
	return uuid.NewString()
}

func (e Engine) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := e.DB.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) appendEvent(ctx context.Context, tx *sqlx.Tx, evtType, projectID, entityKind, entityID, actorID string, payload events.EventPayload) error {
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	return w.Append(ctx, tx, evtType, projectID, entityKind, entityID, actorID, payload)
}

func (e Engine) requireUser(ctx context.Context, id string) error {
	ok, err := e.Users.Exists(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return domain.NotFound("user", id)
	}
	return nil
}

func (e Engine) maxMessageLength() int {
	if e.Config == nil || e.Config.Marketplace.MaxMessageLength <= 0 {
		return 2000
	}
	return e.Config.Marketplace.MaxMessageLength
}

func (e Engine) collaboratorRole() string {
	if e.Config == nil || e.Config.Marketplace.DefaultCollaboratorRole == "" {
		return "member"
	}
	return e.Config.Marketplace.DefaultCollaboratorRole
}

// Target is a project or mission as returned to callers.
type Target struct {
	Kind    string          `json:"kind" enum:"project,mission"`
	Project *domain.Project `json:"project,omitempty"`
	Mission *domain.Mission `json:"mission,omitempty"`
}

// ProjectCreateOptions are parameters for creating a project.
type ProjectCreateOptions struct {
	OwnerID     string
	Title       string
	Description string
	Visibility  string
	ProjectType string
}

func (e Engine) CreateProject(ctx context.Context, opts ProjectCreateOptions) (domain.Project, error) {
	if opts.OwnerID == "" {
		return domain.Project{}, domain.ErrUnauthenticated
	}
	title := strings.TrimSpace(opts.Title)
	if title == "" {
		return domain.Project{}, domain.Invalid("title is required")
	}
	visibility := defaultString(opts.Visibility, domain.VisibilityPublic)
	if visibility != domain.VisibilityPublic && visibility != domain.VisibilityPrivate {
		return domain.Project{}, domain.Invalid("visibility must be public or private")
	}
	projectType := defaultString(opts.ProjectType, domain.ProjectCollaborative)
	if projectType != domain.ProjectPersonal && projectType != domain.ProjectCollaborative {
		return domain.Project{}, domain.Invalid("project_type must be personal or collaborative")
	}
	if err := e.requireUser(ctx, opts.OwnerID); err != nil {
		return domain.Project{}, err
	}
	now := e.timestamp()
	p := domain.Project{
		ID:            e.newID(),
		OwnerID:       opts.OwnerID,
		Title:         title,
		Description:   strings.TrimSpace(opts.Description),
		Visibility:    visibility,
		ProjectType:   projectType,
		Status:        domain.ProjectActive,
		Collaborators: domain.Collaborators{},
		Applications:  domain.Applications{},
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	err := e.withTx(ctx, func(tx *sqlx.Tx) error {
		if err := e.Repo.InsertProject(ctx, tx, p); err != nil {
			return fmt.Errorf("insert project: %w", err)
		}
		return e.appendEvent(ctx, tx, events.ProjectCreated, p.ID, domain.TargetProject, p.ID, opts.OwnerID, events.EventPayload{
			"title":        p.Title,
			"visibility":   p.Visibility,
			"project_type": p.ProjectType,
		})
	})
	if err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// GetProject returns the project as seen by actorID. Private projects are
// visible to members only; non-owners only see their own applications.
func (e Engine) GetProject(ctx context.Context, id, actorID string) (domain.Project, error) {
	p, err := e.Repo.GetProject(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Project{}, domain.NotFound("project", id)
	}
	if err != nil {
		return domain.Project{}, err
	}
	if err := permission.CanViewProject(p, permission.ForProject(p, actorID)); err != nil {
		return domain.Project{}, err
	}
	t := e.view(ctx, document{kind: domain.TargetProject, project: &p}, actorID)
	return *t.Project, nil
}

// ListProjects returns projects actorID can see.
func (e Engine) ListProjects(ctx context.Context, f repo.ProjectFilters, actorID string) ([]domain.Project, error) {
	items, err := e.Repo.ListProjects(ctx, f)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Project, 0, len(items))
	for i := range items {
		if permission.CanViewProject(items[i], permission.ForProject(items[i], actorID)) != nil {
			continue
		}
		t := e.view(ctx, document{kind: domain.TargetProject, project: &items[i]}, actorID)
		out = append(out, *t.Project)
	}
	return out, nil
}

// ProjectUpdateOptions patches project fields. Nil fields are left untouched.
type ProjectUpdateOptions struct {
	ID          string
	ActorID     string
	Title       *string
	Description *string
	Visibility  *string
	Status      *string
}

func (e Engine) UpdateProject(ctx context.Context, opts ProjectUpdateOptions) (domain.Project, error) {
	if opts.ActorID == "" {
		return domain.Project{}, domain.ErrUnauthenticated
	}
	if opts.Title != nil && strings.TrimSpace(*opts.Title) == "" {
		return domain.Project{}, domain.Invalid("title cannot be empty")
	}
	if opts.Visibility != nil && *opts.Visibility != domain.VisibilityPublic && *opts.Visibility != domain.VisibilityPrivate {
		return domain.Project{}, domain.Invalid("visibility must be public or private")
	}
	if opts.Status != nil && *opts.Status != domain.ProjectActive && *opts.Status != domain.ProjectArchived {
		return domain.Project{}, domain.Invalid("status must be active or archived")
	}
	d, err := e.mutate(ctx, domain.TargetProject, opts.ID, func(tx *sqlx.Tx, d *document) (*change, error) {
		if err := permission.CanManageProject(permission.ForProject(*d.project, opts.ActorID)); err != nil {
			return nil, err
		}
		changed := map[string]any{}
		p := d.project
		if opts.Title != nil && strings.TrimSpace(*opts.Title) != p.Title {
			p.Title = strings.TrimSpace(*opts.Title)
			changed["title"] = p.Title
		}
		if opts.Description != nil && *opts.Description != p.Description {
			p.Description = *opts.Description
			changed["description"] = p.Description
		}
		if opts.Visibility != nil && *opts.Visibility != p.Visibility {
			p.Visibility = *opts.Visibility
			changed["visibility"] = p.Visibility
		}
		if opts.Status != nil && *opts.Status != p.Status {
			p.Status = *opts.Status
			changed["status"] = p.Status
		}
		if len(changed) == 0 {
			return nil, nil
		}
		return &change{event: events.ProjectUpdated, actorID: opts.ActorID, payload: changed}, nil
	})
	if err != nil {
		return domain.Project{}, err
	}
	t := e.view(ctx, d, opts.ActorID)
	return *t.Project, nil
}

// MissionCreateOptions are parameters for creating a mission.
type MissionCreateOptions struct {
	CreatorID   string
	ProjectID   string
	Title       string
	Description string
}

// CreateMission creates a todo mission. Linking it to a project requires
// membership of that project.
func (e Engine) CreateMission(ctx context.Context, opts MissionCreateOptions) (domain.Mission, error) {
	if opts.CreatorID == "" {
		return domain.Mission{}, domain.ErrUnauthenticated
	}
	title := strings.TrimSpace(opts.Title)
	if title == "" {
		return domain.Mission{}, domain.Invalid("title is required")
	}
	if err := e.requireUser(ctx, opts.CreatorID); err != nil {
		return domain.Mission{}, err
	}
	if err := e.requireProjectMember(ctx, opts.ProjectID, opts.CreatorID); err != nil {
		return domain.Mission{}, err
	}
	now := e.timestamp()
	m := domain.Mission{
		ID:           e.newID(),
		CreatorID:    opts.CreatorID,
		Title:        title,
		Description:  strings.TrimSpace(opts.Description),
		Status:       domain.MissionTodo,
		Applications: domain.Applications{},
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if opts.ProjectID != "" {
		pid := opts.ProjectID
		m.ProjectID = &pid
	}
	err := e.withTx(ctx, func(tx *sqlx.Tx) error {
		if err := e.Repo.InsertMission(ctx, tx, m); err != nil {
			return fmt.Errorf("insert mission: %w", err)
		}
		return e.appendEvent(ctx, tx, events.MissionCreated, opts.ProjectID, domain.TargetMission, m.ID, opts.CreatorID, events.EventPayload{"title": m.Title})
	})
	if err != nil {
		return domain.Mission{}, err
	}
	return m, nil
}

func (e Engine) requireProjectMember(ctx context.Context, projectID, actorID string) error {
	if projectID == "" {
		return nil
	}
	p, err := e.Repo.GetProject(ctx, projectID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.NotFound("project", projectID)
	}
	if err != nil {
		return err
	}
	if !permission.ForProject(p, actorID).Member() {
		return permission.ForbiddenError{Role: permission.RoleMember}
	}
	return nil
}

// GetMission returns the mission as seen by actorID. Missions linked to a
// private project are visible to the creator, the assignee and project members.
func (e Engine) GetMission(ctx context.Context, id, actorID string) (domain.Mission, error) {
	m, err := e.Repo.GetMission(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Mission{}, domain.NotFound("mission", id)
	}
	if err != nil {
		return domain.Mission{}, err
	}
	if err := e.canViewMission(ctx, m, actorID); err != nil {
		return domain.Mission{}, err
	}
	t := e.view(ctx, document{kind: domain.TargetMission, mission: &m}, actorID)
	return *t.Mission, nil
}

func (e Engine) canViewMission(ctx context.Context, m domain.Mission, actorID string) error {
	if m.ProjectID == nil {
		return nil
	}
	p, err := e.Repo.GetProject(ctx, *m.ProjectID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if p.Visibility != domain.VisibilityPrivate {
		return nil
	}
	facts, err := permission.ForMission(ctx, m, actorID, staticProject{p})
	if err != nil {
		return err
	}
	if facts.IsCreator || facts.IsAssignee || facts.IsProjectMemberOfMission {
		return nil
	}
	return permission.ForbiddenError{Role: permission.RoleAssignee}
}

func (e Engine) ListMissions(ctx context.Context, f repo.MissionFilters, actorID string) ([]domain.Mission, error) {
	items, err := e.Repo.ListMissions(ctx, f)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Mission, 0, len(items))
	for i := range items {
		if e.canViewMission(ctx, items[i], actorID) != nil {
			continue
		}
		t := e.view(ctx, document{kind: domain.TargetMission, mission: &items[i]}, actorID)
		out = append(out, *t.Mission)
	}
	return out, nil
}

// MissionUpdateOptions patches mission fields. Nil fields are left untouched.
type MissionUpdateOptions struct {
	ID          string
	ActorID     string
	Title       *string
	Description *string
	Status      *string
	ProjectID   *string
}

func (o MissionUpdateOptions) fields() []string {
	var out []string
	if o.Title != nil {
		out = append(out, "title")
	}
	if o.Description != nil {
		out = append(out, "description")
	}
	if o.Status != nil {
		out = append(out, "status")
	}
	if o.ProjectID != nil {
		out = append(out, "project_id")
	}
	return out
}

var missionStatuses = map[string]bool{
	domain.MissionTodo:       true,
	domain.MissionInProgress: true,
	domain.MissionInReview:   true,
	domain.MissionDone:       true,
	domain.MissionCancelled:  true,
}

// UpdateMission applies a patch. The creator and members of the linked
// project may change every field; the assignee may only move the status.
func (e Engine) UpdateMission(ctx context.Context, opts MissionUpdateOptions) (domain.Mission, error) {
	if opts.ActorID == "" {
		return domain.Mission{}, domain.ErrUnauthenticated
	}
	fields := opts.fields()
	if len(fields) == 0 {
		return domain.Mission{}, domain.Invalid("no fields to update")
	}
	if opts.Title != nil && strings.TrimSpace(*opts.Title) == "" {
		return domain.Mission{}, domain.Invalid("title cannot be empty")
	}
	if opts.Status != nil && !missionStatuses[*opts.Status] {
		return domain.Mission{}, domain.Invalid("invalid mission status %q", *opts.Status)
	}
	if opts.ProjectID != nil && *opts.ProjectID != "" {
		if err := e.requireProjectMember(ctx, *opts.ProjectID, opts.ActorID); err != nil {
			return domain.Mission{}, err
		}
	}
	d, err := e.mutate(ctx, domain.TargetMission, opts.ID, func(tx *sqlx.Tx, d *document) (*change, error) {
		m := d.mission
		facts, err := permission.ForMission(ctx, *m, opts.ActorID, txProjects{repo: e.Repo, tx: tx})
		if err != nil {
			return nil, err
		}
		if err := permission.CanEditMission(facts, fields); err != nil {
			return nil, err
		}
		changed := map[string]any{}
		if opts.Title != nil {
			m.Title = strings.TrimSpace(*opts.Title)
			changed["title"] = m.Title
		}
		if opts.Description != nil {
			m.Description = *opts.Description
			changed["description"] = m.Description
		}
		if opts.Status != nil && *opts.Status != m.Status {
			changed["from_status"] = m.Status
			m.Status = *opts.Status
			changed["status"] = m.Status
		}
		if opts.ProjectID != nil {
			if *opts.ProjectID == "" {
				m.ProjectID = nil
			} else {
				pid := *opts.ProjectID
				m.ProjectID = &pid
			}
			changed["project_id"] = *opts.ProjectID
		}
		if len(changed) == 0 {
			return nil, nil
		}
		return &change{event: events.MissionUpdated, actorID: opts.ActorID, payload: changed}, nil
	})
	if err != nil {
		return domain.Mission{}, err
	}
	t := e.view(ctx, d, opts.ActorID)
	return *t.Mission, nil
}

// staticProject serves a project that has already been loaded.
type staticProject struct {
	p domain.Project
}

func (s staticProject) GetProject(_ context.Context, id string) (domain.Project, error) {
	if s.p.ID != id {
		return domain.Project{}, permission.ErrProjectNotFound
	}
	return s.p, nil
}

// txProjects reads linked projects through the open transaction; SQLite runs
// on a single connection so a read through the pool would block.
type txProjects struct {
	repo repo.Repo
	tx   *sqlx.Tx
}

func (l txProjects) GetProject(ctx context.Context, id string) (domain.Project, error) {
	p, err := l.repo.GetProjectTx(ctx, l.tx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Project{}, permission.ErrProjectNotFound
	}
	return p, err
}

func defaultString(v, def string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return def
	}
	return v
}
