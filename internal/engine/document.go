package engine

import (
	"context"
	"errors"

	"github.com/jmoiron/sqlx"

	"collabline/internal/domain"
	"collabline/internal/events"
	"collabline/internal/metrics"
	"collabline/internal/repo"
)

// document is the unit of mutation: one project or one mission row with its
// embedded applications.
type document struct {
	kind    string
	project *domain.Project
	mission *domain.Mission
}

func (d document) id() string {
	if d.project != nil {
		return d.project.ID
	}
	return d.mission.ID
}

// deciderID is the owner of a project or the creator of a mission.
func (d document) deciderID() string {
	if d.project != nil {
		return d.project.OwnerID
	}
	return d.mission.CreatorID
}

// projectID is the project the document belongs to, used to scope events.
func (d document) projectID() string {
	if d.project != nil {
		return d.project.ID
	}
	if d.mission.ProjectID != nil {
		return *d.mission.ProjectID
	}
	return ""
}

func (d document) title() string {
	if d.project != nil {
		return d.project.Title
	}
	return d.mission.Title
}

func (d document) applications() domain.Applications {
	if d.project != nil {
		return d.project.Applications.Clone()
	}
	return d.mission.Applications.Clone()
}

func (d *document) setApplications(as domain.Applications) {
	if d.project != nil {
		d.project.Applications = as
		return
	}
	d.mission.Applications = as
}

func (d document) version() int64 {
	if d.project != nil {
		return d.project.Version
	}
	return d.mission.Version
}

// acceptsApplications reports why the target cannot take new applications.
func (d document) acceptsApplications() error {
	if d.project != nil {
		if d.project.Status == domain.ProjectArchived {
			return domain.Conflict(domain.ReasonTargetClosed, "project %s is archived", d.project.ID)
		}
		if d.project.ProjectType == domain.ProjectPersonal {
			return domain.Conflict(domain.ReasonNotCollaborative, "project %s is personal and does not take collaborators", d.project.ID)
		}
		return nil
	}
	if d.mission.Closed() {
		return domain.Conflict(domain.ReasonTargetClosed, "mission %s is %s", d.mission.ID, d.mission.Status)
	}
	return nil
}

func (d document) target() Target {
	t := Target{Kind: d.kind}
	if d.project != nil {
		p := *d.project
		t.Project = &p
	} else {
		m := *d.mission
		t.Mission = &m
	}
	return t
}

func (e Engine) load(ctx context.Context, tx *sqlx.Tx, kind, id string) (document, error) {
	switch kind {
	case domain.TargetProject:
		p, err := e.documents().GetProjectTx(ctx, tx, id)
		if errors.Is(err, repo.ErrNotFound) {
			return document{}, domain.NotFound("project", id)
		}
		if err != nil {
			return document{}, err
		}
		return document{kind: kind, project: &p}, nil
	case domain.TargetMission:
		m, err := e.documents().GetMissionTx(ctx, tx, id)
		if errors.Is(err, repo.ErrNotFound) {
			return document{}, domain.NotFound("mission", id)
		}
		if err != nil {
			return document{}, err
		}
		return document{kind: kind, mission: &m}, nil
	default:
		return document{}, domain.Invalid("target must be project or mission, got %q", kind)
	}
}

func (e Engine) loadDirect(ctx context.Context, kind, id string) (document, error) {
	var d document
	err := e.withTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		d, err = e.load(ctx, tx, kind, id)
		return err
	})
	return d, err
}

func (e Engine) save(ctx context.Context, tx *sqlx.Tx, d *document, expected int64, assignTo string) error {
	now := e.timestamp()
	if d.project != nil {
		d.project.UpdatedAt = now
		return e.Repo.UpdateProject(ctx, tx, d.project, expected)
	}
	d.mission.UpdatedAt = now
	return e.Repo.UpdateMission(ctx, tx, d.mission, expected, assignTo)
}

// change describes a committed mutation. A nil change means fn left the
// document untouched and nothing is written.
type change struct {
	event    string
	actorID  string
	payload  events.EventPayload
	assignTo string
}

// mutate loads the document, lets fn modify it, and writes it back with a
// version check, all in one transaction together with the audit event.
// A stale write is retried from a fresh read so fn re-evaluates its guards
// against the winner's state.
func (e Engine) mutate(ctx context.Context, kind, id string, fn func(tx *sqlx.Tx, d *document) (*change, error)) (document, error) {
	for attempt := 1; ; attempt++ {
		var out document
		err := e.withTx(ctx, func(tx *sqlx.Tx) error {
			d, err := e.load(ctx, tx, kind, id)
			if err != nil {
				return err
			}
			expected := d.version()
			c, err := fn(tx, &d)
			if err != nil {
				return err
			}
			if c != nil {
				if err := e.save(ctx, tx, &d, expected, c.assignTo); err != nil {
					return err
				}
				if err := e.appendEvent(ctx, tx, c.event, d.projectID(), d.kind, d.id(), c.actorID, c.payload); err != nil {
					return err
				}
			}
			out = d
			return nil
		})
		if errors.Is(err, repo.ErrStale) {
			metrics.RecordStaleRetry(kind)
			if attempt < maxAttempts {
				continue
			}
			return document{}, domain.Conflict(domain.ReasonConcurrentUpdate, "%s %s was modified concurrently; re-read and retry", kind, id)
		}
		return out, err
	}
}

// view prepares a document for actorID: display fields are filled in and
// anyone but the owner or creator only sees applications they are party to.
func (e Engine) view(ctx context.Context, d document, actorID string) Target {
	t := d.target()
	apps := d.applications()
	if actorID != d.deciderID() {
		visible := domain.Applications{}
		for _, a := range apps {
			if a.ApplicantID == actorID || a.RecipientID == actorID {
				visible = append(visible, a)
			}
		}
		apps = visible
	}
	var collaborators domain.Collaborators
	if t.Project != nil {
		collaborators = t.Project.Collaborators.Clone()
	}
	e.decorate(ctx, apps, collaborators)
	if t.Project != nil {
		t.Project.Applications = apps
		t.Project.Collaborators = collaborators
	} else {
		t.Mission.Applications = apps
	}
	return t
}

// decorate fills applicant and collaborator display fields in place. A
// directory failure leaves them empty rather than failing the read.
func (e Engine) decorate(ctx context.Context, apps domain.Applications, collaborators domain.Collaborators) {
	seen := map[string]bool{}
	var ids []string
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	for _, a := range apps {
		add(a.ApplicantID)
	}
	for _, c := range collaborators {
		add(c.UserID)
	}
	if len(ids) == 0 {
		return
	}
	fields, err := e.Users.DisplayFields(ctx, ids)
	if err != nil {
		e.Log.Warn().Err(err).Msg("load display fields")
		return
	}
	for i := range apps {
		if f, ok := fields[apps[i].ApplicantID]; ok {
			f := f
			apps[i].Applicant = &f
		}
	}
	for i := range collaborators {
		if f, ok := fields[collaborators[i].UserID]; ok {
			f := f
			collaborators[i].User = &f
		}
	}
}
