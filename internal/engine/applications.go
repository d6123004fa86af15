package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"collabline/internal/domain"
	"collabline/internal/events"
	"collabline/internal/metrics"
	"collabline/internal/notify"
	"collabline/internal/permission"
	"collabline/internal/repo"
)

// Decision actions.
const (
	ActionAccept = "accept"
	ActionReject = "reject"
)

// Result is the target after an application transition, seen by the caller,
// together with the application that moved.
type Result struct {
	Target      Target             `json:"target"`
	Application domain.Application `json:"application"`
}

// SubmitOptions are parameters for applying to a project or mission.
type SubmitOptions struct {
	TargetKind  string
	TargetID    string
	ApplicantID string
	Message     string
	// Kind is application (default) or proposal. Proposals exist for missions
	// only and may name the user who decides on them.
	Kind        string
	RecipientID string
}

func normalizeTargetKind(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case domain.TargetProject:
		return domain.TargetProject, nil
	case domain.TargetMission:
		return domain.TargetMission, nil
	default:
		return "", domain.Invalid("target must be project or mission, got %q", kind)
	}
}

// SubmitApplication appends a pending application to the target and notifies
// whoever decides on it. The applicant may hold at most one pending or
// accepted application per target and may not apply to their own target.
func (e Engine) SubmitApplication(ctx context.Context, opts SubmitOptions) (Result, error) {
	if opts.ApplicantID == "" {
		return Result{}, domain.ErrUnauthenticated
	}
	kind, err := normalizeTargetKind(opts.TargetKind)
	if err != nil {
		return Result{}, err
	}
	appKind := defaultString(opts.Kind, domain.KindApplication)
	switch appKind {
	case domain.KindApplication:
		if opts.RecipientID != "" {
			return Result{}, domain.Invalid("only proposals name a recipient")
		}
	case domain.KindProposal:
		if kind != domain.TargetMission {
			return Result{}, domain.Invalid("proposals are only valid for missions")
		}
	default:
		return Result{}, domain.Invalid("kind must be application or proposal, got %q", opts.Kind)
	}
	message := strings.TrimSpace(opts.Message)
	if max := e.maxMessageLength(); len(message) > max {
		return Result{}, domain.Invalid("message exceeds %d characters", max)
	}
	if err := e.requireUser(ctx, opts.ApplicantID); err != nil {
		return Result{}, err
	}
	if opts.RecipientID != "" {
		if opts.RecipientID == opts.ApplicantID {
			return Result{}, domain.Conflict(domain.ReasonSelfApplication, "a proposal cannot be addressed to its author")
		}
		if err := e.requireUser(ctx, opts.RecipientID); err != nil {
			return Result{}, err
		}
	}

	var app domain.Application
	d, err := e.mutate(ctx, kind, opts.TargetID, func(tx *sqlx.Tx, d *document) (*change, error) {
		if err := d.acceptsApplications(); err != nil {
			return nil, err
		}
		decider := d.deciderID()
		if decider == opts.ApplicantID {
			return nil, domain.Conflict(domain.ReasonSelfApplication, "cannot apply to your own %s", kind)
		}
		apps := d.applications()
		if i := apps.ActiveIndex(opts.ApplicantID); i >= 0 {
			return nil, domain.Conflict(domain.ReasonDuplicateApplication, "an application by %s is already %s", opts.ApplicantID, apps[i].Status)
		}
		if d.project != nil && d.project.Collaborators.Has(opts.ApplicantID) {
			return nil, domain.Conflict(domain.ReasonDuplicateApplication, "%s is already a collaborator", opts.ApplicantID)
		}
		if d.mission != nil && d.mission.Assignee() == opts.ApplicantID {
			return nil, domain.Conflict(domain.ReasonDuplicateApplication, "%s is already assigned", opts.ApplicantID)
		}
		recipient := opts.RecipientID
		if recipient == "" {
			recipient = decider
		} else if recipient != decider {
			if err := e.proposalAuthority(ctx, tx, *d.mission, recipient); err != nil {
				return nil, err
			}
		}
		app = domain.Application{
			ID:          e.newID(),
			ApplicantID: opts.ApplicantID,
			RecipientID: recipient,
			Message:     message,
			Kind:        appKind,
			Status:      domain.ApplicationPending,
			CreatedAt:   e.timestamp(),
		}
		d.setApplications(append(apps, app))
		return &change{
			event:   events.ApplicationSubmitted,
			actorID: opts.ApplicantID,
			payload: events.EventPayload{"application_id": app.ID, "kind": app.Kind, "recipient_id": recipient},
		}, nil
	})
	if err != nil {
		return Result{}, err
	}
	metrics.RecordSubmitted(kind, appKind)
	e.notifySubmitted(ctx, d, app)
	return Result{Target: e.view(ctx, d, opts.ApplicantID), Application: app}, nil
}

// DecideOptions select an application by id, or by applicant when the id is
// empty.
type DecideOptions struct {
	TargetKind    string
	TargetID      string
	ApplicationID string
	ApplicantID   string
	Action        string
	ActorID       string
}

// DecideApplication accepts or rejects an application. The owner or creator
// decides, as does the recipient a proposal was addressed to.
func (e Engine) DecideApplication(ctx context.Context, opts DecideOptions) (Result, error) {
	return e.decide(ctx, opts, "")
}

// DecideFromNotification decides the application a request notification is
// about. The notification's recipient is authorized by being its recipient;
// the decision is committed first and the notification reconciled after.
func (e Engine) DecideFromNotification(ctx context.Context, notificationID, actorID, action string) (Result, error) {
	if actorID == "" {
		return Result{}, domain.ErrUnauthenticated
	}
	n, err := e.Repo.GetNotification(ctx, notificationID)
	if errors.Is(err, repo.ErrNotFound) {
		return Result{}, domain.NotFound("notification", notificationID)
	}
	if err != nil {
		return Result{}, err
	}
	if n.ToID != actorID {
		return Result{}, permission.ForbiddenError{Role: permission.RoleRecipient}
	}
	opts := DecideOptions{ApplicationID: deref(n.ApplicationID), Action: action, ActorID: actorID}
	switch n.Type {
	case domain.NotificationApplication:
		opts.TargetKind, opts.TargetID = domain.TargetProject, deref(n.ProjectID)
	case domain.NotificationMissionApplication, domain.NotificationMissionProposal:
		opts.TargetKind, opts.TargetID = domain.TargetMission, deref(n.MissionID)
	default:
		return Result{}, domain.Invalid("%s notifications carry no decision", n.Type)
	}
	if opts.TargetID == "" || opts.ApplicationID == "" {
		return Result{}, domain.Invalid("notification %s is missing its subject", n.ID)
	}
	return e.decide(ctx, opts, n.ID)
}

func actionStatus(action string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(action)) {
	case ActionAccept, domain.ApplicationAccepted:
		return domain.ApplicationAccepted, nil
	case ActionReject, domain.ApplicationRejected:
		return domain.ApplicationRejected, nil
	default:
		return "", domain.Invalid("action must be accept or reject, got %q", action)
	}
}

// decide runs a decision. viaNotification is the id of the notification the
// actor is answering; it replaces the owner/creator check.
func (e Engine) decide(ctx context.Context, opts DecideOptions, viaNotification string) (Result, error) {
	if opts.ActorID == "" {
		return Result{}, domain.ErrUnauthenticated
	}
	kind, err := normalizeTargetKind(opts.TargetKind)
	if err != nil {
		return Result{}, err
	}
	status, err := actionStatus(opts.Action)
	if err != nil {
		return Result{}, err
	}
	if opts.ApplicationID == "" && opts.ApplicantID == "" {
		return Result{}, domain.Invalid("application id or applicant id is required")
	}

	var (
		app      domain.Application
		repeated bool
	)
	d, err := e.mutate(ctx, kind, opts.TargetID, func(tx *sqlx.Tx, d *document) (*change, error) {
		apps := d.applications()
		var idx int
		if opts.ApplicationID != "" {
			idx = apps.Index(opts.ApplicationID)
		} else {
			idx = apps.LatestIndex(opts.ApplicantID)
		}
		projects := txProjects{repo: e.Repo, tx: tx}
		if viaNotification == "" {
			if err := authorizeDecision(ctx, projects, *d, apps, idx, opts.ActorID); err != nil {
				return nil, err
			}
		}
		if idx < 0 {
			return nil, domain.NotFound("application", firstNonEmpty(opts.ApplicationID, opts.ApplicantID))
		}
		app = apps[idx]
		if viaNotification != "" && app.Kind == domain.KindProposal {
			if err := e.proposalAuthority(ctx, tx, *d.mission, opts.ActorID); err != nil {
				return nil, err
			}
		}
		if app.Decided() {
			if app.Status != status {
				return nil, domain.Conflict(domain.ReasonAlreadyDecided, "application %s is already %s", app.ID, app.Status)
			}
			repeated = true
			return nil, nil
		}
		var assignTo string
		if status == domain.ApplicationAccepted {
			if err := d.acceptsApplications(); err != nil && !isNotCollaborative(err) {
				return nil, err
			}
			switch {
			case d.project != nil:
				if !d.project.Collaborators.Has(app.ApplicantID) {
					d.project.Collaborators = append(d.project.Collaborators.Clone(), domain.Collaborator{
						UserID:   app.ApplicantID,
						Role:     e.collaboratorRole(),
						JoinedAt: e.timestamp(),
					})
				}
			case d.mission != nil:
				if current := d.mission.Assignee(); current != "" && current != app.ApplicantID {
					return nil, domain.Conflict(domain.ReasonMissionAssigned, "mission %s is already assigned to %s", d.mission.ID, current)
				}
				assignee := app.ApplicantID
				d.mission.AssignedTo = &assignee
				assignTo = assignee
			}
		}
		now := e.timestamp()
		actor := opts.ActorID
		app.Status = status
		app.DecidedAt = &now
		app.DecidedBy = &actor
		apps[idx] = app
		d.setApplications(apps)
		evt := events.ApplicationRejected
		if status == domain.ApplicationAccepted {
			evt = events.ApplicationAccepted
		}
		payload := events.EventPayload{"application_id": app.ID, "applicant_id": app.ApplicantID}
		if viaNotification != "" {
			payload["notification_id"] = viaNotification
		}
		return &change{event: evt, actorID: opts.ActorID, payload: payload, assignTo: assignTo}, nil
	})
	if err != nil {
		return Result{}, err
	}
	if !repeated {
		metrics.RecordDecided(kind, status)
	}
	e.afterDecision(ctx, d, app, opts.ActorID, viaNotification)
	return Result{Target: e.view(ctx, d, opts.ActorID), Application: app}, nil
}

// isNotCollaborative lets an application that predates a switch to personal
// still be accepted.
func isNotCollaborative(err error) bool {
	var ce *domain.ConflictError
	return errors.As(err, &ce) && ce.Reason == domain.ReasonNotCollaborative
}

// authorizeDecision lets the owner or creator decide. The recipient of a
// proposal decides too while they still hold authority over the mission.
func authorizeDecision(ctx context.Context, projects permission.ProjectLookup, d document, apps domain.Applications, idx int, actorID string) error {
	if d.project != nil {
		if permission.CanManageProject(permission.ForProject(*d.project, actorID)) == nil {
			return nil
		}
		return permission.ForbiddenError{Role: permission.RoleOwner}
	}
	facts, err := permission.ForMission(ctx, *d.mission, actorID, projects)
	if err != nil {
		return err
	}
	if permission.CanDecide(facts) == nil {
		return nil
	}
	if idx >= 0 && apps[idx].Kind == domain.KindProposal && apps[idx].RecipientID == actorID {
		return permission.CanReceiveProposal(facts)
	}
	return permission.ForbiddenError{Role: permission.RoleCreator}
}

// proposalAuthority checks that userID may receive and decide proposals on m,
// reading the linked project through tx.
func (e Engine) proposalAuthority(ctx context.Context, tx *sqlx.Tx, m domain.Mission, userID string) error {
	facts, err := permission.ForMission(ctx, m, userID, txProjects{repo: e.Repo, tx: tx})
	if err != nil {
		return err
	}
	return permission.CanReceiveProposal(facts)
}

// afterDecision brings notifications in line with a committed decision. Every
// step is best-effort: a failure is logged and counted, never returned.
func (e Engine) afterDecision(ctx context.Context, d document, app domain.Application, actorID, viaNotification string) {
	if viaNotification != "" {
		if _, err := e.Notify.Reconcile(ctx, viaNotification, actorID, app.Status); err != nil {
			metrics.RecordNotificationFailure("reconcile")
			e.Log.Warn().Err(err).Str("notification_id", viaNotification).Msg("reconcile notification after decision")
		}
	}
	if _, err := e.Notify.Settle(ctx, app.ID, app.Status); err != nil {
		metrics.RecordNotificationFailure("settle")
		e.Log.Warn().Err(err).Str("application_id", app.ID).Msg("settle request notifications")
	}
	e.notifyDecided(ctx, d, app, actorID)
}

// RemoveCollaborator removes a collaborator together with their accepted
// application. The owner removes anyone; a collaborator may remove themself.
func (e Engine) RemoveCollaborator(ctx context.Context, projectID, userID, actorID string) (domain.Project, error) {
	if actorID == "" {
		return domain.Project{}, domain.ErrUnauthenticated
	}
	if userID == "" {
		return domain.Project{}, domain.Invalid("user id is required")
	}
	d, err := e.mutate(ctx, domain.TargetProject, projectID, func(tx *sqlx.Tx, d *document) (*change, error) {
		p := d.project
		facts := permission.ForProject(*p, actorID)
		if !facts.IsOwner && actorID != userID {
			return nil, permission.CanRemoveCollaborator(facts, actorID, userID)
		}
		ci := p.Collaborators.Index(userID)
		apps := d.applications()
		ai := apps.AcceptedIndex(userID)
		if ci < 0 && ai < 0 {
			return nil, domain.NotFound("collaborator", userID)
		}
		payload := events.EventPayload{"user_id": userID}
		if ci >= 0 {
			payload["role"] = p.Collaborators[ci].Role
			p.Collaborators = p.Collaborators.Without(ci)
		}
		if ai >= 0 {
			payload["application_id"] = apps[ai].ID
			apps = apps.Without(ai)
		}
		d.setApplications(apps)
		return &change{event: events.CollaboratorRemoved, actorID: actorID, payload: payload}, nil
	})
	if err != nil {
		return domain.Project{}, err
	}
	t := e.view(ctx, d, actorID)
	return *t.Project, nil
}

// ListApplications returns every application on the target with applicant
// display fields. Only the owner or creator may list them.
func (e Engine) ListApplications(ctx context.Context, targetKind, targetID, actorID string) (domain.Applications, error) {
	if actorID == "" {
		return nil, domain.ErrUnauthenticated
	}
	kind, err := normalizeTargetKind(targetKind)
	if err != nil {
		return nil, err
	}
	d, err := e.loadDirect(ctx, kind, targetID)
	if err != nil {
		return nil, err
	}
	if d.project != nil {
		if err := permission.CanManageProject(permission.ForProject(*d.project, actorID)); err != nil {
			return nil, err
		}
	} else {
		facts, err := permission.ForMission(ctx, *d.mission, actorID, nil)
		if err != nil {
			return nil, err
		}
		if err := permission.CanDecide(facts); err != nil {
			return nil, err
		}
	}
	apps := d.applications()
	e.decorate(ctx, apps, nil)
	return apps, nil
}

func (e Engine) notifySubmitted(ctx context.Context, d document, app domain.Application) {
	in := notify.EmitInput{
		FromID:        app.ApplicantID,
		ToID:          app.RecipientID,
		ApplicationID: app.ID,
		Message:       app.Message,
		DedupeKey:     "submitted:" + app.ID,
	}
	switch {
	case d.project != nil:
		in.Type = domain.NotificationApplication
		in.ProjectID = d.project.ID
		in.Title = fmt.Sprintf("New application to %s", d.title())
	case app.Kind == domain.KindProposal:
		in.Type = domain.NotificationMissionProposal
		in.MissionID = d.mission.ID
		in.ProjectID = d.projectID()
		in.Title = fmt.Sprintf("Mission proposal: %s", d.title())
	default:
		in.Type = domain.NotificationMissionApplication
		in.MissionID = d.mission.ID
		in.ProjectID = d.projectID()
		in.Title = fmt.Sprintf("New application for mission %s", d.title())
	}
	e.emit(ctx, in)
}

func (e Engine) notifyDecided(ctx context.Context, d document, app domain.Application, actorID string) {
	from := actorID
	if app.DecidedBy != nil && *app.DecidedBy != "" && *app.DecidedBy != SystemActor {
		from = *app.DecidedBy
	}
	if from == SystemActor {
		from = d.deciderID()
	}
	in := notify.EmitInput{
		FromID:        from,
		ToID:          app.ApplicantID,
		ApplicationID: app.ID,
		ProjectID:     d.projectID(),
		DedupeKey:     "decided:" + app.ID + ":" + app.Status,
	}
	accepted := app.Status == domain.ApplicationAccepted
	if d.project != nil {
		in.Type = domain.NotificationApplicationRejected
		in.Title = fmt.Sprintf("Your application to %s was declined", d.title())
		if accepted {
			in.Type = domain.NotificationApplicationAccepted
			in.Title = fmt.Sprintf("You joined %s", d.title())
		}
	} else {
		in.MissionID = d.mission.ID
		in.Type = domain.NotificationMissionApplicationRejected
		in.Title = fmt.Sprintf("Your application for %s was declined", d.title())
		if accepted {
			in.Type = domain.NotificationMissionApplicationAccepted
			in.Title = fmt.Sprintf("You were assigned %s", d.title())
		}
	}
	e.emit(ctx, in)
}

func (e Engine) emit(ctx context.Context, in notify.EmitInput) {
	if e.Notify == nil {
		return
	}
	if _, err := e.Notify.Emit(ctx, in); err != nil {
		metrics.RecordNotificationFailure("emit")
		e.Log.Warn().Err(err).Str("type", in.Type).Str("to", in.ToID).Str("application_id", in.ApplicationID).Msg("emit notification")
	}
}

// SendMessage records a new_message notification on behalf of the chat
// transport, which delivers the message itself.
func (e Engine) SendMessage(ctx context.Context, fromID, toID, title, message string) (domain.Notification, error) {
	if fromID == "" {
		return domain.Notification{}, domain.ErrUnauthenticated
	}
	if fromID == toID {
		return domain.Notification{}, domain.Invalid("cannot message yourself")
	}
	if max := e.maxMessageLength(); len(message) > max {
		return domain.Notification{}, domain.Invalid("message exceeds %d characters", max)
	}
	if err := e.requireUser(ctx, toID); err != nil {
		return domain.Notification{}, err
	}
	return e.Notify.Emit(ctx, notify.EmitInput{
		Type:    domain.NotificationNewMessage,
		FromID:  fromID,
		ToID:    toID,
		Title:   defaultString(title, "New message"),
		Message: message,
	})
}

func deref(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
