package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"collabline/internal/domain"
)

// Event types appended by the lifecycle service.
const (
	ProjectCreated         = "project.created"
	ProjectUpdated         = "project.updated"
	MissionCreated         = "mission.created"
	MissionUpdated         = "mission.updated"
	ApplicationSubmitted   = "application.submitted"
	ApplicationAccepted    = "application.accepted"
	ApplicationRejected    = "application.rejected"
	ApplicationExpired     = "application.expired"
	CollaboratorRemoved    = "collaborator.removed"
	NotificationEmitted    = "notification.emitted"
	NotificationReconciled = "notification.reconciled"
)

type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes one audit event inside the caller's transaction.
func (w Writer) Append(ctx context.Context, tx *sqlx.Tx, evtType, projectID, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := domain.Timestamp(w.Now())
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, tx.Rebind(`INSERT INTO events(id,ts,type,project_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?,?)`),
		uuid.NewString(), ts, evtType, nullable(projectID), entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
