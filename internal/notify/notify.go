// Package notify keeps user inboxes in step with application decisions.
// Every write here happens after the authoritative transition has committed,
// so callers treat failures as best-effort.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"collabline/internal/domain"
	"collabline/internal/events"
	"collabline/internal/metrics"
	"collabline/internal/permission"
	"collabline/internal/repo"
)

// Outcomes accepted by Reconcile.
const (
	OutcomeRead     = "read"
	OutcomeAccepted = "accepted"
	OutcomeRejected = "rejected"
)

// RequestTypes are the notification types that ask the recipient for a decision.
var RequestTypes = []string{
	domain.NotificationApplication,
	domain.NotificationMissionApplication,
	domain.NotificationMissionProposal,
}

const maxReconcileAttempts = 3

type Synchronizer struct {
	Repo      repo.Repo
	Events    events.Writer
	Publisher Publisher
	Log       zerolog.Logger
	Now       func() time.Time
	NewID     func() string
}

func (s *Synchronizer) now() string {
	if s.Now == nil {
		return domain.Timestamp(time.Now())
	}
	return domain.Timestamp(s.Now())
}

func (s *Synchronizer) newID() string {
	if s.NewID == nil {
		return uuid.NewString()
	}
	return s.NewID()
}

type EmitInput struct {
	Type          string
	FromID        string
	ToID          string
	ProjectID     string
	MissionID     string
	ApplicationID string
	Title         string
	Message       string

	// DedupeKey makes emission retryable: a second Emit with the same
	// recipient and key returns the first notification.
	DedupeKey string
}

// ValidType reports whether t is one of the enumerated notification types.
func ValidType(t string) bool {
	for _, known := range domain.NotificationTypes {
		if known == t {
			return true
		}
	}
	return false
}

// Emit stores a pending, unread notification for in.ToID.
func (s *Synchronizer) Emit(ctx context.Context, in EmitInput) (domain.Notification, error) {
	if !ValidType(in.Type) {
		return domain.Notification{}, domain.Invalid("unknown notification type %q", in.Type)
	}
	if strings.TrimSpace(in.FromID) == "" {
		return domain.Notification{}, domain.Invalid("from is required")
	}
	if strings.TrimSpace(in.ToID) == "" {
		return domain.Notification{}, domain.Invalid("to is required")
	}
	now := s.now()
	n := domain.Notification{
		ID:            s.newID(),
		Type:          in.Type,
		FromID:        in.FromID,
		ToID:          in.ToID,
		ProjectID:     optional(in.ProjectID),
		MissionID:     optional(in.MissionID),
		ApplicationID: optional(in.ApplicationID),
		Title:         in.Title,
		Message:       in.Message,
		Read:          false,
		Status:        domain.NotificationPending,
		DedupeKey:     optional(in.DedupeKey),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	var created bool
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		stored, ok, err := s.Repo.InsertNotification(ctx, tx, n)
		if err != nil {
			return err
		}
		n, created = stored, ok
		if !ok {
			return nil
		}
		return s.Events.Append(ctx, tx, events.NotificationEmitted, in.ProjectID, "notification", n.ID, in.FromID, events.EventPayload{
			"type": n.Type,
			"to":   n.ToID,
		})
	})
	if err != nil {
		// Lost the unique (to, dedupe_key) race to a concurrent emitter.
		if in.DedupeKey != "" {
			if existing, lookupErr := s.Repo.GetNotificationByDedupe(ctx, in.ToID, in.DedupeKey); lookupErr == nil {
				return existing, nil
			}
		}
		return domain.Notification{}, fmt.Errorf("emit %s notification: %w", in.Type, err)
	}
	if created {
		metrics.RecordEmitted(n.Type)
		s.publish(ctx, n)
	}
	return n, nil
}

func (s *Synchronizer) publish(ctx context.Context, n domain.Notification) {
	if s.Publisher == nil {
		return
	}
	if err := s.Publisher.Publish(ctx, n); err != nil {
		metrics.RecordNotificationFailure("publish")
		s.Log.Warn().Err(err).Str("notification_id", n.ID).Str("to", n.ToID).Msg("publish notification")
	}
}

// Reconcile records the recipient's response to a notification. Only the
// addressed recipient may reconcile. Status never moves backwards: read stays
// true, and a decided notification cannot flip to the other outcome.
func (s *Synchronizer) Reconcile(ctx context.Context, notificationID, recipientID, outcome string) (domain.Notification, error) {
	switch outcome {
	case OutcomeRead, OutcomeAccepted, OutcomeRejected:
	default:
		return domain.Notification{}, domain.Invalid("outcome must be read, accepted or rejected")
	}
	var result domain.Notification
	for attempt := 0; attempt < maxReconcileAttempts; attempt++ {
		err := s.withTx(ctx, func(tx *sqlx.Tx) error {
			n, err := s.Repo.GetNotificationTx(ctx, tx, notificationID)
			if errors.Is(err, repo.ErrNotFound) {
				return domain.NotFound("notification", notificationID)
			}
			if err != nil {
				return err
			}
			if recipientID == "" || n.ToID != recipientID {
				return permission.ForbiddenError{Role: permission.RoleRecipient}
			}
			status, err := nextStatus(n, outcome)
			if err != nil {
				return err
			}
			result = n
			if n.Read && status == n.Status {
				return nil
			}
			now := s.now()
			if err := s.Repo.UpdateNotificationState(ctx, tx, n, true, status, now); err != nil {
				return err
			}
			result.Read, result.Status, result.UpdatedAt = true, status, now
			return s.Events.Append(ctx, tx, events.NotificationReconciled, deref(n.ProjectID), "notification", n.ID, recipientID, events.EventPayload{
				"outcome": outcome,
				"status":  status,
			})
		})
		if errors.Is(err, repo.ErrStale) {
			metrics.RecordStaleRetry("notification")
			continue
		}
		if err != nil {
			return domain.Notification{}, err
		}
		return result, nil
	}
	return domain.Notification{}, domain.Conflict(domain.ReasonAlreadyDecided, "notification %s changed concurrently", notificationID)
}

func nextStatus(n domain.Notification, outcome string) (string, error) {
	switch n.Status {
	case domain.NotificationAccepted, domain.NotificationRejected:
		if outcome == OutcomeRead || outcome == n.Status {
			return n.Status, nil
		}
		return "", domain.Conflict(domain.ReasonAlreadyDecided, "notification already %s", n.Status)
	}
	if outcome == OutcomeRead {
		return domain.NotificationRead, nil
	}
	return outcome, nil
}

// Settle marks the undecided request notifications about an application as
// decided. It runs after a decision made outside the inbox so that the
// recipient's pending list drops the stale request.
func (s *Synchronizer) Settle(ctx context.Context, applicationID, status string) (int64, error) {
	if status != domain.NotificationAccepted && status != domain.NotificationRejected {
		return 0, domain.Invalid("settle status must be accepted or rejected")
	}
	var settled int64
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		n, err := s.Repo.SettleNotifications(ctx, tx, applicationID, status, RequestTypes, s.now())
		if err != nil {
			return err
		}
		settled = n
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("settle notifications for %s: %w", applicationID, err)
	}
	return settled, nil
}

// Page is one page of notifications, newest first.
type Page struct {
	Items      []domain.Notification `json:"items"`
	NextCursor string                `json:"next_cursor,omitempty"`
}

// ListPending returns the recipient's unread notifications still awaiting a
// response.
func (s *Synchronizer) ListPending(ctx context.Context, recipientID string, limit int, cursor string) (Page, error) {
	return s.List(ctx, recipientID, Filter{PendingOnly: true, Limit: limit, Cursor: cursor})
}

type Filter struct {
	PendingOnly bool
	Status      string
	Type        string
	Limit       int
	Cursor      string
}

// List returns the recipient's notification history.
func (s *Synchronizer) List(ctx context.Context, recipientID string, f Filter) (Page, error) {
	if recipientID == "" {
		return Page{}, domain.ErrUnauthenticated
	}
	if f.Limit <= 0 {
		f.Limit = 50
	}
	createdAt, id, err := ParseCursor(f.Cursor)
	if err != nil {
		return Page{}, err
	}
	items, err := s.Repo.ListNotifications(ctx, repo.NotificationFilters{
		ToID:            recipientID,
		PendingOnly:     f.PendingOnly,
		Status:          f.Status,
		Type:            f.Type,
		Limit:           f.Limit + 1,
		CursorCreatedAt: createdAt,
		CursorID:        id,
	})
	if err != nil {
		return Page{}, err
	}
	page := Page{Items: items}
	if len(items) > f.Limit {
		page.Items = items[:f.Limit]
		last := page.Items[f.Limit-1]
		page.NextCursor = ComposeCursor(last.CreatedAt, last.ID)
	}
	return page, nil
}

// ParseCursor splits a "created_at|id" keyset cursor.
func ParseCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", domain.Invalid("invalid cursor")
	}
	return parts[0], parts[1], nil
}

func ComposeCursor(ts, id string) string {
	if ts == "" || id == "" {
		return ""
	}
	return ts + "|" + id
}

func (s *Synchronizer) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.Repo.DB.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func optional(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func deref(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
