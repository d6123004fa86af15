package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/jmoiron/sqlx"

	"collabline/internal/domain"
)

const notificationColumns = `id,type,from_id,to_id,project_id,mission_id,application_id,COALESCE(title,'') AS title,COALESCE(message,'') AS message,is_read,status,dedupe_key,created_at,updated_at`

// InsertNotification stores n unless a notification with the same recipient
// and dedupe key exists, in which case the stored one is returned and created
// is false.
func (r Repo) InsertNotification(ctx context.Context, tx *sqlx.Tx, n domain.Notification) (stored domain.Notification, created bool, err error) {
	if n.DedupeKey != nil && *n.DedupeKey != "" {
		existing, err := getNotification(ctx, tx, `to_id=? AND dedupe_key=?`, n.ToID, *n.DedupeKey)
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return domain.Notification{}, false, err
		}
	}
	_, err = tx.ExecContext(ctx, tx.Rebind(`INSERT INTO notifications(id,type,from_id,to_id,project_id,mission_id,application_id,title,message,is_read,status,dedupe_key,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`),
		n.ID, n.Type, n.FromID, n.ToID, nullableStringPtr(n.ProjectID), nullableStringPtr(n.MissionID), nullableStringPtr(n.ApplicationID),
		n.Title, n.Message, n.Read, n.Status, nullableStringPtr(n.DedupeKey), n.CreatedAt, n.UpdatedAt)
	if err != nil {
		return domain.Notification{}, false, err
	}
	return n, true, nil
}

func getNotification(ctx context.Context, q sqlx.ExtContext, where string, args ...any) (domain.Notification, error) {
	var n domain.Notification
	err := sqlx.GetContext(ctx, q, &n, q.Rebind(`SELECT `+notificationColumns+` FROM notifications WHERE `+where), args...)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Notification{}, ErrNotFound
	}
	return n, err
}

func (r Repo) GetNotification(ctx context.Context, id string) (domain.Notification, error) {
	return getNotification(ctx, r.DB, `id=?`, id)
}

func (r Repo) GetNotificationTx(ctx context.Context, tx *sqlx.Tx, id string) (domain.Notification, error) {
	return getNotification(ctx, tx, `id=?`, id)
}

// GetNotificationByDedupe looks up the notification a retried emission would
// collide with.
func (r Repo) GetNotificationByDedupe(ctx context.Context, toID, key string) (domain.Notification, error) {
	return getNotification(ctx, r.DB, `to_id=? AND dedupe_key=?`, toID, key)
}

type NotificationFilters struct {
	ToID        string
	PendingOnly bool
	Status      string
	Type        string
	Limit       int

	// Keyset cursor: rows strictly older than (CursorCreatedAt, CursorID).
	CursorCreatedAt string
	CursorID        string
}

// ListNotifications returns the recipient's notifications newest first.
func (r Repo) ListNotifications(ctx context.Context, f NotificationFilters) ([]domain.Notification, error) {
	clauses := []string{"to_id=?"}
	args := []any{f.ToID}
	if f.PendingOnly {
		clauses = append(clauses, "is_read=?", "status=?")
		args = append(args, false, domain.NotificationPending)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	res := []domain.Notification{}
	if err := r.DB.SelectContext(ctx, &res, r.DB.Rebind(query), args...); err != nil {
		return nil, err
	}
	return res, nil
}

// UpdateNotificationState moves a notification from the observed (read,
// status) pair to the new one. ErrStale means another writer moved it first.
func (r Repo) UpdateNotificationState(ctx context.Context, tx *sqlx.Tx, n domain.Notification, read bool, status, updatedAt string) error {
	res, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE notifications SET is_read=?, status=?, updated_at=? WHERE id=? AND is_read=? AND status=?`),
		read, status, updatedAt, n.ID, n.Read, n.Status)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrStale
	}
	return nil
}

// SettleNotifications marks every undecided notification of the given types
// about an application as read with the given status.
func (r Repo) SettleNotifications(ctx context.Context, tx *sqlx.Tx, applicationID, status string, types []string, updatedAt string) (int64, error) {
	if len(types) == 0 {
		return 0, nil
	}
	query, args, err := sqlx.In(`UPDATE notifications SET is_read=?, status=?, updated_at=? WHERE application_id=? AND status IN (?) AND type IN (?)`,
		true, status, updatedAt, applicationID, []string{domain.NotificationPending, domain.NotificationRead}, types)
	if err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, tx.Rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
