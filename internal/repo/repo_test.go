package repo

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabline/internal/domain"
)

func newMockRepo(t *testing.T) (Repo, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return Repo{DB: sqlx.NewDb(conn, "sqlmock")}, mock
}

func strPtr(s string) *string { return &s }

func TestUpdateProjectStaleVersion(t *testing.T) {
	r, mock := newMockRepo(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE projects SET`)).
		WithArgs("Site", "", domain.VisibilityPublic, domain.ProjectCollaborative, domain.ProjectActive, "[]", "[]", int64(4), "t1", "p1", int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	tx, err := r.DB.Beginx()
	require.NoError(t, err)
	p := domain.Project{
		ID:          "p1",
		Title:       "Site",
		Visibility:  domain.VisibilityPublic,
		ProjectType: domain.ProjectCollaborative,
		Status:      domain.ProjectActive,
		UpdatedAt:   "t1",
		Version:     3,
	}
	err = r.UpdateProject(ctx, tx, &p, 3)
	require.ErrorIs(t, err, ErrStale)
	assert.Equal(t, int64(3), p.Version)
	require.NoError(t, tx.Rollback())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateProjectBumpsVersion(t *testing.T) {
	r, mock := newMockRepo(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE projects SET`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	tx, err := r.DB.Beginx()
	require.NoError(t, err)
	p := domain.Project{ID: "p1", Version: 1}
	require.NoError(t, r.UpdateProject(ctx, tx, &p, 1))
	assert.Equal(t, int64(2), p.Version)
	require.NoError(t, tx.Commit())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateMissionAssignPredicate(t *testing.T) {
	r, mock := newMockRepo(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`WHERE id=? AND version=? AND (assigned_to IS NULL OR assigned_to=?)`)).
		WithArgs(nil, "u2", "Logo", "", domain.MissionTodo, "[]", int64(2), "t1", "m1", int64(1), "u2").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	tx, err := r.DB.Beginx()
	require.NoError(t, err)
	m := domain.Mission{ID: "m1", AssignedTo: strPtr("u2"), Title: "Logo", Status: domain.MissionTodo, UpdatedAt: "t1"}
	require.ErrorIs(t, r.UpdateMission(ctx, tx, &m, 1, "u2"), ErrStale)
	require.NoError(t, tx.Rollback())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateMissionWithoutAssignment(t *testing.T) {
	r, mock := newMockRepo(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE missions SET .* WHERE id=\? AND version=\?$`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	tx, err := r.DB.Beginx()
	require.NoError(t, err)
	m := domain.Mission{ID: "m1", Title: "Logo", Status: domain.MissionInProgress}
	require.NoError(t, r.UpdateMission(ctx, tx, &m, 5, ""))
	assert.Equal(t, int64(6), m.Version)
	require.NoError(t, tx.Commit())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertNotificationReturnsExistingForDedupeKey(t *testing.T) {
	r, mock := newMockRepo(t)
	ctx := context.Background()

	mock.ExpectBegin()
	cols := []string{"id", "type", "from_id", "to_id", "project_id", "mission_id", "application_id", "title", "message", "is_read", "status", "dedupe_key", "created_at", "updated_at"}
	mock.ExpectQuery(regexp.QuoteMeta(`FROM notifications WHERE to_id=? AND dedupe_key=?`)).
		WithArgs("owner", "application:a1:submitted").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("n-old", domain.NotificationApplication, "u1", "owner", "p1", nil, "a1", "New application", "", false, domain.NotificationPending, "application:a1:submitted", "t0", "t0"))
	mock.ExpectRollback()

	tx, err := r.DB.Beginx()
	require.NoError(t, err)
	got, created, err := r.InsertNotification(ctx, tx, domain.Notification{
		ID:        "n-new",
		Type:      domain.NotificationApplication,
		FromID:    "u1",
		ToID:      "owner",
		DedupeKey: strPtr("application:a1:submitted"),
		Status:    domain.NotificationPending,
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "n-old", got.ID)
	require.NotNil(t, got.ProjectID)
	assert.Equal(t, "p1", *got.ProjectID)
	assert.Nil(t, got.MissionID)
	require.NoError(t, tx.Rollback())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateNotificationStateConditional(t *testing.T) {
	r, mock := newMockRepo(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE notifications SET is_read=?, status=?, updated_at=? WHERE id=? AND is_read=? AND status=?`)).
		WithArgs(true, domain.NotificationAccepted, "t1", "n1", false, domain.NotificationPending).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	tx, err := r.DB.Beginx()
	require.NoError(t, err)
	n := domain.Notification{ID: "n1", Read: false, Status: domain.NotificationPending}
	err = r.UpdateNotificationState(ctx, tx, n, true, domain.NotificationAccepted, "t1")
	require.ErrorIs(t, err, ErrStale)
	require.NoError(t, tx.Rollback())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetProjectNotFound(t *testing.T) {
	r, mock := newMockRepo(t)
	mock.ExpectQuery(regexp.QuoteMeta(`FROM projects WHERE id=?`)).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := r.GetProject(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProjectRowDecodesEmbeddedLists(t *testing.T) {
	row := projectRow{
		ID:                "p1",
		CollaboratorsJSON: `[{"user_id":"u2","role":"member","joined_at":"t1"}]`,
		ApplicationsJSON:  `[{"id":"a1","applicant_id":"u2","recipient_id":"u1","kind":"application","status":"accepted","created_at":"t0"}]`,
	}
	p, err := row.project()
	require.NoError(t, err)
	require.Len(t, p.Collaborators, 1)
	assert.True(t, p.Collaborators.Has("u2"))
	require.Len(t, p.Applications, 1)
	assert.Equal(t, domain.ApplicationAccepted, p.Applications[0].Status)

	empty, err := projectRow{ID: "p2"}.project()
	require.NoError(t, err)
	assert.NotNil(t, empty.Collaborators)
	assert.NotNil(t, empty.Applications)
}

func TestStoredApplicationsDropDisplayFields(t *testing.T) {
	as := domain.Applications{{ID: "a1", Applicant: &domain.DisplayFields{Name: "Ana"}}}
	stored := storedApplications(as)
	assert.Nil(t, stored[0].Applicant)
	assert.NotNil(t, as[0].Applicant)
}
