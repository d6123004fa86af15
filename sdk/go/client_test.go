package collablinesdk_test

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabline/internal/config"
	"collabline/internal/db"
	"collabline/internal/engine"
	"collabline/internal/migrate"
	"collabline/internal/server"
	collablinesdk "collabline/sdk/go"
)

func newServer(t *testing.T) string {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, migrate.Migrate(conn))
	e := engine.New(conn, config.Default())
	for _, id := range []string{"owner", "u1"} {
		_, err := e.UpsertUser(context.Background(), id, "User "+id, "")
		require.NoError(t, err)
	}
	handler, err := server.New(server.Config{
		Engine: e,
		Log:    zerolog.Nop(),
		Auth:   server.AuthConfig{AllowDevHeader: true},
	})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		srv.Close()
		conn.Close()
	})
	return srv.URL + "/v1"
}

func client(base, userID string) *collablinesdk.Client {
	c := collablinesdk.New(base)
	c.UserID = userID
	return c
}

func TestClientApplicationFlow(t *testing.T) {
	ctx := context.Background()
	base := newServer(t)
	owner := client(base, "owner")
	applicant := client(base, "u1")

	me, err := owner.Me(ctx)
	require.NoError(t, err)
	assert.Equal(t, "owner", me.UserID)

	p, err := owner.CreateProject(ctx, collablinesdk.ProjectInput{Title: "Garden"})
	require.NoError(t, err)
	assert.Equal(t, "collaborative", p.ProjectType)

	res, err := applicant.Apply(ctx, "project", p.ID, collablinesdk.ApplyInput{Message: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "pending", res.Application.Status)

	_, err = applicant.Apply(ctx, "project", p.ID, collablinesdk.ApplyInput{})
	var apiErr *collablinesdk.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 409, apiErr.StatusCode)
	assert.Equal(t, "duplicate_application", apiErr.Reason)

	inbox, err := owner.Notifications(ctx, false, 10, "")
	require.NoError(t, err)
	require.Len(t, inbox.Items, 1)
	assert.Equal(t, "application", inbox.Items[0].Type)

	decided, err := owner.DecideNotification(ctx, inbox.Items[0].ID, "accept")
	require.NoError(t, err)
	assert.Equal(t, "accepted", decided.Application.Status)
	require.NotNil(t, decided.Target.Project)
	require.Len(t, decided.Target.Project.Collaborators, 1)
	assert.Equal(t, "u1", decided.Target.Project.Collaborators[0].UserID)

	apps, err := owner.ListApplications(ctx, "project", p.ID)
	require.NoError(t, err)
	assert.Len(t, apps, 1)

	events, err := owner.Events(ctx, p.ID, 10)
	require.NoError(t, err)
	types := make([]string, 0, len(events))
	for _, evt := range events {
		types = append(types, evt.Type)
	}
	assert.Contains(t, types, "application.accepted")

	updated, err := applicant.RemoveCollaborator(ctx, p.ID, "u1")
	require.NoError(t, err)
	assert.Empty(t, updated.Collaborators)
}

func TestClientMissionDecide(t *testing.T) {
	ctx := context.Background()
	base := newServer(t)
	owner := client(base, "owner")

	m, err := owner.CreateMission(ctx, collablinesdk.MissionInput{Title: "Fix fence"})
	require.NoError(t, err)
	res, err := client(base, "u1").Apply(ctx, "mission", m.ID, collablinesdk.ApplyInput{})
	require.NoError(t, err)

	decided, err := owner.Decide(ctx, "mission", m.ID, res.Application.ID, "accept")
	require.NoError(t, err)
	require.NotNil(t, decided.Target.Mission)
	require.NotNil(t, decided.Target.Mission.AssignedTo)
	assert.Equal(t, "u1", *decided.Target.Mission.AssignedTo)

	got, err := owner.GetMission(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, "u1", *got.AssignedTo)
}

func TestClientUnauthenticated(t *testing.T) {
	base := newServer(t)
	_, err := collablinesdk.New(base).Me(context.Background())
	var apiErr *collablinesdk.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 401, apiErr.StatusCode)
	assert.Equal(t, "unauthorized", apiErr.Code)
}
