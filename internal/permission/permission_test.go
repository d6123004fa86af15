package permission

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabline/internal/domain"
)

type projectMap map[string]domain.Project

func (m projectMap) GetProject(_ context.Context, id string) (domain.Project, error) {
	p, ok := m[id]
	if !ok {
		return domain.Project{}, ErrProjectNotFound
	}
	return p, nil
}

type failingLookup struct{}

func (failingLookup) GetProject(context.Context, string) (domain.Project, error) {
	return domain.Project{}, errors.New("db down")
}

func ptr(s string) *string { return &s }

func TestForProject(t *testing.T) {
	p := domain.Project{
		OwnerID:       "owner",
		Collaborators: domain.Collaborators{{UserID: "collab"}},
	}
	cases := []struct {
		name      string
		principal string
		want      ProjectFacts
	}{
		{"owner", "owner", ProjectFacts{IsOwner: true}},
		{"collaborator", "collab", ProjectFacts{IsCollaborator: true}},
		{"stranger", "other", ProjectFacts{}},
		{"anonymous", "", ProjectFacts{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ForProject(p, tc.principal)
			assert.Equal(t, tc.want, got)
			assert.Equal(t, got, ForProject(p, tc.principal), "facts must be deterministic")
		})
	}
}

func TestForMission(t *testing.T) {
	ctx := context.Background()
	projects := projectMap{
		"p1": {ID: "p1", OwnerID: "owner", Collaborators: domain.Collaborators{{UserID: "collab"}}},
	}
	linked := domain.Mission{CreatorID: "creator", ProjectID: ptr("p1"), AssignedTo: ptr("worker")}

	cases := []struct {
		name      string
		mission   domain.Mission
		principal string
		want      MissionFacts
	}{
		{"creator", linked, "creator", MissionFacts{IsCreator: true}},
		{"assignee", linked, "worker", MissionFacts{IsAssignee: true}},
		{"project owner", linked, "owner", MissionFacts{IsProjectMemberOfMission: true}},
		{"project collaborator", linked, "collab", MissionFacts{IsProjectMemberOfMission: true}},
		{"stranger", linked, "other", MissionFacts{}},
		{"anonymous", linked, "", MissionFacts{}},
		{"unlinked mission", domain.Mission{CreatorID: "creator"}, "owner", MissionFacts{}},
		{"dangling link", domain.Mission{CreatorID: "creator", ProjectID: ptr("gone")}, "creator", MissionFacts{IsCreator: true}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ForMission(ctx, tc.mission, tc.principal, projects)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestForMissionPropagatesLookupFailure(t *testing.T) {
	_, err := ForMission(context.Background(), domain.Mission{ProjectID: ptr("p1")}, "u1", failingLookup{})
	require.Error(t, err)
}

func TestPolicies(t *testing.T) {
	var forbidden ForbiddenError

	assert.NoError(t, CanManageProject(ProjectFacts{IsOwner: true}))
	require.ErrorAs(t, CanManageProject(ProjectFacts{IsCollaborator: true}), &forbidden)
	assert.Equal(t, RoleOwner, forbidden.Role)

	assert.NoError(t, CanRemoveCollaborator(ProjectFacts{IsOwner: true}, "owner", "collab"))
	assert.NoError(t, CanRemoveCollaborator(ProjectFacts{IsCollaborator: true}, "collab", "collab"))
	assert.Error(t, CanRemoveCollaborator(ProjectFacts{IsCollaborator: true}, "collab", "other"))

	private := domain.Project{Visibility: domain.VisibilityPrivate}
	assert.Error(t, CanViewProject(private, ProjectFacts{}))
	assert.NoError(t, CanViewProject(private, ProjectFacts{IsCollaborator: true}))
	assert.NoError(t, CanViewProject(domain.Project{Visibility: domain.VisibilityPublic}, ProjectFacts{}))

	assert.NoError(t, CanDecide(MissionFacts{IsCreator: true}))
	assert.Error(t, CanDecide(MissionFacts{IsProjectMemberOfMission: true}))

	assert.NoError(t, CanReceiveProposal(MissionFacts{IsCreator: true}))
	assert.NoError(t, CanReceiveProposal(MissionFacts{IsProjectMemberOfMission: true}))
	var fe ForbiddenError
	require.ErrorAs(t, CanReceiveProposal(MissionFacts{IsAssignee: true}), &fe)
	assert.Equal(t, RoleEditor, fe.Role)
}

func TestCanEditMission(t *testing.T) {
	assert.NoError(t, CanEditMission(MissionFacts{IsCreator: true}, []string{"title", "status"}))
	assert.NoError(t, CanEditMission(MissionFacts{IsProjectMemberOfMission: true}, []string{"description"}))
	assert.NoError(t, CanEditMission(MissionFacts{IsAssignee: true}, []string{"status"}))
	assert.Error(t, CanEditMission(MissionFacts{IsAssignee: true}, []string{"status", "title"}))
	assert.Error(t, CanEditMission(MissionFacts{}, []string{"status"}))
}
