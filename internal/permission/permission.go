// Package permission derives a principal's relationship to a project or
// mission. Facts are computed from a snapshot and never cached.
package permission

import (
	"context"
	"errors"
	"fmt"

	"collabline/internal/domain"
)

// ForbiddenError reports the relationship the caller was missing.
type ForbiddenError struct {
	Role string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("%s required", e.Role)
}

// Roles named by ForbiddenError.
const (
	RoleOwner       = "project owner"
	RoleMember      = "project member"
	RoleCreator     = "mission creator"
	RoleEditor      = "mission creator or project member"
	RoleAssignee    = "mission creator, project member or assignee"
	RoleRecipient   = "notification recipient"
	RoleSelfOrOwner = "project owner or the collaborator themself"
)

type ProjectFacts struct {
	IsOwner        bool
	IsCollaborator bool
}

// Member reports owner or collaborator.
func (f ProjectFacts) Member() bool {
	return f.IsOwner || f.IsCollaborator
}

type MissionFacts struct {
	IsCreator                bool
	IsAssignee               bool
	IsProjectMemberOfMission bool
}

// ProjectLookup loads the project a mission links to.
type ProjectLookup interface {
	GetProject(ctx context.Context, id string) (domain.Project, error)
}

// ErrProjectNotFound may be returned by a ProjectLookup for a dangling link.
var ErrProjectNotFound = errors.New("project not found")

// ForProject computes the principal's facts for a project. An empty principal
// has no relationship.
func ForProject(p domain.Project, principal string) ProjectFacts {
	if principal == "" {
		return ProjectFacts{}
	}
	return ProjectFacts{
		IsOwner:        p.OwnerID == principal,
		IsCollaborator: p.Collaborators.Has(principal),
	}
}

// ForMission computes the principal's facts for a mission. The linked project,
// if any, is the only extra read. A dangling project link yields no project
// membership rather than an error.
func ForMission(ctx context.Context, m domain.Mission, principal string, projects ProjectLookup) (MissionFacts, error) {
	if principal == "" {
		return MissionFacts{}, nil
	}
	facts := MissionFacts{
		IsCreator:  m.CreatorID == principal,
		IsAssignee: m.Assignee() == principal,
	}
	if m.ProjectID == nil || *m.ProjectID == "" || projects == nil {
		return facts, nil
	}
	p, err := projects.GetProject(ctx, *m.ProjectID)
	if err != nil {
		if errors.Is(err, ErrProjectNotFound) {
			return facts, nil
		}
		return MissionFacts{}, err
	}
	facts.IsProjectMemberOfMission = ForProject(p, principal).Member()
	return facts, nil
}

// CanViewProject allows anyone on public projects and members on private ones.
func CanViewProject(p domain.Project, f ProjectFacts) error {
	if p.Visibility != domain.VisibilityPrivate || f.Member() {
		return nil
	}
	return ForbiddenError{Role: RoleMember}
}

// CanManageProject guards owner-only operations: listing and deciding
// applications.
func CanManageProject(f ProjectFacts) error {
	if f.IsOwner {
		return nil
	}
	return ForbiddenError{Role: RoleOwner}
}

// CanRemoveCollaborator lets the owner remove anyone and a collaborator remove
// themself.
func CanRemoveCollaborator(f ProjectFacts, principal, target string) error {
	if f.IsOwner || (principal != "" && principal == target && f.IsCollaborator) {
		return nil
	}
	return ForbiddenError{Role: RoleSelfOrOwner}
}

// CanDecide guards direct (non-inbox) decisions on mission applications.
func CanDecide(f MissionFacts) error {
	if f.IsCreator {
		return nil
	}
	return ForbiddenError{Role: RoleCreator}
}

// CanReceiveProposal guards who a proposal may be addressed to and who may
// decide it: the creator or a member of the mission's project.
func CanReceiveProposal(f MissionFacts) error {
	if f.IsCreator || f.IsProjectMemberOfMission {
		return nil
	}
	return ForbiddenError{Role: RoleEditor}
}

// CanEditMissionAll allows editing every mission field.
func CanEditMissionAll(f MissionFacts) bool {
	return f.IsCreator || f.IsProjectMemberOfMission
}

// CanEditMissionRestricted allows the assignee to move the mission status.
func CanEditMissionRestricted(f MissionFacts) bool {
	return f.IsAssignee
}

// CanEditMission checks an update touching the given fields. Only "status"
// is open to the assignee.
func CanEditMission(f MissionFacts, fields []string) error {
	if CanEditMissionAll(f) {
		return nil
	}
	if CanEditMissionRestricted(f) {
		for _, field := range fields {
			if field != "status" {
				return ForbiddenError{Role: RoleEditor}
			}
		}
		return nil
	}
	return ForbiddenError{Role: RoleAssignee}
}
