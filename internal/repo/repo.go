package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"collabline/internal/domain"
)

type Repo struct {
	DB *sqlx.DB
}

var (
	ErrNotFound = errors.New("not found")
	// ErrStale is returned by conditional updates whose version (or assignment)
	// predicate no longer matches the stored row.
	ErrStale = errors.New("stale write")
)

type projectRow struct {
	ID                string `db:"id"`
	OwnerID           string `db:"owner_id"`
	Title             string `db:"title"`
	Description       string `db:"description"`
	Visibility        string `db:"visibility"`
	ProjectType       string `db:"project_type"`
	Status            string `db:"status"`
	CollaboratorsJSON string `db:"collaborators_json"`
	ApplicationsJSON  string `db:"applications_json"`
	Version           int64  `db:"version"`
	CreatedAt         string `db:"created_at"`
	UpdatedAt         string `db:"updated_at"`
}

const projectColumns = `id,owner_id,title,COALESCE(description,'') AS description,visibility,project_type,status,collaborators_json,applications_json,version,created_at,updated_at`

func (row projectRow) project() (domain.Project, error) {
	p := domain.Project{
		ID:          row.ID,
		OwnerID:     row.OwnerID,
		Title:       row.Title,
		Description: row.Description,
		Visibility:  row.Visibility,
		ProjectType: row.ProjectType,
		Status:      row.Status,
		Version:     row.Version,
		CreatedAt:   row.CreatedAt,
		UpdatedAt:   row.UpdatedAt,
	}
	if err := decodeList(row.CollaboratorsJSON, &p.Collaborators); err != nil {
		return p, fmt.Errorf("project %s collaborators: %w", row.ID, err)
	}
	if err := decodeList(row.ApplicationsJSON, &p.Applications); err != nil {
		return p, fmt.Errorf("project %s applications: %w", row.ID, err)
	}
	if p.Collaborators == nil {
		p.Collaborators = domain.Collaborators{}
	}
	if p.Applications == nil {
		p.Applications = domain.Applications{}
	}
	return p, nil
}

type missionRow struct {
	ID               string         `db:"id"`
	ProjectID        sql.NullString `db:"project_id"`
	CreatorID        string         `db:"creator_id"`
	AssignedTo       sql.NullString `db:"assigned_to"`
	Title            string         `db:"title"`
	Description      string         `db:"description"`
	Status           string         `db:"status"`
	ApplicationsJSON string         `db:"applications_json"`
	Version          int64          `db:"version"`
	CreatedAt        string         `db:"created_at"`
	UpdatedAt        string         `db:"updated_at"`
}

const missionColumns = `id,project_id,creator_id,assigned_to,title,COALESCE(description,'') AS description,status,applications_json,version,created_at,updated_at`

func (row missionRow) mission() (domain.Mission, error) {
	m := domain.Mission{
		ID:          row.ID,
		CreatorID:   row.CreatorID,
		Title:       row.Title,
		Description: row.Description,
		Status:      row.Status,
		Version:     row.Version,
		CreatedAt:   row.CreatedAt,
		UpdatedAt:   row.UpdatedAt,
	}
	if row.ProjectID.Valid {
		m.ProjectID = &row.ProjectID.String
	}
	if row.AssignedTo.Valid {
		m.AssignedTo = &row.AssignedTo.String
	}
	if err := decodeList(row.ApplicationsJSON, &m.Applications); err != nil {
		return m, fmt.Errorf("mission %s applications: %w", row.ID, err)
	}
	if m.Applications == nil {
		m.Applications = domain.Applications{}
	}
	return m, nil
}

func decodeList(data string, dst any) error {
	if strings.TrimSpace(data) == "" {
		return nil
	}
	return json.Unmarshal([]byte(data), dst)
}

func encodeList(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(data) == "null" {
		return "[]", nil
	}
	return string(data), nil
}

// storedApplications strips the display fields that are populated on read.
func storedApplications(as domain.Applications) domain.Applications {
	out := as.Clone()
	for i := range out {
		out[i].Applicant = nil
	}
	return out
}

func storedCollaborators(cs domain.Collaborators) domain.Collaborators {
	out := cs.Clone()
	for i := range out {
		out[i].User = nil
	}
	return out
}

func (r Repo) InsertProject(ctx context.Context, tx *sqlx.Tx, p domain.Project) error {
	collaborators, err := encodeList(storedCollaborators(p.Collaborators))
	if err != nil {
		return err
	}
	applications, err := encodeList(storedApplications(p.Applications))
	if err != nil {
		return err
	}
	if p.Version == 0 {
		p.Version = 1
	}
	_, err = tx.ExecContext(ctx, tx.Rebind(`INSERT INTO projects(id,owner_id,title,description,visibility,project_type,status,collaborators_json,applications_json,version,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`),
		p.ID, p.OwnerID, p.Title, p.Description, p.Visibility, p.ProjectType, p.Status, collaborators, applications, p.Version, p.CreatedAt, p.UpdatedAt)
	return err
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	return getProject(ctx, r.DB, id)
}

func (r Repo) GetProjectTx(ctx context.Context, tx *sqlx.Tx, id string) (domain.Project, error) {
	return getProject(ctx, tx, id)
}

func getProject(ctx context.Context, q sqlx.ExtContext, id string) (domain.Project, error) {
	var row projectRow
	err := sqlx.GetContext(ctx, q, &row, q.Rebind(`SELECT `+projectColumns+` FROM projects WHERE id=?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Project{}, ErrNotFound
	}
	if err != nil {
		return domain.Project{}, err
	}
	return row.project()
}

type ProjectFilters struct {
	OwnerID string
	Status  string
	Limit   int
}

func (r Repo) ListProjects(ctx context.Context, f ProjectFilters) ([]domain.Project, error) {
	var clauses []string
	var args []any
	if f.OwnerID != "" {
		clauses = append(clauses, "owner_id=?")
		args = append(args, f.OwnerID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + projectColumns + ` FROM projects ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	var rows []projectRow
	if err := sqlx.SelectContext(ctx, r.DB, &rows, r.DB.Rebind(query), args...); err != nil {
		return nil, err
	}
	res := make([]domain.Project, 0, len(rows))
	for _, row := range rows {
		p, err := row.project()
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, nil
}

// UpdateProject writes the whole project document if the stored version still
// equals expectedVersion, and bumps p.Version on success.
func (r Repo) UpdateProject(ctx context.Context, tx *sqlx.Tx, p *domain.Project, expectedVersion int64) error {
	collaborators, err := encodeList(storedCollaborators(p.Collaborators))
	if err != nil {
		return err
	}
	applications, err := encodeList(storedApplications(p.Applications))
	if err != nil {
		return err
	}
	next := expectedVersion + 1
	res, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE projects SET title=?, description=?, visibility=?, project_type=?, status=?, collaborators_json=?, applications_json=?, version=?, updated_at=? WHERE id=? AND version=?`),
		p.Title, p.Description, p.Visibility, p.ProjectType, p.Status, collaborators, applications, next, p.UpdatedAt, p.ID, expectedVersion)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStale
	}
	p.Version = next
	return nil
}

func (r Repo) InsertMission(ctx context.Context, tx *sqlx.Tx, m domain.Mission) error {
	applications, err := encodeList(storedApplications(m.Applications))
	if err != nil {
		return err
	}
	if m.Version == 0 {
		m.Version = 1
	}
	_, err = tx.ExecContext(ctx, tx.Rebind(`INSERT INTO missions(id,project_id,creator_id,assigned_to,title,description,status,applications_json,version,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`),
		m.ID, nullableStringPtr(m.ProjectID), m.CreatorID, nullableStringPtr(m.AssignedTo), m.Title, m.Description, m.Status, applications, m.Version, m.CreatedAt, m.UpdatedAt)
	return err
}

func (r Repo) GetMission(ctx context.Context, id string) (domain.Mission, error) {
	return getMission(ctx, r.DB, id)
}

func (r Repo) GetMissionTx(ctx context.Context, tx *sqlx.Tx, id string) (domain.Mission, error) {
	return getMission(ctx, tx, id)
}

func getMission(ctx context.Context, q sqlx.ExtContext, id string) (domain.Mission, error) {
	var row missionRow
	err := sqlx.GetContext(ctx, q, &row, q.Rebind(`SELECT `+missionColumns+` FROM missions WHERE id=?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Mission{}, ErrNotFound
	}
	if err != nil {
		return domain.Mission{}, err
	}
	return row.mission()
}

type MissionFilters struct {
	ProjectID  string
	CreatorID  string
	AssignedTo string
	Status     string
	Limit      int
}

func (r Repo) ListMissions(ctx context.Context, f MissionFilters) ([]domain.Mission, error) {
	var clauses []string
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.CreatorID != "" {
		clauses = append(clauses, "creator_id=?")
		args = append(args, f.CreatorID)
	}
	if f.AssignedTo != "" {
		clauses = append(clauses, "assigned_to=?")
		args = append(args, f.AssignedTo)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + missionColumns + ` FROM missions ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	var rows []missionRow
	if err := sqlx.SelectContext(ctx, r.DB, &rows, r.DB.Rebind(query), args...); err != nil {
		return nil, err
	}
	res := make([]domain.Mission, 0, len(rows))
	for _, row := range rows {
		m, err := row.mission()
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, nil
}

// UpdateMission writes the whole mission document if the stored version still
// equals expectedVersion. A non-empty assignTo additionally requires the stored
// assignment to be empty or already equal to assignTo, so a mission can never
// be handed to two different users.
func (r Repo) UpdateMission(ctx context.Context, tx *sqlx.Tx, m *domain.Mission, expectedVersion int64, assignTo string) error {
	applications, err := encodeList(storedApplications(m.Applications))
	if err != nil {
		return err
	}
	next := expectedVersion + 1
	query := `UPDATE missions SET project_id=?, assigned_to=?, title=?, description=?, status=?, applications_json=?, version=?, updated_at=? WHERE id=? AND version=?`
	args := []any{nullableStringPtr(m.ProjectID), nullableStringPtr(m.AssignedTo), m.Title, m.Description, m.Status, applications, next, m.UpdatedAt, m.ID, expectedVersion}
	if assignTo != "" {
		query += ` AND (assigned_to IS NULL OR assigned_to=?)`
		args = append(args, assignTo)
	}
	res, err := tx.ExecContext(ctx, tx.Rebind(query), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStale
	}
	m.Version = next
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

// TargetRef names a project or mission.
type TargetRef struct {
	Kind string `db:"kind"`
	ID   string `db:"id"`
}

// PendingTargets returns every project and mission that holds at least one
// pending application.
func (r Repo) PendingTargets(ctx context.Context) ([]TargetRef, error) {
	const pending = `%"status":"pending"%`
	query := `SELECT 'project' AS kind, id FROM projects WHERE applications_json LIKE ?
UNION ALL
SELECT 'mission' AS kind, id FROM missions WHERE applications_json LIKE ?
ORDER BY kind, id`
	var refs []TargetRef
	if err := sqlx.SelectContext(ctx, r.DB, &refs, r.DB.Rebind(query), pending, pending); err != nil {
		return nil, err
	}
	return refs, nil
}
