package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"stageline/internal/domain"
)

const workPackageColumns = `id,project_id,stage_id,reference,title,COALESCE(description,''),status,priority,progress_percentage,team_manager,planned_end_date,
authorized_at,started_at,completed_at,closed_at,revision,created_by,created_at,updated_at`

func scanWorkPackage(row interface{ Scan(...any) error }) (domain.WorkPackage, error) {
	var (
		wp                                    domain.WorkPackage
		teamManager, plannedEnd, authorizedAt sql.NullString
		startedAt, completedAt, closedAt      sql.NullString
	)
	err := row.Scan(&wp.ID, &wp.ProjectID, &wp.StageID, &wp.Reference, &wp.Title, &wp.Description, &wp.Status, &wp.Priority,
		&wp.ProgressPercentage, &teamManager, &plannedEnd, &authorizedAt, &startedAt, &completedAt, &closedAt,
		&wp.Revision, &wp.CreatedBy, &wp.CreatedAt, &wp.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return wp, ErrNotFound
	}
	if err != nil {
		return wp, err
	}
	wp.TeamManager = stringPtr(teamManager)
	wp.PlannedEndDate = stringPtr(plannedEnd)
	wp.AuthorizedAt = stringPtr(authorizedAt)
	wp.StartedAt = stringPtr(startedAt)
	wp.CompletedAt = stringPtr(completedAt)
	wp.ClosedAt = stringPtr(closedAt)
	return wp, nil
}

func (r Repo) InsertWorkPackage(ctx context.Context, q Querier, wp domain.WorkPackage) error {
	_, err := r.exec(ctx, q, `INSERT INTO work_packages(id,project_id,stage_id,reference,title,description,status,priority,progress_percentage,team_manager,planned_end_date,revision,created_by,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		wp.ID, wp.ProjectID, wp.StageID, wp.Reference, wp.Title, nullable(wp.Description), wp.Status, wp.Priority, wp.ProgressPercentage,
		nullableStringPtr(wp.TeamManager), nullableStringPtr(wp.PlannedEndDate), wp.Revision, wp.CreatedBy, wp.CreatedAt, wp.UpdatedAt)
	return err
}

func (r Repo) GetWorkPackage(ctx context.Context, q Querier, id string) (domain.WorkPackage, error) {
	return scanWorkPackage(r.queryRow(ctx, q, `SELECT `+workPackageColumns+` FROM work_packages WHERE id=?`, id))
}

func (r Repo) WorkPackageByReference(ctx context.Context, q Querier, projectID, reference string) (domain.WorkPackage, error) {
	return scanWorkPackage(r.queryRow(ctx, q, `SELECT `+workPackageColumns+` FROM work_packages WHERE project_id=? AND reference=?`, projectID, reference))
}

type WorkPackageFilter struct {
	ProjectID string
	StageID   string
	Status    string
}

func (r Repo) ListWorkPackages(ctx context.Context, q Querier, f WorkPackageFilter) ([]domain.WorkPackage, error) {
	var clauses []string
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.StageID != "" {
		clauses = append(clauses, "stage_id=?")
		args = append(args, f.StageID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	query := `SELECT ` + workPackageColumns + ` FROM work_packages`
	if len(clauses) > 0 {
		query += ` WHERE ` + strings.Join(clauses, " AND ")
	}
	query += ` ORDER BY reference`
	rows, err := r.query(ctx, q, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkPackage
	for rows.Next() {
		wp, err := scanWorkPackage(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, wp)
	}
	return res, rows.Err()
}

// UpdateWorkPackage writes the mutable fields guarded by the previous status and revision.
func (r Repo) UpdateWorkPackage(ctx context.Context, q Querier, wp domain.WorkPackage, fromStatus string, revision int) error {
	res, err := r.exec(ctx, q, `UPDATE work_packages SET title=?, description=?, status=?, priority=?, progress_percentage=?, team_manager=?, planned_end_date=?,
authorized_at=?, started_at=?, completed_at=?, closed_at=?, revision=revision+1, updated_at=?
WHERE id=? AND status=? AND revision=?`,
		wp.Title, nullable(wp.Description), wp.Status, wp.Priority, wp.ProgressPercentage, nullableStringPtr(wp.TeamManager), nullableStringPtr(wp.PlannedEndDate),
		nullableStringPtr(wp.AuthorizedAt), nullableStringPtr(wp.StartedAt), nullableStringPtr(wp.CompletedAt), nullableStringPtr(wp.ClosedAt),
		wp.UpdatedAt, wp.ID, fromStatus, revision)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func (r Repo) DeleteWorkPackage(ctx context.Context, q Querier, id string, revision int) error {
	res, err := r.exec(ctx, q, `DELETE FROM work_packages WHERE id=? AND status=? AND revision=?`, id, domain.WorkPackageDraft, revision)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func (r Repo) CountWorkPackagesByStatus(ctx context.Context, q Querier, projectID string) (map[string]int, error) {
	rows, err := r.query(ctx, q, `SELECT status, COUNT(*) FROM work_packages WHERE project_id=? GROUP BY status`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}
