package repo

import (
	"context"
	"database/sql"
	"errors"

	"stageline/internal/domain"
)

const stageColumns = `id,project_id,stage_order,name,COALESCE(description,''),status,progress_percentage,planned_start,planned_end,
COALESCE(time_tolerance,''),COALESCE(cost_tolerance,''),COALESCE(scope_tolerance,''),started_at,completed_at,exception_reason,exception_at,revision,created_at,updated_at`

func scanStage(row interface{ Scan(...any) error }) (domain.Stage, error) {
	var (
		s                                   domain.Stage
		plannedStart, plannedEnd, startedAt sql.NullString
		completedAt, excReason, excAt       sql.NullString
	)
	err := row.Scan(&s.ID, &s.ProjectID, &s.Order, &s.Name, &s.Description, &s.Status, &s.ProgressPercentage,
		&plannedStart, &plannedEnd, &s.TimeTolerance, &s.CostTolerance, &s.ScopeTolerance,
		&startedAt, &completedAt, &excReason, &excAt, &s.Revision, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.PlannedStart = stringPtr(plannedStart)
	s.PlannedEnd = stringPtr(plannedEnd)
	s.StartedAt = stringPtr(startedAt)
	s.CompletedAt = stringPtr(completedAt)
	s.ExceptionReason = stringPtr(excReason)
	s.ExceptionAt = stringPtr(excAt)
	return s, nil
}

func (r Repo) InsertStage(ctx context.Context, q Querier, s domain.Stage) error {
	_, err := r.exec(ctx, q, `INSERT INTO stages(id,project_id,stage_order,name,description,status,progress_percentage,planned_start,planned_end,time_tolerance,cost_tolerance,scope_tolerance,revision,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.ProjectID, s.Order, s.Name, nullable(s.Description), s.Status, s.ProgressPercentage,
		nullableStringPtr(s.PlannedStart), nullableStringPtr(s.PlannedEnd),
		nullable(s.TimeTolerance), nullable(s.CostTolerance), nullable(s.ScopeTolerance), s.Revision, s.CreatedAt, s.UpdatedAt)
	return err
}

func (r Repo) GetStage(ctx context.Context, q Querier, id string) (domain.Stage, error) {
	return scanStage(r.queryRow(ctx, q, `SELECT `+stageColumns+` FROM stages WHERE id=?`, id))
}

func (r Repo) StageByOrder(ctx context.Context, q Querier, projectID string, order int) (domain.Stage, error) {
	return scanStage(r.queryRow(ctx, q, `SELECT `+stageColumns+` FROM stages WHERE project_id=? AND stage_order=?`, projectID, order))
}

func (r Repo) ActiveStage(ctx context.Context, q Querier, projectID string) (domain.Stage, error) {
	return scanStage(r.queryRow(ctx, q, `SELECT `+stageColumns+` FROM stages WHERE project_id=? AND status=?`, projectID, domain.StageActive))
}

func (r Repo) ListStages(ctx context.Context, q Querier, projectID string) ([]domain.Stage, error) {
	rows, err := r.query(ctx, q, `SELECT `+stageColumns+` FROM stages WHERE project_id=? ORDER BY stage_order`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Stage
	for rows.Next() {
		s, err := scanStage(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// LowestOpenStageOrder returns the smallest order among stages that are not completed.
func (r Repo) LowestOpenStageOrder(ctx context.Context, q Querier, projectID string) (int, bool, error) {
	var order sql.NullInt64
	err := r.queryRow(ctx, q, `SELECT MIN(stage_order) FROM stages WHERE project_id=? AND status<>?`, projectID, domain.StageCompleted).Scan(&order)
	if err != nil {
		return 0, false, err
	}
	return int(order.Int64), order.Valid, nil
}

// UpdateStage writes the mutable stage fields at the expected revision.
func (r Repo) UpdateStage(ctx context.Context, q Querier, s domain.Stage, revision int) error {
	res, err := r.exec(ctx, q, `UPDATE stages SET name=?, description=?, status=?, progress_percentage=?, planned_start=?, planned_end=?,
time_tolerance=?, cost_tolerance=?, scope_tolerance=?, started_at=?, completed_at=?, exception_reason=?, exception_at=?, revision=revision+1, updated_at=?
WHERE id=? AND revision=?`,
		s.Name, nullable(s.Description), s.Status, s.ProgressPercentage, nullableStringPtr(s.PlannedStart), nullableStringPtr(s.PlannedEnd),
		nullable(s.TimeTolerance), nullable(s.CostTolerance), nullable(s.ScopeTolerance),
		nullableStringPtr(s.StartedAt), nullableStringPtr(s.CompletedAt), nullableStringPtr(s.ExceptionReason), nullableStringPtr(s.ExceptionAt),
		s.UpdatedAt, s.ID, revision)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func (r Repo) CountStagesByStatus(ctx context.Context, q Querier, projectID string) (map[string]int, error) {
	rows, err := r.query(ctx, q, `SELECT status, COUNT(*) FROM stages WHERE project_id=? GROUP BY status`, projectID)
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
