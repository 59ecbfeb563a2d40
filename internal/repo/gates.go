package repo

import (
	"context"
	"database/sql"
	"errors"

	"stageline/internal/domain"
)

const gateColumns = `id,project_id,stage_id,outcome,business_case_still_valid,next_stage_plan_approved,COALESCE(stage_performance_summary,''),
products_completed_json,products_pending_json,COALESCE(lessons_learned,''),COALESCE(decision_notes,''),reviewer,review_date,revision,created_by,created_at,updated_at`

func scanGate(row interface{ Scan(...any) error }) (domain.StageGate, error) {
	var (
		g                  domain.StageGate
		completed, pending string
		reviewer, reviewed sql.NullString
	)
	err := row.Scan(&g.ID, &g.ProjectID, &g.StageID, &g.Outcome, &g.BusinessCaseStillValid, &g.NextStagePlanApproved,
		&g.StagePerformanceSummary, &completed, &pending, &g.LessonsLearned, &g.DecisionNotes, &reviewer, &reviewed,
		&g.Revision, &g.CreatedBy, &g.CreatedAt, &g.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return g, ErrNotFound
	}
	if err != nil {
		return g, err
	}
	g.ProductsCompleted = unmarshalList(completed)
	g.ProductsPending = unmarshalList(pending)
	g.Reviewer = stringPtr(reviewer)
	g.ReviewDate = stringPtr(reviewed)
	return g, nil
}

func (r Repo) InsertGate(ctx context.Context, q Querier, g domain.StageGate) error {
	_, err := r.exec(ctx, q, `INSERT INTO stage_gates(id,project_id,stage_id,outcome,business_case_still_valid,next_stage_plan_approved,stage_performance_summary,
products_completed_json,products_pending_json,lessons_learned,revision,created_by,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		g.ID, g.ProjectID, g.StageID, g.Outcome, g.BusinessCaseStillValid, g.NextStagePlanApproved, nullable(g.StagePerformanceSummary),
		marshalList(g.ProductsCompleted), marshalList(g.ProductsPending), nullable(g.LessonsLearned), g.Revision, g.CreatedBy, g.CreatedAt, g.UpdatedAt)
	return err
}

func (r Repo) GetGate(ctx context.Context, q Querier, id string) (domain.StageGate, error) {
	return scanGate(r.queryRow(ctx, q, `SELECT `+gateColumns+` FROM stage_gates WHERE id=?`, id))
}

func (r Repo) GateForStage(ctx context.Context, q Querier, stageID string) (domain.StageGate, error) {
	return scanGate(r.queryRow(ctx, q, `SELECT `+gateColumns+` FROM stage_gates WHERE stage_id=?`, stageID))
}

func (r Repo) ListGates(ctx context.Context, q Querier, projectID string) ([]domain.StageGate, error) {
	rows, err := r.query(ctx, q, `SELECT `+gateColumns+` FROM stage_gates WHERE project_id=? ORDER BY created_at, id`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StageGate
	for rows.Next() {
		g, err := scanGate(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, g)
	}
	return res, rows.Err()
}

// UpdateGate writes the gate guarded by the previous outcome and revision.
func (r Repo) UpdateGate(ctx context.Context, q Querier, g domain.StageGate, fromOutcome string, revision int) error {
	res, err := r.exec(ctx, q, `UPDATE stage_gates SET outcome=?, business_case_still_valid=?, next_stage_plan_approved=?, stage_performance_summary=?,
products_completed_json=?, products_pending_json=?, lessons_learned=?, decision_notes=?, reviewer=?, review_date=?, revision=revision+1, updated_at=?
WHERE id=? AND outcome=? AND revision=?`,
		g.Outcome, g.BusinessCaseStillValid, g.NextStagePlanApproved, nullable(g.StagePerformanceSummary),
		marshalList(g.ProductsCompleted), marshalList(g.ProductsPending), nullable(g.LessonsLearned), nullable(g.DecisionNotes),
		nullableStringPtr(g.Reviewer), nullableStringPtr(g.ReviewDate), g.UpdatedAt, g.ID, fromOutcome, revision)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func (r Repo) CountPendingGates(ctx context.Context, q Querier, projectID string) (int, error) {
	var n int
	err := r.queryRow(ctx, q, `SELECT COUNT(*) FROM stage_gates WHERE project_id=? AND outcome=?`, projectID, domain.GatePending).Scan(&n)
	return n, err
}
