package repo

import (
	"context"
	"database/sql"
	"errors"

	"stageline/internal/domain"
)

func (r Repo) InsertHighlightReport(ctx context.Context, q Querier, h domain.HighlightReport) error {
	_, err := r.exec(ctx, q, `INSERT INTO highlight_reports(id,project_id,stage_id,period_start,period_end,overall_status,summary,issues_json,next_period_plan,created_by,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		h.ID, h.ProjectID, h.StageID, h.PeriodStart, h.PeriodEnd, h.OverallStatus, h.Summary, marshalList(h.Issues),
		nullable(h.NextPeriodPlan), h.CreatedBy, h.CreatedAt)
	return err
}

func scanHighlightReport(row interface{ Scan(...any) error }) (domain.HighlightReport, error) {
	var h domain.HighlightReport
	var issues string
	err := row.Scan(&h.ID, &h.ProjectID, &h.StageID, &h.PeriodStart, &h.PeriodEnd, &h.OverallStatus, &h.Summary, &issues,
		&h.NextPeriodPlan, &h.CreatedBy, &h.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return h, ErrNotFound
	}
	h.Issues = unmarshalList(issues)
	return h, err
}

const highlightColumns = `id,project_id,stage_id,period_start,period_end,overall_status,summary,issues_json,COALESCE(next_period_plan,''),created_by,created_at`

func (r Repo) GetHighlightReport(ctx context.Context, q Querier, id string) (domain.HighlightReport, error) {
	return scanHighlightReport(r.queryRow(ctx, q, `SELECT `+highlightColumns+` FROM highlight_reports WHERE id=?`, id))
}

func (r Repo) ListHighlightReports(ctx context.Context, q Querier, stageID string) ([]domain.HighlightReport, error) {
	rows, err := r.query(ctx, q, `SELECT `+highlightColumns+` FROM highlight_reports WHERE stage_id=? ORDER BY period_start, created_at`, stageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.HighlightReport
	for rows.Next() {
		h, err := scanHighlightReport(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, h)
	}
	return res, rows.Err()
}

func (r Repo) InsertLesson(ctx context.Context, q Querier, l domain.Lesson) error {
	_, err := r.exec(ctx, q, `INSERT INTO lessons(id,project_id,stage_id,lesson_type,category,description,recommendation,logged_by,created_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		l.ID, l.ProjectID, nullableStringPtr(l.StageID), l.LessonType, l.Category, l.Description, nullable(l.Recommendation), l.LoggedBy, l.CreatedAt)
	return err
}

type LessonFilter struct {
	ProjectID  string
	LessonType string
	Category   string
}

func (r Repo) ListLessons(ctx context.Context, q Querier, f LessonFilter) ([]domain.Lesson, error) {
	query := `SELECT id,project_id,stage_id,lesson_type,category,description,COALESCE(recommendation,''),logged_by,created_at FROM lessons WHERE project_id=?`
	args := []any{f.ProjectID}
	if f.LessonType != "" {
		query += ` AND lesson_type=?`
		args = append(args, f.LessonType)
	}
	if f.Category != "" {
		query += ` AND category=?`
		args = append(args, f.Category)
	}
	query += ` ORDER BY created_at, id`
	rows, err := r.query(ctx, q, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Lesson
	for rows.Next() {
		var l domain.Lesson
		var stageID sql.NullString
		if err := rows.Scan(&l.ID, &l.ProjectID, &stageID, &l.LessonType, &l.Category, &l.Description, &l.Recommendation, &l.LoggedBy, &l.CreatedAt); err != nil {
			return nil, err
		}
		l.StageID = stringPtr(stageID)
		res = append(res, l)
	}
	return res, rows.Err()
}
