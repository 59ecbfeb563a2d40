package repo

import (
	"context"
	"database/sql"
	"errors"
	"sort"

	"stageline/internal/domain"
)

const toleranceColumns = `id,project_id,tolerance_type,plus_tolerance,minus_tolerance,COALESCE(current_status,''),last_deviation,is_exceeded,measured_at,revision,updated_at`

func scanTolerance(row interface{ Scan(...any) error }) (domain.Tolerance, error) {
	var (
		t          domain.Tolerance
		deviation  sql.NullFloat64
		measuredAt sql.NullString
	)
	err := row.Scan(&t.ID, &t.ProjectID, &t.Type, &t.PlusTolerance, &t.MinusTolerance, &t.CurrentStatus, &deviation,
		&t.IsExceeded, &measuredAt, &t.Revision, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.LastDeviation = floatPtr(deviation)
	t.MeasuredAt = stringPtr(measuredAt)
	return t, nil
}

func (r Repo) InsertTolerance(ctx context.Context, q Querier, t domain.Tolerance) error {
	_, err := r.exec(ctx, q, `INSERT INTO tolerances(id,project_id,tolerance_type,plus_tolerance,minus_tolerance,is_exceeded,revision,updated_at) VALUES (?,?,?,?,?,?,?,?)`,
		t.ID, t.ProjectID, t.Type, t.PlusTolerance, t.MinusTolerance, t.IsExceeded, t.Revision, t.UpdatedAt)
	return err
}

func (r Repo) GetTolerance(ctx context.Context, q Querier, projectID, toleranceType string) (domain.Tolerance, error) {
	return scanTolerance(r.queryRow(ctx, q, `SELECT `+toleranceColumns+` FROM tolerances WHERE project_id=? AND tolerance_type=?`, projectID, toleranceType))
}

func (r Repo) ListTolerances(ctx context.Context, q Querier, projectID string) ([]domain.Tolerance, error) {
	rows, err := r.query(ctx, q, `SELECT `+toleranceColumns+` FROM tolerances WHERE project_id=?`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Tolerance
	for rows.Next() {
		t, err := scanTolerance(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortTolerances(res)
	return res, nil
}

func sortTolerances(items []domain.Tolerance) {
	rank := map[string]int{}
	for i, t := range domain.ToleranceTypes {
		rank[t] = i
	}
	sort.Slice(items, func(i, j int) bool { return rank[items[i].Type] < rank[items[j].Type] })
}

func (r Repo) CountTolerances(ctx context.Context, q Querier, projectID string) (int, error) {
	var n int
	err := r.queryRow(ctx, q, `SELECT COUNT(*) FROM tolerances WHERE project_id=?`, projectID).Scan(&n)
	return n, err
}

// UpdateTolerance writes bands and the latest measurement at the expected revision.
func (r Repo) UpdateTolerance(ctx context.Context, q Querier, t domain.Tolerance, revision int) error {
	res, err := r.exec(ctx, q, `UPDATE tolerances SET plus_tolerance=?, minus_tolerance=?, current_status=?, last_deviation=?, is_exceeded=?, measured_at=?,
revision=revision+1, updated_at=? WHERE id=? AND revision=?`,
		t.PlusTolerance, t.MinusTolerance, nullable(t.CurrentStatus), nullableFloatPtr(t.LastDeviation), t.IsExceeded,
		nullableStringPtr(t.MeasuredAt), t.UpdatedAt, t.ID, revision)
	if err != nil {
		return err
	}
	return expectOne(res)
}
