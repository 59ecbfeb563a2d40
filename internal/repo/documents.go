package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"stageline/internal/domain"
)

const documentColumns = `id,project_id,kind,stage_id,status,version,revision,content_json,baseline_date,approved_by,approved_at,supersedes_id,created_by,created_at,updated_at`

func scopeKey(stageID *string) string {
	if stageID == nil {
		return ""
	}
	return *stageID
}

func scanDocument(row interface{ Scan(...any) error }) (domain.Document, error) {
	var (
		d                                                     domain.Document
		stageID, baseline, approvedBy, approvedAt, supersedes sql.NullString
		content                                               string
	)
	err := row.Scan(&d.ID, &d.ProjectID, &d.Kind, &stageID, &d.Status, &d.Version, &d.Revision, &content,
		&baseline, &approvedBy, &approvedAt, &supersedes, &d.CreatedBy, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	d.StageID = stringPtr(stageID)
	d.BaselineDate = stringPtr(baseline)
	d.ApprovedBy = stringPtr(approvedBy)
	d.ApprovedAt = stringPtr(approvedAt)
	d.SupersedesID = stringPtr(supersedes)
	d.Content = []byte(content)
	return d, nil
}

func (r Repo) InsertDocument(ctx context.Context, q Querier, d domain.Document) error {
	_, err := r.exec(ctx, q, `INSERT INTO documents(id,project_id,kind,stage_id,status,version,revision,content_json,baseline_date,approved_by,approved_at,supersedes_id,created_by,created_at,updated_at,scope_key)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		d.ID, d.ProjectID, d.Kind, nullableStringPtr(d.StageID), d.Status, d.Version, d.Revision, string(d.Content),
		nullableStringPtr(d.BaselineDate), nullableStringPtr(d.ApprovedBy), nullableStringPtr(d.ApprovedAt), nullableStringPtr(d.SupersedesID),
		d.CreatedBy, d.CreatedAt, d.UpdatedAt, scopeKey(d.StageID))
	return err
}

func (r Repo) GetDocument(ctx context.Context, q Querier, id string) (domain.Document, error) {
	return scanDocument(r.queryRow(ctx, q, `SELECT `+documentColumns+` FROM documents WHERE id=?`, id))
}

type DocumentFilter struct {
	ProjectID string
	Kind      string
	StageID   string
	Status    string
}

func (r Repo) ListDocuments(ctx context.Context, q Querier, f DocumentFilter) ([]domain.Document, error) {
	clauses := []string{"project_id=?"}
	args := []any{f.ProjectID}
	if f.Kind != "" {
		clauses = append(clauses, "kind=?")
		args = append(args, f.Kind)
	}
	if f.StageID != "" {
		clauses = append(clauses, "stage_id=?")
		args = append(args, f.StageID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	rows, err := r.query(ctx, q, `SELECT `+documentColumns+` FROM documents WHERE `+strings.Join(clauses, " AND ")+` ORDER BY kind, scope_key, version DESC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// LatestDocument returns the highest version of a document, optionally restricted to a status.
func (r Repo) LatestDocument(ctx context.Context, q Querier, projectID, kind string, stageID *string, status string) (domain.Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents WHERE project_id=? AND kind=? AND scope_key=?`
	args := []any{projectID, kind, scopeKey(stageID)}
	if status != "" {
		query += ` AND status=?`
		args = append(args, status)
	}
	query += ` ORDER BY version DESC LIMIT 1`
	return scanDocument(r.queryRow(ctx, q, query, args...))
}

func (r Repo) CountDocuments(ctx context.Context, q Querier, projectID, kind string, stageID *string) (int, error) {
	var n int
	err := r.queryRow(ctx, q, `SELECT COUNT(*) FROM documents WHERE project_id=? AND kind=? AND scope_key=?`, projectID, kind, scopeKey(stageID)).Scan(&n)
	return n, err
}

// HasApprovedStagePlan reports whether the stage has an approved plan.
func (r Repo) HasApprovedStagePlan(ctx context.Context, q Querier, stageID string) (bool, error) {
	var n int
	err := r.queryRow(ctx, q, `SELECT COUNT(*) FROM documents WHERE kind=? AND stage_id=? AND status=?`,
		domain.DocumentStagePlan, stageID, domain.DocumentApproved).Scan(&n)
	return n > 0, err
}

// HasExceptionPlan reports whether a plan of the stage was approved after the
// stage last went into exception. Approval and exception are ordered by their
// event ids, which timestamps cannot do within one second.
func (r Repo) HasExceptionPlan(ctx context.Context, q Querier, stageID string) (bool, error) {
	var n int
	err := r.queryRow(ctx, q, `SELECT COUNT(*) FROM events a JOIN documents d ON d.id=a.entity_id
WHERE a.type='document.approved' AND a.entity_kind=? AND d.stage_id=? AND d.status=?
AND a.id>(SELECT COALESCE(MAX(x.id),0) FROM events x WHERE x.entity_kind='stage' AND x.entity_id=? AND x.type='stage.exception')`,
		domain.DocumentStagePlan, stageID, domain.DocumentApproved, stageID).Scan(&n)
	return n > 0, err
}

// UpdateDocumentContent replaces the body of a draft at the expected revision.
func (r Repo) UpdateDocumentContent(ctx context.Context, q Querier, id string, content []byte, revision int, now string) error {
	res, err := r.exec(ctx, q, `UPDATE documents SET content_json=?, revision=revision+1, updated_at=? WHERE id=? AND status=? AND revision=?`,
		string(content), now, id, domain.DocumentDraft, revision)
	if err != nil {
		return err
	}
	return expectOne(res)
}

// MarkDocumentApproved freezes a draft at the expected revision.
func (r Repo) MarkDocumentApproved(ctx context.Context, q Querier, d domain.Document, revision int) error {
	res, err := r.exec(ctx, q, `UPDATE documents SET status=?, content_json=?, baseline_date=?, approved_by=?, approved_at=?, revision=revision+1, updated_at=?
WHERE id=? AND status=? AND revision=?`,
		d.Status, string(d.Content), nullableStringPtr(d.BaselineDate), nullableStringPtr(d.ApprovedBy), nullableStringPtr(d.ApprovedAt), d.UpdatedAt,
		d.ID, domain.DocumentDraft, revision)
	if err != nil {
		return err
	}
	return expectOne(res)
}
