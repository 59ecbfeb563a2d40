package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"stageline/internal/domain"
	"stageline/internal/engine/auth"
	"stageline/internal/events"
	"stageline/internal/metrics"
	"stageline/internal/repo"
)

// singletonKinds may only be created once per project; later versions come from ReviseDocument.
var singletonKinds = map[string]bool{
	domain.DocumentBusinessCase:     true,
	domain.DocumentPID:              true,
	domain.DocumentEndProjectReport: true,
}

func editAction(kind string) string {
	return kind + ".edit"
}

func approveAction(kind string) string {
	if kind == domain.DocumentPID {
		return "pid.baseline"
	}
	return kind + ".approve"
}

// normalizeContent decodes, normalizes and validates a document body.
func normalizeContent(kind string, raw json.RawMessage) (json.RawMessage, error) {
	c, err := domain.DecodeContent(kind, raw)
	if err != nil {
		return nil, validationError("invalid_content", "%v", err)
	}
	c.Normalize()
	if problems := c.Problems(); len(problems) > 0 {
		return nil, validationError("missing_fields", "%s content is incomplete: %s", kind, strings.Join(problems, "; ")).with("problems", problems)
	}
	out, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	return out, nil
}

type CreateDocumentOptions struct {
	ProjectID string
	Kind      string
	StageID   string
	Content   json.RawMessage
	ActorID   string
}

// CreateDocument opens a new draft. Only one draft per project, kind and stage may be open.
func (e Engine) CreateDocument(ctx context.Context, opts CreateDocumentOptions) (domain.Document, error) {
	if !domain.IsDocumentKind(opts.Kind) {
		return domain.Document{}, validationError("invalid_kind", "unknown document kind %q", opts.Kind).with("allowed", domain.DocumentKinds)
	}
	var stageID *string
	if opts.Kind == domain.DocumentStagePlan {
		if strings.TrimSpace(opts.StageID) == "" {
			return domain.Document{}, validationError("stage_required", "stage_plan requires a stage")
		}
		stageID = &opts.StageID
	} else if opts.StageID != "" {
		return domain.Document{}, validationError("stage_not_allowed", "%s is not scoped to a stage", opts.Kind)
	}
	content, err := normalizeContent(opts.Kind, opts.Content)
	if err != nil {
		return domain.Document{}, err
	}
	now := e.timestamp()
	d := domain.Document{
		ID:        newID(),
		ProjectID: opts.ProjectID,
		Kind:      opts.Kind,
		StageID:   stageID,
		Status:    domain.DocumentDraft,
		Version:   1,
		Revision:  1,
		Content:   content,
		CreatedBy: opts.ActorID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err = e.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := e.loadProject(ctx, tx, opts.ProjectID); err != nil {
			return err
		}
		if _, err := e.authorize(ctx, tx, opts.ProjectID, opts.ActorID, editAction(opts.Kind), auth.Entity{Kind: opts.Kind}); err != nil {
			return err
		}
		switch opts.Kind {
		case domain.DocumentStagePlan:
			st, err := e.Repo.GetStage(ctx, tx, opts.StageID)
			if err != nil {
				return notFound(err, "stage", opts.StageID)
			}
			if st.ProjectID != opts.ProjectID {
				return notFoundError("stage", opts.StageID)
			}
		case domain.DocumentEndProjectReport:
			if err := e.requireAllStagesCompleted(ctx, tx, opts.ProjectID); err != nil {
				return err
			}
		}
		latest, err := e.Repo.LatestDocument(ctx, tx, opts.ProjectID, opts.Kind, stageID, "")
		switch {
		case err == nil:
			if latest.Status == domain.DocumentDraft {
				return conflictError("draft_exists", "an open %s draft already exists", opts.Kind).with("document_id", latest.ID)
			}
			if singletonKinds[opts.Kind] {
				return conflictError("document_exists", "%s already exists; revise it instead", opts.Kind).with("document_id", latest.ID)
			}
			d.Version = latest.Version + 1
			d.SupersedesID = &latest.ID
		case !errors.Is(err, repo.ErrNotFound):
			return err
		}
		if err := e.Repo.InsertDocument(ctx, tx, d); err != nil {
			return err
		}
		return e.eventWriter().Append(ctx, tx, "document.created", d.ProjectID, opts.Kind, d.ID, opts.ActorID, events.EventPayload{
			"version":  d.Version,
			"stage_id": opts.StageID,
		})
	})
	if err != nil {
		return domain.Document{}, err
	}
	e.committed(d.ProjectID, opts.Kind, "create", d.ID, opts.ActorID, zap.Int("version", d.Version))
	return d, nil
}

func (e Engine) requireAllStagesCompleted(ctx context.Context, q repo.Querier, projectID string) error {
	counts, err := e.Repo.CountStagesByStatus(ctx, q, projectID)
	if err != nil {
		return err
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	if total == 0 || counts[domain.StageCompleted] != total {
		return preconditionError("stages_not_completed", "every stage must be completed before closing the project").
			with("stage_counts", counts)
	}
	return nil
}

// UpdateDocument replaces the body of a draft. A non-nil expectedRevision must
// match the stored revision.
func (e Engine) UpdateDocument(ctx context.Context, id string, content json.RawMessage, expectedRevision *int, actorID string) (domain.Document, error) {
	var d domain.Document
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		d, err = e.Repo.GetDocument(ctx, tx, id)
		if err != nil {
			return notFound(err, "document", id)
		}
		if _, err := e.authorize(ctx, tx, d.ProjectID, actorID, editAction(d.Kind), auth.Entity{Kind: d.Kind, ID: d.ID}); err != nil {
			return err
		}
		if d.Status != domain.DocumentDraft {
			return invalidStateError("document_frozen", "%s version %d is %s and can no longer change", d.Kind, d.Version, d.Status)
		}
		if expectedRevision != nil && *expectedRevision != d.Revision {
			return conflictError("stale_revision", "document revision is %d, not %d", d.Revision, *expectedRevision).
				with("revision", d.Revision)
		}
		body, err := normalizeContent(d.Kind, content)
		if err != nil {
			return err
		}
		now := e.timestamp()
		if err := e.Repo.UpdateDocumentContent(ctx, tx, d.ID, body, d.Revision, now); err != nil {
			return err
		}
		d.Content = body
		d.Revision++
		d.UpdatedAt = now
		return e.eventWriter().Append(ctx, tx, "document.updated", d.ProjectID, d.Kind, d.ID, actorID, events.EventPayload{"revision": d.Revision})
	})
	if err != nil {
		return domain.Document{}, err
	}
	e.committed(d.ProjectID, d.Kind, "update", d.ID, actorID)
	return d, nil
}

// ApproveDocument freezes a draft. A PID becomes baselined, every other kind approved.
func (e Engine) ApproveDocument(ctx context.Context, id, actorID string) (domain.Document, error) {
	var d domain.Document
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		d, err = e.Repo.GetDocument(ctx, tx, id)
		if err != nil {
			return notFound(err, "document", id)
		}
		if _, err := e.authorize(ctx, tx, d.ProjectID, actorID, approveAction(d.Kind), auth.Entity{Kind: d.Kind, ID: d.ID}); err != nil {
			return err
		}
		d, err = e.approveDocumentTx(ctx, tx, d, actorID)
		return err
	})
	if err != nil {
		return domain.Document{}, err
	}
	e.committed(d.ProjectID, d.Kind, "approve", d.ID, actorID, zap.Int("version", d.Version), zap.String("status", d.Status))
	e.archive(ctx, d)
	return d, nil
}

// approveDocumentTx validates and freezes d inside tx. Callers authorize.
func (e Engine) approveDocumentTx(ctx context.Context, tx *sql.Tx, d domain.Document, actorID string) (domain.Document, error) {
	if d.Frozen() {
		return d, invalidStateError("document_already_approved", "%s version %d is already %s", d.Kind, d.Version, d.Status)
	}
	body, err := normalizeContent(d.Kind, d.Content)
	if err != nil {
		return d, err
	}
	now := e.timestamp()
	prev := d.Revision
	d.Content = body
	d.Status = domain.ApprovedStatus(d.Kind)
	d.ApprovedBy = &actorID
	d.ApprovedAt = &now
	if d.Kind == domain.DocumentPID {
		d.BaselineDate = &now
	}
	d.UpdatedAt = now
	if err := e.Repo.MarkDocumentApproved(ctx, tx, d, prev); err != nil {
		return d, err
	}
	d.Revision = prev + 1
	evt := "document.approved"
	if d.Status == domain.DocumentBaselined {
		evt = "document.baselined"
	}
	payload := events.EventPayload{"kind": d.Kind, "version": d.Version}
	if d.StageID != nil {
		payload["stage_id"] = *d.StageID
	}
	return d, e.eventWriter().Append(ctx, tx, evt, d.ProjectID, d.Kind, d.ID, actorID, payload)
}

// archive stores a frozen snapshot. Failures are logged; the approval stands.
func (e Engine) archive(ctx context.Context, d domain.Document) {
	if e.Archive == nil {
		return
	}
	start := time.Now()
	key, err := e.Archive.Put(ctx, d)
	if err != nil {
		metrics.RecordArchive(d.Kind, "failed", time.Since(start))
		e.logger().Error("archive baseline failed", zap.String("document_id", d.ID), zap.String("kind", d.Kind), zap.Error(err))
		return
	}
	metrics.RecordArchive(d.Kind, "success", time.Since(start))
	e.logger().Debug("baseline archived", zap.String("document_id", d.ID), zap.String("key", key))
}

// ReviseDocument opens a new draft version from the latest approved or
// baselined document. The frozen version stays the reference baseline until
// the new draft is approved.
func (e Engine) ReviseDocument(ctx context.Context, id, actorID string) (domain.Document, error) {
	var next domain.Document
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		d, err := e.Repo.GetDocument(ctx, tx, id)
		if err != nil {
			return notFound(err, "document", id)
		}
		if _, err := e.authorize(ctx, tx, d.ProjectID, actorID, editAction(d.Kind), auth.Entity{Kind: d.Kind, ID: d.ID}); err != nil {
			return err
		}
		if !d.Frozen() {
			return invalidStateError("document_not_frozen", "%s version %d is still a draft; update it instead", d.Kind, d.Version)
		}
		latest, err := e.Repo.LatestDocument(ctx, tx, d.ProjectID, d.Kind, d.StageID, "")
		if err != nil {
			return err
		}
		if latest.ID != d.ID {
			if latest.Status == domain.DocumentDraft {
				return conflictError("draft_exists", "an open %s draft already exists", d.Kind).with("document_id", latest.ID)
			}
			return invalidStateError("document_superseded", "%s version %d is superseded by version %d", d.Kind, d.Version, latest.Version)
		}
		now := e.timestamp()
		next = domain.Document{
			ID:           newID(),
			ProjectID:    d.ProjectID,
			Kind:         d.Kind,
			StageID:      d.StageID,
			Status:       domain.DocumentDraft,
			Version:      d.Version + 1,
			Revision:     1,
			Content:      d.Content,
			SupersedesID: &d.ID,
			CreatedBy:    actorID,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := e.Repo.InsertDocument(ctx, tx, next); err != nil {
			return err
		}
		return e.eventWriter().Append(ctx, tx, "document.revised", d.ProjectID, d.Kind, next.ID, actorID, events.EventPayload{
			"version":    next.Version,
			"supersedes": d.ID,
		})
	})
	if err != nil {
		return domain.Document{}, err
	}
	e.committed(next.ProjectID, next.Kind, "revise", next.ID, actorID, zap.Int("version", next.Version))
	return next, nil
}

func (e Engine) GetDocument(ctx context.Context, id string) (domain.Document, error) {
	d, err := e.Repo.GetDocument(ctx, e.DB, id)
	return d, notFound(err, "document", id)
}

func (e Engine) ListDocuments(ctx context.Context, f repo.DocumentFilter) ([]domain.Document, error) {
	if _, err := e.loadProject(ctx, e.DB, f.ProjectID); err != nil {
		return nil, err
	}
	return e.Repo.ListDocuments(ctx, e.DB, f)
}

// CurrentDocument returns the latest version of a document kind, whatever its status.
func (e Engine) CurrentDocument(ctx context.Context, projectID, kind, stageID string) (domain.Document, error) {
	if !domain.IsDocumentKind(kind) {
		return domain.Document{}, validationError("invalid_kind", "unknown document kind %q", kind)
	}
	var sid *string
	if stageID != "" {
		sid = &stageID
	}
	d, err := e.Repo.LatestDocument(ctx, e.DB, projectID, kind, sid, "")
	return d, notFound(err, kind, projectID)
}

// BaselineDocument returns the latest approved or baselined version of a kind.
func (e Engine) BaselineDocument(ctx context.Context, projectID, kind, stageID string) (domain.Document, error) {
	if !domain.IsDocumentKind(kind) {
		return domain.Document{}, validationError("invalid_kind", "unknown document kind %q", kind)
	}
	var sid *string
	if stageID != "" {
		sid = &stageID
	}
	d, err := e.Repo.LatestDocument(ctx, e.DB, projectID, kind, sid, domain.ApprovedStatus(kind))
	return d, notFound(err, kind, projectID)
}
