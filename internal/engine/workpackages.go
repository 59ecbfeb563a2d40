package engine

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"go.uber.org/zap"

	"stageline/internal/domain"
	"stageline/internal/engine/auth"
	"stageline/internal/events"
	"stageline/internal/repo"
)

// workPackageNext is the forward-only pipeline: each status has one successor.
var workPackageNext = map[string]string{
	domain.WorkPackageDraft:      domain.WorkPackageAuthorized,
	domain.WorkPackageAuthorized: domain.WorkPackageInProgress,
	domain.WorkPackageInProgress: domain.WorkPackageCompleted,
	domain.WorkPackageCompleted:  domain.WorkPackageClosed,
}

// WorkPackageStatuses lists the pipeline in order.
var WorkPackageStatuses = []string{
	domain.WorkPackageDraft,
	domain.WorkPackageAuthorized,
	domain.WorkPackageInProgress,
	domain.WorkPackageCompleted,
	domain.WorkPackageClosed,
}

// CanTransitionWorkPackage reports whether from -> to is a legal step.
func CanTransitionWorkPackage(from, to string) bool {
	next, ok := workPackageNext[from]
	return ok && next == to
}

func (e Engine) loadWorkPackage(ctx context.Context, q repo.Querier, id string) (domain.WorkPackage, error) {
	wp, err := e.Repo.GetWorkPackage(ctx, q, id)
	return wp, notFound(err, "work_package", id)
}

func wpEntity(wp domain.WorkPackage) auth.Entity {
	ent := auth.Entity{Kind: "work_package", ID: wp.ID}
	if wp.TeamManager != nil {
		ent.Owner = *wp.TeamManager
	}
	return ent
}

type CreateWorkPackageOptions struct {
	ProjectID      string
	StageID        string
	Reference      string
	Title          string
	Description    string
	Priority       string
	TeamManager    string
	PlannedEndDate string
	ActorID        string
}

// CreateWorkPackage adds a draft work package to a stage that is planned or active.
func (e Engine) CreateWorkPackage(ctx context.Context, opts CreateWorkPackageOptions) (domain.WorkPackage, error) {
	ref := strings.TrimSpace(opts.Reference)
	if ref == "" {
		return domain.WorkPackage{}, validationError("reference_required", "reference is required")
	}
	title := strings.TrimSpace(opts.Title)
	if title == "" {
		return domain.WorkPackage{}, validationError("title_required", "title is required")
	}
	priority := opts.Priority
	if priority == "" {
		priority = domain.PriorityMedium
	}
	if !domain.IsPriority(priority) {
		return domain.WorkPackage{}, validationError("invalid_priority", "unknown priority %q", priority)
	}
	now := e.timestamp()
	wp := domain.WorkPackage{
		ID:             newID(),
		ProjectID:      opts.ProjectID,
		StageID:        opts.StageID,
		Reference:      ref,
		Title:          title,
		Description:    opts.Description,
		Status:         domain.WorkPackageDraft,
		Priority:       priority,
		TeamManager:    emptyToNil(opts.TeamManager),
		PlannedEndDate: emptyToNil(opts.PlannedEndDate),
		Revision:       1,
		CreatedBy:      opts.ActorID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := e.loadProject(ctx, tx, opts.ProjectID); err != nil {
			return err
		}
		if _, err := e.authorize(ctx, tx, opts.ProjectID, opts.ActorID, "work_package.manage", auth.Entity{Kind: "work_package"}); err != nil {
			return err
		}
		st, err := e.loadStage(ctx, tx, opts.StageID)
		if err != nil {
			return err
		}
		if st.ProjectID != opts.ProjectID {
			return notFoundError("stage", opts.StageID)
		}
		if st.Status == domain.StageCompleted || st.Status == domain.StageException {
			return preconditionError("stage_closed", "stage %d is %s; no work packages can be added", st.Order, st.Status)
		}
		if existing, err := e.Repo.WorkPackageByReference(ctx, tx, opts.ProjectID, ref); err == nil {
			return conflictError("duplicate_reference", "work package %s already exists", ref).with("work_package_id", existing.ID)
		} else if !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		if err := e.Repo.InsertWorkPackage(ctx, tx, wp); err != nil {
			return err
		}
		return e.eventWriter().Append(ctx, tx, "work_package.created", wp.ProjectID, "work_package", wp.ID, opts.ActorID, events.EventPayload{
			"reference": ref,
			"stage_id":  wp.StageID,
			"priority":  priority,
		})
	})
	if err != nil {
		return domain.WorkPackage{}, err
	}
	e.committed(wp.ProjectID, "work_package", "create", wp.ID, opts.ActorID, zap.String("reference", ref))
	return wp, nil
}

// WorkPackageUpdate carries editable fields; nil leaves a field unchanged.
type WorkPackageUpdate struct {
	Title          *string
	Description    *string
	Priority       *string
	TeamManager    *string
	PlannedEndDate *string
}

// UpdateWorkPackage edits a draft work package.
func (e Engine) UpdateWorkPackage(ctx context.Context, id string, upd WorkPackageUpdate, actorID string) (domain.WorkPackage, error) {
	var wp domain.WorkPackage
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		wp, err = e.loadWorkPackage(ctx, tx, id)
		if err != nil {
			return err
		}
		if _, err := e.authorize(ctx, tx, wp.ProjectID, actorID, "work_package.manage", wpEntity(wp)); err != nil {
			return err
		}
		if wp.Status != domain.WorkPackageDraft {
			return invalidStateError("work_package_not_draft", "work package %s is %s; only drafts can be edited", wp.Reference, wp.Status)
		}
		if upd.Title != nil {
			if strings.TrimSpace(*upd.Title) == "" {
				return validationError("title_required", "title must not be empty")
			}
			wp.Title = strings.TrimSpace(*upd.Title)
		}
		if upd.Description != nil {
			wp.Description = *upd.Description
		}
		if upd.Priority != nil {
			if !domain.IsPriority(*upd.Priority) {
				return validationError("invalid_priority", "unknown priority %q", *upd.Priority)
			}
			wp.Priority = *upd.Priority
		}
		if upd.TeamManager != nil {
			wp.TeamManager = emptyToNil(*upd.TeamManager)
		}
		if upd.PlannedEndDate != nil {
			wp.PlannedEndDate = emptyToNil(*upd.PlannedEndDate)
		}
		if err := e.saveWorkPackage(ctx, tx, &wp, wp.Status); err != nil {
			return err
		}
		return e.eventWriter().Append(ctx, tx, "work_package.updated", wp.ProjectID, "work_package", wp.ID, actorID, nil)
	})
	if err != nil {
		return domain.WorkPackage{}, err
	}
	e.committed(wp.ProjectID, "work_package", "update", wp.ID, actorID)
	return wp, nil
}

func (e Engine) saveWorkPackage(ctx context.Context, tx *sql.Tx, wp *domain.WorkPackage, fromStatus string) error {
	wp.UpdatedAt = e.timestamp()
	if err := e.Repo.UpdateWorkPackage(ctx, tx, *wp, fromStatus, wp.Revision); err != nil {
		return err
	}
	wp.Revision++
	return nil
}

// AuthorizeWorkPackage releases a draft for execution. The stage must be active.
func (e Engine) AuthorizeWorkPackage(ctx context.Context, id, actorID string) (domain.WorkPackage, error) {
	return e.advanceWorkPackage(ctx, id, actorID, "work_package.manage", domain.WorkPackageAuthorized,
		func(tx *sql.Tx, wp *domain.WorkPackage, now string) error {
			st, err := e.loadStage(ctx, tx, wp.StageID)
			if err != nil {
				return err
			}
			if st.Status != domain.StageActive {
				return preconditionError("stage_not_active", "stage %d is %s; work packages are authorized in an active stage", st.Order, st.Status)
			}
			wp.AuthorizedAt = &now
			return nil
		})
}

func (e Engine) StartWorkPackage(ctx context.Context, id, actorID string) (domain.WorkPackage, error) {
	return e.advanceWorkPackage(ctx, id, actorID, "work_package.execute", domain.WorkPackageInProgress,
		func(_ *sql.Tx, wp *domain.WorkPackage, now string) error {
			wp.StartedAt = &now
			return nil
		})
}

func (e Engine) CompleteWorkPackage(ctx context.Context, id, actorID string) (domain.WorkPackage, error) {
	return e.advanceWorkPackage(ctx, id, actorID, "work_package.execute", domain.WorkPackageCompleted,
		func(_ *sql.Tx, wp *domain.WorkPackage, now string) error {
			wp.ProgressPercentage = 100
			wp.CompletedAt = &now
			return nil
		})
}

func (e Engine) CloseWorkPackage(ctx context.Context, id, actorID string) (domain.WorkPackage, error) {
	return e.advanceWorkPackage(ctx, id, actorID, "work_package.manage", domain.WorkPackageClosed,
		func(_ *sql.Tx, wp *domain.WorkPackage, now string) error {
			wp.ClosedAt = &now
			return nil
		})
}

// advanceWorkPackage moves a work package one step along the pipeline.
// Completing or closing recomputes the stage progress in the same transaction.
func (e Engine) advanceWorkPackage(ctx context.Context, id, actorID, action, to string, apply func(tx *sql.Tx, wp *domain.WorkPackage, now string) error) (domain.WorkPackage, error) {
	var wp domain.WorkPackage
	var from string
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		wp, err = e.loadWorkPackage(ctx, tx, id)
		if err != nil {
			return err
		}
		cfg, err := e.authorize(ctx, tx, wp.ProjectID, actorID, action, wpEntity(wp))
		if err != nil {
			return err
		}
		from = wp.Status
		if !CanTransitionWorkPackage(from, to) {
			return invalidStateError("invalid_transition", "work package %s cannot move from %s to %s", wp.Reference, from, to).
				with("status", from)
		}
		if err := apply(tx, &wp, e.timestamp()); err != nil {
			return err
		}
		wp.Status = to
		if err := e.saveWorkPackage(ctx, tx, &wp, from); err != nil {
			return err
		}
		if err := e.eventWriter().Append(ctx, tx, "work_package."+to, wp.ProjectID, "work_package", wp.ID, actorID, events.EventPayload{
			"from_status": from,
			"to_status":   to,
			"reference":   wp.Reference,
		}); err != nil {
			return err
		}
		if workPackageDone(to) {
			_, _, err := e.recomputeProgressTx(ctx, tx, cfg, wp.StageID, actorID)
			return err
		}
		return nil
	})
	if err != nil {
		return domain.WorkPackage{}, err
	}
	e.committed(wp.ProjectID, "work_package", to, wp.ID, actorID, zap.String("from_status", from))
	return wp, nil
}

// ReportWorkPackageProgress records progress of an in-progress work package.
func (e Engine) ReportWorkPackageProgress(ctx context.Context, id string, pct int, actorID string) (domain.WorkPackage, error) {
	if pct < 0 || pct > 100 {
		return domain.WorkPackage{}, validationError("invalid_progress", "progress must be between 0 and 100")
	}
	var wp domain.WorkPackage
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		wp, err = e.loadWorkPackage(ctx, tx, id)
		if err != nil {
			return err
		}
		if _, err := e.authorize(ctx, tx, wp.ProjectID, actorID, "work_package.execute", wpEntity(wp)); err != nil {
			return err
		}
		if wp.Status != domain.WorkPackageInProgress {
			return invalidStateError("work_package_not_in_progress", "work package %s is %s", wp.Reference, wp.Status)
		}
		from := wp.ProgressPercentage
		wp.ProgressPercentage = pct
		if err := e.saveWorkPackage(ctx, tx, &wp, wp.Status); err != nil {
			return err
		}
		return e.eventWriter().Append(ctx, tx, "work_package.progress_reported", wp.ProjectID, "work_package", wp.ID, actorID, events.EventPayload{
			"from": from,
			"to":   pct,
		})
	})
	if err != nil {
		return domain.WorkPackage{}, err
	}
	e.committed(wp.ProjectID, "work_package", "progress", wp.ID, actorID, zap.Int("progress", pct))
	return wp, nil
}

// DeleteWorkPackage removes a draft work package.
func (e Engine) DeleteWorkPackage(ctx context.Context, id, actorID string) error {
	var wp domain.WorkPackage
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		wp, err = e.loadWorkPackage(ctx, tx, id)
		if err != nil {
			return err
		}
		if _, err := e.authorize(ctx, tx, wp.ProjectID, actorID, "work_package.manage", wpEntity(wp)); err != nil {
			return err
		}
		if wp.Status != domain.WorkPackageDraft {
			return invalidStateError("work_package_not_draft", "work package %s is %s; only drafts can be deleted", wp.Reference, wp.Status)
		}
		if err := e.Repo.DeleteWorkPackage(ctx, tx, wp.ID, wp.Revision); err != nil {
			return err
		}
		return e.eventWriter().Append(ctx, tx, "work_package.deleted", wp.ProjectID, "work_package", wp.ID, actorID, events.EventPayload{"reference": wp.Reference})
	})
	if err != nil {
		return err
	}
	e.committed(wp.ProjectID, "work_package", "delete", wp.ID, actorID)
	return nil
}

func (e Engine) GetWorkPackage(ctx context.Context, id string) (domain.WorkPackage, error) {
	return e.loadWorkPackage(ctx, e.DB, id)
}

func (e Engine) ListWorkPackages(ctx context.Context, f repo.WorkPackageFilter) ([]domain.WorkPackage, error) {
	if _, err := e.loadProject(ctx, e.DB, f.ProjectID); err != nil {
		return nil, err
	}
	return e.Repo.ListWorkPackages(ctx, e.DB, f)
}
