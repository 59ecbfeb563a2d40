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

func (e Engine) loadGate(ctx context.Context, q repo.Querier, id string) (domain.StageGate, error) {
	g, err := e.Repo.GetGate(ctx, q, id)
	return g, notFound(err, "stage_gate", id)
}

func (e Engine) saveGate(ctx context.Context, tx *sql.Tx, g *domain.StageGate, fromOutcome string) error {
	g.UpdatedAt = e.timestamp()
	if err := e.Repo.UpdateGate(ctx, tx, *g, fromOutcome, g.Revision); err != nil {
		return err
	}
	g.Revision++
	return nil
}

type CreateGateOptions struct {
	StageID                 string
	StagePerformanceSummary string
	ProductsCompleted       []string
	ProductsPending         []string
	LessonsLearned          string
	BusinessCaseStillValid  bool
	NextStagePlanApproved   bool
	ActorID                 string
}

// CreateGate raises the pending end-stage review of an active or completed stage.
func (e Engine) CreateGate(ctx context.Context, opts CreateGateOptions) (domain.StageGate, error) {
	var g domain.StageGate
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		st, err := e.loadStage(ctx, tx, opts.StageID)
		if err != nil {
			return err
		}
		if _, err := e.authorize(ctx, tx, st.ProjectID, opts.ActorID, "stage_gate.prepare", auth.Entity{Kind: "stage_gate"}); err != nil {
			return err
		}
		if st.Status != domain.StageActive && st.Status != domain.StageCompleted {
			return preconditionError("stage_not_reviewable", "stage %d is %s; gates review active or completed stages", st.Order, st.Status)
		}
		if existing, err := e.Repo.GateForStage(ctx, tx, st.ID); err == nil {
			return conflictError("gate_exists", "stage %d already has a gate", st.Order).with("gate_id", existing.ID)
		} else if !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		now := e.timestamp()
		g = domain.StageGate{
			ID:                      newID(),
			ProjectID:               st.ProjectID,
			StageID:                 st.ID,
			Outcome:                 domain.GatePending,
			BusinessCaseStillValid:  opts.BusinessCaseStillValid,
			NextStagePlanApproved:   opts.NextStagePlanApproved,
			StagePerformanceSummary: opts.StagePerformanceSummary,
			ProductsCompleted:       nonNil(opts.ProductsCompleted),
			ProductsPending:         nonNil(opts.ProductsPending),
			LessonsLearned:          opts.LessonsLearned,
			Revision:                1,
			CreatedBy:               opts.ActorID,
			CreatedAt:               now,
			UpdatedAt:               now,
		}
		if err := e.Repo.InsertGate(ctx, tx, g); err != nil {
			return err
		}
		return e.eventWriter().Append(ctx, tx, "stage_gate.created", g.ProjectID, "stage_gate", g.ID, opts.ActorID, events.EventPayload{"stage_id": st.ID})
	})
	if err != nil {
		return domain.StageGate{}, err
	}
	e.committed(g.ProjectID, "stage_gate", "create", g.ID, opts.ActorID)
	return g, nil
}

// GateUpdate carries the review narrative; nil leaves a field unchanged.
type GateUpdate struct {
	StagePerformanceSummary *string
	ProductsCompleted       []string
	ProductsPending         []string
	LessonsLearned          *string
	BusinessCaseStillValid  *bool
	NextStagePlanApproved   *bool
}

// UpdateGate edits a pending gate.
func (e Engine) UpdateGate(ctx context.Context, id string, upd GateUpdate, actorID string) (domain.StageGate, error) {
	var g domain.StageGate
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		g, err = e.loadGate(ctx, tx, id)
		if err != nil {
			return err
		}
		if _, err := e.authorize(ctx, tx, g.ProjectID, actorID, "stage_gate.prepare", auth.Entity{Kind: "stage_gate", ID: g.ID}); err != nil {
			return err
		}
		if g.Outcome != domain.GatePending {
			return invalidStateError("gate_not_pending", "gate is %s; only pending gates can be edited", g.Outcome)
		}
		if upd.StagePerformanceSummary != nil {
			g.StagePerformanceSummary = *upd.StagePerformanceSummary
		}
		if upd.ProductsCompleted != nil {
			g.ProductsCompleted = upd.ProductsCompleted
		}
		if upd.ProductsPending != nil {
			g.ProductsPending = upd.ProductsPending
		}
		if upd.LessonsLearned != nil {
			g.LessonsLearned = *upd.LessonsLearned
		}
		if upd.BusinessCaseStillValid != nil {
			g.BusinessCaseStillValid = *upd.BusinessCaseStillValid
		}
		if upd.NextStagePlanApproved != nil {
			g.NextStagePlanApproved = *upd.NextStagePlanApproved
		}
		if err := e.saveGate(ctx, tx, &g, g.Outcome); err != nil {
			return err
		}
		return e.eventWriter().Append(ctx, tx, "stage_gate.updated", g.ProjectID, "stage_gate", g.ID, actorID, nil)
	})
	if err != nil {
		return domain.StageGate{}, err
	}
	e.committed(g.ProjectID, "stage_gate", "update", g.ID, actorID)
	return g, nil
}

// GateDecision carries the board's notes and any last-minute flag changes.
type GateDecision struct {
	Notes                  string
	BusinessCaseStillValid *bool
	NextStagePlanApproved  *bool
}

// ApproveGate approves a pending gate. With next_stage_plan_approved set, the
// next stage's open draft plan is approved in the same transaction.
func (e Engine) ApproveGate(ctx context.Context, id string, d GateDecision, actorID string) (domain.StageGate, error) {
	return e.decideGate(ctx, id, domain.GateApproved, d, actorID)
}

// MarkGateConditional approves with conditions recorded in the notes.
func (e Engine) MarkGateConditional(ctx context.Context, id string, d GateDecision, actorID string) (domain.StageGate, error) {
	return e.decideGate(ctx, id, domain.GateConditional, d, actorID)
}

// RejectGate rejects a pending gate and puts its stage into exception.
func (e Engine) RejectGate(ctx context.Context, id string, d GateDecision, actorID string) (domain.StageGate, error) {
	return e.decideGate(ctx, id, domain.GateRejected, d, actorID)
}

func (e Engine) DeferGate(ctx context.Context, id string, d GateDecision, actorID string) (domain.StageGate, error) {
	return e.decideGate(ctx, id, domain.GateDeferred, d, actorID)
}

func (e Engine) decideGate(ctx context.Context, id, outcome string, d GateDecision, actorID string) (domain.StageGate, error) {
	notes := strings.TrimSpace(d.Notes)
	if (outcome == domain.GateRejected || outcome == domain.GateConditional) && notes == "" {
		return domain.StageGate{}, validationError("notes_required", "a %s decision requires decision notes", outcome)
	}
	var g domain.StageGate
	var approvedPlan *domain.Document
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		g, err = e.loadGate(ctx, tx, id)
		if err != nil {
			return err
		}
		if _, err := e.authorize(ctx, tx, g.ProjectID, actorID, "stage_gate.decide", auth.Entity{Kind: "stage_gate", ID: g.ID}); err != nil {
			return err
		}
		if g.Outcome != domain.GatePending {
			return invalidStateError("gate_not_pending", "gate is already %s", g.Outcome).with("outcome", g.Outcome)
		}
		st, err := e.loadStage(ctx, tx, g.StageID)
		if err != nil {
			return err
		}
		if d.BusinessCaseStillValid != nil {
			g.BusinessCaseStillValid = *d.BusinessCaseStillValid
		}
		if d.NextStagePlanApproved != nil {
			g.NextStagePlanApproved = *d.NextStagePlanApproved
		}
		now := e.timestamp()
		g.Outcome = outcome
		g.DecisionNotes = notes
		g.Reviewer = &actorID
		g.ReviewDate = &now
		if err := e.saveGate(ctx, tx, &g, domain.GatePending); err != nil {
			return err
		}
		if err := e.eventWriter().Append(ctx, tx, "stage_gate."+outcome, g.ProjectID, "stage_gate", g.ID, actorID, events.EventPayload{
			"stage_id":                  st.ID,
			"business_case_still_valid": g.BusinessCaseStillValid,
			"next_stage_plan_approved":  g.NextStagePlanApproved,
		}); err != nil {
			return err
		}
		switch {
		case g.Decided() && g.NextStagePlanApproved:
			approvedPlan, err = e.approveNextStagePlan(ctx, tx, st, actorID)
			return err
		case outcome == domain.GateRejected:
			return e.rejectStage(ctx, tx, st, notes, actorID)
		}
		return nil
	})
	if err != nil {
		return domain.StageGate{}, err
	}
	e.committed(g.ProjectID, "stage_gate", outcome, g.ID, actorID)
	if approvedPlan != nil {
		e.committed(approvedPlan.ProjectID, approvedPlan.Kind, "approve", approvedPlan.ID, actorID, zap.String("via", "stage_gate"))
		e.archive(ctx, *approvedPlan)
	}
	return g, nil
}

// approveNextStagePlan approves the open draft plan of the stage after st.
// It returns nil when there is no next stage or no draft to approve. The
// decider must also be allowed to approve stage plans, or the gate decision
// fails as a whole.
func (e Engine) approveNextStagePlan(ctx context.Context, tx *sql.Tx, st domain.Stage, actorID string) (*domain.Document, error) {
	next, err := e.Repo.StageByOrder(ctx, tx, st.ProjectID, st.Order+1)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	plan, err := e.Repo.LatestDocument(ctx, tx, st.ProjectID, domain.DocumentStagePlan, &next.ID, domain.DocumentDraft)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if _, err := e.authorize(ctx, tx, plan.ProjectID, actorID, approveAction(plan.Kind), auth.Entity{Kind: plan.Kind, ID: plan.ID}); err != nil {
		return nil, err
	}
	plan, err = e.approveDocumentTx(ctx, tx, plan, actorID)
	if err != nil {
		return nil, err
	}
	return &plan, nil
}

func (e Engine) rejectStage(ctx context.Context, tx *sql.Tx, st domain.Stage, notes, actorID string) error {
	if st.Status != domain.StageActive && st.Status != domain.StageCompleted {
		return nil
	}
	from := st.Status
	markException(&st, notes, e.timestamp())
	if err := e.saveStage(ctx, tx, &st); err != nil {
		return err
	}
	return e.eventWriter().Append(ctx, tx, "stage.exception", st.ProjectID, "stage", st.ID, actorID, events.EventPayload{
		"from_status": from,
		"to_status":   st.Status,
		"reason":      notes,
		"cause":       "stage_gate.rejected",
	})
}

// ReopenGate returns a deferred gate, or a rejected gate whose stage has
// recovered from exception, to pending.
func (e Engine) ReopenGate(ctx context.Context, id, actorID string) (domain.StageGate, error) {
	var g domain.StageGate
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		g, err = e.loadGate(ctx, tx, id)
		if err != nil {
			return err
		}
		if _, err := e.authorize(ctx, tx, g.ProjectID, actorID, "stage_gate.decide", auth.Entity{Kind: "stage_gate", ID: g.ID}); err != nil {
			return err
		}
		from := g.Outcome
		switch from {
		case domain.GateDeferred:
		case domain.GateRejected:
			st, err := e.loadStage(ctx, tx, g.StageID)
			if err != nil {
				return err
			}
			if st.Status == domain.StageException {
				return preconditionError("stage_in_exception", "stage %d must be resumed before its gate is reopened", st.Order)
			}
		default:
			return invalidStateError("gate_not_reopenable", "gate is %s; only deferred or rejected gates reopen", from)
		}
		g.Outcome = domain.GatePending
		g.DecisionNotes = ""
		g.Reviewer = nil
		g.ReviewDate = nil
		if err := e.saveGate(ctx, tx, &g, from); err != nil {
			return err
		}
		return e.eventWriter().Append(ctx, tx, "stage_gate.reopened", g.ProjectID, "stage_gate", g.ID, actorID, events.EventPayload{"from_outcome": from})
	})
	if err != nil {
		return domain.StageGate{}, err
	}
	e.committed(g.ProjectID, "stage_gate", "reopen", g.ID, actorID)
	return g, nil
}

func (e Engine) GetGate(ctx context.Context, id string) (domain.StageGate, error) {
	return e.loadGate(ctx, e.DB, id)
}

func (e Engine) GateForStage(ctx context.Context, stageID string) (domain.StageGate, error) {
	g, err := e.Repo.GateForStage(ctx, e.DB, stageID)
	return g, notFound(err, "stage_gate", stageID)
}

func (e Engine) ListGates(ctx context.Context, projectID string) ([]domain.StageGate, error) {
	if _, err := e.loadProject(ctx, e.DB, projectID); err != nil {
		return nil, err
	}
	return e.Repo.ListGates(ctx, e.DB, projectID)
}

func nonNil(items []string) []string {
	if items == nil {
		return []string{}
	}
	return items
}
