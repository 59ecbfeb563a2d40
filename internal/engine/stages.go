package engine

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"go.uber.org/zap"

	"stageline/internal/config"
	"stageline/internal/domain"
	"stageline/internal/engine/auth"
	"stageline/internal/events"
	"stageline/internal/repo"
)

func (e Engine) loadStage(ctx context.Context, q repo.Querier, id string) (domain.Stage, error) {
	s, err := e.Repo.GetStage(ctx, q, id)
	return s, notFound(err, "stage", id)
}

// saveStage writes s guarded by its current revision and bumps it.
func (e Engine) saveStage(ctx context.Context, tx *sql.Tx, s *domain.Stage) error {
	s.UpdatedAt = e.timestamp()
	if err := e.Repo.UpdateStage(ctx, tx, *s, s.Revision); err != nil {
		return err
	}
	s.Revision++
	return nil
}

// InitializeStages creates the project's stages in template order. An empty
// template uses the configured one.
func (e Engine) InitializeStages(ctx context.Context, projectID string, template []config.StageTemplate, actorID string) ([]domain.Stage, error) {
	var created []domain.Stage
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := e.loadProject(ctx, tx, projectID); err != nil {
			return err
		}
		cfg, err := e.authorize(ctx, tx, projectID, actorID, "stage.manage", auth.Entity{Kind: "stage"})
		if err != nil {
			return err
		}
		existing, err := e.Repo.ListStages(ctx, tx, projectID)
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			return conflictError("stages_exist", "project %s already has %d stages", projectID, len(existing))
		}
		if cfg.Lifecycle.BaselinedPIDRequired() {
			if _, err := e.Repo.LatestDocument(ctx, tx, projectID, domain.DocumentPID, nil, domain.DocumentBaselined); err != nil {
				if errors.Is(err, repo.ErrNotFound) {
					return preconditionError("pid_not_baselined", "the project initiation document must be baselined before stages are created")
				}
				return err
			}
		}
		if len(template) == 0 {
			template = cfg.Stages.Template
		}
		if len(template) == 0 {
			return validationError("template_required", "no stage template given or configured")
		}
		now := e.timestamp()
		names := make([]string, 0, len(template))
		for i, st := range template {
			name := strings.TrimSpace(st.Name)
			if name == "" {
				return validationError("stage_name_required", "stage %d has no name", i+1)
			}
			s := domain.Stage{
				ID:          newID(),
				ProjectID:   projectID,
				Order:       i + 1,
				Name:        name,
				Description: st.Description,
				Status:      domain.StagePlanned,
				Revision:    1,
				CreatedAt:   now,
				UpdatedAt:   now,
			}
			if err := e.Repo.InsertStage(ctx, tx, s); err != nil {
				return err
			}
			created = append(created, s)
			names = append(names, name)
		}
		return e.eventWriter().Append(ctx, tx, "stages.initialized", projectID, "project", projectID, actorID, events.EventPayload{"stages": names})
	})
	if err != nil {
		return nil, err
	}
	e.committed(projectID, "stage", "initialize", projectID, actorID, zap.Int("count", len(created)))
	return created, nil
}

// StageUpdate carries planning fields; nil leaves a field unchanged.
type StageUpdate struct {
	Name           *string
	Description    *string
	PlannedStart   *string
	PlannedEnd     *string
	TimeTolerance  *string
	CostTolerance  *string
	ScopeTolerance *string
}

// UpdateStage edits planning fields of a stage that is not completed.
func (e Engine) UpdateStage(ctx context.Context, id string, upd StageUpdate, actorID string) (domain.Stage, error) {
	return e.stageTransition(ctx, id, actorID, "updated", func(tx *sql.Tx, _ *config.Config, s *domain.Stage) (events.EventPayload, error) {
		if s.Status == domain.StageCompleted {
			return nil, invalidStateError("stage_completed", "stage %d is completed", s.Order)
		}
		if upd.Name != nil {
			if strings.TrimSpace(*upd.Name) == "" {
				return nil, validationError("stage_name_required", "stage name must not be empty")
			}
			s.Name = strings.TrimSpace(*upd.Name)
		}
		if upd.Description != nil {
			s.Description = *upd.Description
		}
		if upd.PlannedStart != nil {
			s.PlannedStart = emptyToNil(*upd.PlannedStart)
		}
		if upd.PlannedEnd != nil {
			s.PlannedEnd = emptyToNil(*upd.PlannedEnd)
		}
		if s.PlannedStart != nil && s.PlannedEnd != nil && *s.PlannedEnd < *s.PlannedStart {
			return nil, validationError("invalid_period", "planned_end is before planned_start")
		}
		if upd.TimeTolerance != nil {
			s.TimeTolerance = *upd.TimeTolerance
		}
		if upd.CostTolerance != nil {
			s.CostTolerance = *upd.CostTolerance
		}
		if upd.ScopeTolerance != nil {
			s.ScopeTolerance = *upd.ScopeTolerance
		}
		return nil, nil
	})
}

// StartStage activates the lowest-order open stage once its plan is approved
// and, when the lifecycle requires it, the previous stage's gate is decided.
func (e Engine) StartStage(ctx context.Context, id, actorID string) (domain.Stage, error) {
	return e.stageTransition(ctx, id, actorID, "started", func(tx *sql.Tx, cfg *config.Config, s *domain.Stage) (events.EventPayload, error) {
		if s.Status != domain.StagePlanned {
			return nil, invalidStateError("stage_not_planned", "stage %d is %s, not planned", s.Order, s.Status)
		}
		if err := e.requireNoActiveStage(ctx, tx, s.ProjectID); err != nil {
			return nil, err
		}
		lowest, ok, err := e.Repo.LowestOpenStageOrder(ctx, tx, s.ProjectID)
		if err != nil {
			return nil, err
		}
		if ok && s.Order != lowest {
			return nil, preconditionError("stage_out_of_order", "stage %d cannot start before stage %d is completed", s.Order, lowest).
				with("expected_order", lowest)
		}
		approved, err := e.Repo.HasApprovedStagePlan(ctx, tx, s.ID)
		if err != nil {
			return nil, err
		}
		if !approved {
			return nil, preconditionError("stage_plan_not_approved", "stage %d has no approved stage plan", s.Order)
		}
		if cfg.Lifecycle.GateRequiredForNextStage() && s.Order > 1 {
			if err := e.requirePreviousGate(ctx, tx, *s); err != nil {
				return nil, err
			}
		}
		now := e.timestamp()
		s.Status = domain.StageActive
		s.StartedAt = &now
		return events.EventPayload{"order": s.Order}, nil
	})
}

func (e Engine) requireNoActiveStage(ctx context.Context, q repo.Querier, projectID string) error {
	active, err := e.Repo.ActiveStage(ctx, q, projectID)
	if err == nil {
		return preconditionError("stage_already_active", "stage %d is already active", active.Order).
			with("active_stage_id", active.ID)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return nil
	}
	return err
}

func (e Engine) requirePreviousGate(ctx context.Context, q repo.Querier, s domain.Stage) error {
	prev, err := e.Repo.StageByOrder(ctx, q, s.ProjectID, s.Order-1)
	if errors.Is(err, repo.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	gate, err := e.Repo.GateForStage(ctx, q, prev.ID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return err
	}
	if err != nil || !gate.Decided() {
		outcome := "missing"
		if err == nil {
			outcome = gate.Outcome
		}
		return preconditionError("previous_gate_not_approved", "the gate of stage %d is %s", prev.Order, outcome).
			with("previous_stage_id", prev.ID)
	}
	return nil
}

func (e Engine) CompleteStage(ctx context.Context, id, actorID string) (domain.Stage, error) {
	return e.stageTransition(ctx, id, actorID, "completed", func(tx *sql.Tx, _ *config.Config, s *domain.Stage) (events.EventPayload, error) {
		if s.Status != domain.StageActive {
			return nil, invalidStateError("stage_not_active", "stage %d is %s, not active", s.Order, s.Status)
		}
		now := e.timestamp()
		s.Status = domain.StageCompleted
		s.ProgressPercentage = 100
		s.CompletedAt = &now
		return nil, nil
	})
}

// RaiseStageException moves an active stage into exception.
func (e Engine) RaiseStageException(ctx context.Context, id, reason, actorID string) (domain.Stage, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return domain.Stage{}, validationError("reason_required", "an exception reason is required")
	}
	return e.stageTransition(ctx, id, actorID, "exception", func(tx *sql.Tx, _ *config.Config, s *domain.Stage) (events.EventPayload, error) {
		if s.Status != domain.StageActive {
			return nil, invalidStateError("stage_not_active", "stage %d is %s, not active", s.Order, s.Status)
		}
		markException(s, reason, e.timestamp())
		return events.EventPayload{"reason": reason}, nil
	})
}

func markException(s *domain.Stage, reason, now string) {
	s.Status = domain.StageException
	s.ExceptionReason = &reason
	s.ExceptionAt = &now
}

// ResumeStage returns a stage in exception to active once an exception plan
// has been approved for it.
func (e Engine) ResumeStage(ctx context.Context, id, actorID string) (domain.Stage, error) {
	return e.stageTransition(ctx, id, actorID, "resumed", func(tx *sql.Tx, _ *config.Config, s *domain.Stage) (events.EventPayload, error) {
		if s.Status != domain.StageException {
			return nil, invalidStateError("stage_not_in_exception", "stage %d is %s, not in exception", s.Order, s.Status)
		}
		if err := e.requireNoActiveStage(ctx, tx, s.ProjectID); err != nil {
			return nil, err
		}
		approved, err := e.Repo.HasExceptionPlan(ctx, tx, s.ID)
		if err != nil {
			return nil, err
		}
		if !approved {
			return nil, preconditionError("exception_plan_not_approved", "stage %d needs a stage plan approved after the exception was raised", s.Order)
		}
		s.Status = domain.StageActive
		s.CompletedAt = nil
		return nil, nil
	})
}

// RecomputeProgress refreshes a stage's progress from its work packages.
func (e Engine) RecomputeProgress(ctx context.Context, id, actorID string) (domain.Stage, error) {
	var s domain.Stage
	var changed bool
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		cur, err := e.loadStage(ctx, tx, id)
		if err != nil {
			return err
		}
		cfg, err := e.authorize(ctx, tx, cur.ProjectID, actorID, "stage.manage", auth.Entity{Kind: "stage", ID: id})
		if err != nil {
			return err
		}
		s, changed, err = e.recomputeProgressTx(ctx, tx, cfg, id, actorID)
		return err
	})
	if err != nil {
		return domain.Stage{}, err
	}
	if changed {
		e.committed(s.ProjectID, "stage", "progress", s.ID, actorID, zap.Int("progress", s.ProgressPercentage))
	}
	return s, nil
}

// recomputeProgressTx applies the project's progress policy inside tx.
// Completed stages stay at 100.
func (e Engine) recomputeProgressTx(ctx context.Context, tx *sql.Tx, cfg *config.Config, stageID, actorID string) (domain.Stage, bool, error) {
	s, err := e.loadStage(ctx, tx, stageID)
	if err != nil {
		return s, false, err
	}
	if s.Status == domain.StageCompleted {
		return s, false, nil
	}
	wps, err := e.Repo.ListWorkPackages(ctx, tx, repo.WorkPackageFilter{StageID: stageID})
	if err != nil {
		return s, false, err
	}
	pct, ok := PolicyFor(cfg.Progress).Progress(wps)
	if !ok || pct == s.ProgressPercentage {
		return s, false, nil
	}
	from := s.ProgressPercentage
	s.ProgressPercentage = pct
	if err := e.saveStage(ctx, tx, &s); err != nil {
		return s, false, err
	}
	err = e.eventWriter().Append(ctx, tx, "stage.progress_updated", s.ProjectID, "stage", s.ID, actorID, events.EventPayload{
		"from": from,
		"to":   pct,
	})
	return s, true, err
}

// stageTransition loads a stage, checks stage.manage, applies fn and saves
// the result with a "stage.<evt>" event.
func (e Engine) stageTransition(ctx context.Context, id, actorID, evt string, fn func(tx *sql.Tx, cfg *config.Config, s *domain.Stage) (events.EventPayload, error)) (domain.Stage, error) {
	var s domain.Stage
	var from string
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		s, err = e.loadStage(ctx, tx, id)
		if err != nil {
			return err
		}
		cfg, err := e.authorize(ctx, tx, s.ProjectID, actorID, "stage.manage", auth.Entity{Kind: "stage", ID: s.ID})
		if err != nil {
			return err
		}
		from = s.Status
		payload, err := fn(tx, cfg, &s)
		if err != nil {
			return err
		}
		if err := e.saveStage(ctx, tx, &s); err != nil {
			return err
		}
		if payload == nil {
			payload = events.EventPayload{}
		}
		payload["from_status"] = from
		payload["to_status"] = s.Status
		return e.eventWriter().Append(ctx, tx, "stage."+evt, s.ProjectID, "stage", s.ID, actorID, payload)
	})
	if err != nil {
		return domain.Stage{}, err
	}
	e.committed(s.ProjectID, "stage", evt, s.ID, actorID, zap.String("from_status", from), zap.String("to_status", s.Status))
	return s, nil
}

func (e Engine) GetStage(ctx context.Context, id string) (domain.Stage, error) {
	return e.loadStage(ctx, e.DB, id)
}

func (e Engine) ListStages(ctx context.Context, projectID string) ([]domain.Stage, error) {
	if _, err := e.loadProject(ctx, e.DB, projectID); err != nil {
		return nil, err
	}
	return e.Repo.ListStages(ctx, e.DB, projectID)
}

func emptyToNil(v string) *string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	return &v
}
