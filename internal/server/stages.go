package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"stageline/internal/config"
	"stageline/internal/domain"
	"stageline/internal/engine"
)

type stagePath struct {
	ProjectID string `path:"project_id"`
	StageID   string `path:"stage_id"`
}

type stageBody struct {
	Body domain.Stage `json:"body"`
}

type gatePath struct {
	ProjectID string `path:"project_id"`
	GateID    string `path:"gate_id"`
}

type gateBody struct {
	Body domain.StageGate `json:"body"`
}

func registerStages(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "initialize-stages",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/stages",
		Summary:       "Create the project's management stages",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string                  `path:"project_id"`
		Body      InitializeStagesRequest `json:"body" required:"false"`
	}) (*struct {
		Body StagesResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		var template []config.StageTemplate
		for _, st := range input.Body.Stages {
			template = append(template, config.StageTemplate{Name: st.Name, Description: st.Description})
		}
		items, err := e.InitializeStages(ctx, input.ProjectID, template, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StagesResponse `json:"body"`
		}{Body: StagesResponse{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-stages",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/stages",
		Summary:     "List stages in order",
		Errors:      readErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body StagesResponse `json:"body"`
	}, error) {
		if _, err := e.GetProject(ctx, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListStages(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StagesResponse `json:"body"`
		}{Body: StagesResponse{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-stage",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/stages/{stage_id}",
		Summary:     "Get stage",
		Errors:      readErrors,
	}, func(ctx context.Context, input *stagePath) (*stageBody, error) {
		s, err := e.GetStage(ctx, input.StageID)
		if err != nil {
			return nil, handleError(err)
		}
		if se := projectMismatch(input.ProjectID, s.ProjectID, "stage", s.ID); se != nil {
			return nil, se
		}
		return &stageBody{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-stage",
		Method:      http.MethodPatch,
		Path:        "/projects/{project_id}/stages/{stage_id}",
		Summary:     "Edit stage planning fields",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string             `path:"project_id"`
		StageID   string             `path:"stage_id"`
		Body      UpdateStageRequest `json:"body"`
	}) (*stageBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if se := inProject(ctx, input.ProjectID, "stage", input.StageID, stageOwner(e)); se != nil {
			return nil, se
		}
		s, err := e.UpdateStage(ctx, input.StageID, engine.StageUpdate{
			Name:           input.Body.Name,
			Description:    input.Body.Description,
			PlannedStart:   input.Body.PlannedStart,
			PlannedEnd:     input.Body.PlannedEnd,
			TimeTolerance:  input.Body.TimeTolerance,
			CostTolerance:  input.Body.CostTolerance,
			ScopeTolerance: input.Body.ScopeTolerance,
		}, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &stageBody{Body: s}, nil
	})

	registerStageAction(api, e, "start-stage", "start", "Start a stage", e.StartStage)
	registerStageAction(api, e, "complete-stage", "complete", "Complete the active stage", e.CompleteStage)
	registerStageAction(api, e, "resume-stage", "resume", "Resume a stage after an approved exception plan", e.ResumeStage)
	registerStageAction(api, e, "recompute-stage-progress", "progress", "Recompute stage progress from work packages", e.RecomputeProgress)

	huma.Register(api, huma.Operation{
		OperationID: "raise-stage-exception",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/stages/{stage_id}/exception",
		Summary:     "Raise an exception on the active stage",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string                `path:"project_id"`
		StageID   string                `path:"stage_id"`
		Body      StageExceptionRequest `json:"body"`
	}) (*stageBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if se := inProject(ctx, input.ProjectID, "stage", input.StageID, stageOwner(e)); se != nil {
			return nil, se
		}
		s, err := e.RaiseStageException(ctx, input.StageID, input.Body.Reason, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &stageBody{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-stage-gate",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/stages/{stage_id}/gate",
		Summary:       "Prepare the end-stage gate review",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string            `path:"project_id"`
		StageID   string            `path:"stage_id"`
		Body      CreateGateRequest `json:"body" required:"false"`
	}) (*gateBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if se := inProject(ctx, input.ProjectID, "stage", input.StageID, stageOwner(e)); se != nil {
			return nil, se
		}
		g, err := e.CreateGate(ctx, engine.CreateGateOptions{
			StageID:                 input.StageID,
			StagePerformanceSummary: input.Body.StagePerformanceSummary,
			ProductsCompleted:       input.Body.ProductsCompleted,
			ProductsPending:         input.Body.ProductsPending,
			LessonsLearned:          input.Body.LessonsLearned,
			BusinessCaseStillValid:  input.Body.BusinessCaseStillValid,
			NextStagePlanApproved:   input.Body.NextStagePlanApproved,
			ActorID:                 actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &gateBody{Body: g}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-stage-gate",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/stages/{stage_id}/gate",
		Summary:     "Get the gate of a stage",
		Errors:      readErrors,
	}, func(ctx context.Context, input *stagePath) (*gateBody, error) {
		if se := inProject(ctx, input.ProjectID, "stage", input.StageID, stageOwner(e)); se != nil {
			return nil, se
		}
		g, err := e.GateForStage(ctx, input.StageID)
		if err != nil {
			return nil, handleError(err)
		}
		return &gateBody{Body: g}, nil
	})
}

func registerStageAction(api huma.API, e engine.Engine, operationID, verb, summary string, fn func(ctx context.Context, id, actorID string) (domain.Stage, error)) {
	huma.Register(api, huma.Operation{
		OperationID: operationID,
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/stages/{stage_id}/" + verb,
		Summary:     summary,
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *stagePath) (*stageBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if se := inProject(ctx, input.ProjectID, "stage", input.StageID, stageOwner(e)); se != nil {
			return nil, se
		}
		s, err := fn(ctx, input.StageID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &stageBody{Body: s}, nil
	})
}

func registerGates(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-gates",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/gates",
		Summary:     "List stage gates",
		Errors:      readErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body GatesResponse `json:"body"`
	}, error) {
		items, err := e.ListGates(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body GatesResponse `json:"body"`
		}{Body: GatesResponse{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-gate",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/gates/{gate_id}",
		Summary:     "Get stage gate",
		Errors:      readErrors,
	}, func(ctx context.Context, input *gatePath) (*gateBody, error) {
		g, err := e.GetGate(ctx, input.GateID)
		if err != nil {
			return nil, handleError(err)
		}
		if se := projectMismatch(input.ProjectID, g.ProjectID, "stage_gate", g.ID); se != nil {
			return nil, se
		}
		return &gateBody{Body: g}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-gate",
		Method:      http.MethodPatch,
		Path:        "/projects/{project_id}/gates/{gate_id}",
		Summary:     "Edit a pending gate",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string            `path:"project_id"`
		GateID    string            `path:"gate_id"`
		Body      UpdateGateRequest `json:"body"`
	}) (*gateBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if se := inProject(ctx, input.ProjectID, "stage_gate", input.GateID, gateOwner(e)); se != nil {
			return nil, se
		}
		g, err := e.UpdateGate(ctx, input.GateID, engine.GateUpdate{
			StagePerformanceSummary: input.Body.StagePerformanceSummary,
			ProductsCompleted:       input.Body.ProductsCompleted,
			ProductsPending:         input.Body.ProductsPending,
			LessonsLearned:          input.Body.LessonsLearned,
			BusinessCaseStillValid:  input.Body.BusinessCaseStillValid,
			NextStagePlanApproved:   input.Body.NextStagePlanApproved,
		}, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &gateBody{Body: g}, nil
	})

	registerGateDecision(api, e, "approve-gate", "approve", "Approve a stage gate", e.ApproveGate)
	registerGateDecision(api, e, "conditional-gate", "conditional", "Approve a stage gate with conditions", e.MarkGateConditional)
	registerGateDecision(api, e, "reject-gate", "reject", "Reject a stage gate", e.RejectGate)
	registerGateDecision(api, e, "defer-gate", "defer", "Defer a stage gate decision", e.DeferGate)

	huma.Register(api, huma.Operation{
		OperationID: "reopen-gate",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/gates/{gate_id}/reopen",
		Summary:     "Return a deferred or rejected gate to pending",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *gatePath) (*gateBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if se := inProject(ctx, input.ProjectID, "stage_gate", input.GateID, gateOwner(e)); se != nil {
			return nil, se
		}
		g, err := e.ReopenGate(ctx, input.GateID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &gateBody{Body: g}, nil
	})
}

func registerGateDecision(api huma.API, e engine.Engine, operationID, verb, summary string, fn func(ctx context.Context, id string, d engine.GateDecision, actorID string) (domain.StageGate, error)) {
	huma.Register(api, huma.Operation{
		OperationID: operationID,
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/gates/{gate_id}/" + verb,
		Summary:     summary,
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string              `path:"project_id"`
		GateID    string              `path:"gate_id"`
		Body      GateDecisionRequest `json:"body" required:"false"`
	}) (*gateBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if se := inProject(ctx, input.ProjectID, "stage_gate", input.GateID, gateOwner(e)); se != nil {
			return nil, se
		}
		g, err := fn(ctx, input.GateID, engine.GateDecision{
			Notes:                  input.Body.Notes,
			BusinessCaseStillValid: input.Body.BusinessCaseStillValid,
			NextStagePlanApproved:  input.Body.NextStagePlanApproved,
		}, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &gateBody{Body: g}, nil
	})
}
