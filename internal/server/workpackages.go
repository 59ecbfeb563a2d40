package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"stageline/internal/domain"
	"stageline/internal/engine"
	"stageline/internal/repo"
)

type workPackagePath struct {
	ProjectID     string `path:"project_id"`
	WorkPackageID string `path:"work_package_id"`
}

type workPackageBody struct {
	Body domain.WorkPackage `json:"body"`
}

func registerWorkPackages(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-work-package",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/work-packages",
		Summary:       "Create a draft work package",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string                   `path:"project_id"`
		Body      CreateWorkPackageRequest `json:"body"`
	}) (*workPackageBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		wp, err := e.CreateWorkPackage(ctx, engine.CreateWorkPackageOptions{
			ProjectID:      input.ProjectID,
			StageID:        input.Body.StageID,
			Reference:      input.Body.Reference,
			Title:          input.Body.Title,
			Description:    input.Body.Description,
			Priority:       input.Body.Priority,
			TeamManager:    input.Body.TeamManager,
			PlannedEndDate: input.Body.PlannedEndDate,
			ActorID:        actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &workPackageBody{Body: wp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-work-packages",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/work-packages",
		Summary:     "List work packages",
		Errors:      readErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		StageID   string `query:"stage_id"`
		Status    string `query:"status" enum:"draft,authorized,in_progress,completed,closed,"`
	}) (*struct {
		Body WorkPackagesResponse `json:"body"`
	}, error) {
		items, err := e.ListWorkPackages(ctx, repo.WorkPackageFilter{
			ProjectID: input.ProjectID,
			StageID:   input.StageID,
			Status:    input.Status,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkPackagesResponse `json:"body"`
		}{Body: WorkPackagesResponse{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-work-package",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/work-packages/{work_package_id}",
		Summary:     "Get work package",
		Errors:      readErrors,
	}, func(ctx context.Context, input *workPackagePath) (*workPackageBody, error) {
		wp, err := e.GetWorkPackage(ctx, input.WorkPackageID)
		if err != nil {
			return nil, handleError(err)
		}
		if se := projectMismatch(input.ProjectID, wp.ProjectID, "work_package", wp.ID); se != nil {
			return nil, se
		}
		return &workPackageBody{Body: wp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-work-package",
		Method:      http.MethodPatch,
		Path:        "/projects/{project_id}/work-packages/{work_package_id}",
		Summary:     "Edit a draft work package",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID     string                   `path:"project_id"`
		WorkPackageID string                   `path:"work_package_id"`
		Body          UpdateWorkPackageRequest `json:"body"`
	}) (*workPackageBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if se := inProject(ctx, input.ProjectID, "work_package", input.WorkPackageID, workPackageOwner(e)); se != nil {
			return nil, se
		}
		wp, err := e.UpdateWorkPackage(ctx, input.WorkPackageID, engine.WorkPackageUpdate{
			Title:          input.Body.Title,
			Description:    input.Body.Description,
			Priority:       input.Body.Priority,
			TeamManager:    input.Body.TeamManager,
			PlannedEndDate: input.Body.PlannedEndDate,
		}, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &workPackageBody{Body: wp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-work-package",
		Method:        http.MethodDelete,
		Path:          "/projects/{project_id}/work-packages/{work_package_id}",
		Summary:       "Delete a draft work package",
		DefaultStatus: http.StatusNoContent,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *workPackagePath) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if se := inProject(ctx, input.ProjectID, "work_package", input.WorkPackageID, workPackageOwner(e)); se != nil {
			return nil, se
		}
		if err := e.DeleteWorkPackage(ctx, input.WorkPackageID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	registerWorkPackageAction(api, e, "authorize-work-package", "authorize", "Authorize a draft work package", e.AuthorizeWorkPackage)
	registerWorkPackageAction(api, e, "start-work-package", "start", "Start an authorized work package", e.StartWorkPackage)
	registerWorkPackageAction(api, e, "complete-work-package", "complete", "Complete an in-progress work package", e.CompleteWorkPackage)
	registerWorkPackageAction(api, e, "close-work-package", "close", "Close a completed work package", e.CloseWorkPackage)

	huma.Register(api, huma.Operation{
		OperationID: "report-work-package-progress",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/work-packages/{work_package_id}/progress",
		Summary:     "Report progress of an in-progress work package",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID     string          `path:"project_id"`
		WorkPackageID string          `path:"work_package_id"`
		Body          ProgressRequest `json:"body"`
	}) (*workPackageBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if se := inProject(ctx, input.ProjectID, "work_package", input.WorkPackageID, workPackageOwner(e)); se != nil {
			return nil, se
		}
		wp, err := e.ReportWorkPackageProgress(ctx, input.WorkPackageID, input.Body.ProgressPercentage, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &workPackageBody{Body: wp}, nil
	})
}

func registerWorkPackageAction(api huma.API, e engine.Engine, operationID, verb, summary string, fn func(ctx context.Context, id, actorID string) (domain.WorkPackage, error)) {
	huma.Register(api, huma.Operation{
		OperationID: operationID,
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/work-packages/{work_package_id}/" + verb,
		Summary:     summary,
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *workPackagePath) (*workPackageBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if se := inProject(ctx, input.ProjectID, "work_package", input.WorkPackageID, workPackageOwner(e)); se != nil {
			return nil, se
		}
		wp, err := fn(ctx, input.WorkPackageID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &workPackageBody{Body: wp}, nil
	})
}
