package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"stageline/internal/domain"
	"stageline/internal/engine"
)

type tolerancePath struct {
	ProjectID string `path:"project_id"`
	Type      string `path:"tolerance_type" enum:"time,cost,scope,quality,benefit,risk"`
}

type toleranceBody struct {
	Body domain.Tolerance `json:"body"`
}

func registerTolerances(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "initialize-tolerances",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/tolerances",
		Summary:       "Create every tolerance with the configured bands",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body TolerancesResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.InitializeTolerances(ctx, input.ProjectID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TolerancesResponse `json:"body"`
		}{Body: TolerancesResponse{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tolerances",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/tolerances",
		Summary:     "List tolerances",
		Errors:      readErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body TolerancesResponse `json:"body"`
	}, error) {
		items, err := e.ListTolerances(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TolerancesResponse `json:"body"`
		}{Body: TolerancesResponse{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-tolerance",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/tolerances/{tolerance_type}",
		Summary:     "Get tolerance",
		Errors:      readErrors,
	}, func(ctx context.Context, input *tolerancePath) (*toleranceBody, error) {
		t, err := e.GetTolerance(ctx, input.ProjectID, input.Type)
		if err != nil {
			return nil, handleError(err)
		}
		return &toleranceBody{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-tolerance-bands",
		Method:      http.MethodPut,
		Path:        "/projects/{project_id}/tolerances/{tolerance_type}",
		Summary:     "Set tolerance bands",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string                `path:"project_id"`
		Type      string                `path:"tolerance_type" enum:"time,cost,scope,quality,benefit,risk"`
		Body      ToleranceBandsRequest `json:"body"`
	}) (*toleranceBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.SetToleranceBands(ctx, input.ProjectID, input.Type, input.Body.PlusTolerance, input.Body.MinusTolerance, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &toleranceBody{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "record-tolerance-status",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/tolerances/{tolerance_type}/status",
		Summary:     "Record a measured deviation",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string                 `path:"project_id"`
		Type      string                 `path:"tolerance_type" enum:"time,cost,scope,quality,benefit,risk"`
		Body      ToleranceStatusRequest `json:"body"`
	}) (*toleranceBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.RecordToleranceStatus(ctx, input.ProjectID, input.Type, input.Body.CurrentStatus, input.Body.Deviation, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &toleranceBody{Body: t}, nil
	})
}
