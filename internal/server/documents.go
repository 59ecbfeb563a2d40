package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"stageline/internal/domain"
	"stageline/internal/engine"
	"stageline/internal/repo"
)

type documentPath struct {
	ProjectID  string `path:"project_id"`
	DocumentID string `path:"document_id"`
}

type documentBody struct {
	Body domain.Document `json:"body"`
}

func registerDocuments(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-document",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/documents",
		Summary:       "Create a draft document",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string                `path:"project_id"`
		Body      CreateDocumentRequest `json:"body"`
	}) (*documentBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.CreateDocument(ctx, engine.CreateDocumentOptions{
			ProjectID: input.ProjectID,
			Kind:      input.Body.Kind,
			StageID:   input.Body.StageID,
			Content:   input.Body.Content,
			ActorID:   actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &documentBody{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-documents",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/documents",
		Summary:     "List documents",
		Errors:      readErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Kind      string `query:"kind"`
		StageID   string `query:"stage_id"`
		Status    string `query:"status"`
	}) (*struct {
		Body DocumentsResponse `json:"body"`
	}, error) {
		if _, err := e.GetProject(ctx, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListDocuments(ctx, repo.DocumentFilter{
			ProjectID: input.ProjectID,
			Kind:      input.Kind,
			StageID:   input.StageID,
			Status:    input.Status,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DocumentsResponse `json:"body"`
		}{Body: DocumentsResponse{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-document",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/documents/{document_id}",
		Summary:     "Get document",
		Errors:      readErrors,
	}, func(ctx context.Context, input *documentPath) (*documentBody, error) {
		d, err := e.GetDocument(ctx, input.DocumentID)
		if err != nil {
			return nil, handleError(err)
		}
		if se := projectMismatch(input.ProjectID, d.ProjectID, "document", d.ID); se != nil {
			return nil, se
		}
		return &documentBody{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-document",
		Method:      http.MethodPut,
		Path:        "/projects/{project_id}/documents/{document_id}",
		Summary:     "Replace the content of a draft",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID  string                `path:"project_id"`
		DocumentID string                `path:"document_id"`
		Body       UpdateDocumentRequest `json:"body"`
	}) (*documentBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if se := inProject(ctx, input.ProjectID, "document", input.DocumentID, documentOwner(e)); se != nil {
			return nil, se
		}
		d, err := e.UpdateDocument(ctx, input.DocumentID, input.Body.Content, input.Body.ExpectedRevision, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &documentBody{Body: d}, nil
	})

	registerDocumentAction(api, e, "approve-document", "approve", "Approve a draft", false, e.ApproveDocument)
	registerDocumentAction(api, e, "baseline-document", "baseline", "Baseline the project initiation document", true, e.ApproveDocument)
	registerDocumentAction(api, e, "revise-document", "revise", "Open a new draft version", false, e.ReviseDocument)

	huma.Register(api, huma.Operation{
		OperationID: "current-document",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/current/{kind}",
		Summary:     "Latest version of a document kind",
		Errors:      readErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Kind      string `path:"kind"`
		StageID   string `query:"stage_id"`
	}) (*documentBody, error) {
		d, err := e.CurrentDocument(ctx, input.ProjectID, input.Kind, input.StageID)
		if err != nil {
			return nil, handleError(err)
		}
		return &documentBody{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "baseline-of-document",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/baselines/{kind}",
		Summary:     "Latest approved or baselined version of a document kind",
		Errors:      readErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Kind      string `path:"kind"`
		StageID   string `query:"stage_id"`
	}) (*documentBody, error) {
		d, err := e.BaselineDocument(ctx, input.ProjectID, input.Kind, input.StageID)
		if err != nil {
			return nil, handleError(err)
		}
		return &documentBody{Body: d}, nil
	})
}

func registerDocumentAction(api huma.API, e engine.Engine, operationID, verb, summary string, pidOnly bool, fn func(ctx context.Context, id, actorID string) (domain.Document, error)) {
	huma.Register(api, huma.Operation{
		OperationID: operationID,
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/documents/{document_id}/" + verb,
		Summary:     summary,
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *documentPath) (*documentBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.GetDocument(ctx, input.DocumentID)
		if err != nil {
			return nil, handleError(err)
		}
		if se := projectMismatch(input.ProjectID, d.ProjectID, "document", d.ID); se != nil {
			return nil, se
		}
		if pidOnly && d.Kind != domain.DocumentPID {
			return nil, newAPIError(http.StatusBadRequest, "not_baselinable", engine.KindValidation, "only the project initiation document is baselined; approve other kinds", map[string]any{"kind": d.Kind})
		}
		d, err = fn(ctx, input.DocumentID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &documentBody{Body: d}, nil
	})
}
