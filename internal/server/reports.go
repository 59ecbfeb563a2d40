package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"stageline/internal/domain"
	"stageline/internal/engine"
	"stageline/internal/repo"
)

type highlightReportBody struct {
	Body domain.HighlightReport `json:"body"`
}

func registerReports(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-highlight-report",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/stages/{stage_id}/highlight-reports",
		Summary:       "File a highlight report for the active stage",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string                       `path:"project_id"`
		StageID   string                       `path:"stage_id"`
		Body      CreateHighlightReportRequest `json:"body"`
	}) (*highlightReportBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if se := inProject(ctx, input.ProjectID, "stage", input.StageID, stageOwner(e)); se != nil {
			return nil, se
		}
		h, err := e.CreateHighlightReport(ctx, engine.CreateHighlightReportOptions{
			StageID:        input.StageID,
			PeriodStart:    input.Body.PeriodStart,
			PeriodEnd:      input.Body.PeriodEnd,
			OverallStatus:  input.Body.OverallStatus,
			Summary:        input.Body.Summary,
			Issues:         input.Body.Issues,
			NextPeriodPlan: input.Body.NextPeriodPlan,
			ActorID:        actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &highlightReportBody{Body: h}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-highlight-reports",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/stages/{stage_id}/highlight-reports",
		Summary:     "List highlight reports of a stage",
		Errors:      readErrors,
	}, func(ctx context.Context, input *stagePath) (*struct {
		Body HighlightReportsResponse `json:"body"`
	}, error) {
		if se := inProject(ctx, input.ProjectID, "stage", input.StageID, stageOwner(e)); se != nil {
			return nil, se
		}
		items, err := e.ListHighlightReports(ctx, input.StageID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body HighlightReportsResponse `json:"body"`
		}{Body: HighlightReportsResponse{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-highlight-report",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/highlight-reports/{report_id}",
		Summary:     "Get highlight report",
		Errors:      readErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		ReportID  string `path:"report_id"`
	}) (*highlightReportBody, error) {
		if se := inProject(ctx, input.ProjectID, "highlight_report", input.ReportID, highlightReportOwner(e)); se != nil {
			return nil, se
		}
		h, err := e.GetHighlightReport(ctx, input.ReportID)
		if err != nil {
			return nil, handleError(err)
		}
		return &highlightReportBody{Body: h}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "record-lesson",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/lessons",
		Summary:       "Record a lesson",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string              `path:"project_id"`
		Body      RecordLessonRequest `json:"body"`
	}) (*struct {
		Body domain.Lesson `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		l, err := e.RecordLesson(ctx, engine.RecordLessonOptions{
			ProjectID:      input.ProjectID,
			StageID:        input.Body.StageID,
			LessonType:     input.Body.LessonType,
			Category:       input.Body.Category,
			Description:    input.Body.Description,
			Recommendation: input.Body.Recommendation,
			ActorID:        actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Lesson `json:"body"`
		}{Body: l}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-lessons",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/lessons",
		Summary:     "List the lessons log",
		Errors:      readErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID  string `path:"project_id"`
		LessonType string `query:"lesson_type"`
		Category   string `query:"category"`
	}) (*struct {
		Body LessonsResponse `json:"body"`
	}, error) {
		items, err := e.ListLessons(ctx, repo.LessonFilter{
			ProjectID:  input.ProjectID,
			LessonType: input.LessonType,
			Category:   input.Category,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body LessonsResponse `json:"body"`
		}{Body: LessonsResponse{Items: nonNilSlice(items)}}, nil
	})
}
