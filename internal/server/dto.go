package server

import (
	"encoding/json"

	"stageline/internal/domain"
)

// Request payloads

type CreateProjectRequest struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	// ConfigYAML overrides the server's seed policy for this project.
	ConfigYAML string `json:"config_yaml,omitempty"`
}

type ProjectConfigBody struct {
	YAML string `json:"yaml"`
}

type BoardMemberRequest struct {
	ActorID string `json:"actor_id"`
	Role    string `json:"role" enum:"executive,senior_user,senior_supplier,project_manager,project_assurance,change_authority,project_support"`
}

type APIKeyRequest struct {
	Name string `json:"name,omitempty"`
}

type CreateDocumentRequest struct {
	Kind    string          `json:"kind" enum:"business_case,pid,stage_plan,end_project_report"`
	StageID string          `json:"stage_id,omitempty"`
	Content json.RawMessage `json:"content"`
}

type UpdateDocumentRequest struct {
	Content          json.RawMessage `json:"content"`
	ExpectedRevision *int            `json:"expected_revision,omitempty"`
}

type StageTemplateRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type InitializeStagesRequest struct {
	// Stages overrides the project's configured stage template.
	Stages []StageTemplateRequest `json:"stages,omitempty"`
}

type UpdateStageRequest struct {
	Name           *string `json:"name,omitempty"`
	Description    *string `json:"description,omitempty"`
	PlannedStart   *string `json:"planned_start,omitempty"`
	PlannedEnd     *string `json:"planned_end,omitempty"`
	TimeTolerance  *string `json:"time_tolerance,omitempty"`
	CostTolerance  *string `json:"cost_tolerance,omitempty"`
	ScopeTolerance *string `json:"scope_tolerance,omitempty"`
}

type StageExceptionRequest struct {
	Reason string `json:"reason"`
}

type CreateGateRequest struct {
	StagePerformanceSummary string   `json:"stage_performance_summary,omitempty"`
	ProductsCompleted       []string `json:"products_completed,omitempty"`
	ProductsPending         []string `json:"products_pending,omitempty"`
	LessonsLearned          string   `json:"lessons_learned,omitempty"`
	BusinessCaseStillValid  bool     `json:"business_case_still_valid,omitempty"`
	NextStagePlanApproved   bool     `json:"next_stage_plan_approved,omitempty"`
}

type UpdateGateRequest struct {
	StagePerformanceSummary *string  `json:"stage_performance_summary,omitempty"`
	ProductsCompleted       []string `json:"products_completed,omitempty"`
	ProductsPending         []string `json:"products_pending,omitempty"`
	LessonsLearned          *string  `json:"lessons_learned,omitempty"`
	BusinessCaseStillValid  *bool    `json:"business_case_still_valid,omitempty"`
	NextStagePlanApproved   *bool    `json:"next_stage_plan_approved,omitempty"`
}

type GateDecisionRequest struct {
	Notes                  string `json:"notes,omitempty"`
	BusinessCaseStillValid *bool  `json:"business_case_still_valid,omitempty"`
	NextStagePlanApproved  *bool  `json:"next_stage_plan_approved,omitempty"`
}

type CreateWorkPackageRequest struct {
	StageID        string `json:"stage_id"`
	Reference      string `json:"reference"`
	Title          string `json:"title"`
	Description    string `json:"description,omitempty"`
	Priority       string `json:"priority,omitempty" enum:"low,medium,high,critical"`
	TeamManager    string `json:"team_manager,omitempty"`
	PlannedEndDate string `json:"planned_end_date,omitempty"`
}

type UpdateWorkPackageRequest struct {
	Title          *string `json:"title,omitempty"`
	Description    *string `json:"description,omitempty"`
	Priority       *string `json:"priority,omitempty" enum:"low,medium,high,critical"`
	TeamManager    *string `json:"team_manager,omitempty"`
	PlannedEndDate *string `json:"planned_end_date,omitempty"`
}

type ProgressRequest struct {
	ProgressPercentage int `json:"progress_percentage"`
}

type ToleranceBandsRequest struct {
	PlusTolerance  float64 `json:"plus_tolerance"`
	MinusTolerance float64 `json:"minus_tolerance"`
}

type ToleranceStatusRequest struct {
	CurrentStatus string  `json:"current_status"`
	Deviation     float64 `json:"deviation"`
}

type CreateHighlightReportRequest struct {
	PeriodStart    string   `json:"period_start" example:"2026-03-01"`
	PeriodEnd      string   `json:"period_end" example:"2026-03-14"`
	OverallStatus  string   `json:"overall_status" enum:"green,amber,red"`
	Summary        string   `json:"summary"`
	Issues         []string `json:"issues,omitempty"`
	NextPeriodPlan string   `json:"next_period_plan,omitempty"`
}

type RecordLessonRequest struct {
	StageID        string `json:"stage_id,omitempty"`
	LessonType     string `json:"lesson_type" enum:"positive,negative"`
	Category       string `json:"category"`
	Description    string `json:"description"`
	Recommendation string `json:"recommendation,omitempty"`
}

// Response payloads

type MeResponse struct {
	ActorID string   `json:"actor_id"`
	Source  string   `json:"source"`
	Roles   []string `json:"roles,omitempty"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	Key       string `json:"key"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type ProjectsResponse struct {
	Items []domain.Project `json:"items"`
}

type BoardResponse struct {
	Items []domain.BoardMember `json:"items"`
}

type DocumentsResponse struct {
	Items []domain.Document `json:"items"`
}

type StagesResponse struct {
	Items []domain.Stage `json:"items"`
}

type GatesResponse struct {
	Items []domain.StageGate `json:"items"`
}

type WorkPackagesResponse struct {
	Items []domain.WorkPackage `json:"items"`
}

type TolerancesResponse struct {
	Items []domain.Tolerance `json:"items"`
}

type HighlightReportsResponse struct {
	Items []domain.HighlightReport `json:"items"`
}

type LessonsResponse struct {
	Items []domain.Lesson `json:"items"`
}

type EventResponse struct {
	ID         int64           `json:"id"`
	TS         string          `json:"ts" format:"date-time"`
	Type       string          `json:"type"`
	ProjectID  string          `json:"project_id,omitempty"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	Payload    json.RawMessage `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		ProjectID:  e.ProjectID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    e.DecodedPayload(),
	}
}
