package stagelinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"stageline/internal/domain"
)

// Resource types returned by the API.
type (
	Project         = domain.Project
	ProjectStatus   = domain.ProjectStatus
	BoardMember     = domain.BoardMember
	Document        = domain.Document
	Stage           = domain.Stage
	StageGate       = domain.StageGate
	WorkPackage     = domain.WorkPackage
	Tolerance       = domain.Tolerance
	HighlightReport = domain.HighlightReport
	Lesson          = domain.Lesson
)

// Client is a Stageline HTTP API client scoped to one project.
type Client struct {
	BaseURL     string
	BasePath    string
	ProjectID   string
	APIKey      string
	BearerToken string
	// ActorID is sent as X-Actor-Id when no credentials are set. Servers
	// accept it only when started with --allow-actor-header.
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, projectID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		BasePath:  "/v1",
		ProjectID: projectID,
		Timeout:   10 * time.Second,
	}
}

// Event is a governance event log entry.
type Event struct {
	ID         int64           `json:"id"`
	TS         string          `json:"ts"`
	Type       string          `json:"type"`
	ProjectID  string          `json:"project_id"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id"`
	ActorID    string          `json:"actor_id"`
	Payload    json.RawMessage `json:"payload"`
}

// PaginatedEvents wraps event listings with a cursor for the next (older) page.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError is a non-2xx response. Code and Kind come from the error envelope
// when the server sent one.
type APIError struct {
	StatusCode int
	Code       string
	Kind       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// ErrorCode returns the machine-readable code of an API error, or "".
func ErrorCode(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return ""
}

// GateDecision carries the optional fields of a gate decision.
type GateDecision struct {
	Notes                  string `json:"notes,omitempty"`
	BusinessCaseStillValid *bool  `json:"business_case_still_valid,omitempty"`
	NextStagePlanApproved  *bool  `json:"next_stage_plan_approved,omitempty"`
}

// GateReview is the content of an end-stage review.
type GateReview struct {
	StagePerformanceSummary string   `json:"stage_performance_summary,omitempty"`
	ProductsCompleted       []string `json:"products_completed,omitempty"`
	ProductsPending         []string `json:"products_pending,omitempty"`
	LessonsLearned          string   `json:"lessons_learned,omitempty"`
	BusinessCaseStillValid  bool     `json:"business_case_still_valid,omitempty"`
	NextStagePlanApproved   bool     `json:"next_stage_plan_approved,omitempty"`
}

// NewWorkPackage describes a work package to create.
type NewWorkPackage struct {
	StageID        string `json:"stage_id"`
	Reference      string `json:"reference"`
	Title          string `json:"title"`
	Description    string `json:"description,omitempty"`
	Priority       string `json:"priority,omitempty"`
	TeamManager    string `json:"team_manager,omitempty"`
	PlannedEndDate string `json:"planned_end_date,omitempty"`
}

// NewHighlightReport describes a highlight report to file.
type NewHighlightReport struct {
	PeriodStart    string   `json:"period_start"`
	PeriodEnd      string   `json:"period_end"`
	OverallStatus  string   `json:"overall_status"`
	Summary        string   `json:"summary"`
	Issues         []string `json:"issues,omitempty"`
	NextPeriodPlan string   `json:"next_period_plan,omitempty"`
}

// NewLesson describes a lessons log entry.
type NewLesson struct {
	StageID        string `json:"stage_id,omitempty"`
	LessonType     string `json:"lesson_type"`
	Category       string `json:"category"`
	Description    string `json:"description"`
	Recommendation string `json:"recommendation,omitempty"`
}

// CreateProject registers a project. The caller joins its board with the
// configured creator role.
func (c *Client) CreateProject(ctx context.Context, id, name, description string) (Project, error) {
	body := map[string]any{"id": id, "name": name, "description": description}
	var resp Project
	err := c.do(ctx, http.MethodPost, "projects", body, &resp)
	return resp, err
}

// Status returns the project's governance summary.
func (c *Client) Status(ctx context.Context) (ProjectStatus, error) {
	var resp ProjectStatus
	err := c.do(ctx, http.MethodGet, c.projectPath("status"), nil, &resp)
	return resp, err
}

// AddBoardMember gives an actor a board role.
func (c *Client) AddBoardMember(ctx context.Context, actorID, role string) (BoardMember, error) {
	var resp BoardMember
	err := c.do(ctx, http.MethodPost, c.projectPath("board"), map[string]any{"actor_id": actorID, "role": role}, &resp)
	return resp, err
}

// CreateDocument opens a draft. stageID is only used for stage plans.
func (c *Client) CreateDocument(ctx context.Context, kind, stageID string, content any) (Document, error) {
	body := map[string]any{"kind": kind, "content": content}
	if stageID != "" {
		body["stage_id"] = stageID
	}
	var resp Document
	err := c.do(ctx, http.MethodPost, c.projectPath("documents"), body, &resp)
	return resp, err
}

// UpdateDocument replaces the content of a draft. A non-nil expectedRevision
// makes the write conditional.
func (c *Client) UpdateDocument(ctx context.Context, id string, content any, expectedRevision *int) (Document, error) {
	body := map[string]any{"content": content}
	if expectedRevision != nil {
		body["expected_revision"] = *expectedRevision
	}
	var resp Document
	err := c.do(ctx, http.MethodPut, c.projectPath("documents/"+url.PathEscape(id)), body, &resp)
	return resp, err
}

// ApproveDocument approves a draft.
func (c *Client) ApproveDocument(ctx context.Context, id string) (Document, error) {
	return c.documentAction(ctx, id, "approve")
}

// BaselineDocument baselines a project initiation document.
func (c *Client) BaselineDocument(ctx context.Context, id string) (Document, error) {
	return c.documentAction(ctx, id, "baseline")
}

// ReviseDocument opens a new draft version of a frozen document.
func (c *Client) ReviseDocument(ctx context.Context, id string) (Document, error) {
	return c.documentAction(ctx, id, "revise")
}

func (c *Client) documentAction(ctx context.Context, id, verb string) (Document, error) {
	var resp Document
	err := c.do(ctx, http.MethodPost, c.projectPath("documents/"+url.PathEscape(id)+"/"+verb), nil, &resp)
	return resp, err
}

// CurrentDocument returns the newest version of a document kind.
func (c *Client) CurrentDocument(ctx context.Context, kind, stageID string) (Document, error) {
	endpoint := c.projectPath("current/" + url.PathEscape(kind))
	if stageID != "" {
		endpoint += "?stage_id=" + url.QueryEscape(stageID)
	}
	var resp Document
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// InitializeStages creates the project's stages. With no names the
// project's configured template is used.
func (c *Client) InitializeStages(ctx context.Context, names ...string) ([]Stage, error) {
	var body any
	if len(names) > 0 {
		stages := make([]map[string]string, 0, len(names))
		for _, n := range names {
			stages = append(stages, map[string]string{"name": n})
		}
		body = map[string]any{"stages": stages}
	}
	var resp struct {
		Items []Stage `json:"items"`
	}
	err := c.do(ctx, http.MethodPost, c.projectPath("stages"), body, &resp)
	return resp.Items, err
}

// ListStages returns the project's stages in order.
func (c *Client) ListStages(ctx context.Context) ([]Stage, error) {
	var resp struct {
		Items []Stage `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, c.projectPath("stages"), nil, &resp)
	return resp.Items, err
}

// StartStage starts a planned stage.
func (c *Client) StartStage(ctx context.Context, id string) (Stage, error) {
	return c.stageAction(ctx, id, "start", nil)
}

// CompleteStage completes the active stage.
func (c *Client) CompleteStage(ctx context.Context, id string) (Stage, error) {
	return c.stageAction(ctx, id, "complete", nil)
}

// RaiseException puts the active stage into exception.
func (c *Client) RaiseException(ctx context.Context, id, reason string) (Stage, error) {
	return c.stageAction(ctx, id, "exception", map[string]any{"reason": reason})
}

// ResumeStage returns a stage in exception to active.
func (c *Client) ResumeStage(ctx context.Context, id string) (Stage, error) {
	return c.stageAction(ctx, id, "resume", nil)
}

func (c *Client) stageAction(ctx context.Context, id, verb string, body any) (Stage, error) {
	var resp Stage
	err := c.do(ctx, http.MethodPost, c.projectPath("stages/"+url.PathEscape(id)+"/"+verb), body, &resp)
	return resp, err
}

// CreateGate prepares the end-stage review of a stage.
func (c *Client) CreateGate(ctx context.Context, stageID string, review GateReview) (StageGate, error) {
	var resp StageGate
	err := c.do(ctx, http.MethodPost, c.projectPath("stages/"+url.PathEscape(stageID)+"/gate"), review, &resp)
	return resp, err
}

// DecideGate records a decision. verb is approve, conditional, reject or defer.
func (c *Client) DecideGate(ctx context.Context, gateID, verb string, d GateDecision) (StageGate, error) {
	var resp StageGate
	err := c.do(ctx, http.MethodPost, c.projectPath("gates/"+url.PathEscape(gateID)+"/"+verb), d, &resp)
	return resp, err
}

// CreateWorkPackage adds a draft work package.
func (c *Client) CreateWorkPackage(ctx context.Context, wp NewWorkPackage) (WorkPackage, error) {
	var resp WorkPackage
	err := c.do(ctx, http.MethodPost, c.projectPath("work-packages"), wp, &resp)
	return resp, err
}

// AdvanceWorkPackage moves a work package. verb is authorize, start,
// complete or close.
func (c *Client) AdvanceWorkPackage(ctx context.Context, id, verb string) (WorkPackage, error) {
	var resp WorkPackage
	err := c.do(ctx, http.MethodPost, c.projectPath("work-packages/"+url.PathEscape(id)+"/"+verb), nil, &resp)
	return resp, err
}

// ReportProgress sets the progress of an in-progress work package.
func (c *Client) ReportProgress(ctx context.Context, id string, pct int) (WorkPackage, error) {
	var resp WorkPackage
	err := c.do(ctx, http.MethodPost, c.projectPath("work-packages/"+url.PathEscape(id)+"/progress"), map[string]any{"progress_percentage": pct}, &resp)
	return resp, err
}

// InitializeTolerances creates every tolerance type with default bands.
func (c *Client) InitializeTolerances(ctx context.Context) ([]Tolerance, error) {
	var resp struct {
		Items []Tolerance `json:"items"`
	}
	err := c.do(ctx, http.MethodPost, c.projectPath("tolerances"), nil, &resp)
	return resp.Items, err
}

// RecordDeviation records a measured deviation against a tolerance.
func (c *Client) RecordDeviation(ctx context.Context, toleranceType, status string, deviation float64) (Tolerance, error) {
	body := map[string]any{"current_status": status, "deviation": deviation}
	var resp Tolerance
	err := c.do(ctx, http.MethodPost, c.projectPath("tolerances/"+url.PathEscape(toleranceType)+"/status"), body, &resp)
	return resp, err
}

// CreateHighlightReport files a report for the active stage.
func (c *Client) CreateHighlightReport(ctx context.Context, stageID string, r NewHighlightReport) (HighlightReport, error) {
	var resp HighlightReport
	err := c.do(ctx, http.MethodPost, c.projectPath("stages/"+url.PathEscape(stageID)+"/highlight-reports"), r, &resp)
	return resp, err
}

// RecordLesson appends to the lessons log.
func (c *Client) RecordLesson(ctx context.Context, l NewLesson) (Lesson, error) {
	var resp Lesson
	err := c.do(ctx, http.MethodPost, c.projectPath("lessons"), l, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing, newest first.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := c.projectPath("events")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var reader io.Reader
	if body != nil {
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
		reader = &buf
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	b, _ := io.ReadAll(resp.Body)
	apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	var envelope struct {
		Error struct {
			Code    string         `json:"code"`
			Kind    string         `json:"kind"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if json.Unmarshal(b, &envelope) == nil {
		apiErr.Code = envelope.Error.Code
		apiErr.Kind = envelope.Error.Kind
		apiErr.Message = envelope.Error.Message
		apiErr.Details = envelope.Error.Details
	}
	return apiErr
}

func (c *Client) projectPath(p string) string {
	return fmt.Sprintf("projects/%s/%s", url.PathEscape(c.ProjectID), strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	basePath := strings.Trim(c.BasePath, "/")
	if basePath == "" {
		return strings.TrimRight(c.BaseURL, "/")
	}
	return strings.TrimRight(c.BaseURL, "/") + "/" + basePath
}
