package domain

import "encoding/json"

type Project struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Kind        string `json:"kind"`
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
	CreatedBy   string `json:"created_by"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

// Board roles. TeamManager is not a board role; policies use it to refer to
// the team manager named on a work package.
const (
	RoleExecutive        = "executive"
	RoleSeniorUser       = "senior_user"
	RoleSeniorSupplier   = "senior_supplier"
	RoleProjectManager   = "project_manager"
	RoleProjectAssurance = "project_assurance"
	RoleChangeAuthority  = "change_authority"
	RoleProjectSupport   = "project_support"
	RoleTeamManager      = "team_manager"
)

var BoardRoles = []string{
	RoleExecutive,
	RoleSeniorUser,
	RoleSeniorSupplier,
	RoleProjectManager,
	RoleProjectAssurance,
	RoleChangeAuthority,
	RoleProjectSupport,
}

func IsBoardRole(role string) bool {
	for _, r := range BoardRoles {
		if r == role {
			return true
		}
	}
	return false
}

type BoardMember struct {
	ProjectID string `json:"project_id"`
	ActorID   string `json:"actor_id"`
	Role      string `json:"role" enum:"executive,senior_user,senior_supplier,project_manager,project_assurance,change_authority,project_support"`
	AddedBy   string `json:"added_by"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

const (
	StagePlanned   = "planned"
	StageActive    = "active"
	StageCompleted = "completed"
	StageException = "exception"
)

type Stage struct {
	ID                 string  `json:"id"`
	ProjectID          string  `json:"project_id"`
	Order              int     `json:"order"`
	Name               string  `json:"name"`
	Description        string  `json:"description,omitempty"`
	Status             string  `json:"status" enum:"planned,active,completed,exception"`
	ProgressPercentage int     `json:"progress_percentage"`
	PlannedStart       *string `json:"planned_start,omitempty"`
	PlannedEnd         *string `json:"planned_end,omitempty"`
	TimeTolerance      string  `json:"time_tolerance,omitempty"`
	CostTolerance      string  `json:"cost_tolerance,omitempty"`
	ScopeTolerance     string  `json:"scope_tolerance,omitempty"`
	StartedAt          *string `json:"started_at,omitempty" format:"date-time"`
	CompletedAt        *string `json:"completed_at,omitempty" format:"date-time"`
	ExceptionReason    *string `json:"exception_reason,omitempty"`
	ExceptionAt        *string `json:"exception_at,omitempty" format:"date-time"`
	Revision           int     `json:"revision"`
	CreatedAt          string  `json:"created_at" format:"date-time"`
	UpdatedAt          string  `json:"updated_at" format:"date-time"`
}

const (
	WorkPackageDraft      = "draft"
	WorkPackageAuthorized = "authorized"
	WorkPackageInProgress = "in_progress"
	WorkPackageCompleted  = "completed"
	WorkPackageClosed     = "closed"
)

const (
	PriorityLow      = "low"
	PriorityMedium   = "medium"
	PriorityHigh     = "high"
	PriorityCritical = "critical"
)

func IsPriority(p string) bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

type WorkPackage struct {
	ID                 string  `json:"id"`
	ProjectID          string  `json:"project_id"`
	StageID            string  `json:"stage_id"`
	Reference          string  `json:"reference"`
	Title              string  `json:"title"`
	Description        string  `json:"description,omitempty"`
	Status             string  `json:"status" enum:"draft,authorized,in_progress,completed,closed"`
	Priority           string  `json:"priority" enum:"low,medium,high,critical"`
	ProgressPercentage int     `json:"progress_percentage"`
	TeamManager        *string `json:"team_manager,omitempty"`
	PlannedEndDate     *string `json:"planned_end_date,omitempty"`
	AuthorizedAt       *string `json:"authorized_at,omitempty" format:"date-time"`
	StartedAt          *string `json:"started_at,omitempty" format:"date-time"`
	CompletedAt        *string `json:"completed_at,omitempty" format:"date-time"`
	ClosedAt           *string `json:"closed_at,omitempty" format:"date-time"`
	Revision           int     `json:"revision"`
	CreatedBy          string  `json:"created_by"`
	CreatedAt          string  `json:"created_at" format:"date-time"`
	UpdatedAt          string  `json:"updated_at" format:"date-time"`
}

const (
	GatePending     = "pending"
	GateApproved    = "approved"
	GateConditional = "conditional"
	GateRejected    = "rejected"
	GateDeferred    = "deferred"
)

type StageGate struct {
	ID                      string   `json:"id"`
	ProjectID               string   `json:"project_id"`
	StageID                 string   `json:"stage_id"`
	Outcome                 string   `json:"outcome" enum:"pending,approved,conditional,rejected,deferred"`
	BusinessCaseStillValid  bool     `json:"business_case_still_valid"`
	NextStagePlanApproved   bool     `json:"next_stage_plan_approved"`
	StagePerformanceSummary string   `json:"stage_performance_summary,omitempty"`
	ProductsCompleted       []string `json:"products_completed"`
	ProductsPending         []string `json:"products_pending"`
	LessonsLearned          string   `json:"lessons_learned,omitempty"`
	DecisionNotes           string   `json:"decision_notes,omitempty"`
	Reviewer                *string  `json:"reviewer,omitempty"`
	ReviewDate              *string  `json:"review_date,omitempty" format:"date-time"`
	Revision                int      `json:"revision"`
	CreatedBy               string   `json:"created_by"`
	CreatedAt               string   `json:"created_at" format:"date-time"`
	UpdatedAt               string   `json:"updated_at" format:"date-time"`
}

// Decided reports whether the gate outcome allows the following stage to start.
func (g StageGate) Decided() bool {
	return g.Outcome == GateApproved || g.Outcome == GateConditional
}

const (
	ToleranceTime    = "time"
	ToleranceCost    = "cost"
	ToleranceScope   = "scope"
	ToleranceQuality = "quality"
	ToleranceBenefit = "benefit"
	ToleranceRisk    = "risk"
)

var ToleranceTypes = []string{
	ToleranceTime,
	ToleranceCost,
	ToleranceScope,
	ToleranceQuality,
	ToleranceBenefit,
	ToleranceRisk,
}

func IsToleranceType(t string) bool {
	for _, v := range ToleranceTypes {
		if v == t {
			return true
		}
	}
	return false
}

type Tolerance struct {
	ID             string   `json:"id"`
	ProjectID      string   `json:"project_id"`
	Type           string   `json:"tolerance_type" enum:"time,cost,scope,quality,benefit,risk"`
	PlusTolerance  float64  `json:"plus_tolerance"`
	MinusTolerance float64  `json:"minus_tolerance"`
	CurrentStatus  string   `json:"current_status,omitempty"`
	LastDeviation  *float64 `json:"last_deviation,omitempty"`
	IsExceeded     bool     `json:"is_exceeded"`
	MeasuredAt     *string  `json:"measured_at,omitempty" format:"date-time"`
	Revision       int      `json:"revision"`
	UpdatedAt      string   `json:"updated_at" format:"date-time"`
}

const (
	HighlightGreen = "green"
	HighlightAmber = "amber"
	HighlightRed   = "red"
)

type HighlightReport struct {
	ID             string   `json:"id"`
	ProjectID      string   `json:"project_id"`
	StageID        string   `json:"stage_id"`
	PeriodStart    string   `json:"period_start"`
	PeriodEnd      string   `json:"period_end"`
	OverallStatus  string   `json:"overall_status" enum:"green,amber,red"`
	Summary        string   `json:"summary"`
	Issues         []string `json:"issues"`
	NextPeriodPlan string   `json:"next_period_plan,omitempty"`
	CreatedBy      string   `json:"created_by"`
	CreatedAt      string   `json:"created_at" format:"date-time"`
}

const (
	LessonPositive = "positive"
	LessonNegative = "negative"
)

type Lesson struct {
	ID             string  `json:"id"`
	ProjectID      string  `json:"project_id"`
	StageID        *string `json:"stage_id,omitempty"`
	LessonType     string  `json:"lesson_type" enum:"positive,negative"`
	Category       string  `json:"category"`
	Description    string  `json:"description"`
	Recommendation string  `json:"recommendation,omitempty"`
	LoggedBy       string  `json:"logged_by"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// DecodedPayload returns the payload as a raw JSON value, falling back to an empty object.
func (e Event) DecodedPayload() json.RawMessage {
	if e.Payload == "" || !json.Valid([]byte(e.Payload)) {
		return json.RawMessage("{}")
	}
	return json.RawMessage(e.Payload)
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type ProjectStatus struct {
	ProjectID          string         `json:"project_id"`
	BusinessCaseStatus string         `json:"business_case_status,omitempty"`
	PIDStatus          string         `json:"pid_status,omitempty"`
	ActiveStage        *Stage         `json:"active_stage,omitempty"`
	StageCounts        map[string]int `json:"stage_counts"`
	WorkPackageCounts  map[string]int `json:"work_package_counts"`
	PendingGates       int            `json:"pending_gates"`
	ExceededTolerances []string       `json:"exceeded_tolerances"`
}
