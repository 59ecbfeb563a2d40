package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

const (
	DocumentBusinessCase     = "business_case"
	DocumentPID              = "pid"
	DocumentStagePlan        = "stage_plan"
	DocumentEndProjectReport = "end_project_report"
)

const (
	DocumentDraft     = "draft"
	DocumentApproved  = "approved"
	DocumentBaselined = "baselined"
)

var DocumentKinds = []string{
	DocumentBusinessCase,
	DocumentPID,
	DocumentStagePlan,
	DocumentEndProjectReport,
}

func IsDocumentKind(kind string) bool {
	for _, k := range DocumentKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// Document is a versioned governance document. Content holds the kind-specific body.
type Document struct {
	ID           string          `json:"id"`
	ProjectID    string          `json:"project_id"`
	Kind         string          `json:"kind"`
	StageID      *string         `json:"stage_id,omitempty"`
	Status       string          `json:"status"`
	Version      int             `json:"version"`
	Revision     int             `json:"revision"`
	Content      json.RawMessage `json:"content"`
	BaselineDate *string         `json:"baseline_date,omitempty"`
	ApprovedBy   *string         `json:"approved_by,omitempty"`
	ApprovedAt   *string         `json:"approved_at,omitempty"`
	SupersedesID *string         `json:"supersedes_id,omitempty"`
	CreatedBy    string          `json:"created_by"`
	CreatedAt    string          `json:"created_at"`
	UpdatedAt    string          `json:"updated_at"`
}

// Frozen reports whether the document has left draft.
func (d Document) Frozen() bool {
	return d.Status == DocumentApproved || d.Status == DocumentBaselined
}

// ApprovedStatus is the terminal status for the document kind.
func ApprovedStatus(kind string) string {
	if kind == DocumentPID {
		return DocumentBaselined
	}
	return DocumentApproved
}

// Content is implemented by every document body.
type Content interface {
	// Normalize recomputes derived fields.
	Normalize()
	// Problems lists missing or invalid fields.
	Problems() []string
}

type BusinessCase struct {
	Title               string   `json:"title"`
	Reasons             string   `json:"reasons"`
	BusinessOptions     string   `json:"business_options"`
	ROIPercentage       *float64 `json:"roi_percentage,omitempty"`
	PaybackPeriodMonths *int     `json:"payback_period_months,omitempty"`
	NetPresentValue     *float64 `json:"net_present_value,omitempty"`
	DevelopmentCosts    float64  `json:"development_costs"`
	OngoingCosts        float64  `json:"ongoing_costs"`
	TotalCosts          float64  `json:"total_costs"`
	Benefits            []string `json:"benefits"`
	Risks               []string `json:"risks"`
}

func (b *BusinessCase) Normalize() {
	b.TotalCosts = b.DevelopmentCosts + b.OngoingCosts
	if b.Benefits == nil {
		b.Benefits = []string{}
	}
	if b.Risks == nil {
		b.Risks = []string{}
	}
}

func (b *BusinessCase) Problems() []string {
	var out []string
	out = required(out, "title", b.Title)
	out = required(out, "reasons", b.Reasons)
	out = required(out, "business_options", b.BusinessOptions)
	if b.DevelopmentCosts < 0 {
		out = append(out, "development_costs must not be negative")
	}
	if b.OngoingCosts < 0 {
		out = append(out, "ongoing_costs must not be negative")
	}
	if b.PaybackPeriodMonths != nil && *b.PaybackPeriodMonths < 0 {
		out = append(out, "payback_period_months must not be negative")
	}
	return out
}

type ProjectInitiation struct {
	ProjectDefinition               string `json:"project_definition"`
	QualityManagementApproach       string `json:"quality_management_approach"`
	RiskManagementApproach          string `json:"risk_management_approach"`
	ChangeControlApproach           string `json:"change_control_approach"`
	CommunicationManagementApproach string `json:"communication_management_approach"`
}

func (p *ProjectInitiation) Normalize() {}

func (p *ProjectInitiation) Problems() []string {
	var out []string
	out = required(out, "project_definition", p.ProjectDefinition)
	out = required(out, "quality_management_approach", p.QualityManagementApproach)
	out = required(out, "risk_management_approach", p.RiskManagementApproach)
	out = required(out, "change_control_approach", p.ChangeControlApproach)
	out = required(out, "communication_management_approach", p.CommunicationManagementApproach)
	return out
}

type StagePlan struct {
	Budget               float64  `json:"budget"`
	ResourceRequirements string   `json:"resource_requirements"`
	QualityApproach      string   `json:"quality_approach"`
	Dependencies         []string `json:"dependencies"`
}

func (s *StagePlan) Normalize() {
	if s.Dependencies == nil {
		s.Dependencies = []string{}
	}
}

func (s *StagePlan) Problems() []string {
	var out []string
	if s.Budget < 0 {
		out = append(out, "budget must not be negative")
	}
	out = required(out, "resource_requirements", s.ResourceRequirements)
	out = required(out, "quality_approach", s.QualityApproach)
	return out
}

type EndProjectReport struct {
	Summary                    string   `json:"summary"`
	PerformanceAgainstBaseline string   `json:"performance_against_baseline"`
	BenefitsAchieved           []string `json:"benefits_achieved"`
	FollowOnActions            []string `json:"follow_on_actions"`
}

func (r *EndProjectReport) Normalize() {
	if r.BenefitsAchieved == nil {
		r.BenefitsAchieved = []string{}
	}
	if r.FollowOnActions == nil {
		r.FollowOnActions = []string{}
	}
}

func (r *EndProjectReport) Problems() []string {
	var out []string
	out = required(out, "summary", r.Summary)
	out = required(out, "performance_against_baseline", r.PerformanceAgainstBaseline)
	return out
}

// NewContent returns an empty body for the document kind.
func NewContent(kind string) (Content, error) {
	switch kind {
	case DocumentBusinessCase:
		return &BusinessCase{}, nil
	case DocumentPID:
		return &ProjectInitiation{}, nil
	case DocumentStagePlan:
		return &StagePlan{}, nil
	case DocumentEndProjectReport:
		return &EndProjectReport{}, nil
	}
	return nil, fmt.Errorf("unknown document kind %q", kind)
}

// DecodeContent parses raw JSON into the typed body for kind, rejecting unknown fields.
func DecodeContent(kind string, raw []byte) (Content, error) {
	c, err := NewContent(kind)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = []byte("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(c); err != nil {
		return nil, fmt.Errorf("decode %s content: %w", kind, err)
	}
	return c, nil
}

func required(out []string, field, value string) []string {
	if strings.TrimSpace(value) == "" {
		return append(out, field+" is required")
	}
	return out
}
