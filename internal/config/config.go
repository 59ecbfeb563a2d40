package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"stageline/internal/domain"
)

const ProjectKind = "prince2-project"

// AnyBoardMember in a policy role list admits every member of the project board.
const AnyBoardMember = "*"

// Config models stageline.yml, the governance policy of one project.
type Config struct {
	Project struct {
		ID   string `yaml:"id"`
		Kind string `yaml:"kind"`
	} `yaml:"project"`
	Board struct {
		CreatorRole string `yaml:"creator_role"`
	} `yaml:"board"`
	Policy     Policy     `yaml:"policy"`
	Tolerances Tolerances `yaml:"tolerances"`
	Stages     struct {
		Template []StageTemplate `yaml:"template"`
	} `yaml:"stages"`
	Lifecycle Lifecycle `yaml:"lifecycle"`
	Progress  Progress  `yaml:"progress"`
}

// Policy maps governance actions to the board roles allowed to perform them.
type Policy struct {
	Actions map[string][]string `yaml:"actions"`
}

// Roles returns the roles allowed to perform action.
func (p Policy) Roles(action string) []string {
	return p.Actions[action]
}

type Band struct {
	Plus  float64 `yaml:"plus"`
	Minus float64 `yaml:"minus"`
}

type Tolerances struct {
	Defaults map[string]Band `yaml:"defaults"`
}

type StageTemplate struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

type Lifecycle struct {
	RequireBaselinedPID     *bool `yaml:"require_baselined_pid"`
	RequireGateForNextStage *bool `yaml:"require_gate_for_next_stage"`
}

func (l Lifecycle) BaselinedPIDRequired() bool {
	return l.RequireBaselinedPID == nil || *l.RequireBaselinedPID
}

func (l Lifecycle) GateRequiredForNextStage() bool {
	return l.RequireGateForNextStage == nil || *l.RequireGateForNextStage
}

const (
	ProgressPriorityWeighted = "priority_weighted"
	ProgressCount            = "count"
)

type Progress struct {
	Policy  string         `yaml:"policy"`
	Weights map[string]int `yaml:"weights"`
}

// Actions known to the governance engine.
var Actions = []string{
	"project.manage",
	"board.manage",
	"business_case.edit",
	"business_case.approve",
	"pid.edit",
	"pid.baseline",
	"stage_plan.edit",
	"stage_plan.approve",
	"end_project_report.edit",
	"end_project_report.approve",
	"stage.manage",
	"stage_gate.prepare",
	"stage_gate.decide",
	"work_package.manage",
	"work_package.execute",
	"tolerance.manage",
	"tolerance.record",
	"highlight_report.create",
	"lessons.record",
}

func knownAction(a string) bool {
	for _, v := range Actions {
		if v == a {
			return true
		}
	}
	return false
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Project.ID == "" {
		return fmt.Errorf("config.project.id is required")
	}
	if c.Project.Kind != ProjectKind {
		return fmt.Errorf("config.project.kind must be '%s'", ProjectKind)
	}
	if c.Board.CreatorRole != "" && !domain.IsBoardRole(c.Board.CreatorRole) {
		return fmt.Errorf("config.board.creator_role %s is not a board role", c.Board.CreatorRole)
	}
	if len(c.Policy.Actions) == 0 {
		return fmt.Errorf("config.policy.actions is required")
	}
	for action, roles := range c.Policy.Actions {
		if !knownAction(action) {
			return fmt.Errorf("config.policy.actions has unknown action %s", action)
		}
		if len(roles) == 0 {
			return fmt.Errorf("action %s has no roles", action)
		}
		for _, role := range roles {
			if role == AnyBoardMember || role == domain.RoleTeamManager || domain.IsBoardRole(role) {
				continue
			}
			return fmt.Errorf("action %s references unknown role %s", action, role)
		}
	}
	for typ, band := range c.Tolerances.Defaults {
		if !domain.IsToleranceType(typ) {
			return fmt.Errorf("config.tolerances.defaults has unknown type %s", typ)
		}
		if band.Plus < 0 || band.Minus < 0 {
			return fmt.Errorf("tolerance band for %s must not be negative", typ)
		}
	}
	for i, st := range c.Stages.Template {
		if strings.TrimSpace(st.Name) == "" {
			return fmt.Errorf("config.stages.template[%d] has empty name", i)
		}
	}
	switch c.Progress.Policy {
	case "", ProgressPriorityWeighted, ProgressCount:
	default:
		return fmt.Errorf("config.progress.policy %s is not supported", c.Progress.Policy)
	}
	for prio, w := range c.Progress.Weights {
		if !domain.IsPriority(prio) {
			return fmt.Errorf("config.progress.weights has unknown priority %s", prio)
		}
		if w < 0 {
			return fmt.Errorf("progress weight for %s must not be negative", prio)
		}
	}
	return nil
}

// CreatorRole returns the board role granted to the actor creating a project.
func (c *Config) CreatorRole() string {
	if c.Board.CreatorRole == "" {
		return domain.RoleExecutive
	}
	return c.Board.CreatorRole
}

// ToleranceTypes returns the configured default band types in a stable order.
func (c *Config) ToleranceTypes() []string {
	var out []string
	for _, t := range domain.ToleranceTypes {
		if _, ok := c.Tolerances.Defaults[t]; ok {
			out = append(out, t)
		}
	}
	return out
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "stageline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectID string) string {
	return fmt.Sprintf(defaultTemplate, projectID)
}

// Default returns the default Config struct for a project.
func Default(projectID string) *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(GenerateDefault(projectID)), &cfg); err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	return &cfg
}

// ForProject returns a copy of c bound to projectID.
func (c *Config) ForProject(projectID string) (*Config, error) {
	data, err := c.YAML()
	if err != nil {
		return nil, err
	}
	var out Config
	if err := yaml.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	out.Project.ID = projectID
	return &out, nil
}

// YAML encodes the config.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the workspace has no config file.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `project:
  id: %s
  kind: prince2-project

board:
  creator_role: executive

policy:
  actions:
    project.manage: [executive]
    board.manage: [executive]
    business_case.edit: [executive, project_manager, project_support]
    business_case.approve: [executive]
    pid.edit: [project_manager, project_support]
    pid.baseline: ["*"]
    stage_plan.edit: [project_manager, project_support]
    stage_plan.approve: [executive, senior_user, senior_supplier]
    end_project_report.edit: [project_manager, project_support]
    end_project_report.approve: [executive]
    stage.manage: [executive, project_manager]
    stage_gate.prepare: [project_manager, project_assurance]
    stage_gate.decide: [executive, senior_user, senior_supplier]
    work_package.manage: [project_manager, project_support]
    work_package.execute: [project_manager, project_support, team_manager]
    tolerance.manage: [executive, project_manager]
    tolerance.record: [executive, project_manager, project_assurance, project_support]
    highlight_report.create: [project_manager, project_support]
    lessons.record: ["*"]

tolerances:
  defaults:
    time: {plus: 10, minus: 10}
    cost: {plus: 10, minus: 10}
    scope: {plus: 5, minus: 5}
    quality: {plus: 5, minus: 5}
    benefit: {plus: 10, minus: 10}
    risk: {plus: 10, minus: 10}

stages:
  template:
    - name: Starting Up
      description: Confirm the project is viable and worthwhile
    - name: Initiation
      description: Establish solid foundations and baseline the PID
    - name: Design
    - name: Build
    - name: Test
    - name: Deployment
    - name: Closure
      description: Confirm acceptance and close the project

lifecycle:
  require_baselined_pid: true
  require_gate_for_next_stage: true

progress:
  policy: priority_weighted
  weights:
    low: 1
    medium: 2
    high: 3
    critical: 5
`
