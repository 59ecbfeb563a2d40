package engine_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"stageline/internal/config"
	"stageline/internal/db"
	"stageline/internal/domain"
	"stageline/internal/engine"
	"stageline/internal/migrate"
	"stageline/internal/repo"
)

const projectID = "proj-1"

// Board seeded by newTestEnv.
const (
	executive = "exec"
	manager   = "pm"
	support   = "support"
	assurance = "assure"
	user      = "senior-user"
)

// testClock advances one second on every read so ordering by timestamp is strict.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, dialect, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn, dialect))

	eng := engine.New(conn, dialect, config.Default(projectID))
	clock := &testClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	eng.Now = clock.Now
	ctx := context.Background()

	_, err = eng.CreateProject(ctx, engine.CreateProjectOptions{ID: projectID, Name: "Test", ActorID: executive})
	require.NoError(t, err)
	for member, role := range map[string]string{
		manager:   domain.RoleProjectManager,
		support:   domain.RoleProjectSupport,
		assurance: domain.RoleProjectAssurance,
		user:      domain.RoleSeniorUser,
	} {
		_, err := eng.AddBoardMember(ctx, projectID, member, role, executive)
		require.NoError(t, err)
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func requireKind(t *testing.T, err error, kind, reason string) {
	t.Helper()
	require.Error(t, err)
	require.Equal(t, kind, engine.KindOf(err), "error: %v", err)
	if reason != "" {
		require.Equal(t, reason, engine.ReasonOf(err), "error: %v", err)
	}
}

func raw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func pidContent(t *testing.T) json.RawMessage {
	return raw(t, map[string]any{
		"project_definition":                "Replace the billing platform",
		"quality_management_approach":       "Peer review",
		"risk_management_approach":          "Weekly risk review",
		"change_control_approach":           "Change board",
		"communication_management_approach": "Highlight reports",
	})
}

func planContent(t *testing.T) json.RawMessage {
	return raw(t, map[string]any{
		"budget":                1000,
		"resource_requirements": "Two developers",
		"quality_approach":      "Reviews",
	})
}

func (env testEnv) baselinePID(t *testing.T) domain.Document {
	t.Helper()
	d, err := env.Engine.CreateDocument(env.Ctx, engine.CreateDocumentOptions{
		ProjectID: projectID, Kind: domain.DocumentPID, Content: pidContent(t), ActorID: manager,
	})
	require.NoError(t, err)
	d, err = env.Engine.ApproveDocument(env.Ctx, d.ID, executive)
	require.NoError(t, err)
	require.Equal(t, domain.DocumentBaselined, d.Status)
	return d
}

func (env testEnv) initStages(t *testing.T, names ...string) []domain.Stage {
	t.Helper()
	if len(names) == 0 {
		names = []string{"Initiation", "Delivery", "Closure"}
	}
	tmpl := make([]config.StageTemplate, 0, len(names))
	for _, n := range names {
		tmpl = append(tmpl, config.StageTemplate{Name: n})
	}
	env.baselinePID(t)
	stages, err := env.Engine.InitializeStages(env.Ctx, projectID, tmpl, executive)
	require.NoError(t, err)
	require.Len(t, stages, len(names))
	return stages
}

func (env testEnv) draftPlan(t *testing.T, stageID string) domain.Document {
	t.Helper()
	d, err := env.Engine.CreateDocument(env.Ctx, engine.CreateDocumentOptions{
		ProjectID: projectID, Kind: domain.DocumentStagePlan, StageID: stageID, Content: planContent(t), ActorID: manager,
	})
	require.NoError(t, err)
	return d
}

func (env testEnv) approvePlan(t *testing.T, stageID string) domain.Document {
	t.Helper()
	d, err := env.Engine.ApproveDocument(env.Ctx, env.draftPlan(t, stageID).ID, executive)
	require.NoError(t, err)
	return d
}

func (env testEnv) startStage(t *testing.T, stageID string) domain.Stage {
	t.Helper()
	env.approvePlan(t, stageID)
	s, err := env.Engine.StartStage(env.Ctx, stageID, manager)
	require.NoError(t, err)
	return s
}

func (env testEnv) gate(t *testing.T, stageID string) domain.StageGate {
	t.Helper()
	g, err := env.Engine.CreateGate(env.Ctx, engine.CreateGateOptions{
		StageID:                 stageID,
		StagePerformanceSummary: "On track",
		BusinessCaseStillValid:  true,
		ActorID:                 manager,
	})
	require.NoError(t, err)
	require.Equal(t, domain.GatePending, g.Outcome)
	return g
}

func TestCreateProjectSeedsBoard(t *testing.T) {
	env := newTestEnv(t)

	roles, err := env.Engine.ActorRoles(env.Ctx, projectID, executive)
	require.NoError(t, err)
	require.Equal(t, []string{domain.RoleExecutive}, roles)

	_, err = env.Engine.CreateProject(env.Ctx, engine.CreateProjectOptions{ID: projectID, ActorID: executive})
	requireKind(t, err, engine.KindConflict, "project_exists")

	evts, err := env.Engine.ListEvents(env.Ctx, repo.EventFilter{ProjectID: projectID, Type: "project.created"})
	require.NoError(t, err)
	require.Len(t, evts, 1)
}

func TestBoardMembership(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.Engine.AddBoardMember(env.Ctx, projectID, manager, domain.RoleProjectManager, executive)
	requireKind(t, err, engine.KindConflict, "board_member_exists")

	_, err = env.Engine.AddBoardMember(env.Ctx, projectID, "someone", "sponsor", executive)
	requireKind(t, err, engine.KindValidation, "invalid_role")

	_, err = env.Engine.AddBoardMember(env.Ctx, projectID, "someone", domain.RoleSeniorSupplier, manager)
	requireKind(t, err, engine.KindAuthorization, "forbidden")

	err = env.Engine.RemoveBoardMember(env.Ctx, projectID, executive, domain.RoleExecutive, executive)
	requireKind(t, err, engine.KindPrecondition, "last_executive")

	err = env.Engine.RemoveBoardMember(env.Ctx, projectID, manager, domain.RoleExecutive, executive)
	requireKind(t, err, engine.KindNotFound, "board_member_not_found")

	require.NoError(t, env.Engine.RemoveBoardMember(env.Ctx, projectID, support, domain.RoleProjectSupport, executive))
	board, err := env.Engine.ListBoard(env.Ctx, projectID)
	require.NoError(t, err)
	require.Len(t, board, 4)
}

func TestDocumentLifecycle(t *testing.T) {
	env := newTestEnv(t)
	bc, err := env.Engine.CreateDocument(env.Ctx, engine.CreateDocumentOptions{
		ProjectID: projectID,
		Kind:      domain.DocumentBusinessCase,
		Content: raw(t, map[string]any{
			"title": "Billing", "reasons": "Legacy", "business_options": "Do nothing / replace",
			"development_costs": 100, "ongoing_costs": 20,
		}),
		ActorID: manager,
	})
	require.NoError(t, err)
	require.Equal(t, 1, bc.Version)

	var body domain.BusinessCase
	require.NoError(t, json.Unmarshal(bc.Content, &body))
	require.Equal(t, float64(120), body.TotalCosts)

	_, err = env.Engine.CreateDocument(env.Ctx, engine.CreateDocumentOptions{
		ProjectID: projectID, Kind: domain.DocumentBusinessCase, Content: raw(t, map[string]any{"title": "x"}), ActorID: manager,
	})
	requireKind(t, err, engine.KindValidation, "missing_fields")

	stale := bc.Revision + 5
	_, err = env.Engine.UpdateDocument(env.Ctx, bc.ID, bc.Content, &stale, manager)
	requireKind(t, err, engine.KindConflict, "stale_revision")

	_, err = env.Engine.ApproveDocument(env.Ctx, bc.ID, manager)
	requireKind(t, err, engine.KindAuthorization, "forbidden")

	approved, err := env.Engine.ApproveDocument(env.Ctx, bc.ID, executive)
	require.NoError(t, err)
	require.Equal(t, domain.DocumentApproved, approved.Status)
	require.NotNil(t, approved.ApprovedAt)

	_, err = env.Engine.ApproveDocument(env.Ctx, bc.ID, executive)
	requireKind(t, err, engine.KindInvalidState, "document_already_approved")

	_, err = env.Engine.UpdateDocument(env.Ctx, bc.ID, bc.Content, nil, manager)
	requireKind(t, err, engine.KindInvalidState, "document_frozen")

	next, err := env.Engine.ReviseDocument(env.Ctx, bc.ID, manager)
	require.NoError(t, err)
	require.Equal(t, 2, next.Version)
	require.Equal(t, domain.DocumentDraft, next.Status)
	require.Equal(t, bc.ID, *next.SupersedesID)

	_, err = env.Engine.ReviseDocument(env.Ctx, bc.ID, manager)
	requireKind(t, err, engine.KindConflict, "draft_exists")

	baseline, err := env.Engine.BaselineDocument(env.Ctx, projectID, domain.DocumentBusinessCase, "")
	require.NoError(t, err)
	require.Equal(t, bc.ID, baseline.ID)

	current, err := env.Engine.CurrentDocument(env.Ctx, projectID, domain.DocumentBusinessCase, "")
	require.NoError(t, err)
	require.Equal(t, next.ID, current.ID)
}

func TestInitializeStagesRequiresBaselinedPID(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.InitializeStages(env.Ctx, projectID, nil, executive)
	requireKind(t, err, engine.KindPrecondition, "pid_not_baselined")

	env.baselinePID(t)
	stages, err := env.Engine.InitializeStages(env.Ctx, projectID, nil, executive)
	require.NoError(t, err)
	require.Len(t, stages, 7)
	for i, s := range stages {
		require.Equal(t, i+1, s.Order)
		require.Equal(t, domain.StagePlanned, s.Status)
	}

	_, err = env.Engine.InitializeStages(env.Ctx, projectID, nil, executive)
	requireKind(t, err, engine.KindConflict, "stages_exist")
}

func TestStartStageRequiresApprovedPlan(t *testing.T) {
	env := newTestEnv(t)
	stages := env.initStages(t)

	_, err := env.Engine.StartStage(env.Ctx, stages[0].ID, manager)
	requireKind(t, err, engine.KindPrecondition, "stage_plan_not_approved")

	s := env.startStage(t, stages[0].ID)
	require.Equal(t, domain.StageActive, s.Status)
	require.NotNil(t, s.StartedAt)
}

func TestAtMostOneActiveStage(t *testing.T) {
	env := newTestEnv(t)
	stages := env.initStages(t)
	env.startStage(t, stages[0].ID)
	env.approvePlan(t, stages[1].ID)

	_, err := env.Engine.StartStage(env.Ctx, stages[1].ID, manager)
	requireKind(t, err, engine.KindPrecondition, "stage_already_active")

	list, err := env.Engine.ListStages(env.Ctx, projectID)
	require.NoError(t, err)
	active := 0
	for _, s := range list {
		if s.Status == domain.StageActive {
			active++
		}
	}
	require.Equal(t, 1, active)
}

func TestStagesStartInOrderAfterGate(t *testing.T) {
	env := newTestEnv(t)
	stages := env.initStages(t)
	env.startStage(t, stages[0].ID)
	_, err := env.Engine.CompleteStage(env.Ctx, stages[0].ID, manager)
	require.NoError(t, err)

	env.approvePlan(t, stages[2].ID)
	_, err = env.Engine.StartStage(env.Ctx, stages[2].ID, manager)
	requireKind(t, err, engine.KindPrecondition, "stage_out_of_order")

	env.approvePlan(t, stages[1].ID)
	_, err = env.Engine.StartStage(env.Ctx, stages[1].ID, manager)
	requireKind(t, err, engine.KindPrecondition, "previous_gate_not_approved")

	g := env.gate(t, stages[0].ID)
	_, err = env.Engine.StartStage(env.Ctx, stages[1].ID, manager)
	requireKind(t, err, engine.KindPrecondition, "previous_gate_not_approved")

	_, err = env.Engine.MarkGateConditional(env.Ctx, g.ID, engine.GateDecision{Notes: "Re-plan testing"}, executive)
	require.NoError(t, err)
	s, err := env.Engine.StartStage(env.Ctx, stages[1].ID, manager)
	require.NoError(t, err)
	require.Equal(t, domain.StageActive, s.Status)
}

func TestApproveGateTwice(t *testing.T) {
	env := newTestEnv(t)
	stages := env.initStages(t)
	env.startStage(t, stages[0].ID)
	g := env.gate(t, stages[0].ID)

	_, err := env.Engine.CreateGate(env.Ctx, engine.CreateGateOptions{StageID: stages[0].ID, ActorID: manager})
	requireKind(t, err, engine.KindConflict, "gate_exists")

	_, err = env.Engine.ApproveGate(env.Ctx, g.ID, engine.GateDecision{}, manager)
	requireKind(t, err, engine.KindAuthorization, "forbidden")

	approved, err := env.Engine.ApproveGate(env.Ctx, g.ID, engine.GateDecision{}, executive)
	require.NoError(t, err)
	require.Equal(t, domain.GateApproved, approved.Outcome)
	require.Equal(t, executive, *approved.Reviewer)
	require.NotNil(t, approved.ReviewDate)

	_, err = env.Engine.ApproveGate(env.Ctx, g.ID, engine.GateDecision{}, executive)
	requireKind(t, err, engine.KindInvalidState, "gate_not_pending")

	_, err = env.Engine.UpdateGate(env.Ctx, g.ID, engine.GateUpdate{}, manager)
	requireKind(t, err, engine.KindInvalidState, "gate_not_pending")
}

func TestConcurrentGateApproval(t *testing.T) {
	env := newTestEnv(t)
	stages := env.initStages(t)
	env.startStage(t, stages[0].ID)
	g := env.gate(t, stages[0].ID)
	_, err := env.Engine.AddBoardMember(env.Ctx, projectID, "exec-2", domain.RoleExecutive, executive)
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, actor := range []string{executive, "exec-2"} {
		wg.Add(1)
		go func(i int, actor string) {
			defer wg.Done()
			_, errs[i] = env.Engine.ApproveGate(env.Ctx, g.ID, engine.GateDecision{}, actor)
		}(i, actor)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		require.Contains(t, []string{engine.KindInvalidState, engine.KindConflict}, engine.KindOf(err), "error: %v", err)
	}
	require.Equal(t, 1, succeeded)

	evts, err := env.Engine.ListEvents(env.Ctx, repo.EventFilter{ProjectID: projectID, Type: "stage_gate.approved"})
	require.NoError(t, err)
	require.Len(t, evts, 1)
}

func TestGateApprovalApprovesNextStagePlan(t *testing.T) {
	env := newTestEnv(t)
	stages := env.initStages(t)
	env.startStage(t, stages[0].ID)
	plan := env.draftPlan(t, stages[1].ID)

	g := env.gate(t, stages[0].ID)
	yes := true
	_, err := env.Engine.ApproveGate(env.Ctx, g.ID, engine.GateDecision{NextStagePlanApproved: &yes}, executive)
	require.NoError(t, err)

	plan, err = env.Engine.GetDocument(env.Ctx, plan.ID)
	require.NoError(t, err)
	require.Equal(t, domain.DocumentApproved, plan.Status)
	require.Equal(t, executive, *plan.ApprovedBy)

	_, err = env.Engine.CompleteStage(env.Ctx, stages[0].ID, manager)
	require.NoError(t, err)
	s, err := env.Engine.StartStage(env.Ctx, stages[1].ID, manager)
	require.NoError(t, err)
	require.Equal(t, domain.StageActive, s.Status)
}

func TestGateApprovalRequiresStagePlanApprovalRole(t *testing.T) {
	env := newTestEnv(t)
	cfg, err := env.Engine.ProjectConfig(env.Ctx, projectID)
	require.NoError(t, err)
	cfg.Policy.Actions["stage_plan.approve"] = []string{domain.RoleExecutive}
	_, err = env.Engine.UpdateProjectConfig(env.Ctx, projectID, cfg, executive)
	require.NoError(t, err)

	stages := env.initStages(t)
	env.startStage(t, stages[0].ID)
	plan := env.draftPlan(t, stages[1].ID)
	g := env.gate(t, stages[0].ID)

	yes := true
	_, err = env.Engine.ApproveGate(env.Ctx, g.ID, engine.GateDecision{NextStagePlanApproved: &yes}, user)
	requireKind(t, err, engine.KindAuthorization, "forbidden")

	plan, err = env.Engine.GetDocument(env.Ctx, plan.ID)
	require.NoError(t, err)
	require.Equal(t, domain.DocumentDraft, plan.Status)
	g, err = env.Engine.GetGate(env.Ctx, g.ID)
	require.NoError(t, err)
	require.Equal(t, domain.GatePending, g.Outcome)

	// Without the flag the same member may still decide the gate.
	no := false
	g, err = env.Engine.ApproveGate(env.Ctx, g.ID, engine.GateDecision{NextStagePlanApproved: &no}, user)
	require.NoError(t, err)
	require.Equal(t, domain.GateApproved, g.Outcome)
}

func TestGateApprovalWithoutNextPlanLeavesStageBlocked(t *testing.T) {
	env := newTestEnv(t)
	stages := env.initStages(t)
	env.startStage(t, stages[0].ID)
	g := env.gate(t, stages[0].ID)
	yes := true
	approved, err := env.Engine.ApproveGate(env.Ctx, g.ID, engine.GateDecision{NextStagePlanApproved: &yes}, executive)
	require.NoError(t, err)
	require.True(t, approved.NextStagePlanApproved)

	_, err = env.Engine.CompleteStage(env.Ctx, stages[0].ID, manager)
	require.NoError(t, err)
	_, err = env.Engine.StartStage(env.Ctx, stages[1].ID, manager)
	requireKind(t, err, engine.KindPrecondition, "stage_plan_not_approved")
}

func TestRejectGateRaisesStageException(t *testing.T) {
	env := newTestEnv(t)
	stages := env.initStages(t)
	env.startStage(t, stages[0].ID)
	g := env.gate(t, stages[0].ID)

	_, err := env.Engine.RejectGate(env.Ctx, g.ID, engine.GateDecision{Notes: "  "}, executive)
	requireKind(t, err, engine.KindValidation, "notes_required")

	rejected, err := env.Engine.RejectGate(env.Ctx, g.ID, engine.GateDecision{Notes: "Business case no longer holds"}, executive)
	require.NoError(t, err)
	require.Equal(t, domain.GateRejected, rejected.Outcome)

	s, err := env.Engine.GetStage(env.Ctx, stages[0].ID)
	require.NoError(t, err)
	require.Equal(t, domain.StageException, s.Status)
	require.Equal(t, "Business case no longer holds", *s.ExceptionReason)

	_, err = env.Engine.ReopenGate(env.Ctx, g.ID, executive)
	requireKind(t, err, engine.KindPrecondition, "stage_in_exception")

	_, err = env.Engine.ResumeStage(env.Ctx, s.ID, manager)
	requireKind(t, err, engine.KindPrecondition, "exception_plan_not_approved")

	current, err := env.Engine.BaselineDocument(env.Ctx, projectID, domain.DocumentStagePlan, s.ID)
	require.NoError(t, err)
	exceptionPlan, err := env.Engine.ReviseDocument(env.Ctx, current.ID, manager)
	require.NoError(t, err)
	_, err = env.Engine.ApproveDocument(env.Ctx, exceptionPlan.ID, executive)
	require.NoError(t, err)

	s, err = env.Engine.ResumeStage(env.Ctx, s.ID, manager)
	require.NoError(t, err)
	require.Equal(t, domain.StageActive, s.Status)

	reopened, err := env.Engine.ReopenGate(env.Ctx, g.ID, executive)
	require.NoError(t, err)
	require.Equal(t, domain.GatePending, reopened.Outcome)
	require.Nil(t, reopened.Reviewer)
}

func TestStageInExceptionBlocksLaterStages(t *testing.T) {
	env := newTestEnv(t)
	stages := env.initStages(t)
	env.startStage(t, stages[0].ID)
	_, err := env.Engine.RaiseStageException(env.Ctx, stages[0].ID, "Scope doubled", manager)
	require.NoError(t, err)

	env.approvePlan(t, stages[1].ID)
	_, err = env.Engine.StartStage(env.Ctx, stages[1].ID, manager)
	requireKind(t, err, engine.KindPrecondition, "stage_out_of_order")
}

func TestResumeNeedsPlanApprovedAfterExceptionWithinSameSecond(t *testing.T) {
	env := newTestEnv(t)
	frozen := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	env.Engine.Now = func() time.Time { return frozen }

	stages := env.initStages(t)
	env.startStage(t, stages[0].ID)
	_, err := env.Engine.RaiseStageException(env.Ctx, stages[0].ID, "Supplier failed", manager)
	require.NoError(t, err)

	_, err = env.Engine.ResumeStage(env.Ctx, stages[0].ID, manager)
	requireKind(t, err, engine.KindPrecondition, "exception_plan_not_approved")

	current, err := env.Engine.BaselineDocument(env.Ctx, projectID, domain.DocumentStagePlan, stages[0].ID)
	require.NoError(t, err)
	exceptionPlan, err := env.Engine.ReviseDocument(env.Ctx, current.ID, manager)
	require.NoError(t, err)
	_, err = env.Engine.ApproveDocument(env.Ctx, exceptionPlan.ID, executive)
	require.NoError(t, err)

	s, err := env.Engine.ResumeStage(env.Ctx, stages[0].ID, manager)
	require.NoError(t, err)
	require.Equal(t, domain.StageActive, s.Status)
}

func TestDeferAndReopenGate(t *testing.T) {
	env := newTestEnv(t)
	stages := env.initStages(t)
	env.startStage(t, stages[0].ID)
	g := env.gate(t, stages[0].ID)

	_, err := env.Engine.ReopenGate(env.Ctx, g.ID, executive)
	requireKind(t, err, engine.KindInvalidState, "gate_not_reopenable")

	deferred, err := env.Engine.DeferGate(env.Ctx, g.ID, engine.GateDecision{}, user)
	require.NoError(t, err)
	require.Equal(t, domain.GateDeferred, deferred.Outcome)

	reopened, err := env.Engine.ReopenGate(env.Ctx, g.ID, executive)
	require.NoError(t, err)
	require.Equal(t, domain.GatePending, reopened.Outcome)

	summary := "Slipped two weeks"
	updated, err := env.Engine.UpdateGate(env.Ctx, g.ID, engine.GateUpdate{StagePerformanceSummary: &summary, ProductsPending: []string{"Design"}}, manager)
	require.NoError(t, err)
	require.Equal(t, summary, updated.StagePerformanceSummary)
	require.Equal(t, []string{"Design"}, updated.ProductsPending)
}

func TestCreateGateRequiresReviewableStage(t *testing.T) {
	env := newTestEnv(t)
	stages := env.initStages(t)
	_, err := env.Engine.CreateGate(env.Ctx, engine.CreateGateOptions{StageID: stages[0].ID, ActorID: manager})
	requireKind(t, err, engine.KindPrecondition, "stage_not_reviewable")
}

func TestCanTransitionWorkPackage(t *testing.T) {
	legal := map[[2]string]bool{
		{domain.WorkPackageDraft, domain.WorkPackageAuthorized}:      true,
		{domain.WorkPackageAuthorized, domain.WorkPackageInProgress}: true,
		{domain.WorkPackageInProgress, domain.WorkPackageCompleted}:  true,
		{domain.WorkPackageCompleted, domain.WorkPackageClosed}:      true,
	}
	for _, from := range engine.WorkPackageStatuses {
		for _, to := range engine.WorkPackageStatuses {
			t.Run(from+"->"+to, func(t *testing.T) {
				require.Equal(t, legal[[2]string{from, to}], engine.CanTransitionWorkPackage(from, to))
			})
		}
	}
}

func TestWorkPackageTransitions(t *testing.T) {
	env := newTestEnv(t)
	stages := env.initStages(t)
	env.startStage(t, stages[0].ID)

	type step func(ctx context.Context, id, actorID string) (domain.WorkPackage, error)
	steps := map[string]step{
		domain.WorkPackageAuthorized: env.Engine.AuthorizeWorkPackage,
		domain.WorkPackageInProgress: env.Engine.StartWorkPackage,
		domain.WorkPackageCompleted:  env.Engine.CompleteWorkPackage,
		domain.WorkPackageClosed:     env.Engine.CloseWorkPackage,
	}
	n := 0
	newAt := func(t *testing.T, status string) domain.WorkPackage {
		n++
		wp, err := env.Engine.CreateWorkPackage(env.Ctx, engine.CreateWorkPackageOptions{
			ProjectID: projectID, StageID: stages[0].ID, Reference: fmt.Sprintf("WP-%03d", n), Title: "Work", ActorID: manager,
		})
		require.NoError(t, err)
		for _, s := range engine.WorkPackageStatuses[1:] {
			if wp.Status == status {
				break
			}
			wp, err = steps[s](env.Ctx, wp.ID, manager)
			require.NoError(t, err)
		}
		require.Equal(t, status, wp.Status)
		return wp
	}

	for _, from := range engine.WorkPackageStatuses {
		for _, to := range engine.WorkPackageStatuses[1:] {
			t.Run(from+"->"+to, func(t *testing.T) {
				wp := newAt(t, from)
				got, err := steps[to](env.Ctx, wp.ID, manager)
				if engine.CanTransitionWorkPackage(from, to) {
					require.NoError(t, err)
					require.Equal(t, to, got.Status)
					require.Equal(t, wp.Revision+1, got.Revision)
					return
				}
				requireKind(t, err, engine.KindInvalidState, "invalid_transition")
				stored, err := env.Engine.GetWorkPackage(env.Ctx, wp.ID)
				require.NoError(t, err)
				require.Equal(t, from, stored.Status)
			})
		}
	}
}

func TestDuplicateWorkPackageReference(t *testing.T) {
	env := newTestEnv(t)
	stages := env.initStages(t)
	opts := engine.CreateWorkPackageOptions{ProjectID: projectID, StageID: stages[0].ID, Reference: "WP-001", Title: "Design", ActorID: manager}
	_, err := env.Engine.CreateWorkPackage(env.Ctx, opts)
	require.NoError(t, err)

	opts.StageID = stages[1].ID
	_, err = env.Engine.CreateWorkPackage(env.Ctx, opts)
	requireKind(t, err, engine.KindConflict, "duplicate_reference")
}

func TestWorkPackageRules(t *testing.T) {
	env := newTestEnv(t)
	stages := env.initStages(t)
	wp, err := env.Engine.CreateWorkPackage(env.Ctx, engine.CreateWorkPackageOptions{
		ProjectID: projectID, StageID: stages[0].ID, Reference: "WP-001", Title: "Design", TeamManager: "tm", ActorID: manager,
	})
	require.NoError(t, err)
	require.Equal(t, domain.PriorityMedium, wp.Priority)

	_, err = env.Engine.AuthorizeWorkPackage(env.Ctx, wp.ID, manager)
	requireKind(t, err, engine.KindPrecondition, "stage_not_active")

	high := domain.PriorityHigh
	wp, err = env.Engine.UpdateWorkPackage(env.Ctx, wp.ID, engine.WorkPackageUpdate{Priority: &high}, manager)
	require.NoError(t, err)
	require.Equal(t, domain.PriorityHigh, wp.Priority)

	env.startStage(t, stages[0].ID)
	wp, err = env.Engine.AuthorizeWorkPackage(env.Ctx, wp.ID, manager)
	require.NoError(t, err)

	_, err = env.Engine.UpdateWorkPackage(env.Ctx, wp.ID, engine.WorkPackageUpdate{Priority: &high}, manager)
	requireKind(t, err, engine.KindInvalidState, "work_package_not_draft")
	err = env.Engine.DeleteWorkPackage(env.Ctx, wp.ID, manager)
	requireKind(t, err, engine.KindInvalidState, "work_package_not_draft")

	_, err = env.Engine.StartWorkPackage(env.Ctx, wp.ID, "stranger")
	requireKind(t, err, engine.KindAuthorization, "forbidden")

	wp, err = env.Engine.StartWorkPackage(env.Ctx, wp.ID, "tm")
	require.NoError(t, err)

	_, err = env.Engine.ReportWorkPackageProgress(env.Ctx, wp.ID, 101, "tm")
	requireKind(t, err, engine.KindValidation, "invalid_progress")
	wp, err = env.Engine.ReportWorkPackageProgress(env.Ctx, wp.ID, 40, "tm")
	require.NoError(t, err)
	require.Equal(t, 40, wp.ProgressPercentage)

	_, err = env.Engine.CloseWorkPackage(env.Ctx, wp.ID, "tm")
	requireKind(t, err, engine.KindAuthorization, "forbidden")

	wp, err = env.Engine.CompleteWorkPackage(env.Ctx, wp.ID, "tm")
	require.NoError(t, err)
	require.Equal(t, 100, wp.ProgressPercentage)

	draft, err := env.Engine.CreateWorkPackage(env.Ctx, engine.CreateWorkPackageOptions{
		ProjectID: projectID, StageID: stages[0].ID, Reference: "WP-002", Title: "Spare", ActorID: manager,
	})
	require.NoError(t, err)
	require.NoError(t, env.Engine.DeleteWorkPackage(env.Ctx, draft.ID, manager))
	_, err = env.Engine.GetWorkPackage(env.Ctx, draft.ID)
	requireKind(t, err, engine.KindNotFound, "")
}

func TestStageProgressFollowsWorkPackages(t *testing.T) {
	env := newTestEnv(t)
	stages := env.initStages(t)
	env.startStage(t, stages[0].ID)

	var ids []string
	for i, p := range []string{domain.PriorityHigh, domain.PriorityLow} {
		wp, err := env.Engine.CreateWorkPackage(env.Ctx, engine.CreateWorkPackageOptions{
			ProjectID: projectID, StageID: stages[0].ID, Reference: fmt.Sprintf("WP-%d", i+1), Title: "Work", Priority: p, ActorID: manager,
		})
		require.NoError(t, err)
		for _, fn := range []func(context.Context, string, string) (domain.WorkPackage, error){
			env.Engine.AuthorizeWorkPackage, env.Engine.StartWorkPackage,
		} {
			_, err = fn(env.Ctx, wp.ID, manager)
			require.NoError(t, err)
		}
		ids = append(ids, wp.ID)
	}

	_, err := env.Engine.CompleteWorkPackage(env.Ctx, ids[0], manager)
	require.NoError(t, err)
	s, err := env.Engine.GetStage(env.Ctx, stages[0].ID)
	require.NoError(t, err)
	require.Equal(t, 75, s.ProgressPercentage)

	_, err = env.Engine.CompleteWorkPackage(env.Ctx, ids[1], manager)
	require.NoError(t, err)
	s, err = env.Engine.RecomputeProgress(env.Ctx, stages[0].ID, manager)
	require.NoError(t, err)
	require.Equal(t, 100, s.ProgressPercentage)
}

func TestStageExceptionAndCompletion(t *testing.T) {
	env := newTestEnv(t)
	stages := env.initStages(t)
	env.startStage(t, stages[0].ID)

	_, err := env.Engine.RaiseStageException(env.Ctx, stages[0].ID, "", manager)
	requireKind(t, err, engine.KindValidation, "reason_required")

	s, err := env.Engine.RaiseStageException(env.Ctx, stages[0].ID, "Supplier failed", manager)
	require.NoError(t, err)
	require.Equal(t, domain.StageException, s.Status)

	_, err = env.Engine.CompleteStage(env.Ctx, s.ID, manager)
	requireKind(t, err, engine.KindInvalidState, "stage_not_active")

	_, err = env.Engine.CreateWorkPackage(env.Ctx, engine.CreateWorkPackageOptions{
		ProjectID: projectID, StageID: s.ID, Reference: "WP-9", Title: "Late", ActorID: manager,
	})
	requireKind(t, err, engine.KindPrecondition, "stage_closed")
}

func TestEndProjectReportRequiresCompletedStages(t *testing.T) {
	env := newTestEnv(t)
	stages := env.initStages(t, "Only")
	report := raw(t, map[string]any{"summary": "Done", "performance_against_baseline": "On budget"})

	_, err := env.Engine.CreateDocument(env.Ctx, engine.CreateDocumentOptions{
		ProjectID: projectID, Kind: domain.DocumentEndProjectReport, Content: report, ActorID: manager,
	})
	requireKind(t, err, engine.KindPrecondition, "stages_not_completed")

	env.startStage(t, stages[0].ID)
	_, err = env.Engine.CompleteStage(env.Ctx, stages[0].ID, manager)
	require.NoError(t, err)

	d, err := env.Engine.CreateDocument(env.Ctx, engine.CreateDocumentOptions{
		ProjectID: projectID, Kind: domain.DocumentEndProjectReport, Content: report, ActorID: manager,
	})
	require.NoError(t, err)
	require.Equal(t, domain.DocumentDraft, d.Status)
}

func TestExceeded(t *testing.T) {
	cases := []struct {
		deviation, plus, minus float64
		want                   bool
	}{
		{12, 10, 10, true},
		{10, 10, 10, false},
		{5, 10, 10, false},
		{-10, 10, 10, false},
		{-10.5, 10, 10, true},
		{0.1, 0, 0, true},
		{0, 0, 0, false},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("%v/%v/%v", tc.deviation, tc.plus, tc.minus), func(t *testing.T) {
			require.Equal(t, tc.want, engine.Exceeded(tc.deviation, tc.plus, tc.minus))
			require.Equal(t, tc.want, engine.Exceeded(tc.deviation, tc.plus, tc.minus))
		})
	}
}

func TestToleranceMonitoring(t *testing.T) {
	env := newTestEnv(t)
	tols, err := env.Engine.InitializeTolerances(env.Ctx, projectID, executive)
	require.NoError(t, err)
	require.Len(t, tols, len(domain.ToleranceTypes))

	_, err = env.Engine.InitializeTolerances(env.Ctx, projectID, executive)
	requireKind(t, err, engine.KindConflict, "tolerances_exist")

	cost, err := env.Engine.GetTolerance(env.Ctx, projectID, domain.ToleranceCost)
	require.NoError(t, err)
	require.Equal(t, float64(10), cost.PlusTolerance)

	_, err = env.Engine.SetToleranceBands(env.Ctx, projectID, domain.ToleranceCost, -1, 10, executive)
	requireKind(t, err, engine.KindValidation, "negative_band")

	cost, err = env.Engine.RecordToleranceStatus(env.Ctx, projectID, domain.ToleranceCost, "over budget", 12, assurance)
	require.NoError(t, err)
	require.True(t, cost.IsExceeded)

	cost, err = env.Engine.RecordToleranceStatus(env.Ctx, projectID, domain.ToleranceCost, "recovering", 5, assurance)
	require.NoError(t, err)
	require.False(t, cost.IsExceeded)

	cost, err = env.Engine.RecordToleranceStatus(env.Ctx, projectID, domain.ToleranceCost, "over again", 12, assurance)
	require.NoError(t, err)
	require.True(t, cost.IsExceeded)

	cost, err = env.Engine.SetToleranceBands(env.Ctx, projectID, domain.ToleranceCost, 15, 15, executive)
	require.NoError(t, err)
	require.False(t, cost.IsExceeded)

	raised, err := env.Engine.ListEvents(env.Ctx, repo.EventFilter{ProjectID: projectID, Type: "tolerance.exception_raised"})
	require.NoError(t, err)
	require.Len(t, raised, 2)
	recovered, err := env.Engine.ListEvents(env.Ctx, repo.EventFilter{ProjectID: projectID, Type: "tolerance.recovered"})
	require.NoError(t, err)
	require.Len(t, recovered, 2)

	_, err = env.Engine.RecordToleranceStatus(env.Ctx, projectID, domain.ToleranceCost, "x", 1, "stranger")
	requireKind(t, err, engine.KindAuthorization, "forbidden")
	_, err = env.Engine.GetTolerance(env.Ctx, projectID, "morale")
	requireKind(t, err, engine.KindValidation, "invalid_tolerance_type")
}

func TestHighlightReportsAndLessons(t *testing.T) {
	env := newTestEnv(t)
	stages := env.initStages(t)
	opts := engine.CreateHighlightReportOptions{
		StageID: stages[0].ID, PeriodStart: "2024-01-01", PeriodEnd: "2024-01-14",
		OverallStatus: domain.HighlightAmber, Summary: "Slight slip", Issues: []string{"Vendor late"}, ActorID: manager,
	}
	_, err := env.Engine.CreateHighlightReport(env.Ctx, opts)
	requireKind(t, err, engine.KindPrecondition, "stage_not_active")

	env.startStage(t, stages[0].ID)
	bad := opts
	bad.PeriodEnd = "2023-12-01"
	_, err = env.Engine.CreateHighlightReport(env.Ctx, bad)
	requireKind(t, err, engine.KindValidation, "invalid_period")

	h, err := env.Engine.CreateHighlightReport(env.Ctx, opts)
	require.NoError(t, err)
	reports, err := env.Engine.ListHighlightReports(env.Ctx, stages[0].ID)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	require.Equal(t, h.ID, reports[0].ID)
	require.Equal(t, []string{"Vendor late"}, reports[0].Issues)

	_, err = env.Engine.RecordLesson(env.Ctx, engine.RecordLessonOptions{
		ProjectID: projectID, StageID: stages[0].ID, LessonType: domain.LessonNegative, Category: "supplier",
		Description: "Contract lacked penalties", ActorID: user,
	})
	require.NoError(t, err)
	_, err = env.Engine.RecordLesson(env.Ctx, engine.RecordLessonOptions{
		ProjectID: projectID, LessonType: "neutral", Category: "x", Description: "y", ActorID: user,
	})
	requireKind(t, err, engine.KindValidation, "invalid_lesson_type")

	lessons, err := env.Engine.ListLessons(env.Ctx, repo.LessonFilter{ProjectID: projectID, Category: "supplier"})
	require.NoError(t, err)
	require.Len(t, lessons, 1)
	require.Equal(t, stages[0].ID, *lessons[0].StageID)
}

func TestProjectStatus(t *testing.T) {
	env := newTestEnv(t)
	stages := env.initStages(t)
	env.startStage(t, stages[0].ID)
	env.gate(t, stages[0].ID)
	_, err := env.Engine.InitializeTolerances(env.Ctx, projectID, executive)
	require.NoError(t, err)
	_, err = env.Engine.RecordToleranceStatus(env.Ctx, projectID, domain.ToleranceTime, "late", 11, manager)
	require.NoError(t, err)

	st, err := env.Engine.ProjectStatus(env.Ctx, projectID)
	require.NoError(t, err)
	require.Equal(t, domain.DocumentBaselined, st.PIDStatus)
	require.Empty(t, st.BusinessCaseStatus)
	require.NotNil(t, st.ActiveStage)
	require.Equal(t, stages[0].ID, st.ActiveStage.ID)
	require.Equal(t, map[string]int{domain.StageActive: 1, domain.StagePlanned: 2}, st.StageCounts)
	require.Equal(t, 1, st.PendingGates)
	require.Equal(t, []string{domain.ToleranceTime}, st.ExceededTolerances)

	_, err = env.Engine.ProjectStatus(env.Ctx, "missing")
	requireKind(t, err, engine.KindNotFound, "project_not_found")
}
