package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"stageline/internal/config"
	"stageline/internal/db"
	"stageline/internal/domain"
	"stageline/internal/engine"
	"stageline/internal/migrate"
)

const (
	testSecret = "test-secret"
	project    = "alpha"
	executive  = "exec"
	manager    = "pm"
)

type testServer struct {
	*httptest.Server
	Engine engine.Engine
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	conn, dialect, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, migrate.Migrate(conn, dialect))
	e := engine.New(conn, dialect, config.Default("default"))

	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v1",
		Auth:     AuthConfig{JWTSecret: testSecret, AllowLegacyActorHeader: true},
	})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		srv.Close()
		conn.Close()
	})
	return &testServer{Server: srv, Engine: e}
}

func (s *testServer) do(t *testing.T, actor, method, path string, body any) (int, []byte) {
	t.Helper()
	headers := map[string]string{}
	if actor != "" {
		headers["X-Actor-Id"] = actor
	}
	return s.doWith(t, headers, method, path, body)
}

func (s *testServer) doWith(t *testing.T, headers map[string]string, method, path string, body any) (int, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, s.URL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := s.Client().Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res.StatusCode, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(data, &out), string(data))
	return out
}

type errorEnvelope struct {
	Error apiErrorBody `json:"error"`
}

func requireAPIError(t *testing.T, status int, data []byte, wantStatus int, wantCode string) apiErrorBody {
	t.Helper()
	require.Equal(t, wantStatus, status, string(data))
	env := decode[errorEnvelope](t, data)
	require.Equal(t, wantCode, env.Error.Code, string(data))
	return env.Error
}

// seedProject creates the project with a baselined PID and a project manager.
func (s *testServer) seedProject(t *testing.T) {
	t.Helper()
	status, data := s.do(t, executive, http.MethodPost, "/v1/projects", map[string]any{"id": project, "name": "Alpha"})
	require.Equal(t, http.StatusCreated, status, string(data))
	status, data = s.do(t, executive, http.MethodPost, "/v1/projects/"+project+"/board", map[string]any{"actor_id": manager, "role": domain.RoleProjectManager})
	require.Equal(t, http.StatusCreated, status, string(data))

	status, data = s.do(t, manager, http.MethodPost, "/v1/projects/"+project+"/documents", map[string]any{
		"kind": domain.DocumentPID,
		"content": map[string]any{
			"project_definition":                "Replace the billing platform",
			"quality_management_approach":       "Peer review",
			"risk_management_approach":          "Weekly risk review",
			"change_control_approach":           "Change board",
			"communication_management_approach": "Highlight reports",
		},
	})
	require.Equal(t, http.StatusCreated, status, string(data))
	pid := decode[domain.Document](t, data)
	status, data = s.do(t, executive, http.MethodPost, "/v1/projects/"+project+"/documents/"+pid.ID+"/baseline", nil)
	require.Equal(t, http.StatusOK, status, string(data))
	require.Equal(t, domain.DocumentBaselined, decode[domain.Document](t, data).Status)
}

func (s *testServer) approvedPlan(t *testing.T, stageID string) {
	t.Helper()
	status, data := s.do(t, manager, http.MethodPost, "/v1/projects/"+project+"/documents", map[string]any{
		"kind":     domain.DocumentStagePlan,
		"stage_id": stageID,
		"content": map[string]any{
			"budget":                1000,
			"resource_requirements": "Two developers",
			"quality_approach":      "Reviews",
		},
	})
	require.Equal(t, http.StatusCreated, status, string(data))
	plan := decode[domain.Document](t, data)
	status, data = s.do(t, executive, http.MethodPost, "/v1/projects/"+project+"/documents/"+plan.ID+"/approve", nil)
	require.Equal(t, http.StatusOK, status, string(data))
}

func TestOpenEndpoints(t *testing.T) {
	s := newTestServer(t)

	status, data := s.do(t, "", http.MethodGet, "/v1/health", nil)
	require.Equal(t, http.StatusOK, status)
	require.JSONEq(t, `{"status":"ok"}`, string(data))

	status, data = s.do(t, "", http.MethodGet, "/v1/openapi.json", nil)
	require.Equal(t, http.StatusOK, status)
	require.Contains(t, string(data), "Stageline API")
	require.Contains(t, string(data), "bearerAuth")

	status, _ = s.do(t, "", http.MethodGet, "/docs", nil)
	require.Equal(t, http.StatusOK, status)

	status, data = s.do(t, "", http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, status)
	require.Contains(t, string(data), "stageline_")

	status, data = s.do(t, "", http.MethodGet, "/v1/projects", nil)
	requireAPIError(t, status, data, http.StatusUnauthorized, "unauthorized")
}

func TestOpenAPIServedConcurrently(t *testing.T) {
	s := newTestServer(t)
	var wg sync.WaitGroup
	bodies := make([][]byte, 8)
	for i := range bodies {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec := httptest.NewRecorder()
			s.Config.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/openapi.json", nil))
			bodies[i] = rec.Body.Bytes()
		}(i)
	}
	wg.Wait()
	for _, b := range bodies {
		require.Contains(t, string(b), "Stageline API")
		require.Equal(t, bodies[0], b)
	}
}

func TestAuthentication(t *testing.T) {
	s := newTestServer(t)

	token, err := SignToken(testSecret, "alice", time.Hour)
	require.NoError(t, err)
	status, data := s.doWith(t, map[string]string{"Authorization": "Bearer " + token}, http.MethodGet, "/v1/me", nil)
	require.Equal(t, http.StatusOK, status, string(data))
	me := decode[MeResponse](t, data)
	require.Equal(t, "alice", me.ActorID)
	require.Equal(t, "jwt", me.Source)

	forged, err := SignToken("other-secret", "mallory", time.Hour)
	require.NoError(t, err)
	status, data = s.doWith(t, map[string]string{"Authorization": "Bearer " + forged}, http.MethodGet, "/v1/me", nil)
	requireAPIError(t, status, data, http.StatusUnauthorized, "invalid_credentials")

	status, data = s.doWith(t, map[string]string{"Authorization": "Basic abc"}, http.MethodGet, "/v1/me", nil)
	requireAPIError(t, status, data, http.StatusUnauthorized, "invalid_credentials")

	status, data = s.doWith(t, map[string]string{"Authorization": "Bearer " + token}, http.MethodPost, "/v1/me/api-keys", map[string]any{"name": "ci"})
	require.Equal(t, http.StatusCreated, status, string(data))
	key := decode[APIKeyResponse](t, data)
	require.NotEmpty(t, key.Key)

	status, data = s.doWith(t, map[string]string{"X-Api-Key": key.Key}, http.MethodGet, "/v1/me", nil)
	require.Equal(t, http.StatusOK, status, string(data))
	me = decode[MeResponse](t, data)
	require.Equal(t, "alice", me.ActorID)
	require.Equal(t, "api_key", me.Source)

	status, data = s.doWith(t, map[string]string{"X-Api-Key": "sl_unknown"}, http.MethodGet, "/v1/me", nil)
	requireAPIError(t, status, data, http.StatusUnauthorized, "invalid_credentials")

	_, err = SignToken("", "alice", time.Hour)
	require.Error(t, err)
}

func TestLegacyHeaderDisabled(t *testing.T) {
	conn, dialect, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn, dialect))
	handler, err := New(Config{Engine: engine.New(conn, dialect, config.Default("default"))})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/v1/me", nil)
	req.Header.Set("X-Actor-Id", "alice")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestGovernanceFlow(t *testing.T) {
	s := newTestServer(t)
	s.seedProject(t)
	base := "/v1/projects/" + project

	status, data := s.do(t, executive, http.MethodPost, base+"/stages", map[string]any{
		"stages": []map[string]any{{"name": "Initiation"}, {"name": "Delivery"}},
	})
	require.Equal(t, http.StatusCreated, status, string(data))
	stages := decode[StagesResponse](t, data).Items
	require.Len(t, stages, 2)
	first, second := stages[0], stages[1]

	status, data = s.do(t, manager, http.MethodPost, base+"/stages/"+first.ID+"/start", nil)
	apiErr := requireAPIError(t, status, data, http.StatusUnprocessableEntity, "stage_plan_not_approved")
	require.Equal(t, engine.KindPrecondition, apiErr.Kind)

	s.approvedPlan(t, first.ID)
	status, data = s.do(t, manager, http.MethodPost, base+"/stages/"+first.ID+"/start", nil)
	require.Equal(t, http.StatusOK, status, string(data))
	require.Equal(t, domain.StageActive, decode[domain.Stage](t, data).Status)

	status, data = s.do(t, manager, http.MethodPost, base+"/stages/"+second.ID+"/start", nil)
	requireAPIError(t, status, data, http.StatusUnprocessableEntity, "stage_already_active")

	status, data = s.do(t, manager, http.MethodPost, base+"/work-packages", map[string]any{
		"stage_id": first.ID, "reference": "WP-1", "title": "Discovery", "priority": "high",
	})
	require.Equal(t, http.StatusCreated, status, string(data))
	wp := decode[domain.WorkPackage](t, data)

	status, data = s.do(t, manager, http.MethodPost, base+"/work-packages/"+wp.ID+"/start", nil)
	requireAPIError(t, status, data, http.StatusConflict, "invalid_transition")

	for _, verb := range []string{"authorize", "start", "complete"} {
		status, data = s.do(t, manager, http.MethodPost, base+"/work-packages/"+wp.ID+"/"+verb, nil)
		require.Equal(t, http.StatusOK, status, verb+": "+string(data))
	}
	status, data = s.do(t, manager, http.MethodGet, base+"/stages/"+first.ID, nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, 100, decode[domain.Stage](t, data).ProgressPercentage)

	status, data = s.do(t, manager, http.MethodPost, base+"/stages/"+first.ID+"/gate", map[string]any{
		"stage_performance_summary": "On plan",
		"products_completed":        []string{"Discovery report"},
	})
	require.Equal(t, http.StatusCreated, status, string(data))
	gate := decode[domain.StageGate](t, data)
	require.Equal(t, domain.GatePending, gate.Outcome)

	status, data = s.do(t, executive, http.MethodPost, base+"/gates/"+gate.ID+"/reject", map[string]any{})
	requireAPIError(t, status, data, http.StatusBadRequest, "notes_required")

	status, data = s.do(t, manager, http.MethodPost, base+"/gates/"+gate.ID+"/approve", map[string]any{})
	apiErr = requireAPIError(t, status, data, http.StatusForbidden, "forbidden")
	require.Equal(t, engine.KindAuthorization, apiErr.Kind)

	status, data = s.do(t, executive, http.MethodPost, base+"/gates/"+gate.ID+"/approve", map[string]any{"notes": "Proceed"})
	require.Equal(t, http.StatusOK, status, string(data))
	gate = decode[domain.StageGate](t, data)
	require.Equal(t, domain.GateApproved, gate.Outcome)
	require.NotNil(t, gate.Reviewer)
	require.Equal(t, executive, *gate.Reviewer)

	status, data = s.do(t, executive, http.MethodPost, base+"/gates/"+gate.ID+"/approve", map[string]any{})
	requireAPIError(t, status, data, http.StatusConflict, "gate_not_pending")

	status, data = s.do(t, manager, http.MethodPost, base+"/stages/"+first.ID+"/complete", nil)
	require.Equal(t, http.StatusOK, status, string(data))

	s.approvedPlan(t, second.ID)
	status, data = s.do(t, manager, http.MethodPost, base+"/stages/"+second.ID+"/start", nil)
	require.Equal(t, http.StatusOK, status, string(data))

	status, data = s.do(t, manager, http.MethodGet, base+"/status", nil)
	require.Equal(t, http.StatusOK, status, string(data))
	st := decode[domain.ProjectStatus](t, data)
	require.NotNil(t, st.ActiveStage)
	require.Equal(t, second.ID, st.ActiveStage.ID)
	require.Equal(t, domain.DocumentBaselined, st.PIDStatus)
	require.Equal(t, 1, st.StageCounts[domain.StageCompleted])

	status, data = s.do(t, manager, http.MethodGet, base+"/events?limit=3", nil)
	require.Equal(t, http.StatusOK, status, string(data))
	page := decode[paginatedEvents](t, data)
	require.Len(t, page.Items, 3)
	require.Equal(t, "stage.started", page.Items[0].Type)
	require.NotEmpty(t, page.NextCursor)

	status, data = s.do(t, manager, http.MethodGet, base+"/events?limit=3&cursor="+page.NextCursor, nil)
	require.Equal(t, http.StatusOK, status, string(data))
	next := decode[paginatedEvents](t, data)
	require.NotEmpty(t, next.Items)
	require.Less(t, next.Items[0].ID, page.Items[2].ID)

	status, data = s.do(t, manager, http.MethodGet, base+"/events?cursor=abc", nil)
	requireAPIError(t, status, data, http.StatusBadRequest, "invalid_cursor")
}

func TestTolerancesReportsAndLessons(t *testing.T) {
	s := newTestServer(t)
	s.seedProject(t)
	base := "/v1/projects/" + project

	status, data := s.do(t, executive, http.MethodPost, base+"/tolerances", nil)
	require.Equal(t, http.StatusCreated, status, string(data))
	require.Len(t, decode[TolerancesResponse](t, data).Items, len(domain.ToleranceTypes))

	status, data = s.do(t, executive, http.MethodPost, base+"/tolerances", nil)
	requireAPIError(t, status, data, http.StatusConflict, "tolerances_exist")

	status, data = s.do(t, manager, http.MethodPost, base+"/tolerances/cost/status", map[string]any{"current_status": "over budget", "deviation": 12.5})
	require.Equal(t, http.StatusOK, status, string(data))
	require.True(t, decode[domain.Tolerance](t, data).IsExceeded)

	status, data = s.do(t, executive, http.MethodPut, base+"/tolerances/cost", map[string]any{"plus_tolerance": 15, "minus_tolerance": 15})
	require.Equal(t, http.StatusOK, status, string(data))
	require.False(t, decode[domain.Tolerance](t, data).IsExceeded)

	status, data = s.do(t, executive, http.MethodPut, base+"/tolerances/cost", map[string]any{"plus_tolerance": -1, "minus_tolerance": 5})
	requireAPIError(t, status, data, http.StatusBadRequest, "negative_band")

	status, data = s.do(t, manager, http.MethodPost, base+"/tolerances/budget/status", map[string]any{"deviation": 1})
	require.Equal(t, http.StatusBadRequest, status, string(data))

	status, data = s.do(t, executive, http.MethodPost, base+"/stages", map[string]any{"stages": []map[string]any{{"name": "Only"}}})
	require.Equal(t, http.StatusCreated, status, string(data))
	stage := decode[StagesResponse](t, data).Items[0]

	report := map[string]any{
		"period_start": "2026-03-01", "period_end": "2026-03-14",
		"overall_status": "amber", "summary": "Slipping", "issues": []string{"Vendor delay"},
	}
	status, data = s.do(t, manager, http.MethodPost, base+"/stages/"+stage.ID+"/highlight-reports", report)
	requireAPIError(t, status, data, http.StatusUnprocessableEntity, "stage_not_active")

	s.approvedPlan(t, stage.ID)
	status, data = s.do(t, manager, http.MethodPost, base+"/stages/"+stage.ID+"/start", nil)
	require.Equal(t, http.StatusOK, status, string(data))
	status, data = s.do(t, manager, http.MethodPost, base+"/stages/"+stage.ID+"/highlight-reports", report)
	require.Equal(t, http.StatusCreated, status, string(data))
	h := decode[domain.HighlightReport](t, data)

	status, data = s.do(t, manager, http.MethodGet, base+"/highlight-reports/"+h.ID, nil)
	require.Equal(t, http.StatusOK, status, string(data))
	require.Equal(t, []string{"Vendor delay"}, decode[domain.HighlightReport](t, data).Issues)

	status, data = s.do(t, manager, http.MethodPost, base+"/lessons", map[string]any{
		"lesson_type": "negative", "category": "supplier", "description": "Contract late", "stage_id": stage.ID,
	})
	require.Equal(t, http.StatusCreated, status, string(data))
	status, data = s.do(t, manager, http.MethodGet, base+"/lessons?category=supplier", nil)
	require.Equal(t, http.StatusOK, status, string(data))
	require.Len(t, decode[LessonsResponse](t, data).Items, 1)

	status, data = s.do(t, manager, http.MethodGet, base+"/status", nil)
	require.Equal(t, http.StatusOK, status, string(data))
	require.Empty(t, decode[domain.ProjectStatus](t, data).ExceededTolerances)
}

func TestProjectScopingAndErrors(t *testing.T) {
	s := newTestServer(t)
	s.seedProject(t)

	status, data := s.do(t, executive, http.MethodPost, "/v1/projects", map[string]any{"id": "beta"})
	require.Equal(t, http.StatusCreated, status, string(data))

	status, data = s.do(t, executive, http.MethodPost, "/v1/projects", map[string]any{"id": project})
	require.Equal(t, http.StatusConflict, status, string(data))

	status, data = s.do(t, executive, http.MethodPost, "/v1/projects/"+project+"/stages", nil)
	require.Equal(t, http.StatusCreated, status, string(data))
	stage := decode[StagesResponse](t, data).Items[0]

	status, data = s.do(t, executive, http.MethodGet, "/v1/projects/beta/stages/"+stage.ID, nil)
	requireAPIError(t, status, data, http.StatusNotFound, "stage_not_found")

	status, data = s.do(t, executive, http.MethodPost, "/v1/projects/beta/stages/"+stage.ID+"/start", nil)
	requireAPIError(t, status, data, http.StatusNotFound, "stage_not_found")

	status, data = s.do(t, executive, http.MethodGet, "/v1/projects/"+project+"/stages/missing", nil)
	require.Equal(t, http.StatusNotFound, status, string(data))

	status, data = s.do(t, executive, http.MethodGet, "/v1/projects/missing/status", nil)
	require.Equal(t, http.StatusNotFound, status, string(data))

	status, data = s.do(t, "outsider", http.MethodPost, "/v1/projects/"+project+"/documents", map[string]any{
		"kind": domain.DocumentBusinessCase,
		"content": map[string]any{
			"title": "Billing", "reasons": "Legacy end of life", "business_options": "Do nothing; replace",
		},
	})
	requireAPIError(t, status, data, http.StatusForbidden, "forbidden")

	status, data = s.do(t, manager, http.MethodPost, "/v1/projects/"+project+"/documents", map[string]any{
		"kind": "charter", "content": map[string]any{},
	})
	require.Equal(t, http.StatusBadRequest, status, string(data))

	status, data = s.do(t, executive, http.MethodGet, "/v1/projects/"+project+"/config", nil)
	require.Equal(t, http.StatusOK, status, string(data))
	cfgBody := decode[ProjectConfigBody](t, data)
	cfg, err := config.FromYAML([]byte(cfgBody.YAML))
	require.NoError(t, err)
	require.Equal(t, project, cfg.Project.ID)

	status, data = s.do(t, manager, http.MethodPut, "/v1/projects/"+project+"/config", cfgBody)
	requireAPIError(t, status, data, http.StatusForbidden, "forbidden")
	status, data = s.do(t, executive, http.MethodPut, "/v1/projects/"+project+"/config", ProjectConfigBody{YAML: "project: ["})
	requireAPIError(t, status, data, http.StatusBadRequest, "invalid_config")
	status, data = s.do(t, executive, http.MethodPut, "/v1/projects/"+project+"/config", cfgBody)
	require.Equal(t, http.StatusOK, status, string(data))

	status, data = s.do(t, executive, http.MethodGet, "/v1/projects/"+project+"/me", nil)
	require.Equal(t, http.StatusOK, status, string(data))
	require.Equal(t, []string{domain.RoleExecutive}, decode[MeResponse](t, data).Roles)

	status, data = s.do(t, executive, http.MethodDelete, "/v1/projects/"+project+"/board/"+manager+"/"+domain.RoleProjectManager, nil)
	require.Equal(t, http.StatusNoContent, status, string(data))
	status, data = s.do(t, executive, http.MethodGet, "/v1/projects/"+project+"/board", nil)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, decode[BoardResponse](t, data).Items, 1)
}

func TestHandleErrorFallsBackToInternal(t *testing.T) {
	se := handleError(context.DeadlineExceeded)
	require.Equal(t, http.StatusInternalServerError, se.GetStatus())
	require.Nil(t, handleError(nil))
}
