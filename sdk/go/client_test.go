package stagelinesdk_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	stagelinesdk "stageline/sdk/go"

	"stageline/internal/config"
	"stageline/internal/db"
	"stageline/internal/domain"
	"stageline/internal/engine"
	"stageline/internal/migrate"
	"stageline/internal/server"
)

const secret = "sdk-secret"

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	conn, dialect, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, migrate.Migrate(conn, dialect))
	handler, err := server.New(server.Config{
		Engine: engine.New(conn, dialect, config.Default("default")),
		Auth:   server.AuthConfig{JWTSecret: secret},
	})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		srv.Close()
		conn.Close()
	})
	return srv
}

func clientFor(t *testing.T, srv *httptest.Server, actor string) *stagelinesdk.Client {
	t.Helper()
	token, err := server.SignToken(secret, actor, time.Hour)
	require.NoError(t, err)
	c := stagelinesdk.New(srv.URL, "alpha")
	c.BearerToken = token
	c.HTTPClient = srv.Client()
	return c
}

func TestClientGovernanceFlow(t *testing.T) {
	ctx := context.Background()
	srv := newServer(t)
	exec := clientFor(t, srv, "exec")
	pm := clientFor(t, srv, "pm")

	p, err := exec.CreateProject(ctx, "alpha", "Alpha", "")
	require.NoError(t, err)
	require.Equal(t, "alpha", p.ID)
	_, err = exec.AddBoardMember(ctx, "pm", domain.RoleProjectManager)
	require.NoError(t, err)

	pid, err := pm.CreateDocument(ctx, domain.DocumentPID, "", map[string]any{
		"project_definition":                "Replace the billing platform",
		"quality_management_approach":       "Peer review",
		"risk_management_approach":          "Weekly risk review",
		"change_control_approach":           "Change board",
		"communication_management_approach": "Highlight reports",
	})
	require.NoError(t, err)
	pid, err = exec.BaselineDocument(ctx, pid.ID)
	require.NoError(t, err)
	require.Equal(t, domain.DocumentBaselined, pid.Status)

	stages, err := pm.InitializeStages(ctx, "Initiation", "Delivery")
	require.NoError(t, err)
	require.Len(t, stages, 2)

	_, err = pm.StartStage(ctx, stages[0].ID)
	require.Error(t, err)
	require.Equal(t, "stage_plan_not_approved", stagelinesdk.ErrorCode(err))

	plan, err := pm.CreateDocument(ctx, domain.DocumentStagePlan, stages[0].ID, map[string]any{
		"budget":                1000,
		"resource_requirements": "Two developers",
		"quality_approach":      "Reviews",
	})
	require.NoError(t, err)
	_, err = exec.ApproveDocument(ctx, plan.ID)
	require.NoError(t, err)

	started, err := pm.StartStage(ctx, stages[0].ID)
	require.NoError(t, err)
	require.Equal(t, domain.StageActive, started.Status)

	wp, err := pm.CreateWorkPackage(ctx, stagelinesdk.NewWorkPackage{StageID: stages[0].ID, Reference: "WP-1", Title: "Design"})
	require.NoError(t, err)
	for _, verb := range []string{"authorize", "start"} {
		wp, err = pm.AdvanceWorkPackage(ctx, wp.ID, verb)
		require.NoError(t, err)
	}
	wp, err = pm.ReportProgress(ctx, wp.ID, 40)
	require.NoError(t, err)
	require.Equal(t, 40, wp.ProgressPercentage)

	status, err := pm.Status(ctx)
	require.NoError(t, err)
	require.NotNil(t, status.ActiveStage)
	require.Equal(t, stages[0].ID, status.ActiveStage.ID)

	page, err := exec.EventsPage(ctx, 2, "")
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	require.NotEmpty(t, page.NextCursor)
	older, err := exec.EventsPage(ctx, 2, page.NextCursor)
	require.NoError(t, err)
	require.NotEmpty(t, older.Items)
	require.Less(t, older.Items[0].ID, page.Items[1].ID)
}

func TestClientDecodesErrorEnvelope(t *testing.T) {
	ctx := context.Background()
	srv := newServer(t)

	anon := stagelinesdk.New(srv.URL, "alpha")
	anon.HTTPClient = srv.Client()
	_, err := anon.Status(ctx)
	var apiErr *stagelinesdk.APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	require.Equal(t, "unauthorized", apiErr.Code)

	exec := clientFor(t, srv, "exec")
	_, err = exec.Status(ctx)
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	require.Equal(t, "not_found", apiErr.Kind)
}
