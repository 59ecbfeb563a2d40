package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"stageline/internal/archive"
	"stageline/internal/config"
	"stageline/internal/engine"
)

func TestOpenWiresEngine(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	a, err := Open(ctx, Options{
		Workspace: dir,
		Logger:    zap.NewNop(),
		Archive:   archive.Options{Driver: archive.DriverFS, Dir: filepath.Join(dir, "baselines")},
	})
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })

	require.Nil(t, a.Publisher)
	require.Nil(t, a.Relay(""))
	require.IsType(t, archive.FS{}, a.Engine.Archive)

	_, err = ResolveProject(ctx, a.Engine.Repo, "")
	require.ErrorContains(t, err, "no project exists")

	_, err = a.Engine.CreateProject(ctx, engine.CreateProjectOptions{ID: "alpha", ActorID: "exec"})
	require.NoError(t, err)
	id, err := ResolveProject(ctx, a.Engine.Repo, "")
	require.NoError(t, err)
	require.Equal(t, "alpha", id)

	_, err = ResolveProject(ctx, a.Engine.Repo, "beta")
	require.ErrorContains(t, err, "project beta not found")

	_, err = a.Engine.CreateProject(ctx, engine.CreateProjectOptions{ID: "beta", ActorID: "exec"})
	require.NoError(t, err)
	_, err = ResolveProject(ctx, a.Engine.Repo, "")
	require.ErrorContains(t, err, "multiple projects")
}

func TestOpenUsesWorkspacePolicy(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default("seed")
	cfg.Board.CreatorRole = "project_manager"
	data, err := cfg.YAML()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(config.Path(dir), data, 0o644))

	ctx := context.Background()
	a, err := Open(ctx, Options{Workspace: dir, Logger: zap.NewNop()})
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })

	_, err = a.Engine.CreateProject(ctx, engine.CreateProjectOptions{ID: "alpha", ActorID: "pm"})
	require.NoError(t, err)
	roles, err := a.Engine.ActorRoles(ctx, "alpha", "pm")
	require.NoError(t, err)
	require.Equal(t, []string{"project_manager"}, roles)
}

func TestOpenPublisher(t *testing.T) {
	pub, err := OpenPublisher(PublisherOptions{})
	require.NoError(t, err)
	require.Nil(t, pub)

	_, err = OpenPublisher(PublisherOptions{Driver: PublisherWebhook})
	require.ErrorContains(t, err, "requires a url")

	_, err = OpenPublisher(PublisherOptions{Driver: "kafka", URL: "kafka://localhost"})
	require.ErrorContains(t, err, "unknown publisher")

	pub, err = OpenPublisher(PublisherOptions{Driver: PublisherWebhook, URL: "http://localhost:9/hook", Events: []string{"stage.started"}})
	require.NoError(t, err)
	require.NotNil(t, pub)
	require.NoError(t, pub.Close())
}
