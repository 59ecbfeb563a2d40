package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := Default("apollo")
	require.NoError(t, cfg.Validate())
	require.Equal(t, "apollo", cfg.Project.ID)
	require.Equal(t, "executive", cfg.CreatorRole())
	require.Len(t, cfg.Stages.Template, 7)
	require.Equal(t, "Starting Up", cfg.Stages.Template[0].Name)
	require.Equal(t, "Closure", cfg.Stages.Template[6].Name)
	require.True(t, cfg.Lifecycle.BaselinedPIDRequired())
	require.True(t, cfg.Lifecycle.GateRequiredForNextStage())
	require.Equal(t, []string{"time", "cost", "scope", "quality", "benefit", "risk"}, cfg.ToleranceTypes())
	require.Equal(t, []string{"executive"}, cfg.Policy.Roles("business_case.approve"))
}

func TestValidateRejectsUnknownRole(t *testing.T) {
	cfg := Default("apollo")
	cfg.Policy.Actions["stage.manage"] = []string{"janitor"}
	require.ErrorContains(t, cfg.Validate(), "unknown role janitor")
}

func TestValidateRejectsUnknownAction(t *testing.T) {
	cfg := Default("apollo")
	cfg.Policy.Actions["stage.teleport"] = []string{"executive"}
	require.ErrorContains(t, cfg.Validate(), "unknown action")
}

func TestValidateRejectsNegativeBand(t *testing.T) {
	cfg := Default("apollo")
	cfg.Tolerances.Defaults["cost"] = Band{Plus: -1}
	require.Error(t, cfg.Validate())
}

func TestLifecycleFlagsDefaultToTrueWhenOmitted(t *testing.T) {
	var l Lifecycle
	require.True(t, l.BaselinedPIDRequired())
	off := false
	l.RequireGateForNextStage = &off
	require.False(t, l.GateRequiredForNextStage())
}

func TestRoundTripThroughYAMLAndFile(t *testing.T) {
	cfg := Default("apollo")
	data, err := cfg.YAML()
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "stageline.yml")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	loaded, err := FromFile(path)
	require.NoError(t, err)
	require.Equal(t, cfg.Policy.Actions, loaded.Policy.Actions)

	moved, err := loaded.ForProject("gemini")
	require.NoError(t, err)
	require.Equal(t, "gemini", moved.Project.ID)
	require.Equal(t, "apollo", loaded.Project.ID)
}

func TestLoadOptionalMissingFile(t *testing.T) {
	cfg, err := LoadOptional(t.TempDir())
	require.NoError(t, err)
	require.Nil(t, cfg)
}
