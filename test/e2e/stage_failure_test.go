package e2e

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeline/forgeline/pkg/driver"
	"github.com/forgeline/forgeline/pkg/models"
)

// ────────────────────────────────────────────────────────────
// Stage failure — the coder fails on every attempt, the retry budget runs
// out, and the feature lands in failing without reviewer or tester runs.
// ────────────────────────────────────────────────────────────

func TestE2E_CoderFailureFailsFeature(t *testing.T) {
	app := NewTestApp(t,
		WithMaxStepRetries(1),
		WithStageScript(func(spec driver.WorkSpec) StageOutcome {
			if spec.Role == models.RoleCoder {
				return StageOutcome{ExitCode: 1}
			}
			return StageOutcome{}
		}),
	)

	project := app.CreateProject(t, "inventory", 1)
	feature := app.CreateFeature(t, project.ID, "Reserve stock on checkout", 1)

	app.WaitForFeatureStatus(t, feature.ID, models.FeatureStatusFailing)

	// One architect, two coder attempts, nothing after the failed stage.
	require.Equal(t, []models.AgentRole{
		models.RoleArchitect,
		models.RoleCoder,
		models.RoleCoder,
	}, app.Driver.Roles())

	runs := app.Runs(t, feature.ID)
	require.Len(t, runs, 3)

	architect := runs[0]
	require.Equal(t, models.RoleArchitect, architect.Role)
	assert.Equal(t, models.RunStatusCompleted, architect.Status)

	for _, run := range runs[1:] {
		require.Equal(t, models.RoleCoder, run.Role)
		assert.Equal(t, models.RunStatusFailed, run.Status)
		require.NotNil(t, run.ExitCode)
		assert.Equal(t, 1, *run.ExitCode)
		assert.Contains(t, run.ErrorMessage, "Exit code: 1")
	}

	// The stage failure is spelled out on the feature.
	failed := app.Feature(t, feature.ID)
	assert.Equal(t, "coder stage failed: Exit code: 1", failed.ErrorMessage)
}
