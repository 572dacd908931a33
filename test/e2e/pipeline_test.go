package e2e

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeline/forgeline/pkg/models"
)

// ────────────────────────────────────────────────────────────
// Happy path — one feature rides the full pipeline to review_ready.
// ────────────────────────────────────────────────────────────

func TestE2E_PipelineHappyPath(t *testing.T) {
	app := NewTestApp(t)

	project := app.CreateProject(t, "checkout", 1)
	feature := app.CreateFeature(t, project.ID, "Add gift card support", 3)
	require.Equal(t, models.FeatureStatusPending, feature.Status)
	require.Equal(t, 3, feature.Priority)

	// The watcher picks the feature up and the pipeline runs to completion.
	app.WaitForFeatureStatus(t, feature.ID, models.FeatureStatusReviewReady)

	// Exactly one worker per stage, in the fixed order.
	require.Equal(t, []models.AgentRole{
		models.RoleArchitect,
		models.RoleCoder,
		models.RoleReviewer,
		models.RoleTester,
	}, app.Driver.Roles())

	// Every stage run recorded a clean exit.
	runs := app.Runs(t, feature.ID)
	require.Len(t, runs, 4)
	for _, run := range runs {
		assert.Equal(t, models.RunStatusCompleted, run.Status, "run %s (%s)", run.ID, run.Role)
		require.NotNil(t, run.ExitCode)
		assert.Equal(t, 0, *run.ExitCode)
		assert.Empty(t, run.ErrorMessage)
	}

	// The tester's run carries the single ready-for-review message.
	tester := runs[len(runs)-1]
	require.Equal(t, models.RoleTester, tester.Role)
	msgs := app.RunMessages(t, tester.ID)
	require.Len(t, msgs, 1)
	assert.Equal(t, models.SenderSystem, msgs[0].Sender)
	assert.Equal(t, models.MessageTypePRReady, msgs[0].Type)
	assert.Equal(t, "Branch agent/"+feature.ID+" is ready for review.", msgs[0].Content)

	// Workers were launched with the feature's coordinates.
	launches := app.Driver.Launches()
	require.Len(t, launches, 4)
	spec := launches[0].Spec
	assert.Equal(t, project.RepoURL, spec.RepoURL)
	assert.Equal(t, project.ID, spec.ProjectID)
	assert.Equal(t, feature.ID, spec.FeatureID)
	assert.Equal(t, "Add gift card support", spec.FeatureName)
	assert.Equal(t, "main", spec.BaseBranch)
}
