package e2e

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeline/forgeline/pkg/driver"
	"github.com/forgeline/forgeline/pkg/models"
)

// ────────────────────────────────────────────────────────────
// Review cycle — the reviewer requests changes once, the coder reworks,
// the second review approves and the pipeline proceeds to the tester.
// ────────────────────────────────────────────────────────────

func TestE2E_ReviewCycle(t *testing.T) {
	reviews := 0
	app := NewTestApp(t,
		WithMaxReviewCycles(1),
		WithStageScript(func(spec driver.WorkSpec) StageOutcome {
			if spec.Role == models.RoleReviewer {
				reviews++
				if reviews == 1 {
					return StageOutcome{ExitCode: 2}
				}
			}
			return StageOutcome{}
		}),
	)

	project := app.CreateProject(t, "billing", 1)
	feature := app.CreateFeature(t, project.ID, "Prorate plan changes", 1)

	app.WaitForFeatureStatus(t, feature.ID, models.FeatureStatusReviewReady)

	// One rework round: six launches total.
	require.Equal(t, []models.AgentRole{
		models.RoleArchitect,
		models.RoleCoder,
		models.RoleReviewer,
		models.RoleCoder,
		models.RoleReviewer,
		models.RoleTester,
	}, app.Driver.Roles())

	runs := app.Runs(t, feature.ID)
	require.Len(t, runs, 6)

	// The request-changes verdict is recorded on the first reviewer run
	// without failing the feature.
	firstReview := runs[2]
	require.Equal(t, models.RoleReviewer, firstReview.Role)
	assert.Equal(t, models.RunStatusFailed, firstReview.Status)
	require.NotNil(t, firstReview.ExitCode)
	assert.Equal(t, 2, *firstReview.ExitCode)

	// The second review and the tester completed cleanly.
	secondReview, tester := runs[4], runs[5]
	require.Equal(t, models.RoleReviewer, secondReview.Role)
	assert.Equal(t, models.RunStatusCompleted, secondReview.Status)
	require.Equal(t, models.RoleTester, tester.Role)
	assert.Equal(t, models.RunStatusCompleted, tester.Status)

	assert.Empty(t, app.Feature(t, feature.ID).ErrorMessage)
}
