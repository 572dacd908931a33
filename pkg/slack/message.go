package slack

import (
	"fmt"

	goslack "github.com/slack-go/slack"
)

const maxBlockTextLength = 2900

var statusEmoji = map[string]string{
	StatusSucceeded: ":white_check_mark:",
	StatusFailed:    ":x:",
}

var statusLabel = map[string]string{
	StatusSucceeded: "Pipeline Succeeded",
	StatusFailed:    "Pipeline Failed",
}

func featureURL(featureID, dashboardURL string) string {
	return fmt.Sprintf("%s/features/%s", dashboardURL, featureID)
}

// BuildPipelineStartedMessage creates Block Kit blocks announcing a feature
// pipeline launch. The fingerprint line lets terminal notifications find
// this message for threading.
func BuildPipelineStartedMessage(featureID, featureName, dashboardURL string) []goslack.Block {
	url := featureURL(featureID, dashboardURL)
	text := fmt.Sprintf(":rocket: *Pipeline started* for %s (%s)\n<%s|View in Dashboard>",
		featureName, featureFingerprint(featureID), url)

	return []goslack.Block{
		goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, text, false, false),
			nil, nil,
		),
	}
}

// BuildPipelineCompletedMessage creates Block Kit blocks for a terminal
// pipeline notification.
func BuildPipelineCompletedMessage(input PipelineCompletedInput, dashboardURL string) []goslack.Block {
	emoji := statusEmoji[input.Status]
	if emoji == "" {
		emoji = ":question:"
	}
	label := statusLabel[input.Status]
	if label == "" {
		label = "Pipeline " + input.Status
	}

	headerText := fmt.Sprintf("%s *%s* — %s", emoji, label, input.FeatureName)
	if input.Status == StatusSucceeded && input.Branch != "" {
		headerText += fmt.Sprintf("\nBranch `%s` is ready for review.", input.Branch)
	}
	if input.Status == StatusFailed && input.ErrorMessage != "" {
		headerText += fmt.Sprintf("\n\n*Error:*\n%s", truncateForSlack(input.ErrorMessage))
	}

	blocks := []goslack.Block{
		goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, headerText, false, false),
			nil, nil,
		),
	}

	buttonText := "View Feature"
	if input.Status == StatusFailed {
		buttonText = "View Details"
	}
	btn := goslack.NewButtonBlockElement("", "", goslack.NewTextBlockObject(goslack.PlainTextType, buttonText, false, false))
	btn.URL = featureURL(input.FeatureID, dashboardURL)
	blocks = append(blocks, goslack.NewActionBlock("", btn))

	return blocks
}

func truncateForSlack(text string) string {
	runes := []rune(text)
	if len(runes) <= maxBlockTextLength {
		return text
	}
	return string(runes[:maxBlockTextLength]) + "\n\n_... (truncated — view details in dashboard)_"
}
