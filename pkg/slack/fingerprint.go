package slack

import (
	"fmt"
	"regexp"
	"strings"

	goslack "github.com/slack-go/slack"
)

var whitespaceRe = regexp.MustCompile(`\s+`)

// featureFingerprint is the text stamped into the start message so the
// terminal notification can find its thread again after a restart.
func featureFingerprint(featureID string) string {
	return fmt.Sprintf("feature %s", featureID)
}

func normalizeText(s string) string {
	s = strings.ToLower(s)
	s = whitespaceRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

func collectMessageText(msg goslack.Message) string {
	var parts []string
	if msg.Text != "" {
		parts = append(parts, msg.Text)
	}
	for _, att := range msg.Attachments {
		if att.Text != "" {
			parts = append(parts, att.Text)
		}
		if att.Fallback != "" {
			parts = append(parts, att.Fallback)
		}
	}
	for _, block := range msg.Blocks.BlockSet {
		if section, ok := block.(*goslack.SectionBlock); ok && section.Text != nil {
			parts = append(parts, section.Text.Text)
		}
	}
	return strings.Join(parts, " ")
}
