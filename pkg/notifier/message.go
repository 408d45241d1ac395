package notifier

import (
	"fmt"
	"unicode/utf8"

	goslack "github.com/slack-go/slack"

	"github.com/sessionworks/maestro/pkg/database"
	"github.com/sessionworks/maestro/pkg/models"
)

const maxBlockTextLength = 2900

var typeEmoji = map[models.NotificationType]string{
	models.NotificationWaitingInput:  ":speech_balloon:",
	models.NotificationReviewReady:   ":mag:",
	models.NotificationError:         ":x:",
	models.NotificationContextLow:    ":hourglass_flowing_sand:",
	models.NotificationHandoffFailed: ":warning:",
}

var typeLabel = map[models.NotificationType]string{
	models.NotificationWaitingInput:  "Assistant Waiting for Input",
	models.NotificationReviewReady:   "Review Ready",
	models.NotificationError:         "Session Error",
	models.NotificationContextLow:    "Context Running Low",
	models.NotificationHandoffFailed: "Handoff Failed",
}

// BuildNotificationMessage creates Block Kit blocks for an active
// notification: a header line with the message body, plus a context line
// naming the session and ticket the notification belongs to.
func BuildNotificationMessage(n *database.Notification) []goslack.Block {
	emoji := typeEmoji[models.NotificationType(n.Type)]
	if emoji == "" {
		emoji = ":bell:"
	}
	label := typeLabel[models.NotificationType(n.Type)]
	if label == "" {
		label = n.Type
	}

	text := fmt.Sprintf("%s *%s*\n%s", emoji, label, truncateForSlack(n.Message))
	blocks := []goslack.Block{
		goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, text, false, false),
			nil, nil,
		),
	}

	if line := originLine(n); line != "" {
		blocks = append(blocks, goslack.NewContextBlock("",
			goslack.NewTextBlockObject(goslack.MarkdownType, line, false, false),
		))
	}
	return blocks
}

// BuildDismissedMessage creates the replacement blocks written over a
// notification message once it is dismissed, so the channel shows the
// prompt was handled.
func BuildDismissedMessage(n *database.Notification) []goslack.Block {
	label := typeLabel[models.NotificationType(n.Type)]
	if label == "" {
		label = n.Type
	}

	text := fmt.Sprintf(":white_check_mark: ~*%s*~ resolved", label)
	blocks := []goslack.Block{
		goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, text, false, false),
			nil, nil,
		),
	}

	if line := originLine(n); line != "" {
		blocks = append(blocks, goslack.NewContextBlock("",
			goslack.NewTextBlockObject(goslack.MarkdownType, line, false, false),
		))
	}
	return blocks
}

func originLine(n *database.Notification) string {
	var line string
	if n.SessionID != nil && *n.SessionID != "" {
		line = fmt.Sprintf("session `%s`", *n.SessionID)
	}
	if n.TicketID != nil && *n.TicketID != "" {
		if line != "" {
			line += " · "
		}
		line += fmt.Sprintf("ticket `%s`", *n.TicketID)
	}
	return line
}

// truncateForSlack trims text that exceeds the Block Kit section limit.
// Truncation counts runes so multi-byte characters never get split.
func truncateForSlack(text string) string {
	if utf8.RuneCountInString(text) <= maxBlockTextLength {
		return text
	}
	runes := []rune(text)
	return string(runes[:maxBlockTextLength]) + "\n\n_... (truncated)_"
}
