package notifier

import (
	"strings"
	"testing"
	"unicode/utf8"

	goslack "github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sessionworks/maestro/pkg/database"
	"github.com/sessionworks/maestro/pkg/models"
)

func TestBuildNotificationMessage(t *testing.T) {
	sessionID := "sess-1"
	ticketID := "tick-1"
	n := &database.Notification{
		ID:        "n-1",
		Type:      string(models.NotificationWaitingInput),
		Message:   "Assistant is waiting for input",
		SessionID: &sessionID,
		TicketID:  &ticketID,
	}

	blocks := BuildNotificationMessage(n)
	require.Len(t, blocks, 2)

	section, ok := blocks[0].(*goslack.SectionBlock)
	require.True(t, ok)
	assert.Contains(t, section.Text.Text, ":speech_balloon:")
	assert.Contains(t, section.Text.Text, "Assistant Waiting for Input")
	assert.Contains(t, section.Text.Text, "Assistant is waiting for input")

	ctxBlock, ok := blocks[1].(*goslack.ContextBlock)
	require.True(t, ok)
	require.Len(t, ctxBlock.ContextElements.Elements, 1)
	origin, ok := ctxBlock.ContextElements.Elements[0].(*goslack.TextBlockObject)
	require.True(t, ok)
	assert.Contains(t, origin.Text, "sess-1")
	assert.Contains(t, origin.Text, "tick-1")
}

func TestBuildNotificationMessage_PerType(t *testing.T) {
	tests := []struct {
		typ   models.NotificationType
		emoji string
		label string
	}{
		{models.NotificationWaitingInput, ":speech_balloon:", "Assistant Waiting for Input"},
		{models.NotificationReviewReady, ":mag:", "Review Ready"},
		{models.NotificationError, ":x:", "Session Error"},
		{models.NotificationContextLow, ":hourglass_flowing_sand:", "Context Running Low"},
		{models.NotificationHandoffFailed, ":warning:", "Handoff Failed"},
	}

	for _, tt := range tests {
		t.Run(string(tt.typ), func(t *testing.T) {
			blocks := BuildNotificationMessage(&database.Notification{
				Type:    string(tt.typ),
				Message: "details",
			})
			require.NotEmpty(t, blocks)
			section := blocks[0].(*goslack.SectionBlock)
			assert.Contains(t, section.Text.Text, tt.emoji)
			assert.Contains(t, section.Text.Text, tt.label)
		})
	}
}

func TestBuildNotificationMessage_UnknownType(t *testing.T) {
	blocks := BuildNotificationMessage(&database.Notification{
		Type:    "something_new",
		Message: "details",
	})

	// No origin context without session or ticket.
	require.Len(t, blocks, 1)
	section := blocks[0].(*goslack.SectionBlock)
	assert.Contains(t, section.Text.Text, ":bell:")
	assert.Contains(t, section.Text.Text, "something_new")
}

func TestBuildDismissedMessage(t *testing.T) {
	sessionID := "sess-9"
	blocks := BuildDismissedMessage(&database.Notification{
		Type:      string(models.NotificationReviewReady),
		Message:   "Ticket ready for review",
		SessionID: &sessionID,
	})

	require.Len(t, blocks, 2)
	section := blocks[0].(*goslack.SectionBlock)
	assert.Contains(t, section.Text.Text, ":white_check_mark:")
	assert.Contains(t, section.Text.Text, "Review Ready")
	assert.Contains(t, section.Text.Text, "resolved")
	assert.NotContains(t, section.Text.Text, "Ticket ready for review",
		"dismissal should replace the body, not repeat it")
}

func TestTruncateForSlack(t *testing.T) {
	t.Run("short text unchanged", func(t *testing.T) {
		assert.Equal(t, "hello", truncateForSlack("hello"))
	})

	t.Run("exact limit unchanged", func(t *testing.T) {
		text := strings.Repeat("a", maxBlockTextLength)
		assert.Equal(t, text, truncateForSlack(text))
	})

	t.Run("over limit truncated", func(t *testing.T) {
		text := strings.Repeat("a", maxBlockTextLength+100)
		result := truncateForSlack(text)
		assert.True(t, len(result) < len(text))
		assert.Contains(t, result, "truncated")
	})

	t.Run("multi-byte runes not split", func(t *testing.T) {
		text := strings.Repeat("🔥", maxBlockTextLength+10)
		result := truncateForSlack(text)
		assert.Contains(t, result, "truncated")
		assert.True(t, utf8.ValidString(result), "result should be valid UTF-8")
		prefix := strings.Split(result, "\n\n_...")[0]
		assert.Equal(t, maxBlockTextLength, utf8.RuneCountInString(prefix))
	})
}
