package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sessionworks/maestro/pkg/database"
	"github.com/sessionworks/maestro/pkg/events"
	"github.com/sessionworks/maestro/pkg/models"
	testdb "github.com/sessionworks/maestro/test/database"
)

// fakeMirror records mirror calls for assertions.
type fakeMirror struct {
	mu        sync.Mutex
	upserted  []string
	dismissed []string
}

func (m *fakeMirror) NotificationUpserted(_ context.Context, n *database.Notification) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upserted = append(m.upserted, n.ID)
}

func (m *fakeMirror) NotificationDismissed(_ context.Context, n *database.Notification) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dismissed = append(m.dismissed, n.ID)
}

func (m *fakeMirror) counts() (int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.upserted), len(m.dismissed)
}

func TestNotificationService_Upsert(t *testing.T) {
	client := testdb.NewTestClient(t)
	publisher, sink := newTestPublisher(client)
	mirror := &fakeMirror{}
	notifications := NewNotificationService(client, publisher, mirror)
	ctx := context.Background()

	sessionID := "session-1"

	t.Run("creates notification", func(t *testing.T) {
		n, err := notifications.Upsert(ctx, UpsertNotification{
			Type:      models.NotificationWaitingInput,
			Message:   "Session is waiting for input",
			SessionID: &sessionID,
		})
		require.NoError(t, err)
		assert.NotEmpty(t, n.ID)
		assert.Equal(t, string(models.NotificationWaitingInput), n.Type)
	})

	t.Run("same session and type updates in place", func(t *testing.T) {
		n, err := notifications.Upsert(ctx, UpsertNotification{
			Type:      models.NotificationWaitingInput,
			Message:   "Still waiting",
			SessionID: &sessionID,
		})
		require.NoError(t, err)
		assert.Equal(t, "Still waiting", n.Message)

		list, err := notifications.List(ctx)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, "Still waiting", list[0].Message)
	})

	t.Run("different type is a separate notification", func(t *testing.T) {
		_, err := notifications.Upsert(ctx, UpsertNotification{
			Type:      models.NotificationReviewReady,
			Message:   "Ticket ready for review",
			SessionID: &sessionID,
		})
		require.NoError(t, err)

		list, err := notifications.List(ctx)
		require.NoError(t, err)
		assert.Len(t, list, 2)
	})

	t.Run("empty message is rejected", func(t *testing.T) {
		_, err := notifications.Upsert(ctx, UpsertNotification{
			Type: models.NotificationError, SessionID: &sessionID,
		})
		assert.True(t, IsValidationError(err))
	})

	t.Run("publishes durable notification events", func(t *testing.T) {
		payloads := sink.onChannel(t, events.BroadcastChannel)
		var count int
		for _, p := range payloads {
			if p["type"] == events.EventTypeNotification {
				count++
				assert.Equal(t, events.NotificationUpserted, p["action"])
			}
		}
		assert.Equal(t, 3, count)
	})

	t.Run("mirrors upserts", func(t *testing.T) {
		require.Eventually(t, func() bool {
			up, _ := mirror.counts()
			return up == 3
		}, 2*time.Second, 10*time.Millisecond)
	})
}

func TestNotificationService_DismissAndClear(t *testing.T) {
	client := testdb.NewTestClient(t)
	publisher, _ := newTestPublisher(client)
	notifications := NewNotificationService(client, publisher, nil)
	ctx := context.Background()

	sessionID := "session-1"
	n, err := notifications.Upsert(ctx, UpsertNotification{
		Type:      models.NotificationWaitingInput,
		Message:   "waiting",
		SessionID: &sessionID,
	})
	require.NoError(t, err)

	t.Run("dismiss removes by id", func(t *testing.T) {
		require.NoError(t, notifications.Dismiss(ctx, n.ID))
		list, err := notifications.List(ctx)
		require.NoError(t, err)
		assert.Empty(t, list)

		require.ErrorIs(t, notifications.Dismiss(ctx, n.ID), ErrNotFound)
	})

	t.Run("clear removes by session and type", func(t *testing.T) {
		_, err := notifications.Upsert(ctx, UpsertNotification{
			Type:      models.NotificationWaitingInput,
			Message:   "waiting again",
			SessionID: &sessionID,
		})
		require.NoError(t, err)

		require.NoError(t, notifications.Clear(ctx, sessionID, models.NotificationWaitingInput))
		list, err := notifications.List(ctx)
		require.NoError(t, err)
		assert.Empty(t, list)

		// Clearing an absent notification is a no-op.
		require.NoError(t, notifications.Clear(ctx, sessionID, models.NotificationWaitingInput))
	})

	t.Run("dismiss all reports the count", func(t *testing.T) {
		for _, typ := range []models.NotificationType{models.NotificationWaitingInput, models.NotificationContextLow} {
			_, err := notifications.Upsert(ctx, UpsertNotification{
				Type: typ, Message: "m", SessionID: &sessionID,
			})
			require.NoError(t, err)
		}

		count, err := notifications.DismissAll(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, count)

		count, err = notifications.DismissAll(ctx)
		require.NoError(t, err)
		assert.Zero(t, count)
	})
}

func TestNotificationService_CleanupOld(t *testing.T) {
	client := testdb.NewTestClient(t)
	publisher, _ := newTestPublisher(client)
	notifications := NewNotificationService(client, publisher, nil)
	ctx := context.Background()

	sessionID := "session-1"
	n, err := notifications.Upsert(ctx, UpsertNotification{
		Type:      models.NotificationWaitingInput,
		Message:   "stale",
		SessionID: &sessionID,
	})
	require.NoError(t, err)

	old := time.Now().Add(-10 * 24 * time.Hour)
	require.NoError(t, client.Gorm().Model(&database.Notification{}).
		Where("id = ?", n.ID).
		Update("updated_at", old).Error)

	count, err := notifications.CleanupOld(ctx, 7*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
