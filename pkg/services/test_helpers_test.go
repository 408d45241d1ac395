package services

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sessionworks/maestro/pkg/database"
	"github.com/sessionworks/maestro/pkg/events"
	"github.com/sessionworks/maestro/pkg/models"
)

// recordingSink captures LocalTransport broadcasts so tests can assert on
// published events without a WebSocket stack.
type recordingSink struct {
	mu       sync.Mutex
	messages []sinkMessage
}

type sinkMessage struct {
	channel string
	payload []byte
}

func (r *recordingSink) Broadcast(channel string, payload []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := make([]byte, len(payload))
	copy(cp, payload)
	r.messages = append(r.messages, sinkMessage{channel: channel, payload: cp})
}

// onChannel returns the decoded payloads broadcast to a channel.
func (r *recordingSink) onChannel(t *testing.T, channel string) []map[string]any {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	var decoded []map[string]any
	for _, m := range r.messages {
		if m.channel != channel {
			continue
		}
		var payload map[string]any
		require.NoError(t, json.Unmarshal(m.payload, &payload))
		decoded = append(decoded, payload)
	}
	return decoded
}

// newTestPublisher wires an EventPublisher over LocalTransport so durable
// events land in the sqlite events table and broadcasts in the sink.
func newTestPublisher(client *database.Client) (*events.EventPublisher, *recordingSink) {
	sink := &recordingSink{}
	return events.NewEventPublisher(events.NewLocalTransport(client.Gorm(), sink)), sink
}

// createTestProject registers a project rooted in a fresh temp dir.
func createTestProject(t *testing.T, projects *ProjectService) *database.Project {
	t.Helper()
	project, err := projects.Create(context.Background(), models.CreateProjectRequest{
		Name:      "demo",
		RepoPath:  t.TempDir(),
		PaneGroup: "dev",
	})
	require.NoError(t, err)
	return project
}
