package tracker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sessionworks/maestro/pkg/config"
	"github.com/sessionworks/maestro/pkg/database"
	"github.com/sessionworks/maestro/pkg/events"
	"github.com/sessionworks/maestro/pkg/models"
	"github.com/sessionworks/maestro/pkg/services"
	testdb "github.com/sessionworks/maestro/test/database"
)

type noopSink struct{}

func (noopSink) Broadcast(string, []byte) {}

type importFixture struct {
	svc      *Service
	tickets  *services.TicketService
	project  *database.Project
	requests *int
}

func setupImport(t *testing.T, issues []Issue) *importFixture {
	t.Helper()
	client := testdb.NewTestClient(t)
	publisher := events.NewEventPublisher(events.NewLocalTransport(client.Gorm(), noopSink{}))
	projects := services.NewProjectService(client)
	tickets := services.NewTicketService(client, projects, publisher)

	requests := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(issuesJSON(t, issues))
	}))
	t.Cleanup(server.Close)

	project, err := projects.Create(context.Background(), models.CreateProjectRequest{
		Name:      "widgets",
		RepoPath:  t.TempDir(),
		PaneGroup: "dev",
	})
	require.NoError(t, err)

	svc := New(projects, tickets, &config.GitHubConfig{APIBaseURL: server.URL})
	svc.OverrideRemoteURLForTest(func(repoPath string) (string, error) {
		assert.Equal(t, project.RepoPath, repoPath)
		return "git@github.com:octo/widgets.git", nil
	})

	return &importFixture{svc: svc, tickets: tickets, project: project, requests: &requests}
}

func TestImportOpenIssues(t *testing.T) {
	issues := []Issue{
		{Number: 5, Title: "Crash on resume", Body: "Happens after suspend."},
		{Number: 9, Title: "Speed up indexing"},
	}
	f := setupImport(t, issues)
	ctx := context.Background()

	result, err := f.svc.ImportOpenIssues(ctx, f.project.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Imported)
	assert.Equal(t, 0, result.Skipped)
	assert.Equal(t, 2, result.Total)

	list, err := f.tickets.List(ctx, f.project.ID, models.TicketFilters{Prefixes: []string{"gh"}})
	require.NoError(t, err)
	require.Len(t, list.Tickets, 2)
	for _, ticket := range list.Tickets {
		assert.Equal(t, string(models.TicketBacklog), ticket.State)
		assert.False(t, ticket.IsAdhoc)
		assert.NotEmpty(t, ticket.ExternalID)
	}

	// The issue body lands in the ticket file.
	var crash *database.Ticket
	for _, ticket := range list.Tickets {
		if ticket.ExternalID == "gh-5" {
			crash = ticket
		}
	}
	require.NotNil(t, crash)
	content, err := os.ReadFile(filepath.Join(f.project.RepoPath, crash.FilePath))
	require.NoError(t, err)
	assert.Contains(t, string(content), "# Crash on resume")
	assert.Contains(t, string(content), "Happens after suspend.")

	t.Run("second run skips and reuses the cache", func(t *testing.T) {
		before := *f.requests
		result, err := f.svc.ImportOpenIssues(ctx, f.project.ID)
		require.NoError(t, err)
		assert.Equal(t, 0, result.Imported)
		assert.Equal(t, 2, result.Skipped)
		assert.Equal(t, before, *f.requests)
	})
}

func TestImportOpenIssuesErrors(t *testing.T) {
	t.Run("unknown project", func(t *testing.T) {
		f := setupImport(t, nil)
		_, err := f.svc.ImportOpenIssues(context.Background(), "no-such-project")
		assert.ErrorIs(t, err, services.ErrNotFound)
	})

	t.Run("unresolvable remote", func(t *testing.T) {
		f := setupImport(t, nil)
		f.svc.OverrideRemoteURLForTest(func(string) (string, error) {
			return "", os.ErrNotExist
		})
		_, err := f.svc.ImportOpenIssues(context.Background(), f.project.ID)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "origin remote")
	})

	t.Run("non-github remote", func(t *testing.T) {
		f := setupImport(t, nil)
		f.svc.OverrideRemoteURLForTest(func(string) (string, error) {
			return "/srv/git/widgets.git", nil
		})
		_, err := f.svc.ImportOpenIssues(context.Background(), f.project.ID)
		assert.Error(t, err)
	})
}
