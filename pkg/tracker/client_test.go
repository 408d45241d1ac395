package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func issuesJSON(t *testing.T, issues []Issue) []byte {
	t.Helper()
	buf, err := json.Marshal(issues)
	require.NoError(t, err)
	return buf
}

func TestListOpenIssues(t *testing.T) {
	t.Run("filters pull requests", func(t *testing.T) {
		pr := json.RawMessage(`{"url":"https://api.github.com/repos/octo/widgets/pulls/7"}`)
		issues := []Issue{
			{Number: 5, Title: "Crash on resume"},
			{Number: 7, Title: "Bump deps", PullRequest: &pr},
			{Number: 9, Title: "Speed up indexing"},
		}

		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/repos/octo/widgets/issues", r.URL.Path)
			assert.Equal(t, "open", r.URL.Query().Get("state"))
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write(issuesJSON(t, issues))
		}))
		defer server.Close()

		client := NewGitHubClient("", server.URL)
		got, err := client.ListOpenIssues(context.Background(), "octo", "widgets")
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, 5, got[0].Number)
		assert.Equal(t, 9, got[1].Number)
	})

	t.Run("pages until a short batch", func(t *testing.T) {
		full := make([]Issue, issuesPerPage)
		for i := range full {
			full[i] = Issue{Number: i + 1, Title: fmt.Sprintf("issue %d", i+1)}
		}
		rest := []Issue{{Number: 101, Title: "the stragglers"}}

		var pages []string
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			page := r.URL.Query().Get("page")
			pages = append(pages, page)
			w.Header().Set("Content-Type", "application/json")
			if page == "1" {
				_, _ = w.Write(issuesJSON(t, full))
				return
			}
			_, _ = w.Write(issuesJSON(t, rest))
		}))
		defer server.Close()

		client := NewGitHubClient("", server.URL)
		got, err := client.ListOpenIssues(context.Background(), "octo", "widgets")
		require.NoError(t, err)
		assert.Len(t, got, 101)
		assert.Equal(t, []string{"1", "2"}, pages)
	})

	t.Run("bearer token sent when present", func(t *testing.T) {
		var gotAuth string
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotAuth = r.Header.Get("Authorization")
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte("[]"))
		}))
		defer server.Close()

		client := NewGitHubClient("test-token-123", server.URL)
		_, err := client.ListOpenIssues(context.Background(), "octo", "widgets")
		require.NoError(t, err)
		assert.Equal(t, "Bearer test-token-123", gotAuth)
	})

	t.Run("no auth header when token empty", func(t *testing.T) {
		var gotAuth string
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotAuth = r.Header.Get("Authorization")
			_, _ = w.Write([]byte("[]"))
		}))
		defer server.Close()

		client := NewGitHubClient("", server.URL)
		_, err := client.ListOpenIssues(context.Background(), "octo", "widgets")
		require.NoError(t, err)
		assert.Empty(t, gotAuth)
	})

	t.Run("non-200 returns error", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}))
		defer server.Close()

		client := NewGitHubClient("", server.URL)
		_, err := client.ListOpenIssues(context.Background(), "octo", "gone")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "404")
	})

	t.Run("context cancellation", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("[]"))
		}))
		defer server.Close()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		client := NewGitHubClient("", server.URL)
		_, err := client.ListOpenIssues(ctx, "octo", "widgets")
		require.Error(t, err)
	})
}
