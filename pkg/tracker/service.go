package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/sessionworks/maestro/pkg/config"
	"github.com/sessionworks/maestro/pkg/models"
	"github.com/sessionworks/maestro/pkg/services"
	"github.com/sessionworks/maestro/pkg/vcs"
)

// Issue lists are cached briefly so repeated imports do not burn API rate
// limit when a client hammers the endpoint.
const (
	issueCacheTTL   = time.Minute
	issueCacheSweep = 5 * time.Minute
)

// ImportResult summarizes one import run.
type ImportResult struct {
	Imported int `json:"imported"`
	Skipped  int `json:"skipped"`
	Failed   int `json:"failed"`
	Total    int `json:"total"`
}

// Service imports a project repository's open issues as backlog tickets.
type Service struct {
	github   *GitHubClient
	cache    *gocache.Cache
	projects *services.ProjectService
	tickets  *services.TicketService

	// remoteURL resolves the origin remote of a working copy.
	remoteURL func(repoPath string) (string, error)
}

// New creates the importer. cfg may be nil: imports then work for public
// repositories against the default API endpoint.
func New(projects *services.ProjectService, tickets *services.TicketService, cfg *config.GitHubConfig) *Service {
	var token, apiBase string
	if cfg != nil {
		token = cfg.Token
		apiBase = cfg.APIBaseURL
	}
	return &Service{
		github:   NewGitHubClient(token, apiBase),
		cache:    gocache.New(issueCacheTTL, issueCacheSweep),
		projects: projects,
		tickets:  tickets,
		remoteURL: func(repoPath string) (string, error) {
			return vcs.NewRealExecutor(repoPath).RemoteURL()
		},
	}
}

// ImportOpenIssues pulls open issues from the project repository's origin
// remote and materializes each as a backlog ticket. Issues imported earlier
// count as skips; a failure on one issue does not abort the run.
func (s *Service) ImportOpenIssues(ctx context.Context, projectID string) (*ImportResult, error) {
	project, err := s.projects.Get(ctx, projectID)
	if err != nil {
		return nil, err
	}

	remote, err := s.remoteURL(project.RepoPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve origin remote for %s: %w", project.RepoPath, err)
	}
	owner, repo, err := ParseRemote(remote)
	if err != nil {
		return nil, err
	}

	issues, err := s.openIssues(ctx, owner, repo)
	if err != nil {
		return nil, err
	}

	result := &ImportResult{Total: len(issues)}
	for _, issue := range issues {
		_, err := s.tickets.ImportExternal(ctx, projectID, models.ImportTicketRequest{
			ExternalID: issue.ExternalID(),
			Title:      issue.Title,
			Body:       issue.Body,
		})
		switch {
		case err == nil:
			result.Imported++
		case errors.Is(err, services.ErrAlreadyExists):
			result.Skipped++
		default:
			result.Failed++
			slog.Warn("Issue import failed",
				"project_id", projectID, "issue", issue.Number, "error", err)
		}
	}

	slog.Info("Imported tracker issues",
		"project_id", projectID, "repo", owner+"/"+repo,
		"imported", result.Imported, "skipped", result.Skipped, "failed", result.Failed)
	return result, nil
}

func (s *Service) openIssues(ctx context.Context, owner, repo string) ([]Issue, error) {
	key := owner + "/" + repo
	if cached, ok := s.cache.Get(key); ok {
		return cached.([]Issue), nil
	}

	issues, err := s.github.ListOpenIssues(ctx, owner, repo)
	if err != nil {
		return nil, err
	}
	s.cache.Set(key, issues, gocache.DefaultExpiration)
	return issues, nil
}

// OverrideRemoteURLForTest replaces remote resolution. For testing only.
func (s *Service) OverrideRemoteURLForTest(fn func(repoPath string) (string, error)) {
	s.remoteURL = fn
}
