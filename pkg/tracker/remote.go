package tracker

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// scpLikePattern matches git's scp-style remotes: git@github.com:owner/repo.git
var scpLikePattern = regexp.MustCompile(`^(?:[\w.-]+@)?([\w.-]+):([\w.-]+)/([\w.-]+?)(?:\.git)?$`)

// ParseRemote extracts owner and repository from a git remote URL.
// Accepts https, ssh and scp-like forms.
func ParseRemote(remote string) (owner, repo string, err error) {
	remote = strings.TrimSpace(remote)
	if remote == "" {
		return "", "", fmt.Errorf("empty remote URL")
	}

	if strings.Contains(remote, "://") {
		parsed, err := url.Parse(remote)
		if err != nil {
			return "", "", fmt.Errorf("malformed remote URL: %w", err)
		}
		parts := strings.Split(strings.Trim(parsed.Path, "/"), "/")
		if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
			return "", "", fmt.Errorf("remote URL has no owner/repo path: %s", remote)
		}
		return parts[0], strings.TrimSuffix(parts[1], ".git"), nil
	}

	if m := scpLikePattern.FindStringSubmatch(remote); m != nil {
		return m[2], m[3], nil
	}
	return "", "", fmt.Errorf("unrecognized remote URL format: %s", remote)
}
