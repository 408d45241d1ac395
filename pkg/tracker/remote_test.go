package tracker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRemote(t *testing.T) {
	tests := []struct {
		name   string
		remote string
		owner  string
		repo   string
	}{
		{"https with .git", "https://github.com/octo/widgets.git", "octo", "widgets"},
		{"https without .git", "https://github.com/octo/widgets", "octo", "widgets"},
		{"scp-like", "git@github.com:octo/widgets.git", "octo", "widgets"},
		{"scp-like without .git", "git@github.com:octo/widgets", "octo", "widgets"},
		{"ssh scheme", "ssh://git@github.com/octo/widgets.git", "octo", "widgets"},
		{"enterprise host", "git@github.example.com:platform/infra.git", "platform", "infra"},
		{"dotted repo name", "https://github.com/octo/widgets.js.git", "octo", "widgets.js"},
		{"trailing whitespace", "https://github.com/octo/widgets.git\n", "octo", "widgets"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			owner, repo, err := ParseRemote(tt.remote)
			require.NoError(t, err)
			assert.Equal(t, tt.owner, owner)
			assert.Equal(t, tt.repo, repo)
		})
	}
}

func TestParseRemoteRejects(t *testing.T) {
	tests := []struct {
		name   string
		remote string
	}{
		{"empty", ""},
		{"no path", "https://github.com"},
		{"owner only", "https://github.com/octo"},
		{"local path", "/srv/git/widgets.git"},
		{"plain word", "widgets"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := ParseRemote(tt.remote)
			assert.Error(t, err)
		})
	}
}
