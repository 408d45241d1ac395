// Package notifier mirrors notification-center changes into a Slack
// channel. Mirroring is optional: NewService returns nil unless a bot token
// and channel are configured, and every Service method tolerates a nil
// receiver, so callers wire the mirror unconditionally.
package notifier

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	goslack "github.com/slack-go/slack"
)

// Client is a thin wrapper around the slack-go SDK.
type Client struct {
	api       *goslack.Client
	channelID string
	logger    *slog.Logger
}

// NewClient creates a new Slack API client.
func NewClient(token, channelID string) *Client {
	return &Client{
		api:       goslack.New(token),
		channelID: channelID,
		logger:    slog.Default().With("component", "slack-client"),
	}
}

// NewClientWithAPIURL creates a Slack API client that targets a custom API
// URL. Useful for testing with a mock server.
func NewClientWithAPIURL(token, channelID, apiURL string) *Client {
	return &Client{
		api:       goslack.New(token, goslack.OptionAPIURL(apiURL)),
		channelID: channelID,
		logger:    slog.Default().With("component", "slack-client"),
	}
}

// PostMessage sends a message to the configured channel and returns its
// timestamp so the caller can edit the message later.
func (c *Client) PostMessage(ctx context.Context, blocks []goslack.Block, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	_, ts, err := c.api.PostMessageContext(ctx, c.channelID, goslack.MsgOptionBlocks(blocks...))
	if err != nil {
		return "", fmt.Errorf("chat.postMessage failed: %w", err)
	}
	return ts, nil
}

// UpdateMessage rewrites a previously posted message in place.
func (c *Client) UpdateMessage(ctx context.Context, ts string, blocks []goslack.Block, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	_, _, _, err := c.api.UpdateMessageContext(ctx, c.channelID, ts, goslack.MsgOptionBlocks(blocks...))
	if err != nil {
		return fmt.Errorf("chat.update failed: %w", err)
	}
	return nil
}
