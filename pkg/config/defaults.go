package config

import "time"

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host,omitempty"`
	Port string `yaml:"port,omitempty"`
	// APIKey is the shared secret compared against the X-API-Key header.
	// Empty disables authentication entirely.
	APIKey string `yaml:"-"`
	// AllowedWSOrigins restricts WebSocket upgrades. Empty allows same-host.
	AllowedWSOrigins []string `yaml:"allowed_ws_origins,omitempty"`
}

// DefaultServerConfig returns the built-in server defaults.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Host: "0.0.0.0",
		Port: "8080",
	}
}

// SupervisorConfig controls session output polling and buffering.
type SupervisorConfig struct {
	// PaneToolPath is the terminal multiplexer binary.
	PaneToolPath string `yaml:"pane_tool_path,omitempty"`
	// PollInterval is how often each running session's pane is captured.
	PollInterval time.Duration `yaml:"poll_interval,omitempty"`
	// RingCapacity is the per-session output buffer size in lines.
	RingCapacity int `yaml:"ring_capacity,omitempty"`
	// RecoveryTailLines is how much pane history is re-read when a session
	// is resumed after a restart.
	RecoveryTailLines int `yaml:"recovery_tail_lines,omitempty"`
	// ContextPatterns are regexes with one capture group extracting the
	// remaining-context percentage from session output.
	ContextPatterns []string `yaml:"context_patterns,omitempty"`
}

// DefaultSupervisorConfig returns the built-in supervisor defaults.
func DefaultSupervisorConfig() *SupervisorConfig {
	return &SupervisorConfig{
		PaneToolPath:      "tmux",
		PollInterval:      500 * time.Millisecond,
		RingCapacity:      1000,
		RecoveryTailLines: 200,
		ContextPatterns: []string{
			`Context(?: left)?:\s*(\d+)%`,
			`(\d+)%\s*(?:context\s*)?remaining`,
		},
	}
}

// DetectorConfig controls waiting-state detection and signal fusion.
type DetectorConfig struct {
	// Debounce is the window over which signals for one session are fused.
	Debounce time.Duration `yaml:"debounce,omitempty"`
	// ClearDelay is how long after activity the waiting state is cleared.
	ClearDelay time.Duration `yaml:"clear_delay,omitempty"`
	// IdleThreshold is how long output must be silent after a question
	// pattern before the session counts as waiting.
	IdleThreshold time.Duration `yaml:"idle_threshold,omitempty"`
	// TranscriptPollInterval is the transcript tail poll cadence.
	TranscriptPollInterval time.Duration `yaml:"transcript_poll_interval,omitempty"`
	// ImmediatePatterns flag a permission prompt with zero delay.
	ImmediatePatterns []string `yaml:"immediate_patterns,omitempty"`
	// QuestionPatterns arm the idle timer.
	QuestionPatterns []string `yaml:"question_patterns,omitempty"`
	// CompletionMarkers request a completion-signal review.
	CompletionMarkers []string `yaml:"completion_markers,omitempty"`
}

// DefaultDetectorConfig returns the built-in detector defaults.
func DefaultDetectorConfig() *DetectorConfig {
	return &DetectorConfig{
		Debounce:               500 * time.Millisecond,
		ClearDelay:             2000 * time.Millisecond,
		IdleThreshold:          5 * time.Second,
		TranscriptPollInterval: 500 * time.Millisecond,
		ImmediatePatterns: []string{
			`Do you want to proceed\?`,
			`Allow this action\?`,
			`│\s*>`,
			`❯`,
		},
		QuestionPatterns: []string{
			`\?\s*$`,
			`What would you like`,
			`Should I`,
			`Would you like me to`,
			`Please confirm`,
		},
		CompletionMarkers: []string{
			`---TASK_COMPLETE---`,
		},
	}
}

// ReviewerConfig controls completion reviews.
type ReviewerConfig struct {
	// CLIPath is the assistant CLI binary invoked for reviews.
	CLIPath string `yaml:"cli_path,omitempty"`
	// Model passed to the CLI; empty uses the CLI's default.
	Model string `yaml:"model,omitempty"`
	// Timeout bounds a single review invocation.
	Timeout time.Duration `yaml:"timeout,omitempty"`
	// OutputTailLines is how many recent session lines go into the prompt.
	OutputTailLines int `yaml:"output_tail_lines,omitempty"`
	// StopHookEnabled triggers a review on every Stop hook. Off by default:
	// the Stop hook fires on every assistant turn end, which would re-review
	// tickets on ordinary pauses.
	StopHookEnabled bool `yaml:"stop_hook_enabled,omitempty"`
	// IdleTimeoutEnabled triggers a review when a ticket session goes idle.
	IdleTimeoutEnabled *bool `yaml:"idle_timeout_enabled,omitempty"`
}

// DefaultReviewerConfig returns the built-in reviewer defaults.
func DefaultReviewerConfig() *ReviewerConfig {
	enabled := true
	return &ReviewerConfig{
		CLIPath:            "claude",
		Timeout:            30 * time.Second,
		OutputTailLines:    100,
		StopHookEnabled:    false,
		IdleTimeoutEnabled: &enabled,
	}
}

// IdleTimeoutOn reports whether idle-timeout reviews are enabled.
func (r *ReviewerConfig) IdleTimeoutOn() bool {
	return r.IdleTimeoutEnabled == nil || *r.IdleTimeoutEnabled
}

// HandoffConfig controls automatic context handoffs.
type HandoffConfig struct {
	// ThresholdPercent triggers a handoff when remaining context falls to
	// or below this value.
	ThresholdPercent int `yaml:"threshold_percent,omitempty"`
	// ExportCommand / ImportCommand are sent to the session verbatim.
	ExportCommand string `yaml:"export_command,omitempty"`
	ImportCommand string `yaml:"import_command,omitempty"`
	// PollInterval is the handoff-file mtime poll cadence.
	PollInterval time.Duration `yaml:"poll_interval,omitempty"`
	// FileTimeout bounds the wait for the export file to appear.
	FileTimeout time.Duration `yaml:"file_timeout,omitempty"`
	// ExportDelay is the settle time between file detection and termination.
	ExportDelay time.Duration `yaml:"export_delay,omitempty"`
	// ImportDelay is the settle time between spawn and the import command.
	ImportDelay time.Duration `yaml:"import_delay,omitempty"`
}

// DefaultHandoffConfig returns the built-in handoff defaults.
func DefaultHandoffConfig() *HandoffConfig {
	return &HandoffConfig{
		ThresholdPercent: 20,
		ExportCommand:    "/exportHandoff",
		ImportCommand:    "/importHandoff",
		PollInterval:     1 * time.Second,
		FileTimeout:      60 * time.Second,
		ExportDelay:      2 * time.Second,
		ImportDelay:      3 * time.Second,
	}
}

// FanOutConfig controls the WebSocket fan-out layer.
type FanOutConfig struct {
	// PingInterval is the server heartbeat cadence.
	PingInterval time.Duration `yaml:"ping_interval,omitempty"`
	// ConnectionTimeout drops a client silent for this long.
	ConnectionTimeout time.Duration `yaml:"connection_timeout,omitempty"`
	// RateLimitMaxMessages per RateLimitWindow closes violators.
	RateLimitMaxMessages int           `yaml:"rate_limit_max_messages,omitempty"`
	RateLimitWindow      time.Duration `yaml:"rate_limit_window,omitempty"`
	// MaxMessageBytes caps a single incoming frame.
	MaxMessageBytes int64 `yaml:"max_message_bytes,omitempty"`
	// ReplayLines is how many buffered output lines a subscriber receives.
	ReplayLines int `yaml:"replay_lines,omitempty"`
	// SendQueueSize is the per-client outgoing buffer high-water mark.
	SendQueueSize int `yaml:"send_queue_size,omitempty"`
}

// DefaultFanOutConfig returns the built-in fan-out defaults.
func DefaultFanOutConfig() *FanOutConfig {
	return &FanOutConfig{
		PingInterval:         30 * time.Second,
		ConnectionTimeout:    60 * time.Second,
		RateLimitMaxMessages: 100,
		RateLimitWindow:      10 * time.Second,
		MaxMessageBytes:      64 * 1024,
		ReplayLines:          100,
		SendQueueSize:        256,
	}
}
