package config

import (
	"fmt"
	"regexp"
	"strconv"
)

// Validator validates configuration with clear error messages.
type Validator struct {
	cfg *Config
}

// NewValidator creates a validator for the given configuration.
func NewValidator(cfg *Config) *Validator {
	return &Validator{cfg: cfg}
}

// ValidateAll performs comprehensive validation (fail-fast, stops at first error).
func (v *Validator) ValidateAll() error {
	if err := v.validateServer(); err != nil {
		return err
	}
	if err := v.validateSupervisor(); err != nil {
		return err
	}
	if err := v.validateDetector(); err != nil {
		return err
	}
	if err := v.validateReviewer(); err != nil {
		return err
	}
	if err := v.validateHandoff(); err != nil {
		return err
	}
	return v.validateFanOut()
}

func (v *Validator) validateServer() error {
	port, err := strconv.Atoi(v.cfg.Server.Port)
	if err != nil || port < 1 || port > 65535 {
		return NewValidationError("server", "port", fmt.Errorf("%w: %q", ErrInvalidValue, v.cfg.Server.Port))
	}
	return nil
}

func (v *Validator) validateSupervisor() error {
	s := v.cfg.Supervisor
	if s.PollInterval <= 0 {
		return NewValidationError("supervisor", "poll_interval", ErrInvalidValue)
	}
	if s.RingCapacity < 1 {
		return NewValidationError("supervisor", "ring_capacity", ErrInvalidValue)
	}
	for _, p := range s.ContextPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return NewValidationError("supervisor", "context_patterns", fmt.Errorf("%q: %w", p, err))
		}
		if re.NumSubexp() < 1 {
			return NewValidationError("supervisor", "context_patterns",
				fmt.Errorf("%q: %w: needs a capture group for the percentage", p, ErrInvalidValue))
		}
	}
	return nil
}

func (v *Validator) validateDetector() error {
	d := v.cfg.Detector
	if d.Debounce <= 0 || d.ClearDelay <= 0 || d.IdleThreshold <= 0 {
		return NewValidationError("detector", "", fmt.Errorf("%w: intervals must be positive", ErrInvalidValue))
	}
	for _, group := range [][]string{d.ImmediatePatterns, d.QuestionPatterns, d.CompletionMarkers} {
		for _, p := range group {
			if _, err := regexp.Compile(p); err != nil {
				return NewValidationError("detector", "patterns", fmt.Errorf("%q: %w", p, err))
			}
		}
	}
	return nil
}

func (v *Validator) validateReviewer() error {
	r := v.cfg.Reviewer
	if r.CLIPath == "" {
		return NewValidationError("reviewer", "cli_path", ErrInvalidValue)
	}
	if r.Timeout <= 0 {
		return NewValidationError("reviewer", "timeout", ErrInvalidValue)
	}
	if r.OutputTailLines < 1 {
		return NewValidationError("reviewer", "output_tail_lines", ErrInvalidValue)
	}
	return nil
}

func (v *Validator) validateHandoff() error {
	h := v.cfg.Handoff
	if h.ThresholdPercent < 1 || h.ThresholdPercent > 99 {
		return NewValidationError("handoff", "threshold_percent",
			fmt.Errorf("%w: must be within 1..99", ErrInvalidValue))
	}
	if h.ExportCommand == "" || h.ImportCommand == "" {
		return NewValidationError("handoff", "commands", ErrInvalidValue)
	}
	if h.PollInterval <= 0 || h.FileTimeout <= 0 {
		return NewValidationError("handoff", "timing", ErrInvalidValue)
	}
	return nil
}

func (v *Validator) validateFanOut() error {
	f := v.cfg.FanOut
	if f.PingInterval <= 0 || f.ConnectionTimeout <= f.PingInterval {
		return NewValidationError("fanout", "heartbeat",
			fmt.Errorf("%w: connection_timeout must exceed ping_interval", ErrInvalidValue))
	}
	if f.RateLimitMaxMessages < 1 || f.RateLimitWindow <= 0 {
		return NewValidationError("fanout", "rate_limit", ErrInvalidValue)
	}
	if f.MaxMessageBytes < 1024 {
		return NewValidationError("fanout", "max_message_bytes", ErrInvalidValue)
	}
	return nil
}
