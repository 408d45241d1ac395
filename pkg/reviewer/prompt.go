package reviewer

import (
	"fmt"
	"strings"
)

// Sources carries the assembled inputs for one review prompt. Everything
// except the ticket content is best effort and may be empty.
type Sources struct {
	TicketContent string
	GitDiff       string
	TestOutput    string
	SessionOutput string
}

const promptTemplate = `You are reviewing whether a ticket has been completed.

## Ticket Requirements
%s

## Changes Made (git diff)
%s

## Test Results
%s

## Recent Session Output
%s

Based on the above, is this ticket complete?
Respond with COMPLETE, NOT_COMPLETE, or NEEDS_CLARIFICATION on the first line, then 1-3 sentences of reasoning.`

func buildPrompt(src Sources) string {
	return fmt.Sprintf(promptTemplate,
		src.TicketContent,
		orPlaceholder(src.GitDiff, "No changes detected or git not available"),
		orPlaceholder(src.TestOutput, "No test output available"),
		orPlaceholder(src.SessionOutput, "No session output available"))
}

func orPlaceholder(s, placeholder string) string {
	if strings.TrimSpace(s) == "" {
		return placeholder
	}
	return s
}
