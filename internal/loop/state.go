// Package loop implements the idle-triggered re-prompt control loop: a
// persisted single-record state machine that re-submits a prompt to an
// opencode session every time it goes idle, until a completion promise
// appears in the assistant's output or the iteration budget runs out.
package loop

import "time"

// State is the sole persisted record describing the running loop. Its
// presence on disk is the source of truth for "a loop is active";
// deleting the file ends the loop.
type State struct {
	// Active is true while the loop is running. Kept in the record so a
	// stale file with active=false is treated the same as no file.
	Active bool `json:"active"`
	// Iteration counts prompts issued so far. Starts at 1 on creation,
	// before any re-prompt, and only grows while the loop is active.
	Iteration int `json:"iteration"`
	// MaxIterations is the iteration budget. Zero means unbounded.
	MaxIterations int `json:"maxIterations"`
	// CompletionPromise is the normalized phrase that ends the loop when
	// the assistant echoes it inside <promise> markers. Empty means the
	// loop runs until the budget is exhausted.
	CompletionPromise string `json:"completionPromise,omitempty"`
	// Prompt is the literal text re-sent every iteration.
	Prompt string `json:"prompt"`
	// SessionID binds the loop to one session; idle events for any other
	// session are ignored.
	SessionID string `json:"sessionID"`
	// StartedAt is when the loop was created, for elapsed-time reporting.
	StartedAt time.Time `json:"startedAt"`
	// LastProcessedCount is the transcript message count already acted
	// on. Advanced and persisted strictly before the matching prompt is
	// submitted, it makes redelivered idle events no-ops across process
	// restarts.
	LastProcessedCount int `json:"lastProcessedCount"`
}

// Elapsed returns wall-clock time since the loop started.
func (s *State) Elapsed(now time.Time) time.Duration {
	return now.Sub(s.StartedAt)
}
