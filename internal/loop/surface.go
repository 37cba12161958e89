package loop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/DrBushyTop/humanlayer-opencode/internal/events"
	"github.com/DrBushyTop/humanlayer-opencode/internal/notify"
)

// ErrNoPrompt is returned by Start when the prompt is empty.
var ErrNoPrompt = errors.New("prompt must not be empty")

// ErrNoSession is returned by Start when no session identifier was
// supplied by the caller's environment.
var ErrNoSession = errors.New("session id must not be empty")

// StartParams configures a new loop.
type StartParams struct {
	// SessionID comes from the caller's environment (the session the
	// tool call runs in), not from user input.
	SessionID string
	// Prompt is re-sent verbatim every iteration.
	Prompt string
	// MaxIterations bounds the loop; 0 means unbounded.
	MaxIterations int
	// CompletionPromise, when non-empty, is the phrase that ends the
	// loop when echoed inside <promise> markers. Normalized on storage.
	CompletionPromise string
}

// Surface exposes the three control operations: start, cancel, status.
// Results are human-readable text for the invoking tool caller; every
// state change is mirrored as a notification for passive observers.
// Operations go through the same store as the controller and therefore
// respect the same single-record invariants.
type Surface struct {
	store    *Store
	notifier notify.Notifier
	recorder Recorder
	bus      *events.Bus
	logger   *slog.Logger
	now      func() time.Time // injectable for tests
}

// NewSurface wires a control surface. notifier must not be nil (use
// notify.Discard); recorder and bus may be nil.
func NewSurface(store *Store, notifier notify.Notifier, recorder Recorder, bus *events.Bus, logger *slog.Logger) *Surface {
	if logger == nil {
		logger = slog.Default()
	}
	return &Surface{
		store:    store,
		notifier: notifier,
		recorder: recorder,
		bus:      bus,
		logger:   logger,
		now:      time.Now,
	}
}

// Start creates and persists a new loop. Fails with a descriptive
// message (nil error) when a loop is already active; the message
// carries the current iteration so the caller can decide to cancel
// first. A non-nil error means the record could not be persisted.
func (s *Surface) Start(ctx context.Context, p StartParams) (string, error) {
	if strings.TrimSpace(p.Prompt) == "" {
		return "", ErrNoPrompt
	}
	if p.SessionID == "" {
		return "", ErrNoSession
	}
	if p.MaxIterations < 0 {
		p.MaxIterations = 0
	}

	existing, err := s.store.Load()
	if err != nil {
		s.logger.Warn("state load failed during start, treating as inactive", "error", err)
	}
	if existing != nil && existing.Active {
		return fmt.Sprintf(
			"Error: A ralph loop is already active (iteration %d). Cancel it first.",
			existing.Iteration), nil
	}

	st := &State{
		Active:            true,
		Iteration:         1,
		MaxIterations:     p.MaxIterations,
		CompletionPromise: NormalizePromise(p.CompletionPromise),
		Prompt:            p.Prompt,
		SessionID:         p.SessionID,
		StartedAt:         s.now(),
	}

	if err := s.store.Save(st); err != nil {
		return "", fmt.Errorf("persist loop state: %w", err)
	}

	s.logger.Info("loop started",
		"session", st.SessionID, "max_iterations", st.MaxIterations,
		"has_promise", st.CompletionPromise != "")

	budget := " (unlimited)"
	if st.MaxIterations > 0 {
		budget = fmt.Sprintf(" of %d", st.MaxIterations)
	}
	s.notifier.Notify(ctx, notify.Notification{
		Title:    "Ralph Loop Started",
		Message:  "Iteration 1" + budget,
		Severity: notify.SeverityInfo,
		Duration: progressToastDuration,
	})

	if s.recorder != nil {
		if err := s.recorder.Record(ctx, st.SessionID, 1, OutcomeStarted, ""); err != nil {
			s.logger.Warn("history record failed", "error", err)
		}
	}
	s.bus.Publish(events.Event{
		Timestamp: s.now(),
		Source:    events.SourceControl,
		Kind:      events.KindLoopStarted,
		Data: map[string]any{
			"session_id":     st.SessionID,
			"max_iterations": st.MaxIterations,
			"has_promise":    st.CompletionPromise != "",
		},
	})

	return startSummary(st), nil
}

// Cancel deletes the active loop. Reports (does not error) when there
// is nothing to cancel.
func (s *Surface) Cancel(ctx context.Context) (string, error) {
	st, err := s.store.Load()
	if err != nil {
		s.logger.Warn("state load failed during cancel, treating as inactive", "error", err)
	}
	if st == nil || !st.Active {
		return "No active ralph loop to cancel.", nil
	}

	iterations := st.Iteration
	if err := s.store.Delete(); err != nil {
		return "", fmt.Errorf("delete loop state: %w", err)
	}

	s.logger.Info("loop cancelled", "session", st.SessionID, "iterations", iterations)

	s.notifier.Notify(ctx, notify.Notification{
		Title:    "Ralph Loop Cancelled",
		Message:  fmt.Sprintf("Stopped after %d iteration%s", iterations, plural(iterations)),
		Severity: notify.SeverityWarning,
		Duration: progressToastDuration,
	})
	if s.recorder != nil {
		if err := s.recorder.Record(ctx, st.SessionID, iterations, OutcomeCancelled, ""); err != nil {
			s.logger.Warn("history record failed", "error", err)
		}
	}
	s.bus.Publish(events.Event{
		Timestamp: s.now(),
		Source:    events.SourceControl,
		Kind:      events.KindCancelled,
		Data:      map[string]any{"session_id": st.SessionID, "iteration": iterations},
	})

	return fmt.Sprintf("Ralph loop cancelled after %d iteration%s.", iterations, plural(iterations)), nil
}

// Report is a read-only snapshot of the active loop for the status
// operation and the web surface.
type Report struct {
	SessionID          string        `json:"sessionID"`
	Iteration          int           `json:"iteration"`
	MaxIterations      int           `json:"maxIterations"`
	CompletionPromise  string        `json:"completionPromise,omitempty"`
	Prompt             string        `json:"prompt"`
	StartedAt          time.Time     `json:"startedAt"`
	Elapsed            time.Duration `json:"elapsed"`
	LastProcessedCount int           `json:"lastProcessedCount"`
}

// Snapshot returns the active loop's report, or nil when no loop is
// running. Read-only: never mutates the record.
func (s *Surface) Snapshot() (*Report, error) {
	st, err := s.store.Load()
	if err != nil {
		return nil, err
	}
	if st == nil || !st.Active {
		return nil, nil
	}
	return &Report{
		SessionID:          st.SessionID,
		Iteration:          st.Iteration,
		MaxIterations:      st.MaxIterations,
		CompletionPromise:  st.CompletionPromise,
		Prompt:             st.Prompt,
		StartedAt:          st.StartedAt,
		Elapsed:            st.Elapsed(s.now()),
		LastProcessedCount: st.LastProcessedCount,
	}, nil
}

// Status renders the human-readable status report.
func (s *Surface) Status() (string, error) {
	report, err := s.Snapshot()
	if err != nil {
		s.logger.Warn("state load failed during status, treating as inactive", "error", err)
		return "No active ralph loop.", nil
	}
	if report == nil {
		return "No active ralph loop.", nil
	}

	budget := " (unlimited)"
	if report.MaxIterations > 0 {
		budget = fmt.Sprintf(" of %d", report.MaxIterations)
	}
	promise := report.CompletionPromise
	if promise == "" {
		promise = "none"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "**Ralph Loop Status**\n\n")
	fmt.Fprintf(&b, "**Active**: Yes\n")
	fmt.Fprintf(&b, "**Session**: %s\n", report.SessionID)
	fmt.Fprintf(&b, "**Iteration**: %d%s\n", report.Iteration, budget)
	fmt.Fprintf(&b, "**Completion Promise**: %s\n", promise)
	fmt.Fprintf(&b, "**Running Time**: %s\n", formatElapsed(report.Elapsed))
	fmt.Fprintf(&b, "**Started**: %s\n\n", report.StartedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "**Prompt**:\n```\n%s\n```\n", report.Prompt)
	return b.String(), nil
}

// startSummary builds the confirmation text returned by Start,
// including promise instructions when one is configured.
func startSummary(st *State) string {
	budget := "unlimited"
	if st.MaxIterations > 0 {
		budget = fmt.Sprintf("%d", st.MaxIterations)
	}
	promise := "none (runs until max iterations)"
	if st.CompletionPromise != "" {
		promise = fmt.Sprintf("%q", st.CompletionPromise)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Ralph loop activated!\n\n")
	fmt.Fprintf(&b, "**Iteration**: 1\n")
	fmt.Fprintf(&b, "**Max iterations**: %s\n", budget)
	fmt.Fprintf(&b, "**Completion promise**: %s\n\n", promise)
	fmt.Fprintf(&b, "The loop is now active. When this session goes idle, the same prompt will be re-sent.\n")

	if st.CompletionPromise != "" {
		fmt.Fprintf(&b, "\nTo complete the loop, output:\n```\n<promise>%s</promise>\n```\n\n", st.CompletionPromise)
		fmt.Fprintf(&b, "**CRITICAL**: Only output the promise when the statement is completely TRUE. Do not lie to exit the loop.\n")
	}
	return b.String()
}

// formatElapsed renders a duration as "3m 42s", matching the status
// report style users expect.
func formatElapsed(d time.Duration) string {
	d = d.Truncate(time.Second)
	return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
}
