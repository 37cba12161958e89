package loop

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/DrBushyTop/humanlayer-opencode/internal/events"
	"github.com/DrBushyTop/humanlayer-opencode/internal/notify"
	"github.com/DrBushyTop/humanlayer-opencode/internal/opencode"
)

// Cycle outcomes recorded to history.
const (
	OutcomeStarted   = "started"
	OutcomeContinued = "continued"
	OutcomeCompleted = "completed"
	OutcomeAborted   = "aborted"
	OutcomeCancelled = "cancelled"
	OutcomeError     = "error"
)

// Toast display durations, matching what the opencode TUI renders well.
const (
	progressToastDuration = 3 * time.Second
	terminalToastDuration = 5 * time.Second
)

// SessionAPI is the slice of the opencode client the controller uses:
// transcript reads and asynchronous prompt submission. Prompt returning
// nil means the prompt was accepted, not answered — the reply arrives
// as a future idle event.
type SessionAPI interface {
	Messages(ctx context.Context, sessionID string) ([]opencode.Message, error)
	Prompt(ctx context.Context, sessionID, text string) error
}

// Recorder persists decided cycles for later inspection. A nil Recorder
// disables history.
type Recorder interface {
	Record(ctx context.Context, sessionID string, iteration int, outcome, detail string) error
}

// Controller drives the loop state machine. One idle notification in,
// one decision out: continue (re-prompt), complete, abort, or no-op.
// Failures never escape HandleEvent; the event dispatcher must keep
// running no matter what a cycle does.
type Controller struct {
	store    *Store
	session  SessionAPI
	notifier notify.Notifier
	recorder Recorder
	guard    *Guard
	bus      *events.Bus
	logger   *slog.Logger
}

// NewController wires a controller. notifier must not be nil (use
// notify.Discard to silence); recorder and bus may be nil.
func NewController(store *Store, session SessionAPI, notifier notify.Notifier, recorder Recorder, guard *Guard, bus *events.Bus, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	if guard == nil {
		guard = NewGuard(DefaultGuardWindow)
	}
	return &Controller{
		store:    store,
		session:  session,
		notifier: notifier,
		recorder: recorder,
		guard:    guard,
		bus:      bus,
		logger:   logger,
	}
}

// HandleEvent is the stream callback. Only session.idle events are
// acted on; everything else on the feed is ignored.
func (c *Controller) HandleEvent(ctx context.Context, evt opencode.Event) {
	if evt.Type != opencode.EventSessionIdle {
		return
	}
	c.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceStream,
		Kind:      events.KindSessionIdle,
		Data:      map[string]any{"session_id": evt.SessionID()},
	})
	c.HandleIdle(ctx, evt.SessionID())
}

// HandleIdle runs one cycle of the state machine for an idle
// notification tagged with sessionID.
func (c *Controller) HandleIdle(ctx context.Context, sessionID string) {
	st, err := c.store.Load()
	if err != nil {
		// Fail open: a damaged record means no loop, never a crash on
		// the event path.
		c.logger.Warn("state load failed, treating as inactive", "error", err)
		return
	}
	if st == nil || !st.Active {
		return
	}

	if sessionID == "" || st.SessionID != sessionID {
		c.logger.Debug("idle event for different session, ignoring",
			"event_session", sessionID, "loop_session", st.SessionID)
		return
	}

	messages, err := c.session.Messages(ctx, sessionID)
	if err != nil {
		// Transient: the next idle event retries from the same state.
		c.logger.Warn("transcript fetch failed, will retry on next idle",
			"session", sessionID, "error", err)
		c.publish(events.KindCycleError, map[string]any{
			"session_id": sessionID, "error": err.Error(),
		})
		return
	}

	count := len(messages)

	// Synchronous claim before any further work: of two deliveries
	// racing for the same cycle, exactly one proceeds.
	if !c.guard.Begin(CycleKey(sessionID, count)) {
		c.logger.Debug("duplicate idle event dropped", "session", sessionID, "count", count)
		c.publish(events.KindDuplicateDropped, map[string]any{
			"session_id": sessionID, "message_count": count,
		})
		return
	}

	// Persisted layer of the guard: survives restarts and outlives the
	// in-memory claim window.
	if count <= st.LastProcessedCount {
		c.logger.Debug("message count already processed",
			"count", count, "last_processed", st.LastProcessedCount)
		return
	}

	assistant, ok := lastAssistantTurn(messages)
	if !ok {
		c.logger.Debug("no assistant turn in transcript yet", "session", sessionID)
		return
	}

	// Completion is checked before the budget so a promise emitted on
	// the final allowed iteration still counts as success.
	if st.CompletionPromise != "" {
		if extracted, found := ExtractPromise(assistant.Text()); found && extracted == st.CompletionPromise {
			c.complete(ctx, st)
			return
		}
	}

	if st.MaxIterations > 0 && st.Iteration >= st.MaxIterations {
		c.abort(ctx, st)
		return
	}

	c.continueLoop(ctx, st, count)
}

// complete ends the loop successfully: the assistant echoed the
// configured promise.
func (c *Controller) complete(ctx context.Context, st *State) {
	c.logger.Info("completion promise detected, ending loop",
		"session", st.SessionID, "iteration", st.Iteration, "promise", st.CompletionPromise)

	c.notifier.Notify(ctx, notify.Notification{
		Title: "Ralph Loop Complete",
		Message: fmt.Sprintf("Promise fulfilled: %s (%d iteration%s)",
			st.CompletionPromise, st.Iteration, plural(st.Iteration)),
		Severity: notify.SeveritySuccess,
		Duration: terminalToastDuration,
	})

	if err := c.store.Delete(); err != nil {
		c.logger.Warn("state delete failed", "error", err)
	}
	c.record(ctx, st, OutcomeCompleted, st.CompletionPromise)
	c.publish(events.KindCompleted, map[string]any{
		"session_id": st.SessionID, "iteration": st.Iteration, "promise": st.CompletionPromise,
	})
}

// abort ends the loop after the iteration budget ran out without a
// completion signal.
func (c *Controller) abort(ctx context.Context, st *State) {
	c.logger.Info("max iterations reached, ending loop",
		"session", st.SessionID, "iteration", st.Iteration, "max", st.MaxIterations)

	c.notifier.Notify(ctx, notify.Notification{
		Title:    "Ralph Loop Complete",
		Message:  fmt.Sprintf("Max iterations (%d) reached without completion", st.MaxIterations),
		Severity: notify.SeverityWarning,
		Duration: terminalToastDuration,
	})

	if err := c.store.Delete(); err != nil {
		c.logger.Warn("state delete failed", "error", err)
	}
	c.record(ctx, st, OutcomeAborted, fmt.Sprintf("max iterations %d", st.MaxIterations))
	c.publish(events.KindAborted, map[string]any{
		"session_id": st.SessionID, "iteration": st.Iteration, "max_iterations": st.MaxIterations,
	})
}

// continueLoop advances the loop one iteration and re-prompts.
func (c *Controller) continueLoop(ctx context.Context, st *State, count int) {
	st.Iteration++
	st.LastProcessedCount = count

	// State is persisted before the prompt goes out so a redelivered
	// idle event can never double-prompt. A crash between save and
	// submit leaves the record advanced with no prompt sent; the loop
	// then stalls until noticed via status.
	if err := c.store.Save(st); err != nil {
		c.logger.Warn("state save failed, continuing with prompt", "error", err)
	}

	budget := ""
	if st.MaxIterations > 0 {
		budget = fmt.Sprintf(" of %d", st.MaxIterations)
	}
	c.notifier.Notify(ctx, notify.Notification{
		Title:    "Ralph Loop",
		Message:  fmt.Sprintf("Starting iteration %d%s", st.Iteration, budget),
		Severity: notify.SeverityInfo,
		Duration: progressToastDuration,
	})

	if err := c.session.Prompt(ctx, st.SessionID, st.Prompt+iterationSuffix(st)); err != nil {
		// State already advanced: this cycle is spent. Surface the
		// failure loudly; the loop stalls until the user reacts.
		c.logger.Error("prompt submission failed", "session", st.SessionID, "error", err)
		c.notifier.Notify(ctx, notify.Notification{
			Title:    "Ralph Loop Error",
			Message:  fmt.Sprintf("Prompt submission failed: %v", err),
			Severity: notify.SeverityError,
			Duration: terminalToastDuration,
		})
		c.record(ctx, st, OutcomeError, err.Error())
		c.publish(events.KindCycleError, map[string]any{
			"session_id": st.SessionID, "error": err.Error(),
		})
		return
	}

	c.logger.Info("re-prompt submitted",
		"session", st.SessionID, "iteration", st.Iteration, "message_count", count)
	c.record(ctx, st, OutcomeContinued, fmt.Sprintf("message count %d", count))
	c.publish(events.KindIteration, map[string]any{
		"session_id":     st.SessionID,
		"iteration":      st.Iteration,
		"max_iterations": st.MaxIterations,
		"message_count":  count,
	})
}

// iterationSuffix builds the marker appended to every re-prompt. When a
// promise is configured it reminds the agent how to signal completion.
func iterationSuffix(st *State) string {
	if st.CompletionPromise != "" {
		return fmt.Sprintf(
			"\n\n---\n[Iteration %d] Output <promise>%s</promise> when complete (ONLY when true!)",
			st.Iteration, st.CompletionPromise)
	}
	return fmt.Sprintf("\n\n---\n[Iteration %d]", st.Iteration)
}

// lastAssistantTurn scans the transcript from the end for the most
// recent assistant message.
func lastAssistantTurn(messages []opencode.Message) (opencode.Message, bool) {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Info.Role == opencode.RoleAssistant {
			return messages[i], true
		}
	}
	return opencode.Message{}, false
}

func (c *Controller) record(ctx context.Context, st *State, outcome, detail string) {
	if c.recorder == nil {
		return
	}
	if err := c.recorder.Record(ctx, st.SessionID, st.Iteration, outcome, detail); err != nil {
		c.logger.Warn("history record failed", "outcome", outcome, "error", err)
	}
}

func (c *Controller) publish(kind string, data map[string]any) {
	c.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceLoop,
		Kind:      kind,
		Data:      data,
	})
}

func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}
