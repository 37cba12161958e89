// Package notify delivers loop lifecycle notifications to passive
// observers. The primary surface is the opencode TUI toast; an MQTT
// mirror can be enabled for off-terminal monitoring. Delivery is
// best-effort everywhere: a notification that fails to send is logged
// and forgotten, never allowed to disturb the loop itself.
package notify

import (
	"context"
	"time"
)

// Severity grades a notification for display purposes.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeveritySuccess Severity = "success"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Notification is one user-facing message.
type Notification struct {
	Title    string
	Message  string
	Severity Severity
	Duration time.Duration // how long the toast stays visible
}

// Notifier delivers notifications. Implementations swallow their own
// failures, so Notify has no error to return.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// Fanout broadcasts each notification to every wrapped notifier.
type Fanout []Notifier

// Notify implements Notifier.
func (f Fanout) Notify(ctx context.Context, n Notification) {
	for _, sink := range f {
		sink.Notify(ctx, n)
	}
}

// Discard is a Notifier that drops everything. Useful in tests and for
// headless control-surface invocations.
type Discard struct{}

// Notify implements Notifier.
func (Discard) Notify(context.Context, Notification) {}
