package notify

import (
	"context"
	"log/slog"

	"github.com/DrBushyTop/humanlayer-opencode/internal/opencode"
)

// ToastClient is the slice of the opencode client the toast notifier
// needs. Defined here so tests can substitute a recorder.
type ToastClient interface {
	ShowToast(ctx context.Context, toast opencode.Toast) error
}

// ToastNotifier shows notifications as transient toasts in the
// opencode TUI.
type ToastNotifier struct {
	client ToastClient
	logger *slog.Logger
}

// NewToastNotifier creates a toast notifier backed by the given client.
func NewToastNotifier(client ToastClient, logger *slog.Logger) *ToastNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &ToastNotifier{client: client, logger: logger}
}

// Notify implements Notifier. Failures are logged at debug level; a
// missing TUI is normal when opencode runs headless.
func (t *ToastNotifier) Notify(ctx context.Context, n Notification) {
	toast := opencode.Toast{
		Title:    n.Title,
		Message:  n.Message,
		Variant:  string(n.Severity),
		Duration: int(n.Duration.Milliseconds()),
	}
	if err := t.client.ShowToast(ctx, toast); err != nil {
		t.logger.Debug("toast delivery failed", "title", n.Title, "error", err)
	}
}
