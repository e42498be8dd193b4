package notify

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

// LogDeliverer writes notifications to the log instead of the desktop.
type LogDeliverer struct {
	Logger *slog.Logger
}

func (d LogDeliverer) Deliver(_ context.Context, req Request) error {
	logger := d.Logger
	if logger == nil {
		logger = slog.With("component", "notify")
	}
	logger.Info("notification", "id", req.ID, "title", req.Title, "body", req.Body, "user", req.UserID)
	return nil
}

// CommandDeliverer shows notifications by running the platform notifier
// (osascript on macOS, notify-send elsewhere).
type CommandDeliverer struct {
	// Command builds the process to run. Nil uses the platform default.
	Command func(ctx context.Context, req Request) *exec.Cmd
}

// NewCommandDeliverer returns a deliverer using the platform notifier.
func NewCommandDeliverer() *CommandDeliverer {
	return &CommandDeliverer{Command: platformCommand}
}

func (d *CommandDeliverer) Deliver(ctx context.Context, req Request) error {
	build := d.Command
	if build == nil {
		build = platformCommand
	}
	cmd := build(ctx, req)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%s: %w: %s", cmd.Path, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func osascriptArgs(req Request) []string {
	script := fmt.Sprintf("display notification %s with title %s", appleScriptString(req.Body), appleScriptString(req.Title))
	return []string{"-e", script}
}

func notifySendArgs(req Request) []string {
	return []string{"--app-name=alarmd", "--", req.Title, req.Body}
}

func appleScriptString(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return `"` + s + `"`
}
