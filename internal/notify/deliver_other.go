//go:build !darwin

package notify

import (
	"context"
	"os/exec"
)

func platformCommand(ctx context.Context, req Request) *exec.Cmd {
	return exec.CommandContext(ctx, "notify-send", notifySendArgs(req)...)
}
