package chat

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

// LogNotifier writes notifications to the log instead of a chat platform.
// Used for local runs without chat credentials.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n *LogNotifier) Notify(ctx context.Context, recipient, message string) error {
	n.Logger.InfoContext(ctx, "notify", "recipient", recipient, "message", message)
	return nil
}

func (n *LogNotifier) CreateWorkspace(ctx context.Context, name string, members []string) (string, error) {
	ref := "local-" + uuid.NewString()
	n.Logger.InfoContext(ctx, "workspace created", "workspace_ref", ref, "name", name, "members", members)
	return ref, nil
}

func (n *LogNotifier) AddMembers(ctx context.Context, workspaceRef string, members []string) error {
	n.Logger.InfoContext(ctx, "workspace members added", "workspace_ref", workspaceRef, "members", members)
	return nil
}
