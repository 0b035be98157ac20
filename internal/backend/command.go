package backend

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// CommandAdapter runs an arbitrary executable per message and returns its stdout.
// The prompt replaces every PromptPlaceholder in Args, or is appended when none is present.
type CommandAdapter struct {
	command   string
	args      []string
	workDir   string
	sessionID string
	procMgr   *ProcessManager
}

// NewCommandAdapter creates a CommandAdapter. cfg.Command is required.
func NewCommandAdapter(cfg Config, procMgr *ProcessManager) (*CommandAdapter, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("command backend requires a command")
	}

	workDir, err := resolveWorkDir(cfg.WorkDir)
	if err != nil {
		return nil, err
	}

	sessionID := cfg.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	return &CommandAdapter{
		command:   cfg.Command,
		args:      append([]string(nil), cfg.Args...),
		workDir:   workDir,
		sessionID: sessionID,
		procMgr:   procMgr,
	}, nil
}

// Send runs the command with the message content as its prompt.
func (a *CommandAdapter) Send(ctx context.Context, msg Message) (Response, error) {
	cmd := newCommand(ctx, a.command, a.buildArgs(msg)...)
	cmd.Dir = a.workDir

	stdout, _, err := executeCommand(ctx, cmd, a.procMgr)
	if err != nil {
		return Response{Error: fmt.Sprintf("%s failed: %v", a.command, err)}, err
	}

	return Response{
		Content:   strings.TrimSpace(string(stdout)),
		SessionID: a.sessionID,
	}, nil
}

// Close is a no-op.
func (a *CommandAdapter) Close() error {
	return nil
}

// SessionID returns the adapter's session identifier.
func (a *CommandAdapter) SessionID() string {
	return a.sessionID
}

func (a *CommandAdapter) buildArgs(msg Message) []string {
	args := make([]string, 0, len(a.args)+1)
	substituted := false
	for _, arg := range a.args {
		if strings.Contains(arg, PromptPlaceholder) {
			arg = strings.ReplaceAll(arg, PromptPlaceholder, msg.Content)
			substituted = true
		}
		args = append(args, arg)
	}
	if !substituted {
		args = append(args, msg.Content)
	}
	return args
}
