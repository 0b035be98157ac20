package backend

import (
	"context"
	"fmt"
)

// Backend is the text-generation collaborator that executes task prompts.
type Backend interface {
	// Send sends a message to the backend and returns the response.
	Send(ctx context.Context, msg Message) (Response, error)

	// Close terminates the backend gracefully.
	Close() error

	// SessionID returns the current session identifier.
	SessionID() string
}

// New creates a backend for cfg.Type.
func New(cfg Config, pm *ProcessManager) (Backend, error) {
	switch cfg.Type {
	case TypeClaude:
		return NewClaudeAdapter(cfg, pm)
	case TypeCommand:
		return NewCommandAdapter(cfg, pm)
	default:
		return nil, fmt.Errorf("unknown backend type: %s", cfg.Type)
	}
}
