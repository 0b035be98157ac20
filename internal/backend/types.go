package backend

// Backend types understood by New.
const (
	TypeClaude  = "claude"
	TypeCommand = "command"
)

// PromptPlaceholder in Config.Args is replaced by the message content.
const PromptPlaceholder = "{prompt}"

// Message represents a message sent to the backend.
type Message struct {
	Content string
	Role    string // "user" or "system"
}

// Response represents a response from the backend.
type Response struct {
	Content   string
	SessionID string
	Error     string
}

// Config defines the configuration for a backend.
type Config struct {
	Type         string // "claude" or "command"
	Command      string // Executable; defaults to "claude" for the claude type
	Args         []string
	WorkDir      string
	SessionID    string
	Model        string
	SystemPrompt string
}
