package decompose

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/sony/gobreaker"

	"github.com/aristath/autopilot/internal/backend"
	"github.com/aristath/autopilot/internal/scheduler"
)

// BackendGenerator asks a backend for subtask outlines as a JSON array.
type BackendGenerator struct {
	backend backend.Backend
	breaker *gobreaker.CircuitBreaker
	retry   backend.RetryConfig
}

// NewBackendGenerator wraps b with retry and the given circuit breaker.
func NewBackendGenerator(b backend.Backend, breaker *gobreaker.CircuitBreaker, retry backend.RetryConfig) *BackendGenerator {
	return &BackendGenerator{backend: b, breaker: breaker, retry: retry}
}

// Generate implements Generator. An unreachable backend maps to ErrGeneratorUnavailable,
// an unparseable answer to ErrMalformedResponse.
func (g *BackendGenerator) Generate(ctx context.Context, parent *scheduler.Task, count int) ([]Suggestion, error) {
	resp, err := backend.SendWithRetry(ctx, g.backend, backend.Message{
		Role:    "user",
		Content: subtaskPrompt(parent, count),
	}, g.breaker, g.retry)
	if err != nil {
		if errors.Is(err, backend.ErrUnavailable) {
			return nil, fmt.Errorf("%w: %v", ErrGeneratorUnavailable, err)
		}
		return nil, err
	}
	return parseSuggestions(resp.Content, count)
}

func subtaskPrompt(parent *scheduler.Task, count int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Split the following task into exactly %d sequential subtasks.\n\n", count)
	fmt.Fprintf(&b, "Task: %s\n", parent.Name)
	if parent.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", parent.Description)
	}
	fmt.Fprintf(&b, "Estimated effort: %.1f hours\n", parent.EstimatedEffort)
	if len(parent.TestCriteria) > 0 {
		b.WriteString("Acceptance criteria:\n")
		for _, c := range parent.TestCriteria {
			fmt.Fprintf(&b, "- %s\n", c)
		}
	}
	b.WriteString("\nRespond with only a JSON array of objects with the keys ")
	b.WriteString(`"name", "description" and "estimatedEffort".`)
	return b.String()
}

// parseSuggestions extracts the first JSON array from text. Models often wrap the
// array in prose or a code fence.
func parseSuggestions(text string, count int) ([]Suggestion, error) {
	start := strings.Index(text, "[")
	end := strings.LastIndex(text, "]")
	if start < 0 || end < start {
		return nil, fmt.Errorf("%w: no JSON array in response", ErrMalformedResponse)
	}

	var out []Suggestion
	if err := json.Unmarshal([]byte(text[start:end+1]), &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if len(out) != count {
		return nil, fmt.Errorf("%w: got %d subtasks, want %d", ErrMalformedResponse, len(out), count)
	}
	for i, s := range out {
		if strings.TrimSpace(s.Name) == "" {
			return nil, fmt.Errorf("%w: subtask %d has no name", ErrMalformedResponse, i)
		}
	}
	return out, nil
}
