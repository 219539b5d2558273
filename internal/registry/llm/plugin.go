package llm

import (
	"context"
	"fmt"
)

// Message is a single chat message sent to the model.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is one chat completion call.
type Request struct {
	// Model overrides the client's default model when non-empty.
	Model    string
	Messages []Message
	// MaxTokens caps the completion length. Zero leaves it to the provider.
	MaxTokens int
	// JSONMode asks the provider to return a single JSON object.
	JSONMode bool
}

// ChatClient is the contract for generation providers. Implementations
// must be safe for concurrent use.
type ChatClient interface {
	// Generate runs a chat completion and returns the assistant text.
	Generate(ctx context.Context, req Request) (string, error)
	// Classify picks zero or more labels from a closed set for the given
	// text. Implementations may be LLM-backed or heuristic.
	Classify(ctx context.Context, text string, labels []string, topK int) ([]string, error)
	// Name returns the plugin name (e.g. "openai", "disabled").
	Name() string
}

// ErrDisabled is returned by the disabled client for every call. Pipeline
// stages treat it as "skip this stage", not as a task failure.
var ErrDisabled = fmt.Errorf("llm provider disabled")

// Loader creates a ChatClient from config.
type Loader func(ctx context.Context) (ChatClient, error)

// Plugin represents an LLM provider plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds an LLM provider plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered LLM plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named LLM plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown llm provider %q; valid: %v", name, Names())
}
