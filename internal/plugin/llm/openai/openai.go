package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"

	"github.com/agentmem/memory-service/internal/config"
	registryllm "github.com/agentmem/memory-service/internal/registry/llm"
)

func init() {
	registryllm.Register(registryllm.Plugin{
		Name:   "openai",
		Loader: load,
	})
}

func load(ctx context.Context) (registryllm.ChatClient, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.OpenAIAPIKey == "" {
		return nil, fmt.Errorf("openai llm: MEMORY_SERVER_OPENAI_API_KEY is required")
	}
	return &Client{
		apiKey:       cfg.OpenAIAPIKey,
		baseURL:      strings.TrimRight(cfg.OpenAIBaseURL, "/"),
		defaultModel: cfg.GenerationModelSlow,
		fastModel:    cfg.GenerationModelFast,
	}, nil
}

// Client is an OpenAI-compatible chat completion client. It works with any
// endpoint that speaks the /chat/completions wire format.
type Client struct {
	apiKey       string
	baseURL      string
	defaultModel string
	fastModel    string
}

func (c *Client) Name() string { return "openai" }

type chatRequest struct {
	Model          string                `json:"model"`
	Messages       []registryllm.Message `json:"messages"`
	MaxTokens      *int                  `json:"max_tokens,omitempty"`
	ResponseFormat *responseFormat       `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) Generate(ctx context.Context, req registryllm.Request) (string, error) {
	model := req.Model
	if model == "" {
		model = c.defaultModel
	}
	cr := chatRequest{Model: model, Messages: req.Messages}
	if req.MaxTokens > 0 {
		cr.MaxTokens = &req.MaxTokens
	}
	if req.JSONMode {
		cr.ResponseFormat = &responseFormat{Type: "json_object"}
	}

	reqBody, err := json.Marshal(cr)
	if err != nil {
		return "", err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(reqBody))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("openai chat request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("openai chat: read response: %w", err)
	}
	var result chatResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("openai chat: parse response: %w", err)
	}
	if result.Error != nil {
		return "", fmt.Errorf("openai chat error: %s", result.Error.Message)
	}
	if len(result.Choices) == 0 {
		return "", fmt.Errorf("openai chat: empty response")
	}
	return result.Choices[0].Message.Content, nil
}

// Classify asks the fast model to pick up to topK labels from the given
// closed set. Labels outside the set are dropped.
func (c *Client) Classify(ctx context.Context, text string, labels []string, topK int) ([]string, error) {
	prompt := fmt.Sprintf(
		"Pick at most %d labels from this list that apply to the text. "+
			"Respond with a JSON object {\"labels\": [...]} using only labels from the list.\n\nLabels: %s\n\nText: %s",
		topK, strings.Join(labels, ", "), text)

	out, err := c.Generate(ctx, registryllm.Request{
		Model:    c.fastModel,
		Messages: []registryllm.Message{{Role: "user", Content: prompt}},
		JSONMode: true,
	})
	if err != nil {
		return nil, err
	}
	var parsed struct {
		Labels []string `json:"labels"`
	}
	if err := json.Unmarshal([]byte(out), &parsed); err != nil {
		return nil, fmt.Errorf("openai classify: parse response: %w", err)
	}
	var picked []string
	for _, l := range parsed.Labels {
		l = strings.ToLower(strings.TrimSpace(l))
		if slices.Contains(labels, l) && !slices.Contains(picked, l) {
			picked = append(picked, l)
		}
		if len(picked) == topK {
			break
		}
	}
	return picked, nil
}

var _ registryllm.ChatClient = (*Client)(nil)
