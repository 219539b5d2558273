package disabled

import (
	"context"

	registryllm "github.com/agentmem/memory-service/internal/registry/llm"
)

func init() {
	registryllm.Register(registryllm.Plugin{
		Name: "disabled",
		Loader: func(_ context.Context) (registryllm.ChatClient, error) {
			return &Client{}, nil
		},
	})
}

// Client is the no-op chat client. Every call returns llm.ErrDisabled,
// which the pipeline interprets as "skip this stage".
type Client struct{}

func (c *Client) Name() string { return "disabled" }

func (c *Client) Generate(_ context.Context, _ registryllm.Request) (string, error) {
	return "", registryllm.ErrDisabled
}

func (c *Client) Classify(_ context.Context, _ string, _ []string, _ int) ([]string, error) {
	return nil, registryllm.ErrDisabled
}

var _ registryllm.ChatClient = (*Client)(nil)
