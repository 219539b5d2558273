package disabled

import (
	"context"

	registryembed "github.com/agentmem/memory-service/internal/registry/embed"
)

func init() {
	registryembed.Register(registryembed.Plugin{
		Name: "disabled",
		Loader: func(_ context.Context) (registryembed.Embedder, error) {
			return &DisabledEmbedder{}, nil
		},
	})
}

// DisabledEmbedder is the embedder used when semantic search is turned
// off. Records stay filter-searchable only.
type DisabledEmbedder struct{}

func (e *DisabledEmbedder) ModelName() string { return "disabled" }
func (e *DisabledEmbedder) Dimension() int    { return 0 }

func (e *DisabledEmbedder) EmbedTexts(_ context.Context, _ []string) ([][]float32, error) {
	return nil, registryembed.ErrDisabled
}

var _ registryembed.Embedder = (*DisabledEmbedder)(nil)
