// Package local provides an offline embedder that hashes tokens into a
// fixed-size bag-of-words vector. It has no semantic power, but it is
// deterministic and dependency-free, which is what development setups and
// tests need when no embedding provider is running.
package local

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"

	registryembed "github.com/agentmem/memory-service/internal/registry/embed"
)

const (
	modelName = "all-minilm-l6-v2"
	dimension = 384
)

func init() {
	registryembed.Register(registryembed.Plugin{
		Name: "local",
		Loader: func(_ context.Context) (registryembed.Embedder, error) {
			return &LocalEmbedder{}, nil
		},
	})
}

type LocalEmbedder struct{}

func (e *LocalEmbedder) ModelName() string {
	return modelName
}

func (e *LocalEmbedder) Dimension() int {
	return dimension
}

func (e *LocalEmbedder) EmbedTexts(_ context.Context, texts []string) ([][]float32, error) {
	results := make([][]float32, len(texts))
	for i, text := range texts {
		results[i] = hashEmbed(text)
	}
	return results, nil
}

// hashEmbed buckets each token by FNV hash and L2-normalizes the counts,
// so texts sharing tokens get vectors with proportional cosine overlap.
func hashEmbed(text string) []float32 {
	vec := make([]float32, dimension)
	for _, tok := range tokens(text) {
		h := fnv.New64a()
		_, _ = h.Write([]byte(tok))
		vec[h.Sum64()%dimension]++
	}
	return normalize(vec)
}

func normalize(vec []float32) []float32 {
	var sum float32
	for _, v := range vec {
		sum += v * v
	}
	if sum == 0 {
		return vec
	}
	inv := 1 / float32(math.Sqrt(float64(sum)))
	for i := range vec {
		vec[i] *= inv
	}
	return vec
}

func tokens(text string) []string {
	text = strings.TrimSpace(strings.ToLower(text))
	if text == "" {
		return nil
	}
	return strings.FieldsFunc(text, func(r rune) bool {
		return !(unicode.IsLetter(r) || unicode.IsNumber(r))
	})
}

var _ registryembed.Embedder = (*LocalEmbedder)(nil)
