package config

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestQdrantAddress(t *testing.T) {
	cfg := DefaultConfig()
	require.Equal(t, "localhost:6334", cfg.QdrantAddress())

	cfg.QdrantHost = "qdrant.internal"
	cfg.QdrantPort = 7000
	require.Equal(t, "qdrant.internal:7000", cfg.QdrantAddress())

	// host:port wins over the separate port field
	cfg.QdrantHost = "qdrant.internal:6334"
	require.Equal(t, "qdrant.internal:6334", cfg.QdrantAddress())

	cfg.QdrantHost = "  "
	cfg.QdrantPort = 0
	require.Equal(t, "localhost:6334", cfg.QdrantAddress())
}

func TestTaxonomyList(t *testing.T) {
	cfg := Config{TopicTaxonomy: " Travel, food ,,PETS "}
	require.Equal(t, []string{"travel", "food", "pets"}, cfg.TaxonomyList())

	cfg.TopicTaxonomy = "   "
	require.Nil(t, cfg.TaxonomyList())
}

func TestContextCarry(t *testing.T) {
	require.Nil(t, FromContext(context.Background()))

	cfg := DefaultConfig()
	ctx := WithContext(context.Background(), &cfg)
	require.Same(t, &cfg, FromContext(ctx))
}
