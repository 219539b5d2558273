package vector

import (
	"context"
	"fmt"

	"github.com/agentmem/memory-service/internal/model"
)

// SearchQuery is a single search against the store. When Vector is empty
// the search is filter-only and results carry a zero Score.
type SearchQuery struct {
	Vector  []float32
	Filters *model.Filters
	Limit   int
	Offset  int

	// IncludeSuperseded also returns records whose SupersededBy is set.
	// Search excludes them by default.
	IncludeSuperseded bool
}

// SearchResult pairs a record with its cosine similarity to the query
// vector, in [0, 1].
type SearchResult struct {
	Record model.MemoryRecord
	Score  float64
}

// FieldPatch updates the enrichment-owned fields of a record. Nil fields
// are left untouched. Identity fields (text, type, hash, created_at) have
// no patch representation on purpose.
type FieldPatch struct {
	Vector           []float32
	Topics           []string
	Entities         []string
	LastAccessedAt   *int64 // unix milliseconds
	AccessCountDelta int64
	SupersededBy     *string
	EnrichmentFailed *bool
	EventDate        *int64 // unix milliseconds
}

// VectorStore is the storage contract for long-term memory records. All
// implementations must be safe for concurrent use.
type VectorStore interface {
	// EnsureSchema creates the index/collection/table if missing. Idempotent.
	EnsureSchema(ctx context.Context) error
	// Put writes a full record, replacing any existing record with the same id.
	Put(ctx context.Context, recs []model.MemoryRecord) error
	// Get returns records by id, skipping ids that do not exist.
	Get(ctx context.Context, ids []string) ([]model.MemoryRecord, error)
	// Delete removes records by id. Missing ids are not an error.
	Delete(ctx context.Context, ids []string) error
	// UpdateFields applies an enrichment patch to one record.
	UpdateFields(ctx context.Context, id string, patch FieldPatch) error
	// Search runs a vector or filter-only query.
	Search(ctx context.Context, q SearchQuery) ([]SearchResult, error)
	// Count returns the number of records matching the filters.
	Count(ctx context.Context, f *model.Filters) (int64, error)
	// Name returns the plugin name (e.g. "redis", "qdrant").
	Name() string
}

// Loader creates a VectorStore from config carried on ctx.
type Loader func(ctx context.Context) (VectorStore, error)

// Plugin represents a vector store plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a vector store plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered vector store plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named vector store plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown vector store %q; valid: %v", name, Names())
}
