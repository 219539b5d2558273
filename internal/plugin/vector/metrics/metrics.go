// Package metrics decorates a vector store with operation latency metrics.
package metrics

import (
	"context"
	"time"

	"github.com/agentmem/memory-service/internal/model"
	registryvector "github.com/agentmem/memory-service/internal/registry/vector"
	"github.com/agentmem/memory-service/internal/security"
)

// Wrap returns a VectorStore that records StoreLatency for every operation.
func Wrap(inner registryvector.VectorStore) registryvector.VectorStore {
	return &metricsStore{inner: inner}
}

type metricsStore struct {
	inner registryvector.VectorStore
}

func observe(op string, start time.Time) {
	if security.StoreLatency != nil {
		security.StoreLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}

func (m *metricsStore) EnsureSchema(ctx context.Context) error {
	defer observe("ensure_schema", time.Now())
	return m.inner.EnsureSchema(ctx)
}

func (m *metricsStore) Put(ctx context.Context, recs []model.MemoryRecord) error {
	defer observe("put", time.Now())
	return m.inner.Put(ctx, recs)
}

func (m *metricsStore) Get(ctx context.Context, ids []string) ([]model.MemoryRecord, error) {
	defer observe("get", time.Now())
	return m.inner.Get(ctx, ids)
}

func (m *metricsStore) Delete(ctx context.Context, ids []string) error {
	defer observe("delete", time.Now())
	return m.inner.Delete(ctx, ids)
}

func (m *metricsStore) UpdateFields(ctx context.Context, id string, patch registryvector.FieldPatch) error {
	defer observe("update_fields", time.Now())
	return m.inner.UpdateFields(ctx, id, patch)
}

func (m *metricsStore) Search(ctx context.Context, q registryvector.SearchQuery) ([]registryvector.SearchResult, error) {
	defer observe("search", time.Now())
	return m.inner.Search(ctx, q)
}

func (m *metricsStore) Count(ctx context.Context, f *model.Filters) (int64, error) {
	defer observe("count", time.Now())
	return m.inner.Count(ctx, f)
}

func (m *metricsStore) Name() string { return m.inner.Name() }

var _ registryvector.VectorStore = (*metricsStore)(nil)
