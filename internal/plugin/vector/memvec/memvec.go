// Package memvec is an in-process vector store used in tests and for
// single-node development without Redis search support.
package memvec

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/agentmem/memory-service/internal/model"
	registryvector "github.com/agentmem/memory-service/internal/registry/vector"
)

func init() {
	registryvector.Register(registryvector.Plugin{
		Name: "memory",
		Loader: func(_ context.Context) (registryvector.VectorStore, error) {
			return New(), nil
		},
	})
}

type Store struct {
	mu      sync.RWMutex
	records map[string]model.MemoryRecord
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{records: map[string]model.MemoryRecord{}}
}

func (s *Store) Name() string { return "memory" }

func (s *Store) EnsureSchema(_ context.Context) error { return nil }

func (s *Store) Put(_ context.Context, recs []model.MemoryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range recs {
		if r.ID == "" {
			return &registryvector.ValidationError{Field: "id", Message: "must not be empty"}
		}
		r.Vector = append([]float32(nil), r.Vector...)
		s.records[r.ID] = r
	}
	return nil
}

func (s *Store) Get(_ context.Context, ids []string) ([]model.MemoryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.MemoryRecord, 0, len(ids))
	for _, id := range ids {
		if r, ok := s.records[id]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *Store) Delete(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.records, id)
	}
	return nil
}

func (s *Store) UpdateFields(_ context.Context, id string, patch registryvector.FieldPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return &registryvector.NotFoundError{Resource: "memory record", ID: id}
	}
	if patch.Vector != nil {
		r.Vector = append([]float32(nil), patch.Vector...)
	}
	if patch.Topics != nil {
		r.Topics = append([]string(nil), patch.Topics...)
	}
	if patch.Entities != nil {
		r.Entities = append([]string(nil), patch.Entities...)
	}
	if patch.LastAccessedAt != nil {
		r.LastAccessedAt = time.UnixMilli(*patch.LastAccessedAt).UTC()
	}
	if patch.AccessCountDelta != 0 {
		r.AccessCount += patch.AccessCountDelta
	}
	if patch.SupersededBy != nil {
		r.SupersededBy = *patch.SupersededBy
	}
	if patch.EnrichmentFailed != nil {
		r.EnrichmentFailed = *patch.EnrichmentFailed
	}
	if patch.EventDate != nil {
		t := time.UnixMilli(*patch.EventDate).UTC()
		r.EventDate = &t
	}
	s.records[id] = r
	return nil
}

func (s *Store) Search(_ context.Context, q registryvector.SearchQuery) ([]registryvector.SearchResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []registryvector.SearchResult
	for _, r := range s.records {
		if r.SupersededBy != "" && !q.IncludeSuperseded {
			continue
		}
		if !q.Filters.Match(&r) {
			continue
		}
		score := 0.0
		if len(q.Vector) > 0 {
			if len(r.Vector) == 0 {
				continue
			}
			score = cosine(q.Vector, r.Vector)
		}
		results = append(results, registryvector.SearchResult{Record: r, Score: score})
	}

	if len(q.Vector) > 0 {
		sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	} else {
		// filter-only scans return newest first
		sort.Slice(results, func(i, j int) bool { return results[i].Record.ID > results[j].Record.ID })
	}

	if q.Offset > 0 {
		if q.Offset >= len(results) {
			return nil, nil
		}
		results = results[q.Offset:]
	}
	if q.Limit > 0 && len(results) > q.Limit {
		results = results[:q.Limit]
	}
	return results, nil
}

func (s *Store) Count(_ context.Context, f *model.Filters) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, r := range s.records {
		if f.Match(&r) {
			n++
		}
	}
	return n, nil
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	sim := dot / (math.Sqrt(na) * math.Sqrt(nb))
	// clamp into [0,1]; hashed test vectors can go slightly negative
	return math.Max(0, math.Min(1, sim))
}

var _ registryvector.VectorStore = (*Store)(nil)
