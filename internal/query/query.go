// Package query implements hybrid search over long-term memory: query
// embedding (cached), optional LLM query rewriting, filtered vector
// search, re-ranking, asynchronous access tracking, and memory-prompt
// composition.
package query

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dgraph-io/ristretto/v2"

	"github.com/agentmem/memory-service/internal/config"
	"github.com/agentmem/memory-service/internal/longterm"
	"github.com/agentmem/memory-service/internal/model"
	"github.com/agentmem/memory-service/internal/pipeline"
	"github.com/agentmem/memory-service/internal/registry/embed"
	"github.com/agentmem/memory-service/internal/registry/llm"
	registryvector "github.com/agentmem/memory-service/internal/registry/vector"
	"github.com/agentmem/memory-service/internal/security"
	"github.com/agentmem/memory-service/internal/tasks"
)

// maxCandidates caps how many records the vector stage may return before
// re-ranking, whatever limit the caller asked for.
const maxCandidates = 200

// halfLife is the recency decay half-life used by the re-ranker.
const halfLife = 30 * 24 * time.Hour

// SearchRequest is a hybrid search call.
type SearchRequest struct {
	Text          string         `json:"text,omitempty"`
	Filters       *model.Filters `json:"filters,omitempty"`
	Limit         int            `json:"limit,omitempty"`
	Offset        int            `json:"offset,omitempty"`
	OptimizeQuery bool           `json:"optimizeQuery,omitempty"`
}

// SearchResult is one scored record.
type SearchResult struct {
	Record model.MemoryRecord `json:"memory"`
	Score  float64            `json:"score"`
}

// SearchResponse is a page of results.
type SearchResponse struct {
	Results []SearchResult `json:"memories"`
	Total   int            `json:"total"`
}

// Service runs searches. Reads are side-effect free except for the
// asynchronous access-tracking task it enqueues.
type Service struct {
	longterm   *longterm.Service
	embedder   embed.Embedder
	chat       llm.ChatClient
	queue      *tasks.Queue
	cfg        *config.Config
	embedCache *ristretto.Cache[string, []float32]
}

func NewService(lt *longterm.Service, embedder embed.Embedder, chat llm.ChatClient, queue *tasks.Queue, cfg *config.Config) (*Service, error) {
	cache, err := ristretto.NewCache(&ristretto.Config[string, []float32]{
		NumCounters: 10_000,
		MaxCost:     32 << 20,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("query: embed cache: %w", err)
	}
	return &Service{
		longterm:   lt,
		embedder:   embedder,
		chat:       chat,
		queue:      queue,
		cfg:        cfg,
		embedCache: cache,
	}, nil
}

// Search runs the full hybrid search pipeline.
func (s *Service) Search(ctx context.Context, req SearchRequest) (*SearchResponse, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = 10
	}
	if limit > maxCandidates {
		limit = maxCandidates
	}
	if req.Offset < 0 {
		return nil, &registryvector.ValidationError{Field: "offset", Message: "must not be negative"}
	}

	var vec []float32
	if req.Text != "" {
		text := req.Text
		if req.OptimizeQuery {
			text = s.optimizeQuery(ctx, text)
		}
		var err error
		vec, err = s.embedQuery(ctx, text)
		if err != nil && !errors.Is(err, embed.ErrDisabled) {
			return nil, err
		}
	}

	fetch := req.Offset + limit
	if fetch > maxCandidates {
		fetch = maxCandidates
	}
	results, err := s.longterm.Store().Search(ctx, registryvector.SearchQuery{
		Vector:  vec,
		Filters: req.Filters,
		Limit:   fetch,
	})
	if err != nil {
		return nil, err
	}

	ranked := s.rerank(results)
	if req.Offset >= len(ranked) {
		return &SearchResponse{Total: len(ranked)}, nil
	}
	page := ranked[req.Offset:]
	if len(page) > limit {
		page = page[:limit]
	}

	s.touchAsync(ctx, page)
	return &SearchResponse{Results: page, Total: len(ranked)}, nil
}

// rerank orders results by combined score:
// alpha*similarity + beta*recency + gamma*log1p(access_count).
func (s *Service) rerank(results []registryvector.SearchResult) []SearchResult {
	now := time.Now()
	out := make([]SearchResult, len(results))
	for i, r := range results {
		score := s.cfg.RerankAlpha * r.Score
		if s.cfg.RerankBeta != 0 && !r.Record.LastAccessedAt.IsZero() {
			age := now.Sub(r.Record.LastAccessedAt)
			score += s.cfg.RerankBeta * math.Exp2(-float64(age)/float64(halfLife))
		}
		if s.cfg.RerankGamma != 0 {
			score += s.cfg.RerankGamma * math.Log1p(float64(r.Record.AccessCount))
		}
		out[i] = SearchResult{Record: r.Record, Score: score}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Record.ID > out[j].Record.ID
	})
	return out
}

// touchAsync enqueues access tracking for returned records. Search never
// waits on the write.
func (s *Service) touchAsync(ctx context.Context, page []SearchResult) {
	if len(page) == 0 {
		return
	}
	ids := make([]string, len(page))
	for i, r := range page {
		ids[i] = r.Record.ID
	}
	_, err := s.queue.Enqueue(ctx, pipeline.TaskTouchRecords, pipeline.TouchArgs{
		IDs:  ids,
		Salt: model.NewID(),
	}, time.Now())
	if err != nil {
		log.Warn("Query: touch enqueue failed", "err", err)
	}
}

func (s *Service) embedQuery(ctx context.Context, text string) ([]float32, error) {
	if vec, ok := s.embedCache.Get(text); ok {
		if security.EmbedCacheHitsTotal != nil {
			security.EmbedCacheHitsTotal.Inc()
		}
		return vec, nil
	}
	if security.EmbedCacheMissesTotal != nil {
		security.EmbedCacheMissesTotal.Inc()
	}
	vec, err := embed.EmbedText(ctx, s.embedder, text)
	if err != nil {
		return nil, err
	}
	s.embedCache.Set(text, vec, int64(4*len(vec)))
	return vec, nil
}

// optimizeQuery asks the fast model to rewrite a conversational query into
// a keyword-dense search query. Failures fall back to the original text.
func (s *Service) optimizeQuery(ctx context.Context, text string) string {
	out, err := s.chat.Generate(ctx, llm.Request{
		Model: s.cfg.GenerationModelFast,
		Messages: []llm.Message{{
			Role: "user",
			Content: "Rewrite this conversational query as a short keyword-dense " +
				"search query. Reply with the rewritten query only.\n\nQuery: " + text,
		}},
		MaxTokens: 100,
	})
	if err != nil || out == "" {
		if err != nil && !errors.Is(err, llm.ErrDisabled) {
			log.Warn("Query: optimize failed", "err", err)
		}
		return text
	}
	return out
}
