// Package pipeline runs the asynchronous promotion and enrichment stages:
// extraction from working memory, deduplication, embedding, topic tagging,
// entity extraction, persistence, and the periodic compaction, forgetting
// and summarization passes.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/agentmem/memory-service/internal/config"
	"github.com/agentmem/memory-service/internal/longterm"
	"github.com/agentmem/memory-service/internal/model"
	"github.com/agentmem/memory-service/internal/registry/embed"
	"github.com/agentmem/memory-service/internal/registry/llm"
	registrysession "github.com/agentmem/memory-service/internal/registry/session"
	registryvector "github.com/agentmem/memory-service/internal/registry/vector"
	"github.com/agentmem/memory-service/internal/security"
	"github.com/agentmem/memory-service/internal/tasks"
	"github.com/agentmem/memory-service/internal/tokens"
)

// Task names handled by the pipeline.
const (
	TaskPromoteSession   = "promote_session"
	TaskEnrichRecord     = "enrich_record"
	TaskSummarizeSession = "summarize_session"
	TaskTouchRecords     = "touch_records"
	TaskCompactMemories  = "compact_memories"
	TaskForgetMemories   = "forget_memories"
)

// PromoteArgs identify the session to promote.
type PromoteArgs struct {
	Namespace string `json:"namespace,omitempty"`
	UserID    string `json:"userId,omitempty"`
	SessionID string `json:"sessionId"`
}

// EnrichArgs identify a persisted record needing embedding/tagging.
type EnrichArgs struct {
	ID string `json:"id"`
}

// SummarizeArgs identify the session and the epoch the trigger fired for.
type SummarizeArgs struct {
	Namespace string `json:"namespace,omitempty"`
	UserID    string `json:"userId,omitempty"`
	SessionID string `json:"sessionId"`
	Epoch     int64  `json:"epoch"`
}

// TouchArgs carry record ids whose access stats need bumping.
type TouchArgs struct {
	IDs []string `json:"ids"`
	// Salt distinguishes batches so the queue fingerprint does not collapse
	// different reads of the same records.
	Salt string `json:"salt"`
}

// Pipeline wires the enrichment stages together.
type Pipeline struct {
	longterm *longterm.Service
	sessions registrysession.Store
	embedder embed.Embedder
	chat     llm.ChatClient
	queue    *tasks.Queue
	counter  *tokens.Counter
	cfg      *config.Config
}

func New(lt *longterm.Service, sessions registrysession.Store, embedder embed.Embedder, chat llm.ChatClient, queue *tasks.Queue, counter *tokens.Counter, cfg *config.Config) *Pipeline {
	return &Pipeline{
		longterm: lt,
		sessions: sessions,
		embedder: embedder,
		chat:     chat,
		queue:    queue,
		counter:  counter,
		cfg:      cfg,
	}
}

// RegisterHandlers attaches all pipeline task handlers to the runner.
func (p *Pipeline) RegisterHandlers(r *tasks.Runner) {
	r.Handle(TaskPromoteSession, p.handlePromote)
	r.Handle(TaskEnrichRecord, p.handleEnrich)
	r.HandleDead(TaskEnrichRecord, p.handleEnrichDead)
	r.Handle(TaskSummarizeSession, p.handleSummarize)
	r.Handle(TaskTouchRecords, p.handleTouch)
	r.Handle(TaskCompactMemories, p.handleCompact)
	r.Handle(TaskForgetMemories, p.handleForget)

	// an interval of zero disables the periodic pass
	if p.cfg.CompactionEveryMinutes > 0 {
		r.RegisterPeriodic(tasks.Periodic{
			Name:  TaskCompactMemories,
			Every: time.Duration(p.cfg.CompactionEveryMinutes) * time.Minute,
		})
	}
	if p.cfg.ForgettingEnabled && p.cfg.ForgettingEveryMinutes > 0 {
		r.RegisterPeriodic(tasks.Periodic{
			Name:  TaskForgetMemories,
			Every: time.Duration(p.cfg.ForgettingEveryMinutes) * time.Minute,
		})
	}
}

// handlePromote runs the full promotion pass for one session: stage raw
// messages as message-type records, extract strategy memories, dedupe,
// enrich, persist, and advance the watermark.
func (p *Pipeline) handlePromote(ctx context.Context, raw json.RawMessage) error {
	var args PromoteArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return err
	}
	key := model.SessionKey{Namespace: args.Namespace, UserID: args.UserID, SessionID: args.SessionID}

	wm, err := p.sessions.Get(ctx, key)
	if err != nil {
		var nf *registrysession.NotFoundError
		if errors.As(err, &nf) {
			return nil // session expired before promotion ran
		}
		return err
	}
	watermark, err := p.sessions.GetWatermark(ctx, key)
	if err != nil {
		return err
	}

	var pending []model.MemoryMessage
	for _, m := range wm.Messages {
		if m.ID > watermark {
			pending = append(pending, m)
		}
	}
	staged := stagedRecords(wm)
	if len(pending) == 0 && len(staged) == 0 {
		return nil
	}

	var candidates []model.MemoryRecord
	candidates = append(candidates, p.messageRecords(wm, pending)...)
	candidates = append(candidates, staged...)

	extracted, err := p.extract(ctx, wm, pending)
	if err != nil {
		return err
	}
	candidates = append(candidates, extracted...)

	deduped, supersedes, err := p.dedupe(ctx, wm, candidates)
	if err != nil {
		return err
	}
	needEnrich := map[string]bool{}
	for i := range deduped {
		if p.enrich(ctx, &deduped[i]) {
			needEnrich[deduped[i].ID] = true
		}
	}
	created, err := p.longterm.Create(ctx, deduped)
	if err != nil {
		return err
	}
	for _, rec := range created {
		if oldID, ok := supersedes[rec.ID]; ok {
			if err := p.longterm.Supersede(ctx, oldID, rec.ID); err != nil {
				log.Warn("Pipeline: supersede failed", "old", oldID, "new", rec.ID, "err", err)
			}
		}
		// records persisted vectorless after a transient embed failure go
		// through the enrichment task, which retries with backoff
		if needEnrich[rec.ID] {
			if _, err := p.queue.Enqueue(ctx, TaskEnrichRecord, EnrichArgs{ID: rec.ID}, time.Now()); err != nil {
				log.Warn("Pipeline: enrichment retry enqueue failed", "id", rec.ID, "err", err)
			}
		}
	}
	log.Info("Pipeline: promoted session memories",
		"session", args.SessionID, "candidates", len(candidates), "created", len(created))
	if security.PromotedRecordsTotal != nil {
		security.PromotedRecordsTotal.Add(float64(len(created)))
	}

	// the watermark only advances after a fully successful pass, so a
	// failed pass is retried from the same position
	if len(pending) > 0 {
		if err := p.sessions.AdvanceWatermark(ctx, key, pending[len(pending)-1].ID); err != nil {
			return err
		}
	}
	if len(staged) > 0 {
		p.clearStaged(ctx, key, staged)
	}
	return nil
}

// stagedRecords returns the not-yet-persisted records queued on the blob.
func stagedRecords(wm *model.WorkingMemory) []model.MemoryRecord {
	var out []model.MemoryRecord
	for _, r := range wm.Memories {
		if r.PersistedAt == nil {
			r.Namespace = wm.Namespace
			r.UserID = wm.UserID
			r.SessionID = wm.SessionID
			out = append(out, r)
		}
	}
	return out
}

func (p *Pipeline) clearStaged(ctx context.Context, key model.SessionKey, staged []model.MemoryRecord) {
	promoted := map[string]bool{}
	for _, r := range staged {
		promoted[r.ID] = true
	}
	_, err := p.sessions.Update(ctx, key, func(wm *model.WorkingMemory) error {
		kept := wm.Memories[:0]
		for _, r := range wm.Memories {
			if !promoted[r.ID] {
				kept = append(kept, r)
			}
		}
		wm.Memories = kept
		return nil
	})
	if err != nil {
		log.Warn("Pipeline: clearing staged memories failed", "session", key.SessionID, "err", err)
	}
}

// messageRecords turns raw conversation messages into message-type records
// so verbatim history is searchable alongside extracted facts.
func (p *Pipeline) messageRecords(wm *model.WorkingMemory, msgs []model.MemoryMessage) []model.MemoryRecord {
	if !p.cfg.LongTermMemoryEnabled {
		return nil
	}
	out := make([]model.MemoryRecord, 0, len(msgs))
	for _, m := range msgs {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		out = append(out, model.MemoryRecord{
			Text:              string(m.Role) + ": " + m.Content,
			MemoryType:        model.MemoryTypeMessage,
			Namespace:         wm.Namespace,
			UserID:            wm.UserID,
			SessionID:         wm.SessionID,
			CreatedAt:         m.CreatedAt,
			DiscreteSourceIDs: []string{m.ID},
		})
	}
	return out
}

// extract runs the session's strategy over the pending messages.
func (p *Pipeline) extract(ctx context.Context, wm *model.WorkingMemory, msgs []model.MemoryMessage) ([]model.MemoryRecord, error) {
	if len(msgs) == 0 || !p.cfg.EnableDiscreteExtraction {
		return nil, nil
	}
	prompt, err := strategyPrompt(wm.Strategy, msgs, p.cfg.TopKTopics)
	if err != nil {
		return nil, err
	}
	out, err := p.chat.Generate(ctx, llm.Request{
		Messages: []llm.Message{{Role: "user", Content: prompt}},
		JSONMode: true,
	})
	if errors.Is(err, llm.ErrDisabled) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("extraction failed: %w", err)
	}

	var parsed struct {
		Memories []struct {
			Type     string   `json:"type"`
			Text     string   `json:"text"`
			Topics   []string `json:"topics"`
			Entities []string `json:"entities"`
		} `json:"memories"`
	}
	if err := json.Unmarshal([]byte(out), &parsed); err != nil {
		return nil, fmt.Errorf("extraction returned invalid JSON: %w", err)
	}

	sourceIDs := make([]string, len(msgs))
	for i, m := range msgs {
		sourceIDs[i] = m.ID
	}
	var recs []model.MemoryRecord
	for _, m := range parsed.Memories {
		if strings.TrimSpace(m.Text) == "" {
			continue
		}
		mt := model.MemoryType(strings.ToLower(m.Type))
		if !mt.Valid() || mt == model.MemoryTypeMessage {
			mt = model.MemoryTypeSemantic
		}
		rec := model.MemoryRecord{
			Text:              m.Text,
			MemoryType:        mt,
			Topics:            lowerAll(m.Topics),
			Entities:          m.Entities,
			Namespace:         wm.Namespace,
			UserID:            wm.UserID,
			SessionID:         wm.SessionID,
			DiscreteSourceIDs: sourceIDs,
		}
		if mt == model.MemoryTypeEpisodic {
			now := time.Now().UTC()
			rec.EventDate = &now
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// enrich fills vector, topics and entities in place. Stage failures are
// soft: the record still persists, and retry reports whether a transient
// embed failure left it vectorless so the caller can schedule a retry.
func (p *Pipeline) enrich(ctx context.Context, r *model.MemoryRecord) (retry bool) {
	if len(r.Vector) == 0 {
		vec, err := embed.EmbedText(ctx, p.embedder, r.Text)
		switch {
		case err == nil:
			r.Vector = vec
		case isDisabled(err):
			// filter-only record
		default:
			log.Warn("Pipeline: embed failed", "err", err)
			retry = true
		}
	}
	if p.cfg.EnableTopicExtraction && len(r.Topics) == 0 && r.MemoryType != model.MemoryTypeMessage {
		r.Topics = p.topics(ctx, r.Text)
	} else if len(r.Topics) > 0 {
		r.Topics = p.filterTopics(r.Topics)
	}
	if p.cfg.EnableNER && len(r.Entities) == 0 && r.MemoryType != model.MemoryTypeMessage {
		r.Entities = p.entities(ctx, r.Text)
	}
	return retry
}

// handleEnrich re-runs enrichment for a persisted record, typically one
// created through the API without a vector.
func (p *Pipeline) handleEnrich(ctx context.Context, raw json.RawMessage) error {
	var args EnrichArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return err
	}
	rec, err := p.longterm.Get(ctx, args.ID)
	if err != nil {
		var nf *registryvector.NotFoundError
		if errors.As(err, &nf) {
			return nil // deleted before enrichment ran
		}
		return err
	}

	patch := registryvector.FieldPatch{}
	if len(rec.Vector) == 0 {
		vec, err := embed.EmbedText(ctx, p.embedder, rec.Text)
		switch {
		case err == nil:
			patch.Vector = vec
		case isDisabled(err):
		default:
			// retryable; after the final attempt the dead-letter handler
			// flags the record as enrichment_failed
			return fmt.Errorf("embed record %s: %w", args.ID, err)
		}
	}
	if p.cfg.EnableTopicExtraction && len(rec.Topics) == 0 && rec.MemoryType != model.MemoryTypeMessage {
		if topics := p.topics(ctx, rec.Text); len(topics) > 0 {
			patch.Topics = topics
		}
	}
	if p.cfg.EnableNER && len(rec.Entities) == 0 && rec.MemoryType != model.MemoryTypeMessage {
		if ents := p.entities(ctx, rec.Text); len(ents) > 0 {
			patch.Entities = ents
		}
	}
	if patch.Vector == nil && patch.Topics == nil && patch.Entities == nil {
		return nil
	}
	return p.longterm.Store().UpdateFields(ctx, args.ID, patch)
}

// handleEnrichDead flags a record whose enrichment exhausted its retries.
// The record stays in the store in its last valid state.
func (p *Pipeline) handleEnrichDead(ctx context.Context, raw json.RawMessage) error {
	var args EnrichArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return err
	}
	failed := true
	err := p.longterm.Store().UpdateFields(ctx, args.ID, registryvector.FieldPatch{EnrichmentFailed: &failed})
	if err != nil {
		var nf *registryvector.NotFoundError
		if errors.As(err, &nf) {
			return nil
		}
	}
	return err
}

func (p *Pipeline) handleTouch(ctx context.Context, raw json.RawMessage) error {
	var args TouchArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return err
	}
	batch := p.cfg.TouchBatchSize
	if batch <= 0 {
		batch = 100
	}
	for start := 0; start < len(args.IDs); start += batch {
		end := start + batch
		if end > len(args.IDs) {
			end = len(args.IDs)
		}
		p.longterm.Touch(ctx, args.IDs[start:end])
	}
	return nil
}

// topics tags text with topics. With the llm source the labels are
// restricted to the configured taxonomy; the local source accepts open
// vocabulary from a frequency heuristic.
func (p *Pipeline) topics(ctx context.Context, text string) []string {
	topK := p.cfg.TopKTopics
	if topK <= 0 {
		topK = 3
	}
	if p.cfg.TopicModelSource == "local" {
		return localTopics(text, topK)
	}
	taxonomy := p.cfg.TaxonomyList()
	if len(taxonomy) == 0 {
		return nil
	}
	labels, err := p.chat.Classify(ctx, text, taxonomy, topK)
	if err != nil {
		if !errors.Is(err, llm.ErrDisabled) {
			log.Warn("Pipeline: topic tagging failed", "err", err)
		}
		return nil
	}
	return labels
}

// filterTopics whitelists LLM-produced topics against the taxonomy.
func (p *Pipeline) filterTopics(topics []string) []string {
	if p.cfg.TopicModelSource == "local" {
		return topics
	}
	taxonomy := map[string]bool{}
	for _, t := range p.cfg.TaxonomyList() {
		taxonomy[t] = true
	}
	var out []string
	for _, t := range topics {
		if taxonomy[strings.ToLower(t)] {
			out = append(out, strings.ToLower(t))
		}
	}
	if len(out) > p.cfg.TopKTopics && p.cfg.TopKTopics > 0 {
		out = out[:p.cfg.TopKTopics]
	}
	return out
}

func (p *Pipeline) entities(ctx context.Context, text string) []string {
	out, err := p.chat.Generate(ctx, llm.Request{
		Model:    p.cfg.GenerationModelFast,
		Messages: []llm.Message{{Role: "user", Content: fmt.Sprintf(entityExtractionPrompt, text)}},
		JSONMode: true,
	})
	if err != nil {
		if !errors.Is(err, llm.ErrDisabled) {
			log.Warn("Pipeline: entity extraction failed", "err", err)
		}
		return nil
	}
	var parsed struct {
		Entities []string `json:"entities"`
	}
	if json.Unmarshal([]byte(out), &parsed) != nil {
		return nil
	}
	return dedupeStrings(parsed.Entities)
}

func isDisabled(err error) bool {
	return errors.Is(err, llm.ErrDisabled) || errors.Is(err, embed.ErrDisabled)
}

func lowerAll(vs []string) []string {
	out := make([]string, 0, len(vs))
	for _, v := range vs {
		if v = strings.ToLower(strings.TrimSpace(v)); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func dedupeStrings(vs []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, v := range vs {
		if v = strings.TrimSpace(v); v != "" && !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}
