// Package working is the working-memory service: session reads and
// writes, token-estimate upkeep, the summarization trigger, and promotion
// scheduling.
package working

import (
	"context"
	"time"

	"github.com/charmbracelet/log"

	"github.com/agentmem/memory-service/internal/config"
	"github.com/agentmem/memory-service/internal/model"
	"github.com/agentmem/memory-service/internal/pipeline"
	registrysession "github.com/agentmem/memory-service/internal/registry/session"
	registryvector "github.com/agentmem/memory-service/internal/registry/vector"
	"github.com/agentmem/memory-service/internal/tasks"
	"github.com/agentmem/memory-service/internal/tokens"
)

type Service struct {
	sessions registrysession.Store
	queue    *tasks.Queue
	counter  *tokens.Counter
	cfg      *config.Config
}

func NewService(sessions registrysession.Store, queue *tasks.Queue, counter *tokens.Counter, cfg *config.Config) *Service {
	return &Service{sessions: sessions, queue: queue, counter: counter, cfg: cfg}
}

// Get returns a session's working memory, optionally clamped to the most
// recent recentLimit messages (0 returns all).
func (s *Service) Get(ctx context.Context, key model.SessionKey, recentLimit int) (*model.WorkingMemory, error) {
	wm, err := s.sessions.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if recentLimit > 0 && len(wm.Messages) > recentLimit {
		wm.Messages = wm.Messages[len(wm.Messages)-recentLimit:]
	}
	return wm, nil
}

// Put replaces the whole working-memory blob and schedules promotion of
// anything new it contains.
func (s *Service) Put(ctx context.Context, wm *model.WorkingMemory) (*model.WorkingMemory, error) {
	if err := s.validate(wm); err != nil {
		return nil, err
	}
	key := wm.Key()
	updated, err := s.sessions.Update(ctx, key, func(cur *model.WorkingMemory) error {
		fillMessageIDs(wm.Messages)
		cur.Messages = wm.Messages
		cur.Memories = wm.Memories
		cur.Context = wm.Context
		cur.Data = wm.Data
		if wm.Strategy.Kind != "" {
			cur.Strategy = wm.Strategy
		}
		if wm.TTLSeconds > 0 {
			cur.TTLSeconds = wm.TTLSeconds
		}
		cur.TokensEstimate = s.estimate(cur)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.afterWrite(ctx, key, updated)
	return updated, nil
}

// Append adds messages to the session, creating it if missing.
func (s *Service) Append(ctx context.Context, key model.SessionKey, msgs []model.MemoryMessage) (*model.WorkingMemory, error) {
	for i := range msgs {
		if msgs[i].Role == "" {
			return nil, &registryvector.ValidationError{Field: "role", Message: "must not be empty"}
		}
	}
	fillMessageIDs(msgs)
	updated, err := s.sessions.Update(ctx, key, func(cur *model.WorkingMemory) error {
		cur.Messages = append(cur.Messages, msgs...)
		cur.TokensEstimate = s.estimate(cur)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.afterWrite(ctx, key, updated)
	return updated, nil
}

// Delete removes the session's working memory after scheduling a final
// promotion pass, so unpromoted messages are not lost with the blob.
func (s *Service) Delete(ctx context.Context, key model.SessionKey) error {
	s.enqueuePromote(ctx, key)
	return s.sessions.Delete(ctx, key)
}

// ListSessions pages through session ids in a namespace.
func (s *Service) ListSessions(ctx context.Context, namespace string, offset, limit int) (*registrysession.SessionPage, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	return s.sessions.ListSessions(ctx, namespace, offset, limit)
}

func (s *Service) validate(wm *model.WorkingMemory) error {
	if wm.SessionID == "" {
		return &registryvector.ValidationError{Field: "sessionId", Message: "must not be empty"}
	}
	if wm.Strategy.Kind == model.StrategyCustom {
		if err := pipeline.ValidateCustomPrompt(wm.Strategy.Prompt); err != nil {
			return err
		}
	}
	return nil
}

// afterWrite schedules promotion and, when the token estimate crosses the
// threshold, a summarization pass. The epoch bump makes repeated triggers
// for the same backlog collapse into one task.
func (s *Service) afterWrite(ctx context.Context, key model.SessionKey, wm *model.WorkingMemory) {
	if s.cfg.LongTermMemoryEnabled {
		s.enqueuePromote(ctx, key)
	}

	threshold := int(float64(s.cfg.ContextWindowMax) * s.cfg.SummarizationThreshold)
	if threshold <= 0 || wm.TokensEstimate < threshold {
		return
	}
	epoch := wm.SummarizationEpoch + 1
	updated, err := s.sessions.Update(ctx, key, func(cur *model.WorkingMemory) error {
		cur.SummarizationEpoch = epoch
		return nil
	})
	if err != nil {
		log.Warn("WorkingMemory: epoch bump failed", "session", key.SessionID, "err", err)
		return
	}
	_, err = s.queue.Enqueue(ctx, pipeline.TaskSummarizeSession, pipeline.SummarizeArgs{
		Namespace: key.Namespace,
		UserID:    key.UserID,
		SessionID: key.SessionID,
		Epoch:     updated.SummarizationEpoch,
	}, time.Now())
	if err != nil {
		log.Warn("WorkingMemory: summarize enqueue failed", "session", key.SessionID, "err", err)
	}
}

func (s *Service) enqueuePromote(ctx context.Context, key model.SessionKey) {
	_, err := s.queue.Enqueue(ctx, pipeline.TaskPromoteSession, pipeline.PromoteArgs{
		Namespace: key.Namespace,
		UserID:    key.UserID,
		SessionID: key.SessionID,
	}, time.Now())
	if err != nil {
		log.Warn("WorkingMemory: promote enqueue failed", "session", key.SessionID, "err", err)
	}
}

func (s *Service) estimate(wm *model.WorkingMemory) int {
	total := s.counter.Count(wm.Context)
	for _, m := range wm.Messages {
		total += s.counter.Count(string(m.Role) + ": " + m.Content)
	}
	return total
}

// fillMessageIDs assigns ids and timestamps to messages that lack them.
// Ids are time-ordered, so assignment order preserves conversation order.
func fillMessageIDs(msgs []model.MemoryMessage) {
	now := time.Now().UTC()
	for i := range msgs {
		if msgs[i].ID == "" {
			msgs[i].ID = model.NewID()
		}
		if msgs[i].CreatedAt.IsZero() {
			msgs[i].CreatedAt = now
		}
	}
}
