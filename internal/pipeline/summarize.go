package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/agentmem/memory-service/internal/model"
	"github.com/agentmem/memory-service/internal/registry/llm"
	registrysession "github.com/agentmem/memory-service/internal/registry/session"
)

// keepRecentMessages is how many messages stay verbatim after a
// summarization pass folds the older ones into the running context.
const keepRecentMessages = 20

// summaryBudget allocates the summary's token budget from the model
// context window: 12.5% for small windows, 10% mid, 5% large, with floors.
func summaryBudget(contextWindowMax int) int {
	switch {
	case contextWindowMax < 10000:
		return max(512, contextWindowMax/8)
	case contextWindowMax < 50000:
		return max(1024, contextWindowMax/10)
	default:
		return max(2048, contextWindowMax/20)
	}
}

// handleSummarize folds the oldest messages of an over-threshold session
// into the running context summary. The epoch check makes stale triggers
// no-ops when a newer pass already ran.
func (p *Pipeline) handleSummarize(ctx context.Context, raw json.RawMessage) error {
	var args SummarizeArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return err
	}
	key := model.SessionKey{Namespace: args.Namespace, UserID: args.UserID, SessionID: args.SessionID}

	wm, err := p.sessions.Get(ctx, key)
	if err != nil {
		var nf *registrysession.NotFoundError
		if errors.As(err, &nf) {
			return nil
		}
		return err
	}
	if wm.SummarizationEpoch > args.Epoch {
		return nil
	}
	if len(wm.Messages) <= keepRecentMessages {
		return nil
	}

	// the oldest messages must already be promoted before they can leave
	// the blob, or extraction would never see them
	watermark, err := p.sessions.GetWatermark(ctx, key)
	if err != nil {
		return err
	}

	budget := summaryBudget(p.cfg.ContextWindowMax)
	bufferTokens := min(max(230, p.cfg.ContextWindowMax/100), 1000)
	maxMessageTokens := p.cfg.ContextWindowMax - budget - bufferTokens

	var toSummarize []string
	cut := 0
	total := 0
	for i, m := range wm.Messages[:len(wm.Messages)-keepRecentMessages] {
		if m.ID > watermark {
			break // not promoted yet; keep verbatim
		}
		line := string(m.Role) + ": " + m.Content
		t := p.counter.Count(line)
		if t > maxMessageTokens {
			line = line[:len(line)/2]
			t = p.counter.Count(line)
		}
		if total+t > maxMessageTokens {
			break
		}
		total += t
		toSummarize = append(toSummarize, line)
		cut = i + 1
	}
	if len(toSummarize) == 0 {
		return nil
	}

	prompt := fmt.Sprintf(incrementalSummaryPrompt, wm.Context, strings.Join(toSummarize, "\n"))
	summary, err := p.chat.Generate(ctx, llm.Request{
		Messages:  []llm.Message{{Role: "user", Content: prompt}},
		MaxTokens: budget,
	})
	if errors.Is(err, llm.ErrDisabled) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("summarization failed: %w", err)
	}

	_, err = p.sessions.Update(ctx, key, func(cur *model.WorkingMemory) error {
		// re-find the cut point: messages may have been appended meanwhile
		n := 0
		for _, m := range cur.Messages {
			if n < cut && m.ID <= watermark {
				n++
				continue
			}
			break
		}
		cur.Context = summary
		cur.Messages = cur.Messages[n:]
		cur.TokensEstimate = p.estimateTokens(cur)
		if cur.SummarizationEpoch < args.Epoch {
			cur.SummarizationEpoch = args.Epoch
		}
		return nil
	})
	if err != nil {
		return err
	}
	log.Info("Pipeline: summarized session", "session", args.SessionID, "folded", cut)
	return nil
}

func (p *Pipeline) estimateTokens(wm *model.WorkingMemory) int {
	total := p.counter.Count(wm.Context)
	for _, m := range wm.Messages {
		total += p.counter.Count(string(m.Role) + ": " + m.Content)
	}
	return total
}

