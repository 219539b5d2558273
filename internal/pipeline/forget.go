package pipeline

import (
	"context"
	"encoding/json"
	"time"

	"github.com/charmbracelet/log"

	"github.com/agentmem/memory-service/internal/model"
	registryvector "github.com/agentmem/memory-service/internal/registry/vector"
)

// handleForget deletes records not accessed within the configured age and
// with fewer than the minimum access count. The age filter runs in the
// store; the access-count floor and the future-event exemption are checked
// client-side so the adapter contract stays small.
func (p *Pipeline) handleForget(ctx context.Context, _ json.RawMessage) error {
	if !p.cfg.ForgettingEnabled {
		return nil
	}
	now := time.Now().UTC()
	cutoff := now.AddDate(0, 0, -p.cfg.ForgettingMaxAgeDays)
	batch := p.cfg.ForgettingBatchSize
	if batch <= 0 {
		batch = 100
	}

	var deleted int
	offset := 0 // skips over survivors already inspected
	for {
		results, err := p.longterm.Store().Search(ctx, registryvector.SearchQuery{
			Filters: &model.Filters{
				LastAccessedAt: &model.TimeFilter{Lt: &cutoff},
			},
			Limit:             batch,
			Offset:            offset,
			IncludeSuperseded: true,
		})
		if err != nil {
			return err
		}
		if len(results) == 0 {
			break
		}

		var ids []string
		for _, res := range results {
			if res.Record.AccessCount >= p.cfg.ForgettingMinAccess {
				offset++ // frequently used records survive regardless of age
				continue
			}
			if res.Record.EventDate != nil && res.Record.EventDate.After(now) {
				offset++ // episodic records whose event has not happened yet
				continue
			}
			ids = append(ids, res.Record.ID)
		}
		if len(ids) > 0 {
			if err := p.longterm.Delete(ctx, ids); err != nil {
				return err
			}
			deleted += len(ids)
		}
		if len(results) < batch {
			break
		}
	}
	if deleted > 0 {
		log.Info("Pipeline: forgetting pass complete", "deleted", deleted)
	}
	return nil
}
