package pipeline

import (
	"context"
	"encoding/json"
	"time"

	"github.com/charmbracelet/log"

	"github.com/agentmem/memory-service/internal/model"
	registryvector "github.com/agentmem/memory-service/internal/registry/vector"
)

// handleCompact walks recent records and links semantic duplicates via
// supersession, so searches stop returning both copies. The pass is
// windowed: it inspects at most CompactionMaxRecords per run and stops at
// CompactionMaxRuntime, picking up where volume remains on the next tick.
func (p *Pipeline) handleCompact(ctx context.Context, _ json.RawMessage) error {
	maxRecords := p.cfg.CompactionMaxRecords
	if maxRecords <= 0 {
		maxRecords = 1000
	}
	deadline := time.Now().Add(p.cfg.CompactionMaxRuntime)

	var inspected, linked int
	offset := 0
	batch := 100
	seenHashes := map[string]string{} // hash -> surviving id

	for inspected < maxRecords {
		if p.cfg.CompactionMaxRuntime > 0 && time.Now().After(deadline) {
			log.Info("Pipeline: compaction hit runtime cap", "inspected", inspected)
			break
		}
		results, err := p.longterm.Store().Search(ctx, registryvector.SearchQuery{
			Filters: &model.Filters{
				MemoryType: &model.TagFilter{Ne: string(model.MemoryTypeMessage)},
			},
			Limit:  batch,
			Offset: offset,
		})
		if err != nil {
			return err
		}
		if len(results) == 0 {
			break
		}
		offset += len(results)

		for _, res := range results {
			inspected++
			r := res.Record

			// exact duplicates that slipped in concurrently
			if survivor, ok := seenHashes[r.Hash]; ok && survivor != r.ID {
				if err := p.longterm.Supersede(ctx, r.ID, survivor); err != nil {
					log.Warn("Pipeline: compaction supersede failed", "id", r.ID, "err", err)
					continue
				}
				linked++
				continue
			}
			seenHashes[r.Hash] = r.ID

			if len(r.Vector) == 0 || p.cfg.DedupDistanceThreshold <= 0 {
				continue
			}
			neighbors, err := p.longterm.Store().Search(ctx, registryvector.SearchQuery{
				Vector: r.Vector,
				Filters: &model.Filters{
					Namespace:  &model.TagFilter{Eq: r.Namespace},
					UserID:     &model.TagFilter{Eq: r.UserID},
					MemoryType: &model.TagFilter{Ne: string(model.MemoryTypeMessage)},
				},
				Limit: semanticNeighborLimit,
			})
			if err != nil {
				return err
			}
			minScore := 1 - p.cfg.DedupDistanceThreshold
			for _, n := range neighbors {
				if n.Record.ID == r.ID || n.Score < minScore {
					continue
				}
				if !tokenSetContained(r.Text, n.Record.Text) {
					continue
				}
				// keep the newer record; ids sort by creation time
				older, newer := r.ID, n.Record.ID
				if older > newer {
					older, newer = newer, older
				}
				if err := p.longterm.Supersede(ctx, older, newer); err != nil {
					log.Warn("Pipeline: compaction supersede failed", "id", older, "err", err)
					continue
				}
				linked++
				break
			}
		}
	}
	log.Info("Pipeline: compaction pass complete", "inspected", inspected, "superseded", linked)
	return nil
}
