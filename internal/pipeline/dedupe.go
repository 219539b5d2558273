package pipeline

import (
	"context"
	"strings"
	"unicode"

	"github.com/charmbracelet/log"

	"github.com/agentmem/memory-service/internal/model"
	"github.com/agentmem/memory-service/internal/registry/embed"
	registryvector "github.com/agentmem/memory-service/internal/registry/vector"
)

// semanticNeighborLimit caps the candidate comparisons per new record.
const semanticNeighborLimit = 5

// dedupe drops candidates that duplicate each other or existing records.
// Phase one is the exact content hash; phase two embeds each candidate and
// lets its nearest stored neighbor decide: within the distance threshold
// the candidate is dropped and the neighbor touched, unless the candidate
// strictly extends the neighbor's token set, in which case it is kept and
// the returned map names the stored record it supersedes.
func (p *Pipeline) dedupe(ctx context.Context, wm *model.WorkingMemory, candidates []model.MemoryRecord) ([]model.MemoryRecord, map[string]string, error) {
	var out []model.MemoryRecord
	seenHashes := map[string]bool{}
	supersedes := map[string]string{}

	for i := range candidates {
		r := candidates[i]
		p.longterm.Prepare(&r)

		// within-batch exact duplicates
		if seenHashes[r.Hash] {
			continue
		}
		seenHashes[r.Hash] = true

		if r.MemoryType == model.MemoryTypeMessage {
			// verbatim messages only dedupe by hash, handled in Create
			out = append(out, r)
			continue
		}

		drop, oldID, err := p.semanticDuplicate(ctx, wm, &r)
		if err != nil {
			return nil, nil, err
		}
		if drop {
			continue
		}
		if oldID != "" {
			supersedes[r.ID] = oldID
		}
		out = append(out, r)
	}
	return out, supersedes, nil
}

// semanticDuplicate checks r against its nearest stored neighbor. Within
// the distance threshold it reports drop, or a supersede target when r's
// token set strictly extends the neighbor's.
func (p *Pipeline) semanticDuplicate(ctx context.Context, wm *model.WorkingMemory, r *model.MemoryRecord) (bool, string, error) {
	if p.cfg.DedupDistanceThreshold <= 0 {
		return false, "", nil
	}
	vec, err := embed.EmbedText(ctx, p.embedder, r.Text)
	if err != nil {
		if isDisabled(err) {
			return false, "", nil
		}
		return false, "", err
	}
	r.Vector = vec

	results, err := p.longterm.Store().Search(ctx, registryvector.SearchQuery{
		Vector: vec,
		Filters: &model.Filters{
			Namespace:  &model.TagFilter{Eq: wm.Namespace},
			UserID:     &model.TagFilter{Eq: wm.UserID},
			MemoryType: &model.TagFilter{Ne: string(model.MemoryTypeMessage)},
		},
		Limit: semanticNeighborLimit,
	})
	if err != nil {
		return false, "", err
	}

	minScore := 1 - p.cfg.DedupDistanceThreshold
	if len(results) == 0 || results[0].Score < minScore {
		return false, "", nil
	}
	top := results[0]

	candidateTokens := tokenSet(r.Text)
	existingTokens := tokenSet(top.Record.Text)
	if len(candidateTokens) > 0 && len(existingTokens) > 0 &&
		subset(existingTokens, candidateTokens) && !subset(candidateTokens, existingTokens) {
		log.Debug("Pipeline: candidate extends stored record",
			"text", r.Text, "supersedes", top.Record.ID, "score", top.Score)
		return false, top.Record.ID, nil
	}
	log.Debug("Pipeline: semantic duplicate dropped",
		"text", r.Text, "existing", top.Record.ID, "score", top.Score)
	p.longterm.Touch(ctx, []string{top.Record.ID})
	return true, "", nil
}

// tokenSetContained reports whether one text's token set contains the
// other's, in either direction.
func tokenSetContained(a, b string) bool {
	ta, tb := tokenSet(a), tokenSet(b)
	if len(ta) == 0 || len(tb) == 0 {
		return false
	}
	return subset(ta, tb) || subset(tb, ta)
}

func subset(small, big map[string]bool) bool {
	if len(small) > len(big) {
		return false
	}
	for t := range small {
		if !big[t] {
			return false
		}
	}
	return true
}

func tokenSet(text string) map[string]bool {
	out := map[string]bool{}
	for _, w := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(unicode.IsLetter(r) || unicode.IsNumber(r))
	}) {
		out[w] = true
	}
	return out
}
