package pipeline

import (
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/agentmem/memory-service/internal/model"
	registryvector "github.com/agentmem/memory-service/internal/registry/vector"
)

// forbiddenPromptMarkers reject custom prompts that try to smuggle in
// instruction overrides before they reach the extraction model.
var forbiddenPromptMarkers = []string{
	"ignore previous",
	"ignore all previous",
	"disregard the above",
	"system prompt",
	"you are now",
}

// ValidateCustomPrompt rejects custom extraction prompts that are empty
// or contain obvious injection markers.
func ValidateCustomPrompt(prompt string) error {
	trimmed := strings.TrimSpace(prompt)
	if trimmed == "" {
		return &registryvector.ValidationError{Field: "strategy.prompt", Message: "must not be empty for custom strategy"}
	}
	lower := strings.ToLower(trimmed)
	for _, marker := range forbiddenPromptMarkers {
		if strings.Contains(lower, marker) {
			return &registryvector.ValidationError{Field: "strategy.prompt", Message: "contains disallowed instruction override"}
		}
	}
	if !strings.Contains(trimmed, "{messages}") {
		return &registryvector.ValidationError{Field: "strategy.prompt", Message: "must contain a {messages} placeholder"}
	}
	return nil
}

// strategyPrompt renders the extraction prompt for the session's strategy.
func strategyPrompt(s model.MemoryStrategy, msgs []model.MemoryMessage, topKTopics int) (string, error) {
	transcript := renderTranscript(msgs)
	switch s.Kind {
	case model.StrategyDiscrete, "":
		return fmt.Sprintf(discreteExtractionPrompt, topKTopics, transcript), nil
	case model.StrategySummary:
		return fmt.Sprintf(summaryExtractionPrompt, transcript), nil
	case model.StrategyPreferences:
		return fmt.Sprintf(preferencesExtractionPrompt, topKTopics, transcript), nil
	case model.StrategyCustom:
		if err := ValidateCustomPrompt(s.Prompt); err != nil {
			return "", err
		}
		return strings.ReplaceAll(s.Prompt, "{messages}", transcript), nil
	default:
		return "", &registryvector.ValidationError{Field: "strategy.kind", Message: "unknown strategy"}
	}
}

func renderTranscript(msgs []model.MemoryMessage) string {
	var b strings.Builder
	for _, m := range msgs {
		b.WriteString(string(m.Role))
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	return b.String()
}

var topicStopwords = map[string]bool{
	"the": true, "and": true, "for": true, "that": true, "this": true,
	"with": true, "from": true, "was": true, "are": true, "has": true,
	"have": true, "had": true, "not": true, "but": true, "you": true,
	"your": true, "user": true, "they": true, "their": true, "about": true,
	"would": true, "could": true, "should": true, "will": true, "when": true,
	"what": true, "there": true, "been": true, "into": true, "them": true,
}

// localTopics is the offline topic source: the most frequent non-stopword
// terms, open vocabulary. Filterable only by exact string match.
func localTopics(text string, topK int) []string {
	counts := map[string]int{}
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(unicode.IsLetter(r) || unicode.IsNumber(r))
	})
	for _, w := range words {
		if len(w) < 3 || topicStopwords[w] {
			continue
		}
		counts[w]++
	}
	type wc struct {
		word  string
		count int
	}
	ranked := make([]wc, 0, len(counts))
	for w, c := range counts {
		ranked = append(ranked, wc{w, c})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].count != ranked[j].count {
			return ranked[i].count > ranked[j].count
		}
		return ranked[i].word < ranked[j].word
	})
	if len(ranked) > topK {
		ranked = ranked[:topK]
	}
	out := make([]string, len(ranked))
	for i, r := range ranked {
		out[i] = r.word
	}
	return out
}
