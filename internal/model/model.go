package model

import (
	"time"
)

// Role identifies the author of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// MemoryType is the coarse category of a long-term memory record.
type MemoryType string

const (
	// MemoryTypeSemantic is a fact or preference with no inherent time.
	MemoryTypeSemantic MemoryType = "semantic"
	// MemoryTypeEpisodic is an event tied to a point in time.
	MemoryTypeEpisodic MemoryType = "episodic"
	// MemoryTypeMessage is a raw conversation message indexed verbatim.
	MemoryTypeMessage MemoryType = "message"
)

// Valid reports whether t is a known memory type.
func (t MemoryType) Valid() bool {
	switch t {
	case MemoryTypeSemantic, MemoryTypeEpisodic, MemoryTypeMessage:
		return true
	}
	return false
}

// StrategyKind selects how memories are extracted from a session.
type StrategyKind string

const (
	// StrategyDiscrete extracts atomic facts/preferences as semantic records.
	StrategyDiscrete StrategyKind = "discrete"
	// StrategySummary produces one episodic record summarizing the segment.
	StrategySummary StrategyKind = "summary"
	// StrategyPreferences extracts only first-person user traits.
	StrategyPreferences StrategyKind = "preferences"
	// StrategyCustom runs a caller-supplied prompt. The prompt must pass the
	// security validator before the pipeline will execute it.
	StrategyCustom StrategyKind = "custom"
)

// MemoryStrategy describes the extraction strategy for a session.
type MemoryStrategy struct {
	Kind StrategyKind `json:"kind"`
	// Prompt is only used when Kind is StrategyCustom.
	Prompt string `json:"prompt,omitempty"`
}

// MemoryMessage is a single conversation message held in working memory.
type MemoryMessage struct {
	// ID is a lexicographically sortable unique identifier (UUIDv7).
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// SessionKey identifies one working-memory entry.
type SessionKey struct {
	Namespace string `json:"namespace,omitempty"`
	UserID    string `json:"userId,omitempty"`
	SessionID string `json:"sessionId"`
}

// WorkingMemory is the session-scoped, ephemeral memory tier.
type WorkingMemory struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId,omitempty"`
	Namespace string `json:"namespace,omitempty"`

	// Messages is the ordered conversation history, ascending by ID.
	Messages []MemoryMessage `json:"messages"`

	// Memories are staged long-term records not yet promoted (PersistedAt nil).
	Memories []MemoryRecord `json:"memories,omitempty"`

	// Context is the running conversation summary, if any.
	Context string `json:"context,omitempty"`

	// Data is opaque agent scratch state.
	Data map[string]any `json:"data,omitempty"`

	Strategy MemoryStrategy `json:"strategy"`

	// TTLSeconds is the lifetime from the last write. Zero uses the configured default.
	TTLSeconds int `json:"ttlSeconds,omitempty"`

	// TokensEstimate is the cached token count of messages plus context.
	TokensEstimate int `json:"tokensEstimate,omitempty"`

	// SummarizationEpoch coalesces concurrent summarization triggers: a
	// SummarizeSession task is enqueued at most once per epoch.
	SummarizationEpoch int64 `json:"summarizationEpoch,omitempty"`

	LastAccessedAt time.Time `json:"lastAccessedAt"`
}

// Key returns the session key for this working memory.
func (w *WorkingMemory) Key() SessionKey {
	return SessionKey{Namespace: w.Namespace, UserID: w.UserID, SessionID: w.SessionID}
}

// MemoryRecord is a long-term memory record. After PersistedAt is set the
// identity fields (ID, Text, MemoryType, Hash, CreatedAt) are immutable;
// enrichment owns Vector, Topics, Entities, LastAccessedAt, AccessCount,
// SupersededBy, and EnrichmentFailed.
type MemoryRecord struct {
	ID         string     `json:"id"`
	Text       string     `json:"text"`
	MemoryType MemoryType `json:"memoryType"`

	Topics   []string `json:"topics,omitempty"`
	Entities []string `json:"entities,omitempty"`

	Namespace string `json:"namespace,omitempty"`
	UserID    string `json:"userId,omitempty"`
	SessionID string `json:"sessionId,omitempty"`

	// EventDate is the domain timestamp for episodic records.
	EventDate *time.Time `json:"eventDate,omitempty"`

	CreatedAt      time.Time `json:"createdAt"`
	LastAccessedAt time.Time `json:"lastAccessedAt"`
	AccessCount    int64     `json:"accessCount"`

	// PersistedAt is set exactly once when the record enters the long-term store.
	PersistedAt *time.Time `json:"persistedAt,omitempty"`

	// Hash is the deterministic content+identity hash. Equal hashes are
	// dedup candidates.
	Hash string `json:"hash,omitempty"`

	// Vector is the embedding. Empty until the enrichment pipeline embeds the record.
	Vector []float32 `json:"-"`

	// SupersededBy points at the record that replaces this one. Non-empty
	// excludes the record from search results.
	SupersededBy string `json:"supersededBy,omitempty"`

	// DiscreteSourceIDs are the message ids this record was extracted from.
	DiscreteSourceIDs []string `json:"discreteSourceIds,omitempty"`

	// EnrichmentFailed marks a record whose embedding repeatedly failed.
	// The record stays searchable by filter only.
	EnrichmentFailed bool `json:"enrichmentFailed,omitempty"`
}
