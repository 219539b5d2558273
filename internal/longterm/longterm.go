// Package longterm is the facade over the vector store that enforces the
// long-term record lifecycle: content hashing, exact-hash dedup on create,
// enrichment-only updates after persistence, acyclic supersession, and
// batched access tracking.
package longterm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/agentmem/memory-service/internal/model"
	registryvector "github.com/agentmem/memory-service/internal/registry/vector"
)

// supersedeWalkLimit bounds the chain walk when checking for cycles.
const supersedeWalkLimit = 64

// Hash computes the deterministic content hash of a record. Records with
// equal hashes are duplicates of each other.
func Hash(r *model.MemoryRecord) string {
	var eventDate string
	if r.EventDate != nil {
		eventDate = r.EventDate.UTC().Format(time.RFC3339)
	}
	parts := []string{
		strings.ToLower(strings.TrimSpace(r.Text)),
		r.UserID,
		r.Namespace,
		r.SessionID,
		string(r.MemoryType),
		eventDate,
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x1f")))
	return hex.EncodeToString(sum[:])
}

// Service wraps a vector store with lifecycle rules.
type Service struct {
	store registryvector.VectorStore
}

func NewService(store registryvector.VectorStore) *Service {
	return &Service{store: store}
}

// Store exposes the underlying vector store for search paths.
func (s *Service) Store() registryvector.VectorStore { return s.store }

// Prepare normalizes a record for persistence: fills ID, hash, type and
// timestamps. Existing ids are kept so promotion retries stay idempotent.
func (s *Service) Prepare(r *model.MemoryRecord) {
	if r.MemoryType == "" {
		r.MemoryType = model.MemoryTypeSemantic
	}
	if r.ID == "" {
		r.ID = model.NewID()
	}
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	if r.LastAccessedAt.IsZero() {
		r.LastAccessedAt = now
	}
	r.Hash = Hash(r)
}

// Create persists records. When a live record with the same content hash
// already exists in scope, nothing is written and that record stands in
// for the input. The returned slice holds one survivor per input: the
// freshly written record or the existing duplicate.
func (s *Service) Create(ctx context.Context, recs []model.MemoryRecord) ([]model.MemoryRecord, error) {
	var toWrite []model.MemoryRecord
	out := make([]model.MemoryRecord, 0, len(recs))
	now := time.Now().UTC()
	for i := range recs {
		r := recs[i]
		if strings.TrimSpace(r.Text) == "" {
			return nil, &registryvector.ValidationError{Field: "text", Message: "must not be empty"}
		}
		if !r.MemoryType.Valid() && r.MemoryType != "" {
			return nil, &registryvector.ValidationError{Field: "memoryType", Message: "unknown memory type"}
		}
		s.Prepare(&r)

		// superseded records do not block a fresh write of the same content
		existing, err := s.store.Search(ctx, registryvector.SearchQuery{
			Filters: &model.Filters{Hash: &model.TagFilter{Eq: r.Hash}},
			Limit:   1,
		})
		if err != nil {
			return nil, err
		}
		if len(existing) > 0 {
			// exact duplicate: refresh access time on the survivor instead
			survivor := existing[0].Record
			ms := now.UnixMilli()
			if uErr := s.store.UpdateFields(ctx, survivor.ID, registryvector.FieldPatch{
				LastAccessedAt: &ms,
			}); uErr != nil {
				log.Warn("longterm: dedup touch failed", "id", survivor.ID, "err", uErr)
			}
			survivor.LastAccessedAt = now
			out = append(out, survivor)
			continue
		}
		persistedAt := now
		r.PersistedAt = &persistedAt
		toWrite = append(toWrite, r)
		out = append(out, r)
	}
	if len(toWrite) > 0 {
		if err := s.store.Put(ctx, toWrite); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Get returns one record by id.
func (s *Service) Get(ctx context.Context, id string) (*model.MemoryRecord, error) {
	recs, err := s.store.Get(ctx, []string{id})
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, &registryvector.NotFoundError{Resource: "memory record", ID: id}
	}
	return &recs[0], nil
}

// EditRequest carries the caller-editable fields of a persisted record.
// Identity fields are deliberately absent: text, type, hash and created_at
// are frozen once persisted.
type EditRequest struct {
	Topics    []string   `json:"topics,omitempty"`
	Entities  []string   `json:"entities,omitempty"`
	EventDate *time.Time `json:"eventDate,omitempty"`
}

// Edit applies an enrichment-owned update to a persisted record.
func (s *Service) Edit(ctx context.Context, id string, req EditRequest) (*model.MemoryRecord, error) {
	patch := registryvector.FieldPatch{
		Topics:   req.Topics,
		Entities: req.Entities,
	}
	if req.EventDate != nil {
		ms := req.EventDate.UnixMilli()
		patch.EventDate = &ms
	}
	if err := s.store.UpdateFields(ctx, id, patch); err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// Supersede marks oldID as replaced by newID. Self-supersession and
// cycles are rejected.
func (s *Service) Supersede(ctx context.Context, oldID, newID string) error {
	if oldID == newID {
		return &registryvector.ConflictError{Message: "record cannot supersede itself"}
	}
	// walk forward from newID: if the chain reaches oldID the link would
	// close a cycle
	cursor := newID
	for i := 0; i < supersedeWalkLimit && cursor != ""; i++ {
		recs, err := s.store.Get(ctx, []string{cursor})
		if err != nil {
			return err
		}
		if len(recs) == 0 {
			break
		}
		if recs[0].SupersededBy == oldID {
			return &registryvector.ConflictError{Message: "supersession would create a cycle"}
		}
		cursor = recs[0].SupersededBy
	}
	sb := newID
	return s.store.UpdateFields(ctx, oldID, registryvector.FieldPatch{SupersededBy: &sb})
}

// Delete removes records by id.
func (s *Service) Delete(ctx context.Context, ids []string) error {
	return s.store.Delete(ctx, ids)
}

// Touch records read accesses: bumps last_accessed_at and access_count
// for each id. Failures are logged, not returned; the read path never
// blocks on access tracking.
func (s *Service) Touch(ctx context.Context, ids []string) {
	ms := time.Now().UnixMilli()
	for _, id := range ids {
		err := s.store.UpdateFields(ctx, id, registryvector.FieldPatch{
			LastAccessedAt:   &ms,
			AccessCountDelta: 1,
		})
		if err != nil {
			log.Debug("longterm: touch failed", "id", id, "err", err)
		}
	}
}
