package pgvector

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	pgvec "github.com/pgvector/pgvector-go"
	"gorm.io/gorm"

	"github.com/agentmem/memory-service/internal/config"
	"github.com/agentmem/memory-service/internal/model"
	registryvector "github.com/agentmem/memory-service/internal/registry/vector"
)

//go:embed db/schema.sql
var schemaSQL string

func init() {
	registryvector.Register(registryvector.Plugin{
		Name:   "pgvector",
		Loader: load,
	})
}

func load(ctx context.Context) (registryvector.VectorStore, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil {
		return nil, fmt.Errorf("pgvector: missing config in context")
	}
	if cfg.DBURL == "" {
		return nil, fmt.Errorf("pgvector: MEMORY_SERVER_DB_URL is required")
	}
	db, err := openGormDB(cfg.DBURL)
	if err != nil {
		return nil, fmt.Errorf("pgvector: %w", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(cfg.DBMaxOpenConns)
		sqlDB.SetMaxIdleConns(cfg.DBMaxIdleConns)
	}
	dim := cfg.VectorDimensions
	if dim <= 0 {
		dim = 384
	}
	return &PgvectorStore{db: db, dim: dim}, nil
}

// PgvectorStore implements the vector store contract on Postgres with the
// pgvector extension.
type PgvectorStore struct {
	db  *gorm.DB
	dim int
}

func (s *PgvectorStore) Name() string { return "pgvector" }

func (s *PgvectorStore) EnsureSchema(ctx context.Context) error {
	return s.db.WithContext(ctx).Exec(fmt.Sprintf(schemaSQL, s.dim)).Error
}

func (s *PgvectorStore) Put(ctx context.Context, recs []model.MemoryRecord) error {
	for i := range recs {
		r := &recs[i]
		if r.ID == "" {
			return &registryvector.ValidationError{Field: "id", Message: "must not be empty"}
		}
		var embedding any
		if len(r.Vector) > 0 {
			embedding = pgvec.NewVector(r.Vector)
		}
		err := s.db.WithContext(ctx).Exec(`
			INSERT INTO memory_records
			    (id, text, memory_type, namespace, user_id, session_id,
			     topics, entities, record_hash, event_date, created_at,
			     last_accessed_at, persisted_at, access_count, superseded_by,
			     discrete_source_ids, enrichment_failed, embedding)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
			    text = EXCLUDED.text,
			    memory_type = EXCLUDED.memory_type,
			    namespace = EXCLUDED.namespace,
			    user_id = EXCLUDED.user_id,
			    session_id = EXCLUDED.session_id,
			    topics = EXCLUDED.topics,
			    entities = EXCLUDED.entities,
			    record_hash = EXCLUDED.record_hash,
			    event_date = EXCLUDED.event_date,
			    created_at = EXCLUDED.created_at,
			    last_accessed_at = EXCLUDED.last_accessed_at,
			    persisted_at = EXCLUDED.persisted_at,
			    access_count = EXCLUDED.access_count,
			    superseded_by = EXCLUDED.superseded_by,
			    discrete_source_ids = EXCLUDED.discrete_source_ids,
			    enrichment_failed = EXCLUDED.enrichment_failed,
			    embedding = EXCLUDED.embedding`,
			r.ID, r.Text, string(r.MemoryType), r.Namespace, r.UserID, r.SessionID,
			jsonArray(r.Topics), jsonArray(r.Entities), r.Hash, r.EventDate, r.CreatedAt,
			nullableTime(r.LastAccessedAt), r.PersistedAt, r.AccessCount, r.SupersededBy,
			jsonArray(r.DiscreteSourceIDs), r.EnrichmentFailed, embedding,
		).Error
		if err != nil {
			return &registryvector.UnavailableError{Backend: "pgvector", Err: err}
		}
	}
	return nil
}

const selectColumns = `id, text, memory_type, namespace, user_id, session_id,
	topics, entities, record_hash, event_date, created_at, last_accessed_at,
	persisted_at, access_count, superseded_by, discrete_source_ids, enrichment_failed`

func (s *PgvectorStore) Get(ctx context.Context, ids []string) ([]model.MemoryRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.db.WithContext(ctx).Raw(
		"SELECT "+selectColumns+", embedding FROM memory_records WHERE id IN ?", ids,
	).Rows()
	if err != nil {
		return nil, &registryvector.UnavailableError{Backend: "pgvector", Err: err}
	}
	defer rows.Close()

	byID := map[string]model.MemoryRecord{}
	for rows.Next() {
		r, vec, err := scanRecord(rows.Scan, true)
		if err != nil {
			log.Error("pgvector scan error", "err", err)
			continue
		}
		r.Vector = vec
		byID[r.ID] = r
	}
	out := make([]model.MemoryRecord, 0, len(byID))
	for _, id := range ids {
		if r, ok := byID[id]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *PgvectorStore) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).Exec("DELETE FROM memory_records WHERE id IN ?", ids).Error
	if err != nil {
		return &registryvector.UnavailableError{Backend: "pgvector", Err: err}
	}
	return nil
}

func (s *PgvectorStore) UpdateFields(ctx context.Context, id string, patch registryvector.FieldPatch) error {
	var sets []string
	var args []any
	if patch.Vector != nil {
		sets = append(sets, "embedding = ?")
		args = append(args, pgvec.NewVector(patch.Vector))
	}
	if patch.Topics != nil {
		sets = append(sets, "topics = ?")
		args = append(args, jsonArray(patch.Topics))
	}
	if patch.Entities != nil {
		sets = append(sets, "entities = ?")
		args = append(args, jsonArray(patch.Entities))
	}
	if patch.LastAccessedAt != nil {
		sets = append(sets, "last_accessed_at = ?")
		args = append(args, time.UnixMilli(*patch.LastAccessedAt).UTC())
	}
	if patch.AccessCountDelta != 0 {
		sets = append(sets, "access_count = access_count + ?")
		args = append(args, patch.AccessCountDelta)
	}
	if patch.SupersededBy != nil {
		sets = append(sets, "superseded_by = ?")
		args = append(args, *patch.SupersededBy)
	}
	if patch.EnrichmentFailed != nil {
		sets = append(sets, "enrichment_failed = ?")
		args = append(args, *patch.EnrichmentFailed)
	}
	if patch.EventDate != nil {
		sets = append(sets, "event_date = ?")
		args = append(args, time.UnixMilli(*patch.EventDate).UTC())
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)
	res := s.db.WithContext(ctx).Exec(
		"UPDATE memory_records SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if res.Error != nil {
		return &registryvector.UnavailableError{Backend: "pgvector", Err: res.Error}
	}
	if res.RowsAffected == 0 {
		return &registryvector.NotFoundError{Resource: "memory record", ID: id}
	}
	return nil
}

func (s *PgvectorStore) Search(ctx context.Context, q registryvector.SearchQuery) ([]registryvector.SearchResult, error) {
	where, args := renderWhere(q.Filters, q.IncludeSuperseded)
	limit := q.Limit
	if limit <= 0 {
		limit = 10
	}

	var sql string
	if len(q.Vector) > 0 {
		vec := pgvec.NewVector(q.Vector)
		where = append(where, "embedding IS NOT NULL")
		sql = "SELECT " + selectColumns + ", 1 - (embedding <=> ?::vector) AS score FROM memory_records WHERE " +
			strings.Join(where, " AND ") +
			" ORDER BY embedding <=> ?::vector LIMIT ? OFFSET ?"
		args = append([]any{vec}, args...)
		args = append(args, vec, limit, q.Offset)
	} else {
		sql = "SELECT " + selectColumns + ", 0::float8 AS score FROM memory_records WHERE " +
			strings.Join(where, " AND ") +
			" ORDER BY created_at DESC LIMIT ? OFFSET ?"
		args = append(args, limit, q.Offset)
	}

	rows, err := s.db.WithContext(ctx).Raw(sql, args...).Rows()
	if err != nil {
		return nil, &registryvector.UnavailableError{Backend: "pgvector", Err: err}
	}
	defer rows.Close()

	var results []registryvector.SearchResult
	for rows.Next() {
		r, score, err := scanRecordWithScore(rows.Scan)
		if err != nil {
			log.Error("pgvector scan error", "err", err)
			continue
		}
		results = append(results, registryvector.SearchResult{
			Record: r,
			Score:  math.Max(0, math.Min(1, score)),
		})
	}
	return results, nil
}

func (s *PgvectorStore) Count(ctx context.Context, f *model.Filters) (int64, error) {
	where, args := renderWhere(f, true)
	var n int64
	err := s.db.WithContext(ctx).Raw(
		"SELECT count(*) FROM memory_records WHERE "+strings.Join(where, " AND "), args...,
	).Scan(&n).Error
	if err != nil {
		return 0, &registryvector.UnavailableError{Backend: "pgvector", Err: err}
	}
	return n, nil
}

type scanFunc func(dest ...any) error

func scanRecord(scan scanFunc, withVector bool) (model.MemoryRecord, []float32, error) {
	var r model.MemoryRecord
	var memoryType string
	var topics, entities, sourceIDs []byte
	var eventDate, lastAccessed, persisted *time.Time
	dest := []any{
		&r.ID, &r.Text, &memoryType, &r.Namespace, &r.UserID, &r.SessionID,
		&topics, &entities, &r.Hash, &eventDate, &r.CreatedAt, &lastAccessed,
		&persisted, &r.AccessCount, &r.SupersededBy, &sourceIDs, &r.EnrichmentFailed,
	}
	var vec *pgvec.Vector
	if withVector {
		dest = append(dest, &vec)
	}
	if err := scan(dest...); err != nil {
		return r, nil, err
	}
	r.MemoryType = model.MemoryType(memoryType)
	r.Topics = fromJSONArray(topics)
	r.Entities = fromJSONArray(entities)
	r.DiscreteSourceIDs = fromJSONArray(sourceIDs)
	r.EventDate = eventDate
	if lastAccessed != nil {
		r.LastAccessedAt = *lastAccessed
	}
	r.PersistedAt = persisted
	var slice []float32
	if vec != nil {
		slice = vec.Slice()
	}
	return r, slice, nil
}

func scanRecordWithScore(scan scanFunc) (model.MemoryRecord, float64, error) {
	var score float64
	r, _, err := scanRecord(func(dest ...any) error {
		return scan(append(dest, &score)...)
	}, false)
	return r, score, err
}

func jsonArray(vs []string) string {
	if len(vs) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(vs)
	return string(b)
}

func fromJSONArray(b []byte) []string {
	if len(b) == 0 {
		return nil
	}
	var out []string
	_ = json.Unmarshal(b, &out)
	return out
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func tagWhere(field string, f *model.TagFilter, where []string, args []any) ([]string, []any) {
	if f.IsZero() {
		return where, args
	}
	jsonField := field == "topics" || field == "entities"
	switch {
	case f.Eq != "":
		if jsonField {
			where = append(where, field+" @> ?::jsonb")
			args = append(args, jsonArray([]string{f.Eq}))
		} else {
			where = append(where, field+" = ?")
			args = append(args, f.Eq)
		}
	case f.Ne != "":
		if jsonField {
			where = append(where, "NOT ("+field+" @> ?::jsonb)")
			args = append(args, jsonArray([]string{f.Ne}))
		} else {
			where = append(where, field+" <> ?")
			args = append(args, f.Ne)
		}
	case len(f.AnyOf) > 0:
		if jsonField {
			var ors []string
			for _, v := range f.AnyOf {
				ors = append(ors, field+" @> ?::jsonb")
				args = append(args, jsonArray([]string{v}))
			}
			where = append(where, "("+strings.Join(ors, " OR ")+")")
		} else {
			where = append(where, field+" IN ?")
			args = append(args, f.AnyOf)
		}
	default:
		if jsonField {
			for _, v := range f.NoneOf {
				where = append(where, "NOT ("+field+" @> ?::jsonb)")
				args = append(args, jsonArray([]string{v}))
			}
		} else {
			where = append(where, field+" NOT IN ?")
			args = append(args, f.NoneOf)
		}
	}
	return where, args
}

func timeWhere(field string, f *model.TimeFilter, where []string, args []any) ([]string, []any) {
	if f.IsZero() {
		return where, args
	}
	if f.Gt != nil {
		where = append(where, field+" > ?")
		args = append(args, *f.Gt)
	}
	if f.Gte != nil {
		where = append(where, field+" >= ?")
		args = append(args, *f.Gte)
	}
	if f.Lt != nil {
		where = append(where, field+" < ?")
		args = append(args, *f.Lt)
	}
	if f.Lte != nil {
		where = append(where, field+" <= ?")
		args = append(args, *f.Lte)
	}
	return where, args
}

func renderWhere(f *model.Filters, includeSuperseded bool) ([]string, []any) {
	where := []string{"TRUE"}
	var args []any
	if !includeSuperseded {
		where = append(where, "superseded_by = ''")
	}
	if f == nil {
		return where, args
	}
	where, args = tagWhere("namespace", f.Namespace, where, args)
	where, args = tagWhere("user_id", f.UserID, where, args)
	where, args = tagWhere("session_id", f.SessionID, where, args)
	where, args = tagWhere("memory_type", f.MemoryType, where, args)
	where, args = tagWhere("topics", f.Topics, where, args)
	where, args = tagWhere("entities", f.Entities, where, args)
	where, args = tagWhere("record_hash", f.Hash, where, args)
	where, args = timeWhere("created_at", f.CreatedAt, where, args)
	where, args = timeWhere("event_date", f.EventDate, where, args)
	where, args = timeWhere("last_accessed_at", f.LastAccessedAt, where, args)
	return where, args
}

var _ registryvector.VectorStore = (*PgvectorStore)(nil)
