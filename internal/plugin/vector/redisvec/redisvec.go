// Package redisvec is the default vector store: one Redis hash per record
// with a RediSearch HNSW index over the embedding field.
package redisvec

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/agentmem/memory-service/internal/config"
	"github.com/agentmem/memory-service/internal/keys"
	"github.com/agentmem/memory-service/internal/model"
	registryvector "github.com/agentmem/memory-service/internal/registry/vector"
)

func init() {
	registryvector.Register(registryvector.Plugin{
		Name:   "redis",
		Loader: load,
	})
}

func load(ctx context.Context) (registryvector.VectorStore, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil {
		return nil, fmt.Errorf("redis vector store: missing config")
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("redis vector store: parse url: %w", err)
	}
	dim := cfg.VectorDimensions
	if dim <= 0 {
		dim = 384
	}
	return New(redis.NewClient(opts), cfg.VectorIndexName, dim), nil
}

// emptyTag stands in for empty tag values, which RediSearch cannot index
// or match.
const emptyTag = "__empty__"

type Store struct {
	client    *redis.Client
	indexName string
	dim       int
}

// New returns a store over an existing client. EnsureSchema must run
// before the first search.
func New(client *redis.Client, indexName string, dim int) *Store {
	if indexName == "" {
		indexName = "memory_records"
	}
	return &Store{client: client, indexName: indexName, dim: dim}
}

func (s *Store) Name() string { return "redis" }

// EnsureSchema creates the search index if it does not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.client.FTInfo(ctx, s.indexName).Result()
	if err == nil {
		return nil
	}
	_, err = s.client.FTCreate(ctx, s.indexName,
		&redis.FTCreateOptions{
			OnHash: true,
			Prefix: []any{"ltm:"},
		},
		&redis.FieldSchema{FieldName: "namespace", FieldType: redis.SearchFieldTypeTag},
		&redis.FieldSchema{FieldName: "user_id", FieldType: redis.SearchFieldTypeTag},
		&redis.FieldSchema{FieldName: "session_id", FieldType: redis.SearchFieldTypeTag},
		&redis.FieldSchema{FieldName: "memory_type", FieldType: redis.SearchFieldTypeTag},
		&redis.FieldSchema{FieldName: "topics", FieldType: redis.SearchFieldTypeTag, Separator: "|"},
		&redis.FieldSchema{FieldName: "entities", FieldType: redis.SearchFieldTypeTag, Separator: "|"},
		&redis.FieldSchema{FieldName: "record_hash", FieldType: redis.SearchFieldTypeTag},
		&redis.FieldSchema{FieldName: "active", FieldType: redis.SearchFieldTypeTag},
		&redis.FieldSchema{FieldName: "created_at", FieldType: redis.SearchFieldTypeNumeric, Sortable: true},
		&redis.FieldSchema{FieldName: "event_date", FieldType: redis.SearchFieldTypeNumeric, Sortable: true},
		&redis.FieldSchema{FieldName: "last_accessed_at", FieldType: redis.SearchFieldTypeNumeric, Sortable: true},
		&redis.FieldSchema{FieldName: "vector", FieldType: redis.SearchFieldTypeVector,
			VectorArgs: &redis.FTVectorArgs{
				HNSWOptions: &redis.FTHNSWOptions{
					Type:           "FLOAT32",
					Dim:            s.dim,
					DistanceMetric: "COSINE",
				},
			}},
	).Result()
	if err != nil {
		return fmt.Errorf("redis vector store: create index: %w", err)
	}
	return nil
}

func (s *Store) Put(ctx context.Context, recs []model.MemoryRecord) error {
	pipe := s.client.Pipeline()
	for i := range recs {
		r := &recs[i]
		if r.ID == "" {
			return &registryvector.ValidationError{Field: "id", Message: "must not be empty"}
		}
		pipe.Del(ctx, keys.Record(r.ID))
		pipe.HSet(ctx, keys.Record(r.ID), recordFields(r))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return &registryvector.UnavailableError{Backend: "redis", Err: err}
	}
	return nil
}

func (s *Store) Get(ctx context.Context, ids []string) ([]model.MemoryRecord, error) {
	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, keys.Record(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, &registryvector.UnavailableError{Backend: "redis", Err: err}
	}
	var out []model.MemoryRecord
	for _, cmd := range cmds {
		fields, err := cmd.Result()
		if err != nil || len(fields) == 0 {
			continue
		}
		out = append(out, parseRecord(fields))
	}
	return out, nil
}

func (s *Store) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	ks := make([]string, len(ids))
	for i, id := range ids {
		ks[i] = keys.Record(id)
	}
	if err := s.client.Del(ctx, ks...).Err(); err != nil {
		return &registryvector.UnavailableError{Backend: "redis", Err: err}
	}
	return nil
}

func (s *Store) UpdateFields(ctx context.Context, id string, patch registryvector.FieldPatch) error {
	key := keys.Record(id)
	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return &registryvector.UnavailableError{Backend: "redis", Err: err}
	}
	if exists == 0 {
		return &registryvector.NotFoundError{Resource: "memory record", ID: id}
	}

	fields := map[string]any{}
	if patch.Vector != nil {
		fields["vector"] = vectorBytes(patch.Vector)
	}
	if patch.Topics != nil {
		fields["topics"] = joinTags(patch.Topics)
	}
	if patch.Entities != nil {
		fields["entities"] = joinTags(patch.Entities)
	}
	if patch.LastAccessedAt != nil {
		fields["last_accessed_at"] = *patch.LastAccessedAt
	}
	if patch.SupersededBy != nil {
		fields["superseded_by"] = *patch.SupersededBy
		if *patch.SupersededBy == "" {
			fields["active"] = "1"
		} else {
			fields["active"] = "0"
		}
	}
	if patch.EnrichmentFailed != nil {
		fields["enrichment_failed"] = boolField(*patch.EnrichmentFailed)
	}
	if patch.EventDate != nil {
		fields["event_date"] = *patch.EventDate
	}

	pipe := s.client.Pipeline()
	if len(fields) > 0 {
		pipe.HSet(ctx, key, fields)
	}
	if patch.AccessCountDelta != 0 {
		pipe.HIncrBy(ctx, key, "access_count", patch.AccessCountDelta)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return &registryvector.UnavailableError{Backend: "redis", Err: err}
	}
	return nil
}

func (s *Store) Search(ctx context.Context, q registryvector.SearchQuery) ([]registryvector.SearchResult, error) {
	filter := renderFilters(q.Filters, q.IncludeSuperseded)
	limit := q.Limit
	if limit <= 0 {
		limit = 10
	}

	opts := &redis.FTSearchOptions{
		DialectVersion: 2,
		LimitOffset:    q.Offset,
		Limit:          limit,
	}

	var query string
	if len(q.Vector) > 0 {
		query = fmt.Sprintf("(%s)=>[KNN %d @vector $vec AS vector_distance]", filter, q.Offset+limit)
		opts.Params = map[string]any{"vec": vectorBytes(q.Vector)}
		opts.SortBy = []redis.FTSearchSortBy{{FieldName: "vector_distance", Asc: true}}
	} else {
		query = filter
		opts.SortBy = []redis.FTSearchSortBy{{FieldName: "created_at", Desc: true}}
	}

	res, err := s.client.FTSearchWithArgs(ctx, s.indexName, query, opts).Result()
	if err != nil {
		return nil, &registryvector.UnavailableError{Backend: "redis", Err: err}
	}

	// FT.SEARCH returns indexed fields only in some configurations; fetch
	// full hashes so results always carry the complete record.
	ids := make([]string, 0, len(res.Docs))
	scores := make(map[string]float64, len(res.Docs))
	for _, doc := range res.Docs {
		id := keys.RecordID(doc.ID)
		ids = append(ids, id)
		score := 0.0
		if d, ok := doc.Fields["vector_distance"]; ok {
			if dist, perr := strconv.ParseFloat(d, 64); perr == nil {
				score = math.Max(0, math.Min(1, 1-dist))
			}
		}
		scores[id] = score
	}
	recs, err := s.Get(ctx, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]model.MemoryRecord, len(recs))
	for _, r := range recs {
		byID[r.ID] = r
	}
	out := make([]registryvector.SearchResult, 0, len(ids))
	for _, id := range ids {
		if r, ok := byID[id]; ok {
			out = append(out, registryvector.SearchResult{Record: r, Score: scores[id]})
		}
	}
	return out, nil
}

func (s *Store) Count(ctx context.Context, f *model.Filters) (int64, error) {
	opts := &redis.FTSearchOptions{DialectVersion: 2, LimitOffset: 0, Limit: 0}
	res, err := s.client.FTSearchWithArgs(ctx, s.indexName, renderFilters(f, true), opts).Result()
	if err != nil {
		return 0, &registryvector.UnavailableError{Backend: "redis", Err: err}
	}
	return int64(res.Total), nil
}

func recordFields(r *model.MemoryRecord) map[string]any {
	fields := map[string]any{
		"id":           r.ID,
		"text":         r.Text,
		"memory_type":  tagValue(string(r.MemoryType)),
		"namespace":    tagValue(r.Namespace),
		"user_id":      tagValue(r.UserID),
		"session_id":   tagValue(r.SessionID),
		"topics":       joinTags(r.Topics),
		"entities":     joinTags(r.Entities),
		"record_hash":  r.Hash,
		"created_at":   r.CreatedAt.UnixMilli(),
		"access_count": r.AccessCount,
	}
	if !r.LastAccessedAt.IsZero() {
		fields["last_accessed_at"] = r.LastAccessedAt.UnixMilli()
	}
	if r.EventDate != nil {
		fields["event_date"] = r.EventDate.UnixMilli()
	}
	if r.PersistedAt != nil {
		fields["persisted_at"] = r.PersistedAt.UnixMilli()
	}
	fields["superseded_by"] = r.SupersededBy
	if r.SupersededBy == "" {
		fields["active"] = "1"
	} else {
		fields["active"] = "0"
	}
	fields["enrichment_failed"] = boolField(r.EnrichmentFailed)
	if len(r.DiscreteSourceIDs) > 0 {
		fields["discrete_source_ids"] = strings.Join(r.DiscreteSourceIDs, "|")
	}
	if len(r.Vector) > 0 {
		fields["vector"] = vectorBytes(r.Vector)
	}
	return fields
}

func parseRecord(fields map[string]string) model.MemoryRecord {
	r := model.MemoryRecord{
		ID:           fields["id"],
		Text:         fields["text"],
		MemoryType:   model.MemoryType(untagValue(fields["memory_type"])),
		Namespace:    untagValue(fields["namespace"]),
		UserID:       untagValue(fields["user_id"]),
		SessionID:    untagValue(fields["session_id"]),
		Topics:       splitTags(fields["topics"]),
		Entities:     splitTags(fields["entities"]),
		Hash:         fields["record_hash"],
		SupersededBy: fields["superseded_by"],
	}
	r.CreatedAt = msTime(fields["created_at"])
	r.LastAccessedAt = msTime(fields["last_accessed_at"])
	if t := msTime(fields["event_date"]); !t.IsZero() {
		r.EventDate = &t
	}
	if t := msTime(fields["persisted_at"]); !t.IsZero() {
		r.PersistedAt = &t
	}
	if n, err := strconv.ParseInt(fields["access_count"], 10, 64); err == nil {
		r.AccessCount = n
	}
	r.EnrichmentFailed = fields["enrichment_failed"] == "1"
	if v := fields["discrete_source_ids"]; v != "" {
		r.DiscreteSourceIDs = strings.Split(v, "|")
	}
	if v := fields["vector"]; v != "" {
		r.Vector = vectorFromBytes([]byte(v))
	}
	return r
}

func msTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func vectorBytes(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func vectorFromBytes(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// tagValue maps "" to a sentinel so empty identity fields stay matchable.
func tagValue(v string) string {
	if v == "" {
		return emptyTag
	}
	return v
}

func untagValue(v string) string {
	if v == emptyTag {
		return ""
	}
	return v
}

func joinTags(vs []string) string {
	return strings.Join(vs, "|")
}

func splitTags(v string) []string {
	if v == "" {
		return nil
	}
	return strings.Split(v, "|")
}

// escapeTag backslash-escapes RediSearch tag syntax characters.
func escapeTag(v string) string {
	var b strings.Builder
	for _, c := range v {
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_') {
			b.WriteByte('\\')
		}
		b.WriteRune(c)
	}
	return b.String()
}

func tagClause(field string, f *model.TagFilter, mapEmpty bool) string {
	if f.IsZero() {
		return ""
	}
	val := func(v string) string {
		if mapEmpty {
			v = tagValue(v)
		}
		return escapeTag(v)
	}
	switch {
	case f.Eq != "":
		return "@" + field + ":{" + val(f.Eq) + "}"
	case f.Ne != "":
		return "-@" + field + ":{" + val(f.Ne) + "}"
	case len(f.AnyOf) > 0:
		return "@" + field + ":{" + joinVals(f.AnyOf, val) + "}"
	default:
		return "-@" + field + ":{" + joinVals(f.NoneOf, val) + "}"
	}
}

func joinVals(vs []string, val func(string) string) string {
	out := make([]string, len(vs))
	for i, v := range vs {
		out[i] = val(v)
	}
	return strings.Join(out, "|")
}

func timeClause(field string, f *model.TimeFilter) string {
	if f.IsZero() {
		return ""
	}
	lo, hi := "-inf", "+inf"
	if f.Gt != nil {
		lo = "(" + strconv.FormatInt(f.Gt.UnixMilli(), 10)
	}
	if f.Gte != nil {
		lo = strconv.FormatInt(f.Gte.UnixMilli(), 10)
	}
	if f.Lt != nil {
		hi = "(" + strconv.FormatInt(f.Lt.UnixMilli(), 10)
	}
	if f.Lte != nil {
		hi = strconv.FormatInt(f.Lte.UnixMilli(), 10)
	}
	return "@" + field + ":[" + lo + " " + hi + "]"
}

// renderFilters translates the filter set into RediSearch query syntax.
// This is the single place the translation lives.
func renderFilters(f *model.Filters, includeSuperseded bool) string {
	var clauses []string
	if !includeSuperseded {
		clauses = append(clauses, "@active:{1}")
	}
	if f != nil {
		for _, c := range []string{
			tagClause("namespace", f.Namespace, true),
			tagClause("user_id", f.UserID, true),
			tagClause("session_id", f.SessionID, true),
			tagClause("memory_type", f.MemoryType, true),
			tagClause("record_hash", f.Hash, false),
			tagClause("topics", f.Topics, false),
			tagClause("entities", f.Entities, false),
			timeClause("created_at", f.CreatedAt),
			timeClause("event_date", f.EventDate),
			timeClause("last_accessed_at", f.LastAccessedAt),
		} {
			if c != "" {
				clauses = append(clauses, c)
			}
		}
	}
	if len(clauses) == 0 {
		return "*"
	}
	return strings.Join(clauses, " ")
}

var _ registryvector.VectorStore = (*Store)(nil)
