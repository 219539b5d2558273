package qdrant

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/agentmem/memory-service/internal/config"
	"github.com/agentmem/memory-service/internal/model"
	registryvector "github.com/agentmem/memory-service/internal/registry/vector"
)

func init() {
	registryvector.Register(registryvector.Plugin{
		Name:   "qdrant",
		Loader: load,
	})
}

func load(ctx context.Context) (registryvector.VectorStore, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil {
		return nil, fmt.Errorf("qdrant: missing config in context")
	}
	conn, err := grpc.NewClient(cfg.QdrantAddress(), dialOptions(cfg)...)
	if err != nil {
		return nil, fmt.Errorf("qdrant: connect: %w", err)
	}
	dim := cfg.VectorDimensions
	if dim <= 0 {
		dim = 384
	}
	return &QdrantStore{
		points:         pb.NewPointsClient(conn),
		collections:    pb.NewCollectionsClient(conn),
		conn:           conn,
		collectionName: effectiveCollectionName(cfg),
		dim:            uint64(dim),
	}, nil
}

type QdrantStore struct {
	points         pb.PointsClient
	collections    pb.CollectionsClient
	conn           *grpc.ClientConn
	collectionName string
	dim            uint64
}

func (s *QdrantStore) Name() string { return "qdrant" }

func (s *QdrantStore) EnsureSchema(ctx context.Context) error {
	_, err := s.collections.Get(ctx, &pb.GetCollectionInfoRequest{CollectionName: s.collectionName})
	if err == nil {
		return nil
	}
	_, err = s.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: s.collectionName,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     s.dim,
					Distance: pb.Distance_Cosine,
				},
			},
		},
		HnswConfig: &pb.HnswConfigDiff{
			M:                 newUint64(16),
			EfConstruct:       newUint64(64),
			FullScanThreshold: newUint64(10000),
		},
	})
	if err != nil {
		return fmt.Errorf("qdrant: create collection: %w", err)
	}
	return nil
}

func (s *QdrantStore) Put(ctx context.Context, recs []model.MemoryRecord) error {
	points := make([]*pb.PointStruct, len(recs))
	for i := range recs {
		r := &recs[i]
		if r.ID == "" {
			return &registryvector.ValidationError{Field: "id", Message: "must not be empty"}
		}
		vec := r.Vector
		if len(vec) == 0 {
			// qdrant requires a vector per point; a zero vector never ranks
			// in cosine search, which is what un-embedded records need
			vec = make([]float32, s.dim)
		}
		points[i] = &pb.PointStruct{
			Id: pointID(r.ID),
			Vectors: &pb.Vectors{
				VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: vec}},
			},
			Payload: recordPayload(r),
		}
	}
	_, err := s.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: s.collectionName,
		Points:         points,
	})
	if err != nil {
		return &registryvector.UnavailableError{Backend: "qdrant", Err: err}
	}
	return nil
}

func (s *QdrantStore) Get(ctx context.Context, ids []string) ([]model.MemoryRecord, error) {
	pids := make([]*pb.PointId, len(ids))
	for i, id := range ids {
		pids[i] = pointID(id)
	}
	resp, err := s.points.Get(ctx, &pb.GetPoints{
		CollectionName: s.collectionName,
		Ids:            pids,
		WithPayload:    withPayload(),
		WithVectors:    &pb.WithVectorsSelector{SelectorOptions: &pb.WithVectorsSelector_Enable{Enable: true}},
	})
	if err != nil {
		return nil, &registryvector.UnavailableError{Backend: "qdrant", Err: err}
	}
	out := make([]model.MemoryRecord, 0, len(resp.GetResult()))
	for _, pt := range resp.GetResult() {
		r := recordFromPayload(pt.GetPayload())
		if v := pt.GetVectors().GetVector(); v != nil {
			r.Vector = v.GetData()
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *QdrantStore) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	pids := make([]*pb.PointId, len(ids))
	for i, id := range ids {
		pids[i] = pointID(id)
	}
	_, err := s.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: s.collectionName,
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Points{
				Points: &pb.PointsIdsList{Ids: pids},
			},
		},
	})
	if err != nil {
		return &registryvector.UnavailableError{Backend: "qdrant", Err: err}
	}
	return nil
}

// UpdateFields is read-modify-write: qdrant has no server-side counter
// increment, so concurrent access-count updates may lose increments. The
// touch path batches per-record updates, which keeps the window small.
func (s *QdrantStore) UpdateFields(ctx context.Context, id string, patch registryvector.FieldPatch) error {
	existing, err := s.Get(ctx, []string{id})
	if err != nil {
		return err
	}
	if len(existing) == 0 {
		return &registryvector.NotFoundError{Resource: "memory record", ID: id}
	}
	r := existing[0]
	if patch.Vector != nil {
		r.Vector = patch.Vector
	}
	if patch.Topics != nil {
		r.Topics = patch.Topics
	}
	if patch.Entities != nil {
		r.Entities = patch.Entities
	}
	if patch.LastAccessedAt != nil {
		r.LastAccessedAt = time.UnixMilli(*patch.LastAccessedAt).UTC()
	}
	r.AccessCount += patch.AccessCountDelta
	if patch.SupersededBy != nil {
		r.SupersededBy = *patch.SupersededBy
	}
	if patch.EnrichmentFailed != nil {
		r.EnrichmentFailed = *patch.EnrichmentFailed
	}
	if patch.EventDate != nil {
		t := time.UnixMilli(*patch.EventDate).UTC()
		r.EventDate = &t
	}
	return s.Put(ctx, []model.MemoryRecord{r})
}

func (s *QdrantStore) Search(ctx context.Context, q registryvector.SearchQuery) ([]registryvector.SearchResult, error) {
	filter := renderFilter(q.Filters, q.IncludeSuperseded)
	limit := q.Limit
	if limit <= 0 {
		limit = 10
	}

	if len(q.Vector) == 0 {
		return s.scroll(ctx, filter, q.Offset, limit)
	}

	resp, err := s.points.Search(ctx, &pb.SearchPoints{
		CollectionName: s.collectionName,
		Vector:         q.Vector,
		Limit:          uint64(limit),
		Offset:         newUint64(uint64(q.Offset)),
		Filter:         filter,
		WithPayload:    withPayload(),
	})
	if err != nil {
		return nil, &registryvector.UnavailableError{Backend: "qdrant", Err: err}
	}
	var results []registryvector.SearchResult
	for _, pt := range resp.GetResult() {
		results = append(results, registryvector.SearchResult{
			Record: recordFromPayload(pt.GetPayload()),
			Score:  math.Max(0, math.Min(1, float64(pt.GetScore()))),
		})
	}
	return results, nil
}

func (s *QdrantStore) scroll(ctx context.Context, filter *pb.Filter, offset, limit int) ([]registryvector.SearchResult, error) {
	// qdrant scroll has no numeric offset; over-fetch and slice. Scans are
	// maintenance paths with modest offsets.
	fetch := uint32(offset + limit)
	resp, err := s.points.Scroll(ctx, &pb.ScrollPoints{
		CollectionName: s.collectionName,
		Filter:         filter,
		Limit:          &fetch,
		WithPayload:    withPayload(),
	})
	if err != nil {
		return nil, &registryvector.UnavailableError{Backend: "qdrant", Err: err}
	}
	pts := resp.GetResult()
	if offset >= len(pts) {
		return nil, nil
	}
	pts = pts[offset:]
	var results []registryvector.SearchResult
	for _, pt := range pts {
		results = append(results, registryvector.SearchResult{Record: recordFromPayload(pt.GetPayload())})
	}
	return results, nil
}

func (s *QdrantStore) Count(ctx context.Context, f *model.Filters) (int64, error) {
	exact := true
	resp, err := s.points.Count(ctx, &pb.CountPoints{
		CollectionName: s.collectionName,
		Filter:         renderFilter(f, true),
		Exact:          &exact,
	})
	if err != nil {
		return 0, &registryvector.UnavailableError{Backend: "qdrant", Err: err}
	}
	return int64(resp.GetResult().GetCount()), nil
}

func pointID(id string) *pb.PointId {
	return &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: id}}
}

func withPayload() *pb.WithPayloadSelector {
	return &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}}
}

func strValue(v string) *pb.Value {
	return &pb.Value{Kind: &pb.Value_StringValue{StringValue: v}}
}

func intValue(v int64) *pb.Value {
	return &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: v}}
}

func boolValue(v bool) *pb.Value {
	return &pb.Value{Kind: &pb.Value_BoolValue{BoolValue: v}}
}

func listValue(vs []string) *pb.Value {
	items := make([]*pb.Value, len(vs))
	for i, v := range vs {
		items[i] = strValue(v)
	}
	return &pb.Value{Kind: &pb.Value_ListValue{ListValue: &pb.ListValue{Values: items}}}
}

func recordPayload(r *model.MemoryRecord) map[string]*pb.Value {
	payload := map[string]*pb.Value{
		"id":            strValue(r.ID),
		"text":          strValue(r.Text),
		"memory_type":   strValue(string(r.MemoryType)),
		"namespace":     strValue(r.Namespace),
		"user_id":       strValue(r.UserID),
		"session_id":    strValue(r.SessionID),
		"topics":        listValue(r.Topics),
		"entities":      listValue(r.Entities),
		"record_hash":   strValue(r.Hash),
		"created_at":    intValue(r.CreatedAt.UnixMilli()),
		"access_count":  intValue(r.AccessCount),
		"superseded_by": strValue(r.SupersededBy),
		"active":        boolValue(r.SupersededBy == ""),
		"has_vector":    boolValue(len(r.Vector) > 0),
	}
	if !r.LastAccessedAt.IsZero() {
		payload["last_accessed_at"] = intValue(r.LastAccessedAt.UnixMilli())
	}
	if r.EventDate != nil {
		payload["event_date"] = intValue(r.EventDate.UnixMilli())
	}
	if r.PersistedAt != nil {
		payload["persisted_at"] = intValue(r.PersistedAt.UnixMilli())
	}
	if len(r.DiscreteSourceIDs) > 0 {
		payload["discrete_source_ids"] = listValue(r.DiscreteSourceIDs)
	}
	if r.EnrichmentFailed {
		payload["enrichment_failed"] = boolValue(true)
	}
	return payload
}

func recordFromPayload(payload map[string]*pb.Value) model.MemoryRecord {
	str := func(k string) string { return payload[k].GetStringValue() }
	i64 := func(k string) int64 { return payload[k].GetIntegerValue() }
	list := func(k string) []string {
		var out []string
		for _, v := range payload[k].GetListValue().GetValues() {
			if s := v.GetStringValue(); s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	r := model.MemoryRecord{
		ID:                str("id"),
		Text:              str("text"),
		MemoryType:        model.MemoryType(str("memory_type")),
		Namespace:         str("namespace"),
		UserID:            str("user_id"),
		SessionID:         str("session_id"),
		Topics:            list("topics"),
		Entities:          list("entities"),
		Hash:              str("record_hash"),
		SupersededBy:      str("superseded_by"),
		AccessCount:       i64("access_count"),
		DiscreteSourceIDs: list("discrete_source_ids"),
		EnrichmentFailed:  payload["enrichment_failed"].GetBoolValue(),
	}
	if ms := i64("created_at"); ms != 0 {
		r.CreatedAt = time.UnixMilli(ms).UTC()
	}
	if ms := i64("last_accessed_at"); ms != 0 {
		r.LastAccessedAt = time.UnixMilli(ms).UTC()
	}
	if ms := i64("event_date"); ms != 0 {
		t := time.UnixMilli(ms).UTC()
		r.EventDate = &t
	}
	if ms := i64("persisted_at"); ms != 0 {
		t := time.UnixMilli(ms).UTC()
		r.PersistedAt = &t
	}
	return r
}

func keywordCondition(field, value string) *pb.Condition {
	return &pb.Condition{
		ConditionOneOf: &pb.Condition_Field{
			Field: &pb.FieldCondition{
				Key:   field,
				Match: &pb.Match{MatchValue: &pb.Match_Keyword{Keyword: value}},
			},
		},
	}
}

func keywordsCondition(field string, values []string) *pb.Condition {
	return &pb.Condition{
		ConditionOneOf: &pb.Condition_Field{
			Field: &pb.FieldCondition{
				Key: field,
				Match: &pb.Match{MatchValue: &pb.Match_Keywords{
					Keywords: &pb.RepeatedStrings{Strings: values},
				}},
			},
		},
	}
}

func boolCondition(field string, value bool) *pb.Condition {
	return &pb.Condition{
		ConditionOneOf: &pb.Condition_Field{
			Field: &pb.FieldCondition{
				Key:   field,
				Match: &pb.Match{MatchValue: &pb.Match_Boolean{Boolean: value}},
			},
		},
	}
}

func rangeCondition(field string, f *model.TimeFilter) *pb.Condition {
	rng := &pb.Range{}
	if f.Gt != nil {
		v := float64(f.Gt.UnixMilli())
		rng.Gt = &v
	}
	if f.Gte != nil {
		v := float64(f.Gte.UnixMilli())
		rng.Gte = &v
	}
	if f.Lt != nil {
		v := float64(f.Lt.UnixMilli())
		rng.Lt = &v
	}
	if f.Lte != nil {
		v := float64(f.Lte.UnixMilli())
		rng.Lte = &v
	}
	return &pb.Condition{
		ConditionOneOf: &pb.Condition_Field{
			Field: &pb.FieldCondition{Key: field, Range: rng},
		},
	}
}

func appendTag(must, mustNot []*pb.Condition, field string, f *model.TagFilter) ([]*pb.Condition, []*pb.Condition) {
	if f.IsZero() {
		return must, mustNot
	}
	switch {
	case f.Eq != "":
		must = append(must, keywordCondition(field, f.Eq))
	case f.Ne != "":
		mustNot = append(mustNot, keywordCondition(field, f.Ne))
	case len(f.AnyOf) > 0:
		must = append(must, keywordsCondition(field, f.AnyOf))
	default:
		mustNot = append(mustNot, keywordsCondition(field, f.NoneOf))
	}
	return must, mustNot
}

func renderFilter(f *model.Filters, includeSuperseded bool) *pb.Filter {
	var must, mustNot []*pb.Condition
	if !includeSuperseded {
		must = append(must, boolCondition("active", true))
	}
	if f != nil {
		must, mustNot = appendTag(must, mustNot, "namespace", f.Namespace)
		must, mustNot = appendTag(must, mustNot, "user_id", f.UserID)
		must, mustNot = appendTag(must, mustNot, "session_id", f.SessionID)
		must, mustNot = appendTag(must, mustNot, "memory_type", f.MemoryType)
		must, mustNot = appendTag(must, mustNot, "topics", f.Topics)
		must, mustNot = appendTag(must, mustNot, "entities", f.Entities)
		must, mustNot = appendTag(must, mustNot, "record_hash", f.Hash)
		for _, tc := range []struct {
			field string
			f     *model.TimeFilter
		}{
			{"created_at", f.CreatedAt},
			{"event_date", f.EventDate},
			{"last_accessed_at", f.LastAccessedAt},
		} {
			if !tc.f.IsZero() {
				must = append(must, rangeCondition(tc.field, tc.f))
			}
		}
	}
	if len(must) == 0 && len(mustNot) == 0 {
		return nil
	}
	return &pb.Filter{Must: must, MustNot: mustNot}
}

func newUint64(v uint64) *uint64 {
	return &v
}

func dialOptions(cfg *config.Config) []grpc.DialOption {
	opts := make([]grpc.DialOption, 0, 2)
	if cfg.QdrantUseTLS {
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(nil)))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	if strings.TrimSpace(cfg.QdrantAPIKey) != "" {
		opts = append(opts, grpc.WithPerRPCCredentials(apiKeyCredentials{
			apiKey:     cfg.QdrantAPIKey,
			requireTLS: cfg.QdrantUseTLS,
		}))
	}
	return opts
}

type apiKeyCredentials struct {
	apiKey     string
	requireTLS bool
}

func (a apiKeyCredentials) GetRequestMetadata(context.Context, ...string) (map[string]string, error) {
	return map[string]string{"api-key": a.apiKey}, nil
}

func (a apiKeyCredentials) RequireTransportSecurity() bool {
	return a.requireTLS
}

func effectiveCollectionName(cfg *config.Config) string {
	if name := strings.TrimSpace(cfg.QdrantCollectionName); name != "" {
		return name
	}
	return cfg.VectorIndexName
}

var _ registryvector.VectorStore = (*QdrantStore)(nil)
