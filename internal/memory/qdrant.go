package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/mollendorff-ai/noesis/internal/thought"
)

// Collection is the Qdrant collection holding consolidated records.
const Collection = "noesis_memory"

// Config holds connection settings for a Qdrant instance.
type Config struct {
	Host      string `json:"host"`
	Port      int    `json:"port"`
	Dimension uint64 `json:"dimension"`
}

// Store wraps gRPC connections to Qdrant's collections and points services.
type Store struct {
	conn        *grpc.ClientConn
	collections pb.CollectionsClient
	points      pb.PointsClient
	dimension   uint64
}

// NewStore dials the Qdrant gRPC endpoint and returns a ready Store.
func NewStore(cfg Config) (*Store, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("qdrant connect %s: %w", addr, err)
	}
	return &Store{
		conn:        conn,
		collections: pb.NewCollectionsClient(conn),
		points:      pb.NewPointsClient(conn),
		dimension:   cfg.Dimension,
	}, nil
}

// EnsureCollection creates the memory collection if it does not already
// exist.
func (s *Store) EnsureCollection(ctx context.Context) error {
	_, err := s.collections.Get(ctx, &pb.GetCollectionInfoRequest{CollectionName: Collection})
	if err == nil {
		return nil
	}
	_, err = s.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: Collection,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     s.dimension,
					Distance: pb.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("create collection %s: %w", Collection, err)
	}
	return nil
}

// Upsert writes a record. The point ID is the record ID, so writing the
// same experience twice overwrites instead of duplicating.
func (s *Store) Upsert(ctx context.Context, r *Record) error {
	if uint64(len(r.Vector)) != s.dimension {
		return fmt.Errorf("vector dimension %d, want %d", len(r.Vector), s.dimension)
	}
	_, err := s.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: Collection,
		Points: []*pb.PointStruct{
			{
				Id:      &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: r.ID.String()}},
				Vectors: &pb.Vectors{VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: r.Vector}}},
				Payload: encodePayload(r),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("upsert record %s: %w", r.ID, err)
	}
	return nil
}

// Search performs a nearest-neighbor search. A non-nil episode restricts
// results to that episode's records.
func (s *Store) Search(ctx context.Context, vector []float32, topK uint64, episode *uuid.UUID) ([]*Record, error) {
	req := &pb.SearchPoints{
		CollectionName: Collection,
		Vector:         vector,
		Limit:          topK,
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	}
	if episode != nil {
		req.Filter = episodeFilter(*episode)
	}
	resp, err := s.points.Search(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", Collection, err)
	}
	records := make([]*Record, 0, len(resp.Result))
	for _, hit := range resp.Result {
		if r, ok := decodePayload(hit.Id.GetUuid(), hit.Payload); ok {
			records = append(records, r)
		}
	}
	return records, nil
}

// Scroll pages through stored records without a query vector. The replay
// scheduler uses it to gather the candidate pool for a sleep cycle.
// Returns records plus the offset for the next page, nil when exhausted.
func (s *Store) Scroll(ctx context.Context, limit uint32, offset *pb.PointId) ([]*Record, *pb.PointId, error) {
	resp, err := s.points.Scroll(ctx, &pb.ScrollPoints{
		CollectionName: Collection,
		Limit:          &limit,
		Offset:         offset,
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("scroll %s: %w", Collection, err)
	}
	records := make([]*Record, 0, len(resp.Result))
	for _, point := range resp.Result {
		if r, ok := decodePayload(point.Id.GetUuid(), point.Payload); ok {
			records = append(records, r)
		}
	}
	return records, resp.NextPageOffset, nil
}

// ReplayPool collects up to limit records by scrolling the whole
// collection. The replay scheduler ranks this pool by priority; the
// store does not order it.
func (s *Store) ReplayPool(ctx context.Context, limit int) ([]*Record, error) {
	var pool []*Record
	var offset *pb.PointId
	for len(pool) < limit {
		page := uint32(limit - len(pool))
		if page > 256 {
			page = 256
		}
		records, next, err := s.Scroll(ctx, page, offset)
		if err != nil {
			return nil, err
		}
		pool = append(pool, records...)
		if next == nil || len(records) == 0 {
			break
		}
		offset = next
	}
	return pool, nil
}

// UpdateConsolidation overwrites the volatile consolidation fields after a
// replay pass, leaving content and vector untouched.
func (s *Store) UpdateConsolidation(ctx context.Context, r *Record) error {
	_, err := s.points.SetPayload(ctx, &pb.SetPayloadPoints{
		CollectionName: Collection,
		Payload: map[string]*pb.Value{
			"strength":      doubleValue(r.Strength),
			"replay_count":  intValue(int64(r.ReplayCount)),
			"last_replayed": stringValue(r.LastReplayed.UTC().Format(time.RFC3339Nano)),
		},
		PointsSelector: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Points{
				Points: &pb.PointsIdsList{
					Ids: []*pb.PointId{{PointIdOptions: &pb.PointId_Uuid{Uuid: r.ID.String()}}},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("update consolidation %s: %w", r.ID, err)
	}
	return nil
}

// Delete removes records that decayed below the forgetting threshold.
func (s *Store) Delete(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	points := make([]*pb.PointId, len(ids))
	for i, id := range ids {
		points[i] = &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: id.String()}}
	}
	_, err := s.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: Collection,
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Points{
				Points: &pb.PointsIdsList{Ids: points},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("delete records: %w", err)
	}
	return nil
}

// Count returns the number of stored records.
func (s *Store) Count(ctx context.Context) (uint64, error) {
	exact := true
	resp, err := s.points.Count(ctx, &pb.CountPoints{
		CollectionName: Collection,
		Exact:          &exact,
	})
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", Collection, err)
	}
	return resp.Result.Count, nil
}

// Close tears down the underlying gRPC connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

func episodeFilter(episode uuid.UUID) *pb.Filter {
	return &pb.Filter{
		Must: []*pb.Condition{
			{
				ConditionOneOf: &pb.Condition_Field{
					Field: &pb.FieldCondition{
						Key: "episode_id",
						Match: &pb.Match{
							MatchValue: &pb.Match_Keyword{Keyword: episode.String()},
						},
					},
				},
			},
		},
	}
}

func encodePayload(r *Record) map[string]*pb.Value {
	return map[string]*pb.Value{
		"content":             stringValue(r.Content),
		"channel":             stringValue(string(r.Channel)),
		"emotional_intensity": doubleValue(r.EmotionalIntensity),
		"connection":          doubleValue(r.Connection),
		"strength":            doubleValue(r.Strength),
		"replay_count":        intValue(int64(r.ReplayCount)),
		"tagged":              boolValue(r.Tagged),
		"episode_id":          stringValue(r.EpisodeID.String()),
		"created_at":          stringValue(r.CreatedAt.UTC().Format(time.RFC3339Nano)),
		"last_replayed":       stringValue(r.LastReplayed.UTC().Format(time.RFC3339Nano)),
	}
}

func decodePayload(id string, payload map[string]*pb.Value) (*Record, bool) {
	rid, err := uuid.Parse(id)
	if err != nil {
		return nil, false
	}
	r := &Record{
		ID:                 rid,
		Content:            payloadString(payload, "content"),
		Channel:            thought.Channel(payloadString(payload, "channel")),
		EmotionalIntensity: payloadDouble(payload, "emotional_intensity"),
		Connection:         payloadDouble(payload, "connection"),
		Strength:           payloadDouble(payload, "strength"),
		ReplayCount:        int(payloadInt(payload, "replay_count")),
		Tagged:             payloadBool(payload, "tagged"),
	}
	if eid, err := uuid.Parse(payloadString(payload, "episode_id")); err == nil {
		r.EpisodeID = eid
	}
	if t, err := time.Parse(time.RFC3339Nano, payloadString(payload, "created_at")); err == nil {
		r.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, payloadString(payload, "last_replayed")); err == nil {
		r.LastReplayed = t
	}
	return r, true
}

func stringValue(v string) *pb.Value {
	return &pb.Value{Kind: &pb.Value_StringValue{StringValue: v}}
}

func doubleValue(v float64) *pb.Value {
	return &pb.Value{Kind: &pb.Value_DoubleValue{DoubleValue: v}}
}

func intValue(v int64) *pb.Value {
	return &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: v}}
}

func boolValue(v bool) *pb.Value {
	return &pb.Value{Kind: &pb.Value_BoolValue{BoolValue: v}}
}

func payloadString(p map[string]*pb.Value, key string) string {
	if v, ok := p[key]; ok {
		if sv, ok := v.Kind.(*pb.Value_StringValue); ok {
			return sv.StringValue
		}
	}
	return ""
}

func payloadDouble(p map[string]*pb.Value, key string) float64 {
	if v, ok := p[key]; ok {
		if dv, ok := v.Kind.(*pb.Value_DoubleValue); ok {
			return dv.DoubleValue
		}
	}
	return 0
}

func payloadInt(p map[string]*pb.Value, key string) int64 {
	if v, ok := p[key]; ok {
		if iv, ok := v.Kind.(*pb.Value_IntegerValue); ok {
			return iv.IntegerValue
		}
	}
	return 0
}

func payloadBool(p map[string]*pb.Value, key string) bool {
	if v, ok := p[key]; ok {
		if bv, ok := v.Kind.(*pb.Value_BoolValue); ok {
			return bv.BoolValue
		}
	}
	return false
}
