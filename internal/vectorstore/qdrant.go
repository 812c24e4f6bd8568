package vectorstore

import (
	"context"
	"fmt"

	"github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"

	"github.com/minirag/minirag/internal/observability"
)

// Search responses carry full chunk payloads, so large batches overflow
// gRPC's default 4MB receive cap.
const grpcMaxRecvBytes = 32 << 20

// Payload field names. content and source_id are read back during
// retrieval; the rest exist for filtering. chunk_id duplicates the
// point id so the payload alone identifies the chunk row.
const (
	fieldTenantID     = "tenant_id"
	fieldSourceID     = "source_id"
	fieldBotProfileID = "bot_profile_id"
	fieldChunkID      = "chunk_id"
	fieldDocumentID   = "document_id"
	fieldOrdinal      = "ordinal"
	fieldContent      = "content"
)

// QdrantStore implements Store over a Qdrant gRPC connection.
type QdrantStore struct {
	client     *qdrant.Client
	collection string
	dimension  uint64
	logger     observability.Logger
}

// NewQdrantStore connects to Qdrant. The collection is created lazily by
// EnsureCollection so the server can start before Qdrant does.
func NewQdrantStore(host string, port int, collection string, dimension int, logger observability.Logger) (*QdrantStore, error) {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host: host,
		Port: port,
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(grpcMaxRecvBytes)),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to qdrant: %w", err)
	}
	return &QdrantStore{
		client:     client,
		collection: collection,
		dimension:  uint64(dimension),
		logger:     logger.WithPrefix("vectorstore"),
	}, nil
}

// EnsureCollection creates the shared collection with cosine distance if
// it does not exist.
func (s *QdrantStore) EnsureCollection(ctx context.Context) error {
	exists, err := s.client.CollectionExists(ctx, s.collection)
	if err != nil {
		return fmt.Errorf("failed to check collection: %w", err)
	}
	if exists {
		return nil
	}

	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: s.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     s.dimension,
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("failed to create collection %s: %w", s.collection, err)
	}
	s.logger.Info("Created vector collection", map[string]interface{}{
		"collection": s.collection,
		"dimension":  s.dimension,
	})
	return nil
}

// Upsert writes points with their payloads, waiting for the write to be
// applied so a following search sees it.
func (s *QdrantStore) Upsert(ctx context.Context, points []Point) error {
	if len(points) == 0 {
		return nil
	}

	structs := make([]*qdrant.PointStruct, 0, len(points))
	for _, p := range points {
		structs = append(structs, &qdrant.PointStruct{
			Id:      qdrant.NewID(p.ID),
			Vectors: qdrant.NewVectors(p.Vector...),
			Payload: qdrant.NewValueMap(map[string]any{
				fieldTenantID:     p.Payload.TenantID,
				fieldSourceID:     p.Payload.SourceID,
				fieldBotProfileID: p.Payload.BotProfileID,
				fieldChunkID:      p.ID,
				fieldDocumentID:   p.Payload.DocumentID,
				fieldOrdinal:      int64(p.Payload.Ordinal),
				fieldContent:      p.Payload.Content,
			}),
		})
	}

	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.collection,
		Points:         structs,
		Wait:           qdrant.PtrOf(true),
	})
	if err != nil {
		return fmt.Errorf("failed to upsert %d points: %w", len(points), err)
	}
	return nil
}

// DeleteBySource removes all vectors of one source under a tenant.
func (s *QdrantStore) DeleteBySource(ctx context.Context, tenantID, sourceID string) error {
	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.collection,
		Points: qdrant.NewPointsSelectorFilter(&qdrant.Filter{
			Must: []*qdrant.Condition{
				qdrant.NewMatch(fieldTenantID, tenantID),
				qdrant.NewMatch(fieldSourceID, sourceID),
			},
		}),
		Wait: qdrant.PtrOf(true),
	})
	if err != nil {
		return fmt.Errorf("failed to delete vectors for source %s: %w", sourceID, err)
	}
	return nil
}

// Search runs a filtered nearest-neighbor query.
func (s *QdrantStore) Search(ctx context.Context, query SearchQuery) ([]Match, error) {
	results, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.collection,
		Query:          qdrant.NewQuery(query.Vector...),
		Filter: &qdrant.Filter{
			Must: []*qdrant.Condition{
				qdrant.NewMatch(fieldTenantID, query.TenantID),
				qdrant.NewMatch(fieldBotProfileID, query.BotProfileID),
			},
		},
		Limit:       qdrant.PtrOf(uint64(query.TopK)),
		WithPayload: qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}

	matches := make([]Match, 0, len(results))
	for _, point := range results {
		match := Match{
			ChunkID: point.Id.GetUuid(),
			Score:   point.Score,
		}
		if v, ok := point.Payload[fieldContent]; ok {
			match.Content = v.GetStringValue()
		}
		if v, ok := point.Payload[fieldSourceID]; ok {
			match.SourceID = v.GetStringValue()
		}
		matches = append(matches, match)
	}
	return matches, nil
}

// Ping checks the Qdrant connection.
func (s *QdrantStore) Ping(ctx context.Context) error {
	if _, err := s.client.HealthCheck(ctx); err != nil {
		return fmt.Errorf("qdrant health check failed: %w", err)
	}
	return nil
}

// Close releases the gRPC connection.
func (s *QdrantStore) Close() error {
	return s.client.Close()
}
