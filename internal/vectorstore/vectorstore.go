// Package vectorstore stores and searches chunk embeddings. All tenants
// share one collection; isolation is enforced by payload filters, so
// every query built here carries a tenant_id condition.
package vectorstore

import "context"

// Payload is the metadata stored alongside each vector. Content rides
// along so retrieval needs no second lookup.
type Payload struct {
	TenantID     string
	SourceID     string
	BotProfileID string
	DocumentID   string
	Ordinal      int
	Content      string
}

// Point is one embedded chunk ready for upsert. ID must be the chunk's
// UUID; re-upserting the same ID overwrites the prior vector.
type Point struct {
	ID      string
	Vector  []float32
	Payload Payload
}

// SearchQuery is a tenant-scoped nearest-neighbor query.
type SearchQuery struct {
	TenantID     string
	BotProfileID string
	Vector       []float32
	TopK         int
}

// Match is one search hit.
type Match struct {
	ChunkID  string
	Content  string
	Score    float32
	SourceID string
}

// Store is the vector database surface the platform needs.
type Store interface {
	// EnsureCollection creates the shared collection if it does not
	// exist yet.
	EnsureCollection(ctx context.Context) error

	// Upsert writes points, overwriting any with the same ID.
	Upsert(ctx context.Context, points []Point) error

	// DeleteBySource removes every vector of one source under a tenant.
	DeleteBySource(ctx context.Context, tenantID, sourceID string) error

	// Search returns the TopK nearest matches under the query's tenant
	// and bot profile filter, best first.
	Search(ctx context.Context, query SearchQuery) ([]Match, error)

	// Ping verifies connectivity.
	Ping(ctx context.Context) error

	// Close releases the connection.
	Close() error
}
