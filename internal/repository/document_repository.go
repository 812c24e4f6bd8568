package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/minirag/minirag/internal/models"
)

// DocumentRepository handles document and chunk rows. Chunk rows mirror
// the vector store; both are replaced wholesale on re-ingest.
type DocumentRepository struct {
	db *sqlx.DB
}

// NewDocumentRepository creates a new document repository instance.
func NewDocumentRepository(db *sqlx.DB) *DocumentRepository {
	return &DocumentRepository{db: db}
}

// ReplaceForSource removes all documents and chunks of a source and
// writes the new document with its chunks in one transaction, so a
// re-ingest never leaves rows from a prior run behind.
func (r *DocumentRepository) ReplaceForSource(ctx context.Context, tenantID, sourceID uuid.UUID, doc *models.Document, chunks []*models.Chunk) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`DELETE FROM chunks WHERE source_id = $1 AND tenant_id = $2`, sourceID, tenantID)
	if err != nil {
		return fmt.Errorf("failed to delete prior chunks: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`DELETE FROM documents WHERE source_id = $1 AND tenant_id = $2`, sourceID, tenantID)
	if err != nil {
		return fmt.Errorf("failed to delete prior documents: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO documents (id, tenant_id, source_id, title, content, char_count, chunk_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		doc.ID, doc.TenantID, doc.SourceID, doc.Title, doc.Content, doc.CharCount, doc.ChunkCount)
	if err != nil {
		return fmt.Errorf("failed to insert document: %w", err)
	}

	chunkInsert := `
		INSERT INTO chunks (id, tenant_id, document_id, source_id, bot_profile_id,
			ordinal, content, char_count, vector_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	for _, c := range chunks {
		_, err = tx.ExecContext(ctx, chunkInsert,
			c.ID, c.TenantID, c.DocumentID, c.SourceID, c.BotProfileID,
			c.Ordinal, c.Content, c.CharCount, c.VectorID)
		if err != nil {
			return fmt.Errorf("failed to insert chunk %d: %w", c.Ordinal, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit document replace: %w", err)
	}
	return nil
}

// GetDocument retrieves a document without its content.
func (r *DocumentRepository) GetDocument(ctx context.Context, tenantID, id uuid.UUID) (*models.Document, error) {
	var doc models.Document
	query := `
		SELECT id, tenant_id, source_id, title, char_count, chunk_count, created_at, updated_at
		FROM documents
		WHERE id = $1 AND tenant_id = $2`

	if err := r.db.GetContext(ctx, &doc, query, id, tenantID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("document: %w", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	return &doc, nil
}

// ListBySource returns all documents of a source, oldest first.
func (r *DocumentRepository) ListBySource(ctx context.Context, tenantID, sourceID uuid.UUID) ([]*models.Document, error) {
	query := `
		SELECT id, tenant_id, source_id, title, char_count, chunk_count, created_at, updated_at
		FROM documents
		WHERE source_id = $1 AND tenant_id = $2
		ORDER BY created_at ASC`

	docs := []*models.Document{}
	if err := r.db.SelectContext(ctx, &docs, query, sourceID, tenantID); err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	return docs, nil
}

// ChunksByDocument returns the chunks of a document in reading order.
func (r *DocumentRepository) ChunksByDocument(ctx context.Context, tenantID, documentID uuid.UUID) ([]*models.Chunk, error) {
	query := `
		SELECT id, tenant_id, document_id, source_id, bot_profile_id,
			ordinal, content, char_count, vector_id, created_at, updated_at
		FROM chunks
		WHERE document_id = $1 AND tenant_id = $2
		ORDER BY ordinal ASC`

	chunks := []*models.Chunk{}
	if err := r.db.SelectContext(ctx, &chunks, query, documentID, tenantID); err != nil {
		return nil, fmt.Errorf("failed to list chunks: %w", err)
	}
	return chunks, nil
}

// DeleteBySource removes all documents and chunks of a source. Used
// when a source is hard-removed from the knowledge base.
func (r *DocumentRepository) DeleteBySource(ctx context.Context, tenantID, sourceID uuid.UUID) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`DELETE FROM chunks WHERE source_id = $1 AND tenant_id = $2`, sourceID, tenantID)
	if err != nil {
		return fmt.Errorf("failed to delete chunks: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`DELETE FROM documents WHERE source_id = $1 AND tenant_id = $2`, sourceID, tenantID)
	if err != nil {
		return fmt.Errorf("failed to delete documents: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit document delete: %w", err)
	}
	return nil
}
