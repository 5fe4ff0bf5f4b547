package llm

import (
	"context"
	"net/http"

	runerrors "schemarun/internal/errors"
)

// VectorStore describes a retrieval index on the vendor side.
type VectorStore struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	Status       string        `json:"status"`
	FileCounts   FileCounts    `json:"file_counts"`
	ExpiresAfter *ExpiresAfter `json:"expires_after"`
	ExpiresAt    int64         `json:"expires_at"`
}

// ExpiresAfter is the TTL policy attached at creation. The anchor
// "last_active_at" renews the countdown on every use.
type ExpiresAfter struct {
	Anchor string `json:"anchor"`
	Days   int    `json:"days"`
}

type FileCounts struct {
	InProgress int `json:"in_progress"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Cancelled  int `json:"cancelled"`
	Total      int `json:"total"`
}

// FileBatch tracks a set of files being indexed into a store.
type FileBatch struct {
	ID         string     `json:"id"`
	Status     string     `json:"status"`
	FileCounts FileCounts `json:"file_counts"`
}

// ChunkingStrategy overrides the vendor's automatic chunking when files are
// attached to a store.
type ChunkingStrategy struct {
	MaxChunkSizeTokens int
	ChunkOverlapTokens int
}

// CreateVectorStore creates a named store. expireDays > 0 attaches an
// expires_after policy anchored on last activity.
func (c *Client) CreateVectorStore(ctx context.Context, name string, expireDays int) (*VectorStore, error) {
	payload := map[string]any{"name": name}
	if expireDays > 0 {
		payload["expires_after"] = map[string]any{
			"anchor": "last_active_at",
			"days":   expireDays,
		}
	}

	body, err := c.postJSON(ctx, "/vector_stores", payload)
	if err != nil {
		return nil, err
	}

	var store VectorStore
	if err := decode(body, &store, "vector store"); err != nil {
		return nil, err
	}
	if store.ID == "" {
		return nil, runerrors.Newf(runerrors.KindVectorStoreFailed, "the API returned no ID for vector store %q", name)
	}
	return &store, nil
}

// CreateFileBatch attaches already-uploaded files to a store in one batch.
// A nil chunking keeps the vendor's automatic strategy.
func (c *Client) CreateFileBatch(ctx context.Context, storeID string, fileIDs []string, chunking *ChunkingStrategy) (*FileBatch, error) {
	payload := map[string]any{"file_ids": fileIDs}
	if chunking != nil {
		payload["chunking_strategy"] = map[string]any{
			"type": "static",
			"static": map[string]any{
				"max_chunk_size_tokens": chunking.MaxChunkSizeTokens,
				"chunk_overlap_tokens":  chunking.ChunkOverlapTokens,
			},
		}
	}

	body, err := c.postJSON(ctx, "/vector_stores/"+storeID+"/file_batches", payload)
	if err != nil {
		return nil, err
	}

	var batch FileBatch
	if err := decode(body, &batch, "file batch"); err != nil {
		return nil, err
	}
	return &batch, nil
}

// GetFileBatch reports the indexing status of a batch.
func (c *Client) GetFileBatch(ctx context.Context, storeID, batchID string) (*FileBatch, error) {
	body, err := c.getJSON(ctx, "/vector_stores/"+storeID+"/file_batches/"+batchID)
	if err != nil {
		return nil, err
	}

	var batch FileBatch
	if err := decode(body, &batch, "file batch"); err != nil {
		return nil, err
	}
	return &batch, nil
}

// GetVectorStore reports the current status of a store.
func (c *Client) GetVectorStore(ctx context.Context, storeID string) (*VectorStore, error) {
	body, err := c.getJSON(ctx, "/vector_stores/"+storeID)
	if err != nil {
		return nil, err
	}

	var store VectorStore
	if err := decode(body, &store, "vector store"); err != nil {
		return nil, err
	}
	return &store, nil
}

// DeleteVectorStore removes a store. A 404 is treated as success so cleanup
// stays idempotent; the attached TTL still reclaims stores the CLI never
// manages to delete.
func (c *Client) DeleteVectorStore(ctx context.Context, storeID string) error {
	body, err := c.deleteJSON(ctx, "/vector_stores/"+storeID)
	if err != nil {
		if runerrors.StatusOf(err) == http.StatusNotFound {
			c.logger.Debug("vector store %s already deleted", storeID)
			return nil
		}
		return err
	}

	var deleted deletedObject
	if err := decode(body, &deleted, "vector store deletion"); err != nil {
		return err
	}
	if !deleted.Deleted {
		return runerrors.Newf(runerrors.KindVectorStoreFailed, "the API did not confirm deletion of vector store %s", storeID)
	}
	return nil
}
