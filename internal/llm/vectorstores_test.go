package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
)

func TestCreateVectorStoreWithTTL(t *testing.T) {
	t.Parallel()

	server := newIPv4TestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Path; got != "/vector_stores" {
			t.Fatalf("unexpected path: %s", got)
		}

		var payload map[string]any
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if payload["name"] != "schemarun-run42" {
			t.Fatalf("unexpected name: %v", payload["name"])
		}
		expires, ok := payload["expires_after"].(map[string]any)
		if !ok {
			t.Fatalf("expected expires_after, got %#v", payload["expires_after"])
		}
		if expires["anchor"] != "last_active_at" {
			t.Fatalf("unexpected anchor: %v", expires["anchor"])
		}
		if expires["days"] != float64(7) {
			t.Fatalf("unexpected days: %v", expires["days"])
		}

		writeJSON(t, w, map[string]any{
			"id":     "vs-1",
			"name":   "schemarun-run42",
			"status": "in_progress",
		})
	}))

	client := newTestClient(t, server, Config{})

	store, err := client.CreateVectorStore(context.Background(), "schemarun-run42", 7)
	if err != nil {
		t.Fatalf("CreateVectorStore: %v", err)
	}
	if store.ID != "vs-1" {
		t.Fatalf("unexpected store id: %s", store.ID)
	}
	if store.Status != "in_progress" {
		t.Fatalf("unexpected status: %s", store.Status)
	}
}

func TestCreateVectorStoreOmitsTTLWhenZero(t *testing.T) {
	t.Parallel()

	server := newIPv4TestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if _, ok := payload["expires_after"]; ok {
			t.Fatalf("expected expires_after to be omitted")
		}
		writeJSON(t, w, map[string]any{"id": "vs-2", "status": "completed"})
	}))

	client := newTestClient(t, server, Config{})

	if _, err := client.CreateVectorStore(context.Background(), "no-ttl", 0); err != nil {
		t.Fatalf("CreateVectorStore: %v", err)
	}
}

func TestFileBatchLifecycle(t *testing.T) {
	t.Parallel()

	server := newIPv4TestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/vector_stores/vs-1/file_batches":
			var payload map[string]any
			if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
				t.Fatalf("decode request: %v", err)
			}
			ids, ok := payload["file_ids"].([]any)
			if !ok || len(ids) != 2 {
				t.Fatalf("unexpected file_ids: %#v", payload["file_ids"])
			}
			chunking, ok := payload["chunking_strategy"].(map[string]any)
			if !ok || chunking["type"] != "static" {
				t.Fatalf("unexpected chunking_strategy: %#v", payload["chunking_strategy"])
			}
			static := chunking["static"].(map[string]any)
			if static["max_chunk_size_tokens"] != float64(800) || static["chunk_overlap_tokens"] != float64(400) {
				t.Fatalf("unexpected static chunking: %#v", static)
			}
			writeJSON(t, w, map[string]any{
				"id":     "batch-1",
				"status": "in_progress",
				"file_counts": map[string]any{
					"in_progress": 2,
					"total":       2,
				},
			})
		case r.Method == http.MethodGet && r.URL.Path == "/vector_stores/vs-1/file_batches/batch-1":
			writeJSON(t, w, map[string]any{
				"id":     "batch-1",
				"status": "completed",
				"file_counts": map[string]any{
					"completed": 2,
					"total":     2,
				},
			})
		default:
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
	}))

	client := newTestClient(t, server, Config{})

	batch, err := client.CreateFileBatch(context.Background(), "vs-1", []string{"file-1", "file-2"},
		&ChunkingStrategy{MaxChunkSizeTokens: 800, ChunkOverlapTokens: 400})
	if err != nil {
		t.Fatalf("CreateFileBatch: %v", err)
	}
	if batch.Status != "in_progress" {
		t.Fatalf("unexpected status: %s", batch.Status)
	}
	if batch.FileCounts.Total != 2 {
		t.Fatalf("unexpected counts: %+v", batch.FileCounts)
	}

	batch, err = client.GetFileBatch(context.Background(), "vs-1", "batch-1")
	if err != nil {
		t.Fatalf("GetFileBatch: %v", err)
	}
	if batch.Status != "completed" {
		t.Fatalf("unexpected status: %s", batch.Status)
	}
	if batch.FileCounts.Completed != 2 {
		t.Fatalf("unexpected counts: %+v", batch.FileCounts)
	}
}

func TestDeleteVectorStoreTreats404AsDeleted(t *testing.T) {
	t.Parallel()

	server := newIPv4TestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"message":"No such vector store"}}`))
	}))

	client := newTestClient(t, server, Config{})

	if err := client.DeleteVectorStore(context.Background(), "vs-gone"); err != nil {
		t.Fatalf("expected 404 to be treated as success, got %v", err)
	}
}
