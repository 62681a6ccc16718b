package vectorstore

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opspilot/opspilot/capability"
	"github.com/opspilot/opspilot/fault"
)

func newTestChroma(t *testing.T, handler http.HandlerFunc) *Chroma {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Config{BaseURL: srv.URL, Collection: "runbooks"}, nil)
}

func TestEmbedChunksAndUploads(t *testing.T) {
	var got addRequest
	c := newTestChroma(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/collections/runbooks/add", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	})

	text := strings.Repeat("paragraph one\n\n", 120) // forces multiple chunks
	res, err := c.Embed(context.Background(), "db/failover.md", text, map[string]string{"source": "kb"})
	require.NoError(t, err)
	assert.Equal(t, "db/failover.md", res.EmbeddingID)
	assert.Greater(t, res.Chunks, 1)
	assert.Len(t, got.IDs, res.Chunks)
	assert.Equal(t, "db/failover.md#0", got.IDs[0])
	assert.Equal(t, "db/failover.md", got.Metadatas[0]["doc_id"])
	assert.Equal(t, "kb", got.Metadatas[0]["source"])
}

func TestEmbedEmptyDocIsPermanent(t *testing.T) {
	c := newTestChroma(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("empty documents must not reach the server")
	})
	_, err := c.Embed(context.Background(), "x.md", "   ", nil)
	require.Error(t, err)
	assert.Equal(t, fault.KindPermanent, fault.KindOf(err))
}

func TestSearch(t *testing.T) {
	c := newTestChroma(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/collections/runbooks/query", r.URL.Path)
		var req queryRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "connection refused", req.QueryText)
		assert.Equal(t, 5, req.NResults)

		json.NewEncoder(w).Encode(queryResponse{Results: []capability.SearchHit{
			{ID: "db/failover.md#0", Text: "check the pool", Score: 0.91},
		}})
	})

	hits, err := c.Search(context.Background(), "connection refused", 0)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "db/failover.md#0", hits[0].ID)
}

func TestDelete(t *testing.T) {
	c := newTestChroma(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/collections/runbooks/delete", r.URL.Path)
		json.NewEncoder(w).Encode(deleteResponse{Deleted: 2})
	})
	n, err := c.Delete(context.Background(), []string{"a.md", "b.md"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = c.Delete(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPostRetriesServerErrors(t *testing.T) {
	calls := 0
	c := newTestChroma(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(deleteResponse{Deleted: 1})
	})

	n, err := c.Delete(context.Background(), []string{"a.md"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 3, calls)
}

func TestPostBadRequestNotRetried(t *testing.T) {
	calls := 0
	c := newTestChroma(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
	})

	_, err := c.Search(context.Background(), "q", 3)
	require.Error(t, err)
	assert.Equal(t, fault.KindPermanent, fault.KindOf(err))
	assert.Equal(t, 1, calls)
}

func TestDisabledStore(t *testing.T) {
	var s capability.VectorStore = Disabled{}
	_, err := s.Embed(context.Background(), "d", "t", nil)
	assert.True(t, fault.IsDisabled(err))
	_, err = s.Search(context.Background(), "q", 1)
	assert.True(t, fault.IsDisabled(err))
	_, err = s.Delete(context.Background(), []string{"d"})
	assert.True(t, fault.IsDisabled(err))
}

func TestChunk(t *testing.T) {
	assert.Nil(t, Chunk("  "))
	assert.Equal(t, []string{"short"}, Chunk("short"))

	long := strings.Repeat("a", 2500)
	chunks := Chunk(long)
	require.Len(t, chunks, 3)
	assert.Len(t, chunks[0], 1000)
}
