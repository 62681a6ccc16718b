// Package vectorstore indexes runbook content in a Chroma-compatible
// vector database over HTTP. Documents are chunked before upload; short
// network blips are absorbed with a bounded exponential retry, anything
// longer surfaces as a transient fault for the step's retry policy.
package vectorstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/opspilot/opspilot/capability"
	"github.com/opspilot/opspilot/fault"
)

// chunkSize bounds one embedded document chunk.
const chunkSize = 1000

// Config holds connection settings.
type Config struct {
	// BaseURL is the service endpoint.
	BaseURL string

	// Collection is the target collection name.
	Collection string

	// Timeout bounds each request.
	Timeout time.Duration
}

// Chroma implements capability.VectorStore.
type Chroma struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
}

// New builds a Chroma client.
func New(cfg Config, logger *slog.Logger) *Chroma {
	if cfg.Collection == "" {
		cfg.Collection = "runbooks"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Chroma{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

// Disabled is a VectorStore whose every call reports the integration
// as configured off.
type Disabled struct{}

func (Disabled) Embed(context.Context, string, string, map[string]string) (capability.EmbedResult, error) {
	return capability.EmbedResult{}, fault.Disabled("vector store disabled")
}

func (Disabled) Search(context.Context, string, int) ([]capability.SearchHit, error) {
	return nil, fault.Disabled("vector store disabled")
}

func (Disabled) Delete(context.Context, []string) (int, error) {
	return 0, fault.Disabled("vector store disabled")
}

// Chunk splits text into pieces of at most chunkSize runes, breaking on
// paragraph boundaries where possible.
func Chunk(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	var chunks []string
	var cur strings.Builder
	for _, para := range strings.Split(text, "\n\n") {
		if cur.Len() > 0 && cur.Len()+len(para)+2 > chunkSize {
			chunks = append(chunks, cur.String())
			cur.Reset()
		}
		if len(para) > chunkSize {
			if cur.Len() > 0 {
				chunks = append(chunks, cur.String())
				cur.Reset()
			}
			for len(para) > chunkSize {
				chunks = append(chunks, para[:chunkSize])
				para = para[chunkSize:]
			}
		}
		if cur.Len() > 0 {
			cur.WriteString("\n\n")
		}
		cur.WriteString(para)
	}
	if cur.Len() > 0 {
		chunks = append(chunks, cur.String())
	}
	return chunks
}

type addRequest struct {
	IDs       []string            `json:"ids"`
	Documents []string            `json:"documents"`
	Metadatas []map[string]string `json:"metadatas"`
}

// Embed chunks text and uploads the chunks under docID.
func (c *Chroma) Embed(ctx context.Context, docID, text string, meta map[string]string) (capability.EmbedResult, error) {
	chunks := Chunk(text)
	if len(chunks) == 0 {
		return capability.EmbedResult{}, fault.Permanentf("document %s has no content", docID)
	}
	req := addRequest{}
	for i, chunk := range chunks {
		req.IDs = append(req.IDs, fmt.Sprintf("%s#%d", docID, i))
		req.Documents = append(req.Documents, chunk)
		m := map[string]string{"doc_id": docID}
		for k, v := range meta {
			m[k] = v
		}
		req.Metadatas = append(req.Metadatas, m)
	}
	if err := c.post(ctx, "add", req, nil); err != nil {
		return capability.EmbedResult{}, err
	}
	return capability.EmbedResult{EmbeddingID: docID, Chunks: len(chunks)}, nil
}

type queryRequest struct {
	QueryText string `json:"query_text"`
	NResults  int    `json:"n_results"`
}

type queryResponse struct {
	Results []capability.SearchHit `json:"results"`
}

// Search returns the closest matches for query.
func (c *Chroma) Search(ctx context.Context, query string, limit int) ([]capability.SearchHit, error) {
	if limit <= 0 {
		limit = 5
	}
	var out queryResponse
	if err := c.post(ctx, "query", queryRequest{QueryText: query, NResults: limit}, &out); err != nil {
		return nil, err
	}
	return out.Results, nil
}

type deleteRequest struct {
	Where map[string]any `json:"where"`
}

type deleteResponse struct {
	Deleted int `json:"deleted"`
}

// Delete removes every chunk belonging to the given document ids and
// returns how many documents were removed.
func (c *Chroma) Delete(ctx context.Context, docIDs []string) (int, error) {
	if len(docIDs) == 0 {
		return 0, nil
	}
	var out deleteResponse
	req := deleteRequest{Where: map[string]any{"doc_id": map[string]any{"$in": docIDs}}}
	if err := c.post(ctx, "delete", req, &out); err != nil {
		return 0, err
	}
	return out.Deleted, nil
}

// post sends one JSON request with a short exponential retry on
// transient failures.
func (c *Chroma) post(ctx context.Context, op string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fault.Permanent(fmt.Errorf("failed to encode %s request: %w", op, err))
	}
	url := fmt.Sprintf("%s/collections/%s/%s", c.cfg.BaseURL, c.cfg.Collection, op)

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 200 * time.Millisecond
	policy.MaxElapsedTime = 5 * time.Second

	attempt := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(fault.Permanent(fmt.Errorf("failed to build %s request: %w", op, err)))
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			return fmt.Errorf("%s request failed: %w", op, err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode < 300:
			if out == nil {
				return nil
			}
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return fmt.Errorf("failed to decode %s response: %w", op, err)
			}
			return nil
		case resp.StatusCode >= 500:
			return fmt.Errorf("%s returned status %d", op, resp.StatusCode)
		default:
			detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return backoff.Permanent(fault.Permanent(fmt.Errorf("%s rejected: status %d: %s", op, resp.StatusCode, detail)))
		}
	}

	if err := backoff.Retry(attempt, backoff.WithContext(policy, ctx)); err != nil {
		if fault.KindOf(err) == fault.KindPermanent {
			return err
		}
		return fault.Transient(err)
	}
	return nil
}
