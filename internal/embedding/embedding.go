// Package embedding implements the Embedder (C4.3): a deterministic
// text→vector mapping over a fixed 384-dim sentence-embedding model, served
// by a local HTTP endpoint.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
)

const Dimensions = 384

type request struct {
	Input          []string `json:"input"`
	Model          string   `json:"model"`
	EncodingFormat string   `json:"encoding_format"`
}

type response struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

// Client talks to the embedding endpoint. Texts with fewer than three
// non-space characters are not sent to the server and get the zero vector;
// a failed request fails the whole BatchEmbed call.
type Client struct {
	Host      string
	ModelID   string
	BatchSize int
	HTTP      *http.Client
	Log       zerolog.Logger
}

func New(host, modelID string, batchSize int, log zerolog.Logger) *Client {
	if batchSize <= 0 {
		batchSize = 32
	}
	return &Client{Host: host, ModelID: modelID, BatchSize: batchSize, HTTP: http.DefaultClient, Log: log}
}

// Embed embeds a single text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.BatchEmbed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// BatchEmbed embeds texts in model-native batches of c.BatchSize, issuing
// one HTTP call per batch and returning results in input order.
func (c *Client) BatchEmbed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))

	for start := 0; start < len(texts); start += c.BatchSize {
		end := start + c.BatchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch := texts[start:end]

		vecs, err := c.fetchBatch(ctx, batch)
		if err != nil {
			return nil, fmt.Errorf("embed batch [%d:%d]: %w", start, end, err)
		}
		copy(out[start:end], vecs)
	}

	return out, nil
}

func (c *Client) fetchBatch(ctx context.Context, texts []string) ([][]float32, error) {
	results := make([][]float32, len(texts))
	toEmbed := make([]string, 0, len(texts))
	idxOfEmbedded := make([]int, 0, len(texts))

	for i, t := range texts {
		if len(strings.TrimSpace(t)) < 3 {
			c.Log.Warn().Int("index", i).Msg("text too short to embed, using zero vector")
			results[i] = make([]float32, Dimensions)
			continue
		}
		toEmbed = append(toEmbed, t)
		idxOfEmbedded = append(idxOfEmbedded, i)
	}
	if len(toEmbed) == 0 {
		return results, nil
	}

	reqBody := request{Input: toEmbed, Model: c.ModelID, EncodingFormat: "float"}
	b, err := json.Marshal(reqBody)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Host, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embedding server returned status %d", resp.StatusCode)
	}

	var parsed response
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode embedding response: %w", err)
	}
	if len(parsed.Data) != len(toEmbed) {
		return nil, fmt.Errorf("embedding server returned %d vectors for %d inputs", len(parsed.Data), len(toEmbed))
	}

	for j, d := range parsed.Data {
		results[idxOfEmbedded[j]] = d.Embedding
	}
	return results, nil
}
