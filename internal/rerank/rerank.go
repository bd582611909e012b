// Package rerank implements the Reranker (C4): cross-encoder scoring of
// (query, passage) pairs over a local HTTP endpoint. Ordering here uses the
// raw score only (§4.4 — calibration for display is the retrieval
// pipeline's job, not the reranker's).
package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
)

type rerankRequest struct {
	Model     string   `json:"model"`
	Query     string   `json:"query"`
	TopN      int      `json:"top_n"`
	Documents []string `json:"documents"`
}

type rerankResult struct {
	Index          int     `json:"index"`
	RelevanceScore float64 `json:"relevance_score"`
}

type rerankResponse struct {
	Model   string         `json:"model"`
	Results []rerankResult `json:"results"`
}

// Passage is one candidate to be scored; its position in the slice passed
// to Rerank is the Index reported back in Scored.
type Passage struct {
	Text string
}

// Scored pairs a passage's original index with its raw reranker score.
type Scored struct {
	Index int
	Score float64
}

type Client struct {
	Host      string
	ModelID   string
	BatchSize int
	HTTP      *http.Client
}

func New(host, modelID string, batchSize int) *Client {
	if batchSize <= 0 {
		batchSize = 16
	}
	return &Client{Host: host, ModelID: modelID, BatchSize: batchSize, HTTP: http.DefaultClient}
}

// Rerank scores every passage against query and returns results ordered by
// raw score descending. Batches of at most c.BatchSize passages are sent per
// request; scores across batches are directly comparable since the model is
// the same cross-encoder for every call.
func (c *Client) Rerank(ctx context.Context, query string, passages []Passage) ([]Scored, error) {
	all := make([]Scored, 0, len(passages))

	for start := 0; start < len(passages); start += c.BatchSize {
		end := start + c.BatchSize
		if end > len(passages) {
			end = len(passages)
		}
		batch := passages[start:end]

		scores, err := c.scoreBatch(ctx, query, batch)
		if err != nil {
			return nil, fmt.Errorf("rerank batch [%d:%d]: %w", start, end, err)
		}
		for _, s := range scores {
			all = append(all, Scored{Index: start + s.Index, Score: s.RelevanceScore})
		}
	}

	sort.Slice(all, func(i, j int) bool { return all[i].Score > all[j].Score })
	return all, nil
}

func (c *Client) scoreBatch(ctx context.Context, query string, batch []Passage) ([]rerankResult, error) {
	documents := make([]string, len(batch))
	for i, p := range batch {
		documents[i] = p.Text
	}

	reqBody := rerankRequest{Model: c.ModelID, Query: query, TopN: len(documents), Documents: documents}
	b, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal rerank request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Host, bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("create rerank request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("rerank request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("rerank failed with status %d: %s", resp.StatusCode, string(body))
	}

	var parsed rerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode rerank response: %w", err)
	}
	return parsed.Results, nil
}

// Calibrate implements §4.4's display-only sigmoid calibration
// cal(s) = sigmoid((s - s_min)/(s_max - s_min + eps) * k). It never affects
// ordering — callers sort on raw Score first, then calibrate for display.
func Calibrate(scores []float64, k float64) []float64 {
	out := make([]float64, len(scores))
	if len(scores) == 0 {
		return out
	}

	sMin, sMax := scores[0], scores[0]
	for _, s := range scores {
		if s < sMin {
			sMin = s
		}
		if s > sMax {
			sMax = s
		}
	}

	const eps = 1e-9
	spread := sMax - sMin + eps
	for i, s := range scores {
		x := (s - sMin) / spread * k
		out[i] = sigmoid(x)
	}
	return out
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}
