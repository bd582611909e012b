// Package webfallback implements the Web Fallback (C15): a pluggable
// external search collaborator plus LLM synthesis of an ai_summary per hit.
// The collaborator is a single-method Provider interface per §4.15/§9 OQ3
// rather than any named vendor SDK.
package webfallback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"newsvault/internal/apperr"
	"newsvault/internal/llmclient"
)

// Hit is one external search result, optionally enriched with an
// LLM-generated summary.
type Hit struct {
	Title     string
	URL       string
	Snippet   string
	AISummary string
}

// Provider is the single-method external search collaborator (§9 OQ3).
type Provider interface {
	Search(ctx context.Context, query string) ([]Hit, error)
}

const maxHits = 5

// HTTPProvider is an HTTP JSON client implementation of Provider against a
// configurable search endpoint.
type HTTPProvider struct {
	Endpoint string
	APIKey   string
	Client   *http.Client
}

func NewHTTPProvider(endpoint, apiKey string) *HTTPProvider {
	return &HTTPProvider{Endpoint: endpoint, APIKey: apiKey, Client: http.DefaultClient}
}

type searchRequest struct {
	Query string `json:"query"`
}

type searchResponseHit struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

type searchResponse struct {
	Results []searchResponseHit `json:"results"`
}

func (p *HTTPProvider) Search(ctx context.Context, query string) ([]Hit, error) {
	body, err := json.Marshal(searchRequest{Query: query})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal search request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build search request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.APIKey)
	}

	resp, err := p.Client.Do(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.Dependency, "external search request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apperr.New(apperr.Dependency, fmt.Sprintf("external search returned status %d", resp.StatusCode))
	}

	var parsed searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, apperr.Wrap(apperr.Dependency, "failed to decode external search response", err)
	}

	hits := make([]Hit, 0, len(parsed.Results))
	for _, r := range parsed.Results {
		hits = append(hits, Hit{Title: r.Title, URL: r.URL, Snippet: r.Snippet})
	}
	if len(hits) > maxHits {
		hits = hits[:maxHits]
	}
	return hits, nil
}

const synthesisPrompt = `Summarize the following search result for a news reader in two sentences. Use only the provided title and snippet; do not invent facts.

Title: %s
Snippet: %s`

// Synthesizer produces an ai_summary per hit via the LLM Client.
type Synthesizer struct {
	llm   *llmclient.Client
	model string
}

func NewSynthesizer(llm *llmclient.Client, model string) *Synthesizer {
	return &Synthesizer{llm: llm, model: model}
}

// Summarize fills AISummary on each hit. A single hit's failure doesn't
// abort the batch; it's left with an empty AISummary.
func (s *Synthesizer) Summarize(ctx context.Context, hits []Hit) []Hit {
	out := make([]Hit, len(hits))
	copy(out, hits)
	for i := range out {
		prompt := fmt.Sprintf(synthesisPrompt, out[i].Title, out[i].Snippet)
		summary, err := s.llm.Generate(ctx, llmclient.GenerateParams{
			Model:    s.model,
			Messages: []llmclient.Message{{Role: "user", Content: prompt}},
		})
		if err != nil {
			continue
		}
		out[i].AISummary = summary
	}
	return out
}
