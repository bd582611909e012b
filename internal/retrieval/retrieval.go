// Package retrieval implements the Retrieval Pipeline (C14): query → embed
// → ANN search → rerank → calibrate → optional web fallback → optional
// summarization → completed, each stage relayed over the Progress Channel.
package retrieval

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"newsvault/internal/apperr"
	"newsvault/internal/llmclient"
	"newsvault/internal/metadata"
	"newsvault/internal/progress"
	"newsvault/internal/rerank"
	"newsvault/internal/vectorstore"
	"newsvault/internal/webfallback"
)

const (
	defaultLimit            = 10
	maxLimit                = 100
	externalTriggerSim      = 0.35
	externalTriggerMinCount = 3
	maxSummarized           = 3
	candidateMultiplier     = 2
)

// Request is the §4.14 input shape.
type Request struct {
	UserID          string
	Query           string
	Limit           int
	IncludeExternal bool
	Filters         metadata.DocumentFilter
}

// Result is one calibrated, displayable hit, local or external.
type Result struct {
	DocumentID string
	Title      string
	Similarity float64
	Tags       []string
	External   bool
	URL        string
	Snippet    string
	AISummary  string
}

// QueryEmbedder is the subset of embedding.Client the pipeline needs.
type QueryEmbedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// VectorSearcher is the subset of vectorstore.Manager the pipeline needs.
type VectorSearcher interface {
	Search(ctx context.Context, userID string, queryVec []float32, k int) ([]vectorstore.Result, error)
}

// Reranker is the subset of rerank.Client the pipeline needs.
type Reranker interface {
	Rerank(ctx context.Context, query string, passages []rerank.Passage) ([]rerank.Scored, error)
}

// Store is the subset of metadata.Store the pipeline needs.
type Store interface {
	GetDocument(ctx context.Context, userID, id string) (*metadata.Document, error)
	AddSearchRecord(ctx context.Context, rec metadata.SearchRecord) error
	UpdateSearchRecordCounts(ctx context.Context, id string, resultCount int, elapsedMS int64) error
}

// Pipeline wires the Embedder, Vector Store Manager, Reranker, Metadata
// Store, and (optionally) Web Fallback together per §4.14.
type Pipeline struct {
	embedder QueryEmbedder
	vectors  VectorSearcher
	reranker Reranker
	store    Store

	external     webfallback.Provider
	synthesizer  *webfallback.Synthesizer
	summarizer   *llmclient.Client
	summaryModel string
}

func New(embedder QueryEmbedder, vectors VectorSearcher, reranker Reranker, store Store) *Pipeline {
	return &Pipeline{embedder: embedder, vectors: vectors, reranker: reranker, store: store}
}

// WithWebFallback attaches the optional external-search provider and
// synthesizer used when local recall is insufficient (§4.14 stage 6, §4.15).
func (p *Pipeline) WithWebFallback(external webfallback.Provider, synthesizer *webfallback.Synthesizer) *Pipeline {
	p.external = external
	p.synthesizer = synthesizer
	return p
}

// WithSummarizer attaches the LLM client used for the optional streamed
// per-result summarization stage (§4.14 stage 7).
func (p *Pipeline) WithSummarizer(client *llmclient.Client, model string) *Pipeline {
	p.summarizer = client
	p.summaryModel = model
	return p
}

// Run executes the full pipeline, emitting events to out. It returns the
// final results only on success; on any stage error it sends a terminal
// `error` event and returns that error, discarding partial results.
func (p *Pipeline) Run(ctx context.Context, req Request, out *progress.Writer) ([]Result, error) {
	start := time.Now()

	query := strings.TrimSpace(req.Query)
	if query == "" {
		err := apperr.New(apperr.Validation, "query must not be empty")
		p.sendError(out, err)
		return nil, err
	}
	limit := req.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	requestID := uuid.NewString()
	if err := p.store.AddSearchRecord(ctx, metadata.SearchRecord{
		ID: requestID, UserID: req.UserID, Query: query, ResultCount: 0, ElapsedMS: 0,
	}); err != nil {
		p.sendError(out, err)
		return nil, err
	}
	p.send(out, progress.Event{Type: progress.Started, Started: &progress.StartedPayload{Query: query, RequestID: requestID}})

	results, err := p.runStages(ctx, req, query, limit, out)
	if err != nil {
		p.sendError(out, err)
		return nil, err
	}

	externalCount := 0
	for _, r := range results {
		if r.External {
			externalCount++
		}
	}
	elapsed := time.Since(start).Milliseconds()
	if err := p.store.UpdateSearchRecordCounts(ctx, requestID, len(results), elapsed); err != nil {
		p.sendError(out, err)
		return nil, err
	}
	p.send(out, progress.Event{Type: progress.Completed, Completed: &progress.CompletedPayload{
		ResultsCount: len(results), ExternalResultsCount: externalCount, ElapsedMS: elapsed,
	}})
	return results, nil
}

func (p *Pipeline) runStages(ctx context.Context, req Request, query string, limit int, out *progress.Writer) ([]Result, error) {
	p.send(out, progress.Event{Type: progress.Progress, Progress: &progress.ProgressPayload{
		Stage: progress.StageEmbedding, Percentage: 10, Message: "embedding query",
	}})
	queryVec, err := p.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	p.send(out, progress.Event{Type: progress.Progress, Progress: &progress.ProgressPayload{
		Stage: progress.StageSearching, Percentage: 30, Message: "searching vector index",
	}})
	candidates, err := p.vectors.Search(ctx, req.UserID, queryVec, limit*candidateMultiplier)
	if err != nil {
		return nil, fmt.Errorf("failed to search vector index: %w", err)
	}
	candidates, docsByID, err := p.applyFilters(ctx, req, candidates)
	if err != nil {
		return nil, err
	}

	p.send(out, progress.Event{Type: progress.Progress, Progress: &progress.ProgressPayload{
		Stage: progress.StageReranking, Percentage: 50, Message: "reranking candidates",
	}})
	collapsed, err := p.rerankAndCollapse(ctx, query, limit, candidates)
	if err != nil {
		return nil, err
	}

	p.send(out, progress.Event{Type: progress.Progress, Progress: &progress.ProgressPayload{
		Stage: progress.StageCalibrating, Percentage: 65, Message: "calibrating similarity",
	}})
	results := calibrate(collapsed, docsByID)
	p.sendResultPartials(out, results)

	if req.IncludeExternal && shouldTriggerExternal(results) {
		results = p.runExternal(ctx, query, results, out)
	}

	if p.summarizer != nil {
		p.runSummaries(ctx, query, results, out)
	}

	return results, nil
}

const maxConcurrentDocFetches = 8

// applyFilters resolves each candidate's parent Document (deduped by id,
// fetched concurrently since a search can reference dozens of distinct
// documents) and drops candidates whose document no longer exists or
// doesn't match req.Filters.
func (p *Pipeline) applyFilters(ctx context.Context, req Request, hits []vectorstore.Result) ([]vectorstore.Result, map[string]*metadata.Document, error) {
	ids := make([]string, 0, len(hits))
	seen := make(map[string]bool, len(hits))
	for _, h := range hits {
		if !seen[h.DocumentID] {
			seen[h.DocumentID] = true
			ids = append(ids, h.DocumentID)
		}
	}

	docsByID := make(map[string]*metadata.Document, len(ids))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentDocFetches)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			doc, err := p.store.GetDocument(gctx, req.UserID, id)
			if err != nil {
				return nil // deleted or otherwise inaccessible since the vector was written
			}
			mu.Lock()
			docsByID[id] = doc
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	out := make([]vectorstore.Result, 0, len(hits))
	for _, h := range hits {
		if doc, ok := docsByID[h.DocumentID]; ok && matchesFilter(*doc, req.Filters) {
			out = append(out, h)
		}
	}
	return out, docsByID, nil
}

func matchesFilter(d metadata.Document, f metadata.DocumentFilter) bool {
	if f.SourceType != nil && d.SourceType != *f.SourceType {
		return false
	}
	if f.DateFrom != nil && d.CreatedAt.Before(*f.DateFrom) {
		return false
	}
	if f.DateTo != nil && d.CreatedAt.After(*f.DateTo) {
		return false
	}
	if f.TextLike != "" {
		needle := strings.ToLower(f.TextLike)
		if !strings.Contains(strings.ToLower(d.Title), needle) && !strings.Contains(strings.ToLower(d.Content), needle) {
			return false
		}
	}
	if len(f.TagsAny) > 0 {
		want := make(map[string]struct{}, len(f.TagsAny))
		for _, t := range f.TagsAny {
			want[strings.ToLower(t)] = struct{}{}
		}
		found := false
		for _, t := range d.Tags {
			if _, ok := want[strings.ToLower(t)]; ok {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// collapsedResult is one document's best-scoring chunk after rerank,
// collapse-by-document, and truncation to limit.
type collapsedResult struct {
	documentID string
	score      float64
	ordinal    int
}

// rerankAndCollapse scores every candidate passage, sorts by raw score
// descending, truncates to limit, then collapses chunks by document_id
// keeping the max score per document (tie-break by earlier ordinal), per
// §4.14 stage 4.
func (p *Pipeline) rerankAndCollapse(ctx context.Context, query string, limit int, candidates []vectorstore.Result) ([]collapsedResult, error) {
	if len(candidates) == 0 {
		return nil, nil
	}

	passages := make([]rerank.Passage, len(candidates))
	for i, c := range candidates {
		passages[i] = rerank.Passage{Text: c.TextPreview}
	}
	scores, err := p.reranker.Rerank(ctx, query, passages)
	if err != nil {
		return nil, fmt.Errorf("failed to rerank candidates: %w", err)
	}

	sort.Slice(scores, func(i, j int) bool { return scores[i].Score > scores[j].Score })
	if len(scores) > limit {
		scores = scores[:limit]
	}

	best := make(map[string]collapsedResult, len(scores))
	order := make([]string, 0, len(scores))
	for _, s := range scores {
		c := candidates[s.Index]
		cur, ok := best[c.DocumentID]
		if !ok {
			best[c.DocumentID] = collapsedResult{documentID: c.DocumentID, score: s.Score, ordinal: c.Ordinal}
			order = append(order, c.DocumentID)
			continue
		}
		if s.Score > cur.score || (s.Score == cur.score && c.Ordinal < cur.ordinal) {
			best[c.DocumentID] = collapsedResult{documentID: c.DocumentID, score: s.Score, ordinal: c.Ordinal}
		}
	}

	out := make([]collapsedResult, 0, len(order))
	for _, id := range order {
		out = append(out, best[id])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].score > out[j].score })
	return out, nil
}

// calibrate computes the displayed [0,1] similarity via
// cal(s) = sigmoid((s - s_min)/(s_max - s_min + eps) * k); ordering stays by
// raw score (the input is already sorted).
func calibrate(collapsed []collapsedResult, docsByID map[string]*metadata.Document) []Result {
	if len(collapsed) == 0 {
		return nil
	}

	const k = 4.0
	const eps = 1e-9
	sMin, sMax := collapsed[0].score, collapsed[0].score
	for _, c := range collapsed {
		if c.score < sMin {
			sMin = c.score
		}
		if c.score > sMax {
			sMax = c.score
		}
	}

	out := make([]Result, 0, len(collapsed))
	for _, c := range collapsed {
		normalized := (c.score - sMin) / (sMax - sMin + eps)
		sim := 1 / (1 + math.Exp(-normalized*k))
		doc := docsByID[c.documentID]
		r := Result{DocumentID: c.documentID, Similarity: sim}
		if doc != nil {
			r.Title = doc.Title
			r.Tags = doc.Tags
		}
		out = append(out, r)
	}
	return out
}

// sendResultPartials emits one result_partial event per calibrated local
// result, per §4.14 stage 5 and §6.3's schema.
func (p *Pipeline) sendResultPartials(out *progress.Writer, results []Result) {
	for i, r := range results {
		p.send(out, progress.Event{Type: progress.ResultPartial, ResultPartial: &progress.ResultPartialPayload{
			Index: i, DocumentID: r.DocumentID, Title: r.Title, Similarity: r.Similarity, Tags: r.Tags,
		}})
	}
}

// shouldTriggerExternal reports whether §4.14 stage 6's condition holds:
// the top displayed similarity is below threshold, or too few results came
// back locally.
func shouldTriggerExternal(results []Result) bool {
	if len(results) < externalTriggerMinCount {
		return true
	}
	return results[0].Similarity < externalTriggerSim
}

// runExternal invokes the Web Fallback provider and appends its hits. A
// provider failure is non-fatal per §4.15: an `external_unavailable` warning
// is sent and local results are returned unchanged.
func (p *Pipeline) runExternal(ctx context.Context, query string, results []Result, out *progress.Writer) []Result {
	if p.external == nil {
		return results
	}
	p.send(out, progress.Event{Type: progress.Progress, Progress: &progress.ProgressPayload{
		Stage: progress.StageExternal, Percentage: 75, Message: "checking external search",
	}})

	hits, err := p.external.Search(ctx, query)
	if err != nil {
		p.send(out, progress.Event{Type: progress.ExternalUnavailable, ExternalUnavailable: &progress.ExternalUnavailablePayload{
			Reason: err.Error(),
		}})
		return results
	}
	if p.synthesizer != nil {
		hits = p.synthesizer.Summarize(ctx, hits)
	}

	for _, h := range hits {
		results = append(results, Result{
			Title: h.Title, URL: h.URL, Snippet: h.Snippet, AISummary: h.AISummary, External: true,
		})
	}
	return results
}

// runSummaries streams an LLM-generated summary for each of up to
// maxSummarized top results, per §4.14 stage 7. A per-result generation
// error is discarded: that result's summary_end is still sent, and the
// remaining results are still summarized.
func (p *Pipeline) runSummaries(ctx context.Context, query string, results []Result, out *progress.Writer) {
	if len(results) == 0 {
		return
	}
	p.send(out, progress.Event{Type: progress.Progress, Progress: &progress.ProgressPayload{
		Stage: progress.StageSummarizing, Percentage: 90, Message: "summarizing top results",
	}})

	n := len(results)
	if n > maxSummarized {
		n = maxSummarized
	}
	for i := 0; i < n; i++ {
		prompt := fmt.Sprintf("Summarize this article in two sentences for the query %q.\n\nTitle: %s\n%s",
			query, results[i].Title, results[i].Snippet)
		idx := i
		_ = p.summarizer.GenerateStream(ctx, llmclient.GenerateParams{
			Model:    p.summaryModel,
			Messages: []llmclient.Message{{Role: "user", Content: prompt}},
		}, func(delta string) bool {
			p.send(out, progress.Event{Type: progress.SummaryToken, SummaryToken: &progress.SummaryTokenPayload{
				ResultIndex: idx, Token: delta,
			}})
			return true
		})
		p.send(out, progress.Event{Type: progress.SummaryEnd, SummaryEnd: &progress.SummaryEndPayload{ResultIndex: idx}})
	}
}

func (p *Pipeline) send(out *progress.Writer, ev progress.Event) {
	if out == nil {
		return
	}
	_ = out.Send(ev)
}

func (p *Pipeline) sendError(out *progress.Writer, err error) {
	body := apperr.ToBody(err)
	p.send(out, progress.Event{Type: progress.Error, Error: &progress.ErrorPayload{Code: body.Code, Message: body.Message}})
}
