package retrieval

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"

	"newsvault/internal/metadata"
	"newsvault/internal/progress"
	"newsvault/internal/rerank"
	"newsvault/internal/vectorstore"
	"newsvault/internal/webfallback"
)

type fakeEmbedder struct {
	vec  []float32
	fail bool
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if f.fail {
		return nil, errors.New("embed failed")
	}
	return f.vec, nil
}

type fakeVectorSearcher struct {
	results []vectorstore.Result
	fail    bool
}

func (f *fakeVectorSearcher) Search(ctx context.Context, userID string, queryVec []float32, k int) ([]vectorstore.Result, error) {
	if f.fail {
		return nil, errors.New("search failed")
	}
	return f.results, nil
}

type fakeReranker struct {
	scores []rerank.Scored
}

func (f *fakeReranker) Rerank(ctx context.Context, query string, passages []rerank.Passage) ([]rerank.Scored, error) {
	if f.scores != nil {
		return f.scores, nil
	}
	out := make([]rerank.Scored, len(passages))
	for i := range passages {
		out[i] = rerank.Scored{Index: i, Score: float64(len(passages) - i)}
	}
	return out, nil
}

type fakeStore struct {
	docs map[string]metadata.Document
}

func (f *fakeStore) GetDocument(ctx context.Context, userID, id string) (*metadata.Document, error) {
	d, ok := f.docs[id]
	if !ok {
		return nil, errors.New("not found")
	}
	return &d, nil
}

func (f *fakeStore) AddSearchRecord(ctx context.Context, rec metadata.SearchRecord) error { return nil }

func (f *fakeStore) UpdateSearchRecordCounts(ctx context.Context, id string, resultCount int, elapsedMS int64) error {
	return nil
}

type fakeProvider struct {
	hits []webfallback.Hit
	fail bool
}

func (f *fakeProvider) Search(ctx context.Context, query string) ([]webfallback.Hit, error) {
	if f.fail {
		return nil, errors.New("provider down")
	}
	return f.hits, nil
}

func newStoreWithDocs(docs ...metadata.Document) *fakeStore {
	s := &fakeStore{docs: make(map[string]metadata.Document)}
	for _, d := range docs {
		s.docs[d.ID] = d
	}
	return s
}

func TestRun_HappyPath_CollapsesByDocumentAndCalibrates(t *testing.T) {
	store := newStoreWithDocs(
		metadata.Document{ID: "doc-a", Title: "Cats", SourceType: metadata.SourceManual, Tags: []string{"cats"}},
		metadata.Document{ID: "doc-b", Title: "Dogs", SourceType: metadata.SourceManual, Tags: []string{"dogs"}},
	)
	vectors := &fakeVectorSearcher{results: []vectorstore.Result{
		{ChunkID: "c1", DocumentID: "doc-a", Ordinal: 0, TextPreview: "cats are great"},
		{ChunkID: "c2", DocumentID: "doc-a", Ordinal: 1, TextPreview: "cats sleep a lot"},
		{ChunkID: "c3", DocumentID: "doc-b", Ordinal: 0, TextPreview: "dogs bark"},
	}}
	p := New(&fakeEmbedder{vec: []float32{1, 2, 3}}, vectors, &fakeReranker{}, store)

	results, err := p.Run(context.Background(), Request{UserID: "u1", Query: "feline", Limit: 10}, nil)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected collapse to 2 documents, got %d: %+v", len(results), results)
	}
	for _, r := range results {
		if r.Similarity < 0 || r.Similarity > 1 {
			t.Errorf("similarity %f out of [0,1] range", r.Similarity)
		}
	}
	if results[0].DocumentID != "doc-a" {
		t.Errorf("expected doc-a to rank first (highest raw score), got %s", results[0].DocumentID)
	}
}

func TestRun_AppliesPostHocFilter(t *testing.T) {
	store := newStoreWithDocs(
		metadata.Document{ID: "doc-a", Title: "Cats", SourceType: metadata.SourceRSS},
		metadata.Document{ID: "doc-b", Title: "Dogs", SourceType: metadata.SourceManual},
	)
	vectors := &fakeVectorSearcher{results: []vectorstore.Result{
		{ChunkID: "c1", DocumentID: "doc-a", Ordinal: 0, TextPreview: "cats"},
		{ChunkID: "c2", DocumentID: "doc-b", Ordinal: 0, TextPreview: "dogs"},
	}}
	p := New(&fakeEmbedder{vec: []float32{1}}, vectors, &fakeReranker{}, store)

	wantType := metadata.SourceManual
	results, err := p.Run(context.Background(), Request{
		UserID: "u1", Query: "pets", Limit: 10,
		Filters: metadata.DocumentFilter{SourceType: &wantType},
	}, nil)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if len(results) != 1 || results[0].DocumentID != "doc-b" {
		t.Fatalf("expected only doc-b to survive the filter, got %+v", results)
	}
}

func TestRun_EmbedFailure_ReturnsError(t *testing.T) {
	store := newStoreWithDocs()
	p := New(&fakeEmbedder{fail: true}, &fakeVectorSearcher{}, &fakeReranker{}, store)

	_, err := p.Run(context.Background(), Request{UserID: "u1", Query: "q"}, nil)
	if err == nil {
		t.Fatal("expected an error when embedding fails")
	}
}

func TestRun_RejectsEmptyQuery(t *testing.T) {
	store := newStoreWithDocs()
	p := New(&fakeEmbedder{}, &fakeVectorSearcher{}, &fakeReranker{}, store)

	_, err := p.Run(context.Background(), Request{UserID: "u1", Query: "   "}, nil)
	if err == nil {
		t.Fatal("expected a validation error for an empty query")
	}
}

func TestRun_TriggersExternalOnSparseLocalResults(t *testing.T) {
	store := newStoreWithDocs(metadata.Document{ID: "doc-a", Title: "Cats"})
	vectors := &fakeVectorSearcher{results: []vectorstore.Result{
		{ChunkID: "c1", DocumentID: "doc-a", Ordinal: 0, TextPreview: "cats"},
	}}
	provider := &fakeProvider{hits: []webfallback.Hit{{Title: "External", URL: "https://x", Snippet: "s"}}}
	p := New(&fakeEmbedder{vec: []float32{1}}, vectors, &fakeReranker{}, store).WithWebFallback(provider, nil)

	results, err := p.Run(context.Background(), Request{UserID: "u1", Query: "q", IncludeExternal: true}, nil)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	foundExternal := false
	for _, r := range results {
		if r.External {
			foundExternal = true
		}
	}
	if !foundExternal {
		t.Errorf("expected external results to be appended when local recall is sparse, got %+v", results)
	}
}

func TestRun_EmitsOneResultPartialPerResult(t *testing.T) {
	store := newStoreWithDocs(
		metadata.Document{ID: "doc-a", Title: "Cats", Tags: []string{"cats"}},
		metadata.Document{ID: "doc-b", Title: "Dogs", Tags: []string{"dogs"}},
	)
	vectors := &fakeVectorSearcher{results: []vectorstore.Result{
		{ChunkID: "c1", DocumentID: "doc-a", Ordinal: 0, TextPreview: "cats"},
		{ChunkID: "c2", DocumentID: "doc-b", Ordinal: 0, TextPreview: "dogs"},
	}}
	p := New(&fakeEmbedder{vec: []float32{1}}, vectors, &fakeReranker{}, store)

	rec := httptest.NewRecorder()
	out, err := progress.NewWriter(rec)
	if err != nil {
		t.Fatalf("NewWriter returned error: %v", err)
	}

	results, err := p.Run(context.Background(), Request{UserID: "u1", Query: "pets", Limit: 10}, out)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	got := strings.Count(rec.Body.String(), `"type":"result_partial"`)
	if got != len(results) {
		t.Fatalf("expected %d result_partial events, got %d in body: %s", len(results), got, rec.Body.String())
	}
}

func TestRun_ExternalProviderFailureIsNonFatal(t *testing.T) {
	store := newStoreWithDocs(metadata.Document{ID: "doc-a", Title: "Cats"})
	vectors := &fakeVectorSearcher{results: []vectorstore.Result{
		{ChunkID: "c1", DocumentID: "doc-a", Ordinal: 0, TextPreview: "cats"},
	}}
	provider := &fakeProvider{fail: true}
	p := New(&fakeEmbedder{vec: []float32{1}}, vectors, &fakeReranker{}, store).WithWebFallback(provider, nil)

	results, err := p.Run(context.Background(), Request{UserID: "u1", Query: "q", IncludeExternal: true}, nil)
	if err != nil {
		t.Fatalf("expected provider failure to be non-fatal, got error: %v", err)
	}
	if len(results) != 1 {
		t.Errorf("expected local results to still be returned, got %+v", results)
	}
}
