package vectorstore

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	root := t.TempDir()
	return NewManager(root, "v1", 32, 0.2, 1000, zerolog.Nop())
}

func TestAddThenSearch_ReturnsAddedChunk(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	err := m.Add(ctx, "u1", []ChunkAdd{
		{ChunkID: "c1", DocumentID: "d1", Ordinal: 0, Vector: []float32{1, 0, 0}, TextPreview: "hello", CreatedAt: time.Now()},
		{ChunkID: "c2", DocumentID: "d1", Ordinal: 1, Vector: []float32{0, 1, 0}, TextPreview: "world", CreatedAt: time.Now()},
	})
	if err != nil {
		t.Fatalf("Add returned error: %v", err)
	}

	results, err := m.Search(ctx, "u1", []float32{1, 0, 0}, 5)
	if err != nil {
		t.Fatalf("Search returned error: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].ChunkID != "c1" {
		t.Errorf("expected exact match c1 first, got %s", results[0].ChunkID)
	}
	if results[0].Similarity < results[1].Similarity {
		t.Error("expected non-increasing similarity along result list")
	}
}

func TestSimilarity_BoundedZeroToOne(t *testing.T) {
	cases := []float64{0, 0.5, 1, 10, 1000}
	for _, d := range cases {
		s := Similarity(d)
		if s < 0 || s > 1 {
			t.Errorf("Similarity(%v) = %v out of [0,1]", d, s)
		}
	}
}

func TestRemoveByDocument_HidesChunksFromSearch(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	if err := m.Add(ctx, "u1", []ChunkAdd{
		{ChunkID: "c1", DocumentID: "d1", Vector: []float32{1, 0}, CreatedAt: time.Now()},
	}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	if err := m.RemoveByDocument(ctx, "u1", "d1"); err != nil {
		t.Fatalf("RemoveByDocument: %v", err)
	}

	results, err := m.Search(ctx, "u1", []float32{1, 0}, 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	for _, r := range results {
		if r.DocumentID == "d1" {
			t.Fatalf("expected no results for deleted document, got %+v", r)
		}
	}
}

func TestRemoveByDocument_TriggersCompactAboveThreshold(t *testing.T) {
	root := t.TempDir()
	m := NewManager(root, "v1", 32, 0.1, 2, zerolog.Nop())
	ctx := context.Background()

	chunks := []ChunkAdd{
		{ChunkID: "c1", DocumentID: "d1", Vector: []float32{1, 0}, CreatedAt: time.Now()},
		{ChunkID: "c2", DocumentID: "d2", Vector: []float32{0, 1}, CreatedAt: time.Now()},
		{ChunkID: "c3", DocumentID: "d2", Vector: []float32{0, 2}, CreatedAt: time.Now()},
	}
	if err := m.Add(ctx, "u1", chunks); err != nil {
		t.Fatalf("Add: %v", err)
	}

	if err := m.RemoveByDocument(ctx, "u1", "d2"); err != nil {
		t.Fatalf("RemoveByDocument: %v", err)
	}

	idx, err := m.Load("u1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(idx.records) != 1 {
		t.Errorf("expected compact to drop deleted records, got %d remaining", len(idx.records))
	}
}

func TestLoad_PersistsAcrossManagerInstances(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()

	m1 := NewManager(root, "v1", 32, 0.2, 1000, zerolog.Nop())
	if err := m1.Add(ctx, "u1", []ChunkAdd{
		{ChunkID: "c1", DocumentID: "d1", Vector: []float32{1, 2, 3}, CreatedAt: time.Now()},
	}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	m2 := NewManager(root, "v1", 32, 0.2, 1000, zerolog.Nop())
	results, err := m2.Search(ctx, "u1", []float32{1, 2, 3}, 5)
	if err != nil {
		t.Fatalf("Search on fresh manager: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected persisted chunk to be loadable, got %d results", len(results))
	}
}

func TestLoad_EmbedderVersionMismatchRefusesRead(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()

	m1 := NewManager(root, "v1", 32, 0.2, 1000, zerolog.Nop())
	if err := m1.Add(ctx, "u1", []ChunkAdd{{ChunkID: "c1", DocumentID: "d1", Vector: []float32{1}, CreatedAt: time.Now()}}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	m2 := NewManager(root, "v2", 32, 0.2, 1000, zerolog.Nop())
	if _, err := m2.Load("u1"); err == nil {
		t.Fatal("expected embedder version mismatch to refuse the load")
	}
}

func TestLoad_EvictsLeastRecentlyUsedAtCapacity(t *testing.T) {
	root := t.TempDir()
	m := NewManager(root, "v1", 1, 0.2, 1000, zerolog.Nop())

	if _, err := m.Load("u1"); err != nil {
		t.Fatalf("load u1: %v", err)
	}
	if _, err := m.Load("u2"); err != nil {
		t.Fatalf("load u2: %v", err)
	}

	m.mu.Lock()
	_, u1Present := m.loaded["u1"]
	_, u2Present := m.loaded["u2"]
	m.mu.Unlock()

	if u1Present {
		t.Error("expected u1 to have been evicted at capacity 1")
	}
	if !u2Present {
		t.Error("expected u2 to remain cached")
	}
}
