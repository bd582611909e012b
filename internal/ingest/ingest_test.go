package ingest

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"newsvault/internal/chunker"
	"newsvault/internal/dedupe"
	"newsvault/internal/executor"
	"newsvault/internal/metadata"
	"newsvault/internal/vectorstore"
)

type fakeDedupeStore struct {
	bySourceURL map[string]bool
	byHash      map[string]bool
}

func (f *fakeDedupeStore) FindBySourceURL(ctx context.Context, userID, sourceURL string) (bool, error) {
	return f.bySourceURL[userID+"|"+sourceURL], nil
}

func (f *fakeDedupeStore) FindByContentHash(ctx context.Context, userID, contentHash string) (bool, error) {
	return f.byHash[userID+"|"+contentHash], nil
}

type fakeStore struct {
	docs map[string]metadata.Document
}

func newFakeStore() *fakeStore { return &fakeStore{docs: make(map[string]metadata.Document)} }

func (f *fakeStore) PutDocument(ctx context.Context, d metadata.Document) error {
	f.docs[d.ID] = d
	return nil
}

func (f *fakeStore) GetDocument(ctx context.Context, userID, id string) (*metadata.Document, error) {
	d, ok := f.docs[id]
	if !ok {
		return nil, errors.New("not found")
	}
	return &d, nil
}

func (f *fakeStore) MarkIndexed(ctx context.Context, documentID string, state metadata.IndexedState) error {
	d := f.docs[documentID]
	d.IndexedState = state
	f.docs[documentID] = d
	return nil
}

func (f *fakeStore) DeleteDocument(ctx context.Context, userID, documentID string) error {
	d := f.docs[documentID]
	d.IndexedState = metadata.StateEvicting
	f.docs[documentID] = d
	return nil
}

func (f *fakeStore) HardDeleteDocument(ctx context.Context, documentID string) error {
	delete(f.docs, documentID)
	return nil
}

type fakeEmbedder struct{ fail bool }

func (f *fakeEmbedder) BatchEmbed(ctx context.Context, texts []string) ([][]float32, error) {
	if f.fail {
		return nil, errors.New("embed failed")
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 2, 3}
	}
	return out, nil
}

type fakeVectors struct {
	added   int
	removed []string
}

func (f *fakeVectors) Add(ctx context.Context, userID string, chunks []vectorstore.ChunkAdd) error {
	f.added += len(chunks)
	return nil
}

func (f *fakeVectors) RemoveByDocument(ctx context.Context, userID, documentID string) error {
	f.removed = append(f.removed, documentID)
	return nil
}

type fakeSubmitter struct{ tasks []executor.Task }

func (f *fakeSubmitter) Submit(task executor.Task) error {
	f.tasks = append(f.tasks, task)
	return nil
}

func testLogger() zerolog.Logger { return zerolog.Nop() }

func newCoordinator() (*Coordinator, *fakeStore, *fakeVectors, *fakeSubmitter) {
	store := newFakeStore()
	vecs := &fakeVectors{}
	sub := &fakeSubmitter{}
	dd := dedupe.New(&fakeDedupeStore{bySourceURL: map[string]bool{}, byHash: map[string]bool{}})
	c := New(store, dd, chunker.New(), &fakeEmbedder{}, vecs, sub, testLogger())
	return c, store, vecs, sub
}

func TestIngest_RejectsMissingFields(t *testing.T) {
	c, _, _, _ := newCoordinator()
	_, err := c.Ingest(context.Background(), Draft{UserID: "u1", Title: "", Content: ""})
	if err == nil {
		t.Fatal("expected a validation error for empty title/content")
	}
}

func TestIngest_PersistsPendingAndSubmitsIndexTask(t *testing.T) {
	c, store, _, sub := newCoordinator()
	id, err := c.Ingest(context.Background(), Draft{UserID: "u1", Title: "T", Content: "some content", SourceType: metadata.SourceManual})
	if err != nil {
		t.Fatalf("Ingest returned error: %v", err)
	}
	doc, ok := store.docs[id]
	if !ok {
		t.Fatalf("expected document %s to be persisted", id)
	}
	if doc.IndexedState != metadata.StatePending {
		t.Errorf("expected pending state, got %s", doc.IndexedState)
	}
	if len(sub.tasks) != 1 || sub.tasks[0].Kind != executor.IndexDocument {
		t.Fatalf("expected one IndexDocument task submitted, got %v", sub.tasks)
	}
}

func TestIngest_DuplicateBySourceURLIsNoOp(t *testing.T) {
	store := newFakeStore()
	vecs := &fakeVectors{}
	sub := &fakeSubmitter{}
	dd := dedupe.New(&fakeDedupeStore{bySourceURL: map[string]bool{"u1|https://example.com/a": true}, byHash: map[string]bool{}})
	c := New(store, dd, chunker.New(), &fakeEmbedder{}, vecs, sub, testLogger())

	_, err := c.Ingest(context.Background(), Draft{UserID: "u1", Title: "T", Content: "c", SourceURL: "https://example.com/a"})
	if !errors.Is(err, ErrAlreadyPresent) && err != ErrAlreadyPresent {
		t.Fatalf("expected ErrAlreadyPresent, got %v", err)
	}
	if len(sub.tasks) != 0 {
		t.Errorf("expected no task submitted for a duplicate, got %v", sub.tasks)
	}
}

func TestRunIndexTask_EmbedsAndMarksIndexed(t *testing.T) {
	c, store, vecs, _ := newCoordinator()
	id, err := c.Ingest(context.Background(), Draft{UserID: "u1", Title: "T", Content: "some reasonably long content body", SourceType: metadata.SourceManual})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	task := executor.Task{Kind: executor.IndexDocument, UserID: "u1", Payload: IndexTaskPayload{DocumentID: id, UserID: "u1"}}
	if err := c.RunIndexTask(context.Background(), task); err != nil {
		t.Fatalf("RunIndexTask returned error: %v", err)
	}
	if store.docs[id].IndexedState != metadata.StateIndexed {
		t.Errorf("expected indexed state, got %s", store.docs[id].IndexedState)
	}
	if vecs.added == 0 {
		t.Error("expected vectors to be added")
	}
}

func TestRunIndexTask_MarksFailedOnEmbedError(t *testing.T) {
	store := newFakeStore()
	vecs := &fakeVectors{}
	sub := &fakeSubmitter{}
	dd := dedupe.New(&fakeDedupeStore{bySourceURL: map[string]bool{}, byHash: map[string]bool{}})
	c := New(store, dd, chunker.New(), &fakeEmbedder{fail: true}, vecs, sub, testLogger())

	id, err := c.Ingest(context.Background(), Draft{UserID: "u1", Title: "T", Content: "some content", SourceType: metadata.SourceManual})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	task := executor.Task{Kind: executor.IndexDocument, UserID: "u1", Payload: IndexTaskPayload{DocumentID: id, UserID: "u1"}}
	if err := c.RunIndexTask(context.Background(), task); err == nil {
		t.Fatal("expected RunIndexTask to return the embed error")
	}
	if store.docs[id].IndexedState != metadata.StateFailed {
		t.Errorf("expected failed state, got %s", store.docs[id].IndexedState)
	}
}

func TestDelete_MarksEvictingAndSubmitsEvictTask(t *testing.T) {
	c, store, _, sub := newCoordinator()
	id, _ := c.Ingest(context.Background(), Draft{UserID: "u1", Title: "T", Content: "some content", SourceType: metadata.SourceManual})
	sub.tasks = nil

	if err := c.Delete(context.Background(), "u1", id); err != nil {
		t.Fatalf("Delete returned error: %v", err)
	}
	if store.docs[id].IndexedState != metadata.StateEvicting {
		t.Errorf("expected evicting state, got %s", store.docs[id].IndexedState)
	}
	if len(sub.tasks) != 1 || sub.tasks[0].Kind != executor.EvictDocumentVectors {
		t.Fatalf("expected one EvictDocumentVectors task, got %v", sub.tasks)
	}
}

func TestRunEvictTask_RemovesVectorsAndHardDeletes(t *testing.T) {
	c, store, vecs, _ := newCoordinator()
	id, _ := c.Ingest(context.Background(), Draft{UserID: "u1", Title: "T", Content: "some content", SourceType: metadata.SourceManual})

	task := executor.Task{Kind: executor.EvictDocumentVectors, UserID: "u1", Payload: EvictTaskPayload{DocumentID: id, UserID: "u1"}}
	if err := c.RunEvictTask(context.Background(), task); err != nil {
		t.Fatalf("RunEvictTask returned error: %v", err)
	}
	if len(vecs.removed) != 1 || vecs.removed[0] != id {
		t.Errorf("expected document %s to be removed from the vector index, got %v", id, vecs.removed)
	}
	if _, ok := store.docs[id]; ok {
		t.Error("expected document row to be hard-deleted")
	}
}
