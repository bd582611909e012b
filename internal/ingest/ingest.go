// Package ingest implements the Ingest Coordinator (C13): the single-article
// pipeline from a validated draft to an indexed, searchable Document, per
// the Document/Chunk/state-machine model of §3/§4.18. A duplicate check
// fronts a synchronous persist step; chunking, embedding, and vector-add
// run asynchronously via the Background Executor.
package ingest

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"newsvault/internal/apperr"
	"newsvault/internal/chunker"
	"newsvault/internal/dedupe"
	"newsvault/internal/executor"
	"newsvault/internal/logging"
	"newsvault/internal/metadata"
	"newsvault/internal/vectorstore"
)

// Draft is the caller-supplied shape for a new article, before
// normalization, hashing, and persistence.
type Draft struct {
	UserID      string
	Title       string
	Content     string
	Summary     string
	SourceURL   string
	SourceType  metadata.SourceType
	PublishedAt *string
	Tags        []string
}

// MetadataStore is the subset of metadata.Store the coordinator needs.
type MetadataStore interface {
	PutDocument(ctx context.Context, d metadata.Document) error
	GetDocument(ctx context.Context, userID, id string) (*metadata.Document, error)
	MarkIndexed(ctx context.Context, documentID string, state metadata.IndexedState) error
	DeleteDocument(ctx context.Context, userID, documentID string) error
	HardDeleteDocument(ctx context.Context, documentID string) error
}

// Submitter is the subset of executor.Pool the coordinator needs.
type Submitter interface {
	Submit(task executor.Task) error
}

// Embedder is the subset of embedding.Client the index step needs.
type Embedder interface {
	BatchEmbed(ctx context.Context, texts []string) ([][]float32, error)
}

// VectorAdder is the subset of vectorstore.Manager the index step needs.
type VectorAdder interface {
	Add(ctx context.Context, userID string, chunks []vectorstore.ChunkAdd) error
	RemoveByDocument(ctx context.Context, userID, documentID string) error
}

// IndexTaskPayload is the data an IndexDocument task carries — enough to run
// without any captured external state, per §4.12.
type IndexTaskPayload struct {
	DocumentID string
	UserID     string
}

// EvictTaskPayload is the data an EvictDocumentVectors task carries.
type EvictTaskPayload struct {
	DocumentID string
	UserID     string
}

// Coordinator wires the Deduper, Metadata Store, Chunker, Embedder, and
// Vector Store Manager together per §4.13.
type Coordinator struct {
	store    MetadataStore
	dedupe   *dedupe.Deduper
	splitter chunker.Splitter
	embedder Embedder
	vectors  VectorAdder
	pool     Submitter
	log      zerolog.Logger
}

func New(store MetadataStore, deduper *dedupe.Deduper, splitter chunker.Splitter, embedder Embedder, vectors VectorAdder, pool Submitter, log zerolog.Logger) *Coordinator {
	return &Coordinator{store: store, dedupe: deduper, splitter: splitter, embedder: embedder, vectors: vectors, pool: pool, log: log}
}

// ErrAlreadyPresent is returned by Ingest when the draft is a duplicate of an
// existing document for the same user; nothing is persisted or submitted.
// Its kind is apperr.Duplicate, so the create-document handler answers 409,
// while the upload stream counts the row as done.
var ErrAlreadyPresent = apperr.New(apperr.Duplicate, "document already present for this user")

// Ingest runs steps 1-4 of §4.13 synchronously (validate, dedupe, persist,
// submit) and returns the new document's id. Steps 5-6 (chunk, embed,
// vector-add, mark indexed) run asynchronously via the Background Executor
// as an IndexDocument task; call RunIndexTask from that task's handler.
func (c *Coordinator) Ingest(ctx context.Context, d Draft) (string, error) {
	title := strings.TrimSpace(d.Title)
	content := strings.TrimSpace(d.Content)
	if title == "" || content == "" {
		return "", apperr.WithDetails(apperr.Validation, "title and content are required",
			map[string]string{"title": title, "content_len": fmt.Sprintf("%d", len(content))})
	}
	if d.UserID == "" {
		return "", apperr.New(apperr.Validation, "user_id is required")
	}

	hash := dedupe.ContentHash(content)
	dup, err := c.dedupe.IsDuplicate(ctx, d.UserID, d.SourceURL, hash)
	if err != nil {
		return "", err
	}
	if dup {
		return "", ErrAlreadyPresent
	}

	doc := metadata.Document{
		ID:           uuid.NewString(),
		UserID:       d.UserID,
		Title:        title,
		Content:      content,
		Summary:      d.Summary,
		SourceType:   d.SourceType,
		ContentHash:  hash,
		IndexedState: metadata.StatePending,
		Tags:         d.Tags,
	}
	if d.SourceURL != "" {
		doc.SourceURL = &d.SourceURL
	}

	if err := c.store.PutDocument(ctx, doc); err != nil {
		return "", err
	}

	task := executor.Task{
		Kind:   executor.IndexDocument,
		UserID: d.UserID,
		Payload: IndexTaskPayload{
			DocumentID: doc.ID,
			UserID:     d.UserID,
		},
	}
	if err := c.pool.Submit(task); err != nil {
		logging.WithTrace(ctx, c.log).Warn().Err(err).Str("document_id", doc.ID).Msg("failed to submit index task, document stays pending")
		return doc.ID, nil
	}
	return doc.ID, nil
}

// RunIndexTask performs step 5 of §4.13: load the document, chunk it,
// embed the chunks, add them to the user's vector index, and transition
// indexed_state to indexed or failed. Wire this as the executor.Handler for
// executor.IndexDocument.
func (c *Coordinator) RunIndexTask(ctx context.Context, task executor.Task) error {
	payload, ok := task.Payload.(IndexTaskPayload)
	if !ok {
		return apperr.New(apperr.Internal, "index task carried an unexpected payload type")
	}

	doc, err := c.store.GetDocument(ctx, payload.UserID, payload.DocumentID)
	if err != nil {
		return err
	}

	if err := c.indexDocument(ctx, doc); err != nil {
		logging.WithTrace(ctx, c.log).Error().Err(err).Str("document_id", doc.ID).Msg("indexing failed")
		if markErr := c.store.MarkIndexed(ctx, doc.ID, metadata.StateFailed); markErr != nil {
			logging.WithTrace(ctx, c.log).Error().Err(markErr).Str("document_id", doc.ID).Msg("failed to record failed indexed_state")
		}
		return err
	}

	return c.store.MarkIndexed(ctx, doc.ID, metadata.StateIndexed)
}

func (c *Coordinator) indexDocument(ctx context.Context, doc *metadata.Document) error {
	chunks := chunker.ChunkDocument(c.splitter, doc.ID, doc.Content)
	if len(chunks) == 0 {
		return nil
	}

	texts := make([]string, len(chunks))
	for i, ch := range chunks {
		texts[i] = ch.Text
	}
	vecs, err := c.embedder.BatchEmbed(ctx, texts)
	if err != nil {
		return fmt.Errorf("failed to embed chunks for document %s: %w", doc.ID, err)
	}

	adds := make([]vectorstore.ChunkAdd, len(chunks))
	for i, ch := range chunks {
		preview := ch.Text
		if len(preview) > 240 {
			preview = preview[:240]
		}
		adds[i] = vectorstore.ChunkAdd{
			ChunkID:     ch.ID,
			DocumentID:  doc.ID,
			Ordinal:     ch.Ordinal,
			Vector:      vecs[i],
			TextPreview: preview,
			CreatedAt:   doc.CreatedAt,
		}
	}

	if err := c.vectors.Add(ctx, doc.UserID, adds); err != nil {
		return fmt.Errorf("failed to add vectors for document %s: %w", doc.ID, err)
	}
	return nil
}

// Delete runs the symmetric deletion flow of §4.13 step 6: the metadata row
// is synchronously moved to evicting, then an EvictDocumentVectors task is
// submitted to remove its vectors and hard-delete the row in the
// background.
func (c *Coordinator) Delete(ctx context.Context, userID, documentID string) error {
	if err := c.store.DeleteDocument(ctx, userID, documentID); err != nil {
		return err
	}

	task := executor.Task{
		Kind:   executor.EvictDocumentVectors,
		UserID: userID,
		Payload: EvictTaskPayload{
			DocumentID: documentID,
			UserID:     userID,
		},
	}
	if err := c.pool.Submit(task); err != nil {
		logging.WithTrace(ctx, c.log).Warn().Err(err).Str("document_id", documentID).Msg("failed to submit eviction task, document stays evicting")
	}
	return nil
}

// RunEvictTask performs the background half of the deletion flow: remove
// documentID's vectors from the user's index, then hard-delete its row.
// Wire this as the executor.Handler for executor.EvictDocumentVectors.
func (c *Coordinator) RunEvictTask(ctx context.Context, task executor.Task) error {
	payload, ok := task.Payload.(EvictTaskPayload)
	if !ok {
		return apperr.New(apperr.Internal, "evict task carried an unexpected payload type")
	}

	if err := c.vectors.RemoveByDocument(ctx, payload.UserID, payload.DocumentID); err != nil {
		return fmt.Errorf("failed to evict vectors for document %s: %w", payload.DocumentID, err)
	}
	return c.store.HardDeleteDocument(ctx, payload.DocumentID)
}
