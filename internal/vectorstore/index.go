// Package vectorstore implements the Vector Store Manager (C2): one
// FAISS-style on-disk ANN index per user, brute-force L2 search per §4.2's
// explicit "no normalization" requirement, and the soft-deletion/compaction
// lifecycle of §4.2 and §6.2, with an on-disk load/compact/atomic-swap
// lifecycle layered on top of the in-memory index.
package vectorstore

import (
	"encoding/gob"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"newsvault/internal/apperr"
)

// ChunkMeta is one sidecar entry: chunk_id -> document/ordinal/preview.
type ChunkMeta struct {
	DocumentID  string    `json:"document_id"`
	Ordinal     int       `json:"ordinal"`
	TextPreview string    `json:"text_preview"`
	CreatedAt   time.Time `json:"created_at"`
	Deleted     bool      `json:"deleted"`
}

// IndexMeta is meta.json.
type IndexMeta struct {
	EmbedderVersion string    `json:"embedder_version"`
	CreatedAt       time.Time `json:"created_at"`
	VectorCount     int       `json:"vector_count"`
	DeletedCount    int       `json:"deleted_count"`
}

// vectorRecord is one row of the flat matrix persisted in index.bin.
type vectorRecord struct {
	ChunkID string
	Vector  []float32
}

// Index is one user's loaded ANN index: a flat matrix searched by brute
// force, a sidecar mapping chunk_id to metadata, and the embedder-version
// stamp used to detect stale vectors on load.
type Index struct {
	mu sync.RWMutex

	UserID  string
	dir     string
	records []vectorRecord
	byID    map[string]int // chunk_id -> index into records
	sidecar map[string]*ChunkMeta
	meta    IndexMeta
	dirty   bool

	lastUsed time.Time
}

func userDir(root, userID string) string {
	return filepath.Join(root, "user_"+userID)
}

// loadOrCreate loads an existing on-disk index, or initializes an empty one
// if none exists yet. A version mismatch against wantEmbedderVersion yields
// apperr.Corrupt, per §4.2's "refuses to serve" policy.
func loadOrCreate(root, userID, wantEmbedderVersion string) (*Index, error) {
	dir := userDir(root, userID)
	idx := &Index{
		UserID:  userID,
		dir:     dir,
		byID:    make(map[string]int),
		sidecar: make(map[string]*ChunkMeta),
	}

	metaPath := filepath.Join(dir, "meta.json")
	if _, err := os.Stat(metaPath); os.IsNotExist(err) {
		idx.meta = IndexMeta{EmbedderVersion: wantEmbedderVersion, CreatedAt: time.Now()}
		return idx, nil
	}

	if err := readJSON(metaPath, &idx.meta); err != nil {
		return nil, apperr.Wrap(apperr.Corrupt, "failed to read index meta", err)
	}
	if wantEmbedderVersion != "" && idx.meta.EmbedderVersion != "" && idx.meta.EmbedderVersion != wantEmbedderVersion {
		return nil, apperr.New(apperr.Corrupt, fmt.Sprintf(
			"embedder version mismatch for user %s: index has %q, want %q", userID, idx.meta.EmbedderVersion, wantEmbedderVersion))
	}

	sidecarPath := filepath.Join(dir, "sidecar.json")
	if err := readJSON(sidecarPath, &idx.sidecar); err != nil && !os.IsNotExist(err) {
		return nil, apperr.Wrap(apperr.Corrupt, "failed to read index sidecar", err)
	}

	binPath := filepath.Join(dir, "index.bin")
	f, err := os.Open(binPath)
	if err != nil {
		if os.IsNotExist(err) {
			return idx, nil
		}
		return nil, apperr.Wrap(apperr.Corrupt, "failed to open index.bin", err)
	}
	defer f.Close()

	var records []vectorRecord
	if err := gob.NewDecoder(f).Decode(&records); err != nil {
		return nil, apperr.Wrap(apperr.Corrupt, "failed to decode index.bin", err)
	}
	idx.records = records
	for i, r := range records {
		idx.byID[r.ChunkID] = i
	}

	return idx, nil
}

// search performs brute-force L2 nearest-neighbor search over non-deleted
// vectors, returning at most k hits ordered by increasing distance.
func (idx *Index) search(query []float32, k int) []SearchHit {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if k > 256 {
		k = 256
	}

	hits := make([]SearchHit, 0, len(idx.records))
	for _, r := range idx.records {
		meta := idx.sidecar[r.ChunkID]
		if meta == nil || meta.Deleted {
			continue
		}
		d := l2Distance(query, r.Vector)
		hits = append(hits, SearchHit{ChunkID: r.ChunkID, Distance: d})
	}

	sortByDistanceAsc(hits)
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits
}

func l2Distance(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var sum float64
	for i := 0; i < n; i++ {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}

func sortByDistanceAsc(hits []SearchHit) {
	for i := 1; i < len(hits); i++ {
		for j := i; j > 0 && hits[j].Distance < hits[j-1].Distance; j-- {
			hits[j], hits[j-1] = hits[j-1], hits[j]
		}
	}
}

// SearchHit is one raw nearest-neighbor result before calibration.
type SearchHit struct {
	ChunkID  string
	Distance float64
}

// Similarity implements §4.2's calibration: sim = 1/(1+distance), clamped to
// [0,1]. This is explicitly not cosine similarity (§9 Open Question 1).
func Similarity(distance float64) float64 {
	sim := 1 / (1 + distance)
	if sim < 0 {
		return 0
	}
	if sim > 1 {
		return 1
	}
	return sim
}

// add appends new vectors and sidecar entries under the write lock.
func (idx *Index) add(chunkID string, vec []float32, meta ChunkMeta) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if pos, ok := idx.byID[chunkID]; ok {
		idx.records[pos].Vector = vec
	} else {
		idx.byID[chunkID] = len(idx.records)
		idx.records = append(idx.records, vectorRecord{ChunkID: chunkID, Vector: vec})
	}
	idx.sidecar[chunkID] = &meta
	idx.meta.VectorCount = len(idx.records)
	idx.dirty = true
}

// removeByDocument soft-deletes every chunk belonging to documentID,
// returning the count removed and the resulting deletion ratio.
func (idx *Index) removeByDocument(documentID string) (removed int, ratio float64, total int) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	for _, m := range idx.sidecar {
		if m.DocumentID == documentID && !m.Deleted {
			m.Deleted = true
			removed++
		}
	}
	idx.meta.DeletedCount += removed
	idx.dirty = removed > 0

	total = len(idx.records)
	if total == 0 {
		return removed, 0, 0
	}
	return removed, float64(idx.meta.DeletedCount) / float64(total), total
}

// compact rebuilds the record set from surviving (non-deleted) vectors.
func (idx *Index) compact() {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	survivors := make([]vectorRecord, 0, len(idx.records))
	newByID := make(map[string]int, len(idx.records))
	newSidecar := make(map[string]*ChunkMeta, len(idx.sidecar))

	for _, r := range idx.records {
		m := idx.sidecar[r.ChunkID]
		if m == nil || m.Deleted {
			continue
		}
		newByID[r.ChunkID] = len(survivors)
		survivors = append(survivors, r)
		newSidecar[r.ChunkID] = m
	}

	idx.records = survivors
	idx.byID = newByID
	idx.sidecar = newSidecar
	idx.meta.VectorCount = len(survivors)
	idx.meta.DeletedCount = 0
	idx.dirty = true
}

func (idx *Index) chunkCountForDocument(documentID string) int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	n := 0
	for _, m := range idx.sidecar {
		if m.DocumentID == documentID && !m.Deleted {
			n++
		}
	}
	return n
}
